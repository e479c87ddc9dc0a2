package conversation

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// OtherTimesTitle heads the group of slots whose date could not be read.
const OtherTimesTitle = "Other times"

// Slot is one offered appointment time. Value is sent back to the agent
// verbatim when the slot is chosen.
type Slot struct {
	Value string
	Label string
	Start time.Time
	End   time.Time
}

// HasDate reports whether the slot's start time was understood.
func (s Slot) HasDate() bool {
	return !s.Start.IsZero()
}

// SlotGroup is the slots falling on one calendar day.
type SlotGroup struct {
	Date  string // 2006-01-02, empty for the trailing "Other times" group
	Title string
	Slots []Slot
}

var slotLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseSlotTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range slotLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseSlots reads the slot list sent by the agent. Entries are either plain
// strings or objects with start, end and label fields; anything else is
// skipped.
func ParseSlots(v any) []Slot {
	items, ok := v.([]any)
	if !ok {
		if strs, ok := v.([]string); ok {
			items = make([]any, len(strs))
			for i, s := range strs {
				items[i] = s
			}
		} else {
			return nil
		}
	}

	var out []Slot
	for _, item := range items {
		switch t := item.(type) {
		case string:
			if t == "" {
				continue
			}
			slot := Slot{Value: t, Label: t}
			if start, ok := parseSlotTime(t); ok {
				slot.Start = start
				slot.Label = slotLabel(start, time.Time{}, t)
			}
			out = append(out, slot)
		case map[string]any:
			start, _ := t["start"].(string)
			end, _ := t["end"].(string)
			label, _ := t["label"].(string)
			if start == "" && label == "" {
				continue
			}

			slot := Slot{Value: cmp.Or(start, label), Label: label}
			if st, ok := parseSlotTime(start); ok {
				slot.Start = st
			}
			if et, ok := parseSlotTime(end); ok {
				slot.End = et
			}
			if slot.Label == "" {
				slot.Label = slotLabel(slot.Start, slot.End, slot.Value)
			}
			out = append(out, slot)
		}
	}
	return out
}

func slotLabel(start, end time.Time, fallback string) string {
	if start.IsZero() {
		return fallback
	}
	if start.Hour() == 0 && start.Minute() == 0 && end.IsZero() {
		return start.Format("Mon, Jan 2")
	}
	if end.IsZero() {
		return start.Format("15:04")
	}
	return start.Format("15:04") + " – " + end.Format("15:04")
}

// GroupSlotsByDate buckets slots by the calendar date of their start, dates
// ascending. Order within a day is preserved. Slots without a readable date
// are collected in a trailing "Other times" group.
func GroupSlotsByDate(slots []Slot) []SlotGroup {
	var groups []SlotGroup
	index := make(map[string]int)
	var other []Slot

	for _, s := range slots {
		if !s.HasDate() {
			other = append(other, s)
			continue
		}
		key := s.Start.Format(time.DateOnly)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, SlotGroup{Date: key, Title: s.Start.Format("Monday, January 2 2006")})
		}
		groups[i].Slots = append(groups[i].Slots, s)
	}

	slices.SortStableFunc(groups, func(a, b SlotGroup) int {
		return strings.Compare(a.Date, b.Date)
	})

	if len(other) > 0 {
		groups = append(groups, SlotGroup{Title: OtherTimesTitle, Slots: other})
	}
	return groups
}

// DateLabel renders a 2006-01-02 date as "Monday, January 2 2006". Other
// input is returned unchanged.
func DateLabel(date string) string {
	t, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return date
	}
	return t.Format("Monday, January 2 2006")
}
