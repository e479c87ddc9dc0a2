package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/sahilm/fuzzy"

	"bookchat/conversation"
)

const (
	dialogWidth      = 64
	otherOptionLabel = "Other…"
)

type dialogItem struct {
	label string
	value string
	group string
	other bool
}

// dialogResult is what a key press did to the dialog. When done is set the
// dialog is finished and value (possibly empty, meaning cancel) goes back to
// the controller.
type dialogResult struct {
	done  bool
	value string
}

// dialogState is the overlay opened for a function call that needs the
// user's input.
type dialogState struct {
	kind   conversation.DialogKind
	key    string
	title  string
	prompt string

	items    []dialogItem
	filtered []int
	cursor   int

	filterable bool
	filtering  bool
	filter     textinput.Model

	textMode   bool
	returnable bool // Esc in text mode goes back to the option list
	input      textinput.Model
}

// selectionKey identifies what a dialog was opened for, so a repeated
// snapshot of the same selection does not reset the user's cursor.
func selectionKey(sel conversation.Selection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s|%s|%s|", sel.Dialog, sel.Question,
		strings.Join(sel.Options, "\x1f"), strings.Join(sel.AvailableDates, "\x1f"))
	for _, s := range sel.Slots {
		b.WriteString(s.Value)
		b.WriteByte('\x1f')
	}
	return b.String()
}

func newDialogState(sel conversation.Selection) *dialogState {
	d := &dialogState{
		kind: sel.Dialog,
		key:  selectionKey(sel),
	}

	d.filter = textinput.New()
	d.filter.Prompt = "Filter: "
	d.filter.CharLimit = 64

	d.input = textinput.New()
	d.input.Prompt = "> "
	d.input.CharLimit = 256
	d.input.Width = dialogWidth - 6

	switch sel.Dialog {
	case conversation.DialogQualifier:
		d.title = "A quick question"
		d.prompt = sel.Question
		if d.prompt == "" {
			d.prompt = "The agent needs a bit more information."
		}
		for _, opt := range sel.Options {
			d.items = append(d.items, dialogItem{label: opt, value: opt})
		}
		if len(d.items) == 0 {
			d.enterTextMode("Type your answer")
		} else {
			d.items = append(d.items, dialogItem{label: otherOptionLabel, other: true})
			d.returnable = true
		}

	case conversation.DialogDatePicker:
		d.title = "Pick a date"
		d.prompt = "These dates have openings:"
		for _, date := range sel.AvailableDates {
			d.items = append(d.items, dialogItem{label: conversation.DateLabel(date), value: date})
		}

	case conversation.DialogSlotPicker:
		d.title = "Pick a time"
		d.prompt = "Choose one of the available times."
		d.filterable = true
		groups := sel.SlotGroups
		if len(groups) == 0 {
			groups = conversation.GroupSlotsByDate(sel.Slots)
		}
		for _, g := range groups {
			for _, s := range g.Slots {
				d.items = append(d.items, dialogItem{label: s.Label, value: s.Value, group: g.Title})
			}
		}

	case conversation.DialogEmail:
		d.title = "Confirm your email"
		d.prompt = "Please enter your email address to continue."
		d.enterTextMode("your.email@example.com")
	}

	d.resetFilter()
	return d
}

func (d *dialogState) enterTextMode(placeholder string) tea.Cmd {
	d.textMode = true
	d.input.Placeholder = placeholder
	d.input.SetValue("")
	return d.input.Focus()
}

func (d *dialogState) resetFilter() {
	d.filter.SetValue("")
	d.filtered = make([]int, len(d.items))
	for i := range d.items {
		d.filtered[i] = i
	}
	d.cursor = 0
}

func (d *dialogState) applyFilter() {
	pattern := d.filter.Value()
	if pattern == "" {
		d.filtered = make([]int, len(d.items))
		for i := range d.items {
			d.filtered[i] = i
		}
	} else {
		targets := make([]string, len(d.items))
		for i, item := range d.items {
			targets[i] = item.group + " " + item.label
		}
		matches := fuzzy.Find(pattern, targets)
		d.filtered = make([]int, len(matches))
		for i, match := range matches {
			d.filtered[i] = match.Index
		}
	}

	if d.cursor >= len(d.filtered) {
		d.cursor = max(len(d.filtered)-1, 0)
	}
}

func (d *dialogState) moveCursor(delta int) {
	if len(d.filtered) == 0 {
		return
	}
	d.cursor = min(max(d.cursor+delta, 0), len(d.filtered)-1)
}

// current returns the highlighted item, if any.
func (d *dialogState) current() (dialogItem, bool) {
	if d.cursor < 0 || d.cursor >= len(d.filtered) {
		return dialogItem{}, false
	}
	return d.items[d.filtered[d.cursor]], true
}

func (d *dialogState) choose() (dialogResult, tea.Cmd) {
	item, ok := d.current()
	if !ok {
		return dialogResult{}, nil
	}
	if item.other {
		return dialogResult{}, d.enterTextMode("Type your answer")
	}
	return dialogResult{done: true, value: item.value}, nil
}

func (d *dialogState) handleKey(msg tea.KeyMsg) (dialogResult, tea.Cmd) {
	if d.textMode {
		return d.handleTextKey(msg)
	}
	if d.filtering {
		return d.handleFilterKey(msg)
	}

	switch msg.String() {
	case "esc":
		return dialogResult{done: true}, nil
	case "enter":
		return d.choose()
	case "j", "down", "alt+j":
		d.moveCursor(1)
	case "k", "up", "alt+k":
		d.moveCursor(-1)
	case "g", "home":
		d.cursor = 0
	case "G", "end":
		d.moveCursor(len(d.filtered))
	case "/":
		if d.filterable {
			d.filtering = true
			return dialogResult{}, d.filter.Focus()
		}
	}
	return dialogResult{}, nil
}

func (d *dialogState) handleFilterKey(msg tea.KeyMsg) (dialogResult, tea.Cmd) {
	switch msg.String() {
	case "esc":
		d.filtering = false
		d.filter.Blur()
		d.resetFilter()
		return dialogResult{}, nil
	case "enter":
		return d.choose()
	case "down", "alt+j":
		d.moveCursor(1)
		return dialogResult{}, nil
	case "up", "alt+k":
		d.moveCursor(-1)
		return dialogResult{}, nil
	}

	var cmd tea.Cmd
	d.filter, cmd = d.filter.Update(msg)
	d.applyFilter()
	return dialogResult{}, cmd
}

func (d *dialogState) handleTextKey(msg tea.KeyMsg) (dialogResult, tea.Cmd) {
	switch msg.String() {
	case "esc":
		if d.returnable {
			d.textMode = false
			d.input.Blur()
			return dialogResult{}, nil
		}
		return dialogResult{done: true}, nil
	case "enter":
		value := strings.TrimSpace(d.input.Value())
		if value == "" {
			return dialogResult{}, nil
		}
		return dialogResult{done: true, value: value}, nil
	}

	var cmd tea.Cmd
	d.input, cmd = d.input.Update(msg)
	return dialogResult{}, cmd
}

func (d *dialogState) footer() string {
	switch {
	case d.textMode && d.returnable:
		return FormatFooter("Enter", "Send", "Esc", "Back")
	case d.textMode:
		return FormatFooter("Enter", "Send", "Esc", "Cancel")
	case d.filtering:
		return FormatFooter("↑/↓", "Navigate", "Enter", "Select", "Esc", "Clear filter")
	case d.filterable:
		return FormatFooter("j/k", "Navigate", "/", "Filter", "Enter", "Select", "Esc", "Cancel")
	}
	return FormatFooter("j/k", "Navigate", "Enter", "Select", "Esc", "Cancel")
}

// lines renders the dialog body. maxItems bounds how many options are shown;
// the window follows the cursor.
func (d *dialogState) lines(maxItems int) []string {
	textWidth := dialogWidth - 4
	var lines []string
	for _, l := range strings.Split(wordWrap(d.prompt, textWidth), "\n") {
		lines = append(lines, "  "+l)
	}
	lines = append(lines, "")

	if d.textMode {
		return append(lines, "  "+d.input.View())
	}

	if d.filtering || d.filter.Value() != "" {
		lines = append(lines, "  "+d.filter.View(), "")
	}

	if len(d.filtered) == 0 {
		return append(lines, DimStyle.Render("  No matches"))
	}

	maxItems = max(maxItems, 3)
	start := 0
	if d.cursor >= maxItems {
		start = d.cursor - maxItems + 1
	}
	end := min(start+maxItems, len(d.filtered))

	grouped := !d.filtering && d.filter.Value() == ""
	lastGroup := ""
	if grouped && start > 0 {
		lastGroup = d.items[d.filtered[start-1]].group
	}

	for pos := start; pos < end; pos++ {
		item := d.items[d.filtered[pos]]
		label := item.label
		if grouped {
			if item.group != "" && item.group != lastGroup {
				lines = append(lines, GroupStyle.Render("  "+truncateLabel(item.group, textWidth)))
				lastGroup = item.group
			}
		} else if item.group != "" {
			label = item.group + " · " + label
		}

		label = truncateLabel(label, textWidth-4)
		if pos == d.cursor {
			lines = append(lines, SelectedStyle.Render("  ▸ "+label))
		} else {
			lines = append(lines, "    "+label)
		}
	}

	if end < len(d.filtered) || start > 0 {
		lines = append(lines, DimStyle.Render(fmt.Sprintf("  %d of %d", d.cursor+1, len(d.filtered))))
	}
	return lines
}

func (d *dialogState) render(width, height int) string {
	maxItems := height - 16
	return RenderThreeSectionModal(d.title, d.lines(maxItems), d.footer(), ModalTypeInfo, dialogWidth, width, height)
}
