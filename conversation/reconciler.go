package conversation

import (
	"cmp"
	"regexp"
	"strings"
	"time"

	"bookchat/agent"
)

// RateLimitMessage is shown when the agent reports it is being throttled.
const RateLimitMessage = "The agent is receiving too many requests right now. Please wait a moment and try again."

// rateLimitPattern matches throttling phrases only; a bare "quota" or "429"
// in a reply (a price, an allowance) is ordinary text.
var rateLimitPattern = regexp.MustCompile(`(?i)quota (?:has been |was )?exceeded|exceeded (?:your |the )?(?:current )?quota|rate[ _-]?limit(?:ed|ing| exceeded| reached)|too many requests|resource[ _]exhausted`)

// rateLimitCodes are the error codes the agent uses for throttling.
var rateLimitCodes = []string{"429", "RESOURCE_EXHAUSTED", "RATE_LIMIT_EXCEEDED"}

// EffectKind is follow-up work the reconciler asks its owner to perform once
// the current stream has finished.
type EffectKind int

const (
	EffectSubmitBooking EffectKind = iota + 1
)

type Effect struct {
	Kind EffectKind
	Call FunctionCall
}

// Outcome summarizes what applying one batch did.
type Outcome struct {
	// Completed is set when the batch closed a model turn.
	Completed bool
	// RateLimited is set when the batch was rejected as a throttling signal;
	// nothing else from it was applied.
	RateLimited bool
	// Failed is set when the batch carried an agent error. The turn is over
	// and nothing after this batch should be applied.
	Failed  bool
	Effects []Effect
}

// Reconciler applies decoded agent batches to a State. The zero value is
// usable: it reads the wall clock and treats the user as anonymous.
type Reconciler struct {
	Now         func() time.Time
	IsAnonymous func() bool
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Reconciler) anonymous() bool {
	if r.IsAnonymous != nil {
		return r.IsAnonymous()
	}
	return true
}

// Apply folds batch into state in event order.
func (r *Reconciler) Apply(state *State, batch agent.Batch) Outcome {
	now := r.now()

	if IsRateLimited(batch) {
		state.ReportError(RateLimitMessage, now)
		return Outcome{RateLimited: true}
	}

	var out Outcome
	for _, ev := range batch.Events {
		switch e := ev.(type) {
		case agent.TextDelta:
			r.applyText(state, e, now)
		case agent.FunctionCallEvent:
			if eff, ok := r.applyCall(state, e, now); ok {
				out.Effects = append(out.Effects, eff)
			}
		case agent.FunctionResponseEvent:
			r.applyResponse(state, e, now)
		}
	}

	if detail := cmp.Or(batch.ErrorMessage, batch.ErrorCode); detail != "" {
		out.Failed = true
		out.Completed = true
		state.Log.CompleteStreaming()
		state.ReportError("The agent reported an error: "+detail, now)
		return out
	}

	if !batch.Partial {
		out.Completed = true
		state.Loading = false
		state.Log.CompleteStreaming()
	}
	return out
}

// IsRateLimitText reports whether s reads like a throttling or quota error.
func IsRateLimitText(s string) bool {
	return rateLimitPattern.MatchString(s)
}

// IsRateLimited reports whether any text or error in batch signals throttling.
func IsRateLimited(batch agent.Batch) bool {
	code := strings.TrimSpace(batch.ErrorCode)
	for _, c := range rateLimitCodes {
		if strings.EqualFold(code, c) {
			return true
		}
	}
	if rateLimitPattern.MatchString(batch.ErrorMessage) {
		return true
	}
	for _, ev := range batch.Events {
		if t, ok := ev.(agent.TextDelta); ok && rateLimitPattern.MatchString(t.Text) {
			return true
		}
	}
	return false
}

// applyText replaces the open agent turn (the server sends accumulated text,
// not a diff) or starts a new one.
func (r *Reconciler) applyText(state *State, e agent.TextDelta, now time.Time) {
	if last := state.Log.Last(); last != nil && last.IsPlainAgentText() && last.Streaming {
		last.Text = e.Text
		last.Streaming = e.Partial
		last.Completed = !e.Partial
		return
	}

	state.Log.Append(Message{
		Role:      RoleAgent,
		Text:      e.Text,
		Timestamp: now,
		Streaming: e.Partial,
		Completed: !e.Partial,
	})
}

func (r *Reconciler) applyCall(state *State, e agent.FunctionCallEvent, now time.Time) (Effect, bool) {
	kind := Classify(e.Name)
	call := FunctionCall{Name: e.Name, Kind: kind, Args: NormalizeArguments(e.RawArguments)}

	// The same call is repeated while it is being streamed; update it rather
	// than stacking duplicates.
	repeated := false
	if i := state.Log.findPendingCall(e.Name); i >= 0 {
		m := state.Log.At(i)
		m.FunctionCall = &call
		m.Text = kind.Label()
		repeated = true
	} else {
		state.Log.Append(Message{
			Role:         RoleAgent,
			Text:         kind.Label(),
			FunctionCall: &call,
			Timestamp:    now,
		})
	}

	active := call
	state.Active = &active
	state.History = append(state.History, call)

	return r.dispatchCall(state, call, repeated)
}

func (r *Reconciler) dispatchCall(state *State, call FunctionCall, repeated bool) (Effect, bool) {
	if call.Kind != KindUnknown {
		state.ClearSelection()
	}

	switch call.Kind {
	case KindQualifier:
		state.Selection.Dialog = DialogQualifier
		state.Selection.Question = ArgString(call.Args, "question", "prompt", "text")
		if opts, ok := lookup(call.Args, "options"); ok {
			state.Selection.Options = stringList(opts)
		}
	case KindServiceSelection:
		// Offered as a qualifier with the services as its options.
		state.Selection.Dialog = DialogQualifier
		state.Selection.Question = ArgString(call.Args, "question", "prompt")
		if state.Selection.Question == "" {
			state.Selection.Question = "Which service would you like to book?"
		}
		for _, key := range []string{"services", "options"} {
			if opts, ok := lookup(call.Args, key); ok {
				state.Selection.Options = serviceNames(opts)
				break
			}
		}
	case KindAvailableDates:
		if dates, ok := lookup(call.Args, "validDates"); ok {
			state.Selection.AvailableDates = stringList(dates)
		}
		if len(state.Selection.AvailableDates) > 0 {
			state.Selection.Dialog = DialogDatePicker
		}
	case KindSelectSlot:
		if raw, ok := lookup(call.Args, "slots"); ok {
			setSlots(state, ParseSlots(raw))
		}
	case KindValidateEmail:
		if r.anonymous() {
			state.Selection.Dialog = DialogEmail
		}
	case KindCreateBooking:
		if r.anonymous() {
			pending := call
			state.PendingBooking = &pending
			state.Selection.Dialog = DialogEmail
			return Effect{}, false
		}
		if !repeated {
			return Effect{Kind: EffectSubmitBooking, Call: call}, true
		}
	case KindPaymentCheckout:
		state.Selection.PaymentURL = ArgString(call.Args, "url", "authorization_url")
	case KindUnknown:
	}
	return Effect{}, false
}

func (r *Reconciler) applyResponse(state *State, e agent.FunctionResponseEvent, now time.Time) {
	kind := Classify(e.Name)

	state.Active = nil
	if i := state.Log.findPendingCall(e.Name); i >= 0 {
		state.Log.At(i).complete()
	}
	state.Log.Append(Message{
		Role:             RoleAgent,
		Text:             kind.DoneLabel(),
		FunctionResponse: &FunctionResponse{Name: e.Name, Kind: kind, Payload: e.Response},
		Timestamp:        now,
		Completed:        true,
	})

	switch kind {
	case KindAvailableDates, KindSelectSlot:
		if dates, ok := lookup(e.Response, "validDates"); ok {
			if list := stringList(dates); len(list) > 0 {
				state.Selection.AvailableDates = list
				state.Selection.Dialog = DialogDatePicker
			}
		}
		if raw, ok := lookup(e.Response, "slots"); ok {
			setSlots(state, ParseSlots(raw))
		}
	case KindCreateBooking:
		state.Booking.Status = ArgString(e.Response, "status")
		if state.Booking.Status == "" {
			state.Booking.Status = "created"
		}
		state.PendingBooking = nil
		state.ClearSelection()
	case KindPaymentCheckout:
		if url := ArgString(e.Response, "authorization_url", "url"); url != "" {
			state.Selection.PaymentURL = url
		}
	case KindQualifier, KindServiceSelection, KindValidateEmail, KindUnknown:
	}
}

// serviceNames accepts plain names or {name|title|label} objects.
func serviceNames(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return stringList(v)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case string:
			if t != "" {
				out = append(out, t)
			}
		case map[string]any:
			if name := ArgString(t, "name", "title", "label"); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func setSlots(state *State, slots []Slot) {
	if len(slots) == 0 {
		return
	}
	state.Selection.Slots = slots
	state.Selection.SlotGroups = GroupSlotsByDate(slots)
	state.Selection.Dialog = DialogSlotPicker
}
