package conversation

import (
	"encoding/json"
	"strings"
)

// FunctionKind is the closed set of tool calls the chat surface reacts to.
type FunctionKind int

const (
	KindUnknown FunctionKind = iota
	KindQualifier
	KindServiceSelection
	KindAvailableDates
	KindSelectSlot
	KindValidateEmail
	KindCreateBooking
	KindPaymentCheckout
)

// Classify maps a wire function name onto its kind. Names the agent has used
// across releases are all accepted.
func Classify(name string) FunctionKind {
	switch strings.TrimSpace(name) {
	case "screening_question", "qualifier_question", "ask_qualifying_question":
		return KindQualifier
	case "select_service", "service_selection", "choose_service":
		return KindServiceSelection
	case "availability_agent.getSlots", "get_available_dates", "check_availability":
		return KindAvailableDates
	case "select_time_slot", "get_available_time_slots", "get_all_available_slots":
		return KindSelectSlot
	case "validate_email", "request_email", "collect_email":
		return KindValidateEmail
	case "create_booking", "create_event":
		return KindCreateBooking
	case "create_paystack_checkout", "initialize_transaction":
		return KindPaymentCheckout
	default:
		return KindUnknown
	}
}

func (k FunctionKind) String() string {
	switch k {
	case KindQualifier:
		return "qualifier"
	case KindServiceSelection:
		return "service_selection"
	case KindAvailableDates:
		return "available_dates"
	case KindSelectSlot:
		return "select_slot"
	case KindValidateEmail:
		return "validate_email"
	case KindCreateBooking:
		return "create_booking"
	case KindPaymentCheckout:
		return "payment_checkout"
	case KindUnknown:
		return "unknown"
	}
	return "unknown"
}

// Label is the progress text shown while the call is pending.
func (k FunctionKind) Label() string {
	switch k {
	case KindQualifier:
		return "Answering a quick question…"
	case KindServiceSelection:
		return "Choosing a service…"
	case KindAvailableDates:
		return "Checking available dates…"
	case KindSelectSlot:
		return "Finding open time slots…"
	case KindValidateEmail:
		return "Checking your email…"
	case KindCreateBooking:
		return "Creating your booking…"
	case KindPaymentCheckout:
		return "Preparing payment…"
	case KindUnknown:
		return "Processing…"
	}
	return "Processing…"
}

// DoneLabel is the text of the message appended when the response arrives.
func (k FunctionKind) DoneLabel() string {
	switch k {
	case KindQualifier:
		return "Thanks for answering."
	case KindServiceSelection:
		return "Service selected."
	case KindAvailableDates:
		return "Found available dates."
	case KindSelectSlot:
		return "Time slots ready."
	case KindValidateEmail:
		return "Email confirmed."
	case KindCreateBooking:
		return "Booking created."
	case KindPaymentCheckout:
		return "Payment link ready."
	case KindUnknown:
		return "Done."
	}
	return "Done."
}

// DialogKind names the affordance the UI should open.
type DialogKind int

const (
	DialogNone DialogKind = iota
	DialogQualifier
	DialogDatePicker
	DialogSlotPicker
	DialogEmail
)

func (d DialogKind) String() string {
	switch d {
	case DialogQualifier:
		return "qualifier"
	case DialogDatePicker:
		return "date_picker"
	case DialogSlotPicker:
		return "slot_picker"
	case DialogEmail:
		return "email"
	case DialogNone:
		return "none"
	}
	return "none"
}

// NormalizeArguments turns tool arguments into structured form. A JSON
// encoded string is decoded; anything that fails to decode, or is already
// structured, is returned as is.
func NormalizeArguments(raw any) any {
	s, ok := raw.(string)
	if !ok {
		return raw
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return raw
	}
	return v
}

// lookup reads key from an argument or response object. Tool responses are
// often wrapped as {"result": {...}}, so that envelope is searched too.
func lookup(v any, key string) (any, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	if val, ok := obj[key]; ok && val != nil {
		return val, true
	}
	if inner, ok := obj["result"].(map[string]any); ok {
		if val, ok := inner[key]; ok && val != nil {
			return val, true
		}
	}
	return nil, false
}

// ArgString returns the first non-empty string found under keys in a tool
// argument or response object.
func ArgString(v any, keys ...string) string {
	for _, key := range keys {
		if val, ok := lookup(v, key); ok {
			if s, ok := val.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// stringList accepts a JSON array of strings, or a single string.
func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t != "" {
			return []string{t}
		}
	}
	return nil
}
