package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrStreamConsumed is yielded when a Stream's events are ranged over twice.
var ErrStreamConsumed = errors.New("agent: stream already consumed")

// sessionExistsDetail is the backend detail for a duplicate session create.
const sessionExistsDetail = "Session already exists"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// APIError is a non-2xx response from the agent server. Message carries the
// backend's detail text when it supplied one.
type APIError struct {
	Status  int
	Message string

	body string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent returned status %d", e.Status)
	}
	return fmt.Sprintf("agent returned status %d: %s", e.Status, e.Message)
}

// SessionExists reports whether the error is the backend refusing to create a
// session that is already registered.
func (e *APIError) SessionExists() bool {
	return strings.Contains(e.Message, sessionExistsDetail) || strings.Contains(e.body, sessionExistsDetail)
}

// IsSessionExists unwraps err looking for a duplicate-session APIError.
func IsSessionExists(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.SessionExists()
}

// errorBody covers the error shapes the server and its proxies emit:
// {"detail": "..."}, FastAPI validation {"detail": [{"msg": "..."}]},
// {"error": "..."} and {"error": {"message": "..."}}.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
	Error  json.RawMessage `json:"error"`
}

// handleErrorResponse extracts an APIError from a non-2xx response.
func handleErrorResponse(resp *http.Response) *APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	body := strings.TrimSpace(string(data))

	apiErr := &APIError{Status: resp.StatusCode, body: body}

	var parsed errorBody
	if json.Unmarshal(data, &parsed) == nil {
		if msg := detailMessage(parsed.Detail); msg != "" {
			apiErr.Message = msg
			return apiErr
		}
		if msg := detailMessage(parsed.Error); msg != "" {
			apiErr.Message = msg
			return apiErr
		}
	}

	if body != "" && !strings.HasPrefix(body, "{") {
		apiErr.Message = body
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func detailMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var obj struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return firstNonEmpty(obj.Message, obj.Msg)
	}

	var list []struct {
		Msg     string `json:"msg"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &list) == nil {
		var msgs []string
		for _, item := range list {
			if m := firstNonEmpty(item.Msg, item.Message); m != "" {
				msgs = append(msgs, m)
			}
		}
		return strings.Join(msgs, "; ")
	}

	return ""
}
