package agent

import (
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// Session identifies one conversation on the agent server.
type Session struct {
	AppName   string
	UserID    string
	SessionID string
}

// Valid reports whether every identifier is set.
func (s Session) Valid() bool {
	return s.AppName != "" && s.UserID != "" && s.SessionID != ""
}

// runRequest is the JSON body sent to POST /run_sse.
type runRequest struct {
	AppName    string         `json:"app_name"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	NewMessage *genai.Content `json:"new_message"`
	Streaming  bool           `json:"streaming"`
}

// createSessionRequest is the JSON body sent when registering a session.
type createSessionRequest struct {
	State map[string]any `json:"state"`
}

// wireEvent is one event object as emitted on a "data:" line.
type wireEvent struct {
	Content      *wireContent `json:"content"`
	Partial      bool         `json:"partial"`
	Author       string       `json:"author"`
	ErrorCode    string       `json:"errorCode"`
	ErrorMessage string       `json:"errorMessage"`

	// snake_case spellings used by older servers
	ErrorCodeSnake    string `json:"error_code"`
	ErrorMessageSnake string `json:"error_message"`

	// Plain error objects written by proxies in front of the agent
	Error json.RawMessage `json:"error"`
}

type wireContent struct {
	Role  string     `json:"role"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text             string                `json:"text"`
	FunctionCall     *wireFunctionCall     `json:"functionCall"`
	FunctionResponse *wireFunctionResponse `json:"functionResponse"`

	FunctionCallSnake     *wireFunctionCall     `json:"function_call"`
	FunctionResponseSnake *wireFunctionResponse `json:"function_response"`
}

type wireFunctionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type wireFunctionResponse struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// FormatMessage shapes content into the wire message. Bare strings become a
// single text part from the user; an already-shaped *genai.Content (or value)
// is passed through, with the role defaulted to user.
func FormatMessage(content any) (*genai.Content, error) {
	switch v := content.(type) {
	case string:
		return genai.NewContentFromText(v, genai.RoleUser), nil
	case *genai.Content:
		if v == nil {
			return nil, fmt.Errorf("message content is nil")
		}
		if v.Role == "" {
			shaped := *v
			shaped.Role = string(genai.RoleUser)
			return &shaped, nil
		}
		return v, nil
	case genai.Content:
		if v.Role == "" {
			v.Role = string(genai.RoleUser)
		}
		return &v, nil
	default:
		return nil, fmt.Errorf("unsupported message content type %T", content)
	}
}
