package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"bookchat/sse"
)

const (
	defaultDialTimeout           = 10 * time.Second
	defaultResponseHeaderTimeout = 60 * time.Second
)

// Client talks to an ADK-style agent server: it registers sessions and posts
// user turns to /run_sse.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the transport-configured client. Mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeouts bounds connection setup and the wait for response headers.
// The body itself is never timed out: a stream can legitimately stay open for
// as long as the agent keeps talking.
func WithTimeouts(dial, responseHeader time.Duration) Option {
	return func(c *Client) {
		c.httpClient = &http.Client{Transport: newTransport(dial, responseHeader)}
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("agent base URL is empty")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid agent URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid agent URL %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: newTransport(defaultDialTimeout, defaultResponseHeaderTimeout)},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newTransport(dial, responseHeader time.Duration) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: dial, KeepAlive: 30 * time.Second}).DialContext
	t.ResponseHeaderTimeout = responseHeader
	return t
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// EnsureSession registers s with the server. A server that already knows the
// session is treated the same as a fresh create.
func (c *Client) EnsureSession(ctx context.Context, s Session) error {
	if !s.Valid() {
		return fmt.Errorf("incomplete session %+v", s)
	}

	endpoint := fmt.Sprintf("%s/apps/%s/users/%s/sessions/%s",
		c.baseURL, url.PathEscape(s.AppName), url.PathEscape(s.UserID), url.PathEscape(s.SessionID))

	body, err := json.Marshal(createSessionRequest{State: map[string]any{}})
	if err != nil {
		return fmt.Errorf("failed to marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	apiErr := handleErrorResponse(resp)
	if apiErr.SessionExists() {
		c.logger.Debug("session already registered",
			zap.String("session_id", s.SessionID),
			zap.Int("status", apiErr.Status))
		return nil
	}
	return apiErr
}

// SendMessage posts one user turn. With streaming set the returned Stream
// decodes events as the body arrives; otherwise the whole body is read first
// and replayed through the same decoder. The caller must either range over
// Stream.Events or call Stream.Cancel to release the connection.
func (c *Client) SendMessage(ctx context.Context, content any, s Session, streaming bool) (*Stream, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("incomplete session %+v", s)
	}

	msg, err := FormatMessage(content)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(runRequest{
		AppName:    s.AppName,
		UserID:     s.UserID,
		SessionID:  s.SessionID,
		NewMessage: msg,
		Streaming:  streaming,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run_sse", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("run request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := handleErrorResponse(resp)
		resp.Body.Close()
		cancel()
		c.logger.Error("agent rejected message",
			zap.Int("status", apiErr.Status),
			zap.String("detail", apiErr.Message),
			zap.String("session_id", s.SessionID))
		return nil, apiErr
	}

	onMalformed := func(line string, err error) {
		c.logger.Warn("skipping malformed event line",
			zap.String("line", truncate(line, 200)),
			zap.Error(err))
	}

	if streaming {
		payloads := sse.Stream(ctx, resp.Body, onMalformed)
		return newStream(ctx, cancel, resp.Body, payloads, c.logger), nil
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("reading agent response: %w", err)
	}
	return newStream(ctx, cancel, nil, slicePayloads(sse.DecodeAll(data, onMalformed)), c.logger), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
