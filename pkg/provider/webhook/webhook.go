// Package webhook delivers chat messages to a user-configured automation
// endpoint such as an n8n "Webhook" node.
//
// The webhook is the router's provider-agnostic fallback: it receives the
// user's text, page context, and screenshot as they were captured and is
// expected to answer with a JSON reply. No model catalog applies.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
)

const (
	// DefaultTimeout bounds a single delivery.
	DefaultTimeout = 20 * time.Second

	// DefaultSource identifies this service in the payload.
	DefaultSource = "chatrelay"

	testMessage = "connection test"
)

// replyKeys are the top-level fields checked for the reply text, in order.
var replyKeys = []string{"reply", "message", "response", "output", "text"}

// Target is a webhook endpoint and its optional shared secret.
type Target struct {
	URL    string
	APIKey string
}

// Configured reports whether a URL is set.
func (t Target) Configured() bool { return strings.TrimSpace(t.URL) != "" }

// Client sends messages to a webhook through an Executor.
type Client struct {
	exec    provider.Executor
	timeout time.Duration
	source  string
	now     func() time.Time
}

// Option is a functional option for Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithSource overrides the "source" field sent in every payload.
func WithSource(s string) Option {
	return func(c *Client) { c.source = s }
}

// WithClock overrides the timestamp source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New constructs a webhook client.
func New(exec provider.Executor, opts ...Option) *Client {
	c := &Client{
		exec:    exec,
		timeout: DefaultTimeout,
		source:  DefaultSource,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Timeout returns the bound applied to each delivery.
func (c *Client) Timeout() time.Duration { return c.timeout }

type envelope struct {
	Message    string            `json:"message"`
	Context    *chat.PageContext `json:"context,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Screenshot string            `json:"screenshot,omitempty"`
	Source     string            `json:"source"`
	Test       bool              `json:"test,omitempty"`
}

// BuildRequest renders the delivery payload for req.
func (c *Client) BuildRequest(t Target, req chat.ChatRequest) (*provider.Payload, error) {
	env := envelope{
		Message:   req.Text,
		Timestamp: c.now().UTC().Format(time.RFC3339),
		Source:    c.source,
	}
	if !req.Context.IsZero() {
		env.Context = req.Context
	}
	if req.HasImage() {
		env.Screenshot = chat.DataURL(req.ImageData)
	}
	return c.payload(t, env)
}

func (c *Client) payload(t Target, env envelope) (*provider.Payload, error) {
	if err := validateURL(t.URL); err != nil {
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode payload: %w", err)
	}
	h := provider.JSONHeader()
	if t.APIKey != "" {
		h.Set("Authorization", "Bearer "+t.APIKey)
		h.Set("X-API-Key", t.APIKey)
	}
	return &provider.Payload{
		Method: http.MethodPost,
		URL:    strings.TrimSpace(t.URL),
		Header: h,
		Body:   body,
	}, nil
}

// Deliver posts req to the webhook once and returns the reply text. Non-2xx
// statuses are classified with provider.ClassifyHTTP.
func (c *Client) Deliver(ctx context.Context, t Target, req chat.ChatRequest) (string, error) {
	p, err := c.BuildRequest(t, req)
	if err != nil {
		return "", err
	}
	resp, err := c.exec.Execute(ctx, p, c.timeout)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", &chat.Error{
			Kind:     provider.ClassifyHTTP(resp.Status, resp.Body),
			Provider: chat.ProviderWebhook,
			Status:   resp.Status,
			Message:  fmt.Sprintf("webhook returned HTTP %d", resp.Status),
		}
	}
	return ParseReply(resp.Header.Get("Content-Type"), resp.Body)
}

// Test sends a marked test message. Any 2xx counts as reachable, and so does
// 404: n8n answers 404 for test-mode webhooks that are not listening, which
// still proves the host is up and the URL is routable.
func (c *Client) Test(ctx context.Context, t Target) (status int, err error) {
	p, err := c.payload(t, envelope{
		Message:   testMessage,
		Timestamp: c.now().UTC().Format(time.RFC3339),
		Source:    c.source,
		Test:      true,
	})
	if err != nil {
		return 0, err
	}
	resp, err := c.exec.Execute(ctx, p, c.timeout)
	if err != nil {
		return 0, err
	}
	if resp.OK() || resp.Status == http.StatusNotFound {
		return resp.Status, nil
	}
	return resp.Status, &chat.Error{
		Kind:     provider.ClassifyHTTP(resp.Status, resp.Body),
		Provider: chat.ProviderWebhook,
		Status:   resp.Status,
		Message:  fmt.Sprintf("webhook returned HTTP %d", resp.Status),
	}
}

// ParseReply extracts the reply text from a webhook response. JSON objects are
// searched for the first non-empty string among reply, message, response,
// output, and text. Arrays use their first element. A bare JSON string is
// taken verbatim, and so is a non-JSON body, but only when it is declared
// text/plain; HTML error pages and other content never reach the user.
func ParseReply(contentType string, body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", provider.Malformed(chat.ProviderWebhook, "webhook returned an empty body")
	}
	if !gjson.Valid(trimmed) {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt == "text/plain" {
			return trimmed, nil
		}
		return "", provider.Malformed(chat.ProviderWebhook, "webhook returned a non-JSON body of type %q", contentType)
	}

	root := gjson.Parse(trimmed)
	if root.IsArray() {
		root = root.Get("0")
	}
	switch {
	case root.Type == gjson.String:
		if s := root.String(); strings.TrimSpace(s) != "" {
			return s, nil
		}
	case root.IsObject():
		for _, key := range replyKeys {
			v := root.Get(key)
			if v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
				return v.String(), nil
			}
		}
	}
	return "", provider.Malformed(chat.ProviderWebhook, "webhook reply has none of the fields %s", strings.Join(replyKeys, ", "))
}

func validateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &chat.Error{Kind: chat.KindNeedsConfiguration, Provider: chat.ProviderWebhook, Message: "webhook URL is not set"}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &chat.Error{Kind: chat.KindNeedsConfiguration, Provider: chat.ProviderWebhook, Message: "webhook URL must be an absolute http(s) URL"}
	}
	return nil
}
