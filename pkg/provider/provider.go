// Package provider defines the Adapter contract every vendor backend
// implements, together with the helpers the adapters share.
//
// An adapter is a pure translator. It turns a [Prompt] into a wire
// [Payload] and a response body back into text, and maps a vendor error
// response onto a [chat.ErrorKind]. Adapters never perform I/O. Sending the
// payload, timing it out, and reading the body is the transport's job, so
// the same adapter is reused by the router and the connection tester.
//
// Implementations must be safe for concurrent use and deterministic:
// the same inputs always produce byte-identical payloads.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/catalog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
)

// DefaultSystemPrompt is the instruction sent to models that accept a
// system role when the caller does not supply one.
const DefaultSystemPrompt = "You are a helpful assistant built into the user's web browser. " +
	"Answer clearly and concisely. When the user refers to the page they are viewing, use the page details provided."

// DefaultMaxTokens is the completion budget requested when Prompt.MaxTokens is zero.
const DefaultMaxTokens = 1024

// Prompt is the provider-neutral input for one completion.
type Prompt struct {
	// Text is the user message.
	Text string

	// ImageData is an optional screenshot as a data URL or bare base64.
	// Callers must strip it for models without vision support.
	ImageData string

	// Context is the optional page the user was viewing.
	Context *chat.PageContext

	// SystemPrompt overrides DefaultSystemPrompt when non-empty.
	SystemPrompt string

	// MaxTokens is the requested completion budget. Zero means
	// DefaultMaxTokens. The value is clamped to the model's MaxOutputTokens.
	MaxTokens int

	// Temperature is sent only to models that accept it. Zero leaves the
	// vendor default in place.
	Temperature float64
}

// PromptFor converts a chat request into a Prompt.
func PromptFor(req chat.ChatRequest) Prompt {
	return Prompt{Text: req.Text, ImageData: req.ImageData, Context: req.Context}
}

// Payload is a fully-formed HTTP request, ready for the transport.
type Payload struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequest materialises the payload as an *http.Request bound to ctx.
func (p *Payload) NewRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if p.Body != nil {
		body = bytes.NewReader(p.Body)
	}
	method := p.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return nil, fmt.Errorf("provider: build http request: %w", err)
	}
	for k, vs := range p.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// Response is a fully-read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status <= 299 }

// Executor sends a payload with a per-call timeout. Implementations return a
// [chat.KindTimeout] error when the timeout fires and the caller's context
// error when the caller gave up first.
type Executor interface {
	Execute(ctx context.Context, p *Payload, timeout time.Duration) (*Response, error)
}

// Adapter translates between the neutral prompt model and one vendor's
// HTTP API.
type Adapter interface {
	// ID returns the provider this adapter serves.
	ID() chat.ProviderID

	// BuildRequest renders a completion request for model. It fails with
	// a [chat.KindUnsupportedCapability] error when the prompt carries an
	// image the model cannot accept.
	BuildRequest(model catalog.ModelDescriptor, apiKey string, in Prompt) (*Payload, error)

	// ParseResponse extracts the reply text from a successful (2xx) body.
	// Bodies missing the expected fields, or carrying an empty or refused
	// reply, fail with a [chat.KindMalformedResponse] error.
	ParseResponse(body []byte) (string, error)

	// ClassifyError maps a non-2xx response onto an error kind.
	ClassifyError(status int, body []byte) chat.ErrorKind

	// ProbeRequest renders the cheapest authenticated request the vendor
	// offers. The connection tester uses it to validate a key.
	ProbeRequest(apiKey string) (*Payload, error)
}

// CheckCapability returns an UnsupportedCapability error when in carries an
// image and model lacks vision support.
func CheckCapability(p chat.ProviderID, model catalog.ModelDescriptor, in Prompt) error {
	if strings.TrimSpace(in.ImageData) != "" && !model.SupportsVision {
		return &chat.Error{
			Kind:     chat.KindUnsupportedCapability,
			Provider: p,
			Message:  fmt.Sprintf("model %s does not accept images", model.ID),
		}
	}
	return nil
}

// SystemPrompt returns the system instruction for in, with the page context
// appended when present.
func SystemPrompt(in Prompt) string {
	sys := in.SystemPrompt
	if sys == "" {
		sys = DefaultSystemPrompt
	}
	if note := ContextNote(in.Context); note != "" {
		sys += "\n\n" + note
	}
	return sys
}

// InlineText returns the user text with the system instruction and page
// context folded in, for models that reject a system role.
func InlineText(in Prompt) string {
	var b strings.Builder
	if in.SystemPrompt != "" {
		b.WriteString(in.SystemPrompt)
		b.WriteString("\n\n")
	}
	if note := ContextNote(in.Context); note != "" {
		b.WriteString(note)
		b.WriteString("\n\n")
	}
	b.WriteString(in.Text)
	return b.String()
}

// ContextNote renders the page context as a single line, or "" when there
// is none.
func ContextNote(pc *chat.PageContext) string {
	if pc.IsZero() {
		return ""
	}
	switch {
	case pc.Title != "" && pc.URL != "":
		return fmt.Sprintf("The user is currently viewing %q (%s).", pc.Title, pc.URL)
	case pc.URL != "":
		return fmt.Sprintf("The user is currently viewing %s.", pc.URL)
	default:
		return fmt.Sprintf("The user is currently viewing %q.", pc.Title)
	}
}

// MaxTokens resolves the requested budget against the model limit.
func MaxTokens(requested int, model catalog.ModelDescriptor) int {
	if requested <= 0 {
		requested = DefaultMaxTokens
	}
	if model.MaxOutputTokens > 0 && requested > model.MaxOutputTokens {
		return model.MaxOutputTokens
	}
	return requested
}

// JSONHeader returns a header set with the JSON content type.
func JSONHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	return h
}

// Malformed builds a MalformedResponse error for provider p.
func Malformed(p chat.ProviderID, format string, args ...any) *chat.Error {
	return &chat.Error{
		Kind:     chat.KindMalformedResponse,
		Provider: p,
		Message:  fmt.Sprintf(format, args...),
	}
}

// ErrorMessage pulls the vendor's error text out of a response body. It
// understands the common {"error":{"message":...}} envelope as well as flat
// {"error":"..."} and {"message":"..."} bodies.
func ErrorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(truncate(string(body), 200))
	}
	for _, path := range []string{"error.message", "error", "message", "detail"} {
		r := gjson.GetBytes(body, path)
		if r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

var quotaMarkers = []string{
	"insufficient_quota",
	"exceeded your current quota",
	"billing",
	"credit balance",
	"payment required",
}

var rateMarkers = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
}

// ClassifyHTTP is the status mapping shared by every adapter:
//
//	401, 403           invalid credential
//	402                quota exceeded
//	429                rate limited, or quota exceeded when the body says so
//	500-599            service unavailable
//
// Bodies that mention quota or rate limits are honoured for other statuses
// too, since some vendors report them with 400.
func ClassifyHTTP(status int, body []byte) chat.ErrorKind {
	lower := strings.ToLower(string(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return chat.KindInvalidCredential
	case status == http.StatusPaymentRequired:
		return chat.KindQuotaExceeded
	case status == http.StatusTooManyRequests:
		if containsAny(lower, quotaMarkers) {
			return chat.KindQuotaExceeded
		}
		return chat.KindRateLimited
	case status >= 500 && status <= 599:
		return chat.KindServiceUnavailable
	case containsAny(lower, quotaMarkers):
		return chat.KindQuotaExceeded
	case containsAny(lower, rateMarkers):
		return chat.KindRateLimited
	}
	return chat.KindUnknown
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
