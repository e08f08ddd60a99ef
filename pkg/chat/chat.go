// Package chat defines the provider-agnostic message model shared by the
// router, the vendor adapters, the webhook client, and the inbound API.
//
// Every outcome a caller can observe is expressed with the types in this
// package: a [ChatRequest] goes in, and either a [ChatResponse] or an
// [*Error] carrying an [ErrorKind] comes out.
package chat

import (
	"fmt"
	"strings"
)

// ProviderID names a completion backend. The zero value means "not selected".
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderGoogle    ProviderID = "google"
	ProviderAnthropic ProviderID = "anthropic"

	// ProviderWebhook is the user-configured automation endpoint. It is not a
	// vendor API and has no model catalog.
	ProviderWebhook ProviderID = "webhook"
)

// AIProviders lists the vendor backends in their display order.
var AIProviders = []ProviderID{ProviderOpenAI, ProviderGoogle, ProviderAnthropic}

var providerAliases = map[string]ProviderID{
	"openai":    ProviderOpenAI,
	"google":    ProviderGoogle,
	"gemini":    ProviderGoogle,
	"anthropic": ProviderAnthropic,
	"claude":    ProviderAnthropic,
	"webhook":   ProviderWebhook,
	"n8n":       ProviderWebhook,
}

// ParseProviderID resolves a provider name or one of its aliases
// ("gemini", "claude", "n8n"). Matching is case-insensitive.
func ParseProviderID(s string) (ProviderID, error) {
	id, ok := providerAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("chat: unknown provider %q", s)
	}
	return id, nil
}

// IsAI reports whether p is one of the vendor backends.
func (p ProviderID) IsAI() bool {
	switch p {
	case ProviderOpenAI, ProviderGoogle, ProviderAnthropic:
		return true
	}
	return false
}

// IsValid reports whether p is a known provider, including the webhook.
func (p ProviderID) IsValid() bool {
	return p.IsAI() || p == ProviderWebhook
}

// DisplayName returns the vendor name shown to users.
func (p ProviderID) DisplayName() string {
	switch p {
	case ProviderOpenAI:
		return "OpenAI"
	case ProviderGoogle:
		return "Google Gemini"
	case ProviderAnthropic:
		return "Anthropic Claude"
	case ProviderWebhook:
		return "n8n webhook"
	}
	return string(p)
}

// PageContext describes the browser tab the user was looking at.
type PageContext struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// IsZero reports whether the context carries no information.
func (c *PageContext) IsZero() bool {
	return c == nil || (c.URL == "" && c.Title == "")
}

// ChatRequest is one user turn as captured by the extension.
type ChatRequest struct {
	// Text is the user's message.
	Text string `json:"text"`

	// Context is the optional page the message refers to.
	Context *PageContext `json:"context,omitempty"`

	// ImageData is an optional screenshot, either a data URL
	// ("data:image/jpeg;base64,...") or bare base64.
	ImageData string `json:"imageData,omitempty"`
}

// HasImage reports whether the request carries a screenshot.
func (r ChatRequest) HasImage() bool {
	return strings.TrimSpace(r.ImageData) != ""
}

// IsEmpty reports whether there is nothing to send.
func (r ChatRequest) IsEmpty() bool {
	return strings.TrimSpace(r.Text) == "" && !r.HasImage()
}

// WithoutImage returns a copy of r with the screenshot removed.
func (r ChatRequest) WithoutImage() ChatRequest {
	r.ImageData = ""
	return r
}

// DefaultImageMIME is assumed for bare base64 screenshots.
const DefaultImageMIME = "image/png"

// SplitImage separates a data URL into its MIME type and base64 payload.
// Bare base64 input is returned unchanged with [DefaultImageMIME].
func SplitImage(data string) (mimeType, b64 string) {
	data = strings.TrimSpace(data)
	rest, ok := strings.CutPrefix(data, "data:")
	if !ok {
		return DefaultImageMIME, data
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return DefaultImageMIME, rest
	}
	mimeType, _, _ = strings.Cut(meta, ";")
	if mimeType == "" {
		mimeType = DefaultImageMIME
	}
	return mimeType, payload
}

// DataURL renders an image as a data URL regardless of its input form.
func DataURL(data string) string {
	mimeType, b64 := SplitImage(data)
	return "data:" + mimeType + ";base64," + b64
}

// ChatResponse is a successful reply.
type ChatResponse struct {
	// Text is the assistant reply, unmodified.
	Text string `json:"reply"`

	// SourceProvider is the backend that produced Text.
	SourceProvider ProviderID `json:"source"`

	// Model is the model ID that produced Text. Empty for the webhook.
	Model string `json:"model,omitempty"`

	// Attempts counts the calls made against the primary stage. When the
	// webhook was the only stage that ran, it is 1.
	Attempts int `json:"attempts"`

	// ElapsedMs is the wall-clock time spent in the router.
	ElapsedMs int64 `json:"elapsed_ms"`

	// RequestID correlates logs, audit rows, and traces for this call.
	RequestID string `json:"request_id"`

	// Stages records every stage the router went through, in order.
	Stages []StageResult `json:"stages,omitempty"`
}

// StageResult summarises one stage of the fallback chain.
type StageResult struct {
	Provider ProviderID `json:"provider"`
	Attempts int        `json:"attempts"`
	// Kind is KindUnknown for the stage that succeeded.
	Kind ErrorKind `json:"kind"`
	OK   bool      `json:"ok"`
}
