// Package anthropic provides the Messages API adapter for Anthropic Claude.
package anthropic

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/catalog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
)

const (
	// DefaultBaseURL is the public Anthropic endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// APIVersion is sent in the anthropic-version header.
	APIVersion = "2023-06-01"

	// statusOverloaded is Anthropic's non-standard "overloaded" status.
	statusOverloaded = 529
)

// Adapter implements provider.Adapter for Claude.
type Adapter struct {
	baseURL string
}

// Option is a functional option for Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(a *Adapter) {
		if u != "" {
			a.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// New constructs an Anthropic adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{baseURL: DefaultBaseURL}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ID implements provider.Adapter.
func (a *Adapter) ID() chat.ProviderID { return chat.ProviderAnthropic }

// BuildRequest implements provider.Adapter. The screenshot, when present,
// precedes the text block in the single user turn.
func (a *Adapter) BuildRequest(model catalog.ModelDescriptor, apiKey string, in provider.Prompt) (*provider.Payload, error) {
	if err := provider.CheckCapability(chat.ProviderAnthropic, model, in); err != nil {
		return nil, err
	}

	text := in.Text
	if !model.SupportsSystemPrompt {
		text = provider.InlineText(in)
	}
	var blocks []anthropic.ContentBlockParamUnion
	if in.ImageData != "" {
		mime, data := chat.SplitImage(in.ImageData)
		blocks = append(blocks, anthropic.NewImageBlockBase64(mime, data))
	}
	if text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(text))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model.ID),
		MaxTokens: int64(provider.MaxTokens(in.MaxTokens, model)),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if model.SupportsSystemPrompt {
		params.System = []anthropic.TextBlockParam{{Text: provider.SystemPrompt(in)}}
		if in.Temperature != 0 {
			params.Temperature = anthropic.Float(in.Temperature)
		}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}
	return &provider.Payload{
		Method: http.MethodPost,
		URL:    a.baseURL + "/v1/messages",
		Header: header(apiKey),
		Body:   body,
	}, nil
}

// ParseResponse implements provider.Adapter.
func (a *Adapter) ParseResponse(body []byte) (string, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", provider.Malformed(chat.ProviderAnthropic, "decode message: %v", err)
	}
	if msg.StopReason == "refusal" {
		return "", provider.Malformed(chat.ProviderAnthropic, "model refused the request")
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := b.String()
	if strings.TrimSpace(text) == "" {
		return "", provider.Malformed(chat.ProviderAnthropic, "message has no text content")
	}
	return text, nil
}

// ClassifyError implements provider.Adapter.
func (a *Adapter) ClassifyError(status int, body []byte) chat.ErrorKind {
	if status == statusOverloaded {
		return chat.KindServiceUnavailable
	}
	return provider.ClassifyHTTP(status, body)
}

// ProbeRequest implements provider.Adapter.
func (a *Adapter) ProbeRequest(apiKey string) (*provider.Payload, error) {
	return &provider.Payload{
		Method: http.MethodGet,
		URL:    a.baseURL + "/v1/models",
		Header: header(apiKey),
	}, nil
}

func header(apiKey string) http.Header {
	h := provider.JSONHeader()
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", APIVersion)
	return h
}

var _ provider.Adapter = (*Adapter)(nil)
