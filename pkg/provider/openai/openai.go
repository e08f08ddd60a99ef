// Package openai provides the chat completions adapter for the OpenAI API.
//
// Request bodies are built with the official SDK parameter types and
// serialised as-is, so the wire shape tracks the SDK. The SDK client itself
// is not used; requests go through the shared transport.
package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/catalog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
)

// DefaultBaseURL is the public OpenAI endpoint.
const DefaultBaseURL = "https://api.openai.com"

// Adapter implements provider.Adapter for OpenAI.
type Adapter struct {
	baseURL      string
	organization string
}

// Option is a functional option for Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the default API base URL. A trailing slash is ignored.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		if url != "" {
			a.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithOrganization sets the OpenAI-Organization header on all requests.
func WithOrganization(org string) Option {
	return func(a *Adapter) {
		a.organization = org
	}
}

// New constructs an OpenAI adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{baseURL: DefaultBaseURL}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ID implements provider.Adapter.
func (a *Adapter) ID() chat.ProviderID { return chat.ProviderOpenAI }

// BuildRequest implements provider.Adapter.
func (a *Adapter) BuildRequest(model catalog.ModelDescriptor, apiKey string, in provider.Prompt) (*provider.Payload, error) {
	if err := provider.CheckCapability(chat.ProviderOpenAI, model, in); err != nil {
		return nil, err
	}
	body, err := json.Marshal(buildParams(model, in))
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}
	return &provider.Payload{
		Method: http.MethodPost,
		URL:    a.baseURL + "/v1/chat/completions",
		Header: a.header(apiKey),
		Body:   body,
	}, nil
}

// buildParams converts a prompt into SDK request parameters. Reasoning
// models get no system message and use max_completion_tokens.
func buildParams(model catalog.ModelDescriptor, in provider.Prompt) oai.ChatCompletionNewParams {
	var msgs []oai.ChatCompletionMessageParamUnion

	text := in.Text
	if model.SupportsSystemPrompt {
		msgs = append(msgs, oai.SystemMessage(provider.SystemPrompt(in)))
	} else {
		text = provider.InlineText(in)
	}

	if in.ImageData != "" {
		parts := []oai.ChatCompletionContentPartUnionParam{
			oai.TextContentPart(text),
			oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
				URL:    chat.DataURL(in.ImageData),
				Detail: "auto",
			}),
		}
		msgs = append(msgs, oai.UserMessage(parts))
	} else {
		msgs = append(msgs, oai.UserMessage(text))
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model.ID),
		Messages: msgs,
	}
	maxTokens := int64(provider.MaxTokens(in.MaxTokens, model))
	if model.SupportsSystemPrompt {
		params.MaxTokens = param.NewOpt(maxTokens)
		if in.Temperature != 0 {
			params.Temperature = param.NewOpt(in.Temperature)
		}
	} else {
		params.MaxCompletionTokens = param.NewOpt(maxTokens)
	}
	return params
}

// ParseResponse implements provider.Adapter.
func (a *Adapter) ParseResponse(body []byte) (string, error) {
	var completion oai.ChatCompletion
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", provider.Malformed(chat.ProviderOpenAI, "decode completion: %v", err)
	}
	if len(completion.Choices) == 0 {
		return "", provider.Malformed(chat.ProviderOpenAI, "completion has no choices")
	}
	msg := completion.Choices[0].Message
	if msg.Refusal != "" {
		return "", provider.Malformed(chat.ProviderOpenAI, "model refused: %s", msg.Refusal)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return "", provider.Malformed(chat.ProviderOpenAI, "completion is empty")
	}
	return msg.Content, nil
}

// ClassifyError implements provider.Adapter.
func (a *Adapter) ClassifyError(status int, body []byte) chat.ErrorKind {
	return provider.ClassifyHTTP(status, body)
}

// ProbeRequest implements provider.Adapter. Listing models is free and
// requires a valid key.
func (a *Adapter) ProbeRequest(apiKey string) (*provider.Payload, error) {
	return &provider.Payload{
		Method: http.MethodGet,
		URL:    a.baseURL + "/v1/models",
		Header: a.header(apiKey),
	}, nil
}

func (a *Adapter) header(apiKey string) http.Header {
	h := provider.JSONHeader()
	h.Set("Authorization", "Bearer "+apiKey)
	if a.organization != "" {
		h.Set("OpenAI-Organization", a.organization)
	}
	return h
}

var _ provider.Adapter = (*Adapter)(nil)
