// Package gemini provides the generateContent adapter for the Google Gemini
// API.
package gemini

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/catalog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
)

// DefaultBaseURL is the public Generative Language API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// Adapter implements provider.Adapter for Gemini.
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

// New constructs a Gemini adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{baseURL: DefaultBaseURL}
	for _, o := range opts {
		o(a)
	}
	return a
}

type generateRequest struct {
	SystemInstruction *content        `json:"systemInstruction,omitempty"`
	Contents          []content       `json:"contents"`
	GenerationConfig  *generationConf `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConf struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

// ID implements provider.Adapter.
func (a *Adapter) ID() chat.ProviderID { return chat.ProviderGoogle }

// BuildRequest implements provider.Adapter.
func (a *Adapter) BuildRequest(model catalog.ModelDescriptor, apiKey string, in provider.Prompt) (*provider.Payload, error) {
	if err := provider.CheckCapability(chat.ProviderGoogle, model, in); err != nil {
		return nil, err
	}

	req := generateRequest{
		GenerationConfig: &generationConf{MaxOutputTokens: provider.MaxTokens(in.MaxTokens, model)},
	}
	text := in.Text
	if model.SupportsSystemPrompt {
		req.SystemInstruction = &content{Parts: []part{{Text: provider.SystemPrompt(in)}}}
		if in.Temperature != 0 {
			temp := in.Temperature
			req.GenerationConfig.Temperature = &temp
		}
	} else {
		text = provider.InlineText(in)
	}

	user := content{Role: "user"}
	if text != "" {
		user.Parts = append(user.Parts, part{Text: text})
	}
	if in.ImageData != "" {
		mime, data := chat.SplitImage(in.ImageData)
		user.Parts = append(user.Parts, part{InlineData: &inlineData{MimeType: mime, Data: data}})
	}
	req.Contents = []content{user}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: encode request: %w", err)
	}
	return &provider.Payload{
		Method: http.MethodPost,
		URL:    a.modelURL(model.ID, "generateContent", apiKey),
		Header: provider.JSONHeader(),
		Body:   body,
	}, nil
}

func (a *Adapter) modelURL(model, method, apiKey string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
		a.baseURL, url.PathEscape(model), method, url.QueryEscape(apiKey))
}

// ParseResponse implements provider.Adapter. Replies are the concatenated
// text parts of the first candidate. Blocked prompts and candidates stopped
// by safety filters count as malformed.
func (a *Adapter) ParseResponse(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", provider.Malformed(chat.ProviderGoogle, "response is not JSON")
	}
	if reason := gjson.GetBytes(body, "promptFeedback.blockReason"); reason.Exists() {
		return "", provider.Malformed(chat.ProviderGoogle, "prompt blocked: %s", reason.String())
	}
	candidate := gjson.GetBytes(body, "candidates.0")
	if !candidate.Exists() {
		return "", provider.Malformed(chat.ProviderGoogle, "response has no candidates")
	}
	// A blocked candidate may still carry the text generated before the stop.
	if reason := candidate.Get("finishReason").String(); blockedFinish[reason] {
		return "", provider.Malformed(chat.ProviderGoogle, "generation blocked: %s", reason)
	}

	var b strings.Builder
	for _, t := range candidate.Get("content.parts.#.text").Array() {
		b.WriteString(t.String())
	}
	text := b.String()
	if strings.TrimSpace(text) == "" {
		if reason := candidate.Get("finishReason").String(); reason != "" && reason != "STOP" {
			return "", provider.Malformed(chat.ProviderGoogle, "generation stopped: %s", reason)
		}
		return "", provider.Malformed(chat.ProviderGoogle, "candidate has no text")
	}
	return text, nil
}

// blockedFinish lists the finish reasons of content-filtered candidates.
var blockedFinish = map[string]bool{
	"SAFETY":             true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
}

// ClassifyError implements provider.Adapter. Gemini reports a bad key as
// 400 INVALID_ARGUMENT with an API_KEY_INVALID reason.
func (a *Adapter) ClassifyError(status int, body []byte) chat.ErrorKind {
	if status == http.StatusBadRequest {
		if strings.Contains(string(body), "API_KEY_INVALID") || strings.Contains(string(body), "API key not valid") {
			return chat.KindInvalidCredential
		}
	}
	if status == http.StatusTooManyRequests && gjson.GetBytes(body, "error.status").String() == "RESOURCE_EXHAUSTED" {
		if strings.Contains(strings.ToLower(provider.ErrorMessage(body)), "exceeded your current quota") {
			return chat.KindQuotaExceeded
		}
		return chat.KindRateLimited
	}
	return provider.ClassifyHTTP(status, body)
}

// ProbeRequest implements provider.Adapter.
func (a *Adapter) ProbeRequest(apiKey string) (*provider.Payload, error) {
	return &provider.Payload{
		Method: http.MethodGet,
		URL:    a.baseURL + "/v1beta/models?key=" + url.QueryEscape(apiKey),
		Header: provider.JSONHeader(),
	}, nil
}

var _ provider.Adapter = (*Adapter)(nil)
