// Package catalog holds the static table of models each vendor offers and the
// capability flags the adapters consult when building requests.
//
// The catalog is read-only after construction and safe for concurrent use.
package catalog

import (
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
)

// ModelDescriptor describes one selectable model.
type ModelDescriptor struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Description string `json:"description"`

	// SupportsVision is true when the model accepts inline images.
	SupportsVision bool `json:"vision"`

	// SupportsSystemPrompt is false for reasoning models that reject a
	// separate system role; their context is folded into the user turn.
	SupportsSystemPrompt bool `json:"system_prompt"`

	// MaxOutputTokens caps the completion length sent in requests.
	MaxOutputTokens int `json:"max_output_tokens"`

	// ContextWindow is the model's total token budget. Informational only.
	ContextWindow int `json:"context_window,omitempty"`
}

// suggestThreshold is the minimum Jaro-Winkler similarity for [Catalog.Suggest].
const suggestThreshold = 0.80

// Catalog maps providers to their ordered model lists. The first entry of
// each list is the provider default.
type Catalog struct {
	models map[chat.ProviderID][]ModelDescriptor
}

// New builds a catalog from entries. The input is copied.
func New(entries map[chat.ProviderID][]ModelDescriptor) *Catalog {
	c := &Catalog{models: make(map[chat.ProviderID][]ModelDescriptor, len(entries))}
	for p, list := range entries {
		c.models[p] = slices.Clone(list)
	}
	return c
}

var builtin = New(map[chat.ProviderID][]ModelDescriptor{
	chat.ProviderOpenAI: {
		{ID: "gpt-4o", DisplayName: "GPT-4o", Description: "Flagship multimodal model", SupportsVision: true, SupportsSystemPrompt: true, MaxOutputTokens: 16384, ContextWindow: 128000},
		{ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Description: "Fast and affordable multimodal model", SupportsVision: true, SupportsSystemPrompt: true, MaxOutputTokens: 16384, ContextWindow: 128000},
		{ID: "gpt-4-turbo", DisplayName: "GPT-4 Turbo", Description: "Previous-generation GPT-4 with vision", SupportsVision: true, SupportsSystemPrompt: true, MaxOutputTokens: 4096, ContextWindow: 128000},
		{ID: "gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo", Description: "Legacy text-only model", SupportsVision: false, SupportsSystemPrompt: true, MaxOutputTokens: 4096, ContextWindow: 16385},
		{ID: "o1", DisplayName: "o1", Description: "Reasoning model for complex tasks", SupportsVision: true, SupportsSystemPrompt: false, MaxOutputTokens: 100000, ContextWindow: 200000},
		{ID: "o1-mini", DisplayName: "o1-mini", Description: "Smaller reasoning model", SupportsVision: false, SupportsSystemPrompt: false, MaxOutputTokens: 65536, ContextWindow: 128000},
		{ID: "o3-mini", DisplayName: "o3-mini", Description: "Fast reasoning model", SupportsVision: false, SupportsSystemPrompt: false, MaxOutputTokens: 100000, ContextWindow: 200000},
	},
	chat.ProviderGoogle: {
		{ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Description: "Fast multimodal model", SupportsVision: true, SupportsSystemPrompt: true, MaxOutputTokens: 8192, ContextWindow: 1048576},
		{ID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", Description: "Long-context multimodal model", SupportsVision: true, SupportsSystemPrompt: true, MaxOutputTokens: 8192, ContextWindow: 2097152},
		{ID: "gemini-1.5-flash", DisplayName: "Gemini 1.5 Flash", Description: "Lightweight multimodal model", SupportsVision: true, SupportsSystemPrompt: true, MaxOutputTokens: 8192, ContextWindow: 1048576},
	},
	chat.ProviderAnthropic: {
		{ID: "claude-3-5-sonnet-20241022", DisplayName: "Claude 3.5 Sonnet", Description: "Balanced intelligence and speed", SupportsVision: true, SupportsSystemPrompt: true, MaxOutputTokens: 8192, ContextWindow: 200000},
		{ID: "claude-3-5-haiku-20241022", DisplayName: "Claude 3.5 Haiku", Description: "Fastest Claude model", SupportsVision: false, SupportsSystemPrompt: true, MaxOutputTokens: 8192, ContextWindow: 200000},
		{ID: "claude-3-opus-20240229", DisplayName: "Claude 3 Opus", Description: "Most capable Claude 3 model", SupportsVision: true, SupportsSystemPrompt: true, MaxOutputTokens: 4096, ContextWindow: 200000},
	},
})

// Default returns the built-in catalog.
func Default() *Catalog { return builtin }

// Providers returns the providers that have at least one model, in
// [chat.AIProviders] order.
func (c *Catalog) Providers() []chat.ProviderID {
	var out []chat.ProviderID
	for _, p := range chat.AIProviders {
		if len(c.models[p]) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Models returns the ordered model list for p. The webhook and unknown
// providers have no models. The returned slice is a copy.
func (c *Catalog) Models(p chat.ProviderID) []ModelDescriptor {
	return slices.Clone(c.models[p])
}

// Descriptor looks up a model. An empty id resolves to the provider default.
// Unknown IDs return a [chat.KindUnknownModel] error, with a suggestion when
// a close match exists.
func (c *Catalog) Descriptor(p chat.ProviderID, id string) (ModelDescriptor, error) {
	if id == "" {
		if d, ok := c.DefaultModel(p); ok {
			return d, nil
		}
	}
	for _, d := range c.models[p] {
		if d.ID == id {
			return d, nil
		}
	}
	err := &chat.Error{
		Kind:     chat.KindUnknownModel,
		Provider: p,
		Message:  "unknown model " + quote(id),
	}
	if s := c.Suggest(p, id); s != "" {
		err.Suggestion = "did you mean " + quote(s) + "?"
	}
	return ModelDescriptor{}, err
}

// DefaultModel returns the first model listed for p.
func (c *Catalog) DefaultModel(p chat.ProviderID) (ModelDescriptor, bool) {
	list := c.models[p]
	if len(list) == 0 {
		return ModelDescriptor{}, false
	}
	return list[0], true
}

// Suggest returns the closest model ID for a mistyped id, or "" when nothing
// is similar enough.
func (c *Catalog) Suggest(p chat.ProviderID, id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ""
	}
	var (
		best      string
		bestScore float64
	)
	for _, d := range c.models[p] {
		score := matchr.JaroWinkler(id, d.ID, false)
		if score > bestScore {
			best, bestScore = d.ID, score
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}

func quote(s string) string { return `"` + s + `"` }
