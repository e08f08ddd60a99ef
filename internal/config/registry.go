package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider/anthropic"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider/gemini"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider/openai"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AdapterFactory builds an adapter from its configuration block.
type AdapterFactory func(ProviderEntry) (provider.Adapter, error)

// Registry maps provider IDs to adapter constructors. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[chat.ProviderID]AdapterFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[chat.ProviderID]AdapterFactory)}
}

// DefaultRegistry returns a registry with the three built-in vendor
// adapters registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(chat.ProviderOpenAI, func(e ProviderEntry) (provider.Adapter, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		org, err := stringOption(e, "organization")
		if err != nil {
			return nil, err
		}
		if org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(opts...), nil
	})
	r.Register(chat.ProviderGoogle, func(e ProviderEntry) (provider.Adapter, error) {
		var opts []gemini.Option
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(opts...), nil
	})
	r.Register(chat.ProviderAnthropic, func(e ProviderEntry) (provider.Adapter, error) {
		var opts []anthropic.Option
		if e.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(e.BaseURL))
		}
		return anthropic.New(opts...), nil
	})
	return r
}

// Register registers factory under id. Subsequent calls with the same id
// overwrite the previous registration.
func (r *Registry) Register(id chat.ProviderID, factory AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
}

// Providers lists the registered IDs in [chat.AIProviders] order, then any
// others sorted by name.
func (r *Registry) Providers() []chat.ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out, extra []chat.ProviderID
	for _, p := range chat.AIProviders {
		if _, ok := r.factories[p]; ok {
			out = append(out, p)
		}
	}
	for p := range r.factories {
		if !slices.Contains(chat.AIProviders, p) {
			extra = append(extra, p)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}

// Create instantiates the adapter registered under id.
// Returns [ErrProviderNotRegistered] if no factory has been registered.
func (r *Registry) Create(id chat.ProviderID, entry ProviderEntry) (provider.Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, id)
	}
	a, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create %s adapter: %w", id, err)
	}
	return a, nil
}

// BuildAdapters creates one adapter per enabled provider in cfg.
func (r *Registry) BuildAdapters(cfg ProvidersConfig) ([]provider.Adapter, error) {
	entries := map[chat.ProviderID]ProviderEntry{
		chat.ProviderOpenAI:    cfg.OpenAI,
		chat.ProviderGoogle:    cfg.Google,
		chat.ProviderAnthropic: cfg.Anthropic,
	}
	var (
		out  []provider.Adapter
		errs []error
	)
	for _, id := range r.Providers() {
		entry := entries[id]
		if entry.Disabled {
			continue
		}
		a, err := r.Create(id, entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, a)
	}
	return out, errors.Join(errs...)
}

func stringOption(e ProviderEntry, key string) (string, error) {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("option %q must be a string, got %T", key, v)
	}
	return s, nil
}
