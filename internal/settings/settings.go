// Package settings holds the user's provider configuration and the stores it
// is read from.
//
// The router loads a fresh [Settings] snapshot through a [Store] on every
// message, so a key pasted into the extension is used by the very next
// request. Stores hand out deep copies; mutating a snapshot never changes
// what the store holds.
package settings

import (
	"context"
	"errors"
	"strings"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
)

// ErrNotConfigured is returned by [Settings.Resolve] when no provider can be
// selected.
var ErrNotConfigured = errors.New("settings: no provider configured")

// Settings is one snapshot of user configuration.
type Settings struct {
	// Provider is the user-selected provider. Empty means "pick the only
	// configured one".
	Provider chat.ProviderID `yaml:"provider,omitempty" json:"provider,omitempty"`

	// Model is the selected model for Provider. Empty means the catalog
	// default.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// APIKeys maps each AI provider to its credential.
	APIKeys map[chat.ProviderID]string `yaml:"api_keys,omitempty" json:"-"`

	WebhookURL    string `yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	WebhookAPIKey string `yaml:"webhook_api_key,omitempty" json:"-"`
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	out := s
	if s.APIKeys != nil {
		out.APIKeys = make(map[chat.ProviderID]string, len(s.APIKeys))
		for k, v := range s.APIKeys {
			out.APIKeys[k] = v
		}
	}
	return out
}

// APIKey returns the trimmed credential for p, or "".
func (s Settings) APIKey(p chat.ProviderID) string {
	return strings.TrimSpace(s.APIKeys[p])
}

// SetAPIKey stores key for p, deleting the entry when key is blank.
func (s *Settings) SetAPIKey(p chat.ProviderID, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		delete(s.APIKeys, p)
		return
	}
	if s.APIKeys == nil {
		s.APIKeys = make(map[chat.ProviderID]string)
	}
	s.APIKeys[p] = key
}

// HasWebhook reports whether a webhook URL is configured.
func (s Settings) HasWebhook() bool {
	return strings.TrimSpace(s.WebhookURL) != ""
}

// HasAnyCredential reports whether any AI key or a webhook is configured.
func (s Settings) HasAnyCredential() bool {
	return len(s.ConfiguredProviders()) > 0 || s.HasWebhook()
}

// ConfiguredProviders lists the AI providers with a non-blank key, in
// [chat.AIProviders] order.
func (s Settings) ConfiguredProviders() []chat.ProviderID {
	var out []chat.ProviderID
	for _, p := range chat.AIProviders {
		if s.APIKey(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// Resolve returns the provider a message should go to. An explicit
// selection wins even when its key is missing; the router then degrades to
// the webhook. Without a selection, the single configured AI provider is
// used, or the webhook when no AI key is set. Several keys and no selection
// resolve to the first in [chat.AIProviders] order.
func (s Settings) Resolve() (chat.ProviderID, error) {
	if s.Provider != "" {
		p, err := chat.ParseProviderID(string(s.Provider))
		if err != nil {
			return "", err
		}
		return p, nil
	}
	if configured := s.ConfiguredProviders(); len(configured) > 0 {
		return configured[0], nil
	}
	if s.HasWebhook() {
		return chat.ProviderWebhook, nil
	}
	return "", ErrNotConfigured
}

// Store reads and writes settings.
type Store interface {
	// Load returns a fresh snapshot. Implementations must not cache across
	// calls in a way that hides external edits.
	Load(ctx context.Context) (Settings, error)

	// Update applies fn to the current settings and persists the result.
	// If fn returns an error nothing is written.
	Update(ctx context.Context, fn func(*Settings) error) error
}
