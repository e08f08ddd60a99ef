package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
)

// KeyringService is the OS keyring service name secrets are stored under.
const KeyringService = "chatrelay"

// webhookAccount is the keyring account of the webhook API key.
const webhookAccount = "webhook"

// EnvVars lists the environment variables consulted for each credential, in
// priority order.
var EnvVars = map[string][]string{
	string(chat.ProviderOpenAI):    {"OPENAI_API_KEY"},
	string(chat.ProviderGoogle):    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	string(chat.ProviderAnthropic): {"ANTHROPIC_API_KEY"},
	webhookAccount:                 {"N8N_WEBHOOK_API_KEY"},
	"webhook_url":                  {"N8N_WEBHOOK_URL"},
}

type source int

const (
	fromStore source = iota
	fromKeyring
	fromEnv
)

// SecretStore decorates a Store so that credentials live in the OS keyring
// instead of the settings file. On Load, blank credentials are filled from
// the keyring and then from the environment. On Update, changed credentials
// are written to the keyring and stripped from what the inner store
// persists; values that came from the environment are never persisted.
type SecretStore struct {
	inner      Store
	useKeyring bool
	getenv     func(string) string
}

// SecretOption is a functional option for SecretStore.
type SecretOption func(*SecretStore)

// WithKeyring enables or disables the OS keyring. Enabled by default.
func WithKeyring(enabled bool) SecretOption {
	return func(s *SecretStore) { s.useKeyring = enabled }
}

// WithGetenv overrides os.Getenv.
func WithGetenv(fn func(string) string) SecretOption {
	return func(s *SecretStore) {
		if fn != nil {
			s.getenv = fn
		}
	}
}

// NewSecretStore wraps inner.
func NewSecretStore(inner Store, opts ...SecretOption) *SecretStore {
	s := &SecretStore{inner: inner, useKeyring: true, getenv: os.Getenv}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load returns the inner snapshot with blank credentials resolved.
func (s *SecretStore) Load(ctx context.Context) (Settings, error) {
	base, err := s.inner.Load(ctx)
	if err != nil {
		return Settings{}, err
	}
	merged, _ := s.resolve(base)
	return merged, nil
}

// Update applies fn to the resolved view and persists it, routing
// credentials to the keyring.
func (s *SecretStore) Update(ctx context.Context, fn func(*Settings) error) error {
	return s.inner.Update(ctx, func(stored *Settings) error {
		merged, src := s.resolve(stored.Clone())
		before := merged.Clone()
		if err := fn(&merged); err != nil {
			return err
		}

		out := merged.Clone()
		for _, p := range chat.AIProviders {
			account := string(p)
			key := merged.APIKey(p)
			unchanged := key == before.APIKey(p)
			switch {
			case unchanged && key == "":
			case unchanged && src[account] == fromEnv:
				out.SetAPIKey(p, stored.APIKey(p))
			case !s.useKeyring:
			case unchanged && src[account] == fromKeyring:
				out.SetAPIKey(p, "")
			default:
				if err := s.putSecret(account, key); err != nil {
					return err
				}
				out.SetAPIKey(p, "")
			}
		}

		whKey := strings.TrimSpace(merged.WebhookAPIKey)
		whUnchanged := whKey == strings.TrimSpace(before.WebhookAPIKey)
		switch {
		case whUnchanged && whKey == "":
		case whUnchanged && src[webhookAccount] == fromEnv:
			out.WebhookAPIKey = stored.WebhookAPIKey
		case !s.useKeyring:
		case whUnchanged && src[webhookAccount] == fromKeyring:
			out.WebhookAPIKey = ""
		default:
			if err := s.putSecret(webhookAccount, whKey); err != nil {
				return err
			}
			out.WebhookAPIKey = ""
		}

		if src["webhook_url"] == fromEnv && merged.WebhookURL == before.WebhookURL {
			out.WebhookURL = stored.WebhookURL
		}
		if len(out.APIKeys) == 0 {
			out.APIKeys = nil
		}
		*stored = out
		return nil
	})
}

// resolve fills blank credentials and reports where each came from.
func (s *SecretStore) resolve(base Settings) (Settings, map[string]source) {
	out := base.Clone()
	src := make(map[string]source)

	for _, p := range chat.AIProviders {
		account := string(p)
		if out.APIKey(p) != "" {
			continue
		}
		if v := s.getSecret(account); v != "" {
			out.SetAPIKey(p, v)
			src[account] = fromKeyring
			continue
		}
		if v := s.lookupEnv(account); v != "" {
			out.SetAPIKey(p, v)
			src[account] = fromEnv
		}
	}

	if strings.TrimSpace(out.WebhookAPIKey) == "" {
		if v := s.getSecret(webhookAccount); v != "" {
			out.WebhookAPIKey = v
			src[webhookAccount] = fromKeyring
		} else if v := s.lookupEnv(webhookAccount); v != "" {
			out.WebhookAPIKey = v
			src[webhookAccount] = fromEnv
		}
	}
	if !out.HasWebhook() {
		if v := s.lookupEnv("webhook_url"); v != "" {
			out.WebhookURL = v
			src["webhook_url"] = fromEnv
		}
	}
	return out, src
}

func (s *SecretStore) lookupEnv(account string) string {
	for _, name := range EnvVars[account] {
		if v := strings.TrimSpace(s.getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func (s *SecretStore) getSecret(account string) string {
	if !s.useKeyring {
		return ""
	}
	v, err := keyring.Get(KeyringService, account)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			slog.Debug("keyring lookup failed", "account", account, "err", err)
		}
		return ""
	}
	return strings.TrimSpace(v)
}

func (s *SecretStore) putSecret(account, value string) error {
	if value == "" {
		if err := keyring.Delete(KeyringService, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("settings: delete %s from keyring: %w", account, err)
		}
		return nil
	}
	if err := keyring.Set(KeyringService, account, value); err != nil {
		return fmt.Errorf("settings: store %s in keyring: %w", account, err)
	}
	return nil
}

var _ Store = (*SecretStore)(nil)
