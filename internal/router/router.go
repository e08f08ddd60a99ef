// Package router turns one user message into one reply.
//
// A [Router] walks a fixed chain of stages for every message: the provider
// the user selected, then the configured webhook, then a static help
// message. Stages run strictly one after another; the router never races
// providers and never silently swaps the user's provider for another vendor.
// Settings are loaded fresh for every message so edits take effect on the
// next send.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/auditlog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/conntest"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/observe"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/resilience"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/settings"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/catalog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider/webhook"
)

// Compile-time check that *Router satisfies [Service].
var _ Service = (*Router)(nil)

const (
	// DefaultTimeout bounds every single provider or webhook call.
	DefaultTimeout = 20 * time.Second

	// DefaultRetryBackoff is the pause before the one same-provider retry.
	DefaultRetryBackoff = 300 * time.Millisecond

	// DefaultTemperature is sent to models that accept sampling parameters.
	DefaultTemperature = 0.7
)

// ErrEmptyMessage is returned for a request with no text and no image.
var ErrEmptyMessage = errors.New("router: message is empty")

// Service is the inbound contract the API layer and the CLI depend on.
type Service interface {
	ProcessMessage(ctx context.Context, req chat.ChatRequest) (*chat.ChatResponse, error)
	TestConnection(ctx context.Context, p chat.ProviderID, creds conntest.Credentials) conntest.Result
	ListModels(p chat.ProviderID) ([]catalog.ModelDescriptor, error)
	SetModel(ctx context.Context, p chat.ProviderID, modelID string) error
}

// Tuning holds the parameters that may change while the router is running.
type Tuning struct {
	// Timeout bounds each call. Zero means DefaultTimeout.
	Timeout time.Duration

	// RetryBackoff is waited before retrying a timed-out or rate-limited
	// call.
	RetryBackoff time.Duration

	// MaxTokens is the requested completion budget; zero uses the adapter
	// default. It is clamped to the model's limit either way.
	MaxTokens int

	// Temperature is only sent to models that accept it.
	Temperature float64

	// SystemPrompt replaces the built-in assistant instruction when set.
	SystemPrompt string
}

// DefaultTuning returns the tuning a Router starts with.
func DefaultTuning() Tuning {
	return Tuning{
		Timeout:      DefaultTimeout,
		RetryBackoff: DefaultRetryBackoff,
		Temperature:  DefaultTemperature,
	}
}

func (t Tuning) withDefaults() Tuning {
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}
	if t.RetryBackoff < 0 {
		t.RetryBackoff = 0
	}
	return t
}

// Router implements [Service]. All exported methods are safe for concurrent
// use; no state is shared between messages except the circuit breakers.
type Router struct {
	store    settings.Store
	catalog  *catalog.Catalog
	adapters map[chat.ProviderID]provider.Adapter
	exec     provider.Executor

	hook    *webhook.Client
	tester  *conntest.Tester
	audit   auditlog.Log
	metrics *observe.Metrics
	now     func() time.Time

	tuning   atomic.Pointer[Tuning]
	breakers atomic.Pointer[resilience.BreakerSet]

	// options parked until New has seen all of them
	initTuning  Tuning
	breakerCfg  resilience.CircuitBreakerConfig
	testTimeout time.Duration
}

// Option configures a [Router] during construction.
type Option func(*Router)

// WithTimeout sets the per-call timeout. The default is 20 seconds.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.initTuning.Timeout = d }
}

// WithRetryBackoff sets the pause before the single retry.
func WithRetryBackoff(d time.Duration) Option {
	return func(r *Router) { r.initTuning.RetryBackoff = d }
}

// WithTuning replaces every tunable parameter at once.
func WithTuning(t Tuning) Option {
	return func(r *Router) { r.initTuning = t }
}

// WithWebhook sets the client used for the webhook stage. Without it a
// client over the router's executor is used.
func WithWebhook(c *webhook.Client) Option {
	return func(r *Router) { r.hook = c }
}

// WithConnectionTester sets the tester behind TestConnection.
func WithConnectionTester(t *conntest.Tester) Option {
	return func(r *Router) { r.tester = t }
}

// WithConnectionTestTimeout sets the probe timeout of the default tester.
func WithConnectionTestTimeout(d time.Duration) Option {
	return func(r *Router) { r.testTimeout = d }
}

// WithAuditLog records every terminal outcome in l.
func WithAuditLog(l auditlog.Log) Option {
	return func(r *Router) { r.audit = l }
}

// WithMetrics records attempts and outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithBreakers configures the per-provider circuit breakers.
func WithBreakers(cfg resilience.CircuitBreakerConfig) Option {
	return func(r *Router) { r.breakerCfg = cfg }
}

// WithClock overrides the time source used for elapsed times.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router. adapters are keyed by their ID; a later adapter with
// the same ID replaces an earlier one.
func New(store settings.Store, cat *catalog.Catalog, adapters []provider.Adapter, exec provider.Executor, opts ...Option) *Router {
	r := &Router{
		store:      store,
		catalog:    cat,
		adapters:   make(map[chat.ProviderID]provider.Adapter, len(adapters)),
		exec:       exec,
		audit:      auditlog.Nop{},
		now:        time.Now,
		initTuning: DefaultTuning(),
	}
	if r.catalog == nil {
		r.catalog = catalog.Default()
	}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	for _, opt := range opts {
		opt(r)
	}

	t := r.initTuning.withDefaults()
	r.tuning.Store(&t)
	r.breakers.Store(resilience.NewBreakerSet(r.breakerCfg))

	if r.hook == nil {
		r.hook = webhook.New(exec, webhook.WithTimeout(t.Timeout))
	}
	if r.tester == nil {
		topts := []conntest.Option{conntest.WithTimeout(r.testTimeout), conntest.WithWebhook(r.hook)}
		if r.metrics != nil {
			topts = append(topts, conntest.WithMetrics(r.metrics))
		}
		r.tester = conntest.New(adapters, exec, topts...)
	}
	return r
}

// Tuning returns the parameters currently in effect.
func (r *Router) Tuning() Tuning { return *r.tuning.Load() }

// MessageBudget is the longest a single ProcessMessage call can take under
// the current tuning: every attempt on the selected provider, the pause
// between them, and one webhook delivery.
func (r *Router) MessageBudget() time.Duration {
	t := r.Tuning()
	return time.Duration(resilience.DefaultMaxAttempts)*t.Timeout + t.RetryBackoff + r.hook.Timeout()
}

// SetTuning swaps the tunable parameters. Messages already being routed
// keep the values they started with.
func (r *Router) SetTuning(t Tuning) {
	t = t.withDefaults()
	r.tuning.Store(&t)
	slog.Info("router: tuning updated",
		"timeout", t.Timeout,
		"retry_backoff", t.RetryBackoff,
		"max_tokens", t.MaxTokens,
		"temperature", t.Temperature,
	)
}

// SetBreakers replaces the circuit breakers with a fresh, closed set built
// from cfg.
func (r *Router) SetBreakers(cfg resilience.CircuitBreakerConfig) {
	r.breakers.Store(resilience.NewBreakerSet(cfg))
	slog.Info("router: circuit breakers reset", "max_failures", cfg.MaxFailures, "reset_timeout", cfg.ResetTimeout)
}

// BreakerStates reports the state of every provider breaker used so far.
func (r *Router) BreakerStates() map[string]resilience.State {
	return r.breakers.Load().States()
}

// Providers lists the AI providers this router has an adapter for, in
// display order.
func (r *Router) Providers() []chat.ProviderID {
	var out []chat.ProviderID
	for _, p := range chat.AIProviders {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// ListModels returns the catalog entries for p. The webhook has no models.
func (r *Router) ListModels(p chat.ProviderID) ([]catalog.ModelDescriptor, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("router: unknown provider %q", p)
	}
	return r.catalog.Models(p), nil
}

// SetModel selects p and modelID for future messages. An empty modelID
// selects the provider default. Unknown models are rejected with a
// [chat.KindUnknownModel] error that may suggest a close match.
func (r *Router) SetModel(ctx context.Context, p chat.ProviderID, modelID string) error {
	if !p.IsValid() {
		return fmt.Errorf("router: unknown provider %q", p)
	}
	modelID = strings.TrimSpace(modelID)
	if p.IsAI() {
		d, err := r.catalog.Descriptor(p, modelID)
		if err != nil {
			return fmt.Errorf("router: set model: %w", err)
		}
		modelID = d.ID
	} else {
		modelID = ""
	}

	err := r.store.Update(ctx, func(s *settings.Settings) error {
		s.Provider = p
		s.Model = modelID
		return nil
	})
	if err != nil {
		return fmt.Errorf("router: set model: %w", err)
	}
	observe.Logger(ctx).Info("router: model selected", "provider", string(p), "model", modelID)
	return nil
}

// TestConnection probes p with creds. It never falls back to another stage.
func (r *Router) TestConnection(ctx context.Context, p chat.ProviderID, creds conntest.Credentials) conntest.Result {
	return r.tester.Test(ctx, p, creds)
}
