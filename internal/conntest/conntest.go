// Package conntest checks whether a credential or webhook URL works before
// the user saves it.
//
// A test issues the cheapest request each backend offers and reports a single
// yes/no/why [Result]. It reuses the adapters' classification but never falls
// back to another provider.
package conntest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/observe"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider/webhook"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 10 * time.Second

// Credentials is what the settings UI wants to try. APIKey applies to the
// AI providers and, optionally, to the webhook; URL applies to the webhook.
type Credentials struct {
	APIKey string `json:"apiKey,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Result is the outcome of one test.
type Result struct {
	Provider  chat.ProviderID `json:"provider"`
	Reachable bool            `json:"success"`

	// Kind is KindUnknown when Reachable is true.
	Kind chat.ErrorKind `json:"kind"`

	// Reason is a short sentence for the settings UI.
	Reason string `json:"message"`

	// Status is the HTTP status of the probe, or 0 when none was received.
	Status  int           `json:"status,omitempty"`
	Elapsed time.Duration `json:"-"`
}

// Tester runs connection tests.
type Tester struct {
	adapters map[chat.ProviderID]provider.Adapter
	exec     provider.Executor
	hook     *webhook.Client
	timeout  time.Duration
	metrics  *observe.Metrics
	now      func() time.Time
}

// Option is a functional option for Tester.
type Option func(*Tester)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tester) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithWebhook sets the client used for webhook tests. Without it a client
// over the tester's executor is used.
func WithWebhook(c *webhook.Client) Option {
	return func(t *Tester) { t.hook = c }
}

// WithMetrics records every test result on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Tester) { t.metrics = m }
}

// WithClock overrides the time source used for Elapsed.
func WithClock(now func() time.Time) Option {
	return func(t *Tester) { t.now = now }
}

// New creates a Tester over the given adapters.
func New(adapters []provider.Adapter, exec provider.Executor, opts ...Option) *Tester {
	t := &Tester{
		adapters: make(map[chat.ProviderID]provider.Adapter, len(adapters)),
		exec:     exec,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, a := range adapters {
		t.adapters[a.ID()] = a
	}
	for _, o := range opts {
		o(t)
	}
	if t.hook == nil {
		t.hook = webhook.New(exec, webhook.WithTimeout(t.timeout))
	}
	return t
}

// Test probes p with creds. It never returns an error: every failure is
// described by the Result.
func (t *Tester) Test(ctx context.Context, p chat.ProviderID, creds Credentials) Result {
	ctx, span := observe.StartSpan(ctx, "conntest.Test")
	defer span.End()

	start := t.now()
	var res Result
	if p == chat.ProviderWebhook {
		res = t.testWebhook(ctx, creds)
	} else {
		res = t.testProvider(ctx, p, creds)
	}
	res.Provider = p
	res.Elapsed = t.now().Sub(start)

	outcome := "ok"
	if !res.Reachable {
		outcome = res.Kind.String()
	}
	if t.metrics != nil {
		t.metrics.RecordConnectionTest(ctx, string(p), outcome)
	}
	observe.Logger(ctx).Info("conntest: finished",
		slog.String("provider", string(p)),
		slog.Bool("reachable", res.Reachable),
		slog.String("kind", outcome),
		slog.Int("status", res.Status),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res
}

func (t *Tester) testProvider(ctx context.Context, p chat.ProviderID, creds Credentials) Result {
	a, ok := t.adapters[p]
	if !ok {
		return failed(chat.KindNeedsConfiguration, 0, fmt.Sprintf("%s is not available on this server.", p.DisplayName()))
	}
	key := strings.TrimSpace(creds.APIKey)
	if key == "" {
		return failed(chat.KindNeedsConfiguration, 0, fmt.Sprintf("Enter an API key for %s first.", p.DisplayName()))
	}

	payload, err := a.ProbeRequest(key)
	if err != nil {
		return failed(chat.KindUnknown, 0, fmt.Sprintf("Could not build a test request for %s.", p.DisplayName()))
	}
	resp, err := t.exec.Execute(ctx, payload, t.timeout)
	if err != nil {
		return t.transportFailure(ctx, p, err)
	}
	if resp.OK() {
		return Result{Reachable: true, Status: resp.Status, Reason: fmt.Sprintf("Connected to %s.", p.DisplayName())}
	}

	kind := a.ClassifyError(resp.Status, resp.Body)
	observe.Logger(ctx).Warn("conntest: probe rejected",
		slog.String("provider", string(p)),
		slog.Int("status", resp.Status),
		slog.String("kind", kind.String()),
		slog.String("detail", provider.ErrorMessage(resp.Body)),
	)
	return failed(kind, resp.Status, reason(p, kind, resp.Status))
}

func (t *Tester) testWebhook(ctx context.Context, creds Credentials) Result {
	target := webhook.Target{URL: strings.TrimSpace(creds.URL), APIKey: strings.TrimSpace(creds.APIKey)}
	if !target.Configured() {
		return failed(chat.KindNeedsConfiguration, 0, "Enter a webhook URL first.")
	}
	status, err := t.hook.Test(ctx, target)
	if err != nil {
		var ce *chat.Error
		if errors.As(err, &ce) && ce.Kind == chat.KindNeedsConfiguration {
			return failed(ce.Kind, 0, "The webhook URL must be an absolute http or https URL.")
		}
		if status == 0 {
			return t.transportFailure(ctx, chat.ProviderWebhook, err)
		}
		kind := chat.KindOf(err)
		return failed(kind, status, reason(chat.ProviderWebhook, kind, status))
	}
	if status == http.StatusNotFound {
		return Result{
			Reachable: true,
			Status:    status,
			Reason:    "The webhook host is reachable, but the workflow is not listening yet (HTTP 404). Activate the workflow in n8n.",
		}
	}
	return Result{Reachable: true, Status: status, Reason: "The webhook is reachable."}
}

func (t *Tester) transportFailure(ctx context.Context, p chat.ProviderID, err error) Result {
	if chat.IsCanceled(err) {
		return failed(chat.KindUnknown, 0, "The test was canceled.")
	}
	kind := chat.KindOf(err)
	observe.Logger(ctx).Warn("conntest: probe failed",
		slog.String("provider", string(p)),
		slog.String("kind", kind.String()),
		slog.Any("err", err),
	)
	if kind == chat.KindTimeout {
		return failed(kind, 0, fmt.Sprintf("%s did not answer within %s.", p.DisplayName(), t.timeout))
	}
	if kind == chat.KindUnknown {
		kind = chat.KindServiceUnavailable
	}
	return failed(kind, 0, fmt.Sprintf("Could not reach %s. Check your network connection.", p.DisplayName()))
}

func failed(kind chat.ErrorKind, status int, reason string) Result {
	return Result{Kind: kind, Status: status, Reason: reason}
}

// reason renders a user-readable explanation for a classified failure.
func reason(p chat.ProviderID, kind chat.ErrorKind, status int) string {
	name := p.DisplayName()
	switch kind {
	case chat.KindInvalidCredential:
		if p == chat.ProviderWebhook {
			return "The webhook rejected the API key."
		}
		return fmt.Sprintf("%s rejected the API key. Check that it was copied completely.", name)
	case chat.KindQuotaExceeded:
		return fmt.Sprintf("The %s account has no remaining quota. Check your plan and billing.", name)
	case chat.KindRateLimited:
		return fmt.Sprintf("%s is rate limiting requests. Try again in a moment.", name)
	case chat.KindServiceUnavailable:
		return fmt.Sprintf("%s is unavailable right now (HTTP %d).", name, status)
	}
	return fmt.Sprintf("%s returned an unexpected response (HTTP %d).", name, status)
}
