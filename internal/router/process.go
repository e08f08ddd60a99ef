package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/auditlog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/observe"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/resilience"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/settings"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider/webhook"
)

// User-facing texts. These are the only failure messages that reach the
// chat UI.
const (
	msgNeedsConfiguration = "No AI service is set up yet."
	sugNeedsConfiguration = "Open the extension settings and add an API key for OpenAI, Google Gemini, or Anthropic Claude, or configure an n8n webhook URL."

	msgSettingsUnavailable = "Your settings could not be loaded."
	sugSettingsUnavailable = "Open the extension settings and save them again."

	msgAllProvidersFailed = "I couldn't reach any AI service right now."
	sugAllProvidersFailed = "Check in the extension settings that your API key is valid and has remaining quota, or configure an n8n webhook as a fallback."
)

// stage names one step of the fallback chain.
type stage string

const (
	stagePrimary stage = "primary"
	stageWebhook stage = "webhook"
	stageHelp    stage = "static_help"
)

// run is the state of one message as it moves through the chain.
type run struct {
	id    string
	start time.Time
	req   chat.ChatRequest
	tune  Tuning

	provider chat.ProviderID
	model    string

	// primaryCalls counts the calls that reached the selected provider.
	primaryCalls int
	stages       []chat.StageResult
}

func (rn *run) record(p chat.ProviderID, calls int, err error) {
	res := chat.StageResult{Provider: p, Attempts: calls, OK: err == nil}
	if err != nil {
		res.Kind = chat.KindOf(err)
	}
	rn.stages = append(rn.stages, res)
}

// ProcessMessage routes req through the selected provider, the webhook, and
// finally a static help message.
//
// Failures are returned as *chat.Error values of kind NeedsConfiguration
// or AllProvidersFailed, both safe to show to the user. Vendor detail is
// logged, never returned. Cancelling ctx aborts the call at once with an
// error wrapping the context error.
func (r *Router) ProcessMessage(ctx context.Context, req chat.ChatRequest) (*chat.ChatResponse, error) {
	if req.IsEmpty() {
		return nil, ErrEmptyMessage
	}

	rn := &run{
		id:    uuid.NewString(),
		start: r.now(),
		req:   req,
		tune:  r.Tuning(),
	}
	ctx = observe.WithRequestID(ctx, rn.id)
	ctx, span := observe.StartSpan(ctx, "router.ProcessMessage")
	defer span.End()

	if r.metrics != nil {
		r.metrics.ActiveRequests.Add(ctx, 1)
		defer r.metrics.ActiveRequests.Add(ctx, -1)
	}

	resp, err := r.route(ctx, rn)

	span.SetAttributes(
		attribute.String("chat.provider", string(rn.provider)),
		attribute.Int("chat.attempts", rn.primaryCalls),
	)
	if err != nil {
		span.SetStatus(codes.Error, chat.KindOf(err).String())
	} else {
		span.SetAttributes(attribute.String("chat.source", string(resp.SourceProvider)))
	}
	r.finish(ctx, rn, resp, err)
	return resp, err
}

// route is the state machine: SelectProvider, Invoking, WebhookFallback,
// StaticHelp.
func (r *Router) route(ctx context.Context, rn *run) (*chat.ChatResponse, error) {
	log := observe.Logger(ctx)

	s, err := r.store.Load(ctx)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("router: aborted: %w", cerr)
		}
		log.Error("router: load settings", "err", err)
		return nil, &chat.Error{
			Kind:       chat.KindNeedsConfiguration,
			Message:    msgSettingsUnavailable,
			Suggestion: sugSettingsUnavailable,
			Err:        err,
		}
	}
	if !s.HasAnyCredential() {
		return nil, &chat.Error{
			Kind:       chat.KindNeedsConfiguration,
			Message:    msgNeedsConfiguration,
			Suggestion: sugNeedsConfiguration,
		}
	}

	p, err := s.Resolve()
	if err != nil {
		log.Warn("router: selected provider is invalid, skipping to webhook",
			"provider", string(s.Provider), "err", err)
	}
	rn.provider = p

	if p.IsAI() {
		text, err := r.invokePrimary(ctx, rn, s, p)
		if err == nil {
			return r.reply(rn, text, p, rn.model), nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("router: aborted: %w", cerr)
		}
	}

	target := webhook.Target{URL: s.WebhookURL, APIKey: s.WebhookAPIKey}
	if target.Configured() {
		text, err := r.invokeWebhook(ctx, rn, target)
		if err == nil {
			return r.reply(rn, text, chat.ProviderWebhook, ""), nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("router: aborted: %w", cerr)
		}
	}

	log.Debug("router: all stages exhausted", "stage", string(stageHelp), "stages", len(rn.stages))
	return nil, &chat.Error{
		Kind:       chat.KindAllProvidersFailed,
		Message:    msgAllProvidersFailed,
		Suggestion: sugAllProvidersFailed,
	}
}

// invokePrimary runs the selected provider stage. Any error means the chain
// moves on; the error itself is only logged.
func (r *Router) invokePrimary(ctx context.Context, rn *run, s settings.Settings, p chat.ProviderID) (string, error) {
	ctx, span := observe.StartSpan(ctx, "router.stage.primary")
	defer span.End()
	span.SetAttributes(attribute.String("chat.provider", string(p)))
	log := observe.Logger(ctx).With("stage", string(stagePrimary), "provider", string(p))

	text, err := r.callPrimary(ctx, rn, s, p, log)
	rn.record(p, rn.primaryCalls, err)
	if err != nil {
		span.SetStatus(codes.Error, chat.KindOf(err).String())
		if !chat.IsCanceled(err) {
			log.Warn("router: provider failed, escalating",
				"kind", chat.KindOf(err).String(),
				"attempts", rn.primaryCalls,
				"err", err,
			)
		}
	}
	return text, err
}

func (r *Router) callPrimary(ctx context.Context, rn *run, s settings.Settings, p chat.ProviderID, log *slog.Logger) (string, error) {
	a, ok := r.adapters[p]
	if !ok {
		return "", &chat.Error{Kind: chat.KindNeedsConfiguration, Provider: p, Message: "no adapter registered"}
	}
	key := s.APIKey(p)
	if key == "" {
		return "", &chat.Error{Kind: chat.KindNeedsConfiguration, Provider: p, Message: "no API key configured"}
	}

	model, err := r.catalog.Descriptor(p, s.Model)
	if err != nil {
		var ce *chat.Error
		if errors.As(err, &ce) && ce.Suggestion != "" {
			log.Warn("router: stale model selection", "model", s.Model, "hint", ce.Suggestion)
		}
		return "", err
	}
	rn.model = model.ID

	prompt := provider.PromptFor(rn.req)
	prompt.SystemPrompt = rn.tune.SystemPrompt
	prompt.MaxTokens = rn.tune.MaxTokens
	prompt.Temperature = rn.tune.Temperature
	if rn.req.HasImage() && !model.SupportsVision {
		log.Info("router: model has no vision support, sending text only", "model", model.ID)
		prompt.ImageData = ""
	}

	payload, err := a.BuildRequest(model, key, prompt)
	if err != nil {
		return "", fmt.Errorf("router: build request: %w", err)
	}

	breaker := r.breakers.Load().Get(string(p))
	policy := resilience.RetryPolicy{
		MaxAttempts: resilience.DefaultMaxAttempts,
		Backoff:     rn.tune.RetryBackoff,
		Retryable:   func(err error) bool { return chat.KindOf(err).Retryable() },
	}

	var text string
	_, err = policy.Do(ctx, func(ctx context.Context, attempt int) error {
		ticket, err := breaker.Allow()
		if err != nil {
			return &chat.Error{Kind: chat.KindServiceUnavailable, Provider: p, Message: "circuit breaker is open", Err: err}
		}
		rn.primaryCalls++
		text, err = r.attempt(ctx, a, payload, rn.tune.Timeout)
		ticket.Done(err != nil && !chat.IsCanceled(err) && chat.KindOf(err).Transient())

		label := "primary"
		if attempt > 1 {
			label = "retry"
		}
		r.recordAttempt(ctx, p, label, err)
		if err != nil && chat.KindOf(err).Retryable() && attempt < resilience.DefaultMaxAttempts {
			log.Info("router: retrying once", "kind", chat.KindOf(err).String(), "attempt", attempt)
		}
		return err
	})
	return text, err
}

// attempt makes one call and turns the response into text or a classified
// error.
func (r *Router) attempt(ctx context.Context, a provider.Adapter, payload *provider.Payload, timeout time.Duration) (string, error) {
	resp, err := r.exec.Execute(ctx, payload, timeout)
	if err != nil {
		if chat.IsCanceled(err) {
			return "", err
		}
		return "", &chat.Error{Kind: chat.KindOf(err), Provider: a.ID(), Message: "call failed", Err: err}
	}
	if !resp.OK() {
		return "", &chat.Error{
			Kind:     a.ClassifyError(resp.Status, resp.Body),
			Provider: a.ID(),
			Status:   resp.Status,
			Message:  fmt.Sprintf("HTTP %d: %s", resp.Status, provider.ErrorMessage(resp.Body)),
		}
	}
	return a.ParseResponse(resp.Body)
}

// invokeWebhook delivers the original request, image included, once.
func (r *Router) invokeWebhook(ctx context.Context, rn *run, t webhook.Target) (string, error) {
	ctx, span := observe.StartSpan(ctx, "router.stage.webhook")
	defer span.End()
	log := observe.Logger(ctx).With("stage", string(stageWebhook))

	text, err := r.hook.Deliver(ctx, t, rn.req)
	rn.record(chat.ProviderWebhook, 1, err)
	r.recordAttempt(ctx, chat.ProviderWebhook, "primary", err)
	if err != nil {
		span.SetStatus(codes.Error, chat.KindOf(err).String())
		if !chat.IsCanceled(err) {
			log.Warn("router: webhook failed", "kind", chat.KindOf(err).String(), "err", err)
		}
	}
	return text, err
}

func (r *Router) reply(rn *run, text string, source chat.ProviderID, model string) *chat.ChatResponse {
	attempts := rn.primaryCalls
	if attempts == 0 {
		attempts = 1
	}
	return &chat.ChatResponse{
		Text:           text,
		SourceProvider: source,
		Model:          model,
		Attempts:       attempts,
		ElapsedMs:      r.now().Sub(rn.start).Milliseconds(),
		RequestID:      rn.id,
		Stages:         rn.stages,
	}
}

func (r *Router) recordAttempt(ctx context.Context, p chat.ProviderID, label string, err error) {
	if r.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = chat.KindOf(err).String()
		r.metrics.RecordProviderError(ctx, string(p), status)
	}
	r.metrics.RecordProviderRequest(ctx, string(p), label, status)
}

// finish logs the terminal outcome and records it in metrics and the audit
// log.
func (r *Router) finish(ctx context.Context, rn *run, resp *chat.ChatResponse, err error) {
	elapsed := r.now().Sub(rn.start)
	entry := auditlog.Entry{
		RequestID: rn.id,
		Provider:  rn.provider,
		Model:     rn.model,
		Attempts:  rn.primaryCalls,
		Elapsed:   elapsed,
		Stages:    rn.stages,
		HasImage:  rn.req.HasImage(),
		PageHost:  pageHost(rn.req.Context),
	}

	log := observe.Logger(ctx)
	source, outcome := "none", ""
	switch {
	case err == nil:
		entry.Outcome = auditlog.OutcomeSuccess
		entry.Source = resp.SourceProvider
		entry.Attempts = resp.Attempts
		source, outcome = string(resp.SourceProvider), auditlog.OutcomeSuccess
		log.Info("router: message answered",
			"provider", string(rn.provider),
			"source", source,
			"model", resp.Model,
			"attempts", resp.Attempts,
			"elapsed", elapsed,
		)
	case chat.IsCanceled(err):
		entry.Outcome = auditlog.OutcomeCanceled
		outcome = auditlog.OutcomeCanceled
		log.Info("router: message canceled", "provider", string(rn.provider), "elapsed", elapsed)
	default:
		entry.Outcome = auditlog.OutcomeError
		entry.Kind = chat.KindOf(err)
		outcome = entry.Kind.String()
		log.Warn("router: message failed",
			"provider", string(rn.provider),
			"kind", outcome,
			"attempts", rn.primaryCalls,
			"stages", len(rn.stages),
			"elapsed", elapsed,
		)
	}

	if r.metrics != nil {
		r.metrics.RecordOutcome(ctx, source, outcome, elapsed)
	}
	if aerr := r.audit.Record(context.WithoutCancel(ctx), entry); aerr != nil {
		log.Warn("router: audit record failed", "err", aerr)
	}
}

func pageHost(pc *chat.PageContext) string {
	if pc.IsZero() || pc.URL == "" {
		return ""
	}
	u, err := url.Parse(pc.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
