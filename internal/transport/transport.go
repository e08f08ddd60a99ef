// Package transport executes provider payloads over HTTP with a per-call
// timeout.
//
// The transport knows nothing about vendors. It sends a [provider.Payload],
// reads the whole body (up to a cap), and reports the outcome. A call that
// outlives its timeout is cancelled and surfaces as a [chat.KindTimeout]
// error. A call whose parent context is cancelled surfaces as that context
// error, so callers can tell "the provider was slow" from "the caller gave
// up". The transport never retries.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/observe"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
)

const (
	// DefaultTimeout applies when Execute is called with a non-positive timeout.
	DefaultTimeout = 20 * time.Second

	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes int64 = 4 << 20
)

// RawResponse is the fully-read response of one call.
type RawResponse = provider.Response

// Executor implements provider.Executor over an *http.Client.
type Executor struct {
	client  *http.Client
	maxBody int64
	metrics *observe.Metrics
}

// Option is a functional option for Executor.
type Option func(*Executor)

// WithHTTPClient sets the client used for calls. Its own Timeout, if any,
// still applies on top of the per-call timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) {
		if c != nil {
			e.client = c
		}
	}
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxBody = n
		}
	}
}

// WithMetrics records call latency into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New constructs an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		client:  &http.Client{},
		maxBody: DefaultMaxBodyBytes,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute sends p and returns its response. Non-2xx statuses are not errors;
// classifying them is the adapter's job.
func (e *Executor) Execute(ctx context.Context, p *provider.Payload, timeout time.Duration) (*RawResponse, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	host := hostOf(p.URL)

	ctx, span := observe.StartSpan(ctx, "transport.Execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", p.Method),
			attribute.String("server.address", host),
		),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.do(callCtx, p)
	elapsed := time.Since(start)

	status := "error"
	if err != nil {
		err = classify(ctx, callCtx, err, timeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, chat.KindOf(err).String())
	} else {
		status = strconv.Itoa(resp.Status)
		span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	}
	if e.metrics != nil {
		e.metrics.TransportDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("host", host),
				attribute.String("status", status),
			),
		)
	}
	observe.Logger(ctx).Debug("transport call finished",
		"method", p.Method,
		"host", host,
		"status", status,
		"duration", elapsed,
	)
	return resp, err
}

func (e *Executor) do(ctx context.Context, p *provider.Payload) (*RawResponse, error) {
	req, err := p.NewRequest(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &RawResponse{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// classify turns a failed call into the error the caller sees. Parent
// cancellation wins over everything, then the per-call deadline, then
// network-level timeouts; anything else means the host was unreachable.
func classify(parent, call context.Context, err error, timeout time.Duration) error {
	err = redact(err)
	if perr := parent.Err(); perr != nil {
		return fmt.Errorf("transport: %w", perr)
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) || isNetTimeout(err) {
		return &chat.Error{
			Kind:    chat.KindTimeout,
			Message: fmt.Sprintf("no response within %s", timeout),
			Err:     err,
		}
	}
	var ce *chat.Error
	if errors.As(err, &ce) {
		return err
	}
	return &chat.Error{
		Kind:    chat.KindServiceUnavailable,
		Message: "request failed",
		Err:     err,
	}
}

// redact strips the query string from URLs embedded in err. Gemini carries
// the API key there.
func redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		if u, perr := url.Parse(ue.URL); perr == nil && u.RawQuery != "" {
			u.RawQuery = "REDACTED"
			ue.URL = u.String()
		}
	}
	return err
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

var _ provider.Executor = (*Executor)(nil)
