// Package mock provides test doubles for the provider.Adapter and
// provider.Executor contracts.
//
// Adapter renders a tiny JSON payload and records every call, so tests can
// assert on exactly what the router asked for. Executor replays a scripted
// sequence of outcomes instead of touching the network.
//
// Example:
//
//	exec := mock.NewExecutor(
//	    mock.Fail(chat.ErrTimeout),
//	    mock.Reply(200, `{"text":"hi"}`),
//	)
//	a := &mock.Adapter{Provider: chat.ProviderOpenAI}
package mock

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/catalog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
)

// BuildCall records a single invocation of BuildRequest.
type BuildCall struct {
	Model  catalog.ModelDescriptor
	APIKey string
	Prompt provider.Prompt
}

// Adapter is a mock implementation of provider.Adapter. Its payloads are
// POSTs to "mock://<provider>" with a {"model","text","image"} body, and it
// parses {"text": "..."} replies.
type Adapter struct {
	mu sync.Mutex

	// Provider is returned by ID.
	Provider chat.ProviderID

	// BuildErr, if non-nil, is returned by BuildRequest.
	BuildErr error

	// Kind, if non-zero, is returned by ClassifyError instead of the shared
	// provider.ClassifyHTTP mapping.
	Kind chat.ErrorKind

	// BuildCalls records every BuildRequest call in order.
	BuildCalls []BuildCall

	// ProbeCalls records the key passed to every ProbeRequest call.
	ProbeCalls []string
}

// ID implements provider.Adapter.
func (a *Adapter) ID() chat.ProviderID { return a.Provider }

// BuildRequest implements provider.Adapter.
func (a *Adapter) BuildRequest(model catalog.ModelDescriptor, apiKey string, in provider.Prompt) (*provider.Payload, error) {
	a.mu.Lock()
	a.BuildCalls = append(a.BuildCalls, BuildCall{Model: model, APIKey: apiKey, Prompt: in})
	err := a.BuildErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := provider.CheckCapability(a.Provider, model, in); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]string{"model": model.ID, "text": in.Text, "image": in.ImageData})
	return &provider.Payload{Method: http.MethodPost, URL: "mock://" + string(a.Provider), Header: provider.JSONHeader(), Body: body}, nil
}

// ParseResponse implements provider.Adapter.
func (a *Adapter) ParseResponse(body []byte) (string, error) {
	text := gjson.GetBytes(body, "text").String()
	if text == "" {
		return "", provider.Malformed(a.Provider, "mock reply has no text")
	}
	return text, nil
}

// ClassifyError implements provider.Adapter.
func (a *Adapter) ClassifyError(status int, body []byte) chat.ErrorKind {
	if a.Kind != chat.KindUnknown {
		return a.Kind
	}
	return provider.ClassifyHTTP(status, body)
}

// ProbeRequest implements provider.Adapter.
func (a *Adapter) ProbeRequest(apiKey string) (*provider.Payload, error) {
	a.mu.Lock()
	a.ProbeCalls = append(a.ProbeCalls, apiKey)
	a.mu.Unlock()
	return &provider.Payload{Method: http.MethodGet, URL: "mock://" + string(a.Provider) + "/probe"}, nil
}

// Calls returns a snapshot of the recorded BuildRequest calls.
func (a *Adapter) Calls() []BuildCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]BuildCall, len(a.BuildCalls))
	copy(out, a.BuildCalls)
	return out
}

// Step is one scripted Executor outcome.
type Step struct {
	Response *provider.Response
	Err      error
	// Delay is waited (or interrupted by ctx) before the outcome is returned.
	Delay time.Duration
}

// Reply scripts a response with the given status and body.
func Reply(status int, body string) Step {
	return Step{Response: &provider.Response{Status: status, Header: http.Header{}, Body: []byte(body)}}
}

// Fail scripts a transport error.
func Fail(err error) Step { return Step{Err: err} }

// ExecCall records a single Execute invocation.
type ExecCall struct {
	Payload *provider.Payload
	Timeout time.Duration
}

// Executor is a mock provider.Executor that replays Steps in order. Scripts
// can be bound to a URL prefix with On; calls that match no prefix use the
// default script. Once a script is exhausted its last step repeats. An empty
// script answers 200 with an empty body.
type Executor struct {
	mu     sync.Mutex
	def    *script
	routes map[string]*script
	calls  []ExecCall
}

type script struct {
	steps []Step
	n     int
}

func (s *script) next() Step {
	defer func() { s.n++ }()
	switch {
	case len(s.steps) == 0:
		return Reply(http.StatusOK, "")
	case s.n < len(s.steps):
		return s.steps[s.n]
	default:
		return s.steps[len(s.steps)-1]
	}
}

// NewExecutor creates an Executor with the given default script.
func NewExecutor(steps ...Step) *Executor {
	return &Executor{def: &script{steps: steps}, routes: map[string]*script{}}
}

// On binds a script to payloads whose URL starts with prefix. The longest
// matching prefix wins.
func (e *Executor) On(prefix string, steps ...Step) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routes[prefix] = &script{steps: steps}
	return e
}

// Execute implements provider.Executor.
func (e *Executor) Execute(ctx context.Context, p *provider.Payload, timeout time.Duration) (*provider.Response, error) {
	e.mu.Lock()
	e.calls = append(e.calls, ExecCall{Payload: p, Timeout: timeout})
	sc, best := e.def, -1
	for prefix, candidate := range e.routes {
		if strings.HasPrefix(p.URL, prefix) && len(prefix) > best {
			sc, best = candidate, len(prefix)
		}
	}
	step := sc.next()
	e.mu.Unlock()

	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return step.Response, step.Err
}

// CallsTo returns the number of Execute calls whose URL starts with prefix.
func (e *Executor) CallsTo(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if strings.HasPrefix(c.Payload.URL, prefix) {
			n++
		}
	}
	return n
}

// Calls returns a snapshot of the recorded Execute calls.
func (e *Executor) Calls() []ExecCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ExecCall, len(e.calls))
	copy(out, e.calls)
	return out
}

// CallCount returns the number of Execute calls so far.
func (e *Executor) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

var (
	_ provider.Adapter  = (*Adapter)(nil)
	_ provider.Executor = (*Executor)(nil)
)
