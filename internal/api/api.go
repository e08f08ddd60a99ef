// Package api exposes the router to the browser extension.
//
// Two transports carry the same four operations: plain JSON over HTTP and a
// WebSocket RPC channel for callers that want to cancel a message in flight.
//
//	POST /v1/messages                    process one chat message
//	POST /v1/connections/test            test a key or webhook URL
//	GET  /v1/providers                   list providers and breaker states
//	GET  /v1/providers/{provider}/models list a provider's models
//	PUT  /v1/settings/model              select provider and model
//	GET  /v1/outcomes                    recent message outcomes
//	GET  /v1/ws                          WebSocket RPC
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/auditlog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/conntest"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/observe"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/resilience"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/router"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
)

// maxBodyBytes caps request bodies. Screenshots arrive base64-encoded.
const maxBodyBytes = 16 << 20

// defaultOutcomeLimit is used when /v1/outcomes gets no limit parameter.
const defaultOutcomeLimit = 50

// replySlack is added to a message budget for encoding and writing the
// answer.
const replySlack = 5 * time.Second

// errInvalidProvider marks caller input naming no known provider.
var errInvalidProvider = errors.New("api: invalid provider")

// Service is the subset of the router the handlers call.
type Service = router.Service

// BreakerReporter is implemented by routers that expose circuit breaker
// state.
type BreakerReporter interface {
	BreakerStates() map[string]resilience.State
}

// Budgeter is implemented by routers that can bound how long one message
// takes to route.
type Budgeter interface {
	MessageBudget() time.Duration
}

// Server holds the handlers. Create it with New and mount Handler.
type Server struct {
	svc     Service
	audit   auditlog.Log
	metrics *observe.Metrics
	origins atomic.Pointer[[]string]

	outcomeLimit int
}

// Option configures a [Server].
type Option func(*Server)

// WithAuditLog serves recent outcomes from l at /v1/outcomes.
func WithAuditLog(l auditlog.Log) Option {
	return func(s *Server) { s.audit = l }
}

// WithMetrics counts WebSocket connections on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAllowedOrigins sets the initial origin patterns.
func WithAllowedOrigins(patterns []string) Option {
	return func(s *Server) { s.SetAllowedOrigins(patterns) }
}

// WithOutcomeLimit sets how many outcomes /v1/outcomes returns by default.
func WithOutcomeLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.outcomeLimit = n
		}
	}
}

// New creates a Server over svc.
func New(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc, audit: auditlog.Nop{}, outcomeLimit: defaultOutcomeLimit}
	empty := []string{}
	s.origins.Store(&empty)
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetAllowedOrigins replaces the origin patterns accepted for CORS and
// WebSocket upgrades. Safe to call while serving.
func (s *Server) SetAllowedOrigins(patterns []string) {
	cp := append([]string(nil), patterns...)
	s.origins.Store(&cp)
}

// Handler returns the API routes wrapped in the CORS handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return s.CORS(mux)
}

// Register mounts the API routes on mux without CORS handling.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/connections/test", s.handleTestConnection)
	mux.HandleFunc("GET /v1/providers", s.handleProviders)
	mux.HandleFunc("GET /v1/providers/{provider}/models", s.handleModels)
	mux.HandleFunc("PUT /v1/settings/model", s.handleSetModel)
	mux.HandleFunc("GET /v1/outcomes", s.handleOutcomes)
	mux.HandleFunc("GET /v1/ws", s.handleWS)
}

// ── wire types ──────────────────────────────────────────────────────────────

// messageRequest is the body of POST /v1/messages and the params of the
// processMessage RPC.
type messageRequest struct {
	Text    string            `json:"text"`
	Context *chat.PageContext `json:"context"`
	Image   string            `json:"image"`

	// ImageData is accepted as an alias of Image.
	ImageData string `json:"imageData"`
}

func (m messageRequest) chatRequest() chat.ChatRequest {
	img := m.Image
	if img == "" {
		img = m.ImageData
	}
	return chat.ChatRequest{Text: m.Text, Context: m.Context, ImageData: img}
}

// errorBody is what callers see for every failure.
type errorBody struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

type testRequest struct {
	Provider string              `json:"provider"`
	Config   conntest.Credentials `json:"config"`
}

type testResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

type modelEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Vision      bool   `json:"vision"`
}

type setModelRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type providerEntry struct {
	ID      chat.ProviderID `json:"id"`
	Name    string          `json:"name"`
	Models  int             `json:"models"`
	Breaker string          `json:"breaker,omitempty"`
}

// ── operations shared by HTTP and WebSocket ─────────────────────────────────

// errorFor converts a router error into the body the UI shows. Only
// user-facing kinds and caller mistakes pass their text through; anything
// else is logged and answered with a generic message.
func errorFor(ctx context.Context, err error) errorBody {
	var ce *chat.Error
	if errors.As(err, &ce) {
		if ce.Kind.UserFacing() || ce.Kind == chat.KindUnknownModel {
			return errorBody{Error: ce.Message, Kind: ce.Kind.String(), Suggestion: ce.Suggestion}
		}
		return errorBody{Error: "request failed", Kind: ce.Kind.String()}
	}
	switch {
	case errors.Is(err, router.ErrEmptyMessage):
		return errorBody{Error: "message is empty"}
	case chat.IsCanceled(err):
		return errorBody{Error: "request canceled", Kind: "canceled"}
	case errors.Is(err, errInvalidProvider), errors.Is(err, errBadParams),
		errors.Is(err, errUnknownMethod), errors.Is(err, errDuplicateID):
		return errorBody{Error: err.Error()}
	}
	observe.Logger(ctx).Error("api: unclassified failure", "err", err)
	return errorBody{Error: "request failed"}
}

func (s *Server) testConnection(ctx context.Context, req testRequest) (testResponse, error) {
	p, err := parseProvider(req.Provider)
	if err != nil {
		return testResponse{}, err
	}
	res := s.svc.TestConnection(ctx, p, req.Config)
	out := testResponse{Success: res.Reachable, Message: res.Reason}
	if !res.Reachable {
		out.Kind = res.Kind.String()
	}
	return out, nil
}

func (s *Server) listModels(provider string) ([]modelEntry, error) {
	p, err := parseProvider(provider)
	if err != nil {
		return nil, err
	}
	models, err := s.svc.ListModels(p)
	if err != nil {
		return nil, err
	}
	out := make([]modelEntry, 0, len(models))
	for _, m := range models {
		out = append(out, modelEntry{ID: m.ID, Name: m.DisplayName, Description: m.Description, Vision: m.SupportsVision})
	}
	return out, nil
}

func (s *Server) setModel(ctx context.Context, req setModelRequest) error {
	p, err := parseProvider(req.Provider)
	if err != nil {
		return err
	}
	return s.svc.SetModel(ctx, p, req.Model)
}

// ── HTTP handlers ───────────────────────────────────────────────────────────

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	s.extendWriteDeadline(w, r)
	resp, err := s.svc.ProcessMessage(r.Context(), req.chatRequest())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, router.ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, errorFor(r.Context(), err))
	case chat.IsCanceled(err):
		// The client is gone; nobody reads this.
		writeJSON(w, 499, errorFor(r.Context(), err))
	default:
		// Chat failures are answers, not transport errors: the UI renders
		// them in the conversation.
		writeJSON(w, http.StatusOK, errorFor(r.Context(), err))
	}
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.testConnection(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	var states map[string]resilience.State
	if br, ok := s.svc.(BreakerReporter); ok {
		states = br.BreakerStates()
	}
	out := make([]providerEntry, 0, len(chat.AIProviders)+1)
	for _, p := range append(append([]chat.ProviderID(nil), chat.AIProviders...), chat.ProviderWebhook) {
		models, _ := s.svc.ListModels(p)
		e := providerEntry{ID: p, Name: p.DisplayName(), Models: len(models)}
		if st, ok := states[string(p)]; ok {
			e.Breaker = st.String()
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.listModels(r.PathValue("provider"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req setModelRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.setModel(r.Context(), req); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errInvalidProvider) || chat.KindOf(err) == chat.KindUnknownModel {
			status = http.StatusBadRequest
		}
		observe.Logger(r.Context()).Warn("api: set model", "err", err)
		writeJSON(w, status, errorFor(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := s.outcomeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("api: recent outcomes", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "outcomes unavailable"})
		return
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ── helpers ─────────────────────────────────────────────────────────────────

// extendWriteDeadline pushes the connection's write deadline past the
// longest the router may take, so a slow fallback chain still gets its
// answer to the client. It never shortens the server's own WriteTimeout.
func (s *Server) extendWriteDeadline(w http.ResponseWriter, r *http.Request) {
	b, ok := s.svc.(Budgeter)
	if !ok {
		return
	}
	srv, _ := r.Context().Value(http.ServerContextKey).(*http.Server)
	if srv == nil || srv.WriteTimeout <= 0 {
		return
	}
	need := b.MessageBudget() + replySlack
	if need <= srv.WriteTimeout {
		return
	}
	if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(need)); err != nil {
		observe.Logger(r.Context()).Debug("api: extend write deadline", "err", err)
	}
}

func parseProvider(name string) (chat.ProviderID, error) {
	p, err := chat.ParseProviderID(name)
	if err != nil {
		return "", fmt.Errorf("%w %q", errInvalidProvider, name)
	}
	return p, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		msg := "invalid request body"
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: fmt.Sprintf("request body exceeds %d bytes", mbe.Limit)})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}

// originAllowed reports whether origin matches one of patterns. Patterns
// containing "://" are matched against the whole origin, others against its
// host, the same rule the WebSocket upgrade applies.
func originAllowed(origin string, patterns []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, p := range patterns {
		target := u.Host
		if strings.Contains(p, "://") {
			target = u.Scheme + "://" + u.Host
		}
		if ok, _ := path.Match(strings.ToLower(p), strings.ToLower(target)); ok {
			return true
		}
	}
	return false
}

// CORS answers preflight requests and sets CORS headers for allowed
// origins. Requests without an Origin header pass through untouched.
func (s *Server) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !originAllowed(origin, *s.origins.Load()) {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, traceparent")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
