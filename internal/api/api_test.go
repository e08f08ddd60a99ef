package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/api"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/auditlog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/conntest"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/resilience"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/router"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/catalog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
)

// fakeService is a scriptable router.Service.
type fakeService struct {
	process func(ctx context.Context, req chat.ChatRequest) (*chat.ChatResponse, error)
	test    func(ctx context.Context, p chat.ProviderID, c conntest.Credentials) conntest.Result
	set     func(ctx context.Context, p chat.ProviderID, id string) error
	states  map[string]resilience.State

	lastRequest chat.ChatRequest
}

func (f *fakeService) ProcessMessage(ctx context.Context, req chat.ChatRequest) (*chat.ChatResponse, error) {
	f.lastRequest = req
	if f.process == nil {
		return &chat.ChatResponse{Text: "ok", SourceProvider: chat.ProviderOpenAI, Attempts: 1}, nil
	}
	return f.process(ctx, req)
}

func (f *fakeService) TestConnection(ctx context.Context, p chat.ProviderID, c conntest.Credentials) conntest.Result {
	if f.test == nil {
		return conntest.Result{Provider: p, Reachable: true, Reason: "Connected."}
	}
	return f.test(ctx, p, c)
}

func (f *fakeService) ListModels(p chat.ProviderID) ([]catalog.ModelDescriptor, error) {
	return catalog.Default().Models(p), nil
}

func (f *fakeService) SetModel(ctx context.Context, p chat.ProviderID, id string) error {
	if f.set == nil {
		return nil
	}
	return f.set(ctx, p, id)
}

func (f *fakeService) BreakerStates() map[string]resilience.State { return f.states }

var _ router.Service = (*fakeService)(nil)

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestMessages_Success(t *testing.T) {
	t.Parallel()
	svc := &fakeService{process: func(_ context.Context, req chat.ChatRequest) (*chat.ChatResponse, error) {
		return &chat.ChatResponse{Text: "hello back", SourceProvider: chat.ProviderWebhook, Attempts: 2, ElapsedMs: 12, RequestID: "r-1"}, nil
	}}
	h := api.New(svc).Handler()

	rec := do(t, h, http.MethodPost, "/v1/messages",
		`{"text":"hello","context":{"url":"https://example.com","title":"Example"},"image":"AAAA"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got map[string]any
	decodeBody(t, rec, &got)
	if got["reply"] != "hello back" || got["source"] != "webhook" || got["attempts"] != float64(2) || got["request_id"] != "r-1" {
		t.Errorf("body = %v", got)
	}
	if svc.lastRequest.Context == nil || svc.lastRequest.Context.Title != "Example" || svc.lastRequest.ImageData != "AAAA" {
		t.Errorf("request = %+v", svc.lastRequest)
	}
}

func TestMessages_ImageDataAlias(t *testing.T) {
	t.Parallel()
	svc := &fakeService{}
	do(t, api.New(svc).Handler(), http.MethodPost, "/v1/messages", `{"text":"x","imageData":"BBBB","context":null}`)
	if svc.lastRequest.ImageData != "BBBB" {
		t.Errorf("ImageData = %q, want BBBB", svc.lastRequest.ImageData)
	}
	if svc.lastRequest.Context != nil {
		t.Errorf("Context = %+v, want nil", svc.lastRequest.Context)
	}
}

func TestMessages_ChatErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
		wantKind   string
	}{
		{
			name:       "needs configuration",
			err:        &chat.Error{Kind: chat.KindNeedsConfiguration, Message: "No AI service is set up yet.", Suggestion: "Open settings."},
			wantStatus: http.StatusOK,
			wantError:  "No AI service is set up yet.",
			wantKind:   "needs_configuration",
		},
		{
			name:       "all failed",
			err:        &chat.Error{Kind: chat.KindAllProvidersFailed, Message: "I couldn't reach any AI service right now."},
			wantStatus: http.StatusOK,
			wantError:  "I couldn't reach any AI service right now.",
			wantKind:   "all_providers_failed",
		},
		{
			name:       "vendor detail is hidden",
			err:        &chat.Error{Kind: chat.KindInvalidCredential, Message: "HTTP 401: Incorrect API key sk-abc"},
			wantStatus: http.StatusOK,
			wantError:  "request failed",
			wantKind:   "invalid_credential",
		},
		{
			name:       "internal error is hidden",
			err:        fmt.Errorf("router: settings: decrypt openai key sk-abc: %w", errors.New("cipher: message authentication failed")),
			wantStatus: http.StatusOK,
			wantError:  "request failed",
		},
		{
			name:       "empty",
			err:        router.ErrEmptyMessage,
			wantStatus: http.StatusBadRequest,
			wantError:  "message is empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := &fakeService{process: func(context.Context, chat.ChatRequest) (*chat.ChatResponse, error) { return nil, tt.err }}
			rec := do(t, api.New(svc).Handler(), http.MethodPost, "/v1/messages", `{"text":"hi"}`)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var got map[string]string
			decodeBody(t, rec, &got)
			if got["error"] != tt.wantError || got["kind"] != tt.wantKind {
				t.Errorf("body = %v", got)
			}
			if strings.Contains(rec.Body.String(), "sk-abc") {
				t.Error("response leaks vendor detail")
			}
		})
	}
}

func TestMessages_BadBody(t *testing.T) {
	t.Parallel()
	h := api.New(&fakeService{}).Handler()
	for _, body := range []string{`{"text":`, ``, `[1,2]`} {
		rec := do(t, h, http.MethodPost, "/v1/messages", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodGet, "/v1/messages", ``); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestConnectionsTest(t *testing.T) {
	t.Parallel()
	var gotProvider chat.ProviderID
	var gotCreds conntest.Credentials
	svc := &fakeService{test: func(_ context.Context, p chat.ProviderID, c conntest.Credentials) conntest.Result {
		gotProvider, gotCreds = p, c
		return conntest.Result{Kind: chat.KindInvalidCredential, Reason: "Anthropic Claude rejected the API key."}
	}}
	h := api.New(svc).Handler()

	rec := do(t, h, http.MethodPost, "/v1/connections/test", `{"provider":"claude","config":{"apiKey":"sk-x"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]any
	decodeBody(t, rec, &got)
	if got["success"] != false || got["message"] != "Anthropic Claude rejected the API key." || got["kind"] != "invalid_credential" {
		t.Errorf("body = %v", got)
	}
	if gotProvider != chat.ProviderAnthropic || gotCreds.APIKey != "sk-x" {
		t.Errorf("called with %q %+v", gotProvider, gotCreds)
	}

	rec = do(t, h, http.MethodPost, "/v1/connections/test", `{"provider":"n8n","config":{"url":"https://hook"}}`)
	decodeBody(t, rec, &got)
	if got["success"] != true || gotCreds.URL != "https://hook" || gotProvider != chat.ProviderWebhook {
		t.Errorf("webhook: body = %v creds = %+v", got, gotCreds)
	}

	if rec := do(t, h, http.MethodPost, "/v1/connections/test", `{"provider":"mistral"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown provider status = %d, want 400", rec.Code)
	}
}

func TestModels(t *testing.T) {
	t.Parallel()
	h := api.New(&fakeService{}).Handler()

	rec := do(t, h, http.MethodGet, "/v1/providers/gemini/models", ``)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var models []map[string]any
	decodeBody(t, rec, &models)
	if len(models) == 0 || models[0]["id"] != "gemini-2.0-flash" || models[0]["name"] != "Gemini 2.0 Flash" {
		t.Errorf("models = %v", models)
	}
	if _, ok := models[0]["description"]; !ok {
		t.Error("description missing")
	}

	if rec := do(t, h, http.MethodGet, "/v1/providers/mistral/models", ``); rec.Code != http.StatusNotFound {
		t.Errorf("unknown provider status = %d, want 404", rec.Code)
	}
}

func TestProviders(t *testing.T) {
	t.Parallel()
	svc := &fakeService{states: map[string]resilience.State{"openai": resilience.StateOpen}}
	rec := do(t, api.New(svc).Handler(), http.MethodGet, "/v1/providers", ``)

	var got []map[string]any
	decodeBody(t, rec, &got)
	if len(got) != 4 {
		t.Fatalf("providers = %v, want 4 entries", got)
	}
	if got[0]["id"] != "openai" || got[0]["breaker"] != "open" {
		t.Errorf("openai = %v", got[0])
	}
	if got[3]["id"] != "webhook" || got[3]["models"] != float64(0) {
		t.Errorf("webhook = %v", got[3])
	}
}

func TestSetModel(t *testing.T) {
	t.Parallel()
	var gotP chat.ProviderID
	var gotID string
	svc := &fakeService{set: func(_ context.Context, p chat.ProviderID, id string) error {
		gotP, gotID = p, id
		if id == "gpt-4o-minii" {
			return &chat.Error{Kind: chat.KindUnknownModel, Provider: p, Message: `unknown model "gpt-4o-minii"`, Suggestion: `did you mean "gpt-4o-mini"?`}
		}
		return nil
	}}
	h := api.New(svc).Handler()

	rec := do(t, h, http.MethodPut, "/v1/settings/model", `{"provider":"openai","model":"gpt-4o"}`)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body)
	}
	if gotP != chat.ProviderOpenAI || gotID != "gpt-4o" {
		t.Errorf("called with %q %q", gotP, gotID)
	}

	rec = do(t, h, http.MethodPut, "/v1/settings/model", `{"provider":"openai","model":"gpt-4o-minii"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown model status = %d, want 400", rec.Code)
	}
	var got map[string]string
	decodeBody(t, rec, &got)
	if !strings.Contains(got["suggestion"], "gpt-4o-mini") {
		t.Errorf("suggestion = %q", got["suggestion"])
	}

	if rec := do(t, h, http.MethodPut, "/v1/settings/model", `{"provider":"bard","model":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown provider status = %d, want 400", rec.Code)
	}
}

func TestOutcomes(t *testing.T) {
	t.Parallel()
	log := auditlog.NewMemoryLog(10)
	for _, id := range []string{"a", "b", "c"} {
		log.Record(context.Background(), auditlog.Entry{RequestID: id, Outcome: auditlog.OutcomeSuccess})
	}
	h := api.New(&fakeService{}, api.WithAuditLog(log), api.WithOutcomeLimit(2)).Handler()

	rec := do(t, h, http.MethodGet, "/v1/outcomes", ``)
	var got []auditlog.Entry
	decodeBody(t, rec, &got)
	if len(got) != 2 || got[0].RequestID != "c" || got[1].RequestID != "b" {
		t.Errorf("outcomes = %+v, want c, b", got)
	}

	rec = do(t, h, http.MethodGet, "/v1/outcomes?limit=3", ``)
	decodeBody(t, rec, &got)
	if len(got) != 3 {
		t.Errorf("limit=3 returned %d", len(got))
	}

	if rec := do(t, h, http.MethodGet, "/v1/outcomes?limit=zero", ``); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}

	rec = do(t, api.New(&fakeService{}).Handler(), http.MethodGet, "/v1/outcomes", ``)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("no audit log body = %s, want []", rec.Body)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()
	srv := api.New(&fakeService{}, api.WithAllowedOrigins([]string{"chrome-extension://*"}))
	h := srv.Handler()

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/v1/messages", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("chrome-extension://abcdefgh")
	if rec.Code != http.StatusNoContent {
		t.Errorf("allowed preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "chrome-extension://abcdefgh" {
		t.Errorf("Allow-Origin = %q", got)
	}

	if rec := preflight("https://evil.example"); rec.Code != http.StatusForbidden {
		t.Errorf("foreign preflight status = %d, want 403", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/providers/openai/models", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("foreign origin got an Allow-Origin header")
	}

	srv.SetAllowedOrigins([]string{"evil.example"})
	if rec := preflight("https://evil.example"); rec.Code != http.StatusNoContent {
		t.Errorf("after SetAllowedOrigins status = %d, want 204", rec.Code)
	}
}
