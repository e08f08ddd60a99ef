package conntest_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/conntest"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/transport"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider/anthropic"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider/mock"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider/openai"
)

func TestTest_MissingKeyMakesNoCall(t *testing.T) {
	t.Parallel()
	a := &mock.Adapter{Provider: chat.ProviderOpenAI}
	exec := mock.NewExecutor()
	tester := conntest.New([]provider.Adapter{a}, exec)

	res := tester.Test(context.Background(), chat.ProviderOpenAI, conntest.Credentials{APIKey: "   "})
	if res.Reachable {
		t.Fatal("Reachable = true, want false")
	}
	if res.Kind != chat.KindNeedsConfiguration {
		t.Errorf("Kind = %v, want needs_configuration", res.Kind)
	}
	if exec.CallCount() != 0 || len(a.ProbeCalls) != 0 {
		t.Errorf("calls = %d, probes = %d, want none", exec.CallCount(), len(a.ProbeCalls))
	}
}

func TestTest_UnknownAdapter(t *testing.T) {
	t.Parallel()
	exec := mock.NewExecutor()
	res := conntest.New(nil, exec).Test(context.Background(), chat.ProviderGoogle, conntest.Credentials{APIKey: "k"})
	if res.Reachable || res.Kind != chat.KindNeedsConfiguration {
		t.Fatalf("res = %+v, want needs_configuration", res)
	}
	if exec.CallCount() != 0 {
		t.Errorf("CallCount = %d, want 0", exec.CallCount())
	}
}

func TestTest_Classification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		step      mock.Step
		reachable bool
		kind      chat.ErrorKind
		reason    string
	}{
		{"ok", mock.Reply(200, `{"data":[]}`), true, chat.KindUnknown, "Connected to OpenAI."},
		{"invalid key", mock.Reply(401, `{"error":{"message":"Incorrect API key"}}`), false, chat.KindInvalidCredential, "rejected the API key"},
		{"quota", mock.Reply(429, `{"error":{"code":"insufficient_quota"}}`), false, chat.KindQuotaExceeded, "no remaining quota"},
		{"rate limited", mock.Reply(429, `{}`), false, chat.KindRateLimited, "rate limiting"},
		{"down", mock.Reply(503, ``), false, chat.KindServiceUnavailable, "HTTP 503"},
		{"timeout", mock.Fail(chat.ErrTimeout), false, chat.KindTimeout, "did not answer within 10s"},
		{"unexpected", mock.Reply(418, ``), false, chat.KindUnknown, "unexpected response (HTTP 418)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := &mock.Adapter{Provider: chat.ProviderOpenAI}
			exec := mock.NewExecutor(tt.step)
			res := conntest.New([]provider.Adapter{a}, exec).Test(context.Background(), chat.ProviderOpenAI, conntest.Credentials{APIKey: "sk-test"})

			if res.Reachable != tt.reachable {
				t.Errorf("Reachable = %v, want %v", res.Reachable, tt.reachable)
			}
			if res.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", res.Kind, tt.kind)
			}
			if !strings.Contains(res.Reason, tt.reason) {
				t.Errorf("Reason = %q, want it to contain %q", res.Reason, tt.reason)
			}
			if exec.CallCount() != 1 {
				t.Errorf("CallCount = %d, want exactly 1 (no retry, no fallback)", exec.CallCount())
			}
			if res.Provider != chat.ProviderOpenAI {
				t.Errorf("Provider = %q", res.Provider)
			}
		})
	}
}

func TestTest_UsesProbeTimeout(t *testing.T) {
	t.Parallel()
	a := &mock.Adapter{Provider: chat.ProviderAnthropic}
	exec := mock.NewExecutor(mock.Reply(200, `{}`))
	conntest.New([]provider.Adapter{a}, exec, conntest.WithTimeout(3*time.Second)).
		Test(context.Background(), chat.ProviderAnthropic, conntest.Credentials{APIKey: "k"})

	calls := exec.Calls()
	if len(calls) != 1 || calls[0].Timeout != 3*time.Second {
		t.Fatalf("calls = %+v, want one call with 3s timeout", calls)
	}
	if got := a.ProbeCalls; len(got) != 1 || got[0] != "k" {
		t.Errorf("ProbeCalls = %v, want [k]", got)
	}
}

func TestTest_CanceledByCaller(t *testing.T) {
	t.Parallel()
	a := &mock.Adapter{Provider: chat.ProviderOpenAI}
	exec := mock.NewExecutor(mock.Step{Delay: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := conntest.New([]provider.Adapter{a}, exec).Test(ctx, chat.ProviderOpenAI, conntest.Credentials{APIKey: "k"})
	if res.Reachable {
		t.Fatal("Reachable = true after cancel")
	}
	if !strings.Contains(res.Reason, "canceled") {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestTest_Webhook(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		reachable bool
		reason    string
	}{
		{"ok", http.StatusOK, true, "The webhook is reachable."},
		{"not listening", http.StatusNotFound, true, "not listening yet"},
		{"unauthorized", http.StatusUnauthorized, false, "rejected the API key"},
		{"server error", http.StatusBadGateway, false, "HTTP 502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var gotKey string
			var gotTest bool
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotKey = r.Header.Get("X-API-Key")
				buf := make([]byte, 512)
				n, _ := r.Body.Read(buf)
				gotTest = strings.Contains(string(buf[:n]), `"test":true`)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			res := conntest.New(nil, transport.New()).Test(context.Background(), chat.ProviderWebhook,
				conntest.Credentials{URL: srv.URL + "/webhook/chat", APIKey: "hook-secret"})
			if res.Reachable != tt.reachable {
				t.Errorf("Reachable = %v, want %v (%s)", res.Reachable, tt.reachable, res.Reason)
			}
			if !strings.Contains(res.Reason, tt.reason) {
				t.Errorf("Reason = %q, want it to contain %q", res.Reason, tt.reason)
			}
			if res.Status != tt.status {
				t.Errorf("Status = %d, want %d", res.Status, tt.status)
			}
			if gotKey != "hook-secret" {
				t.Errorf("X-API-Key = %q", gotKey)
			}
			if !gotTest {
				t.Error("payload should be marked as a test")
			}
		})
	}
}

func TestTest_WebhookNeedsURL(t *testing.T) {
	t.Parallel()
	exec := mock.NewExecutor()
	tester := conntest.New(nil, exec)

	for _, url := range []string{"", "not a url", "ftp://host/x"} {
		res := tester.Test(context.Background(), chat.ProviderWebhook, conntest.Credentials{URL: url})
		if res.Reachable || res.Kind != chat.KindNeedsConfiguration {
			t.Errorf("URL %q: res = %+v, want needs_configuration", url, res)
		}
	}
	if exec.CallCount() != 0 {
		t.Errorf("CallCount = %d, want 0", exec.CallCount())
	}
}

func TestTest_WebhookUnreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := conntest.New(nil, transport.New()).Test(context.Background(), chat.ProviderWebhook, conntest.Credentials{URL: url})
	if res.Reachable {
		t.Fatal("Reachable = true for a closed server")
	}
	if res.Kind != chat.KindServiceUnavailable {
		t.Errorf("Kind = %v, want service_unavailable", res.Kind)
	}
}

func TestTest_RealAdaptersOverHTTP(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/models" {
			t.Errorf("probe = %s %s, want GET /v1/models", r.Method, r.URL.Path)
		}
		switch {
		case r.Header.Get("Authorization") == "Bearer sk-good":
			w.Write([]byte(`{"data":[]}`))
		case r.Header.Get("x-api-key") == "bad":
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	tester := conntest.New([]provider.Adapter{
		openai.New(openai.WithBaseURL(srv.URL)),
		anthropic.New(anthropic.WithBaseURL(srv.URL)),
	}, transport.New())

	if res := tester.Test(context.Background(), chat.ProviderOpenAI, conntest.Credentials{APIKey: "sk-good"}); !res.Reachable {
		t.Errorf("openai: %+v, want reachable", res)
	}
	res := tester.Test(context.Background(), chat.ProviderAnthropic, conntest.Credentials{APIKey: "bad"})
	if res.Reachable || res.Kind != chat.KindInvalidCredential {
		t.Errorf("anthropic: %+v, want invalid_credential", res)
	}
}
