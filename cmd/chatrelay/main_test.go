package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/config"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/catalog"
)

// fakeOpenAI records the last chat completion request and answers with a
// fixed reply.
type fakeOpenAI struct {
	mu    sync.Mutex
	auth  string
	model string
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/chat/completions":
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.model = body.Model
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}]}`)
	case "/v1/models":
		if r.Header.Get("Authorization") != "Bearer sk-good" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"message":"Incorrect API key provided"}}`)
			return
		}
		io.WriteString(w, `{"object":"list","data":[]}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeOpenAI) last() (auth, model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth, f.model
}

// setup writes a config pointing OpenAI at a local fake and clears
// credential environment variables.
func setup(t *testing.T) (configPath string, fake *fakeOpenAI) {
	t.Helper()
	for _, names := range []string{"OPENAI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "N8N_WEBHOOK_API_KEY", "N8N_WEBHOOK_URL", "CHATRELAY_CONFIG"} {
		t.Setenv(names, "")
	}
	fake = &fakeOpenAI{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := `server:
  listen_addr: "127.0.0.1:0"
  log_level: error
router:
  retry_backoff: 1ms
settings:
  path: ` + filepath.Join(dir, "settings.yaml") + `
  use_keyring: false
providers:
  openai:
    base_url: ` + srv.URL + `
`
	configPath = filepath.Join(dir, "chatrelay.yaml")
	if err := os.WriteFile(configPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return configPath, fake
}

func execute(t *testing.T, configPath string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", configPath, "--env-file", ""}, args...))
	err = cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestModels(t *testing.T) {
	cfg, _ := setup(t)

	out, _, err := execute(t, cfg, "models", "claude")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(out, "claude-3-5-sonnet-20241022 (default)") {
		t.Errorf("default model not marked:\n%s", out)
	}
	if !strings.HasPrefix(out, "ID") {
		t.Errorf("missing header:\n%s", out)
	}

	out, _, err = execute(t, cfg, "models", "gemini", "-o", "json")
	if err != nil {
		t.Fatalf("models -o json: %v", err)
	}
	var models []catalog.ModelDescriptor
	if err := json.Unmarshal([]byte(out), &models); err != nil {
		t.Fatalf("decode json output: %v\n%s", err, out)
	}
	if len(models) == 0 || models[0].ID != "gemini-2.0-flash" {
		t.Errorf("models = %+v", models)
	}

	if _, _, err := execute(t, cfg, "models", "mistral"); err == nil {
		t.Error("models mistral: want error")
	}
}

func TestSetKeySetModelSend(t *testing.T) {
	cfg, fake := setup(t)

	if _, _, err := execute(t, cfg, "set-key", "openai", "sk-test"); err != nil {
		t.Fatalf("set-key: %v", err)
	}
	out, _, err := execute(t, cfg, "set-model", "openai", "gpt-4o")
	if err != nil {
		t.Fatalf("set-model: %v", err)
	}
	if strings.TrimSpace(out) != "Using OpenAI / gpt-4o" {
		t.Errorf("set-model output = %q", out)
	}

	out, stderr, err := execute(t, cfg, "send", "ping", "--title", "Example")
	if err != nil {
		t.Fatalf("send: %v (stderr %s)", err, stderr)
	}
	if out != "pong\n" {
		t.Errorf("send stdout = %q, want %q", out, "pong\n")
	}
	if !strings.Contains(stderr, "1 attempt(s)") {
		t.Errorf("send stderr = %q, want attempt summary", stderr)
	}
	auth, model := fake.last()
	if auth != "Bearer sk-test" || model != "gpt-4o" {
		t.Errorf("upstream saw auth %q model %q", auth, model)
	}
}

func TestSetModel_UnknownModel(t *testing.T) {
	cfg, _ := setup(t)

	_, _, err := execute(t, cfg, "set-model", "openai", "gpt-4o-minii")
	if err == nil {
		t.Fatal("set-model: want error")
	}
	if !strings.Contains(err.Error(), "gpt-4o-mini") {
		t.Errorf("error %q does not suggest gpt-4o-mini", err)
	}
}

func TestSend_NeedsConfiguration(t *testing.T) {
	cfg, _ := setup(t)

	_, stderr, err := execute(t, cfg, "send", "hello")
	if err == nil {
		t.Fatal("send without credentials: want error")
	}
	if !strings.Contains(stderr, "No AI service is set up yet.") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestSetKey_RejectsWebhook(t *testing.T) {
	cfg, _ := setup(t)

	if _, _, err := execute(t, cfg, "set-key", "n8n", "abc"); err == nil || !strings.Contains(err.Error(), "set-webhook") {
		t.Errorf("set-key n8n = %v, want set-webhook hint", err)
	}
}

func TestConnectionTest(t *testing.T) {
	cfg, _ := setup(t)

	if _, _, err := execute(t, cfg, "test", "openai", "--api-key", "sk-good"); err != nil {
		t.Errorf("test with good key: %v", err)
	}

	_, _, err := execute(t, cfg, "test", "openai", "--api-key", "sk-bad")
	if err == nil || !strings.Contains(err.Error(), "invalid_credential") {
		t.Errorf("test with bad key = %v, want invalid_credential", err)
	}

	if _, _, err := execute(t, cfg, "set-key", "openai", "sk-good"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := execute(t, cfg, "test", "openai"); err != nil {
		t.Errorf("test with saved key: %v", err)
	}
}

func TestInit_Errors(t *testing.T) {
	cfg, _ := setup(t)

	if _, _, err := execute(t, filepath.Join(t.TempDir(), "missing.yaml"), "models", "openai"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing config = %v", err)
	}
	if _, _, err := execute(t, cfg, "--log-level", "loud", "models", "openai"); err == nil || !strings.Contains(err.Error(), "--log-level") {
		t.Errorf("bad --log-level = %v", err)
	}
}

func TestReadImage(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "shot.png")
	if err := os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := readImage(png)
	if err != nil {
		t.Fatalf("readImage: %v", err)
	}
	if !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Errorf("readImage = %q", got)
	}

	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("just text"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readImage(txt); err == nil {
		t.Error("readImage(text file): want error")
	}
}

func TestPrintStartupSummary(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.Google.Disabled = true
	cfg.Providers.OpenAI.BaseURL = "https://openai-proxy.internal.example.com"

	var buf bytes.Buffer
	printStartupSummary(&buf, cfg)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	width := utf8.RuneCountInString(lines[0])
	for _, l := range lines {
		if n := utf8.RuneCountInString(l); n != width {
			t.Errorf("line %q has width %d, want %d", l, n, width)
		}
	}
	if !strings.Contains(buf.String(), "(disabled)") {
		t.Error("disabled provider not shown")
	}
}
