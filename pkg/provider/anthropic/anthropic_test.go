package anthropic

import (
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/catalog"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/provider"
)

func model(t *testing.T, id string) catalog.ModelDescriptor {
	t.Helper()
	d, err := catalog.Default().Descriptor(chat.ProviderAnthropic, id)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestBuildRequest(t *testing.T) {
	a := New(WithBaseURL("http://claude.test/"))
	in := provider.Prompt{
		Text:        "Explain",
		ImageData:   "data:image/png;base64,SU1H",
		Context:     &chat.PageContext{URL: "https://example.com"},
		Temperature: 0.5,
	}
	p, err := a.BuildRequest(model(t, "claude-3-5-sonnet-20241022"), "ak", in)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if p.URL != "http://claude.test/v1/messages" {
		t.Errorf("URL = %q", p.URL)
	}
	if got := p.Header.Get("x-api-key"); got != "ak" {
		t.Errorf("x-api-key = %q", got)
	}
	if got := p.Header.Get("anthropic-version"); got != APIVersion {
		t.Errorf("anthropic-version = %q", got)
	}

	body := gjson.ParseBytes(p.Body)
	if got := body.Get("model").String(); got != "claude-3-5-sonnet-20241022" {
		t.Errorf("model = %q", got)
	}
	if got := body.Get("max_tokens").Int(); got != provider.DefaultMaxTokens {
		t.Errorf("max_tokens = %d", got)
	}
	if sys := body.Get("system.0.text").String(); !strings.Contains(sys, "https://example.com") {
		t.Errorf("system = %q, want page URL", sys)
	}
	if got := body.Get("messages.0.role").String(); got != "user" {
		t.Errorf("role = %q", got)
	}
	blocks := body.Get("messages.0.content").Array()
	if len(blocks) != 2 {
		t.Fatalf("len(content) = %d, want 2", len(blocks))
	}
	if got := blocks[0].Get("source.media_type").String(); got != "image/png" {
		t.Errorf("media_type = %q", got)
	}
	if got := blocks[0].Get("source.data").String(); got != "SU1H" {
		t.Errorf("data = %q", got)
	}
	if got := blocks[1].Get("text").String(); got != "Explain" {
		t.Errorf("text = %q", got)
	}
	if got := body.Get("temperature").Float(); got != 0.5 {
		t.Errorf("temperature = %v", got)
	}
}

func TestBuildRequest_NoVision(t *testing.T) {
	in := provider.Prompt{Text: "x", ImageData: "AAAA"}
	_, err := New().BuildRequest(model(t, "claude-3-5-haiku-20241022"), "ak", in)
	if !errors.Is(err, chat.ErrUnsupportedCapability) {
		t.Fatalf("err = %v, want unsupported capability", err)
	}
}

func TestParseResponse(t *testing.T) {
	a := New()
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"text", `{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"Sure."}],"stop_reason":"end_turn"}`, "Sure.", false},
		{"joined", `{"type":"message","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`, "ab", false},
		{"empty", `{"type":"message","content":[]}`, "", true},
		{"refusal", `{"type":"message","content":[],"stop_reason":"refusal"}`, "", true},
		{"invalid", `{`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.ParseResponse([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, chat.ErrMalformedResponse) {
					t.Fatalf("err = %v, want malformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResponse: %v", err)
			}
			if got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	a := New()
	tests := []struct {
		status int
		body   string
		want   chat.ErrorKind
	}{
		{401, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, chat.KindInvalidCredential},
		{429, `{"type":"error","error":{"type":"rate_limit_error","message":"Number of request tokens has exceeded your rate limit"}}`, chat.KindRateLimited},
		{400, `{"type":"error","error":{"type":"invalid_request_error","message":"Your credit balance is too low to access the Anthropic API."}}`, chat.KindQuotaExceeded},
		{529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, chat.KindServiceUnavailable},
		{500, `{}`, chat.KindServiceUnavailable},
	}
	for _, tt := range tests {
		if got := a.ClassifyError(tt.status, []byte(tt.body)); got != tt.want {
			t.Errorf("ClassifyError(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
