package wire

import (
	"errors"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-relay/internal/pricing"
	"github.com/nulpointcorp/llm-relay/internal/providers"
)

func TestParse_Messages(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"stream": true,
		"max_tokens": 1024,
		"metadata": {"user_id": "user_abc_account_def_session_0f1e2d"},
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi"},
			{"role": "user", "content": [{"type": "text", "text": "again"}, {"type": "image"}]}
		]
	}`)
	r, err := Parse(providers.FormatMessages, body, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if r.Model != "claude-sonnet-4" || !r.Stream || r.MaxTokens != 1024 {
		t.Errorf("got %+v", r)
	}
	if r.FirstUserText != "hello" || r.UserText != "hello\nagain" {
		t.Errorf("user text = %q / %q", r.FirstUserText, r.UserText)
	}
	if r.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", r.MessageCount)
	}
	if got := SessionFromMetadata(r.MetadataUserID); got != "0f1e2d" {
		t.Errorf("SessionFromMetadata = %q", got)
	}
}

func TestParse_Chat(t *testing.T) {
	r, err := Parse(providers.FormatChat, []byte(`{"model":"gpt-4o","max_tokens":5,"messages":[{"role":"system","content":"x"},{"role":"user","content":"q"}]}`), "", false)
	if err != nil {
		t.Fatal(err)
	}
	if r.Stream || r.MaxTokens != 5 || r.UserText != "q" {
		t.Errorf("got %+v", r)
	}
}

func TestParse_ResponsesStringInput(t *testing.T) {
	r, err := Parse(providers.FormatResponses, []byte(`{"model":"gpt-5-codex","input":"write a test","max_output_tokens":9}`), "", false)
	if err != nil {
		t.Fatal(err)
	}
	if r.UserText != "write a test" || r.MessageCount != 1 || r.MaxTokens != 9 {
		t.Errorf("got %+v", r)
	}
}

func TestParse_GeminiModelFromPath(t *testing.T) {
	r, err := Parse(providers.FormatGemini, []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`), "gemini-2.5-pro", true)
	if err != nil {
		t.Fatal(err)
	}
	if r.Model != "gemini-2.5-pro" || !r.Stream || r.UserText != "hi" {
		t.Errorf("got %+v", r)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{"empty", ``, ErrInvalidJSON},
		{"not json", `model=x`, ErrInvalidJSON},
		{"array", `[1,2]`, ErrInvalidJSON},
		{"no model", `{"messages":[]}`, ErrMissingModel},
		{"blank model", `{"model":"  "}`, ErrMissingModel},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse(providers.FormatMessages, []byte(c.body), "", false)
			if !errors.Is(err, c.want) {
				t.Errorf("err = %v, want %v", err, c.want)
			}
		})
	}
}

func TestRewriteModel(t *testing.T) {
	out, err := RewriteModel(providers.FormatChat, []byte(`{"model":"a","x":1}`), "b")
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(out, "model").String() != "b" || gjson.GetBytes(out, "x").Int() != 1 {
		t.Errorf("got %s", out)
	}

	in := []byte(`{"contents":[]}`)
	out, _ = RewriteModel(providers.FormatGemini, in, "b")
	if string(out) != string(in) {
		t.Error("gemini body must be unchanged")
	}
}

func TestIsPassThrough(t *testing.T) {
	for path, want := range map[string]bool{
		"/v1/messages/count_tokens":                     true,
		"/v1/responses/input_tokens":                    true,
		"/v1beta/models/gemini-2.5-pro:countTokens":     true,
		"/v1/messages":                                  false,
		"/v1/responses":                                 false,
		"/v1beta/models/gemini-2.5-pro:generateContent": false,
	} {
		if got := IsPassThrough(path); got != want {
			t.Errorf("IsPassThrough(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestParseGeminiTarget(t *testing.T) {
	m, a, ok := ParseGeminiTarget("gemini-2.5-flash:streamGenerateContent")
	if !ok || m != "gemini-2.5-flash" || a != "streamGenerateContent" {
		t.Errorf("got %q %q %v", m, a, ok)
	}
	for _, bad := range []string{"gemini", ":x", "gemini:"} {
		if _, _, ok := ParseGeminiTarget(bad); ok {
			t.Errorf("%q should not parse", bad)
		}
	}
}

func TestIsWarmup(t *testing.T) {
	r, _ := Parse(providers.FormatMessages, []byte(`{"model":"claude-haiku","messages":[{"role":"user","content":[{"type":"text","text":"Warmup"}]}]}`), "", false)
	if !IsWarmup(providers.FormatMessages, r) {
		t.Error("expected warm-up")
	}
	if IsWarmup(providers.FormatChat, r) {
		t.Error("only the messages format has warm-ups")
	}
	r.MessageCount = 2
	if IsWarmup(providers.FormatMessages, r) {
		t.Error("multi-message conversation is not a warm-up")
	}

	out := WarmupResponse("msg_1", "claude-haiku")
	if gjson.GetBytes(out, "id").String() != "msg_1" || gjson.GetBytes(out, "model").String() != "claude-haiku" {
		t.Errorf("warm-up body = %s", out)
	}
}

func TestExtractUsage(t *testing.T) {
	cases := []struct {
		f    providers.Format
		body string
		want pricing.Usage
	}{
		{
			providers.FormatMessages,
			`{"usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":3,"cache_creation":{"ephemeral_5m_input_tokens":2,"ephemeral_1h_input_tokens":1}}}`,
			pricing.Usage{InputTokens: 10, OutputTokens: 5, CacheReadTokens: 3, CacheWrite5mTokens: 2, CacheWrite1hTokens: 1},
		},
		{
			providers.FormatMessages,
			`{"usage":{"input_tokens":10,"output_tokens":5,"cache_creation_input_tokens":7}}`,
			pricing.Usage{InputTokens: 10, OutputTokens: 5, CacheWrite5mTokens: 7},
		},
		{
			providers.FormatChat,
			`{"usage":{"prompt_tokens":100,"completion_tokens":20,"prompt_tokens_details":{"cached_tokens":40}}}`,
			pricing.Usage{InputTokens: 60, OutputTokens: 20, CacheReadTokens: 40},
		},
		{
			providers.FormatResponses,
			`{"usage":{"input_tokens":50,"output_tokens":8}}`,
			pricing.Usage{InputTokens: 50, OutputTokens: 8},
		},
		{
			providers.FormatGemini,
			`{"usageMetadata":{"promptTokenCount":30,"candidatesTokenCount":4,"thoughtsTokenCount":2}}`,
			pricing.Usage{InputTokens: 30, OutputTokens: 6},
		},
		{providers.FormatChat, `not json`, pricing.Usage{}},
	}
	for _, c := range cases {
		if got := ExtractUsage(c.f, []byte(c.body)); got != c.want {
			t.Errorf("%s %s: got %+v, want %+v", c.f, c.body, got, c.want)
		}
	}
}

func TestUsageScanner_Messages(t *testing.T) {
	stream := "event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":25,"output_tokens":1}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"text":"hi"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":15}}` + "\n\n"

	s := NewUsageScanner(providers.FormatMessages)
	// Feed in awkward chunks to exercise partial-line buffering.
	for i := 0; i < len(stream); i += 7 {
		end := min(i+7, len(stream))
		s.Write([]byte(stream[i:end]))
	}

	want := pricing.Usage{InputTokens: 25, OutputTokens: 15}
	if got := s.Usage(); got != want {
		t.Errorf("usage = %+v, want %+v", got, want)
	}
	if s.Events() != 3 {
		t.Errorf("events = %d, want 3", s.Events())
	}
}

func TestUsageScanner_Chat(t *testing.T) {
	s := NewUsageScanner(providers.FormatChat)
	s.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}],\"usage\":null}\n\n"))
	s.Write([]byte("data: {\"choices\":[],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":3}}\r\n\r\n"))
	s.Write([]byte("data: [DONE]\n\n"))

	if got := s.Usage(); got != (pricing.Usage{InputTokens: 9, OutputTokens: 3}) {
		t.Errorf("usage = %+v", got)
	}
}

func TestUsageScanner_Responses(t *testing.T) {
	s := NewUsageScanner(providers.FormatResponses)
	s.Write([]byte("event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{\"usage\":{\"input_tokens\":4,\"output_tokens\":2}}}\n\n"))
	if got := s.Usage(); got != (pricing.Usage{InputTokens: 4, OutputTokens: 2}) {
		t.Errorf("usage = %+v", got)
	}
}
