package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDummyProviderCodeRequest(t *testing.T) {
	p := NewDummyProvider(0)
	out, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "create an express server"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	var reply struct {
		Text     string                     `json:"text"`
		FileTree map[string]json.RawMessage `json:"fileTree"`
	}
	if err := json.Unmarshal([]byte(out), &reply); err != nil {
		t.Fatalf("reply is not JSON: %v", err)
	}
	if _, ok := reply.FileTree["package.json"]; !ok {
		t.Errorf("fileTree missing package.json: %s", out)
	}
}

func TestDummyProviderHonoursContext(t *testing.T) {
	p := NewDummyProvider(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(ctx, []Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestAnthropicProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("api key header = %q", r.Header.Get("x-api-key"))
		}
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.System != "sys" {
			t.Errorf("system = %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"{\"text\":"},{"type":"text","text":"\"hi\"}"}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", "m", srv.URL+"/")
	out, err := p.Chat(context.Background(), []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hello"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != `{"text":"hi"}` {
		t.Errorf("out = %s", out)
	}
}

func TestAnthropicProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, 529)
	}))
	defer srv.Close()

	_, err := NewAnthropicProvider("k", "m", srv.URL).Chat(context.Background(), []Message{{Role: "user", Content: "x"}})
	if err == nil || !strings.Contains(err.Error(), "529") {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenAIProviderJSONMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		rf, _ := req["response_format"].(map[string]any)
		if rf["type"] != "json_object" {
			t.Errorf("response_format = %v", req["response_format"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"text\":\"ok\"}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("k", "gpt-test", srv.URL+"/v1", true)
	out, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "x"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != `{"text":"ok"}` {
		t.Errorf("out = %s", out)
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		cfg     Config
		name    string
		wantErr bool
	}{
		{Config{}, "dummy", false},
		{Config{Provider: "dummy"}, "dummy", false},
		{Config{Provider: "openai", APIKey: "k"}, "openai", false},
		{Config{Provider: "openai"}, "", true},
		{Config{Provider: "anthropic", APIKey: "k"}, "anthropic", false},
		{Config{Provider: "anthropic"}, "", true},
		{Config{Provider: "gemini"}, "", true},
	}
	for _, tt := range tests {
		p, err := NewProvider(tt.cfg)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewProvider(%+v) expected error", tt.cfg)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewProvider(%+v): %v", tt.cfg, err)
			continue
		}
		if p.Name() != tt.name {
			t.Errorf("NewProvider(%+v).Name() = %q, want %q", tt.cfg, p.Name(), tt.name)
		}
	}
}

type recordingProvider struct {
	got []Message
}

func (r *recordingProvider) Chat(_ context.Context, msgs []Message) (string, error) {
	r.got = msgs
	return "reply", nil
}

func (r *recordingProvider) Name() string { return "rec" }

func TestAssistantSendsSystemPrompt(t *testing.T) {
	rec := &recordingProvider{}
	a := NewAssistant(rec)
	out, err := a.Generate(context.Background(), "make a todo app")
	if err != nil || out != "reply" {
		t.Fatalf("Generate = %q, %v", out, err)
	}
	if len(rec.got) != 2 || rec.got[0].Role != "system" || rec.got[1].Content != "make a todo app" {
		t.Errorf("messages = %+v", rec.got)
	}
	if a.Name() != "rec" {
		t.Errorf("Name = %q", a.Name())
	}
}
