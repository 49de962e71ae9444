package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// DummyProvider answers without a network call. It is the default for local
// development and tests.
type DummyProvider struct {
	delay time.Duration
}

// NewDummyProvider creates a new dummy LLM provider
func NewDummyProvider(delay time.Duration) *DummyProvider {
	return &DummyProvider{delay: delay}
}

// Chat returns a canned JSON reply keyed off the last user message.
func (d *DummyProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if d.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.delay):
		}
	}

	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	lower := strings.ToLower(last)

	var reply any
	switch {
	case strings.Contains(lower, "poem"):
		reply = map[string]any{"poem": map[string]any{
			"title":  "Build Green",
			"author": "dummy",
			"lines":  []string{"The tests all pass,", "the linter sleeps,", "ship it."},
		}}
	case strings.Contains(lower, "server") || strings.Contains(lower, "express"):
		reply = map[string]any{
			"text": "Here is a minimal HTTP server.",
			"fileTree": map[string]any{
				"package.json": map[string]any{"file": map[string]string{
					"contents": `{"name":"demo","version":"1.0.0","scripts":{"start":"node index.js"}}`,
				}},
				"index.js": map[string]any{"file": map[string]string{
					"contents": "const http = require('http');\n" +
						"const port = process.env.PORT || 3000;\n" +
						"http.createServer((req, res) => res.end('ok')).listen(port, () => console.log('Server listening on port ' + port));\n",
				}},
			},
		}
	default:
		reply = map[string]any{"text": "You said: " + strings.TrimSpace(last)}
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Name returns the provider name
func (d *DummyProvider) Name() string {
	return "dummy"
}
