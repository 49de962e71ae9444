package llm

import "context"

// SystemPrompt steers models toward replies the room can render and mount.
const SystemPrompt = `You are the assistant inside a shared coding workspace. Several developers chat in one room and address you with "@ai".
Reply with a single JSON object and nothing else:
  {"text": "<your answer in markdown>"}
When the request asks for code, include the complete project as a file tree:
  {"text": "<short explanation>", "fileTree": {"<file name>": {"file": {"contents": "<file contents>"}}, "<dir>": {"directory": {...}}}}
Node.js projects must include package.json with a "start" script, and servers must log "Server listening on port <port>" once they accept connections.
Never use absolute paths or "..".`

// Assistant turns a single prompt into a provider conversation. Each call
// is independent; rooms share one Assistant.
type Assistant struct {
	provider Provider
	system   string
}

func NewAssistant(p Provider) *Assistant {
	return &Assistant{provider: p, system: SystemPrompt}
}

// Generate asks the provider to answer prompt.
func (a *Assistant) Generate(ctx context.Context, prompt string) (string, error) {
	return a.provider.Chat(ctx, []Message{
		{Role: "system", Content: a.system},
		{Role: "user", Content: prompt},
	})
}

func (a *Assistant) Name() string {
	return a.provider.Name()
}
