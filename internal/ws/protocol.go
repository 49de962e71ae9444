package ws

import (
	"encoding/json"
	"fmt"

	"github.com/ehrlich-b/chatndev/internal/filetree"
)

// Event types for the room WebSocket protocol.
const (
	// Chat (bidirectional)
	TypeProjectMessage = "project-message"

	// Server → room
	TypeAIProcessing = "ai-processing"

	// File tree snapshot (bidirectional)
	TypeFileTree = "file-tree"

	// Sandbox control (client → server)
	TypeSandboxRun  = "sandbox.run"
	TypeSandboxStop = "sandbox.stop"

	// Sandbox events (server → room)
	TypeSandboxState  = "sandbox.state"
	TypeSandboxOutput = "sandbox.output"
	TypeSandboxReady  = "sandbox.ready"
	TypeSandboxExited = "sandbox.exited"

	TypeError = "error"
)

// Frame wraps every WebSocket message with an event type for routing.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes v as the frame payload.
func NewFrame(typ string, v any) (Frame, error) {
	if v == nil {
		return Frame{Type: typ}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Frame{Type: typ, Data: data}, nil
}

// Encode marshals a frame for the given event type and payload.
func Encode(typ string, v any) ([]byte, error) {
	f, err := NewFrame(typ, v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s: empty payload", f.Type)
	}
	return json.Unmarshal(f.Data, v)
}

// Sender identifies who wrote a project message.
type Sender struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// AssistantSender is the synthetic identity used for assistant replies.
var AssistantSender = Sender{ID: "ai", Email: "AI"}

// ProjectMessage is the payload of a project-message event.
type ProjectMessage struct {
	Message     Content `json:"message"`
	Sender      Sender  `json:"sender"`
	IsAIMessage bool    `json:"isAiMessage,omitempty"`
}

// AIProcessing is the payload of an ai-processing event.
type AIProcessing struct {
	Processing bool `json:"processing"`
}

// FileTreeMsg carries a full file tree snapshot.
type FileTreeMsg struct {
	FileTree filetree.Tree `json:"fileTree"`
}

// SandboxState reports an orchestrator state transition. Error is plain text
// meant for people, set only for the failed state.
type SandboxState struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// SandboxOutput is one line of process output.
// Skipped is set on the line that stands in for output a slow client missed.
type SandboxOutput struct {
	Stage   string `json:"stage"` // "install" or "run"
	Line    string `json:"line"`
	Skipped int    `json:"skipped,omitempty"`
}

// SandboxReady announces the preview address of a running program.
type SandboxReady struct {
	URL  string `json:"url"`
	Port int    `json:"port"`
}

// SandboxExited reports the exit code of the run process.
type SandboxExited struct {
	Code int `json:"code"`
}

// ErrorMsg is sent to a single connection for protocol errors.
type ErrorMsg struct {
	Message string `json:"message"`
}
