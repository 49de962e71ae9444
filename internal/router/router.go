// Package router decides what happens to each chat message a room receives:
// plain messages are relayed, messages that mention "@ai" are also answered
// by the assistant.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ehrlich-b/chatndev/internal/assistant"
	"github.com/ehrlich-b/chatndev/internal/filetree"
	"github.com/ehrlich-b/chatndev/internal/logger"
	"github.com/ehrlich-b/chatndev/internal/metrics"
	"github.com/ehrlich-b/chatndev/internal/room"
	"github.com/ehrlich-b/chatndev/internal/store"
	"github.com/ehrlich-b/chatndev/internal/ws"
)

// Mention marks a message as addressed to the assistant.
const Mention = "@ai"

// ErrValidation is returned for messages that are dropped before delivery.
var ErrValidation = errors.New("invalid message")

// Outcome is the result of one routing step.
type Outcome string

const (
	OutcomeRejected   Outcome = "rejected"   // dropped, nothing delivered
	OutcomeRelayed    Outcome = "relayed"    // delivered to the room, no assistant work
	OutcomeDirected   Outcome = "directed"   // delivered; Respond must follow
	OutcomeGreeted    Outcome = "greeted"    // empty prompt answered with the greeting
	OutcomeReplied    Outcome = "replied"    // assistant reply delivered
	OutcomeApologized Outcome = "apologized" // generation failed, apology delivered
	OutcomeAborted    Outcome = "aborted"    // unexpected failure, processing state still cleared
)

// Recorder persists messages without blocking delivery.
type Recorder interface {
	Record(m *store.Message) bool
}

// TreeStore persists a project's file tree.
type TreeStore interface {
	UpdateFileTree(projectID string, tree filetree.Tree) error
}

type Options struct {
	Pipeline *assistant.Pipeline
	Recorder Recorder  // optional
	Trees    TreeStore // optional
	Metrics  *metrics.Registry
	// Serialize answers assistant requests in one room one at a time.
	Serialize bool
}

type Router struct {
	pipeline  *assistant.Pipeline
	recorder  Recorder
	trees     TreeStore
	metrics   *metrics.Registry
	serialize bool
}

func New(opts Options) *Router {
	return &Router{
		pipeline:  opts.Pipeline,
		recorder:  opts.Recorder,
		trees:     opts.Trees,
		metrics:   opts.Metrics,
		serialize: opts.Serialize,
	}
}

// Submission is an accepted message.
type Submission struct {
	Room     *room.Room
	From     *room.Member
	Message  ws.ProjectMessage
	Directed bool
}

// IsDirected reports whether content is a string mentioning the assistant.
func IsDirected(c ws.Content) bool {
	return c.IsString() && strings.Contains(c.Text, Mention)
}

// ExtractPrompt removes the first mention and surrounding whitespace.
func ExtractPrompt(text string) string {
	return strings.TrimSpace(strings.Replace(text, Mention, "", 1))
}

// Accept validates a project-message frame from a member, relays it to the
// rest of the room and queues it for storage. The returned submission is
// non-nil unless the message was rejected.
func (rt *Router) Accept(rm *room.Room, from *room.Member, f ws.Frame) (*Submission, Outcome, error) {
	var pm ws.ProjectMessage
	if len(f.Data) == 0 {
		return nil, OutcomeRejected, fmt.Errorf("%w: missing payload", ErrValidation)
	}
	if err := json.Unmarshal(f.Data, &pm); err != nil {
		return nil, OutcomeRejected, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(pm.Message.Raw()) == 0 {
		return nil, OutcomeRejected, fmt.Errorf("%w: %v", ErrValidation, ws.ErrNoContent)
	}

	relay := f
	switch pm.Sender.ID {
	case from.Identity.ID:
	case "":
		// Clients may leave the sender to the server.
		pm.Sender = ws.Sender{ID: from.Identity.ID, Email: from.Identity.Email}
		nf, err := ws.NewFrame(ws.TypeProjectMessage, pm)
		if err != nil {
			return nil, OutcomeRejected, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		relay = nf
	default:
		return nil, OutcomeRejected, fmt.Errorf("%w: sender %q does not match connection", ErrValidation, pm.Sender.ID)
	}
	pm.IsAIMessage = false

	frame, err := json.Marshal(relay)
	if err != nil {
		return nil, OutcomeRejected, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	rm.Broadcast(frame, from.ID)
	rt.metrics.Message(pm.Message.Kind.String())
	rt.record(rm, pm)

	sub := &Submission{Room: rm, From: from, Message: pm, Directed: IsDirected(pm.Message)}
	if sub.Directed {
		return sub, OutcomeDirected, nil
	}
	return sub, OutcomeRelayed, nil
}

// Respond runs the assistant flow for a directed submission. The room sees
// ai-processing true, then the reply, then ai-processing false; the last step
// runs even if something in between panics.
func (rt *Router) Respond(ctx context.Context, sub *Submission) Outcome {
	if !sub.Directed {
		return OutcomeRelayed
	}
	if !rt.serialize {
		return rt.respond(ctx, sub)
	}
	var out Outcome
	sub.Room.Exclusive(func() { out = rt.respond(ctx, sub) })
	return out
}

func (rt *Router) respond(ctx context.Context, sub *Submission) (out Outcome) {
	rm := sub.Room
	log := logger.With("router").With("room", rm.Key())

	rt.processing(rm, true)
	defer func() {
		if r := recover(); r != nil {
			log.Error("assistant flow panicked", "panic", r)
			out = OutcomeAborted
		}
		rt.processing(rm, false)
	}()

	var reply assistant.Reply
	prompt := ExtractPrompt(sub.Message.Message.Text)
	if prompt == "" {
		reply = rt.pipeline.Greet()
		out = OutcomeGreeted
	} else {
		log.Info("assistant request", "from", sub.Message.Sender.Email, "prompt_length", len(prompt))
		reply = rt.pipeline.Generate(ctx, prompt)
		out = OutcomeReplied
		if reply.Failed {
			out = OutcomeApologized
		}
	}

	msg := ws.ProjectMessage{Message: reply.Content, Sender: ws.AssistantSender, IsAIMessage: true}
	if err := rm.BroadcastEvent(ws.TypeProjectMessage, msg, ""); err != nil {
		log.Error("broadcast reply", "err", err)
	}
	rt.record(rm, msg)

	if !reply.Failed && reply.Content.FileTree != nil {
		if err := rt.ApplyTree(ctx, rm, "", reply.Content.FileTree); err != nil {
			log.Warn("apply assistant file tree", "err", err)
		}
	}
	return out
}

func (rt *Router) processing(rm *room.Room, on bool) {
	if err := rm.BroadcastEvent(ws.TypeAIProcessing, ws.AIProcessing{Processing: on}, ""); err != nil {
		logger.Error("broadcast ai-processing", "room", rm.Key(), "err", err)
	}
}

func (rt *Router) record(rm *room.Room, pm ws.ProjectMessage) {
	if rt.recorder == nil {
		return
	}
	rt.recorder.Record(&store.Message{
		ProjectID:   rm.Key(),
		Sender:      pm.Sender,
		Content:     pm.Message,
		IsAIMessage: pm.IsAIMessage,
	})
}

// ApplyTree makes tree the room's file tree: every member except excluding
// is sent the snapshot, the tree is persisted, and the runner remounts it.
func (rt *Router) ApplyTree(ctx context.Context, rm *room.Room, excluding string, tree filetree.Tree) error {
	if err := tree.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	rm.SetTree(tree)
	if err := rm.BroadcastEvent(ws.TypeFileTree, ws.FileTreeMsg{FileTree: tree}, excluding); err != nil {
		return err
	}
	if rt.trees != nil {
		if err := rt.trees.UpdateFileTree(rm.Key(), tree); err != nil {
			logger.Error("persist file tree", "room", rm.Key(), "err", err)
			rt.metrics.PersistFailed()
		}
	}
	if runner := rm.Runner(); runner != nil {
		if err := runner.Sync(ctx, tree); err != nil {
			return fmt.Errorf("sync sandbox: %w", err)
		}
	}
	return nil
}

// AcceptTree decodes a file-tree frame from a member and applies it.
func (rt *Router) AcceptTree(ctx context.Context, rm *room.Room, from *room.Member, f ws.Frame) error {
	var msg ws.FileTreeMsg
	if err := f.Decode(&msg); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if msg.FileTree == nil {
		return fmt.Errorf("%w: missing fileTree", ErrValidation)
	}
	return rt.ApplyTree(ctx, rm, from.ID, msg.FileTree)
}
