// Package assistant turns prompts addressed to "@ai" into room replies.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/chatndev/internal/logger"
	"github.com/ehrlich-b/chatndev/internal/metrics"
	"github.com/ehrlich-b/chatndev/internal/ws"
)

const (
	// Greeting answers an "@ai" mention with nothing else in it.
	Greeting = "Hi there! I'm the AI assistant. How can I help you with your project today?"
	// Apology replaces any reply that could not be generated.
	Apology = "Sorry, I couldn't process your request at this time. Please try again later."
)

// ErrGeneration wraps every generator failure, timeouts included.
var ErrGeneration = errors.New("generation failed")

// Generator produces reply text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Reply is what the room receives. Failed replies carry the apology and the
// cause in Err.
type Reply struct {
	Content ws.Content
	Failed  bool
	Err     error
}

// Pipeline invokes a Generator with a deadline and converts its result into
// reply content.
type Pipeline struct {
	gen     Generator
	timeout time.Duration
	metrics *metrics.Registry
}

// New returns a Pipeline. A zero timeout means no deadline beyond ctx.
func New(gen Generator, timeout time.Duration, m *metrics.Registry) *Pipeline {
	return &Pipeline{gen: gen, timeout: timeout, metrics: m}
}

// Greet returns the canned greeting without calling the generator.
func (p *Pipeline) Greet() Reply {
	p.metrics.Assistant("greeting", 0)
	return Reply{Content: ws.Plain(Greeting)}
}

// Generate answers prompt. It never returns an error: failures become the
// apology reply.
func (p *Pipeline) Generate(ctx context.Context, prompt string) Reply {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := p.generate(ctx, prompt)
	elapsed := time.Since(start)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrGeneration, p.gen.Name(), err)
		logger.Error("assistant generation failed", "generator", p.gen.Name(), "duration", elapsed, "err", err)
		p.metrics.Assistant("failed", elapsed.Seconds())
		return Reply{Content: ws.Plain(Apology), Failed: true, Err: err}
	}
	p.metrics.Assistant("ok", elapsed.Seconds())
	logger.Debug("assistant replied", "generator", p.gen.Name(), "duration", elapsed, "length", len(text))
	return Reply{Content: ws.ParseReply(text)}
}

func (p *Pipeline) generate(ctx context.Context, prompt string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return p.gen.Generate(ctx, prompt)
}
