package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/chatndev/internal/logger"
	"github.com/ehrlich-b/chatndev/internal/ws"
)

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat PROJECT_ID",
		Short: "Join a project room from the terminal",
		Long: `Lines typed are sent to the room. Mention @ai to ask the assistant.
/run and /stop control the room's sandbox, /quit leaves.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := clientCredentials(cmd)
			if err != nil {
				return err
			}
			logger.Discard()

			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			out := &chatPrinter{prompt: interactive}
			client := &ws.Client{
				URL:       creds.Server,
				Token:     creds.Token,
				ProjectID: args[0],
				OnFrame:   out.frame,
				OnStateChange: func(state string, err error) {
					if state == "connected" || state == "auth_failed" {
						out.status(state, err)
					}
				},
			}
			sender := ws.Sender{ID: creds.UserID, Email: creds.Email}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- client.Run(ctx) }()
			go func() {
				defer cancel()
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					line := strings.TrimSpace(scanner.Text())
					if quit := out.send(ctx, client, sender, line); quit {
						return
					}
				}
			}()

			err = <-errCh
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	addClientFlags(cmd)
	return cmd
}

// chatPrinter renders room events as terminal lines.
type chatPrinter struct {
	mu     sync.Mutex
	prompt bool
}

func (p *chatPrinter) println(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prompt {
		fmt.Print("\r\033[K")
	}
	fmt.Printf(format+"\n", args...)
	if p.prompt {
		fmt.Print("> ")
	}
}

func (p *chatPrinter) status(state string, err error) {
	if err != nil {
		p.println("[%s: %v]", state, err)
		return
	}
	p.println("[%s]", state)
}

func (p *chatPrinter) frame(f ws.Frame) {
	switch f.Type {
	case ws.TypeProjectMessage:
		var pm ws.ProjectMessage
		if err := f.Decode(&pm); err != nil {
			return
		}
		p.println("%s: %s", pm.Sender.Email, renderContent(pm.Message))
	case ws.TypeAIProcessing:
		var s ws.AIProcessing
		if f.Decode(&s) == nil && s.Processing {
			p.println("[assistant is thinking...]")
		}
	case ws.TypeFileTree:
		var t ws.FileTreeMsg
		if f.Decode(&t) == nil {
			p.println("[file tree: %d files]", t.FileTree.Files())
		}
	case ws.TypeSandboxState:
		var s ws.SandboxState
		if f.Decode(&s) == nil {
			if s.Error != "" {
				p.println("[sandbox %s: %s]", s.State, s.Error)
			} else {
				p.println("[sandbox %s]", s.State)
			}
		}
	case ws.TypeSandboxOutput:
		var o ws.SandboxOutput
		if f.Decode(&o) == nil {
			p.println("  %s | %s", o.Stage, o.Line)
		}
	case ws.TypeSandboxReady:
		var r ws.SandboxReady
		if f.Decode(&r) == nil {
			p.println("[preview ready at %s]", r.URL)
		}
	case ws.TypeSandboxExited:
		var e ws.SandboxExited
		if f.Decode(&e) == nil {
			p.println("[program exited with code %d]", e.Code)
		}
	case ws.TypeError:
		var e ws.ErrorMsg
		if f.Decode(&e) == nil {
			p.println("[error: %s]", e.Message)
		}
	}
}

func renderContent(c ws.Content) string {
	switch c.Kind {
	case ws.KindPlain:
		return c.Text
	case ws.KindText:
		if c.FileTree != nil {
			return fmt.Sprintf("%s\n  (with %d files)", c.Text, c.FileTree.Files())
		}
		return c.Text
	case ws.KindPoem:
		return fmt.Sprintf("%q by %s\n  %s", c.Poem.Title, c.Poem.Author, strings.Join(c.Poem.Lines, "\n  "))
	default:
		return string(c.Raw())
	}
}

// send handles one input line and reports whether the user asked to quit.
func (p *chatPrinter) send(ctx context.Context, client *ws.Client, sender ws.Sender, line string) bool {
	var err error
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/run":
		err = client.RunSandbox(ctx)
	case "/stop":
		err = client.StopSandbox(ctx)
	default:
		err = client.SendMessage(ctx, ws.Plain(line), sender)
	}
	if err != nil {
		p.println("[not sent: %v]", err)
	}
	return false
}
