package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/chatndev/internal/auth"
	"github.com/ehrlich-b/chatndev/internal/orchestrator"
	"github.com/ehrlich-b/chatndev/internal/room"
	"github.com/ehrlich-b/chatndev/internal/router"
	"github.com/ehrlich-b/chatndev/internal/store"
	"github.com/ehrlich-b/chatndev/internal/ws"
)

const (
	// Subprotocol is echoed to browser clients that authenticate through
	// Sec-WebSocket-Protocol.
	Subprotocol  = "chatndev"
	readLimit    = 4 << 20 // file trees travel in single frames
	writeTimeout = 10 * time.Second
)

// handleWS admits a connection into a project room. Checks run in a fixed
// order: project id shape, project existence, credential presence, then
// verification.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	project, id, err := s.admit(r)
	if err != nil {
		s.reject(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, s.acceptOptions(r))
	if err != nil {
		s.log.Warn("websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	m := room.NewMember(id, s.outbox)
	rm := s.rooms.Join(project.ID, m, project.FileTree)
	defer s.rooms.Leave(project.ID, m)
	s.metrics.ConnOpened()
	defer s.metrics.ConnClosed()
	log := s.log.With("room", project.ID, "user", id.ID, "member", m.ID)
	log.Info("member joined")

	go s.writeLoop(ctx, cancel, conn, m)

	if snap, err := ws.Encode(ws.TypeFileTree, ws.FileTreeMsg{FileTree: rm.Tree()}); err == nil {
		m.Send(snap)
	}

	limiter := rate.NewLimiter(s.limit, s.burst)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Info("member left", "reason", websocket.CloseStatus(err).String())
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		var f ws.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendError(m, "Invalid frame")
			continue
		}
		s.dispatch(ctx, rm, m, f)
	}
}

// admit resolves the project and the caller's identity.
func (s *Server) admit(r *http.Request) (*store.Project, auth.Identity, error) {
	project, err := s.lookupProject(r.URL.Query().Get("projectId"))
	if err != nil {
		return nil, auth.Identity{}, err
	}
	token := auth.TokenFromRequest(r)
	if token == "" {
		return nil, auth.Identity{}, fmt.Errorf("%w: no token", auth.ErrAuthentication)
	}
	id, err := s.verifier.Verify(token)
	if err != nil {
		return nil, auth.Identity{}, err
	}
	return project, id, nil
}

func (s *Server) lookupProject(projectID string) (*store.Project, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return nil, fmt.Errorf("%w: %q is not a project id", ErrInvalidProject, projectID)
	}
	project, err := s.store.GetProject(projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProject, err)
	}
	if project == nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidProject, projectID, errProjectNotFound)
	}
	return project, nil
}

// reject completes the upgrade so the client sees a close reason, then
// closes with a policy violation.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, err error) {
	reason, label := "Authentication error", "auth"
	if errors.Is(err, ErrInvalidProject) {
		reason, label = "Invalid projectId", "project"
	}
	s.metrics.Rejected(label)
	s.log.Warn("handshake rejected", "reason", reason, "err", err, "remote", r.RemoteAddr)

	conn, aerr := websocket.Accept(w, r, s.acceptOptions(r))
	if aerr != nil {
		return
	}
	conn.Close(websocket.StatusPolicyViolation, reason)
}

func (s *Server) acceptOptions(r *http.Request) *websocket.AcceptOptions {
	protos := []string{Subprotocol}
	for _, p := range websocketProtocols(r) {
		if strings.HasPrefix(p, auth.ProtocolPrefix) {
			protos = append(protos, p)
		}
	}
	return &websocket.AcceptOptions{
		Subprotocols:   protos,
		OriginPatterns: s.origins,
	}
}

func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// writeLoop drains the member outbox until the member is closed or the
// connection fails.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, m *room.Member) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.Done():
			if m.Overflowed() {
				conn.Close(websocket.StatusTryAgainLater, "too far behind")
			} else {
				conn.Close(websocket.StatusGoingAway, "room closed")
			}
			return
		case <-m.Pending():
			for {
				frame, ok := m.Next()
				if !ok {
					break
				}
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Write(wctx, websocket.MessageText, frame)
				wcancel()
				if err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, rm *room.Room, m *room.Member, f ws.Frame) {
	// Work that outlives the connection must not be cancelled by it.
	detached := context.WithoutCancel(ctx)
	log := s.log.With("room", rm.Key(), "member", m.ID, "type", f.Type)

	switch f.Type {
	case ws.TypeProjectMessage:
		sub, out, err := s.router.Accept(rm, m, f)
		if err != nil {
			log.Warn("message rejected", "err", err)
			s.sendError(m, "Invalid message")
			return
		}
		if out == router.OutcomeDirected {
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				s.router.Respond(detached, sub)
			}()
		}

	case ws.TypeFileTree:
		if err := s.router.AcceptTree(detached, rm, m, f); err != nil {
			log.Warn("file tree rejected", "err", err)
			s.sendError(m, "Invalid file tree")
		}

	case ws.TypeSandboxRun:
		runner := rm.Runner()
		if runner == nil {
			s.sendError(m, "Sandbox unavailable")
			return
		}
		err := runner.Run(detached)
		if errors.Is(err, orchestrator.ErrNothingMounted) {
			// A room seeded from storage has not been mounted yet.
			err = runner.Sync(detached, rm.Tree())
		}
		if err != nil {
			log.Warn("sandbox run", "err", err)
			s.sendError(m, "Could not run the project")
		}

	case ws.TypeSandboxStop:
		runner := rm.Runner()
		if runner == nil {
			s.sendError(m, "Sandbox unavailable")
			return
		}
		if err := runner.Stop(); err != nil {
			log.Warn("sandbox stop", "err", err)
		}

	default:
		s.sendError(m, "Unknown event type")
	}
}

func (s *Server) sendError(m *room.Member, msg string) {
	frame, err := ws.Encode(ws.TypeError, ws.ErrorMsg{Message: msg})
	if err != nil {
		return
	}
	m.Send(frame)
}
