package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ehrlich-b/chatndev/internal/auth"
	"github.com/ehrlich-b/chatndev/internal/store"
	"github.com/ehrlich-b/chatndev/internal/ws"
)

const maxPageSize = 100

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	project := s.projectFromPath(w, r)
	if project == nil {
		return
	}
	var req struct {
		Message     json.RawMessage `json:"message"`
		IsAIMessage bool            `json:"isAiMessage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	content, err := ws.ParseContent(req.Message)
	if err != nil {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	m := &store.Message{
		ProjectID:   project.ID,
		Sender:      ws.Sender{ID: id.ID, Email: id.Email},
		Content:     content,
		IsAIMessage: req.IsAIMessage,
	}
	if m.IsAIMessage {
		m.Sender = ws.AssistantSender
	}
	if err := s.store.CreateMessage(m); err != nil {
		s.log.Error("create message", "project", project.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not save message")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	project := s.projectFromPath(w, r)
	if project == nil {
		return
	}
	page, ok := intParam(w, r, "page", 0, 0)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", store.DefaultPageSize, 1)
	if !ok {
		return
	}
	limit = min(limit, maxPageSize)

	messages, total, err := s.store.ListMessages(project.ID, page, limit)
	if err != nil {
		s.log.Error("list messages", "project", project.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": nonNil(messages),
		"page":     page,
		"limit":    limit,
		"total":    total,
		"pages":    (total + limit - 1) / limit,
	})
}

func (s *Server) handleRecentMessages(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	project := s.projectFromPath(w, r)
	if project == nil {
		return
	}
	limit, ok := intParam(w, r, "limit", store.DefaultPageSize, 1)
	if !ok {
		return
	}
	messages, err := s.store.RecentMessages(project.ID, min(limit, maxPageSize))
	if err != nil {
		s.log.Error("recent messages", "project", project.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(messages)})
}

func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	project := s.projectFromPath(w, r)
	if project == nil {
		return
	}
	n, err := s.store.DeleteMessages(project.ID)
	if err != nil {
		s.log.Error("delete messages", "project", project.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not delete messages")
		return
	}
	s.log.Info("messages deleted", "project", project.ID, "user", id.ID, "count", n)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// intParam reads a non-negative query integer no smaller than floor.
func intParam(w http.ResponseWriter, r *http.Request, name string, def, floor int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < floor {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}

func nonNil(messages []*store.Message) []*store.Message {
	if messages == nil {
		return []*store.Message{}
	}
	return messages
}
