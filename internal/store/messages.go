package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehrlich-b/chatndev/internal/ws"
)

// DefaultPageSize is used when a caller asks for a page without a limit.
const DefaultPageSize = 20

type Message struct {
	ID          int64      `json:"id"`
	ProjectID   string     `json:"projectId"`
	Sender      ws.Sender  `json:"sender"`
	Content     ws.Content `json:"message"`
	IsAIMessage bool       `json:"isAiMessage"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// CreateMessage inserts m, filling in ID and CreatedAt when unset.
func (s *Store) CreateMessage(m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	content, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("%w: encode content: %v", ErrPersistence, err)
	}
	res, err := s.db.Exec(
		`INSERT INTO messages (project_id, sender_id, sender_email, content, is_ai, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ProjectID, m.Sender.ID, m.Sender.Email, string(content), m.IsAIMessage, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert message: %v", ErrPersistence, err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// ListMessages returns one page of a project's history, oldest first, and
// the total number of messages. page is zero-based.
func (s *Store) ListMessages(projectID string, page, limit int) ([]*Message, int, error) {
	if page < 0 {
		page = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE project_id = ?`, projectID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	// Pages past the end are empty; this also keeps page*limit from overflowing.
	if page >= (total+limit-1)/limit {
		return []*Message{}, total, nil
	}
	msgs, err := s.queryMessages(
		`SELECT id, project_id, sender_id, sender_email, content, is_ai, created_at
		 FROM messages WHERE project_id = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		projectID, limit, page*limit,
	)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// RecentMessages returns the newest n messages in chronological order.
func (s *Store) RecentMessages(projectID string, n int) ([]*Message, error) {
	if n <= 0 {
		n = DefaultPageSize
	}
	msgs, err := s.queryMessages(
		`SELECT id, project_id, sender_id, sender_email, content, is_ai, created_at
		 FROM messages WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		projectID, n,
	)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteMessages removes a project's history and reports how many rows went.
func (s *Store) DeleteMessages(projectID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("%w: delete messages: %v", ErrPersistence, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) queryMessages(query string, args ...any) ([]*Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	out := []*Message{}
	for rows.Next() {
		var m Message
		var content string
		var created int64
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Sender.ID, &m.Sender.Email, &content, &m.IsAIMessage, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", m.ID, err)
		}
		m.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}
