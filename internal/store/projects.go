package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/chatndev/internal/filetree"
)

type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Members   []string      `json:"members"`
	FileTree  filetree.Tree `json:"fileTree"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// CreateProject stores a new project owned by members and returns it.
func (s *Store) CreateProject(name string, members []string, tree filetree.Tree) (*Project, error) {
	if tree == nil {
		tree = filetree.Tree{}
	}
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode file tree: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	p := &Project{
		ID:        uuid.NewString(),
		Name:      name,
		FileTree:  tree.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(
		`INSERT INTO projects (id, name, file_tree, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, name, string(treeJSON), now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("%w: insert project: %v", ErrPersistence, err)
	}
	if err := addMembers(tx, p.ID, members); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	p.Members = dedupe(members)
	return p, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func addMembers(e execer, projectID string, members []string) error {
	for _, m := range members {
		if m == "" {
			continue
		}
		if _, err := e.Exec(
			`INSERT OR IGNORE INTO project_members (project_id, user_id) VALUES (?, ?)`, projectID, m,
		); err != nil {
			return fmt.Errorf("%w: add member %s: %v", ErrPersistence, m, err)
		}
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// GetProject returns nil, nil when no project has that id.
func (s *Store) GetProject(id string) (*Project, error) {
	var p Project
	var treeJSON string
	var created, updated int64
	err := s.db.QueryRow(
		`SELECT id, name, file_tree, created_at, updated_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &treeJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if err := json.Unmarshal([]byte(treeJSON), &p.FileTree); err != nil {
		return nil, fmt.Errorf("decode file tree of %s: %w", id, err)
	}
	if p.FileTree == nil {
		p.FileTree = filetree.Tree{}
	}
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.UpdatedAt = time.UnixMilli(updated).UTC()

	p.Members, err = s.members(id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) members(projectID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT user_id FROM project_members WHERE project_id = ? ORDER BY user_id`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMembers adds users to a project. Existing members are ignored.
func (s *Store) AddMembers(projectID string, users []string) error {
	return addMembers(s.db, projectID, users)
}

// UpdateFileTree replaces the persisted tree of a project.
func (s *Store) UpdateFileTree(projectID string, tree filetree.Tree) error {
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode file tree: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE projects SET file_tree = ?, updated_at = ? WHERE id = ?`,
		string(treeJSON), time.Now().UnixMilli(), projectID,
	)
	if err != nil {
		return fmt.Errorf("%w: update file tree: %v", ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %s not found", ErrPersistence, projectID)
	}
	return nil
}

// ListProjectsForUser returns the projects userID belongs to, newest first.
// File trees are not loaded.
func (s *Store) ListProjectsForUser(userID string) ([]*Project, error) {
	rows, err := s.db.Query(
		`SELECT p.id, p.name, p.created_at, p.updated_at
		 FROM projects p JOIN project_members m ON m.project_id = p.id
		 WHERE m.user_id = ? ORDER BY p.updated_at DESC, p.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []*Project
	for rows.Next() {
		var p Project
		var created, updated int64
		if err := rows.Scan(&p.ID, &p.Name, &created, &updated); err != nil {
			return nil, err
		}
		p.CreatedAt = time.UnixMilli(created).UTC()
		p.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeleteProject removes a project with its members and messages.
func (s *Store) DeleteProject(id string) error {
	if _, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete project: %v", ErrPersistence, err)
	}
	return nil
}
