package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ehrlich-b/chatndev/internal/auth"
	"github.com/ehrlich-b/chatndev/internal/filetree"
	"github.com/ehrlich-b/chatndev/internal/store"
)

// projectFromPath loads the project named by {id}, writing the error
// response itself when it cannot.
func (s *Server) projectFromPath(w http.ResponseWriter, r *http.Request) *store.Project {
	project, err := s.lookupProject(r.PathValue("id"))
	if err != nil {
		s.log.Debug("project lookup", "err", err)
		if errors.Is(err, errProjectNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
		} else {
			writeError(w, http.StatusBadRequest, "Invalid projectId")
		}
		return nil
	}
	return project
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	projects, err := s.store.ListProjectsForUser(id.ID)
	if err != nil {
		s.log.Error("list projects", "user", id.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not list projects")
		return
	}
	if projects == nil {
		projects = []*store.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req struct {
		Name     string        `json:"name"`
		Members  []string      `json:"members"`
		FileTree filetree.Tree `json:"fileTree"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	members := append([]string{id.ID}, req.Members...)
	project, err := s.store.CreateProject(strings.TrimSpace(req.Name), members, req.FileTree)
	if err != nil {
		s.log.Error("create project", "user", id.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not create project")
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	project := s.projectFromPath(w, r)
	if project == nil {
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// handlePutFileTree replaces a project's tree. A live room receives the
// snapshot and remounts it like a file-tree event from a member.
func (s *Server) handlePutFileTree(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	project := s.projectFromPath(w, r)
	if project == nil {
		return
	}
	var req struct {
		FileTree filetree.Tree `json:"fileTree"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, filetree.ErrInvalidPath) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.FileTree == nil {
		writeError(w, http.StatusBadRequest, "fileTree is required")
		return
	}

	if rm := s.rooms.Get(project.ID); rm != nil {
		if err := s.router.ApplyTree(r.Context(), rm, "", req.FileTree); err != nil {
			s.log.Warn("apply file tree", "room", project.ID, "err", err)
		}
	} else if err := s.store.UpdateFileTree(project.ID, req.FileTree); err != nil {
		s.log.Error("update file tree", "project", project.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not save file tree")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fileTree": req.FileTree})
}
