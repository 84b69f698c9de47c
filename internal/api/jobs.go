package api

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"gorm.io/gorm"

	"project-magpie/internal/storage"
)

func (s *Server) handleNewJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Malformed form body.", http.StatusBadRequest)
		return
	}
	url := strings.TrimSpace(r.PostFormValue("url"))
	format := strings.TrimSpace(r.PostFormValue("format"))
	if url == "" || format == "" {
		http.Error(w, "Both 'url' and 'format' are required.", http.StatusBadRequest)
		return
	}

	job, err := s.manager.CreateJob(url, format)
	if err != nil {
		s.internalError(w, "Failed to create job.", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}

	job, err := s.manager.GetJob(id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		http.Error(w, "Job not found.", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "Failed to load job.", err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetAllJobs(w http.ResponseWriter, r *http.Request) {
	allJobs, err := s.manager.GetAllJobs()
	if err != nil {
		s.internalError(w, "Failed to load jobs.", err)
		return
	}
	s.writeJSON(w, http.StatusOK, allJobs)
}

// jobCommand, allJobsCommand and taskCommand accept the request as soon as
// the command row is written; the scheduler picks it up on its next pass.
// A command that matches nothing is still a 202, the same as a command that
// matches a row the scheduler later ignores.
func (s *Server) jobCommand(cmd storage.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.parseID(w, r)
		if !ok {
			return
		}
		if err := s.manager.ModifyJob(id, cmd); err != nil {
			s.internalError(w, "Failed to apply job command.", err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) allJobsCommand(cmd storage.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.manager.ModifyAllJobs(cmd); err != nil {
			s.internalError(w, "Failed to apply command to all jobs.", err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) taskCommand(cmd storage.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.parseID(w, r)
		if !ok {
			return
		}
		if err := s.manager.ModifyTask(id, cmd); err != nil {
			s.internalError(w, "Failed to apply task command.", err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// taskLog serves a worker's captured stdout or stderr. The scratch tree is
// removed once a task is cleaned up, so logs of finished tasks are expected
// to be gone.
func (s *Server) taskLog(pathFor func(taskID string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.parseID(w, r)
		if !ok {
			return
		}

		path := pathFor(id.String())
		if _, err := os.Stat(path); err != nil {
			http.Error(w, "Log not available.", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		http.ServeFile(w, r, path)
	}
}
