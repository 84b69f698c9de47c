package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"

	"project-magpie/internal/config"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Pong!"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.GetGlobalStats()
	if err != nil {
		s.internalError(w, "Failed to compute status.", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetFormats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.env.Tool.Formats)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.env.Server)
}

// handleSetConfig validates the submitted config and, when it passes, parks
// it for the run loop and triggers a restart. The config is applied on the
// way down, not here, so a failed apply cannot leave a half-configured
// server running.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Malformed form body.", http.StatusBadRequest)
		return
	}
	raw := r.PostFormValue("value")
	if raw == "" {
		http.Error(w, "Missing 'value' field.", http.StatusBadRequest)
		return
	}

	var cfg config.ServerConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		http.Error(w, "Config does not parse.", http.StatusBadRequest)
		return
	}
	if err := cfg.Validate(); err != nil {
		s.log.Warn("Rejected config update.", "reason", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.exitState.StoreConfigChange(cfg)
	s.requestShutdown()
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("Restarting with the new config..."))
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessionLimiter.Allow() {
		http.Error(w, "Too many session requests.", http.StatusTooManyRequests)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Malformed form body.", http.StatusBadRequest)
		return
	}
	apiToken := r.PostFormValue("api_token")
	if apiToken == "" {
		http.Error(w, "Missing 'api_token' field.", http.StatusBadRequest)
		return
	}

	action := "POST /api/sessions/new"
	session, err := s.store.NewSession(apiToken)
	if err != nil {
		s.audit.Log(clientIP(r), r.UserAgent(), action, http.StatusBadRequest, "Invalid api token")
		http.Error(w, "Invalid api token.", http.StatusBadRequest)
		return
	}

	s.audit.Log(clientIP(r), r.UserAgent(), action, http.StatusOK, "Session created")
	s.writeJSON(w, http.StatusOK, session.SessionToken)
}

func (s *Server) handleExpireAllSessions(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ExpireAllSessions(); err != nil {
		s.internalError(w, "Failed to expire sessions.", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleShutdownServer(w http.ResponseWriter, r *http.Request) {
	s.log.Info("Shutdown requested over the API.")
	s.requestShutdown()
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("Shutting down..."))
}

func (s *Server) webUIDir() string {
	return filepath.Join(s.env.WorkDir, "webui")
}

// handleIndexRedirect sends browsers to the hashed index file the UI build
// produced. Serving / directly would fight the UI's cache-busting scheme.
func (s *Server) handleIndexRedirect(w http.ResponseWriter, r *http.Request) {
	matches, err := filepath.Glob(filepath.Join(s.webUIDir(), "index_*.html"))
	if err != nil || len(matches) == 0 {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/"+filepath.Base(matches[0]), http.StatusSeeOther)
}
