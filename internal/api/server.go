package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"project-magpie/internal/config"
	"project-magpie/internal/filesystem"
	"project-magpie/internal/jobs"
	"project-magpie/internal/storage"
)

// Options carries everything the control surface needs. RequestShutdown asks
// the run loop to wind the whole server down; it must be safe to call more
// than once.
type Options struct {
	Log             *slog.Logger
	Manager         *jobs.Manager
	Store           *storage.Storage
	Files           *filesystem.Driver
	Env             *config.Environment
	ExitState       *config.ExitState
	Audit           *AuditLogger
	RequestShutdown func()
}

// Server is the HTTP control surface: the JSON/form API under /api plus the
// static web UI. Everything under /api except session creation requires the
// api-token/session-token header pair.
type Server struct {
	log             *slog.Logger
	manager         *jobs.Manager
	store           *storage.Storage
	files           *filesystem.Driver
	env             *config.Environment
	exitState       *config.ExitState
	audit           *AuditLogger
	requestShutdown func()

	sessionLimiter *rate.Limiter
	router         *chi.Mux
	httpSrv        *http.Server
}

func NewServer(opts Options) *Server {
	s := &Server{
		log:             opts.Log,
		manager:         opts.Manager,
		store:           opts.Store,
		files:           opts.Files,
		env:             opts.Env,
		exitState:       opts.ExitState,
		audit:           opts.Audit,
		requestShutdown: opts.RequestShutdown,
		// Session creation is the only unauthenticated endpoint, so it is
		// the only one worth brute-forcing. One attempt per two seconds is
		// plenty for a human logging in.
		sessionLimiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
		router:         chi.NewRouter(),
	}
	s.setupRoutes()
	s.httpSrv = &http.Server{
		Addr:              opts.Env.Server.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving requests until Shutdown is called. A clean shutdown
// returns nil.
func (s *Server) Start() error {
	s.log.Info("Control server listening.", "address", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/sessions/new", s.handleNewSession)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/ping", s.handlePing)
			r.Get("/status", s.handleStatus)
			r.Get("/formats", s.handleGetFormats)
			r.Get("/config", s.handleGetConfig)
			r.Post("/config", s.handleSetConfig)
			r.Post("/sessions/expire_all", s.handleExpireAllSessions)
			r.Post("/shutdown_server", s.handleShutdownServer)

			r.Post("/jobs/new", s.handleNewJob)
			r.Get("/jobs/get/{id}", s.handleGetJob)
			r.Get("/jobs/get_all", s.handleGetAllJobs)
			r.Post("/jobs/pause/{id}", s.jobCommand(storage.CommandPause))
			r.Post("/jobs/resume/{id}", s.jobCommand(storage.CommandResume))
			r.Post("/jobs/cancel/{id}", s.jobCommand(storage.CommandCancel))
			r.Post("/jobs/retry/{id}", s.jobCommand(storage.CommandRetry))
			r.Post("/jobs/delete/{id}", s.jobCommand(storage.CommandDelete))
			r.Post("/jobs/pause_all", s.allJobsCommand(storage.CommandPause))
			r.Post("/jobs/resume_all", s.allJobsCommand(storage.CommandResume))
			r.Post("/jobs/cancel_all", s.allJobsCommand(storage.CommandCancel))
			r.Post("/jobs/retry_all", s.allJobsCommand(storage.CommandRetry))
			r.Post("/jobs/delete_all", s.allJobsCommand(storage.CommandDelete))

			r.Post("/tasks/pause/{id}", s.taskCommand(storage.CommandPause))
			r.Post("/tasks/resume/{id}", s.taskCommand(storage.CommandResume))
			r.Post("/tasks/cancel/{id}", s.taskCommand(storage.CommandCancel))
			r.Post("/tasks/retry/{id}", s.taskCommand(storage.CommandRetry))
			r.Post("/tasks/delete/{id}", s.taskCommand(storage.CommandDelete))
			r.Get("/tasks/get_stdout/{id}", s.taskLog(s.files.StdoutLogPath))
			r.Get("/tasks/get_stderr/{id}", s.taskLog(s.files.StderrLogPath))
		})
	})

	s.router.Get("/", s.handleIndexRedirect)
	s.router.Get("/index.html", s.handleIndexRedirect)
	s.router.Handle("/*", http.FileServer(http.Dir(s.webUIDir())))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("Handled request.",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

var errNoAuthHeaders = errors.New("no authorization headers")

// authMiddleware resolves the api-token/session-token header pair to a user.
// Requests carrying neither header count as unauthenticated; any other defect
// (missing half, duplicates, malformed token, expired session) is rejected
// the same way so a probing client learns nothing about which part was wrong.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP := clientIP(r)
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		user, err := s.resolveUser(r)
		if err != nil {
			details := "Invalid credentials"
			if errors.Is(err, errNoAuthHeaders) {
				details = "No credentials"
			}
			s.audit.Log(sourceIP, r.UserAgent(), action, http.StatusUnauthorized, details)
			s.log.Warn("Rejected request.", "action", action, "reason", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.audit.Log(sourceIP, r.UserAgent(), action, http.StatusOK, "Authorized as "+user.Name)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) resolveUser(r *http.Request) (storage.User, error) {
	apiTokens := r.Header.Values("api-token")
	sessionTokens := r.Header.Values("session-token")

	if len(apiTokens) == 0 && len(sessionTokens) == 0 {
		return storage.User{}, errNoAuthHeaders
	}
	if len(apiTokens) != 1 {
		return storage.User{}, fmt.Errorf("expected exactly one api-token header, got %d", len(apiTokens))
	}
	if len(sessionTokens) != 1 {
		return storage.User{}, fmt.Errorf("expected exactly one session-token header, got %d", len(sessionTokens))
	}

	// Some clients send the session token as it came out of the JSON
	// response, quotes included.
	sessionToken, err := uuid.Parse(strings.Trim(sessionTokens[0], `"`))
	if err != nil {
		return storage.User{}, fmt.Errorf("session token is not a uuid: %w", err)
	}

	user, err := s.store.ValidateSession(apiTokens[0], sessionToken)
	if err != nil {
		return storage.User{}, fmt.Errorf("session validation failed: %w", err)
	}
	return user, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("Failed to encode response.", "error", err)
	}
}

// parseID rejects anything that is not a UUID before it gets near a query.
func (s *Server) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid id.", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.log.Warn(msg, "error", err)
	http.Error(w, "Internal server error.", http.StatusInternalServerError)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
