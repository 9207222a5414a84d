// Package server exposes the backup trigger and status over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/kebairia/posebackup/internal/logger"
	"github.com/kebairia/posebackup/internal/operations"
	"github.com/kebairia/posebackup/internal/retention"
)

// Runner runs a backup and reports the step it is in.
type Runner interface {
	Run(ctx context.Context, trigger operations.Trigger) (*operations.Run, error)
	State() operations.State
}

// Lister lists the retained artifacts, newest first.
type Lister interface {
	List() ([]retention.Artifact, error)
}

// HealthCheck pings one dependency.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Server routes the API requests.
type Server struct {
	router *mux.Router
	http   *http.Server
	runner Runner
	lister Lister
	checks []HealthCheck
	log    logger.Logger
	now    func() time.Time
	runCtx context.Context
}

// Option configures a Server.
type Option func(*Server)

// WithRunContext sets the context manual runs are started with. Cancelling
// it cancels a run in progress; the requesting client going away does not.
func WithRunContext(ctx context.Context) Option {
	return func(s *Server) {
		s.runCtx = ctx
	}
}

// New builds a Server listening on addr once ListenAndServe is called.
func New(addr string, runner Runner, lister Lister, checks []HealthCheck, log logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.Global()
	}
	s := &Server{
		router: mux.NewRouter(),
		runner: runner,
		lister: lister,
		checks: checks,
		log:    log,
		now:    time.Now,
		runCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/backup/trigger", s.handleTrigger).Methods(http.MethodPost)
	api.HandleFunc("/backups", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the server stops. A shutdown is not an error.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "address", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Run     *operations.Run `json:"run,omitempty"`
}

type listResponse struct {
	Success bool             `json:"success"`
	Backups []backupListItem `json:"backups"`
}

type backupListItem struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"size_human"`
	ModTime   time.Time `json:"mod_time"`
}

// handleTrigger runs a backup synchronously. The run outlives a dropped
// client connection but not the server's run context.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.Run(s.runCtx, operations.TriggerManual)
	switch {
	case errors.Is(err, operations.ErrRunInProgress):
		s.writeJSON(w, http.StatusConflict, response{
			Message: "Backup already in progress",
			Error:   err.Error(),
		})
	case err != nil:
		s.log.Error("manual backup failed", "error", err.Error())
		s.writeJSON(w, http.StatusInternalServerError, response{
			Message: "Backup failed",
			Error:   err.Error(),
			Run:     run,
		})
	default:
		s.writeJSON(w, http.StatusOK, response{
			Success: true,
			Message: "Backup completed successfully",
			Run:     run,
		})
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.lister.List()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, response{
			Message: "Listing backups failed",
			Error:   err.Error(),
		})
		return
	}
	items := make([]backupListItem, 0, len(artifacts))
	for _, a := range artifacts {
		items = append(items, backupListItem{
			Name:      a.Name,
			Path:      a.Path,
			Size:      a.Size,
			SizeHuman: humanize.Bytes(uint64(a.Size)),
			ModTime:   a.ModTime,
		})
	}
	s.writeJSON(w, http.StatusOK, listResponse{Success: true, Backups: items})
}

// handleHealth reports each dependency as connected or disconnected, and
// answers 503 when any is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := map[string]any{
		"success":      true,
		"backup_state": s.runner.State(),
		"timestamp":    s.now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			s.log.Warn("health check failed", "dependency", c.Name, "error", err.Error())
			body[c.Name] = "disconnected"
			body["success"] = false
			status = http.StatusServiceUnavailable
			continue
		}
		body[c.Name] = "connected"
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("write response failed", "error", err.Error())
	}
}
