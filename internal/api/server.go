// Package api exposes the HTTP trigger and status endpoints.
//
//	POST|GET /orchestrators/{workflow}/{instanceId}   start a run
//	GET      /runtime/instances/{instanceId}          run status
//	GET      /runtime/instances/{instanceId}/history  current generation history
//	GET      /metrics                                 Prometheus exposition
//
// A started run is driven in the background; the start call returns 202
// with the status URLs immediately.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/roach88/paysettle/internal/engine"
	"github.com/roach88/paysettle/internal/retry"
	"github.com/roach88/paysettle/internal/store"
)

// busyRetry covers a restart that lands while the previous drive of the
// same instance is still releasing it.
var busyRetry = retry.Policy{
	InitialDelay:       10 * time.Millisecond,
	BackoffCoefficient: 2,
	MaxAttempts:        8,
}

// Runtime is the engine surface the API needs. *engine.Engine satisfies it.
type Runtime interface {
	HasWorkflow(name string) bool
	Start(ctx context.Context, workflowName, instanceID string, input any) (store.Run, error)
	Drive(ctx context.Context, instanceID string) (store.RunStatus, error)
	Status(ctx context.Context, instanceID string) (store.Run, error)
	History(ctx context.Context, instanceID string) (store.Run, []store.HistoryEntry, error)
}

// Server routes requests to the runtime.
type Server struct {
	rt      Runtime
	secret  []byte
	metrics http.Handler
	logger  *slog.Logger
	base    context.Context
	sleep   retry.SleepFunc
	wg      sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithJWTSecret enables HS256 bearer auth on the run endpoints.
func WithJWTSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.secret = []byte(secret)
		}
	}
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithBaseContext sets the context background drives run under.
// Cancelling it stops them; interrupted runs stay Running and resume later.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.base = ctx
	}
}

// NewServer creates a Server.
func NewServer(rt Runtime, opts ...Option) *Server {
	s := &Server{
		rt:     rt,
		logger: slog.Default(),
		base:   context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	protect := func(h http.HandlerFunc) http.Handler {
		if len(s.secret) == 0 {
			return h
		}
		return s.requireBearer(h)
	}

	mux.Handle("POST /orchestrators/{workflow}/{instanceId}", protect(s.handleStart))
	mux.Handle("GET /orchestrators/{workflow}/{instanceId}", protect(s.handleStart))
	mux.Handle("GET /runtime/instances/{instanceId}", protect(s.handleStatus))
	mux.Handle("GET /runtime/instances/{instanceId}/history", protect(s.handleHistory))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Wait blocks until every background drive has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// CheckStatus is the body of a 202 start response.
type CheckStatus struct {
	ID                 string `json:"id"`
	StatusQueryGetURI  string `json:"statusQueryGetUri"`
	HistoryQueryGetURI string `json:"historyQueryGetUri"`
}

// InstanceStatus is the body of a status response.
type InstanceStatus struct {
	Name            string          `json:"name"`
	InstanceID      string          `json:"instanceId"`
	RuntimeStatus   string          `json:"runtimeStatus"`
	CustomStatus    string          `json:"customStatus"`
	Generation      int64           `json:"generation"`
	Input           json.RawMessage `json:"input"`
	Error           string          `json:"error,omitempty"`
	CreatedTime     time.Time       `json:"createdTime"`
	LastUpdatedTime time.Time       `json:"lastUpdatedTime"`
}

// InstanceHistory is the body of a history response.
type InstanceHistory struct {
	InstanceStatus
	History []store.HistoryEntry `json:"history"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("workflow")
	instanceID := r.PathValue("instanceId")

	if !s.rt.HasWorkflow(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown orchestrator %q", name))
		return
	}

	_, err := s.rt.Start(r.Context(), name, instanceID, nil)
	switch {
	case errors.Is(err, engine.ErrInstanceRunning):
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "An instance with ID '%s' already exists.", instanceID)
		return
	case errors.Is(err, engine.ErrUnknownWorkflow):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error("start failed", "instance", instanceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start instance")
		return
	}

	s.logger.Info("started orchestration", "instance", instanceID, "workflow", name)
	s.drive(instanceID)

	statusURL := baseURL(r) + "/runtime/instances/" + instanceID
	w.Header().Set("Location", statusURL)
	writeJSON(w, http.StatusAccepted, CheckStatus{
		ID:                 instanceID,
		StatusQueryGetURI:  statusURL,
		HistoryQueryGetURI: statusURL + "/history",
	})
}

func (s *Server) drive(instanceID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var status store.RunStatus
		_, err := retry.Do(s.base, busyRetry, s.sleep, func(ctx context.Context, _ int) error {
			var err error
			status, err = s.rt.Drive(ctx, instanceID)
			if err != nil && !errors.Is(err, engine.ErrInstanceBusy) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			s.logger.Error("drive failed", "instance", instanceID, "status", status, "error", err)
			return
		}
		s.logger.Info("orchestration finished", "instance", instanceID, "status", status)
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.rt.Status(r.Context(), r.PathValue("instanceId"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatus(run))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	run, entries, err := s.rt.History(r.Context(), r.PathValue("instanceId"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, InstanceHistory{InstanceStatus: toStatus(run), History: entries})
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	s.logger.Error("status lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, "failed to read instance")
}

func toStatus(run store.Run) InstanceStatus {
	return InstanceStatus{
		Name:            run.Workflow,
		InstanceID:      run.InstanceID,
		RuntimeStatus:   string(run.Status),
		CustomStatus:    run.Phase,
		Generation:      run.Generation,
		Input:           run.Input,
		Error:           run.Error,
		CreatedTime:     run.CreatedAt,
		LastUpdatedTime: run.UpdatedAt,
	}
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
