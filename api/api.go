// Package api exposes the engine's control surface over HTTP: definition
// deployment, instance lifecycle, tasks, topic handlers and read-only graph
// queries. Handlers map engine sentinel errors to response codes; all
// payloads are JSON.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/process"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/topic"
	"github.com/c360studio/semflow/variables"
)

// Options configure the service beyond its collaborators.
type Options struct {
	// HandlerClient is used by topic handlers registered through the API.
	HandlerClient *http.Client

	// HandlerTimeout and HandlerRetries are the defaults applied to
	// descriptors that do not set their own.
	HandlerTimeout time.Duration
	HandlerRetries int
}

// Service wires the engine and its collaborators to HTTP handlers.
type Service struct {
	engine  *engine.Engine
	store   *store.Store
	topics  *topic.Registry
	metrics *metrics.Metrics
	logger  *slog.Logger

	client         *http.Client
	handlerTimeout time.Duration
	handlerRetries int
}

// New creates the API service. metrics may be nil.
func New(eng *engine.Engine, st *store.Store, topics *topic.Registry, m *metrics.Metrics, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.HandlerClient == nil {
		opts.HandlerClient = http.DefaultClient
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	return &Service{
		engine:         eng,
		store:          st,
		topics:         topics,
		metrics:        m,
		logger:         logger,
		client:         opts.HandlerClient,
		handlerTimeout: opts.HandlerTimeout,
		handlerRetries: opts.HandlerRetries,
	}
}

// Register mounts every route on the mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /definitions", s.handleDeploy)
	mux.HandleFunc("GET /definitions", s.handleListDefinitions)
	mux.HandleFunc("GET /definitions/{id}", s.handleGetDefinition)
	mux.HandleFunc("DELETE /definitions/{id}", s.handleRetireDefinition)

	mux.HandleFunc("POST /instances", s.handleStartInstance)
	mux.HandleFunc("GET /instances", s.handleListInstances)
	mux.HandleFunc("GET /instances/{id}", s.handleGetInstance)
	mux.HandleFunc("DELETE /instances/{id}", s.handleCancelInstance)
	mux.HandleFunc("GET /instances/{id}/variables", s.handleGetVariables)
	mux.HandleFunc("PUT /instances/{id}/variables/{name}", s.handleSetVariable)
	mux.HandleFunc("GET /instances/{id}/events", s.handleGetEvents)
	mux.HandleFunc("POST /instances/{id}/errors", s.handleThrowError)

	mux.HandleFunc("POST /messages", s.handleMessage)
	mux.HandleFunc("POST /signals", s.handleSignal)
	mux.HandleFunc("POST /callbacks/{id}", s.handleCallback)

	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/claim", s.handleClaimTask)
	mux.HandleFunc("POST /tasks/{id}/complete", s.handleCompleteTask)

	mux.HandleFunc("GET /topics", s.handleListTopics)
	mux.HandleFunc("POST /topics", s.handleRegisterTopic)
	mux.HandleFunc("DELETE /topics/{topic}", s.handleUnregisterTopic)
	mux.HandleFunc("POST /topics/{topic}/test", s.handleTestTopic)

	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /graphs/{graph}", s.handleExportGraph)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status code.
func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// decode parses the request body into v, answering 400 on failure.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// fail maps engine and process sentinel errors to HTTP status codes.
func (s *Service) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound),
		errors.Is(err, process.ErrNotFound),
		errors.Is(err, engine.ErrNoSubscription),
		errors.Is(err, topic.ErrUnknownTopic),
		errors.Is(err, store.ErrUnknownGraph):
		status = http.StatusNotFound
	case errors.Is(err, process.ErrBadDefinition),
		errors.Is(err, variables.ErrBadDatatype),
		errors.Is(err, variables.ErrTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrBadState),
		errors.Is(err, process.ErrRetired):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

// actorOf identifies the caller for audit records.
func actorOf(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}
