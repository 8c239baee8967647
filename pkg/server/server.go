// Package server exposes the dispatcher, bypass registry and trigger runner
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/ruleflow/pkg/bypass"
	"github.com/polisai/ruleflow/pkg/domain"
	"github.com/polisai/ruleflow/pkg/engine"
	"github.com/polisai/ruleflow/pkg/telemetry"
	"github.com/polisai/ruleflow/pkg/trigger"
)

// PermissionsHeader carries the caller's granted permissions as a
// comma-separated list.
const PermissionsHeader = "X-Ruleflow-Permissions"

const maxBodyBytes = 4 << 20

// Config holds dependencies for the API handler.
type Config struct {
	Dispatcher *engine.Dispatcher
	Runner     *trigger.Runner
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
	// RateLimit applies to the /v1 routes.
	RateLimit RateLimit
}

// Server routes API requests.
type Server struct {
	dispatcher *engine.Dispatcher
	simulator  *engine.Simulator
	runner     *trigger.Runner
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	router     *mux.Router
	limiter    *rateLimiter
}

// New builds the API handler.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	s := &Server{
		dispatcher: cfg.Dispatcher,
		simulator:  engine.NewSimulator(cfg.Dispatcher, logger),
		runner:     cfg.Runner,
		metrics:    metrics,
		logger:     logger.With("component", "api"),
		router:     mux.NewRouter(),
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.metrics.MetricsMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	if s.limiter != nil {
		api.Use(s.limiter.middleware)
	}
	api.HandleFunc("/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/bindings", s.handleBindings).Methods(http.MethodGet)
	api.HandleFunc("/bypass", s.handleListBypass).Methods(http.MethodGet)
	api.HandleFunc("/bypass", s.handleClearAllBypass).Methods(http.MethodDelete)
	api.HandleFunc("/bypass/{id}", s.handleSetBypass).Methods(http.MethodPut)
	api.HandleFunc("/bypass/{id}", s.handleClearBypass).Methods(http.MethodDelete)
	api.HandleFunc("/records/{entity}", s.handleInsertRecords).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "ruleflow.api")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"generation": s.dispatcher.Catalog().Generation(),
	})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req engine.SimulationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.EntityType) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "entityType is required")
		return
	}
	phase, err := domain.ParsePhase(string(req.Phase))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_phase", err.Error())
		return
	}
	req.Phase = phase

	resp, err := s.simulator.Simulate(withPermissions(r), req)
	s.metrics.RecordDispatch(req.EntityType, string(phase), dispatchOutcome(resp.Result, err))
	if err != nil {
		s.logger.Error("dispatch failed", "entity_type", req.EntityType, "phase", string(phase), "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// BindingsResponse lists the active catalog's bindings.
type BindingsResponse struct {
	Generation string               `json:"generation"`
	Bindings   []domain.RuleBinding `json:"bindings"`
}

func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	cat := s.dispatcher.Catalog()
	entity := r.URL.Query().Get("entity")
	rawPhase := r.URL.Query().Get("phase")

	var bindings []domain.RuleBinding
	switch {
	case entity != "" && rawPhase != "":
		phase, err := domain.ParsePhase(rawPhase)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_phase", err.Error())
			return
		}
		bindings = cat.BindingsFor(entity, phase)
	case entity != "" || rawPhase != "":
		writeError(w, http.StatusBadRequest, "invalid_request", "entity and phase must be given together")
		return
	default:
		bindings = cat.All()
	}
	if bindings == nil {
		bindings = []domain.RuleBinding{}
	}
	writeJSON(w, http.StatusOK, BindingsResponse{Generation: cat.Generation(), Bindings: bindings})
}

// BypassResponse lists the rule ids currently bypassed at runtime.
type BypassResponse struct {
	Bypassed []string `json:"bypassed"`
}

func (s *Server) bypassState() BypassResponse {
	ids := s.dispatcher.Bypass().List()
	if ids == nil {
		ids = []string{}
	}
	return BypassResponse{Bypassed: ids}
}

func (s *Server) handleListBypass(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bypassState())
}

func (s *Server) handleSetBypass(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.dispatcher.Bypass().Bypass(id)
	s.logger.Info("rule bypassed", "rule_id", id)
	writeJSON(w, http.StatusOK, s.bypassState())
}

func (s *Server) handleClearBypass(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.dispatcher.Bypass().ClearBypass(id)
	s.logger.Info("rule bypass cleared", "rule_id", id)
	writeJSON(w, http.StatusOK, s.bypassState())
}

func (s *Server) handleClearAllBypass(w http.ResponseWriter, _ *http.Request) {
	s.dispatcher.Bypass().ClearAll()
	s.logger.Info("all rule bypasses cleared")
	writeJSON(w, http.StatusOK, s.bypassState())
}

// InsertRequest is the body of POST /v1/records/{entity}.
type InsertRequest struct {
	Records []*domain.Record `json:"records"`
}

// DMLErrorResponse reports records rejected by before-phase rules.
type DMLErrorResponse struct {
	domain.ErrorResponse
	Errors []domain.ValidationError `json:"errors"`
}

func (s *Server) handleInsertRecords(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "record storage is not configured")
		return
	}
	entity := mux.Vars(r)["entity"]

	var req InsertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "records are required")
		return
	}

	result, err := s.runner.InsertRecords(withPermissions(r), entity, req.Records)
	if err != nil {
		var dmlErr *trigger.DMLError
		var ruleErr *domain.RuleExecutionError
		switch {
		case errors.As(err, &dmlErr):
			writeJSON(w, http.StatusUnprocessableEntity, DMLErrorResponse{
				ErrorResponse: domain.ErrorResponse{Code: "rejected", Message: dmlErr.Error()},
				Errors:        dmlErr.Errors,
			})
		case errors.As(err, &ruleErr):
			writeError(w, http.StatusUnprocessableEntity, "rule_failed", ruleErr.Error())
		default:
			s.logger.Error("insert failed", "entity_type", entity, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func withPermissions(r *http.Request) context.Context {
	raw := r.Header.Get(PermissionsHeader)
	if raw == "" {
		return r.Context()
	}
	var names []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return bypass.WithPermissions(r.Context(), names...)
}

func dispatchOutcome(result domain.ExecutionResult, err error) string {
	switch {
	case err != nil:
		return "failed"
	case result.Bypassed:
		return "bypassed"
	case len(result.Errors) > 0:
		return "record_errors"
	default:
		return "ok"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, domain.ErrorResponse{Code: code, Message: message})
}
