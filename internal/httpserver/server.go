package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/skobkin/resgov/internal/api"
	"github.com/skobkin/resgov/internal/config"
	"github.com/skobkin/resgov/internal/governor"
	"github.com/skobkin/resgov/internal/inference"
	"github.com/skobkin/resgov/internal/lifecycle"
	"github.com/skobkin/resgov/internal/orchestrator"
	"github.com/skobkin/resgov/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
	maxBodyBytes      = 64 << 10
)

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	gov        *governor.Governor
	overrides  *rate.Limiter
	tracer     trace.Tracer

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	throttled    atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, gov *governor.Governor) *Server {
	limit := rate.Inf
	if cfg.Governor.OverrideRate > 0 {
		limit = rate.Limit(cfg.Governor.OverrideRate)
	}
	burst := cfg.Governor.OverrideBurst
	if burst <= 0 {
		burst = 1
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		gov:       gov,
		overrides: rate.NewLimiter(limit, burst),
		tracer:    otel.Tracer(tracerName),
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/strategy", s.handleStrategy)
	mux.HandleFunc("/api/lifecycle", s.handleLifecycle)
	mux.HandleFunc("/api/inference", s.handleInference)
	mux.Handle("/api/optimize", s.limitOverrides(http.HandlerFunc(s.handleOptimize)))
	mux.Handle("/api/memory/warning", s.limitOverrides(http.HandlerFunc(s.handleMemoryWarning)))
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.instrument(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Connections reports the number of open WebSocket clients.
func (s *Server) Connections() int {
	return int(s.wsActive.Load())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.gov == nil {
		http.Error(w, "governor unavailable", http.StatusServiceUnavailable)
		return
	}

	snapshot, ok := s.gov.State().Latest()
	if !ok {
		http.Error(w, "no state available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snapshot)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.gov == nil {
		http.Error(w, "governor unavailable", http.StatusServiceUnavailable)
		return
	}

	history := s.gov.Orchestrator.History()
	samples := history.Snapshot()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if n < len(samples) {
			samples = samples[len(samples)-n:]
		}
	}
	s.writeJSON(w, r, http.StatusOK, api.HistoryResponse{
		Capacity: history.Cap(),
		Samples:  samples,
	})
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPut) {
		return
	}
	if s.gov == nil {
		http.Error(w, "governor unavailable", http.StatusServiceUnavailable)
		return
	}

	if r.Method == http.MethodGet {
		s.writeJSON(w, r, http.StatusOK, s.gov.Orchestrator.Strategy())
		return
	}
	if !s.allowOverride(w, r) {
		return
	}

	var req api.StrategyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	strategy, err := s.gov.Orchestrator.SetStrategy(r.Context(), req.Strategy)
	switch {
	case errors.Is(err, orchestrator.ErrUnknownStrategy):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.loggerFromContext(r.Context()).Warn("set strategy failed", "err", err)
		http.Error(w, "strategy change failed", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, strategy)
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.gov == nil {
		http.Error(w, "governor unavailable", http.StatusServiceUnavailable)
		return
	}

	report, err := s.gov.Orchestrator.ForceOptimization(r.Context())
	switch {
	case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, orchestrator.ErrEmergencyActive):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.loggerFromContext(r.Context()).Warn("forced optimization failed", "err", err)
		http.Error(w, "optimization failed", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, report)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.gov == nil {
		http.Error(w, "governor unavailable", http.StatusServiceUnavailable)
		return
	}

	var req api.LifecycleRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	ev, err := lifecycle.ParseEvent(req.Event)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := s.gov.Lifecycle.HandleEvent(r.Context(), ev)
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.loggerFromContext(r.Context()).Warn("lifecycle event failed", "event", ev.String(), "err", err)
		http.Error(w, "lifecycle event failed", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.LifecycleResponse{State: state.String()})
}

func (s *Server) handleMemoryWarning(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.gov == nil {
		http.Error(w, "governor unavailable", http.StatusServiceUnavailable)
		return
	}

	if err := s.gov.Memory.HandleLowMemory(r.Context(), "api"); err != nil {
		s.loggerFromContext(r.Context()).Warn("memory warning failed", "err", err)
		http.Error(w, "memory warning failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if s.gov == nil {
		http.Error(w, "governor unavailable", http.StatusServiceUnavailable)
		return
	}

	var req api.InferenceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt must not be empty", http.StatusBadRequest)
		return
	}

	sub, err := s.gov.Lifecycle.SubmitInference(r.Context(), inference.NewRequest(req.Prompt, req.Params))
	if err != nil {
		s.loggerFromContext(r.Context()).Warn("inference submit failed", "err", err)
		http.Error(w, "inference unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := api.InferenceResponse{RequestID: sub.RequestID, Queued: sub.Queued}
	if !req.Wait {
		s.writeJSON(w, r, http.StatusAccepted, resp)
		return
	}

	select {
	case completion, ok := <-sub.Done:
		if !ok {
			http.Error(w, "request abandoned", http.StatusServiceUnavailable)
			return
		}
		resp.Completion = &completion
		s.writeJSON(w, r, http.StatusOK, resp)
	case <-r.Context().Done():
	}
}

func (s *Server) limitOverrides(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowOverride(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOverride(w http.ResponseWriter, r *http.Request) bool {
	if s.overrides.Allow() {
		return true
	}
	s.throttled.Add(1)
	s.loggerFromContext(r.Context()).Warn("override rejected", "reason", "rate_limited")
	w.Header().Set("Retry-After", "1")
	http.Error(w, "too many overrides", http.StatusTooManyRequests)
	return false
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	allow := methods[0]
	for _, m := range methods[1:] {
		allow += ", " + m
	}
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func (s *Server) readiness() readyResponse {
	if s.gov == nil {
		return readyResponse{Status: "degraded", Reason: "governor_not_configured"}
	}

	resp := readyResponse{Tier: s.gov.Classifier.Baseline().Tier.String()}
	signals, ok := s.gov.Classifier.Signals().Latest()
	if !ok || signals.Timestamp.IsZero() {
		resp.Status = "initializing"
		resp.Reason = "waiting_for_signals"
		return resp
	}

	resp.Status = "ok"
	return resp
}

type readyResponse struct {
	Status string `json:"status"`
	Tier   string `json:"tier,omitempty"`
	Reason string `json:"reason,omitempty"`
}
