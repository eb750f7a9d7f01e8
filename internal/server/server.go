package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/switchyard/internal/backends"
	"github.com/tributary-ai/switchyard/internal/capability"
	"github.com/tributary-ai/switchyard/internal/metrics"
	"github.com/tributary-ai/switchyard/internal/middleware"
	"github.com/tributary-ai/switchyard/internal/routing"
	"github.com/tributary-ai/switchyard/internal/security"
	"github.com/tributary-ai/switchyard/internal/types"
)

// Server is the HTTP front of the switchyard: the routed completion path
// plus introspection and admin endpoints.
type Server struct {
	router     *routing.Router
	targets    map[types.BackendType]backends.Backend
	detector   *capability.Detector
	cache      *capability.Cache
	collector  *metrics.Collector
	exporter   *metrics.Exporter
	httpServer *http.Server
	logger     *logrus.Logger
	config     *ServerConfig
	security   *middleware.SecurityMiddleware
	validation *middleware.ValidationMiddleware
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string                               `yaml:"host"`
	Port           string                               `yaml:"port"`
	ReadTimeout    time.Duration                        `yaml:"read_timeout"`
	WriteTimeout   time.Duration                        `yaml:"write_timeout"`
	MaxHeaderBytes int                                  `yaml:"max_header_bytes"`
	Security       *middleware.SecurityMiddlewareConfig `yaml:"security"`
	Validation     *middleware.ValidationConfig         `yaml:"validation"`
}

// NewServer wires the routing core to the HTTP surface.
func NewServer(router *routing.Router, targets map[types.BackendType]backends.Backend, detector *capability.Detector, cache *capability.Cache, collector *metrics.Collector, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	server := &Server{
		router:    router,
		targets:   targets,
		detector:  detector,
		cache:     cache,
		collector: collector,
		exporter:  metrics.NewExporter(collector),
		logger:    logger,
		config:    config,
	}

	if config.Security != nil {
		server.security = middleware.NewSecurityMiddleware(config.Security, logger)
	}

	if config.Validation != nil {
		validation, err := middleware.NewValidationMiddleware(config.Validation, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize schema validation: %w", err)
		}
		server.validation = validation
	}

	return server, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	r := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           s.config.Host + ":" + s.config.Port,
		Handler:        r,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithFields(logrus.Fields{
		"host": s.config.Host,
		"port": s.config.Port,
	}).Info("Starting switchyard server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping switchyard server")

	if s.security != nil {
		s.security.Stop()
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	if s.security != nil {
		r.Use(s.security.Handler())
	}
	r.Use(s.loggingMiddleware)

	api := r.PathPrefix("/v1").Subrouter()
	if s.validation != nil {
		api.Use(s.validation.Middleware)
	}

	// Routed request path
	api.HandleFunc("/chat/completions", s.handleChatCompletion).Methods("POST")

	// Introspection
	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods("GET")
	api.HandleFunc("/capabilities", s.handleCapabilities).Methods("GET")
	api.HandleFunc("/metrics", s.handleMetricsSummary).Methods("GET")
	api.HandleFunc("/metrics/errors", s.handleErrorMetrics).Methods("GET")
	api.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	// Admin controls
	api.HandleFunc("/capabilities/refresh", s.adminOnly(s.handleCapabilityRefresh)).Methods("POST")
	api.HandleFunc("/cache/invalidate", s.adminOnly(s.handleCacheInvalidate)).Methods("POST")
	api.HandleFunc("/cache/clear", s.adminOnly(s.handleCacheClear)).Methods("POST")

	// Operational endpoints outside the /v1 prefix
	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	r.Handle("/metrics", s.exporter.Handler()).Methods("GET")

	s.setupSwaggerRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         wrapped.statusCode,
			"duration_ms":    time.Since(start).Milliseconds(),
			"correlation_id": backends.CorrelationIDFrom(r.Context()),
			"remote_addr":    r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// adminOnly gates mutating endpoints behind the admin permission when
// security is configured.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	if s.security == nil {
		return next
	}
	return s.security.RequireAdmin(next)
}

func (s *Server) auditor() *security.AuditLogger {
	if s.security == nil {
		return nil
	}
	return s.security.Auditor()
}

// Handlers

// handleChatCompletion serves the routed completion path: decide, call the
// chosen backend, and on failure try the other surface once.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req types.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request_error", "invalid_json", fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request_error", "missing_messages", "At least one message is required")
		return
	}

	start := time.Now()
	decision := s.router.Decide(ctx, false)

	// Re-seed the context so backend classification and error responses
	// carry the decision's correlation id even when no middleware did.
	ctx = backends.WithCorrelationID(ctx, decision.CorrelationID)
	r = r.WithContext(ctx)

	target, ok := s.targets[decision.Backend]
	if !ok {
		s.writeErrorResponse(w, r, http.StatusServiceUnavailable, "upstream_error", "backend_unavailable", fmt.Sprintf("No client configured for %s backend", decision.Backend))
		return
	}

	served := decision.Backend
	fallbackUsed := false

	resp, err := s.callBackend(ctx, target, &req)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"backend":        decision.Backend,
			"correlation_id": decision.CorrelationID,
		}).Warn("Routed backend call failed")

		fallback, available := s.fallbackTarget(decision)
		if available && ctx.Err() == nil {
			if auditor := s.auditor(); auditor != nil {
				_, kind := describeFailure(err)
				auditor.LogBackendFallback(ctx, decision.Backend.String(), fallback.Type().String(), kind)
			}

			fallbackUsed = true
			resp, err = s.callBackend(ctx, fallback, &req)
			if err == nil {
				served = fallback.Type()
			}
		}
	}

	s.collector.RecordDecision(decision.Backend, decision.DecisionTimeMS, decision.CacheHit, fallbackUsed)

	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}

	resp.RouterMetadata = &types.RouterMetadata{
		Backend:        served,
		Reason:         decision.Reason,
		Confidence:     decision.Confidence,
		FallbackUsed:   fallbackUsed,
		CorrelationID:  decision.CorrelationID,
		ProcessingTime: time.Since(start),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// callBackend performs one completion attempt and feeds the outcome to the
// router's adaptive state and the metrics collector.
func (s *Server) callBackend(ctx context.Context, target backends.Backend, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	start := time.Now()
	resp, err := target.Complete(ctx, req)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	s.router.RecordResult(target.Type(), err == nil, err)

	if err != nil {
		message, kind := describeFailure(err)
		s.collector.RecordRequest(target.Type(), false, elapsed, message, kind, backends.CorrelationIDFrom(ctx))
		return nil, err
	}

	s.collector.RecordRequest(target.Type(), true, elapsed, "", "", backends.CorrelationIDFrom(ctx))
	return resp, nil
}

func (s *Server) fallbackTarget(decision *routing.Decision) (backends.Backend, bool) {
	if !decision.FallbackAvailable {
		return nil, false
	}
	target, ok := s.targets[decision.Backend.Other()]
	return target, ok
}

// handleRoutingDecision returns the routing verdict without calling a
// backend.
func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force_refresh") == "true"
	decision := s.router.Decide(r.Context(), force)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}

// handleCapabilities returns per-capability probe records plus cache
// freshness.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	status := s.detector.CapabilityStatus()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleCapabilityRefresh forces a detection pass regardless of cache
// freshness.
func (s *Server) handleCapabilityRefresh(w http.ResponseWriter, r *http.Request) {
	caps, err := s.detector.DetectCapabilities(r.Context(), true)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}

	if auditor := s.auditor(); auditor != nil {
		auditor.LogAdminAction(r.Context(), "capabilities_refresh", map[string]interface{}{
			"capabilities": caps,
		})
	}

	response := map[string]interface{}{
		"refreshed":    true,
		"capabilities": caps,
		"timestamp":    time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCacheInvalidate drops cache validity and clears sticky unavailable
// verdicts so the next decision re-probes.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	s.cache.Invalidate()
	s.router.NoteCacheInvalidated()

	if auditor := s.auditor(); auditor != nil {
		auditor.LogAdminAction(r.Context(), "cache_invalidate", nil)
	}

	response := map[string]interface{}{
		"status":    "invalidated",
		"timestamp": time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCacheClear removes the cached capabilities entirely, durable copy
// included.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.cache.Clear()
	s.router.NoteCacheInvalidated()

	if auditor := s.auditor(); auditor != nil {
		auditor.LogAdminAction(r.Context(), "cache_clear", nil)
	}

	response := map[string]interface{}{
		"status":    "cleared",
		"timestamp": time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	summary := s.collector.Summary()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// handleErrorMetrics reports recent failures filtered to a time window.
func (s *Server) handleErrorMetrics(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request_error", "invalid_hours", "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	summary := s.collector.ErrorSummary(hours)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// handleHealthCheck reports liveness plus what the router currently
// believes about both surfaces. The process stays "unknown" rather than
// unhealthy until a probe has actually run.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	status := s.detector.CapabilityStatus()
	states := s.router.BackendStates()

	available := 0
	for _, record := range status.Capabilities {
		if record.Available {
			available++
		}
	}

	overall := "healthy"
	statusCode := http.StatusOK
	switch {
	case len(status.Capabilities) == 0:
		overall = "unknown"
	case available == 0:
		overall = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	case available < len(status.Capabilities):
		overall = "degraded"
	}

	response := map[string]interface{}{
		"status":       overall,
		"capabilities": status.Capabilities,
		"cache": map[string]interface{}{
			"valid":       status.CacheValid,
			"ttl_seconds": status.CacheTTLSeconds,
			"age_seconds": status.CacheAgeSeconds,
		},
		"backends":  states,
		"timestamp": time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// Helper functions

// writeBackendError maps a classified upstream failure onto a caller
// response. Quota and timeout keep their transport meaning; everything
// else surfaces as a gateway-side failure.
func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	classified, ok := backends.AsError(err)
	if !ok {
		s.writeErrorResponse(w, r, http.StatusBadGateway, "upstream_error", "", err.Error())
		return
	}

	statusCode := http.StatusBadGateway
	switch classified.Kind {
	case backends.KindQuota:
		statusCode = http.StatusTooManyRequests
	case backends.KindTimeout:
		statusCode = http.StatusGatewayTimeout
	}

	message, _ := describeFailure(err)
	s.writeErrorResponse(w, r, statusCode, "upstream_error", string(classified.Kind), message)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := &types.ErrorResponse{
		Error: types.ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    code,
		},
		CorrelationID: backends.CorrelationIDFrom(r.Context()),
	}

	json.NewEncoder(w).Encode(resp)
}

// describeFailure extracts the caller-safe message and taxonomy kind from
// a classified failure.
func describeFailure(err error) (message, kind string) {
	classified, ok := backends.AsError(err)
	if !ok {
		return err.Error(), ""
	}

	message = "upstream request failed"
	if classified.Err != nil {
		message = classified.Err.Error()
	}
	return message, string(classified.Kind)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
