package security

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/switchyard/internal/backends"
)

// AuditEventType labels operational events worth a durable trail.
type AuditEventType string

const (
	RequestServed         AuditEventType = "request_served"
	AuthenticationFailure AuditEventType = "authentication_failure"
	AuthorizationFailure  AuditEventType = "authorization_failure"
	RateLimitExceeded     AuditEventType = "rate_limit_exceeded"
	ValidationFailure     AuditEventType = "validation_failure"
	AdminAction           AuditEventType = "admin_action"
	BackendFallback       AuditEventType = "backend_fallback"
)

// AuditEvent is a single entry in the operational audit trail.
type AuditEvent struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	EventType     AuditEventType         `json:"event_type"`
	UserID        string                 `json:"user_id,omitempty"`
	IPAddress     string                 `json:"ip_address,omitempty"`
	Resource      string                 `json:"resource,omitempty"`
	Method        string                 `json:"method,omitempty"`
	StatusCode    int                    `json:"status_code,omitempty"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Severity      string                 `json:"severity"`
	Source        string                 `json:"source"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BufferSize      int           `yaml:"buffer_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
}

// AuditLogger buffers audit events and writes them to the structured log
// from a background worker, so the request path never blocks on audit IO.
type AuditLogger struct {
	config     *AuditConfig
	logger     *logrus.Logger
	buffer     chan *AuditEvent
	stopChan   chan struct{}
	wg         sync.WaitGroup
	eventCount atomic.Int64
	mu         sync.RWMutex
	stopped    bool
}

// NewAuditLogger creates an audit logger and starts its worker when
// auditing is enabled.
func NewAuditLogger(config *AuditConfig, logger *logrus.Logger) *AuditLogger {
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 10 * time.Second
	}

	auditor := &AuditLogger{
		config:   config,
		logger:   logger,
		buffer:   make(chan *AuditEvent, config.BufferSize),
		stopChan: make(chan struct{}),
	}

	if config.Enabled {
		auditor.start()
	}

	return auditor
}

// LogEvent records an audit event. Events are dropped with a warning when
// the buffer is full rather than blocking the caller.
func (a *AuditLogger) LogEvent(ctx context.Context, eventType AuditEventType, message string, details map[string]interface{}) {
	event := &AuditEvent{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		EventType:     eventType,
		Message:       message,
		Details:       a.sanitizeDetails(details),
		Severity:      severityFor(eventType),
		Source:        "switchyard",
		CorrelationID: backends.CorrelationIDFrom(ctx),
	}

	if authInfo, ok := GetAuthInfo(ctx); ok {
		event.UserID = authInfo.UserID
	}
	if ip := getClientIP(ctx); ip != "unknown" {
		event.IPAddress = ip
	}

	a.enqueue(event)
}

// LogAdminAction records a mutation of routing state (cache invalidation,
// forced refresh, stats reset) together with who asked for it.
func (a *AuditLogger) LogAdminAction(ctx context.Context, action string, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["action"] = action

	a.LogEvent(ctx, AdminAction, "Administrative action: "+action, details)
}

// LogBackendFallback records a completion that had to switch backends
// after the routed one failed.
func (a *AuditLogger) LogBackendFallback(ctx context.Context, from, to, reason string) {
	a.LogEvent(ctx, BackendFallback, "Request fell back to alternate backend", map[string]interface{}{
		"from_backend": from,
		"to_backend":   to,
		"reason":       reason,
	})
}

// AuditMiddleware captures one trail entry per request. It also seeds the
// correlation id that the router and backend clients propagate downstream.
func (a *AuditLogger) AuditMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()

			wrapper := &auditResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			ctx := r.Context()
			if backends.CorrelationIDFrom(ctx) == "" {
				ctx = backends.WithCorrelationID(ctx, uuid.NewString())
			}
			ctx = context.WithValue(ctx, clientIPKey, getClientIPFromRequest(r))

			next.ServeHTTP(wrapper, r.WithContext(ctx))

			duration := time.Since(startTime)

			details := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": wrapper.statusCode,
				"duration_ms": duration.Milliseconds(),
				"user_agent":  r.UserAgent(),
			}

			eventType := RequestServed
			switch {
			case wrapper.statusCode == http.StatusUnauthorized:
				eventType = AuthenticationFailure
			case wrapper.statusCode == http.StatusForbidden:
				eventType = AuthorizationFailure
			case wrapper.statusCode == http.StatusTooManyRequests:
				eventType = RateLimitExceeded
			case wrapper.statusCode >= 400 && wrapper.statusCode < 500:
				eventType = ValidationFailure
			}

			event := &AuditEvent{
				ID:            uuid.NewString(),
				Timestamp:     time.Now().UTC(),
				EventType:     eventType,
				IPAddress:     getClientIPFromRequest(r),
				Resource:      r.URL.Path,
				Method:        r.Method,
				StatusCode:    wrapper.statusCode,
				Message:       r.Method + " " + r.URL.Path,
				Details:       details,
				Severity:      severityFor(eventType),
				Source:        "switchyard",
				CorrelationID: backends.CorrelationIDFrom(ctx),
			}

			a.enqueue(event)
		})
	}
}

// GetEventCount returns the number of events accepted into the trail.
func (a *AuditLogger) GetEventCount() int64 {
	return a.eventCount.Load()
}

// Stop drains the buffer and stops the worker.
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	if !a.config.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stopChan)
	a.wg.Wait()
	close(a.buffer)

	for event := range a.buffer {
		a.writeEvent(event)
	}
}

// enqueue holds the read lock across the send so Stop cannot close the
// buffer while an event is in flight.
func (a *AuditLogger) enqueue(event *AuditEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.config.Enabled || a.stopped {
		return
	}

	select {
	case a.buffer <- event:
		a.eventCount.Add(1)
	default:
		a.logger.Warn("Audit buffer full, dropping event")
	}
}

func (a *AuditLogger) start() {
	a.wg.Add(1)
	go a.eventProcessor()
}

func (a *AuditLogger) eventProcessor() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	events := make([]*AuditEvent, 0, 100)

	for {
		select {
		case event := <-a.buffer:
			events = append(events, event)

			if len(events) >= 100 {
				a.flushEvents(events)
				events = events[:0]
			}

		case <-ticker.C:
			if len(events) > 0 {
				a.flushEvents(events)
				events = events[:0]
			}

		case <-a.stopChan:
			if len(events) > 0 {
				a.flushEvents(events)
			}
			return
		}
	}
}

func (a *AuditLogger) flushEvents(events []*AuditEvent) {
	for _, event := range events {
		a.writeEvent(event)
	}
}

func (a *AuditLogger) writeEvent(event *AuditEvent) {
	fields := logrus.Fields{
		"audit_event":    true,
		"event_type":     event.EventType,
		"event_id":       event.ID,
		"severity":       event.Severity,
		"correlation_id": event.CorrelationID,
		"timestamp":      event.Timestamp,
	}

	if event.UserID != "" {
		fields["user_id"] = event.UserID
	}
	if event.IPAddress != "" {
		fields["ip_address"] = event.IPAddress
	}
	if event.Resource != "" {
		fields["resource"] = event.Resource
	}
	if event.StatusCode != 0 {
		fields["status_code"] = event.StatusCode
	}

	for key, value := range event.Details {
		fields["detail_"+key] = value
	}

	entry := a.logger.WithFields(fields)

	switch event.Severity {
	case "high":
		entry.Warn(event.Message)
	case "medium":
		entry.Info(event.Message)
	default:
		entry.Debug(event.Message)
	}
}

func (a *AuditLogger) sanitizeDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}

	sanitized := make(map[string]interface{})
	for key, value := range details {
		if a.isSensitiveField(key) {
			sanitized[key] = "***REDACTED***"
		} else {
			sanitized[key] = value
		}
	}

	return sanitized
}

func (a *AuditLogger) isSensitiveField(field string) bool {
	fieldLower := strings.ToLower(field)

	defaultSensitive := []string{
		"password", "token", "secret", "key", "auth", "credential",
		"authorization", "x-api-key", "api-key", "bearer",
	}

	for _, sensitive := range defaultSensitive {
		if strings.Contains(fieldLower, sensitive) {
			return true
		}
	}

	for _, sensitive := range a.config.SensitiveFields {
		if strings.EqualFold(field, sensitive) {
			return true
		}
	}

	return false
}

func severityFor(eventType AuditEventType) string {
	switch eventType {
	case AuthenticationFailure, AuthorizationFailure:
		return "high"
	case RateLimitExceeded, ValidationFailure, AdminAction, BackendFallback:
		return "medium"
	default:
		return "low"
	}
}

type auditResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *auditResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
