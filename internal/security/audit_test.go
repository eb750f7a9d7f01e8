package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/switchyard/internal/backends"
)

func TestNewAuditLogger(t *testing.T) {
	config := &AuditConfig{
		Enabled:       true,
		BufferSize:    100,
		FlushInterval: 5 * time.Second,
	}
	logger := logrus.New()

	auditor := NewAuditLogger(config, logger)

	assert.NotNil(t, auditor)
	assert.Equal(t, config, auditor.config)
	assert.NotNil(t, auditor.buffer)
	assert.NotNil(t, auditor.stopChan)

	auditor.Stop()
}

func TestNewAuditLogger_WithDefaults(t *testing.T) {
	config := &AuditConfig{
		Enabled: true,
	}
	logger := logrus.New()

	auditor := NewAuditLogger(config, logger)

	assert.Equal(t, 1000, auditor.config.BufferSize)
	assert.Equal(t, 10*time.Second, auditor.config.FlushInterval)

	auditor.Stop()
}

func TestAuditLogger_LogEvent_Disabled(t *testing.T) {
	config := &AuditConfig{
		Enabled: false,
	}
	logger := logrus.New()
	auditor := NewAuditLogger(config, logger)

	auditor.LogEvent(context.Background(), AdminAction, "test message", map[string]interface{}{"key": "value"})

	assert.Equal(t, int64(0), auditor.GetEventCount())
}

func TestAuditLogger_LogEvent_CapturesContext(t *testing.T) {
	config := &AuditConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Second,
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	auditor := NewAuditLogger(config, logger)

	ctx := backends.WithCorrelationID(context.Background(), "corr-99")
	ctx = context.WithValue(ctx, clientIPKey, "192.168.1.100")
	ctx = ContextWithAuthInfo(ctx, &AuthInfo{UserID: "user-123"})

	auditor.LogEvent(ctx, AdminAction, "Cache cleared", map[string]interface{}{"reason": "operator request"})

	// Stop drains the buffer synchronously
	auditor.Stop()

	assert.Equal(t, int64(1), auditor.GetEventCount())
	require.Len(t, hook.Entries, 1)

	entry := hook.Entries[0]
	assert.Equal(t, "Cache cleared", entry.Message)
	assert.Equal(t, AdminAction, entry.Data["event_type"])
	assert.Equal(t, "corr-99", entry.Data["correlation_id"])
	assert.Equal(t, "user-123", entry.Data["user_id"])
	assert.Equal(t, "192.168.1.100", entry.Data["ip_address"])
	assert.Equal(t, "operator request", entry.Data["detail_reason"])
}

func TestAuditLogger_LogAdminAction_RedactsSensitiveDetails(t *testing.T) {
	config := &AuditConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Second,
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	auditor := NewAuditLogger(config, logger)

	auditor.LogAdminAction(context.Background(), "cache_invalidate", map[string]interface{}{
		"api_key": "sk-very-secret",
		"scope":   "capabilities",
	})

	auditor.Stop()

	require.Len(t, hook.Entries, 1)
	entry := hook.Entries[0]
	assert.Equal(t, "cache_invalidate", entry.Data["detail_action"])
	assert.Equal(t, "***REDACTED***", entry.Data["detail_api_key"])
	assert.Equal(t, "capabilities", entry.Data["detail_scope"])
}

func TestAuditLogger_LogBackendFallback(t *testing.T) {
	config := &AuditConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Second,
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	auditor := NewAuditLogger(config, logger)

	auditor.LogBackendFallback(context.Background(), "primary", "legacy", "backend request failed")

	auditor.Stop()

	require.Len(t, hook.Entries, 1)
	entry := hook.Entries[0]
	assert.Equal(t, BackendFallback, entry.Data["event_type"])
	assert.Equal(t, "primary", entry.Data["detail_from_backend"])
	assert.Equal(t, "legacy", entry.Data["detail_to_backend"])
	assert.Equal(t, logrus.InfoLevel, entry.Level)
}

func TestAuditMiddleware(t *testing.T) {
	config := &AuditConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Second,
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	auditor := NewAuditLogger(config, logger)

	var seenCorrelation string
	handler := auditor.AuditMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCorrelation = backends.CorrelationIDFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/capabilities", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	denied := auditor.AuditMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	req = httptest.NewRequest(http.MethodPost, "/v1/cache/clear", nil)
	rec = httptest.NewRecorder()
	denied.ServeHTTP(rec, req)

	auditor.Stop()

	assert.NotEmpty(t, seenCorrelation, "middleware should seed a correlation id")
	require.Len(t, hook.Entries, 2)

	served := hook.Entries[0]
	assert.Equal(t, RequestServed, served.Data["event_type"])
	assert.Equal(t, "GET /v1/capabilities", served.Message)
	assert.Equal(t, seenCorrelation, served.Data["correlation_id"])
	assert.Equal(t, logrus.DebugLevel, served.Level)

	rejected := hook.Entries[1]
	assert.Equal(t, AuthenticationFailure, rejected.Data["event_type"])
	assert.Equal(t, http.StatusUnauthorized, rejected.Data["status_code"])
	assert.Equal(t, logrus.WarnLevel, rejected.Level)
}

func TestAuditMiddleware_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   AuditEventType
	}{
		{"ok", http.StatusOK, RequestServed},
		{"unauthorized", http.StatusUnauthorized, AuthenticationFailure},
		{"forbidden", http.StatusForbidden, AuthorizationFailure},
		{"rate limited", http.StatusTooManyRequests, RateLimitExceeded},
		{"bad request", http.StatusBadRequest, ValidationFailure},
		{"server error", http.StatusBadGateway, RequestServed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &AuditConfig{Enabled: true, BufferSize: 10, FlushInterval: time.Second}
			logger, hook := test.NewNullLogger()
			logger.SetLevel(logrus.DebugLevel)
			auditor := NewAuditLogger(config, logger)

			handler := auditor.AuditMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/metrics", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			auditor.Stop()

			require.Len(t, hook.Entries, 1)
			assert.Equal(t, tt.want, hook.Entries[0].Data["event_type"])
		})
	}
}

func TestAuditLogger_BufferFullDrops(t *testing.T) {
	config := &AuditConfig{
		Enabled:       false, // Keep the worker from draining
		BufferSize:    1,
		FlushInterval: time.Hour,
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	auditor := NewAuditLogger(config, logger)
	auditor.config.Enabled = true

	auditor.LogEvent(context.Background(), AdminAction, "first", nil)
	auditor.LogEvent(context.Background(), AdminAction, "second", nil)

	assert.Equal(t, int64(1), auditor.GetEventCount(), "second event should be dropped, not block")
}

func TestAuditLogger_StopIsIdempotent(t *testing.T) {
	config := &AuditConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Second,
	}
	logger := logrus.New()
	auditor := NewAuditLogger(config, logger)

	auditor.Stop()
	auditor.Stop() // Second stop must not panic
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, "high", severityFor(AuthenticationFailure))
	assert.Equal(t, "high", severityFor(AuthorizationFailure))
	assert.Equal(t, "medium", severityFor(RateLimitExceeded))
	assert.Equal(t, "medium", severityFor(ValidationFailure))
	assert.Equal(t, "medium", severityFor(AdminAction))
	assert.Equal(t, "medium", severityFor(BackendFallback))
	assert.Equal(t, "low", severityFor(RequestServed))
}
