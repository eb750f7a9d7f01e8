package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/switchyard/internal/security"
)

func createTestSecurityMiddleware(t *testing.T, config *SecurityMiddlewareConfig) *SecurityMiddleware {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	sm := NewSecurityMiddleware(config, logger)
	t.Cleanup(sm.Stop)
	return sm
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestNewSecurityMiddleware(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     []string{"test-key"},
			RequireAuth: true,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Validation: &security.ValidationConfig{
			MaxRequestSize: 1024,
		},
		Audit: &security.AuditConfig{
			Enabled: true,
		},
	}

	sm := createTestSecurityMiddleware(t, config)

	assert.NotNil(t, sm.authProvider)
	assert.NotNil(t, sm.rateLimiter)
	assert.NotNil(t, sm.validator)
	assert.NotNil(t, sm.auditor)
	assert.NotNil(t, sm.Auditor())
}

func TestNewSecurityMiddleware_EmptyConfig(t *testing.T) {
	sm := createTestSecurityMiddleware(t, &SecurityMiddlewareConfig{})

	assert.Nil(t, sm.authProvider)
	assert.Nil(t, sm.rateLimiter)
	assert.Nil(t, sm.validator)
	assert.Nil(t, sm.auditor)

	// The chain still serves requests with only the header layer
	handler := sm.Handler()(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/v1/capabilities", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "Switchyard/1.0", rec.Header().Get("Server"))
}

func TestSecurityMiddleware_Handler_FullChain(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     []string{"valid-key"},
			RequireAuth: true,
		},
		Validation: &security.ValidationConfig{
			MaxRequestSize: 1024,
		},
		Audit: &security.AuditConfig{
			Enabled: true,
		},
	}
	sm := createTestSecurityMiddleware(t, config)
	handler := sm.Handler()(okHandler())

	t.Run("unauthenticated request rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/capabilities", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("authenticated request passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/capabilities", nil)
		req.Header.Set("X-API-Key", "valid-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Switchyard/1.0", rec.Header().Get("Server"))
	})

	t.Run("health check needs no credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("anonymous body is never parsed", func(t *testing.T) {
		// Authentication rejects before validation sees the bad JSON
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"broken":`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("authenticated bad body rejected by validation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"broken":`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", "valid-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "validation_error")
	})
}

func TestSecurityMiddleware_Handler_RateLimitKeyedByUser(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     []string{"limited-key"},
			RequireAuth: true,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         1,
		},
	}
	sm := createTestSecurityMiddleware(t, config)
	handler := sm.Handler()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/capabilities", nil)
	req.Header.Set("X-API-Key", "limited-key")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limit_error")
}

func TestSecurityMiddleware_CORS(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		AllowedOrigins: []string{"https://ops.example.com"},
	}
	sm := createTestSecurityMiddleware(t, config)
	handler := sm.Handler()(okHandler())

	t.Run("allowed origin gets cors headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
		req.Header.Set("Origin", "https://ops.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unknown origin gets none", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/capabilities", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestSecurityMiddleware_RequireAdmin(t *testing.T) {
	t.Run("no auth provider leaves gate open", func(t *testing.T) {
		sm := createTestSecurityMiddleware(t, &SecurityMiddlewareConfig{})

		called := false
		guarded := sm.RequireAdmin(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodPost, "/v1/cache/clear", nil)
		rec := httptest.NewRecorder()
		guarded(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, called)
	})

	t.Run("auth provider enforces admin permission", func(t *testing.T) {
		sm := createTestSecurityMiddleware(t, &SecurityMiddlewareConfig{
			Auth: &security.Config{
				APIKeys:     []string{"plain-key"},
				RequireAuth: true,
			},
		})

		guarded := sm.RequireAdmin(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodPost, "/v1/cache/clear", nil)
		rec := httptest.NewRecorder()
		guarded(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestSecurityMiddleware_GetStats(t *testing.T) {
	sm := createTestSecurityMiddleware(t, &SecurityMiddlewareConfig{
		Auth: &security.Config{APIKeys: []string{"k"}},
		RateLimit: &security.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
		},
		Audit: &security.AuditConfig{Enabled: true},
	})

	stats := sm.GetStats()

	assert.Equal(t, true, stats["authentication_enabled"])
	assert.Equal(t, true, stats["rate_limiter_enabled"])
	assert.Equal(t, false, stats["validation_enabled"])
	assert.Equal(t, int64(0), stats["audit_events_logged"])
}
