package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewRateLimiter(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         10,
		WindowDuration:    time.Minute,
		CleanupInterval:   5 * time.Minute,
	}
	logger := logrus.New()

	limiter := NewRateLimiter(config, logger)
	defer limiter.Stop()

	assert.NotNil(t, limiter)
	assert.Equal(t, config, limiter.config)
	assert.NotNil(t, limiter.buckets)
	assert.NotNil(t, limiter.cleanupTicker)
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 30,
	}
	logger := logrus.New()

	limiter := NewRateLimiter(config, logger)
	defer limiter.Stop()

	assert.Equal(t, time.Minute, config.WindowDuration)
	assert.Equal(t, 5*time.Minute, config.CleanupInterval)
	assert.Equal(t, 30, config.BurstSize, "burst should default to the per-minute limit")
}

func TestRateLimiter_Allow_Disabled(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           false,
		RequestsPerMinute: 60,
	}
	logger := logrus.New()
	limiter := NewRateLimiter(config, logger)
	defer limiter.Stop()

	result := limiter.Allow("test-key")
	assert.True(t, result.Allowed)
	assert.Equal(t, 60, result.Remaining)
}

func TestRateLimiter_Allow_WithinLimit(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         10,
		WindowDuration:    time.Minute,
	}
	logger := logrus.New()
	limiter := NewRateLimiter(config, logger)
	defer limiter.Stop()

	// First request should be allowed
	result := limiter.Allow("test-key")
	assert.True(t, result.Allowed)
	assert.Equal(t, 9, result.Remaining) // Started with 10, used 1

	// Several more requests should be allowed
	for i := 0; i < 8; i++ {
		result = limiter.Allow("test-key")
		assert.True(t, result.Allowed)
	}

	// Last allowed request
	result = limiter.Allow("test-key")
	assert.True(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
}

func TestRateLimiter_Allow_ExceedLimit(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         2, // Small burst for easy testing
		WindowDuration:    time.Minute,
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	limiter := NewRateLimiter(config, logger)
	defer limiter.Stop()

	// Use up all tokens
	for i := 0; i < 2; i++ {
		result := limiter.Allow("test-key")
		assert.True(t, result.Allowed)
	}

	// Next request should be denied
	result := limiter.Allow("test-key")
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, 60, result.Limit)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
}

func TestRateLimiter_Allow_DifferentKeys(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1, // One request per key
		WindowDuration:    time.Minute,
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	limiter := NewRateLimiter(config, logger)
	defer limiter.Stop()

	// First key should be allowed
	result := limiter.Allow("key1")
	assert.True(t, result.Allowed)

	// Second key should also be allowed (different bucket)
	result = limiter.Allow("key2")
	assert.True(t, result.Allowed)

	// First key should be denied (bucket exhausted)
	result = limiter.Allow("key1")
	assert.False(t, result.Allowed)
}

func TestRateLimiter_TokenRefill(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         2,
		WindowDuration:    time.Minute,
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	limiter := NewRateLimiter(config, logger)
	defer limiter.Stop()

	// Exhaust tokens
	assert.True(t, limiter.Allow("test-key").Allowed)
	assert.True(t, limiter.Allow("test-key").Allowed)
	assert.False(t, limiter.Allow("test-key").Allowed)

	// Backdate the last refill so elapsed time earns tokens back
	bucket := limiter.getOrCreateBucket("test-key")
	bucket.mutex.Lock()
	bucket.lastRefill = time.Now().Add(-time.Minute)
	bucket.mutex.Unlock()

	result := limiter.Allow("test-key")
	assert.True(t, result.Allowed, "a full window of elapsed time should refill the bucket")
	assert.Equal(t, 1, result.Remaining, "refill is capped at the burst size")
}

func TestRateLimiter_Reset(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
		WindowDuration:    time.Minute,
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	limiter := NewRateLimiter(config, logger)
	defer limiter.Stop()

	// Exhaust the bucket
	assert.True(t, limiter.Allow("test-key").Allowed)
	assert.False(t, limiter.Allow("test-key").Allowed)

	// Reset the key
	limiter.Reset("test-key")

	// Should be allowed again
	assert.True(t, limiter.Allow("test-key").Allowed)
}

func TestRateLimiter_GetLimits(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         10,
		WindowDuration:    time.Minute,
	}
	logger := logrus.New()
	limiter := NewRateLimiter(config, logger)
	defer limiter.Stop()

	// Get limits for new key
	info := limiter.GetLimits("test-key")
	assert.Equal(t, 60, info.Limit)
	assert.Equal(t, 0, info.Used)
	assert.Equal(t, 10, info.Remaining)

	// Use some tokens
	limiter.Allow("test-key")
	limiter.Allow("test-key")

	// Check limits again
	info = limiter.GetLimits("test-key")
	assert.Equal(t, 60, info.Limit)
	assert.Equal(t, 2, info.Used)
	assert.Equal(t, 8, info.Remaining)
}

func TestRateLimiter_Stop(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   100 * time.Millisecond,
	}
	logger := logrus.New()
	limiter := NewRateLimiter(config, logger)

	assert.NotNil(t, limiter.cleanupTicker)

	limiter.Stop()
	limiter.Stop() // Second stop must not panic
}

func TestRateLimitMiddleware(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
		WindowDuration:    time.Minute,
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	limiter := NewRateLimiter(config, logger)
	defer limiter.Stop()

	handler := RateLimitMiddleware(limiter, func(r *http.Request) string {
		return "fixed-key"
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// First request passes and carries limit headers
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	// Second request is denied with the standard error envelope
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_error")
	assert.Contains(t, rec.Body.String(), "retry_after")
}

func TestRateLimitMiddleware_EmptyKeyBypasses(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	}
	logger := logrus.New()
	limiter := NewRateLimiter(config, logger)
	defer limiter.Stop()

	handler := RateLimitMiddleware(limiter, func(r *http.Request) string {
		return ""
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestDefaultKeyExtractor(t *testing.T) {
	// Authenticated requests are keyed by user
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	authInfo := &AuthInfo{UserID: "user_abc12345"}
	req = req.WithContext(ContextWithAuthInfo(req.Context(), authInfo))

	assert.Equal(t, "user:user_abc12345", DefaultKeyExtractor(req))

	// Anonymous requests fall back to client IP
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.4:5678"

	assert.Equal(t, "ip:192.0.2.4", DefaultKeyExtractor(req))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	config := &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         5,
		WindowDuration:    time.Minute,
		CleanupInterval:   time.Hour, // Keep the ticker out of the way
	}
	logger := logrus.New()
	limiter := NewRateLimiter(config, logger)
	defer limiter.Stop()

	limiter.Allow("stale-key")
	limiter.Allow("fresh-key")

	// Age one bucket past the retention cutoff
	limiter.mutex.Lock()
	limiter.buckets["stale-key"].lastRefill = time.Now().Add(-3 * config.WindowDuration)
	limiter.mutex.Unlock()

	limiter.cleanup()

	limiter.mutex.RLock()
	defer limiter.mutex.RUnlock()
	assert.NotContains(t, limiter.buckets, "stale-key")
	assert.Contains(t, limiter.buckets, "fresh-key")
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{
			name: "normal key",
			key:  "sk-1234567890abcdef",
			want: "sk-1****",
		},
		{
			name: "short key",
			key:  "short",
			want: "****",
		},
		{
			name: "exactly 8 chars",
			key:  "12345678",
			want: "****",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, maskKey(tt.key))
		})
	}
}

func TestMinInt(t *testing.T) {
	tests := []struct {
		name string
		a, b int
		want int
	}{
		{"a smaller", 5, 10, 5},
		{"b smaller", 10, 5, 5},
		{"equal", 7, 7, 7},
		{"negative", -5, -10, -10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, minInt(tt.a, tt.b))
		})
	}
}
