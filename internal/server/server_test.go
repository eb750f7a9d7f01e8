package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/switchyard/internal/backends"
	"github.com/tributary-ai/switchyard/internal/capability"
	"github.com/tributary-ai/switchyard/internal/metrics"
	"github.com/tributary-ai/switchyard/internal/middleware"
	"github.com/tributary-ai/switchyard/internal/routing"
	"github.com/tributary-ai/switchyard/internal/security"
	"github.com/tributary-ai/switchyard/internal/types"
)

// fakeBackend answers completions with a canned response or error.
type fakeBackend struct {
	backendType types.BackendType
	err         error
	calls       int32
}

func (f *fakeBackend) Type() types.BackendType { return f.backendType }

func (f *fakeBackend) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &types.CompletionResponse{
		ID:      "resp-" + f.backendType.String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "test-model",
		Choices: []types.Choice{
			{Index: 0, Message: types.Message{Role: "assistant", Content: "pong"}, FinishReason: "stop"},
		},
		Usage: &types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}, nil
}

func (f *fakeBackend) Probe(ctx context.Context) error { return f.err }

func (f *fakeBackend) completeCalls() int32 { return atomic.LoadInt32(&f.calls) }

func bothAvailable() map[string]bool {
	return map[string]bool{
		types.CapabilityPrimaryAPI: true,
		types.CapabilityLegacyAPI:  true,
	}
}

func healthyTargets() (map[types.BackendType]backends.Backend, *fakeBackend, *fakeBackend) {
	primary := &fakeBackend{backendType: types.BackendPrimary}
	legacy := &fakeBackend{backendType: types.BackendLegacy}
	targets := map[types.BackendType]backends.Backend{
		types.BackendPrimary: primary,
		types.BackendLegacy:  legacy,
	}
	return targets, primary, legacy
}

func createTestServer(t *testing.T, caps map[string]bool, targets map[types.BackendType]backends.Backend, securityConfig *middleware.SecurityMiddlewareConfig) (*Server, http.Handler) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cache := capability.NewCache(filepath.Join(t.TempDir(), "capabilities.json"), 300*time.Second, logger)
	if caps != nil {
		cache.Set(caps)
	}

	probeTargets := make([]backends.Backend, 0, len(targets))
	for _, target := range targets {
		probeTargets = append(probeTargets, target)
	}
	detector := capability.NewDetector(probeTargets, cache, time.Second, logger)

	detect := func(ctx context.Context) (map[string]bool, error) {
		return detector.DetectCapabilities(ctx, true)
	}
	router := routing.NewRouter(routing.DefaultPolicy(), cache, detect, logger)

	collector := metrics.NewCollector("", logger)

	config := &ServerConfig{Port: "0", Security: securityConfig}
	server, err := NewServer(router, targets, detector, cache, collector, config, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.Stop(context.Background())
	})

	return server, server.setupRoutes()
}

func doRequest(handler http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func chatBody(t *testing.T) io.Reader {
	t.Helper()
	body, err := json.Marshal(&types.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func TestNewServer(t *testing.T) {
	targets, _, _ := healthyTargets()
	server, _ := createTestServer(t, bothAvailable(), targets, nil)

	assert.NotNil(t, server.router)
	assert.NotNil(t, server.exporter)
	assert.Nil(t, server.security)
	assert.Nil(t, server.validation)
}

func TestHandleChatCompletion_ServesPrimary(t *testing.T) {
	targets, primary, legacy := healthyTargets()
	server, handler := createTestServer(t, bothAvailable(), targets, nil)

	rr := doRequest(handler, "POST", "/v1/chat/completions", chatBody(t))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp types.CompletionResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "resp-primary", resp.ID)

	require.NotNil(t, resp.RouterMetadata)
	assert.Equal(t, types.BackendPrimary, resp.RouterMetadata.Backend)
	assert.False(t, resp.RouterMetadata.FallbackUsed)
	assert.NotEmpty(t, resp.RouterMetadata.CorrelationID)
	assert.Greater(t, resp.RouterMetadata.Confidence, 0.0)

	assert.Equal(t, int32(1), primary.completeCalls())
	assert.Equal(t, int32(0), legacy.completeCalls())

	summary := server.collector.Summary()
	assert.Equal(t, int64(1), summary.TotalRequests)
	assert.Equal(t, int64(1), summary.Backends[types.BackendPrimary.String()].SuccessfulRequests)
	assert.Equal(t, int64(1), summary.Routing.TotalDecisions)
}

func TestHandleChatCompletion_FallsBackToLegacy(t *testing.T) {
	targets, primary, legacy := healthyTargets()
	primary.err = backends.FromStatus(500, "primary exploded", types.BackendPrimary, "", "", "")
	server, handler := createTestServer(t, bothAvailable(), targets, nil)

	rr := doRequest(handler, "POST", "/v1/chat/completions", chatBody(t))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp types.CompletionResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "resp-legacy", resp.ID)

	require.NotNil(t, resp.RouterMetadata)
	assert.Equal(t, types.BackendLegacy, resp.RouterMetadata.Backend)
	assert.True(t, resp.RouterMetadata.FallbackUsed)

	assert.Equal(t, int32(1), primary.completeCalls())
	assert.Equal(t, int32(1), legacy.completeCalls())

	summary := server.collector.Summary()
	assert.Equal(t, int64(1), summary.Backends[types.BackendPrimary.String()].FailedRequests)
	assert.Equal(t, int64(1), summary.Backends[types.BackendLegacy.String()].SuccessfulRequests)
	assert.Equal(t, int64(1), summary.Routing.FallbacksUsed)
}

func TestHandleChatCompletion_BothBackendsFail(t *testing.T) {
	targets, primary, legacy := healthyTargets()
	primary.err = backends.FromStatus(500, "primary exploded", types.BackendPrimary, "", "", "")
	legacy.err = backends.FromStatus(429, "slow down", types.BackendLegacy, "", "", "")
	_, handler := createTestServer(t, bothAvailable(), targets, nil)

	rr := doRequest(handler, "POST", "/v1/chat/completions", chatBody(t))
	require.Equal(t, http.StatusTooManyRequests, rr.Code, rr.Body.String())

	var errResp types.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&errResp))
	assert.Equal(t, "upstream_error", errResp.Error.Type)
	assert.Equal(t, string(backends.KindQuota), errResp.Error.Code)
	assert.NotEmpty(t, errResp.CorrelationID)

	assert.Equal(t, int32(1), primary.completeCalls())
	assert.Equal(t, int32(1), legacy.completeCalls())
}

func TestHandleChatCompletion_BadRequests(t *testing.T) {
	targets, primary, _ := healthyTargets()
	_, handler := createTestServer(t, bothAvailable(), targets, nil)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{
			name:     "invalid json",
			body:     `{"messages": [`,
			wantCode: "invalid_json",
		},
		{
			name:     "missing messages",
			body:     `{"model": "gpt-test"}`,
			wantCode: "missing_messages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(handler, "POST", "/v1/chat/completions", bytes.NewReader([]byte(tt.body)))
			require.Equal(t, http.StatusBadRequest, rr.Code)

			var errResp types.ErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&errResp))
			assert.Equal(t, "invalid_request_error", errResp.Error.Type)
			assert.Equal(t, tt.wantCode, errResp.Error.Code)
		})
	}

	assert.Equal(t, int32(0), primary.completeCalls())
}

func TestHandleChatCompletion_NoClientConfigured(t *testing.T) {
	legacy := &fakeBackend{backendType: types.BackendLegacy}
	targets := map[types.BackendType]backends.Backend{types.BackendLegacy: legacy}
	_, handler := createTestServer(t, bothAvailable(), targets, nil)

	rr := doRequest(handler, "POST", "/v1/chat/completions", chatBody(t))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var errResp types.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&errResp))
	assert.Equal(t, "backend_unavailable", errResp.Error.Code)
}

func TestHandleRoutingDecision(t *testing.T) {
	targets, primary, legacy := healthyTargets()
	_, handler := createTestServer(t, bothAvailable(), targets, nil)

	rr := doRequest(handler, "GET", "/v1/routing/decision", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var decision routing.Decision
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&decision))
	assert.Equal(t, types.BackendPrimary, decision.Backend)
	assert.True(t, decision.FallbackAvailable)
	assert.NotEmpty(t, decision.CorrelationID)

	// Dry run must not touch a backend
	assert.Equal(t, int32(0), primary.completeCalls())
	assert.Equal(t, int32(0), legacy.completeCalls())
}

func TestHandleCapabilities(t *testing.T) {
	targets, _, _ := healthyTargets()
	_, handler := createTestServer(t, bothAvailable(), targets, nil)

	rr := doRequest(handler, "GET", "/v1/capabilities", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var status types.CapabilityStatus
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&status))
	assert.True(t, status.CacheValid)
	assert.True(t, status.Capabilities[types.CapabilityPrimaryAPI].Available)
	assert.True(t, status.Capabilities[types.CapabilityLegacyAPI].Available)
}

func TestHandleCapabilityRefresh(t *testing.T) {
	targets, _, _ := healthyTargets()
	_, handler := createTestServer(t, nil, targets, nil)

	rr := doRequest(handler, "POST", "/v1/capabilities/refresh", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var response struct {
		Refreshed    bool            `json:"refreshed"`
		Capabilities map[string]bool `json:"capabilities"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
	assert.True(t, response.Refreshed)
	assert.True(t, response.Capabilities[types.CapabilityPrimaryAPI])
	assert.True(t, response.Capabilities[types.CapabilityLegacyAPI])
}

func TestHandleCacheInvalidate(t *testing.T) {
	targets, _, _ := healthyTargets()
	server, handler := createTestServer(t, bothAvailable(), targets, nil)
	require.True(t, server.cache.Valid())

	rr := doRequest(handler, "POST", "/v1/cache/invalidate", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, server.cache.Valid())

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
	assert.Equal(t, "invalidated", response["status"])
}

func TestHandleCacheClear(t *testing.T) {
	targets, _, _ := healthyTargets()
	server, handler := createTestServer(t, bothAvailable(), targets, nil)

	rr := doRequest(handler, "POST", "/v1/cache/clear", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	assert.False(t, server.cache.Valid())
	assert.Empty(t, server.cache.LastKnown())
}

func TestHandleMetricsSummary(t *testing.T) {
	targets, _, _ := healthyTargets()
	_, handler := createTestServer(t, bothAvailable(), targets, nil)

	rr := doRequest(handler, "POST", "/v1/chat/completions", chatBody(t))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(handler, "GET", "/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var summary metrics.Summary
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&summary))
	assert.Equal(t, int64(1), summary.TotalRequests)
	assert.Contains(t, summary.Backends, types.BackendPrimary.String())
}

func TestHandleErrorMetrics(t *testing.T) {
	targets, _, _ := healthyTargets()
	_, handler := createTestServer(t, bothAvailable(), targets, nil)

	t.Run("default window", func(t *testing.T) {
		rr := doRequest(handler, "GET", "/v1/metrics/errors", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var summary metrics.ErrorWindowSummary
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&summary))
		assert.Equal(t, 24, summary.WindowHours)
	})

	t.Run("explicit window", func(t *testing.T) {
		rr := doRequest(handler, "GET", "/v1/metrics/errors?hours=48", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var summary metrics.ErrorWindowSummary
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&summary))
		assert.Equal(t, 48, summary.WindowHours)
	})

	t.Run("invalid window", func(t *testing.T) {
		rr := doRequest(handler, "GET", "/v1/metrics/errors?hours=soon", nil)
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestHandleHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		caps       map[string]bool
		wantStatus string
		wantCode   int
	}{
		{
			name:       "both available",
			caps:       bothAvailable(),
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name: "primary down",
			caps: map[string]bool{
				types.CapabilityPrimaryAPI: false,
				types.CapabilityLegacyAPI:  true,
			},
			wantStatus: "degraded",
			wantCode:   http.StatusOK,
		},
		{
			name: "both down",
			caps: map[string]bool{
				types.CapabilityPrimaryAPI: false,
				types.CapabilityLegacyAPI:  false,
			},
			wantStatus: "unhealthy",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "nothing known yet",
			caps:       nil,
			wantStatus: "unknown",
			wantCode:   http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets, _, _ := healthyTargets()
			_, handler := createTestServer(t, tt.caps, targets, nil)

			rr := doRequest(handler, "GET", "/health", nil)
			require.Equal(t, tt.wantCode, rr.Code)

			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
			assert.Equal(t, tt.wantStatus, response["status"])
		})
	}
}

func TestAdminEndpointsRequireAdminKey(t *testing.T) {
	targets, _, _ := healthyTargets()
	securityConfig := &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:      []string{"user-key-1234"},
			AdminAPIKeys: []string{"admin-key-5678"},
			RequireAuth:  true,
		},
	}
	_, handler := createTestServer(t, bothAvailable(), targets, securityConfig)

	t.Run("missing credentials", func(t *testing.T) {
		rr := doRequest(handler, "POST", "/v1/cache/clear", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("plain key is forbidden", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/cache/clear", nil)
		req.Header.Set("X-API-Key", "user-key-1234")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("admin key is allowed", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/cache/clear", nil)
		req.Header.Set("X-API-Key", "admin-key-5678")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("health stays open", func(t *testing.T) {
		rr := doRequest(handler, "GET", "/health", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestWriteBackendError_StatusMapping(t *testing.T) {
	targets, _, _ := healthyTargets()
	server, _ := createTestServer(t, bothAvailable(), targets, nil)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "quota keeps 429",
			err:        backends.FromStatus(429, "slow down", types.BackendPrimary, "", "", ""),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   string(backends.KindQuota),
		},
		{
			name:       "timeout maps to 504",
			err:        backends.FromStatus(408, "upstream timed out", types.BackendPrimary, "", "", ""),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   string(backends.KindTimeout),
		},
		{
			name:       "auth failure is a gateway problem",
			err:        backends.FromStatus(401, "bad key", types.BackendPrimary, "", "", ""),
			wantStatus: http.StatusBadGateway,
			wantCode:   string(backends.KindAuth),
		},
		{
			name:       "missing deployment is a gateway problem",
			err:        backends.FromStatus(404, "no such deployment", types.BackendPrimary, "", "", ""),
			wantStatus: http.StatusBadGateway,
			wantCode:   string(backends.KindNotFound),
		},
		{
			name:       "unclassified errors stay 502",
			err:        errors.New("plain failure"),
			wantStatus: http.StatusBadGateway,
			wantCode:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
			rr := httptest.NewRecorder()
			server.writeBackendError(rr, req, tt.err)

			assert.Equal(t, tt.wantStatus, rr.Code)

			var errResp types.ErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&errResp))
			assert.Equal(t, tt.wantCode, errResp.Error.Code)
		})
	}
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	targets, _, _ := healthyTargets()
	_, handler := createTestServer(t, bothAvailable(), targets, nil)

	rr := doRequest(handler, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "switchyard_uptime_seconds")
}

func TestDocsEndpoint(t *testing.T) {
	targets, _, _ := healthyTargets()
	_, handler := createTestServer(t, bothAvailable(), targets, nil)

	rr := doRequest(handler, "GET", "/docs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rr.Body.String(), "swagger-ui")
}

func TestConvertYAMLKeys(t *testing.T) {
	input := map[interface{}]interface{}{
		"paths": map[interface{}]interface{}{
			"/v1/health": []interface{}{
				map[interface{}]interface{}{"get": "ok"},
			},
		},
	}

	converted := convertYAMLKeys(input)
	data, err := json.Marshal(converted)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"/v1/health"`)
}

func TestGetBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{
			name: "plain request",
			want: "http://example.com",
		},
		{
			name:    "forwarded proto",
			headers: map[string]string{"X-Forwarded-Proto": "https"},
			want:    "https://example.com",
		},
		{
			name: "forwarded host",
			headers: map[string]string{
				"X-Forwarded-Proto": "https",
				"X-Forwarded-Host":  "api.internal",
			},
			want: "https://api.internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com/docs", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getBaseURL(req))
		})
	}
}
