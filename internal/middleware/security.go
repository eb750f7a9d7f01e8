package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/switchyard/internal/security"
)

// SecurityMiddlewareConfig holds configuration for the security stack.
type SecurityMiddlewareConfig struct {
	Auth           *security.Config           `yaml:"auth"`
	RateLimit      *security.RateLimitConfig  `yaml:"rate_limit"`
	Validation     *security.ValidationConfig `yaml:"validation"`
	Audit          *security.AuditConfig      `yaml:"audit"`
	AllowedOrigins []string                   `yaml:"allowed_origins"`
}

// SecurityMiddleware combines authentication, rate limiting, request
// validation, and audit logging into one chain. Nil config sections leave
// the matching component out of the chain.
type SecurityMiddleware struct {
	authProvider   *security.AuthProvider
	rateLimiter    *security.RateLimiter
	validator      *security.RequestValidator
	auditor        *security.AuditLogger
	allowedOrigins []string
	logger         *logrus.Logger
}

// NewSecurityMiddleware creates the security middleware stack.
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) *SecurityMiddleware {
	sm := &SecurityMiddleware{
		allowedOrigins: config.AllowedOrigins,
		logger:         logger,
	}

	if config.Auth != nil {
		sm.authProvider = security.NewAuthProvider(config.Auth, logger)
	}

	if config.RateLimit != nil && config.RateLimit.Enabled {
		sm.rateLimiter = security.NewRateLimiter(config.RateLimit, logger)
	}

	if config.Validation != nil {
		sm.validator = security.NewRequestValidator(config.Validation, logger)
	}

	if config.Audit != nil {
		sm.auditor = security.NewAuditLogger(config.Audit, logger)
	}

	return sm
}

// Handler builds the full chain. Requests pass the layers in this order:
// security headers, CORS, audit, authentication, rate limiting, request
// validation. Authentication runs before rate limiting so budgets are
// keyed per user, and before validation so anonymous callers never get
// their bodies parsed.
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next

		if s.validator != nil {
			handler = s.validator.ValidationMiddleware()(handler)
		}

		if s.rateLimiter != nil {
			handler = security.RateLimitMiddleware(s.rateLimiter, security.DefaultKeyExtractor)(handler)
		}

		if s.authProvider != nil {
			handler = s.authProvider.AuthMiddleware()(handler)
		}

		if s.auditor != nil {
			handler = s.auditor.AuditMiddleware()(handler)
		}

		if len(s.allowedOrigins) > 0 {
			handler = s.corsMiddleware()(handler)
		}

		handler = s.securityHeadersMiddleware()(handler)

		return handler
	}
}

// RequireAdmin wraps a handler so only callers holding the admin
// permission reach it. With no auth provider configured the gate is open.
func (s *SecurityMiddleware) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	if s.authProvider == nil {
		return next
	}
	return s.authProvider.RequireAdmin(next)
}

// Auditor exposes the audit trail for handlers that record explicit
// events (admin actions, backend fallbacks).
func (s *SecurityMiddleware) Auditor() *security.AuditLogger {
	return s.auditor
}

// securityHeadersMiddleware adds standard security headers to responses.
func (s *SecurityMiddleware) securityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Server", "Switchyard/1.0")

			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware handles cross-origin requests for the configured
// origins.
func (s *SecurityMiddleware) corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, allowedOrigin := range s.allowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Stop gracefully stops the stateful middleware components.
func (s *SecurityMiddleware) Stop() {
	if s.auditor != nil {
		s.auditor.Stop()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// GetStats returns security middleware statistics.
func (s *SecurityMiddleware) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	if s.auditor != nil {
		stats["audit_events_logged"] = s.auditor.GetEventCount()
	}

	stats["rate_limiter_enabled"] = s.rateLimiter != nil
	stats["validation_enabled"] = s.validator != nil
	stats["authentication_enabled"] = s.authProvider != nil

	return stats
}
