package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// ValidationConfig holds request guard configuration. These are coarse
// transport-level checks that run before any schema validation.
type ValidationConfig struct {
	MaxRequestSize int64    `yaml:"max_request_size"`
	ContentTypes   []string `yaml:"allowed_content_types"`
	MaxJSONDepth   int      `yaml:"max_json_depth"`
}

// RequestValidator rejects oversized, mistyped, or malformed request
// bodies before they reach a handler. Prompt content is deliberately not
// inspected; completion payloads are opaque to the router.
type RequestValidator struct {
	config *ValidationConfig
	logger *logrus.Logger
}

// ValidationResult contains the result of request validation.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// NewRequestValidator creates a request validator.
func NewRequestValidator(config *ValidationConfig, logger *logrus.Logger) *RequestValidator {
	if config.MaxRequestSize == 0 {
		config.MaxRequestSize = 10 * 1024 * 1024 // 10MB
	}
	if config.MaxJSONDepth == 0 {
		config.MaxJSONDepth = 20
	}
	if len(config.ContentTypes) == 0 {
		config.ContentTypes = []string{"application/json"}
	}

	return &RequestValidator{
		config: config,
		logger: logger,
	}
}

// ValidateRequest checks the request envelope: size and content type.
func (v *RequestValidator) ValidateRequest(r *http.Request) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if r.ContentLength > v.config.MaxRequestSize {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("request size %d exceeds maximum %d", r.ContentLength, v.config.MaxRequestSize))
	}

	if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
		if r.ContentLength > 0 && !v.isAllowedContentType(r.Header.Get("Content-Type")) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("content type %q not allowed", r.Header.Get("Content-Type")))
		}
	}

	if !result.Valid {
		v.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"errors": result.Errors,
		}).Warn("Request validation failed")
	}

	return result
}

// ValidateBody checks that a JSON body is well formed and within the
// nesting limit. An empty body is valid; handlers decide whether one is
// required.
func (v *RequestValidator) ValidateBody(body []byte) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if len(body) == 0 {
		return result
	}

	if !utf8.Valid(body) {
		result.Valid = false
		result.Errors = append(result.Errors, "request body contains invalid UTF-8")
		return result
	}

	var jsonData interface{}
	if err := json.Unmarshal(body, &jsonData); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return result
	}

	if depth := jsonDepth(jsonData); depth > v.config.MaxJSONDepth {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("JSON depth %d exceeds maximum %d", depth, v.config.MaxJSONDepth))
	}

	return result
}

// ValidationMiddleware applies the guard to every request. Bodies are
// re-buffered so downstream handlers can read them again.
func (v *RequestValidator) ValidationMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if result := v.ValidateRequest(r); !result.Valid {
				v.writeValidationError(w, result.Errors)
				return
			}

			if r.Body != nil && r.ContentLength != 0 && requestCarriesJSON(r) {
				body, err := io.ReadAll(io.LimitReader(r.Body, v.config.MaxRequestSize+1))
				if err != nil {
					v.writeValidationError(w, []string{"failed to read request body"})
					return
				}
				if int64(len(body)) > v.config.MaxRequestSize {
					v.writeValidationError(w, []string{fmt.Sprintf("request size exceeds maximum %d", v.config.MaxRequestSize)})
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))

				if result := v.ValidateBody(body); !result.Valid {
					v.logger.WithFields(logrus.Fields{
						"method": r.Method,
						"path":   r.URL.Path,
						"errors": result.Errors,
					}).Warn("Request body validation failed")
					v.writeValidationError(w, result.Errors)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (v *RequestValidator) writeValidationError(w http.ResponseWriter, errs []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	response := map[string]interface{}{
		"error": map[string]interface{}{
			"message": "Request validation failed",
			"type":    "validation_error",
			"code":    "invalid_request",
			"details": errs,
		},
	}

	json.NewEncoder(w).Encode(response)
}

func (v *RequestValidator) isAllowedContentType(contentType string) bool {
	mainType := strings.TrimSpace(strings.Split(contentType, ";")[0])

	for _, allowed := range v.config.ContentTypes {
		if strings.EqualFold(mainType, allowed) {
			return true
		}
	}
	return false
}

func requestCarriesJSON(r *http.Request) bool {
	if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
		return false
	}
	mainType := strings.TrimSpace(strings.Split(r.Header.Get("Content-Type"), ";")[0])
	return strings.EqualFold(mainType, "application/json")
}

func jsonDepth(data interface{}) int {
	switch d := data.(type) {
	case map[string]interface{}:
		maxDepth := 0
		for _, value := range d {
			if depth := jsonDepth(value); depth > maxDepth {
				maxDepth = depth
			}
		}
		return maxDepth + 1
	case []interface{}:
		maxDepth := 0
		for _, value := range d {
			if depth := jsonDepth(value); depth > maxDepth {
				maxDepth = depth
			}
		}
		return maxDepth + 1
	default:
		return 1
	}
}
