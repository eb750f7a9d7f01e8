package backends

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/tributary-ai/switchyard/internal/types"
)

// Kind classifies upstream failures into a fixed taxonomy.
type Kind string

const (
	KindAuth            Kind = "authentication_failure"
	KindNotFound        Kind = "deployment_or_resource_not_found"
	KindQuota           Kind = "quota_or_rate_limit_exceeded"
	KindFeatureDisabled Kind = "feature_not_enabled"
	KindTimeout         Kind = "timeout"
	KindGeneric         Kind = "generic_capability_error"
)

// Error is a classified upstream failure. It carries enough context for
// support diagnosis without exposing raw transport internals.
type Error struct {
	Kind          Kind
	Backend       types.BackendType
	Endpoint      string
	Deployment    string
	CorrelationID string
	HTTPStatus    int
	Remediation   string
	Err           error
}

func (e *Error) Error() string {
	msg := "upstream request failed"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s backend %s: %s (correlation_id=%s)", e.Backend, e.Kind, msg, e.CorrelationID)
	}
	return fmt.Sprintf("%s backend %s: %s", e.Backend, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps a raw SDK or transport error into the taxonomy. Already
// classified errors pass through unchanged.
func Classify(err error, backend types.BackendType, endpoint, deployment, correlationID string) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	e := &Error{
		Backend:       backend,
		Endpoint:      endpoint,
		Deployment:    deployment,
		CorrelationID: correlationID,
		Err:           err,
	}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		e.HTTPStatus = apiErr.HTTPStatusCode
		e.Kind = kindForStatus(apiErr.HTTPStatusCode, apiErr.Message)
	case errors.As(err, &reqErr):
		e.HTTPStatus = reqErr.HTTPStatusCode
		e.Kind = kindForStatus(reqErr.HTTPStatusCode, reqErr.Error())
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			e.Kind = KindTimeout
		} else {
			e.Kind = KindGeneric
		}
	}

	e.Remediation = remediationFor(e.Kind)
	return e
}

// FromStatus builds a classified error from a raw HTTP status and provider
// error message, for clients that speak HTTP directly.
func FromStatus(status int, message string, backend types.BackendType, endpoint, deployment, correlationID string) *Error {
	e := &Error{
		Kind:          kindForStatus(status, message),
		Backend:       backend,
		Endpoint:      endpoint,
		Deployment:    deployment,
		CorrelationID: correlationID,
		HTTPStatus:    status,
		Err:           fmt.Errorf("upstream returned status %d: %s", status, message),
	}
	e.Remediation = remediationFor(e.Kind)
	return e
}

func kindForStatus(status int, message string) Kind {
	msg := strings.ToLower(message)
	switch status {
	case http.StatusUnauthorized:
		return KindAuth
	case http.StatusForbidden:
		if strings.Contains(msg, "quota") {
			return KindQuota
		}
		return KindAuth
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusTooManyRequests:
		return KindQuota
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	}
	if strings.Contains(msg, "not enabled") || strings.Contains(msg, "not supported") || strings.Contains(msg, "unsupported") {
		return KindFeatureDisabled
	}
	return KindGeneric
}

func remediationFor(kind Kind) string {
	switch kind {
	case KindAuth:
		return "verify the API key and endpoint configuration"
	case KindNotFound:
		return "confirm the deployment name and API version expose this surface"
	case KindQuota:
		return "reduce request rate or raise the provisioned quota"
	case KindFeatureDisabled:
		return "enable the API surface for this resource or route to the legacy surface"
	case KindTimeout:
		return "retry with a longer timeout or check upstream latency"
	default:
		return "inspect the upstream error detail"
	}
}

// Kind predicates used by the detector and the router's breaker.

func IsAuth(err error) bool {
	return hasKind(err, KindAuth)
}

func IsNotFound(err error) bool {
	return hasKind(err, KindNotFound)
}

func IsQuota(err error) bool {
	return hasKind(err, KindQuota)
}

func IsFeatureDisabled(err error) bool {
	return hasKind(err, KindFeatureDisabled)
}

func IsTimeout(err error) bool {
	return hasKind(err, KindTimeout)
}

// AsError extracts a classified error from an error chain.
func AsError(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

func hasKind(err error, kind Kind) bool {
	classified, ok := AsError(err)
	return ok && classified.Kind == kind
}
