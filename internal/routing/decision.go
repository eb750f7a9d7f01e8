package routing

import (
	"time"

	"github.com/tributary-ai/switchyard/internal/types"
)

// Decision is the full routing verdict handed to the request path and the
// introspection endpoints.
type Decision struct {
	Backend              types.BackendType `json:"backend"`
	Reason               string            `json:"reason"`
	Confidence           float64           `json:"confidence"`
	FallbackAvailable    bool              `json:"fallback_available"`
	EstimatedSuccessRate float64           `json:"estimated_success_rate"`
	DecisionTimeMS       float64           `json:"decision_time_ms"`
	CacheHit             bool              `json:"cache_hit"`
	CorrelationID        string            `json:"correlation_id"`
}

// BreakerState tracks what the router currently believes about a backend.
type BreakerState string

const (
	StateUnknown                BreakerState = "unknown"
	StateAvailable              BreakerState = "available"
	StateCooldown               BreakerState = "cooldown"
	StatePermanentlyUnavailable BreakerState = "permanently_unavailable"
)

// BackendStatus is a read-only snapshot of one backend's adaptive state.
type BackendStatus struct {
	State               BreakerState `json:"state"`
	SuccessRate         float64      `json:"success_rate"`
	TotalRequests       int64        `json:"total_requests"`
	SuccessfulRequests  int64        `json:"successful_requests"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	CooldownUntil       *time.Time   `json:"cooldown_until,omitempty"`
	LastResult          *time.Time   `json:"last_result,omitempty"`
}
