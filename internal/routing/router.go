package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/switchyard/internal/backends"
	"github.com/tributary-ai/switchyard/internal/capability"
	"github.com/tributary-ai/switchyard/internal/types"
)

// Router picks the backend surface for each request. It folds the failure
// breaker and the adaptive success-rate tracking into one state machine so
// there is a single source of truth about backend health.
type Router struct {
	policy Policy
	cache  *capability.Cache
	detect capability.DetectFunc
	logger *logrus.Logger

	mu     sync.Mutex
	states map[types.BackendType]*backendState
}

// backendState is the per-backend adaptive record. Guarded by Router.mu.
type backendState struct {
	state               BreakerState
	successRate         float64
	totalRequests       int64
	successfulRequests  int64
	consecutiveFailures int
	cooldownUntil       time.Time
	lastResult          time.Time
}

// NewRouter creates a router over the capability cache. The detect hook is
// optional; without it a cache miss resolves conservatively to the legacy
// backend instead of probing inline.
func NewRouter(policy Policy, cache *capability.Cache, detect capability.DetectFunc, logger *logrus.Logger) *Router {
	return &Router{
		policy: policy.withDefaults(),
		cache:  cache,
		detect: detect,
		logger: logger,
		states: make(map[types.BackendType]*backendState),
	}
}

// Policy returns the pinned routing policy.
func (r *Router) Policy() Policy {
	return r.policy
}

// Decide produces a routing decision. It never returns an error: every
// failure path degrades to the legacy backend with reduced confidence.
func (r *Router) Decide(ctx context.Context, forceRefresh bool) *Decision {
	start := time.Now()

	correlationID := backends.CorrelationIDFrom(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	decision := r.decide(ctx, forceRefresh, correlationID)
	decision.CorrelationID = correlationID

	elapsed := time.Since(start)
	decision.DecisionTimeMS = float64(elapsed.Microseconds()) / 1000.0
	if elapsed > r.policy.DecisionWarnThreshold {
		r.logger.WithFields(logrus.Fields{
			"decision_time_ms": decision.DecisionTimeMS,
			"threshold_ms":     r.policy.DecisionWarnThreshold.Milliseconds(),
			"correlation_id":   correlationID,
		}).Warn("Routing decision exceeded latency target")
	}

	r.logger.WithFields(logrus.Fields{
		"backend":        decision.Backend,
		"reason":         decision.Reason,
		"confidence":     decision.Confidence,
		"cache_hit":      decision.CacheHit,
		"correlation_id": correlationID,
	}).Debug("Routing decision made")

	return decision
}

// ShouldUsePrimary is the boolean shorthand for callers that only pick a
// client and do not care about the full decision.
func (r *Router) ShouldUsePrimary(ctx context.Context) bool {
	return r.Decide(ctx, false).Backend == types.BackendPrimary
}

func (r *Router) decide(ctx context.Context, forceRefresh bool, correlationID string) *Decision {
	if r.policy.ForceLegacy {
		return &Decision{
			Backend:              types.BackendLegacy,
			Reason:               "legacy backend forced by configuration",
			Confidence:           ConfidenceForced,
			EstimatedSuccessRate: r.successRate(types.BackendLegacy),
		}
	}

	caps, cacheHit, err := r.capabilities(ctx, forceRefresh)
	if err != nil {
		r.logger.WithError(err).WithField("correlation_id", correlationID).Warn("Capability lookup failed, defaulting to legacy backend")
		return &Decision{
			Backend:              types.BackendLegacy,
			Reason:               "capability lookup failed, defaulting to legacy backend",
			Confidence:           ConfidenceFetchFail,
			EstimatedSuccessRate: r.successRate(types.BackendLegacy),
		}
	}
	if caps == nil {
		return &Decision{
			Backend:              types.BackendLegacy,
			Reason:               "no capability data available, defaulting to legacy backend",
			Confidence:           ConfidenceFetchFail,
			EstimatedSuccessRate: r.successRate(types.BackendLegacy),
		}
	}

	primaryReported := caps[types.CapabilityPrimaryAPI]
	primaryUsable := primaryReported && r.breakerAllows(types.BackendPrimary)
	legacyReported := caps[types.CapabilityLegacyAPI]
	primaryRate := r.successRate(types.BackendPrimary)

	switch {
	case primaryUsable && r.policy.PreferPrimary && primaryRate >= r.policy.SuccessThreshold:
		return &Decision{
			Backend:              types.BackendPrimary,
			Reason:               fmt.Sprintf("primary backend healthy with %.1f%% success rate", primaryRate*100),
			Confidence:           ConfidencePrimary,
			FallbackAvailable:    legacyReported,
			EstimatedSuccessRate: primaryRate,
			CacheHit:             cacheHit,
		}

	case primaryUsable && r.policy.PreferPrimary:
		return &Decision{
			Backend:              types.BackendLegacy,
			Reason:               fmt.Sprintf("primary backend degraded at %.1f%% success rate, below %.0f%% threshold", primaryRate*100, r.policy.SuccessThreshold*100),
			Confidence:           ConfidenceDegraded,
			FallbackAvailable:    true,
			EstimatedSuccessRate: r.successRate(types.BackendLegacy),
			CacheHit:             cacheHit,
		}

	case legacyReported:
		reason := "legacy backend selected, primary surface unavailable"
		switch {
		case primaryReported && !r.policy.PreferPrimary:
			reason = "legacy backend selected, primary not preferred by configuration"
		case primaryReported:
			reason = fmt.Sprintf("legacy backend selected, primary held in %s state", r.breakerState(types.BackendPrimary))
		}
		return &Decision{
			Backend:              types.BackendLegacy,
			Reason:               reason,
			Confidence:           ConfidenceLegacy,
			FallbackAvailable:    primaryUsable,
			EstimatedSuccessRate: r.successRate(types.BackendLegacy),
			CacheHit:             cacheHit,
		}

	default:
		// degenerate: nothing reported available, still answer
		r.logger.WithField("correlation_id", correlationID).Warn("No backend reports available, emergency fallback to legacy")
		return &Decision{
			Backend:              types.BackendLegacy,
			Reason:               "no backend reports available, emergency fallback to legacy",
			Confidence:           ConfidenceEmergency,
			EstimatedSuccessRate: r.successRate(types.BackendLegacy),
			CacheHit:             cacheHit,
		}
	}
}

// capabilities resolves the capability map, cache first. The bool reports
// whether the cache served it. A nil map with nil error means no data
// exists and no detector is wired in.
func (r *Router) capabilities(ctx context.Context, forceRefresh bool) (map[string]bool, bool, error) {
	if forceRefresh && r.detect != nil {
		caps, err := r.detect(ctx)
		return caps, false, err
	}

	if caps, ok := r.cache.Get(); ok {
		return caps, true, nil
	}

	if r.detect != nil {
		caps, err := r.detect(ctx)
		return caps, false, err
	}

	return nil, false, nil
}

// RecordResult is the feedback hook the request path invokes after each
// completed call. A classified not-found or feature-disabled error pushes
// the backend straight to permanently unavailable; plain failures count
// toward the cooldown limit.
func (r *Router) RecordResult(backend types.BackendType, success bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.stateLocked(backend)
	state.totalRequests++
	state.lastResult = time.Now()

	if success {
		state.successfulRequests++
		state.consecutiveFailures = 0
		state.state = StateAvailable
		state.cooldownUntil = time.Time{}
	} else {
		state.consecutiveFailures++
		if classified, ok := backends.AsError(err); ok && (classified.Kind == backends.KindNotFound || classified.Kind == backends.KindFeatureDisabled) {
			state.state = StatePermanentlyUnavailable
			r.logger.WithFields(logrus.Fields{
				"backend": backend,
				"kind":    classified.Kind,
			}).Warn("Backend marked permanently unavailable")
		} else if state.state != StatePermanentlyUnavailable && state.consecutiveFailures >= r.policy.FailureLimit {
			state.state = StateCooldown
			state.cooldownUntil = time.Now().Add(r.policy.CooldownPeriod)
			r.logger.WithFields(logrus.Fields{
				"backend":              backend,
				"consecutive_failures": state.consecutiveFailures,
				"cooldown_until":       state.cooldownUntil.Format(time.RFC3339),
			}).Warn("Backend entering cooldown")
		}
	}

	// recent-history-biased smoothing, damped against single-sample noise
	weight := r.policy.EarlyWeight
	if state.totalRequests > r.policy.SettledSampleCount {
		weight = r.policy.SettledWeight
	}
	observed := float64(state.successfulRequests) / float64(state.totalRequests)
	state.successRate = weight*state.successRate + (1-weight)*observed
}

// NoteCacheInvalidated clears breaker verdicts so the next detection run
// gets a clean slate. Success counters are kept.
func (r *Router) NoteCacheInvalidated() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for backend, state := range r.states {
		if state.state == StatePermanentlyUnavailable || state.state == StateCooldown {
			r.logger.WithFields(logrus.Fields{
				"backend": backend,
				"state":   state.state,
			}).Info("Backend breaker state cleared after cache invalidation")
			state.state = StateUnknown
			state.consecutiveFailures = 0
			state.cooldownUntil = time.Time{}
		}
	}
}

// SuccessRates returns the current smoothed rate per backend.
func (r *Router) SuccessRates() map[types.BackendType]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	rates := make(map[types.BackendType]float64, 2)
	for _, backend := range []types.BackendType{types.BackendPrimary, types.BackendLegacy} {
		rates[backend] = r.stateLocked(backend).successRate
	}
	return rates
}

// BackendStates returns a point-in-time snapshot of the adaptive state for
// the health and routing endpoints.
func (r *Router) BackendStates() map[types.BackendType]BackendStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[types.BackendType]BackendStatus, 2)
	for _, backend := range []types.BackendType{types.BackendPrimary, types.BackendLegacy} {
		state := r.stateLocked(backend)
		status := BackendStatus{
			State:               state.state,
			SuccessRate:         state.successRate,
			TotalRequests:       state.totalRequests,
			SuccessfulRequests:  state.successfulRequests,
			ConsecutiveFailures: state.consecutiveFailures,
		}
		if !state.cooldownUntil.IsZero() {
			until := state.cooldownUntil
			status.CooldownUntil = &until
		}
		if !state.lastResult.IsZero() {
			last := state.lastResult
			status.LastResult = &last
		}
		out[backend] = status
	}
	return out
}

// ResetStats reseeds the adaptive state, discarding all history.
func (r *Router) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states = make(map[types.BackendType]*backendState)
	r.logger.Info("Routing statistics reset")
}

// breakerAllows reports whether the breaker permits attempting a backend.
// An elapsed cooldown flips the backend back to unknown for a fresh try.
func (r *Router) breakerAllows(backend types.BackendType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.stateLocked(backend)
	switch state.state {
	case StatePermanentlyUnavailable:
		return false
	case StateCooldown:
		if time.Now().Before(state.cooldownUntil) {
			return false
		}
		state.state = StateUnknown
		state.consecutiveFailures = 0
		state.cooldownUntil = time.Time{}
		return true
	default:
		return true
	}
}

func (r *Router) breakerState(backend types.BackendType) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked(backend).state
}

func (r *Router) successRate(backend types.BackendType) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked(backend).successRate
}

// stateLocked returns the state record for a backend, seeding it on first
// touch. Caller must hold r.mu.
func (r *Router) stateLocked(backend types.BackendType) *backendState {
	if state, ok := r.states[backend]; ok {
		return state
	}

	seed := r.policy.InitialPrimaryRate
	if backend == types.BackendLegacy {
		seed = r.policy.InitialLegacyRate
	}
	state := &backendState{
		state:       StateUnknown,
		successRate: seed,
	}
	r.states[backend] = state
	return state
}
