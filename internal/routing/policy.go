package routing

import "time"

// Decision confidence per branch of the routing algorithm.
const (
	ConfidenceForced    = 1.0
	ConfidenceLegacy    = 0.95
	ConfidencePrimary   = 0.9
	ConfidenceDegraded  = 0.8
	ConfidenceFetchFail = 0.5
	ConfidenceEmergency = 0.3
)

// Policy carries the routing tunables as named values instead of literals
// scattered through the decision logic. Swap the policy to change routing
// behavior without touching the algorithm.
type Policy struct {
	// PreferPrimary selects the newer surface whenever evidence allows.
	PreferPrimary bool
	// ForceLegacy short-circuits every decision to the legacy surface.
	ForceLegacy bool

	// SuccessThreshold is the smoothed success rate below which the
	// primary surface counts as degraded.
	SuccessThreshold float64

	// EarlyWeight applies to the smoothed-rate update for the first
	// SettledSampleCount samples; SettledWeight applies afterwards.
	// Higher weight means slower, steadier adaptation.
	EarlyWeight        float64
	SettledWeight      float64
	SettledSampleCount int64

	// InitialPrimaryRate and InitialLegacyRate seed a cold system so the
	// configured default wins before evidence accumulates.
	InitialPrimaryRate float64
	InitialLegacyRate  float64

	// FailureLimit consecutive failures put a backend into cooldown for
	// CooldownPeriod.
	FailureLimit   int
	CooldownPeriod time.Duration

	// DecisionWarnThreshold flags slow decisions in the log.
	DecisionWarnThreshold time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		PreferPrimary:         true,
		SuccessThreshold:      0.8,
		EarlyWeight:           0.8,
		SettledWeight:         0.9,
		SettledSampleCount:    10,
		InitialPrimaryRate:    0.95,
		InitialLegacyRate:     0.98,
		FailureLimit:          3,
		CooldownPeriod:        600 * time.Second,
		DecisionWarnThreshold: 50 * time.Millisecond,
	}
}

// withDefaults fills unset numeric tunables from the default policy so a
// partially populated config cannot zero out the algorithm.
func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.SuccessThreshold <= 0 {
		p.SuccessThreshold = defaults.SuccessThreshold
	}
	if p.EarlyWeight <= 0 {
		p.EarlyWeight = defaults.EarlyWeight
	}
	if p.SettledWeight <= 0 {
		p.SettledWeight = defaults.SettledWeight
	}
	if p.SettledSampleCount <= 0 {
		p.SettledSampleCount = defaults.SettledSampleCount
	}
	if p.InitialPrimaryRate <= 0 {
		p.InitialPrimaryRate = defaults.InitialPrimaryRate
	}
	if p.InitialLegacyRate <= 0 {
		p.InitialLegacyRate = defaults.InitialLegacyRate
	}
	if p.FailureLimit <= 0 {
		p.FailureLimit = defaults.FailureLimit
	}
	if p.CooldownPeriod <= 0 {
		p.CooldownPeriod = defaults.CooldownPeriod
	}
	if p.DecisionWarnThreshold <= 0 {
		p.DecisionWarnThreshold = defaults.DecisionWarnThreshold
	}
	return p
}
