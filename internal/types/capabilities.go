package types

import (
	"time"
)

// Capability names tracked by the detector and cache
const (
	CapabilityPrimaryAPI = "primary_api_available"
	CapabilityLegacyAPI  = "legacy_api_available"
)

// CapabilityForBackend maps a backend to its tracked capability name.
func CapabilityForBackend(b BackendType) string {
	if b == BackendPrimary {
		return CapabilityPrimaryAPI
	}
	return CapabilityLegacyAPI
}

// CapabilityRecord holds the outcome of the most recent probe for one capability.
type CapabilityRecord struct {
	Available      bool      `json:"available"`
	LastChecked    time.Time `json:"last_checked"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ResponseTimeMS float64   `json:"response_time_ms,omitempty"`
}

// CapabilityStatus is the diagnostic snapshot served by the capabilities endpoint.
type CapabilityStatus struct {
	Capabilities    map[string]CapabilityRecord `json:"capabilities"`
	CacheAgeSeconds *float64                    `json:"cache_age_seconds,omitempty"`
	CacheTTLSeconds int                         `json:"cache_ttl_seconds"`
	CacheValid      bool                        `json:"cache_valid"`
}
