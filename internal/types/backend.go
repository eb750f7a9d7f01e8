package types

// Backend identifiers for the two upstream API surfaces
type BackendType string

const (
	BackendPrimary BackendType = "primary" // newer Responses API surface
	BackendLegacy  BackendType = "legacy"  // stable Chat Completions surface
)

func (b BackendType) String() string {
	return string(b)
}

// Other returns the alternate backend, used for fallback attempts.
func (b BackendType) Other() BackendType {
	if b == BackendPrimary {
		return BackendLegacy
	}
	return BackendPrimary
}
