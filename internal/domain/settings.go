package domain

// APIKey is one credential in a provider's key pool. Disabled keys stay in
// the list but are skipped by rotation.
type APIKey struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
}

// ProviderConfig holds one provider's credential pool, model catalog, and
// rotation cursors.
type ProviderConfig struct {
	Name              string   `json:"name"`
	Keys              []APIKey `json:"keys"`
	Models            []string `json:"models"`
	CurrentKeyIndex   int      `json:"current_key_index"`
	CurrentModelIndex int      `json:"current_model_index"`
}

// Settings is the full provider pool configuration.
type Settings struct {
	ActiveProvider string           `json:"active_provider"`
	Providers      []ProviderConfig `json:"providers"`
}

// Provider returns the named provider config, if present.
func (s Settings) Provider(name string) (ProviderConfig, bool) {
	for _, p := range s.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// FailureKind classifies a rejected or failed provider call.
type FailureKind string

const (
	FailureRateLimited      FailureKind = "rate_limited"
	FailureAuthError        FailureKind = "auth_error"
	FailureModelUnavailable FailureKind = "model_unavailable"
	FailureTimeout          FailureKind = "timeout"
	FailureUnknown          FailureKind = "unknown"
)
