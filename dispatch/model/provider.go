// Package model holds the persisted and transient entities the dispatch
// core reads and writes: Provider, ProviderEndpoint, ProviderAPIKey, the
// Model/GlobalModel pair, the caller's User/ApiKey, and the per-request
// ProviderCandidate/CacheAffinity/RequestCandidate records.
//
// Field shapes follow the teacher's sc_llm_* GORM tables (see
// llm/types.go in the retrieval pack this module was built from): struct
// tags carry the column definitions, TableName() pins the table name, and
// small value-receiver helpers live next to the struct they describe.
package model

import "time"

// ProviderType enumerates the upstream integration styles a Provider row
// can declare.
type ProviderType string

const (
	ProviderTypeCustom     ProviderType = "custom"
	ProviderTypeClaudeCode ProviderType = "claude_code"
	ProviderTypeCodex      ProviderType = "codex"
	ProviderTypeGeminiCLI  ProviderType = "gemini_cli"
	ProviderTypeAntigravity ProviderType = "antigravity"
)

// Provider is an upstream LLM vendor account: Anthropic, OpenAI, a
// self-hosted gateway, etc. One Provider owns many ProviderEndpoint and
// ProviderAPIKey rows.
type Provider struct {
	ID                      uint64       `gorm:"primaryKey" json:"id"`
	Name                    string       `gorm:"size:200;not null" json:"name"`
	ProviderType            ProviderType `gorm:"size:50;not null;default:custom" json:"provider_type"`
	IsActive                bool         `gorm:"default:true" json:"is_active"`
	ProviderPriority        int          `gorm:"default:100" json:"provider_priority"`
	KeepPriorityOnConversion bool        `gorm:"default:false" json:"keep_priority_on_conversion"`
	MaxRetries              *int         `json:"max_retries,omitempty"`
	ProxyConfig             string       `gorm:"type:text" json:"proxy_config,omitempty"`
	CreatedAt               time.Time    `json:"created_at"`
	UpdatedAt               time.Time    `json:"updated_at"`
}

func (Provider) TableName() string { return "dispatch_providers" }

// ProviderEndpoint is a concrete URL a Provider exposes, identified by its
// canonical family:kind signature (see dispatch/signature).
type ProviderEndpoint struct {
	ID                     uint64    `gorm:"primaryKey" json:"id"`
	ProviderID             uint64    `gorm:"not null;index" json:"provider_id"`
	BaseURL                string    `gorm:"size:500;not null" json:"base_url"`
	APIFamily              string    `gorm:"size:50;not null" json:"api_family"`
	EndpointKind           string    `gorm:"size:50;not null" json:"endpoint_kind"`
	IsActive               bool      `gorm:"default:true" json:"is_active"`
	FormatAcceptanceConfig string    `gorm:"type:text" json:"format_acceptance_config,omitempty"`
	RewriteRules           string    `gorm:"type:text" json:"rewrite_rules,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`

	Provider *Provider `gorm:"foreignKey:ProviderID" json:"provider,omitempty"`
}

func (ProviderEndpoint) TableName() string { return "dispatch_provider_endpoints" }

// Signature returns the endpoint's canonical family:kind key.
func (e ProviderEndpoint) Signature() string { return e.APIFamily + ":" + e.EndpointKind }

// AuthType distinguishes a static credential from an OAuth-refreshed one.
type AuthType string

const (
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeOAuth  AuthType = "oauth"
)

// AccountBlockPrefix is the sentinel prefix an OAuth invalid-reason string
// must carry for the Candidate Builder to treat the key as permanently
// blocked rather than transiently unavailable. See spec.md §4.4.
const AccountBlockPrefix = "[ACCOUNT_BLOCK] "

// Observation is one entry of ProviderAPIKey.AdjustmentHistory: either a
// raw 429 observation or a confirmed adjustment derived from one.
type Observation struct {
	Type        string    `json:"type"` // "429_observation" or an adjustment reason
	Timestamp   time.Time `json:"timestamp"`
	CurrentRPM  int       `json:"current_rpm"`
	UpstreamLimit *int    `json:"upstream_limit,omitempty"`
	OldLimit    int       `json:"old_limit,omitempty"`
	NewLimit    int       `json:"new_limit,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
}

// ObservationTypeRaw429 marks a raw 429 observation record as opposed to a
// confirmed adjustment (whose Type field carries the adjustment's reason).
const ObservationTypeRaw429 = "429_observation"

// UtilizationSample is one entry of ProviderAPIKey.UtilizationSamples.
type UtilizationSample struct {
	Timestamp time.Time `json:"ts"`
	Util      float64   `json:"util"`
}

// ProviderAPIKey is one upstream credential in a Provider's key pool. The
// fields under "adaptive state" are mutated exclusively by
// dispatch/ratelimit's Adaptive RPM Manager (C7); every other field is
// operator-configured.
type ProviderAPIKey struct {
	ID                   uint64       `gorm:"primaryKey" json:"id"`
	ProviderID           uint64       `gorm:"not null;index" json:"provider_id"`
	Credential           string       `gorm:"size:1000;not null" json:"-"`
	AuthType             AuthType     `gorm:"size:20;not null;default:api_key" json:"auth_type"`
	APIFormats           []string     `gorm:"serializer:json" json:"api_formats,omitempty"`
	AllowedModels        *AllowedModels `gorm:"serializer:json" json:"allowed_models,omitempty"`
	IsActive             bool         `gorm:"default:true" json:"is_active"`
	RPMLimit             *int         `json:"rpm_limit,omitempty"`
	InternalPriority     int          `gorm:"default:100" json:"internal_priority"`
	GlobalPriorityByFormat map[string]int `gorm:"serializer:json" json:"global_priority_by_format,omitempty"`
	RateMultipliers      map[string]float64 `gorm:"serializer:json" json:"rate_multipliers,omitempty"`
	OAuthInvalidReason   string       `gorm:"size:500" json:"oauth_invalid_reason,omitempty"`

	// Adaptive state — owned by C7, see dispatch/ratelimit.
	LearnedRPMLimit     *int                `json:"learned_rpm_limit,omitempty"`
	LastRPMPeak         *int                `json:"last_rpm_peak,omitempty"`
	Last429At           *time.Time          `json:"last_429_at,omitempty"`
	Last429Type         string              `json:"last_429_type,omitempty"`
	RPM429Count         int64               `json:"rpm_429_count"`
	Concurrent429Count  int64               `json:"concurrent_429_count"`
	UtilizationSamples  []UtilizationSample `gorm:"serializer:json" json:"utilization_samples,omitempty"`
	AdjustmentHistory   []Observation       `gorm:"serializer:json" json:"adjustment_history,omitempty"`
	LastProbeIncreaseAt *time.Time          `json:"last_probe_increase_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Provider *Provider `gorm:"foreignKey:ProviderID" json:"provider,omitempty"`
}

func (ProviderAPIKey) TableName() string { return "dispatch_provider_api_keys" }

// AllowedModels is the Key.allowed_models axis. It carries either a flat
// list or a per-signature map; never both. A nil AllowedModels means
// unrestricted.
type AllowedModels struct {
	List       []string            `json:"list,omitempty"`
	BySignature map[string][]string `json:"by_signature,omitempty"`
}

// IsMap reports whether this value uses the per-signature map shape.
func (a *AllowedModels) IsMap() bool { return a != nil && a.BySignature != nil }

// IsBlockedOAuth reports whether the key's oauth_invalid_reason requires
// end-user action (as opposed to a transient condition C7 may clear).
func (k ProviderAPIKey) IsBlockedOAuth() bool {
	return k.AuthType == AuthTypeOAuth && len(k.OAuthInvalidReason) >= len(AccountBlockPrefix) &&
		k.OAuthInvalidReason[:len(AccountBlockPrefix)] == AccountBlockPrefix
}
