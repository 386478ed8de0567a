package model

import "time"

// ProviderCandidate is the transient per-request record the Candidate
// Builder (C4) produces and the Candidate Sorter (C5) reorders. It is
// never persisted directly; RequestCandidate is its audit shadow.
type ProviderCandidate struct {
	Provider           *Provider
	Endpoint           *ProviderEndpoint
	Key                *ProviderAPIKey
	IsCached           bool
	IsSkipped          bool
	SkipReason         string
	NeedsConversion    bool
	ProviderAPIFormat  string
	MappingMatchedModel string
}

// CacheAffinity is the persisted sticky mapping from a caller+request
// shape to the last candidate that served it successfully.
type CacheAffinity struct {
	AffinityKey  string    `json:"affinity_key"`
	ClientFormat string    `json:"client_format"`
	Model        string    `json:"model"`
	ProviderID   uint64    `json:"provider_id"`
	EndpointID   uint64    `json:"endpoint_id"`
	KeyID        uint64    `json:"key_id"`
	RequestCount int64     `json:"request_count"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RequestCandidateStatus is the lifecycle state of a RequestCandidate
// audit row (spec.md §3 invariant 5, §4.12 invariant).
type RequestCandidateStatus string

const (
	StatusAvailable RequestCandidateStatus = "available"
	StatusPending   RequestCandidateStatus = "pending"
	StatusSkipped   RequestCandidateStatus = "skipped"
	StatusStreaming RequestCandidateStatus = "streaming"
	StatusSuccess   RequestCandidateStatus = "success"
	StatusFailed    RequestCandidateStatus = "failed"
	StatusUnused    RequestCandidateStatus = "unused"
)

// Terminal reports whether a status ends the row's lifecycle (spec.md
// §4.12's invariant: every record ends in one of these).
func (s RequestCandidateStatus) Terminal() bool {
	switch s {
	case StatusSkipped, StatusFailed, StatusSuccess, StatusUnused:
		return true
	default:
		return false
	}
}

// RequestCandidate is one audit row per (request_id, candidate_index,
// retry_index), created at dispatch start and updated through the
// attempt lifecycle.
type RequestCandidate struct {
	ID                  uint64                  `gorm:"primaryKey" json:"id"`
	RequestID           string                  `gorm:"size:100;not null;index" json:"request_id"`
	CandidateIndex      int                     `gorm:"not null" json:"candidate_index"`
	RetryIndex          int                     `gorm:"not null" json:"retry_index"`
	ProviderID          uint64                  `json:"provider_id"`
	EndpointID          uint64                  `json:"endpoint_id"`
	KeyID               uint64                  `json:"key_id"`
	Status              RequestCandidateStatus  `gorm:"size:20;not null;default:available" json:"status"`
	StatusCode          int                     `json:"status_code,omitempty"`
	ErrorType           string                  `gorm:"size:100" json:"error_type,omitempty"`
	ErrorMessage        string                  `gorm:"type:text" json:"error_message,omitempty"`
	SkipReason          string                  `gorm:"size:200" json:"skip_reason,omitempty"`
	ConcurrentRequests  int                     `json:"concurrent_requests,omitempty"`
	StartedAt           *time.Time              `json:"started_at,omitempty"`
	FinishedAt          *time.Time              `json:"finished_at,omitempty"`
	ExtraData           map[string]any          `gorm:"serializer:json" json:"extra_data,omitempty"`
	CreatedAt           time.Time               `json:"created_at"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

func (RequestCandidate) TableName() string { return "dispatch_request_candidates" }

// RequestCandidateKey uniquely addresses a RequestCandidate within one request.
type RequestCandidateKey struct {
	CandidateIndex int
	RetryIndex     int
}
