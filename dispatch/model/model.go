package model

import "time"

// GlobalModel is a canonical model name (e.g. "claude-opus-4") shared
// across providers.
type GlobalModel struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:200;not null;uniqueIndex" json:"name"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (GlobalModel) TableName() string { return "dispatch_global_models" }

// Model binds a Provider's local model identifier to a GlobalModel.
// IsAvailable is a tri-state: nil means "available" (spec.md §4.3: Model
// active, is_available ∈ {true, null}).
type Model struct {
	ID            uint64    `gorm:"primaryKey" json:"id"`
	ProviderID    uint64    `gorm:"not null;index" json:"provider_id"`
	GlobalModelID *uint64   `gorm:"index" json:"global_model_id,omitempty"`
	LocalName     string    `gorm:"size:200;not null" json:"local_name"`
	IsActive      bool      `gorm:"default:true" json:"is_active"`
	IsAvailable   *bool     `json:"is_available,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	GlobalModel *GlobalModel `gorm:"foreignKey:GlobalModelID" json:"global_model,omitempty"`
}

func (Model) TableName() string { return "dispatch_models" }

// Available reports the effective availability per spec.md §4.3.
func (m Model) Available() bool { return m.IsAvailable == nil || *m.IsAvailable }

// User is the caller account owning zero or more ApiKeys. Restrictions
// here are the fallback tier under dispatch/restrictions' merge rule.
type User struct {
	ID                uint64    `gorm:"primaryKey" json:"id"`
	AllowedProviders  []string  `gorm:"serializer:json" json:"allowed_providers,omitempty"`
	AllowedModels     *AllowedModels `gorm:"serializer:json" json:"allowed_models,omitempty"`
	AllowedAPIFormats []string  `gorm:"serializer:json" json:"allowed_api_formats,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (User) TableName() string { return "dispatch_users" }

// ApiKey is the caller's own key used to authenticate against this proxy.
// A nil restriction axis falls back to the owning User's value.
type ApiKey struct {
	ID                uint64    `gorm:"primaryKey" json:"id"`
	UserID            uint64    `gorm:"not null;index" json:"user_id"`
	KeyHash           string    `gorm:"size:200;not null;uniqueIndex" json:"-"`
	AllowedProviders  []string  `gorm:"serializer:json" json:"allowed_providers,omitempty"`
	AllowedModels     *AllowedModels `gorm:"serializer:json" json:"allowed_models,omitempty"`
	AllowedAPIFormats []string  `gorm:"serializer:json" json:"allowed_api_formats,omitempty"`
	IsActive          bool      `gorm:"default:true" json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (ApiKey) TableName() string { return "dispatch_api_keys" }

// AffinityKey derives the stable identifier used for cache-affinity
// stickiness and load-balance hashing (see GLOSSARY).
func (k ApiKey) AffinityKey() string { return k.KeyHash }
