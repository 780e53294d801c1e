// Package store holds the persisted GORM models shared by the Provider
// Registry, Cache Layer and Usage Ledger, plus the migration entrypoint that
// wires them up against sqlite, postgres or mysql.
package store

import (
	"time"
)

// ProviderKind is one of the three adapters the core supports.
type ProviderKind string

const (
	KindGemini    ProviderKind = "gemini"
	KindOpenAI    ProviderKind = "openai"
	KindAnthropic ProviderKind = "claude"
)

// ProviderConfig is the persisted row backing the Provider Registry (C3).
//
// APIKeyCiphertext is Codec output — never decrypted outside a single
// request's scope. Ciphertext must never appear in logs.
type ProviderConfig struct {
	ID uint `gorm:"primarykey"`

	Kind        ProviderKind `gorm:"size:16;not null;index:idx_provider_configs_kind_active"`
	Model       string       `gorm:"size:128;not null"`
	DisplayName string       `gorm:"size:128"`
	Description string       `gorm:"size:512"`

	APIKeyCiphertext []byte `gorm:"not null"`

	IsActive  bool `gorm:"not null;default:true;index:idx_provider_configs_kind_active"`
	IsDefault bool `gorm:"not null;default:false"`

	DefaultForExtraction  bool `gorm:"not null;default:false"`
	DefaultForCVDraft     bool `gorm:"not null;default:false"`
	DefaultForCoverLetter bool `gorm:"not null;default:false"`
	DefaultForValidation  bool `gorm:"not null;default:false"`

	DailyTokenCap   *int64
	MonthlyTokenCap *int64

	LastTestAt *time.Time
	LastTestOK *bool

	CreatedByUserID uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ProviderConfig) TableName() string { return "provider_configs" }

// DefaultForTask reports whether this config is the per-task default for
// the named task kind. Unknown task names never match.
func (c ProviderConfig) DefaultForTask(task string) bool {
	switch task {
	case "extraction", "extraction_validation":
		return c.DefaultForExtraction
	case "cv_draft":
		return c.DefaultForCVDraft
	case "cover_letter":
		return c.DefaultForCoverLetter
	case "validation":
		return c.DefaultForValidation
	default:
		return false
	}
}

// UsageStatus is the terminal outcome of one generate() attempt.
type UsageStatus string

const (
	StatusSuccess      UsageStatus = "success"
	StatusError        UsageStatus = "error"
	StatusTimeout      UsageStatus = "timeout"
	StatusQuotaDenied  UsageStatus = "quota_denied"
	StatusCancelled    UsageStatus = "cancelled"
)

// UsageRecord is the append-only ledger row backing the Usage Ledger (C7).
type UsageRecord struct {
	ID uint64 `gorm:"primarykey"`

	UserID           uint64 `gorm:"not null;index:idx_usage_records_user_time,priority:1"`
	ProviderConfigID *uint  `gorm:"index:idx_usage_records_config_time,priority:1"`

	Task  string `gorm:"size:32;not null;index:idx_usage_records_task_time,priority:1"`
	Model string `gorm:"size:128;not null"`

	InputTokens  int64 `gorm:"not null;default:0"`
	OutputTokens int64 `gorm:"not null;default:0"`
	TotalTokens  int64 `gorm:"not null;default:0"`

	CostMicroUSD int64 `gorm:"not null;default:0"`
	LatencyMs    int64 `gorm:"not null;default:0"`

	Status       UsageStatus `gorm:"size:16;not null"`
	ErrorKind    string      `gorm:"size:32"`
	ErrorMessage string      `gorm:"size:512"`

	CacheHit bool `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;index:idx_usage_records_user_time,priority:2;index:idx_usage_records_config_time,priority:2;index:idx_usage_records_task_time,priority:2"`
}

func (UsageRecord) TableName() string { return "usage_records" }

// CacheScope is one of the three cache tiers (C6).
type CacheScope string

const (
	ScopeSystem  CacheScope = "system"
	ScopeSession CacheScope = "session"
	ScopeContent CacheScope = "content"
)

// CacheEntry is the persisted mirror of cache state. system-scope entries
// are reloaded into the hot-path backend at startup; content-scope entries
// are recorded here only for hit-counter durability and admin visibility,
// not for reload. session-scope entries are not persisted here at all —
// ScopedStore tracks them in-process, per user, for logout eviction only.
type CacheEntry struct {
	CacheKey string `gorm:"primarykey;size:128"`

	Scope   CacheScope `gorm:"size:16;not null;index:idx_cache_entries_scope_user_expiry,priority:1"`
	OwnerID *uint64    `gorm:"index:idx_cache_entries_scope_user_expiry,priority:2"`

	Payload []byte `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt *time.Time `gorm:"index:idx_cache_entries_scope_user_expiry,priority:3"`

	HitCount uint64 `gorm:"not null;default:0"`
}

func (CacheEntry) TableName() string { return "cache_entries" }
