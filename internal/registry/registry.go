// Package registry implements the Provider Registry (C3): CRUD over
// persisted provider configurations and selection of the active config for
// a call.
package registry

import (
	"context"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/nulpointcorp/ai-gateway/internal/credcodec"
	"github.com/nulpointcorp/ai-gateway/internal/store"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

// EnvFallback carries the three environment variables the ephemeral
// fallback path reads when no persisted config can serve a call
// (spec's PROVIDER_DEFAULT_API_KEY / PROVIDER_DEFAULT_MODEL_FAST /
// PROVIDER_DEFAULT_MODEL_QUALITY).
type EnvFallback struct {
	APIKey       string
	ModelFast    string
	ModelQuality string
}

func (e EnvFallback) usable() bool { return e.APIKey != "" }

// Config is a ProviderConfig with the API key decrypted and, for the
// env-fallback case, a config_source marker instead of a persisted ID.
type Config struct {
	store.ProviderConfig
	APIKey       string
	ConfigSource string // "db" or "env"
}

// Registry is the Provider Registry over a GORM-backed store.
type Registry struct {
	db    *gorm.DB
	codec *credcodec.Codec
	env   EnvFallback
}

// New builds a Registry. env may be the zero value if no fallback is
// configured, in which case select_for can still fail with
// NoProviderConfigured.
func New(db *gorm.DB, codec *credcodec.Codec, env EnvFallback) *Registry {
	return &Registry{db: db, codec: codec, env: env}
}

// ListConfigs returns every persisted config, ciphertext stripped.
func (r *Registry) ListConfigs(ctx context.Context) ([]store.ProviderConfig, error) {
	var rows []store.ProviderConfig
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].APIKeyCiphertext = nil
	}
	return rows, nil
}

// GetConfig fetches one config by id, ciphertext stripped.
func (r *Registry) GetConfig(ctx context.Context, id uint) (store.ProviderConfig, error) {
	var row store.ProviderConfig
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return store.ProviderConfig{}, err
	}
	row.APIKeyCiphertext = nil
	return row, nil
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Kind                  store.ProviderKind
	APIKey                string
	Model                 string
	DisplayName           string
	Description           string
	IsActive              bool
	IsDefault             bool
	DefaultForExtraction  bool
	DefaultForCVDraft     bool
	DefaultForCoverLetter bool
	DefaultForValidation  bool
	DailyTokenCap         *int64
	MonthlyTokenCap       *int64
	CreatedByUserID       uint64
}

// Create encrypts the API key and inserts a new config. If any of the
// is_default/default_for_* flags are set, sibling rows of the same kind
// have that flag cleared in the same transaction.
func (r *Registry) Create(ctx context.Context, p CreateParams) (store.ProviderConfig, error) {
	ciphertext, err := r.codec.Encrypt([]byte(p.APIKey))
	if err != nil {
		return store.ProviderConfig{}, apierr.Wrap(apierr.InvalidCredential, "encrypt api key", err)
	}

	row := store.ProviderConfig{
		Kind:                  p.Kind,
		Model:                 p.Model,
		DisplayName:           p.DisplayName,
		Description:           p.Description,
		APIKeyCiphertext:      ciphertext,
		IsActive:              p.IsActive,
		IsDefault:             p.IsDefault,
		DefaultForExtraction:  p.DefaultForExtraction,
		DefaultForCVDraft:     p.DefaultForCVDraft,
		DefaultForCoverLetter: p.DefaultForCoverLetter,
		DefaultForValidation:  p.DefaultForValidation,
		DailyTokenCap:         p.DailyTokenCap,
		MonthlyTokenCap:       p.MonthlyTokenCap,
		CreatedByUserID:       p.CreatedByUserID,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		// is_active has a default:true tag, so Create skips a false value.
		if !p.IsActive {
			if err := tx.Model(&row).Update("is_active", false).Error; err != nil {
				return err
			}
		}
		return clearSiblingDefaults(tx, row)
	})
	if err != nil {
		return store.ProviderConfig{}, err
	}

	row.APIKeyCiphertext = nil
	return row, nil
}

// UpdateParams are the partial fields Update may change. A nil pointer
// means "leave unchanged"; this includes APIKey, where a non-nil pointer to
// an empty string stores an encrypted empty key.
type UpdateParams struct {
	APIKey                *string
	Model                 *string
	DisplayName           *string
	Description           *string
	IsActive              *bool
	IsDefault             *bool
	DefaultForExtraction  *bool
	DefaultForCVDraft     *bool
	DefaultForCoverLetter *bool
	DefaultForValidation  *bool
	DailyTokenCap         *int64
	MonthlyTokenCap       *int64
}

// Update applies a partial update. Flag mutations that set is_default or a
// default_for_* flag to true clear the same flag on sibling rows of the
// same kind within the same transaction (spec's "concurrency of defaults").
func (r *Registry) Update(ctx context.Context, id uint, p UpdateParams) (store.ProviderConfig, error) {
	var row store.ProviderConfig

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}

		if p.APIKey != nil {
			ciphertext, err := r.codec.Encrypt([]byte(*p.APIKey))
			if err != nil {
				return apierr.Wrap(apierr.InvalidCredential, "encrypt api key", err)
			}
			row.APIKeyCiphertext = ciphertext
		}
		if p.Model != nil {
			row.Model = *p.Model
		}
		if p.DisplayName != nil {
			row.DisplayName = *p.DisplayName
		}
		if p.Description != nil {
			row.Description = *p.Description
		}
		if p.IsActive != nil {
			row.IsActive = *p.IsActive
		}
		if p.IsDefault != nil {
			row.IsDefault = *p.IsDefault
		}
		if p.DefaultForExtraction != nil {
			row.DefaultForExtraction = *p.DefaultForExtraction
		}
		if p.DefaultForCVDraft != nil {
			row.DefaultForCVDraft = *p.DefaultForCVDraft
		}
		if p.DefaultForCoverLetter != nil {
			row.DefaultForCoverLetter = *p.DefaultForCoverLetter
		}
		if p.DefaultForValidation != nil {
			row.DefaultForValidation = *p.DefaultForValidation
		}
		if p.DailyTokenCap != nil {
			row.DailyTokenCap = p.DailyTokenCap
		}
		if p.MonthlyTokenCap != nil {
			row.MonthlyTokenCap = p.MonthlyTokenCap
		}

		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		return clearSiblingDefaults(tx, row)
	})
	if err != nil {
		return store.ProviderConfig{}, err
	}

	row.APIKeyCiphertext = nil
	return row, nil
}

// Delete removes a config by id.
func (r *Registry) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&store.ProviderConfig{}, id).Error
}

// clearSiblingDefaults clears is_default / default_for_* on every other
// row of the same kind, active or not, when row carries one of those flags
// set.
// Must run inside the same transaction as the row's own Save/Create.
func clearSiblingDefaults(tx *gorm.DB, row store.ProviderConfig) error {
	updates := map[string]any{}
	if row.IsDefault {
		updates["is_default"] = false
	}
	if row.DefaultForExtraction {
		updates["default_for_extraction"] = false
	}
	if row.DefaultForCVDraft {
		updates["default_for_cv_draft"] = false
	}
	if row.DefaultForCoverLetter {
		updates["default_for_cover_letter"] = false
	}
	if row.DefaultForValidation {
		updates["default_for_validation"] = false
	}
	if len(updates) == 0 {
		return nil
	}
	return tx.Model(&store.ProviderConfig{}).
		Where("kind = ? AND id <> ?", row.Kind, row.ID).
		Updates(updates).Error
}

// DecryptConfig fetches config id's row (ciphertext included) and decrypts
// its API key. Used outside the select_for/select_by_kind paths — e.g. by
// the health checker, which needs a specific, already-known config id
// rather than a policy-driven selection.
func (r *Registry) DecryptConfig(ctx context.Context, id uint) (Config, error) {
	var row store.ProviderConfig
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return Config{}, err
	}
	return r.decrypted(row)
}

// SelectFor implements the five-step select_for(task) algorithm.
func (r *Registry) SelectFor(ctx context.Context, task string) (Config, error) {
	var active []store.ProviderConfig
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&active).Error; err != nil {
		return Config{}, err
	}

	if cfg, ok := pickDefaultForTask(active, task); ok {
		return r.decrypted(cfg)
	}
	if cfg, ok := pickIsDefault(active); ok {
		return r.decrypted(cfg)
	}
	if cfg, ok := pickAny(active); ok {
		return r.decrypted(cfg)
	}
	if r.env.usable() {
		return r.envFallback(task), nil
	}

	return Config{}, apierr.New(apierr.NoProviderConfigured, "no active provider config and no env fallback key")
}

// SelectByKind selects the smallest-id active config of the given kind,
// for the caller-supplied provider_override path (spec §4.8 step 1:
// "If provider_override is provided, select an active config of that
// kind"). Falls through to the env fallback only when that kind is
// gemini and matches the env fallback's fixed kind.
func (r *Registry) SelectByKind(ctx context.Context, kind store.ProviderKind, task string) (Config, error) {
	var active []store.ProviderConfig
	if err := r.db.WithContext(ctx).Where("is_active = ? AND kind = ?", true, kind).Order("id").Find(&active).Error; err != nil {
		return Config{}, err
	}
	if cfg, ok := smallestID(active); ok {
		return r.decrypted(cfg)
	}
	if r.env.usable() && kind == store.KindGemini {
		return r.envFallback(task), nil
	}
	return Config{}, apierr.New(apierr.NoProviderConfigured, "no active provider config for the requested kind")
}

func pickDefaultForTask(rows []store.ProviderConfig, task string) (store.ProviderConfig, bool) {
	var candidates []store.ProviderConfig
	for _, c := range rows {
		if c.DefaultForTask(task) {
			candidates = append(candidates, c)
		}
	}
	return smallestID(candidates)
}

func pickIsDefault(rows []store.ProviderConfig) (store.ProviderConfig, bool) {
	var candidates []store.ProviderConfig
	for _, c := range rows {
		if c.IsDefault {
			candidates = append(candidates, c)
		}
	}
	return smallestID(candidates)
}

func pickAny(rows []store.ProviderConfig) (store.ProviderConfig, bool) {
	return smallestID(rows)
}

func smallestID(rows []store.ProviderConfig) (store.ProviderConfig, bool) {
	if len(rows) == 0 {
		return store.ProviderConfig{}, false
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows[0], true
}

// envFallback synthesizes an ephemeral config bypassing persistence, per
// spec step 4: kind gemini, key/model from environment.
func (r *Registry) envFallback(task string) Config {
	model := r.env.ModelFast
	switch task {
	case "cv_draft", "cover_letter":
		if r.env.ModelQuality != "" {
			model = r.env.ModelQuality
		}
	}

	return Config{
		ProviderConfig: store.ProviderConfig{Kind: store.KindGemini, Model: model, IsActive: true},
		APIKey:         r.env.APIKey,
		ConfigSource:   "env",
	}
}

func (r *Registry) decrypted(row store.ProviderConfig) (Config, error) {
	plain, err := r.codec.Decrypt(row.APIKeyCiphertext)
	if err != nil {
		return Config{}, apierr.Wrap(apierr.InvalidCredential, "decrypt provider api key", err)
	}
	return Config{ProviderConfig: row, APIKey: string(plain), ConfigSource: "db"}, nil
}

// TestResult is the outcome of Test.
type TestResult struct {
	OK       bool
	Detail   string
	TestedAt time.Time
}

// Validator probes a decrypted credential; adapters implement this via
// their ValidateCredentials method.
type Validator interface {
	ValidateCredentials(ctx context.Context) (bool, error)
}

// Test invokes validate_credentials via the supplied adapter and records
// the result against the config row.
func (r *Registry) Test(ctx context.Context, id uint, adapter Validator) (TestResult, error) {
	var row store.ProviderConfig
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return TestResult{}, err
	}

	ok, err := adapter.ValidateCredentials(ctx)
	now := time.Now()
	detail := "ok"
	if err != nil {
		detail = err.Error()
	}

	row.LastTestAt = &now
	row.LastTestOK = &ok
	if updErr := r.db.WithContext(ctx).Model(&store.ProviderConfig{}).Where("id = ?", id).
		Updates(map[string]any{"last_test_at": now, "last_test_ok": ok}).Error; updErr != nil {
		return TestResult{}, updErr
	}

	return TestResult{OK: ok, Detail: detail, TestedAt: now}, nil
}

// ErrNotFound is gorm's record-not-found sentinel, re-exported so callers
// can errors.Is against it without importing gorm directly.
var ErrNotFound = gorm.ErrRecordNotFound
