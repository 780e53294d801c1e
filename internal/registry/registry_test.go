package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/ai-gateway/internal/credcodec"
	"github.com/nulpointcorp/ai-gateway/internal/store"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

func newTestRegistry(t *testing.T, env EnvFallback) *Registry {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	codec, err := credcodec.New("test-secret")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return New(db, codec, env)
}

func TestSelectFor_DefaultForTaskWins(t *testing.T) {
	r := newTestRegistry(t, EnvFallback{})
	ctx := context.Background()

	_, err := r.Create(ctx, CreateParams{Kind: store.KindOpenAI, APIKey: "k1", Model: "gpt-4o", IsActive: true, IsDefault: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wantTask, err := r.Create(ctx, CreateParams{Kind: store.KindOpenAI, APIKey: "k2", Model: "gpt-4o-mini", IsActive: true, DefaultForCVDraft: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cfg, err := r.SelectFor(ctx, "cv_draft")
	if err != nil {
		t.Fatalf("select_for: %v", err)
	}
	if cfg.ID != wantTask.ID {
		t.Fatalf("expected default_for_cv_draft config %d, got %d", wantTask.ID, cfg.ID)
	}
	if cfg.APIKey != "k2" {
		t.Fatalf("expected decrypted key k2, got %q", cfg.APIKey)
	}
	if cfg.ConfigSource != "db" {
		t.Fatalf("expected config_source=db, got %q", cfg.ConfigSource)
	}
}

func TestSelectFor_FallsBackToIsDefault(t *testing.T) {
	r := newTestRegistry(t, EnvFallback{})
	ctx := context.Background()

	def, err := r.Create(ctx, CreateParams{Kind: store.KindAnthropic, APIKey: "k1", Model: "claude-3-5-sonnet", IsActive: true, IsDefault: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cfg, err := r.SelectFor(ctx, "extraction")
	if err != nil {
		t.Fatalf("select_for: %v", err)
	}
	if cfg.ID != def.ID {
		t.Fatalf("expected is_default config %d, got %d", def.ID, cfg.ID)
	}
}

func TestSelectFor_FallsBackToSmallestID(t *testing.T) {
	r := newTestRegistry(t, EnvFallback{})
	ctx := context.Background()

	first, err := r.Create(ctx, CreateParams{Kind: store.KindGemini, APIKey: "k1", Model: "gemini-2.5-flash", IsActive: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = r.Create(ctx, CreateParams{Kind: store.KindGemini, APIKey: "k2", Model: "gemini-1.5-pro", IsActive: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cfg, err := r.SelectFor(ctx, "validation")
	if err != nil {
		t.Fatalf("select_for: %v", err)
	}
	if cfg.ID != first.ID {
		t.Fatalf("expected smallest id config %d, got %d", first.ID, cfg.ID)
	}
}

func TestSelectFor_EnvFallback(t *testing.T) {
	r := newTestRegistry(t, EnvFallback{APIKey: "env-key", ModelFast: "gemini-2.5-flash", ModelQuality: "gemini-1.5-pro"})

	cfg, err := r.SelectFor(context.Background(), "extraction")
	if err != nil {
		t.Fatalf("select_for: %v", err)
	}
	if cfg.ConfigSource != "env" {
		t.Fatalf("expected config_source=env, got %q", cfg.ConfigSource)
	}
	if cfg.APIKey != "env-key" {
		t.Fatalf("expected env key, got %q", cfg.APIKey)
	}
	if cfg.Model != "gemini-2.5-flash" {
		t.Fatalf("expected fast model for extraction, got %q", cfg.Model)
	}

	cfg2, err := r.SelectFor(context.Background(), "cv_draft")
	if err != nil {
		t.Fatalf("select_for: %v", err)
	}
	if cfg2.Model != "gemini-1.5-pro" {
		t.Fatalf("expected quality model for cv_draft, got %q", cfg2.Model)
	}
}

func TestSelectFor_NoProviderConfigured(t *testing.T) {
	r := newTestRegistry(t, EnvFallback{})

	_, err := r.SelectFor(context.Background(), "extraction")
	if err == nil {
		t.Fatal("expected NoProviderConfigured error")
	}
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if apiErr.Kind != apierr.NoProviderConfigured {
		t.Fatalf("expected kind=%q, got %q", apierr.NoProviderConfigured, apiErr.Kind)
	}
}

func TestSelectFor_InactiveConfigIgnored(t *testing.T) {
	r := newTestRegistry(t, EnvFallback{})
	ctx := context.Background()

	_, err := r.Create(ctx, CreateParams{Kind: store.KindGemini, APIKey: "k1", Model: "gemini-2.5-flash", IsActive: false, IsDefault: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = r.SelectFor(ctx, "extraction")
	if err == nil {
		t.Fatal("expected NoProviderConfigured since the only config is inactive")
	}
}

func TestCreate_ClearsSiblingDefaults(t *testing.T) {
	r := newTestRegistry(t, EnvFallback{})
	ctx := context.Background()

	first, err := r.Create(ctx, CreateParams{Kind: store.KindOpenAI, APIKey: "k1", Model: "gpt-4o", IsActive: true, IsDefault: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := r.Create(ctx, CreateParams{Kind: store.KindOpenAI, APIKey: "k2", Model: "gpt-4o-mini", IsActive: true, IsDefault: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := r.GetConfig(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsDefault {
		t.Fatalf("expected first config's is_default to be cleared once second becomes default")
	}

	got2, err := r.GetConfig(ctx, second.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got2.IsDefault {
		t.Fatalf("expected second config to remain default")
	}
}

func TestUpdate_ClearsSiblingDefaultsAcrossKindOnly(t *testing.T) {
	r := newTestRegistry(t, EnvFallback{})
	ctx := context.Background()

	openaiDefault, err := r.Create(ctx, CreateParams{Kind: store.KindOpenAI, APIKey: "k1", Model: "gpt-4o", IsActive: true, IsDefault: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	geminiCfg, err := r.Create(ctx, CreateParams{Kind: store.KindGemini, APIKey: "k2", Model: "gemini-2.5-flash", IsActive: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	isDefault := true
	if _, err := r.Update(ctx, geminiCfg.ID, UpdateParams{IsDefault: &isDefault}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := r.GetConfig(ctx, openaiDefault.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsDefault {
		t.Fatalf("cross-kind default should not be cleared by a different kind's update")
	}
}

func TestListConfigs_NoCiphertextExposed(t *testing.T) {
	r := newTestRegistry(t, EnvFallback{})
	ctx := context.Background()

	if _, err := r.Create(ctx, CreateParams{Kind: store.KindOpenAI, APIKey: "super-secret", Model: "gpt-4o", IsActive: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	rows, err := r.ListConfigs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].APIKeyCiphertext != nil {
		t.Fatalf("expected ciphertext to be stripped from ListConfigs output")
	}
}
