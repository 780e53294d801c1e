// Package orchestrator implements the Orchestrator Facade (C8): the single
// generate() operation that ties the registry, router, quota manager,
// cache and ledger together around one provider call.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/ledger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/quota"
	"github.com/nulpointcorp/ai-gateway/internal/registry"
	"github.com/nulpointcorp/ai-gateway/internal/router"
	"github.com/nulpointcorp/ai-gateway/internal/store"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

const defaultMaxAttempts = 3 // first attempt + 2 retries, per spec's ProviderUnavailable policy

// GenerateRequest is the single external operation's input.
type GenerateRequest struct {
	UserID uint64
	Plan   router.Plan
	Task   router.Task

	Prompt       string
	SystemPrompt string
	Image        *providers.Image

	Temperature float64
	MaxTokens   int

	ProviderOverride *store.ProviderKind
	CacheKey         string
	BypassCache      bool
}

// GenerateResponse is the single external operation's output.
type GenerateResponse struct {
	ResponseText string
	Cached       bool
	CostMicroUSD int64
	Model        string
}

// Facade wires the registry, router, quota manager, cache and ledger
// around one generate() call.
type Facade struct {
	registry *registry.Registry
	router   *router.Router
	quota    *quota.Manager
	cache    *cache.ScopedStore
	ledger   *ledger.Ledger

	newAdapter AdapterFactory
	cb         *CircuitBreaker

	timeout           time.Duration
	credentialTimeout time.Duration
	maxAttempts       int

	log     *slog.Logger
	metrics *metrics.Registry // nil-safe: every call site checks before using

	validated sync.Map // configKey(string) -> bool, memoized per process life
}

// Option configures a Facade.
type Option func(*Facade)

func WithAdapterFactory(f AdapterFactory) Option { return func(fa *Facade) { fa.newAdapter = f } }
func WithTimeout(d time.Duration) Option         { return func(fa *Facade) { fa.timeout = d } }
func WithCredentialTimeout(d time.Duration) Option {
	return func(fa *Facade) { fa.credentialTimeout = d }
}
func WithMaxAttempts(n int) Option { return func(fa *Facade) { fa.maxAttempts = n } }
func WithLogger(l *slog.Logger) Option {
	return func(fa *Facade) { fa.log = l }
}
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(fa *Facade) { fa.cb = cb }
}
func WithMetrics(m *metrics.Registry) Option {
	return func(fa *Facade) { fa.metrics = m }
}

// New builds a Facade with the package defaults: the real adapter factory,
// 30s adapter timeout, 10s credential-validation timeout, 3 total attempts.
func New(reg *registry.Registry, rtr *router.Router, q *quota.Manager, c *cache.ScopedStore, l *ledger.Ledger, opts ...Option) *Facade {
	f := &Facade{
		registry:          reg,
		router:            rtr,
		quota:             q,
		cache:             c,
		ledger:            l,
		newAdapter:        DefaultAdapterFactory,
		cb:                NewCircuitBreaker(),
		timeout:           providers.ProviderTimeout,
		credentialTimeout: providers.CredentialTimeout,
		maxAttempts:       defaultMaxAttempts,
		log:               slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Generate implements the twelve-step algorithm: select config → decrypt →
// resolve model → check quota → cache lookup → instantiate adapter →
// validate credentials → invoke adapter → post-process → cache store →
// ledger append → return.
func (f *Facade) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	start := time.Now()

	// Zero sampling parameters mean "unset" and take the facade defaults.
	if req.Temperature == 0 {
		req.Temperature = 0.7
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 4096
	}

	if err := ctx.Err(); err != nil {
		return f.terminal(req, start, nil, "", store.StatusCancelled, "cancelled", err)
	}

	// 1. Select config.
	cfg, err := f.selectConfig(ctx, req)
	if err != nil {
		return f.terminal(req, start, nil, "", store.StatusError, string(kindOf(err)), err)
	}
	configID := configIDOf(cfg)

	// 2. Credentials are already decrypted by the registry into cfg.APIKey.

	// 3. Resolve model.
	model := cfg.Model
	if model == "" {
		model, err = f.router.ModelFor(req.Plan, req.Task)
		if err != nil {
			return f.terminal(req, start, configID, "", store.StatusError, string(apierr.NoProviderConfigured), err)
		}
	}

	// 4. Check quota: user-level first, then the selected config's own caps.
	if err := f.quota.Check(ctx, req.UserID, req.Plan); err != nil {
		f.recordQuotaDecision("denied")
		return f.terminal(req, start, configID, model, store.StatusQuotaDenied, string(kindOf(err)), err)
	}
	if configID != nil {
		if err := f.quota.CheckProviderCaps(ctx, *configID, cfg.DailyTokenCap, cfg.MonthlyTokenCap); err != nil {
			f.recordQuotaDecision("denied")
			return f.terminal(req, start, configID, model, store.StatusQuotaDenied, string(kindOf(err)), err)
		}
	}
	f.recordQuotaDecision("allowed")

	// 5. Cache lookup.
	cacheKey := f.resolveCacheKey(req, model)
	bypass := req.BypassCache || f.cache.Bypass(req.Plan, model)
	if bypass && f.metrics != nil {
		f.metrics.CacheGetBypass()
	}
	if !bypass {
		if val, _, hit, err := f.cache.LookupForGenerate(ctx, req.UserID, cacheKey, cacheKey, cacheKey); err != nil {
			f.log.WarnContext(ctx, "cache_lookup_failed", slog.String("error", err.Error()))
		} else if hit {
			if f.metrics != nil {
				f.metrics.CacheGetHit()
				f.metrics.RecordRequest(string(req.Task), 200, time.Since(start).Milliseconds())
				f.metrics.ObserveRequest(string(req.Task), "hit", time.Since(start))
			}
			f.ledger.Append(ledger.Entry{
				UserID: req.UserID, ProviderConfigID: configID, Task: string(req.Task), Model: model,
				Status: store.StatusSuccess, CacheHit: true, LatencyMs: time.Since(start).Milliseconds(),
				CreatedAt: time.Now(),
			})
			return GenerateResponse{ResponseText: string(val), Cached: true, Model: model}, nil
		} else {
			if f.metrics != nil {
				f.metrics.CacheGetMiss()
			}
		}
	}

	// 6. Instantiate adapter.
	adapter, err := f.newAdapter(ctx, cfg.Kind, cfg.APIKey, model)
	if err != nil {
		return f.terminal(req, start, configID, model, store.StatusError, string(apierr.ProviderUnavailable), err)
	}

	// 7. Validate credentials once per process-life per config.
	validationKey := validationKeyOf(cfg, model)
	if _, ok := f.validated.Load(validationKey); !ok {
		valCtx, cancel := context.WithTimeout(ctx, f.credentialTimeout)
		ok2, verr := adapter.ValidateCredentials(valCtx)
		cancel()
		if verr != nil || !ok2 {
			msg := "credential validation failed"
			if verr != nil {
				msg = verr.Error()
			}
			return f.terminal(req, start, configID, model, store.StatusError, string(apierr.InvalidCredential), fmt.Errorf("%s: %s", apierr.InvalidCredential, msg))
		}
		f.validated.Store(validationKey, true)
	}

	// 8. Invoke adapter, with bounded single-config retry behind a breaker.
	resp, err := f.invoke(ctx, adapter, validationKey, string(cfg.Kind), req)
	if err != nil {
		if ctx.Err() != nil {
			return f.terminal(req, start, configID, model, store.StatusCancelled, "cancelled", ctx.Err())
		}
		kind := classifyError(err)
		status := store.StatusError
		apiKind := apierr.ProviderUnavailable
		if kind == "timeout" {
			status = store.StatusTimeout
			apiKind = apierr.ProviderTimeout
		}
		if f.metrics != nil {
			f.metrics.RecordError(string(cfg.Kind), kind)
		}
		return f.terminal(req, start, configID, model, status, kind, apierr.Wrap(apiKind, "provider call failed", err))
	}

	// 9. Post-process.
	inputTokens := int64(resp.Usage.InputTokens)
	outputTokens := int64(resp.Usage.OutputTokens)
	cost := f.router.CostMicroUSD(model, inputTokens, outputTokens)
	latency := time.Since(start).Milliseconds()

	// 10. Cache store.
	if !bypass {
		if err := f.cache.Set(ctx, store.ScopeContent, req.UserID, cacheKey, []byte(resp.Content), 0); err != nil {
			f.log.WarnContext(ctx, "cache_store_failed", slog.String("error", err.Error()))
			if f.metrics != nil {
				f.metrics.CacheSetError()
			}
		} else if f.metrics != nil {
			f.metrics.CacheSetOK()
		}
	}

	// 11. Ledger append.
	f.ledger.Append(ledger.Entry{
		UserID: req.UserID, ProviderConfigID: configID, Task: string(req.Task), Model: model,
		InputTokens: inputTokens, OutputTokens: outputTokens, TotalTokens: inputTokens + outputTokens,
		CostMicroUSD: cost, LatencyMs: latency, Status: store.StatusSuccess, CreatedAt: time.Now(),
	})

	if f.metrics != nil {
		f.metrics.AddTokens(string(cfg.Kind), string(req.Task), inputTokens, outputTokens, false)
		f.metrics.RecordRequest(string(req.Task), 200, latency)
		f.metrics.ObserveRequest(string(req.Task), "miss", time.Since(start))
	}

	// 12. Return.
	return GenerateResponse{ResponseText: resp.Content, Cached: false, CostMicroUSD: cost, Model: model}, nil
}

func (f *Facade) recordQuotaDecision(result string) {
	if f.metrics != nil {
		f.metrics.RecordQuotaDecision("tokens", result)
	}
}

func (f *Facade) selectConfig(ctx context.Context, req GenerateRequest) (registry.Config, error) {
	if req.ProviderOverride != nil {
		return f.registry.SelectByKind(ctx, *req.ProviderOverride, string(req.Task))
	}
	return f.registry.SelectFor(ctx, string(req.Task))
}

func (f *Facade) resolveCacheKey(req GenerateRequest, model string) string {
	if req.CacheKey != "" {
		return req.CacheKey
	}
	return cache.ContentKey(string(req.Task), model, req.Prompt, req.SystemPrompt, req.Temperature, req.MaxTokens, imageDigest(req.Image))
}

func (f *Facade) invoke(ctx context.Context, adapter providers.Provider, cbKey, providerKind string, req GenerateRequest) (providers.Response, error) {
	if !f.cb.Allow(cbKey) {
		if f.metrics != nil {
			f.metrics.RecordCircuitBreakerRejection(providerKind, cbStateLabel(f.cb.State(cbKey)))
		}
		return providers.Response{}, fmt.Errorf("circuit breaker open for %s", cbKey)
	}

	var resp providers.Response
	var err error

	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		attemptStart := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		if req.Image != nil {
			resp, err = adapter.GenerateMultimodal(callCtx, providers.MultimodalRequest{
				TextRequest: textRequestOf(req),
				Image:       *req.Image,
			})
		} else {
			resp, err = adapter.GenerateText(callCtx, textRequestOf(req))
		}
		cancel()

		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		if f.metrics != nil {
			f.metrics.ObserveAdapterAttempt(providerKind, outcome, time.Since(attemptStart))
		}

		if err == nil {
			f.cb.RecordSuccess(cbKey)
			if f.metrics != nil {
				f.metrics.SetCircuitBreaker(providerKind, int64(f.cb.State(cbKey)))
			}
			return resp, nil
		}
		f.cb.RecordFailure(cbKey)
		if f.metrics != nil {
			f.metrics.SetCircuitBreaker(providerKind, int64(f.cb.State(cbKey)))
		}

		if ctx.Err() != nil || !isRetryable(err) {
			break
		}
		if attempt+1 < f.maxAttempts {
			// Exponential backoff with jitter before the next attempt.
			const retryBaseDelay = 100 * time.Millisecond
			delay := retryBaseDelay << attempt
			delay += time.Duration(rand.Int63n(int64(delay)))
			select {
			case <-ctx.Done():
				return providers.Response{}, err
			case <-time.After(delay):
			}
		}
	}

	return providers.Response{}, err
}

func cbStateLabel(s cbState) string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func textRequestOf(req GenerateRequest) providers.TextRequest {
	return providers.TextRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	}
}

// terminal writes the one-UsageRecord-per-call invariant and returns err
// unchanged to the caller.
func (f *Facade) terminal(req GenerateRequest, start time.Time, configID *uint, model string, status store.UsageStatus, errKind string, err error) (GenerateResponse, error) {
	latency := time.Since(start)
	f.ledger.Append(ledger.Entry{
		UserID: req.UserID, ProviderConfigID: configID, Task: string(req.Task), Model: model,
		Status: status, ErrorKind: errKind, ErrorMessage: err.Error(),
		LatencyMs: latency.Milliseconds(), CreatedAt: time.Now(),
	})
	if f.metrics != nil {
		f.metrics.RecordRequest(string(req.Task), statusHTTPCode(status), latency.Milliseconds())
		f.metrics.ObserveRequest(string(req.Task), "miss", latency)
	}
	return GenerateResponse{}, err
}

// statusHTTPCode maps a terminal UsageStatus to the HTTP status an external
// caller embedding this module behind its own HTTP surface would report.
func statusHTTPCode(status store.UsageStatus) int {
	switch status {
	case store.StatusSuccess:
		return 200
	case store.StatusQuotaDenied:
		return apierr.HTTPStatus(apierr.QuotaExceeded)
	case store.StatusTimeout:
		return apierr.HTTPStatus(apierr.ProviderTimeout)
	case store.StatusCancelled:
		return apierr.HTTPStatus(apierr.Cancelled)
	default:
		return apierr.HTTPStatus(apierr.ProviderUnavailable)
	}
}

func configIDOf(cfg registry.Config) *uint {
	if cfg.ConfigSource != "db" {
		return nil
	}
	id := cfg.ID
	return &id
}

func validationKeyOf(cfg registry.Config, model string) string {
	if cfg.ConfigSource == "db" {
		return fmt.Sprintf("db:%d", cfg.ID)
	}
	return fmt.Sprintf("env:%s:%s", cfg.Kind, model)
}

func kindOf(err error) apierr.Kind {
	if apiErr, ok := err.(*apierr.Error); ok {
		return apiErr.Kind
	}
	return apierr.ProviderUnavailable
}

func imageDigest(img *providers.Image) string {
	if img == nil {
		return ""
	}
	sum := sha256.Sum256(img.Bytes)
	return hex.EncodeToString(sum[:])
}
