// Package quota implements the Quota Manager (C5): the pre-call admission
// check across daily, monthly and rolling-hourly usage dimensions.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/ai-gateway/internal/router"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

// Dimension names surfaced on a QuotaExceeded error.
const (
	DimensionDailyTokens   = "daily_tokens"
	DimensionMonthlyTokens = "monthly_tokens"
	DimensionHourlyCalls   = "hourly_calls"
)

// PlanLimits is one row of the static, read-only-at-runtime quota policy
// table, keyed by plan.
type PlanLimits struct {
	DailyTokenLimit   int64
	MonthlyTokenLimit int64
	HourlyCallLimit   int64
}

// PolicyTable maps a plan to its limits.
type PolicyTable map[router.Plan]PlanLimits

// LedgerReader is the slice of the Usage Ledger the Quota Manager reads
// from for the slow-changing daily/monthly token dimensions. Implemented
// by internal/ledger.Ledger.
type LedgerReader interface {
	SumTokensSince(ctx context.Context, userID uint64, since time.Time) (int64, error)
	SumTokensSinceForConfig(ctx context.Context, providerConfigID uint, since time.Time) (int64, error)
}

// CreditSource is an optional additive credit hook (e.g. referral credits):
// its return value is added to the user's daily token limit before the
// admission comparison. The default NoCredit implementation returns 0,
// making the hook inert unless an external caller supplies one.
type CreditSource interface {
	Credit(ctx context.Context, userID uint64) (int64, error)
}

// NoCredit is the default, inert CreditSource.
type NoCredit struct{}

func (NoCredit) Credit(context.Context, uint64) (int64, error) { return 0, nil }

// DefaultEstimatedRequestTokens is the configurable default request-size
// estimate added to current usage before the admission comparison.
const DefaultEstimatedRequestTokens = 1000

// slidingWindowScript is the same atomic sliding-window-counter Lua script
// used for request-rate limiting, repurposed here to count calls per user
// over a rolling 60-minute window instead of a global RPM gate.
//
// The ZADD happens at admission time (before the adapter call), so this
// counts admitted calls, not calls that went on to succeed — a call later
// recorded as an error or timeout still occupies a window slot. Accepted
// as a best-effort approximation of the rolling window: correcting it
// would mean either a second Redis round trip after the call completes or
// an admission rollback path, neither of which this manager implements.
//
// KEYS[1] = redis key
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max calls per window)
// Returns: 1 if allowed (and recorded), 0 if the window is already full.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

// Manager implements the four-step admission algorithm.
type Manager struct {
	ledger         LedgerReader
	rdb            *redis.Client
	policy         PolicyTable
	credit         CreditSource
	estimateTokens int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithCreditSource overrides the default inert CreditSource.
func WithCreditSource(c CreditSource) Option {
	return func(m *Manager) { m.credit = c }
}

// WithEstimatedRequestTokens overrides DefaultEstimatedRequestTokens.
func WithEstimatedRequestTokens(n int64) Option {
	return func(m *Manager) { m.estimateTokens = n }
}

// New builds a Manager. rdb may be nil, in which case the hourly call-rate
// dimension is treated as always-admit (degraded mode, matching the
// teacher's rate limiter's graceful-degradation-on-Redis-failure stance).
func New(ledger LedgerReader, rdb *redis.Client, policy PolicyTable, opts ...Option) *Manager {
	m := &Manager{
		ledger:         ledger,
		rdb:            rdb,
		policy:         policy,
		credit:         NoCredit{},
		estimateTokens: DefaultEstimatedRequestTokens,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Check runs the four-step admission algorithm for a user-level call. On
// denial it returns a *apierr.Error of kind QuotaExceeded naming the
// exceeded dimension.
func (m *Manager) Check(ctx context.Context, userID uint64, plan router.Plan) error {
	limits, ok := m.policy[plan]
	if !ok {
		return apierr.New(apierr.NoProviderConfigured, fmt.Sprintf("quota: no policy for plan %q", plan))
	}

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	dailyUsed, err := m.ledger.SumTokensSince(ctx, userID, dayStart)
	if err != nil {
		return fmt.Errorf("quota: sum daily tokens: %w", err)
	}
	monthlyUsed, err := m.ledger.SumTokensSince(ctx, userID, monthStart)
	if err != nil {
		return fmt.Errorf("quota: sum monthly tokens: %w", err)
	}

	credit, err := m.credit.Credit(ctx, userID)
	if err != nil {
		return fmt.Errorf("quota: credit source: %w", err)
	}

	if limits.DailyTokenLimit > 0 {
		projected := dailyUsed + m.estimateTokens
		limit := limits.DailyTokenLimit + credit
		if projected > limit {
			return apierr.NewQuotaExceeded(DimensionDailyTokens, dailyUsed, limit)
		}
	}
	if limits.MonthlyTokenLimit > 0 {
		projected := monthlyUsed + m.estimateTokens
		if projected > limits.MonthlyTokenLimit {
			return apierr.NewQuotaExceeded(DimensionMonthlyTokens, monthlyUsed, limits.MonthlyTokenLimit)
		}
	}

	if limits.HourlyCallLimit > 0 {
		allowed, used, err := m.checkHourlyCalls(ctx, userID, limits.HourlyCallLimit)
		if err != nil {
			return fmt.Errorf("quota: hourly call check: %w", err)
		}
		if !allowed {
			return apierr.NewQuotaExceeded(DimensionHourlyCalls, used, limits.HourlyCallLimit)
		}
	}

	return nil
}

// CheckProviderCaps enforces the per-provider daily/monthly token caps
// analogously to Check, keyed by provider_config_id rather than user_id.
func (m *Manager) CheckProviderCaps(ctx context.Context, providerConfigID uint, dailyCap, monthlyCap *int64) error {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	if dailyCap != nil && *dailyCap > 0 {
		used, err := m.ledger.SumTokensSinceForConfig(ctx, providerConfigID, dayStart)
		if err != nil {
			return fmt.Errorf("quota: sum daily tokens for config: %w", err)
		}
		if used+m.estimateTokens > *dailyCap {
			return apierr.NewQuotaExceeded(DimensionDailyTokens, used, *dailyCap)
		}
	}
	if monthlyCap != nil && *monthlyCap > 0 {
		used, err := m.ledger.SumTokensSinceForConfig(ctx, providerConfigID, monthStart)
		if err != nil {
			return fmt.Errorf("quota: sum monthly tokens for config: %w", err)
		}
		if used+m.estimateTokens > *monthlyCap {
			return apierr.NewQuotaExceeded(DimensionMonthlyTokens, used, *monthlyCap)
		}
	}
	return nil
}

func (m *Manager) checkHourlyCalls(ctx context.Context, userID uint64, limit int64) (allowed bool, used int64, err error) {
	if m.rdb == nil {
		return true, 0, nil
	}

	key := fmt.Sprintf("quota:hourly:%d", userID)
	now := time.Now().UnixNano()
	window := time.Hour.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, m.rdb, []string{key}, now, window, limit).Int()
	if err != nil {
		// Redis unavailable: degrade to always-admit, matching the
		// teacher's rate limiter's graceful-degradation stance.
		return true, 0, nil
	}
	if result == 1 {
		return true, 0, nil
	}

	count, countErr := m.rdb.ZCard(ctx, key).Result()
	if countErr != nil {
		count = limit
	}
	return false, count, nil
}
