package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/ai-gateway/internal/router"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

type fakeLedger struct {
	dailyByUser  map[uint64]int64
	configTotals map[uint]int64
	err          error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{dailyByUser: map[uint64]int64{}, configTotals: map[uint]int64{}}
}

func (f *fakeLedger) SumTokensSince(ctx context.Context, userID uint64, since time.Time) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.dailyByUser[userID], nil
}

func (f *fakeLedger) SumTokensSinceForConfig(ctx context.Context, providerConfigID uint, since time.Time) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.configTotals[providerConfigID], nil
}

func testPolicy() PolicyTable {
	return PolicyTable{
		router.PlanFreemium: {DailyTokenLimit: 5000, MonthlyTokenLimit: 50000, HourlyCallLimit: 3},
		router.PlanPaygo:    {DailyTokenLimit: 200000, MonthlyTokenLimit: 2000000, HourlyCallLimit: 100},
	}
}

func requireQuotaExceeded(t *testing.T, err error, dimension string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected a quota-exceeded error, got nil")
	}
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if apiErr.Kind != apierr.QuotaExceeded {
		t.Fatalf("expected kind=%q, got %q", apierr.QuotaExceeded, apiErr.Kind)
	}
	if apiErr.Dimension != dimension {
		t.Fatalf("expected dimension=%q, got %q", dimension, apiErr.Dimension)
	}
}

func TestCheck_AdmitsWithinAllLimits(t *testing.T) {
	ledger := newFakeLedger()
	ledger.dailyByUser[1] = 100

	m := New(ledger, nil, testPolicy())
	if err := m.Check(context.Background(), 1, router.PlanFreemium); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
}

func TestCheck_DeniesOverDailyLimit(t *testing.T) {
	ledger := newFakeLedger()
	ledger.dailyByUser[1] = 4999

	m := New(ledger, nil, testPolicy())
	err := m.Check(context.Background(), 1, router.PlanFreemium)
	requireQuotaExceeded(t, err, DimensionDailyTokens)
}

func TestCheck_CreditSourceRaisesDailyLimit(t *testing.T) {
	ledger := newFakeLedger()
	ledger.dailyByUser[1] = 4999

	m := New(ledger, nil, testPolicy(), WithCreditSource(stubCredit{amount: 10000}))
	if err := m.Check(context.Background(), 1, router.PlanFreemium); err != nil {
		t.Fatalf("expected admission with credit applied, got %v", err)
	}
}

func TestCheck_UnknownPlanFails(t *testing.T) {
	ledger := newFakeLedger()
	m := New(ledger, nil, testPolicy())
	if err := m.Check(context.Background(), 1, router.Plan("nonexistent")); err == nil {
		t.Fatal("expected an error for an unrecognized plan")
	}
}

func TestCheck_HourlyCallLimit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ledger := newFakeLedger()
	m := New(ledger, rdb, testPolicy())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := m.Check(ctx, 42, router.PlanFreemium); err != nil {
			t.Fatalf("call %d: expected admission, got %v", i, err)
		}
	}

	err = m.Check(ctx, 42, router.PlanFreemium)
	requireQuotaExceeded(t, err, DimensionHourlyCalls)
}

func TestCheck_HourlyCallLimitIsPerUser(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ledger := newFakeLedger()
	m := New(ledger, rdb, testPolicy())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := m.Check(ctx, 1, router.PlanFreemium); err != nil {
			t.Fatalf("user 1 call %d: expected admission, got %v", i, err)
		}
	}

	// A different user's budget is untouched by user 1 exhausting theirs.
	if err := m.Check(ctx, 2, router.PlanFreemium); err != nil {
		t.Fatalf("expected user 2's first call to be admitted, got %v", err)
	}
}

func TestCheck_NoRedisDegradesToAlwaysAdmitHourly(t *testing.T) {
	ledger := newFakeLedger()
	m := New(ledger, nil, testPolicy())

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := m.Check(ctx, 1, router.PlanFreemium); err != nil {
			t.Fatalf("call %d: expected admission in degraded mode, got %v", i, err)
		}
	}
}

func TestCheckProviderCaps_DeniesOverDailyCap(t *testing.T) {
	ledger := newFakeLedger()
	ledger.configTotals[7] = 9500

	m := New(ledger, nil, testPolicy())
	cap := int64(10000)
	err := m.CheckProviderCaps(context.Background(), 7, &cap, nil)
	requireQuotaExceeded(t, err, DimensionDailyTokens)
}

func TestCheckProviderCaps_NilCapsSkipped(t *testing.T) {
	ledger := newFakeLedger()
	m := New(ledger, nil, testPolicy())
	if err := m.CheckProviderCaps(context.Background(), 7, nil, nil); err != nil {
		t.Fatalf("expected no error when caps are unset, got %v", err)
	}
}

type stubCredit struct{ amount int64 }

func (s stubCredit) Credit(context.Context, uint64) (int64, error) { return s.amount, nil }
