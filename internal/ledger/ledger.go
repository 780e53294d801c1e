// Package ledger implements the Usage Ledger (C7): an append-only,
// best-effort-write log of every generate() attempt, plus paginated and
// aggregate reads over it.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/nulpointcorp/ai-gateway/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Entry is one append to the ledger. CreatedAt is stamped by the caller
// (usually the orchestrator facade) so latency-sensitive callers never
// block on the writer goroutine to learn their own timestamp.
type Entry struct {
	UserID           uint64
	ProviderConfigID *uint
	Task             string
	Model            string

	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64

	CostMicroUSD int64
	LatencyMs    int64

	Status       store.UsageStatus
	ErrorKind    string
	ErrorMessage string

	CacheHit bool

	CreatedAt time.Time
}

func (e Entry) toRow() store.UsageRecord {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return store.UsageRecord{
		UserID:           e.UserID,
		ProviderConfigID: e.ProviderConfigID,
		Task:             e.Task,
		Model:            e.Model,
		InputTokens:      e.InputTokens,
		OutputTokens:     e.OutputTokens,
		TotalTokens:      e.TotalTokens,
		CostMicroUSD:     e.CostMicroUSD,
		LatencyMs:        e.LatencyMs,
		Status:           e.Status,
		ErrorKind:        e.ErrorKind,
		ErrorMessage:     e.ErrorMessage,
		CacheHit:         e.CacheHit,
		CreatedAt:        created,
	}
}

// AnalyticsSink is the optional secondary write path for denormalized
// analytics (see the ClickHouse adapter in clickhouse.go). A nil sink
// disables it entirely.
type AnalyticsSink interface {
	Write(ctx context.Context, entries []Entry) error
}

// Ledger is an async, batched, best-effort writer over UsageRecord, plus
// synchronous aggregate/list reads.
type Ledger struct {
	db *gorm.DB

	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedRecords int64

	baseCtx   context.Context
	log       *slog.Logger
	analytics AnalyticsSink
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithAnalyticsSink attaches a secondary sink every flushed batch is also
// streamed to.
func WithAnalyticsSink(sink AnalyticsSink) Option {
	return func(l *Ledger) { l.analytics = sink }
}

// WithLogger overrides the warn-level logger used for best-effort write
// failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.log = logger }
}

// New starts the background flush loop. The loop stops when ctx is
// cancelled or Close is called.
func New(ctx context.Context, db *gorm.DB, opts ...Option) (*Ledger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ledger: context must not be nil")
	}
	if db == nil {
		return nil, fmt.Errorf("ledger: db must not be nil")
	}

	l := &Ledger{
		db:      db,
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, o := range opts {
		o(l)
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Append enqueues entry for the next flush. Never blocks: if the channel
// is full the entry is dropped and counted in DroppedRecords. This is the
// "append must not raise into the caller" contract — a full buffer means
// the write is lost, not that the caller's result is degraded.
func (l *Ledger) Append(entry Entry) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedRecords, 1)
	}
}

// DroppedRecords returns the number of entries lost to a full buffer.
func (l *Ledger) DroppedRecords() int64 {
	return atomic.LoadInt64(&l.droppedRecords)
}

// Close flushes any pending entries and stops the background goroutine.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

func (l *Ledger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		l.writeBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func (l *Ledger) writeBatch(ctx context.Context, batch []Entry) {
	rows := make([]store.UsageRecord, len(batch))
	for i, e := range batch {
		rows[i] = e.toRow()
	}

	if err := l.db.WithContext(ctx).Create(&rows).Error; err != nil {
		l.log.WarnContext(ctx, "ledger_batch_write_failed",
			slog.Int("count", len(rows)),
			slog.String("error", err.Error()),
		)
	}

	if l.analytics != nil {
		if err := l.analytics.Write(ctx, batch); err != nil {
			l.log.WarnContext(ctx, "ledger_analytics_write_failed",
				slog.Int("count", len(batch)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Filter scopes a List or Aggregate read. Zero values mean "no filter on
// this dimension" except Since/Until which default to all time.
type Filter struct {
	UserID           *uint64
	ProviderConfigID *uint
	Task             string
	Since            time.Time
	Until            time.Time
	Limit            int
	Offset           int
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.ProviderConfigID != nil {
		q = q.Where("provider_config_id = ?", *f.ProviderConfigID)
	}
	if f.Task != "" {
		q = q.Where("task = ?", f.Task)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at < ?", f.Until)
	}
	return q
}

// List returns records matching filter, newest first, paginated by
// Limit/Offset.
func (l *Ledger) List(ctx context.Context, f Filter) ([]store.UsageRecord, error) {
	q := f.apply(l.db.WithContext(ctx).Model(&store.UsageRecord{})).Order("created_at desc")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []store.UsageRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	return rows, nil
}

// Aggregate is the sum/avg/success-rate view over a Filter.
type Aggregate struct {
	Count           int64
	SumTokens       int64
	SumCostMicroUSD int64
	AvgLatencyMs    float64
	SuccessRate     float64
}

type aggregateRow struct {
	Count        int64
	SumTokens    int64
	SumCost      int64
	AvgLatency   float64
	SuccessCount int64
}

// Aggregate computes sum tokens, sum cost, avg latency and success rate
// over filter.
func (l *Ledger) Aggregate(ctx context.Context, f Filter) (Aggregate, error) {
	q := f.apply(l.db.WithContext(ctx).Model(&store.UsageRecord{})).Select(
		"COUNT(*) AS count",
		"COALESCE(SUM(total_tokens),0) AS sum_tokens",
		"COALESCE(SUM(cost_micro_usd),0) AS sum_cost",
		"COALESCE(AVG(latency_ms),0) AS avg_latency",
		"COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),0) AS success_count",
	)

	var row aggregateRow
	if err := q.Scan(&row).Error; err != nil {
		return Aggregate{}, fmt.Errorf("ledger: aggregate: %w", err)
	}

	agg := Aggregate{
		Count:           row.Count,
		SumTokens:       row.SumTokens,
		SumCostMicroUSD: row.SumCost,
		AvgLatencyMs:    row.AvgLatency,
	}
	if row.Count > 0 {
		agg.SuccessRate = float64(row.SuccessCount) / float64(row.Count)
	}
	return agg, nil
}

// SumTokensSince sums total_tokens for userID since the given time.
// Satisfies quota.LedgerReader.
func (l *Ledger) SumTokensSince(ctx context.Context, userID uint64, since time.Time) (int64, error) {
	agg, err := l.Aggregate(ctx, Filter{UserID: &userID, Since: since})
	if err != nil {
		return 0, err
	}
	return agg.SumTokens, nil
}

// SumTokensSinceForConfig sums total_tokens for a provider config since
// the given time. Satisfies quota.LedgerReader.
func (l *Ledger) SumTokensSinceForConfig(ctx context.Context, providerConfigID uint, since time.Time) (int64, error) {
	agg, err := l.Aggregate(ctx, Filter{ProviderConfigID: &providerConfigID, Since: since})
	if err != nil {
		return 0, err
	}
	return agg.SumTokens, nil
}
