package ledger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseSink streams a denormalized copy of every flushed batch to
// ClickHouse for the sum/avg aggregate views, alongside the primary GORM
// write path. The teacher's codebase carried this dependency in its go.mod
// without ever wiring it in ("not wired in the open-source build... in the
// managed version this connects to ClickHouse for analytics") — this is
// its first real use.
type ClickHouseSink struct {
	conn clickhouse.Conn
}

// NewClickHouseSink opens a connection to dsn (a ClickHouse native-protocol
// DSN) and verifies it with a ping.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ledger: ping clickhouse: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

// Write inserts entries into the usage_records_analytics table. Satisfies
// ledger.AnalyticsSink.
func (s *ClickHouseSink) Write(ctx context.Context, entries []Entry) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO usage_records_analytics
			(user_id, provider_config_id, task, model, input_tokens, output_tokens,
			 total_tokens, cost_micro_usd, latency_ms, status, cache_hit, created_at)
	`)
	if err != nil {
		return fmt.Errorf("ledger: prepare clickhouse batch: %w", err)
	}

	for _, e := range entries {
		var configID uint64
		if e.ProviderConfigID != nil {
			configID = uint64(*e.ProviderConfigID)
		}
		row := e.toRow()
		if err := batch.Append(
			e.UserID,
			configID,
			e.Task,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.TotalTokens,
			e.CostMicroUSD,
			e.LatencyMs,
			string(e.Status),
			e.CacheHit,
			row.CreatedAt,
		); err != nil {
			return fmt.Errorf("ledger: append clickhouse row: %w", err)
		}
	}

	return batch.Send()
}

// Close releases the ClickHouse connection pool.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
