package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"graph_collector/internal/domain"
	"graph_collector/internal/watermark"
)

// WatermarkStore persists per-collector watermark state as a single JSONB
// row and appends one history row per tenant run. Both writes go through
// the same transaction so a crash never records a run without its state.
type WatermarkStore struct {
	db     *sqlx.DB
	tm     *TransactionManager
	logger *slog.Logger
}

func NewWatermarkStore(db *sqlx.DB, tm *TransactionManager, logger *slog.Logger) *WatermarkStore {
	return &WatermarkStore{db: db, tm: tm, logger: logger}
}

func (s *WatermarkStore) Load(ctx context.Context, collector string) (domain.Watermark, error) {
	var raw []byte
	query := `SELECT state FROM collector_watermarks WHERE collector = $1`

	err := s.db.GetContext(ctx, &raw, query, collector)
	if err == sql.ErrNoRows {
		// First run for this collector.
		return domain.Watermark{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}

	return watermark.Decode(raw, s.logger), nil
}

func (s *WatermarkStore) Save(ctx context.Context, collector string, state domain.Watermark, runs []domain.RunStats) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal watermark: %w", err)
	}

	return s.tm.WithTransaction(ctx, func(ctx context.Context) error {
		exec := GetExecutor(ctx, s.db)

		upsert := `
			INSERT INTO collector_watermarks (collector, state, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (collector) DO UPDATE SET
				state = EXCLUDED.state,
				updated_at = EXCLUDED.updated_at`

		if _, err := exec.ExecContext(ctx, upsert, collector, raw); err != nil {
			return fmt.Errorf("upsert watermark: %w", err)
		}

		insert := `
			INSERT INTO collector_runs (collector, tenant, fetched, new_records, succeeded, failed, duration_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`

		for _, run := range runs {
			_, err := exec.ExecContext(ctx, insert,
				collector,
				run.Tenant,
				run.Fetched,
				run.New,
				run.Succeeded,
				run.Failed,
				run.Duration.Milliseconds(),
			)
			if err != nil {
				return fmt.Errorf("insert run stats: %w", err)
			}
		}

		return nil
	})
}
