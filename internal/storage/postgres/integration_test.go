//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"graph_collector/internal/domain"
)

type PostgresIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	db        *sqlx.DB
	logger    *slog.Logger
}

func (s *PostgresIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	migrationsPath, err := filepath.Abs("../../../migrations")
	s.Require().NoError(err)

	container, err := postgres.Run(s.ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.WithInitScripts(
			filepath.Join(migrationsPath, "001_create_collector_state.up.sql"),
		),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := sqlx.Connect("postgres", connStr)
	s.Require().NoError(err)
	s.db = db
}

func (s *PostgresIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *PostgresIntegrationSuite) SetupTest() {
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM collector_runs")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM collector_watermarks")
}

func TestPostgresIntegrationSuite(t *testing.T) {
	suite.Run(t, new(PostgresIntegrationSuite))
}

func (s *PostgresIntegrationSuite) newStore() *WatermarkStore {
	return NewWatermarkStore(s.db, NewTransactionManager(s.db), s.logger)
}

func testState() domain.Watermark {
	return domain.Watermark{
		"acme.example": {
			"S-1": {
				"exposure": "2026-05-01T10:00:00.000000Z",
				"findings": "2026-05-01T11:00:00.000000Z",
			},
		},
		"globex.example": {
			"*": {"*": "2026-05-02T08:30:00.000000Z"},
		},
	}
}

func (s *PostgresIntegrationSuite) TestWatermarkStore_LoadUnknownCollector() {
	store := s.newStore()

	state, err := store.Load(s.ctx, "posture_history")
	s.NoError(err)
	s.NotNil(state)
	s.Empty(state)
}

func (s *PostgresIntegrationSuite) TestWatermarkStore_SaveAndLoad() {
	store := s.newStore()

	err := store.Save(s.ctx, "posture_history", testState(), nil)
	s.Require().NoError(err)

	loaded, err := store.Load(s.ctx, "posture_history")
	s.NoError(err)
	s.Equal(testState(), loaded)
}

func (s *PostgresIntegrationSuite) TestWatermarkStore_SaveOverwrites() {
	store := s.newStore()

	s.Require().NoError(store.Save(s.ctx, "audit_logs", testState(), nil))

	next := domain.Watermark{
		"acme.example": {"*": {"*": "2026-06-01T00:00:00.000000Z"}},
	}
	s.Require().NoError(store.Save(s.ctx, "audit_logs", next, nil))

	loaded, err := store.Load(s.ctx, "audit_logs")
	s.NoError(err)
	s.Equal(next, loaded)

	var count int
	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM collector_watermarks WHERE collector = $1", "audit_logs")
	s.NoError(err)
	s.Equal(1, count)
}

func (s *PostgresIntegrationSuite) TestWatermarkStore_CollectorsAreIsolated() {
	store := s.newStore()

	s.Require().NoError(store.Save(s.ctx, "posture_history", testState(), nil))

	loaded, err := store.Load(s.ctx, "audit_logs")
	s.NoError(err)
	s.Empty(loaded)
}

func (s *PostgresIntegrationSuite) TestWatermarkStore_RecordsRunHistory() {
	store := s.newStore()

	runs := []domain.RunStats{
		{Collector: "posture_history", Tenant: "acme.example", Fetched: 40, New: 12, Succeeded: 11, Failed: 1, Duration: 1500 * time.Millisecond},
		{Collector: "posture_history", Tenant: "globex.example", Fetched: 7, New: 7, Succeeded: 7, Duration: 300 * time.Millisecond},
	}

	err := store.Save(s.ctx, "posture_history", testState(), runs)
	s.Require().NoError(err)

	type runRow struct {
		Collector  string `db:"collector"`
		Tenant     string `db:"tenant"`
		Fetched    int    `db:"fetched"`
		NewRecords int    `db:"new_records"`
		Succeeded  int    `db:"succeeded"`
		Failed     int    `db:"failed"`
		DurationMS int64  `db:"duration_ms"`
	}

	var rows []runRow
	err = s.db.SelectContext(s.ctx, &rows,
		"SELECT collector, tenant, fetched, new_records, succeeded, failed, duration_ms FROM collector_runs ORDER BY tenant")
	s.NoError(err)
	s.Require().Len(rows, 2)

	s.Equal("posture_history", rows[0].Collector)
	s.Equal("acme.example", rows[0].Tenant)
	s.Equal(40, rows[0].Fetched)
	s.Equal(12, rows[0].NewRecords)
	s.Equal(11, rows[0].Succeeded)
	s.Equal(1, rows[0].Failed)
	s.Equal(int64(1500), rows[0].DurationMS)

	s.Equal("globex.example", rows[1].Tenant)
	s.Equal(int64(300), rows[1].DurationMS)
}

func (s *PostgresIntegrationSuite) TestWatermarkStore_MalformedStateLoadsEmpty() {
	_, err := s.db.ExecContext(s.ctx,
		"INSERT INTO collector_watermarks (collector, state) VALUES ($1, $2::jsonb)",
		"finding_trends", `[1, 2, 3]`)
	s.Require().NoError(err)

	store := s.newStore()

	loaded, err := store.Load(s.ctx, "finding_trends")
	s.NoError(err)
	s.NotNil(loaded)
	s.Empty(loaded)
}

func (s *PostgresIntegrationSuite) TestTransaction_Rollback() {
	tm := NewTransactionManager(s.db)

	err := tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		exec := GetExecutor(ctx, s.db)

		_, err := exec.ExecContext(ctx, `
			INSERT INTO collector_runs (collector, tenant, fetched, new_records, succeeded, failed, duration_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, "audit_logs", "acme.example", 1, 1, 1, 0, 10)
		if err != nil {
			return err
		}

		return context.Canceled
	})
	s.Error(err)

	var count int
	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM collector_runs")
	s.NoError(err)
	s.Equal(0, count)
}
