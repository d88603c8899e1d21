package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/vegann/dataset-tools/internal/report"
	"github.com/vegann/dataset-tools/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversion_runs (
    run_id      UUID PRIMARY KEY,
    root        TEXT NOT NULL,
    output_dir  TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    data        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS conversion_splits (
    run_id        UUID NOT NULL REFERENCES conversion_runs (run_id) ON DELETE CASCADE,
    category      TEXT NOT NULL,
    split         TEXT NOT NULL,
    images        INTEGER NOT NULL,
    annotations   INTEGER NOT NULL,
    missing       INTEGER NOT NULL,
    skipped       INTEGER NOT NULL,
    unresolved    INTEGER NOT NULL,
    PRIMARY KEY (run_id, category, split)
);
CREATE TABLE IF NOT EXISTS conversion_documents (
    id          BIGSERIAL PRIMARY KEY,
    run_id      UUID NOT NULL,
    kind        TEXT NOT NULL,
    path        TEXT NOT NULL,
    data        JSONB NOT NULL,
    written_at  TIMESTAMPTZ NOT NULL
);`

// PostgresStore persists run reports. The full report goes into a JSONB
// column; per-split counts are also stored as rows for querying.
type PostgresStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewPostgresStore creates a store on an open client.
func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "postgres-sink"),
	}
}

func (s *PostgresStore) Name() string { return "postgres" }

// EnsureSchema creates the tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating conversion schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) DocumentWritten(ctx context.Context, ev DocumentWritten) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling document event: %w", err)
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO conversion_documents (run_id, kind, path, data, written_at) VALUES ($1, $2, $3, $4, $5)`,
		ev.RunID, ev.Kind, ev.Path, data, ev.WrittenAt,
	)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", ev.Path, err)
	}
	return nil
}

func (s *PostgresStore) RunCompleted(ctx context.Context, run *report.Run) error {
	data, err := run.Marshal()
	if err != nil {
		return err
	}
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversion_runs (run_id, root, output_dir, started_at, finished_at, data)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (run_id) DO UPDATE SET finished_at = EXCLUDED.finished_at, data = EXCLUDED.data`,
			run.ID, run.Root, run.OutputDir, run.StartedAt, run.FinishedAt, data,
		); err != nil {
			return fmt.Errorf("saving run %s: %w", run.ID, err)
		}
		for _, sp := range run.Splits {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO conversion_splits (run_id, category, split, images, annotations, missing, skipped, unresolved)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (run_id, category, split) DO NOTHING`,
				run.ID, sp.Category, sp.Split, sp.Images, sp.Annotations,
				len(sp.MissingOnDisk), len(sp.Skipped), sp.UnresolvedTotal(),
			); err != nil {
				return fmt.Errorf("saving split %s/%s: %w", sp.Category, sp.Split, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("run report saved", "run_id", run.ID, "splits", len(run.Splits))
	return nil
}

// LatestRun loads the most recent report. It returns nil, nil when no run
// has been stored yet.
func (s *PostgresStore) LatestRun(ctx context.Context) (*report.Run, error) {
	var data []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT data FROM conversion_runs ORDER BY finished_at DESC LIMIT 1`,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest run: %w", err)
	}
	var run report.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshaling run report: %w", err)
	}
	return &run, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
