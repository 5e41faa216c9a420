package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/stagecoach/internal/model"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS builds (
	id          TEXT PRIMARY KEY,
	pipeline    TEXT NOT NULL,
	number      INTEGER NOT NULL,
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	error       TEXT NOT NULL DEFAULT '',
	stages      TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS builds_pipeline_number ON builds (pipeline, number);
`

// sqliteStore keeps builds in a local sqlite file via the pure-Go driver.
type sqliteStore struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, path string) (*sqliteStore, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite history: %w", err)
	}
	// The driver serializes writes anyway; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite history: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) RecordStart(ctx context.Context, b *Build) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(number), 0) + 1 FROM builds WHERE pipeline = ?`, b.Pipeline)
	if err := row.Scan(&next); err != nil {
		return fmt.Errorf("allocating build number: %w", err)
	}
	b.Number = next

	_, err = tx.ExecContext(ctx,
		`INSERT INTO builds (id, pipeline, number, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.Pipeline, b.Number, string(model.StatusRunning), b.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording build start: %w", err)
	}
	return tx.Commit()
}

func (s *sqliteStore) RecordFinish(ctx context.Context, b *Build) error {
	stages, err := json.Marshal(b.Stages)
	if err != nil {
		return fmt.Errorf("encoding stage outcomes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE builds SET status = ?, finished_at = ?, error = ?, stages = ? WHERE id = ?`,
		string(b.Status), b.FinishedAt.UnixMilli(), b.Error, string(stages), b.ID,
	)
	if err != nil {
		return fmt.Errorf("recording build finish: %w", err)
	}
	return nil
}

func (s *sqliteStore) LastBuild(ctx context.Context, pipeline string) (*Build, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pipeline, number, status, started_at, finished_at, error, stages
			FROM builds WHERE pipeline = ? AND finished_at IS NOT NULL ORDER BY number DESC LIMIT 1`,
		pipeline,
	)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	b, err := scanBuild(rows)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *sqliteStore) RecentBuilds(ctx context.Context, pipeline string, limit int) ([]*Build, error) {
	query := `SELECT id, pipeline, number, status, started_at, finished_at, error, stages
		FROM builds WHERE pipeline = ? ORDER BY number DESC`
	args := []any{pipeline}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, pipeline string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM builds WHERE pipeline = ?
			AND number <= (SELECT COALESCE(MAX(number), 0) FROM builds WHERE pipeline = ?) - ?`,
		pipeline, pipeline, keep,
	)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func scanBuild(rows *sql.Rows) (*Build, error) {
	var (
		b          Build
		status     string
		startedAt  int64
		finishedAt sql.NullInt64
		stages     string
	)
	if err := rows.Scan(&b.ID, &b.Pipeline, &b.Number, &status, &startedAt, &finishedAt, &b.Error, &stages); err != nil {
		return nil, err
	}
	b.Status = model.BuildStatus(status)
	b.StartedAt = time.UnixMilli(startedAt)
	if finishedAt.Valid {
		b.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	if err := json.Unmarshal([]byte(stages), &b.Stages); err != nil {
		return nil, fmt.Errorf("decoding stage outcomes: %w", err)
	}
	return &b, nil
}
