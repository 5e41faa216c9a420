package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/specialistvlad/stagecoach/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// postgresStore keeps builds in postgres for shared deployments. Schema is
// managed by embedded golang-migrate migrations applied at open.
type postgresStore struct {
	gorm *gorm.DB
	sql  *sql.DB
}

func openPostgres(ctx context.Context, dsn string) (*postgresStore, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening postgres history: %w", err)
	}
	sdb, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sdb.SetConnMaxLifetime(30 * time.Minute)
	sdb.SetMaxOpenConns(10)
	sdb.SetMaxIdleConns(5)
	if err := sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("pinging postgres history: %w", err)
	}

	if err := migrateUp(sdb); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("migrating postgres history: %w", err)
	}
	return &postgresStore{gorm: gdb, sql: sdb}, nil
}

// migrateUp applies the embedded migrations against the shared connection.
func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	drv, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

func (s *postgresStore) RecordStart(ctx context.Context, b *Build) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	return s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := tx.Raw(`SELECT COALESCE(MAX(number), 0) + 1 FROM builds WHERE pipeline = ?`, b.Pipeline).Row()
		if err := row.Scan(&b.Number); err != nil {
			return fmt.Errorf("allocating build number: %w", err)
		}
		return tx.Exec(
			`INSERT INTO builds (id, pipeline, number, status, started_at) VALUES (?, ?, ?, ?, ?)`,
			b.ID, b.Pipeline, b.Number, string(model.StatusRunning), b.StartedAt,
		).Error
	})
}

func (s *postgresStore) RecordFinish(ctx context.Context, b *Build) error {
	stages, err := json.Marshal(b.Stages)
	if err != nil {
		return fmt.Errorf("encoding stage outcomes: %w", err)
	}
	return s.gorm.WithContext(ctx).Exec(
		`UPDATE builds SET status = ?, finished_at = ?, error = ?, stages = ?::jsonb WHERE id = ?`,
		string(b.Status), b.FinishedAt, b.Error, string(stages), b.ID,
	).Error
}

func (s *postgresStore) LastBuild(ctx context.Context, pipeline string) (*Build, bool, error) {
	rows, err := s.gorm.WithContext(ctx).Raw(
		`SELECT id, pipeline, number, status, started_at, finished_at, error, stages
			FROM builds WHERE pipeline = ? AND finished_at IS NOT NULL ORDER BY number DESC LIMIT 1`,
		pipeline,
	).Rows()
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	b, err := scanPostgresBuild(rows)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *postgresStore) RecentBuilds(ctx context.Context, pipeline string, limit int) ([]*Build, error) {
	query := `SELECT id, pipeline, number, status, started_at, finished_at, error, stages
		FROM builds WHERE pipeline = ? ORDER BY number DESC`
	args := []any{pipeline}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.gorm.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		b, err := scanPostgresBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *postgresStore) Prune(ctx context.Context, pipeline string, keep int) error {
	if keep <= 0 {
		return nil
	}
	return s.gorm.WithContext(ctx).Exec(
		`DELETE FROM builds WHERE pipeline = ?
			AND number <= (SELECT COALESCE(MAX(number), 0) FROM builds WHERE pipeline = ?) - ?`,
		pipeline, pipeline, keep,
	).Error
}

func (s *postgresStore) Close() error {
	return s.sql.Close()
}

func scanPostgresBuild(rows *sql.Rows) (*Build, error) {
	var (
		b          Build
		status     string
		finishedAt sql.NullTime
		stages     []byte
	)
	if err := rows.Scan(&b.ID, &b.Pipeline, &b.Number, &status, &b.StartedAt, &finishedAt, &b.Error, &stages); err != nil {
		return nil, err
	}
	b.Status = model.BuildStatus(status)
	if finishedAt.Valid {
		b.FinishedAt = finishedAt.Time
	}
	if err := json.Unmarshal(stages, &b.Stages); err != nil {
		return nil, fmt.Errorf("decoding stage outcomes: %w", err)
	}
	return &b, nil
}
