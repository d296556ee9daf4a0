package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    current     INTEGER NOT NULL,
    total       INTEGER NOT NULL,
    phase       TEXT NOT NULL,
    config      TEXT,
    route       TEXT NOT NULL DEFAULT '',
    artifacts   TEXT NOT NULL DEFAULT '[]',
    error       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createSequenceRunsTable = `
CREATE TABLE IF NOT EXISTS sequence_runs (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    total       INTEGER NOT NULL,
    completed   INTEGER NOT NULL,
    failed_item INTEGER,
    error       TEXT NOT NULL DEFAULT '',
    started_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createNotificationsTable = `
CREATE TABLE IF NOT EXISTS notifications (
    id         TEXT PRIMARY KEY,
    kind       TEXT NOT NULL,
    subject    TEXT NOT NULL,
    payload    TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createNotificationsIndex = `
CREATE INDEX IF NOT EXISTS idx_notifications_subject ON notifications(subject, created_at)`

const jobColumns = `id, status, current, total, phase, config, route, artifacts,
	error, created_at, updated_at, finished_at`

// ErrNotFound is returned when an archived record does not exist.
var ErrNotFound = errors.New("record not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	for _, stmt := range []struct{ name, sql string }{
		{"jobs table", createJobsTable},
		{"sequence_runs table", createSequenceRunsTable},
		{"notifications table", createNotificationsTable},
		{"notifications index", createNotificationsIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveJob inserts or replaces the archived copy of a job.
func (s *SQLiteStore) SaveJob(ctx context.Context, j *model.Job) error {
	artifacts, err := json.Marshal(j.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	var config sql.NullString
	if len(j.Config) > 0 {
		config = sql.NullString{String: string(j.Config), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current = excluded.current,
			total = excluded.total,
			phase = excluded.phase,
			config = excluded.config,
			route = excluded.route,
			artifacts = excluded.artifacts,
			error = excluded.error,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at`,
		j.ID, j.Status, j.Progress.Current, j.Progress.Total, j.Progress.Phase,
		config, j.Route, string(artifacts), j.Error,
		j.CreatedAt, j.UpdatedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// GetJob retrieves an archived job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a page of archived jobs ordered by created_at DESC,
// along with the total count.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

// GetJobStats returns aggregate counts over the archived jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*model.JobStats, error) {
	stats := &model.JobStats{ByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*), COALESCE(SUM(current), 0) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count, artifacts int
		if err := rows.Scan(&status, &count, &artifacts); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
		stats.ArtifactsMade += artifacts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job stats: %w", err)
	}
	return stats, nil
}

// SaveSequenceRun inserts or replaces the archived summary of a sequence run.
func (s *SQLiteStore) SaveSequenceRun(ctx context.Context, r *model.SequenceRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sequence_runs (id, status, total, completed, failed_item, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed = excluded.completed,
			failed_item = excluded.failed_item,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		r.ID, r.Status, r.Total, r.Completed, r.FailedItem, r.Error, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save sequence run: %w", err)
	}
	return nil
}

// ListSequenceRuns returns a page of sequence runs ordered by started_at DESC,
// along with the total count.
func (s *SQLiteStore) ListSequenceRuns(ctx context.Context, limit, offset int) ([]*model.SequenceRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sequence_runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sequence runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, status, total, completed, failed_item, error, started_at, finished_at
		FROM sequence_runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sequence runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.SequenceRecord
	for rows.Next() {
		r := &model.SequenceRecord{}
		var failed sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Status, &r.Total, &r.Completed, &failed,
			&r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, 0, fmt.Errorf("scan sequence run: %w", err)
		}
		if failed.Valid {
			i := int(failed.Int64)
			r.FailedItem = &i
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sequence runs: %w", err)
	}
	return runs, total, nil
}

// InsertNotification records a delivered notification.
func (s *SQLiteStore) InsertNotification(ctx context.Context, n model.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, kind, subject, payload, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		n.ID, n.Kind, n.Subject(), string(payload), n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns up to limit notifications in emission order. An
// empty subject returns the most recent notifications across all subjects.
func (s *SQLiteStore) ListNotifications(ctx context.Context, subject string, limit int) ([]model.Notification, error) {
	query := `SELECT payload FROM (
		SELECT payload, created_at, rowid FROM notifications ORDER BY created_at DESC, rowid DESC LIMIT ?
	) ORDER BY created_at ASC, rowid ASC`
	args := []any{limit}
	if subject != "" {
		query = `SELECT payload FROM (
			SELECT payload, created_at, rowid FROM notifications WHERE subject = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		) ORDER BY created_at ASC, rowid ASC`
		args = []any{subject, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := []model.Notification{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		var n model.Notification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	j := &model.Job{}
	var config sql.NullString
	var artifacts string
	if err := row.Scan(
		&j.ID, &j.Status, &j.Progress.Current, &j.Progress.Total, &j.Progress.Phase,
		&config, &j.Route, &artifacts, &j.Error,
		&j.CreatedAt, &j.UpdatedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	if config.Valid {
		j.Config = json.RawMessage(config.String)
	}
	if err := json.Unmarshal([]byte(artifacts), &j.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	return j, nil
}
