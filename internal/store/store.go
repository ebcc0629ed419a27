// Package store persists build and job history in a local SQLite
// database so `lorry history` and the API server can report past runs.
//
// The database lives under the data directory (settings.DataDir). Env
// values and per-phase command output are deliberately not persisted:
// env may contain decrypted secrets, and full output belongs to the job
// log file referenced by log_path.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lorry-ci/lorry/internal/model"
)

// ErrNotFound is returned by lookups when no build matches.
var ErrNotFound = errors.New("build not found")

const schema = `
CREATE TABLE IF NOT EXISTS builds (
	id          TEXT PRIMARY KEY,
	number      INTEGER NOT NULL,
	repo_dir    TEXT NOT NULL,
	config_path TEXT NOT NULL,
	branch      TEXT NOT NULL DEFAULT '',
	commit_sha  TEXT NOT NULL DEFAULT '',
	event_type  TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	started_at  TEXT,
	finished_at TEXT
);

CREATE INDEX IF NOT EXISTS builds_number ON builds (number);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	build_id         TEXT NOT NULL REFERENCES builds (id) ON DELETE CASCADE,
	number           TEXT NOT NULL,
	name             TEXT NOT NULL DEFAULT '',
	os               TEXT NOT NULL,
	dist             TEXT NOT NULL DEFAULT '',
	osx_image        TEXT NOT NULL DEFAULT '',
	language         TEXT NOT NULL,
	language_version TEXT NOT NULL DEFAULT '',
	allow_failure    INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	log_path         TEXT NOT NULL DEFAULT '',
	started_at       TEXT,
	finished_at      TEXT
);

CREATE INDEX IF NOT EXISTS jobs_build ON jobs (build_id);
`

// Store wraps the SQLite history database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path and applies the
// schema. Parent directories are created as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, model.WrapCLIError(model.ExitStoreError,
			fmt.Sprintf("failed to create data directory for %s", path), err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitStoreError,
			fmt.Sprintf("failed to open history database %s", path), err)
	}
	// SQLite allows one writer at a time; funneling all access through a
	// single connection avoids SQLITE_BUSY when jobs update concurrently.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, model.WrapCLIError(model.ExitStoreError,
			fmt.Sprintf("failed to initialize history database %s", path), err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NextBuildNumber returns the number the next build should carry:
// one past the highest number recorded so far.
func (s *Store) NextBuildNumber(ctx context.Context) (int64, error) {
	var n int64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(number), 0) + 1 FROM builds`)
	if err := row.Scan(&n); err != nil {
		return 0, model.WrapCLIError(model.ExitStoreError, "failed to allocate build number", err)
	}
	return n, nil
}

// CreateBuild inserts a build and all of its jobs in one transaction.
// A zero CreatedAt is filled in with the current time.
func (s *Store) CreateBuild(ctx context.Context, build *model.Build) error {
	if build.ID == "" {
		return model.NewCLIError(model.ExitStoreError, "cannot record a build without an id")
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WrapCLIError(model.ExitStoreError, "failed to record build", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO builds (id, number, repo_dir, config_path, branch, commit_sha, event_type, status, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		build.ID, build.Number, build.RepoDir, build.ConfigPath, build.Branch, build.Commit,
		string(build.EventType), string(build.Status),
		formatTime(build.CreatedAt), nullTime(build.StartedAt), nullTime(build.FinishedAt))
	if err != nil {
		return model.WrapCLIError(model.ExitStoreError,
			fmt.Sprintf("failed to record build %s", build.ID), err)
	}

	for _, job := range build.Jobs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (id, build_id, number, name, os, dist, osx_image, language, language_version, allow_failure, status, log_path, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, build.ID, job.Number, job.Name, string(job.OS), job.Dist, job.OsxImage,
			job.Language, job.LanguageVersion, job.AllowFailure, string(job.Status),
			job.LogPath, nullTime(job.StartedAt), nullTime(job.FinishedAt))
		if err != nil {
			return model.WrapCLIError(model.ExitStoreError,
				fmt.Sprintf("failed to record job %s", job.Number), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.WrapCLIError(model.ExitStoreError, "failed to record build", err)
	}
	return nil
}

// UpdateBuild persists a build's status and timestamps.
func (s *Store) UpdateBuild(ctx context.Context, build *model.Build) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET status = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		string(build.Status), nullTime(build.StartedAt), nullTime(build.FinishedAt), build.ID)
	if err != nil {
		return model.WrapCLIError(model.ExitStoreError,
			fmt.Sprintf("failed to update build %s", build.ID), err)
	}
	return requireRow(res, build.ID)
}

// UpdateJob persists a job's status, log path and timestamps.
func (s *Store) UpdateJob(ctx context.Context, job *model.Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, log_path = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		string(job.Status), job.LogPath, nullTime(job.StartedAt), nullTime(job.FinishedAt), job.ID)
	if err != nil {
		return model.WrapCLIError(model.ExitStoreError,
			fmt.Sprintf("failed to update job %s", job.Number), err)
	}
	return requireRow(res, job.ID)
}

// BuildByID returns one build with its jobs, or ErrNotFound.
func (s *Store) BuildByID(ctx context.Context, id string) (*model.Build, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, number, repo_dir, config_path, branch, commit_sha, event_type, status, created_at, started_at, finished_at
		 FROM builds WHERE id = ?`, id)

	build, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, model.WrapCLIError(model.ExitStoreError,
			fmt.Sprintf("failed to load build %s", id), err)
	}

	build.Jobs, err = s.jobsForBuild(ctx, build.ID)
	if err != nil {
		return nil, err
	}
	return build, nil
}

// RecentBuilds returns up to limit builds, newest first, each with its
// jobs loaded.
func (s *Store) RecentBuilds(ctx context.Context, limit int) ([]*model.Build, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, number, repo_dir, config_path, branch, commit_sha, event_type, status, created_at, started_at, finished_at
		 FROM builds ORDER BY number DESC, created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitStoreError, "failed to list builds", err)
	}
	defer rows.Close()

	var builds []*model.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitStoreError, "failed to list builds", err)
		}
		builds = append(builds, build)
	}
	if err := rows.Err(); err != nil {
		return nil, model.WrapCLIError(model.ExitStoreError, "failed to list builds", err)
	}

	for _, build := range builds {
		if build.Jobs, err = s.jobsForBuild(ctx, build.ID); err != nil {
			return nil, err
		}
	}
	return builds, nil
}

// jobsForBuild loads a build's jobs in insertion (matrix) order.
func (s *Store) jobsForBuild(ctx context.Context, buildID string) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, number, name, os, dist, osx_image, language, language_version, allow_failure, status, log_path, started_at, finished_at
		 FROM jobs WHERE build_id = ? ORDER BY rowid`, buildID)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitStoreError,
			fmt.Sprintf("failed to load jobs for build %s", buildID), err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var (
			job               model.Job
			osName, status    string
			started, finished sql.NullString
		)
		err := rows.Scan(&job.ID, &job.Number, &job.Name, &osName, &job.Dist, &job.OsxImage,
			&job.Language, &job.LanguageVersion, &job.AllowFailure, &status, &job.LogPath,
			&started, &finished)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitStoreError,
				fmt.Sprintf("failed to load jobs for build %s", buildID), err)
		}
		job.OS = model.OSName(osName)
		if job.Status, err = model.ParseJobStatus(status); err != nil {
			return nil, model.WrapCLIError(model.ExitStoreError,
				fmt.Sprintf("failed to load jobs for build %s", buildID), err)
		}
		if job.StartedAt, err = scanTime(started); err != nil {
			return nil, model.WrapCLIError(model.ExitStoreError,
				fmt.Sprintf("failed to load jobs for build %s", buildID), err)
		}
		if job.FinishedAt, err = scanTime(finished); err != nil {
			return nil, model.WrapCLIError(model.ExitStoreError,
				fmt.Sprintf("failed to load jobs for build %s", buildID), err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBuild(row scanner) (*model.Build, error) {
	var (
		build                  model.Build
		event, status, created string
		started, finished      sql.NullString
	)
	err := row.Scan(&build.ID, &build.Number, &build.RepoDir, &build.ConfigPath,
		&build.Branch, &build.Commit, &event, &status, &created, &started, &finished)
	if err != nil {
		return nil, err
	}
	build.EventType = model.EventType(event)
	if build.Status, err = model.ParseBuildStatus(status); err != nil {
		return nil, err
	}
	if build.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, err
	}
	if build.StartedAt, err = scanTime(started); err != nil {
		return nil, err
	}
	if build.FinishedAt, err = scanTime(finished); err != nil {
		return nil, err
	}
	return &build, nil
}

// requireRow turns a zero-row UPDATE into ErrNotFound.
func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return model.WrapCLIError(model.ExitStoreError, "failed to check update result", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Timestamps are stored as RFC3339 text so rows stay readable in the
// sqlite3 shell; zero times map to NULL.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func scanTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s.String)
}
