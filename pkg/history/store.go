// Package history keeps a SQLite ledger of training sessions and their
// per-epoch metrics.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hed1ad/plantguard/pkg/nn"
)

// Session statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Store manages the ledger backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Meta describes a session when it starts.
type Meta struct {
	Config      string
	TrainRuns   int
	TestRuns    int
	Features    int
	WindowLen   int
	WindowStep  int
	Description string
}

// Result describes how a session ended.
type Result struct {
	ArtifactID            string
	DetectorBalancedAcc   float64
	ClassifierBalancedAcc float64
	TrainWindows          int
	TestWindows           int
	Err                   error
}

// Session is one stored training run.
type Session struct {
	ID                    string     `json:"id"`
	StartedAt             time.Time  `json:"started_at"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	Status                string     `json:"status"`
	Description           string     `json:"description,omitempty"`
	TrainRuns             int        `json:"train_runs"`
	TestRuns              int        `json:"test_runs"`
	Features              int        `json:"features"`
	WindowLen             int        `json:"window_length"`
	WindowStep            int        `json:"window_stride"`
	TrainWindows          int        `json:"train_windows"`
	TestWindows           int        `json:"test_windows"`
	ArtifactID            string     `json:"artifact_id,omitempty"`
	DetectorBalancedAcc   float64    `json:"detector_balanced_accuracy"`
	ClassifierBalancedAcc float64    `json:"classifier_balanced_accuracy"`
	Error                 string     `json:"error,omitempty"`
	Config                string     `json:"-"`
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	config TEXT NOT NULL DEFAULT '',
	train_runs INTEGER NOT NULL DEFAULT 0,
	test_runs INTEGER NOT NULL DEFAULT 0,
	features INTEGER NOT NULL DEFAULT 0,
	window_length INTEGER NOT NULL DEFAULT 0,
	window_stride INTEGER NOT NULL DEFAULT 0,
	train_windows INTEGER NOT NULL DEFAULT 0,
	test_windows INTEGER NOT NULL DEFAULT 0,
	artifact_id TEXT NOT NULL DEFAULT '',
	detector_ba REAL NOT NULL DEFAULT 0,
	classifier_ba REAL NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS epochs (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	stage TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	loss REAL NOT NULL,
	grad_norm REAL NOT NULL,
	clipped INTEGER NOT NULL,
	batches INTEGER NOT NULL,
	val_ba REAL NOT NULL,
	val_samples INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	PRIMARY KEY (session_id, stage, epoch)
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// Open initializes or connects to the ledger at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := retryOnBusy(context.Background(), func() error {
		_, err := db.Exec(schemaSQL)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// StartSession records a new running session and returns its id.
func (s *Store) StartSession(ctx context.Context, meta Meta) (string, error) {
	id := uuid.NewString()
	_, err := s.exec(ctx, `INSERT INTO sessions
		(id, started_at, status, description, config, train_runs, test_runs, features, window_length, window_stride)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, formatTime(time.Now()), StatusRunning, meta.Description, meta.Config,
		meta.TrainRuns, meta.TestRuns, meta.Features, meta.WindowLen, meta.WindowStep)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// RecordEpoch stores one epoch's metrics for the session.
func (s *Store) RecordEpoch(ctx context.Context, id string, em nn.EpochMetrics) error {
	_, err := s.exec(ctx, `INSERT OR REPLACE INTO epochs
		(session_id, stage, epoch, loss, grad_norm, clipped, batches, val_ba, val_samples, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, em.Stage, em.Epoch, em.Loss, em.GradNorm, em.Clipped, em.Batches,
		em.ValBalancedAccuracy, em.ValSamples, em.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert epoch: %w", err)
	}
	return nil
}

// FinishSession marks the session succeeded, or failed when res.Err is set.
func (s *Store) FinishSession(ctx context.Context, id string, res Result) error {
	status, msg := StatusSucceeded, ""
	if res.Err != nil {
		status, msg = StatusFailed, res.Err.Error()
	}
	out, err := s.exec(ctx, `UPDATE sessions SET
		finished_at = ?, status = ?, artifact_id = ?, detector_ba = ?, classifier_ba = ?,
		train_windows = ?, test_windows = ?, error = ?
		WHERE id = ?`,
		formatTime(time.Now()), status, res.ArtifactID, res.DetectorBalancedAcc, res.ClassifierBalancedAcc,
		res.TrainWindows, res.TestWindows, msg, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := out.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const sessionColumns = `id, started_at, finished_at, status, description, config, train_runs, test_runs,
	features, window_length, window_stride, train_windows, test_windows, artifact_id,
	detector_ba, classifier_ba, error`

// Sessions returns the most recent sessions first; limit <= 0 means all.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Session returns one session by id.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, err
}

// Epochs returns the session's epochs ordered by stage then epoch.
func (s *Store) Epochs(ctx context.Context, id string) ([]nn.EpochMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, epoch, loss, grad_norm, clipped, batches,
		val_ba, val_samples, duration_ms FROM epochs WHERE session_id = ?
		ORDER BY CASE stage WHEN 'detector' THEN 0 ELSE 1 END, stage, epoch`, id)
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()

	var out []nn.EpochMetrics
	for rows.Next() {
		var (
			em       nn.EpochMetrics
			duration int64
		)
		if err := rows.Scan(&em.Stage, &em.Epoch, &em.Loss, &em.GradNorm, &em.Clipped, &em.Batches,
			&em.ValBalancedAccuracy, &em.ValSamples, &duration); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		em.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, em)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		sess     Session
		started  string
		finished sql.NullString
	)
	if err := row.Scan(&sess.ID, &started, &finished, &sess.Status, &sess.Description, &sess.Config,
		&sess.TrainRuns, &sess.TestRuns, &sess.Features, &sess.WindowLen, &sess.WindowStep,
		&sess.TrainWindows, &sess.TestWindows, &sess.ArtifactID,
		&sess.DetectorBalancedAcc, &sess.ClassifierBalancedAcc, &sess.Error); err != nil {
		return Session{}, err
	}
	t, err := parseTime(started)
	if err != nil {
		return Session{}, err
	}
	sess.StartedAt = t
	if finished.Valid {
		ft, err := parseTime(finished.String)
		if err != nil {
			return Session{}, err
		}
		sess.FinishedAt = &ft
	}
	return sess, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
