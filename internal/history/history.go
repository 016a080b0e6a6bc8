// Package history records pipeline invocations and the last announced
// outcome per stream topic in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/ci"
)

// Store is a SQLite backed invocation history.
// It implements notify.StateStore.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database failed: %w", err)
	}

	// sqlite supports only a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := Store{db: db}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema failed: %w", err)
	}

	return &s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS invocations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			repository TEXT NOT NULL,
			branch TEXT NOT NULL,
			outcome TEXT NOT NULL,
			release_id TEXT,
			tag_result TEXT,
			merge_result TEXT,
			notification TEXT,
			error_message TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating invocations table failed: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_invocations_branch
		ON invocations(branch, id DESC)
	`)
	if err != nil {
		return fmt.Errorf("creating index failed: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS notification_state (
			stream TEXT NOT NULL,
			topic TEXT NOT NULL,
			outcome TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (stream, topic)
		)
	`)
	if err != nil {
		return fmt.Errorf("creating notification_state table failed: %w", err)
	}

	return nil
}

// Invocation is the record of a single pipeline run.
// Empty string fields are stored as NULL.
type Invocation struct {
	ID           int64
	RunID        string
	Repository   string
	Branch       string
	Outcome      string
	ReleaseID    string
	TagResult    string
	MergeResult  string
	Notification string
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  time.Time
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecordInvocation stores rec and returns its id.
func (s *Store) RecordInvocation(ctx context.Context, rec *Invocation) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations
		(run_id, repository, branch, outcome, release_id, tag_result,
		 merge_result, notification, error_message, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.RunID,
		rec.Repository,
		rec.Branch,
		rec.Outcome,
		nullString(rec.ReleaseID),
		nullString(rec.TagResult),
		nullString(rec.MergeResult),
		nullString(rec.Notification),
		nullString(rec.ErrorMessage),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting invocation failed: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("retrieving invocation id failed: %w", err)
	}

	return id, nil
}

// Invocations returns the newest invocations of branch, newest first.
func (s *Store) Invocations(ctx context.Context, branch string, limit int) ([]*Invocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, repository, branch, outcome, release_id,
		       tag_result, merge_result, notification, error_message,
		       started_at, completed_at
		FROM invocations
		WHERE branch = ?
		ORDER BY id DESC
		LIMIT ?
	`, branch, limit)
	if err != nil {
		return nil, fmt.Errorf("querying invocations failed: %w", err)
	}
	defer rows.Close()

	var result []*Invocation

	for rows.Next() {
		rec, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}

		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}

	return result, nil
}

func scanInvocation(rows *sql.Rows) (*Invocation, error) {
	var rec Invocation
	var releaseID, tagResult, mergeResult, notification, errMsg sql.NullString
	var startedAt, completedAt string

	err := rows.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.Repository,
		&rec.Branch,
		&rec.Outcome,
		&releaseID,
		&tagResult,
		&mergeResult,
		&notification,
		&errMsg,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning invocation failed: %w", err)
	}

	rec.ReleaseID = releaseID.String
	rec.TagResult = tagResult.String
	rec.MergeResult = mergeResult.String
	rec.Notification = notification.String
	rec.ErrorMessage = errMsg.String

	rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at failed: %w", err)
	}

	rec.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing completed_at failed: %w", err)
	}

	return &rec, nil
}

// LastNotified returns the outcome that was announced last in the topic.
func (s *Store) LastNotified(ctx context.Context, stream, topic string) (ci.Outcome, bool, error) {
	var outcome string

	err := s.db.QueryRowContext(ctx, `
		SELECT outcome FROM notification_state
		WHERE stream = ? AND topic = ?
	`, stream, topic).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return ci.OutcomeUndefined, false, nil
	}
	if err != nil {
		return ci.OutcomeUndefined, false, fmt.Errorf("querying notification state failed: %w", err)
	}

	o, err := ci.ParseOutcome(outcome)
	if err != nil {
		return ci.OutcomeUndefined, false, fmt.Errorf("stored notification state is invalid: %w", err)
	}

	return o, true, nil
}

// SetLastNotified records outcome as the last announced outcome of the
// topic.
func (s *Store) SetLastNotified(ctx context.Context, stream, topic string, outcome ci.Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_state (stream, topic, outcome, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stream, topic) DO UPDATE SET
			outcome = excluded.outcome,
			updated_at = excluded.updated_at
	`, stream, topic, outcome.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storing notification state failed: %w", err)
	}

	return nil
}
