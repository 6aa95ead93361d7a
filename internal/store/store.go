// Package store is the durable submission/artifact/finding/subscription
// store, backed by SQLite via github.com/mattn/go-sqlite3.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL,
	student_name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	moodle_assignment_id TEXT NOT NULL,
	client_version TEXT NOT NULL,
	status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submissions_submission_id ON submissions(submission_id);
CREATE INDEX IF NOT EXISTS idx_submissions_assignment ON submissions(moodle_assignment_id);

CREATE TABLE IF NOT EXISTS logs (
	id TEXT PRIMARY KEY,
	submission_ref TEXT NOT NULL REFERENCES submissions(id),
	fs_path TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	size_bytes INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_submission_ref ON logs(submission_ref);

CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	submission_ref TEXT NOT NULL REFERENCES submissions(id),
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_submission_ref ON findings(submission_ref);
CREATE INDEX IF NOT EXISTS idx_findings_key ON findings(key);

CREATE TABLE IF NOT EXISTS subscriptions (
	prof TEXT NOT NULL,
	assignment_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(prof, assignment_id)
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_prof ON subscriptions(prof);
`

// Status values a Submission can hold. A submission moves from received
// to processing, then to processed or failed; ResetStuckProcessing moves
// processing rows back to received at startup.
const (
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

type Submission struct {
	ID                 string
	SubmissionID       string
	StudentName        string
	CreatedAt          time.Time
	MoodleAssignmentID string
	ClientVersion      string
	Status             string
}

type Artifact struct {
	ID            string
	SubmissionRef string
	FSPath        string
	SHA256        string
	SizeBytes     int64
}

type Finding struct {
	ID            string
	SubmissionRef string
	Kind          string
	Key           string
	Value         string
	CreatedAt     time.Time
}

type Subscription struct {
	Prof         string
	AssignmentID string
	CreatedAt    time.Time
}

// Store wraps the shared connection pool: each request gets a checked-out
// connection for its critical section.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for packages (httpapi, for filterlang-compiled
// clauses) that need to run ad-hoc
// read queries beyond this package's CRUD surface.
func (s *Store) DB() *sql.DB { return s.db }

// CreateSubmissionAndArtifact inserts a Submission (status=received) and
// its Artifact row in one transaction — the upload endpoint creates both
// together.
func (s *Store) CreateSubmissionAndArtifact(ctx context.Context, sub Submission, art Artifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO submissions (id, submission_id, student_name, created_at, moodle_assignment_id, client_version, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.SubmissionID, sub.StudentName, sub.CreatedAt, sub.MoodleAssignmentID, sub.ClientVersion, sub.Status,
	); err != nil {
		return fmt.Errorf("store: inserting submission: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO logs (id, submission_ref, fs_path, sha256, size_bytes) VALUES (?, ?, ?, ?, ?)`,
		art.ID, art.SubmissionRef, art.FSPath, art.SHA256, art.SizeBytes,
	); err != nil {
		return fmt.Errorf("store: inserting artifact: %w", err)
	}
	return tx.Commit()
}

// ClaimNextReceived picks the oldest `received` submission with an
// artifact and marks it `processing`, in one transaction. ok is false if
// there is no eligible row.
func (s *Store) ClaimNextReceived(ctx context.Context) (sub Submission, art Artifact, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sub, art, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT s.id, s.submission_id, s.student_name, s.created_at, s.moodle_assignment_id, s.client_version, s.status,
		       l.id, l.submission_ref, l.fs_path, l.sha256, l.size_bytes
		FROM submissions s
		JOIN logs l ON l.submission_ref = s.id
		WHERE s.status = ?
		ORDER BY s.created_at ASC
		LIMIT 1`, StatusReceived)
	if err := row.Scan(
		&sub.ID, &sub.SubmissionID, &sub.StudentName, &sub.CreatedAt, &sub.MoodleAssignmentID, &sub.ClientVersion, &sub.Status,
		&art.ID, &art.SubmissionRef, &art.FSPath, &art.SHA256, &art.SizeBytes,
	); err != nil {
		if err == sql.ErrNoRows {
			return Submission{}, Artifact{}, false, nil
		}
		return Submission{}, Artifact{}, false, fmt.Errorf("store: claiming submission: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE submissions SET status = ? WHERE id = ?`, StatusProcessing, sub.ID); err != nil {
		return Submission{}, Artifact{}, false, fmt.Errorf("store: marking processing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Submission{}, Artifact{}, false, err
	}
	sub.Status = StatusProcessing
	return sub, art, true, nil
}

// ResetStuckProcessing resets any row left in `processing` back to
// `received` at startup: a crash can only have happened before the
// findings-insert transaction committed, since that same transaction
// (CommitFindings) also flips the status to `processed`.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE submissions SET status = ? WHERE status = ?`, StatusReceived, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("store: resetting stuck submissions: %w", err)
	}
	return res.RowsAffected()
}

// CommitFindings inserts all findings and flips the submission to
// `processed` in one transaction.
func (s *Store) CommitFindings(ctx context.Context, submissionID string, findings []Finding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO findings (id, submission_ref, kind, key, value, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range findings {
		if _, err := stmt.ExecContext(ctx, f.ID, submissionID, f.Kind, f.Key, f.Value, f.CreatedAt); err != nil {
			return fmt.Errorf("store: inserting finding %s: %w", f.Key, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE submissions SET status = ? WHERE id = ?`, StatusProcessed, submissionID); err != nil {
		return fmt.Errorf("store: marking processed: %w", err)
	}
	return tx.Commit()
}

// MarkFailed records an archive-malformed submission without advancing
// past `processing` into `processed`.
func (s *Store) MarkFailed(ctx context.Context, submissionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE submissions SET status = ? WHERE id = ?`, StatusFailed, submissionID)
	return err
}

func (s *Store) SubmissionByID(ctx context.Context, id string) (Submission, error) {
	var sub Submission
	row := s.db.QueryRowContext(ctx, `
		SELECT id, submission_id, student_name, created_at, moodle_assignment_id, client_version, status
		FROM submissions WHERE id = ?`, id)
	err := row.Scan(&sub.ID, &sub.SubmissionID, &sub.StudentName, &sub.CreatedAt, &sub.MoodleAssignmentID, &sub.ClientVersion, &sub.Status)
	if err != nil {
		return Submission{}, err
	}
	return sub, nil
}

func (s *Store) ArtifactBySubmission(ctx context.Context, submissionRef string) (Artifact, error) {
	var a Artifact
	row := s.db.QueryRowContext(ctx, `
		SELECT id, submission_ref, fs_path, sha256, size_bytes FROM logs WHERE submission_ref = ?`, submissionRef)
	err := row.Scan(&a.ID, &a.SubmissionRef, &a.FSPath, &a.SHA256, &a.SizeBytes)
	if err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// SubmissionsByAssignment returns every submission for an assignment,
// newest first, for the cohort/card query paths to filter further in Go
// or via internal/filterlang's EXISTS subqueries.
func (s *Store) SubmissionsByAssignment(ctx context.Context, assignmentID string) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submission_id, student_name, created_at, moodle_assignment_id, client_version, status
		FROM submissions WHERE moodle_assignment_id = ? ORDER BY created_at DESC`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		var sub Submission
		if err := rows.Scan(&sub.ID, &sub.SubmissionID, &sub.StudentName, &sub.CreatedAt, &sub.MoodleAssignmentID, &sub.ClientVersion, &sub.Status); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// FindingsBySubmission returns every finding row for one submission.
func (s *Store) FindingsBySubmission(ctx context.Context, submissionRef string) ([]Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submission_ref, kind, key, value, created_at FROM findings WHERE submission_ref = ?`, submissionRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.ID, &f.SubmissionRef, &f.Kind, &f.Key, &f.Value, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) Subscribe(ctx context.Context, prof, assignmentID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (prof, assignment_id, created_at) VALUES (?, ?, ?)`,
		prof, assignmentID, now)
	return err
}

func (s *Store) Unsubscribe(ctx context.Context, prof, assignmentID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE prof = ? AND assignment_id = ?`, prof, assignmentID)
	return err
}

func (s *Store) SubscriptionsByProf(ctx context.Context, prof string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT prof, assignment_id, created_at FROM subscriptions WHERE prof = ?`, prof)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.Prof, &sub.AssignmentID, &sub.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
