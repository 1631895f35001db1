// Package history keeps the append-only record of upload attempt outcomes.
// Rows are immutable once inserted; the engine only ever appends.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Outcome of one upload attempt.
type Outcome string

// Outcome values.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one history row. Message is the short user-facing summary,
// Detail carries the technical error text for diagnostics.
type Entry struct {
	ID           string    `db:"id"`
	CreatedAt    time.Time `db:"created_at"`
	FileName     string    `db:"file_name"`
	SizeBytes    int64     `db:"size_bytes"`
	Outcome      Outcome   `db:"outcome"`
	Message      string    `db:"message"`
	Detail       string    `db:"detail"`
	FolderID     string    `db:"folder_id"`
	RemoteFileID string    `db:"remote_file_id"`
}

// Recorder ...
type Recorder interface {
	Insert(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

type sqliteRecorder struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewRecorder ...
func NewRecorder(db *sqlx.DB) *sqliteRecorder {
	return &sqliteRecorder{db: db, now: time.Now}
}

// Insert appends one row. ID and CreatedAt are filled in when unset.
func (r *sqliteRecorder) Insert(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}

	query := `INSERT INTO upload_history (id, created_at, file_name, size_bytes, outcome, message, detail, folder_id, remote_file_id)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.CreatedAt,
		e.FileName,
		e.SizeBytes,
		e.Outcome,
		e.Message,
		e.Detail,
		e.FolderID,
		e.RemoteFileID,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries first.
func (r *sqliteRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	query := `SELECT id, created_at, file_name, size_bytes, outcome, message, detail, folder_id, remote_file_id
	          FROM upload_history ORDER BY created_at DESC, id DESC LIMIT $1`

	if err := r.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}
