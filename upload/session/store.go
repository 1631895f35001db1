// Package session persists the single in-flight resumable upload session.
// At most one session exists at a time: the store is a single slot, not a
// table of sessions.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Session is one in-flight resumable upload. FileName and TotalBytes are
// captured at creation and never change for the session's lifetime.
// RemoteFileID stays empty until the remote side has confirmed completion;
// it is set before the slot is cleared so that a crash between the two
// writes is recoverable.
type Session struct {
	SessionURI    string    `db:"session_uri"`
	LocalPath     string    `db:"local_path"`
	FileName      string    `db:"file_name"`
	TotalBytes    int64     `db:"total_bytes"`
	BytesUploaded int64     `db:"bytes_uploaded"`
	FolderID      string    `db:"folder_id"`
	CreatedAt     time.Time `db:"created_at"`
	RemoteFileID  string    `db:"remote_file_id"`
}

// Store is the durable slot holding at most one session.
type Store interface {
	// Load returns the stored session, or nil when the slot is empty.
	Load(ctx context.Context) (*Session, error)
	// Save replaces whatever the slot holds with the given session.
	// All fields become visible together or not at all.
	Save(ctx context.Context, s Session) error
	UpdateBytesUploaded(ctx context.Context, n int64) error
	UpdateRemoteFileID(ctx context.Context, id string) error
	// Clear empties the slot. Clearing an empty slot is not an error.
	Clear(ctx context.Context) error
}

// ErrNoSession is returned by the update methods when the slot is empty.
var ErrNoSession = errors.New("no upload session stored")

type sqliteStore struct {
	db *sqlx.DB
}

// NewStore ...
func NewStore(db *sqlx.DB) *sqliteStore {
	return &sqliteStore{db: db}
}

func (s *sqliteStore) Load(ctx context.Context) (*Session, error) {
	var sess Session
	query := `SELECT session_uri, local_path, file_name, total_bytes, bytes_uploaded, folder_id, created_at, remote_file_id
	          FROM upload_session WHERE slot = 1`

	err := s.db.GetContext(ctx, &sess, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

func (s *sqliteStore) Save(ctx context.Context, sess Session) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_session`); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}

	query := `INSERT INTO upload_session (slot, session_uri, local_path, file_name, total_bytes, bytes_uploaded, folder_id, created_at, remote_file_id)
	          VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = tx.ExecContext(ctx, query,
		sess.SessionURI,
		sess.LocalPath,
		sess.FileName,
		sess.TotalBytes,
		sess.BytesUploaded,
		sess.FolderID,
		sess.CreatedAt.UTC(),
		sess.RemoteFileID,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func (s *sqliteStore) UpdateBytesUploaded(ctx context.Context, n int64) error {
	return s.update(ctx, `UPDATE upload_session SET bytes_uploaded = $1 WHERE slot = 1`, n)
}

func (s *sqliteStore) UpdateRemoteFileID(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE upload_session SET remote_file_id = $1 WHERE slot = 1`, id)
}

func (s *sqliteStore) update(ctx context.Context, query string, arg interface{}) error {
	res, err := s.db.ExecContext(ctx, query, arg)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		return ErrNoSession
	}
	return nil
}

func (s *sqliteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_session`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
