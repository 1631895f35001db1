package upload

import (
	"context"
	"errors"
	"io/fs"

	"github.com/driveback/driveback/upload/drive"
	"github.com/driveback/driveback/upload/localfile"
)

// Kind classifies a failed attempt for history recording and for the
// caller's retry decision. Classification happens once, at the
// orchestrator's top boundary.
type Kind int

// Kind values.
const (
	// KindTransient covers network and server hiccups; the session is
	// preserved and the caller is expected to retry the whole attempt.
	KindTransient Kind = iota
	// KindConfigIncomplete means source or destination is not configured.
	// Not retriable until the user fixes the configuration.
	KindConfigIncomplete
	// KindFileUnreadable means the local source file is missing or cannot
	// be read.
	KindFileUnreadable
	// KindProtocolViolation means the server misbehaved: a stuck
	// no-progress loop, a malformed response, or all bytes sent without a
	// completion.
	KindProtocolViolation
	// KindIntegrityMismatch means the local digest differs from the
	// remote-reported checksum.
	KindIntegrityMismatch
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfigIncomplete:
		return "config-incomplete"
	case KindFileUnreadable:
		return "file-unreadable"
	case KindProtocolViolation:
		return "protocol-violation"
	case KindIntegrityMismatch:
		return "integrity-mismatch"
	default:
		return "unknown"
	}
}

// Sentinel errors surfaced by the orchestrator.
var (
	// ErrConfigIncomplete wraps missing-configuration conditions.
	ErrConfigIncomplete = errors.New("upload configuration incomplete")
	// ErrNoProgress means the server failed to confirm new bytes for the
	// maximum number of consecutive chunk attempts.
	ErrNoProgress = errors.New("server confirmed no new bytes for consecutive chunk uploads")
	// ErrMissingCompletion means every byte was sent but the server never
	// reported the upload complete.
	ErrMissingCompletion = errors.New("all bytes sent but server reported no completion")
	// ErrShortRead means the source stream kept returning fewer bytes than
	// requested even after reopening it.
	ErrShortRead = errors.New("source stream returned fewer bytes than requested after reopen")
	// ErrIntegrityMismatch means the uploaded object's checksum does not
	// match the local file.
	ErrIntegrityMismatch = errors.New("local file digest does not match remote checksum")
)

// Classify maps an error from anywhere in the attempt to its Kind.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrConfigIncomplete):
		return KindConfigIncomplete
	case errors.Is(err, localfile.ErrNoMatch),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, ErrShortRead):
		return KindFileUnreadable
	case errors.Is(err, ErrNoProgress),
		errors.Is(err, ErrMissingCompletion),
		errors.Is(err, drive.ErrNoSessionURI):
		return KindProtocolViolation
	case errors.Is(err, ErrIntegrityMismatch):
		return KindIntegrityMismatch
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindTransient
	}
}

// userMessage is the short history-row summary for a failure kind.
func userMessage(kind Kind) string {
	switch kind {
	case KindConfigIncomplete:
		return "Upload is not configured"
	case KindFileUnreadable:
		return "Backup file is missing or unreadable"
	case KindProtocolViolation:
		return "Upload service responded unexpectedly"
	case KindIntegrityMismatch:
		return "Uploaded file failed integrity verification"
	default:
		return "Upload failed, will retry"
	}
}
