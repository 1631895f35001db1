// Package upload contains the resumable upload orchestrator: the resume
// decision, the chunk loop, integrity verification and the session
// lifecycle around them.
//
// One invocation is a single sequential flow. Chunk sends are strictly
// ordered because the remote protocol is byte-range addressed; the loop
// invariant is that the current offset always equals the last
// server-confirmed byte count. Whole-attempt retry and backoff belong to
// the caller, which relies on the session staying intact across failed
// attempts.
package upload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/driveback/driveback/upload/drive"
	"github.com/driveback/driveback/upload/history"
	"github.com/driveback/driveback/upload/localfile"
	"github.com/driveback/driveback/upload/session"
)

const (
	// ChunkSize is the byte-range size of one upload request.
	ChunkSize = 5 * 1024 * 1024
	// MaxSessionAge is how long a stored session is trusted before it is
	// treated as expired, regardless of what the remote side would say.
	// Remote resume tokens are assumed to expire around the one-week mark.
	MaxSessionAge = 6 * 24 * time.Hour
	// MaxNoProgress is the number of consecutive chunk responses without
	// offset advancement tolerated before the attempt fails.
	MaxNoProgress = 3
)

// ProgressFunc receives the confirmed byte count after every accepted chunk.
type ProgressFunc func(uploaded, total int64)

// Config is the orchestrator's input, supplied by the caller from external
// configuration.
type Config struct {
	// SourcePattern locates the file to upload; the most recently modified
	// match wins.
	SourcePattern string
	// FolderID is the destination container on the remote side.
	FolderID string
	// MimeType declared at session initiation.
	MimeType string
}

func (c Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.SourcePattern) == "" {
		missing = append(missing, "source pattern")
	}
	if strings.TrimSpace(c.FolderID) == "" {
		missing = append(missing, "destination folder")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s not set", ErrConfigIncomplete, strings.Join(missing, ", "))
	}
	return nil
}

// Uploader runs one upload attempt at a time. The caller must not run two
// invocations concurrently; the single persisted session slot is not
// guarded here.
type Uploader struct {
	config  Config
	store   session.Store
	client  drive.API
	source  localfile.Source
	history history.Recorder
	logger  log.Logger
	now     func() time.Time
}

// NewUploader ...
func NewUploader(
	config Config,
	store session.Store,
	client drive.API,
	source localfile.Source,
	recorder history.Recorder,
	logger log.Logger,
) *Uploader {
	return &Uploader{
		config:  config,
		store:   store,
		client:  client,
		source:  source,
		history: recorder,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes one upload attempt and reports its outcome. Every failure
// except an authorization challenge is classified, recorded in history and
// returned as a failed status; the consent condition bypasses history so it
// never consumes the caller's retry budget.
func (u *Uploader) Run(ctx context.Context, onProgress ProgressFunc) Status {
	attempt := &attemptInfo{}
	status, err := u.run(ctx, attempt, onProgress)
	if err == nil {
		return status
	}

	if errors.Is(err, drive.ErrAuthRequired) {
		u.logger.Warnf("Authorization required, upload postponed until consent is granted")
		return consentStatus()
	}

	kind := Classify(err)
	u.logger.Errorf("Upload attempt failed (%s): %s", kind, err)
	u.recordFailure(ctx, attempt, kind, err)
	return failedStatus(kind, err)
}

// attemptInfo carries what is known about the current attempt so that a
// failure row can name the file even when the attempt dies early.
type attemptInfo struct {
	fileName  string
	sizeBytes int64
}

func (u *Uploader) run(ctx context.Context, attempt *attemptInfo, onProgress ProgressFunc) (Status, error) {
	if err := u.config.validate(); err != nil {
		return Status{}, err
	}

	stored, err := u.store.Load(ctx)
	if err != nil {
		return Status{}, err
	}

	if stored != nil {
		attempt.fileName = stored.FileName
		attempt.sizeBytes = stored.TotalBytes

		status, done, err := u.resume(ctx, *stored, onProgress)
		if err != nil {
			return Status{}, err
		}
		if done {
			return status, nil
		}
		// Session was invalid and has been cleared; start over.
	}

	return u.fresh(ctx, attempt, onProgress)
}

// resume is the decision tree over a stored session. It returns done=false
// after clearing an invalid session, in which case the caller takes the
// fresh path.
func (u *Uploader) resume(ctx context.Context, sess session.Session, onProgress ProgressFunc) (Status, bool, error) {
	logger := u.logger

	if sess.RemoteFileID != "" {
		// The previous run finished the transfer but crashed before the
		// slot was cleared. Recover without sending a single byte.
		logger.Infof("Previous attempt completed remotely, recording recovered success")
		if err := u.recordSuccess(ctx, sess.FileName, sess.TotalBytes, sess.FolderID, sess.RemoteFileID); err != nil {
			return Status{}, false, err
		}
		if err := u.store.Clear(ctx); err != nil {
			return Status{}, false, err
		}
		return successStatus(sess.FileName, sess.TotalBytes, sess.RemoteFileID), true, nil
	}

	if age := u.now().Sub(sess.CreatedAt); age > MaxSessionAge {
		logger.Infof("Stored session is %s old, starting over", age.Round(time.Hour))
		return u.invalidate(ctx)
	}

	if sess.FolderID != u.config.FolderID {
		logger.Infof("Destination folder changed, starting over")
		return u.invalidate(ctx)
	}

	candidate, err := u.source.Stat(sess.LocalPath)
	if err != nil || candidate.Size != sess.TotalBytes {
		logger.Infof("Source file changed or disappeared, starting over")
		return u.invalidate(ctx)
	}

	progress, err := u.client.QueryProgress(ctx, sess.SessionURI, sess.TotalBytes)
	if err != nil {
		return Status{}, false, err
	}

	switch progress.State {
	case drive.ProgressExpired:
		logger.Infof("Remote session expired, starting over")
		return u.invalidate(ctx)

	case drive.ProgressComplete:
		logger.Infof("Remote side already holds the complete file")
		if err := u.recordSuccess(ctx, sess.FileName, sess.TotalBytes, sess.FolderID, progress.File.ID); err != nil {
			return Status{}, false, err
		}
		if err := u.store.Clear(ctx); err != nil {
			return Status{}, false, err
		}
		return successStatus(sess.FileName, sess.TotalBytes, progress.File.ID), true, nil

	default:
		// The server's confirmed count is authoritative; the locally
		// persisted offset is only a hint.
		logger.Infof("Resuming upload of %s at %s of %s",
			sess.FileName,
			units.HumanSizeWithPrecision(float64(progress.ConfirmedBytes), 3),
			units.HumanSizeWithPrecision(float64(sess.TotalBytes), 3))
		if err := u.store.UpdateBytesUploaded(ctx, progress.ConfirmedBytes); err != nil {
			return Status{}, false, err
		}
		status, err := u.chunkLoop(ctx, sess, progress.ConfirmedBytes, onProgress)
		return status, true, err
	}
}

func (u *Uploader) invalidate(ctx context.Context) (Status, bool, error) {
	if err := u.store.Clear(ctx); err != nil {
		return Status{}, false, err
	}
	return Status{}, false, nil
}

// fresh locates the source file, tries name+size deduplication and only
// then initiates a new session. The session is persisted before the first
// chunk so a crash loses at most the initiation call.
func (u *Uploader) fresh(ctx context.Context, attempt *attemptInfo, onProgress ProgressFunc) (Status, error) {
	candidate, err := u.source.Resolve(u.config.SourcePattern)
	if err != nil {
		return Status{}, err
	}

	fileName := filepath.Base(candidate.Path)
	attempt.fileName = fileName
	attempt.sizeBytes = candidate.Size
	u.logger.Infof("Source file: %s (%s)", candidate.Path, units.HumanSizeWithPrecision(float64(candidate.Size), 3))

	existing, err := u.client.FindByNameAndSize(ctx, u.config.FolderID, fileName)
	if err != nil {
		return Status{}, err
	}
	if existing != nil && existing.Size == candidate.Size {
		u.logger.Donef("Identical file already present remotely, nothing to upload")
		if err := u.recordSuccess(ctx, fileName, candidate.Size, u.config.FolderID, existing.ID); err != nil {
			return Status{}, err
		}
		return successStatus(fileName, candidate.Size, existing.ID), nil
	}

	mimeType := u.config.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	sessionURI, err := u.client.Initiate(ctx, u.config.FolderID, fileName, mimeType, candidate.Size)
	if err != nil {
		return Status{}, err
	}

	sess := session.Session{
		SessionURI: sessionURI,
		LocalPath:  candidate.Path,
		FileName:   fileName,
		TotalBytes: candidate.Size,
		FolderID:   u.config.FolderID,
		CreatedAt:  u.now().UTC(),
	}
	if err := u.store.Save(ctx, sess); err != nil {
		return Status{}, err
	}

	return u.chunkLoop(ctx, sess, 0, onProgress)
}

// chunkLoop sends byte ranges until the server reports completion. offset
// always equals the last server-confirmed byte count; nothing below it is
// ever sent again.
func (u *Uploader) chunkLoop(ctx context.Context, sess session.Session, offset int64, onProgress ProgressFunc) (Status, error) {
	stream, err := u.source.Open(sess.LocalPath)
	if err != nil {
		return Status{}, err
	}
	defer func() {
		if stream != nil {
			if err := stream.Close(); err != nil {
				u.logger.Warnf("close source stream: %s", err)
			}
		}
	}()

	noProgress := 0
	for offset < sess.TotalBytes {
		if err := ctx.Err(); err != nil {
			return Status{}, err
		}

		want := sess.TotalBytes - offset
		if want > ChunkSize {
			want = ChunkSize
		}

		chunk, err := stream.ReadChunk(offset, want)
		if err != nil || int64(len(chunk)) < want {
			// The underlying file handle can go stale; reopen once at the
			// same offset before giving up.
			if stream, err = u.reopen(stream, sess.LocalPath); err != nil {
				return Status{}, err
			}
			chunk, err = stream.ReadChunk(offset, want)
			if err != nil {
				return Status{}, err
			}
			if int64(len(chunk)) < want {
				return Status{}, fmt.Errorf("%w: want %d bytes at %d, got %d", ErrShortRead, want, offset, len(chunk))
			}
		}

		result, err := u.client.UploadChunk(ctx, sess.SessionURI, chunk, offset, sess.TotalBytes)
		if err != nil {
			return Status{}, err
		}

		if result.Complete {
			return u.finish(ctx, sess, result.File)
		}

		if result.ConfirmedBytes <= offset {
			noProgress++
			u.logger.Warnf("Server confirmed no new bytes (%d/%d consecutive)", noProgress, MaxNoProgress)
			if noProgress >= MaxNoProgress {
				return Status{}, fmt.Errorf("%w: stuck at offset %d", ErrNoProgress, offset)
			}
			if stream, err = u.reopen(stream, sess.LocalPath); err != nil {
				return Status{}, err
			}
			continue
		}

		noProgress = 0
		offset = result.ConfirmedBytes
		if err := u.store.UpdateBytesUploaded(ctx, offset); err != nil {
			return Status{}, err
		}
		u.logger.Debugf("Confirmed %s of %s",
			units.HumanSizeWithPrecision(float64(offset), 3),
			units.HumanSizeWithPrecision(float64(sess.TotalBytes), 3))
		if onProgress != nil {
			onProgress(offset, sess.TotalBytes)
		}
	}

	return Status{}, fmt.Errorf("%w: sent %d of %d bytes", ErrMissingCompletion, offset, sess.TotalBytes)
}

func (u *Uploader) reopen(stream localfile.Stream, path string) (localfile.Stream, error) {
	if err := stream.Close(); err != nil {
		u.logger.Warnf("close source stream: %s", err)
	}
	reopened, err := u.source.Open(path)
	if err != nil {
		return nil, err
	}
	return reopened, nil
}

// finish verifies integrity and walks the two-phase completion: persist the
// remote file id, clear the slot, record the success. The ordered writes
// are what make a crash at any point here recoverable; collapsing them into
// one transaction would close the remaining window but change the
// documented recovery path.
func (u *Uploader) finish(ctx context.Context, sess session.Session, file *drive.RemoteFile) (Status, error) {
	if file.MD5Checksum == "" {
		u.logger.Warnf("Server reported no checksum, skipping integrity verification")
	} else {
		localSum, err := u.source.MD5(sess.LocalPath)
		if err != nil {
			return Status{}, fmt.Errorf("digest source file: %w", err)
		}
		if !strings.EqualFold(localSum, file.MD5Checksum) {
			// Session intentionally left intact: the remote object exists
			// but is not trusted, and the next attempt decides what to do.
			return Status{}, fmt.Errorf("%w: local %s, remote %s", ErrIntegrityMismatch, localSum, file.MD5Checksum)
		}
		u.logger.Debugf("Integrity verified (md5 %s)", localSum)
	}

	if err := u.store.UpdateRemoteFileID(ctx, file.ID); err != nil {
		return Status{}, err
	}
	if err := u.store.Clear(ctx); err != nil {
		return Status{}, err
	}
	if err := u.recordSuccess(ctx, sess.FileName, sess.TotalBytes, sess.FolderID, file.ID); err != nil {
		return Status{}, err
	}

	u.logger.Donef("Uploaded %s (%s)", sess.FileName, units.HumanSizeWithPrecision(float64(sess.TotalBytes), 3))
	return successStatus(sess.FileName, sess.TotalBytes, file.ID), nil
}

func (u *Uploader) recordSuccess(ctx context.Context, fileName string, sizeBytes int64, folderID, remoteFileID string) error {
	err := u.history.Insert(ctx, history.Entry{
		FileName:     fileName,
		SizeBytes:    sizeBytes,
		Outcome:      history.OutcomeSuccess,
		FolderID:     folderID,
		RemoteFileID: remoteFileID,
	})
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

func (u *Uploader) recordFailure(ctx context.Context, attempt *attemptInfo, kind Kind, cause error) {
	err := u.history.Insert(ctx, history.Entry{
		FileName:  attempt.fileName,
		SizeBytes: attempt.sizeBytes,
		Outcome:   history.OutcomeFailure,
		Message:   userMessage(kind),
		Detail:    cause.Error(),
		FolderID:  u.config.FolderID,
	})
	if err != nil {
		// The attempt already failed; losing the history row is the lesser
		// problem. The session is untouched either way.
		u.logger.Warnf("record failure: %s", err)
	}
}
