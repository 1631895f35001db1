package upload

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"io/fs"
	"time"

	"github.com/driveback/driveback/upload/drive"
	"github.com/driveback/driveback/upload/history"
	"github.com/driveback/driveback/upload/localfile"
	"github.com/driveback/driveback/upload/session"
)

// fakeStore is an in-memory single-slot session store.
type fakeStore struct {
	sess        *session.Session
	saves       int
	byteUpdates []int64
	clears      int
}

func (s *fakeStore) Load(ctx context.Context) (*session.Session, error) {
	if s.sess == nil {
		return nil, nil
	}
	copied := *s.sess
	return &copied, nil
}

func (s *fakeStore) Save(ctx context.Context, sess session.Session) error {
	s.saves++
	s.sess = &sess
	return nil
}

func (s *fakeStore) UpdateBytesUploaded(ctx context.Context, n int64) error {
	if s.sess == nil {
		return session.ErrNoSession
	}
	s.byteUpdates = append(s.byteUpdates, n)
	s.sess.BytesUploaded = n
	return nil
}

func (s *fakeStore) UpdateRemoteFileID(ctx context.Context, id string) error {
	if s.sess == nil {
		return session.ErrNoSession
	}
	s.sess.RemoteFileID = id
	return nil
}

func (s *fakeStore) Clear(ctx context.Context) error {
	s.clears++
	s.sess = nil
	return nil
}

// sentChunk records one UploadChunk call.
type sentChunk struct {
	offset int64
	length int64
}

// fakeDrive scripts the remote endpoint. By default chunks are fully
// accepted and the final chunk completes the upload with completeFile.
type fakeDrive struct {
	initiateURI  string
	initiateErr  error
	initiates    int
	findFile     *drive.RemoteFile
	findErr      error
	finds        int
	progress     drive.ProgressResult
	progressErr  error
	progressors  int
	completeFile *drive.RemoteFile
	chunkFn      func(offset, total int64, body []byte) (drive.ChunkResult, error)
	chunks       []sentChunk
}

func (d *fakeDrive) Initiate(ctx context.Context, folderID, name, mimeType string, totalBytes int64) (string, error) {
	d.initiates++
	if d.initiateErr != nil {
		return "", d.initiateErr
	}
	if d.initiateURI == "" {
		return "https://upload.example.com/session/fake", nil
	}
	return d.initiateURI, nil
}

func (d *fakeDrive) UploadChunk(ctx context.Context, sessionURI string, body []byte, offset, totalBytes int64) (drive.ChunkResult, error) {
	d.chunks = append(d.chunks, sentChunk{offset: offset, length: int64(len(body))})
	if d.chunkFn != nil {
		return d.chunkFn(offset, totalBytes, body)
	}
	confirmed := offset + int64(len(body))
	if confirmed == totalBytes {
		return drive.ChunkResult{Complete: true, File: d.completeFile}, nil
	}
	return drive.ChunkResult{ConfirmedBytes: confirmed}, nil
}

func (d *fakeDrive) QueryProgress(ctx context.Context, sessionURI string, totalBytes int64) (drive.ProgressResult, error) {
	d.progressors++
	if d.progressErr != nil {
		return drive.ProgressResult{}, d.progressErr
	}
	return d.progress, nil
}

func (d *fakeDrive) FindByNameAndSize(ctx context.Context, folderID, name string) (*drive.RemoteFile, error) {
	d.finds++
	if d.findErr != nil {
		return nil, d.findErr
	}
	return d.findFile, nil
}

// fakeSource serves one in-memory file.
type fakeSource struct {
	path       string
	data       []byte
	modTime    time.Time
	missing    bool
	sizeLies   int64 // when non-zero, Stat reports this size instead
	opens      int
	shortOpens int // streams from the first shortOpens opens truncate reads
}

func (s *fakeSource) Resolve(pattern string) (localfile.Candidate, error) {
	if s.missing {
		return localfile.Candidate{}, fmt.Errorf("%w: %s", localfile.ErrNoMatch, pattern)
	}
	return localfile.Candidate{Path: s.path, Size: int64(len(s.data)), ModTime: s.modTime}, nil
}

func (s *fakeSource) Stat(path string) (localfile.Candidate, error) {
	if s.missing || path != s.path {
		return localfile.Candidate{}, fs.ErrNotExist
	}
	size := int64(len(s.data))
	if s.sizeLies != 0 {
		size = s.sizeLies
	}
	return localfile.Candidate{Path: s.path, Size: size, ModTime: s.modTime}, nil
}

func (s *fakeSource) Open(path string) (localfile.Stream, error) {
	if s.missing || path != s.path {
		return nil, fs.ErrNotExist
	}
	s.opens++
	return &fakeStream{data: s.data, short: s.opens <= s.shortOpens}, nil
}

func (s *fakeSource) MD5(path string) (string, error) {
	sum := md5.Sum(s.data) //nolint:gosec
	return hex.EncodeToString(sum[:]), nil
}

type fakeStream struct {
	data   []byte
	short  bool // a stale handle: reads come back with half the bytes
	closed bool
}

func (s *fakeStream) ReadChunk(offset, want int64) ([]byte, error) {
	if offset >= int64(len(s.data)) {
		return nil, nil
	}
	end := offset + want
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	if s.short && end-offset > 1 {
		end = offset + (end-offset)/2
	}
	chunk := make([]byte, end-offset)
	copy(chunk, s.data[offset:end])
	return chunk, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// fakeRecorder collects history rows in memory.
type fakeRecorder struct {
	entries   []history.Entry
	insertErr error
}

func (r *fakeRecorder) Insert(ctx context.Context, e history.Entry) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *fakeRecorder) Recent(ctx context.Context, limit int) ([]history.Entry, error) {
	if limit > len(r.entries) {
		limit = len(r.entries)
	}
	recent := make([]history.Entry, 0, limit)
	for i := len(r.entries) - 1; i >= len(r.entries)-limit; i-- {
		recent = append(recent, r.entries[i])
	}
	return recent, nil
}
