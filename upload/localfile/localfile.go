// Package localfile resolves the source file to upload and provides
// chunked access to its bytes.
package localfile

import (
	"crypto/md5" //nolint:gosec // the remote protocol reports MD5 checksums
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

// ErrNoMatch means no file matched the source pattern.
var ErrNoMatch = errors.New("no file matches the source pattern")

// Candidate is a resolved source file: a stable reference plus identity.
type Candidate struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Source resolves and reads the local file to upload.
type Source interface {
	// Resolve returns the most recently modified regular file matching
	// the pattern. Returns ErrNoMatch when nothing matches.
	Resolve(pattern string) (Candidate, error)
	// Stat returns the candidate for an exact path, without pattern
	// matching. Used to re-validate a stored session's file reference.
	Stat(path string) (Candidate, error)
	// Open opens a seekable stream over the file.
	Open(path string) (Stream, error)
	// MD5 computes the hex digest of the whole file.
	MD5(path string) (string, error)
}

// Stream reads bounded byte ranges of an open file.
type Stream interface {
	// ReadChunk reads up to want bytes starting at offset. A shorter
	// result than want signals stream invalidation to the caller.
	ReadChunk(offset, want int64) ([]byte, error)
	Close() error
}

type fileSource struct {
	pathModifier pathutil.PathModifier
}

// NewSource ...
func NewSource() *fileSource {
	return &fileSource{pathModifier: pathutil.NewPathModifier()}
}

func (s *fileSource) Resolve(pattern string) (Candidate, error) {
	paths, err := s.expandPattern(pattern)
	if err != nil {
		return Candidate{}, err
	}

	var newest Candidate
	found := false
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if !found || info.ModTime().After(newest.ModTime) {
			newest = Candidate{Path: path, Size: info.Size(), ModTime: info.ModTime()}
			found = true
		}
	}
	if !found {
		return Candidate{}, fmt.Errorf("%w: %s", ErrNoMatch, pattern)
	}
	return newest, nil
}

func (s *fileSource) expandPattern(pattern string) ([]string, error) {
	if !strings.ContainsAny(pattern, "*?[{") {
		absPath, err := s.pathModifier.AbsPath(pattern)
		if err != nil {
			return nil, fmt.Errorf("resolve path %s: %w", pattern, err)
		}
		return []string{absPath}, nil
	}

	base, glob := doublestar.SplitPattern(pattern)
	absBase, err := s.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
	if err != nil {
		return nil, fmt.Errorf("resolve pattern base %s: %w", base, err)
	}

	matches, err := doublestar.Glob(os.DirFS(absBase), glob, doublestar.WithNoFollow())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}

	paths := make([]string, 0, len(matches))
	for _, match := range matches {
		paths = append(paths, filepath.Join(absBase, match))
	}
	return paths, nil
}

func (s *fileSource) Stat(path string) (Candidate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{Path: path, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *fileSource) Open(path string) (Stream, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	return &fileStream{file: file}, nil
}

func (s *fileSource) MD5(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	hash := md5.New() //nolint:gosec
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

type fileStream struct {
	file *os.File
}

func (f *fileStream) ReadChunk(offset, want int64) ([]byte, error) {
	data, err := io.ReadAll(io.NewSectionReader(f.file, offset, want))
	if err != nil {
		return nil, fmt.Errorf("read chunk at %d: %w", offset, err)
	}
	return data, nil
}

func (f *fileStream) Close() error {
	return f.file.Close()
}
