package localfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, content []byte, modTime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0600))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
	return path
}

func TestResolve_NewestMatchWins(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	writeFile(t, dir, "backup-2024-04-30.tar", []byte("old"), base.Add(-24*time.Hour))
	newest := writeFile(t, dir, "backup-2024-05-01.tar", []byte("newer"), base)
	writeFile(t, dir, "unrelated.txt", []byte("nope"), base.Add(time.Hour))

	got, err := NewSource().Resolve(filepath.Join(dir, "backup-*.tar"))

	require.NoError(t, err)
	assert.Equal(t, newest, got.Path)
	assert.EqualValues(t, 5, got.Size)
}

func TestResolve_ExactPath(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "backup.tar", []byte("data"), time.Now())

	got, err := NewSource().Resolve(path)

	require.NoError(t, err)
	assert.Equal(t, path, got.Path)
	assert.EqualValues(t, 4, got.Size)
}

func TestResolve_QuestionMarkPattern(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	writeFile(t, dir, "backup-1.tar", []byte("old"), base.Add(-time.Hour))
	newest := writeFile(t, dir, "backup-2.tar", []byte("newer"), base)
	writeFile(t, dir, "backup-10.tar", []byte("toolong"), base.Add(time.Hour))

	got, err := NewSource().Resolve(filepath.Join(dir, "backup-?.tar"))

	require.NoError(t, err)
	assert.Equal(t, newest, got.Path)
}

func TestResolve_CharClassPattern(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	writeFile(t, dir, "backup-a.tar", []byte("a"), base)
	want := writeFile(t, dir, "backup-b.tar", []byte("b"), base.Add(time.Hour))
	writeFile(t, dir, "backup-z.tar", []byte("z"), base.Add(2*time.Hour))

	got, err := NewSource().Resolve(filepath.Join(dir, "backup-[ab].tar"))

	require.NoError(t, err)
	assert.Equal(t, want, got.Path)
}

func TestResolve_NoMatch(t *testing.T) {
	dir := t.TempDir()

	_, err := NewSource().Resolve(filepath.Join(dir, "backup-*.tar"))

	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestStat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "backup.tar", []byte("12345678"), time.Now())

	got, err := NewSource().Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, 8, got.Size)

	_, err = NewSource().Stat(filepath.Join(dir, "missing.tar"))
	assert.True(t, os.IsNotExist(err))
}

func TestStream_ReadChunk(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "backup.tar", []byte("0123456789"), time.Now())

	stream, err := NewSource().Open(path)
	require.NoError(t, err)
	defer stream.Close() //nolint:errcheck

	chunk, err := stream.ReadChunk(0, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(chunk))

	chunk, err = stream.ReadChunk(4, 4)
	require.NoError(t, err)
	assert.Equal(t, "4567", string(chunk))

	// Last chunk is naturally short.
	chunk, err = stream.ReadChunk(8, 4)
	require.NoError(t, err)
	assert.Equal(t, "89", string(chunk))
}

func TestMD5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "backup.tar", []byte("abc"), time.Now())

	sum, err := NewSource().MD5(path)

	require.NoError(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", sum)
}
