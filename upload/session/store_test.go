package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveback/driveback/upload/storage"
)

func newTestStore(t *testing.T) *sqliteStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, storage.Close(db))
	})
	return NewStore(db)
}

func testSession() Session {
	return Session{
		SessionURI:    "https://upload.example.com/session/abc",
		LocalPath:     "/backups/backup.tar",
		FileName:      "backup.tar",
		TotalBytes:    12582912,
		BytesUploaded: 0,
		FolderID:      "folder-1",
		CreatedAt:     time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC),
	}
}

func TestStore_LoadEmptySlot(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.Load(context.Background())

	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	want := testSession()

	require.NoError(t, store.Save(context.Background(), want))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.SessionURI, got.SessionURI)
	assert.Equal(t, want.LocalPath, got.LocalPath)
	assert.Equal(t, want.FileName, got.FileName)
	assert.Equal(t, want.TotalBytes, got.TotalBytes)
	assert.Equal(t, want.BytesUploaded, got.BytesUploaded)
	assert.Equal(t, want.FolderID, got.FolderID)
	assert.Equal(t, want.CreatedAt.Unix(), got.CreatedAt.UTC().Unix())
	assert.Empty(t, got.RemoteFileID)
}

func TestStore_SaveReplacesPriorSession(t *testing.T) {
	store := newTestStore(t)

	first := testSession()
	require.NoError(t, store.Save(context.Background(), first))

	second := testSession()
	second.SessionURI = "https://upload.example.com/session/def"
	second.FileName = "other.tar"
	require.NoError(t, store.Save(context.Background(), second))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://upload.example.com/session/def", got.SessionURI)
	assert.Equal(t, "other.tar", got.FileName)
}

func TestStore_UpdateBytesUploaded(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), testSession()))

	require.NoError(t, store.UpdateBytesUploaded(context.Background(), 5242880))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 5242880, got.BytesUploaded)
	assert.Equal(t, "https://upload.example.com/session/abc", got.SessionURI, "other fields untouched")
}

func TestStore_UpdateRemoteFileID(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), testSession()))

	require.NoError(t, store.UpdateRemoteFileID(context.Background(), "file-1"))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "file-1", got.RemoteFileID)
}

func TestStore_UpdateEmptySlot(t *testing.T) {
	store := newTestStore(t)

	assert.ErrorIs(t, store.UpdateBytesUploaded(context.Background(), 42), ErrNoSession)
	assert.ErrorIs(t, store.UpdateRemoteFileID(context.Background(), "file-1"), ErrNoSession)
}

func TestStore_Clear(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), testSession()))

	require.NoError(t, store.Clear(context.Background()))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)

	// Clearing an empty slot is fine.
	require.NoError(t, store.Clear(context.Background()))
}
