package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/ftransfer/internal/storage"
	"github.com/italolelis/ftransfer/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) storage.TransferRepository {
	t.Helper()

	db, err := sqlite.InitDB(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return sqlite.NewTransferRepository(db)
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0o644))
}

func TestRecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	dir := t.TempDir()

	partial := filepath.Join(dir, "partial.bin")
	uploadInput := filepath.Join(dir, "input.bin")
	live := filepath.Join(dir, "live.bin")

	for _, p := range []string{partial, uploadInput, live} {
		writeFile(t, p)
	}

	for _, rec := range []storage.TransferRecord{
		{ID: "dl", Direction: "download", Output: partial, InstanceID: "previous"},
		{ID: "ul", Direction: "upload", Output: uploadInput, InstanceID: "previous"},
		{ID: "live", Direction: "download", Output: live, InstanceID: "current"},
	} {
		rec.URL, rec.Phase, rec.SubmittedAt = "https://example.com", "in_progress", time.Now()
		require.NoError(t, repo.TrackTransfer(ctx, rec))
	}

	n, err := RecoverInterrupted(ctx, repo, "current")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.NoFileExists(t, partial)
	assert.FileExists(t, uploadInput, "upload input must survive")
	assert.FileExists(t, live, "transfers of the running instance are left alone")

	for _, id := range []string{"dl", "ul"} {
		rec, err := repo.GetTransfer(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.Finished())
		assert.Equal(t, "error", rec.Phase)
		assert.Equal(t, storage.KindInterrupted, rec.ErrorKind)
	}

	rec, err := repo.GetTransfer(ctx, "live")
	require.NoError(t, err)
	assert.False(t, rec.Finished())

	n, err = RecoverInterrupted(ctx, repo, "current")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverInterruptedMissingFile(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(t, repo.TrackTransfer(ctx, storage.TransferRecord{
		ID: "gone", Direction: "download", URL: "https://example.com", Output: filepath.Join(t.TempDir(), "never-created"),
		Phase: "created", InstanceID: "previous", SubmittedAt: time.Now(),
	}))

	n, err := RecoverInterrupted(ctx, repo, "current")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPruneHistory(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, repo.TrackTransfer(ctx, storage.TransferRecord{
		ID: "old", Direction: "download", URL: "https://example.com", Phase: "created", InstanceID: "me", SubmittedAt: old,
	}))
	require.NoError(t, repo.FinishTransfer(ctx, storage.TransferRecord{ID: "old", Phase: "finished", FinishedAt: &old}))

	deleted, err := PruneHistory(ctx, repo, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = PruneHistory(ctx, repo, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
