package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/ftransfer/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *InstrumentedTransferRepository {
	t.Helper()

	db, err := InitDB(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewInstrumentedTransferRepository(db, nil)
}

func TestTrackAndFinish(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	submitted := time.Now().Add(-time.Minute)

	require.NoError(t, repo.TrackTransfer(ctx, storage.TransferRecord{
		ID:          "a",
		Direction:   "download",
		URL:         "https://example.com/a.jpg",
		Output:      "/tmp/a.jpg",
		Phase:       "created",
		InstanceID:  "me",
		SubmittedAt: submitted,
	}))

	rec, err := repo.GetTransfer(ctx, "a")
	require.NoError(t, err)
	assert.False(t, rec.Finished())
	assert.Equal(t, "/tmp/a.jpg", rec.Output)
	assert.WithinDuration(t, submitted, rec.SubmittedAt, time.Millisecond)

	require.NoError(t, repo.FinishTransfer(ctx, storage.TransferRecord{
		ID:            "a",
		Phase:         "finished",
		HashAlgorithm: "sha256",
		HashValue:     "abc",
		ContentLength: 42,
		ContentType:   "image/jpeg",
	}))

	rec, err = repo.GetTransfer(ctx, "a")
	require.NoError(t, err)
	assert.True(t, rec.Finished())
	assert.Equal(t, "finished", rec.Phase)
	assert.Equal(t, int64(42), rec.ContentLength)
	assert.Equal(t, "image/jpeg", rec.ContentType)
	assert.Empty(t, rec.ErrorKind)

	err = repo.FinishTransfer(ctx, storage.TransferRecord{ID: "a", Phase: "error"})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResubmittedIDKeepsHistory(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	for _, phase := range []string{"error", "finished"} {
		require.NoError(t, repo.TrackTransfer(ctx, storage.TransferRecord{
			ID: "same", Direction: "upload", URL: "https://example.com/u", Phase: "created", InstanceID: "me", SubmittedAt: time.Now(),
		}))
		require.NoError(t, repo.FinishTransfer(ctx, storage.TransferRecord{ID: "same", Phase: phase}))
	}

	records, err := repo.GetTransfers(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "finished", records[0].Phase, "newest first")
	assert.Equal(t, "error", records[1].Phase)

	records, err = repo.GetTransfers(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestGetUnfinishedSkipsOwnInstance(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	for _, rec := range []storage.TransferRecord{
		{ID: "old", InstanceID: "previous"},
		{ID: "live", InstanceID: "current"},
		{ID: "done", InstanceID: "previous"},
	} {
		rec.Direction, rec.URL, rec.Phase, rec.SubmittedAt = "download", "https://example.com", "created", time.Now()
		require.NoError(t, repo.TrackTransfer(ctx, rec))
	}

	require.NoError(t, repo.FinishTransfer(ctx, storage.TransferRecord{ID: "done", Phase: "finished"}))

	records, err := repo.GetUnfinished(ctx, "current")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "old", records[0].ID)
}

func TestDeleteFinishedBefore(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	for id, finished := range map[string]time.Time{"old": old, "recent": recent} {
		require.NoError(t, repo.TrackTransfer(ctx, storage.TransferRecord{
			ID: id, Direction: "download", URL: "https://example.com", Phase: "created", InstanceID: "me", SubmittedAt: finished,
		}))

		f := finished
		require.NoError(t, repo.FinishTransfer(ctx, storage.TransferRecord{ID: id, Phase: "finished", FinishedAt: &f}))
	}

	require.NoError(t, repo.TrackTransfer(ctx, storage.TransferRecord{
		ID: "running", Direction: "download", URL: "https://example.com", Phase: "created", InstanceID: "me", SubmittedAt: old,
	}))

	deleted, err := repo.DeleteFinishedBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.GetTransfer(ctx, "old")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = repo.GetTransfer(ctx, "running")
	require.NoError(t, err)
}
