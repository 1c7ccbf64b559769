package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/italolelis/ftransfer/internal/logctx"
	"github.com/italolelis/ftransfer/internal/storage"
	"github.com/italolelis/ftransfer/internal/transfer"
)

// RecoverInterrupted finalizes transfers another daemon instance left
// running. The partial output of an interrupted download is removed; an
// upload's input file is never touched. It returns the number of records
// that were finalized.
func RecoverInterrupted(ctx context.Context, repo storage.TransferRepository, instanceID string) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := repo.GetUnfinished(ctx, instanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to get unfinished transfers: %w", err)
	}

	recovered := 0

	for _, rec := range records {
		if rec.Direction == string(transfer.DirectionDownload) && rec.Output != "" {
			if err := os.Remove(rec.Output); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete partial file", "transfer_id", rec.ID, "file", rec.Output, "err", err)
			} else if err == nil {
				logger.Info("deleted partial file", "transfer_id", rec.ID, "file", rec.Output)
			}
		}

		now := time.Now()

		err := repo.FinishTransfer(ctx, storage.TransferRecord{
			ID:           rec.ID,
			Phase:        transfer.PhaseError.String(),
			ErrorKind:    storage.KindInterrupted,
			ErrorMessage: "transfer interrupted by daemon shutdown",
			FinishedAt:   &now,
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}

			return recovered, fmt.Errorf("failed to finalize transfer %s: %w", rec.ID, err)
		}

		recovered++
	}

	return recovered, nil
}

// PruneHistory deletes finished records older than keep. A non-positive
// keep disables pruning.
func PruneHistory(ctx context.Context, repo storage.TransferWriteRepository, keep time.Duration) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	deleted, err := repo.DeleteFinishedBefore(ctx, time.Now().Add(-keep))
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}

	if deleted > 0 {
		logctx.LoggerFromContext(ctx).Info("pruned transfer history", "deleted", deleted, "retention", keep.String())
	}

	return deleted, nil
}
