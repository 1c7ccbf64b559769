package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/ftransfer/internal/storage"
	"github.com/italolelis/ftransfer/internal/telemetry"
)

// InstrumentedTransferRepository wraps TransferRepository with telemetry.
type InstrumentedTransferRepository struct {
	repo      *TransferRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedTransferRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedTransferRepository {
	return &InstrumentedTransferRepository{
		repo:      NewTransferRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedTransferRepository) TrackTransfer(ctx context.Context, rec storage.TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "track_transfer", func(ctx context.Context) error {
		return r.repo.TrackTransfer(ctx, rec)
	})
}

func (r *InstrumentedTransferRepository) FinishTransfer(ctx context.Context, rec storage.TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "finish_transfer", func(ctx context.Context) error {
		return r.repo.FinishTransfer(ctx, rec)
	})
}

func (r *InstrumentedTransferRepository) GetTransfers(ctx context.Context, limit int) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfers", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetTransfers(ctx, limit)

		return err
	})

	return result, err
}

func (r *InstrumentedTransferRepository) GetTransfer(ctx context.Context, id string) (*storage.TransferRecord, error) {
	var result *storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfer", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetTransfer(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedTransferRepository) GetUnfinished(ctx context.Context, instanceID string) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_unfinished", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetUnfinished(ctx, instanceID)

		return err
	})

	return result, err
}

func (r *InstrumentedTransferRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64

	err := r.telemetry.InstrumentDBOperation(ctx, "delete_finished", func(ctx context.Context) error {
		var err error
		deleted, err = r.repo.DeleteFinishedBefore(ctx, before)

		return err
	})

	return deleted, err
}

var _ storage.TransferRepository = (*InstrumentedTransferRepository)(nil)
