package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("transfer record not found")

// KindInterrupted marks transfers that were running when the daemon stopped.
const KindInterrupted = "interrupted"

// TransferRecord is one row of transfer history. URL never contains key
// material.
type TransferRecord struct {
	ID            string
	Direction     string
	URL           string
	Output        string
	Phase         string
	ErrorKind     string
	ErrorMessage  string
	HashAlgorithm string
	HashValue     string
	ContentLength int64
	ContentType   string
	InstanceID    string
	SubmittedAt   time.Time
	FinishedAt    *time.Time
}

// Finished reports whether the record reached a terminal phase.
func (r *TransferRecord) Finished() bool {
	return r.FinishedAt != nil
}

type TransferReadRepository interface {
	GetTransfers(ctx context.Context, limit int) ([]TransferRecord, error)
	GetTransfer(ctx context.Context, id string) (*TransferRecord, error)
	// GetUnfinished returns records without a terminal phase that were not
	// submitted by instanceID.
	GetUnfinished(ctx context.Context, instanceID string) ([]TransferRecord, error)
}

type TransferWriteRepository interface {
	TrackTransfer(ctx context.Context, rec TransferRecord) error
	// FinishTransfer stores the outcome on the latest unfinished record with
	// rec.ID.
	FinishTransfer(ctx context.Context, rec TransferRecord) error
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

type TransferRepository interface {
	TransferReadRepository
	TransferWriteRepository
}
