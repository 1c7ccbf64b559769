package main

import (
	"context"
	"time"

	"github.com/italolelis/ftransfer/internal/logctx"
	"github.com/italolelis/ftransfer/internal/notifier"
	"github.com/italolelis/ftransfer/internal/registry"
	"github.com/italolelis/ftransfer/internal/storage"
)

// recordEvents writes registry lifecycle events to the history and notifies
// about finished transfers. It keeps consuming after ctx is done until the
// registry stopped, so transfers finalized during shutdown are recorded.
func recordEvents(
	ctx context.Context,
	reg *registry.Registry,
	repo storage.TransferWriteRepository,
	notif notifier.Notifier,
	instanceID string,
	registryDone <-chan struct{},
) {
	ctx = context.WithoutCancel(ctx)

	submitted := func(t *registry.Transfer) {
		s := t.Snapshot()

		err := repo.TrackTransfer(ctx, storage.TransferRecord{
			ID:          s.ID,
			Direction:   string(s.Direction),
			URL:         s.URL,
			Output:      s.Output,
			Phase:       s.PhaseName,
			InstanceID:  instanceID,
			SubmittedAt: s.SubmittedAt,
		})
		if err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to track transfer", "transfer_id", s.ID, "err", err)
		}
	}

	// A transfer's submitted event is queued before its finished event, so
	// pending submissions are recorded first.
	drainSubmitted := func() {
		for {
			select {
			case t := <-reg.OnTransferSubmitted:
				submitted(t)
			default:
				return
			}
		}
	}

	finished := func(t *registry.Transfer) {
		drainSubmitted()

		s := t.Snapshot()
		ctx := logctx.WithTransferID(ctx, s.ID)
		logger := logctx.LoggerFromContext(ctx)

		finishedAt := time.Now()
		if s.FinishedAt != nil {
			finishedAt = *s.FinishedAt
		}

		err := repo.FinishTransfer(ctx, storage.TransferRecord{
			ID:            s.ID,
			Phase:         s.PhaseName,
			ErrorKind:     string(s.ErrorKind),
			ErrorMessage:  s.Error,
			HashAlgorithm: s.HashAlgorithm,
			HashValue:     s.HashValue,
			ContentLength: s.ContentLength,
			ContentType:   s.ContentType,
			FinishedAt:    &finishedAt,
		})
		if err != nil {
			logger.Error("failed to record transfer outcome", "err", err)
		}

		if err := notif.Notify(ctx, s); err != nil {
			logger.Warn("notification failed", "err", err)
		}
	}

	for {
		select {
		case t := <-reg.OnTransferSubmitted:
			submitted(t)
		case t := <-reg.OnTransferFinished:
			finished(t)
		case <-registryDone:
			drainSubmitted()

			for {
				select {
				case t := <-reg.OnTransferFinished:
					finished(t)
				default:
					return
				}
			}
		}
	}
}
