// Package notifier tells the outside world about finished transfers.
package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/ftransfer/internal/logctx"
	"github.com/italolelis/ftransfer/internal/registry"
	"github.com/italolelis/ftransfer/internal/telemetry"
	"github.com/italolelis/ftransfer/internal/transfer"
)

type Notifier interface {
	Notify(ctx context.Context, s registry.Snapshot) error
}

// Named is a notifier registered under a name used in logs and metrics.
type Named struct {
	Name     string
	Notifier Notifier
}

// Multi sends every event to all notifiers. A failing notifier does not stop
// the others.
type Multi struct {
	notifiers []Named
	telemetry *telemetry.Telemetry
}

func NewMulti(tel *telemetry.Telemetry, notifiers ...Named) *Multi {
	return &Multi{notifiers: notifiers, telemetry: tel}
}

// Len returns the number of registered notifiers.
func (m *Multi) Len() int {
	return len(m.notifiers)
}

func (m *Multi) Notify(ctx context.Context, s registry.Snapshot) error {
	logger := logctx.LoggerFromContext(ctx)

	var errs []error

	for _, n := range m.notifiers {
		err := m.telemetry.InstrumentNotification(ctx, n.Name, func(ctx context.Context) error {
			return n.Notifier.Notify(ctx, s)
		})
		if err != nil {
			logger.Error("failed to send notification", "notifier", n.Name, "transfer_id", s.ID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
		}
	}

	return errors.Join(errs...)
}

// Message renders a one-line human summary of a finished transfer.
func Message(s registry.Snapshot) string {
	verb := "Download"
	if s.Direction == transfer.DirectionUpload {
		verb = "Upload"
	}

	switch s.Phase {
	case transfer.PhaseFinished:
		msg := fmt.Sprintf("✅ %s finished: %s (%s)", verb, s.URL, s.ID)
		if s.ContentLength > 0 {
			msg += ", " + humanize.Bytes(uint64(s.ContentLength))
		}

		return msg
	case transfer.PhaseCancelled:
		return fmt.Sprintf("⏹️ %s cancelled: %s (%s)", verb, s.URL, s.ID)
	default:
		return fmt.Sprintf("❌ %s failed: %s (%s): %s", verb, s.URL, s.ID, s.Error)
	}
}
