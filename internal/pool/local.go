package pool

import (
	"context"

	"github.com/italolelis/ftransfer/internal/transfer"
	"github.com/italolelis/ftransfer/internal/worker"
)

// LocalRunner runs jobs in the calling goroutine of the current process.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, job *transfer.Job, sink transfer.Sink, flag *Flag) (*transfer.Result, error) {
	return worker.Run(ctx, sink, flag, job)
}
