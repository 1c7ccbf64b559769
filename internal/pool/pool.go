// Package pool runs transfer jobs with bounded concurrency, either in
// goroutines of the current process or in worker processes.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/italolelis/ftransfer/internal/logctx"
	"github.com/italolelis/ftransfer/internal/transfer"
	"golang.org/x/sync/semaphore"
)

// Runner executes a single job to completion. Messages go to sink and flag is
// checked by the job at chunk boundaries.
type Runner interface {
	Run(ctx context.Context, job *transfer.Job, sink transfer.Sink, flag *Flag) (*transfer.Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *transfer.Job, sink transfer.Sink, flag *Flag) (*transfer.Result, error)

func (f RunnerFunc) Run(ctx context.Context, job *transfer.Job, sink transfer.Sink, flag *Flag) (*transfer.Result, error) {
	return f(ctx, job, sink, flag)
}

// Future resolves once the job returns.
type Future struct {
	done   chan struct{}
	result *transfer.Result
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(res *transfer.Result, err error) {
	f.result, f.err = res, err
	close(f.done)
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the job returns.
func (f *Future) Result() (*transfer.Result, error) {
	<-f.done

	return f.result, f.err
}

// Pool bounds the number of jobs running at once. Jobs beyond the bound wait
// for a slot; more than maxQueued waiting jobs are rejected.
type Pool struct {
	runner    Runner
	sem       *semaphore.Weighted
	maxQueued int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queued  int
	running int
	closed  bool
}

// New creates a pool that runs at most size jobs at once. A maxQueued of zero
// means waiting jobs are not limited.
func New(ctx context.Context, runner Runner, size, maxQueued int) *Pool {
	if size < 1 {
		size = 1
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Pool{
		runner:    runner,
		sem:       semaphore.NewWeighted(int64(size)),
		maxQueued: maxQueued,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit schedules job. It fails with transfer.ErrSubmission when the pool is
// closed or its wait queue is full; otherwise the job's outcome is delivered
// through the returned future.
func (p *Pool) Submit(job *transfer.Job, sink transfer.Sink, flag *Flag) (*Future, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return nil, fmt.Errorf("%w: pool is closed", transfer.ErrSubmission)
	}

	if p.maxQueued > 0 && p.queued >= p.maxQueued {
		p.mu.Unlock()

		return nil, fmt.Errorf("%w: %d jobs already waiting", transfer.ErrSubmission, p.queued)
	}

	p.queued++
	p.wg.Add(1)
	p.mu.Unlock()

	f := newFuture()

	go p.execute(job, sink, flag, f)

	return f, nil
}

func (p *Pool) execute(job *transfer.Job, sink transfer.Sink, flag *Flag, f *Future) {
	defer p.wg.Done()

	ctx := logctx.WithTransferID(p.ctx, job.ID)
	logger := logctx.LoggerFromContext(ctx)

	stop := context.AfterFunc(ctx, flag.Set)
	defer stop()

	err := p.sem.Acquire(ctx, 1)

	p.mu.Lock()
	p.queued--
	if err == nil {
		p.running++
	}
	p.mu.Unlock()

	if err != nil {
		f.resolve(nil, fmt.Errorf("%w: pool shut down before the job started", transfer.ErrCancelled))

		return
	}

	defer func() {
		p.sem.Release(1)

		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	if flag.IsSet() {
		f.resolve(nil, transfer.ErrCancelled)

		return
	}

	res, err := p.run(ctx, job, sink, flag)
	if err != nil {
		logger.DebugContext(ctx, "job failed", "err", err)
	}

	f.resolve(res, err)
}

func (p *Pool) run(ctx context.Context, job *transfer.Job, sink transfer.Sink, flag *Flag) (res *transfer.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("worker panicked: %v", r)
		}
	}()

	return p.runner.Run(ctx, job, sink, flag)
}

// Stats returns the number of waiting and running jobs.
func (p *Pool) Stats() (queued, running int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.queued, p.running
}

// Close stops accepting jobs, cancels the ones in flight and waits for all of
// them to return.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
