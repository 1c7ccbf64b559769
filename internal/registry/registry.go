// Package registry owns every active transfer. A single control goroutine,
// started with Run, submits jobs, routes worker messages to their transfer
// and finalizes transfers when their job returns.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/ftransfer/internal/aesgcm"
	"github.com/italolelis/ftransfer/internal/logctx"
	"github.com/italolelis/ftransfer/internal/pool"
	"github.com/italolelis/ftransfer/internal/telemetry"
	"github.com/italolelis/ftransfer/internal/transfer"
	"github.com/italolelis/ftransfer/internal/worker"
)

const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultShutdownTimeout = 10 * time.Second
	defaultEventBuffer     = 64
)

// Submitter schedules jobs. *pool.Pool implements it.
type Submitter interface {
	Submit(job *transfer.Job, sink transfer.Sink, flag *pool.Flag) (*pool.Future, error)
}

// Config tunes a Registry. Client holds the defaults for every job.
type Config struct {
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	Client          transfer.ClientOptions
	EventBuffer     int
}

// Input is the content of an upload: a file path or bytes.
type Input struct {
	Path string
	Data []byte
}

// FromFile uploads the file at path.
func FromFile(path string) Input { return Input{Path: path} }

// FromBytes uploads b.
func FromBytes(b []byte) Input { return Input{Data: b} }

// Registry tracks transfers by id and guarantees at most one active transfer
// per id.
type Registry struct {
	submitter Submitter
	telemetry *telemetry.Telemetry
	cfg       Config
	queue     *pool.Queue

	calls   chan func(context.Context)
	stopped chan struct{}
	closing bool

	mu        sync.RWMutex
	transfers map[string]*Transfer

	// Lifecycle events. Sends never block the control goroutine; an event is
	// dropped when nobody keeps up.
	OnTransferSubmitted chan *Transfer
	OnTransferFinished  chan *Transfer
}

func New(submitter Submitter, tel *telemetry.Telemetry, cfg Config) *Registry {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	return &Registry{
		submitter:           submitter,
		telemetry:           tel,
		cfg:                 cfg,
		queue:               pool.NewQueue(),
		calls:               make(chan func(context.Context)),
		stopped:             make(chan struct{}),
		transfers:           make(map[string]*Transfer),
		OnTransferSubmitted: make(chan *Transfer, cfg.EventBuffer),
		OnTransferFinished:  make(chan *Transfer, cfg.EventBuffer),
	}
}

// Run is the control loop. It returns after ctx is cancelled and the active
// transfers were cancelled and finalized, or the shutdown timeout elapsed.
// Finished callbacks run on this goroutine and must not call Download or
// Upload synchronously.
func (r *Registry) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	defer close(r.stopped)

	logger.Info("transfer registry started", "poll_interval", r.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			r.shutdown(context.WithoutCancel(ctx), ticker)

			return nil
		case <-ticker.C:
			r.poll(ctx)
		case fn := <-r.calls:
			fn(ctx)
		}
	}
}

func (r *Registry) shutdown(ctx context.Context, ticker *time.Ticker) {
	logger := logctx.LoggerFromContext(ctx)

	r.closing = true

	if len(r.transfers) == 0 {
		logger.Info("transfer registry stopped")

		return
	}

	logger.Info("cancelling active transfers", "count", len(r.transfers))

	for _, t := range r.transfers {
		t.Cancel()
	}

	timeout := time.NewTimer(r.cfg.ShutdownTimeout)
	defer timeout.Stop()

	for len(r.transfers) > 0 {
		select {
		case <-timeout.C:
			logger.Warn("transfers still running at shutdown", "count", len(r.transfers))

			return
		case <-ticker.C:
			r.poll(ctx)
		case fn := <-r.calls:
			fn(ctx)
		}
	}

	logger.Info("transfer registry stopped")
}

// do runs fn on the control goroutine and waits for it.
func (r *Registry) do(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})

	call := func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}

	select {
	case r.calls <- call:
	case <-r.stopped:
		return fmt.Errorf("%w: registry stopped", transfer.ErrSubmission)
	case <-ctx.Done():
		return ctx.Err()
	}

	<-done

	return nil
}

// Get returns the active transfer with id.
func (r *Registry) Get(id string) (*Transfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transfers[id]

	return t, ok
}

// Active returns every active transfer.
func (r *Registry) Active() []*Transfer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Transfer, 0, len(r.transfers))
	for _, t := range r.transfers {
		out = append(out, t)
	}

	return out
}

// Download submits a download of rawURL. An aesgcm:// URL is rewritten to
// https and its fragment becomes the decryption key. Errors are returned only
// when no transfer could be created; failures of the transfer itself are
// delivered through the handle.
func (r *Registry) Download(ctx context.Context, rawURL string, opts ...Option) (*Transfer, error) {
	o := collect(opts)

	url, kd, err := aesgcm.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse download url: %w", err)
	}

	if kd == nil {
		kd = o.key
	}

	if err := validate(o, kd); err != nil {
		return nil, err
	}

	job := &transfer.Job{
		ID:     o.id,
		Client: r.clientOptions(o),
		Download: &transfer.DownloadRequest{
			URL:                 url,
			Output:              o.output,
			WithProgress:        o.withProgress,
			MaxContentLength:    o.maxContentLength,
			AllowedContentTypes: o.allowedContentTypes,
			HashAlgorithm:       o.hashAlgorithm,
			HashValue:           o.hashValue,
			Decryption:          kd,
		},
	}

	return r.submit(ctx, job, o)
}

// Upload submits a PUT of input to url.
func (r *Registry) Upload(ctx context.Context, url, contentType string, input Input, opts ...Option) (*Transfer, error) {
	o := collect(opts)

	if err := validate(o, o.key); err != nil {
		return nil, err
	}

	if input.Path != "" && input.Data != nil {
		return nil, errors.New("upload input has both a path and data")
	}

	job := &transfer.Job{
		ID:     o.id,
		Client: r.clientOptions(o),
		Upload: &transfer.UploadRequest{
			URL:          url,
			ContentType:  contentType,
			InputPath:    input.Path,
			Data:         input.Data,
			Headers:      o.headers,
			WithProgress: o.withProgress,
			Encryption:   o.key,
		},
	}

	return r.submit(ctx, job, o)
}

func collect(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.id == "" {
		o.id = uuid.NewString()
	}

	return o
}

func validate(o *options, kd *aesgcm.KeyData) error {
	if _, _, err := worker.NewHash(o.hashAlgorithm); err != nil {
		return err
	}

	if kd != nil {
		if err := kd.Validate(); err != nil {
			return fmt.Errorf("invalid key material: %w", err)
		}
	}

	return nil
}

func (r *Registry) clientOptions(o *options) transfer.ClientOptions {
	c := r.cfg.Client

	if o.proxy != "" {
		c.Proxy = o.proxy
	}

	if o.timeout > 0 {
		c.Timeout = o.timeout
	}

	if o.userAgent != "" {
		c.UserAgent = o.userAgent
	}

	return c
}

func (r *Registry) submit(ctx context.Context, job *transfer.Job, o *options) (*Transfer, error) {
	var (
		t         *Transfer
		submitErr error
	)

	err := r.do(ctx, func(ctx context.Context) {
		ctx = logctx.WithTransferID(ctx, job.ID)
		logger := logctx.LoggerFromContext(ctx)

		if existing, ok := r.transfers[job.ID]; ok {
			logger.DebugContext(ctx, "transfer already active")

			t = existing

			return
		}

		if r.closing {
			submitErr = fmt.Errorf("%w: registry is shutting down", transfer.ErrSubmission)

			return
		}

		flag := pool.NewFlag()

		future, err := r.submitter.Submit(job, r.queue, flag)
		if err != nil {
			logger.ErrorContext(ctx, "failed to submit transfer", "direction", job.Direction(), "err", err)
			r.telemetry.RecordSubmissionError(string(job.Direction()))

			submitErr = err

			return
		}

		t = newTransfer(job, flag, o.userData)
		if o.callback != nil {
			t.OnFinished(o.callback)
		}

		r.mu.Lock()
		r.transfers[job.ID] = t
		r.mu.Unlock()

		r.telemetry.RecordTransferStarted(string(job.Direction()))

		logger.InfoContext(ctx, "transfer submitted", "direction", job.Direction(), "url", t.URL())

		go r.await(t, future)

		select {
		case r.OnTransferSubmitted <- t:
		default:
			logger.WarnContext(ctx, "dropping submitted event, no reader keeps up")
		}
	})
	if err != nil {
		return nil, err
	}

	if submitErr != nil {
		return nil, submitErr
	}

	return t, nil
}

// await waits for the job off the control goroutine and hands the outcome
// back to it.
func (r *Registry) await(t *Transfer, future *pool.Future) {
	res, err := future.Result()

	select {
	case r.calls <- func(ctx context.Context) { r.complete(ctx, t, res, err) }:
	case <-r.stopped:
	}
}

// complete flushes the messages still in flight, finalizes t and forgets it.
func (r *Registry) complete(ctx context.Context, t *Transfer, res *transfer.Result, err error) {
	ctx = logctx.WithTransferID(ctx, t.ID())
	logger := logctx.LoggerFromContext(ctx)

	r.poll(ctx)

	if err == nil && res == nil {
		err = errors.New("worker returned neither a result nor an error")
	}

	var size int64

	if err != nil {
		if t.Direction() == transfer.DirectionDownload && t.Output() != "" {
			if rmErr := os.Remove(t.Output()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				logger.ErrorContext(ctx, "failed to remove partial download", "path", t.Output(), "err", rmErr)
			}
		}

		if errors.Is(err, transfer.ErrCancelled) {
			logger.InfoContext(ctx, "transfer cancelled")
		} else {
			logger.ErrorContext(ctx, "transfer failed", "kind", transfer.KindOf(err), "err", err)
		}

		t.fail(err)
	} else {
		if res.Download != nil {
			size = res.Download.ContentLength
		}

		logger.InfoContext(ctx, "transfer finished",
			"direction", t.Direction(),
			"size", humanize.Bytes(uint64(size)),
			"duration", time.Since(t.SubmittedAt()).Round(time.Millisecond))

		t.finish(res)
	}

	r.mu.Lock()
	delete(r.transfers, t.ID())
	r.mu.Unlock()

	r.telemetry.RecordTransferFinished(string(t.Direction()), t.Phase().String(), time.Since(t.SubmittedAt()), size)

	select {
	case r.OnTransferFinished <- t:
	default:
		logger.WarnContext(ctx, "dropping finished event, no reader keeps up")
	}
}

// poll drains the queue without blocking and applies each transfer's
// messages in the order they were emitted.
func (r *Registry) poll(ctx context.Context) {
	msgs := r.queue.Drain()
	if len(msgs) == 0 {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	batches := make(map[string][]transfer.Message)
	order := make([]string, 0)

	for _, m := range msgs {
		id := m.TransferID()
		if _, ok := batches[id]; !ok {
			order = append(order, id)
		}

		batches[id] = append(batches[id], m)
	}

	for _, id := range order {
		t, ok := r.transfers[id]
		if !ok {
			logger.WarnContext(ctx, "dropping messages for unknown transfer", "transfer_id", id, "count", len(batches[id]))
			r.telemetry.RecordDroppedMessages(len(batches[id]))

			continue
		}

		t.apply(batches[id])
	}
}
