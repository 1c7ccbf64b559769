package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/italolelis/ftransfer/internal/logctx"
	"github.com/italolelis/ftransfer/internal/transfer"
	"github.com/italolelis/ftransfer/internal/worker"
)

const (
	envelopeState    = "state"
	envelopeMetadata = "metadata"
	envelopeResult   = "result"
	envelopeError    = "error"

	opCancel = "cancel"

	// DefaultGracePeriod is how long a worker process may take to unwind after
	// an interrupt before it is killed.
	DefaultGracePeriod = 5 * time.Second
)

// envelope is one line of worker process output.
type envelope struct {
	Type     string             `json:"type"`
	State    *transfer.State    `json:"state,omitempty"`
	Metadata *transfer.Metadata `json:"metadata,omitempty"`
	Result   *transfer.Result   `json:"result,omitempty"`
	Error    *failure           `json:"error,omitempty"`
}

// control is one line of worker process input after the job.
type control struct {
	Op string `json:"op"`
}

// failure is the serialized form of a worker error.
type failure struct {
	Kind       transfer.Kind `json:"kind"`
	Message    string        `json:"message"`
	StatusCode int           `json:"status_code,omitempty"`
	Status     string        `json:"status,omitempty"`
}

func failureOf(err error) *failure {
	f := &failure{Kind: transfer.KindOf(err), Message: err.Error()}

	var statusErr *transfer.HTTPStatusError
	if errors.As(err, &statusErr) {
		f.StatusCode = statusErr.StatusCode
		f.Status = statusErr.Status
	}

	return f
}

func (f *failure) err() error {
	if f.Kind == transfer.KindHTTPStatus && f.StatusCode > 0 {
		return &transfer.HTTPStatusError{StatusCode: f.StatusCode, Status: f.Status}
	}

	return &transfer.RemoteError{Kind: f.Kind, Message: f.Message}
}

// ProcessRunner runs every job in a fresh worker process. The job is written
// as one JSON line to the child's stdin, a cancel line follows when the flag
// is set, and the child answers with JSON envelopes on stdout.
type ProcessRunner struct {
	Path        string
	Args        []string
	Env         []string
	Stderr      io.Writer
	GracePeriod time.Duration
}

// NewProcessRunner re-executes the running binary with the worker subcommand.
func NewProcessRunner() (*ProcessRunner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}

	return &ProcessRunner{Path: exe, Args: []string{"worker"}}, nil
}

func (r *ProcessRunner) Run(ctx context.Context, job *transfer.Job, sink transfer.Sink, flag *Flag) (*transfer.Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	cmd := exec.CommandContext(ctx, r.Path, r.Args...)
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stderr = r.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = r.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGracePeriod
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	logger.DebugContext(ctx, "worker process started", "pid", cmd.Process.Pid)

	enc := json.NewEncoder(stdin)
	if err := enc.Encode(job); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()

		return nil, fmt.Errorf("failed to send job to worker: %w", err)
	}

	finished := make(chan struct{})

	go func() {
		select {
		case <-flag.Done():
			if err := enc.Encode(control{Op: opCancel}); err != nil {
				logger.DebugContext(ctx, "failed to forward cancellation", "err", err)
			}
		case <-finished:
		}
	}()

	res, fail, readErr := readEnvelopes(stdout, sink)
	close(finished)

	waitErr := cmd.Wait()

	switch {
	case fail != nil:
		return nil, fail.err()
	case res != nil:
		return res, nil
	case readErr != nil:
		return nil, readErr
	case flag.IsSet():
		return nil, transfer.ErrCancelled
	case waitErr != nil:
		return nil, fmt.Errorf("worker process exited without a result: %w", waitErr)
	}

	return nil, errors.New("worker process exited without a result")
}

// readEnvelopes forwards progress envelopes to sink until stdout is closed
// and returns the terminal envelope, if any.
func readEnvelopes(stdout io.Reader, sink transfer.Sink) (*transfer.Result, *failure, error) {
	dec := json.NewDecoder(stdout)

	var (
		res  *transfer.Result
		fail *failure
	)

	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) {
				return res, fail, nil
			}

			_, _ = io.Copy(io.Discard, stdout)

			return res, fail, fmt.Errorf("failed to decode worker output: %w", err)
		}

		switch env.Type {
		case envelopeState:
			if env.State != nil {
				sink.Put(*env.State)
			}
		case envelopeMetadata:
			if env.Metadata != nil {
				sink.Put(*env.Metadata)
			}
		case envelopeResult:
			res = env.Result
		case envelopeError:
			fail = env.Error
		}
	}
}

// envelopeWriter is the worker side sink. Uploads report progress from the
// HTTP transport goroutine, so writes are serialized.
type envelopeWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

func (w *envelopeWriter) write(env envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(env); err != nil && w.err == nil {
		w.err = err
	}

	return w.err
}

func (w *envelopeWriter) Put(msg transfer.Message) {
	switch m := msg.(type) {
	case transfer.State:
		_ = w.write(envelope{Type: envelopeState, State: &m})
	case transfer.Metadata:
		_ = w.write(envelope{Type: envelopeMetadata, Metadata: &m})
	}
}

// ServeWorker is the entrypoint of a worker process. It reads one job from
// in, runs it and writes envelopes to out. A cancel line, the end of in or
// the cancellation of ctx raise the job's cancellation flag.
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer) error {
	dec := json.NewDecoder(in)

	var job transfer.Job
	if err := dec.Decode(&job); err != nil {
		return fmt.Errorf("failed to read job: %w", err)
	}

	ctx = logctx.WithTransferID(ctx, job.ID)
	logger := logctx.LoggerFromContext(ctx)

	flag := NewFlag()

	go func() {
		for {
			var c control
			if err := dec.Decode(&c); err != nil {
				flag.Set()

				return
			}

			if c.Op == opCancel {
				logger.DebugContext(ctx, "cancellation requested")
				flag.Set()
			}
		}
	}()

	stop := context.AfterFunc(ctx, flag.Set)
	defer stop()

	w := &envelopeWriter{enc: json.NewEncoder(out)}

	// The flag carries cancellation; the request itself is not aborted.
	res, err := worker.Run(context.WithoutCancel(ctx), w, flag, &job)
	if err != nil {
		logger.DebugContext(ctx, "job failed", "err", err)

		return w.write(envelope{Type: envelopeError, Error: failureOf(err)})
	}

	return w.write(envelope{Type: envelopeResult, Result: res})
}
