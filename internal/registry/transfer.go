package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/ftransfer/internal/pool"
	"github.com/italolelis/ftransfer/internal/transfer"
)

// Changes is the set of properties one batch of messages modified.
type Changes uint8

const (
	ChangedPhase Changes = 1 << iota
	ChangedProgress
	ChangedMetadata
)

// Has reports whether c contains all of other.
func (c Changes) Has(other Changes) bool {
	return c&other == other
}

// Transfer is the handle of one job. Only the registry's control goroutine
// writes to it; every reader sees a consistent value through the accessors.
// A handle stays readable after the registry forgot the transfer.
type Transfer struct {
	id          string
	direction   transfer.Direction
	url         string
	output      string
	flag        *pool.Flag
	submittedAt time.Time

	mu         sync.RWMutex
	phase      transfer.Phase
	progress   float64
	metadata   *transfer.Metadata
	result     *transfer.Result
	err        error
	userData   any
	finishedAt time.Time
	onFinished []func(*Transfer)
	onChange   []func(*Transfer, Changes)

	done chan struct{}
}

func newTransfer(job *transfer.Job, flag *pool.Flag, userData any) *Transfer {
	t := &Transfer{
		id:          job.ID,
		direction:   job.Direction(),
		flag:        flag,
		submittedAt: time.Now(),
		phase:       transfer.PhaseCreated,
		userData:    userData,
		done:        make(chan struct{}),
	}

	switch {
	case job.Download != nil:
		t.url = job.Download.URL
		t.output = job.Download.Output
	case job.Upload != nil:
		t.url = job.Upload.URL
		t.output = job.Upload.InputPath
	}

	return t
}

func (t *Transfer) ID() string                    { return t.id }
func (t *Transfer) Direction() transfer.Direction { return t.direction }
func (t *Transfer) SubmittedAt() time.Time        { return t.submittedAt }

// URL is the request URL without key material.
func (t *Transfer) URL() string { return t.url }

// Output is the destination file of a download or the input file of an
// upload. It is empty for in-memory transfers.
func (t *Transfer) Output() string { return t.output }

// Cancel asks the worker to stop at the next chunk boundary. The phase only
// changes once the worker has unwound.
func (t *Transfer) Cancel() {
	t.flag.Set()
}

// Cancelled reports whether Cancel was called.
func (t *Transfer) Cancelled() bool {
	return t.flag.IsSet()
}

func (t *Transfer) Phase() transfer.Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.phase
}

func (t *Transfer) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.progress
}

// Metadata returns the response metadata, or nil before the headers arrived.
func (t *Transfer) Metadata() *transfer.Metadata {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.metadata == nil {
		return nil
	}

	md := *t.metadata

	return &md
}

func (t *Transfer) UserData() any {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.userData
}

func (t *Transfer) SetUserData(v any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.userData = v
}

// Done is closed after the transfer reached a terminal phase.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// IsFinished reports whether the transfer completed successfully.
func (t *Transfer) IsFinished() bool {
	return t.Phase() == transfer.PhaseFinished
}

// Err returns the failure of a terminal transfer, ErrNotReady before that.
func (t *Transfer) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.phase.IsTerminal() {
		return transfer.ErrNotReady
	}

	return t.err
}

// Download returns the download outcome. With requireContent, a download
// that produced no in-memory content fails with ErrEmptyResult.
func (t *Transfer) Download(requireContent bool) (*transfer.DownloadResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.err != nil {
		return nil, t.err
	}

	if !t.phase.IsTerminal() {
		return nil, transfer.ErrNotReady
	}

	if t.result == nil || t.result.Download == nil {
		if requireContent {
			return nil, fmt.Errorf("%w: no download result available", transfer.ErrNotReady)
		}

		return nil, nil
	}

	if requireContent && len(t.result.Download.Content) == 0 {
		return nil, transfer.ErrEmptyResult
	}

	return t.result.Download, nil
}

// Upload returns the upload outcome.
func (t *Transfer) Upload() (*transfer.UploadResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.err != nil {
		return nil, t.err
	}

	if !t.phase.IsTerminal() {
		return nil, transfer.ErrNotReady
	}

	if t.result == nil || t.result.Upload == nil {
		return nil, fmt.Errorf("%w: no upload result available", transfer.ErrNotReady)
	}

	return t.result.Upload, nil
}

// OnFinished registers fn to run once, on the registry's control goroutine,
// after the terminal phase is set. If the transfer already finished, fn runs
// immediately on the caller's goroutine.
func (t *Transfer) OnFinished(fn func(*Transfer)) {
	t.mu.Lock()
	if !t.phase.IsTerminal() {
		t.onFinished = append(t.onFinished, fn)
		t.mu.Unlock()

		return
	}
	t.mu.Unlock()

	fn(t)
}

// OnChange registers fn to run on the control goroutine after a batch of
// worker messages changed at least one property.
func (t *Transfer) OnChange(fn func(*Transfer, Changes)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.onChange = append(t.onChange, fn)
}

// apply folds a batch of messages and notifies once for the properties that
// actually changed. Progress is only taken from in-progress states.
func (t *Transfer) apply(msgs []transfer.Message) Changes {
	t.mu.Lock()

	if t.phase.IsTerminal() {
		t.mu.Unlock()

		return 0
	}

	oldPhase, oldProgress := t.phase, t.progress

	var changed Changes

	for _, msg := range msgs {
		switch m := msg.(type) {
		case transfer.Metadata:
			if t.metadata != nil && *t.metadata == m {
				continue
			}

			md := m
			t.metadata = &md
			changed |= ChangedMetadata
		case transfer.State:
			if m.Phase.IsTerminal() {
				continue
			}

			t.phase = m.Phase
			if m.Phase == transfer.PhaseInProgress && m.Progress >= t.progress {
				t.progress = m.Progress
			}
		}
	}

	if t.phase != oldPhase {
		changed |= ChangedPhase
	}

	if t.progress != oldProgress {
		changed |= ChangedProgress
	}

	observers := t.onChange
	t.mu.Unlock()

	if changed != 0 {
		for _, fn := range observers {
			fn(t, changed)
		}
	}

	return changed
}

func (t *Transfer) finish(res *transfer.Result) {
	t.terminate(transfer.PhaseFinished, res, nil)
}

// fail stores err. A cancellation ends in PhaseCancelled, anything else in
// PhaseError.
func (t *Transfer) fail(err error) {
	phase := transfer.PhaseError
	if errors.Is(err, transfer.ErrCancelled) {
		phase = transfer.PhaseCancelled
	}

	t.terminate(phase, nil, err)
}

func (t *Transfer) terminate(phase transfer.Phase, res *transfer.Result, err error) {
	t.mu.Lock()

	if t.phase.IsTerminal() {
		t.mu.Unlock()

		panic(fmt.Sprintf("registry: transfer %s finalized twice", t.id))
	}

	oldPhase := t.phase
	t.phase = phase
	t.result = res
	t.err = err
	t.finishedAt = time.Now()

	if phase == transfer.PhaseFinished {
		t.progress = 1
	}

	finished := t.onFinished
	changes := t.onChange
	t.onFinished = nil
	t.mu.Unlock()

	close(t.done)

	if oldPhase != phase {
		for _, fn := range changes {
			fn(t, ChangedPhase)
		}
	}

	for _, fn := range finished {
		fn(t)
	}
}

// Snapshot is a point-in-time copy of a transfer for presentation code.
type Snapshot struct {
	ID            string             `json:"id"`
	Direction     transfer.Direction `json:"direction"`
	URL           string             `json:"url"`
	Output        string             `json:"output,omitempty"`
	Phase         transfer.Phase     `json:"phase"`
	PhaseName     string             `json:"phase_name"`
	Progress      float64            `json:"progress"`
	ContentLength int64              `json:"content_length,omitempty"`
	ContentType   string             `json:"content_type,omitempty"`
	HashAlgorithm string             `json:"hash_algorithm,omitempty"`
	HashValue     string             `json:"hash_value,omitempty"`
	StatusCode    int                `json:"status_code,omitempty"`
	ErrorKind     transfer.Kind      `json:"error_kind,omitempty"`
	Error         string             `json:"error,omitempty"`
	SubmittedAt   time.Time          `json:"submitted_at"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
}

func (t *Transfer) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		ID:          t.id,
		Direction:   t.direction,
		URL:         t.url,
		Output:      t.output,
		Phase:       t.phase,
		PhaseName:   t.phase.String(),
		Progress:    t.progress,
		SubmittedAt: t.submittedAt,
	}

	if t.metadata != nil {
		s.ContentLength = t.metadata.ContentLength
		s.ContentType = t.metadata.ContentType
	}

	if t.result != nil {
		switch {
		case t.result.Download != nil:
			s.HashAlgorithm = t.result.Download.HashAlgorithm
			s.HashValue = t.result.Download.HashValue
		case t.result.Upload != nil:
			s.HashAlgorithm = t.result.Upload.HashAlgorithm
			s.HashValue = t.result.Upload.HashValue
			s.StatusCode = t.result.Upload.StatusCode
		}
	}

	if t.err != nil {
		s.ErrorKind = transfer.KindOf(t.err)
		s.Error = t.err.Error()

		var statusErr *transfer.HTTPStatusError
		if errors.As(t.err, &statusErr) {
			s.StatusCode = statusErr.StatusCode
		}
	}

	if !t.finishedAt.IsZero() {
		f := t.finishedAt
		s.FinishedAt = &f
	}

	return s
}
