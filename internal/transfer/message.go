package transfer

// Message is emitted by a worker while a job runs and routed to the
// transfer with the same id.
type Message interface {
	TransferID() string
}

// State reports a phase change or, in PhaseInProgress, incremental progress
// in [0, 1].
type State struct {
	ID       string  `json:"id"`
	Phase    Phase   `json:"phase"`
	Progress float64 `json:"progress"`
}

func (s State) TransferID() string { return s.ID }

// Metadata is sent once, after the response headers are known and before
// the body is streamed. An empty ContentType means the header was absent.
type Metadata struct {
	ID            string `json:"id"`
	ContentLength int64  `json:"content_length"`
	ContentType   string `json:"content_type,omitempty"`
}

func (m Metadata) TransferID() string { return m.ID }

// Sink receives worker messages. Implementations must be safe for use by
// many writers and must not block for long.
type Sink interface {
	Put(msg Message)
}

// Canceller is the read side of a cancellation flag.
type Canceller interface {
	IsSet() bool
}
