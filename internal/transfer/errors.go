package transfer

import (
	"errors"
	"fmt"

	"github.com/italolelis/ftransfer/internal/aesgcm"
)

var (
	ErrCancelled                = errors.New("transfer cancelled")
	ErrHTTPStatus               = errors.New("http status error")
	ErrMissingContentLength     = errors.New("no content length available")
	ErrOverflow                 = errors.New("received more data than declared")
	ErrMaxContentLengthExceeded = errors.New("max content length exceeded")
	ErrContentTypeNotAllowed    = errors.New("content type not allowed")
	ErrInvalidHash              = errors.New("invalid hash")
	ErrAuthentication           = aesgcm.ErrAuthentication
	ErrTransport                = errors.New("transport error")
	ErrSubmission               = errors.New("transfer could not be submitted")
	ErrNotReady                 = errors.New("transfer not finished")
	ErrEmptyResult              = errors.New("no content received")
)

// Kind classifies an error so it can cross a process boundary and be
// matched by presentation code.
type Kind string

const (
	KindUnknown                  Kind = "unknown"
	KindCancelled                Kind = "cancelled"
	KindHTTPStatus               Kind = "http_status"
	KindMissingContentLength     Kind = "missing_content_length"
	KindOverflow                 Kind = "overflow"
	KindMaxContentLengthExceeded Kind = "max_content_length_exceeded"
	KindContentTypeNotAllowed    Kind = "content_type_not_allowed"
	KindInvalidHash              Kind = "invalid_hash"
	KindAuthentication           Kind = "authentication"
	KindTransport                Kind = "transport"
	KindSubmission               Kind = "submission"
	KindNotReady                 Kind = "not_ready"
	KindEmptyResult              Kind = "empty_result"
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindCancelled, ErrCancelled},
	{KindHTTPStatus, ErrHTTPStatus},
	{KindMissingContentLength, ErrMissingContentLength},
	{KindOverflow, ErrOverflow},
	{KindMaxContentLengthExceeded, ErrMaxContentLengthExceeded},
	{KindContentTypeNotAllowed, ErrContentTypeNotAllowed},
	{KindInvalidHash, ErrInvalidHash},
	{KindAuthentication, ErrAuthentication},
	{KindTransport, ErrTransport},
	{KindSubmission, ErrSubmission},
	{KindNotReady, ErrNotReady},
	{KindEmptyResult, ErrEmptyResult},
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}

	return KindUnknown
}

// Sentinel returns the sentinel error for k, or nil for KindUnknown.
func (k Kind) Sentinel() error {
	for _, ks := range kindSentinels {
		if ks.kind == k {
			return ks.err
		}
	}

	return nil
}

// HTTPStatusError is returned when the server answers with a non 2xx status.
type HTTPStatusError struct {
	StatusCode int    // HTTP status code
	Status     string // Reason phrase as sent by the server
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%d %s", e.StatusCode, e.Status)
}

func (e *HTTPStatusError) Unwrap() error {
	return ErrHTTPStatus
}

// RemoteError is an error rebuilt from a worker process. It keeps the kind
// so errors.Is matches the same sentinels as an in-process failure.
type RemoteError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Kind.Sentinel()
}
