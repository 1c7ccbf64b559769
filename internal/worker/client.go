package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/StalkR/hsts"
	"github.com/italolelis/ftransfer/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"
)

const (
	// DefaultTimeout bounds connecting, the TLS handshake, waiting for
	// response headers and the gap between two body reads.
	DefaultTimeout = 10 * time.Second

	// DefaultUserAgent is sent when the job does not set one.
	DefaultUserAgent = "ftransfer/1.0"
)

var errStalled = errors.New("no data received within timeout")

// NewClient builds the HTTP client for one job. TLS certificates are
// verified against the system trust store and HTTP/2 is negotiated when the
// server supports it.
func NewClient(opts transfer.ClientOptions, followRedirects bool) (*http.Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	proxy, err := proxyFunc(opts.Proxy)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	tr := &http.Transport{
		Proxy:                 proxy,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       30 * time.Second,
		MaxIdleConns:          4,
		// The declared Content-Length and the hashed bytes must be the wire bytes.
		DisableCompression: true,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("failed to configure http2: %w", err)
	}

	client := &http.Client{
		Transport: otelhttp.NewTransport(hsts.New(tr)),
	}

	if !followRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return client, nil
}

func proxyFunc(proxy string) (func(*http.Request) (*url.URL, error), error) {
	switch proxy {
	case transfer.DirectProxy:
		return nil, nil
	case "":
		return http.ProxyFromEnvironment, nil
	}

	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy uri: %w", err)
	}

	return http.ProxyURL(u), nil
}

// flagPollInterval is how often a flag without a Done channel is checked
// while a request is in flight.
const flagPollInterval = 50 * time.Millisecond

// doneSignaller is implemented by flags that can announce being set.
type doneSignaller interface {
	Done() <-chan struct{}
}

// stallGuard cancels the request context when the connection makes no
// progress for longer than the timeout, or when the cancellation flag is set
// while the request is blocked.
type stallGuard struct {
	ctx     context.Context
	timer   *time.Timer
	timeout time.Duration
}

func newStallGuard(ctx context.Context, timeout time.Duration, flag transfer.Canceller) (*stallGuard, context.Context, func()) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(timeout, func() { cancel(errStalled) })
	timer.Stop()

	watchFlag(ctx, flag, func() { cancel(transfer.ErrCancelled) })

	g := &stallGuard{ctx: ctx, timer: timer, timeout: timeout}

	return g, ctx, func() {
		timer.Stop()
		cancel(nil)
	}
}

// touch restarts the stall timer.
func (g *stallGuard) touch() {
	g.timer.Reset(g.timeout)
}

func (g *stallGuard) pause() {
	g.timer.Stop()
}

func (g *stallGuard) reader(r io.Reader) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		g.touch()
		n, err := r.Read(p)
		g.pause()

		return n, err
	})
}

// transportError wraps an error from the HTTP layer, preferring the cause
// recorded by the guard.
func (g *stallGuard) transportError(err error) error {
	cause := context.Cause(g.ctx)

	switch {
	case errors.Is(cause, transfer.ErrCancelled):
		return transfer.ErrCancelled
	case errors.Is(cause, errStalled):
		return fmt.Errorf("%w: %w", transfer.ErrTransport, errStalled)
	}

	return fmt.Errorf("%w: %w", transfer.ErrTransport, err)
}

// watchFlag calls cancel once the flag is set, until ctx is done.
func watchFlag(ctx context.Context, flag transfer.Canceller, cancel func()) {
	if flag == nil {
		return
	}

	if d, ok := flag.(doneSignaller); ok {
		go func() {
			select {
			case <-d.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		return
	}

	go func() {
		ticker := time.NewTicker(flagPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if flag.IsSet() {
					cancel()

					return
				}
			}
		}
	}()
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func reasonPhrase(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	return reason
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &transfer.HTTPStatusError{StatusCode: resp.StatusCode, Status: reasonPhrase(resp)}
	}

	return nil
}
