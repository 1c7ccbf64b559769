package registry

import (
	"time"

	"github.com/italolelis/ftransfer/internal/aesgcm"
)

type options struct {
	id                  string
	output              string
	withProgress        bool
	maxContentLength    int64
	allowedContentTypes []string
	hashAlgorithm       string
	hashValue           string
	proxy               string
	timeout             time.Duration
	userAgent           string
	headers             map[string]string
	key                 *aesgcm.KeyData
	userData            any
	callback            func(*Transfer)
}

// Option customizes a single submission.
type Option func(*options)

// WithID sets the transfer id. Submitting an id that is still active returns
// the existing transfer.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithOutput writes a download to path instead of memory.
func WithOutput(path string) Option {
	return func(o *options) { o.output = path }
}

// WithProgress enables per-chunk progress reports.
func WithProgress() Option {
	return func(o *options) { o.withProgress = true }
}

// WithMaxContentLength rejects downloads that declare more than n bytes.
func WithMaxContentLength(n int64) Option {
	return func(o *options) { o.maxContentLength = n }
}

// WithAllowedContentTypes rejects downloads whose Content-Type is missing or
// not one of types.
func WithAllowedContentTypes(types ...string) Option {
	return func(o *options) { o.allowedContentTypes = types }
}

// WithHash selects the digest algorithm and, when value is not empty, the
// expected hex digest of the content.
func WithHash(algorithm, value string) Option {
	return func(o *options) {
		o.hashAlgorithm = algorithm
		o.hashValue = value
	}
}

// WithProxy overrides the registry proxy. Use transfer.DirectProxy to bypass
// every proxy.
func WithProxy(uri string) Option {
	return func(o *options) { o.proxy = uri }
}

// WithTimeout overrides the connect and read timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithHeaders adds request headers to an upload.
func WithHeaders(h map[string]string) Option {
	return func(o *options) { o.headers = h }
}

// WithKey encrypts an upload or decrypts a download. For downloads an
// aesgcm:// URL carries the key itself.
func WithKey(kd *aesgcm.KeyData) Option {
	return func(o *options) { o.key = kd }
}

// WithUserData attaches an arbitrary value to the transfer.
func WithUserData(v any) Option {
	return func(o *options) { o.userData = v }
}

// WithCallback runs fn once the transfer finished. It is ignored when the id
// is already active.
func WithCallback(fn func(*Transfer)) Option {
	return func(o *options) { o.callback = fn }
}
