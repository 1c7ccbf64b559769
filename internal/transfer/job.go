package transfer

import (
	"time"

	"github.com/italolelis/ftransfer/internal/aesgcm"
)

// DirectProxy bypasses every proxy setting, including the environment.
const DirectProxy = "direct://"

// ClientOptions configure the HTTP client a worker builds for one job.
type ClientOptions struct {
	Timeout   time.Duration `json:"timeout"`
	UserAgent string        `json:"user_agent,omitempty"`
	// Proxy is a proxy URI, DirectProxy, or empty to follow the environment.
	Proxy string `json:"proxy,omitempty"`
}

// DownloadRequest describes one download. When Output is empty the content
// is kept in memory and returned in the result.
type DownloadRequest struct {
	URL                 string          `json:"url"`
	Output              string          `json:"output,omitempty"`
	WithProgress        bool            `json:"with_progress"`
	MaxContentLength    int64           `json:"max_content_length,omitempty"`
	AllowedContentTypes []string        `json:"allowed_content_types,omitempty"`
	HashAlgorithm       string          `json:"hash_algorithm,omitempty"`
	HashValue           string          `json:"hash_value,omitempty"`
	Decryption          *aesgcm.KeyData `json:"decryption,omitempty"`
}

// UploadRequest describes one upload. Exactly one of InputPath and Data is set.
type UploadRequest struct {
	URL          string            `json:"url"`
	ContentType  string            `json:"content_type"`
	InputPath    string            `json:"input_path,omitempty"`
	Data         []byte            `json:"data,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	WithProgress bool              `json:"with_progress"`
	Encryption   *aesgcm.KeyData   `json:"encryption,omitempty"`
}

// Job is the unit handed to a pool. It is self contained so it can be
// serialized to a worker process.
type Job struct {
	ID       string           `json:"id"`
	Client   ClientOptions    `json:"client"`
	Download *DownloadRequest `json:"download,omitempty"`
	Upload   *UploadRequest   `json:"upload,omitempty"`
}

// Direction returns whether the job uploads or downloads.
func (j *Job) Direction() Direction {
	if j.Upload != nil {
		return DirectionUpload
	}

	return DirectionDownload
}
