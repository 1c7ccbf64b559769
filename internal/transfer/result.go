package transfer

// DownloadResult is the outcome of a successful download. Content is only
// populated for in-memory downloads.
type DownloadResult struct {
	HashAlgorithm string `json:"hash_algorithm"`
	HashValue     string `json:"hash_value"`
	ContentLength int64  `json:"content_length"`
	ContentType   string `json:"content_type,omitempty"`
	Content       []byte `json:"content,omitempty"`
}

// UploadResult is the outcome of a successful upload. The hash covers the
// plaintext that was read from the input.
type UploadResult struct {
	HashAlgorithm string `json:"hash_algorithm"`
	HashValue     string `json:"hash_value"`
	StatusCode    int    `json:"status_code"`
	Body          []byte `json:"body,omitempty"`
}

// Result carries exactly one of the two outcomes.
type Result struct {
	Download *DownloadResult `json:"download,omitempty"`
	Upload   *UploadResult   `json:"upload,omitempty"`
}
