// Package worker holds the blocking half of a transfer: it talks HTTP,
// streams the body through the cipher, hashes it and reports progress as
// messages. It runs either in a pooled goroutine or in a worker process and
// never touches registry state.
package worker

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/ftransfer/internal/aesgcm"
	"github.com/italolelis/ftransfer/internal/logctx"
	"github.com/italolelis/ftransfer/internal/transfer"
	"github.com/italolelis/ftransfer/internal/worker/progress"
)

const (
	// MinChunkSize keeps huge transfers from being read in tiny pieces.
	MinChunkSize = 1024 * 1024

	// progressSteps bounds the number of progress messages per transfer.
	progressSteps = 50

	filePerm = 0o644
)

// ChunkSize returns ceil(contentLength/50), floored at MinChunkSize.
func ChunkSize(contentLength int64) int {
	size := (contentLength + progressSteps - 1) / progressSteps

	return int(max(size, MinChunkSize))
}

// Run executes job and returns its result.
func Run(ctx context.Context, sink transfer.Sink, flag transfer.Canceller, job *transfer.Job) (*transfer.Result, error) {
	ctx = logctx.WithTransferID(ctx, job.ID)

	switch {
	case job.Download != nil:
		res, err := Download(ctx, sink, flag, job.ID, job.Client, job.Download)
		if err != nil {
			return nil, err
		}

		return &transfer.Result{Download: res}, nil
	case job.Upload != nil:
		res, err := Upload(ctx, sink, flag, job.ID, job.Client, job.Upload)
		if err != nil {
			return nil, err
		}

		return &transfer.Result{Upload: res}, nil
	}

	return nil, fmt.Errorf("job %s has neither a download nor an upload", job.ID)
}

// destination is either a file on disk or an in-memory buffer.
type destination struct {
	file *os.File
	buf  *bytes.Buffer
	path string
}

func openDestination(path string) (*destination, error) {
	if path == "" {
		return &destination{buf: &bytes.Buffer{}}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination: %w", err)
	}

	return &destination{file: f, path: path}, nil
}

func (d *destination) Write(p []byte) (int, error) {
	if d.file != nil {
		return d.file.Write(p)
	}

	return d.buf.Write(p)
}

func (d *destination) Close() error {
	if d.file == nil {
		return nil
	}

	return d.file.Close()
}

// discard closes and, for files, deletes a partially written destination.
func (d *destination) discard() {
	_ = d.Close()

	if d.path != "" {
		_ = os.Remove(d.path)
	}
}

func (d *destination) content() []byte {
	if d.buf == nil {
		return nil
	}

	return d.buf.Bytes()
}

// Download fetches req.URL, validates the response, decrypts the body when
// key material is present and writes it to the destination.
func Download(
	ctx context.Context,
	sink transfer.Sink,
	flag transfer.Canceller,
	id string,
	opts transfer.ClientOptions,
	req *transfer.DownloadRequest,
) (*transfer.DownloadResult, error) {
	logger := logctx.LoggerFromContext(ctx)

	sink.Put(transfer.State{ID: id, Phase: transfer.PhasePreparing})

	hasher, algo, err := NewHash(req.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	codec, err := aesgcm.NewDecryptCodec(req.Decryption)
	if err != nil {
		return nil, fmt.Errorf("failed to create decryptor: %w", err)
	}

	if req.Decryption != nil {
		sink.Put(transfer.State{ID: id, Phase: transfer.PhaseDecrypting})
	}

	client, err := NewClient(opts, true)
	if err != nil {
		return nil, err
	}

	guard, ctx, stop := newStallGuard(ctx, opts.Timeout, flag)
	defer stop()

	sink.Put(transfer.State{ID: id, Phase: transfer.PhaseStarted})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", userAgent(opts))

	resp, err := client.Do(httpReq)
	if err != nil {
		if flag.IsSet() {
			return nil, transfer.ErrCancelled
		}

		return nil, guard.transportError(err)
	}
	defer resp.Body.Close()

	if flag.IsSet() {
		return nil, transfer.ErrCancelled
	}

	contentLength := max(resp.ContentLength, 0)
	contentType := resp.Header.Get("Content-Type")

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	sink.Put(transfer.Metadata{ID: id, ContentLength: contentLength, ContentType: contentType})

	if err := validateResponse(req, contentLength, contentType); err != nil {
		return nil, err
	}

	chunkSize := ChunkSize(contentLength)

	logger.Debug("downloading",
		"size", humanize.Bytes(uint64(contentLength)),
		"content_type", contentType,
		"chunk_size", humanize.Bytes(uint64(chunkSize)),
		"encrypted", req.Decryption != nil)

	dst, err := receive(guard, sink, flag, id, req, resp.Body, codec, hasher, contentLength, chunkSize)
	if err != nil {
		return nil, err
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if req.HashValue != "" && digest != req.HashValue {
		dst.discard()

		return nil, fmt.Errorf("%w: %s != %s", transfer.ErrInvalidHash, digest, req.HashValue)
	}

	logger.Info("download finished", "size", humanize.Bytes(uint64(contentLength)), "hash_algorithm", algo)

	return &transfer.DownloadResult{
		HashAlgorithm: algo,
		HashValue:     digest,
		ContentLength: contentLength,
		ContentType:   contentType,
		Content:       dst.content(),
	}, nil
}

func validateResponse(req *transfer.DownloadRequest, contentLength int64, contentType string) error {
	if contentLength == 0 {
		return transfer.ErrMissingContentLength
	}

	if req.MaxContentLength > 0 && contentLength > req.MaxContentLength {
		return fmt.Errorf("%w: %d > %d", transfer.ErrMaxContentLengthExceeded, contentLength, req.MaxContentLength)
	}

	if req.AllowedContentTypes != nil {
		if contentType == "" || !slices.Contains(req.AllowedContentTypes, contentType) {
			return fmt.Errorf("%w: %q", transfer.ErrContentTypeNotAllowed, contentType)
		}
	}

	return nil
}

// receive streams body into a new destination. The destination is closed on
// success and removed on any failure.
func receive(
	guard *stallGuard,
	sink transfer.Sink,
	flag transfer.Canceller,
	id string,
	req *transfer.DownloadRequest,
	body io.Reader,
	codec aesgcm.Codec,
	hasher io.Writer,
	contentLength int64,
	chunkSize int,
) (*destination, error) {
	dst, err := openDestination(req.Output)
	if err != nil {
		return nil, err
	}

	sink.Put(transfer.State{ID: id, Phase: transfer.PhaseInProgress, Progress: 0})

	if err := streamBody(guard, sink, flag, id, req.WithProgress, body, dst, codec, hasher, contentLength, chunkSize); err != nil {
		dst.discard()

		return nil, err
	}

	if err := dst.Close(); err != nil {
		dst.discard()

		return nil, fmt.Errorf("failed to close destination: %w", err)
	}

	return dst, nil
}

// streamBody copies the body chunk by chunk, checking the cancellation flag
// at every chunk boundary. The hash covers the decrypted output.
func streamBody(
	guard *stallGuard,
	sink transfer.Sink,
	flag transfer.Canceller,
	id string,
	withProgress bool,
	body io.Reader,
	dst io.Writer,
	codec aesgcm.Codec,
	hasher io.Writer,
	contentLength int64,
	chunkSize int,
) error {
	out := io.MultiWriter(dst, hasher)
	body = guard.reader(body)
	buf := make([]byte, chunkSize)

	var received int64

	for {
		n, readErr := readChunk(body, buf)

		if n > 0 {
			if flag.IsSet() {
				return transfer.ErrCancelled
			}

			received += int64(n)
			if received > contentLength {
				return fmt.Errorf("%w: %d > %d", transfer.ErrOverflow, received, contentLength)
			}

			plain, err := codec.Update(buf[:n])
			if err != nil {
				return fmt.Errorf("failed to decrypt chunk: %w", err)
			}

			if _, err := out.Write(plain); err != nil {
				return fmt.Errorf("failed to write chunk: %w", err)
			}

			if withProgress {
				sink.Put(transfer.State{ID: id, Phase: transfer.PhaseInProgress, Progress: progress.Fraction(received, contentLength)})
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			if flag.IsSet() {
				return transfer.ErrCancelled
			}

			return guard.transportError(readErr)
		}
	}

	if received < contentLength {
		return fmt.Errorf("%w: received %d of %d bytes", transfer.ErrTransport, received, contentLength)
	}

	tail, err := codec.Finalize()
	if err != nil {
		return fmt.Errorf("failed to finalize decryption: %w", err)
	}

	if _, err := out.Write(tail); err != nil {
		return fmt.Errorf("failed to write final chunk: %w", err)
	}

	if withProgress {
		sink.Put(transfer.State{ID: id, Phase: transfer.PhaseInProgress, Progress: 1})
	}

	return nil
}

// readChunk fills buf unless the reader ends first. It returns io.EOF only
// together with the last bytes of the stream.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0

	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m

		if err != nil {
			return n, err
		}
	}

	return n, nil
}

func userAgent(opts transfer.ClientOptions) string {
	if opts.UserAgent != "" {
		return opts.UserAgent
	}

	return DefaultUserAgent
}
