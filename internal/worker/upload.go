package worker

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/ftransfer/internal/aesgcm"
	"github.com/italolelis/ftransfer/internal/logctx"
	"github.com/italolelis/ftransfer/internal/transfer"
	"github.com/italolelis/ftransfer/internal/worker/progress"
)

// maxResponseBody caps how much of the service response is kept.
const maxResponseBody = 64 * 1024

// Upload streams the input, encrypted when key material is present, as the
// body of a PUT request to req.URL.
func Upload(
	ctx context.Context,
	sink transfer.Sink,
	flag transfer.Canceller,
	id string,
	opts transfer.ClientOptions,
	req *transfer.UploadRequest,
) (*transfer.UploadResult, error) {
	logger := logctx.LoggerFromContext(ctx)

	sink.Put(transfer.State{ID: id, Phase: transfer.PhasePreparing})

	input, size, err := openInput(req)
	if err != nil {
		return nil, err
	}
	defer input.Close()

	codec, err := aesgcm.NewEncryptCodec(req.Encryption)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	contentSize := size
	if req.Encryption != nil {
		contentSize += aesgcm.TagSize

		sink.Put(transfer.State{ID: id, Phase: transfer.PhaseEncrypting})
	}

	client, err := NewClient(opts, false)
	if err != nil {
		return nil, err
	}

	hasher, algo, err := NewHash(DefaultHashAlgorithm)
	if err != nil {
		return nil, err
	}

	guard, ctx, stop := newStallGuard(ctx, opts.Timeout, flag)
	defer stop()

	chunkSize := ChunkSize(size)

	var onProgress func(read, total int64)
	if req.WithProgress {
		onProgress = func(read, total int64) {
			sink.Put(transfer.State{ID: id, Phase: transfer.PhaseInProgress, Progress: progress.Fraction(read, total)})
		}
	}

	body := &uploadBody{
		src:    progress.NewReader(input, size, int64(chunkSize), onProgress),
		guard:  guard,
		flag:   flag,
		codec:  codec,
		hasher: hasher,
		buf:    make([]byte, chunkSize),
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.ContentLength = contentSize
	if contentSize == 0 {
		httpReq.Body = http.NoBody
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpReq.Header.Set("User-Agent", userAgent(opts))
	httpReq.Header.Set("Content-Type", req.ContentType)

	logger.Debug("uploading",
		"size", humanize.Bytes(uint64(contentSize)),
		"content_type", req.ContentType,
		"encrypted", req.Encryption != nil)

	sink.Put(transfer.State{ID: id, Phase: transfer.PhaseStarted})

	if req.WithProgress {
		sink.Put(transfer.State{ID: id, Phase: transfer.PhaseInProgress, Progress: 0})
	}

	// The timer stays armed while the transport writes the body and waits
	// for the response, so a peer that stops reading fails the job.
	guard.touch()

	resp, err := client.Do(httpReq)
	guard.pause()

	if err != nil {
		if flag.IsSet() || errors.Is(err, transfer.ErrCancelled) {
			return nil, transfer.ErrCancelled
		}

		return nil, guard.transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(guard.reader(resp.Body), maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", guard.transportError(err))
	}

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	if req.WithProgress {
		sink.Put(transfer.State{ID: id, Phase: transfer.PhaseInProgress, Progress: 1})
	}

	logger.Info("upload finished", "size", humanize.Bytes(uint64(contentSize)), "status", resp.StatusCode)

	return &transfer.UploadResult{
		HashAlgorithm: algo,
		HashValue:     hex.EncodeToString(hasher.Sum(nil)),
		StatusCode:    resp.StatusCode,
		Body:          respBody,
	}, nil
}

func openInput(req *transfer.UploadRequest) (io.ReadCloser, int64, error) {
	if req.InputPath == "" {
		return io.NopCloser(bytes.NewReader(req.Data)), int64(len(req.Data)), nil
	}

	f, err := os.Open(req.InputPath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open input: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, 0, fmt.Errorf("failed to stat input: %w", err)
	}

	return f, info.Size(), nil
}

// uploadBody produces the request body. It reads plaintext chunk by chunk,
// checks the cancellation flag, hashes, encrypts and appends the tag once the
// input ends. Every read restarts the stall timer.
type uploadBody struct {
	src     io.Reader
	guard   *stallGuard
	flag    transfer.Canceller
	codec   aesgcm.Codec
	hasher  hash.Hash
	buf     []byte
	pending []byte
	done    bool
}

func (b *uploadBody) Read(p []byte) (int, error) {
	b.guard.touch()

	for len(b.pending) == 0 {
		if b.done {
			return 0, io.EOF
		}

		if b.flag.IsSet() {
			return 0, transfer.ErrCancelled
		}

		n, err := readChunk(b.src, b.buf)
		if n > 0 {
			b.hasher.Write(b.buf[:n])

			out, cerr := b.codec.Update(b.buf[:n])
			if cerr != nil {
				return 0, fmt.Errorf("failed to encrypt chunk: %w", cerr)
			}

			b.pending = out
		}

		if errors.Is(err, io.EOF) {
			tail, cerr := b.codec.Finalize()
			if cerr != nil {
				return 0, fmt.Errorf("failed to finalize encryption: %w", cerr)
			}

			b.pending = append(b.pending, tail...)
			b.done = true
		} else if err != nil {
			return 0, fmt.Errorf("failed to read input: %w", err)
		}
	}

	n := copy(p, b.pending)
	b.pending = b.pending[n:]

	return n, nil
}
