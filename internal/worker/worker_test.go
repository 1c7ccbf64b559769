package worker

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/ftransfer/internal/aesgcm"
	"github.com/italolelis/ftransfer/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []transfer.Message
}

func (s *recordingSink) Put(msg transfer.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = append(s.msgs, msg)
}

func (s *recordingSink) states() []transfer.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []transfer.State

	for _, m := range s.msgs {
		if st, ok := m.(transfer.State); ok {
			out = append(out, st)
		}
	}

	return out
}

func (s *recordingSink) metadata() []transfer.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []transfer.Metadata

	for _, m := range s.msgs {
		if md, ok := m.(transfer.Metadata); ok {
			out = append(out, md)
		}
	}

	return out
}

type flag struct{ v atomic.Bool }

func (f *flag) IsSet() bool { return f.v.Load() }

func fixture(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)

	return b
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)

	return hex.EncodeToString(sum[:])
}

func serveBytes(t *testing.T, body []byte, contentType string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestChunkSize(t *testing.T) {
	assert.Equal(t, MinChunkSize, ChunkSize(0))
	assert.Equal(t, MinChunkSize, ChunkSize(10*MinChunkSize))
	assert.Equal(t, 2*MinChunkSize, ChunkSize(100*MinChunkSize))
	assert.Equal(t, 2*MinChunkSize+1, ChunkSize(100*MinChunkSize+1))
}

func TestDownloadInMemory(t *testing.T) {
	body := fixture(t, 3*MinChunkSize+123)
	srv := serveBytes(t, body, "image/png")
	sink := &recordingSink{}

	res, err := Download(context.Background(), sink, &flag{}, "dl-1", transfer.ClientOptions{}, &transfer.DownloadRequest{
		URL:                 srv.URL,
		WithProgress:        true,
		AllowedContentTypes: []string{"image/png"},
		HashAlgorithm:       "sha256",
		HashValue:           sha256Hex(body),
	})
	require.NoError(t, err)

	assert.Equal(t, body, res.Content)
	assert.Equal(t, sha256Hex(body), res.HashValue)
	assert.Equal(t, "sha256", res.HashAlgorithm)
	assert.Equal(t, int64(len(body)), res.ContentLength)
	assert.Equal(t, "image/png", res.ContentType)

	md := sink.metadata()
	require.Len(t, md, 1)
	assert.Equal(t, int64(len(body)), md[0].ContentLength)

	var last float64

	var inProgress int

	for _, st := range sink.states() {
		if st.Phase != transfer.PhaseInProgress {
			continue
		}

		inProgress++
		assert.GreaterOrEqual(t, st.Progress, last)
		last = st.Progress
	}

	assert.Equal(t, 1.0, last)
	assert.Equal(t, 6, inProgress, "initial zero, four chunks and the final report")
}

func TestDownloadMetadataPrecedesProgress(t *testing.T) {
	srv := serveBytes(t, fixture(t, 100), "text/plain")
	sink := &recordingSink{}

	_, err := Download(context.Background(), sink, &flag{}, "dl", transfer.ClientOptions{}, &transfer.DownloadRequest{URL: srv.URL, WithProgress: true})
	require.NoError(t, err)

	seenMetadata := false

	for _, m := range sink.msgs {
		switch msg := m.(type) {
		case transfer.Metadata:
			seenMetadata = true
		case transfer.State:
			if msg.Phase == transfer.PhaseInProgress {
				require.True(t, seenMetadata, "progress before metadata")
			}
		}
	}
}

func TestDownloadToFile(t *testing.T) {
	body := fixture(t, 2048)
	srv := serveBytes(t, body, "application/octet-stream")
	out := filepath.Join(t.TempDir(), "file.bin")

	res, err := Download(context.Background(), &recordingSink{}, &flag{}, "dl", transfer.ClientOptions{}, &transfer.DownloadRequest{URL: srv.URL, Output: out})
	require.NoError(t, err)
	assert.Nil(t, res.Content)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestDownloadValidation(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		req     transfer.DownloadRequest
		wantErr error
	}{
		{
			name: "zero content length",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				w.Header().Set("Content-Length", "0")
				w.WriteHeader(http.StatusOK)
			},
			req:     transfer.DownloadRequest{AllowedContentTypes: []string{"image/png"}},
			wantErr: transfer.ErrMissingContentLength,
		},
		{
			name: "max content length exceeded",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", strconv.Itoa(4096))
				_, _ = w.Write(make([]byte, 4096))
			},
			req:     transfer.DownloadRequest{MaxContentLength: 1024},
			wantErr: transfer.ErrMaxContentLengthExceeded,
		},
		{
			name: "content type missing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header()["Content-Type"] = nil
				w.Header().Set("Content-Length", "3")
				_, _ = w.Write([]byte("abc"))
			},
			req:     transfer.DownloadRequest{AllowedContentTypes: []string{"image/png"}},
			wantErr: transfer.ErrContentTypeNotAllowed,
		},
		{
			name: "content type not in allow list",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.Header().Set("Content-Length", "3")
				_, _ = w.Write([]byte("abc"))
			},
			req:     transfer.DownloadRequest{AllowedContentTypes: []string{"image/png"}},
			wantErr: transfer.ErrContentTypeNotAllowed,
		},
		{
			name: "error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", http.StatusNotFound)
			},
			wantErr: transfer.ErrHTTPStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			req := tt.req
			req.URL = srv.URL
			sink := &recordingSink{}

			_, err := Download(context.Background(), sink, &flag{}, "dl", transfer.ClientOptions{}, &req)
			require.ErrorIs(t, err, tt.wantErr)

			for _, st := range sink.states() {
				assert.NotEqual(t, transfer.PhaseInProgress, st.Phase, "body must not be read")
			}
		})
	}
}

func TestDownloadHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Download(context.Background(), &recordingSink{}, &flag{}, "dl", transfer.ClientOptions{}, &transfer.DownloadRequest{URL: srv.URL})

	var statusErr *transfer.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "Service Unavailable", statusErr.Status)
}

func TestDownloadInvalidHashRemovesFile(t *testing.T) {
	body := fixture(t, 512)
	srv := serveBytes(t, body, "application/octet-stream")
	out := filepath.Join(t.TempDir(), "file.bin")

	_, err := Download(context.Background(), &recordingSink{}, &flag{}, "dl", transfer.ClientOptions{}, &transfer.DownloadRequest{
		URL:           srv.URL,
		Output:        out,
		HashAlgorithm: "sha256",
		HashValue:     sha256Hex([]byte("something else")),
	})
	require.ErrorIs(t, err, transfer.ErrInvalidHash)
	assert.NoFileExists(t, out)
}

func TestDownloadCancelledBeforeBody(t *testing.T) {
	srv := serveBytes(t, fixture(t, 512), "application/octet-stream")
	out := filepath.Join(t.TempDir(), "file.bin")

	cancelled := &flag{}
	cancelled.v.Store(true)

	_, err := Download(context.Background(), &recordingSink{}, cancelled, "dl", transfer.ClientOptions{}, &transfer.DownloadRequest{URL: srv.URL, Output: out})
	require.ErrorIs(t, err, transfer.ErrCancelled)
	assert.NoFileExists(t, out)
}

func TestDownloadCancelledMidStream(t *testing.T) {
	body := fixture(t, 3*MinChunkSize)
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body[:MinChunkSize])
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write(body[MinChunkSize:])
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "file.bin")
	f := &flag{}
	sink := &recordingSink{}

	done := make(chan error, 1)

	go func() {
		_, err := Download(context.Background(), sink, f, "dl", transfer.ClientOptions{}, &transfer.DownloadRequest{URL: srv.URL, Output: out, WithProgress: true})
		done <- err
	}()

	require.Eventually(t, func() bool {
		for _, st := range sink.states() {
			if st.Phase == transfer.PhaseInProgress && st.Progress > 0 {
				return true
			}
		}

		return false
	}, 5*time.Second, 10*time.Millisecond)

	f.v.Store(true)
	close(release)

	require.ErrorIs(t, <-done, transfer.ErrCancelled)
	assert.NoFileExists(t, out)
}

func TestDownloadStallTimeout(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := Download(context.Background(), &recordingSink{}, &flag{}, "dl", transfer.ClientOptions{Timeout: 200 * time.Millisecond}, &transfer.DownloadRequest{URL: srv.URL})
	require.ErrorIs(t, err, transfer.ErrTransport)
}

func TestStreamBodyOverflow(t *testing.T) {
	guard, _, stop := newStallGuard(context.Background(), time.Second, &flag{})
	defer stop()

	var out bytes.Buffer

	body := bytes.NewReader(fixture(t, 20))
	err := streamBody(guard, &recordingSink{}, &flag{}, "dl", false, body, &out, aesgcm.Identity{}, sha256.New(), 10, 8)
	require.ErrorIs(t, err, transfer.ErrOverflow)
	assert.Equal(t, 8, out.Len())
}

func TestReceiveOverflowRemovesFile(t *testing.T) {
	guard, _, stop := newStallGuard(context.Background(), time.Second, &flag{})
	defer stop()

	out := filepath.Join(t.TempDir(), "file.bin")

	_, err := receive(guard, &recordingSink{}, &flag{}, "dl", &transfer.DownloadRequest{Output: out},
		bytes.NewReader(fixture(t, 64)), aesgcm.Identity{}, sha256.New(), 32, 16)
	require.ErrorIs(t, err, transfer.ErrOverflow)
	assert.NoFileExists(t, out)
}

func TestDownloadUnsupportedHash(t *testing.T) {
	_, err := Download(context.Background(), &recordingSink{}, &flag{}, "dl", transfer.ClientOptions{}, &transfer.DownloadRequest{URL: "http://127.0.0.1:1", HashAlgorithm: "crc32"})
	require.Error(t, err)
}

// uploadStore keeps the last PUT body so it can be downloaded again.
type uploadStore struct {
	mu          sync.Mutex
	body        []byte
	contentType string
}

func (s *uploadStore) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		b, err := io.ReadAll(r.Body)
		if err != nil || int64(len(b)) != r.ContentLength {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		s.body = b
		s.contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	case http.MethodGet:
		w.Header().Set("Content-Type", s.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(s.body)))
		_, _ = w.Write(s.body)
	}
}

func TestUploadThenDownloadEncrypted(t *testing.T) {
	original := fixture(t, 10*1024*1024)
	input := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(input, original, 0o600))

	store := &uploadStore{}
	srv := httptest.NewServer(http.HandlerFunc(store.handler))
	defer srv.Close()

	kd, err := aesgcm.NewKeyData()
	require.NoError(t, err)

	upSink := &recordingSink{}

	up, err := Upload(context.Background(), upSink, &flag{}, "up", transfer.ClientOptions{}, &transfer.UploadRequest{
		URL:          srv.URL + "/slot/input.bin",
		ContentType:  "application/octet-stream",
		InputPath:    input,
		WithProgress: true,
		Encryption:   kd,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, up.StatusCode)
	assert.Equal(t, []byte(`{"ok":true}`), up.Body)
	assert.Equal(t, sha256Hex(original), up.HashValue)
	assert.Len(t, store.body, len(original)+aesgcm.TagSize)
	assert.NotEqual(t, original, store.body[:len(original)])

	out := filepath.Join(t.TempDir(), "output.bin")

	down, err := Download(context.Background(), &recordingSink{}, &flag{}, "down", transfer.ClientOptions{}, &transfer.DownloadRequest{
		URL:           srv.URL + "/slot/input.bin",
		Output:        out,
		HashAlgorithm: "sha256",
		HashValue:     sha256Hex(original),
		Decryption:    kd,
	})
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(original), down.HashValue)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(original, got))

	var last float64

	for _, st := range upSink.states() {
		if st.Phase == transfer.PhaseInProgress {
			assert.GreaterOrEqual(t, st.Progress, last)
			last = st.Progress
		}
	}

	assert.Equal(t, 1.0, last)
}

func TestDownloadWrongKeyFailsAuthentication(t *testing.T) {
	store := &uploadStore{}
	srv := httptest.NewServer(http.HandlerFunc(store.handler))
	defer srv.Close()

	kd, err := aesgcm.NewKeyData()
	require.NoError(t, err)

	_, err = Upload(context.Background(), &recordingSink{}, &flag{}, "up", transfer.ClientOptions{}, &transfer.UploadRequest{
		URL:         srv.URL,
		ContentType: "text/plain",
		Data:        []byte("top secret"),
		Encryption:  kd,
	})
	require.NoError(t, err)

	other, err := aesgcm.NewKeyData()
	require.NoError(t, err)

	_, err = Download(context.Background(), &recordingSink{}, &flag{}, "down", transfer.ClientOptions{}, &transfer.DownloadRequest{URL: srv.URL, Decryption: other})
	require.ErrorIs(t, err, transfer.ErrAuthentication)
}

func TestUploadCancelled(t *testing.T) {
	store := &uploadStore{}
	srv := httptest.NewServer(http.HandlerFunc(store.handler))
	defer srv.Close()

	cancelled := &flag{}
	cancelled.v.Store(true)

	_, err := Upload(context.Background(), &recordingSink{}, cancelled, "up", transfer.ClientOptions{}, &transfer.UploadRequest{
		URL:         srv.URL,
		ContentType: "text/plain",
		Data:        []byte("data"),
	})
	require.ErrorIs(t, err, transfer.ErrCancelled)
}

func TestUploadStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	_, err := Upload(context.Background(), &recordingSink{}, &flag{}, "up", transfer.ClientOptions{}, &transfer.UploadRequest{
		URL:         srv.URL,
		ContentType: "text/plain",
		Data:        []byte("data"),
	})
	require.ErrorIs(t, err, transfer.ErrHTTPStatus)
}

// stalledListener accepts connections and never reads from them.
func stalledListener(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()

		mu.Lock()
		defer mu.Unlock()

		for _, c := range conns {
			_ = c.Close()
		}
	})

	return "http://" + ln.Addr().String()
}

func uploadAsync(opts transfer.ClientOptions, f transfer.Canceller, url string, data []byte) <-chan error {
	done := make(chan error, 1)

	go func() {
		_, err := Upload(context.Background(), &recordingSink{}, f, "up", opts, &transfer.UploadRequest{
			URL:         url,
			ContentType: "application/octet-stream",
			Data:        data,
		})
		done <- err
	}()

	return done
}

func TestUploadStallTimeout(t *testing.T) {
	url := stalledListener(t)

	done := uploadAsync(transfer.ClientOptions{Timeout: 200 * time.Millisecond}, &flag{}, url, make([]byte, 64<<20))

	select {
	case err := <-done:
		require.ErrorIs(t, err, transfer.ErrTransport)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not fail after the stall timeout")
	}
}

func TestUploadCancelWhileStalled(t *testing.T) {
	url := stalledListener(t)
	cancel := &flag{}

	done := uploadAsync(transfer.ClientOptions{Timeout: time.Minute}, cancel, url, make([]byte, 64<<20))

	time.Sleep(300 * time.Millisecond)
	cancel.v.Store(true)

	select {
	case err := <-done:
		require.ErrorIs(t, err, transfer.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not stop after the flag was set")
	}
}

func TestRunDispatch(t *testing.T) {
	srv := serveBytes(t, []byte("payload"), "text/plain")

	res, err := Run(context.Background(), &recordingSink{}, &flag{}, &transfer.Job{
		ID:       "job",
		Download: &transfer.DownloadRequest{URL: srv.URL},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Download)
	assert.Equal(t, []byte("payload"), res.Download.Content)

	_, err = Run(context.Background(), &recordingSink{}, &flag{}, &transfer.Job{ID: "empty"})
	require.Error(t, err)
}
