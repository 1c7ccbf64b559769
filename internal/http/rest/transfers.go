package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/italolelis/ftransfer/internal/aesgcm"
	"github.com/italolelis/ftransfer/internal/logctx"
	"github.com/italolelis/ftransfer/internal/registry"
	"github.com/italolelis/ftransfer/internal/storage"
	"github.com/italolelis/ftransfer/internal/transfer"
)

const (
	maxRequestBody      = 32 << 20
	defaultHistoryLimit = 100
)

// TransferService submits and looks up transfers. *registry.Registry
// implements it.
type TransferService interface {
	Download(ctx context.Context, rawURL string, opts ...registry.Option) (*registry.Transfer, error)
	Upload(ctx context.Context, url, contentType string, input registry.Input, opts ...registry.Option) (*registry.Transfer, error)
	Get(id string) (*registry.Transfer, bool)
	Active() []*registry.Transfer
}

type DownloadRequest struct {
	ID                  string   `json:"id,omitempty"`
	URL                 string   `json:"url"`
	Filename            string   `json:"filename,omitempty"`
	MaxContentLength    int64    `json:"max_content_length,omitempty"`
	AllowedContentTypes []string `json:"allowed_content_types,omitempty"`
	HashAlgorithm       string   `json:"hash_algorithm,omitempty"`
	HashValue           string   `json:"hash_value,omitempty"`
}

type UploadRequest struct {
	ID          string            `json:"id,omitempty"`
	URL         string            `json:"url"`
	ContentType string            `json:"content_type"`
	Filename    string            `json:"filename,omitempty"`
	Data        []byte            `json:"data,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Encrypt     bool              `json:"encrypt,omitempty"`
}

type UploadResponse struct {
	registry.Snapshot
	// ShareURL is the aesgcm:// URL that downloads and decrypts the upload.
	ShareURL string `json:"share_url,omitempty"`
}

// HistoryEntry is the JSON form of a storage.TransferRecord.
type HistoryEntry struct {
	ID            string     `json:"id"`
	Direction     string     `json:"direction"`
	URL           string     `json:"url"`
	Output        string     `json:"output,omitempty"`
	Phase         string     `json:"phase"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	Error         string     `json:"error,omitempty"`
	HashAlgorithm string     `json:"hash_algorithm,omitempty"`
	HashValue     string     `json:"hash_value,omitempty"`
	ContentLength int64      `json:"content_length,omitempty"`
	ContentType   string     `json:"content_type,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func newHistoryEntry(rec storage.TransferRecord) HistoryEntry {
	return HistoryEntry{
		ID:            rec.ID,
		Direction:     rec.Direction,
		URL:           rec.URL,
		Output:        rec.Output,
		Phase:         rec.Phase,
		ErrorKind:     rec.ErrorKind,
		Error:         rec.ErrorMessage,
		HashAlgorithm: rec.HashAlgorithm,
		HashValue:     rec.HashValue,
		ContentLength: rec.ContentLength,
		ContentType:   rec.ContentType,
		SubmittedAt:   rec.SubmittedAt,
		FinishedAt:    rec.FinishedAt,
	}
}

type errorResponse struct {
	Error string        `json:"error"`
	Kind  transfer.Kind `json:"kind,omitempty"`
}

// TransferHandler serves the transfer control API. Files named in requests
// always resolve inside dir.
type TransferHandler struct {
	svc     TransferService
	history storage.TransferReadRepository
	dir     string
}

func NewTransferHandler(svc TransferService, history storage.TransferReadRepository, dir string) *TransferHandler {
	return &TransferHandler{svc: svc, history: history, dir: dir}
}

func (h *TransferHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/transfers", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/downloads", h.HandleDownload)
		r.Post("/uploads", h.HandleUpload)
		r.Get("/{id}", h.HandleGet)
		r.Delete("/{id}", h.HandleCancel)
	})

	r.Get("/history", h.HandleHistory)

	return r
}

// HandleDownload submits a download into the download directory.
func (h *TransferHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DownloadRequest
	if !decode(w, r, &req) {
		return
	}

	if req.URL == "" {
		writeError(ctx, w, http.StatusBadRequest, errors.New("url is required"))

		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	name := req.Filename
	if name == "" {
		name = req.ID
	}

	output, err := h.resolve(name)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, err)

		return
	}

	opts := []registry.Option{
		registry.WithID(req.ID),
		registry.WithOutput(output),
		registry.WithProgress(),
		registry.WithHash(req.HashAlgorithm, req.HashValue),
	}

	if req.MaxContentLength > 0 {
		opts = append(opts, registry.WithMaxContentLength(req.MaxContentLength))
	}

	if len(req.AllowedContentTypes) > 0 {
		opts = append(opts, registry.WithAllowedContentTypes(req.AllowedContentTypes...))
	}

	t, err := h.svc.Download(ctx, req.URL, opts...)
	if err != nil {
		writeError(ctx, w, submitStatus(err), err)

		return
	}

	writeJSON(ctx, w, http.StatusAccepted, t.Snapshot())
}

// HandleUpload submits an upload of inline data or a file of the download
// directory. With encrypt set a fresh key is generated and returned as a
// share URL.
func (h *TransferHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UploadRequest
	if !decode(w, r, &req) {
		return
	}

	switch {
	case req.URL == "":
		writeError(ctx, w, http.StatusBadRequest, errors.New("url is required"))

		return
	case req.ContentType == "":
		writeError(ctx, w, http.StatusBadRequest, errors.New("content_type is required"))

		return
	case (req.Filename == "") == (req.Data == nil):
		writeError(ctx, w, http.StatusBadRequest, errors.New("exactly one of filename and data is required"))

		return
	}

	input := registry.FromBytes(req.Data)

	if req.Filename != "" {
		path, err := h.resolve(req.Filename)
		if err != nil {
			writeError(ctx, w, http.StatusBadRequest, err)

			return
		}

		input = registry.FromFile(path)
	}

	opts := []registry.Option{registry.WithProgress(), registry.WithHeaders(req.Headers)}
	if req.ID != "" {
		opts = append(opts, registry.WithID(req.ID))
	}

	var shareURL string

	if req.Encrypt {
		kd, err := aesgcm.NewKeyData()
		if err != nil {
			writeError(ctx, w, http.StatusInternalServerError, err)

			return
		}

		if shareURL, err = kd.URL(req.URL); err != nil {
			writeError(ctx, w, http.StatusBadRequest, err)

			return
		}

		opts = append(opts, registry.WithKey(kd))
	}

	t, err := h.svc.Upload(ctx, req.URL, req.ContentType, input, opts...)
	if err != nil {
		writeError(ctx, w, submitStatus(err), err)

		return
	}

	writeJSON(ctx, w, http.StatusAccepted, UploadResponse{Snapshot: t.Snapshot(), ShareURL: shareURL})
}

// HandleList returns the active transfers, oldest first.
func (h *TransferHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	active := h.svc.Active()

	snapshots := make([]registry.Snapshot, 0, len(active))
	for _, t := range active {
		snapshots = append(snapshots, t.Snapshot())
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].SubmittedAt.Before(snapshots[j].SubmittedAt)
	})

	writeJSON(r.Context(), w, http.StatusOK, snapshots)
}

// HandleGet returns an active transfer, or its latest history record once it
// is gone from the registry.
func (h *TransferHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if t, ok := h.svc.Get(id); ok {
		writeJSON(ctx, w, http.StatusOK, t.Snapshot())

		return
	}

	if h.history == nil {
		writeError(ctx, w, http.StatusNotFound, fmt.Errorf("transfer %s not found", id))

		return
	}

	rec, err := h.history.GetTransfer(ctx, id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}

		writeError(ctx, w, status, err)

		return
	}

	writeJSON(ctx, w, http.StatusOK, newHistoryEntry(*rec))
}

// HandleCancel cancels an active transfer. The transfer reaches its terminal
// phase asynchronously.
func (h *TransferHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	t, ok := h.svc.Get(id)
	if !ok {
		writeError(ctx, w, http.StatusNotFound, fmt.Errorf("transfer %s is not active", id))

		return
	}

	t.Cancel()

	logctx.LoggerFromContext(ctx).Info("transfer cancellation requested", "transfer_id", id)

	writeJSON(ctx, w, http.StatusAccepted, t.Snapshot())
}

func (h *TransferHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.history == nil {
		writeJSON(ctx, w, http.StatusOK, []HistoryEntry{})

		return
	}

	limit := defaultHistoryLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))

			return
		}

		limit = n
	}

	records, err := h.history.GetTransfers(ctx, limit)
	if err != nil {
		writeError(ctx, w, http.StatusInternalServerError, err)

		return
	}

	entries := make([]HistoryEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, newHistoryEntry(rec))
	}

	writeJSON(ctx, w, http.StatusOK, entries)
}

// resolve maps a client supplied file name to a path inside the download
// directory. Directory components are rejected.
func (h *TransferHandler) resolve(name string) (string, error) {
	if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid file name %q", name)
	}

	return filepath.Join(h.dir, name), nil
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, transfer.ErrSubmission):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))

		return false
	}

	return true
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(ctx).Error("request failed", "status", status, "err", err)
	}

	resp := errorResponse{Error: err.Error()}
	if kind := transfer.KindOf(err); kind != transfer.KindUnknown {
		resp.Kind = kind
	}

	writeJSON(ctx, w, status, resp)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
