package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output: %v", err)
	}

	return entry
}

// TestTraceHandler_PlainContext verifies that no context attributes are added
// when the context carries none.
func TestTraceHandler_PlainContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "queued", "key", "value")

	entry := decodeRecord(t, &buf)
	for _, k := range []string{"trace_id", "span_id", "transfer_id"} {
		if _, ok := entry[k]; ok {
			t.Errorf("%s should not be present, got %v", k, entry[k])
		}
	}

	if entry["key"] != "value" {
		t.Errorf("expected key=value, got %v", entry["key"])
	}
}

// TestTraceHandler_TransferID verifies the transfer id is attached
func TestTraceHandler_TransferID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithTransferID(context.Background(), "abc-123")
	logger.InfoContext(ctx, "download finished")

	entry := decodeRecord(t, &buf)
	if entry["transfer_id"] != "abc-123" {
		t.Errorf("expected transfer_id=abc-123, got %v", entry["transfer_id"])
	}
}

// TestTraceHandler_SpanContext verifies trace_id and span_id for a valid span context
func TestTraceHandler_SpanContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "upload finished")

	entry := decodeRecord(t, &buf)
	if entry["trace_id"] != traceID.String() {
		t.Errorf("trace_id = %v, want %s", entry["trace_id"], traceID)
	}

	if entry["span_id"] != spanID.String() {
		t.Errorf("span_id = %v, want %s", entry["span_id"], spanID)
	}
}

// TestTraceHandler_WithAttrs verifies derived loggers keep injecting attributes
func TestTraceHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil))).With("component", "registry")

	logger.InfoContext(WithTransferID(context.Background(), "x"), "polled")

	entry := decodeRecord(t, &buf)
	if entry["component"] != "registry" || entry["transfer_id"] != "x" {
		t.Errorf("unexpected record: %v", entry)
	}
}

// TestLoggerFromContext verifies the default fallback
func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) != slog.Default() {
		t.Error("expected slog.Default() for a bare context")
	}

	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if LoggerFromContext(WithLogger(context.Background(), l)) != l {
		t.Error("expected the stored logger")
	}

	if _, ok := TransferIDFromContext(WithTransferID(context.Background(), "")); ok {
		t.Error("empty transfer id should not be stored")
	}
}
