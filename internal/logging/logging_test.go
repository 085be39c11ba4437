package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be disabled by default")
	}
}

func TestNew_DebugLevel(t *testing.T) {
	logger := New("debug", "text")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected req-123, got %q", id)
	}
}

func TestL_IncludesRequestAndUser(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = WithRequestID(ctx, "req-9")
	ctx = WithUserID(ctx, "user-1")

	L(ctx).Info("hello")

	out := buf.String()
	if !strings.Contains(out, "request_id=req-9") {
		t.Errorf("Expected request_id in output, got %q", out)
	}
	if !strings.Contains(out, "user_id=user-1") {
		t.Errorf("Expected user_id in output, got %q", out)
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("Expected default logger when none is set")
	}
}

func TestAlert_TagsSeverity(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))

	Alert(ctx, "payment captured but grant failed", "order_id", "ord_1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Expected JSON log line: %v", err)
	}
	if rec["level"] != "ERROR" {
		t.Errorf("Expected ERROR level, got %v", rec["level"])
	}
	if rec["severity"] != SeverityAlert {
		t.Errorf("Expected severity=alert, got %v", rec["severity"])
	}
	if rec["order_id"] != "ord_1" {
		t.Errorf("Expected order_id attribute, got %v", rec["order_id"])
	}
}

func TestRedactsContactAndCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	logger.Info("contact revealed",
		"item_id", "item_1",
		"seller_phone", "+911234567890",
		"email", "seller@example.com",
		"gateway_signature", "abc123",
		slog.Group("req", "Authorization", "Bearer x"),
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["item_id"] != "item_1" {
		t.Errorf("Expected item_id kept, got %v", rec["item_id"])
	}
	for _, k := range []string{"seller_phone", "email", "gateway_signature"} {
		if rec[k] != Redacted {
			t.Errorf("Expected %s redacted, got %v", k, rec[k])
		}
	}
	group, _ := rec["req"].(map[string]any)
	if group["Authorization"] != Redacted {
		t.Errorf("Expected grouped Authorization redacted, got %v", rec["req"])
	}
	if strings.Contains(buf.String(), "+911234567890") {
		t.Error("phone number leaked into log output")
	}
}

func TestL_IncludesTraceID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	ctx = trace.ContextWithSpanContext(ctx, sc)

	L(ctx).Info("hello")

	if !strings.Contains(buf.String(), "trace_id=4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Errorf("Expected trace_id in output, got %q", buf.String())
	}
}
