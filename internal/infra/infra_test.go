package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"age-stats-service/config"
)

func TestNewDB_SQLite(t *testing.T) {
	db, err := NewDB(&config.Config{
		DatabaseDriver: config.DriverSQLite,
		DatabaseURL:    ":memory:",
	})
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}

	var one int
	if err := db.Raw("SELECT 1").Scan(&one).Error; err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if one != 1 {
		t.Errorf("expected 1, got %d", one)
	}
}

func TestNewDB_Errors(t *testing.T) {
	if _, err := NewDB(&config.Config{DatabaseDriver: config.DriverSQLite}); err == nil {
		t.Error("expected error for empty DATABASE_URL")
	}
	if _, err := NewDB(&config.Config{DatabaseDriver: "oracle", DatabaseURL: "x"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestTraceHandler(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	tests := []struct {
		name      string
		cfg       *config.Config
		wantTrace bool
		wantCloud bool
	}{
		{"disabled", &config.Config{}, false, false},
		{"enabled", &config.Config{OtelEnabled: true}, true, false},
		{"enabled with project", &config.Config{OtelEnabled: true, GoogleCloudProject: "proj"}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil), tt.cfg))
			logger.InfoContext(ctx, "hello")

			var record map[string]any
			if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
				t.Fatalf("invalid log output: %v", err)
			}
			if _, ok := record["trace"]; ok != tt.wantTrace {
				t.Errorf("trace present=%v, want %v", ok, tt.wantTrace)
			}
			got, ok := record["logging.googleapis.com/trace"]
			if ok != tt.wantCloud {
				t.Errorf("cloud trace present=%v, want %v", ok, tt.wantCloud)
			}
			if tt.wantCloud && got != "projects/proj/traces/"+traceID.String() {
				t.Errorf("unexpected cloud trace: %v", got)
			}
		})
	}
}

func TestNewLogHandler(t *testing.T) {
	ciphertext := strings.Repeat("A", 200)

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(NewLogHandler(&buf, &config.Config{LogLevel: "INFO", LogFormat: config.LogFormatJSON}))
		logger.Warn("rejected", "encrypted_age", ciphertext, "user_id", "alice")
		logger.Debug("hidden")

		var record map[string]any
		if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
			t.Fatalf("expected a single JSON record, got %q: %v", buf.String(), err)
		}
		if record["severity"] != "WARNING" {
			t.Errorf("expected severity WARNING, got %v", record["severity"])
		}
		if record["message"] != "rejected" {
			t.Errorf("expected message key, got %v", record)
		}
		if record["encrypted_age"] != "AAAAAAAAAAAAAAAA...(200 chars)" {
			t.Errorf("expected shortened ciphertext, got %v", record["encrypted_age"])
		}
		if record["user_id"] != "alice" {
			t.Errorf("unexpected user_id: %v", record["user_id"])
		}
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(NewLogHandler(&buf, &config.Config{LogLevel: "DEBUG", LogFormat: config.LogFormatText}))
		logger.Debug("evaluating", "ciphertext", ciphertext)

		out := buf.String()
		if !strings.Contains(out, "level=DEBUG") || !strings.Contains(out, "(200 chars)") {
			t.Errorf("unexpected text output: %s", out)
		}
		if strings.Contains(out, ciphertext) {
			t.Error("expected full ciphertext to be omitted")
		}
	})
}

func TestInitTracer(t *testing.T) {
	ctx := context.Background()

	tp, err := InitTracer(ctx, &config.Config{OtelEnabled: false})
	if err != nil || tp != nil {
		t.Fatalf("expected no provider when disabled, got %v, %v", tp, err)
	}

	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tp, err = InitTracer(ctx, &config.Config{
		OtelEnabled:      true,
		OtelInsecure:     true,
		OtelEndpoint:     "127.0.0.1:4317",
		OtelServiceName:  "age-stats-test",
		OtelSamplingRate: 1,
		EvalWorkers:      2,
	})
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	if tp == nil {
		t.Fatal("expected a tracer provider")
	}
	if otel.GetTracerProvider() != tp {
		t.Error("expected provider to be installed globally")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = tp.Shutdown(shutdownCtx)
}
