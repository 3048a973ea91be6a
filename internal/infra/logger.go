package infra

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"

	"age-stats-service/config"
)

// TraceHandler はトレース情報をログに付与するslogハンドラ。
type TraceHandler struct {
	handler     slog.Handler
	projectID   string
	otelEnabled bool
}

// NewTraceHandler はトレース情報付きのslogハンドラを生成する。
func NewTraceHandler(handler slog.Handler, cfg *config.Config) *TraceHandler {
	return &TraceHandler{
		handler:     handler,
		projectID:   cfg.GoogleCloudProject,
		otelEnabled: cfg.OtelEnabled,
	}
}

// Enabled はハンドラがログを処理するかどうかを返す。
func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle はログレコードを処理し、トレース情報を付与する。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.otelEnabled {
		span := trace.SpanFromContext(ctx)
		if span.SpanContext().IsValid() {
			spanCtx := span.SpanContext()
			traceID := spanCtx.TraceID().String()
			spanID := spanCtx.SpanID().String()
			sampled := spanCtx.IsSampled()

			// 基本トレース情報を追加
			r.AddAttrs(
				slog.String("trace", traceID),
				slog.String("spanId", spanID),
				slog.Bool("traceSampled", sampled),
			)

			// Google Cloud Logging連携用フィールドを追加
			if h.projectID != "" {
				r.AddAttrs(
					slog.String("logging.googleapis.com/trace",
						"projects/"+h.projectID+"/traces/"+traceID),
					slog.String("logging.googleapis.com/spanId", spanID),
				)
			}
		}
	}

	return h.handler.Handle(ctx, r)
}

// WithAttrs は属性を追加した新しいハンドラを返す。
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{
		handler:     h.handler.WithAttrs(attrs),
		projectID:   h.projectID,
		otelEnabled: h.otelEnabled,
	}
}

// WithGroup はグループを追加した新しいハンドラを返す。
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{
		handler:     h.handler.WithGroup(name),
		projectID:   h.projectID,
		otelEnabled: h.otelEnabled,
	}
}

// ciphertextLogPrefix はログに残す暗号文の先頭文字数。
const ciphertextLogPrefix = 16

// ciphertextAttrKeys はログ出力時に短縮する暗号文の属性キー。
var ciphertextAttrKeys = map[string]bool{
	"encrypted_age": true,
	"ciphertext":    true,
}

// NewLogHandler はLOG_FORMATに応じたハンドラをトレース情報付きで生成する。
// JSON形式ではCloud Loggingが解釈するキー名（severity, message）で出力する。
func NewLogHandler(w io.Writer, cfg *config.Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler
	if cfg.LogFormat == config.LogFormatText {
		opts.ReplaceAttr = shortenCiphertext
		handler = slog.NewTextHandler(w, opts)
	} else {
		opts.ReplaceAttr = cloudLoggingAttr
		handler = slog.NewJSONHandler(w, opts)
	}
	return NewTraceHandler(handler, cfg)
}

// SetupLogger はトレース情報付きのグローバルロガーを設定する。
func SetupLogger(cfg *config.Config) {
	SetupLoggerTo(os.Stdout, cfg)
}

// SetupLoggerTo は出力先を指定してグローバルロガーを設定する。
// CLIでは標準出力をコマンド結果に使うため標準エラー出力を指定する。
func SetupLoggerTo(w io.Writer, cfg *config.Config) {
	slog.SetDefault(slog.New(NewLogHandler(w, cfg)))
}

// shortenCiphertext は暗号文の属性を先頭部分と長さだけに置き換える。
func shortenCiphertext(_ []string, a slog.Attr) slog.Attr {
	if !ciphertextAttrKeys[a.Key] || a.Value.Kind() != slog.KindString {
		return a
	}
	if s := a.Value.String(); len(s) > ciphertextLogPrefix {
		return slog.String(a.Key, fmt.Sprintf("%s...(%d chars)", s[:ciphertextLogPrefix], len(s)))
	}
	return a
}

func cloudLoggingAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 {
		switch a.Key {
		case slog.LevelKey:
			level, _ := a.Value.Any().(slog.Level)
			return slog.String("severity", severity(level))
		case slog.MessageKey:
			return slog.Attr{Key: "message", Value: a.Value}
		}
	}
	return shortenCiphertext(groups, a)
}

// severity はslogのレベルをCloud LoggingのLogSeverityに変換する。
func severity(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARNING"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
