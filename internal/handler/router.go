package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"age-stats-service/config"
)

// NewRouter はルーターを生成する。
func NewRouter(h *AgeHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// ルート定義
	r.Get("/health", h.Health)
	r.Group(func(r chi.Router) {
		// 準同型演算はリクエスト期限で打ち切る
		r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		r.Post("/submit-age", h.SubmitAge)
		r.Get("/stats", h.GetStats)
	})

	if !cfg.OtelEnabled {
		return r
	}
	return otelhttp.NewHandler(r, "age-stats-service",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
