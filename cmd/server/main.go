// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"age-stats-service/config"
	"age-stats-service/internal/handler"
	"age-stats-service/internal/infra"
	"age-stats-service/internal/keystore"
	"age-stats-service/internal/repository"
	"age-stats-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg)

	// 評価鍵の読み込み。秘密鍵のパスはサーバーに渡さない
	evk, err := keystore.New(keystore.Options{
		EvaluationKeyPath: cfg.EvaluationKeyPath,
	}).LoadForEvaluation(ctx)
	if err != nil {
		slog.Error("failed to load evaluation key", "path", cfg.EvaluationKeyPath, "error", err)
		os.Exit(1)
	}
	fp := evk.Parameters().Fingerprint()
	slog.Info("evaluation key loaded",
		"parameter_set", evk.Parameters().ID(),
		"fingerprint", hex.EncodeToString(fp[:]),
		"max_aggregate", evk.Parameters().MaxAggregate(),
	)

	// DB初期化
	db, err := infra.NewDB(cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	sqlDB, err := db.DB()
	if err != nil {
		slog.Error("failed to get database handle", "error", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	// DI
	repo := repository.NewAgeRepository(db)
	engine := usecase.NewEvaluationEngine(evk, usecase.WithWorkers(cfg.EvalWorkers))
	service := usecase.NewAgeService(repo, engine)
	h := handler.NewAgeHandler(service, cfg.StatsThresholds)
	router := handler.NewRouter(h, cfg)

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"thresholds", cfg.StatsThresholds,
		"eval_workers", cfg.EvalWorkers,
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
