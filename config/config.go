// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"age-stats-service/internal/domain"
)

// サポートするデータベースドライバ。
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// サポートするログ形式。
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseDriver     string
	DatabaseURL        string
	EvaluationKeyPath  string
	SecretKeyPath      string
	KMSKeyName         string
	KeyPassphrase      string
	StatsThresholds    []domain.Threshold
	RequestTimeout     time.Duration
	EvalWorkers        int
	GoogleCloudProject string
	LogLevel           string
	LogFormat          string
	APIURL             string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
// 不正な値が含まれる場合はすべての問題をまとめてエラーとして返す。
func Load() (*Config, error) {
	var errs []error

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseDriver:     getEnv("DATABASE_DRIVER", DriverMySQL),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		EvaluationKeyPath:  getEnv("EVALUATION_KEY_PATH", "keys/evaluation.key.json"),
		SecretKeyPath:      getEnv("SECRET_KEY_PATH", "keys/secret.key.json"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		KeyPassphrase:      os.Getenv("KEY_PASSPHRASE"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", LogFormatJSON)),
		APIURL:             getEnv("AGECTL_API_URL", "http://localhost:8080"),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "age-stats-service"),
	}

	switch cfg.DatabaseDriver {
	case DriverMySQL, DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER: unsupported driver %q", cfg.DatabaseDriver))
	}

	switch cfg.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL: unsupported level %q", cfg.LogLevel))
	}

	switch cfg.LogFormat {
	case LogFormatJSON, LogFormatText:
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unsupported format %q", cfg.LogFormat))
	}

	thresholds, err := ParseThresholds(getEnv("STATS_THRESHOLDS", "25,35"))
	if err != nil {
		errs = append(errs, fmt.Errorf("STATS_THRESHOLDS: %w", err))
	}
	cfg.StatsThresholds = thresholds

	if cfg.RequestTimeout, err = time.ParseDuration(getEnv("REQUEST_TIMEOUT", "60s")); err != nil {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT: %w", err))
	} else if cfg.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT: must be positive"))
	}

	if cfg.EvalWorkers, err = strconv.Atoi(getEnv("EVAL_WORKERS", "2")); err != nil {
		errs = append(errs, fmt.Errorf("EVAL_WORKERS: %w", err))
	} else if cfg.EvalWorkers < 1 {
		errs = append(errs, errors.New("EVAL_WORKERS: must be at least 1"))
	}

	if cfg.OtelEnabled, err = strconv.ParseBool(getEnv("OTEL_ENABLED", "false")); err != nil {
		errs = append(errs, fmt.Errorf("OTEL_ENABLED: %w", err))
	}

	if cfg.OtelInsecure, err = strconv.ParseBool(getEnv("OTEL_INSECURE", "false")); err != nil {
		errs = append(errs, fmt.Errorf("OTEL_INSECURE: %w", err))
	}

	if cfg.OtelSamplingRate, err = strconv.ParseFloat(getEnv("OTEL_SAMPLING_RATE", "1.0"), 64); err != nil {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLING_RATE: %w", err))
	} else if cfg.OtelSamplingRate < 0 || cfg.OtelSamplingRate > 1 {
		errs = append(errs, errors.New("OTEL_SAMPLING_RATE: must be between 0 and 1"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseThresholds はカンマ区切りの閾値リストを解析する。
func ParseThresholds(s string) ([]domain.Threshold, error) {
	var thresholds []domain.Threshold
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := domain.ParseThreshold(part)
		if err != nil {
			return nil, err
		}
		thresholds = append(thresholds, t)
	}
	if len(thresholds) == 0 {
		return nil, fmt.Errorf("%w: at least one threshold is required", domain.ErrInvalidThreshold)
	}
	return domain.NormalizeThresholds(thresholds), nil
}

// SlogLevel はLOG_LEVELに対応するslogのレベルを返す。
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
