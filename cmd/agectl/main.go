// Package main はクライアントCLIのエントリポイント。
// 鍵の生成、年齢の暗号化・提出、統計の取得・復号を行う。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"age-stats-service/config"
	"age-stats-service/internal/client"
	"age-stats-service/internal/fhe"
	"age-stats-service/internal/infra"
	"age-stats-service/internal/keystore"
)

// cli はグローバルフラグと読み込んだ設定を保持する。
type cli struct {
	cfg          *config.Config
	apiURL       string
	output       string
	timeout      time.Duration
	evalKeyPath  string
	secretPath   string
	parameterSet string

	closers []func() error
}

func main() {
	// .envファイルを読み込む（存在しない場合は無視）
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	c := &cli{}
	err := newRootCmd(c).ExecuteContext(ctx)
	c.close()
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "agectl",
		Short:         "Encrypted age statistics client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			if c.apiURL == "" {
				c.apiURL = cfg.APIURL
			}
			if c.evalKeyPath == "" {
				c.evalKeyPath = cfg.EvaluationKeyPath
			}
			if c.secretPath == "" {
				c.secretPath = cfg.SecretKeyPath
			}
			if c.output != "text" && c.output != "json" {
				return fmt.Errorf("--output must be text or json, got %q", c.output)
			}

			// 標準出力はコマンド結果に使う
			infra.SetupLoggerTo(cmd.ErrOrStderr(), cfg)
			return nil
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&c.apiURL, "api-url", "", "API endpoint URL (or set AGECTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&c.output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&c.timeout, "timeout", 2*time.Minute, "Request timeout")
	rootCmd.PersistentFlags().StringVar(&c.evalKeyPath, "evaluation-key", "", "Evaluation key path (or set EVALUATION_KEY_PATH)")
	rootCmd.PersistentFlags().StringVar(&c.secretPath, "secret-key", "", "Secret key path (or set SECRET_KEY_PATH)")
	rootCmd.PersistentFlags().StringVar(&c.parameterSet, "parameter-set", fhe.DefaultParameterSet.ID, "Parameter set used by generate-keys")
	_ = rootCmd.PersistentFlags().MarkHidden("parameter-set")

	// サブコマンド登録
	rootCmd.AddCommand(generateKeysCmd(c))
	rootCmd.AddCommand(submitCmd(c))
	rootCmd.AddCommand(statsCmd(c))
	rootCmd.AddCommand(migrateCmd(c))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agectl version %s\n", infra.Version)
		},
	}
}

// apiClient はフラグの設定でAPIクライアントを生成する。
func (c *cli) apiClient() *client.Client {
	return client.New(c.apiURL, client.WithTimeout(c.timeout))
}

// keyStore はフラグと環境変数の設定でStoreを生成する。
// KMS_KEY_NAME が設定されていればCloud KMS、KEY_PASSPHRASE が設定されていればパスフレーズで秘密鍵を封印する。
func (c *cli) keyStore(ctx context.Context) (*keystore.Store, error) {
	set, ok := fhe.LookupParameterSet(c.parameterSet)
	if !ok {
		return nil, fmt.Errorf("unknown parameter set %q", c.parameterSet)
	}

	var sealer keystore.Sealer
	switch {
	case c.cfg.KMSKeyName != "":
		kmsClient, err := infra.NewKMSClient(ctx, c.cfg.KMSKeyName)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, kmsClient.Close)
		sealer = kmsClient
	case c.cfg.KeyPassphrase != "":
		ps, err := keystore.NewPassphraseSealer(c.cfg.KeyPassphrase)
		if err != nil {
			return nil, err
		}
		sealer = ps
	}

	return keystore.New(keystore.Options{
		EvaluationKeyPath: c.evalKeyPath,
		SecretKeyPath:     c.secretPath,
		ParameterSet:      set,
		Sealer:            sealer,
	}), nil
}

func (c *cli) close() {
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close: %v\n", err)
		}
	}
}
