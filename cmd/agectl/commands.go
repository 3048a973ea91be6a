package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"age-stats-service/internal/client"
	"age-stats-service/internal/domain"
	"age-stats-service/internal/fhe"
)

// generateKeysCmd は鍵ペアの生成コマンド。
func generateKeysCmd(c *cli) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "generate-keys",
		Short: "Generate a new key pair",
		Long: "Generate a new key pair. The evaluation key is deployed to the server; " +
			"the secret key stays with the client. Existing keys are kept unless --force is given, " +
			"because regenerating makes every stored submission undecryptable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := c.keyStore(ctx)
			if err != nil {
				return err
			}

			evk, _, err := store.GenerateAndPersist(ctx, force)
			if err != nil {
				if errors.Is(err, domain.ErrKeyAlreadyExists) {
					return fmt.Errorf("%w (use --force to replace them)", err)
				}
				return err
			}

			fp := evk.Parameters().Fingerprint()
			return c.print(cmd.OutOrStdout(), map[string]string{
				"parameterSet":  evk.Parameters().ID(),
				"fingerprint":   fmt.Sprintf("%x", fp[:]),
				"evaluationKey": c.evalKeyPath,
				"secretKey":     c.secretPath,
			}, func(w io.Writer) {
				fmt.Fprintf(w, "Generated key pair (%s, fingerprint %x)\n", evk.Parameters().ID(), fp[:])
				fmt.Fprintf(w, "  evaluation key: %s (deploy to the server)\n", c.evalKeyPath)
				fmt.Fprintf(w, "  secret key:     %s (keep private)\n", c.secretPath)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing keys")
	return cmd
}

// submitCmd は年齢の暗号化と提出コマンド。
func submitCmd(c *cli) *cobra.Command {
	var age uint
	var userID string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Encrypt and submit an age",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if age > domain.MaxSubmittableAge {
				return fmt.Errorf("--age must be between 0 and %d", domain.MaxSubmittableAge)
			}

			store, err := c.keyStore(ctx)
			if err != nil {
				return err
			}
			sk, err := store.LoadForDecryption(ctx)
			if err != nil {
				return err
			}

			encrypted, err := client.EncryptAge(fhe.NewClient(sk), age)
			if err != nil {
				return err
			}

			submitted, err := c.apiClient().SubmitAge(ctx, userID, encrypted)
			if err != nil {
				return err
			}

			return c.print(cmd.OutOrStdout(), map[string]string{"userId": submitted}, func(w io.Writer) {
				fmt.Fprintf(w, "Submitted encrypted age for user %q\n", submitted)
			})
		},
	}
	cmd.Flags().UintVar(&age, "age", 0, "Age to submit (required)")
	cmd.Flags().StringVar(&userID, "user-id", "", "User ID (optional, generated by the server if omitted)")
	_ = cmd.MarkFlagRequired("age")
	return cmd
}

// statsCmd は統計の取得と復号コマンド。
func statsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Fetch and decrypt statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := c.keyStore(ctx)
			if err != nil {
				return err
			}
			sk, err := store.LoadForDecryption(ctx)
			if err != nil {
				return err
			}

			resp, err := c.apiClient().Stats(ctx)
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Retryable() {
					return fmt.Errorf("%w (retry after %s)", err, apiErr.RetryAfter)
				}
				return err
			}

			stats, err := client.DecryptStats(fhe.NewClient(sk), resp)
			if err != nil {
				return err
			}

			return c.print(cmd.OutOrStdout(), stats, func(w io.Writer) {
				writeStats(w, stats)
			})
		},
	}
}

func writeStats(w io.Writer, stats *client.Stats) {
	fmt.Fprintf(w, "Total users:       %d\n", stats.TotalUsers)
	fmt.Fprintf(w, "Evaluated records: %d\n", stats.EvaluatedRecords)
	fmt.Fprintf(w, "Skipped records:   %d\n", stats.SkippedRecords)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "THRESHOLD\tSTATUS\tUSERS BELOW")
	for _, tc := range stats.Thresholds {
		count := "-"
		if tc.Count != nil {
			count = fmt.Sprintf("%d", *tc.Count)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", tc.Threshold, tc.Status, count)
	}
	_ = tw.Flush()
}

// print は --output の指定に従って結果を出力する。
func (c *cli) print(w io.Writer, v any, text func(io.Writer)) error {
	if c.output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
