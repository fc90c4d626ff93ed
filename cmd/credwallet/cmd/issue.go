package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paw-chain/credwallet/pkg/issuance"
	"github.com/paw-chain/credwallet/pkg/wallet"
)

const (
	flagStudent   = "student"
	flagFile      = "file"
	flagRequestID = "request-id"
	flagOperator  = "operator"
)

// IssueCmd issues one credential from the command line
func IssueCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Upload a credential file and record it on the registry contract",
		Long: `Upload a credential file to IPFS and record its content reference for the
student on the registry contract. Re-running with the same --request-id after a
failure reuses the earlier upload.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			student, _ := cmd.Flags().GetString(flagStudent)
			path, _ := cmd.Flags().GetString(flagFile)
			requestID, _ := cmd.Flags().GetString(flagRequestID)
			operator, _ := cmd.Flags().GetString(flagOperator)

			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, err := newApplication(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			account, err := app.wallet.Connect(ctx)
			cmd.PrintErrln(wallet.StatusFor(account, err).Text)
			if err != nil {
				return err
			}

			var content []byte
			if path != "" {
				if content, err = os.ReadFile(path); err != nil {
					return fmt.Errorf("failed to read credential file: %w", err)
				}
			}

			result, err := app.orchestrator.IssueCredential(ctx, issuance.Request{
				RequestID:      requestID,
				StudentAddress: student,
				FileName:       filepath.Base(path),
				File:           content,
				Operator:       operator,
			})
			cmd.PrintErrln(app.orchestrator.Status(operator).Current().Text)
			if result != nil {
				out, jsonErr := json.MarshalIndent(result, "", "  ")
				if jsonErr != nil {
					return jsonErr
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			return err
		},
	}

	cmd.Flags().String(flagStudent, "", "student wallet address")
	cmd.Flags().String(flagFile, "", "credential file to upload")
	cmd.Flags().String(flagRequestID, "", "idempotency key, derived from the file and student when empty")
	cmd.Flags().String(flagOperator, "cli", "operator name recorded in the ledger and audit log")

	return cmd
}
