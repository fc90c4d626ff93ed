package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paw-chain/credwallet/pkg/wallet"
)

// AccountsCmd lists the accounts the wallet provider exposes and marks the one
// allowed to issue
func AccountsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List wallet accounts and the registry administrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			accounts, err := app.wallet.Accounts(ctx)
			if err != nil {
				cmd.PrintErrln(wallet.StatusFor(common.Address{}, err).Text)
				return err
			}

			admin, err := app.registry.UniversityAdmin(ctx)
			if err != nil {
				cmd.PrintErrf("Could not read the registry administrator: %v\n", err)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Registry administrator: %s\n", admin.Hex())
			}

			for _, account := range accounts {
				marker := ""
				if err == nil && account == admin {
					marker = " (can issue)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", account.Hex(), marker)
			}
			return nil
		},
	}
}
