package cmd

import (
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServeCmd runs the HTTP server until interrupted
func ServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the login page, the dashboard and the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			log.WithFields(log.Fields{
				"addr":            cfg.Addr(),
				"chain_id":        cfg.ChainID,
				"contract":        cfg.ContractAddress,
				"wallet_provider": cfg.WalletProvider,
				"federated_login": cfg.FederatedLoginEnabled(),
			}).Info("Configuration loaded")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			server, err := app.server()
			if err != nil {
				return err
			}
			return server.Start(ctx)
		},
	}
}
