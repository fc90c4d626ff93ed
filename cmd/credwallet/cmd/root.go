package cmd

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/paw-chain/credwallet/pkg/config"
)

// Version is set at build time
var Version = "dev"

// Flag names
const (
	flagConfig         = "config"
	flagHost           = "host"
	flagPort           = "port"
	flagLogLevel       = "log-level"
	flagLogFormat      = "log-format"
	flagNodeRPC        = "node-rpc"
	flagContract       = "contract"
	flagWalletProvider = "wallet-provider"
	flagSignerURL      = "signer-url"
)

// NewRootCmd creates the credwallet root command
func NewRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "credwallet",
		Short: "University credential wallet",
		Long: `credwallet lets university operators sign in, connect the issuing wallet and
issue credentials: the file is pinned to IPFS and its content reference is recorded
on the credential registry contract.`,
		SilenceUsage: true,
	}

	registerFlags(rootCmd.PersistentFlags())
	if err := v.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		ServeCmd(v),
		IssueCmd(v),
		AccountsCmd(v),
		VersionCmd(),
	)

	return rootCmd
}

func registerFlags(fs *pflag.FlagSet) {
	fs.String(flagConfig, "", "YAML configuration file (overrides CONFIG_FILE)")
	fs.String(flagHost, "", "listen host")
	fs.String(flagPort, "", "listen port")
	fs.String(flagLogLevel, "", "log level (trace, debug, info, warn, error)")
	fs.String(flagLogFormat, "", "log format (text, json)")
	fs.String(flagNodeRPC, "", "Ethereum node RPC endpoint")
	fs.String(flagContract, "", "credential registry contract address")
	fs.String(flagWalletProvider, "", "wallet provider (external, keystore)")
	fs.String(flagSignerURL, "", "external signer endpoint")
}

// loadConfig reads configuration from the environment and applies command line
// overrides, then validates it once
func loadConfig(v *viper.Viper) (*config.Config, error) {
	if path := v.GetString(flagConfig); path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	overrides := map[string]*string{
		flagHost:           &cfg.Host,
		flagPort:           &cfg.Port,
		flagLogLevel:       &cfg.LogLevel,
		flagLogFormat:      &cfg.LogFormat,
		flagNodeRPC:        &cfg.NodeRPC,
		flagContract:       &cfg.ContractAddress,
		flagWalletProvider: &cfg.WalletProvider,
		flagSignerURL:      &cfg.SignerURL,
	}
	for name, field := range overrides {
		if v.IsSet(name) {
			*field = v.GetString(name)
		}
	}
	cfg.WalletProvider = strings.ToLower(cfg.WalletProvider)

	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	log.SetOutput(os.Stdout)

	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn("Invalid log level, defaulting to info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// VersionCmd prints the build version
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
