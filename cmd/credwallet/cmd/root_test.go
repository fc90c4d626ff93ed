package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("PINATA_API_KEY", "key")
	t.Setenv("PINATA_SECRET_API_KEY", "secret")
	t.Setenv("FIREBASE_API_KEY", "firebase-key")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("WALLET_PROVIDER", "")
	t.Setenv("CONFIG_FILE", "")
}

func parseFlags(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerFlags(fs)
	require.NoError(t, fs.Parse(args))

	v := viper.New()
	require.NoError(t, v.BindPFlags(fs))
	return v
}

func TestVersionCmd(t *testing.T) {
	root := NewRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, Version+"\n", out.String())
}

func TestRootRegistersCommands(t *testing.T) {
	root := NewRootCmd()
	for _, name := range []string{"serve", "issue", "accounts", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	issue, _, err := root.Find([]string{"issue"})
	require.NoError(t, err)
	for _, flag := range []string{flagStudent, flagFile, flagRequestID} {
		assert.NotNil(t, issue.Flags().Lookup(flag), flag)
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "8080")

	cfg, err := loadConfig(parseFlags(t, "--port", "9999", "--log-format", "json", "--node-rpc", "http://node:8545"))
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "http://node:8545", cfg.NodeRPC)

	// unset flags keep the environment value
	cfg, err = loadConfig(parseFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
}

func TestLoadConfigRejectsInvalidContract(t *testing.T) {
	setRequiredEnv(t)

	_, err := loadConfig(parseFlags(t, "--contract", "not-an-address"))
	assert.ErrorContains(t, err, "CONTRACT_ADDRESS")
}

func TestLoadConfigRequiresPinningKeys(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PINATA_API_KEY", "")

	_, err := loadConfig(parseFlags(t))
	assert.ErrorContains(t, err, "PINATA_API_KEY")
}
