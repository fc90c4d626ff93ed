package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.PinataAPIKey = "key"
	cfg.PinataSecretAPIKey = "secret"
	cfg.WalletProvider = WalletProviderExternal
	cfg.SignerURL = "http://localhost:8550"
	cfg.FirebaseAPIKey = "firebase"
	return cfg
}

func TestLoad(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CONTRACT_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("REACT_APP_PINATA_API_KEY", "legacy-key")
	t.Setenv("PINATA_SECRET_API_KEY", "secret")
	t.Setenv("PINATA_STRICT_CID", "true")
	t.Setenv("CONFIRMATIONS", "2")
	t.Setenv("TRACING_SAMPLE_RATE", "0.25")
	t.Setenv("UPLOAD_TIMEOUT", "45s")
	t.Setenv("BASE_URL", "https://wallet.example.edu/")
	t.Setenv("BOOTSTRAP_USERS", "Admin@Example.edu=$2a$10$hash")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", cfg.ContractAddress)
	assert.Equal(t, "legacy-key", cfg.PinataAPIKey)
	assert.Equal(t, "secret", cfg.PinataSecretAPIKey)
	assert.True(t, cfg.PinataStrictCID)
	assert.Equal(t, uint64(2), cfg.Confirmations)
	assert.Equal(t, 0.25, cfg.TracingSampleRate)
	assert.Equal(t, 45*time.Second, cfg.UploadTimeout)
	assert.Equal(t, "https://wallet.example.edu", cfg.BaseURL)
	assert.Equal(t, "https://wallet.example.edu/api/auth/google/callback", cfg.GoogleRedirectURI)
	assert.Equal(t, "$2a$10$hash", cfg.BootstrapUsers["admin@example.edu"])
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, DefaultContractAddress, cfg.ContractAddress)
	assert.Equal(t, DefaultContractABI, cfg.ContractABI)
	assert.Zero(t, cfg.UploadTimeout)
	assert.Zero(t, cfg.ChainTimeout)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credwallet.yaml")
	content := []byte("port: \"7000\"\nchain_timeout: 2m\npinata_api_key: from-file\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PINATA_API_KEY", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.ChainTimeout)
	assert.Equal(t, "from-env", cfg.PinataAPIKey)
}

func TestLoadInvalidBootstrapUsers(t *testing.T) {
	t.Setenv("BOOTSTRAP_USERS", "missing-hash")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "bad contract address",
			mutate:  func(c *Config) { c.ContractAddress = "0x1234" },
			wantErr: true,
		},
		{
			name:    "broken ABI",
			mutate:  func(c *Config) { c.ContractABI = "[{" },
			wantErr: true,
		},
		{
			name: "ABI without issueCredential",
			mutate: func(c *Config) {
				c.ContractABI = `[{"inputs":[],"name":"universityAdmin","outputs":[],"stateMutability":"view","type":"function"}]`
			},
			wantErr: true,
		},
		{
			name:    "missing pinning keys",
			mutate:  func(c *Config) { c.PinataSecretAPIKey = "" },
			wantErr: true,
		},
		{
			name:    "external provider without signer url",
			mutate:  func(c *Config) { c.SignerURL = "" },
			wantErr: true,
		},
		{
			name: "keystore provider without dir",
			mutate: func(c *Config) {
				c.WalletProvider = WalletProviderKeystore
			},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.WalletProvider = "metamask" },
			wantErr: true,
		},
		{
			name:    "no provider in development",
			mutate:  func(c *Config) { c.WalletProvider = WalletProviderNone },
			wantErr: false,
		},
		{
			name: "no provider in production",
			mutate: func(c *Config) {
				c.WalletProvider = WalletProviderNone
				c.Environment = "production"
				c.JWTSecret = "secret"
			},
			wantErr: true,
		},
		{
			name:    "production without jwt secret",
			mutate:  func(c *Config) { c.Environment = "production" },
			wantErr: true,
		},
		{
			name: "no identity provider",
			mutate: func(c *Config) {
				c.FirebaseAPIKey = ""
				c.BootstrapUsers = nil
			},
			wantErr: true,
		},
		{
			name:    "google client without secret",
			mutate:  func(c *Config) { c.GoogleClientID = "client" },
			wantErr: true,
		},
		{
			name: "tracing without endpoint",
			mutate: func(c *Config) {
				c.TracingEnabled = true
				c.TracingEndpoint = ""
			},
			wantErr: true,
		},
		{
			name: "tracing sample rate out of range",
			mutate: func(c *Config) {
				c.TracingEnabled = true
				c.TracingSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name:    "tracing enabled",
			mutate:  func(c *Config) { c.TracingEnabled = true },
			wantErr: false,
		},
		{
			name:    "negative timeout",
			mutate:  func(c *Config) { c.ChainTimeout = -time.Second },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetEnvAsBool(t *testing.T) {
	t.Setenv("FLAG_ON", "yes")
	t.Setenv("FLAG_OFF", "off")
	t.Setenv("FLAG_BAD", "maybe")

	assert.True(t, getEnvAsBool("FLAG_ON", false))
	assert.False(t, getEnvAsBool("FLAG_OFF", true))
	assert.True(t, getEnvAsBool("FLAG_BAD", true))
	assert.False(t, getEnvAsBool("FLAG_UNSET", false))
}
