package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Wallet provider kinds
const (
	WalletProviderNone     = ""
	WalletProviderExternal = "external"
	WalletProviderKeystore = "keystore"
)

// DefaultContractAddress is the credential registry deployed on Sepolia.
const DefaultContractAddress = "0x09eBD0B12D3C9CA685662aFE8191384d6FFc1bf5"

// DefaultContractABI describes the credential registry interface.
const DefaultContractABI = `[
{"inputs":[],"stateMutability":"nonpayable","type":"constructor"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"to","type":"address"},{"indexed":true,"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"CredentialIssued","type":"event"},
{"inputs":[{"internalType":"uint256","name":"","type":"uint256"}],"name":"ownerOf","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"","type":"uint256"}],"name":"tokenURI","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"universityAdmin","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"student","type":"address"},{"internalType":"string","name":"credentialUrl","type":"string"}],"name":"issueCredential","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}
]`

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	Environment     string        `yaml:"environment"`
	BaseURL         string        `yaml:"base_url"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitRPS    int           `yaml:"rate_limit_rps"`

	// Logging configuration
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Audit log configuration
	AuditEnabled bool   `yaml:"audit_enabled"`
	AuditLogDir  string `yaml:"audit_log_dir"`

	// Session configuration
	JWTSecret  string        `yaml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"session_ttl"`

	// Identity provider configuration
	FirebaseAPIKey     string        `yaml:"firebase_api_key"`
	IdentityEndpoint   string        `yaml:"identity_endpoint"`
	GoogleClientID     string        `yaml:"google_client_id"`
	GoogleClientSecret string        `yaml:"google_client_secret"`
	GoogleRedirectURI  string        `yaml:"google_redirect_uri"`
	GoogleScopes       []string      `yaml:"google_scopes"`
	OAuthStateTTL      time.Duration `yaml:"oauth_state_ttl"`
	// BootstrapUsers maps an email to a bcrypt hash for the local password provider.
	BootstrapUsers map[string]string `yaml:"bootstrap_users"`

	// Wallet configuration
	WalletProvider     string `yaml:"wallet_provider"`
	SignerURL          string `yaml:"signer_url"`
	KeystoreDir        string `yaml:"keystore_dir"`
	KeystorePassphrase string `yaml:"keystore_passphrase"`
	KeystoreAccount    string `yaml:"keystore_account"`

	// Blockchain configuration
	NodeRPC         string `yaml:"node_rpc"`
	ChainID         int64  `yaml:"chain_id"`
	ContractAddress string `yaml:"contract_address"`
	ContractABI     string `yaml:"contract_abi"`
	ContractABIFile string `yaml:"contract_abi_file"`
	// Confirmations is the block depth an issuance needs before it counts
	Confirmations uint64 `yaml:"confirmations"`

	// Pinning configuration
	PinataEndpoint     string        `yaml:"pinata_endpoint"`
	PinataAPIKey       string        `yaml:"pinata_api_key"`
	PinataSecretAPIKey string        `yaml:"pinata_secret_api_key"`
	PinataStrictCID    bool          `yaml:"pinata_strict_cid"`
	UploadTimeout      time.Duration `yaml:"upload_timeout"`
	ChainTimeout       time.Duration `yaml:"chain_timeout"`

	// Storage configuration, empty values select the in-memory backends
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// Tracing configuration
	TracingEnabled    bool    `yaml:"tracing_enabled"`
	TracingEndpoint   string  `yaml:"tracing_endpoint"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            "8080",
		Environment:     "development",
		BaseURL:         "http://localhost:8080",
		CORSOrigins:     []string{"http://localhost:3000", "http://localhost:8080"},
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		ShutdownTimeout: 10 * time.Second,
		RateLimitRPS:    20,

		LogLevel:  "info",
		LogFormat: "text",

		AuditEnabled: true,
		AuditLogDir:  "./logs/audit",

		SessionTTL: 24 * time.Hour,

		IdentityEndpoint: "https://identitytoolkit.googleapis.com/v1",
		GoogleScopes:     []string{"openid", "email", "profile"},
		OAuthStateTTL:    10 * time.Minute,
		BootstrapUsers:   map[string]string{},

		NodeRPC:         "http://127.0.0.1:7545",
		ChainID:         11155111,
		ContractAddress: DefaultContractAddress,
		ContractABI:     DefaultContractABI,
		Confirmations:   1,

		PinataEndpoint: "https://api.pinata.cloud",

		TracingEndpoint:   "localhost:4318",
		TracingSampleRate: 1,
	}
}

// Load loads configuration from .env, an optional YAML file and environment variables,
// in that order of increasing precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := Default()

	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.Host = getEnv("HOST", cfg.Host)
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.BaseURL = strings.TrimRight(getEnv("BASE_URL", cfg.BaseURL), "/")
	cfg.CORSOrigins = getEnvAsCSV("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.ReadTimeout = getEnvAsDuration("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getEnvAsDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.RateLimitRPS = getEnvAsInt("RATE_LIMIT_RPS", cfg.RateLimitRPS)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.AuditEnabled = getEnvAsBool("AUDIT_ENABLED", cfg.AuditEnabled)
	cfg.AuditLogDir = getEnv("AUDIT_LOG_DIR", cfg.AuditLogDir)

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.SessionTTL = getEnvAsDuration("SESSION_TTL", cfg.SessionTTL)

	cfg.FirebaseAPIKey = getEnv("FIREBASE_API_KEY", getEnv("REACT_APP_FIREBASE_API_KEY", cfg.FirebaseAPIKey))
	cfg.IdentityEndpoint = strings.TrimRight(getEnv("IDENTITY_ENDPOINT", cfg.IdentityEndpoint), "/")
	cfg.GoogleClientID = getEnv("GOOGLE_CLIENT_ID", cfg.GoogleClientID)
	cfg.GoogleClientSecret = getEnv("GOOGLE_CLIENT_SECRET", cfg.GoogleClientSecret)
	cfg.GoogleRedirectURI = getEnv("GOOGLE_REDIRECT_URI", cfg.GoogleRedirectURI)
	cfg.GoogleScopes = getEnvAsCSV("GOOGLE_SCOPES", cfg.GoogleScopes)
	cfg.OAuthStateTTL = getEnvAsDuration("OAUTH_STATE_TTL", cfg.OAuthStateTTL)
	if users := getEnv("BOOTSTRAP_USERS", ""); users != "" {
		parsed, err := parseBootstrapUsers(users)
		if err != nil {
			return nil, err
		}
		cfg.BootstrapUsers = parsed
	}

	cfg.WalletProvider = strings.ToLower(getEnv("WALLET_PROVIDER", cfg.WalletProvider))
	cfg.SignerURL = getEnv("SIGNER_URL", cfg.SignerURL)
	cfg.KeystoreDir = getEnv("KEYSTORE_DIR", cfg.KeystoreDir)
	cfg.KeystorePassphrase = getEnv("KEYSTORE_PASSPHRASE", cfg.KeystorePassphrase)
	cfg.KeystoreAccount = getEnv("KEYSTORE_ACCOUNT", cfg.KeystoreAccount)

	cfg.NodeRPC = getEnv("NODE_RPC", cfg.NodeRPC)
	cfg.ChainID = getEnvAsInt64("CHAIN_ID", cfg.ChainID)
	cfg.ContractAddress = getEnv("CONTRACT_ADDRESS", cfg.ContractAddress)
	cfg.ContractABIFile = getEnv("CONTRACT_ABI_FILE", cfg.ContractABIFile)
	if n := getEnvAsInt64("CONFIRMATIONS", int64(cfg.Confirmations)); n >= 0 {
		cfg.Confirmations = uint64(n)
	}
	if cfg.ContractABIFile != "" {
		data, err := os.ReadFile(cfg.ContractABIFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read contract ABI file: %w", err)
		}
		cfg.ContractABI = string(data)
	}

	cfg.PinataEndpoint = strings.TrimRight(getEnv("PINATA_ENDPOINT", cfg.PinataEndpoint), "/")
	cfg.PinataAPIKey = getEnv("PINATA_API_KEY", getEnv("REACT_APP_PINATA_API_KEY", cfg.PinataAPIKey))
	cfg.PinataSecretAPIKey = getEnv("PINATA_SECRET_API_KEY", getEnv("REACT_APP_PINATA_SECRET_API_KEY", cfg.PinataSecretAPIKey))
	cfg.PinataStrictCID = getEnvAsBool("PINATA_STRICT_CID", cfg.PinataStrictCID)
	cfg.UploadTimeout = getEnvAsDuration("UPLOAD_TIMEOUT", cfg.UploadTimeout)
	cfg.ChainTimeout = getEnvAsDuration("CHAIN_TIMEOUT", cfg.ChainTimeout)

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)

	cfg.TracingEnabled = getEnvAsBool("TRACING_ENABLED", cfg.TracingEnabled)
	cfg.TracingEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.TracingEndpoint)
	cfg.TracingSampleRate = getEnvAsFloat("TRACING_SAMPLE_RATE", cfg.TracingSampleRate)

	if cfg.GoogleRedirectURI == "" {
		cfg.GoogleRedirectURI = cfg.BaseURL + "/api/auth/google/callback"
	}

	return cfg, nil
}

// Validate validates the configuration. It is called once at startup.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}

	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("CONTRACT_ADDRESS %q is not a valid address", c.ContractAddress)
	}

	parsed, err := abi.JSON(strings.NewReader(c.ContractABI))
	if err != nil {
		return fmt.Errorf("contract ABI is invalid: %w", err)
	}
	if _, ok := parsed.Methods["issueCredential"]; !ok {
		return errors.New("contract ABI does not define issueCredential")
	}

	if c.PinataAPIKey == "" || c.PinataSecretAPIKey == "" {
		return errors.New("PINATA_API_KEY and PINATA_SECRET_API_KEY are required")
	}

	switch c.WalletProvider {
	case WalletProviderNone:
		if c.IsProduction() {
			return errors.New("WALLET_PROVIDER is required in production")
		}
	case WalletProviderExternal:
		if c.SignerURL == "" {
			return errors.New("SIGNER_URL is required for the external wallet provider")
		}
	case WalletProviderKeystore:
		if c.KeystoreDir == "" {
			return errors.New("KEYSTORE_DIR is required for the keystore wallet provider")
		}
	default:
		return fmt.Errorf("unknown WALLET_PROVIDER %q", c.WalletProvider)
	}

	if c.NodeRPC == "" {
		return errors.New("NODE_RPC is required")
	}

	if c.ChainID <= 0 {
		return errors.New("CHAIN_ID must be positive")
	}

	if c.IsProduction() && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required in production")
	}

	if c.GoogleClientID != "" && c.GoogleClientSecret == "" {
		return errors.New("GOOGLE_CLIENT_SECRET is required when GOOGLE_CLIENT_ID is set")
	}

	if c.FirebaseAPIKey == "" && len(c.BootstrapUsers) == 0 {
		return errors.New("either FIREBASE_API_KEY or BOOTSTRAP_USERS is required")
	}

	if c.UploadTimeout < 0 || c.ChainTimeout < 0 {
		return errors.New("timeouts must be zero or positive")
	}

	if c.TracingEnabled {
		if c.TracingEndpoint == "" {
			return errors.New("OTEL_EXPORTER_OTLP_ENDPOINT is required when tracing is enabled")
		}
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			return errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
		}
	}

	return nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// FederatedLoginEnabled reports whether the Google popup flow is configured
func (c *Config) FederatedLoginEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// parseBootstrapUsers parses "email=hash,email=hash"
func parseBootstrapUsers(value string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range splitCSV(value) {
		email, hash, ok := strings.Cut(entry, "=")
		if !ok || email == "" || hash == "" {
			return nil, fmt.Errorf("invalid BOOTSTRAP_USERS entry %q", entry)
		}
		users[strings.ToLower(strings.TrimSpace(email))] = strings.TrimSpace(hash)
	}
	return users, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsInt64 gets an environment variable as an int64 or returns a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as a duration or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as a bool or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if valueStr == "" {
		return defaultValue
	}

	switch valueStr {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvAsCSV(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return splitCSV(valueStr)
}

func splitCSV(value string) []string {
	if value == "" {
		return []string{}
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
