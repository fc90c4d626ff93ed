package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"github.com/paw-chain/credwallet/pkg/config"
	"github.com/paw-chain/credwallet/pkg/status"
	"github.com/paw-chain/credwallet/pkg/telemetry"
)

var (
	// ErrProviderMissing means no wallet capability is configured
	ErrProviderMissing = errors.New("wallet provider missing")
	// ErrUserRejected means the wallet refused account access or a signature
	ErrUserRejected = errors.New("wallet request rejected by user")
	// ErrProvider wraps any other wallet failure
	ErrProvider = errors.New("wallet provider error")
	// ErrNotConnected means no account has been connected yet
	ErrNotConnected = errors.New("wallet not connected")
)

// Operator-facing messages
const (
	MsgInstallWallet = "Please install MetaMask to use this feature."
	MsgConnectFailed = "Failed to connect wallet."
)

// Session is the operator wallet session. It lives in memory only.
type Session struct {
	Address     common.Address `json:"address"`
	IsConnected bool           `json:"is_connected"`
	ConnectedAt time.Time      `json:"connected_at,omitempty"`
}

// Connector requests account access and hands out signers for the connected account
type Connector struct {
	provider Provider
	chainID  *big.Int

	mu      sync.RWMutex
	session Session
}

// NewConnector creates a connector. A nil provider makes every Connect fail with
// ErrProviderMissing.
func NewConnector(provider Provider, chainID int64) *Connector {
	return &Connector{
		provider: provider,
		chainID:  big.NewInt(chainID),
	}
}

// NewProviderFromConfig builds the provider selected by cfg, or nil when none is set
func NewProviderFromConfig(cfg *config.Config) (Provider, error) {
	switch cfg.WalletProvider {
	case config.WalletProviderExternal:
		return NewExternalProvider(cfg.SignerURL), nil
	case config.WalletProviderKeystore:
		p, err := NewKeystoreProvider(cfg.KeystoreDir, cfg.KeystorePassphrase, cfg.KeystoreAccount)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.WalletProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown wallet provider %q", cfg.WalletProvider)
	}
}

// Connect requests account access once and connects the first account.
// A failed attempt leaves the session disconnected.
func (c *Connector) Connect(ctx context.Context) (account common.Address, err error) {
	if c.provider == nil {
		return common.Address{}, ErrProviderMissing
	}

	ctx, span := telemetry.StartSpan(ctx, "wallet.request_accounts")
	defer func() { telemetry.End(span, err) }()

	accounts, err := c.provider.RequestAccounts(ctx)
	if err != nil {
		c.reset()
		log.WithError(err).Error("Wallet account request failed")
		if isUserRejection(err) {
			return common.Address{}, fmt.Errorf("%w: %v", ErrUserRejected, err)
		}
		return common.Address{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if len(accounts) == 0 {
		c.reset()
		return common.Address{}, fmt.Errorf("%w: no accounts available", ErrProvider)
	}

	account = accounts[0]

	c.mu.Lock()
	c.session = Session{
		Address:     account,
		IsConnected: true,
		ConnectedAt: time.Now().UTC(),
	}
	c.mu.Unlock()

	log.WithField("account", account.Hex()).Info("Wallet connected")
	return account, nil
}

// Accounts lists the provider accounts without changing the session
func (c *Connector) Accounts(ctx context.Context) ([]common.Address, error) {
	if c.provider == nil {
		return nil, ErrProviderMissing
	}
	return c.provider.RequestAccounts(ctx)
}

// Disconnect clears the session
func (c *Connector) Disconnect() {
	c.reset()
}

func (c *Connector) reset() {
	c.mu.Lock()
	c.session = Session{}
	c.mu.Unlock()
}

// Session returns a copy of the current session
func (c *Connector) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Connected reports whether an account is connected
func (c *Connector) Connected() bool {
	return c.Session().IsConnected
}

// Available reports whether a wallet provider is configured
func (c *Connector) Available() bool {
	return c.provider != nil
}

// Signer returns transaction options bound to the connected account
func (c *Connector) Signer(ctx context.Context) (*bind.TransactOpts, error) {
	if c.provider == nil {
		return nil, ErrProviderMissing
	}

	session := c.Session()
	if !session.IsConnected {
		return nil, ErrNotConnected
	}

	opts, err := c.provider.Transactor(ctx, session.Address, c.chainID)
	if err != nil {
		if isUserRejection(err) {
			return nil, fmt.Errorf("%w: %v", ErrUserRejected, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return opts, nil
}

// Close closes the provider
func (c *Connector) Close() error {
	if c.provider == nil {
		return nil
	}
	return c.provider.Close()
}

// StatusFor converts a Connect result into the operator status line
func StatusFor(account common.Address, err error) status.Message {
	switch {
	case err == nil:
		return status.Info(status.StageTerminal, "Connected Account: %s", account.Hex())
	case errors.Is(err, ErrProviderMissing):
		return status.Failure(MsgInstallWallet)
	default:
		return status.Failure(MsgConnectFailed)
	}
}
