package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/external"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// userRejectedCode is the EIP-1193 "user rejected the request" error code
const userRejectedCode = 4001

// Provider is the wallet capability available to the service
type Provider interface {
	// RequestAccounts asks the wallet for account access
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	// Transactor returns transaction options signed by account
	Transactor(ctx context.Context, account common.Address, chainID *big.Int) (*bind.TransactOpts, error)
	// Close releases the provider
	Close() error
}

// ExternalProvider talks to a Clef-compatible external signer over JSON-RPC.
// Account access and every signature may be approved or denied by the signer operator.
type ExternalProvider struct {
	url string

	mu     sync.Mutex
	client *rpc.Client
	signer *external.ExternalSigner
}

// NewExternalProvider creates a provider for the signer at url. The connection is
// opened on first use.
func NewExternalProvider(url string) *ExternalProvider {
	return &ExternalProvider{url: url}
}

func (p *ExternalProvider) rpcClient(ctx context.Context) (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	client, err := rpc.DialContext(ctx, p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signer: %w", err)
	}
	p.client = client
	return client, nil
}

// RequestAccounts implements Provider
func (p *ExternalProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	client, err := p.rpcClient(ctx)
	if err != nil {
		return nil, err
	}

	var accounts []common.Address
	if err := client.CallContext(ctx, &accounts, "account_list"); err != nil {
		return nil, err
	}
	return accounts, nil
}

// Transactor implements Provider
func (p *ExternalProvider) Transactor(ctx context.Context, account common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	p.mu.Lock()
	if p.signer == nil {
		signer, err := external.NewExternalSigner(p.url)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("failed to open external signer: %w", err)
		}
		p.signer = signer
	}
	signer := p.signer
	p.mu.Unlock()

	return &bind.TransactOpts{
		From:    account,
		Context: ctx,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != account {
				return nil, bind.ErrNotAuthorized
			}
			return signer.SignTx(accounts.Account{Address: addr}, tx, chainID)
		},
	}, nil
}

// Close implements Provider
func (p *ExternalProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.signer = nil
	return nil
}

// KeystoreProvider signs with an encrypted key directory
type KeystoreProvider struct {
	ks         *keystore.KeyStore
	passphrase string
	account    common.Address
}

// NewKeystoreProvider opens the key directory. When account is non-empty only that
// account is offered.
func NewKeystoreProvider(dir, passphrase, account string) (*KeystoreProvider, error) {
	p := &KeystoreProvider{
		ks:         keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP),
		passphrase: passphrase,
	}
	if account != "" {
		if !common.IsHexAddress(account) {
			return nil, fmt.Errorf("invalid keystore account %q", account)
		}
		p.account = common.HexToAddress(account)
	}
	return p, nil
}

// RequestAccounts implements Provider
func (p *KeystoreProvider) RequestAccounts(_ context.Context) ([]common.Address, error) {
	var out []common.Address
	for _, acct := range p.ks.Accounts() {
		if p.account != (common.Address{}) && acct.Address != p.account {
			continue
		}
		out = append(out, acct.Address)
	}
	return out, nil
}

// Transactor implements Provider
func (p *KeystoreProvider) Transactor(ctx context.Context, account common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	acct := accounts.Account{Address: account}
	if err := p.ks.Unlock(acct, p.passphrase); err != nil {
		return nil, fmt.Errorf("failed to unlock account: %w", err)
	}

	opts, err := bind.NewKeyStoreTransactorWithChainID(p.ks, acct, chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

// Close implements Provider
func (p *KeystoreProvider) Close() error {
	if p.account != (common.Address{}) {
		p.ks.Lock(p.account)
	}
	return nil
}

// isUserRejection reports whether err is a wallet-side denial
func isUserRejection(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "request denied") ||
		strings.Contains(msg, "user rejected") ||
		strings.Contains(msg, "user denied")
}
