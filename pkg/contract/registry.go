// Package contract binds the deployed credential registry contract.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"

	"github.com/paw-chain/credwallet/pkg/config"
)

const (
	methodIssueCredential = "issueCredential"
	methodOwnerOf         = "ownerOf"
	methodTokenURI        = "tokenURI"
	methodUniversityAdmin = "universityAdmin"
	eventCredentialIssued = "CredentialIssued"
)

var (
	// ErrReverted is returned when the transaction was mined with a failed status
	ErrReverted = errors.New("transaction reverted")
	// ErrEventNotFound is returned when a successful receipt has no CredentialIssued log
	ErrEventNotFound = errors.New("CredentialIssued event not found in receipt")
	// ErrTxNotFound is returned when the node does not know a transaction at all
	ErrTxNotFound = errors.New("transaction not found")
	// ErrTxPending is returned while a transaction waits to be mined or confirmed
	ErrTxPending = errors.New("transaction pending")
)

// defaultPollInterval is how often confirmations are checked
const defaultPollInterval = time.Second

// Backend is what the registry needs from a node connection
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// PendingError carries a transaction the node knows but has not confirmed yet
type PendingError struct {
	Tx *types.Transaction
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("transaction %s is pending", e.Tx.Hash().Hex())
}

func (e *PendingError) Unwrap() error {
	return ErrTxPending
}

// Issued describes a mined issuance
type Issued struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	// TokenID is nil when the contract did not emit CredentialIssued
	TokenID *big.Int
	Student common.Address
}

// CredentialIssued mirrors the CredentialIssued event
type CredentialIssued struct {
	To      common.Address
	TokenId *big.Int
}

// Registry wraps the credential registry contract
type Registry struct {
	address  common.Address
	abi      abi.ABI
	backend  Backend
	contract *bind.BoundContract

	// confirmations is the number of blocks, including the inclusion block, a
	// receipt needs before it counts as issued
	confirmations uint64
	pollInterval  time.Duration
}

// Dial connects to the node RPC endpoint
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node %s: %w", url, err)
	}
	return client, nil
}

// NewRegistry binds address with the parsed ABI
func NewRegistry(address common.Address, parsed abi.ABI, backend Backend) *Registry {
	return &Registry{
		address:  address,
		abi:      parsed,
		backend:  backend,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),

		confirmations: 1,
		pollInterval:  defaultPollInterval,
	}
}

// SetConfirmations sets how many blocks must include a receipt before it counts.
// Values below one mean one.
func (r *Registry) SetConfirmations(n uint64) {
	if n == 0 {
		n = 1
	}
	r.confirmations = n
}

// NewRegistryFromConfig binds the configured contract address and ABI
func NewRegistryFromConfig(cfg *config.Config, backend Backend) (*Registry, error) {
	parsed, err := abi.JSON(strings.NewReader(cfg.ContractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}
	if _, ok := parsed.Methods[methodIssueCredential]; !ok {
		return nil, fmt.Errorf("contract ABI has no %s method", methodIssueCredential)
	}
	reg := NewRegistry(common.HexToAddress(cfg.ContractAddress), parsed, backend)
	reg.SetConfirmations(cfg.Confirmations)
	return reg, nil
}

// Address returns the contract address
func (r *Registry) Address() common.Address {
	return r.address
}

// IssueCredential submits issueCredential(student, uri) signed by opts
func (r *Registry) IssueCredential(opts *bind.TransactOpts, student common.Address, uri string) (*types.Transaction, error) {
	tx, err := r.contract.Transact(opts, methodIssueCredential, student, uri)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"tx_hash": tx.Hash().Hex(),
		"student": student.Hex(),
		"from":    opts.From.Hex(),
		"nonce":   tx.Nonce(),
	}).Info("Credential transaction submitted")

	return tx, nil
}

// WaitIssued blocks until tx is mined and decodes the issued token id
func (r *Registry) WaitIssued(ctx context.Context, tx *types.Transaction) (*Issued, error) {
	receipt, err := bind.WaitMined(ctx, r.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for transaction %s: %w", tx.Hash().Hex(), err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := r.replayRevert(ctx, tx, receipt.BlockNumber)
		if reason != "" {
			return nil, &RevertError{Reason: reason, TxHash: tx.Hash()}
		}
		return nil, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}

	if err := r.waitConfirmations(ctx, receipt); err != nil {
		return nil, fmt.Errorf("failed waiting for confirmations of %s: %w", tx.Hash().Hex(), err)
	}
	return r.issuedFromReceipt(receipt), nil
}

// IssuedByHash looks up an earlier issuance transaction. A transaction the node
// still holds unmined, or mined with too few confirmations, yields a *PendingError
// that can be passed on to WaitIssued. ErrTxNotFound means the node does not know
// the hash and a resubmission cannot duplicate it.
func (r *Registry) IssuedByHash(ctx context.Context, hash common.Hash) (*Issued, error) {
	receipt, err := r.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, r.pending(ctx, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}

	confirmed, err := r.confirmed(ctx, receipt)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return nil, r.pending(ctx, hash)
	}
	return r.issuedFromReceipt(receipt), nil
}

// pending classifies a hash without a usable receipt
func (r *Registry) pending(ctx context.Context, hash common.Hash) error {
	tx, _, err := r.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return ErrTxNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to fetch transaction %s: %w", hash.Hex(), err)
	}
	// mined without an indexed receipt yet counts as pending too
	return &PendingError{Tx: tx}
}

func (r *Registry) confirmed(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if r.confirmations <= 1 || receipt.BlockNumber == nil {
		return true, nil
	}
	head, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to fetch chain head: %w", err)
	}
	target := new(big.Int).Add(receipt.BlockNumber, new(big.Int).SetUint64(r.confirmations-1))
	return head.Number.Cmp(target) >= 0, nil
}

func (r *Registry) waitConfirmations(ctx context.Context, receipt *types.Receipt) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.confirmed(ctx, receipt)
		if err != nil {
			log.WithError(err).Warn("Confirmation check failed")
		} else if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Registry) issuedFromReceipt(receipt *types.Receipt) *Issued {
	issued := &Issued{
		TxHash:  receipt.TxHash,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		issued.BlockNumber = receipt.BlockNumber.Uint64()
	}

	event, err := r.ParseCredentialIssued(receipt.Logs)
	if err != nil {
		log.WithFields(log.Fields{
			"tx_hash": receipt.TxHash.Hex(),
			"error":   err,
		}).Warn("Issued token id unavailable")
		return issued
	}
	issued.TokenID = event.TokenId
	issued.Student = event.To
	return issued
}

// ParseCredentialIssued returns the first CredentialIssued event emitted by the registry
func (r *Registry) ParseCredentialIssued(logs []*types.Log) (*CredentialIssued, error) {
	ev, ok := r.abi.Events[eventCredentialIssued]
	if !ok {
		return nil, ErrEventNotFound
	}
	for _, l := range logs {
		if l == nil || l.Address != r.address || len(l.Topics) == 0 || l.Topics[0] != ev.ID {
			continue
		}
		out := new(CredentialIssued)
		if err := r.contract.UnpackLog(out, eventCredentialIssued, *l); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", eventCredentialIssued, err)
		}
		return out, nil
	}
	return nil, ErrEventNotFound
}

// replayRevert re-executes a failed transaction at its block to recover the revert reason
func (r *Registry) replayRevert(ctx context.Context, tx *types.Transaction, block *big.Int) string {
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return ""
	}
	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err = r.backend.CallContract(ctx, msg, block)
	if err == nil {
		return ""
	}
	reason, _ := RevertReason(err)
	return reason
}

// OwnerOf returns the owner of tokenID
func (r *Registry) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	var out []interface{}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodOwnerOf, tokenID); err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// TokenURI returns the content reference recorded for tokenID
func (r *Registry) TokenURI(ctx context.Context, tokenID *big.Int) (string, error) {
	var out []interface{}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodTokenURI, tokenID); err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

// UniversityAdmin returns the only account allowed to issue
func (r *Registry) UniversityAdmin(ctx context.Context) (common.Address, error) {
	var out []interface{}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodUniversityAdmin); err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}
