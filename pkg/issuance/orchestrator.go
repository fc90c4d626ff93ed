// Package issuance uploads a credential file and records its content reference on
// the credential registry contract.
package issuance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/paw-chain/credwallet/pkg/audit"
	"github.com/paw-chain/credwallet/pkg/contract"
	"github.com/paw-chain/credwallet/pkg/inflight"
	"github.com/paw-chain/credwallet/pkg/metrics"
	"github.com/paw-chain/credwallet/pkg/pinning"
	"github.com/paw-chain/credwallet/pkg/status"
	"github.com/paw-chain/credwallet/pkg/store"
	"github.com/paw-chain/credwallet/pkg/telemetry"
	"github.com/paw-chain/credwallet/pkg/wallet"
)

// Operator-facing status texts
const (
	MsgInvalidInput     = "Please provide a valid student address and a file."
	MsgRequestIDTooLong = "Request id must be at most 128 characters."
	MsgConnectWallet    = "Please connect your wallet to continue."
	MsgRequestConflict  = "This request id was already used for a different student or file."
	MsgUploading        = "Uploading to IPFS via Pinata..."
	MsgUploaded         = "File uploaded successfully! IPFS Hash: %s"
	MsgAwaitingChain    = "Awaiting transaction confirmation..."
	MsgStillPending     = "Transaction %s is still pending. Submit the same request again to check on it."
	MsgIssued           = "Credential issued successfully. Recorded on the blockchain with IPFS Hash: %s"
	MsgGenericFailure   = "An error occurred. See console."
	issueFlow           = "issue"
	defaultFileName     = "credential"
	outcomeInvalidInput = "invalid_input"
)

// Outcome is the transaction outcome reported to the caller
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
)

// Pinner uploads file content and returns its content reference
type Pinner interface {
	PinFile(ctx context.Context, f pinning.File) (*pinning.PinResult, error)
}

// pinFinder is implemented by pinners that can look up earlier uploads by metadata
type pinFinder interface {
	FindByMetadata(ctx context.Context, key, value string) (*pinning.PinnedItem, error)
}

// Registry submits and confirms the contract write
type Registry interface {
	IssueCredential(opts *bind.TransactOpts, student common.Address, uri string) (*types.Transaction, error)
	WaitIssued(ctx context.Context, tx *types.Transaction) (*contract.Issued, error)
	IssuedByHash(ctx context.Context, hash common.Hash) (*contract.Issued, error)
}

// Signer hands out transaction options for the connected wallet account
type Signer interface {
	Connected() bool
	Signer(ctx context.Context) (*bind.TransactOpts, error)
}

// Request is one issuance submission
type Request struct {
	// RequestID is the idempotency key. Derived from the content and student when empty.
	RequestID      string
	StudentAddress string
	FileName       string
	File           []byte
	// Operator identifies who submits; it scopes the busy flag and the status line
	Operator string
	Origin   audit.Origin
}

// Result is the outcome of an issuance
type Result struct {
	RequestID        string  `json:"request_id"`
	StudentAddress   string  `json:"student_address"`
	ContentReference string  `json:"content_reference"`
	TxHash           string  `json:"tx_hash,omitempty"`
	TokenID          string  `json:"token_id,omitempty"`
	Outcome          Outcome `json:"outcome"`
	ReusedUpload     bool    `json:"reused_upload"`
	// Replayed is set when the request id was already confirmed and nothing was sent
	Replayed bool `json:"replayed"`
}

// Options configures an Orchestrator
type Options struct {
	Pinner   Pinner
	Registry Registry
	Signer   Signer
	Ledger   store.Store
	Guard    inflight.Guard
	Board    *status.Board
	Audit    *audit.Logger

	// UploadTimeout and ChainTimeout bound each phase. Zero means no limit.
	UploadTimeout time.Duration
	ChainTimeout  time.Duration
}

// Orchestrator runs the two phase issuance: upload, then contract write
type Orchestrator struct {
	pinner   Pinner
	registry Registry
	signer   Signer
	ledger   store.Store
	guard    inflight.Guard
	board    *status.Board
	audit    *audit.Logger

	uploadTimeout time.Duration
	chainTimeout  time.Duration
}

// New creates an orchestrator. Ledger, Guard and Board default to in-memory
// implementations.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		pinner:        opts.Pinner,
		registry:      opts.Registry,
		signer:        opts.Signer,
		ledger:        opts.Ledger,
		guard:         opts.Guard,
		board:         opts.Board,
		audit:         opts.Audit,
		uploadTimeout: opts.UploadTimeout,
		chainTimeout:  opts.ChainTimeout,
	}
	if o.ledger == nil {
		o.ledger = store.NewMemoryStore()
	}
	if o.guard == nil {
		o.guard = inflight.NewMemoryGuard()
	}
	if o.board == nil {
		o.board = status.NewBoard()
	}
	return o
}

// Status returns the status reporter of operator
func (o *Orchestrator) Status(operator string) *status.Reporter {
	return o.board.For(operator)
}

// Lookup returns the ledger record for requestID
func (o *Orchestrator) Lookup(ctx context.Context, requestID string) (*store.Record, error) {
	return o.ledger.Get(ctx, requestID)
}

// Recent returns the latest ledger records
func (o *Orchestrator) Recent(ctx context.Context, limit int) ([]*store.Record, error) {
	return o.ledger.List(ctx, limit)
}

// Validate checks the request without any network call
func Validate(req Request) error {
	if len(req.File) == 0 || !common.IsHexAddress(strings.TrimSpace(req.StudentAddress)) {
		return ErrInvalidInput
	}
	if len(req.RequestID) > store.MaxRequestIDLength {
		return ErrRequestIDTooLong
	}
	return nil
}

// DeriveRequestID computes the default idempotency key from the file content and
// the student address
func DeriveRequestID(student string, content []byte) (string, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(content)+common.AddressLength))
	buf.Write(content)
	buf.Write(common.HexToAddress(student).Bytes())

	id, err := pinning.LocalCID(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("failed to derive request id: %w", err)
	}
	return id.String(), nil
}

// IssueCredential validates req, uploads the file unless an earlier attempt with
// the same request id already did, then writes the content reference on chain.
// The operator status line follows every step.
func (o *Orchestrator) IssueCredential(ctx context.Context, req Request) (res *Result, err error) {
	reporter := o.board.For(req.Operator)

	if err := Validate(req); err != nil {
		text := MsgInvalidInput
		if errors.Is(err, ErrRequestIDTooLong) {
			text = MsgRequestIDTooLong
		}
		reporter.Set(status.Failure(text))
		metrics.RecordIssuance(outcomeInvalidInput)
		return nil, err
	}

	// Nothing is uploaded until a wallet can sign the contract write
	if o.signer == nil || !o.signer.Connected() {
		reporter.Set(status.Failure(MsgConnectWallet))
		metrics.RecordIssuance("wallet_unavailable")
		return nil, wallet.ErrNotConnected
	}

	ctx, span := telemetry.StartSpan(ctx, "issuance.issue_credential", attribute.String("operator", req.Operator))
	defer func() { telemetry.End(span, err) }()

	release, err := o.guard.Acquire(ctx, inflight.Key(issueFlow, req.Operator))
	if err != nil {
		if errors.Is(err, inflight.ErrBusy) {
			metrics.RecordIssuance("busy")
		}
		return nil, err
	}
	defer release()

	student := common.HexToAddress(strings.TrimSpace(req.StudentAddress))
	if req.FileName == "" {
		req.FileName = defaultFileName
	}
	digest, err := pinning.LocalCID(req.File)
	if err != nil {
		return nil, fmt.Errorf("failed to digest credential file: %w", err)
	}
	if req.RequestID == "" {
		if req.RequestID, err = DeriveRequestID(student.Hex(), req.File); err != nil {
			return nil, err
		}
	}
	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("student", student.Hex()),
	)

	logger := log.WithFields(log.Fields{
		"request_id": req.RequestID,
		"student":    student.Hex(),
		"operator":   req.Operator,
	})

	rec, err := o.loadRecord(ctx, req, student, digest.String())
	if err != nil {
		if errors.Is(err, ErrRequestConflict) {
			logger.Warn("Request id already used for another credential")
			reporter.Set(status.Failure(MsgRequestConflict))
			metrics.RecordIssuance("conflict")
		}
		return nil, err
	}

	if rec.Confirmed() {
		logger.Info("Request already confirmed, returning recorded result")
		reporter.Set(status.Info(status.StageTerminal, MsgIssued, rec.ContentReference))
		metrics.RecordIssuance("replayed")
		res := resultFromRecord(rec)
		res.Replayed = true
		return res, nil
	}

	rec.Attempts++
	rec.FailureReason = ""

	// A previous attempt may still be in the mempool or mined after its wait gave up
	if rec.TxHash != "" {
		issued, resubmit, err := o.recoverSubmitted(ctx, rec, logger)
		if !resubmit {
			if err != nil {
				return o.chainFailed(ctx, req, rec, student, true, err, logger)
			}
			return o.issued(ctx, req, rec, student, true, issued, logger), nil
		}
	}

	reused := rec.Uploaded()
	if reused {
		logger.WithField("ipfs_hash", rec.ContentReference).Info("Reusing content reference from earlier attempt")
	} else {
		ref, found, err := o.upload(ctx, req, digest.String(), reporter)
		if err != nil {
			logger.WithError(err).Error("Credential upload failed")
			rec.Outcome = store.OutcomeFailed
			rec.FailureReason = err.Error()
			o.save(ctx, rec)

			reporter.Set(status.Error(MsgGenericFailure))
			metrics.RecordIssuance("upload_failed")
			o.audit.LogIssuance(req.Origin, req.Operator, req.RequestID, student.Hex(), audit.StatusFailure,
				map[string]interface{}{"phase": "upload", "error": err.Error()})
			return nil, &UploadError{RequestID: req.RequestID, Err: err}
		}

		reused = found
		rec.ContentReference = ref
		rec.Outcome = store.OutcomeUploaded
		o.save(ctx, rec)
	}
	if reused {
		metrics.RecordUploadReused()
	}
	reporter.Set(status.Info(status.StageInFlight, MsgUploaded, rec.ContentReference))
	reporter.Set(status.Info(status.StageInFlight, MsgAwaitingChain))

	issued, err := o.writeChain(ctx, rec, student, logger)
	if err != nil {
		return o.chainFailed(ctx, req, rec, student, reused, err, logger)
	}
	return o.issued(ctx, req, rec, student, reused, issued, logger), nil
}

// issued records the confirmation and reports it
func (o *Orchestrator) issued(ctx context.Context, req Request, rec *store.Record, student common.Address,
	reused bool, issued *contract.Issued, logger *log.Entry) *Result {
	o.markConfirmed(ctx, rec, issued)

	logger.WithFields(log.Fields{
		"ipfs_hash": rec.ContentReference,
		"tx_hash":   rec.TxHash,
		"token_id":  rec.TokenID,
	}).Info("Credential issued")

	o.board.For(req.Operator).Set(status.Info(status.StageTerminal, MsgIssued, rec.ContentReference))
	metrics.RecordIssuance("confirmed")
	o.audit.LogIssuance(req.Origin, req.Operator, req.RequestID, student.Hex(), audit.StatusSuccess,
		map[string]interface{}{"ipfs_hash": rec.ContentReference, "tx_hash": rec.TxHash, "token_id": rec.TokenID})

	res := resultFromRecord(rec)
	res.ReusedUpload = reused
	return res
}

// chainFailed records a failed or unconfirmed contract write. A transaction that is
// still pending stays submitted so the next attempt waits for it.
func (o *Orchestrator) chainFailed(ctx context.Context, req Request, rec *store.Record, student common.Address,
	reused bool, err error, logger *log.Entry) (*Result, error) {
	cwErr := &ChainWriteError{
		RequestID:        req.RequestID,
		ContentReference: rec.ContentReference,
		TxHash:           rec.TxHash,
		Err:              err,
	}
	cwErr.Reason, _ = contract.RevertReason(err)
	reporter := o.board.For(req.Operator)

	if errors.Is(err, contract.ErrTxPending) {
		logger.WithFields(log.Fields{
			"ipfs_hash": rec.ContentReference,
			"tx_hash":   rec.TxHash,
		}).Warn("Credential transaction still pending")

		rec.Outcome = store.OutcomeSubmitted
		rec.FailureReason = err.Error()
		o.save(ctx, rec)

		reporter.Set(status.Info(status.StageTerminal, MsgStillPending, rec.TxHash))
		metrics.RecordIssuance("pending")
		o.audit.LogIssuance(req.Origin, req.Operator, req.RequestID, student.Hex(), audit.StatusFailure,
			map[string]interface{}{"phase": "confirm", "pending": true, "tx_hash": rec.TxHash})
	} else {
		logger.WithFields(log.Fields{
			"ipfs_hash": rec.ContentReference,
			"reason":    cwErr.Reason,
			"error":     err,
		}).Error("Credential chain write failed")

		rec.Outcome = store.OutcomeFailed
		rec.FailureReason = err.Error()
		o.save(ctx, rec)

		reason := cwErr.Reason
		if reason == "" {
			reason = MsgGenericFailure
		}
		reporter.Set(status.Error(reason))
		metrics.RecordIssuance("chain_failed")
		o.audit.LogIssuance(req.Origin, req.Operator, req.RequestID, student.Hex(), audit.StatusFailure,
			map[string]interface{}{"phase": "chain", "ipfs_hash": rec.ContentReference, "error": err.Error()})
	}

	res := resultFromRecord(rec)
	res.ReusedUpload = reused
	return res, cwErr
}

func (o *Orchestrator) loadRecord(ctx context.Context, req Request, student common.Address, digest string) (*store.Record, error) {
	rec, err := o.ledger.Get(ctx, req.RequestID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &store.Record{
			RequestID:      req.RequestID,
			StudentAddress: student.Hex(),
			FileName:       req.FileName,
			ContentDigest:  digest,
			Outcome:        store.OutcomePending,
			Operator:       req.Operator,
		}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load issuance record: %w", err)
	}

	if !strings.EqualFold(rec.StudentAddress, student.Hex()) {
		return nil, ErrRequestConflict
	}
	if rec.ContentDigest != "" && rec.ContentDigest != digest {
		return nil, ErrRequestConflict
	}
	if rec.ContentDigest == "" && rec.TxHash == "" && !rec.Confirmed() {
		// no digest to compare against, so the stored reference cannot be trusted
		rec.ContentReference = ""
	}
	rec.ContentDigest = digest
	rec.Operator = req.Operator
	return rec, nil
}

// upload pins the file, reusing a pin already tagged with the request id when the
// pinning service can tell. found reports such a reuse.
func (o *Orchestrator) upload(ctx context.Context, req Request, digest string, reporter *status.Reporter) (ref string, found bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "issuance.upload", attribute.String("request.id", req.RequestID))
	defer func() {
		span.SetAttributes(attribute.Bool("upload.reused", found))
		telemetry.End(span, err)
	}()

	ctx, cancel := withTimeout(ctx, o.uploadTimeout)
	defer cancel()

	if ref := o.findPin(ctx, req.RequestID, digest); ref != "" {
		return ref, true, nil
	}

	reporter.Set(status.Info(status.StageInFlight, MsgUploading))
	timer := metrics.NewTimer()
	res, err := o.pinner.PinFile(ctx, pinning.File{
		Name:    req.FileName,
		Content: req.File,
		KeyValues: map[string]string{
			pinning.MetadataRequestID:     req.RequestID,
			pinning.MetadataContentDigest: digest,
		},
	})
	timer.ObserveDuration(metrics.UploadLatency)
	if err != nil {
		return "", false, err
	}
	return res.IpfsHash, false, nil
}

// findPin returns the content reference of an earlier pin of the same request and
// file, or "" when there is none
func (o *Orchestrator) findPin(ctx context.Context, requestID, digest string) string {
	finder, ok := o.pinner.(pinFinder)
	if !ok {
		return ""
	}
	item, err := finder.FindByMetadata(ctx, pinning.MetadataRequestID, requestID)
	if err != nil {
		log.WithError(err).Warn("Pin lookup failed, uploading again")
		return ""
	}
	if item == nil || item.IpfsPinHash == "" {
		return ""
	}
	if d := item.Metadata.KeyValues[pinning.MetadataContentDigest]; d != "" && d != digest {
		log.WithFields(log.Fields{
			"request_id": requestID,
			"ipfs_hash":  item.IpfsPinHash,
		}).Warn("Pin tagged with the request id holds other content, uploading again")
		return ""
	}
	return item.IpfsPinHash
}

func (o *Orchestrator) writeChain(ctx context.Context, rec *store.Record, student common.Address, logger *log.Entry) (*contract.Issued, error) {
	if o.registry == nil {
		return nil, errors.New("no registry contract configured")
	}

	ctx, cancel := withTimeout(ctx, o.chainTimeout)
	defer cancel()

	opts, err := o.sign(ctx)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	tx, err := o.submit(ctx, opts, student, rec.ContentReference)
	if err != nil {
		return nil, err
	}

	rec.TxHash = tx.Hash().Hex()
	rec.Outcome = store.OutcomeSubmitted
	o.save(ctx, rec)
	logger.WithField("tx_hash", rec.TxHash).Info("Awaiting transaction confirmation")

	issued, err := o.confirm(ctx, tx)
	timer.ObserveDuration(metrics.ChainLatency)
	return issued, err
}

func (o *Orchestrator) sign(ctx context.Context) (opts *bind.TransactOpts, err error) {
	ctx, span := telemetry.StartSpan(ctx, "wallet.signer")
	defer func() { telemetry.End(span, err) }()
	return o.signer.Signer(ctx)
}

func (o *Orchestrator) submit(ctx context.Context, opts *bind.TransactOpts, student common.Address, uri string) (tx *types.Transaction, err error) {
	_, span := telemetry.StartSpan(ctx, "issuance.submit", attribute.String("student", student.Hex()))
	defer func() {
		if tx != nil {
			span.SetAttributes(attribute.String("tx.hash", tx.Hash().Hex()))
		}
		telemetry.End(span, err)
	}()
	return o.registry.IssueCredential(opts, student, uri)
}

// confirm waits for tx. Running out of time before the receipt or the required
// confirmations arrive yields contract.ErrTxPending.
func (o *Orchestrator) confirm(ctx context.Context, tx *types.Transaction) (issued *contract.Issued, err error) {
	ctx, span := telemetry.StartSpan(ctx, "issuance.confirm", attribute.String("tx.hash", tx.Hash().Hex()))
	defer func() { telemetry.End(span, err) }()

	issued, err = o.registry.WaitIssued(ctx, tx)
	if err != nil && ctx.Err() != nil {
		err = pending(err)
	}
	return issued, err
}

// recoverSubmitted looks up the transaction of an earlier attempt. resubmit is set
// only when the node does not know the hash or the transaction reverted; a pending
// transaction is waited for instead of replaced.
func (o *Orchestrator) recoverSubmitted(ctx context.Context, rec *store.Record, logger *log.Entry) (issued *contract.Issued, resubmit bool, err error) {
	ctx, span := telemetry.StartSpan(ctx, "issuance.recover", attribute.String("tx.hash", rec.TxHash))
	defer func() {
		span.SetAttributes(attribute.Bool("recover.resubmit", resubmit))
		telemetry.End(span, err)
	}()

	if o.registry == nil {
		return nil, false, errors.New("no registry contract configured")
	}
	logger = logger.WithField("tx_hash", rec.TxHash)

	issued, err = o.registry.IssuedByHash(ctx, common.HexToHash(rec.TxHash))
	var pendingErr *contract.PendingError
	switch {
	case err == nil:
		logger.Info("Earlier transaction was confirmed")
		return issued, false, nil
	case errors.Is(err, contract.ErrTxNotFound), errors.Is(err, contract.ErrReverted):
		logger.WithError(err).Warn("Earlier transaction not confirmed, submitting again")
		return nil, true, nil
	case errors.As(err, &pendingErr) && pendingErr.Tx != nil:
		logger.Info("Earlier transaction still pending, awaiting it")
	default:
		logger.WithError(err).Error("Failed to look up earlier transaction")
		return nil, false, err
	}

	o.board.For(rec.Operator).Set(status.Info(status.StageInFlight, MsgAwaitingChain))
	waitCtx, cancel := withTimeout(ctx, o.chainTimeout)
	defer cancel()

	issued, err = o.confirm(waitCtx, pendingErr.Tx)
	if err != nil && !errors.Is(err, contract.ErrReverted) {
		err = pending(err)
	}
	return issued, false, err
}

func pending(err error) error {
	if errors.Is(err, contract.ErrTxPending) {
		return err
	}
	return fmt.Errorf("%w: %w", contract.ErrTxPending, err)
}

func (o *Orchestrator) markConfirmed(ctx context.Context, rec *store.Record, issued *contract.Issued) {
	rec.Outcome = store.OutcomeConfirmed
	rec.FailureReason = ""
	if issued != nil {
		if issued.TxHash != (common.Hash{}) {
			rec.TxHash = issued.TxHash.Hex()
		}
		if issued.TokenID != nil {
			rec.TokenID = issued.TokenID.String()
		}
	}
	o.save(ctx, rec)
}

// save records a phase. A ledger failure is logged and does not fail the issuance.
func (o *Orchestrator) save(ctx context.Context, rec *store.Record) {
	if err := o.ledger.Save(context.WithoutCancel(ctx), rec); err != nil {
		log.WithFields(log.Fields{
			"request_id": rec.RequestID,
			"outcome":    rec.Outcome,
			"error":      err,
		}).Error("Failed to record issuance phase")
	}
}

func resultFromRecord(rec *store.Record) *Result {
	res := &Result{
		RequestID:        rec.RequestID,
		StudentAddress:   rec.StudentAddress,
		ContentReference: rec.ContentReference,
		TxHash:           rec.TxHash,
		TokenID:          rec.TokenID,
	}
	switch rec.Outcome {
	case store.OutcomeConfirmed:
		res.Outcome = OutcomeConfirmed
	case store.OutcomeFailed:
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomePending
	}
	return res
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
