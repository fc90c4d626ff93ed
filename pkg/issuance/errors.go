package issuance

import (
	"errors"
	"fmt"

	"github.com/paw-chain/credwallet/pkg/store"
)

var (
	// ErrInvalidInput is returned when the student address or the file is unusable
	ErrInvalidInput = errors.New("invalid student address or file")
	// ErrRequestIDTooLong is returned when a request id does not fit the ledger key
	ErrRequestIDTooLong = fmt.Errorf("%w: request id longer than %d characters", ErrInvalidInput, store.MaxRequestIDLength)
	// ErrRequestConflict is returned when a request id is reused for another student or file
	ErrRequestConflict = errors.New("request id already used for a different student or file")
)

// UploadError means the pinning step failed. No chain interaction happened.
type UploadError struct {
	RequestID string
	Err       error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed for request %s: %v", e.RequestID, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// ChainWriteError means signer acquisition, submission or confirmation failed after
// a successful upload. The content reference stays valid and a retry with the same
// request id reuses it. It wraps contract.ErrTxPending when a submitted transaction
// was not confirmed in time; a retry then waits for that transaction instead of
// sending another.
type ChainWriteError struct {
	RequestID        string
	ContentReference string
	TxHash           string
	// Reason is the contract revert reason, empty when none was reported
	Reason string
	Err    error
}

func (e *ChainWriteError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("chain write failed for request %s: %s", e.RequestID, e.Reason)
	}
	return fmt.Sprintf("chain write failed for request %s: %v", e.RequestID, e.Err)
}

func (e *ChainWriteError) Unwrap() error {
	return e.Err
}
