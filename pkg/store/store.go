// Package store keeps the issuance ledger keyed by request id.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a request id
var ErrNotFound = errors.New("issuance record not found")

// MaxRequestIDLength bounds a request id; the ledger key column has this width
const MaxRequestIDLength = 128

// Outcome is the phase an issuance reached
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeUploaded  Outcome = "uploaded"
	OutcomeSubmitted Outcome = "submitted"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
)

// Record is one issuance attempt and every phase it completed
type Record struct {
	RequestID      string `json:"request_id"`
	StudentAddress string `json:"student_address"`
	FileName       string `json:"file_name,omitempty"`
	// ContentDigest identifies the file bytes the request id was first used with
	ContentDigest    string    `json:"content_digest,omitempty"`
	ContentReference string    `json:"content_reference,omitempty"`
	TxHash           string    `json:"tx_hash,omitempty"`
	TokenID          string    `json:"token_id,omitempty"`
	Outcome          Outcome   `json:"outcome"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	Operator         string    `json:"operator,omitempty"`
	Attempts         int       `json:"attempts"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Uploaded reports whether the content reference is already known
func (r *Record) Uploaded() bool {
	return r.ContentReference != ""
}

// Confirmed reports whether the chain write was confirmed
func (r *Record) Confirmed() bool {
	return r.Outcome == OutcomeConfirmed
}

// Store persists issuance records
type Store interface {
	// Get returns the record for requestID or ErrNotFound
	Get(ctx context.Context, requestID string) (*Record, error)
	// Save inserts or replaces the record
	Save(ctx context.Context, record *Record) error
	// List returns the most recently updated records first
	List(ctx context.Context, limit int) ([]*Record, error)
	Close() error
}

func touch(r *Record) {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
}
