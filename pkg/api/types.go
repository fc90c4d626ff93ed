package api

import (
	"github.com/paw-chain/credwallet/pkg/issuance"
	"github.com/paw-chain/credwallet/pkg/status"
	"github.com/paw-chain/credwallet/pkg/wallet"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ==================== Authentication Types ====================

// LoginRequest represents a password login request
type LoginRequest struct {
	Email    string `json:"email" form:"email" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

// AuthResponse represents a successful login
type AuthResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"` // Seconds until the session expires
	Email     string `json:"email"`
	Provider  string `json:"provider"`
	Redirect  string `json:"redirect"`
}

// ==================== Wallet Types ====================

// WalletResponse carries the operator wallet session and the resulting status line
type WalletResponse struct {
	Session   wallet.Session  `json:"session"`
	Available bool            `json:"available"`
	Status    *status.Display `json:"status,omitempty"`
}

// ==================== Credential Types ====================

// IssueResponse is returned by the credential submission endpoint
type IssueResponse struct {
	Result *issuance.Result `json:"result,omitempty"`
	Status *status.Display  `json:"status,omitempty"`
	Error  string           `json:"error,omitempty"`
	Code   string           `json:"code,omitempty"`
}

// StatusResponse is the current operator status line
type StatusResponse struct {
	Status *status.Display `json:"status"`
}

// TokenResponse is an on-chain credential lookup
type TokenResponse struct {
	TokenID  string `json:"token_id"`
	Owner    string `json:"owner"`
	TokenURI string `json:"token_uri"`
}

// HealthResponse is the health check result
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
}
