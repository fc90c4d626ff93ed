package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paw-chain/credwallet/pkg/audit"
	"github.com/paw-chain/credwallet/pkg/inflight"
	"github.com/paw-chain/credwallet/pkg/metrics"
	"github.com/paw-chain/credwallet/pkg/status"
	"github.com/paw-chain/credwallet/pkg/wallet"
)

const connectFlow = "connect"

// handleWalletSession returns the wallet session
func (s *Server) handleWalletSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.walletResponse(operatorOf(c)))
}

// handleWalletConnect requests account access from the wallet provider
func (s *Server) handleWalletConnect(c *gin.Context) {
	operator := operatorOf(c)

	release, err := s.guard.Acquire(c.Request.Context(), inflight.Key(connectFlow, operator))
	if err != nil {
		writeBusy(c, err)
		return
	}
	defer release()

	account, err := s.wallet.Connect(c.Request.Context())
	s.board.For(operator).Set(wallet.StatusFor(account, err))

	result, code := "connected", http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, wallet.ErrProviderMissing):
		result, code = "provider_missing", http.StatusPreconditionFailed
	case errors.Is(err, wallet.ErrUserRejected):
		result, code = "rejected", http.StatusForbidden
	default:
		result, code = "failed", http.StatusBadGateway
	}
	metrics.RecordWalletConnect(result)

	auditStatus := audit.StatusSuccess
	if err != nil {
		auditStatus = audit.StatusFailure
	}
	s.audit.LogWallet(originOf(c), operator, connectFlow, account.Hex(), auditStatus)

	c.JSON(code, s.walletResponse(operator))
}

// handleWalletDisconnect clears the wallet session
func (s *Server) handleWalletDisconnect(c *gin.Context) {
	operator := operatorOf(c)
	s.wallet.Disconnect()
	s.board.For(operator).Clear()
	s.audit.LogWallet(originOf(c), operator, "disconnect", "", audit.StatusSuccess)
	c.JSON(http.StatusOK, s.walletResponse(operator))
}

// handleStatus returns the operator status line
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Status: s.display(operatorOf(c))})
}

func (s *Server) walletResponse(operator string) WalletResponse {
	return WalletResponse{
		Session:   s.wallet.Session(),
		Available: s.wallet.Available(),
		Status:    s.display(operator),
	}
}

func (s *Server) display(operator string) *status.Display {
	d, ok := s.board.For(operator).Render()
	if !ok {
		return nil
	}
	return &d
}

func writeBusy(c *gin.Context, err error) {
	if errors.Is(err, inflight.ErrBusy) {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Operation already in progress", Code: "BUSY"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Operation guard unavailable", Details: err.Error(), Code: "GUARD_UNAVAILABLE"})
}
