package api

import (
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/paw-chain/credwallet/pkg/contract"
	"github.com/paw-chain/credwallet/pkg/inflight"
	"github.com/paw-chain/credwallet/pkg/issuance"
	"github.com/paw-chain/credwallet/pkg/store"
	"github.com/paw-chain/credwallet/pkg/wallet"
)

// MaxCredentialSize bounds an uploaded credential file
const MaxCredentialSize = 10 << 20 // 10 MB

// maxIssueBody leaves room for the form fields around the file
const maxIssueBody = MaxCredentialSize + 1<<20

const defaultRecentLimit = 20

// handleIssueCredential uploads the credential file and records it on chain
func (s *Server) handleIssueCredential(c *gin.Context) {
	if c.Request.ContentLength > maxIssueBody {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Credential file too large", Code: "FILE_TOO_LARGE"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxIssueBody)

	// PostForm and FormFile swallow parse errors, so a truncated body would read as empty fields
	if err := c.Request.ParseMultipartForm(MaxCredentialSize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Credential file too large", Code: "FILE_TOO_LARGE"})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Malformed form", Details: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	req := issuance.Request{
		RequestID:      c.PostForm("requestId"),
		StudentAddress: c.PostForm("studentAddress"),
		Operator:       operatorOf(c),
		Origin:         originOf(c),
	}

	// A missing file is left to the orchestrator so the status line reports it
	if header, err := c.FormFile("file"); err == nil {
		if header.Size > MaxCredentialSize {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Credential file too large", Code: "FILE_TOO_LARGE"})
			return
		}
		f, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Unreadable file", Details: err.Error(), Code: "INVALID_FILE"})
			return
		}
		req.File, err = io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Unreadable file", Details: err.Error(), Code: "INVALID_FILE"})
			return
		}
		req.FileName = header.Filename
	}

	result, err := s.orchestrator.IssueCredential(c.Request.Context(), req)
	resp := IssueResponse{Result: result, Status: s.display(req.Operator)}
	if err == nil {
		c.JSON(http.StatusOK, resp)
		return
	}

	code, errCode := issuanceErrorStatus(err)
	resp.Error = err.Error()
	resp.Code = errCode
	c.JSON(code, resp)
}

// issuanceErrorStatus maps an issuance error to its HTTP status and error code
func issuanceErrorStatus(err error) (int, string) {
	var uploadErr *issuance.UploadError
	var chainErr *issuance.ChainWriteError

	switch {
	case errors.Is(err, issuance.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, inflight.ErrBusy):
		return http.StatusConflict, "BUSY"
	case errors.Is(err, issuance.ErrRequestConflict):
		return http.StatusConflict, "REQUEST_CONFLICT"
	case errors.Is(err, wallet.ErrProviderMissing), errors.Is(err, wallet.ErrNotConnected):
		return http.StatusPreconditionFailed, "WALLET_UNAVAILABLE"
	case errors.As(err, &uploadErr):
		return http.StatusBadGateway, "UPLOAD_FAILED"
	case errors.Is(err, contract.ErrTxPending):
		return http.StatusAccepted, "TX_PENDING"
	case errors.As(err, &chainErr):
		return http.StatusBadGateway, "CHAIN_WRITE_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// handleCredentialLookup returns the ledger record of a request id
func (s *Server) handleCredentialLookup(c *gin.Context) {
	rec, err := s.orchestrator.Lookup(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown request id", Code: "NOT_FOUND"})
			return
		}
		log.WithError(err).Error("Failed to read issuance record")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read issuance record", Code: "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleRecentCredentials lists the latest issuances
func (s *Server) handleRecentCredentials(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultRecentLimit)))
	if err != nil || limit <= 0 || limit > 100 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and 100", Code: "INVALID_REQUEST"})
		return
	}

	records, err := s.orchestrator.Recent(c.Request.Context(), limit)
	if err != nil {
		log.WithError(err).Error("Failed to list issuance records")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list issuance records", Code: "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// handleTokenLookup reads the owner and content reference of an issued credential
func (s *Server) handleTokenLookup(c *gin.Context) {
	if s.reader == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Registry contract not configured", Code: "REGISTRY_UNAVAILABLE"})
		return
	}

	tokenID, ok := new(big.Int).SetString(c.Param("tokenId"), 10)
	if !ok || tokenID.Sign() < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid token id", Code: "INVALID_REQUEST"})
		return
	}

	ctx := c.Request.Context()
	owner, err := s.reader.OwnerOf(ctx, tokenID)
	if err != nil {
		writeReadError(c, err)
		return
	}
	uri, err := s.reader.TokenURI(ctx, tokenID)
	if err != nil {
		writeReadError(c, err)
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		TokenID:  tokenID.String(),
		Owner:    owner.Hex(),
		TokenURI: uri,
	})
}

func writeReadError(c *gin.Context, err error) {
	// ERC-721 reads revert for tokens that were never minted
	if reason, ok := contract.RevertReason(err); ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown token", Details: reason, Code: "NOT_FOUND"})
		return
	}
	log.WithError(err).Error("Registry read failed")
	c.JSON(http.StatusBadGateway, ErrorResponse{Error: "Registry read failed", Code: "NODE_UNAVAILABLE"})
}
