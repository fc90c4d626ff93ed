package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/paw-chain/credwallet/pkg/audit"
	"github.com/paw-chain/credwallet/pkg/config"
	"github.com/paw-chain/credwallet/pkg/contract"
	"github.com/paw-chain/credwallet/pkg/identity"
	"github.com/paw-chain/credwallet/pkg/issuance"
	"github.com/paw-chain/credwallet/pkg/pinning"
	"github.com/paw-chain/credwallet/pkg/status"
	"github.com/paw-chain/credwallet/pkg/wallet"
)

const (
	testCID      = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	testOperator = "admin@university.edu"
	testStudent  = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
)

var testAccount = common.HexToAddress("0x00000000000000000000000000000000000Ad31")

type fakeProvider struct{}

func (fakeProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	return []common.Address{testAccount}, nil
}

func (fakeProvider) Transactor(_ context.Context, account common.Address, _ *big.Int) (*bind.TransactOpts, error) {
	return &bind.TransactOpts{From: account}, nil
}

func (fakeProvider) Close() error { return nil }

type fakeRegistry struct {
	mu   sync.Mutex
	uris []string
}

func (r *fakeRegistry) IssueCredential(_ *bind.TransactOpts, _ common.Address, uri string) (*types.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uris = append(r.uris, uri)
	return types.NewTx(&types.LegacyTx{Nonce: uint64(len(r.uris)), Gas: 100000, GasPrice: big.NewInt(1)}), nil
}

func (r *fakeRegistry) WaitIssued(_ context.Context, tx *types.Transaction) (*contract.Issued, error) {
	return &contract.Issued{TxHash: tx.Hash(), TokenID: big.NewInt(7)}, nil
}

func (r *fakeRegistry) IssuedByHash(context.Context, common.Hash) (*contract.Issued, error) {
	return nil, contract.ErrTxNotFound
}

func (r *fakeRegistry) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.uris...)
}

type fakeReader struct{}

func (fakeReader) OwnerOf(_ context.Context, tokenID *big.Int) (common.Address, error) {
	if tokenID.Int64() != 7 {
		return common.Address{}, errors.New("execution reverted: ERC721: invalid token ID")
	}
	return common.HexToAddress(testStudent), nil
}

func (fakeReader) TokenURI(context.Context, *big.Int) (string, error) {
	return testCID, nil
}

type testOptions struct {
	provider   wallet.Provider
	pinHandler http.HandlerFunc
	reader     TokenReader
	checks     []HealthCheck
}

type testServer struct {
	*Server
	registry *fakeRegistry
	pins     *int
}

func okPinHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/data/pinList" {
		w.Write([]byte(`{"count":0,"rows":[]}`))
		return
	}
	w.Write([]byte(`{"IpfsHash":"` + testCID + `","PinSize":7}`))
}

// setupTestServer creates a server backed by a fake pinning service and registry
func setupTestServer(t *testing.T, opts testOptions) *testServer {
	t.Helper()

	pins := 0
	handler := opts.pinHandler
	if handler == nil {
		handler = okPinHandler
	}
	var mu sync.Mutex
	pinSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/pinning/pinFileToIPFS" {
			mu.Lock()
			pins++
			mu.Unlock()
		}
		handler(w, r)
	}))
	t.Cleanup(pinSrv.Close)

	cfg := config.Default()
	cfg.CORSOrigins = []string{"*"}
	cfg.RateLimitRPS = 1000

	hash, err := bcrypt.GenerateFromPassword([]byte("correct"), bcrypt.MinCost)
	require.NoError(t, err)

	auditLog, err := audit.NewLogger(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	tokens, err := identity.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	board := status.NewBoard()
	connector := wallet.NewConnector(opts.provider, cfg.ChainID)
	registry := &fakeRegistry{}

	orchestrator := issuance.New(issuance.Options{
		Pinner:   pinning.NewClient(pinSrv.URL, "key", "secret", 5*time.Second),
		Registry: registry,
		Signer:   connector,
		Board:    board,
		Audit:    auditLog,
	})

	server, err := NewServer(Options{
		Config:       cfg,
		Orchestrator: orchestrator,
		Identity:     identity.NewManager(identity.Options{Password: identity.NewBootstrapProvider(map[string]string{testOperator: string(hash)})}),
		Tokens:       tokens,
		Wallet:       connector,
		Board:        board,
		Audit:        auditLog,
		Reader:       opts.reader,
		Checks:       opts.checks,
		Version:      "test",
	})
	require.NoError(t, err)

	return &testServer{Server: server, registry: registry, pins: &pins}
}

func (s *testServer) do(t *testing.T, req *http.Request, authenticated bool) *httptest.ResponseRecorder {
	t.Helper()
	if authenticated {
		token, err := s.tokens.Issue(&identity.Session{UserID: "uid-1", Email: testOperator, Provider: identity.FlowPassword})
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func credentialForm(t *testing.T, student string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("studentAddress", student))
	if content != nil {
		part, err := mw.CreateFormFile("file", "diploma.pdf")
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// TestHealthCheck tests the health check endpoint
func TestHealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		server := setupTestServer(t, testOptions{checks: []HealthCheck{
			{Name: "pinning", Check: func(context.Context) error { return nil }},
		}})

		w := server.do(t, httptest.NewRequest(http.MethodGet, "/health", nil), false)
		assert.Equal(t, http.StatusOK, w.Code)

		resp := decode[HealthResponse](t, w)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "test", resp.Version)
		assert.Equal(t, "ok", resp.Checks["pinning"])
	})

	t.Run("degraded", func(t *testing.T) {
		server := setupTestServer(t, testOptions{checks: []HealthCheck{
			{Name: "node", Check: func(context.Context) error { return errors.New("connection refused") }},
		}})

		w := server.do(t, httptest.NewRequest(http.MethodGet, "/health", nil), false)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		resp := decode[HealthResponse](t, w)
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "connection refused", resp.Checks["node"])
	})
}

func TestSessionRequired(t *testing.T) {
	server := setupTestServer(t, testOptions{})

	w := server.do(t, httptest.NewRequest(http.MethodGet, "/dashboard", nil), false)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))

	w = server.do(t, httptest.NewRequest(http.MethodGet, "/api/status", nil), false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = server.do(t, req, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = server.do(t, httptest.NewRequest(http.MethodGet, "/dashboard", nil), true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), testOperator)
}

func TestLoginPage(t *testing.T) {
	server := setupTestServer(t, testOptions{})

	w := server.do(t, httptest.NewRequest(http.MethodGet, "/login", nil), false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "Sign in with Google")

	w = server.do(t, httptest.NewRequest(http.MethodGet, "/login?error=google", nil), false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), identity.MsgGoogleFailed)
}

// TestPasswordLogin tests the password login endpoint
func TestPasswordLogin(t *testing.T) {
	server := setupTestServer(t, testOptions{})

	tests := []struct {
		name           string
		payload        string
		expectedStatus int
		checkResponse  func(*testing.T, *httptest.ResponseRecorder)
	}{
		{
			name:           "successful login",
			payload:        `{"email":"admin@university.edu","password":"correct"}`,
			expectedStatus: http.StatusOK,
			checkResponse: func(t *testing.T, w *httptest.ResponseRecorder) {
				resp := decode[AuthResponse](t, w)
				assert.Equal(t, "/dashboard", resp.Redirect)
				assert.Equal(t, testOperator, resp.Email)
				assert.NotEmpty(t, resp.Token)
				assert.Contains(t, w.Header().Get("Set-Cookie"), SessionCookie+"=")
			},
		},
		{
			name:           "wrong password",
			payload:        `{"email":"admin@university.edu","password":"wrong"}`,
			expectedStatus: http.StatusUnauthorized,
			checkResponse: func(t *testing.T, w *httptest.ResponseRecorder) {
				resp := decode[ErrorResponse](t, w)
				assert.Equal(t, identity.MsgLoginFailed, resp.Error)
				assert.Empty(t, w.Header().Get("Set-Cookie"))
			},
		},
		{
			name:           "missing password",
			payload:        `{"email":"admin@university.edu"}`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(tt.payload))
			req.Header.Set("Content-Type", "application/json")
			w := server.do(t, req, false)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.checkResponse != nil {
				tt.checkResponse(t, w)
			}
		})
	}
}

func TestLogoutClearsSession(t *testing.T) {
	server := setupTestServer(t, testOptions{})
	server.board.For(testOperator).Set(status.Info(status.StageTerminal, "something"))

	w := server.do(t, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil), true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Set-Cookie"), "Max-Age=0")

	_, ok := server.board.For(testOperator).Render()
	assert.False(t, ok)
}

func TestGoogleFlowDisabled(t *testing.T) {
	server := setupTestServer(t, testOptions{})

	w := server.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/google/start", nil), false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGoogleCallbackRejectsForeignState(t *testing.T) {
	server := setupTestServer(t, testOptions{})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?state=abc&code=xyz", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "other"})
	w := server.do(t, req, false)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login?error=google", w.Header().Get("Location"))
}

func TestWalletConnect(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		server := setupTestServer(t, testOptions{provider: fakeProvider{}})

		w := server.do(t, httptest.NewRequest(http.MethodPost, "/api/wallet/connect", nil), true)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[WalletResponse](t, w)
		assert.True(t, resp.Session.IsConnected)
		assert.Equal(t, testAccount, resp.Session.Address)
		require.NotNil(t, resp.Status)
		assert.Equal(t, "Connected Account: "+testAccount.Hex(), resp.Status.Text)
		assert.Equal(t, status.SeverityNormal, resp.Status.Severity)

		w = server.do(t, httptest.NewRequest(http.MethodPost, "/api/wallet/disconnect", nil), true)
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, decode[WalletResponse](t, w).Session.IsConnected)
	})

	t.Run("no wallet provider", func(t *testing.T) {
		server := setupTestServer(t, testOptions{})

		w := server.do(t, httptest.NewRequest(http.MethodPost, "/api/wallet/connect", nil), true)
		assert.Equal(t, http.StatusPreconditionFailed, w.Code)

		resp := decode[WalletResponse](t, w)
		assert.False(t, resp.Session.IsConnected)
		assert.False(t, resp.Available)
		require.NotNil(t, resp.Status)
		assert.Equal(t, wallet.MsgInstallWallet, resp.Status.Text)
		assert.Equal(t, status.SeverityError, resp.Status.Severity)
	})
}

func TestIssueCredential(t *testing.T) {
	server := setupTestServer(t, testOptions{provider: fakeProvider{}})

	w := server.do(t, httptest.NewRequest(http.MethodPost, "/api/wallet/connect", nil), true)
	require.Equal(t, http.StatusOK, w.Code)

	body, contentType := credentialForm(t, testStudent, []byte("diploma"))
	req := httptest.NewRequest(http.MethodPost, "/api/credentials", body)
	req.Header.Set("Content-Type", contentType)
	w = server.do(t, req, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[IssueResponse](t, w)
	require.NotNil(t, resp.Result)
	assert.Equal(t, issuance.OutcomeConfirmed, resp.Result.Outcome)
	assert.Equal(t, testCID, resp.Result.ContentReference)
	assert.Equal(t, "7", resp.Result.TokenID)
	require.NotNil(t, resp.Status)
	assert.Contains(t, resp.Status.Text, testCID)
	assert.Contains(t, resp.Status.Text, "issued successfully.")
	assert.Equal(t, []string{testCID}, server.registry.calls())

	w = server.do(t, httptest.NewRequest(http.MethodGet, "/api/credentials/"+resp.Result.RequestID, nil), true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"confirmed"`)

	w = server.do(t, httptest.NewRequest(http.MethodGet, "/api/credentials", nil), true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = server.do(t, httptest.NewRequest(http.MethodGet, "/api/status", nil), true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[StatusResponse](t, w).Status.Text, "issued successfully.")
}

func TestIssueCredentialFailures(t *testing.T) {
	tests := []struct {
		name           string
		opts           testOptions
		connect        bool
		student        string
		content        []byte
		expectedStatus int
		expectedCode   string
		expectedText   string
		expectPins     int
	}{
		{
			name:           "invalid address",
			opts:           testOptions{provider: fakeProvider{}},
			connect:        true,
			student:        "not-an-address",
			content:        []byte("diploma"),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_INPUT",
			expectedText:   issuance.MsgInvalidInput,
		},
		{
			name:           "missing file",
			opts:           testOptions{provider: fakeProvider{}},
			connect:        true,
			student:        testStudent,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_INPUT",
			expectedText:   issuance.MsgInvalidInput,
		},
		{
			name: "upload fails",
			opts: testOptions{
				provider: fakeProvider{},
				pinHandler: func(w http.ResponseWriter, r *http.Request) {
					http.Error(w, "internal", http.StatusInternalServerError)
				},
			},
			connect:        true,
			student:        testStudent,
			content:        []byte("diploma"),
			expectedStatus: http.StatusBadGateway,
			expectedCode:   "UPLOAD_FAILED",
			expectedText:   "Error: " + issuance.MsgGenericFailure,
			expectPins:     1,
		},
		{
			name:           "wallet not connected",
			opts:           testOptions{provider: fakeProvider{}},
			student:        testStudent,
			content:        []byte("diploma"),
			expectedStatus: http.StatusPreconditionFailed,
			expectedCode:   "WALLET_UNAVAILABLE",
			expectedText:   issuance.MsgConnectWallet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupTestServer(t, tt.opts)
			if tt.connect {
				w := server.do(t, httptest.NewRequest(http.MethodPost, "/api/wallet/connect", nil), true)
				require.Equal(t, http.StatusOK, w.Code)
			}

			body, contentType := credentialForm(t, tt.student, tt.content)
			req := httptest.NewRequest(http.MethodPost, "/api/credentials", body)
			req.Header.Set("Content-Type", contentType)
			w := server.do(t, req, true)

			assert.Equal(t, tt.expectedStatus, w.Code)
			resp := decode[IssueResponse](t, w)
			assert.Equal(t, tt.expectedCode, resp.Code)
			require.NotNil(t, resp.Status)
			assert.Equal(t, tt.expectedText, resp.Status.Text)
			assert.Equal(t, status.SeverityError, resp.Status.Severity)
			assert.Equal(t, tt.expectPins, *server.pins)
			assert.Empty(t, server.registry.calls())
		})
	}
}

func TestIssuanceErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "invalid input", err: issuance.ErrInvalidInput, wantCode: http.StatusBadRequest, wantErr: "INVALID_INPUT"},
		{name: "request id too long", err: issuance.ErrRequestIDTooLong, wantCode: http.StatusBadRequest, wantErr: "INVALID_INPUT"},
		{name: "conflict", err: issuance.ErrRequestConflict, wantCode: http.StatusConflict, wantErr: "REQUEST_CONFLICT"},
		{name: "wallet", err: wallet.ErrNotConnected, wantCode: http.StatusPreconditionFailed, wantErr: "WALLET_UNAVAILABLE"},
		{
			name:     "pending",
			err:      &issuance.ChainWriteError{Err: fmt.Errorf("%w: %w", contract.ErrTxPending, context.DeadlineExceeded)},
			wantCode: http.StatusAccepted,
			wantErr:  "TX_PENDING",
		},
		{
			name:     "reverted",
			err:      &issuance.ChainWriteError{Err: &contract.RevertError{Reason: "not admin"}},
			wantCode: http.StatusBadGateway,
			wantErr:  "CHAIN_WRITE_FAILED",
		},
		{name: "unknown", err: errors.New("boom"), wantCode: http.StatusInternalServerError, wantErr: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, errCode := issuanceErrorStatus(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantErr, errCode)
		})
	}
}

func TestIssueCredentialTooLarge(t *testing.T) {
	tests := []struct {
		name     string
		streamed bool
	}{
		{name: "declared length"},
		{name: "streamed body", streamed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupTestServer(t, testOptions{provider: fakeProvider{}})
			w := server.do(t, httptest.NewRequest(http.MethodPost, "/api/wallet/connect", nil), true)
			require.Equal(t, http.StatusOK, w.Code)

			body, contentType := credentialForm(t, testStudent, bytes.Repeat([]byte("a"), MaxCredentialSize+2<<20))
			req := httptest.NewRequest(http.MethodPost, "/api/credentials", body)
			req.Header.Set("Content-Type", contentType)
			if tt.streamed {
				req.ContentLength = -1
			}
			w = server.do(t, req, true)

			assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
			assert.Equal(t, "FILE_TOO_LARGE", decode[ErrorResponse](t, w).Code)
			assert.Equal(t, 0, *server.pins)
			assert.Empty(t, server.registry.calls())
		})
	}
}

func TestDashboardHidesFormUntilConnected(t *testing.T) {
	server := setupTestServer(t, testOptions{provider: fakeProvider{}})

	w := server.do(t, httptest.NewRequest(http.MethodGet, "/dashboard", nil), true)
	require.Equal(t, http.StatusOK, w.Code)
	page := w.Body.String()
	assert.Contains(t, page, `<form id="issue-form" hidden>`)
	assert.Contains(t, page, `<section id="connect-panel">`)
	assert.Contains(t, page, issuance.MsgConnectWallet)

	w = server.do(t, httptest.NewRequest(http.MethodPost, "/api/wallet/connect", nil), true)
	require.Equal(t, http.StatusOK, w.Code)

	w = server.do(t, httptest.NewRequest(http.MethodGet, "/dashboard", nil), true)
	require.Equal(t, http.StatusOK, w.Code)
	page = w.Body.String()
	assert.Contains(t, page, `<form id="issue-form">`)
	assert.Contains(t, page, `<section id="connect-panel" hidden>`)
	assert.Contains(t, page, "Connected Account: "+testAccount.Hex())
}

func TestCredentialLookupNotFound(t *testing.T) {
	server := setupTestServer(t, testOptions{})

	w := server.do(t, httptest.NewRequest(http.MethodGet, "/api/credentials/unknown", nil), true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenLookup(t *testing.T) {
	t.Run("registry not configured", func(t *testing.T) {
		server := setupTestServer(t, testOptions{})
		w := server.do(t, httptest.NewRequest(http.MethodGet, "/api/credentials/token/7", nil), true)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	server := setupTestServer(t, testOptions{reader: fakeReader{}})

	tests := []struct {
		name           string
		tokenID        string
		expectedStatus int
	}{
		{name: "issued token", tokenID: "7", expectedStatus: http.StatusOK},
		{name: "unknown token", tokenID: "8", expectedStatus: http.StatusNotFound},
		{name: "malformed id", tokenID: "abc", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := server.do(t, httptest.NewRequest(http.MethodGet, "/api/credentials/token/"+tt.tokenID, nil), true)
			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				resp := decode[TokenResponse](t, w)
				assert.Equal(t, common.HexToAddress(testStudent).Hex(), resp.Owner)
				assert.Equal(t, testCID, resp.TokenURI)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	router := gin.New()
	router.Use(RateLimitMiddleware(1))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	limited := 0
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	// burst is twice the rate
	assert.Equal(t, 3, limited)
}

func TestRequestIDHeader(t *testing.T) {
	server := setupTestServer(t, testOptions{})

	w := server.do(t, httptest.NewRequest(http.MethodGet, "/health", nil), false)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	w = server.do(t, req, false)
	assert.Equal(t, "fixed-id", w.Header().Get("X-Request-ID"))
}
