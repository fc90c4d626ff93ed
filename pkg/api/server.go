// Package api serves the operator login page, the issuance dashboard and the JSON API
// behind them.
package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/paw-chain/credwallet/pkg/audit"
	"github.com/paw-chain/credwallet/pkg/config"
	"github.com/paw-chain/credwallet/pkg/identity"
	"github.com/paw-chain/credwallet/pkg/inflight"
	"github.com/paw-chain/credwallet/pkg/issuance"
	"github.com/paw-chain/credwallet/pkg/metrics"
	"github.com/paw-chain/credwallet/pkg/status"
	"github.com/paw-chain/credwallet/pkg/wallet"
)

// TokenReader reads issued credentials from the registry contract
type TokenReader interface {
	OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error)
	TokenURI(ctx context.Context, tokenID *big.Int) (string, error)
}

// HealthCheck checks one dependency
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Options wires the server to its services
type Options struct {
	Config       *config.Config
	Orchestrator *issuance.Orchestrator
	Identity     *identity.Manager
	Tokens       *identity.TokenIssuer
	Wallet       *wallet.Connector
	// Board must be the board the orchestrator reports to
	Board  *status.Board
	Guard  inflight.Guard
	Audit  *audit.Logger
	Reader TokenReader
	Checks []HealthCheck
	// Version is reported by the health endpoint
	Version string
}

// Server represents the HTTP server
type Server struct {
	router       *gin.Engine
	config       *config.Config
	orchestrator *issuance.Orchestrator
	identity     *identity.Manager
	tokens       *identity.TokenIssuer
	wallet       *wallet.Connector
	board        *status.Board
	guard        inflight.Guard
	audit        *audit.Logger
	reader       TokenReader
	checks       []HealthCheck
	version      string
}

// NewServer creates a new server instance
func NewServer(opts Options) (*Server, error) {
	if opts.Orchestrator == nil || opts.Identity == nil || opts.Tokens == nil || opts.Wallet == nil {
		return nil, errors.New("orchestrator, identity, tokens and wallet are required")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Server{
		config:       cfg,
		orchestrator: opts.Orchestrator,
		identity:     opts.Identity,
		tokens:       opts.Tokens,
		wallet:       opts.Wallet,
		board:        opts.Board,
		guard:        opts.Guard,
		audit:        opts.Audit,
		reader:       opts.Reader,
		checks:       opts.Checks,
		version:      opts.Version,
	}
	if s.board == nil {
		s.board = status.NewBoard()
	}
	if s.guard == nil {
		s.guard = inflight.NewMemoryGuard()
	}
	if s.version == "" {
		s.version = "dev"
	}

	if err := s.setupRouter(); err != nil {
		return nil, err
	}
	return s, nil
}

// setupRouter configures the gin router with all routes and middleware
func (s *Server) setupRouter() error {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()

	// Recovery first so it catches panics from every later middleware
	s.router.Use(RecoveryMiddleware())
	s.router.Use(SecurityHeadersMiddleware())
	s.router.Use(RequestIDMiddleware())
	s.router.Use(LoggerMiddleware())
	s.router.Use(CORSMiddleware(s.config.CORSOrigins))
	s.router.Use(RateLimitMiddleware(s.config.RateLimitRPS))

	views, err := loadViews()
	if err != nil {
		return fmt.Errorf("failed to parse views: %w", err)
	}
	s.router.SetHTMLTemplate(views)

	s.registerRoutes()
	return nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/", func(c *gin.Context) { c.Redirect(http.StatusFound, "/login") })
	s.router.GET("/login", s.loginPage)
	s.router.GET("/dashboard", s.AuthMiddleware(true), s.dashboardPage)

	auth := s.router.Group("/api/auth")
	{
		auth.POST("/login", s.handleLogin)
		auth.GET("/google/start", s.handleGoogleStart)
		auth.GET("/google/callback", s.handleGoogleCallback)
		auth.POST("/logout", s.handleLogout)
	}

	protected := s.router.Group("/api")
	protected.Use(s.AuthMiddleware(false))
	{
		protected.GET("/status", s.handleStatus)

		protected.GET("/wallet", s.handleWalletSession)
		protected.POST("/wallet/connect", s.handleWalletConnect)
		protected.POST("/wallet/disconnect", s.handleWalletDisconnect)

		protected.POST("/credentials", s.handleIssueCredential)
		protected.GET("/credentials", s.handleRecentCredentials)
		protected.GET("/credentials/token/:tokenId", s.handleTokenLookup)
		protected.GET("/credentials/:requestId", s.handleCredentialLookup)
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:           s.config.Addr(),
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("Starting credential wallet server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exited")
	return nil
}

// healthCheck runs every dependency check and reports overall health
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
		Version:   s.version,
		Checks:    make(map[string]string, len(s.checks)),
	}

	for _, check := range s.checks {
		if err := check.Check(ctx); err != nil {
			log.WithError(err).WithField("dependency", check.Name).Warn("Health check failed")
			resp.Checks[check.Name] = err.Error()
			resp.Status = "degraded"
			metrics.UpdateDependency(check.Name, false)
			continue
		}
		resp.Checks[check.Name] = "ok"
		metrics.UpdateDependency(check.Name, true)
	}
	metrics.UpdateUptime()

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
