package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"

	"github.com/paw-chain/credwallet/pkg/api"
	"github.com/paw-chain/credwallet/pkg/audit"
	"github.com/paw-chain/credwallet/pkg/config"
	"github.com/paw-chain/credwallet/pkg/contract"
	"github.com/paw-chain/credwallet/pkg/identity"
	"github.com/paw-chain/credwallet/pkg/inflight"
	"github.com/paw-chain/credwallet/pkg/issuance"
	"github.com/paw-chain/credwallet/pkg/metrics"
	"github.com/paw-chain/credwallet/pkg/pinning"
	"github.com/paw-chain/credwallet/pkg/status"
	"github.com/paw-chain/credwallet/pkg/store"
	"github.com/paw-chain/credwallet/pkg/telemetry"
	"github.com/paw-chain/credwallet/pkg/wallet"
)

// defaultGuardTTL bounds a busy flag held in Redis when a phase has no timeout
const defaultGuardTTL = 15 * time.Minute

// guardTTL covers the longest issuance: an upload, a wait on an earlier pending
// transaction and a fresh chain write. An unbounded phase falls back to
// defaultGuardTTL so the flag never lapses before a bounded phase would end.
func guardTTL(cfg *config.Config) time.Duration {
	if cfg.UploadTimeout <= 0 || cfg.ChainTimeout <= 0 {
		return defaultGuardTTL
	}
	return cfg.UploadTimeout + 2*cfg.ChainTimeout
}

// application holds every service built from configuration
type application struct {
	cfg          *config.Config
	node         *ethclient.Client
	registry     *contract.Registry
	pinner       *pinning.Client
	ledger       store.Store
	guard        inflight.Guard
	redis        *inflight.RedisGuard
	audit        *audit.Logger
	wallet       *wallet.Connector
	board        *status.Board
	orchestrator *issuance.Orchestrator
	tracing      *telemetry.Provider
}

func newApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	app := &application{cfg: cfg, board: status.NewBoard()}

	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	var err error
	if app.tracing, err = telemetry.NewProviderFromConfig(cfg, Version); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if app.node, err = contract.Dial(ctx, cfg.NodeRPC); err != nil {
		return nil, err
	}
	if app.registry, err = contract.NewRegistryFromConfig(cfg, app.node); err != nil {
		return nil, err
	}

	if app.ledger, err = store.New(ctx, cfg.DatabaseURL); err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		if app.redis, err = inflight.NewRedisGuardFromURL(ctx, cfg.RedisURL, guardTTL(cfg)); err != nil {
			return nil, err
		}
		app.guard = app.redis
	} else {
		app.guard = inflight.NewMemoryGuard()
	}

	if app.audit, err = audit.NewLogger(cfg.AuditLogDir, cfg.AuditEnabled); err != nil {
		return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
	}

	provider, err := wallet.NewProviderFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	app.wallet = wallet.NewConnector(provider, cfg.ChainID)

	app.pinner = pinning.NewClientFromConfig(cfg)
	app.orchestrator = issuance.New(issuance.Options{
		Pinner:        app.pinner,
		Registry:      app.registry,
		Signer:        app.wallet,
		Ledger:        app.ledger,
		Guard:         app.guard,
		Board:         app.board,
		Audit:         app.audit,
		UploadTimeout: cfg.UploadTimeout,
		ChainTimeout:  cfg.ChainTimeout,
	})

	metrics.Initialize(Version, strconv.FormatInt(cfg.ChainID, 10), cfg.ContractAddress, cfg.WalletProvider)

	ok = true
	return app, nil
}

// server builds the HTTP server on top of the application services
func (a *application) server() (*api.Server, error) {
	tokens, err := identity.NewTokenIssuer(a.cfg.JWTSecret, a.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}

	return api.NewServer(api.Options{
		Config:       a.cfg,
		Orchestrator: a.orchestrator,
		Identity:     identity.NewManagerFromConfig(a.cfg, a.guard),
		Tokens:       tokens,
		Wallet:       a.wallet,
		Board:        a.board,
		Guard:        a.guard,
		Audit:        a.audit,
		Reader:       a.registry,
		Checks:       a.healthChecks(),
		Version:      Version,
	})
}

func (a *application) healthChecks() []api.HealthCheck {
	checks := []api.HealthCheck{
		{Name: "pinning", Check: a.pinner.TestAuthentication},
		{Name: "node", Check: a.checkNode},
	}
	if pinger, ok := a.ledger.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, api.HealthCheck{Name: "database", Check: pinger.Ping})
	}
	if a.redis != nil {
		checks = append(checks, api.HealthCheck{Name: "redis", Check: a.redis.Ping})
	}
	return checks
}

func (a *application) checkNode(ctx context.Context) error {
	chainID, err := a.node.ChainID(ctx)
	if err != nil {
		return err
	}
	if chainID.Int64() != a.cfg.ChainID {
		return fmt.Errorf("node reports chain %s, expected %d", chainID, a.cfg.ChainID)
	}
	return nil
}

// Close releases every service that was created
func (a *application) Close() {
	if a.wallet != nil {
		if err := a.wallet.Close(); err != nil {
			log.WithError(err).Warn("Failed to close wallet provider")
		}
	}
	if a.audit != nil {
		a.audit.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.node != nil {
		a.node.Close()
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}
}
