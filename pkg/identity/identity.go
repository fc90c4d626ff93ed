// Package identity signs operators in through the identity provider, by password or
// through the Google popup flow, and issues the dashboard session token.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/paw-chain/credwallet/pkg/config"
	"github.com/paw-chain/credwallet/pkg/inflight"
	"github.com/paw-chain/credwallet/pkg/metrics"
)

// Login flows
const (
	FlowPassword = "password"
	FlowGoogle   = "google"
)

// Operator-facing messages
const (
	MsgLoginFailed  = "Failed to log in. Please check your credentials."
	MsgGoogleFailed = "Failed to sign in with Google. Please try again."
)

const googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// GoogleEndpoint is Google's OAuth 2.0 endpoint
var GoogleEndpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

var (
	// ErrAuthFailed is returned for every rejected sign in. Details are logged only.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrFederatedDisabled is returned when no OAuth client is configured
	ErrFederatedDisabled = errors.New("federated login not configured")
)

// Session is an authenticated identity
type Session struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Provider    string    `json:"provider"`
	IDToken     string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// PasswordProvider verifies an email and password pair
type PasswordProvider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
}

type pendingLogin struct {
	verifier  string
	expiresAt time.Time
}

// Options configures a Manager
type Options struct {
	Password PasswordProvider
	// Firebase, when set, turns the Google ID token into a Firebase session
	Firebase    *FirebaseClient
	OAuth       *oauth2.Config
	UserinfoURL string
	StateTTL    time.Duration
	Guard       inflight.Guard
}

// Manager runs both login flows
type Manager struct {
	password    PasswordProvider
	firebase    *FirebaseClient
	oauth       *oauth2.Config
	userinfoURL string
	stateTTL    time.Duration
	guard       inflight.Guard

	mu      sync.Mutex
	pending map[string]pendingLogin
}

// NewManager creates a manager
func NewManager(opts Options) *Manager {
	m := &Manager{
		password:    opts.Password,
		firebase:    opts.Firebase,
		oauth:       opts.OAuth,
		userinfoURL: opts.UserinfoURL,
		stateTTL:    opts.StateTTL,
		guard:       opts.Guard,
		pending:     make(map[string]pendingLogin),
	}
	if m.userinfoURL == "" {
		m.userinfoURL = googleUserinfoURL
	}
	if m.stateTTL <= 0 {
		m.stateTTL = 10 * time.Minute
	}
	if m.guard == nil {
		m.guard = inflight.NewMemoryGuard()
	}
	return m
}

// NewManagerFromConfig wires the providers selected by cfg
func NewManagerFromConfig(cfg *config.Config, guard inflight.Guard) *Manager {
	opts := Options{StateTTL: cfg.OAuthStateTTL, Guard: guard}

	if cfg.FirebaseAPIKey != "" {
		opts.Firebase = NewFirebaseClient(cfg.IdentityEndpoint, cfg.FirebaseAPIKey)
		opts.Password = opts.Firebase
	} else if len(cfg.BootstrapUsers) > 0 {
		log.WithField("users", len(cfg.BootstrapUsers)).Warn("Using bootstrap password users")
		opts.Password = NewBootstrapProvider(cfg.BootstrapUsers)
	}

	if cfg.FederatedLoginEnabled() {
		opts.OAuth = &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURI,
			Scopes:       cfg.GoogleScopes,
			Endpoint:     GoogleEndpoint,
		}
	}

	return NewManager(opts)
}

// FederatedEnabled reports whether the Google flow is available
func (m *Manager) FederatedEnabled() bool {
	return m.oauth != nil
}

// LoginWithPassword signs in with email and password. client scopes the busy flag.
func (m *Manager) LoginWithPassword(ctx context.Context, client, email, password string) (*Session, error) {
	release, err := m.guard.Acquire(ctx, inflight.Key("login_"+FlowPassword, client))
	if err != nil {
		return nil, err
	}
	defer release()

	if m.password == nil {
		log.Error("Password login attempted without an identity provider")
		metrics.RecordLogin(FlowPassword, "failed")
		return nil, ErrAuthFailed
	}

	session, err := m.password.SignInWithPassword(ctx, email, password)
	if err != nil {
		log.WithFields(log.Fields{
			"email": email,
			"flow":  FlowPassword,
			"error": err,
		}).Warn("Login failed")
		metrics.RecordLogin(FlowPassword, "failed")
		return nil, ErrAuthFailed
	}

	metrics.RecordLogin(FlowPassword, "success")
	log.WithFields(log.Fields{"email": session.Email, "flow": FlowPassword}).Info("User logged in")
	return session, nil
}

// StartFederated returns the provider URL the popup opens and the state that ties
// the callback to this attempt
func (m *Manager) StartFederated(_ context.Context) (string, string, error) {
	if m.oauth == nil {
		return "", "", ErrFederatedDisabled
	}

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	m.mu.Lock()
	m.prune(time.Now())
	m.pending[state] = pendingLogin{verifier: verifier, expiresAt: time.Now().Add(m.stateTTL)}
	m.mu.Unlock()

	authURL := m.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
	return authURL, state, nil
}

// CancelFederated drops a pending attempt, for example when the popup was closed
func (m *Manager) CancelFederated(state string) {
	m.mu.Lock()
	delete(m.pending, state)
	m.mu.Unlock()
	metrics.RecordLogin(FlowGoogle, "cancelled")
}

// CompleteFederated exchanges the authorization code returned to the callback
func (m *Manager) CompleteFederated(ctx context.Context, client, state, code string) (*Session, error) {
	if m.oauth == nil {
		return nil, ErrFederatedDisabled
	}

	release, err := m.guard.Acquire(ctx, inflight.Key("login_"+FlowGoogle, client))
	if err != nil {
		return nil, err
	}
	defer release()

	session, err := m.completeFederated(ctx, state, code)
	if err != nil {
		log.WithFields(log.Fields{
			"flow":  FlowGoogle,
			"error": err,
		}).Warn("Login failed")
		metrics.RecordLogin(FlowGoogle, "failed")
		return nil, ErrAuthFailed
	}

	metrics.RecordLogin(FlowGoogle, "success")
	log.WithFields(log.Fields{"email": session.Email, "flow": FlowGoogle}).Info("User logged in")
	return session, nil
}

func (m *Manager) completeFederated(ctx context.Context, state, code string) (*Session, error) {
	m.mu.Lock()
	pending, ok := m.pending[state]
	delete(m.pending, state)
	m.mu.Unlock()

	if !ok {
		return nil, errors.New("unknown oauth state")
	}
	if time.Now().After(pending.expiresAt) {
		return nil, errors.New("oauth state expired")
	}
	if code == "" {
		return nil, errors.New("missing authorization code")
	}

	token, err := m.oauth.Exchange(ctx, code, oauth2.VerifierOption(pending.verifier))
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	if m.firebase != nil {
		idToken, _ := token.Extra("id_token").(string)
		if idToken == "" {
			return nil, errors.New("token response has no id_token")
		}
		return m.firebase.SignInWithIdp(ctx, idToken, m.oauth.RedirectURL)
	}

	return m.userinfo(ctx, token)
}

func (m *Manager) userinfo(ctx context.Context, token *oauth2.Token) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.userinfoURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, body)
	}

	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	if info.Email == "" || !info.EmailVerified {
		return nil, errors.New("google account has no verified email")
	}

	idToken, _ := token.Extra("id_token").(string)
	return &Session{
		UserID:      info.Sub,
		Email:       info.Email,
		DisplayName: info.Name,
		Provider:    providerGoogle,
		IDToken:     idToken,
		ExpiresAt:   token.Expiry,
	}, nil
}

// prune drops expired pending logins. Callers hold m.mu.
func (m *Manager) prune(now time.Time) {
	for state, p := range m.pending {
		if now.After(p.expiresAt) {
			delete(m.pending, state)
		}
	}
}
