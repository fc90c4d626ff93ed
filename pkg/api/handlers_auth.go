package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/paw-chain/credwallet/pkg/audit"
	"github.com/paw-chain/credwallet/pkg/identity"
	"github.com/paw-chain/credwallet/pkg/inflight"
)

const (
	dashboardPath = "/dashboard"
	// oauthStateCookie binds the popup callback to the browser that started it
	oauthStateCookie = "credwallet_oauth_state"
)

// handleLogin signs in with email and password
func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   identity.MsgLoginFailed,
			Details: err.Error(),
			Code:    "INVALID_REQUEST",
		})
		return
	}

	session, err := s.identity.LoginWithPassword(c.Request.Context(), c.ClientIP(), req.Email, req.Password)
	if err != nil {
		s.loginFailed(c, req.Email, identity.FlowPassword, err)
		if errors.Is(err, inflight.ErrBusy) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "Login already in progress", Code: "BUSY"})
			return
		}
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: identity.MsgLoginFailed, Code: "AUTH_FAILED"})
		return
	}

	token, ok := s.startSession(c, session, identity.FlowPassword)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, AuthResponse{
		Token:     token,
		ExpiresIn: int64(s.tokens.TTL().Seconds()),
		Email:     session.Email,
		Provider:  session.Provider,
		Redirect:  dashboardPath,
	})
}

// handleGoogleStart redirects the popup to the Google consent page
func (s *Server) handleGoogleStart(c *gin.Context) {
	authURL, state, err := s.identity.StartFederated(c.Request.Context())
	if err != nil {
		if errors.Is(err, identity.ErrFederatedDisabled) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Google sign in is not configured", Code: "FEDERATED_DISABLED"})
			return
		}
		log.WithError(err).Error("Failed to start Google sign in")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: identity.MsgGoogleFailed, Code: "INTERNAL_ERROR"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateCookie, state, int(s.config.OAuthStateTTL.Seconds()), "/api/auth/google", "", s.config.IsProduction(), true)
	c.Redirect(http.StatusFound, authURL)
}

// handleGoogleCallback completes the popup flow and lands on the dashboard
func (s *Server) handleGoogleCallback(c *gin.Context) {
	state := c.Query("state")

	if providerErr := c.Query("error"); providerErr != "" {
		s.identity.CancelFederated(state)
		s.loginFailed(c, "", identity.FlowGoogle, errors.New(providerErr))
		c.Redirect(http.StatusFound, loginErrorPath(identity.FlowGoogle))
		return
	}

	if cookie, err := c.Cookie(oauthStateCookie); err != nil || cookie != state {
		s.identity.CancelFederated(state)
		s.loginFailed(c, "", identity.FlowGoogle, errors.New("oauth state mismatch"))
		c.Redirect(http.StatusFound, loginErrorPath(identity.FlowGoogle))
		return
	}
	c.SetCookie(oauthStateCookie, "", -1, "/api/auth/google", "", s.config.IsProduction(), true)

	session, err := s.identity.CompleteFederated(c.Request.Context(), c.ClientIP(), state, c.Query("code"))
	if err != nil {
		s.loginFailed(c, "", identity.FlowGoogle, err)
		c.Redirect(http.StatusFound, loginErrorPath(identity.FlowGoogle))
		return
	}

	if _, ok := s.startSession(c, session, identity.FlowGoogle); !ok {
		return
	}
	c.Redirect(http.StatusFound, dashboardPath)
}

// handleLogout drops the session cookie and the operator status line
func (s *Server) handleLogout(c *gin.Context) {
	if token := sessionToken(c); token != "" {
		if claims, err := s.tokens.Parse(token); err == nil {
			s.board.Forget(claims.Email)
		}
	}
	c.SetCookie(SessionCookie, "", -1, "/", "", s.config.IsProduction(), true)
	c.JSON(http.StatusOK, gin.H{"redirect": "/login"})
}

// startSession signs the session token and sets the cookie. It writes the error
// response itself and returns false on failure.
func (s *Server) startSession(c *gin.Context, session *identity.Session, flow string) (string, bool) {
	token, err := s.tokens.Issue(session)
	if err != nil {
		log.WithError(err).Error("Failed to sign session token")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to create session", Code: "INTERNAL_ERROR"})
		return "", false
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, token, int(s.tokens.TTL().Seconds()), "/", "", s.config.IsProduction(), true)

	s.audit.LogAuthentication(originOf(c), session.Email, flow, audit.StatusSuccess, "")
	log.WithFields(log.Fields{
		"email":    session.Email,
		"provider": session.Provider,
	}).Info("Operator signed in")
	return token, true
}

func (s *Server) loginFailed(c *gin.Context, email, flow string, err error) {
	outcome := audit.StatusFailure
	if errors.Is(err, inflight.ErrBusy) {
		outcome = audit.StatusBlocked
	}
	s.audit.LogAuthentication(originOf(c), email, flow, outcome, err.Error())
}

func loginErrorPath(flow string) string {
	return "/login?" + url.Values{"error": {flow}}.Encode()
}
