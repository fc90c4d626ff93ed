package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const providerGoogle = "google.com"

// FirebaseClient calls the Identity Toolkit REST API
type FirebaseClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// FirebaseError is the error payload returned by Identity Toolkit
type FirebaseError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *FirebaseError) Error() string {
	return fmt.Sprintf("identity provider returned %d: %s", e.StatusCode, e.Message)
}

type signInResponse struct {
	LocalID     string `json:"localId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	IDToken     string `json:"idToken"`
	ExpiresIn   string `json:"expiresIn"`
	ProviderID  string `json:"providerId"`
}

// NewFirebaseClient creates a client for the Identity Toolkit endpoint
func NewFirebaseClient(endpoint, apiKey string) *FirebaseClient {
	return &FirebaseClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// SignInWithPassword implements PasswordProvider
func (f *FirebaseClient) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	var resp signInResponse
	err := f.post(ctx, "accounts:signInWithPassword", map[string]interface{}{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.session("password"), nil
}

// SignInWithIdp exchanges a Google ID token for a Firebase session
func (f *FirebaseClient) SignInWithIdp(ctx context.Context, googleIDToken, requestURI string) (*Session, error) {
	postBody := url.Values{}
	postBody.Set("id_token", googleIDToken)
	postBody.Set("providerId", providerGoogle)

	var resp signInResponse
	err := f.post(ctx, "accounts:signInWithIdp", map[string]interface{}{
		"postBody":            postBody.Encode(),
		"requestUri":          requestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.session(providerGoogle), nil
}

func (f *FirebaseClient) post(ctx context.Context, method string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/%s?key=%s", f.endpoint, method, url.QueryEscape(f.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fbErr := &FirebaseError{StatusCode: resp.StatusCode}
		var wrapper struct {
			Error *FirebaseError `json:"error"`
		}
		if json.Unmarshal(raw, &wrapper) == nil && wrapper.Error != nil {
			fbErr.Code = wrapper.Error.Code
			fbErr.Message = wrapper.Error.Message
		} else {
			fbErr.Message = string(raw)
		}
		return fbErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode identity response: %w", err)
	}
	return nil
}

func (r *signInResponse) session(provider string) *Session {
	s := &Session{
		UserID:      r.LocalID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		Provider:    provider,
		IDToken:     r.IDToken,
	}
	if secs, err := strconv.Atoi(r.ExpiresIn); err == nil && secs > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(secs) * time.Second)
	}
	return s
}
