package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var errUnknownUser = errors.New("unknown user")

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// compareDummy spends about as long as a real comparison
func compareDummy(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("credwallet"), bcrypt.DefaultCost)
	})
	bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// BootstrapProvider checks passwords against bcrypt hashes from configuration.
// It stands in for the identity provider in development.
type BootstrapProvider struct {
	users map[string]string
}

// NewBootstrapProvider creates a provider from email to bcrypt hash pairs
func NewBootstrapProvider(users map[string]string) *BootstrapProvider {
	normalized := make(map[string]string, len(users))
	for email, hash := range users {
		normalized[strings.ToLower(strings.TrimSpace(email))] = hash
	}
	return &BootstrapProvider{users: normalized}
}

// SignInWithPassword implements PasswordProvider
func (p *BootstrapProvider) SignInWithPassword(_ context.Context, email, password string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, ok := p.users[email]
	if !ok {
		compareDummy(password)
		return nil, errUnknownUser
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, err
	}
	return &Session{
		UserID:   email,
		Email:    email,
		Provider: "bootstrap",
	}, nil
}
