package ghauth

import (
	"fmt"
	"sync"
	"time"
)

// TokenRefreshBuffer is how long before expiry a refresh is triggered.
const TokenRefreshBuffer = 5 * time.Minute

// TokenManager holds one GitHub App installation's current token and
// refreshes it automatically as it nears expiry, so the forge client
// built by forge.NewFromApp can fetch a fresh credential before each
// request.
type TokenManager struct {
	mu sync.RWMutex

	appID          string
	installationID int64
	privateKey     []byte

	token     string
	expiresAt time.Time

	jwtGenerator   *JWTGenerator
	tokenExchanger *TokenExchanger

	nowFunc func() time.Time
}

// TokenManagerOption configures a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithNowFunc overrides the clock, for testing.
func WithNowFunc(fn func() time.Time) TokenManagerOption {
	return func(tm *TokenManager) {
		tm.nowFunc = fn
	}
}

// WithTokenExchanger overrides the exchanger, for testing.
func WithTokenExchanger(exchanger *TokenExchanger) TokenManagerOption {
	return func(tm *TokenManager) {
		tm.tokenExchanger = exchanger
	}
}

// NewTokenManager builds a TokenManager for one App installation.
func NewTokenManager(appID string, installationID int64, privateKey []byte, opts ...TokenManagerOption) (*TokenManager, error) {
	if appID == "" {
		return nil, fmt.Errorf("app ID cannot be empty")
	}
	if installationID <= 0 {
		return nil, fmt.Errorf("installation ID must be positive")
	}
	if len(privateKey) == 0 {
		return nil, fmt.Errorf("private key cannot be empty")
	}

	jwtGen, err := NewJWTGenerator(appID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT generator: %w", err)
	}

	tm := &TokenManager{
		appID:          appID,
		installationID: installationID,
		privateKey:     privateKey,
		jwtGenerator:   jwtGen,
		tokenExchanger: NewTokenExchanger(),
		nowFunc:        time.Now,
	}

	for _, opt := range opts {
		opt(tm)
	}

	return tm, nil
}

// Token returns a valid installation token, refreshing first if needed.
func (tm *TokenManager) Token() (string, error) {
	tm.mu.RLock()
	if tm.isValidLocked() {
		token := tm.token
		tm.mu.RUnlock()
		return token, nil
	}
	tm.mu.RUnlock()

	return tm.Refresh()
}

// Refresh unconditionally mints a new JWT and exchanges it for a token.
func (tm *TokenManager) Refresh() (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	jwtToken, err := tm.jwtGenerator.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate JWT: %w", err)
	}

	installToken, err := tm.tokenExchanger.ExchangeToken(jwtToken, tm.installationID)
	if err != nil {
		return "", fmt.Errorf("failed to exchange token: %w", err)
	}

	tm.token = installToken.Token
	tm.expiresAt = installToken.ExpiresAt

	return tm.token, nil
}

// NeedsRefresh reports whether the held token is missing or expiring soon.
func (tm *TokenManager) NeedsRefresh() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return !tm.isValidLocked()
}

// ExpiresAt returns the current token's expiry, or zero if none fetched yet.
func (tm *TokenManager) ExpiresAt() time.Time {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.expiresAt
}

func (tm *TokenManager) isValidLocked() bool {
	if tm.token == "" {
		return false
	}
	now := tm.nowFunc()
	return tm.expiresAt.After(now.Add(TokenRefreshBuffer))
}
