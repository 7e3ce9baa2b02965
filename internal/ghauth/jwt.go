// Package ghauth generates and refreshes GitHub App installation tokens
// used to forward short-lived forge credentials into agent containers
//, so an agent can push its branch and
// open review comments without holding a long-lived personal token.
package ghauth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// MaxJWTDuration is the longest App JWT lifetime GitHub accepts.
const MaxJWTDuration = 10 * time.Minute

// JWTGenerator mints short-lived App JWTs for the GitHub App token
// exchange endpoint.
type JWTGenerator struct {
	appID      string
	privateKey *rsa.PrivateKey
}

// NewJWTGenerator creates a generator from an App ID and a PEM-encoded
// private key.
func NewJWTGenerator(appID string, privateKeyPEM []byte) (*JWTGenerator, error) {
	if appID == "" {
		return nil, fmt.Errorf("app ID cannot be empty")
	}

	privateKey, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &JWTGenerator{
		appID:      appID,
		privateKey: privateKey,
	}, nil
}

// GenerateToken mints a JWT valid for 10 minutes, the maximum GitHub allows.
func (g *JWTGenerator) GenerateToken() (string, error) {
	return g.GenerateTokenWithDuration(10 * time.Minute)
}

// GenerateTokenWithDuration mints a JWT valid for the given duration,
// which must be positive and at most MaxJWTDuration.
func (g *JWTGenerator) GenerateTokenWithDuration(duration time.Duration) (string, error) {
	if duration <= 0 {
		return "", fmt.Errorf("duration must be positive")
	}
	if duration > MaxJWTDuration {
		return "", fmt.Errorf("duration %s exceeds maximum allowed %s", duration, MaxJWTDuration)
	}

	now := time.Now()

	claims := jwt.RegisteredClaims{
		Issuer:    g.appID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(g.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}

	return rsaKey, nil
}
