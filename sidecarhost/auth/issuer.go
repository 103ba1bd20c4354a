// Package auth mints and verifies the bearer token handed to clients in the
// bootstrap config. Tokens are HS256 JWTs signed with a per-install secret that
// is also passed to the backend, so the backend can verify them on its own.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultOverrideEnv names the variable whose value, when set, is returned
	// as the token instead of a minted one.
	DefaultOverrideEnv = "PINUP_API_TOKEN"
	// EnvTokenSecret carries the hex-encoded signing secret to the backend.
	EnvTokenSecret = "PINUP_TOKEN_SECRET"

	defaultTokenTTL = 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

// IssuerConfig holds configuration options for the Issuer.
type IssuerConfig struct {
	Secret      []byte        // Optional, takes precedence over SecretPath
	SecretPath  string        // Required when Secret is empty, created if missing
	TTL         time.Duration // Optional, defaults to 24h
	OverrideEnv string        // Optional, defaults to DefaultOverrideEnv
	Logger      *slog.Logger  // Optional, defaults to slog.Default()
}

// Issuer mints tokens for the current backend launch.
type Issuer struct {
	secret      []byte
	ttl         time.Duration
	overrideEnv string
	logger      *slog.Logger
}

// NewIssuer creates an Issuer, loading or generating the signing secret.
func NewIssuer(config IssuerConfig) (*Issuer, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	secret := config.Secret
	if len(secret) == 0 {
		if config.SecretPath == "" {
			return nil, fmt.Errorf("either Secret or SecretPath is required")
		}
		var err error
		secret, err = LoadSecretKey(config.SecretPath)
		if err != nil {
			return nil, err
		}
	}

	ttl := config.TTL
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	overrideEnv := config.OverrideEnv
	if overrideEnv == "" {
		overrideEnv = DefaultOverrideEnv
	}

	return &Issuer{
		secret:      secret,
		ttl:         ttl,
		overrideEnv: overrideEnv,
		logger:      logger.With("component", "TokenIssuer"),
	}, nil
}

// Token returns the override token if one is set in the environment, and
// otherwise a freshly minted token for the given launch.
func (i *Issuer) Token(ctx context.Context, launchID string, port uint16) (string, error) {
	if override := os.Getenv(i.overrideEnv); override != "" {
		return override, nil
	}
	return i.Mint(launchID, port)
}

// Mint signs a new token for the given launch.
func (i *Issuer) Mint(launchID string, port uint16) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"lid":  launchID,
		"port": port,
		"iss":  issuerName,
		"exp":  now.Add(i.ttl).Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// Verify checks a token presented by a client. The override token, when
// configured, is accepted as is and yields empty claims.
func (i *Issuer) Verify(tokenString string) (*BackendClaims, error) {
	if override := os.Getenv(i.overrideEnv); override != "" &&
		subtle.ConstantTimeCompare([]byte(override), []byte(tokenString)) == 1 {
		return &BackendClaims{}, nil
	}

	var claimValue BackendClaims
	token, err := jwt.ParseWithClaims(tokenString, &claimValue, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuerName))
	if err != nil {
		i.logger.Debug("Rejected token", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return &claimValue, nil
}

// SecretHex returns the signing secret in the form passed to the backend.
func (i *Issuer) SecretHex() string {
	return hex.EncodeToString(i.secret)
}
