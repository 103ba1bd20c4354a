package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// ClaimsKey is the request context key holding verified *BackendClaims.
const ClaimsKey contextKey = "claims"

// Issuer name written into every token.
const issuerName = "pinup-supervisor"

// BackendClaims identifies the backend launch a token was minted for.
type BackendClaims struct {
	LaunchID string `json:"lid"`
	Port     uint16 `json:"port"`
	Issuer   string `json:"iss"`
	Expiry   int64  `json:"exp"`
	IssuedAt int64  `json:"iat"`
}

func (c BackendClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Expiry, 0)), nil
}

func (c BackendClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c BackendClaims) GetNotBefore() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c BackendClaims) GetIssuer() (string, error) {
	return c.Issuer, nil
}

func (c BackendClaims) GetSubject() (string, error) {
	return c.LaunchID, nil
}

func (c BackendClaims) GetAudience() (jwt.ClaimStrings, error) {
	return nil, nil
}
