package auth

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSecretKey_GeneratesOnceAndReuses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", SecretFileName)

	first, err := LoadSecretKey(path)
	require.NoError(t, err)
	assert.Len(t, first, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	second, err := LoadSecretKey(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second))
}

func TestLoadSecretKey_RejectsShortKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), SecretFileName)
	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))

	_, err := LoadSecretKey(path)
	assert.Error(t, err)
}

func newTestIssuer(t *testing.T, overrideEnv string) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(IssuerConfig{
		Secret:      bytes.Repeat([]byte{7}, 32),
		OverrideEnv: overrideEnv,
	})
	require.NoError(t, err)
	return issuer
}

func TestNewIssuer_RequiresSecret(t *testing.T) {
	_, err := NewIssuer(IssuerConfig{})
	assert.Error(t, err)

	issuer, err := NewIssuer(IssuerConfig{SecretPath: filepath.Join(t.TempDir(), SecretFileName)})
	require.NoError(t, err)
	assert.Len(t, issuer.SecretHex(), 64)
}

func TestIssuer_MintAndVerify(t *testing.T) {
	issuer := newTestIssuer(t, "PINUP_TEST_UNSET_TOKEN")

	token, err := issuer.Token(context.Background(), "launch-1", 9001)
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "launch-1", claims.LaunchID)
	assert.Equal(t, uint16(9001), claims.Port)
	assert.Equal(t, issuerName, claims.Issuer)
	assert.Equal(t, hex.EncodeToString(bytes.Repeat([]byte{7}, 32)), issuer.SecretHex())
}

func TestIssuer_RejectsForeignAndExpiredTokens(t *testing.T) {
	issuer := newTestIssuer(t, "PINUP_TEST_UNSET_TOKEN")

	other, err := NewIssuer(IssuerConfig{Secret: bytes.Repeat([]byte{9}, 32)})
	require.NoError(t, err)
	foreign, err := other.Mint("launch-1", 9001)
	require.NoError(t, err)
	_, err = issuer.Verify(foreign)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"lid": "launch-1",
		"iss": issuerName,
		"exp": time.Now().Add(-time.Hour).Unix(),
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
	})
	expiredString, err := expired.SignedString(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	_, err = issuer.Verify(expiredString)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = issuer.Verify("not-a-jwt")
	assert.Error(t, err)
}

func TestIssuer_OverrideToken(t *testing.T) {
	t.Setenv("PINUP_TEST_OVERRIDE_TOKEN", "dev-token")
	issuer := newTestIssuer(t, "PINUP_TEST_OVERRIDE_TOKEN")

	token, err := issuer.Token(context.Background(), "launch-1", 9001)
	require.NoError(t, err)
	assert.Equal(t, "dev-token", token)

	_, err = issuer.Verify("dev-token")
	assert.NoError(t, err)
	_, err = issuer.Verify("wrong-token")
	assert.Error(t, err)
}
