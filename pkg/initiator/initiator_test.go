package initiator

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var signingKey = []byte("test-signing-key")

func signedCredential(t *testing.T, key []byte, tier string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "svc",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Tier: tier,
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestResolve_Allowlist(t *testing.T) {
	r := NewResolver([]string{"admin"}, nil)

	assert.Equal(t, TierPrivileged, r.Resolve("admin", "").Tier)
	assert.Equal(t, TierStandard, r.Resolve("svc", "").Tier)
}

func TestResolve_SignedCredential(t *testing.T) {
	r := NewResolver(nil, signingKey)

	ctx := r.Resolve("svc", signedCredential(t, signingKey, string(TierPrivileged)))
	assert.Equal(t, TierPrivileged, ctx.Tier)
	assert.True(t, ctx.Privileged())

	// A valid token claiming standard tier grants nothing extra.
	ctx = r.Resolve("svc", signedCredential(t, signingKey, string(TierStandard)))
	assert.Equal(t, TierStandard, ctx.Tier)
}

func TestResolve_ForgedCredentialStaysStandard(t *testing.T) {
	r := NewResolver(nil, signingKey)

	forged := signedCredential(t, []byte("wrong-key"), string(TierPrivileged))
	assert.Equal(t, TierStandard, r.Resolve("svc", forged).Tier)
	assert.Equal(t, TierStandard, r.Resolve("svc", "not-a-token").Tier)
}

func TestResolve_ExpiredCredential(t *testing.T) {
	r := NewResolver(nil, signingKey)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Tier: string(TierPrivileged),
	})
	expired, err := token.SignedString(signingKey)
	require.NoError(t, err)

	assert.Equal(t, TierStandard, r.Resolve("svc", expired).Tier)
}

func TestResolve_NoSigningKeyIgnoresCredential(t *testing.T) {
	r := NewResolver(nil, nil)

	ctx := r.Resolve("svc", signedCredential(t, signingKey, string(TierPrivileged)))
	assert.Equal(t, TierStandard, ctx.Tier)
	assert.Empty(t, ctx.Credential)
}
