package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An attacker must not be able to swap the signing algorithm and have the
// shared secret applied to a different scheme.
func TestTokenService_AlgorithmConfusion(t *testing.T) {
	svc, err := NewTokenService(testSecret, "")
	require.NoError(t, err)

	// RS256 token. The keyFunc must refuse before any verification happens,
	// not hand the HMAC secret to the RSA verifier.
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "attacker",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	_, err = svc.Verify(signed)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected signing method")
}

func TestTokenService_RejectsAlgNone(t *testing.T) {
	svc, err := NewTokenService(testSecret, "")
	require.NoError(t, err)

	// Hand-assembled unsigned token with alg "none".
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, _ := json.Marshal(map[string]interface{}{
		"sub": "attacker",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	unsigned := header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."

	_, err = svc.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_RejectsTamperedPayload(t *testing.T) {
	svc, err := NewTokenService(testSecret, "")
	require.NoError(t, err)

	token, err := svc.Issue("user-1", "alice", "")
	require.NoError(t, err)

	// Swap the subject claim while keeping the original signature.
	parts := splitToken(t, token)
	var claims map[string]interface{}
	decoded, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(decoded, &claims))
	claims["sub"] = "someone-else"
	forged, err := json.Marshal(claims)
	require.NoError(t, err)
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString(forged) + "." + parts[2]

	_, err = svc.Verify(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_ForgedHintDoesNotBypass(t *testing.T) {
	svc, err := NewTokenService(testSecret, testPrevSecret)
	require.NoError(t, err)

	// A wrong-secret token carrying a valid-looking hint for the previous
	// secret must still fail against every entry.
	outsider, err := NewTokenService("outsider-secret-0123456789abcdef01234567", "")
	require.NoError(t, err)
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		KeyHint: secretId([]byte(testPrevSecret))[:keyHintLen],
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "attacker",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := forged.SignedString(outsider.secrets[0].secret)
	require.NoError(t, err)

	_, err = svc.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func splitToken(t *testing.T, token string) []string {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	return parts
}
