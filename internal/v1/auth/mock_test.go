package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMockVerifier_WithValidJWT(t *testing.T) {
	mock := &MockVerifier{}

	payload := map[string]interface{}{
		"sub":         "test-user-123",
		"username":    "test_user",
		"displayName": "Test User",
	}
	payloadBytes, _ := json.Marshal(payload)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadBytes)

	token := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." + encodedPayload + ".fake-signature"

	claims, err := mock.Verify(token)
	assert.NoError(t, err)
	assert.NotNil(t, claims)
	assert.Equal(t, "test-user-123", claims.Subject)
	assert.Equal(t, "test_user", claims.Username)
	assert.Equal(t, "Test User", claims.DisplayName)
}

func TestMockVerifier_WithInvalidJWT(t *testing.T) {
	mock := &MockVerifier{}

	// Not a JWT at all, so dev defaults apply.
	claims, err := mock.Verify("invalid-token")
	assert.NoError(t, err)
	assert.NotNil(t, claims)
	assert.Equal(t, "dev-user-123", claims.Subject)
	assert.Equal(t, "dev_user", claims.Username)
	assert.Equal(t, "Dev User", claims.DisplayName)
}

func TestMockVerifier_WithPartialClaims(t *testing.T) {
	mock := &MockVerifier{}

	payload := map[string]interface{}{
		"sub": "partial-user",
	}
	payloadBytes, _ := json.Marshal(payload)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadBytes)

	token := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." + encodedPayload + ".signature"

	claims, err := mock.Verify(token)
	assert.NoError(t, err)
	assert.NotNil(t, claims)
	assert.Equal(t, "partial-user", claims.Subject)
	assert.Equal(t, "dev_user", claims.Username)
	assert.Equal(t, "Dev User", claims.DisplayName)
}

func TestMockVerifier_FailWith(t *testing.T) {
	wantErr := errors.New("auth backend down")
	mock := &MockVerifier{FailWith: wantErr}

	claims, err := mock.Verify("anything")
	assert.ErrorIs(t, err, wantErr)
	assert.Nil(t, claims)
}
