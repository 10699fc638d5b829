package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// MockVerifier accepts any token without checking its signature. Used in
// development mode and in tests where real signing would be noise.
//
// When the token parses as a JWT its claims are surfaced so local frontends
// can exercise identity flows; otherwise stable dev defaults are returned.
type MockVerifier struct {
	// FailWith, when set, makes every Verify call fail with this error.
	FailWith error
}

// Verify implements types.TokenVerifier.
func (m *MockVerifier) Verify(tokenString string) (*Claims, error) {
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	claims := &Claims{
		Username:    "dev_user",
		DisplayName: "Dev User",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "dev-user-123",
		},
	}

	parsed := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, parsed); err == nil {
		if parsed.Subject != "" {
			claims.Subject = parsed.Subject
		}
		if parsed.Username != "" {
			claims.Username = parsed.Username
		}
		if parsed.DisplayName != "" {
			claims.DisplayName = parsed.DisplayName
		}
	}

	return claims, nil
}
