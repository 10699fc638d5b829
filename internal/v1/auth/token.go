// Package auth issues and verifies the bearer tokens that gate the signaling
// plane. Tokens are HS256 JWTs signed with a rotating set of shared secrets,
// so verification keeps working across a rotation window without coordinating
// with clients.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/metrics"
)

const (
	// maxActiveSecrets bounds the rotation window; tokens signed with an
	// evicted secret stop verifying.
	maxActiveSecrets = 3

	// tokenTTL is the lifetime stamped into every issued token.
	tokenTTL = 7 * 24 * time.Hour

	// secretMaxAge is the point past which a non-newest secret is dropped
	// during rotation.
	secretMaxAge = 7 * 24 * time.Hour

	// rotateAfter is the signing-secret age that makes MaybeRotate act.
	rotateAfter = 24 * time.Hour

	// minSecretLen rejects secrets too short to resist brute force.
	minSecretLen = 32

	keyHintLen = 4
)

// ErrInvalidToken is returned when a token fails verification against every
// active secret.
var ErrInvalidToken = errors.New("invalid token")

// Claims carries the identity embedded in issued tokens. KeyHint is the first
// four characters of the signing secret's id; verification uses it to pick a
// likely secret first but never requires it.
type Claims struct {
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	KeyHint     string `json:"khint,omitempty"`
	jwt.RegisteredClaims
}

// secretEntry is one member of the active signing-secret set.
type secretEntry struct {
	secret    []byte
	createdAt time.Time
	id        string
}

func newSecretEntry(secret []byte, createdAt time.Time) secretEntry {
	return secretEntry{secret: secret, createdAt: createdAt, id: secretId(secret)}
}

// secretId derives a stable short identifier from the secret itself so ids
// survive restarts without being stored anywhere.
func secretId(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])[:12]
}

func (e secretEntry) keyFunc(token *jwt.Token) (interface{}, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return e.secret, nil
}

// Status is the admin-facing snapshot of the signing-secret set.
type Status struct {
	ActiveSecrets int      `json:"activeSecrets"`
	CurrentKeyId  string   `json:"currentKeyId"`
	CurrentKeyAge string   `json:"currentKeyAge"`
	KeyIds        []string `json:"keyIds"`
	RotationDue   bool     `json:"rotationDue"`
}

// TokenService signs and verifies HS256 tokens against a newest-first set of
// at most three secrets. All methods are safe for concurrent use.
type TokenService struct {
	mu      sync.RWMutex
	secrets []secretEntry

	// now is swappable for tests.
	now func() time.Time
}

// NewTokenService bootstraps the secret set from configuration. previous, when
// non-empty, is admitted as an already-aged entry so tokens issued by the
// prior deployment keep verifying.
func NewTokenService(secret, previous string) (*TokenService, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("signing secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	s := &TokenService{now: time.Now}
	bootNow := s.now()
	s.secrets = append(s.secrets, newSecretEntry([]byte(secret), bootNow))
	if previous != "" {
		if len(previous) < minSecretLen {
			return nil, fmt.Errorf("previous signing secret must be at least %d bytes, got %d", minSecretLen, len(previous))
		}
		s.secrets = append(s.secrets, newSecretEntry([]byte(previous), bootNow.Add(-rotateAfter)))
	}
	return s, nil
}

// Issue signs a token for the given identity with the newest secret. The
// token expires after seven days.
func (s *TokenService) Issue(subject, username, displayName string) (string, error) {
	s.mu.RLock()
	entry := s.secrets[0]
	s.mu.RUnlock()

	now := s.now()
	claims := &Claims{
		Username:    username,
		DisplayName: displayName,
		KeyHint:     entry.id[:keyHintLen],
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(entry.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token against each active secret, newest first. A token
// verifies when its signature matches any active secret and it has not
// expired. Implements types.TokenVerifier.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	s.mu.RLock()
	candidates := make([]secretEntry, len(s.secrets))
	copy(candidates, s.secrets)
	s.mu.RUnlock()

	// A matching key hint promotes that secret to the first attempt. The
	// remaining order stays newest-first so unhinted tokens still verify.
	if hint := peekKeyHint(tokenString); hint != "" {
		for i := 1; i < len(candidates); i++ {
			if strings.HasPrefix(candidates[i].id, hint) {
				hinted := candidates[i]
				copy(candidates[1:i+1], candidates[:i])
				candidates[0] = hinted
				break
			}
		}
	}

	var lastErr error
	for _, entry := range candidates {
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, entry.keyFunc, jwt.WithTimeFunc(s.now))
		if err == nil && token.Valid {
			metrics.TokenVerifications.WithLabelValues("success").Inc()
			return claims, nil
		}
		lastErr = err
	}

	metrics.TokenVerifications.WithLabelValues("failure").Inc()
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, lastErr)
	}
	return nil, ErrInvalidToken
}

// peekKeyHint reads the hint claim without verifying the signature. The hint
// only influences trial order, so trusting it unverified is harmless.
func peekKeyHint(tokenString string) string {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return ""
	}
	return claims.KeyHint
}

// Rotate generates a fresh 32-byte secret, makes it the signing secret, and
// prunes the set: at most three entries, and nothing older than seven days
// except the newest. Returns the new secret's id.
func (s *TokenService) Rotate() string {
	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(fresh)
}

func (s *TokenService) rotateLocked(fresh []byte) string {
	now := s.now()
	entry := newSecretEntry(fresh, now)
	s.secrets = append([]secretEntry{entry}, s.secrets...)
	if len(s.secrets) > maxActiveSecrets {
		s.secrets = s.secrets[:maxActiveSecrets]
	}

	kept := make([]secretEntry, 0, len(s.secrets))
	kept = append(kept, s.secrets[0])
	for _, e := range s.secrets[1:] {
		if now.Sub(e.createdAt) <= secretMaxAge {
			kept = append(kept, e)
		}
	}
	s.secrets = kept

	metrics.TokenRotations.Inc()
	logging.Info(context.Background(), "Signing secret rotated",
		zap.String("keyId", entry.id),
		zap.Int("activeSecrets", len(s.secrets)))
	return entry.id
}

// MaybeRotate rotates when the signing secret is older than 24 hours and
// reports whether it did. Intended to be called from a periodic sweep.
func (s *TokenService) MaybeRotate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.now().Sub(s.secrets[0].createdAt) <= rotateAfter {
		return false
	}

	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	s.rotateLocked(fresh)
	return true
}

// Status reports the current secret set for the admin surface. Secret ids are
// exposed, secret bytes never are.
func (s *TokenService) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	age := s.now().Sub(s.secrets[0].createdAt)
	ids := make([]string, len(s.secrets))
	for i, e := range s.secrets {
		ids[i] = e.id
	}
	return Status{
		ActiveSecrets: len(s.secrets),
		CurrentKeyId:  s.secrets[0].id,
		CurrentKeyAge: age.Round(time.Second).String(),
		KeyIds:        ids,
		RotationDue:   age > rotateAfter,
	}
}
