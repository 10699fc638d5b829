// Package crypto turns the 32-byte voice master secret into per-channel
// AES-256-GCM traffic keys, seals and opens voice frames, and rolls the
// active key id on schedule.
//
// Key derivation is deterministic, so any relay holding the master secret can
// open a frame from the key id carried in its header without key exchange.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/metrics"
)

const (
	// KeyIdLen + NonceLen + TagLen is the fixed sealed-frame overhead; a
	// sealed body shorter than that cannot be valid.
	KeyIdLen = 4
	NonceLen = 12
	TagLen   = 16

	// SealedOverhead is the minimum length of a sealed body (empty payload).
	SealedOverhead = KeyIdLen + NonceLen + TagLen

	// rotateAfter is the key age that makes MaybeRotate act.
	rotateAfter = 24 * time.Hour

	channelKeyPrefix = "vibespeak-voice-"
	clientKeyPrefix  = "client-"
)

var (
	ErrMasterKeySize = errors.New("master key must be 32 bytes")
	ErrSealTooLarge  = errors.New("payload too large to seal")
)

// maxSealPayload keeps the ciphertext length addressable well under any
// realistic datagram size.
const maxSealPayload = 1 << 16

// Core owns the master secret and the rotation state. Derivation methods are
// stateless; Seal, CurrentKeyId, Rotate and MaybeRotate serialize on an
// internal lock, so Core is safe for concurrent use.
type Core struct {
	master [32]byte

	mu           sync.RWMutex
	currentKeyId uint32
	keyCreatedAt time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewCore builds a Core from a hex-encoded 32-byte master secret. The key id
// starts at 1 so an all-zero id never appears on the wire.
func NewCore(masterHex string) (*Core, error) {
	return NewCoreWithClock(masterHex, time.Now)
}

// NewCoreWithClock builds a Core on an injected clock so rotation timing
// can be driven deterministically.
func NewCoreWithClock(masterHex string, now func() time.Time) (*Core, error) {
	raw, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, ErrMasterKeySize
	}
	c := &Core{now: now}
	copy(c.master[:], raw)
	c.currentKeyId = 1
	c.keyCreatedAt = c.now()
	return c, nil
}

// GenerateMasterKeyHex returns a fresh random master secret in the hex form
// NewCore accepts. Used by development bootstrap.
func GenerateMasterKeyHex() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(raw)
}

// DeriveChannelKey computes the traffic key for one channel and key id.
// Deterministic and stateless.
func (c *Core) DeriveChannelKey(channelId string, keyId uint32) [32]byte {
	mac := hmac.New(sha256.New, c.master[:])
	_, _ = mac.Write([]byte(channelKeyPrefix))
	_, _ = mac.Write([]byte(channelId))
	_, _ = mac.Write([]byte("-"))
	_, _ = mac.Write([]byte(strconv.FormatUint(uint64(keyId), 10)))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// DeriveClientKey computes a per-client key bound to the client identity.
func (c *Core) DeriveClientKey(clientId string) [32]byte {
	mac := hmac.New(sha256.New, c.master[:])
	_, _ = mac.Write([]byte(clientKeyPrefix))
	_, _ = mac.Write([]byte(clientId))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// CurrentKeyId returns the key id Seal is using right now.
func (c *Core) CurrentKeyId() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentKeyId
}

// Seal encrypts plaintext for a channel under the current key id. The nonce
// is eight zero bytes followed by the big-endian sequence number, so nonce
// uniqueness holds per sender stream within a key id.
//
// Output layout: key_id:u32 BE, nonce:12, tag:16, ciphertext.
func (c *Core) Seal(plaintext []byte, channelId string, seq uint32) ([]byte, error) {
	if len(plaintext) > maxSealPayload {
		return nil, ErrSealTooLarge
	}
	keyId := c.CurrentKeyId()
	key := c.DeriveChannelKey(channelId, keyId)
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}

	var nonce [NonceLen]byte
	binary.BigEndian.PutUint32(nonce[8:], seq)

	// Go's GCM appends the tag after the ciphertext; the wire order is
	// tag first, so the sealed output is rearranged.
	sealed := aead.Seal(nil, nonce[:], plaintext, nil)
	ct := sealed[:len(sealed)-TagLen]
	tag := sealed[len(sealed)-TagLen:]

	out := make([]byte, 0, SealedOverhead+len(ct))
	out = binary.BigEndian.AppendUint32(out, keyId)
	out = append(out, nonce[:]...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Open authenticates and decrypts a sealed body against a channel, deriving
// the key from the key id in the header. Returns false on any mismatch
// instead of an error so callers can count failures and move on. Never
// retried.
func (c *Core) Open(body []byte, channelId string) ([]byte, bool) {
	if len(body) < SealedOverhead {
		return nil, false
	}
	keyId := binary.BigEndian.Uint32(body[:KeyIdLen])
	nonce := body[KeyIdLen : KeyIdLen+NonceLen]
	tag := body[KeyIdLen+NonceLen : SealedOverhead]
	ct := body[SealedOverhead:]

	key := c.DeriveChannelKey(channelId, keyId)
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, false
	}

	// Rebuild ciphertext-then-tag for Go's GCM.
	buf := make([]byte, 0, len(ct)+TagLen)
	buf = append(buf, ct...)
	buf = append(buf, tag...)

	plain, err := aead.Open(nil, nonce, buf, nil)
	if err != nil {
		return nil, false
	}
	return plain, true
}

// Rotate advances the key id and restamps the creation time. Frames sealed
// under older ids keep opening because derivation is deterministic.
func (c *Core) Rotate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rotateLocked()
}

func (c *Core) rotateLocked() uint32 {
	c.currentKeyId++
	c.keyCreatedAt = c.now()
	metrics.VoiceKeyRotations.Inc()
	logging.Info(context.Background(), "Voice key rotated",
		zap.Uint32("keyId", c.currentKeyId))
	return c.currentKeyId
}

// MaybeRotate rotates when the current key is older than 24 hours and
// reports whether it did.
func (c *Core) MaybeRotate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Sub(c.keyCreatedAt) <= rotateAfter {
		return false
	}
	c.rotateLocked()
	return true
}

// KeyAge returns how long the current key has been active.
func (c *Core) KeyAge() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Sub(c.keyCreatedAt)
}

func newAESGCM(key [32]byte) (cipher.AEAD, error) {
	b, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(b)
	if err != nil {
		return nil, err
	}
	if a.NonceSize() != NonceLen {
		return nil, fmt.Errorf("unexpected gcm nonce size: %d", a.NonceSize())
	}
	return a, nil
}
