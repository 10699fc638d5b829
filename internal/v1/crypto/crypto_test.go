package crypto

import (
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestCore(t *testing.T) (*Core, *time.Time) {
	t.Helper()
	core, err := NewCore(testMasterHex)
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	core.now = func() time.Time { return now }
	core.keyCreatedAt = now
	return core, &now
}

func TestNewCore_Validation(t *testing.T) {
	_, err := NewCore("not-hex")
	assert.Error(t, err)

	_, err = NewCore("abcd")
	assert.ErrorIs(t, err, ErrMasterKeySize)

	core, err := NewCore(testMasterHex)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), core.CurrentKeyId())
}

func TestGenerateMasterKeyHex(t *testing.T) {
	a := GenerateMasterKeyHex()
	b := GenerateMasterKeyHex()

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	_, err := NewCore(a)
	assert.NoError(t, err)
}

func TestDeriveChannelKey_Deterministic(t *testing.T) {
	core, _ := newTestCore(t)

	k1 := core.DeriveChannelKey("lounge", 1)
	k2 := core.DeriveChannelKey("lounge", 1)
	assert.Equal(t, k1, k2)

	assert.NotEqual(t, k1, core.DeriveChannelKey("lounge", 2))
	assert.NotEqual(t, k1, core.DeriveChannelKey("gaming", 1))
}

func TestDeriveChannelKey_NoLabelCollision(t *testing.T) {
	core, _ := newTestCore(t)

	// "ch-1" with key id 2 and "ch" with key id 12 must not collapse onto
	// the same derivation input.
	a := core.DeriveChannelKey("ch-1", 2)
	b := core.DeriveChannelKey("ch", 12)
	assert.NotEqual(t, a, b)
}

func TestDeriveClientKey_Deterministic(t *testing.T) {
	core, _ := newTestCore(t)

	k1 := core.DeriveClientKey("client-abc")
	k2 := core.DeriveClientKey("client-abc")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, core.DeriveClientKey("client-xyz"))
}

func TestSealOpen_RoundTrip(t *testing.T) {
	core, _ := newTestCore(t)

	plaintext := []byte("opus frame bytes")
	body, err := core.Seal(plaintext, "lounge", 7)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(body), SealedOverhead)

	got, ok := core.Open(body, "lounge")
	require.True(t, ok)
	assert.Equal(t, plaintext, got)
}

func TestSeal_WireLayout(t *testing.T) {
	core, _ := newTestCore(t)

	body, err := core.Seal([]byte("x"), "lounge", 0xDEADBEEF)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(body[:4]))
	// Nonce is eight zero bytes then the big-endian sequence.
	assert.Equal(t, make([]byte, 8), body[4:12])
	assert.Equal(t, uint32(0xDEADBEEF), binary.BigEndian.Uint32(body[12:16]))
	assert.Len(t, body, SealedOverhead+1)
}

func TestSeal_EmptyPayload(t *testing.T) {
	core, _ := newTestCore(t)

	body, err := core.Seal(nil, "lounge", 1)
	require.NoError(t, err)
	assert.Len(t, body, SealedOverhead)

	got, ok := core.Open(body, "lounge")
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestSeal_RejectsOversizedPayload(t *testing.T) {
	core, _ := newTestCore(t)

	_, err := core.Seal(make([]byte, maxSealPayload+1), "lounge", 1)
	assert.ErrorIs(t, err, ErrSealTooLarge)
}

func TestOpen_Failures(t *testing.T) {
	core, _ := newTestCore(t)

	body, err := core.Seal([]byte("payload"), "lounge", 3)
	require.NoError(t, err)

	// Short bodies can never be valid.
	_, ok := core.Open(body[:SealedOverhead-1], "lounge")
	assert.False(t, ok)
	_, ok = core.Open(nil, "lounge")
	assert.False(t, ok)

	// Wrong channel derives a different key.
	_, ok = core.Open(body, "gaming")
	assert.False(t, ok)

	// Flipped bits anywhere fail authentication.
	for _, idx := range []int{0, 5, 20, len(body) - 1} {
		tampered := append([]byte{}, body...)
		tampered[idx] ^= 0x01
		_, ok = core.Open(tampered, "lounge")
		assert.False(t, ok, "bit flip at %d must not open", idx)
	}
}

func TestOpen_AfterRotate(t *testing.T) {
	core, _ := newTestCore(t)

	old, err := core.Seal([]byte("before"), "lounge", 1)
	require.NoError(t, err)

	newId := core.Rotate()
	assert.Equal(t, uint32(2), newId)

	// Frames sealed under the previous id still open.
	got, ok := core.Open(old, "lounge")
	require.True(t, ok)
	assert.Equal(t, []byte("before"), got)

	// New seals carry the new id.
	fresh, err := core.Seal([]byte("after"), "lounge", 2)
	require.NoError(t, err)
	assert.Equal(t, newId, binary.BigEndian.Uint32(fresh[:4]))
	_, ok = core.Open(fresh, "lounge")
	assert.True(t, ok)
}

func TestMaybeRotate(t *testing.T) {
	core, now := newTestCore(t)

	assert.False(t, core.MaybeRotate())
	assert.Equal(t, uint32(1), core.CurrentKeyId())

	*now = now.Add(23 * time.Hour)
	assert.False(t, core.MaybeRotate())

	*now = now.Add(2 * time.Hour)
	assert.True(t, core.MaybeRotate())
	assert.Equal(t, uint32(2), core.CurrentKeyId())

	// Freshly rotated, so the next sweep is a no-op.
	assert.False(t, core.MaybeRotate())
}

func TestKeyAge(t *testing.T) {
	core, now := newTestCore(t)

	assert.Equal(t, time.Duration(0), core.KeyAge())
	*now = now.Add(90 * time.Minute)
	assert.Equal(t, 90*time.Minute, core.KeyAge())
}

func TestSeal_DistinctCiphertextPerSeq(t *testing.T) {
	core, _ := newTestCore(t)

	a, err := core.Seal([]byte("same payload"), "lounge", 1)
	require.NoError(t, err)
	b, err := core.Seal([]byte("same payload"), "lounge", 2)
	require.NoError(t, err)

	assert.NotEqual(t, a[SealedOverhead:], b[SealedOverhead:])
}

func TestDeriveChannelKey_LongChannelName(t *testing.T) {
	core, _ := newTestCore(t)

	long := strings.Repeat("a", 128)
	k1 := core.DeriveChannelKey(long, 1)
	k2 := core.DeriveChannelKey(long, 1)
	assert.Equal(t, k1, k2)
}
