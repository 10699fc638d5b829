package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIdType(t *testing.T) {
	id := ClientIdType("user_mb3x9k2p_a1b2c3d4e")
	assert.Equal(t, "user_mb3x9k2p_a1b2c3d4e", string(id))
}

func TestRoomIdValid(t *testing.T) {
	assert.True(t, RoomIdType("general").Valid())
	assert.True(t, RoomIdType("Voice Lounge-2").Valid())
	assert.True(t, RoomIdType("42").Valid())
	assert.True(t, RoomIdType(strings.Repeat("a", 128)).Valid())

	assert.False(t, RoomIdType("").Valid())
	assert.False(t, RoomIdType(strings.Repeat("a", 129)).Valid())
	assert.False(t, RoomIdType("room/../etc").Valid())
	assert.False(t, RoomIdType("room\n").Valid())
	assert.False(t, RoomIdType("room<script>").Valid())
}

func TestUsernameValid(t *testing.T) {
	assert.True(t, UsernameType("alice").Valid())
	assert.True(t, UsernameType("alice_42").Valid())
	assert.True(t, UsernameType(strings.Repeat("x", 32)).Valid())

	assert.False(t, UsernameType("").Valid())
	assert.False(t, UsernameType(strings.Repeat("x", 33)).Valid())
	assert.False(t, UsernameType("no spaces").Valid())
	assert.False(t, UsernameType("dash-bad").Valid())
}

func TestIsVoiceChannel(t *testing.T) {
	assert.True(t, RoomIdType("lounge").Valid())
	assert.True(t, RoomIdType("lounge").IsVoiceChannel())
	assert.True(t, RoomIdType("general2").IsVoiceChannel())

	// Reserved and text-channel rooms are not voice channels.
	assert.False(t, GlobalRoom.IsVoiceChannel())
	assert.False(t, RoomIdType("42").IsVoiceChannel())
	assert.False(t, RoomIdType("0").IsVoiceChannel())
}

func TestClientInfoEquality(t *testing.T) {
	a := ClientInfo{ClientId: "user_1", Username: "alice"}
	b := ClientInfo{ClientId: "user_1", Username: "alice"}
	c := ClientInfo{ClientId: "user_2", Username: "bob"}

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestChannelPresence(t *testing.T) {
	p := ChannelPresence{
		ChannelId: "lounge",
		Users: []ClientInfo{
			{ClientId: "user_1", Username: "alice"},
		},
	}
	assert.Equal(t, RoomIdType("lounge"), p.ChannelId)
	assert.Len(t, p.Users, 1)
}
