package types

import (
	"context"
	"regexp"
	"sync"

	"github.com/vibespeak/realtime/internal/v1/auth"
	"github.com/vibespeak/realtime/internal/v1/bus"
)

// --- Core Domain Types ---

// ClientIdType represents a unique identifier for a signaling (WebSocket) connection.
type ClientIdType string

// RoomIdType represents a named fan-out group on the signaling plane. Rooms may
// correspond to voice channels (by name), text channels (by numeric id), or the
// reserved room "global".
type RoomIdType string

// UsernameType represents the human-readable name attached to a client.
type UsernameType string

// ChannelIdType represents a voice channel name on the UDP relay plane.
type ChannelIdType string

// GlobalRoom is the reserved room that every authenticated socket joins.
const GlobalRoom RoomIdType = "global"

var (
	roomIdPattern   = regexp.MustCompile(`^[A-Za-z0-9_ -]{1,128}$`)
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)
	allDigits       = regexp.MustCompile(`^[0-9]+$`)
)

// Valid reports whether the room id is 1-128 chars of [A-Za-z0-9_ -].
func (r RoomIdType) Valid() bool {
	return roomIdPattern.MatchString(string(r))
}

// IsVoiceChannel reports whether membership changes in this room feed the
// voice-channel-update fan-out. The reserved "global" room and all-digit
// text-channel rooms are excluded, as is the empty id.
func (r RoomIdType) IsVoiceChannel() bool {
	return r != "" && r != GlobalRoom && !allDigits.MatchString(string(r))
}

// Valid reports whether the username is 1-32 chars of [A-Za-z0-9_].
func (u UsernameType) Valid() bool {
	return usernamePattern.MatchString(string(u))
}

// ClientInfo is the occupant record carried in presence snapshots.
type ClientInfo struct {
	ClientId ClientIdType `json:"clientId"`
	Username UsernameType `json:"username"`
}

// ChannelPresence is one voice channel's occupancy inside a
// voice-channel-update push.
type ChannelPresence struct {
	ChannelId RoomIdType   `json:"channelId"`
	Users     []ClientInfo `json:"users"`
}

// --- Shared Interfaces ---

// TokenVerifier defines the interface for bearer-token verification.
// Implemented by auth.TokenService; mocked in tests.
type TokenVerifier interface {
	Verify(tokenString string) (*auth.Claims, error)
}

// BusService defines the interface for distributed pub/sub and presence state.
// Implemented by bus.Service; a nil *bus.Service behaves as a disabled bus.
type BusService interface {
	Publish(ctx context.Context, p bus.Payload) error
	Subscribe(ctx context.Context, wg *sync.WaitGroup, handler func(bus.Payload))
	SetAdd(ctx context.Context, key string, value string) error
	SetRem(ctx context.Context, key string, value string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// RoomBroadcaster is the surface the external chat/HTTP collaborator consumes
// to fan messages out through the signaling hub.
type RoomBroadcaster interface {
	BroadcastToRoom(ctx context.Context, roomId RoomIdType, envelope []byte)
	BroadcastToAll(ctx context.Context, envelope []byte)
	BroadcastToUser(ctx context.Context, userId string, envelope []byte)
	Rooms() map[RoomIdType][]ClientInfo
}
