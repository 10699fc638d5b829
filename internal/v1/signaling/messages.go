package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/types"
)

// Client → server message types.
const (
	msgAuth             = "auth"
	msgJoin             = "join"
	msgLeave            = "leave"
	msgOffer            = "offer"
	msgAnswer           = "answer"
	msgIceCandidate     = "ice-candidate"
	msgScreenShareStart = "screen-share-start"
	msgScreenShareStop  = "screen-share-stop"
	msgTypingStart      = "typing-start"
	msgTypingStop       = "typing-stop"
	msgPing             = "ping"
	msgPong             = "pong"
)

// Server → client message types.
const (
	msgAuthSuccess        = "auth-success"
	msgAuthFailed         = "auth-failed"
	msgAuthRequired       = "auth-required"
	msgUserJoined         = "user-joined"
	msgUserLeft           = "user-left"
	msgScreenShareDenied  = "screen-share-denied"
	msgVoiceChannelUpdate = "voice-channel-update"
)

// Frame validation errors. Invalid frames are logged and dropped; they never
// close the socket.
var (
	errUnknownType     = errors.New("unknown message type")
	errInvalidRoomId   = errors.New("invalid room id")
	errInvalidUsername = errors.New("invalid username")
	errMissingData     = errors.New("missing session description data")
	errMissingTarget   = errors.New("missing target client id")
)

// envelope is the JSON frame every signaling message travels in, both
// directions. Which fields are present depends on the type; inbound frames
// are narrowed into typed variants by parseClientMessage.
type envelope struct {
	Type      string                  `json:"type"`
	RoomId    string                  `json:"roomId,omitempty"`
	From      string                  `json:"from,omitempty"`
	To        string                  `json:"to,omitempty"`
	Username  string                  `json:"username,omitempty"`
	Token     string                  `json:"token,omitempty"`
	Data      json.RawMessage         `json:"data,omitempty"`
	Quality   string                  `json:"quality,omitempty"`
	Error     string                  `json:"error,omitempty"`
	User      *userInfo               `json:"user,omitempty"`
	Channels  []types.ChannelPresence `json:"channels,omitempty"`
	MessageId string                  `json:"messageId,omitempty"`
	Content   string                  `json:"content,omitempty"`
	Timestamp int64                   `json:"timestamp,omitempty"`
}

// userInfo is the identity block carried in auth-success replies.
type userInfo struct {
	Id          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// clientMessage is the closed set of frames clients may send. kind reports
// the wire type for logging and metrics labels.
type clientMessage interface {
	kind() string
}

type authMessage struct {
	Token string
}

type joinMessage struct {
	RoomId types.RoomIdType
	// Username optionally overrides the token-derived display name.
	Username types.UsernameType
}

type leaveMessage struct{}

// sessionDescriptionMessage carries an offer or answer. An empty To
// broadcasts to the rest of the sender's room.
type sessionDescriptionMessage struct {
	Kind string // msgOffer or msgAnswer
	To   types.ClientIdType
	Data json.RawMessage
}

type iceCandidateMessage struct {
	To   types.ClientIdType
	Data json.RawMessage
}

type screenShareStartMessage struct {
	Quality string
}

type screenShareStopMessage struct{}

type typingMessage struct {
	Start bool
}

type pingMessage struct{}

type pongMessage struct{}

func (authMessage) kind() string               { return msgAuth }
func (joinMessage) kind() string               { return msgJoin }
func (leaveMessage) kind() string              { return msgLeave }
func (m sessionDescriptionMessage) kind() string { return m.Kind }
func (iceCandidateMessage) kind() string       { return msgIceCandidate }
func (screenShareStartMessage) kind() string   { return msgScreenShareStart }
func (screenShareStopMessage) kind() string    { return msgScreenShareStop }
func (m typingMessage) kind() string {
	if m.Start {
		return msgTypingStart
	}
	return msgTypingStop
}
func (pingMessage) kind() string { return msgPing }
func (pongMessage) kind() string { return msgPong }

// parseClientMessage narrows one inbound frame into its typed variant,
// rejecting unknown types and invalid fields at the edge. An auth frame with
// an empty token parses successfully; the handler owns that failure so it
// can close with the dedicated code.
func parseClientMessage(raw []byte) (clientMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case msgAuth:
		return authMessage{Token: env.Token}, nil

	case msgJoin:
		roomId := types.RoomIdType(env.RoomId)
		if !roomId.Valid() {
			return nil, fmt.Errorf("%w: %q", errInvalidRoomId, env.RoomId)
		}
		username := types.UsernameType(env.Username)
		if env.Username != "" && !username.Valid() {
			return nil, fmt.Errorf("%w: %q", errInvalidUsername, env.Username)
		}
		return joinMessage{RoomId: roomId, Username: username}, nil

	case msgLeave:
		return leaveMessage{}, nil

	case msgOffer, msgAnswer:
		if !hasData(env.Data) {
			return nil, errMissingData
		}
		return sessionDescriptionMessage{
			Kind: env.Type,
			To:   types.ClientIdType(env.To),
			Data: env.Data,
		}, nil

	case msgIceCandidate:
		if env.To == "" {
			return nil, errMissingTarget
		}
		return iceCandidateMessage{To: types.ClientIdType(env.To), Data: env.Data}, nil

	case msgScreenShareStart:
		return screenShareStartMessage{Quality: env.Quality}, nil

	case msgScreenShareStop:
		return screenShareStopMessage{}, nil

	case msgTypingStart:
		return typingMessage{Start: true}, nil

	case msgTypingStop:
		return typingMessage{Start: false}, nil

	case msgPing:
		return pingMessage{}, nil

	case msgPong:
		return pongMessage{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownType, env.Type)
	}
}

// hasData reports whether a raw JSON field is present and not literal null.
func hasData(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func marshalEnvelope(env envelope) ([]byte, bool) {
	data, err := json.Marshal(env)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal signaling envelope",
			zap.String("type", env.Type), zap.Error(err))
		return nil, false
	}
	return data, true
}
