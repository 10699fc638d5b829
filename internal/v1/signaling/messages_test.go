package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibespeak/realtime/internal/v1/types"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    clientMessage
		wantErr error
	}{
		{
			name: "auth",
			raw:  `{"type":"auth","token":"abc.def.ghi"}`,
			want: authMessage{Token: "abc.def.ghi"},
		},
		{
			// The handler owns the missing-token failure so it can close
			// with the dedicated code; parsing must succeed.
			name: "auth without token",
			raw:  `{"type":"auth"}`,
			want: authMessage{},
		},
		{
			name: "join",
			raw:  `{"type":"join","roomId":"design reviews","username":"alice_w"}`,
			want: joinMessage{RoomId: "design reviews", Username: "alice_w"},
		},
		{
			name: "join without username",
			raw:  `{"type":"join","roomId":"lounge"}`,
			want: joinMessage{RoomId: "lounge"},
		},
		{
			name:    "join invalid room",
			raw:     `{"type":"join","roomId":"no/slashes"}`,
			wantErr: errInvalidRoomId,
		},
		{
			name:    "join empty room",
			raw:     `{"type":"join"}`,
			wantErr: errInvalidRoomId,
		},
		{
			name:    "join invalid username",
			raw:     `{"type":"join","roomId":"lounge","username":"has spaces"}`,
			wantErr: errInvalidUsername,
		},
		{
			name: "leave",
			raw:  `{"type":"leave"}`,
			want: leaveMessage{},
		},
		{
			name: "offer",
			raw:  `{"type":"offer","to":"user_x_000000000","data":{"sdp":"v=0"}}`,
			want: sessionDescriptionMessage{Kind: msgOffer, To: "user_x_000000000", Data: json.RawMessage(`{"sdp":"v=0"}`)},
		},
		{
			name:    "offer without data",
			raw:     `{"type":"offer","to":"user_x_000000000"}`,
			wantErr: errMissingData,
		},
		{
			name:    "offer with null data",
			raw:     `{"type":"answer","data":null}`,
			wantErr: errMissingData,
		},
		{
			name: "answer broadcast",
			raw:  `{"type":"answer","data":{"sdp":"a"}}`,
			want: sessionDescriptionMessage{Kind: msgAnswer, Data: json.RawMessage(`{"sdp":"a"}`)},
		},
		{
			name: "ice candidate",
			raw:  `{"type":"ice-candidate","to":"user_y_000000000","data":{"candidate":"c"}}`,
			want: iceCandidateMessage{To: "user_y_000000000", Data: json.RawMessage(`{"candidate":"c"}`)},
		},
		{
			name:    "ice candidate without target",
			raw:     `{"type":"ice-candidate","data":{"candidate":"c"}}`,
			wantErr: errMissingTarget,
		},
		{
			name: "screen share start",
			raw:  `{"type":"screen-share-start","quality":"1080p60"}`,
			want: screenShareStartMessage{Quality: "1080p60"},
		},
		{
			name: "screen share stop",
			raw:  `{"type":"screen-share-stop"}`,
			want: screenShareStopMessage{},
		},
		{
			name: "typing start",
			raw:  `{"type":"typing-start"}`,
			want: typingMessage{Start: true},
		},
		{
			name: "typing stop",
			raw:  `{"type":"typing-stop"}`,
			want: typingMessage{Start: false},
		},
		{
			name: "ping",
			raw:  `{"type":"ping"}`,
			want: pingMessage{},
		},
		{
			name:    "unknown type",
			raw:     `{"type":"self-destruct"}`,
			wantErr: errUnknownType,
		},
		{
			name:    "malformed json",
			raw:     `{"type":`,
			wantErr: nil, // any error is acceptable, asserted below
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseClientMessage([]byte(tt.raw))
			if tt.want != nil {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestMessageKinds(t *testing.T) {
	assert.Equal(t, "offer", sessionDescriptionMessage{Kind: msgOffer}.kind())
	assert.Equal(t, "answer", sessionDescriptionMessage{Kind: msgAnswer}.kind())
	assert.Equal(t, "typing-start", typingMessage{Start: true}.kind())
	assert.Equal(t, "typing-stop", typingMessage{Start: false}.kind())
}

// The handshake reply's field names are load-bearing for clients; pin them.
func TestAuthSuccessWireFormat(t *testing.T) {
	data, ok := marshalEnvelope(envelope{
		Type: msgAuthSuccess,
		User: &userInfo{Id: "uid-1", Username: "alice", DisplayName: "Alice W"},
	})
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"auth-success","user":{"id":"uid-1","username":"alice","display_name":"Alice W"}}`, string(data))
}

func TestVoiceChannelUpdateWireFormat(t *testing.T) {
	data, ok := marshalEnvelope(envelope{
		Type: msgVoiceChannelUpdate,
		Channels: []types.ChannelPresence{
			{ChannelId: "lounge", Users: []types.ClientInfo{{ClientId: "user_a_000000000", Username: "alice"}}},
		},
		Timestamp: 1750000000000,
	})
	require.True(t, ok)
	assert.JSONEq(t, `{
		"type": "voice-channel-update",
		"channels": [{"channelId":"lounge","users":[{"clientId":"user_a_000000000","username":"alice"}]}],
		"timestamp": 1750000000000
	}`, string(data))
}
