package signaling

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	set "k8s.io/apimachinery/pkg/util/sets"

	"github.com/vibespeak/realtime/internal/v1/bus"
	"github.com/vibespeak/realtime/internal/v1/floor"
	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/metrics"
	"github.com/vibespeak/realtime/internal/v1/types"
)

// handleMessage narrows one inbound frame and routes it. Parse and
// validation failures drop the frame without closing the socket; only the
// auth handshake may terminate a connection.
func (h *Hub) handleMessage(c *Client, raw []byte) {
	start := time.Now()
	msg, err := parseClientMessage(raw)
	if err != nil {
		metrics.SignalingEvents.WithLabelValues("invalid", "dropped").Inc()
		logging.Warn(context.Background(), "Dropping invalid signaling frame",
			zap.String("clientId", string(c.Id)), zap.Error(err))
		return
	}

	kind := msg.kind()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	if auth, ok := msg.(authMessage); ok {
		h.handleAuth(c, auth)
		return
	}
	if !h.isAuthed(c) {
		// Dropped silently on the wire; the auth timer keeps running.
		metrics.SignalingEvents.WithLabelValues(kind, "unauthenticated").Inc()
		logging.Warn(context.Background(), "Dropping pre-auth signaling frame",
			zap.String("clientId", string(c.Id)), zap.String("type", kind))
		return
	}

	switch m := msg.(type) {
	case joinMessage:
		h.handleJoin(c, m)
	case leaveMessage:
		h.handleLeave(c)
	case sessionDescriptionMessage:
		h.relaySessionDescription(c, m)
	case iceCandidateMessage:
		h.handleIceCandidate(c, m)
	case screenShareStartMessage:
		h.handleScreenShareStart(c, m)
	case screenShareStopMessage:
		h.handleScreenShareStop(c)
	case typingMessage:
		h.handleTyping(c, m)
	case pingMessage:
		c.sendEnvelope(false, envelope{Type: msgPong, Timestamp: h.now().UnixMilli()})
	case pongMessage:
		// Application-level keepalive reply; nothing to do.
	}
	metrics.SignalingEvents.WithLabelValues(kind, "ok").Inc()
}

// handleAuth runs the in-band handshake. Failure closes the socket with a
// dedicated code: 4002 missing token, 4003 invalid token. Success joins the
// reserved global room and marks the user online.
func (h *Hub) handleAuth(c *Client, m authMessage) {
	if h.isAuthed(c) {
		logging.Debug(context.Background(), "Ignoring repeat auth frame",
			zap.String("clientId", string(c.Id)))
		return
	}
	if m.Token == "" {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		c.closeWith(CloseMissingToken, "missing token",
			&envelope{Type: msgAuthFailed, Error: "token required"})
		return
	}

	claims, err := h.verifier.Verify(m.Token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		logging.Warn(context.Background(), "WebSocket authentication failed",
			zap.String("clientId", string(c.Id)), zap.Error(err))
		c.closeWith(CloseInvalidToken, "invalid token",
			&envelope{Type: msgAuthFailed, Error: "invalid token"})
		return
	}

	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(context.Background(), claims.Subject); err != nil {
			metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded",
				&envelope{Type: msgAuthFailed, Error: "rate limit exceeded"})
			return
		}
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}

	h.mu.Lock()
	if !h.clients[c] {
		// Raced with disconnect; nothing to promote.
		h.mu.Unlock()
		return
	}
	c.authed = true
	c.userId = claims.Subject
	c.username = types.UsernameType(username)
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	h.addToRoomLocked(c, types.GlobalRoom)
	peers := h.byUser[c.userId]
	if peers == nil {
		peers = set.New[*Client]()
		h.byUser[c.userId] = peers
	}
	peers.Insert(c)
	h.mu.Unlock()

	h.presenceOnline(claims.Subject)
	c.sendEnvelope(true, envelope{
		Type: msgAuthSuccess,
		User: &userInfo{Id: claims.Subject, Username: username, DisplayName: claims.DisplayName},
	})
	logging.Info(context.Background(), "WebSocket authenticated",
		zap.String("clientId", string(c.Id)), zap.String("userId", claims.Subject))
}

// handleJoin moves the socket into a room, leaving its previous one with
// full departure fan-out. Joining the reserved global room is shorthand for
// leaving the current room; re-joining the current room is a no-op.
func (h *Hub) handleJoin(c *Client, m joinMessage) {
	if m.RoomId == types.GlobalRoom {
		h.handleLeave(c)
		return
	}

	h.mu.Lock()
	if c.room == m.RoomId {
		h.mu.Unlock()
		return
	}
	prev := c.room
	c.room = m.RoomId
	if m.Username != "" {
		c.username = m.Username
	}
	username, userId := c.username, c.userId
	if prev != "" {
		h.removeFromRoomLocked(c, prev)
	}
	h.addToRoomLocked(c, m.RoomId)
	h.mu.Unlock()

	if prev != "" {
		ts := h.now().UnixMilli()
		if h.floor.Release(string(prev), string(c.Id)) {
			h.broadcastEnvelopeToRoom(prev, envelope{
				Type: msgScreenShareStop, RoomId: string(prev),
				From: string(c.Id), Username: string(username), Timestamp: ts,
			}, nil, true)
		}
		h.broadcastEnvelopeToRoom(prev, envelope{
			Type: msgUserLeft, RoomId: string(prev),
			From: string(c.Id), Username: string(username), Timestamp: ts,
		}, nil, false)
		h.presenceVoiceLeave(prev, userId)
	}

	h.broadcastEnvelopeToRoom(m.RoomId, envelope{
		Type: msgUserJoined, RoomId: string(m.RoomId),
		From: string(c.Id), Username: string(username), Timestamp: h.now().UnixMilli(),
	}, c, false)
	h.presenceVoiceJoin(m.RoomId, userId)

	if prev.IsVoiceChannel() || m.RoomId.IsVoiceChannel() {
		h.broadcastVoiceChannels()
	}

	logging.Info(context.Background(), "Client joined room",
		zap.String("clientId", string(c.Id)),
		zap.String("roomId", string(m.RoomId)),
		zap.String("previous", string(prev)))
}

// handleLeave returns the socket to global-only membership.
func (h *Hub) handleLeave(c *Client) {
	h.mu.Lock()
	room := c.room
	if room == "" {
		h.mu.Unlock()
		return
	}
	c.room = ""
	h.removeFromRoomLocked(c, room)
	username, userId := c.username, c.userId
	h.mu.Unlock()

	h.announceDeparture(c, room, username, userId)
	logging.Info(context.Background(), "Client left room",
		zap.String("clientId", string(c.Id)), zap.String("roomId", string(room)))
}

// relaySessionDescription forwards an offer or answer. A target that is
// present in the sender's room gets it unicast; otherwise the rest of the
// room hears it. Every copy is stamped with the sender's id.
func (h *Hub) relaySessionDescription(c *Client, m sessionDescriptionMessage) {
	h.mu.Lock()
	room := c.room
	var target *Client
	if room != "" && m.To != "" {
		target = h.findInRoomLocked(room, m.To)
	}
	h.mu.Unlock()

	if room == "" {
		logging.Debug(context.Background(), "Dropping session description outside a room",
			zap.String("clientId", string(c.Id)), zap.String("type", m.Kind))
		return
	}

	env := envelope{Type: m.Kind, RoomId: string(room), From: string(c.Id), Data: m.Data}
	if target != nil {
		env.To = string(m.To)
		target.sendEnvelope(true, env)
		return
	}
	h.broadcastEnvelopeToRoom(room, env, c, true)
}

// handleIceCandidate unicasts a candidate to its target. Candidates are
// worthless to anyone else, so an unreachable target drops the frame.
func (h *Hub) handleIceCandidate(c *Client, m iceCandidateMessage) {
	h.mu.Lock()
	room := c.room
	var target *Client
	if room != "" {
		target = h.findInRoomLocked(room, m.To)
	}
	h.mu.Unlock()

	if target == nil {
		logging.Debug(context.Background(), "Dropping ICE candidate with unreachable target",
			zap.String("clientId", string(c.Id)), zap.String("to", string(m.To)))
		return
	}
	target.sendEnvelope(true, envelope{
		Type: msgIceCandidate, RoomId: string(room),
		From: string(c.Id), To: string(m.To), Data: m.Data,
	})
}

// handleScreenShareStart runs floor admission. A denial goes back to the
// requester alone; a grant is announced to the whole room, requester
// included, carrying the possibly-downgraded tier.
func (h *Hub) handleScreenShareStart(c *Client, m screenShareStartMessage) {
	h.mu.Lock()
	room, username := c.room, c.username
	h.mu.Unlock()
	if room == "" {
		logging.Debug(context.Background(), "Screen share requested outside a room",
			zap.String("clientId", string(c.Id)))
		return
	}

	decision := h.floor.Request(string(room), string(c.Id), string(username), floor.Quality(m.Quality))
	if !decision.Granted {
		c.sendEnvelope(true, envelope{
			Type: msgScreenShareDenied, RoomId: string(room), Error: decision.Reason,
		})
		return
	}

	h.broadcastEnvelopeToRoom(room, envelope{
		Type: msgScreenShareStart, RoomId: string(room),
		From: string(c.Id), Username: string(username),
		Quality: string(decision.Quality), Timestamp: h.now().UnixMilli(),
	}, nil, true)
}

func (h *Hub) handleScreenShareStop(c *Client) {
	h.mu.Lock()
	room, username := c.room, c.username
	h.mu.Unlock()
	if room == "" || !h.floor.Release(string(room), string(c.Id)) {
		return
	}
	h.broadcastEnvelopeToRoom(room, envelope{
		Type: msgScreenShareStop, RoomId: string(room),
		From: string(c.Id), Username: string(username), Timestamp: h.now().UnixMilli(),
	}, nil, true)
}

// handleTyping relays typing indicators to the rest of the room.
func (h *Hub) handleTyping(c *Client, m typingMessage) {
	h.mu.Lock()
	room, username := c.room, c.username
	h.mu.Unlock()
	if room == "" {
		return
	}
	h.broadcastEnvelopeToRoom(room, envelope{
		Type: m.kind(), RoomId: string(room),
		From: string(c.Id), Username: string(username),
	}, c, false)
}

// --- presence marks on the bus ---

func (h *Hub) presenceOnline(userId string) {
	if h.bus == nil {
		return
	}
	_ = h.bus.SetAdd(context.Background(), bus.OnlineUsersKey, userId)
}

func (h *Hub) presenceOffline(userId string) {
	if h.bus == nil {
		return
	}
	_ = h.bus.SetRem(context.Background(), bus.OnlineUsersKey, userId)
}

func (h *Hub) presenceVoiceJoin(roomId types.RoomIdType, userId string) {
	if h.bus == nil || !roomId.IsVoiceChannel() {
		return
	}
	_ = h.bus.SetAdd(context.Background(), bus.VoiceChannelKey(string(roomId)), userId)
}

func (h *Hub) presenceVoiceLeave(roomId types.RoomIdType, userId string) {
	if h.bus == nil || !roomId.IsVoiceChannel() {
		return
	}
	_ = h.bus.SetRem(context.Background(), bus.VoiceChannelKey(string(roomId)), userId)
}
