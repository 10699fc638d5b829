// Package signaling owns the WebSocket control plane: connection lifecycle
// with in-band token auth, room membership, WebRTC offer/answer/ICE relay,
// screen-share floor decisions, and voice-channel presence fan-out.
//
// Concurrency model: all registry state (clients, rooms, byUser and the
// identity fields on each Client) is guarded by a single hub mutex. Handlers
// mutate under the lock, snapshot what they need, release, then fan out;
// per-client queues make fan-out non-blocking so one slow socket never
// stalls the hub.
package signaling

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	set "k8s.io/apimachinery/pkg/util/sets"

	"github.com/vibespeak/realtime/internal/v1/bus"
	"github.com/vibespeak/realtime/internal/v1/floor"
	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/metrics"
	"github.com/vibespeak/realtime/internal/v1/ratelimit"
	"github.com/vibespeak/realtime/internal/v1/types"
)

// Bus event names for cross-instance envelope fan-out.
const (
	eventBroadcastRoom = "broadcast-room"
	eventBroadcastAll  = "broadcast-all"
	eventBroadcastUser = "broadcast-user"
)

// Hub is the singleton owner of every WebSocket connection and the room
// registry. It satisfies types.RoomBroadcaster for the chat collaborator.
type Hub struct {
	verifier types.TokenVerifier
	bus      types.BusService
	floor    *floor.Controller
	limiter  *ratelimit.RateLimiter
	upgrader websocket.Upgrader

	// instanceId discriminates this hub's bus publishes from sibling
	// instances' so fan-in never echoes locally-delivered envelopes.
	instanceId string

	mu      sync.Mutex
	clients map[*Client]bool
	rooms   map[types.RoomIdType]set.Set[*Client]
	byUser  map[string]set.Set[*Client]

	authTimeout time.Duration
	pingPeriod  time.Duration
	pongWait    time.Duration

	now func() time.Time
}

var _ types.RoomBroadcaster = (*Hub)(nil)

// NewHub wires the signaling hub. busService may be nil when the instance
// runs without a distributed bus; limiter may be nil to disable connection
// rate limiting (tests, dev).
func NewHub(verifier types.TokenVerifier, busService types.BusService, floorCtrl *floor.Controller, limiter *ratelimit.RateLimiter, allowedOrigins []string) *Hub {
	h := &Hub{
		verifier:    verifier,
		bus:         busService,
		floor:       floorCtrl,
		limiter:     limiter,
		instanceId:  uuid.NewString(),
		clients:     make(map[*Client]bool),
		rooms:       make(map[types.RoomIdType]set.Set[*Client]),
		byUser:      make(map[string]set.Set[*Client]),
		authTimeout: defaultAuthTimeout,
		pingPeriod:  defaultPingPeriod,
		pongWait:    defaultPongWait,
		now:         time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, allowedOrigins)
		},
	}
	return h
}

// ServeWs upgrades one HTTP request into a signaling connection. Sockets are
// admitted unauthenticated and must present a token in an auth frame within
// the auth window.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return // 429 already written
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}
	h.Accept(conn)
}

// Accept registers an upgraded connection and starts its pumps. Split from
// ServeWs so tests can drive scripted connections.
func (h *Hub) Accept(conn wsConn) *Client {
	client := newClient(h, conn, newClientId(h.now()))

	h.mu.Lock()
	h.clients[client] = true
	client.authTimer = time.AfterFunc(h.authTimeout, func() { h.expireAuth(client) })
	h.mu.Unlock()

	metrics.IncConnection()
	logging.Debug(context.Background(), "WebSocket connected",
		zap.String("clientId", string(client.Id)))

	go client.writePump()
	go client.readPump()
	return client
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// newClientId mints the signaling-plane connection id: millisecond timestamp
// plus nine random characters, both base36.
func newClientId(now time.Time) types.ClientIdType {
	var buf [9]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("signaling: crypto/rand unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = base36[int(b)%len(base36)]
	}
	return types.ClientIdType("user_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + string(buf[:]))
}

// originAllowed enforces the browser origin allowlist on upgrade. Requests
// without an Origin header (non-browser clients) are admitted.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(r.Context(), "Rejecting malformed Origin header",
			zap.String("origin", origin), zap.Error(err))
		return false
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	logging.Warn(r.Context(), "Rejecting disallowed Origin",
		zap.String("origin", origin))
	return false
}

// expireAuth fires when the auth window lapses. It serializes with
// handleAuth on the hub lock, so exactly one of them wins.
func (h *Hub) expireAuth(c *Client) {
	h.mu.Lock()
	live := h.clients[c] && !c.authed
	h.mu.Unlock()
	if !live {
		return
	}
	metrics.AuthFailures.WithLabelValues("timeout").Inc()
	logging.Warn(context.Background(), "Closing unauthenticated WebSocket",
		zap.String("clientId", string(c.Id)))
	c.closeWith(CloseAuthTimeout, "authentication timeout", &envelope{Type: msgAuthRequired})
}

// disconnect tears down everything a connection owns: registry entries, room
// membership, presence marks, floor shares. readPump's defer is the single
// caller, so it runs exactly once per connection.
func (h *Hub) disconnect(c *Client) {
	c.closeWith(websocket.CloseNormalClosure, "", nil)

	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	authed, userId, username, room := c.authed, c.userId, c.username, c.room
	lastSocket := false
	if authed {
		h.removeFromRoomLocked(c, types.GlobalRoom)
		if room != "" {
			h.removeFromRoomLocked(c, room)
		}
		if peers := h.byUser[userId]; peers != nil {
			peers.Delete(c)
			if peers.Len() == 0 {
				delete(h.byUser, userId)
				lastSocket = true
			}
		}
	}
	h.mu.Unlock()

	if !authed {
		logging.Debug(context.Background(), "WebSocket disconnected before auth",
			zap.String("clientId", string(c.Id)))
		return
	}

	if room != "" {
		h.announceDeparture(c, room, username, userId)
	}
	if lastSocket {
		h.presenceOffline(userId)
	}
	logging.Info(context.Background(), "WebSocket disconnected",
		zap.String("clientId", string(c.Id)), zap.String("userId", userId))
}

// announceDeparture fans out everything a room must hear when a member is
// gone: the forced end of its screen share, user-left, and a fresh voice
// snapshot if the room was a voice channel. The member is already out of the
// registry.
func (h *Hub) announceDeparture(c *Client, room types.RoomIdType, username types.UsernameType, userId string) {
	ts := h.now().UnixMilli()
	if h.floor.Release(string(room), string(c.Id)) {
		h.broadcastEnvelopeToRoom(room, envelope{
			Type: msgScreenShareStop, RoomId: string(room),
			From: string(c.Id), Username: string(username), Timestamp: ts,
		}, nil, true)
	}
	h.broadcastEnvelopeToRoom(room, envelope{
		Type: msgUserLeft, RoomId: string(room),
		From: string(c.Id), Username: string(username), Timestamp: ts,
	}, nil, false)
	if room.IsVoiceChannel() {
		h.presenceVoiceLeave(room, userId)
		h.broadcastVoiceChannels()
	}
}

// --- registry bookkeeping (hub.mu held) ---

func (h *Hub) addToRoomLocked(c *Client, roomId types.RoomIdType) {
	members := h.rooms[roomId]
	if members == nil {
		members = set.New[*Client]()
		h.rooms[roomId] = members
		metrics.ActiveRooms.Inc()
	}
	members.Insert(c)
	metrics.RoomOccupants.WithLabelValues(string(roomId)).Set(float64(members.Len()))
}

func (h *Hub) removeFromRoomLocked(c *Client, roomId types.RoomIdType) {
	members := h.rooms[roomId]
	if members == nil {
		return
	}
	members.Delete(c)
	if members.Len() == 0 {
		delete(h.rooms, roomId)
		metrics.ActiveRooms.Dec()
		metrics.RoomOccupants.DeleteLabelValues(string(roomId))
		return
	}
	metrics.RoomOccupants.WithLabelValues(string(roomId)).Set(float64(members.Len()))
}

func (h *Hub) findInRoomLocked(roomId types.RoomIdType, id types.ClientIdType) *Client {
	members := h.rooms[roomId]
	if members == nil {
		return nil
	}
	for _, m := range members.UnsortedList() {
		if m.Id == id {
			return m
		}
	}
	return nil
}

// roomRecipients snapshots a room's members, optionally excluding one.
func (h *Hub) roomRecipients(roomId types.RoomIdType, except *Client) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[roomId]
	if members == nil {
		return nil
	}
	out := make([]*Client, 0, members.Len())
	for _, m := range members.UnsortedList() {
		if m != except {
			out = append(out, m)
		}
	}
	return out
}

func (h *Hub) authedClients() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.authed {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) isAuthed(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.authed
}

// --- local fan-out ---

func (h *Hub) broadcastEnvelopeToRoom(roomId types.RoomIdType, env envelope, except *Client, priority bool) {
	data, ok := marshalEnvelope(env)
	if !ok {
		return
	}
	h.deliverToRoom(roomId, data, except, priority)
}

func (h *Hub) deliverToRoom(roomId types.RoomIdType, data []byte, except *Client, priority bool) {
	for _, m := range h.roomRecipients(roomId, except) {
		m.enqueue(priority, data)
	}
}

func (h *Hub) deliverToAll(data []byte, priority bool) {
	for _, c := range h.authedClients() {
		c.enqueue(priority, data)
	}
}

func (h *Hub) deliverToUser(userId string, data []byte, priority bool) {
	h.mu.Lock()
	peers := h.byUser[userId]
	var targets []*Client
	if peers != nil {
		targets = peers.UnsortedList()
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.enqueue(priority, data)
	}
}

// broadcastVoiceChannels pushes the current voice-channel occupancy to every
// authenticated socket, keeping sidebars consistent across rooms.
func (h *Hub) broadcastVoiceChannels() {
	h.mu.Lock()
	channels := h.voiceSnapshotLocked()
	h.mu.Unlock()

	data, ok := marshalEnvelope(envelope{
		Type:      msgVoiceChannelUpdate,
		Channels:  channels,
		Timestamp: h.now().UnixMilli(),
	})
	if !ok {
		return
	}
	for _, c := range h.authedClients() {
		c.enqueue(true, data)
	}
}

// voiceSnapshotLocked builds the occupancy of every voice channel, sorted
// for deterministic payloads. Numeric room names are text channels and are
// skipped; so is the reserved global room.
func (h *Hub) voiceSnapshotLocked() []types.ChannelPresence {
	channels := make([]types.ChannelPresence, 0, len(h.rooms))
	for roomId, members := range h.rooms {
		if !roomId.IsVoiceChannel() {
			continue
		}
		users := make([]types.ClientInfo, 0, members.Len())
		for _, m := range members.UnsortedList() {
			users = append(users, types.ClientInfo{ClientId: m.Id, Username: m.username})
		}
		sort.Slice(users, func(i, j int) bool { return users[i].ClientId < users[j].ClientId })
		channels = append(channels, types.ChannelPresence{ChannelId: roomId, Users: users})
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ChannelId < channels[j].ChannelId })
	return channels
}

// --- collaborator surface (types.RoomBroadcaster) ---

// BroadcastToRoom delivers a pre-marshaled envelope to every socket in a
// room and mirrors it on the bus so sibling instances do the same.
func (h *Hub) BroadcastToRoom(ctx context.Context, roomId types.RoomIdType, envelope []byte) {
	h.deliverToRoom(roomId, envelope, nil, false)
	h.publish(ctx, bus.Payload{RoomId: string(roomId), Event: eventBroadcastRoom, Data: envelope})
}

// BroadcastToAll delivers an envelope to every authenticated socket on this
// instance and mirrors it on the bus.
func (h *Hub) BroadcastToAll(ctx context.Context, envelope []byte) {
	h.deliverToAll(envelope, false)
	h.publish(ctx, bus.Payload{Event: eventBroadcastAll, Data: envelope})
}

// BroadcastToUser delivers an envelope to every socket belonging to one
// external user id, across instances.
func (h *Hub) BroadcastToUser(ctx context.Context, userId string, envelope []byte) {
	h.deliverToUser(userId, envelope, false)
	h.publish(ctx, bus.Payload{TargetId: userId, Event: eventBroadcastUser, Data: envelope})
}

// Rooms snapshots current room membership for the HTTP surface.
func (h *Hub) Rooms() map[types.RoomIdType][]types.ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[types.RoomIdType][]types.ClientInfo, len(h.rooms))
	for roomId, members := range h.rooms {
		infos := make([]types.ClientInfo, 0, members.Len())
		for _, m := range members.UnsortedList() {
			infos = append(infos, types.ClientInfo{ClientId: m.Id, Username: m.username})
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].ClientId < infos[j].ClientId })
		out[roomId] = infos
	}
	return out
}

// --- distributed bus ---

func (h *Hub) publish(ctx context.Context, p bus.Payload) {
	if h.bus == nil {
		return
	}
	p.SenderId = h.instanceId
	if err := h.bus.Publish(ctx, p); err != nil {
		logging.Warn(ctx, "Bus publish failed",
			zap.String("event", p.Event), zap.Error(err))
	}
}

// SubscribeBus attaches the hub to the distributed bus so envelopes
// published by sibling instances or out-of-process collaborators reach local
// sockets. No-op without a bus.
func (h *Hub) SubscribeBus(ctx context.Context, wg *sync.WaitGroup) {
	if h.bus == nil {
		return
	}
	h.bus.Subscribe(ctx, wg, h.handleBusEvent)
}

func (h *Hub) handleBusEvent(p bus.Payload) {
	if p.SenderId == h.instanceId {
		return
	}
	switch p.Event {
	case eventBroadcastRoom:
		h.deliverToRoom(types.RoomIdType(p.RoomId), p.Data, nil, false)
	case eventBroadcastAll:
		h.deliverToAll(p.Data, false)
	case eventBroadcastUser:
		h.deliverToUser(p.TargetId, p.Data, false)
	default:
		logging.Debug(context.Background(), "Ignoring unknown bus event",
			zap.String("event", p.Event))
	}
}

// Shutdown closes every connection with a going-away frame. The HTTP
// listener is already draining by the time this runs, so no new sockets
// arrive behind it.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		c.closeWith(websocket.CloseGoingAway, "server shutting down", nil)
	}
	logging.Info(ctx, "Signaling hub shut down", zap.Int("connections", len(all)))
}
