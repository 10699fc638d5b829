package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/metrics"
	"github.com/vibespeak/realtime/internal/v1/types"
)

const (
	// writeWait bounds one WebSocket write before the connection is
	// considered dead.
	writeWait = 10 * time.Second

	// defaultPingPeriod and defaultPongWait implement the heartbeat: a
	// protocol ping every 30s, with 5s of grace for the pong.
	defaultPingPeriod = 30 * time.Second
	defaultPongWait   = 5 * time.Second

	// defaultAuthTimeout is how long an admitted socket may stay
	// unauthenticated before it is closed.
	defaultAuthTimeout = 10 * time.Second

	// maxMessageSize caps one inbound frame. SDP offers run a few KB;
	// anything larger is hostile.
	maxMessageSize = 64 << 10

	// sendBuffer is the depth of each per-connection outbound queue.
	sendBuffer = 256
)

// Application close codes for the in-band auth handshake.
const (
	CloseAuthTimeout  = 4001
	CloseMissingToken = 4002
	CloseInvalidToken = 4003
)

// wsConn is the slice of *websocket.Conn the hub drives. Tests substitute
// scripted fakes.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Client is one WebSocket connection. Identity and room fields are owned by
// the hub and mutated only under hub.mu; the send path has its own small
// lock so enqueue and close never race. Lock ordering is hub.mu before
// Client.mu, never the reverse.
type Client struct {
	hub  *Hub
	conn wsConn

	// Id is the signaling-plane identity minted at accept time. It is
	// distinct from the external user id carried in the token, and from
	// the UDP voice client id.
	Id types.ClientIdType

	// Guarded by hub.mu.
	authed    bool
	userId    string
	username  types.UsernameType
	room      types.RoomIdType // current non-global room, empty before any join
	authTimer *time.Timer

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string

	// send carries chat and typing fan-out; prioritySend carries auth
	// replies, session descriptions, ICE, floor and presence traffic.
	// writePump prefers prioritySend when both are ready.
	send         chan []byte
	prioritySend chan []byte
}

func newClient(h *Hub, conn wsConn, id types.ClientIdType) *Client {
	return &Client{
		hub:          h,
		conn:         conn,
		Id:           id,
		closeCode:    websocket.CloseNormalClosure,
		send:         make(chan []byte, sendBuffer),
		prioritySend: make(chan []byte, sendBuffer),
	}
}

// readPump reads frames until the connection dies and feeds each text frame
// to the hub. The read deadline rides the heartbeat: every pong buys another
// ping period plus the pong grace.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pingPeriod + c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pingPeriod + c.hub.pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug(context.Background(), "WebSocket read ended",
					zap.String("clientId", string(c.Id)), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.handleMessage(c, data)
	}
}

// writePump owns every write to the connection: queued envelopes, heartbeat
// pings, and the final close frame. When the queues close it drains both
// before writing the close frame, so a terminal reply such as auth-failed is
// never lost.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.prioritySend:
			if !ok {
				c.flush(c.send)
				c.writeClose()
				return
			}
			if !c.write(data) {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				c.flush(c.prioritySend)
				c.writeClose()
				return
			}
			if !c.write(data) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.Debug(context.Background(), "WebSocket write failed",
			zap.String("clientId", string(c.Id)), zap.Error(err))
		return false
	}
	metrics.MessagesSent.Inc()
	return true
}

// flush drains a closed queue's remaining envelopes out to the peer.
func (c *Client) flush(ch chan []byte) {
	for data := range ch {
		if !c.write(data) {
			return
		}
	}
}

func (c *Client) writeClose() {
	c.mu.Lock()
	code, text := c.closeCode, c.closeText
	c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

// sendEnvelope marshals and queues one envelope for this client.
func (c *Client) sendEnvelope(priority bool, env envelope) {
	if data, ok := marshalEnvelope(env); ok {
		c.enqueue(priority, data)
	}
}

// enqueue hands pre-marshaled bytes to the write pump without blocking. Slow
// consumers overflow their queue and lose the envelope rather than stall the
// hub.
func (c *Client) enqueue(priority bool, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	ch, queue := c.send, "normal"
	if priority {
		ch, queue = c.prioritySend, "priority"
	}
	select {
	case ch <- data:
	default:
		metrics.SendQueueDrops.WithLabelValues(queue).Inc()
		logging.Warn(context.Background(), "Client send queue full, dropping envelope",
			zap.String("clientId", string(c.Id)), zap.String("queue", queue))
	}
}

// closeWith schedules teardown: an optional final envelope, then a close
// frame carrying code and reason. Idempotent; the first caller wins. The
// pumps observe the closed queues and finish the actual shutdown.
func (c *Client) closeWith(code int, reason string, final *envelope) {
	var finalData []byte
	if final != nil {
		finalData, _ = marshalEnvelope(*final)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = reason
	if finalData != nil {
		select {
		case c.prioritySend <- finalData:
		default:
		}
	}
	close(c.send)
	close(c.prioritySend)
}
