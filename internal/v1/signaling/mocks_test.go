package signaling

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vibespeak/realtime/internal/v1/auth"
	"github.com/vibespeak/realtime/internal/v1/bus"
)

// fakeConn is a scripted WebSocket connection. Tests push client frames into
// reads; everything the hub writes is recorded for assertions.
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	pings     int
	closeSent bool
	closeCode int
	closeText string

	reads     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	pongHandler func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads: make(chan []byte, 32),
		done:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.reads:
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.done:
		return errors.New("use of closed network connection")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.TextMessage:
		f.frames = append(f.frames, append([]byte(nil), data...))
	case websocket.PingMessage:
		f.pings++
	case websocket.CloseMessage:
		f.closeSent = true
		if len(data) >= 2 {
			f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
			f.closeText = string(data[2:])
		}
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetReadLimit(int64)               {}

func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongHandler = h
}

// push queues one client frame for the read pump.
func (f *fakeConn) push(t *testing.T, env envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	f.pushRaw(t, data)
}

func (f *fakeConn) pushRaw(t *testing.T, data []byte) {
	t.Helper()
	select {
	case f.reads <- data:
	case <-time.After(time.Second):
		t.Fatal("fake conn read queue full")
	}
}

func (f *fakeConn) envelopes() []envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env envelope
		if json.Unmarshal(frame, &env) == nil {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeConn) envelopesOfType(kind string) []envelope {
	var out []envelope
	for _, env := range f.envelopes() {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeConn) hasEnvelope(kind string) bool {
	return len(f.envelopesOfType(kind)) > 0
}

func (f *fakeConn) lastOfType(kind string) (envelope, bool) {
	matches := f.envelopesOfType(kind)
	if len(matches) == 0 {
		return envelope{}, false
	}
	return matches[len(matches)-1], true
}

func (f *fakeConn) closeFrame() (int, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeText, f.closeSent
}

func (f *fakeConn) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// fakeVerifier derives deterministic claims from the token string, so each
// distinct token authenticates a distinct user: subject "uid-<token>",
// username "<token>".
type fakeVerifier struct {
	mu  sync.Mutex
	err error
}

func (v *fakeVerifier) fail(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = err
}

func (v *fakeVerifier) Verify(token string) (*auth.Claims, error) {
	v.mu.Lock()
	err := v.err
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &auth.Claims{
		Username:    token,
		DisplayName: "Agent " + token,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "uid-" + token,
		},
	}, nil
}

// fakeBus records publishes and keeps presence sets in memory. inject feeds
// the subscribed handler as if a sibling instance had published.
type fakeBus struct {
	mu       sync.Mutex
	payloads []bus.Payload
	sets     map[string][]string
	handler  func(bus.Payload)
}

func newFakeBus() *fakeBus {
	return &fakeBus{sets: make(map[string][]string)}
}

func (b *fakeBus) Publish(_ context.Context, p bus.Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, p)
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, _ *sync.WaitGroup, handler func(bus.Payload)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

func (b *fakeBus) SetAdd(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.sets[key], value) {
		b.sets[key] = append(b.sets[key], value)
	}
	return nil
}

func (b *fakeBus) SetRem(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sets[key] = slices.DeleteFunc(b.sets[key], func(v string) bool { return v == value })
	return nil
}

func (b *fakeBus) SetMembers(_ context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.sets[key]), nil
}

func (b *fakeBus) Ping(context.Context) error { return nil }
func (b *fakeBus) Close() error               { return nil }

func (b *fakeBus) members(key string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.sets[key])
}

func (b *fakeBus) published() []bus.Payload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.payloads)
}

func (b *fakeBus) inject(p bus.Payload) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		handler(p)
	}
}
