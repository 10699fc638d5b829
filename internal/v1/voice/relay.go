// Package voice owns the UDP media plane. A single receive loop terminates
// the wire protocol, tracks clients and channels, and forwards voice frames
// through the crypto, FEC and jitter layers. All relay state is mutated
// only from that loop; timers and stats reads serialize onto it.
package voice

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"k8s.io/utils/set"

	"github.com/vibespeak/realtime/internal/v1/crypto"
	"github.com/vibespeak/realtime/internal/v1/fec"
	"github.com/vibespeak/realtime/internal/v1/jitter"
	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/metrics"
	"github.com/vibespeak/realtime/internal/v1/protocol"
)

const (
	// playoutTick paces jitter-buffer drains so stream tails flush even
	// when no new datagram arrives.
	playoutTick = 20 * time.Millisecond

	reapInterval  = 30 * time.Second
	clientIdleMax = 60 * time.Second

	rotateSweepInterval = time.Hour

	limiterIdleMax = 5 * time.Minute

	defaultHelloRate   rate.Limit = 5
	defaultHelloBurst             = 10
	defaultGlobalRate  rate.Limit = 50000
	defaultGlobalBurst            = 5000
)

// Options tune the ingress flood guard. Zero values take defaults.
type Options struct {
	HelloRate   rate.Limit // HELLO datagrams per second per source IP
	HelloBurst  int
	GlobalRate  rate.Limit // total datagrams per second
	GlobalBurst int
}

// client is one registered UDP endpoint.
type client struct {
	id       uuid.UUID
	idStr    string
	username string
	addr     net.Addr
	addrKey  string
	key      [32]byte // derived at HELLO; held for the client's lifetime
	channel  string   // empty when not joined
	speaking bool
	lastSeen time.Time
	txSeq    uint32 // relay-side sequence for frames that arrive headerless
	buffer   *jitter.Buffer
}

type helloLimiter struct {
	lim     *rate.Limiter
	lastUse time.Time
}

type statsRequest struct {
	reply chan Stats
}

// Relay is the voice-plane actor. Run owns all state; Snapshot and Close
// are the only methods safe to call from other goroutines.
type Relay struct {
	conn net.PacketConn
	core *crypto.Core
	fec  *fec.Encoder

	clients  map[string]*client        // id string → client
	byAddr   map[string]string         // addr string → id string
	channels map[string]set.Set[string]

	global       *rate.Limiter
	helloLimits  map[string]*helloLimiter
	helloRate    rate.Limit
	helloBurst   int
	unknownTypes map[byte]bool

	statsCh chan statsRequest

	lastPlayout time.Time
	lastReap    time.Time
	lastRotate  time.Time

	closeOnce sync.Once
	now       func() time.Time
}

func New(conn net.PacketConn, core *crypto.Core, opts Options) *Relay {
	if opts.HelloRate == 0 {
		opts.HelloRate = defaultHelloRate
	}
	if opts.HelloBurst == 0 {
		opts.HelloBurst = defaultHelloBurst
	}
	if opts.GlobalRate == 0 {
		opts.GlobalRate = defaultGlobalRate
	}
	if opts.GlobalBurst == 0 {
		opts.GlobalBurst = defaultGlobalBurst
	}
	r := &Relay{
		conn:         conn,
		core:         core,
		fec:          fec.NewEncoder(),
		clients:      make(map[string]*client),
		byAddr:       make(map[string]string),
		channels:     make(map[string]set.Set[string]),
		global:       rate.NewLimiter(opts.GlobalRate, opts.GlobalBurst),
		helloLimits:  make(map[string]*helloLimiter),
		helloRate:    opts.HelloRate,
		helloBurst:   opts.HelloBurst,
		unknownTypes: make(map[byte]bool),
		statsCh:      make(chan statsRequest),
		now:          time.Now,
	}
	now := r.now()
	r.lastPlayout = now
	r.lastReap = now
	r.lastRotate = now
	return r
}

// Run reads datagrams until the context is canceled or the socket closes.
// The read deadline doubles as the playout tick.
func (r *Relay) Run(ctx context.Context) error {
	logging.Info(ctx, "Voice relay listening",
		zap.String("addr", r.conn.LocalAddr().String()))

	buf := make([]byte, protocol.MaxDatagram)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(playoutTick))
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				r.onTick()
				continue
			}
			logging.Warn(ctx, "Voice read failed", zap.Error(err))
			continue
		}
		r.handleDatagram(buf[:n], addr)
		r.onTick()
	}
}

// Close shuts the socket, unblocking Run. Safe to call more than once.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		_ = r.conn.Close()
	})
}

// onTick fires whichever timers are due and answers pending stats reads.
func (r *Relay) onTick() {
	now := r.now()
	if now.Sub(r.lastPlayout) >= playoutTick {
		r.lastPlayout = now
		r.drainPlayout()
	}
	if now.Sub(r.lastReap) >= reapInterval {
		r.lastReap = now
		r.reap(now)
	}
	if now.Sub(r.lastRotate) >= rotateSweepInterval {
		r.lastRotate = now
		r.sweepRotation()
	}
	r.answerStats()
}

// drainPlayout flushes every receiver's due frames so tails are not
// stranded waiting for another arrival.
func (r *Relay) drainPlayout() {
	for _, c := range r.clients {
		if c.channel == "" {
			continue
		}
		r.forwardReleased(c, c.buffer.Drain())
	}
}

// reap evicts clients idle past clientIdleMax and prunes cold per-IP
// limiters.
func (r *Relay) reap(now time.Time) {
	var stale []*client
	for _, c := range r.clients {
		if now.Sub(c.lastSeen) > clientIdleMax {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		r.leaveChannel(c, true)
		delete(r.byAddr, c.addrKey)
		delete(r.clients, c.idStr)
		logging.Info(context.Background(), "Voice client reaped",
			zap.String("clientId", c.idStr),
			zap.String("username", c.username),
			zap.Duration("idle", now.Sub(c.lastSeen)))
	}
	if len(stale) > 0 {
		r.syncGauges()
	}
	for host, hl := range r.helloLimits {
		if now.Sub(hl.lastUse) > limiterIdleMax {
			delete(r.helloLimits, host)
		}
	}
}

// sweepRotation rolls the channel key once it ages out and tells every
// joined client the new id.
func (r *Relay) sweepRotation() {
	if !r.core.MaybeRotate() {
		return
	}
	frame := protocol.EncodeKeySync(protocol.KeySync{KeyId: r.core.CurrentKeyId()})
	notified := 0
	for _, c := range r.clients {
		if c.channel == "" {
			continue
		}
		r.sendTo(c.addr, frame)
		notified++
	}
	logging.Info(context.Background(), "Key sync broadcast",
		zap.Uint32("keyId", r.core.CurrentKeyId()),
		zap.Int("clients", notified))
}

// MemberStats is one joined client inside a Stats snapshot.
type MemberStats struct {
	Id       string       `json:"id"`
	Username string       `json:"username"`
	Speaking bool         `json:"speaking"`
	LastSeen time.Time    `json:"lastSeen"`
	Playout  jitter.Stats `json:"playout"`
}

// ChannelStats is one channel inside a Stats snapshot.
type ChannelStats struct {
	Name    string        `json:"name"`
	Members []MemberStats `json:"members"`
}

// Stats is a point-in-time view of the relay for the admin surface.
type Stats struct {
	Clients  int            `json:"clients"`
	Channels []ChannelStats `json:"channels"`
	KeyId    uint32         `json:"keyId"`
	KeyAge   string         `json:"keyAge"`
}

// Snapshot asks the relay loop for its current state. It blocks until the
// loop answers on its next tick or the context expires.
func (r *Relay) Snapshot(ctx context.Context) (Stats, error) {
	req := statsRequest{reply: make(chan Stats, 1)}
	select {
	case r.statsCh <- req:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-req.reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (r *Relay) answerStats() {
	for {
		select {
		case req := <-r.statsCh:
			req.reply <- r.snapshot()
		default:
			return
		}
	}
}

func (r *Relay) snapshot() Stats {
	s := Stats{
		Clients:  len(r.clients),
		Channels: make([]ChannelStats, 0, len(r.channels)),
		KeyId:    r.core.CurrentKeyId(),
		KeyAge:   r.core.KeyAge().Round(time.Second).String(),
	}
	for name, members := range r.channels {
		cs := ChannelStats{Name: name, Members: make([]MemberStats, 0, members.Len())}
		for _, id := range members.UnsortedList() {
			c := r.clients[id]
			if c == nil {
				continue
			}
			cs.Members = append(cs.Members, MemberStats{
				Id:       c.idStr,
				Username: c.username,
				Speaking: c.speaking,
				LastSeen: c.lastSeen,
				Playout:  c.buffer.Stats(),
			})
		}
		sort.Slice(cs.Members, func(i, j int) bool { return cs.Members[i].Id < cs.Members[j].Id })
		s.Channels = append(s.Channels, cs)
	}
	sort.Slice(s.Channels, func(i, j int) bool { return s.Channels[i].Name < s.Channels[j].Name })
	return s
}

// lookup resolves a datagram source to a registered client. A hit through
// the scan fallback repairs the address index.
func (r *Relay) lookup(addr net.Addr) (*client, bool) {
	key := addr.String()
	if id, ok := r.byAddr[key]; ok {
		if c, ok := r.clients[id]; ok {
			return c, true
		}
		delete(r.byAddr, key)
	}
	for id, c := range r.clients {
		if c.addrKey == key {
			r.byAddr[key] = id
			return c, true
		}
	}
	return nil, false
}

func (r *Relay) allowHello(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	hl, ok := r.helloLimits[host]
	if !ok {
		hl = &helloLimiter{lim: rate.NewLimiter(r.helloRate, r.helloBurst)}
		r.helloLimits[host] = hl
	}
	hl.lastUse = r.now()
	return hl.lim.Allow()
}

func (r *Relay) sendTo(addr net.Addr, b []byte) {
	if _, err := r.conn.WriteTo(b, addr); err != nil {
		metrics.VoicePacketsDropped.WithLabelValues("send_error").Inc()
		logging.Debug(context.Background(), "Voice send failed",
			zap.String("addr", addr.String()), zap.Error(err))
	}
}

func (r *Relay) syncGauges() {
	metrics.VoiceClients.Set(float64(len(r.clients)))
	metrics.VoiceChannels.Set(float64(len(r.channels)))
}
