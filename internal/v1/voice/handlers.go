package voice

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/vibespeak/realtime/internal/v1/fec"
	"github.com/vibespeak/realtime/internal/v1/jitter"
	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/metrics"
	"github.com/vibespeak/realtime/internal/v1/protocol"
)

func drop(reason string) {
	metrics.VoicePacketsDropped.WithLabelValues(reason).Inc()
}

// handleDatagram dispatches one inbound datagram by its type byte.
func (r *Relay) handleDatagram(b []byte, addr net.Addr) {
	start := time.Now()
	defer func() {
		metrics.VoiceDatagramDuration.Observe(time.Since(start).Seconds())
	}()

	if len(b) == 0 {
		return
	}
	if !r.global.Allow() {
		drop("rate_global")
		return
	}

	switch b[0] {
	case protocol.TypeHello:
		r.handleHello(b, addr)
	case protocol.TypeJoinChannel:
		r.handleJoin(b, addr)
	case protocol.TypeLeaveChannel:
		r.handleLeave(b, addr)
	case protocol.TypeWrapper:
		r.handleWrapper(b, addr)
	case protocol.TypeVoice:
		r.handleRawVoice(b, addr)
	case protocol.TypeSpeaking:
		r.handleSpeaking(b, addr)
	case protocol.TypeKeepalive:
		r.handleKeepalive(addr)
	default:
		if !r.unknownTypes[b[0]] {
			r.unknownTypes[b[0]] = true
			logging.Warn(context.Background(), "Unknown voice packet type",
				zap.Uint8("type", b[0]),
				zap.String("addr", addr.String()))
		}
		drop("unknown_type")
	}
}

// handleHello registers a new client or refreshes a returning one. A known
// id keeps its channel and playout state and is answered with the rejoin
// flag set.
func (r *Relay) handleHello(b []byte, addr net.Addr) {
	if !r.allowHello(addr) {
		drop("rate_hello")
		return
	}
	h, err := protocol.DecodeHello(b)
	if err != nil {
		drop("malformed")
		return
	}
	now := r.now()
	idStr := h.ClientId.String()

	c, known := r.clients[idStr]
	if known {
		delete(r.byAddr, c.addrKey)
	} else {
		c = &client{
			id:     h.ClientId,
			idStr:  idStr,
			key:    r.core.DeriveClientKey(idStr),
			buffer: jitter.NewWithClock(r.now),
		}
		r.clients[idStr] = c
		r.syncGauges()
	}
	c.username = h.Username
	c.addr = addr
	c.addrKey = addr.String()
	c.lastSeen = now
	r.byAddr[c.addrKey] = idStr

	var flags byte
	if known {
		flags |= protocol.WelcomeFlagRejoin
	}
	r.sendTo(addr, protocol.EncodeWelcome(protocol.Welcome{
		Flags: flags,
		KeyId: r.core.CurrentKeyId(),
	}))
	logging.Debug(context.Background(), "Voice hello",
		zap.String("clientId", idStr),
		zap.String("username", h.Username),
		zap.Bool("rejoin", known))
}

func (r *Relay) handleJoin(b []byte, addr net.Addr) {
	j, err := protocol.DecodeJoinChannel(b)
	if err != nil {
		drop("malformed")
		return
	}
	c, ok := r.lookup(addr)
	if !ok {
		drop("unregistered")
		return
	}
	if j.ClientId != c.id {
		drop("id_mismatch")
		return
	}
	c.lastSeen = r.now()
	if c.channel == j.Channel {
		return
	}
	r.leaveChannel(c, true)
	r.joinChannel(c, j.Channel)
}

func (r *Relay) handleLeave(b []byte, addr net.Addr) {
	l, err := protocol.DecodeLeaveChannel(b)
	if err != nil {
		drop("malformed")
		return
	}
	c, ok := r.lookup(addr)
	if !ok {
		drop("unregistered")
		return
	}
	if l.ClientId != c.id {
		drop("id_mismatch")
		return
	}
	c.lastSeen = r.now()
	r.leaveChannel(c, true)
}

// joinChannel inserts the client and announces it to the existing members.
func (r *Relay) joinChannel(c *client, channel string) {
	members, ok := r.channels[channel]
	if !ok {
		members = set.New[string]()
		r.channels[channel] = members
		r.syncGauges()
	}
	marker := protocol.EncodeJoinChannel(protocol.JoinChannel{ClientId: c.id, Channel: channel})
	for _, id := range members.UnsortedList() {
		if m := r.clients[id]; m != nil {
			r.sendTo(m.addr, marker)
		}
	}
	members.Insert(c.idStr)
	c.channel = channel
	logging.Info(context.Background(), "Voice channel join",
		zap.String("clientId", c.idStr),
		zap.String("channel", channel),
		zap.Int("members", members.Len()))
}

// leaveChannel removes the client from its channel, clears the playout
// state tied to it on both sides, and tells the remaining members when
// notify is set. No-op for a client in no channel.
func (r *Relay) leaveChannel(c *client, notify bool) {
	if c.channel == "" {
		return
	}
	channel := c.channel
	members := r.channels[channel]
	members.Delete(c.idStr)
	c.channel = ""
	c.speaking = false

	marker := protocol.EncodeLeaveChannel(protocol.LeaveChannel{ClientId: c.id})
	for _, id := range members.UnsortedList() {
		m := r.clients[id]
		if m == nil {
			continue
		}
		m.buffer.ResetSender(c.idStr)
		c.buffer.ResetSender(m.idStr)
		if notify {
			r.sendTo(m.addr, marker)
		}
	}
	if members.Len() == 0 {
		delete(r.channels, channel)
		r.fec.Reset(channel)
		r.syncGauges()
	}
	logging.Info(context.Background(), "Voice channel leave",
		zap.String("clientId", c.idStr),
		zap.String("channel", channel))
}

// handleWrapper opens a sealed frame against the sender's channel and
// dispatches the inner type. Voice is the only inner frame clients send.
func (r *Relay) handleWrapper(b []byte, addr net.Addr) {
	w, err := protocol.DecodeWrapper(b)
	if err != nil {
		drop("malformed")
		return
	}
	c, ok := r.lookup(addr)
	if !ok {
		drop("unregistered")
		return
	}
	if c.channel == "" {
		drop("no_channel")
		return
	}
	plain, ok := r.core.Open(w.Body, c.channel)
	if !ok {
		metrics.VoiceDecryptFailures.Inc()
		drop("decrypt")
		return
	}
	c.lastSeen = r.now()

	switch w.InnerType {
	case protocol.TypeVoice:
		inner, err := protocol.DecodeVoicePacket(plain)
		if err != nil {
			// Headerless payload; sequence it on the relay's counter.
			c.txSeq++
			r.relayVoice(c, c.txSeq, uint32(r.now().UnixMilli()), plain)
			return
		}
		r.relayVoice(c, inner.Seq, inner.Ts, inner.Payload)
	default:
		drop("wrapped_control")
		logging.Debug(context.Background(), "Unexpected wrapped inner type",
			zap.Uint8("innerType", w.InnerType),
			zap.String("clientId", c.idStr))
	}
}

// handleRawVoice accepts the plaintext voice form. Forwarded frames are
// sealed regardless of how they arrived.
func (r *Relay) handleRawVoice(b []byte, addr net.Addr) {
	p, err := protocol.DecodeVoicePacket(b)
	if err != nil {
		drop("malformed")
		return
	}
	c, ok := r.lookup(addr)
	if !ok {
		drop("unregistered")
		return
	}
	c.lastSeen = r.now()
	// The payload aliases the shared read buffer; it must be copied before
	// the jitter and FEC layers retain it.
	payload := append([]byte(nil), p.Payload...)
	r.relayVoice(c, p.Seq, p.Ts, payload)
}

// relayVoice runs the forward pipeline for one inbound frame: FEC
// accumulation, then a jitter step per receiving member with the released
// frames sealed and sent.
func (r *Relay) relayVoice(sender *client, seq, ts uint32, payload []byte) {
	if sender.channel == "" {
		drop("no_channel")
		return
	}
	members := r.channels[sender.channel]
	if members.Len() <= 1 {
		return
	}

	if frame, ready := r.fec.Add(sender.channel, seq, payload); ready {
		r.broadcastParity(sender, frame)
	}

	pkt := jitter.Packet{Seq: seq, Ts: ts, Payload: payload}
	for _, id := range members.UnsortedList() {
		if id == sender.idStr {
			continue
		}
		m := r.clients[id]
		if m == nil {
			continue
		}
		r.forwardReleased(m, m.buffer.Push(sender.idStr, pkt))
	}
}

// forwardReleased seals each released frame against the receiver's channel
// and sends it wrapped.
func (r *Relay) forwardReleased(receiver *client, released []jitter.Packet) {
	for _, p := range released {
		inner := protocol.EncodeVoicePacket(protocol.VoicePacket{
			Seq:     p.Seq,
			Ts:      p.Ts,
			Payload: p.Payload,
		})
		sealed, err := r.core.Seal(inner, receiver.channel, p.Seq)
		if err != nil {
			drop("seal")
			continue
		}
		r.sendTo(receiver.addr, protocol.EncodeWrapper(protocol.TypeVoice, sealed))
		metrics.VoicePacketsRelayed.Inc()
	}
}

// broadcastParity seals a finished parity frame and fans it out to every
// member but the sender whose packet completed the block.
func (r *Relay) broadcastParity(sender *client, frame protocol.VoiceFEC) {
	encoded := protocol.EncodeVoiceFEC(frame)
	sealed, err := r.core.Seal(encoded, frame.Channel, fec.ParityNonceSeq(frame.BaseSeq))
	if err != nil {
		drop("seal")
		return
	}
	out := protocol.EncodeWrapper(protocol.TypeVoiceFEC, sealed)
	for _, id := range r.channels[frame.Channel].UnsortedList() {
		if id == sender.idStr {
			continue
		}
		if m := r.clients[id]; m != nil {
			r.sendTo(m.addr, out)
		}
	}
}

func (r *Relay) handleSpeaking(b []byte, addr net.Addr) {
	s, err := protocol.DecodeSpeakingState(b)
	if err != nil {
		drop("malformed")
		return
	}
	c, ok := r.lookup(addr)
	if !ok {
		drop("unregistered")
		return
	}
	if s.ClientId != c.id {
		drop("id_mismatch")
		return
	}
	c.lastSeen = r.now()
	c.speaking = s.Speaking
	if c.channel == "" {
		return
	}
	out := protocol.EncodeSpeakingState(s)
	for _, id := range r.channels[c.channel].UnsortedList() {
		if id == c.idStr {
			continue
		}
		if m := r.clients[id]; m != nil {
			r.sendTo(m.addr, out)
		}
	}
}

func (r *Relay) handleKeepalive(addr net.Addr) {
	c, ok := r.lookup(addr)
	if !ok {
		drop("unregistered")
		return
	}
	c.lastSeen = r.now()
}
