// Package jitter reorders and paces voice frames for one receiver. Frames
// from each sender queue separately; all senders share the receiver's playout
// delay, which widens under reordering pressure and narrows when the buffer
// runs nearly empty.
//
// Released frames preserve sequence order within a sender. Frames arriving
// behind a sender's release watermark are dropped rather than released out of
// order; the only out-of-order releases are forced drains when the buffer
// overflows.
package jitter

import (
	"sort"
	"time"

	"github.com/vibespeak/realtime/internal/v1/metrics"
)

const (
	initialDelay = 40 * time.Millisecond
	minDelay     = 10 * time.Millisecond
	maxDelay     = 200 * time.Millisecond

	// widenFactor applies after lateThreshold consecutive late packets;
	// narrowFactor applies at half the adaptation rate when the buffer
	// drains below two entries.
	widenFactor   = 1.15
	narrowFactor  = 0.925
	lateThreshold = 5

	// maxQueued caps buffered entries per receiver; overflow force-drains
	// the oldest entries.
	maxQueued = 20

	// restartJump is the backward sequence distance treated as a sender
	// restart rather than reordering.
	restartJump = 4096
)

// Packet is one voice frame traveling through the buffer. Ts is the sender's
// media timestamp in milliseconds.
type Packet struct {
	Seq     uint32
	Ts      uint32
	Payload []byte
}

// Stats is a snapshot of one receiver's buffer quality counters.
type Stats struct {
	PacketsReceived uint64  `json:"packetsReceived"`
	PacketsLost     uint64  `json:"packetsLost"`
	PacketsDropped  uint64  `json:"packetsDropped"`
	ForcedReleases  uint64  `json:"forcedReleases"`
	AvgJitterMs     float64 `json:"avgJitterMs"`
	DelayMs         float64 `json:"delayMs"`
	Queued          int     `json:"queued"`
	Senders         int     `json:"senders"`
}

type entry struct {
	packet     Packet
	receivedAt time.Time
}

// senderState tracks one sender's stream inside a receiver's buffer.
type senderState struct {
	queue []entry // sorted ascending by seq

	lastSeq      int64 // highest seq seen; -1 before the first packet
	lastReleased int64 // highest seq released; -1 before the first release
	lastTs       uint32
	lastArrival  time.Time
	hasPrior     bool
	lateCount    int

	jitterSumMs   float64
	jitterSamples uint64
}

// Buffer is one receiver's jitter buffer. Not safe for concurrent use; the
// relay loop is its only caller.
type Buffer struct {
	delay   time.Duration
	senders map[string]*senderState

	packetsReceived uint64
	packetsLost     uint64
	packetsDropped  uint64
	forcedReleases  uint64

	// now is swappable for tests.
	now func() time.Time
}

func New() *Buffer {
	return NewWithClock(time.Now)
}

// NewWithClock builds a buffer on an injected clock. The relay passes its
// own so playout timing stays deterministic under test.
func NewWithClock(now func() time.Time) *Buffer {
	return &Buffer{
		delay:   initialDelay,
		senders: make(map[string]*senderState),
		now:     now,
	}
}

// Push runs one arrival step for a packet from senderId and returns every
// frame the buffer releases as a result, in release order.
func (b *Buffer) Push(senderId string, p Packet) []Packet {
	now := b.now()
	s, ok := b.senders[senderId]
	if !ok {
		s = &senderState{lastSeq: -1, lastReleased: -1}
		b.senders[senderId] = s
	}

	b.packetsReceived++
	seq := int64(p.Seq)

	// A deep backward jump means the sender restarted its counter; the
	// queued tail belongs to the dead stream.
	if s.lastSeq >= 0 && s.lastSeq-seq > restartJump {
		dropped := uint64(len(s.queue))
		b.packetsDropped += dropped
		if dropped > 0 {
			metrics.VoicePacketsDropped.WithLabelValues("restart").Add(float64(dropped))
		}
		*s = senderState{lastSeq: -1, lastReleased: -1}
	}

	// Interarrival jitter against the sender's timestamp pacing.
	if s.hasPrior {
		delta := time.Duration(int32(p.Ts-s.lastTs)) * time.Millisecond
		sample := now.Sub(s.lastArrival.Add(delta))
		if sample < 0 {
			sample = -sample
		}
		s.jitterSumMs += float64(sample) / float64(time.Millisecond)
		s.jitterSamples++
	}

	// Gap accounting.
	if s.lastSeq >= 0 && seq > s.lastSeq+1 {
		gap := uint64(seq - s.lastSeq - 1)
		b.packetsLost += gap
		metrics.VoicePacketsLost.Add(float64(gap))
	}

	// Late pressure widens the shared delay after a run of late arrivals.
	if s.lastSeq >= 0 && seq <= s.lastSeq {
		s.lateCount++
		if s.lateCount >= lateThreshold {
			b.widen()
			s.lateCount = 0
		}
	} else {
		s.lateCount = 0
	}

	if seq <= s.lastReleased {
		// Behind the release watermark; releasing it would break order.
		b.packetsDropped++
		metrics.VoicePacketsDropped.WithLabelValues("late").Inc()
	} else {
		s.insert(entry{packet: p, receivedAt: now})
	}

	var released []Packet

	// Overflow drains the oldest entries regardless of playout delay.
	for b.totalQueued() > maxQueued {
		e, owner := b.oldestHead()
		if owner == nil {
			break
		}
		owner.queue = owner.queue[1:]
		owner.lastReleased = int64(e.packet.Seq)
		b.forcedReleases++
		released = append(released, e.packet)
	}

	released = b.releaseDue(now, released)

	if b.totalQueued() < 2 && b.delay > minDelay {
		b.narrow()
	}

	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	s.lastTs = p.Ts
	s.lastArrival = now
	s.hasPrior = true

	return released
}

// Drain releases everything due for playout without a new arrival. The relay
// calls this on its playout tick so stream tails are not stranded waiting for
// the next packet. Unlike an arrival step, an idle drain never narrows the
// delay.
func (b *Buffer) Drain() []Packet {
	released := b.releaseDue(b.now(), nil)
	if len(released) > 0 && b.totalQueued() < 2 && b.delay > minDelay {
		b.narrow()
	}
	return released
}

func (b *Buffer) releaseDue(now time.Time, released []Packet) []Packet {
	cutoff := now.Add(-b.delay)
	for _, id := range b.sortedSenderIds() {
		q := b.senders[id]
		for len(q.queue) > 0 && !q.queue[0].receivedAt.After(cutoff) {
			e := q.queue[0]
			q.queue = q.queue[1:]
			q.lastReleased = int64(e.packet.Seq)
			released = append(released, e.packet)
		}
	}
	return released
}

// insert keeps the queue sorted by sequence and drops exact duplicates.
func (s *senderState) insert(e entry) {
	seq := e.packet.Seq
	i := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].packet.Seq >= seq
	})
	if i < len(s.queue) && s.queue[i].packet.Seq == seq {
		return
	}
	s.queue = append(s.queue, entry{})
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = e
}

func (b *Buffer) widen() {
	b.delay = min(time.Duration(float64(b.delay)*widenFactor), maxDelay)
	metrics.VoicePlayoutDelay.Observe(float64(b.delay) / float64(time.Millisecond))
}

func (b *Buffer) narrow() {
	b.delay = max(time.Duration(float64(b.delay)*narrowFactor), minDelay)
	metrics.VoicePlayoutDelay.Observe(float64(b.delay) / float64(time.Millisecond))
}

func (b *Buffer) totalQueued() int {
	n := 0
	for _, s := range b.senders {
		n += len(s.queue)
	}
	return n
}

// oldestHead finds the queue whose head arrived earliest.
func (b *Buffer) oldestHead() (entry, *senderState) {
	var best *senderState
	var bestEntry entry
	for _, s := range b.senders {
		if len(s.queue) == 0 {
			continue
		}
		if best == nil || s.queue[0].receivedAt.Before(bestEntry.receivedAt) {
			best = s
			bestEntry = s.queue[0]
		}
	}
	return bestEntry, best
}

func (b *Buffer) sortedSenderIds() []string {
	ids := make([]string, 0, len(b.senders))
	for id := range b.senders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResetSender discards all buffered state for one sender, for when that
// sender leaves the channel.
func (b *Buffer) ResetSender(senderId string) {
	delete(b.senders, senderId)
}

// Delay returns the current playout delay.
func (b *Buffer) Delay() time.Duration {
	return b.delay
}

// Stats aggregates quality counters across all senders.
func (b *Buffer) Stats() Stats {
	var sum float64
	var samples uint64
	for _, s := range b.senders {
		sum += s.jitterSumMs
		samples += s.jitterSamples
	}
	avg := 0.0
	if samples > 0 {
		avg = sum / float64(samples)
	}
	return Stats{
		PacketsReceived: b.packetsReceived,
		PacketsLost:     b.packetsLost,
		PacketsDropped:  b.packetsDropped,
		ForcedReleases:  b.forcedReleases,
		AvgJitterMs:     avg,
		DelayMs:         float64(b.delay) / float64(time.Millisecond),
		Queued:          b.totalQueued(),
		Senders:         len(b.senders),
	}
}
