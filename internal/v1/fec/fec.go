// Package fec derives XOR parity frames over blocks of relayed voice
// payloads. Each channel accumulates four consecutive forwarded payloads;
// the parity of a block recovers any single lost payload when combined
// with the surviving three.
package fec

import (
	"github.com/vibespeak/realtime/internal/v1/metrics"
	"github.com/vibespeak/realtime/internal/v1/protocol"
)

// BlockSize is the number of voice payloads folded into one parity frame.
const BlockSize = 4

// parityNonceBit keeps parity nonces disjoint from voice nonces that share
// a channel key. Voice sequence numbers never reach the high bit in
// practice; parity frames always set it.
const parityNonceBit = 1 << 31

// ParityNonceSeq returns the sequence number a parity frame is sealed
// under.
func ParityNonceSeq(baseSeq uint32) uint32 {
	return baseSeq | parityNonceBit
}

type block struct {
	baseSeq  uint32
	payloads [][]byte
	maxLen   int
}

// Encoder accumulates per-channel payload blocks. It is owned by the relay
// loop and is not safe for concurrent use. Payload slices passed to Add are
// retained until their block completes.
type Encoder struct {
	blocks map[string]*block
}

func NewEncoder() *Encoder {
	return &Encoder{blocks: make(map[string]*block)}
}

// Add folds one forwarded payload into the channel's open block. When the
// block reaches BlockSize it returns the finished parity frame and starts a
// fresh block.
func (e *Encoder) Add(channelId string, seq uint32, payload []byte) (protocol.VoiceFEC, bool) {
	b := e.blocks[channelId]
	if b == nil {
		b = &block{payloads: make([][]byte, 0, BlockSize)}
		e.blocks[channelId] = b
	}
	if len(b.payloads) == 0 {
		b.baseSeq = seq
		b.maxLen = 0
	}
	b.payloads = append(b.payloads, payload)
	if len(payload) > b.maxLen {
		b.maxLen = len(payload)
	}
	if len(b.payloads) < BlockSize {
		return protocol.VoiceFEC{}, false
	}

	parity := make([]byte, b.maxLen)
	for _, p := range b.payloads {
		for i, v := range p {
			parity[i] ^= v
		}
	}
	frame := protocol.VoiceFEC{
		Channel: channelId,
		BaseSeq: b.baseSeq,
		Parity:  parity,
	}
	b.payloads = b.payloads[:0]
	metrics.VoiceFECParity.Inc()
	return frame, true
}

// Reset discards the channel's open block. The relay calls this when a
// channel empties so a stale partial block never bridges two sessions.
func (e *Encoder) Reset(channelId string) {
	delete(e.blocks, channelId)
}

// Channels reports how many channels hold an open or primed block.
func (e *Encoder) Channels() int {
	return len(e.blocks)
}
