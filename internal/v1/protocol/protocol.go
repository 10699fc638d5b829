// Package protocol encodes and decodes the binary UDP voice-plane frames.
// All integers are big-endian. Decoders are structural only: they enforce
// lengths and UTF-8, not business rules, so the relay can decide what to
// count and what to drop.
package protocol

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Packet types, carried in the first byte of every datagram.
const (
	TypeHello        byte = 0x01
	TypeWelcome      byte = 0x02
	TypeJoinChannel  byte = 0x10
	TypeLeaveChannel byte = 0x11
	TypeVoice        byte = 0x20
	TypeSpeaking     byte = 0x30
	TypeKeySync      byte = 0x50
	TypeWrapper      byte = 0xFE
	TypeKeepalive    byte = 0xFF

	// FECFlag marks a voice-family frame as parity rather than media.
	FECFlag byte = 0x80

	TypeVoiceFEC byte = TypeVoice | FECFlag
)

const (
	// ClientIdLen is the raw length of client identifiers on the wire.
	ClientIdLen = 16

	// VoiceHeaderLen covers type, pad, seq and timestamp of a voice frame.
	VoiceHeaderLen = 1 + 1 + 4 + 4

	// WrapperHeaderLen covers the wrapper type and inner-type bytes.
	WrapperHeaderLen = 2

	// SealedBodyMin is the smallest sealed wrapper body: key id, nonce, tag.
	SealedBodyMin = 4 + 12 + 16

	// MaxDatagram bounds the relay's read buffer. Voice frames are far
	// smaller; anything larger is dropped unread.
	MaxDatagram = 2048
)

var (
	ErrShortPacket = errors.New("packet too short")
	ErrBadLength   = errors.New("packet length mismatch")
	ErrBadUTF8     = errors.New("invalid utf-8 in packet")
	ErrWrongType   = errors.New("unexpected packet type")
)

// Hello registers a client with the relay.
// Layout: 0x01 flags:u8 client_id:16 uname_len:u8 uname.
type Hello struct {
	Flags    byte
	ClientId uuid.UUID
	Username string
}

func DecodeHello(b []byte) (Hello, error) {
	const headerLen = 2 + ClientIdLen + 1
	if len(b) < headerLen {
		return Hello{}, ErrShortPacket
	}
	if b[0] != TypeHello {
		return Hello{}, ErrWrongType
	}
	n := int(b[headerLen-1])
	if headerLen+n != len(b) {
		return Hello{}, ErrBadLength
	}
	uname := b[headerLen:]
	if !utf8.Valid(uname) {
		return Hello{}, ErrBadUTF8
	}
	return Hello{
		Flags:    b[1],
		ClientId: uuid.UUID([16]byte(b[2 : 2+ClientIdLen])),
		Username: string(uname),
	}, nil
}

func EncodeHello(h Hello) []byte {
	uname := []byte(h.Username)
	if len(uname) > 255 {
		uname = uname[:255]
	}
	out := make([]byte, 0, 2+ClientIdLen+1+len(uname))
	out = append(out, TypeHello, h.Flags)
	out = append(out, h.ClientId[:]...)
	out = append(out, byte(len(uname)))
	out = append(out, uname...)
	return out
}

// Welcome acknowledges a Hello and tells the client the active key id.
// Layout: 0x02 flags:u8 current_key_id:u32. Flag bit 0 marks a rejoin of an
// already-registered client id.
type Welcome struct {
	Flags byte
	KeyId uint32
}

const WelcomeFlagRejoin byte = 0x01

func EncodeWelcome(w Welcome) []byte {
	out := make([]byte, 6)
	out[0] = TypeWelcome
	out[1] = w.Flags
	binary.BigEndian.PutUint32(out[2:], w.KeyId)
	return out
}

func DecodeWelcome(b []byte) (Welcome, error) {
	if len(b) < 6 {
		return Welcome{}, ErrShortPacket
	}
	if b[0] != TypeWelcome {
		return Welcome{}, ErrWrongType
	}
	return Welcome{Flags: b[1], KeyId: binary.BigEndian.Uint32(b[2:6])}, nil
}

// JoinChannel moves a client into a voice channel.
// Layout: 0x10 pad:u8 client_id:16 chan_len:u8 chan.
type JoinChannel struct {
	ClientId uuid.UUID
	Channel  string
}

func DecodeJoinChannel(b []byte) (JoinChannel, error) {
	const headerLen = 2 + ClientIdLen + 1
	if len(b) < headerLen {
		return JoinChannel{}, ErrShortPacket
	}
	if b[0] != TypeJoinChannel {
		return JoinChannel{}, ErrWrongType
	}
	n := int(b[headerLen-1])
	if headerLen+n != len(b) {
		return JoinChannel{}, ErrBadLength
	}
	ch := b[headerLen:]
	if !utf8.Valid(ch) {
		return JoinChannel{}, ErrBadUTF8
	}
	return JoinChannel{
		ClientId: uuid.UUID([16]byte(b[2 : 2+ClientIdLen])),
		Channel:  string(ch),
	}, nil
}

func EncodeJoinChannel(j JoinChannel) []byte {
	ch := []byte(j.Channel)
	if len(ch) > 255 {
		ch = ch[:255]
	}
	out := make([]byte, 0, 2+ClientIdLen+1+len(ch))
	out = append(out, TypeJoinChannel, 0)
	out = append(out, j.ClientId[:]...)
	out = append(out, byte(len(ch)))
	out = append(out, ch...)
	return out
}

// LeaveChannel removes a client from its channel.
// Layout: 0x11 pad:u8 client_id:16.
type LeaveChannel struct {
	ClientId uuid.UUID
}

func DecodeLeaveChannel(b []byte) (LeaveChannel, error) {
	if len(b) < 2+ClientIdLen {
		return LeaveChannel{}, ErrShortPacket
	}
	if b[0] != TypeLeaveChannel {
		return LeaveChannel{}, ErrWrongType
	}
	return LeaveChannel{ClientId: uuid.UUID([16]byte(b[2 : 2+ClientIdLen]))}, nil
}

func EncodeLeaveChannel(l LeaveChannel) []byte {
	out := make([]byte, 2+ClientIdLen)
	out[0] = TypeLeaveChannel
	copy(out[2:], l.ClientId[:])
	return out
}

// VoicePacket is one media frame. On the wire it only ever travels sealed
// inside a Wrapper; the cleartext form exists between unseal and re-seal.
// Layout: 0x20 pad:u8 seq:u32 ts:u32 payload.
type VoicePacket struct {
	Flags   byte
	Seq     uint32
	Ts      uint32
	Payload []byte
}

func DecodeVoicePacket(b []byte) (VoicePacket, error) {
	if len(b) < VoiceHeaderLen {
		return VoicePacket{}, ErrShortPacket
	}
	if b[0] != TypeVoice {
		return VoicePacket{}, ErrWrongType
	}
	return VoicePacket{
		Flags:   b[1],
		Seq:     binary.BigEndian.Uint32(b[2:6]),
		Ts:      binary.BigEndian.Uint32(b[6:10]),
		Payload: b[VoiceHeaderLen:],
	}, nil
}

func EncodeVoicePacket(v VoicePacket) []byte {
	out := make([]byte, VoiceHeaderLen+len(v.Payload))
	out[0] = TypeVoice
	out[1] = v.Flags
	binary.BigEndian.PutUint32(out[2:6], v.Seq)
	binary.BigEndian.PutUint32(out[6:10], v.Ts)
	copy(out[VoiceHeaderLen:], v.Payload)
	return out
}

// VoiceFEC carries the XOR parity of one four-packet block.
// Layout: 0xA0 chan_len:u8 chan base_seq:u32 parity.
type VoiceFEC struct {
	Channel string
	BaseSeq uint32
	Parity  []byte
}

func DecodeVoiceFEC(b []byte) (VoiceFEC, error) {
	if len(b) < 2 {
		return VoiceFEC{}, ErrShortPacket
	}
	if b[0] != TypeVoiceFEC {
		return VoiceFEC{}, ErrWrongType
	}
	n := int(b[1])
	if len(b) < 2+n+4 {
		return VoiceFEC{}, ErrShortPacket
	}
	ch := b[2 : 2+n]
	if !utf8.Valid(ch) {
		return VoiceFEC{}, ErrBadUTF8
	}
	return VoiceFEC{
		Channel: string(ch),
		BaseSeq: binary.BigEndian.Uint32(b[2+n : 2+n+4]),
		Parity:  b[2+n+4:],
	}, nil
}

func EncodeVoiceFEC(f VoiceFEC) []byte {
	ch := []byte(f.Channel)
	if len(ch) > 255 {
		ch = ch[:255]
	}
	out := make([]byte, 0, 2+len(ch)+4+len(f.Parity))
	out = append(out, TypeVoiceFEC, byte(len(ch)))
	out = append(out, ch...)
	out = binary.BigEndian.AppendUint32(out, f.BaseSeq)
	out = append(out, f.Parity...)
	return out
}

// SpeakingState flags a client as talking or silent.
// Layout: 0x30 pad:u8 speaking:u8 client_id:16.
type SpeakingState struct {
	Speaking bool
	ClientId uuid.UUID
}

func DecodeSpeakingState(b []byte) (SpeakingState, error) {
	if len(b) < 3+ClientIdLen {
		return SpeakingState{}, ErrShortPacket
	}
	if b[0] != TypeSpeaking {
		return SpeakingState{}, ErrWrongType
	}
	return SpeakingState{
		Speaking: b[2] != 0,
		ClientId: uuid.UUID([16]byte(b[3 : 3+ClientIdLen])),
	}, nil
}

func EncodeSpeakingState(s SpeakingState) []byte {
	out := make([]byte, 3+ClientIdLen)
	out[0] = TypeSpeaking
	if s.Speaking {
		out[2] = 1
	}
	copy(out[3:], s.ClientId[:])
	return out
}

// KeySync announces a rotated key id to channel-joined clients.
// Layout: 0x50 new_key_id:u32.
type KeySync struct {
	KeyId uint32
}

func EncodeKeySync(k KeySync) []byte {
	out := make([]byte, 5)
	out[0] = TypeKeySync
	binary.BigEndian.PutUint32(out[1:], k.KeyId)
	return out
}

func DecodeKeySync(b []byte) (KeySync, error) {
	if len(b) < 5 {
		return KeySync{}, ErrShortPacket
	}
	if b[0] != TypeKeySync {
		return KeySync{}, ErrWrongType
	}
	return KeySync{KeyId: binary.BigEndian.Uint32(b[1:5])}, nil
}

// Wrapper is the sealed envelope every media frame travels in. Body is the
// sealed block: key_id:u32, nonce:12, tag:16, ciphertext.
// Layout: 0xFE inner_type:u8 body.
type Wrapper struct {
	InnerType byte
	Body      []byte
}

func DecodeWrapper(b []byte) (Wrapper, error) {
	if len(b) < WrapperHeaderLen+SealedBodyMin {
		return Wrapper{}, ErrShortPacket
	}
	if b[0] != TypeWrapper {
		return Wrapper{}, ErrWrongType
	}
	return Wrapper{InnerType: b[1], Body: b[WrapperHeaderLen:]}, nil
}

func EncodeWrapper(innerType byte, sealedBody []byte) []byte {
	out := make([]byte, 0, WrapperHeaderLen+len(sealedBody))
	out = append(out, TypeWrapper, innerType)
	out = append(out, sealedBody...)
	return out
}
