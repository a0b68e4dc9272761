package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic identifies whether a packet is a request or a response. It is
// always 4 bytes and always starts with a NUL byte; that leading NUL is
// what lets the decoder tell a binary packet apart from an admin response
// line sharing the same socket.
type Magic [4]byte

var (
	// ReqMagic marks a packet sent from this process to the server.
	ReqMagic = Magic{0x00, 'R', 'E', 'Q'}
	// ResMagic marks a packet received from the server.
	ResMagic = Magic{0x00, 'R', 'E', 'S'}
)

// HeaderSize is the fixed size, in bytes, of a binary packet header:
// magic (4) + type (4) + payload length (4).
const HeaderSize = 12

// Packet is a single binary protocol unit, either a request we are about to
// send or a response we have received.
type Packet struct {
	Magic   Magic
	Type    PacketType
	Payload []byte
}

// NewRequest builds a request packet with the given type and payload.
func NewRequest(t PacketType, payload []byte) *Packet {
	return &Packet{Magic: ReqMagic, Type: t, Payload: payload}
}

// Encode renders the packet in its wire form: a 12-byte header followed by
// the payload.
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	copy(buf[0:4], p.Magic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.Type))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Argument returns the index'th NUL-separated field of the payload. When
// rest is true, the field runs to the end of the payload (NULs inside it
// are not field separators); this is used for the final argument of a
// packet, which may itself contain NULs (job arguments, exception text).
func (p *Packet) Argument(index int, rest bool) []byte {
	parts := bytes.Split(p.Payload, []byte{0})
	if index >= len(parts) {
		return nil
	}
	if !rest {
		return parts[index]
	}
	return bytes.Join(parts[index:], []byte{0})
}

// String renders a short human-readable summary of the packet, mirroring
// the extra per-type detail the original implementation logs at debug
// level (handle, function name, unique key, option name...).
func (p *Packet) String() string {
	extra := p.extraDetail()
	if extra == "" {
		return fmt.Sprintf("<Packet type: %s>", p.Type)
	}
	return fmt.Sprintf("<Packet type: %s%s>", p.Type, extra)
}

func (p *Packet) extraDetail() string {
	switch p.Type {
	case JOB_CREATED, JOB_ASSIGN, GET_STATUS, STATUS_RES, WORK_STATUS,
		WORK_COMPLETE, WORK_FAIL, WORK_EXCEPTION, WORK_DATA, WORK_WARNING:
		return fmt.Sprintf(" handle: %s", p.Argument(0, false))
	case JOB_ASSIGN_UNIQ:
		return fmt.Sprintf(" handle: %s function: %s unique: %s",
			p.Argument(0, false), p.Argument(1, false), p.Argument(2, false))
	case SUBMIT_JOB, SUBMIT_JOB_BG, SUBMIT_JOB_HIGH, SUBMIT_JOB_HIGH_BG,
		SUBMIT_JOB_LOW, SUBMIT_JOB_LOW_BG, SUBMIT_JOB_SCHED, SUBMIT_JOB_EPOCH:
		return fmt.Sprintf(" function: %s unique: %s", p.Argument(0, false), p.Argument(1, false))
	case CAN_DO, CANT_DO, CAN_DO_TIMEOUT:
		return fmt.Sprintf(" function: %s", p.Argument(0, false))
	case SET_CLIENT_ID:
		return fmt.Sprintf(" id: %s", p.Argument(0, false))
	case OPTION_REQ, OPTION_RES:
		return fmt.Sprintf(" option: %s", p.Argument(0, false))
	case ERROR:
		return fmt.Sprintf(" code: %s message: %s", p.Argument(0, false), p.Argument(1, false))
	default:
		return ""
	}
}
