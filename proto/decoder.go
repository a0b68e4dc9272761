package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// AdminQueue is the per-connection FIFO of outstanding admin requests that
// the Decoder consults to frame an admin response. Binary packets and
// admin responses share one socket; when the next buffered unit does not
// start with the 0x00 magic byte, it is framed as the admin request at the
// head of this queue.
type AdminQueue interface {
	PopFront() (*AdminRequest, bool)
	PushFront(*AdminRequest)
}

// Decoder is a resumable reader of the interleaved binary/admin protocol
// on one connection. Its buffer and need-more-data flag persist across
// calls to Next so that a read returning a partial frame (or several
// frames at once) is handled correctly.
type Decoder struct {
	r         io.Reader
	buf       []byte
	needBytes bool
}

// NewDecoder wraps r (normally a net.Conn) with resumable framing state.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// HasPendingData reports whether bytes of a complete or partial unit are
// already buffered. A complete unit can be returned by Next without reading
// the socket again; a partial one still needs another read.
func (d *Decoder) HasPendingData() bool {
	return len(d.buf) > 0
}

// Next returns the next framed unit: either a binary Packet, or the
// AdminRequest at the head of admin once its terminator has been seen.
// It returns an error (including io.EOF on orderly peer close) when the
// underlying reader fails.
func (d *Decoder) Next(admin AdminQueue) (*Packet, *AdminRequest, error) {
	var curAdmin *AdminRequest

	for {
		if len(d.buf) == 0 || d.needBytes {
			chunk := make([]byte, 4096)
			n, err := d.r.Read(chunk)
			if n > 0 {
				d.buf = append(d.buf, chunk[:n]...)
				d.needBytes = false
			}
			if err != nil {
				if curAdmin != nil {
					// The admin request was already dequeued for framing;
					// restore it so a subsequent decode attempt (e.g. after
					// a transport-level retry) still finds it at the head.
					admin.PushFront(curAdmin)
				}
				return nil, nil, err
			}
			if n == 0 {
				continue
			}
		}

		if curAdmin == nil && d.buf[0] != 0x00 {
			req, ok := admin.PopFront()
			if !ok {
				return nil, nil, fmt.Errorf("proto: admin response received with no pending admin request")
			}
			curAdmin = req
		}

		if curAdmin != nil {
			complete, remainder := curAdmin.isComplete(d.buf)
			d.buf = remainder
			if complete {
				return nil, curAdmin, nil
			}
		} else if len(d.buf) >= HeaderSize {
			datalen := binary.BigEndian.Uint32(d.buf[8:12])
			if uint64(len(d.buf)) >= uint64(datalen)+HeaderSize {
				end := HeaderSize + int(datalen)
				magic := Magic{d.buf[0], d.buf[1], d.buf[2], d.buf[3]}
				ptype := PacketType(binary.BigEndian.Uint32(d.buf[4:8]))
				payload := append([]byte{}, d.buf[HeaderSize:end]...)
				d.buf = d.buf[end:]
				return &Packet{Magic: magic, Type: ptype, Payload: payload}, nil, nil
			}
		}

		d.needBytes = true
	}
}
