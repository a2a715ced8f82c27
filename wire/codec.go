// Package wire implements the length-prefixed binary framing used between
// harp clients and harpd.
//
// A frame is a big-endian uint32 payload length followed by the payload.
// The payload holds, in order: the sequence id (uint32), the address (tag 4
// plus 4 bytes or tag 6 plus 16 bytes), the kind (uint16 length plus bytes)
// and the detail (flag byte, then uint32 length plus JSON when the flag is 1).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/goccy/go-json"
	"github.com/harplog/harp/action"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4

	// MinFrameSize is the smallest maximum frame size harpd accepts.
	MinFrameSize = 128
	// DefaultMaxFrameSize is used when no ceiling is configured.
	DefaultMaxFrameSize = 4096

	tagIPv4 byte = 4
	tagIPv6 byte = 6

	detailAbsent  byte = 0
	detailPresent byte = 1
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrDecode        = errors.New("decode error")
)

// Marshal serializes an action to its payload form, without the length
// prefix. The action must be valid.
func Marshal(a action.Action) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	size := 4 + 1 + 16 + 2 + len(a.Kind) + 1
	if a.HasDetail() {
		size += 4 + len(a.Detail)
	}
	buf := make([]byte, 0, size)

	buf = binary.BigEndian.AppendUint32(buf, a.ID)

	addr := a.Addr.Unmap()
	if addr.Is4() {
		ip := addr.As4()
		buf = append(buf, tagIPv4)
		buf = append(buf, ip[:]...)
	} else {
		ip := addr.As16()
		buf = append(buf, tagIPv6)
		buf = append(buf, ip[:]...)
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.Kind)))
	buf = append(buf, a.Kind...)

	if a.HasDetail() {
		buf = append(buf, detailPresent)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(a.Detail)))
		buf = append(buf, a.Detail...)
	} else {
		buf = append(buf, detailAbsent)
	}

	return buf, nil
}

// Encode returns the complete frame for an action. It fails with
// ErrFrameTooLarge when the frame would exceed maxFrame bytes.
func Encode(a action.Action, maxFrame int) ([]byte, error) {
	payload, err := Marshal(a)
	if err != nil {
		return nil, err
	}
	if HeaderSize+len(payload) > maxFrame {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, HeaderSize+len(payload), maxFrame)
	}

	frame := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	return append(frame, payload...), nil
}

// Unmarshal parses a payload produced by Marshal. It never returns a partial
// action: any error yields the zero Action.
func Unmarshal(p []byte) (action.Action, error) {
	d := decoder{buf: p}

	id := d.uint32()

	var addr netip.Addr
	switch tag := d.byte(); tag {
	case tagIPv4:
		var ip [4]byte
		copy(ip[:], d.bytes(4))
		addr = netip.AddrFrom4(ip)
	case tagIPv6:
		var ip [16]byte
		copy(ip[:], d.bytes(16))
		addr = netip.AddrFrom16(ip).Unmap()
	default:
		d.fail("unknown address tag %d", tag)
	}

	kind := string(d.bytes(int(d.uint16())))

	var detail json.RawMessage
	switch flag := d.byte(); flag {
	case detailAbsent:
	case detailPresent:
		n := d.uint32()
		raw := d.bytes(int(n))
		if d.err == nil {
			if n == 0 {
				d.fail("empty detail with presence flag set")
			}
			detail = append(json.RawMessage(nil), raw...)
		}
	default:
		d.fail("unknown detail flag %d", flag)
	}

	if d.err == nil && len(d.buf) != 0 {
		d.fail("%d trailing bytes", len(d.buf))
	}
	if d.err != nil {
		return action.Action{}, d.err
	}

	a := action.Action{ID: id, Addr: addr, Kind: kind, Detail: detail}
	if err := a.Validate(); err != nil {
		return action.Action{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return a, nil
}

// decoder reads fixed fields from a buffer. After the first failure every
// read returns zero values and err keeps the first error.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
	}
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.fail("truncated payload: need %d bytes, have %d", n, len(d.buf))
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) byte() byte {
	b := d.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint16() uint16 {
	b := d.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) uint32() uint32 {
	b := d.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
