// Package codec implements the length-prefixed wire framing shared by the
// hub, probe-server, and rapp sockets: a 16-byte little-endian header
// followed by an opaque body, with a checkbit guarding against a
// misaligned stream.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// HeaderSize is the size in bytes of the fixed Package header.
const HeaderSize = 16

// Package is the on-wire unit exchanged on every socket in this system.
type Package struct {
	PartID uint64 // application-opaque grouping id, preserved end-to-end
	PID    uint16 // correlation id; 0 means fire-and-forget
	Type   uint8  // message type, see the hub/probeserver/rapp protocol packages
	Body   []byte // opaque bytes; msgpack unless the sender flagged it binary
}

// ErrInvalidCheckbit is returned when a decoded header's checkbit does not
// equal Type XOR 0xFF.
var ErrInvalidCheckbit = fmt.Errorf("codec: invalid checkbit")

// New builds a Package whose Body is the raw bytes to send as-is (isBinary
// semantics already applied by the caller).
func New(tp uint8, pid uint16, partID uint64, body []byte) *Package {
	return &Package{PartID: partID, PID: pid, Type: tp, Body: body}
}

// Make builds a Package by msgpack-encoding v, mirroring Package.make(...,
// is_binary=False) in the original implementation. Passing isBinary=true
// treats raw (already []byte) data as the body verbatim.
func Make(tp uint8, pid uint16, partID uint64, data any, isBinary bool) (*Package, error) {
	if isBinary {
		body, ok := data.([]byte)
		if !ok {
			return nil, fmt.Errorf("codec: Make: isBinary requires []byte data, got %T", data)
		}
		return New(tp, pid, partID, body), nil
	}
	body, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("codec: msgpack encode failed: %w", err)
	}
	return New(tp, pid, partID, body), nil
}

// ToBytes serializes the package to its wire representation: the 16-byte
// header followed by Body.
func (p *Package) ToBytes() []byte {
	out := make([]byte, HeaderSize+len(p.Body))
	binary.LittleEndian.PutUint64(out[0:8], p.PartID)
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(p.Body)))
	binary.LittleEndian.PutUint16(out[12:14], p.PID)
	out[14] = p.Type
	out[15] = p.Type ^ 0xFF
	copy(out[HeaderSize:], p.Body)
	return out
}

// Decode unmarshals Body as msgpack into v. Callers that sent/received the
// package with isBinary=true should read p.Body directly instead.
func (p *Package) Decode(v any) error {
	if len(p.Body) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("codec: msgpack decode failed: %w", err)
	}
	return nil
}

// header is the parsed fixed-size prefix of a frame, before the body bytes
// are known to be fully buffered.
type header struct {
	partID   uint64
	length   uint32
	pid      uint16
	tp       uint8
	checkbit uint8
}

func parseHeader(buf []byte) (header, error) {
	h := header{
		partID:   binary.LittleEndian.Uint64(buf[0:8]),
		length:   binary.LittleEndian.Uint32(buf[8:12]),
		pid:      binary.LittleEndian.Uint16(buf[12:14]),
		tp:       buf[14],
		checkbit: buf[15],
	}
	if h.tp != h.checkbit^0xFF {
		return header{}, ErrInvalidCheckbit
	}
	return h, nil
}

// Decoder incrementally buffers bytes arriving from a socket and yields
// whole Packages as soon as a full frame is available. It never blocks and
// never reads past what has been fed to it.
type Decoder struct {
	buf []byte
	hdr *header // set once a valid header has been parsed for the in-progress frame
}

// Feed appends data to the internal buffer and extracts as many complete
// packages as are now available. If a frame turns out to be malformed (bad
// checkbit), the entire buffer is drained — matching the reference
// implementation's "empty the byte-array to recover from this error" — and
// Feed returns the packages successfully decoded before the error alongside
// a non-nil error so the caller can log it and treat the connection as
// having hit a resync point.
func (d *Decoder) Feed(data []byte) ([]*Package, error) {
	d.buf = append(d.buf, data...)

	var pkgs []*Package
	for {
		if d.hdr == nil {
			if len(d.buf) < HeaderSize {
				return pkgs, nil
			}
			h, err := parseHeader(d.buf[:HeaderSize])
			if err != nil {
				d.buf = d.buf[:0]
				d.hdr = nil
				return pkgs, err
			}
			d.hdr = &h
		}

		total := HeaderSize + int(d.hdr.length)
		if len(d.buf) < total {
			return pkgs, nil
		}

		body := make([]byte, d.hdr.length)
		copy(body, d.buf[HeaderSize:total])
		pkgs = append(pkgs, &Package{
			PartID: d.hdr.partID,
			PID:    d.hdr.pid,
			Type:   d.hdr.tp,
			Body:   body,
		})

		d.buf = d.buf[total:]
		d.hdr = nil
	}
}
