package msp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Version selects the MSP framing.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	}
	return fmt.Sprintf("unknown version %d", int(v))
}

// Direction is the third header byte of a frame.
type Direction byte

const (
	DirRequest Direction = '<'
	DirReply   Direction = '>'
	DirError   Direction = '!' // firmware rejected the command
)

const (
	MaxPayloadV1 = 255
	MaxPayloadV2 = 65535

	v1Overhead = 6 // $ M dir len cmd ... xor
	v2Overhead = 9 // $ X dir flag cmd(2) len(2) ... crc
)

var (
	ErrPayloadTooLarge  = errors.New("msp: payload too large")
	ErrCommandRange     = errors.New("msp: command does not fit v1 frame")
	ErrChecksumMismatch = errors.New("msp: checksum mismatch")
	ErrIncomplete       = errors.New("msp: incomplete frame")

	errBadHeader = errors.New("msp: bad header")
)

// Frame is one decoded MSP message.
type Frame struct {
	Version   Version
	Direction Direction
	Flag      byte // v2 only
	Code      uint16
	Payload   []byte
}

// CRC8DVBS2 folds one byte into a CRC8/DVB-S2 checksum.
func CRC8DVBS2(crc, b byte) byte {
	crc ^= b
	for i := 0; i < 8; i++ {
		if crc&0x80 != 0 {
			crc = (crc << 1) ^ 0xD5
		} else {
			crc <<= 1
		}
	}
	return crc
}

// EncodeRequest builds a request frame for code.
func EncodeRequest(v Version, code uint16, payload []byte) ([]byte, error) {
	return Encode(v, DirRequest, code, payload)
}

// Encode builds a complete frame.
func Encode(v Version, dir Direction, code uint16, payload []byte) ([]byte, error) {
	switch v {
	case V1:
		return encodeV1(dir, code, payload)
	case V2:
		return encodeV2(dir, code, payload)
	}
	return nil, fmt.Errorf("msp: cannot encode %s", v)
}

// encodeV1 builds: $ M <dir> <len> <cmd> <payload...> <xor of len,cmd,payload>
func encodeV1(dir Direction, code uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadV1 {
		return nil, fmt.Errorf("%w: %d bytes (v1 max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadV1)
	}
	if code > 0xFF {
		return nil, fmt.Errorf("%w: %d", ErrCommandRange, code)
	}
	n := len(payload)
	buf := make([]byte, v1Overhead+n)
	buf[0] = '$'
	buf[1] = 'M'
	buf[2] = byte(dir)
	buf[3] = byte(n)
	buf[4] = byte(code)
	copy(buf[5:], payload)
	var crc byte
	for _, b := range buf[3 : 5+n] {
		crc ^= b
	}
	buf[5+n] = crc
	return buf, nil
}

// encodeV2 builds: $ X <dir> <flag> <cmdLE> <lenLE> <payload...> <crc8 of flag..payload>
func encodeV2(dir Direction, code uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadV2 {
		return nil, fmt.Errorf("%w: %d bytes (v2 max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadV2)
	}
	n := len(payload)
	buf := make([]byte, v2Overhead+n)
	buf[0] = '$'
	buf[1] = 'X'
	buf[2] = byte(dir)
	buf[3] = 0
	binary.LittleEndian.PutUint16(buf[4:6], code)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(n))
	copy(buf[8:], payload)
	var crc byte
	for _, b := range buf[3 : 8+n] {
		crc = CRC8DVBS2(crc, b)
	}
	buf[8+n] = crc
	return buf, nil
}

// Decoder reassembles frames from an arbitrarily chunked byte stream.
//
// It is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Write appends received bytes.
func (d *Decoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset discards any partially received data.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Next returns the next complete frame. It returns ErrIncomplete when more
// data is needed and ErrChecksumMismatch when a corrupt frame was dropped;
// in the latter case the caller should call Next again to continue the scan.
func (d *Decoder) Next() (*Frame, error) {
	for {
		start := bytes.IndexByte(d.buf, '$')
		if start < 0 {
			d.buf = d.buf[:0]
			return nil, ErrIncomplete
		}
		d.buf = d.buf[start:]
		if len(d.buf) < 3 {
			return nil, ErrIncomplete
		}
		if !validDirection(d.buf[2]) || (d.buf[1] != 'M' && d.buf[1] != 'X') {
			d.buf = d.buf[1:]
			continue
		}

		f, n, err := decodeFrame(d.buf)
		switch {
		case errors.Is(err, ErrIncomplete):
			// a corrupt length holds the scan until it is satisfied
			if skip := d.nextComplete(); skip > 0 {
				d.buf = d.buf[skip:]
				return nil, fmt.Errorf("%w: stalled frame, skipped %d bytes", ErrChecksumMismatch, skip)
			}
			return nil, err
		case err != nil:
			// resync past this marker
			d.buf = d.buf[1:]
			return nil, err
		}
		d.buf = d.buf[n:]
		if len(d.buf) == 0 {
			d.buf = nil
		}
		return f, nil
	}
}

// nextComplete returns the offset of the first later frame in the buffer
// that decodes with a valid checksum, or 0 when there is none.
func (d *Decoder) nextComplete() int {
	for i := 1; i < len(d.buf); i++ {
		j := bytes.IndexByte(d.buf[i:], '$')
		if j < 0 {
			return 0
		}
		i += j
		if _, _, err := decodeFrame(d.buf[i:]); err == nil {
			return i
		}
	}
	return 0
}

func decodeFrame(b []byte) (*Frame, int, error) {
	if len(b) < 3 {
		return nil, 0, ErrIncomplete
	}
	if !validDirection(b[2]) {
		return nil, 0, errBadHeader
	}
	switch b[1] {
	case 'M':
		return decodeV1(b)
	case 'X':
		return decodeV2(b)
	}
	return nil, 0, errBadHeader
}

func decodeV1(b []byte) (*Frame, int, error) {
	if len(b) < 5 {
		return nil, 0, ErrIncomplete
	}
	n := int(b[3])
	total := v1Overhead + n
	if len(b) < total {
		return nil, 0, ErrIncomplete
	}
	var crc byte
	for _, c := range b[3 : 5+n] {
		crc ^= c
	}
	if crc != b[5+n] {
		return nil, 0, fmt.Errorf("%w: cmd %d got 0x%02X want 0x%02X", ErrChecksumMismatch, b[4], b[5+n], crc)
	}
	payload := make([]byte, n)
	copy(payload, b[5:5+n])
	return &Frame{
		Version:   V1,
		Direction: Direction(b[2]),
		Code:      uint16(b[4]),
		Payload:   payload,
	}, total, nil
}

func decodeV2(b []byte) (*Frame, int, error) {
	if len(b) < 8 {
		return nil, 0, ErrIncomplete
	}
	code := binary.LittleEndian.Uint16(b[4:6])
	n := int(binary.LittleEndian.Uint16(b[6:8]))
	total := v2Overhead + n
	if len(b) < total {
		return nil, 0, ErrIncomplete
	}
	var crc byte
	for _, c := range b[3 : 8+n] {
		crc = CRC8DVBS2(crc, c)
	}
	if crc != b[8+n] {
		return nil, 0, fmt.Errorf("%w: cmd %d got 0x%02X want 0x%02X", ErrChecksumMismatch, code, b[8+n], crc)
	}
	payload := make([]byte, n)
	copy(payload, b[8:8+n])
	return &Frame{
		Version:   V2,
		Direction: Direction(b[2]),
		Flag:      b[3],
		Code:      code,
		Payload:   payload,
	}, total, nil
}

func validDirection(b byte) bool {
	return b == byte(DirRequest) || b == byte(DirReply) || b == byte(DirError)
}
