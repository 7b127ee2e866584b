package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrIncomplete is returned by Unpacker.Next when the buffered bytes do
	// not yet hold a complete record.
	ErrIncomplete = errors.New("protocol: incomplete record")
	// ErrCorrupt is returned when the stream cannot be decoded. The stream is
	// unusable afterwards.
	ErrCorrupt = errors.New("protocol: corrupt stream")
)

// Unpacker decodes records from a byte stream that arrives in arbitrary
// chunks. Bytes of a partially received record are kept until the rest
// arrives. Incoming bytes are scanned once for record boundaries; a record
// is decoded only after all of its bytes are buffered.
type Unpacker struct {
	buf []byte
	err error

	// Scan state of the record at the head of buf.
	pos     int    // offset of the next unscanned object header
	pending uint64 // objects still to be scanned, 0 before the record starts
	decodes int
}

// Feed appends stream bytes.
func (u *Unpacker) Feed(p []byte) {
	u.buf = append(u.buf, p...)
}

// Buffered returns the number of bytes held for an incomplete record.
func (u *Unpacker) Buffered() int {
	return len(u.buf)
}

// Next returns the next complete record. It returns ErrIncomplete when more
// bytes are needed, and an error wrapping ErrCorrupt once the stream is broken.
func (u *Unpacker) Next() (Message, error) {
	if u.err != nil {
		return Message{}, u.err
	}
	end, err := u.scan()
	if err != nil {
		if !errors.Is(err, ErrIncomplete) {
			u.fail(err)
		}
		return Message{}, err
	}

	u.decodes++
	var m Message
	if err := msgpack.Unmarshal(u.buf[:end], &m); err != nil {
		if !errors.Is(err, ErrCorrupt) {
			err = fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		u.fail(err)
		return Message{}, err
	}

	if end == len(u.buf) {
		u.buf = u.buf[:0]
	} else {
		// Copy the tail so the consumed prefix can be collected.
		u.buf = append([]byte(nil), u.buf[end:]...)
	}
	u.pos, u.pending = 0, 0
	// The payload aliases the old buffer until copied.
	m.Payload = append(msgpack.RawMessage(nil), m.Payload...)
	return m, nil
}

func (u *Unpacker) fail(err error) {
	u.err = err
	u.buf = nil
	u.pos, u.pending = 0, 0
}

// scan advances over buffered object headers, resuming where the previous
// call stopped, and returns the length of the head record once it is fully
// buffered.
func (u *Unpacker) scan() (int, error) {
	if len(u.buf) == 0 {
		return 0, ErrIncomplete
	}
	if u.pending == 0 && u.pos == 0 {
		n, children, err := objectHeader(u.buf)
		if err != nil {
			return 0, err
		}
		if !isArray(u.buf[0]) || children != 2 {
			return 0, fmt.Errorf("%w: record is not a two element array", ErrCorrupt)
		}
		u.pos, u.pending = n, 2
	}
	for u.pending > 0 {
		if u.pos >= len(u.buf) {
			return 0, ErrIncomplete
		}
		n, children, err := objectHeader(u.buf[u.pos:])
		if err != nil {
			return 0, err
		}
		u.pos += n
		u.pending = u.pending - 1 + children
	}
	if u.pos > len(u.buf) {
		return 0, ErrIncomplete
	}
	return u.pos, nil
}

func isArray(c byte) bool {
	return c&0xf0 == 0x90 || c == 0xdc || c == 0xdd
}

// objectHeader reads the msgpack object header at the start of b. It returns
// the header plus inline body size, which may extend past b, and the number
// of nested objects that follow. ErrIncomplete means b is shorter than the
// header itself.
func objectHeader(b []byte) (size int, children uint64, err error) {
	c := b[0]
	switch {
	case c <= 0x7f, c >= 0xe0, c == 0xc0, c == 0xc2, c == 0xc3:
		return 1, 0, nil
	case c&0xf0 == 0x80:
		return 1, 2 * uint64(c&0x0f), nil
	case c&0xf0 == 0x90:
		return 1, uint64(c & 0x0f), nil
	case c&0xe0 == 0xa0:
		return 1 + int(c&0x1f), 0, nil
	}

	var (
		lenBytes int // width of a length or count field after c
		fixed    int // bytes after c that are not length-prefixed
		counted  uint64
	)
	switch c {
	case 0xcc, 0xd0:
		fixed = 1
	case 0xcd, 0xd1:
		fixed = 2
	case 0xca, 0xce, 0xd2:
		fixed = 4
	case 0xcb, 0xcf, 0xd3:
		fixed = 8
	case 0xd4, 0xd5, 0xd6, 0xd7, 0xd8:
		fixed = 1 + 1<<(c-0xd4)
	case 0xc4, 0xd9:
		lenBytes = 1
	case 0xc5, 0xda:
		lenBytes = 2
	case 0xc6, 0xdb:
		lenBytes = 4
	case 0xc7:
		lenBytes, fixed = 1, 1
	case 0xc8:
		lenBytes, fixed = 2, 1
	case 0xc9:
		lenBytes, fixed = 4, 1
	case 0xdc, 0xde:
		lenBytes, counted = 2, 1
	case 0xdd, 0xdf:
		lenBytes, counted = 4, 1
	default:
		return 0, 0, fmt.Errorf("%w: reserved code 0x%02x", ErrCorrupt, c)
	}
	if lenBytes == 0 {
		return 1 + fixed, 0, nil
	}
	if len(b) < 1+lenBytes {
		return 0, 0, ErrIncomplete
	}
	var n uint64
	for _, x := range b[1 : 1+lenBytes] {
		n = n<<8 | uint64(x)
	}
	if counted != 0 {
		if c == 0xde || c == 0xdf {
			n *= 2
		}
		return 1 + lenBytes, n, nil
	}
	return 1 + lenBytes + fixed + int(n), 0, nil
}
