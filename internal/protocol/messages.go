// Package protocol defines the sensor wire protocol: message types, payloads
// and the msgpack framing used on the sensor → server stream.
//
// Every record on the wire is a msgpack array of two elements:
//
//	[type: int, payload: any]
//
// Records are self-delimiting; there is no additional length prefix.
package protocol

import (
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgType identifies a message on the wire.
type MsgType int

const (
	MsgHello         MsgType = 0
	MsgClientName    MsgType = 1
	MsgSSHCredential MsgType = 2
	MsgSSHPublicKey  MsgType = 3
	MsgPing          MsgType = 4
	MsgPong          MsgType = 5
	MsgGoodbye       MsgType = 6
)

// HelloToken is the payload a well-behaved sensor sends in its HELLO message.
const HelloToken = "blacknet-sensor/1"

var msgTypeNames = map[MsgType]string{
	MsgHello:         "HELLO",
	MsgClientName:    "CLIENT_NAME",
	MsgSSHCredential: "SSH_CREDENTIAL",
	MsgSSHPublicKey:  "SSH_PUBLICKEY",
	MsgPing:          "PING",
	MsgPong:          "PONG",
	MsgGoodbye:       "GOODBYE",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

// Message is one decoded record. Payload holds the still-encoded payload so
// that handlers decode only what they understand.
type Message struct {
	Type    MsgType
	Payload msgpack.RawMessage
}

var (
	_ msgpack.CustomEncoder = (*Message)(nil)
	_ msgpack.CustomDecoder = (*Message)(nil)
)

func (m *Message) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(m.Type)); err != nil {
		return err
	}
	if m.Payload == nil {
		return enc.EncodeNil()
	}
	return enc.Encode(m.Payload)
}

func (m *Message) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("%w: record has %d elements, want 2", ErrCorrupt, n)
	}
	t, err := dec.DecodeInt()
	if err != nil {
		return err
	}
	raw, err := dec.DecodeRaw()
	if err != nil {
		return err
	}
	m.Type = MsgType(t)
	m.Payload = raw
	return nil
}

// Timestamp is an event time in seconds since the Unix epoch. Sensors send
// it as a msgpack integer or float; the fractional part is kept.
type Timestamp float64

var (
	_ msgpack.CustomEncoder = Timestamp(0)
	_ msgpack.CustomDecoder = (*Timestamp)(nil)
)

// FromTime converts t to a Timestamp.
func FromTime(t time.Time) Timestamp {
	return Timestamp(t.Unix()) + Timestamp(t.Nanosecond())/1e9
}

// Time returns ts as a UTC time.
func (ts Timestamp) Time() time.Time {
	sec, frac := math.Modf(float64(ts))
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// EncodeMsgpack writes whole seconds as an integer.
func (ts Timestamp) EncodeMsgpack(enc *msgpack.Encoder) error {
	if f := float64(ts); f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return enc.EncodeInt(int64(f))
	}
	return enc.EncodeFloat64(float64(ts))
}

func (ts *Timestamp) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	switch n := v.(type) {
	case nil:
		*ts = 0
	case int8:
		*ts = Timestamp(n)
	case int16:
		*ts = Timestamp(n)
	case int32:
		*ts = Timestamp(n)
	case int64:
		*ts = Timestamp(n)
	case uint8:
		*ts = Timestamp(n)
	case uint16:
		*ts = Timestamp(n)
	case uint32:
		*ts = Timestamp(n)
	case uint64:
		*ts = Timestamp(n)
	case float32:
		*ts = Timestamp(n)
	case float64:
		*ts = Timestamp(n)
	default:
		return fmt.Errorf("protocol: timestamp is %T, want a number", v)
	}
	if f := float64(*ts); math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("protocol: timestamp %v is not finite", f)
	}
	return nil
}

// Credential is the payload of SSH_CREDENTIAL.
type Credential struct {
	Client   string    `msgpack:"client"`
	Time     Timestamp `msgpack:"time"`
	User     string    `msgpack:"user"`
	Password *string   `msgpack:"passwd,omitempty"`
	Version  string    `msgpack:"version"`
}

// PublicKey is the payload of SSH_PUBLICKEY.
type PublicKey struct {
	Client      string    `msgpack:"client"`
	Time        Timestamp `msgpack:"time"`
	User        string    `msgpack:"user"`
	Version     string    `msgpack:"version"`
	Fingerprint string    `msgpack:"kfp"`
	KeyType     string    `msgpack:"ktype"`
	Key64       string    `msgpack:"k64"`
	KeySize     int       `msgpack:"ksize"`
}

// Encode builds the wire form of a message with the given payload value.
func Encode(t MsgType, payload any) ([]byte, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", t, err)
	}
	return msgpack.Marshal(&Message{Type: t, Payload: raw})
}

// DecodePayload decodes the payload of m into v.
func DecodePayload(m Message, v any) error {
	if err := msgpack.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// DecodeString decodes a payload that carries a string or byte string.
func DecodeString(m Message) (string, error) {
	var s string
	if err := DecodePayload(m, &s); err != nil {
		return "", err
	}
	return s, nil
}

// EncodeMessage builds the wire form of m, reusing its encoded payload.
func EncodeMessage(m Message) ([]byte, error) {
	return msgpack.Marshal(&m)
}
