package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/usbshare/usbshare/internal/usberr"
)

// DefaultMaxPayloadSize is the default cap on any length-prefixed
// field; a length exceeding it is rejected with ErrMalformed rather
// than trusted (§4.1).
const DefaultMaxPayloadSize = 16 * 1024 * 1024

// ErrVersionMismatch is returned by Decode when the message's major
// version differs from the local major, before any payload field is
// interpreted.
var ErrVersionMismatch = errors.New("wire: protocol major version mismatch")

// ErrMalformed is returned by Decode for any structurally invalid
// message: truncated input, an unknown payload kind, or a
// length-prefixed field exceeding the configured cap.
var ErrMalformed = errors.New("wire: malformed message")

// Kind tags a Message's payload. Values are part of the wire format;
// never renumber an existing one.
type Kind uint8

const (
	KindListDevicesReq Kind = iota + 1
	KindListDevicesResp
	KindAttachReq
	KindAttachResp
	KindDetachReq
	KindDetachResp
	KindSubmitTransfer
	KindTransferComplete
	KindDeviceArrived
	KindDeviceRemoved
	KindHeartbeat
	KindHeartbeatAck
	KindError
	KindCancelTransfer
)

// Payload is implemented by every concrete message payload type.
type Payload interface {
	Kind() Kind
	encode(*encoder)
	decode(*decoder) error
}

// Message is the envelope exchanged over a session's logical streams:
// a protocol version followed by exactly one tagged Payload.
type Message struct {
	Version Version
	Payload Payload
}

// Codec decodes/encodes Messages, checking length-prefixed fields
// against MaxPayloadSize.
type Codec struct {
	MaxPayloadSize uint32
}

// NewCodec returns a Codec using DefaultMaxPayloadSize.
func NewCodec() *Codec {
	return &Codec{MaxPayloadSize: DefaultMaxPayloadSize}
}

// Encode serialises msg. Encoding is deterministic: the same Message
// always produces the same bytes.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	e := &encoder{}
	e.u8(msg.Version.Major)
	e.u8(msg.Version.Minor)
	e.u8(msg.Version.Patch)
	e.u8(uint8(msg.Payload.Kind()))
	msg.Payload.encode(e)
	return e.buf, e.err
}

// Decode parses b into a Message. The major version is checked first;
// ErrVersionMismatch is returned before any payload field is touched.
func (c *Codec) Decode(b []byte) (Message, error) {
	d := &decoder{buf: b, maxLen: c.MaxPayloadSize}

	major := d.u8()
	minor := d.u8()
	patch := d.u8()
	if d.err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, d.err)
	}

	if major != CurrentVersion.Major {
		return Message{}, ErrVersionMismatch
	}

	kindByte := d.u8()
	if d.err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, d.err)
	}

	payload, err := newPayload(Kind(kindByte))
	if err != nil {
		return Message{}, err
	}

	if err := payload.decode(d); err != nil {
		return Message{}, err
	}
	if d.err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, d.err)
	}
	if !d.atEnd() {
		return Message{}, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}

	return Message{
		Version: Version{Major: major, Minor: minor, Patch: patch},
		Payload: payload,
	}, nil
}

func newPayload(k Kind) (Payload, error) {
	switch k {
	case KindListDevicesReq:
		return &ListDevicesReq{}, nil
	case KindListDevicesResp:
		return &ListDevicesResp{}, nil
	case KindAttachReq:
		return &AttachReq{}, nil
	case KindAttachResp:
		return &AttachResp{}, nil
	case KindDetachReq:
		return &DetachReq{}, nil
	case KindDetachResp:
		return &DetachResp{}, nil
	case KindSubmitTransfer:
		return &SubmitTransfer{}, nil
	case KindTransferComplete:
		return &TransferComplete{}, nil
	case KindDeviceArrived:
		return &DeviceArrivedNotification{}, nil
	case KindDeviceRemoved:
		return &DeviceRemovedNotification{}, nil
	case KindHeartbeat:
		return &Heartbeat{}, nil
	case KindHeartbeatAck:
		return &HeartbeatAck{}, nil
	case KindError:
		return &ErrorPayload{}, nil
	case KindCancelTransfer:
		return &CancelTransfer{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown payload kind %d", ErrMalformed, k)
	}
}

// --- encoder/decoder primitives -------------------------------------------

type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) bool(v bool) { if v { e.u8(1) } else { e.u8(0) } }

func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) bytes32(v []byte) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) str(v string) {
	e.bytes32([]byte(v))
}

func (e *encoder) fixed(v []byte) {
	e.buf = append(e.buf, v...)
}

type decoder struct {
	buf    []byte
	off    int
	maxLen uint32
	err    error
}

func (d *decoder) atEnd() bool { return d.err == nil && d.off == len(d.buf) }

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("need %d bytes, have %d", n, len(d.buf)-d.off)
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) boolean() bool { return d.u8() != 0 }

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) bytes32() []byte {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	if n > d.maxLen {
		d.err = fmt.Errorf("length %d exceeds max %d", n, d.maxLen)
		return nil
	}
	if !d.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return v
}

func (d *decoder) str() string {
	b := d.bytes32()
	return string(b)
}

func (d *decoder) fixed(n int) []byte {
	if !d.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.buf[d.off:d.off+n])
	d.off += n
	return v
}

// usbErrKind round-trips a usberr.Kind as a single byte.
func (e *encoder) usbErrKind(k usberr.Kind) { e.u8(uint8(k)) }
func (d *decoder) usbErrKind() usberr.Kind  { return usberr.Kind(d.u8()) }
