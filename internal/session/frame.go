package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/usbshare/usbshare/internal/wire"
)

// maxFrameSize bounds the outer length prefix the same way the codec
// bounds inner length-prefixed fields, so a corrupt or hostile peer
// can't make a stream reader allocate without limit.
const maxFrameSize = wire.DefaultMaxPayloadSize + 4096

// frameStream reads and writes whole wire.Messages over a byte stream
// (one QUIC logical stream). The codec itself is framing-agnostic, so
// this package owns the one thing it needs on top: a 4-byte
// big-endian length prefix per message. Big-endian here is an
// ordinary length prefix, not the USB/IP wire (package usbip) — the
// two must never be confused.
type frameStream struct {
	rw    io.ReadWriteCloser
	codec *wire.Codec

	writeMu sync.Mutex
}

func newFrameStream(rw io.ReadWriteCloser, codec *wire.Codec) *frameStream {
	if codec == nil {
		codec = wire.NewCodec()
	}
	return &frameStream{rw: rw, codec: codec}
}

// Send encodes and writes one message. Safe for concurrent callers.
func (f *frameStream) Send(msg wire.Message) error {
	body, err := f.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("session: encoded message too large (%d bytes)", len(body))
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.rw.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("session: write length prefix: %w", err)
	}
	if _, err := f.rw.Write(body); err != nil {
		return fmt.Errorf("session: write body: %w", err)
	}
	return nil
}

// Recv reads and decodes the next message. Not safe for concurrent
// callers — each frameStream has exactly one reader goroutine.
func (f *frameStream) Recv() (wire.Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(f.rw, lenPrefix[:]); err != nil {
		return wire.Message{}, err
	}

	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return wire.Message{}, fmt.Errorf("session: frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(f.rw, body); err != nil {
		return wire.Message{}, err
	}

	msg, err := f.codec.Decode(body)
	if err != nil {
		return wire.Message{}, fmt.Errorf("session: decode: %w", err)
	}
	return msg, nil
}

func (f *frameStream) Close() error { return f.rw.Close() }
