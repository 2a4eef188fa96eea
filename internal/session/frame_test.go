package session

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/usbshare/usbshare/internal/wire"
)

func newPipePair() (io.ReadWriteCloser, io.ReadWriteCloser) {
	a, b := net.Pipe()
	return a, b
}

func TestFrameStreamSendRecvRoundTrip(t *testing.T) {
	a, b := newPipePair()
	defer a.Close()
	defer b.Close()

	fa := newFrameStream(a, nil)
	fb := newFrameStream(b, nil)

	want := wire.Message{Version: wire.CurrentVersion, Payload: &wire.AttachReq{DeviceId: 42}}

	done := make(chan error, 1)
	go func() { done <- fa.Send(want) }()

	got, err := fb.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	req, ok := got.Payload.(*wire.AttachReq)
	if !ok || req.DeviceId != 42 {
		t.Fatalf("unexpected payload: %+v", got.Payload)
	}
}

func TestFrameStreamRejectsOversizedFrame(t *testing.T) {
	a, b := newPipePair()
	defer a.Close()
	defer b.Close()

	fb := newFrameStream(b, nil)

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(maxFrameSize+1))

	done := make(chan struct{})
	go func() {
		a.Write(lenPrefix[:])
		close(done)
	}()

	_, err := fb.Recv()
	if err == nil {
		t.Fatal("expected error for oversized frame, got nil")
	}
	<-done
}

func TestFrameStreamSendIsMutexGuardedAcrossGoroutines(t *testing.T) {
	a, b := newPipePair()
	defer a.Close()
	defer b.Close()

	fa := newFrameStream(a, nil)

	const n = 20
	errC := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errC <- fa.Send(wire.Message{Version: wire.CurrentVersion, Payload: &wire.DetachReq{Handle: wire.DeviceHandle(i)}})
		}(i)
	}

	go func() {
		fb := newFrameStream(b, nil)
		for i := 0; i < n; i++ {
			if _, err := fb.Recv(); err != nil {
				return
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case err := <-errC:
			if err != nil {
				t.Fatalf("send %d: %v", i, err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for concurrent sends")
		}
	}
}
