package vhci

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/usbshare/usbshare/internal/wire"
)

type fakePlatform struct {
	mu       sync.Mutex
	attached []string
	detached []string
}

// NewSocketPair hands back one end of a net.Pipe as the bridge, while
// draining the other end ("kernel" side) in the background so that
// WriteImportHandshake's synchronous writes (and the emulator's later
// reads) never deadlock against an unbuffered pipe with no kernel on
// the other side.
func (p *fakePlatform) NewSocketPair() (int, io.ReadWriteCloser, error) {
	kernel, bridge := net.Pipe()
	go io.Copy(io.Discard, kernel)
	return 99, bridge, nil
}

func (p *fakePlatform) WriteAttach(record string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = append(p.attached, record)
	return nil
}

func (p *fakePlatform) WriteDetach(record string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached = append(p.detached, record)
	return nil
}

type fakeDeviceProxy struct {
	info wire.DeviceInfo
}

func (f *fakeDeviceProxy) Info() wire.DeviceInfo { return f.info }
func (f *fakeDeviceProxy) Submit(ctx context.Context, id uint64, req wire.TransferRequest) (wire.TransferResult, error) {
	return wire.Success(nil), nil
}
func (f *fakeDeviceProxy) Cancel(id uint64) bool { return false }

func TestManagerAttachDetach(t *testing.T) {
	platform := &fakePlatform{}
	m := NewManager(platform, 4, 4, nil)

	proxy := &fakeDeviceProxy{info: wire.DeviceInfo{Speed: wire.SpeedHigh}}
	vd, err := m.AttachDevice(context.Background(), wire.DeviceHandle(1), proxy)
	if err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if vd.State() != Active {
		t.Fatalf("state after attach = %v, want Active", vd.State())
	}
	if len(platform.attached) != 1 {
		t.Fatalf("expected one attach record written, got %d", len(platform.attached))
	}

	if _, ok := m.Get(wire.DeviceHandle(1)); !ok {
		t.Fatal("expected device to be registered under its handle")
	}

	done := make(chan error, 1)
	go func() { done <- m.DetachDevice(wire.DeviceHandle(1)) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DetachDevice: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DetachDevice did not complete")
	}

	if len(platform.detached) != 1 {
		t.Fatalf("expected one detach record written, got %d", len(platform.detached))
	}
	if vd.State() != Freed {
		t.Fatalf("state after detach = %v, want Freed", vd.State())
	}
	if _, ok := m.Get(wire.DeviceHandle(1)); ok {
		t.Fatal("expected device to be unregistered after detach")
	}
}

func TestManagerDetachAllFreesEveryPort(t *testing.T) {
	platform := &fakePlatform{}
	m := NewManager(platform, 4, 4, nil)

	for i := 0; i < 3; i++ {
		proxy := &fakeDeviceProxy{info: wire.DeviceInfo{Speed: wire.SpeedFull}}
		if _, err := m.AttachDevice(context.Background(), wire.DeviceHandle(i+1), proxy); err != nil {
			t.Fatalf("AttachDevice %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.DetachAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DetachAll did not complete")
	}

	for i := 0; i < 3; i++ {
		if _, ok := m.Get(wire.DeviceHandle(i + 1)); ok {
			t.Fatalf("expected handle %d to be detached", i+1)
		}
	}
	if len(platform.detached) != 3 {
		t.Fatalf("expected 3 detach records, got %d", len(platform.detached))
	}
}
