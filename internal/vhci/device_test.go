package vhci

import (
	"testing"

	"github.com/usbshare/usbshare/internal/wire"
)

func TestVirtualDeviceLegalTransitionSequence(t *testing.T) {
	vd := NewVirtualDevice(1, 0, 7, wire.DeviceInfo{})

	seq := []State{HandshakeSent, KernelAttached, Active, Detaching, Freed}
	for _, s := range seq {
		if err := vd.transition(s); err != nil {
			t.Fatalf("transition to %v: %v", s, err)
		}
	}
	if vd.State() != Freed {
		t.Fatalf("final state = %v, want Freed", vd.State())
	}
}

func TestVirtualDeviceRejectsIllegalTransition(t *testing.T) {
	vd := NewVirtualDevice(1, 0, 7, wire.DeviceInfo{})
	if err := vd.transition(Active); err == nil {
		t.Fatal("expected Allocated -> Active to be rejected")
	}
}

func TestVirtualDeviceRequestIDsAreMonotonicAndUnique(t *testing.T) {
	vd := NewVirtualDevice(1, 0, 7, wire.DeviceInfo{})
	seen := make(map[uint64]bool)
	var prev uint64
	for i := 0; i < 100; i++ {
		id := vd.NextRequestID()
		if id <= prev {
			t.Fatalf("request id %d not greater than previous %d", id, prev)
		}
		if seen[id] {
			t.Fatalf("request id %d reused", id)
		}
		seen[id] = true
		prev = id
	}
}
