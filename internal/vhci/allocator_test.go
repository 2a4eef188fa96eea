package vhci

import (
	"testing"

	"github.com/usbshare/usbshare/internal/wire"
)

func TestAllocatorKeepsHSAndSSRangesDisjoint(t *testing.T) {
	a := NewPortAllocator(2, 2)

	hs1, err := a.Allocate(wire.SpeedHigh)
	if err != nil {
		t.Fatalf("allocate HS: %v", err)
	}
	ss1, err := a.Allocate(wire.SpeedSuper)
	if err != nil {
		t.Fatalf("allocate SS: %v", err)
	}
	if hs1 == ss1 {
		t.Fatalf("HS port %d collided with SS port %d", hs1, ss1)
	}
	if hs1 >= 2 {
		t.Fatalf("HS port %d outside HS range [0,2)", hs1)
	}
	if ss1 < 2 || ss1 >= 4 {
		t.Fatalf("SS port %d outside SS range [2,4)", ss1)
	}
}

func TestAllocatorExhaustionPerRange(t *testing.T) {
	a := NewPortAllocator(1, 1)

	if _, err := a.Allocate(wire.SpeedHigh); err != nil {
		t.Fatalf("first HS allocate: %v", err)
	}
	if _, err := a.Allocate(wire.SpeedHigh); err == nil {
		t.Fatal("expected second HS allocate to fail with port exhausted")
	}
	// SS range is unaffected by HS exhaustion.
	if _, err := a.Allocate(wire.SpeedSuper); err != nil {
		t.Fatalf("SS allocate should still succeed: %v", err)
	}
}

func TestAllocatorFreeReusesPort(t *testing.T) {
	a := NewPortAllocator(1, 1)

	port, err := a.Allocate(wire.SpeedFull)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Free(port)

	again, err := a.Allocate(wire.SpeedFull)
	if err != nil {
		t.Fatalf("re-allocate after free: %v", err)
	}
	if again != port {
		t.Fatalf("expected freed port %d to be reused, got %d", port, again)
	}
}

func TestAllocatorSuperPlusUsesSSRange(t *testing.T) {
	a := NewPortAllocator(1, 2)
	port, err := a.Allocate(wire.SpeedSuperPlus)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port < 1 {
		t.Fatalf("SuperPlus port %d should be in SS range starting at 1", port)
	}
}
