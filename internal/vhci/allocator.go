// Package vhci implements §4.7: the client-side virtual-device manager
// that allocates VHCI ports, drives the sysfs attach/detach contract,
// and owns each virtual device's submit-loop lifecycle.
package vhci

import (
	"sync/atomic"

	"github.com/usbshare/usbshare/internal/wire"
)

// Default port counts per speed class. Real vhci-hcd ships 8 ports per
// controller by default; the two ranges are kept disjoint exactly as
// §4.7 requires: HS-range for Low/Full/High speed devices, SS-range
// for Super/SuperPlus.
const (
	DefaultHSPorts = 8
	DefaultSSPorts = 8
)

// PortAllocator hands out VHCI ports from two disjoint bitmaps, one
// per speed class. The bitmap is a slice of atomically-addressed
// words so Allocate/Free never need an external lock, per §5's "port
// bitmap on the client is atomic".
type PortAllocator struct {
	hsBase, hsCount int
	ssBase, ssCount int

	hsBits []atomic.Uint64
	ssBits []atomic.Uint64
}

// NewPortAllocator builds an allocator with hsCount HS-range ports
// starting at port 0 and ssCount SS-range ports immediately after,
// keeping the ranges disjoint.
func NewPortAllocator(hsCount, ssCount int) *PortAllocator {
	return &PortAllocator{
		hsBase:  0,
		hsCount: hsCount,
		ssBase:  hsCount,
		ssCount: ssCount,
		hsBits:  make([]atomic.Uint64, words(hsCount)),
		ssBits:  make([]atomic.Uint64, words(ssCount)),
	}
}

func words(n int) int {
	return (n + 63) / 64
}

// ErrPortExhausted is returned when no free port remains in the speed
// class's range.
type ErrPortExhausted struct{ HighSpeed bool }

func (e ErrPortExhausted) Error() string {
	if e.HighSpeed {
		return "vhci: no free port in the HS range"
	}
	return "vhci: no free port in the SS range"
}

// Allocate reserves and returns a free port for the given device
// speed, or ErrPortExhausted if that speed class's range is full.
func (a *PortAllocator) Allocate(speed wire.Speed) (int, error) {
	if speed.IsSuperSpeedOrBetter() {
		idx, ok := allocateFrom(a.ssBits, a.ssCount)
		if !ok {
			return 0, ErrPortExhausted{HighSpeed: false}
		}
		return a.ssBase + idx, nil
	}
	idx, ok := allocateFrom(a.hsBits, a.hsCount)
	if !ok {
		return 0, ErrPortExhausted{HighSpeed: true}
	}
	return a.hsBase + idx, nil
}

// Free returns port to its range's pool. Freeing a port not currently
// allocated is a no-op.
func (a *PortAllocator) Free(port int) {
	if port >= a.ssBase && port < a.ssBase+a.ssCount {
		freeAt(a.ssBits, port-a.ssBase)
		return
	}
	if port >= a.hsBase && port < a.hsBase+a.hsCount {
		freeAt(a.hsBits, port-a.hsBase)
	}
}

func allocateFrom(bits []atomic.Uint64, count int) (int, bool) {
	for w := range bits {
		for {
			old := bits[w].Load()
			if old == ^uint64(0) {
				break // word full, try next
			}
			bit := firstZeroBit(old)
			idx := w*64 + bit
			if idx >= count {
				break
			}
			if bits[w].CompareAndSwap(old, old|(1<<uint(bit))) {
				return idx, true
			}
			// lost the race, retry this word
		}
	}
	return 0, false
}

func freeAt(bits []atomic.Uint64, idx int) {
	w, bit := idx/64, idx%64
	if w >= len(bits) {
		return
	}
	for {
		old := bits[w].Load()
		if bits[w].CompareAndSwap(old, old&^(1<<uint(bit))) {
			return
		}
	}
}

func firstZeroBit(v uint64) int {
	for i := 0; i < 64; i++ {
		if v&(1<<uint(i)) == 0 {
			return i
		}
	}
	return 64
}
