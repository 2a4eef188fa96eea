package vhci

import (
	"fmt"
	"sync"

	"github.com/usbshare/usbshare/internal/wire"
)

// State is a virtual device's lifecycle position, per §5: Allocated →
// HandshakeSent → KernelAttached → Active → Detaching → Freed.
type State int

const (
	Allocated State = iota
	HandshakeSent
	KernelAttached
	Active
	Detaching
	Freed
)

func (s State) String() string {
	switch s {
	case Allocated:
		return "allocated"
	case HandshakeSent:
		return "handshake-sent"
	case KernelAttached:
		return "kernel-attached"
	case Active:
		return "active"
	case Detaching:
		return "detaching"
	case Freed:
		return "freed"
	default:
		return "unknown"
	}
}

var transitions = map[State]map[State]bool{
	Allocated:     {HandshakeSent: true, Freed: true},
	HandshakeSent: {KernelAttached: true, Freed: true},
	KernelAttached: {Active: true, Freed: true},
	Active:        {Detaching: true},
	Detaching:     {Freed: true},
	Freed:         {},
}

// ErrInvalidTransition reports an attempted move the state machine
// does not allow.
type ErrInvalidTransition struct{ From, To State }

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("vhci: invalid transition %s -> %s", e.From, e.To)
}

// VirtualDevice is the client-side handle for one attached device, per
// §3's "Virtual-device state (client)".
type VirtualDevice struct {
	Handle   wire.DeviceHandle
	Port     int
	Devid    uint32
	Info     wire.DeviceInfo
	KernelFd int

	mu    sync.Mutex
	state State

	nextRequestID uint64
}

// NewVirtualDevice constructs a device in the Allocated state.
func NewVirtualDevice(handle wire.DeviceHandle, port int, devid uint32, info wire.DeviceInfo) *VirtualDevice {
	return &VirtualDevice{Handle: handle, Port: port, Devid: devid, Info: info, state: Allocated}
}

// State returns the device's current lifecycle state.
func (d *VirtualDevice) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// transition moves the device to "to" if the move is legal.
func (d *VirtualDevice) transition(to State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !transitions[d.state][to] {
		return ErrInvalidTransition{From: d.state, To: to}
	}
	d.state = to
	return nil
}

// NextRequestID returns the next monotonically increasing request id
// for this device's seqnum space, per §3's "monotonic request-id
// counter". IDs are never reused.
func (d *VirtualDevice) NextRequestID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextRequestID++
	return d.nextRequestID
}
