package vhci

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/usbip"
	"github.com/usbshare/usbshare/internal/wire"
)

// Platform is the narrow set of OS-level operations the manager needs:
// creating the kernel/bridge socket pair and writing the sysfs attach/
// detach records. A real implementation lives behind a linux build
// tag; everywhere else gets a stub that reports ErrUnsupportedPlatform,
// matching the Non-goal that full client-side virtualisation outside
// the USB/IP VHCI contract is out of scope.
type Platform interface {
	NewSocketPair() (kernelFd int, bridge io.ReadWriteCloser, err error)
	WriteAttach(record string) error
	WriteDetach(record string) error
}

// DeviceProxy is what the manager needs from a device's session-side
// representation: its static info, and the same narrow submit/cancel
// surface usbip.Emulator drives.
type DeviceProxy interface {
	usbip.Submitter
	Info() wire.DeviceInfo
}

// Manager owns every virtual device attached on this client: port
// allocation, sysfs attach/detach, and each device's submit-loop
// lifecycle.
type Manager struct {
	platform Platform
	alloc    *PortAllocator
	log      *logger.Logger

	mu      sync.Mutex
	devices map[wire.DeviceHandle]*managedDevice
	nextDev uint32
}

type managedDevice struct {
	vd     *VirtualDevice
	bridge io.ReadWriteCloser
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a Manager over the given platform hooks and port
// ranges.
func NewManager(platform Platform, hsPorts, ssPorts int, log *logger.Logger) *Manager {
	return &Manager{
		platform: platform,
		alloc:    NewPortAllocator(hsPorts, ssPorts),
		log:      log,
		devices:  make(map[wire.DeviceHandle]*managedDevice),
	}
}

// AttachDevice allocates a port, creates the socket pair, writes the
// import handshake, attaches via sysfs, and starts the device's submit
// loop. Per §5, the sysfs attach is never executed before the import
// handshake has been written to the kernel-facing socket in full.
func (m *Manager) AttachDevice(ctx context.Context, handle wire.DeviceHandle, proxy DeviceProxy) (*VirtualDevice, error) {
	info := proxy.Info()

	port, err := m.alloc.Allocate(info.Speed)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextDev++
	devid := m.nextDev
	m.mu.Unlock()

	vd := NewVirtualDevice(handle, port, devid, info)

	kernelFd, bridge, err := m.platform.NewSocketPair()
	if err != nil {
		m.alloc.Free(port)
		return nil, fmt.Errorf("vhci: create socket pair: %w", err)
	}
	vd.KernelFd = kernelFd

	if err := usbip.WriteImportHandshake(bridge, port, devid, info); err != nil {
		bridge.Close()
		m.alloc.Free(port)
		return nil, fmt.Errorf("vhci: write import handshake: %w", err)
	}
	if err := vd.transition(HandshakeSent); err != nil {
		bridge.Close()
		m.alloc.Free(port)
		return nil, err
	}

	record := AttachRecord(port, usbip.SpeedCode(info.Speed), devid, kernelFd)
	if err := m.platform.WriteAttach(record); err != nil {
		bridge.Close()
		m.alloc.Free(port)
		return nil, fmt.Errorf("vhci: write attach record: %w", err)
	}
	if err := vd.transition(KernelAttached); err != nil {
		bridge.Close()
		m.alloc.Free(port)
		return nil, err
	}
	if err := vd.transition(Active); err != nil {
		bridge.Close()
		m.alloc.Free(port)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	md := &managedDevice{vd: vd, bridge: bridge, cancel: cancel, done: make(chan struct{})}

	emulator := usbip.NewEmulator(devid, proxy)
	go func() {
		defer close(md.done)
		if err := emulator.Run(runCtx, bridge); err != nil && m.log != nil {
			m.log.Debug(' ', "vhci: submit loop for handle %v ended: %v", handle, err)
		}
	}()

	m.mu.Lock()
	m.devices[handle] = md
	m.mu.Unlock()

	return vd, nil
}

// DetachDevice writes the detach record, stops the submit loop, joins
// it, closes the bridge socket, and returns the port to the pool.
func (m *Manager) DetachDevice(handle wire.DeviceHandle) error {
	m.mu.Lock()
	md, ok := m.devices[handle]
	if ok {
		delete(m.devices, handle)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("vhci: no virtual device for handle %v", handle)
	}
	return m.detach(md)
}

func (m *Manager) detach(md *managedDevice) error {
	if err := md.vd.transition(Detaching); err != nil {
		return err
	}

	record := DetachRecord(md.vd.Port)
	writeErr := m.platform.WriteDetach(record)

	// Closing the bridge socket is what actually unblocks the submit
	// loop's pending Read; cancelling ctx only stops in-flight Submit
	// calls from starting new work.
	md.cancel()
	md.bridge.Close()
	<-md.done

	_ = md.vd.transition(Freed)
	m.alloc.Free(md.vd.Port)

	return writeErr
}

// DetachAll detaches every virtual device currently managed, for
// abrupt session loss: every device is detached, freeing its port,
// before the caller marks the session gone, so the kernel's USB stack
// sees clean disconnects rather than a hung bus.
func (m *Manager) DetachAll() {
	m.mu.Lock()
	all := make([]*managedDevice, 0, len(m.devices))
	for handle, md := range m.devices {
		all = append(all, md)
		delete(m.devices, handle)
	}
	m.mu.Unlock()

	for _, md := range all {
		if err := m.detach(md); err != nil && m.log != nil {
			m.log.Error(' ', "vhci: detach during teardown: %v", err)
		}
	}
}

// Get returns the virtual device for handle, if attached.
func (m *Manager) Get(handle wire.DeviceHandle) (*VirtualDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.devices[handle]
	if !ok {
		return nil, false
	}
	return md.vd, true
}
