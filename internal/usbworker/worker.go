// Package usbworker implements the USB worker & bridge (§4.2): the
// single dedicated OS thread that owns the USB context, reachable from
// the rest of usbshare only through two bounded channels.
package usbworker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"

	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/usberr"
	"github.com/usbshare/usbshare/internal/wire"
)

// QueueCapacity bounds both the command and event channels (§4.2, §9:
// "chosen to buffer ~one USB 2.0 frame of outstanding bulk work
// without unbounded memory growth").
const QueueCapacity = 256

// pollInterval is how often the worker diffs the USB bus inventory to
// detect hot-plug, in the absence of a native hotplug callback in
// google/gousb (grounded on the teacher's PnPStart poll/diff loop).
const pollInterval = 500 * time.Millisecond

// eventServiceWait bounds how long one iteration of the worker loop
// waits for something to do before looping back to drain commands
// again (§4.2: "service USB events with a bounded wait, ≤100 ms").
const eventServiceWait = 100 * time.Millisecond

// Event is something the worker reports without being asked:
// device arrival/removal, or a submit's eventual completion.
type Event struct {
	DeviceArrived *wire.DeviceInfo
	DeviceRemoved *wire.DeviceId

	CompletedRequestId wire.RequestId
	CompletedResult    wire.TransferResult
	IsCompletion       bool
}

type openDevice struct {
	handle         wire.DeviceHandle
	id             wire.DeviceId
	addr           Addr
	dev            *gousb.Device
	iface          *gousb.Interface
	ifaceDone      func()
	cfg            *gousb.Config
	cfgDone        func()
	info           wire.DeviceInfo

	// valid is read and written from both the worker goroutine and
	// the short-lived per-Submit goroutines that execute transfers,
	// so it is the one openDevice field that cannot be confined to
	// the worker goroutine.
	valid atomic.Bool
}

// Worker owns the USB context and every open device handle. All of
// its state is touched only from the goroutine running Run; external
// callers interact exclusively through Submit-style methods, which
// send on the bounded command channel and wait on a one-shot reply.
type Worker struct {
	log *logger.Logger

	ctx *gousb.Context

	commands chan func(*workerState)
	events   chan Event

	nextHandle wire.DeviceHandle
	nextDevId  wire.DeviceId

	mu sync.Mutex // guards only the two maps below, read by public helper methods
	devByAddr  map[Addr]*openDevice
	devByHandle map[wire.DeviceHandle]*openDevice
}

// workerState is the mutable state visible only inside Run's
// goroutine — addr inventory and the hotplug-enabled flag don't need
// the mutex since nothing outside Run touches them.
type workerState struct {
	w             *Worker
	addrs         AddrList
	hotplugOn     bool
	maxTransferLen uint32
}

// New creates a Worker. Call Run in a dedicated goroutine before using
// any other method.
func New(log *logger.Logger) (*Worker, error) {
	ctx := gousb.NewContext()

	w := &Worker{
		log:         log,
		ctx:         ctx,
		commands:    make(chan func(*workerState), QueueCapacity),
		events:      make(chan Event, QueueCapacity),
		devByAddr:   make(map[Addr]*openDevice),
		devByHandle: make(map[wire.DeviceHandle]*openDevice),
	}

	return w, nil
}

// Events returns the worker's event channel. Subscribe before calling
// RegisterHotplug so no arrival is lost.
func (w *Worker) Events() <-chan Event { return w.events }

// Run drives the worker loop until ctx is cancelled. It must run on
// its own goroutine for the worker's lifetime — this is the "single
// dedicated OS thread" of §4.2/§5; LockOSThread keeps it from being
// rescheduled onto shared M's that the Go runtime might otherwise use
// for cooperative async work.
func (w *Worker) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.ctx.Close()

	st := &workerState{w: w, maxTransferLen: wire.DefaultMaxPayloadSize}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdownAll(st)
			return

		case cmd := <-w.commands:
			cmd(st)

		case <-ticker.C:
			if st.hotplugOn {
				w.pollOnce(st)
			}

		case <-time.After(eventServiceWait):
			// Nothing arrived within the bounded wait; loop back
			// to re-check commands. Exists so a quiet bus never
			// delays command draining beyond eventServiceWait.
		}
	}
}

func (w *Worker) pollOnce(st *workerState) {
	next := currentAddrs(w.ctx)
	added, removed := st.addrs.Diff(next)
	st.addrs = next

	for _, a := range added {
		w.openArrived(st, a)
	}
	for _, a := range removed {
		w.closeRemoved(st, a)
	}
}

// currentAddrs enumerates the bus/address of every attached device
// without opening any of them: OpenDevices calls the filter for every
// descriptor it sees and only opens the ones the filter accepts, so an
// always-false filter is a cheap, side-effect-free enumeration.
func currentAddrs(ctx *gousb.Context) AddrList {
	var list AddrList
	ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		list.add(Addr{Bus: desc.Bus, Address: desc.Address})
		return false
	})
	return list
}

func (w *Worker) openArrived(st *workerState, a Addr) {
	devs, err := w.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == a.Bus && desc.Address == a.Address
	})
	if err != nil || len(devs) == 0 {
		return
	}
	dev := devs[0]

	w.log.Info(' ', "usb: %s arrived", a)

	w.nextDevId++
	id := w.nextDevId
	info := describe(id, dev)

	od := &openDevice{id: id, addr: a, dev: dev, info: info}
	od.valid.Store(true)

	w.mu.Lock()
	w.devByAddr[a] = od
	w.mu.Unlock()

	select {
	case w.events <- Event{DeviceArrived: &info}:
	default:
		w.log.Error(' ', "usb: event queue full, dropped arrival of %s", a)
	}
}

func (w *Worker) closeRemoved(st *workerState, a Addr) {
	w.mu.Lock()
	od, ok := w.devByAddr[a]
	if ok {
		delete(w.devByAddr, a)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	w.log.Info(' ', "usb: %s removed", a)
	od.valid.Store(false)
	id := od.id

	select {
	case w.events <- Event{DeviceRemoved: &id}:
	default:
		w.log.Error(' ', "usb: event queue full, dropped removal of %s", a)
	}

	w.releaseDevice(od)
}

func (w *Worker) releaseDevice(od *openDevice) {
	if od.ifaceDone != nil {
		od.ifaceDone()
	}
	if od.cfgDone != nil {
		od.cfgDone()
	}
	if od.dev != nil {
		od.dev.Close()
	}
}

func (w *Worker) shutdownAll(st *workerState) {
	w.mu.Lock()
	devs := make([]*openDevice, 0, len(w.devByHandle))
	for _, od := range w.devByHandle {
		devs = append(devs, od)
	}
	w.devByHandle = map[wire.DeviceHandle]*openDevice{}
	w.devByAddr = map[Addr]*openDevice{}
	w.mu.Unlock()

	for _, od := range devs {
		w.releaseDevice(od)
	}
}

// do submits fn to run inside the worker goroutine and blocks for its
// result. Used by every exported operation below to funnel state
// mutation through the single owning goroutine.
func (w *Worker) do(fn func(*workerState)) {
	done := make(chan struct{})
	w.commands <- func(st *workerState) {
		fn(st)
		close(done)
	}
	<-done
}

// ListDevices returns a snapshot of every currently-arrived device.
func (w *Worker) ListDevices() []wire.DeviceInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]wire.DeviceInfo, 0, len(w.devByAddr))
	for _, od := range w.devByAddr {
		out = append(out, od.info)
	}
	return out
}

// RegisterHotplug enables arrival/removal polling. Call it only after
// the caller has started consuming Events(): the baseline starts empty
// so the very first poll reports every device already on the bus as an
// arrival, the way the teacher's PnPStart reports the initial USB
// inventory as a batch of arrivals rather than silently absorbing it.
func (w *Worker) RegisterHotplug() {
	w.do(func(st *workerState) {
		if !st.hotplugOn {
			st.addrs = nil
			st.hotplugOn = true
		}
	})
}

// Open claims the given device for exclusive transfer use, detaching
// any bound kernel driver. Returns the fresh DeviceHandle.
func (w *Worker) Open(id wire.DeviceId) (wire.DeviceHandle, error) {
	var handle wire.DeviceHandle
	var opErr error

	w.do(func(st *workerState) {
		w.mu.Lock()
		var od *openDevice
		for _, cand := range w.devByAddr {
			if cand.id == id {
				od = cand
				break
			}
		}
		w.mu.Unlock()

		if od == nil || !od.valid.Load() {
			opErr = usberr.New("open", usberr.NotFound, fmt.Errorf("device %d not found", id))
			return
		}

		od.dev.SetAutoDetach(true)

		cfgNum, err := od.dev.ActiveConfigNum()
		if err != nil {
			cfgNum = 1
		}
		cfg, err := od.dev.Config(cfgNum)
		if err != nil {
			opErr = usberr.New("open", usberr.Access, err)
			return
		}

		iface, done, err := firstInterface(cfg)
		if err != nil {
			cfg.Close()
			opErr = usberr.New("open", usberr.Access, err)
			return
		}

		w.nextHandle++
		handle = w.nextHandle

		od.handle = handle
		od.cfg = cfg
		od.cfgDone = cfg.Close
		od.iface = iface
		od.ifaceDone = done

		w.mu.Lock()
		w.devByHandle[handle] = od
		w.mu.Unlock()
	})

	return handle, opErr
}

func firstInterface(cfg *gousb.Config) (*gousb.Interface, func(), error) {
	for _, ifDesc := range cfg.Desc.Interfaces {
		alt := ifDesc.AltSettings[0]
		iface, err := cfg.Interface(ifDesc.Number, alt.Alternate)
		if err == nil {
			return iface, iface.Close, nil
		}
	}
	return nil, nil, fmt.Errorf("no claimable interface")
}

// Close releases a handle, re-attaching the kernel driver
// (best-effort: gousb's SetAutoDetach already re-attaches on Close).
func (w *Worker) Close(handle wire.DeviceHandle) {
	w.do(func(st *workerState) {
		w.mu.Lock()
		od, ok := w.devByHandle[handle]
		if ok {
			delete(w.devByHandle, handle)
		}
		w.mu.Unlock()

		if !ok {
			return
		}

		if od.ifaceDone != nil {
			od.ifaceDone()
			od.ifaceDone = nil
		}
		if od.cfgDone != nil {
			od.cfgDone()
			od.cfgDone = nil
		}
	})
}

// Submit validates and accepts a transfer request for handle, then
// executes it on a short-lived goroutine and reports the eventual
// result via an AsyncTransferComplete-style Event (Event.IsCompletion).
// gousb's Device/Endpoint methods are safe for concurrent use — the
// library runs its own internal event-handling goroutine — so this
// does not reintroduce the cross-thread hazard the single dedicated
// goroutine exists to avoid; only the handle table and addr inventory
// are confined to that goroutine.
func (w *Worker) Submit(handle wire.DeviceHandle, id wire.RequestId, req wire.TransferRequest) error {
	var od *openDevice
	var acceptErr error

	w.do(func(st *workerState) {
		w.mu.Lock()
		cand, ok := w.devByHandle[handle]
		w.mu.Unlock()

		if !ok || !cand.valid.Load() {
			acceptErr = usberr.New("submit", usberr.NotFound, fmt.Errorf("handle %d not found", handle))
			return
		}
		if err := req.Validate(st.maxTransferLen); err != nil {
			acceptErr = err
			return
		}
		od = cand
	})

	if acceptErr != nil {
		return acceptErr
	}

	go func() {
		result := performTransfer(od, req)
		if !result.Ok && result.Kind == usberr.NoDevice {
			od.valid.Store(false)
		}

		select {
		case w.events <- Event{IsCompletion: true, CompletedRequestId: id, CompletedResult: result}:
		default:
			w.log.Error(' ', "usb: event queue full, dropped completion for request %d", id)
		}
	}()

	return nil
}

// Cancel reports whether request id could be preempted before
// completion. gousb's endpoint transfers are synchronous system calls
// once dispatched to performTransfer's goroutine; there is no handle to
// interrupt one mid-flight short of closing the device, which would
// also fail every other in-flight transfer on it. Cancel therefore
// always returns false: cancellation of an already-dispatched transfer
// is left to the transfer's own TimeoutMs expiring, per §4.4's
// "synchronous USB cancellation semantics are device-dependent".
func (w *Worker) Cancel(handle wire.DeviceHandle, id wire.RequestId) bool {
	return false
}
