// Package registry implements the server-side device registry (§4.3):
// the mapping from DeviceId to the physical device it names, from
// (session, DeviceHandle) back to DeviceId, and the fan-out of
// arrival/removal notifications and submitted-transfer completions
// to the sessions that should receive them.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/usbworker"
	"github.com/usbshare/usbshare/internal/wire"
)

// SessionId identifies one peer session. A session's identity is its
// peer's cryptographic EndpointId (internal/transport); there is one
// session per peer, so the two coincide.
type SessionId = wire.EndpointId

// SharingMode controls how many sessions may hold a live attachment to
// the same physical device at once.
type SharingMode int

const (
	// Exclusive permits exactly one attaching session at a time; a
	// second AttachReq is rejected with ErrAlreadyAttached.
	Exclusive SharingMode = iota
	// Shared permits multiple sessions to attach concurrently. Nothing
	// in this package arbitrates concurrent transfers between them —
	// that is left to the device itself, same as two local processes
	// opening the same device node.
	Shared
)

// DefaultAggregationWindow batches hot-plug notification bursts before
// fan-out, so a multi-interface composite device's simultaneous
// arrivals don't flicker the UI one event at a time (§4.3).
const DefaultAggregationWindow = 50 * time.Millisecond

// PolicyChecker decides whether a session may attach a device and
// which sharing mode a device is subject to. It is satisfied by
// internal/policy's Engine; kept as a narrow interface here so the
// registry never imports the policy package directly.
type PolicyChecker interface {
	Allow(session SessionId, info wire.DeviceInfo) bool
	SharingModeFor(info wire.DeviceInfo) SharingMode
}

// AllowAllPolicy is the zero-configuration policy: every session may
// attach every device, exclusively.
type AllowAllPolicy struct{}

// Allow implements PolicyChecker.
func (AllowAllPolicy) Allow(SessionId, wire.DeviceInfo) bool { return true }

// SharingModeFor implements PolicyChecker.
func (AllowAllPolicy) SharingModeFor(wire.DeviceInfo) SharingMode { return Exclusive }

// Notification is one arrival or removal event, batched and fanned out
// to subscribed sessions.
type Notification struct {
	Arrived *wire.DeviceInfo
	Removed *wire.DeviceId
}

// Completion is a submitted transfer's eventual result, routed to
// whichever session issued the Submit that produced RequestId.
type Completion struct {
	RequestId wire.RequestId
	Result    wire.TransferResult
}

// SessionFeed is what a session reads from after subscribing: batched
// hot-plug notifications and, separately and without batching,
// transfer completions for requests it submitted.
type SessionFeed struct {
	Notifications <-chan []Notification
	Completions   <-chan Completion
}

type physicalDevice struct {
	info     wire.DeviceInfo
	mode     SharingMode
	attached map[SessionId]wire.DeviceHandle
}

type attachKey struct {
	session SessionId
	handle  wire.DeviceHandle
}

// deviceWorker is the slice of *usbworker.Worker the registry needs.
// Depending on the interface rather than the concrete type lets tests
// exercise attach/detach/policy bookkeeping against a fake, without a
// real USB context.
type deviceWorker interface {
	ListDevices() []wire.DeviceInfo
	Open(wire.DeviceId) (wire.DeviceHandle, error)
	Close(wire.DeviceHandle)
	Submit(wire.DeviceHandle, wire.RequestId, wire.TransferRequest) error
	Cancel(wire.DeviceHandle, wire.RequestId) bool
	Events() <-chan usbworker.Event
}

// Registry is the server-side bookkeeping layer between the session
// layer and the USB worker.
type Registry struct {
	worker deviceWorker
	policy PolicyChecker
	log    *logger.Logger

	aggregationWindow time.Duration

	mu          sync.Mutex
	devices     map[wire.DeviceId]*physicalDevice
	attachments map[attachKey]wire.DeviceId
	requestedBy map[wire.RequestId]SessionId

	subMu           sync.Mutex
	notifications   map[SessionId]chan []Notification
	completions     map[SessionId]chan Completion

	pendingMu sync.Mutex
	pending   []Notification
}

// New builds a Registry fed by worker's event stream. Call Run to
// start consuming it, on its own goroutine.
func New(worker deviceWorker, policy PolicyChecker, log *logger.Logger) *Registry {
	if policy == nil {
		policy = AllowAllPolicy{}
	}

	r := &Registry{
		worker:            worker,
		policy:            policy,
		log:               log,
		aggregationWindow: DefaultAggregationWindow,
		devices:           make(map[wire.DeviceId]*physicalDevice),
		attachments:       make(map[attachKey]wire.DeviceId),
		requestedBy:       make(map[wire.RequestId]SessionId),
		notifications:     make(map[SessionId]chan []Notification),
		completions:       make(map[SessionId]chan Completion),
	}

	for _, info := range worker.ListDevices() {
		r.devices[info.Id] = &physicalDevice{
			info:     info,
			mode:     policy.SharingModeFor(info),
			attached: make(map[SessionId]wire.DeviceHandle),
		}
	}

	return r
}

// Run consumes worker hot-plug and completion events until the
// worker's Events channel closes (i.e. until the worker's Run
// returns). It should run on its own goroutine.
func (r *Registry) Run() {
	ticker := time.NewTicker(r.aggregationWindow)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-r.worker.Events():
			if !ok {
				return
			}
			r.handleWorkerEvent(ev)

		case <-ticker.C:
			r.flushPending()
		}
	}
}

func (r *Registry) handleWorkerEvent(ev usbworker.Event) {
	switch {
	case ev.DeviceArrived != nil:
		r.handleArrived(*ev.DeviceArrived)
	case ev.DeviceRemoved != nil:
		r.handleRemoved(*ev.DeviceRemoved)
	case ev.IsCompletion:
		r.handleCompletion(ev.CompletedRequestId, ev.CompletedResult)
	}
}

func (r *Registry) handleArrived(info wire.DeviceInfo) {
	r.mu.Lock()
	r.devices[info.Id] = &physicalDevice{
		info:     info,
		mode:     r.policy.SharingModeFor(info),
		attached: make(map[SessionId]wire.DeviceHandle),
	}
	r.mu.Unlock()

	r.queue(Notification{Arrived: &info})
}

func (r *Registry) handleRemoved(id wire.DeviceId) {
	r.mu.Lock()
	delete(r.devices, id)
	for key, devId := range r.attachments {
		if devId == id {
			delete(r.attachments, key)
		}
	}
	r.mu.Unlock()

	r.queue(Notification{Removed: &id})
}

func (r *Registry) handleCompletion(id wire.RequestId, result wire.TransferResult) {
	r.mu.Lock()
	session, ok := r.requestedBy[id]
	if ok {
		delete(r.requestedBy, id)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Error(' ', "registry: completion for unknown request %d", id)
		return
	}

	r.subMu.Lock()
	ch, ok := r.completions[session]
	r.subMu.Unlock()

	if !ok {
		return
	}

	select {
	case ch <- Completion{RequestId: id, Result: result}:
	default:
		r.log.Error(' ', "registry: completion channel full for session %s, dropping request %d", session, id)
	}
}

func (r *Registry) queue(n Notification) {
	r.pendingMu.Lock()
	r.pending = append(r.pending, n)
	r.pendingMu.Unlock()
}

func (r *Registry) flushPending() {
	r.pendingMu.Lock()
	if len(r.pending) == 0 {
		r.pendingMu.Unlock()
		return
	}
	batch := r.pending
	r.pending = nil
	r.pendingMu.Unlock()

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for session, ch := range r.notifications {
		select {
		case ch <- batch:
		default:
			r.log.Error(' ', "registry: notification channel full for session %s, dropping batch of %d", session, len(batch))
		}
	}
}

// Subscribe registers session to receive future arrival/removal
// batches and transfer completions. Call Unsubscribe when the session
// closes.
func (r *Registry) Subscribe(session SessionId) *SessionFeed {
	notif := make(chan []Notification, 16)
	comp := make(chan Completion, 256)

	r.subMu.Lock()
	r.notifications[session] = notif
	r.completions[session] = comp
	r.subMu.Unlock()

	return &SessionFeed{Notifications: notif, Completions: comp}
}

// Unsubscribe stops delivering notifications and completions to
// session.
func (r *Registry) Unsubscribe(session SessionId) {
	r.subMu.Lock()
	if ch, ok := r.notifications[session]; ok {
		delete(r.notifications, session)
		close(ch)
	}
	if ch, ok := r.completions[session]; ok {
		delete(r.completions, session)
		close(ch)
	}
	r.subMu.Unlock()
}

// ListDevices returns every currently-known device, regardless of
// attachment state.
func (r *Registry) ListDevices() []wire.DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]wire.DeviceInfo, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.info)
	}
	return out
}

// DeviceSnapshot is one device's point-in-time attachment state, for
// the status/control socket and the server TUI's device table.
type DeviceSnapshot struct {
	Info        wire.DeviceInfo
	Mode        SharingMode
	AttachedBy  []SessionId
}

// Snapshot returns every known device together with which sessions
// currently hold it attached, read-only state the ctrlsock/tui
// collaborators render without touching worker or transport state.
func (r *Registry) Snapshot() []DeviceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]DeviceSnapshot, 0, len(r.devices))
	for _, d := range r.devices {
		s := DeviceSnapshot{Info: d.info, Mode: d.mode}
		for session := range d.attached {
			s.AttachedBy = append(s.AttachedBy, session)
		}
		out = append(out, s)
	}
	return out
}

var (
	// ErrDeviceNotFound is returned by Attach when DeviceId names no
	// currently-known device.
	ErrDeviceNotFound = fmt.Errorf("registry: device not found")
	// ErrAlreadyAttached is returned by Attach when an Exclusive
	// device already has a different attaching session.
	ErrAlreadyAttached = fmt.Errorf("registry: device already attached")
	// ErrNotAllowed is returned by Attach when policy rejects the
	// session for this device.
	ErrNotAllowed = fmt.Errorf("registry: session not permitted to attach this device")
	// ErrHandleNotFound is returned by Detach for an unknown handle.
	ErrHandleNotFound = fmt.Errorf("registry: handle not found")
)

// Attach validates policy and sharing mode, then asks the worker to
// open the device and records the new handle under (session, handle).
func (r *Registry) Attach(session SessionId, id wire.DeviceId) (wire.DeviceHandle, error) {
	r.mu.Lock()
	dev, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return 0, ErrDeviceNotFound
	}

	if !r.policy.Allow(session, dev.info) {
		r.mu.Unlock()
		return 0, ErrNotAllowed
	}

	if dev.mode == Exclusive && len(dev.attached) > 0 {
		if _, already := dev.attached[session]; !already {
			r.mu.Unlock()
			return 0, ErrAlreadyAttached
		}
	}
	r.mu.Unlock()

	handle, err := r.worker.Open(id)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	dev.attached[session] = handle
	r.attachments[attachKey{session: session, handle: handle}] = id
	r.mu.Unlock()

	return handle, nil
}

// Detach releases handle, asking the worker to close it and removing
// the bookkeeping entry.
func (r *Registry) Detach(session SessionId, handle wire.DeviceHandle) error {
	r.mu.Lock()
	id, ok := r.attachments[attachKey{session: session, handle: handle}]
	if !ok {
		r.mu.Unlock()
		return ErrHandleNotFound
	}
	delete(r.attachments, attachKey{session: session, handle: handle})
	if dev, ok := r.devices[id]; ok {
		delete(dev.attached, session)
	}
	r.mu.Unlock()

	r.worker.Close(handle)
	return nil
}

// DetachAll releases every handle session holds, e.g. on session
// close or abrupt connection loss.
func (r *Registry) DetachAll(session SessionId) {
	r.mu.Lock()
	var handles []wire.DeviceHandle
	for key, id := range r.attachments {
		if key.session != session {
			continue
		}
		handles = append(handles, key.handle)
		if dev, ok := r.devices[id]; ok {
			delete(dev.attached, session)
		}
		delete(r.attachments, key)
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.worker.Close(h)
	}
}

// Submit records which session owns RequestId and forwards the
// transfer request to the worker. The eventual result is delivered on
// that session's Completions channel, not returned here.
func (r *Registry) Submit(session SessionId, handle wire.DeviceHandle, id wire.RequestId, req wire.TransferRequest) error {
	r.mu.Lock()
	r.requestedBy[id] = session
	r.mu.Unlock()

	if err := r.worker.Submit(handle, id, req); err != nil {
		r.mu.Lock()
		delete(r.requestedBy, id)
		r.mu.Unlock()
		return err
	}

	return nil
}

// Cancel asks the worker to best-effort cancel an in-flight request,
// mirroring a USB/IP CMD_UNLINK (§4.6). It reports false both when the
// request is not owned by session and when the worker cannot preempt
// it; either way the request's eventual TransferComplete is unaffected
// here — the caller (the session layer) is responsible for deciding
// whether to stop waiting on it locally.
func (r *Registry) Cancel(session SessionId, handle wire.DeviceHandle, id wire.RequestId) bool {
	r.mu.Lock()
	owner, ok := r.requestedBy[id]
	r.mu.Unlock()
	if !ok || owner != session {
		return false
	}
	return r.worker.Cancel(handle, id)
}
