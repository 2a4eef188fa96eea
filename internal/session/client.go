package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/usbshare/usbshare/internal/health"
	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/metrics"
	"github.com/usbshare/usbshare/internal/policy"
	"github.com/usbshare/usbshare/internal/transport"
	"github.com/usbshare/usbshare/internal/usberr"
	"github.com/usbshare/usbshare/internal/vhci"
	"github.com/usbshare/usbshare/internal/wire"
)

// ReconnectBackoffMin and ReconnectBackoffMax bound the client's
// exponential reconnect delay (§5): 1s, 2s, 4s, ... capped at 60s.
const (
	ReconnectBackoffMin = 1 * time.Second
	ReconnectBackoffMax = 60 * time.Second
)

// ErrAuthStage marks a reconnect failure that happened during version
// or peer-identity negotiation rather than at the transport level.
// Scenario E calls for no further reconnect attempts on this class of
// failure, since retrying with backoff can't fix a version or trust
// mismatch.
var ErrAuthStage = errors.New("session: failed during handshake, not transport")

// ClientSession owns one server connection from the client's side: the
// primary control stream, reconnects, heartbeats, device notifications,
// and every virtual device currently attached through vhci.Manager.
type ClientSession struct {
	addr     string
	keyPath  string
	expect   wire.EndpointId
	policy   *policy.Engine
	vhciMgr  *vhci.Manager
	log      *logger.Logger

	pending *pendingTable
	health  *health.Monitor
	metrics *metrics.Counters
	codec   *wire.Codec

	mu      sync.Mutex
	conn    *transport.Connection
	primary *frameStream
	devices map[wire.DeviceHandle]*clientDevice

	hbMu    sync.Mutex
	hbNonce uint64
	hbSent  time.Time
	hbAckCh chan time.Duration

	attachMu   sync.Mutex
	attachWait chan *wire.AttachResp
}

// clientDevice is one attached device's client-side bookkeeping: its
// dedicated data streams (lazily opened per transfer kind, mirroring
// the server's three-stream split) and the virtual device it drives.
type clientDevice struct {
	handle wire.DeviceHandle
	info   wire.DeviceInfo

	mu      sync.Mutex
	streams [3]*frameStream
}

// NewClientSession builds a client session that will dial addr using
// the identity at keyPath, expecting the server to present expectPeer
// (the zero value accepts any peer, e.g. on first contact).
func NewClientSession(addr, keyPath string, expectPeer wire.EndpointId, eng *policy.Engine, vhciMgr *vhci.Manager, log *logger.Logger) *ClientSession {
	return &ClientSession{
		addr:    addr,
		keyPath: keyPath,
		expect:  expectPeer,
		policy:  eng,
		vhciMgr: vhciMgr,
		log:     log,
		pending: newPendingTable(),
		health:  health.NewMonitor(),
		metrics: metrics.New(),
		codec:   wire.NewCodec(),
		devices: make(map[wire.DeviceHandle]*clientDevice),
	}
}

// Metrics exposes the session's transfer counters.
func (s *ClientSession) Metrics() metrics.Snapshot { return s.metrics.Snapshot() }

// Health exposes the session's connection-quality snapshot.
func (s *ClientSession) Health() health.Snapshot { return s.health.Snapshot() }

// Devices returns the info for every device currently attached through
// this session, for the status socket and client TUI.
func (s *ClientSession) Devices() []wire.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]wire.DeviceInfo, 0, len(s.devices))
	for _, cd := range s.devices {
		out = append(out, cd.info)
	}
	return out
}

// Run connects and drives the session, reconnecting with exponential
// backoff on transport failure, until ctx is cancelled or a handshake
// failure (ErrAuthStage) makes retrying pointless.
func (s *ClientSession) Run(ctx context.Context) error {
	backoff := ReconnectBackoffMin
	for {
		err := s.runOnce(ctx)
		s.vhciMgr.DetachAll()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthStage) {
			return err
		}
		if err != nil && s.log != nil {
			s.log.Error(' ', "session: connection to %s lost: %v; retrying in %s", s.addr, err, backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > ReconnectBackoffMax {
			backoff = ReconnectBackoffMax
		}
	}
}

func (s *ClientSession) runOnce(ctx context.Context) error {
	conn, err := transport.Connect(ctx, s.addr, s.keyPath, s.expect)
	if err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	defer conn.Close()

	primaryRW, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("session: open primary stream: %w", err)
	}
	primary := newFrameStream(primaryRW, s.codec)
	defer primary.Close()

	if err := s.negotiateVersion(primary); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthStage, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.primary = primary
	s.mu.Unlock()

	s.health.SetState(health.Connecting)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.pending.CloseAll()

	errC := make(chan error, 1)
	go func() { errC <- s.primaryLoop(ctx, primary) }()
	go s.heartbeatLoop(ctx, primary)

	return <-errC
}

// negotiateVersion sends our version envelope and waits for the
// server's first reply; a version-mismatch Error payload or a decode
// failure both count as a handshake-stage error.
func (s *ClientSession) negotiateVersion(primary *frameStream) error {
	if err := primary.Send(wire.Message{Version: wire.CurrentVersion, Payload: &wire.ListDevicesReq{}}); err != nil {
		return fmt.Errorf("session: send version envelope: %w", err)
	}

	msg, err := primary.Recv()
	if err != nil {
		return fmt.Errorf("session: recv handshake reply: %w", err)
	}
	if errPayload, ok := msg.Payload.(*wire.ErrorPayload); ok {
		return fmt.Errorf("session: %s", errPayload.Message)
	}
	return nil
}

func (s *ClientSession) primaryLoop(ctx context.Context, primary *frameStream) error {
	for {
		msg, err := primary.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := s.handlePrimaryMessage(ctx, msg); err != nil && s.log != nil {
			s.log.Error(' ', "session: %v", err)
		}
	}
}

func (s *ClientSession) handlePrimaryMessage(ctx context.Context, msg wire.Message) error {
	switch p := msg.Payload.(type) {
	case *wire.ListDevicesResp:
		// Attach (triggered below for auto-attach matches) waits for
		// primaryLoop to deliver its AttachResp, so it must run off this
		// goroutine rather than block it.
		go s.handleListDevices(ctx, p.Devices)
		return nil

	case *wire.DeviceArrivedNotification:
		go s.handleDeviceArrived(ctx, p.Info)
		return nil

	case *wire.DeviceRemovedNotification:
		go s.handleDeviceRemoved(p.Id)
		return nil

	case *wire.Heartbeat:
		return s.primary.Send(wire.Message{Version: wire.CurrentVersion, Payload: &wire.HeartbeatAck{Nonce: p.Nonce}})

	case *wire.HeartbeatAck:
		s.handleHeartbeatAck(p.Nonce)
		return nil

	case *wire.AttachResp:
		s.deliverAttachResp(p)
		return nil

	case *wire.DetachResp:
		// Detach doesn't wait on the server's acknowledgement: the
		// virtual device is already torn down locally by the time the
		// request is sent, so there's nothing left to correlate this
		// against.
		return nil

	default:
		return fmt.Errorf("unexpected payload on primary stream: %T", p)
	}
}

func (s *ClientSession) handleHeartbeatAck(nonce uint64) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if nonce != s.hbNonce || s.hbAckCh == nil {
		return
	}
	rtt := time.Since(s.hbSent)
	select {
	case s.hbAckCh <- rtt:
	default:
	}
	s.hbAckCh = nil
}

func (s *ClientSession) heartbeatLoop(ctx context.Context, primary *frameStream) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.sendHeartbeatAndWait(ctx, primary) == health.Disconnected {
				return
			}
		}
	}
}

func (s *ClientSession) sendHeartbeatAndWait(ctx context.Context, primary *frameStream) health.State {
	s.hbMu.Lock()
	s.hbNonce++
	nonce := s.hbNonce
	ackCh := make(chan time.Duration, 1)
	s.hbAckCh = ackCh
	s.hbSent = time.Now()
	s.hbMu.Unlock()

	if err := primary.Send(wire.Message{Version: wire.CurrentVersion, Payload: &wire.Heartbeat{Nonce: nonce}}); err != nil {
		return s.health.MissedHeartbeat()
	}

	select {
	case rtt := <-ackCh:
		s.health.RecordRTT(rtt)
		return s.health.State()
	case <-time.After(HeartbeatTimeout):
		return s.health.MissedHeartbeat()
	case <-ctx.Done():
		return s.health.State()
	}
}

// handleListDevices auto-attaches every device matching the policy
// engine's auto-attach patterns, mirroring what handleDeviceArrived
// does for devices that show up after the initial listing.
func (s *ClientSession) handleListDevices(ctx context.Context, devices []wire.DeviceInfo) {
	for _, info := range devices {
		if s.policy != nil && s.policy.ShouldAutoAttach(info) {
			if err := s.attachAndMount(ctx, info); err != nil && s.log != nil {
				s.log.Error(' ', "session: auto-attach %04x:%04x: %v", info.VendorId, info.ProductId, err)
			}
		}
	}
}

func (s *ClientSession) handleDeviceArrived(ctx context.Context, info wire.DeviceInfo) {
	if s.policy == nil || !s.policy.ShouldAutoAttach(info) {
		return
	}
	if err := s.attachAndMount(ctx, info); err != nil && s.log != nil {
		s.log.Error(' ', "session: auto-attach %04x:%04x: %v", info.VendorId, info.ProductId, err)
	}
}

func (s *ClientSession) handleDeviceRemoved(id wire.DeviceId) {
	s.mu.Lock()
	var handle wire.DeviceHandle
	var found bool
	for h, cd := range s.devices {
		if cd.info.Id == id {
			handle, found = h, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return
	}
	if err := s.Detach(handle); err != nil && s.log != nil {
		s.log.Error(' ', "session: detach on removal of device %d: %v", id, err)
	}
}

// Attach requests the device named by id, and on success starts its
// virtual-device submit loop through vhciMgr. The returned handle
// identifies the device for Detach and for Submit/Cancel routing.
//
// Only one Attach call may be outstanding at a time per session: the
// response is correlated through primaryLoop, the stream's single
// reader, rather than by a second goroutine racing it for Recv.
func (s *ClientSession) Attach(ctx context.Context, id wire.DeviceId) (wire.DeviceHandle, error) {
	s.mu.Lock()
	primary := s.primary
	s.mu.Unlock()
	if primary == nil {
		return 0, fmt.Errorf("session: not connected")
	}

	s.attachMu.Lock()
	waitCh := make(chan *wire.AttachResp, 1)
	s.attachWait = waitCh
	s.attachMu.Unlock()

	if err := primary.Send(wire.Message{Version: wire.CurrentVersion, Payload: &wire.AttachReq{DeviceId: id}}); err != nil {
		return 0, fmt.Errorf("session: send attach: %w", err)
	}

	select {
	case resp := <-waitCh:
		if !resp.Ok {
			return 0, fmt.Errorf("session: attach refused: %s", resp.ErrMsg)
		}
		return resp.Handle, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *ClientSession) deliverAttachResp(resp *wire.AttachResp) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	if s.attachWait == nil {
		return
	}
	select {
	case s.attachWait <- resp:
	default:
	}
	s.attachWait = nil
}

// attachAndMount attaches info by id and wires the resulting handle
// into vhciMgr so the kernel sees a virtual device.
func (s *ClientSession) attachAndMount(ctx context.Context, info wire.DeviceInfo) error {
	handle, err := s.Attach(ctx, info.Id)
	if err != nil {
		return err
	}

	cd := &clientDevice{handle: handle, info: info}
	s.mu.Lock()
	s.devices[handle] = cd
	s.mu.Unlock()

	proxy := &clientDeviceProxy{session: s, device: cd}
	if _, err := s.vhciMgr.AttachDevice(ctx, handle, proxy); err != nil {
		s.mu.Lock()
		delete(s.devices, handle)
		s.mu.Unlock()
		return fmt.Errorf("session: mount virtual device: %w", err)
	}
	return nil
}

// Detach releases handle on the server and tears down its virtual
// device locally.
func (s *ClientSession) Detach(handle wire.DeviceHandle) error {
	s.mu.Lock()
	primary := s.primary
	delete(s.devices, handle)
	s.mu.Unlock()

	detachErr := s.vhciMgr.DetachDevice(handle)

	if primary == nil {
		return detachErr
	}
	if err := primary.Send(wire.Message{Version: wire.CurrentVersion, Payload: &wire.DetachReq{Handle: handle}}); err != nil {
		return err
	}
	return detachErr
}

// deviceStream lazily opens (or reuses) the frameStream for kind on
// cd, opening a new QUIC stream the first time a transfer of that
// kind is submitted for this handle.
func (s *ClientSession) deviceStream(ctx context.Context, cd *clientDevice, kind deviceStreamKind) (*frameStream, error) {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	if cd.streams[kind] != nil {
		return cd.streams[kind], nil
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("session: not connected")
	}

	rw, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: open device stream: %w", err)
	}
	fs := newFrameStream(rw, s.codec)
	cd.streams[kind] = fs
	go s.deviceStreamReadLoop(fs)
	return fs, nil
}

// deviceStreamReadLoop reads TransferComplete messages off one device
// stream and resolves the matching pendingTable entry. Each device
// stream has exactly one reader, matching frameStream's contract.
func (s *ClientSession) deviceStreamReadLoop(fs *frameStream) {
	for {
		msg, err := fs.Recv()
		if err != nil {
			return
		}
		tc, ok := msg.Payload.(*wire.TransferComplete)
		if !ok {
			if s.log != nil {
				s.log.Error(' ', "session: unexpected payload on device stream: %T", msg.Payload)
			}
			continue
		}
		if !s.pending.Resolve(tc.Id, tc.Result) && s.log != nil {
			s.log.Error(' ', "session: completion for request %d had no pending entry", tc.Id)
		}
	}
}

// packRequestId packs handle and the USB/IP seqnum into a single
// session-wide-unique RequestId, since a CMD_SUBMIT's seqnum is only
// unique within its own device, not across every device attached on
// this session (§4.6).
func packRequestId(handle wire.DeviceHandle, seqnum uint64) wire.RequestId {
	return wire.RequestId(uint64(handle)<<32 | (seqnum & 0xffffffff))
}

// clientDeviceProxy adapts one attached device's session plumbing to
// usbip.Submitter/vhci.DeviceProxy, so the emulator reading CMD_SUBMIT/
// CMD_UNLINK off the virtual device's bridge socket can forward work
// onto the real session without knowing about streams or the wire
// codec at all.
type clientDeviceProxy struct {
	session *ClientSession
	device  *clientDevice
}

func (p *clientDeviceProxy) Info() wire.DeviceInfo { return p.device.info }

// Submit sends a SubmitTransfer on the correct per-kind device stream
// and blocks for its TransferComplete or ctx cancellation.
func (p *clientDeviceProxy) Submit(ctx context.Context, seqnum uint64, req wire.TransferRequest) (wire.TransferResult, error) {
	s := p.session
	id := packRequestId(p.device.handle, seqnum)

	fs, err := s.deviceStream(ctx, p.device, streamKindFor(req.Kind))
	if err != nil {
		return wire.TransferResult{}, err
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	resultCh := s.pending.Register(id, timeout)
	s.metrics.IncQueueDepth()

	if err := fs.Send(wire.Message{
		Version: wire.CurrentVersion,
		Payload: &wire.SubmitTransfer{Id: id, Handle: p.device.handle, Request: req},
	}); err != nil {
		s.pending.Cancel(id)
		s.metrics.DecQueueDepth()
		return wire.TransferResult{}, err
	}

	select {
	case result := <-resultCh:
		s.metrics.DecQueueDepth()
		if result.Ok {
			s.metrics.RecordSuccess(0)
		} else {
			s.metrics.RecordError(result.Kind)
		}
		return result, nil
	case <-ctx.Done():
		s.pending.Cancel(id)
		s.metrics.DecQueueDepth()
		return wire.Failure(usberr.Cancelled, "context cancelled"), ctx.Err()
	}
}

// Cancel resolves the local pending entry immediately (one of the two
// kernel-acceptable CMD_UNLINK response shapes, per §4.6's open
// question) and best-effort notifies the server so it can attempt to
// preempt the transfer server-side too; see usbworker.Worker.Cancel
// for why that server-side preemption is itself usually a no-op.
func (p *clientDeviceProxy) Cancel(seqnum uint64) bool {
	s := p.session
	id := packRequestId(p.device.handle, seqnum)

	cancelled := s.pending.Cancel(id)

	fs, err := s.deviceStream(context.Background(), p.device, streamControl)
	if err == nil {
		fs.Send(wire.Message{Version: wire.CurrentVersion, Payload: &wire.CancelTransfer{Id: id, Handle: p.device.handle}})
	}
	return cancelled
}
