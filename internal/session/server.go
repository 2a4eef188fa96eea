// Package session implements the per-peer session / connection layer
// (§4.4): version negotiation, per-device stream multiplexing, the
// pending-request table, heartbeats, and optional server-side rate
// limiting. ServerSession wires this onto internal/registry; its
// client-side counterpart, ClientSession (client.go), is built on the
// same frameStream/pendingTable pieces and hands attached devices to
// internal/vhci.
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
	"github.com/usbshare/usbshare/internal/ratelimit"
	"github.com/usbshare/usbshare/internal/registry"
	"github.com/usbshare/usbshare/internal/transport"
	"github.com/usbshare/usbshare/internal/usberr"
	"github.com/usbshare/usbshare/internal/wire"
)

// HeartbeatInterval paces heartbeats (§4.4): a ServerSession emits a
// Heartbeat once this long has passed with no traffic, while a
// ClientSession emits one on every tick of this interval.
const HeartbeatInterval = 30 * time.Second

// HeartbeatTimeout is how long a Heartbeat may go unacked before it
// counts as a miss.
const HeartbeatTimeout = 10 * time.Second

// DefaultSubmitTimeout bounds a SubmitTransfer's pending-request entry
// when the caller doesn't override it.
const DefaultSubmitTimeout = 30 * time.Second

// deviceStreamKind names which of a device's three logical streams a
// frameStream belongs to (§4.4: control/interrupt/bulk, split to avoid
// head-of-line blocking between transfer kinds).
type deviceStreamKind int

const (
	streamControl deviceStreamKind = iota
	streamInterrupt
	streamBulk
)

func streamKindFor(k wire.TransferKind) deviceStreamKind {
	switch k {
	case wire.TransferInterrupt:
		return streamInterrupt
	case wire.TransferBulk:
		return streamBulk
	default:
		return streamControl
	}
}

// ServerSession is one connected peer's session on the server side. It
// owns a primary control-plane stream (ListDevices/Attach/Detach/
// heartbeat/notifications) and, per attached device, up to three data
// streams the client opens once a handle is granted.
type ServerSession struct {
	peer wire.EndpointId
	conn *transport.Connection
	reg  *registry.Registry
	log  *logger.Logger

	primary *frameStream
	codec   *wire.Codec

	pending *pendingTable
	health  *health.Monitor
	metrics *metrics.Counters
	limiter *ratelimit.Bucket // nil means unlimited

	mu           sync.Mutex
	deviceStream map[wire.DeviceHandle][3]*frameStream // indexed by deviceStreamKind
	lastActivity time.Time

	hbMu    sync.Mutex
	hbNonce uint64
	hbSent  time.Time
	hbAckCh chan time.Duration
}

// NewServerSession builds a session over an already-accepted
// connection. limiter may be nil for no server-side rate limiting.
func NewServerSession(conn *transport.Connection, reg *registry.Registry, limiter *ratelimit.Bucket, log *logger.Logger) *ServerSession {
	return &ServerSession{
		peer:         conn.PeerIdentity(),
		conn:         conn,
		reg:          reg,
		log:          log,
		codec:        wire.NewCodec(),
		pending:      newPendingTable(),
		health:       health.NewMonitor(),
		metrics:      metrics.New(),
		limiter:      limiter,
		deviceStream: make(map[wire.DeviceHandle][3]*frameStream),
		lastActivity: time.Now(),
	}
}

// ErrVersionSkew is returned by Run when the peer's major protocol
// version differs from ours; an Error payload is sent before closing.
var ErrVersionSkew = errors.New("session: protocol major version mismatch")

// Run drives the session until ctx is cancelled, the peer closes the
// connection, or an unrecoverable protocol error occurs.
func (s *ServerSession) Run(ctx context.Context) error {
	primaryRW, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("session: accept primary stream: %w", err)
	}
	s.primary = newFrameStream(primaryRW, s.codec)

	if err := s.negotiateVersion(); err != nil {
		return err
	}

	feed := s.reg.Subscribe(s.peer)
	defer s.reg.Unsubscribe(s.peer)
	defer s.reg.DetachAll(s.peer)
	defer s.pending.CloseAll()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errC := make(chan error, 1)
	go func() { errC <- s.primaryLoop(ctx) }()
	go s.notificationLoop(ctx, feed)
	go s.completionLoop(ctx, feed)
	go s.heartbeatLoop(ctx)
	go s.acceptDeviceStreams(ctx)

	err = <-errC
	cancel()
	s.primary.Close()
	return err
}

// negotiateVersion reads the client's opening message, which doubles
// as both its version envelope and an implicit device listing request,
// and replies with the current device list. A client that opens with
// something other than ListDevicesReq still gets its version checked
// here, but its opening message is otherwise dropped; every real
// client sends ListDevicesReq first.
func (s *ServerSession) negotiateVersion() error {
	msg, err := s.primary.Recv()
	if err != nil {
		return fmt.Errorf("session: recv version envelope: %w", err)
	}

	if msg.Version.Major != wire.CurrentVersion.Major {
		s.primary.Send(wire.Message{
			Version: wire.CurrentVersion,
			Payload: &wire.ErrorPayload{Message: "protocol major version mismatch"},
		})
		return ErrVersionSkew
	}

	return s.primary.Send(wire.Message{
		Version: wire.CurrentVersion,
		Payload: &wire.ListDevicesResp{Devices: s.reg.ListDevices()},
	})
}

func (s *ServerSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *ServerSession) primaryLoop(ctx context.Context) error {
	for {
		msg, err := s.primary.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		s.touch()

		if err := s.handlePrimaryMessage(msg); err != nil {
			s.log.Error(' ', "session %s: %s", s.peer, err)
		}
	}
}

func (s *ServerSession) handlePrimaryMessage(msg wire.Message) error {
	switch p := msg.Payload.(type) {
	case *wire.ListDevicesReq:
		return s.primary.Send(wire.Message{
			Version: wire.CurrentVersion,
			Payload: &wire.ListDevicesResp{Devices: s.reg.ListDevices()},
		})

	case *wire.AttachReq:
		return s.handleAttach(p)

	case *wire.DetachReq:
		return s.handleDetach(p)

	case *wire.Heartbeat:
		return s.primary.Send(wire.Message{
			Version: wire.CurrentVersion,
			Payload: &wire.HeartbeatAck{Nonce: p.Nonce},
		})

	case *wire.HeartbeatAck:
		s.handleHeartbeatAck(p.Nonce)
		return nil

	default:
		return fmt.Errorf("unexpected payload on primary stream: %T", p)
	}
}

func (s *ServerSession) handleHeartbeatAck(nonce uint64) {
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

func (s *ServerSession) handleAttach(req *wire.AttachReq) error {
	handle, err := s.reg.Attach(s.peer, req.DeviceId)
	if err != nil {
		kind, msg := attachErrorFor(err)
		return s.primary.Send(wire.Message{
			Version: wire.CurrentVersion,
			Payload: &wire.AttachResp{Ok: false, ErrKind: kind, ErrMsg: msg},
		})
	}

	s.mu.Lock()
	s.deviceStream[handle] = [3]*frameStream{}
	s.mu.Unlock()

	return s.primary.Send(wire.Message{
		Version: wire.CurrentVersion,
		Payload: &wire.AttachResp{Ok: true, Handle: handle},
	})
}

func attachErrorFor(err error) (wire.AttachErrorKind, string) {
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		return wire.AttachErrorDeviceNotFound, err.Error()
	case errors.Is(err, registry.ErrAlreadyAttached):
		return wire.AttachErrorAlreadyAttached, err.Error()
	case errors.Is(err, registry.ErrNotAllowed):
		return wire.AttachErrorNotAllowed, err.Error()
	default:
		return wire.AttachErrorOther, err.Error()
	}
}

func (s *ServerSession) handleDetach(req *wire.DetachReq) error {
	err := s.reg.Detach(s.peer, req.Handle)

	s.mu.Lock()
	delete(s.deviceStream, req.Handle)
	s.mu.Unlock()

	resp := &wire.DetachResp{Ok: err == nil}
	if err != nil {
		resp.ErrMsg = err.Error()
	}
	return s.primary.Send(wire.Message{Version: wire.CurrentVersion, Payload: resp})
}

// acceptDeviceStreams accepts the per-device data streams the client
// opens after a successful Attach and starts a submit-reader loop on
// each. Which of a device's three slots a stream fills is learned from
// the transfer kind of its first SubmitTransfer, since nothing else on
// the wire names it explicitly.
func (s *ServerSession) acceptDeviceStreams(ctx context.Context) {
	for {
		rw, err := s.conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		fs := newFrameStream(rw, s.codec)
		go s.deviceStreamLoop(fs)
	}
}

func (s *ServerSession) deviceStreamLoop(fs *frameStream) {
	for {
		msg, err := fs.Recv()
		if err != nil {
			return
		}

		switch p := msg.Payload.(type) {
		case *wire.SubmitTransfer:
			s.rememberStream(p.Handle, streamKindFor(p.Request.Kind), fs)
			s.handleSubmit(fs, p)
		case *wire.CancelTransfer:
			s.reg.Cancel(s.peer, p.Handle, p.Id)
		default:
			s.log.Error(' ', "session %s: unexpected payload on device stream: %T", s.peer, msg.Payload)
		}
	}
}

func (s *ServerSession) rememberStream(handle wire.DeviceHandle, kind deviceStreamKind, fs *frameStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots, ok := s.deviceStream[handle]
	if !ok {
		return
	}
	if slots[kind] == nil {
		slots[kind] = fs
		s.deviceStream[handle] = slots
	}
}

func (s *ServerSession) handleSubmit(fs *frameStream, req *wire.SubmitTransfer) {
	payloadBytes := int64(len(req.Request.Data))
	if int64(req.Request.Length) > payloadBytes {
		payloadBytes = int64(req.Request.Length)
	}

	if s.limiter != nil && !s.limiter.TryConsume(payloadBytes) {
		fs.Send(wire.Message{
			Version: wire.CurrentVersion,
			Payload: &wire.TransferComplete{Id: req.Id, Result: wire.Failure(usberr.Busy, "rate limit exceeded")},
		})
		return
	}

	resultCh := s.pending.Register(req.Id, DefaultSubmitTimeout)
	s.metrics.IncQueueDepth()

	if err := s.reg.Submit(s.peer, req.Handle, req.Id, req.Request); err != nil {
		s.pending.Cancel(req.Id)
		s.metrics.DecQueueDepth()
		if s.limiter != nil {
			s.limiter.Rollback(payloadBytes)
		}
		fs.Send(wire.Message{
			Version: wire.CurrentVersion,
			Payload: &wire.TransferComplete{Id: req.Id, Result: wire.Failure(usberr.KindOf(err), err.Error())},
		})
		return
	}

	go s.awaitCompletion(fs, req.Id, payloadBytes, resultCh)
}

func (s *ServerSession) awaitCompletion(fs *frameStream, id wire.RequestId, payloadBytes int64, resultCh <-chan wire.TransferResult) {
	start := time.Now()
	result := <-resultCh

	s.metrics.DecQueueDepth()
	if result.Ok {
		s.metrics.RecordSuccess(time.Since(start))
	} else {
		s.metrics.RecordError(result.Kind)
		if s.limiter != nil {
			s.limiter.Rollback(payloadBytes)
		}
	}

	fs.Send(wire.Message{
		Version: wire.CurrentVersion,
		Payload: &wire.TransferComplete{Id: id, Result: result},
	})
}

// completionLoop is the single reader of feed.Completions; it resolves
// the matching pendingTable entry, which wakes the awaitCompletion
// goroutine started by handleSubmit.
func (s *ServerSession) completionLoop(ctx context.Context, feed *registry.SessionFeed) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-feed.Completions:
			if !ok {
				return
			}
			if !s.pending.Resolve(c.RequestId, c.Result) {
				s.log.Error(' ', "session %s: completion for request %d had no pending entry", s.peer, c.RequestId)
			}
		}
	}
}

func (s *ServerSession) notificationLoop(ctx context.Context, feed *registry.SessionFeed) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-feed.Notifications:
			if !ok {
				return
			}
			for _, n := range batch {
				s.sendNotification(n)
			}
		}
	}
}

func (s *ServerSession) sendNotification(n registry.Notification) {
	var msg wire.Message
	switch {
	case n.Arrived != nil:
		msg = wire.Message{Version: wire.CurrentVersion, Payload: &wire.DeviceArrivedNotification{Info: *n.Arrived}}
	case n.Removed != nil:
		msg = wire.Message{Version: wire.CurrentVersion, Payload: &wire.DeviceRemovedNotification{Id: *n.Removed}}
	default:
		return
	}

	if err := s.primary.Send(msg); err != nil {
		s.log.Error(' ', "session %s: send notification: %s", s.peer, err)
	}
}

func (s *ServerSession) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActivity) >= HeartbeatInterval
			s.mu.Unlock()
			if !idle {
				continue
			}
			if s.sendHeartbeatAndWait(ctx) == health.Disconnected {
				return
			}
		}
	}
}

func (s *ServerSession) sendHeartbeatAndWait(ctx context.Context) health.State {
	s.hbMu.Lock()
	s.hbNonce++
	nonce := s.hbNonce
	ackCh := make(chan time.Duration, 1)
	s.hbAckCh = ackCh
	s.hbSent = time.Now()
	s.hbMu.Unlock()

	if err := s.primary.Send(wire.Message{Version: wire.CurrentVersion, Payload: &wire.Heartbeat{Nonce: nonce}}); err != nil {
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

// Metrics exposes the session's transfer counters, e.g. for status
// reporting.
func (s *ServerSession) Metrics() metrics.Snapshot { return s.metrics.Snapshot() }

// Health exposes the session's connection-quality snapshot.
func (s *ServerSession) Health() health.Snapshot { return s.health.Snapshot() }
