package policy

import (
	"sync"

	"github.com/usbshare/usbshare/internal/registry"
	"github.com/usbshare/usbshare/internal/wire"
)

// Engine implements registry.PolicyChecker and also answers the
// transport-level and client-level questions §4.9 describes: endpoint
// approval, friendly-name resolution, and auto-attach matching.
type Engine struct {
	mu sync.RWMutex

	requireApproval bool
	approved        map[wire.EndpointId]bool

	shareFilters PatternSet // usb.filters: which devices are shareable at all
	sharedMode   PatternSet // devices matching this set use Shared instead of Exclusive

	friendlyNames map[string]wire.EndpointId // client.servers[*].name -> node_id
	autoAttach    PatternSet                 // client.servers[*].auto_attach
}

// NewEngine returns an Engine with no approvals, no filters (so every
// device is shareable, per "empty = all"), and no auto-attach rules.
func NewEngine() *Engine {
	return &Engine{
		approved:      make(map[wire.EndpointId]bool),
		friendlyNames: make(map[string]wire.EndpointId),
	}
}

// SetRequireApproval toggles security.require_approval.
func (e *Engine) SetRequireApproval(require bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requireApproval = require
}

// Approve adds peer to security.approved_clients.
func (e *Engine) Approve(peer wire.EndpointId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approved[peer] = true
}

// Revoke removes peer from security.approved_clients.
func (e *Engine) Revoke(peer wire.EndpointId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.approved, peer)
}

// AllowPeer is a transport.AllowFunc: it gates a connecting peer before
// any session state is created, independent of per-device policy.
func (e *Engine) AllowPeer(peer wire.EndpointId) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.requireApproval {
		return true
	}
	return e.approved[peer]
}

// SetShareFilters sets usb.filters: the patterns a device must match
// to be shareable at all. An empty set shares every device.
func (e *Engine) SetShareFilters(patterns []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shareFilters = ParsePatternSet(patterns)
}

// SetSharedDevices marks devices matching patterns as Shared rather
// than the default Exclusive sharing mode.
func (e *Engine) SetSharedDevices(patterns []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sharedMode = ParsePatternSet(patterns)
}

// Allow implements registry.PolicyChecker: a session may attach info
// only if the device passes usb.filters and, when require_approval is
// set, the session's peer identity is approved.
func (e *Engine) Allow(session registry.SessionId, info wire.DeviceInfo) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.shareFilters.Matches(info) {
		return false
	}
	if e.requireApproval && !e.approved[session] {
		return false
	}
	return true
}

// SharingModeFor implements registry.PolicyChecker.
func (e *Engine) SharingModeFor(info wire.DeviceInfo) registry.SharingMode {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.sharedMode.Matches(info) {
		return registry.Shared
	}
	return registry.Exclusive
}

// SetFriendlyName records client.servers[*].name -> node_id so clients
// may refer to a configured server by its short name.
func (e *Engine) SetFriendlyName(name string, peer wire.EndpointId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.friendlyNames[name] = peer
}

// Resolve looks up a friendly name, returning its peer identity and
// whether it is known.
func (e *Engine) Resolve(name string) (wire.EndpointId, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.friendlyNames[name]
	return id, ok
}

// SetAutoAttach sets client.servers[*].auto_attach: devices matching
// these patterns are attached immediately on DeviceArrivedNotification,
// without user interaction.
func (e *Engine) SetAutoAttach(patterns []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoAttach = ParsePatternSet(patterns)
}

// ShouldAutoAttach reports whether info matches an auto-attach rule.
func (e *Engine) ShouldAutoAttach(info wire.DeviceInfo) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.autoAttach.Matches(info)
}
