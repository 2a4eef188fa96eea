package session

import (
	"sync"
	"time"

	"github.com/usbshare/usbshare/internal/usberr"
	"github.com/usbshare/usbshare/internal/wire"
)

type pendingEntry struct {
	ch       chan wire.TransferResult
	deadline time.Time
	resolved bool
}

// pendingTable implements the session's pending-request table (§4.4):
// RequestId → (return-channel, deadline). A sweep resolves expired
// entries with a synthetic Timeout; a response for an entry already
// resolved (by timeout or cancellation) is counted as discarded rather
// than delivered twice.
type pendingTable struct {
	mu      sync.Mutex
	entries map[wire.RequestId]*pendingEntry

	orphanResponses  int64
	lateResponses    int64
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[wire.RequestId]*pendingEntry)}
}

// Register adds a new pending request with the given timeout and
// returns the channel its eventual result will arrive on. The channel
// receives exactly one value.
func (t *pendingTable) Register(id wire.RequestId, timeout time.Duration) <-chan wire.TransferResult {
	ch := make(chan wire.TransferResult, 1)

	t.mu.Lock()
	t.entries[id] = &pendingEntry{ch: ch, deadline: time.Now().Add(timeout)}
	t.mu.Unlock()

	return ch
}

// Resolve delivers result to the pending request named by id. It
// reports false (and increments the orphan-response counter) if no
// such request is outstanding, and false (incrementing the
// late-response counter) if it already resolved.
func (t *pendingTable) Resolve(id wire.RequestId, result wire.TransferResult) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.orphanResponses++
		t.mu.Unlock()
		return false
	}
	if e.resolved {
		t.lateResponses++
		t.mu.Unlock()
		return false
	}
	e.resolved = true
	delete(t.entries, id)
	t.mu.Unlock()

	e.ch <- result
	return true
}

// Cancel cancels the in-flight request named by id, e.g. in response
// to USB/IP's CMD_UNLINK. Reports whether it was actually in flight.
func (t *pendingTable) Cancel(id wire.RequestId) bool {
	return t.Resolve(id, wire.Failure(usberr.Cancelled, "cancelled"))
}

// Sweep resolves every entry whose deadline has passed with a
// synthetic Timeout. Call it periodically (e.g. from the session's
// heartbeat ticker).
func (t *pendingTable) Sweep(now time.Time) {
	t.mu.Lock()
	var expired []*pendingEntry
	for id, e := range t.entries {
		if !e.resolved && now.After(e.deadline) {
			e.resolved = true
			expired = append(expired, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, e := range expired {
		e.ch <- wire.Failure(usberr.Timeout, "request exceeded its deadline")
	}
}

// CloseAll resolves every still-outstanding entry with Cancelled. Call
// this once, on session teardown.
func (t *pendingTable) CloseAll() {
	t.mu.Lock()
	var remaining []*pendingEntry
	for id, e := range t.entries {
		if !e.resolved {
			e.resolved = true
			remaining = append(remaining, e)
		}
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, e := range remaining {
		e.ch <- wire.Failure(usberr.Cancelled, "session closed")
	}
}

// Stats reports the orphan/late response counters for metrics.
func (t *pendingTable) Stats() (orphan, late int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.orphanResponses, t.lateResponses
}
