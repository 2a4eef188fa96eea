// Package metrics implements the read-only counters exposed to the
// UI/status collaborator (§4.8): bytes in/out, transfer outcomes by
// kind, rolling-window latency, throughput, and queue depth. The
// counters are atomics; only the latency window is guarded by a mutex.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/usbshare/usbshare/internal/usberr"
)

// Counters holds the atomic counters for one session or one device.
type Counters struct {
	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	transfersCompleted atomic.Int64
	transfersByErrKind [11]atomic.Int64 // indexed by usberr.Kind

	queueDepth atomic.Int64

	window    latencyWindow
	createdAt time.Time
}

// New returns a zeroed Counters.
func New() *Counters {
	return &Counters{window: newLatencyWindow(64), createdAt: time.Now()}
}

// AddBytesIn records n bytes read from the device (IN direction).
func (c *Counters) AddBytesIn(n int64) { c.bytesIn.Add(n) }

// AddBytesOut records n bytes written to the device (OUT direction).
func (c *Counters) AddBytesOut(n int64) { c.bytesOut.Add(n) }

// RecordSuccess records a completed transfer and its latency sample.
func (c *Counters) RecordSuccess(latency time.Duration) {
	c.transfersCompleted.Add(1)
	c.window.add(latency)
}

// RecordError records a failed transfer, classified by kind.
func (c *Counters) RecordError(kind usberr.Kind) {
	if int(kind) >= 0 && int(kind) < len(c.transfersByErrKind) {
		c.transfersByErrKind[kind].Add(1)
	}
}

// SetQueueDepth records the current number of in-flight requests.
func (c *Counters) SetQueueDepth(n int64) { c.queueDepth.Store(n) }

// IncQueueDepth/DecQueueDepth adjust queue depth by one.
func (c *Counters) IncQueueDepth() { c.queueDepth.Add(1) }
func (c *Counters) DecQueueDepth() { c.queueDepth.Add(-1) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	BytesIn            int64
	BytesOut           int64
	TransfersCompleted int64
	TransfersByErrKind map[usberr.Kind]int64
	QueueDepth         int64
	AverageLatency     time.Duration
	Throughput         float64 // bytes/sec since the Counters were created
}

// Snapshot reads the current counter values into a fresh Snapshot.
func (c *Counters) Snapshot() Snapshot {
	byKind := make(map[usberr.Kind]int64)
	for k := 0; k < len(c.transfersByErrKind); k++ {
		if n := c.transfersByErrKind[k].Load(); n != 0 {
			byKind[usberr.Kind(k)] = n
		}
	}

	bytesIn := c.bytesIn.Load()
	bytesOut := c.bytesOut.Load()

	elapsed := time.Since(c.createdAt).Seconds()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(bytesIn+bytesOut) / elapsed
	}

	return Snapshot{
		BytesIn:            bytesIn,
		BytesOut:           bytesOut,
		TransfersCompleted: c.transfersCompleted.Load(),
		TransfersByErrKind: byKind,
		QueueDepth:         c.queueDepth.Load(),
		AverageLatency:     c.window.average(),
		Throughput:         throughput,
	}
}
