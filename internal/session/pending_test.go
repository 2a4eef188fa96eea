package session

import (
	"testing"
	"time"

	"github.com/usbshare/usbshare/internal/usberr"
	"github.com/usbshare/usbshare/internal/wire"
)

func TestPendingTableResolveDeliversResult(t *testing.T) {
	pt := newPendingTable()
	ch := pt.Register(1, time.Second)

	if !pt.Resolve(1, wire.Success([]byte("ok"))) {
		t.Fatal("expected Resolve to report delivered")
	}

	select {
	case r := <-ch:
		if !r.Ok || string(r.Data) != "ok" {
			t.Fatalf("unexpected result: %+v", r)
		}
	default:
		t.Fatal("expected a buffered result on the channel")
	}
}

func TestPendingTableResolveUnknownIdIsOrphan(t *testing.T) {
	pt := newPendingTable()

	if pt.Resolve(99, wire.Success(nil)) {
		t.Fatal("expected Resolve for unknown id to report false")
	}
	orphan, late := pt.Stats()
	if orphan != 1 || late != 0 {
		t.Fatalf("got orphan=%d late=%d, want orphan=1 late=0", orphan, late)
	}
}

func TestPendingTableDoubleResolveIsLate(t *testing.T) {
	pt := newPendingTable()
	pt.Register(1, time.Second)

	if !pt.Resolve(1, wire.Success(nil)) {
		t.Fatal("first resolve should succeed")
	}
	if pt.Resolve(1, wire.Success(nil)) {
		t.Fatal("second resolve should report false")
	}

	_, late := pt.Stats()
	if late != 1 {
		t.Fatalf("got late=%d, want 1", late)
	}
}

func TestPendingTableCancelResolvesWithCancelled(t *testing.T) {
	pt := newPendingTable()
	ch := pt.Register(1, time.Second)

	if !pt.Cancel(1) {
		t.Fatal("expected Cancel to report true for an in-flight request")
	}

	r := <-ch
	if r.Ok || r.Kind != usberr.Cancelled {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestPendingTableSweepResolvesExpiredWithTimeout(t *testing.T) {
	pt := newPendingTable()
	ch := pt.Register(1, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	pt.Sweep(time.Now())

	select {
	case r := <-ch:
		if r.Ok || r.Kind != usberr.Timeout {
			t.Fatalf("unexpected result: %+v", r)
		}
	default:
		t.Fatal("expected sweep to deliver a timeout result")
	}
}

func TestPendingTableSweepLeavesFreshEntriesAlone(t *testing.T) {
	pt := newPendingTable()
	ch := pt.Register(1, time.Hour)

	pt.Sweep(time.Now())

	select {
	case r := <-ch:
		t.Fatalf("expected no result yet, got %+v", r)
	default:
	}
}

func TestPendingTableCloseAllResolvesEverythingRemaining(t *testing.T) {
	pt := newPendingTable()
	ch1 := pt.Register(1, time.Hour)
	ch2 := pt.Register(2, time.Hour)

	pt.CloseAll()

	for _, ch := range []<-chan wire.TransferResult{ch1, ch2} {
		r := <-ch
		if r.Ok || r.Kind != usberr.Cancelled {
			t.Fatalf("unexpected result: %+v", r)
		}
	}
}
