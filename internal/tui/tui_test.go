package tui

import (
	"testing"
	"time"

	"github.com/usbshare/usbshare/internal/metrics"
	"github.com/usbshare/usbshare/internal/registry"
	"github.com/usbshare/usbshare/internal/usberr"
	"github.com/usbshare/usbshare/internal/wire"
)

func TestFormatRTT(t *testing.T) {
	if got := formatRTT(0, false); got != "--" {
		t.Errorf("formatRTT(no sample) = %q, want --", got)
	}
	if got := formatRTT(12500*time.Microsecond, true); got != "12.5ms" {
		t.Errorf("formatRTT = %q, want 12.5ms", got)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		512:             "512B",
		2048:            "2.0KiB",
		5 * 1024 * 1024: "5.0MiB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestDeviceRowsReflectsAttachmentCount(t *testing.T) {
	snap := []registry.DeviceSnapshot{
		{
			Info: wire.DeviceInfo{Id: 1, VendorId: 0x1234, ProductId: 0x5678},
			Mode: registry.Exclusive,
		},
		{
			Info:       wire.DeviceInfo{Id: 2, VendorId: 0xabcd, ProductId: 0xef01},
			Mode:       registry.Shared,
			AttachedBy: []registry.SessionId{{1}, {2}},
		},
	}

	rows := deviceRows(snap)
	if len(rows) != 2 {
		t.Fatalf("deviceRows: len = %d, want 2", len(rows))
	}
	if rows[0][2] != "exclusive" || rows[0][3] != "-" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1][2] != "shared" || rows[1][3] != "2 session(s)" {
		t.Errorf("row 1 = %+v", rows[1])
	}
}

func TestAttachedRowsSumsErrorsAcrossKinds(t *testing.T) {
	devices := []AttachedDevice{
		{
			Info: wire.DeviceInfo{Id: 1, VendorId: 0x1111, ProductId: 0x2222},
			Metrics: metrics.Snapshot{
				BytesIn:            1024,
				BytesOut:           2048,
				TransfersByErrKind: map[usberr.Kind]int64{usberr.Timeout: 3},
			},
		},
	}
	rows := attachedRows(devices)
	if len(rows) != 1 {
		t.Fatalf("attachedRows: len = %d, want 1", len(rows))
	}
	if rows[0][2] != "1.0KiB" || rows[0][3] != "2.0KiB" || rows[0][4] != "3" {
		t.Errorf("row = %+v", rows[0])
	}
}
