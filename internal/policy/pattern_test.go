package policy

import (
	"testing"

	"github.com/usbshare/usbshare/internal/wire"
)

func TestPatternMatchFallsBackToProductGlob(t *testing.T) {
	p := ParsePattern("LaserJet*")
	info := wire.DeviceInfo{Product: "LaserJet Pro MFP"}
	if p.Match(info) < 0 {
		t.Fatal("expected glob pattern to match product string")
	}

	other := wire.DeviceInfo{Product: "Scanner"}
	if p.Match(other) >= 0 {
		t.Fatal("expected glob pattern to not match unrelated product string")
	}
}

func TestPatternSetBestMatchPrefersMoreSpecific(t *testing.T) {
	set := ParsePatternSet([]string{"1234:*", "1234:5678"})
	info := wire.DeviceInfo{VendorId: 0x1234, ProductId: 0x5678}

	idx, weight := set.BestMatch(info)
	if idx != 1 || weight != 1000 {
		t.Fatalf("BestMatch = (%d, %d), want (1, 1000)", idx, weight)
	}
}

func TestPatternSetBestMatchNoneMatch(t *testing.T) {
	set := ParsePatternSet([]string{"1234:5678"})
	info := wire.DeviceInfo{VendorId: 0x9999, ProductId: 0x0001}

	idx, weight := set.BestMatch(info)
	if idx != -1 || weight != -1 {
		t.Fatalf("BestMatch = (%d, %d), want (-1, -1)", idx, weight)
	}
}
