package usbworker

import (
	"context"
	"errors"
	"testing"

	"github.com/usbshare/usbshare/internal/usberr"
)

func TestClassifyErrDeadlineIsTimeout(t *testing.T) {
	if got := classifyErr(context.DeadlineExceeded); got != usberr.Timeout {
		t.Fatalf("got %v, want Timeout", got)
	}
}

func TestClassifyErrMatchesKnownSubstrings(t *testing.T) {
	cases := []struct {
		msg  string
		want usberr.Kind
	}{
		{"libusb: timeout [-7]", usberr.Timeout},
		{"libusb: pipe error [-9]", usberr.PipeStall},
		{"libusb: no device [-4]", usberr.NoDevice},
		{"libusb: busy [-6]", usberr.Busy},
		{"libusb: overflow [-8]", usberr.Overflow},
		{"permission denied", usberr.Access},
		{"operation cancelled", usberr.Cancelled},
		{"invalid parameter", usberr.InvalidParam},
		{"something unexpected happened", usberr.IO},
	}

	for _, c := range cases {
		if got := classifyErr(errors.New(c.msg)); got != c.want {
			t.Errorf("classifyErr(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}
