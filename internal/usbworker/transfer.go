package usbworker

import (
	"context"
	"strings"
	"time"

	"github.com/usbshare/usbshare/internal/usberr"
	"github.com/usbshare/usbshare/internal/wire"
)

// performTransfer executes req against od's claimed interface and
// blocks until it completes or times out. It runs on a short-lived
// goroutine spawned by Worker.Submit, never on the worker's own
// dedicated goroutine — od's device handle is safe for this because
// gousb serializes its own libusb event handling internally.
func performTransfer(od *openDevice, req wire.TransferRequest) wire.TransferResult {
	switch req.Kind {
	case wire.TransferControl:
		return controlTransfer(od, req)
	case wire.TransferBulk, wire.TransferInterrupt:
		return endpointTransfer(od, req)
	default:
		return wire.Failure(usberr.InvalidParam, "isochronous transfers are not supported")
	}
}

func controlTransfer(od *openDevice, req wire.TransferRequest) wire.TransferResult {
	od.dev.ControlTimeout = time.Duration(req.TimeoutMs) * time.Millisecond

	if req.IsOut() {
		_, err := od.dev.Control(req.RequestType, req.Request, req.Value, req.Index, req.Data)
		if err != nil {
			return wire.Failure(classifyErr(err), err.Error())
		}
		return wire.Success(nil)
	}

	buf := make([]byte, req.Length)
	n, err := od.dev.Control(req.RequestType, req.Request, req.Value, req.Index, buf)
	if err != nil {
		return wire.Failure(classifyErr(err), err.Error())
	}
	return wire.Success(buf[:n])
}

func endpointTransfer(od *openDevice, req wire.TransferRequest) wire.TransferResult {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if req.IsOut() {
		out, err := od.iface.OutEndpoint(int(req.Endpoint))
		if err != nil {
			return wire.Failure(usberr.NotFound, err.Error())
		}
		_, err = out.WriteContext(ctx, req.Data)
		if err != nil {
			return wire.Failure(classifyErr(err), err.Error())
		}
		return wire.Success(nil)
	}

	in, err := od.iface.InEndpoint(int(req.Endpoint))
	if err != nil {
		return wire.Failure(usberr.NotFound, err.Error())
	}
	buf := make([]byte, req.Length)
	n, err := in.ReadContext(ctx, buf)
	if err != nil {
		return wire.Failure(classifyErr(err), err.Error())
	}
	return wire.Success(buf[:n])
}

// classifyErr maps a gousb/libusb transfer error onto the shared
// usberr.Kind taxonomy. gousb does not export a stable sentinel error
// per libusb status in every version, so classification falls back to
// matching on context deadline and the textual status gousb embeds in
// its error strings (mirrors the old cgo layer's UsbErrCode mapping,
// just driven by strings instead of LIBUSB_ERROR_* constants).
func classifyErr(err error) usberr.Kind {
	if err == nil {
		return usberr.Other
	}
	if err == context.DeadlineExceeded {
		return usberr.Timeout
	}

	switch {
	case containsAny(err, "timeout", "timed out"):
		return usberr.Timeout
	case containsAny(err, "stall", "pipe"):
		return usberr.PipeStall
	case containsAny(err, "no device", "disconnected"):
		return usberr.NoDevice
	case containsAny(err, "busy"):
		return usberr.Busy
	case containsAny(err, "overflow"):
		return usberr.Overflow
	case containsAny(err, "access", "permission"):
		return usberr.Access
	case containsAny(err, "cancel", "interrupted"):
		return usberr.Cancelled
	case containsAny(err, "invalid"):
		return usberr.InvalidParam
	default:
		return usberr.IO
	}
}

func containsAny(err error, subs ...string) bool {
	s := strings.ToLower(err.Error())
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
