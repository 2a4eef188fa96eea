package wire

import (
	"bytes"
	"testing"

	"github.com/usbshare/usbshare/internal/usberr"
)

func roundTrip(t *testing.T, c *Codec, msg Message) Message {
	t.Helper()
	b, err := c.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := c.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestRoundTripListDevicesResp(t *testing.T) {
	c := NewCodec()
	msg := Message{
		Version: CurrentVersion,
		Payload: &ListDevicesResp{Devices: []DeviceInfo{
			{
				Id: 1, VendorId: 0x046d, ProductId: 0x0825,
				Speed: SpeedHigh, Manufacturer: "Logitech",
				Product: "Webcam", ConfigurationCount: 1,
			},
		}},
	}

	got := roundTrip(t, c, msg)
	resp, ok := got.Payload.(*ListDevicesResp)
	if !ok {
		t.Fatalf("wrong payload type %T", got.Payload)
	}
	if len(resp.Devices) != 1 || resp.Devices[0].VendorId != 0x046d {
		t.Fatalf("unexpected devices: %+v", resp.Devices)
	}
}

func TestRoundTripSubmitTransferAndComplete(t *testing.T) {
	c := NewCodec()

	submit := Message{
		Version: CurrentVersion,
		Payload: &SubmitTransfer{
			Id:     7,
			Handle: 42,
			Request: TransferRequest{
				Kind:        TransferControl,
				RequestType: 0x80,
				Request:     0x06,
				Value:       0x0100,
				Index:       0,
				Length:      18,
			},
		},
	}
	got := roundTrip(t, c, submit)
	st, ok := got.Payload.(*SubmitTransfer)
	if !ok || st.Id != 7 || st.Handle != 42 || st.Request.Length != 18 {
		t.Fatalf("unexpected submit payload: %+v", got.Payload)
	}

	complete := Message{
		Version: CurrentVersion,
		Payload: &TransferComplete{
			Id:     7,
			Result: Success(bytes.Repeat([]byte{0x12, 0x01}, 9)),
		},
	}
	got = roundTrip(t, c, complete)
	tc, ok := got.Payload.(*TransferComplete)
	if !ok || !tc.Result.Ok || len(tc.Result.Data) != 18 {
		t.Fatalf("unexpected complete payload: %+v", got.Payload)
	}
}

func TestRoundTripTransferErrorKind(t *testing.T) {
	c := NewCodec()
	msg := Message{
		Version: CurrentVersion,
		Payload: &TransferComplete{Id: 9, Result: Failure(usberr.Timeout, "deadline exceeded")},
	}
	got := roundTrip(t, c, msg)
	tc := got.Payload.(*TransferComplete)
	if tc.Result.Ok || tc.Result.Kind != usberr.Timeout {
		t.Fatalf("unexpected result: %+v", tc.Result)
	}
}

func TestRoundTripHeartbeat(t *testing.T) {
	c := NewCodec()
	got := roundTrip(t, c, Message{Version: CurrentVersion, Payload: &Heartbeat{Nonce: 99}})
	if got.Payload.(*Heartbeat).Nonce != 99 {
		t.Fatalf("nonce not preserved")
	}
}

func TestVersionMismatchDetectedBeforePayload(t *testing.T) {
	c := NewCodec()
	msg := Message{
		Version: Version{Major: CurrentVersion.Major + 1},
		Payload: &AttachReq{DeviceId: 1},
	}

	b, err := c.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Corrupt the payload region so that, were it decoded, it would fail;
	// the version check must short-circuit before that happens.
	for i := 4; i < len(b); i++ {
		b[i] = 0xff
	}

	_, err = c.Decode(b)
	if err != ErrVersionMismatch {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestOversizedPayloadRejected(t *testing.T) {
	c := &Codec{MaxPayloadSize: 16}
	msg := Message{
		Version: CurrentVersion,
		Payload: &SubmitTransfer{
			Id: 1, Handle: 1,
			Request: TransferRequest{Kind: TransferBulk, Endpoint: 0x01, Data: make([]byte, 64)},
		},
	}

	b, err := c.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, err = c.Decode(b)
	if err == nil {
		t.Fatalf("expected oversized payload to be rejected")
	}
}

func TestTruncatedMessageIsMalformed(t *testing.T) {
	c := NewCodec()
	b, _ := c.Encode(Message{Version: CurrentVersion, Payload: &AttachReq{DeviceId: 5}})

	_, err := c.Decode(b[:len(b)-2])
	if err == nil {
		t.Fatalf("expected truncated message to be rejected")
	}
}

func TestControlInWithPayloadRejected(t *testing.T) {
	r := TransferRequest{Kind: TransferControl, RequestType: 0x80, Data: []byte{1}}
	if err := r.Validate(DefaultMaxPayloadSize); err == nil {
		t.Fatalf("expected validation error for IN control request carrying payload")
	}
}

func TestBulkLengthAtMaxAccepted(t *testing.T) {
	r := TransferRequest{Kind: TransferBulk, Endpoint: 0x01, Data: make([]byte, 10)}
	if err := r.Validate(10); err != nil {
		t.Fatalf("expected length == max to be accepted: %v", err)
	}
	if err := r.Validate(9); err == nil {
		t.Fatalf("expected length == max+1 to be rejected")
	}
}
