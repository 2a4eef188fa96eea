package wire

import "github.com/usbshare/usbshare/internal/usberr"

// TransferKind enumerates the USB transfer types a TransferRequest may
// carry. Isochronous has no member here; it is rejected at decode
// time rather than given a representation, per the codec's Non-goal.
type TransferKind uint8

const (
	TransferControl TransferKind = iota
	TransferBulk
	TransferInterrupt
)

// direction bit, shared with the USB endpoint address convention: bit
// 7 set means IN (device-to-host).
const directionInBit = 0x80

// DirectionOfEndpoint reports the transfer direction implied by an endpoint
// address, per §3: the high bit of the address.
func DirectionOfEndpoint(endpoint uint8) (in bool) {
	return endpoint&directionInBit != 0
}

// TransferRequest is the tagged union over Control/Bulk/Interrupt
// transfer requests.
type TransferRequest struct {
	Kind TransferKind

	// Control fields
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16

	// Bulk/Interrupt fields
	Endpoint uint8

	// Shared: OUT transfers carry Data; IN transfers carry Length
	// (the number of bytes expected back) and a nil Data.
	Data   []byte
	Length uint32

	TimeoutMs uint32
}

// IsOut reports whether this request carries outbound payload.
func (r *TransferRequest) IsOut() bool {
	if r.Kind == TransferControl {
		return r.RequestType&directionInBit == 0
	}
	return !DirectionOfEndpoint(r.Endpoint)
}

// Validate enforces the boundary behaviours from §8: a Control
// request whose direction bit says IN must carry no payload; lengths
// must not exceed maxTransferLength.
func (r *TransferRequest) Validate(maxTransferLength uint32) error {
	if r.Kind == TransferControl {
		in := r.RequestType&directionInBit != 0
		if in && len(r.Data) != 0 {
			return usberr.New("validate", usberr.InvalidParam,
				errInvalidControlDirection)
		}
	}

	n := r.Length
	if r.IsOut() {
		n = uint32(len(r.Data))
	}
	if n > maxTransferLength {
		return usberr.New("validate", usberr.InvalidParam, errTransferTooLarge)
	}

	return nil
}

var (
	errInvalidControlDirection = simpleError("control request_type direction is IN but payload is non-empty")
	errTransferTooLarge        = simpleError("transfer length exceeds configured maximum")
)

type simpleError string

func (e simpleError) Error() string { return string(e) }

// TransferResult is the tagged union over Success(data)/Error(kind).
type TransferResult struct {
	Ok      bool
	Data    []byte
	Kind    usberr.Kind
	Message string
}

// Success constructs a successful TransferResult.
func Success(data []byte) TransferResult {
	return TransferResult{Ok: true, Data: data}
}

// Failure constructs a failed TransferResult.
func Failure(kind usberr.Kind, msg string) TransferResult {
	return TransferResult{Ok: false, Kind: kind, Message: msg}
}
