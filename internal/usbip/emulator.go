package usbip

import (
	"context"
	"io"
	"sync"

	"github.com/usbshare/usbshare/internal/usberr"
	"github.com/usbshare/usbshare/internal/wire"
)

// Submitter is the narrow interface the emulator needs from whatever
// carries transfers to the session layer. A client session satisfies
// this without the usbip package needing to know about sessions,
// transports, or the P2P wire at all.
type Submitter interface {
	Submit(ctx context.Context, id uint64, req wire.TransferRequest) (wire.TransferResult, error)
	Cancel(id uint64) bool
}

// Emulator drives one virtual device's submit loop: it owns the
// bridge end of a socket pair handed to the VHCI kernel module, reads
// CMD_SUBMIT/CMD_UNLINK headers off it, forwards work to a Submitter,
// and writes RET_SUBMIT/RET_UNLINK replies back.
type Emulator struct {
	Devid      uint32
	Classifier EndpointClassifier
	Submit     Submitter

	writeMu sync.Mutex
}

// NewEmulator returns an Emulator with the default endpoint classifier.
func NewEmulator(devid uint32, submit Submitter) *Emulator {
	return &Emulator{Devid: devid, Classifier: DefaultClassifier{}, Submit: submit}
}

// Run reads the bridge socket until it closes, dispatching each
// CMD_SUBMIT/CMD_UNLINK to its own goroutine so that one logical
// stream's RET_SUBMIT never blocks behind another's, per the
// no-ordering-guarantee-between-streams rule. ctx is passed to each
// Submit call; Run does not watch it and returns only when the bridge
// socket is closed or a read or decode fails.
func (e *Emulator) Run(ctx context.Context, bridge io.ReadWriter) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	hdr := make([]byte, urbHeaderSize)
	for {
		if err := ReadExactly(bridge, hdr); err != nil {
			return err
		}
		command := beUint32(hdr[0:4])

		switch command {
		case CmdSubmit:
			sub, err := DecodeCmdSubmit(hdr)
			if err != nil {
				return err
			}
			var payload []byte
			if sub.Direction == DirOut && sub.BufferLength > 0 {
				payload = make([]byte, sub.BufferLength)
				if err := ReadExactly(bridge, payload); err != nil {
					return err
				}
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.handleSubmit(ctx, bridge, sub, payload)
			}()

		case CmdUnlink:
			unl, err := DecodeCmdUnlink(hdr)
			if err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.handleUnlink(bridge, unl)
			}()

		default:
			return errUnknownCommand(command)
		}
	}
}

func (e *Emulator) handleSubmit(ctx context.Context, bridge io.Writer, sub CmdSubmitHeader, payload []byte) {
	req := wire.TransferRequest{
		Kind:      e.Classifier.Classify(uint8(sub.Endpoint)),
		Endpoint:  uint8(sub.Endpoint),
		Data:      payload,
		Length:    sub.BufferLength,
		TimeoutMs: 0,
	}
	if req.Kind == wire.TransferControl {
		s := sub.Setup[:]
		req.RequestType = s[0]
		req.Request = s[1]
		req.Value = leUint16(s[2:4])
		req.Index = leUint16(s[4:6])
	}

	result, err := e.Submit.Submit(ctx, uint64(sub.Seqnum), req)
	if err != nil {
		result = wire.Failure(usberr.KindOf(err), err.Error())
	}

	ret := RetSubmitHeader{
		Seqnum:    sub.Seqnum,
		Devid:     e.Devid,
		Direction: sub.Direction,
		Endpoint:  sub.Endpoint,
	}
	var data []byte
	if result.Ok {
		ret.Status = 0
		if sub.Direction == DirIn {
			data = result.Data
			ret.ActualLength = uint32(len(data))
		} else {
			ret.ActualLength = sub.BufferLength
		}
	} else {
		ret.Status = StatusFor(result.Kind)
	}

	e.write(bridge, ret.Encode(), data)
}

func (e *Emulator) handleUnlink(bridge io.Writer, unl CmdUnlinkHeader) {
	cancelled := e.Submit.Cancel(uint64(unl.UnlinkSeqnum))

	status := int32(0)
	if cancelled {
		status = -errECONNRESET
	}
	ret := RetUnlinkHeader{
		Seqnum:    unl.Seqnum,
		Devid:     e.Devid,
		Direction: unl.Direction,
		Endpoint:  unl.Endpoint,
		Status:    status,
	}
	e.write(bridge, ret.Encode(), nil)
}

func (e *Emulator) write(bridge io.Writer, hdr, payload []byte) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	// Errors writing back to the bridge are not actionable here: the
	// bridge socket's owner (the virtual-device manager) observes
	// closure through its own Read loop and tears the device down.
	_, _ = bridge.Write(hdr)
	if len(payload) > 0 {
		_, _ = bridge.Write(payload)
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

type errUnknownCommand uint32

func (e errUnknownCommand) Error() string {
	return "usbip: unknown command code"
}
