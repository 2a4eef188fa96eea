// Package usbip implements the client-facing half of §4.6: the
// big-endian wire family the VHCI kernel module speaks once a socket
// pair has been handed to it via sysfs attach. This is deliberately a
// separate codec from internal/wire's little-endian P2P envelope —
// the two must never be confused, since one mirrors the kernel's USB/IP
// contract and the other is this project's own compact binary format.
package usbip

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/usbshare/usbshare/internal/usberr"
	"github.com/usbshare/usbshare/internal/wire"
)

const (
	protoVersion = 0x0111

	opReqImport = 0x8003
	opRepImport = 0x0003

	// CmdSubmit and friends are the 32-bit command codes at the front
	// of every 48-byte URB header.
	CmdSubmit = 0x00000001
	CmdUnlink = 0x00000002
	RetSubmit = 0x00000003
	RetUnlink = 0x00000004

	DirOut = 0
	DirIn  = 1

	// urbHeaderSize is the fixed size of CMD_SUBMIT/RET_SUBMIT/
	// CMD_UNLINK/RET_UNLINK headers (§6).
	urbHeaderSize = 48

	busidSize   = 32
	devPathSize = 256
)

// SpeedCode maps a wire.Speed to its USB/IP wire value. The mapping is
// deliberately a 1:1 cast: wire.Speed's iota was chosen to already
// match (Low=1 .. SuperPlus=6), so this function exists to name the
// crossing point between the two wires rather than to do real work.
func SpeedCode(s wire.Speed) uint32 {
	return uint32(s)
}

// StatusFor maps a usberr.Kind to the negative errno-style status
// USB/IP RET_SUBMIT/RET_UNLINK headers carry.
func StatusFor(kind usberr.Kind) int32 {
	switch kind {
	case usberr.Timeout:
		return -errETIMEDOUT
	case usberr.PipeStall:
		return -errEPIPE
	case usberr.NoDevice:
		return -errENODEV
	case usberr.Overflow:
		return -errEOVERFLOW
	case usberr.Cancelled:
		return -errECONNRESET
	case usberr.NotFound, usberr.InvalidParam, usberr.Access, usberr.Busy, usberr.IO, usberr.Other:
		return -errEIO
	default:
		return -errEIO
	}
}

// Linux errno values used on the USB/IP wire. Named here rather than
// imported from golang.org/x/sys/unix so this package stays portable
// to the non-Linux stub build of the manager that uses it.
const (
	errEIO        = 5
	errENODEV     = 19
	errETIMEDOUT  = 110
	errEPIPE      = 32
	errEOVERFLOW  = 75
	errECONNRESET = 104
)

// busid formats the "<port>-<devid>" identifier §4.6 requires.
func busid(port int, devid uint32) string {
	return fmt.Sprintf("%d-%d", port, devid)
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// WriteImportHandshake writes the OP_REQ_IMPORT / OP_REP_IMPORT pair
// into the bridge end of the socket pair, before it is hand off to the
// kernel via VHCI attach. Both records are synthesized locally: there
// is no real remote usbip host on the other end of this socket, only
// the kernel module, which never reads them itself — they exist so the
// on-wire shape matches what a real USB/IP host would have produced.
func WriteImportHandshake(w io.Writer, port int, devid uint32, info wire.DeviceInfo) error {
	id := busid(port, devid)

	req := make([]byte, 8+busidSize)
	binary.BigEndian.PutUint16(req[0:2], protoVersion)
	binary.BigEndian.PutUint16(req[2:4], opReqImport)
	binary.BigEndian.PutUint32(req[4:8], 0)
	putFixedString(req[8:8+busidSize], id)
	if _, err := w.Write(req); err != nil {
		return fmt.Errorf("usbip: write OP_REQ_IMPORT: %w", err)
	}

	rep := make([]byte, 8+devPathSize+busidSize+4+4+4+2+2+2+1+1+1+1+1)
	off := 0
	binary.BigEndian.PutUint16(rep[off:off+2], protoVersion)
	off += 2
	binary.BigEndian.PutUint16(rep[off:off+2], opRepImport)
	off += 2
	binary.BigEndian.PutUint32(rep[off:off+4], 0)
	off += 4
	putFixedString(rep[off:off+devPathSize], "/sys/devices/usbshare/"+id)
	off += devPathSize
	putFixedString(rep[off:off+busidSize], id)
	off += busidSize
	binary.BigEndian.PutUint32(rep[off:off+4], uint32(info.BusNumber))
	off += 4
	binary.BigEndian.PutUint32(rep[off:off+4], devid)
	off += 4
	binary.BigEndian.PutUint32(rep[off:off+4], SpeedCode(info.Speed))
	off += 4
	binary.BigEndian.PutUint16(rep[off:off+2], info.VendorId)
	off += 2
	binary.BigEndian.PutUint16(rep[off:off+2], info.ProductId)
	off += 2
	binary.BigEndian.PutUint16(rep[off:off+2], 0) // bcdDevice: not tracked in DeviceInfo
	off += 2
	rep[off] = info.Class
	off++
	rep[off] = info.SubClass
	off++
	rep[off] = info.Protocol
	off++
	rep[off] = info.ConfigurationCount
	off++
	rep[off] = 1 // bNumInterfaces: not tracked per-interface here, assume one
	off++

	if _, err := w.Write(rep); err != nil {
		return fmt.Errorf("usbip: write OP_REP_IMPORT: %w", err)
	}
	return nil
}

// CmdSubmitHeader is the decoded form of a CMD_SUBMIT/RET_SUBMIT 48-byte
// header (§6). Not every field applies to both directions; Decode/
// Encode pick the right layout based on Command.
type CmdSubmitHeader struct {
	Command       uint32
	Seqnum        uint32
	Devid         uint32
	Direction     uint32
	Endpoint      uint32
	TransferFlags uint32
	BufferLength  uint32
	StartFrame    uint32
	NumPackets    uint32
	Interval      uint32
	Setup         [8]byte
}

// DecodeCmdSubmit parses a 48-byte CMD_SUBMIT header.
func DecodeCmdSubmit(hdr []byte) (CmdSubmitHeader, error) {
	if len(hdr) != urbHeaderSize {
		return CmdSubmitHeader{}, fmt.Errorf("usbip: CMD_SUBMIT header must be %d bytes, got %d", urbHeaderSize, len(hdr))
	}
	var h CmdSubmitHeader
	h.Command = binary.BigEndian.Uint32(hdr[0:4])
	h.Seqnum = binary.BigEndian.Uint32(hdr[4:8])
	h.Devid = binary.BigEndian.Uint32(hdr[8:12])
	h.Direction = binary.BigEndian.Uint32(hdr[12:16])
	h.Endpoint = binary.BigEndian.Uint32(hdr[16:20])
	h.TransferFlags = binary.BigEndian.Uint32(hdr[20:24])
	h.BufferLength = binary.BigEndian.Uint32(hdr[24:28])
	h.StartFrame = binary.BigEndian.Uint32(hdr[28:32])
	h.NumPackets = binary.BigEndian.Uint32(hdr[32:36])
	h.Interval = binary.BigEndian.Uint32(hdr[36:40])
	copy(h.Setup[:], hdr[40:48])
	return h, nil
}

// RetSubmitHeader is the reply header sent back to the kernel.
type RetSubmitHeader struct {
	Seqnum       uint32
	Devid        uint32
	Direction    uint32
	Endpoint     uint32
	Status       int32
	ActualLength uint32
	StartFrame   uint32
	NumPackets   uint32
	ErrorCount   uint32
	Setup        [8]byte
}

// Encode writes the 48-byte RET_SUBMIT header.
func (h RetSubmitHeader) Encode() []byte {
	buf := make([]byte, urbHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], RetSubmit)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], h.Direction)
	binary.BigEndian.PutUint32(buf[16:20], h.Endpoint)
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.Status))
	binary.BigEndian.PutUint32(buf[24:28], h.ActualLength)
	binary.BigEndian.PutUint32(buf[28:32], h.StartFrame)
	binary.BigEndian.PutUint32(buf[32:36], h.NumPackets)
	binary.BigEndian.PutUint32(buf[36:40], h.ErrorCount)
	copy(buf[40:48], h.Setup[:])
	return buf
}

// CmdUnlinkHeader is the decoded form of a CMD_UNLINK header.
type CmdUnlinkHeader struct {
	Seqnum       uint32
	Devid        uint32
	Direction    uint32
	Endpoint     uint32
	UnlinkSeqnum uint32
}

// DecodeCmdUnlink parses a 48-byte CMD_UNLINK header (24 trailing
// padding bytes are ignored).
func DecodeCmdUnlink(hdr []byte) (CmdUnlinkHeader, error) {
	if len(hdr) != urbHeaderSize {
		return CmdUnlinkHeader{}, fmt.Errorf("usbip: CMD_UNLINK header must be %d bytes, got %d", urbHeaderSize, len(hdr))
	}
	var h CmdUnlinkHeader
	h.Seqnum = binary.BigEndian.Uint32(hdr[4:8])
	h.Devid = binary.BigEndian.Uint32(hdr[8:12])
	h.Direction = binary.BigEndian.Uint32(hdr[12:16])
	h.Endpoint = binary.BigEndian.Uint32(hdr[16:20])
	h.UnlinkSeqnum = binary.BigEndian.Uint32(hdr[20:24])
	return h, nil
}

// RetUnlinkHeader is the reply header sent back to the kernel for a
// CMD_UNLINK.
type RetUnlinkHeader struct {
	Seqnum    uint32
	Devid     uint32
	Direction uint32
	Endpoint  uint32
	Status    int32
}

// Encode writes the 48-byte RET_UNLINK header.
func (h RetUnlinkHeader) Encode() []byte {
	buf := make([]byte, urbHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], RetUnlink)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], h.Direction)
	binary.BigEndian.PutUint32(buf[16:20], h.Endpoint)
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.Status))
	// remaining 24 bytes are padding, already zero
	return buf
}

// ReadExactly reads len(buf) bytes or returns the underlying error,
// unwrapping io.ErrUnexpectedEOF the same way a short read off a
// socket would be reported.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
