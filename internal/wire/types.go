// Package wire implements usbshare's peer-to-peer message envelope: a
// compact, little-endian, self-describing binary encoding with no
// external schema. It is the leaf dependency of every other component
// — transport, session, registry, and the USB worker all exchange
// Messages built from the types in this package.
//
// This codec must never be reused for the USB/IP kernel-facing wire
// (package usbip): that wire is big-endian and mirrors a kernel
// contract this package has no part in.
package wire

import (
	"encoding/hex"
	"fmt"
)

// DeviceId identifies a physical device on one server, stable for the
// lifetime of a physical attachment.
type DeviceId uint64

// DeviceHandle is an opaque, session-scoped token returned by Attach.
type DeviceHandle uint64

// RequestId matches a response to its request within one session. It
// is monotonic and never reused.
type RequestId uint64

// EndpointId is a peer's cryptographic public identity: a fixed-size
// Ed25519 public key, as produced by internal/transport.
type EndpointId [32]byte

func (id EndpointId) String() string {
	return fmt.Sprintf("%x", id[:])
}

// ParseEndpointId decodes the hex form String produces, for config
// files and CLI arguments that name a peer by identity.
func ParseEndpointId(s string) (EndpointId, error) {
	var id EndpointId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("wire: invalid peer id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("wire: peer id %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Speed enumerates USB signalling speeds. Values match the USB/IP wire
// encoding (package usbip) deliberately, but this type belongs to the
// data model, not the wire: usbip.SpeedCode(Speed) performs the actual
// cross-layer translation so the two wires never share a codec.
type Speed uint8

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedWireless
	SpeedSuper
	SpeedSuperPlus
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedWireless:
		return "wireless"
	case SpeedSuper:
		return "super"
	case SpeedSuperPlus:
		return "super-plus"
	default:
		return "unknown"
	}
}

// IsSuperSpeedOrBetter reports whether s belongs in the VHCI SS port
// range rather than the HS range.
func (s Speed) IsSuperSpeedOrBetter() bool {
	return s == SpeedSuper || s == SpeedSuperPlus
}

// DeviceInfo is immutable for the life of an attachment.
type DeviceInfo struct {
	Id                 DeviceId
	VendorId           uint16
	ProductId          uint16
	Class              uint8
	SubClass           uint8
	Protocol           uint8
	BusNumber          uint8
	DeviceAddress      uint8
	Speed              Speed
	Manufacturer       string
	Product            string
	SerialNumber       string
	ConfigurationCount uint8
}

// Version is the message envelope's protocol-version tag. A major
// mismatch is reported before any payload decode is attempted.
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

// CurrentVersion is embedded in every Message this implementation
// encodes. Bumping Major changes the transport ALPN identifier too
// (internal/transport).
var CurrentVersion = Version{Major: 1, Minor: 0, Patch: 0}
