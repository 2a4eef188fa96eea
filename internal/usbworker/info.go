package usbworker

import (
	"github.com/google/gousb"

	"github.com/usbshare/usbshare/internal/wire"
)

// speedOf translates a gousb.Device's negotiated speed into the
// data-model Speed. gousb/libusb's own speed enum has no Wireless
// member — that value exists only on the USB/IP wire table (see
// internal/usbip's speed mapping) — so Wireless is never produced
// here; it is preserved in wire.Speed purely so the USB/IP layer can
// round-trip it.
func speedOf(dev *gousb.Device) wire.Speed {
	switch dev.Desc.Speed {
	case gousb.SpeedLow:
		return wire.SpeedLow
	case gousb.SpeedFull:
		return wire.SpeedFull
	case gousb.SpeedHigh:
		return wire.SpeedHigh
	case gousb.SpeedSuper:
		return wire.SpeedSuper
	case gousb.SpeedSuperPlus:
		return wire.SpeedSuperPlus
	default:
		return wire.SpeedUnknown
	}
}

// describe builds a wire.DeviceInfo for an opened device. String
// descriptors are read best-effort: a device that stalls on them still
// gets a usable DeviceInfo with empty strings, matching the teacher's
// "log and continue" tolerance for quirky devices.
func describe(id wire.DeviceId, dev *gousb.Device) wire.DeviceInfo {
	desc := dev.Desc

	info := wire.DeviceInfo{
		Id:                 id,
		VendorId:           uint16(desc.Vendor),
		ProductId:          uint16(desc.Product),
		Class:              uint8(desc.Class),
		SubClass:           uint8(desc.SubClass),
		Protocol:           uint8(desc.Protocol),
		BusNumber:          uint8(desc.Bus),
		DeviceAddress:      uint8(desc.Address),
		Speed:              speedOf(dev),
		ConfigurationCount: uint8(len(desc.Configs)),
	}

	info.Manufacturer, _ = dev.Manufacturer()
	info.Product, _ = dev.Product()
	info.SerialNumber, _ = dev.SerialNumber()

	return info
}
