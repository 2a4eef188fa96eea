package wire

import "fmt"

// ListDevicesReq asks the peer to enumerate its shareable devices.
type ListDevicesReq struct{}

func (*ListDevicesReq) Kind() Kind          { return KindListDevicesReq }
func (*ListDevicesReq) encode(*encoder)     {}
func (*ListDevicesReq) decode(*decoder) error { return nil }

// ListDevicesResp answers ListDevicesReq.
type ListDevicesResp struct {
	Devices []DeviceInfo
}

func (*ListDevicesResp) Kind() Kind { return KindListDevicesResp }

func (p *ListDevicesResp) encode(e *encoder) {
	e.u32(uint32(len(p.Devices)))
	for _, d := range p.Devices {
		encodeDeviceInfo(e, d)
	}
}

func (p *ListDevicesResp) decode(d *decoder) error {
	n := d.u32()
	if d.err != nil {
		return wrapMalformed(d.err)
	}
	p.Devices = make([]DeviceInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		info, err := decodeDeviceInfo(d)
		if err != nil {
			return err
		}
		p.Devices = append(p.Devices, info)
	}
	return nil
}

func encodeDeviceInfo(e *encoder, d DeviceInfo) {
	e.u64(uint64(d.Id))
	e.u16(d.VendorId)
	e.u16(d.ProductId)
	e.u8(d.Class)
	e.u8(d.SubClass)
	e.u8(d.Protocol)
	e.u8(d.BusNumber)
	e.u8(d.DeviceAddress)
	e.u8(uint8(d.Speed))
	e.str(d.Manufacturer)
	e.str(d.Product)
	e.str(d.SerialNumber)
	e.u8(d.ConfigurationCount)
}

func decodeDeviceInfo(d *decoder) (DeviceInfo, error) {
	info := DeviceInfo{
		Id:            DeviceId(d.u64()),
		VendorId:      d.u16(),
		ProductId:     d.u16(),
		Class:         d.u8(),
		SubClass:      d.u8(),
		Protocol:      d.u8(),
		BusNumber:     d.u8(),
		DeviceAddress: d.u8(),
		Speed:         Speed(d.u8()),
	}
	info.Manufacturer = d.str()
	info.Product = d.str()
	info.SerialNumber = d.str()
	info.ConfigurationCount = d.u8()
	if d.err != nil {
		return DeviceInfo{}, wrapMalformed(d.err)
	}
	return info, nil
}

// AttachReq asks the peer to open DeviceId for the requesting session.
type AttachReq struct {
	DeviceId DeviceId
}

func (*AttachReq) Kind() Kind { return KindAttachReq }
func (p *AttachReq) encode(e *encoder) { e.u64(uint64(p.DeviceId)) }
func (p *AttachReq) decode(d *decoder) error {
	p.DeviceId = DeviceId(d.u64())
	return wrapMalformed(d.err)
}

// AttachErrorKind classifies why an AttachReq was refused.
type AttachErrorKind uint8

const (
	AttachErrorNone AttachErrorKind = iota
	AttachErrorAlreadyAttached
	AttachErrorNotAllowed
	AttachErrorDeviceNotFound
	AttachErrorOther
)

// AttachResp answers AttachReq with either a handle or an error kind.
type AttachResp struct {
	Ok      bool
	Handle  DeviceHandle
	ErrKind AttachErrorKind
	ErrMsg  string
}

func (*AttachResp) Kind() Kind { return KindAttachResp }

func (p *AttachResp) encode(e *encoder) {
	e.bool(p.Ok)
	if p.Ok {
		e.u64(uint64(p.Handle))
		return
	}
	e.u8(uint8(p.ErrKind))
	e.str(p.ErrMsg)
}

func (p *AttachResp) decode(d *decoder) error {
	p.Ok = d.boolean()
	if p.Ok {
		p.Handle = DeviceHandle(d.u64())
	} else {
		p.ErrKind = AttachErrorKind(d.u8())
		p.ErrMsg = d.str()
	}
	return wrapMalformed(d.err)
}

// DetachReq releases a previously attached DeviceHandle.
type DetachReq struct {
	Handle DeviceHandle
}

func (*DetachReq) Kind() Kind          { return KindDetachReq }
func (p *DetachReq) encode(e *encoder) { e.u64(uint64(p.Handle)) }
func (p *DetachReq) decode(d *decoder) error {
	p.Handle = DeviceHandle(d.u64())
	return wrapMalformed(d.err)
}

// DetachResp answers DetachReq.
type DetachResp struct {
	Ok     bool
	ErrMsg string
}

func (*DetachResp) Kind() Kind { return KindDetachResp }
func (p *DetachResp) encode(e *encoder) {
	e.bool(p.Ok)
	e.str(p.ErrMsg)
}
func (p *DetachResp) decode(d *decoder) error {
	p.Ok = d.boolean()
	p.ErrMsg = d.str()
	return wrapMalformed(d.err)
}

// SubmitTransfer carries a TransferRequest, addressed to Handle and
// tagged with RequestId for matching against TransferComplete.
type SubmitTransfer struct {
	Id      RequestId
	Handle  DeviceHandle
	Request TransferRequest
}

func (*SubmitTransfer) Kind() Kind { return KindSubmitTransfer }

func (p *SubmitTransfer) encode(e *encoder) {
	e.u64(uint64(p.Id))
	e.u64(uint64(p.Handle))
	r := p.Request
	e.u8(uint8(r.Kind))
	e.u8(r.RequestType)
	e.u8(r.Request)
	e.u16(r.Value)
	e.u16(r.Index)
	e.u8(r.Endpoint)
	e.u32(r.Length)
	e.u32(r.TimeoutMs)
	e.bytes32(r.Data)
}

func (p *SubmitTransfer) decode(d *decoder) error {
	p.Id = RequestId(d.u64())
	p.Handle = DeviceHandle(d.u64())
	p.Request.Kind = TransferKind(d.u8())
	p.Request.RequestType = d.u8()
	p.Request.Request = d.u8()
	p.Request.Value = d.u16()
	p.Request.Index = d.u16()
	p.Request.Endpoint = d.u8()
	p.Request.Length = d.u32()
	p.Request.TimeoutMs = d.u32()
	p.Request.Data = d.bytes32()
	if d.err != nil {
		return wrapMalformed(d.err)
	}
	if p.Request.Kind > TransferInterrupt {
		return ErrMalformed
	}
	return nil
}

// CancelTransfer asks the peer owning Handle to best-effort cancel the
// in-flight request Id, mirroring a USB/IP CMD_UNLINK at the session
// level. The cancelled request still resolves exactly once, either
// with Cancelled or with whatever result the transfer already had in
// flight; CancelTransfer never itself carries a response.
type CancelTransfer struct {
	Id     RequestId
	Handle DeviceHandle
}

func (*CancelTransfer) Kind() Kind { return KindCancelTransfer }

func (p *CancelTransfer) encode(e *encoder) {
	e.u64(uint64(p.Id))
	e.u64(uint64(p.Handle))
}

func (p *CancelTransfer) decode(d *decoder) error {
	p.Id = RequestId(d.u64())
	p.Handle = DeviceHandle(d.u64())
	return wrapMalformed(d.err)
}

// TransferComplete answers a SubmitTransfer with the matching RequestId.
type TransferComplete struct {
	Id     RequestId
	Result TransferResult
}

func (*TransferComplete) Kind() Kind { return KindTransferComplete }

func (p *TransferComplete) encode(e *encoder) {
	e.u64(uint64(p.Id))
	e.bool(p.Result.Ok)
	if p.Result.Ok {
		e.bytes32(p.Result.Data)
		return
	}
	e.usbErrKind(p.Result.Kind)
	e.str(p.Result.Message)
}

func (p *TransferComplete) decode(d *decoder) error {
	p.Id = RequestId(d.u64())
	p.Result.Ok = d.boolean()
	if p.Result.Ok {
		p.Result.Data = d.bytes32()
	} else {
		p.Result.Kind = d.usbErrKind()
		p.Result.Message = d.str()
	}
	return wrapMalformed(d.err)
}

// DeviceArrivedNotification announces a newly discovered device.
type DeviceArrivedNotification struct {
	Info DeviceInfo
}

func (*DeviceArrivedNotification) Kind() Kind { return KindDeviceArrived }
func (p *DeviceArrivedNotification) encode(e *encoder) { encodeDeviceInfo(e, p.Info) }
func (p *DeviceArrivedNotification) decode(d *decoder) error {
	info, err := decodeDeviceInfo(d)
	if err != nil {
		return err
	}
	p.Info = info
	return nil
}

// DeviceRemovedNotification announces a physical removal.
type DeviceRemovedNotification struct {
	Id DeviceId
}

func (*DeviceRemovedNotification) Kind() Kind          { return KindDeviceRemoved }
func (p *DeviceRemovedNotification) encode(e *encoder) { e.u64(uint64(p.Id)) }
func (p *DeviceRemovedNotification) decode(d *decoder) error {
	p.Id = DeviceId(d.u64())
	return wrapMalformed(d.err)
}

// Heartbeat is emitted on the session's 30s heartbeat interval; Nonce round-trips
// through HeartbeatAck so the sender can compute an RTT sample without
// embedding a timestamp on the wire (timing is a transport concern).
type Heartbeat struct {
	Nonce uint64
}

func (*Heartbeat) Kind() Kind          { return KindHeartbeat }
func (p *Heartbeat) encode(e *encoder) { e.u64(p.Nonce) }
func (p *Heartbeat) decode(d *decoder) error {
	p.Nonce = d.u64()
	return wrapMalformed(d.err)
}

// HeartbeatAck answers a Heartbeat with the same Nonce.
type HeartbeatAck struct {
	Nonce uint64
}

func (*HeartbeatAck) Kind() Kind          { return KindHeartbeatAck }
func (p *HeartbeatAck) encode(e *encoder) { e.u64(p.Nonce) }
func (p *HeartbeatAck) decode(d *decoder) error {
	p.Nonce = d.u64()
	return wrapMalformed(d.err)
}

// ErrorPayload carries a protocol-level error message, e.g. the
// version-skew notice of Scenario E.
type ErrorPayload struct {
	Message string
}

func (*ErrorPayload) Kind() Kind          { return KindError }
func (p *ErrorPayload) encode(e *encoder) { e.str(p.Message) }
func (p *ErrorPayload) decode(d *decoder) error {
	p.Message = d.str()
	return wrapMalformed(d.err)
}

func wrapMalformed(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
