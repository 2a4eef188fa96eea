package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"github.com/usbshare/usbshare/internal/wire"
)

// DeviceState is the per-(server, device) reattachment hint persisted
// between client runs: which VHCI port and server-assigned DeviceId a
// device held last time it was attached to this server (§6, MODULE
// EXPANSION item 1). It is advisory only — PortAllocator's in-memory
// bitmap remains the sole source of truth for "is this port free", the
// same way the teacher's HTTPListen tries the persisted port first but
// falls back to scanning the whole configured range.
type DeviceState struct {
	ServerPeer wire.EndpointId
	DeviceId   wire.DeviceId

	Port           int
	GlobalDeviceId uint32

	dir string
}

// StatePath returns the file a DeviceState for (peer, id) under dir
// would be loaded from or saved to, modeled on the teacher's
// devStatePath's PathProgStateDev/<ident>.state layout.
func StatePath(dir string, peer wire.EndpointId, id wire.DeviceId) string {
	return filepath.Join(dir, peer.String(), fmt.Sprintf("%d.state", id))
}

// LoadDeviceState reads a persisted reattachment hint, or returns a
// zero-valued DeviceState (for which PreferredPort reports no hint) if
// none exists yet. A corrupt state file is treated the same as a missing one,
// mirroring devstate.go's "so just start fresh" handling of a
// truncated or malformed ini file.
func LoadDeviceState(dir string, peer wire.EndpointId, id wire.DeviceId) *DeviceState {
	s := &DeviceState{ServerPeer: peer, DeviceId: id, dir: dir}

	path := StatePath(dir, peer, id)
	f, err := ini.Load(path)
	if err != nil {
		return s
	}

	sec, err := f.GetSection("device")
	if err != nil {
		return s
	}
	s.Port = sec.Key("port").MustInt(0)
	s.GlobalDeviceId = uint32(sec.Key("global_device_id").MustUint(0))

	return s
}

// Save persists the current hint, creating dir/<peer-hex>/ if needed.
func (s *DeviceState) Save() error {
	path := StatePath(s.dir, s.ServerPeer, s.DeviceId)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: mkdir for device state: %w", err)
	}

	f := ini.Empty()
	sec, err := f.NewSection("device")
	if err != nil {
		return fmt.Errorf("config: build device state: %w", err)
	}
	sec.Key("port").SetValue(fmt.Sprintf("%d", s.Port))
	sec.Key("global_device_id").SetValue(fmt.Sprintf("%d", s.GlobalDeviceId))

	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("config: save %s: %w", path, err)
	}
	return nil
}

// PreferredPort reports the persisted port hint, and whether one
// exists at all (port 0 is a valid HS-range port index, so a bool is
// needed rather than treating 0 as "no hint").
func (s *DeviceState) PreferredPort() (int, bool) {
	return s.Port, s.GlobalDeviceId != 0 || s.Port != 0
}

// Remember updates the hint in memory; call Save to persist it.
func (s *DeviceState) Remember(port int, globalDeviceId uint32) {
	s.Port = port
	s.GlobalDeviceId = globalDeviceId
}
