//go:build linux

package discovery

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/holoplot/go-avahi"
)

// Publisher advertises one instance of ServiceType over Avahi's
// system-bus DNS-SD API. Unlike the teacher's dnssd_avahi.go, which
// drives libavahi-client directly via cgo and its own threaded event
// loop, this talks to the already-running avahi-daemon over D-Bus, so
// there is no event loop of usbshare's own to manage.
type Publisher struct {
	mu     sync.Mutex
	conn   *dbus.Conn
	server *avahi.Server
	group  *avahi.EntryGroup

	instance string
	port     uint16
	txt      TxtRecord
}

// NewPublisher connects to the system D-Bus and the avahi-daemon it
// hosts. Call Publish to actually advertise.
func NewPublisher() (*Publisher, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("discovery: connect to system bus: %w", err)
	}

	server, err := avahi.ServerNew(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: connect to avahi-daemon: %w", err)
	}

	return &Publisher{conn: conn, server: server}, nil
}

// Publish advertises instance on port, with txt as the DNS-SD TXT
// record (§4.9: TXT carries "id" and "name"). Calling Publish again
// updates the running advertisement.
func (p *Publisher) Publish(instance string, port uint16, txt TxtRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.instance = instance
	p.port = port
	p.txt = txt

	if p.group == nil {
		group, err := p.server.EntryGroupNew()
		if err != nil {
			return fmt.Errorf("discovery: create entry group: %w", err)
		}
		p.group = group
	} else {
		p.group.Reset()
	}

	err := p.group.AddService(
		avahi.InterfaceUnspec,
		avahi.ProtoUnspec,
		0,
		instance,
		ServiceType,
		"",
		"",
		int32(port),
		txt.Export(),
	)
	if err != nil {
		return fmt.Errorf("discovery: add service: %w", err)
	}

	if err := p.group.Commit(); err != nil {
		return fmt.Errorf("discovery: commit entry group: %w", err)
	}
	return nil
}

// Unpublish withdraws the advertisement. Publish may be called again
// afterward to re-advertise.
func (p *Publisher) Unpublish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		p.group.Reset()
	}
}

// Close releases the D-Bus connection.
func (p *Publisher) Close() error {
	p.Unpublish()
	return p.conn.Close()
}

// Browser resolves ServiceType instances, for the client's friendly-
// name fallback path (§4.9: configured names first, then discovery).
type Browser struct {
	conn   *dbus.Conn
	server *avahi.Server
}

// NewBrowser connects to the system D-Bus for browsing.
func NewBrowser() (*Browser, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("discovery: connect to system bus: %w", err)
	}
	server, err := avahi.ServerNew(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: connect to avahi-daemon: %w", err)
	}
	return &Browser{conn: conn, server: server}, nil
}

// Close releases the D-Bus connection.
func (b *Browser) Close() error { return b.conn.Close() }

// Resolve browses for every currently-advertised ServiceType instance
// and resolves each to a ServerInfo. It is a one-shot snapshot, not a
// continuous watch: usbshare's friendly-name resolution (§4.9) is
// additive to static config, not a requirement for correctness, so a
// point-in-time browse is enough.
func (b *Browser) Resolve() ([]ServerInfo, error) {
	browser, err := b.server.ServiceBrowserNew(
		avahi.InterfaceUnspec,
		avahi.ProtoUnspec,
		ServiceType,
		"",
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("discovery: browse %s: %w", ServiceType, err)
	}
	defer browser.Free()

	var out []ServerInfo
	for svc := range browser.AddChannel {
		resolved, err := b.server.ResolveService(
			svc.Interface, svc.Protocol,
			svc.Name, svc.Type, svc.Domain,
			avahi.ProtoUnspec, 0,
		)
		if err != nil {
			continue
		}

		info := ServerInfo{Addr: fmt.Sprintf("%s:%d", resolved.Address, resolved.Port)}
		for _, kv := range decodeTxt(resolved.Txt) {
			switch kv.Key {
			case "id":
				info.Peer = kv.Value
			case "name":
				info.Name = kv.Value
			}
		}
		out = append(out, info)
	}

	return out, nil
}

func decodeTxt(raw [][]byte) TxtRecord {
	var rec TxtRecord
	for _, b := range raw {
		s := string(b)
		for i := 0; i < len(s); i++ {
			if s[i] == '=' {
				rec = rec.Add(s[:i], s[i+1:])
				break
			}
		}
	}
	return rec
}
