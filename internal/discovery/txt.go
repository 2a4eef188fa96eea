// Package discovery implements DNS-SD advertisement and browsing for
// usbshare servers (§4.9, MODULE EXPANSION item 2), grounded on the
// teacher's dnssd.go/dnssd_avahi.go. The system-independent TXT-record
// shape below is a direct port of dnssd.go's DnsSdTxtItem/DnsDsTxtRecord;
// the system-dependent half (avahi.go) replaces the teacher's cgo
// libavahi-client bindings with the pure-Go github.com/godbus/dbus/v5 +
// github.com/holoplot/go-avahi stack the teacher's own go.mod already
// names but never imports.
package discovery

import "time"

// ServiceType is the DNS-SD service type usbshare advertises itself
// under.
const ServiceType = "_usbshare._tcp"

// RetryInterval is how long the server waits before retrying a failed
// Publish, mirroring the teacher's const.go DNSSdRetryInterval for
// DNS-SD operations against a possibly-not-yet-running avahi-daemon.
const RetryInterval = 1 * time.Second

// TxtItem is one key=value pair encoded into a DNS-SD TXT record.
type TxtItem struct {
	Key   string
	Value string
}

// TxtRecord is an ordered set of TXT items.
type TxtRecord []TxtItem

// Add appends item unconditionally.
func (r TxtRecord) Add(key, value string) TxtRecord {
	return append(r, TxtItem{Key: key, Value: value})
}

// IfNotEmpty appends item only if value is non-empty, mirroring
// dnssd.go's helper of the same name for optional fields like a
// server's discovery display name override.
func (r TxtRecord) IfNotEmpty(key, value string) TxtRecord {
	if value == "" {
		return r
	}
	return r.Add(key, value)
}

// Export renders the record as the [][]byte avahi_entry_group_add_service_strlst
// and its Go bindings expect: one "key=value" string per TXT item.
//
// Avahi's own client library publishes TXT strings in the reverse of
// insertion order; dnssd.go's export walks its slice backwards for
// exactly that reason. The Go avahi bindings used here take the slice
// as given and do the reversal internally, so Export preserves
// insertion order and leaves that detail to avahi.go's caller.
func (r TxtRecord) Export() [][]byte {
	out := make([][]byte, len(r))
	for i, item := range r {
		out[i] = []byte(item.Key + "=" + item.Value)
	}
	return out
}

// ServerInfo is what a resolved browse result carries back to the
// client's friendly-name resolution (§4.9): the advertising server's
// peer identity and advertised address.
type ServerInfo struct {
	Name string // DNS-SD TXT "name": the advertised friendly/host name
	Peer string // DNS-SD TXT "id": the hex-encoded peer EndpointId
	Addr string // resolved host:port
}
