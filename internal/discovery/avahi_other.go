//go:build !linux

package discovery

import "errors"

// ErrUnsupportedPlatform is returned by every Publisher/Browser method
// outside Linux: avahi-daemon and its D-Bus API are Linux-specific, and
// friendly-name resolution falls back to static client.servers[*].name
// config there (§4.9), matching the vhci package's own platform split.
var ErrUnsupportedPlatform = errors.New("discovery: DNS-SD is only available where avahi-daemon runs")

// Publisher is a no-op stand-in outside Linux.
type Publisher struct{}

func NewPublisher() (*Publisher, error) { return nil, ErrUnsupportedPlatform }

func (*Publisher) Publish(instance string, port uint16, txt TxtRecord) error {
	return ErrUnsupportedPlatform
}
func (*Publisher) Unpublish()    {}
func (*Publisher) Close() error { return nil }

// Browser is a no-op stand-in outside Linux.
type Browser struct{}

func NewBrowser() (*Browser, error) { return nil, ErrUnsupportedPlatform }

func (*Browser) Close() error                   { return nil }
func (*Browser) Resolve() ([]ServerInfo, error) { return nil, ErrUnsupportedPlatform }
