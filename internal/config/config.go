// Package config loads usbshare's INI-style configuration files (§6)
// and the small per-(server, device) state files a client persists
// between reconnects, both through gopkg.in/ini.v1. This replaces the
// teacher's hand-rolled IniRecord/OpenIniFile scanner with the real
// library its own dependency list already named but never called.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Default listen/dial parameters (§6).
const (
	DefaultListenAddr  = ":7790"
	DefaultKeyPath      = "identity.key"
	DefaultHSPorts      = 8
	DefaultSSPorts      = 8
	DefaultRateLimit    = 0 // 0 means unlimited: the server builds no rate-limit bucket
)

// ServerConfig is server.conf's parsed shape: [server], [usb], [security].
type ServerConfig struct {
	ListenAddr      string
	KeyPath         string
	ServiceMode     bool
	LogLevel        string

	ShareFilters    []string // usb.filters
	SharedDevices   []string // usb.shared

	RequireApproval bool     // security.require_approval
	ApprovedClients []string // security.approved_clients, hex-encoded EndpointIds

	RateLimitBytesPerSec int64 // security.rate_limit_bytes_per_sec
	RateLimitBurstBytes  int64 // security.rate_limit_burst_bytes

	DiscoveryEnable bool
	DiscoveryName   string // dns-sd instance name; defaults to hostname
}

// ClientConfig is client.conf's parsed shape: [client] plus one
// [server "name"] section per configured remote.
type ClientConfig struct {
	KeyPath  string
	LogLevel string

	Servers []ServerEntry
}

// ServerEntry is one client.servers[*] entry: a friendly name bound to
// either a static address or a peer identity to resolve via discovery.
type ServerEntry struct {
	Name       string
	Addr       string
	PeerHex    string
	AutoAttach []string
}

// LoadServerConfig reads and validates a server configuration file. A
// missing file is not an error: DefaultServerConfig is returned as-is,
// matching the teacher's "config files are optional, built-in defaults
// apply" behavior for ConfLoad.
func LoadServerConfig(path string) (*ServerConfig, error) {
	c := DefaultServerConfig()
	if path == "" {
		return c, nil
	}

	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		if isNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	if sec, err := f.GetSection("server"); err == nil {
		c.ListenAddr = sec.Key("listen").MustString(c.ListenAddr)
		c.KeyPath = sec.Key("key_path").MustString(c.KeyPath)
		c.ServiceMode = sec.Key("service_mode").MustBool(c.ServiceMode)
		c.LogLevel = sec.Key("log_level").MustString(c.LogLevel)
	}

	if sec, err := f.GetSection("usb"); err == nil {
		c.ShareFilters = sec.Key("filters").Strings(",")
		c.SharedDevices = sec.Key("shared").Strings(",")
	}

	if sec, err := f.GetSection("security"); err == nil {
		c.RequireApproval = sec.Key("require_approval").MustBool(c.RequireApproval)
		c.ApprovedClients = sec.Key("approved_clients").Strings(",")
		c.RateLimitBytesPerSec = sec.Key("rate_limit_bytes_per_sec").MustInt64(c.RateLimitBytesPerSec)
		c.RateLimitBurstBytes = sec.Key("rate_limit_burst_bytes").MustInt64(c.RateLimitBurstBytes)
	}

	if sec, err := f.GetSection("discovery"); err == nil {
		c.DiscoveryEnable = sec.Key("enable").MustBool(c.DiscoveryEnable)
		c.DiscoveryName = sec.Key("name").MustString(c.DiscoveryName)
	}

	return c, c.Validate()
}

// DefaultServerConfig returns the built-in defaults ConfLoad falls back
// to when no config file is present.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:      DefaultListenAddr,
		KeyPath:         DefaultKeyPath,
		LogLevel:        "info",
		DiscoveryEnable: true,
	}
}

// Validate enforces the same category of sanity checks as the
// teacher's confLoadInternal (e.g. HTTPMinPort < HTTPMaxPort): here,
// that a rate-limit burst, if set, isn't smaller than one second's
// worth of the configured refill rate.
func (c *ServerConfig) Validate() error {
	if c.RateLimitBytesPerSec < 0 || c.RateLimitBurstBytes < 0 {
		return fmt.Errorf("config: rate limit values must not be negative")
	}
	if c.RateLimitBytesPerSec > 0 && c.RateLimitBurstBytes > 0 &&
		c.RateLimitBurstBytes < c.RateLimitBytesPerSec {
		return fmt.Errorf("config: rate_limit_burst_bytes must be >= rate_limit_bytes_per_sec")
	}
	return nil
}

// LoadClientConfig reads client.conf, including any number of
// [server "name"] subsections.
func LoadClientConfig(path string) (*ClientConfig, error) {
	c := &ClientConfig{KeyPath: DefaultKeyPath, LogLevel: "info"}
	if path == "" {
		return c, nil
	}

	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		if isNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	if sec, err := f.GetSection("client"); err == nil {
		c.KeyPath = sec.Key("key_path").MustString(c.KeyPath)
		c.LogLevel = sec.Key("log_level").MustString(c.LogLevel)
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		const prefix = `server "`
		if len(name) <= len(prefix)+1 || name[:len(prefix)] != prefix || name[len(name)-1] != '"' {
			continue
		}
		entry := ServerEntry{
			Name:       name[len(prefix) : len(name)-1],
			Addr:       sec.Key("addr").String(),
			PeerHex:    sec.Key("peer").String(),
			AutoAttach: sec.Key("auto_attach").Strings(","),
		}
		c.Servers = append(c.Servers, entry)
	}

	return c, nil
}

func isNotExist(err error) bool {
	type notExister interface{ IsNotExist() bool }
	if ne, ok := err.(notExister); ok {
		return ne.IsNotExist()
	}
	// ini.LoadSources wraps *os.PathError for a missing file; fall back
	// to string matching since the library doesn't export a sentinel.
	return err != nil && containsNoSuchFile(err.Error())
}

func containsNoSuchFile(s string) bool {
	return contains(s, "no such file") || contains(s, "cannot find the file")
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
