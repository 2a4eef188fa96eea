package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadServerConfigMissingFileReturnsDefaults(t *testing.T) {
	c, err := LoadServerConfig(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if c.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want default %q", c.ListenAddr, DefaultListenAddr)
	}
	if !c.DiscoveryEnable {
		t.Error("expected discovery enabled by default")
	}
}

func TestLoadServerConfigParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.conf")
	body := `
[server]
listen = 0.0.0.0:9000
service_mode = true
log_level = debug

[usb]
filters = 0483:*, 1d6b:*
shared = 0483:5740

[security]
require_approval = true
approved_clients = aabbcc, ddeeff
rate_limit_bytes_per_sec = 1000000
rate_limit_burst_bytes = 2000000

[discovery]
enable = false
name = myhost
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}

	if c.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q", c.ListenAddr)
	}
	if !c.ServiceMode {
		t.Error("expected service_mode true")
	}
	if len(c.ShareFilters) != 2 {
		t.Errorf("ShareFilters = %v", c.ShareFilters)
	}
	if !c.RequireApproval {
		t.Error("expected require_approval true")
	}
	if len(c.ApprovedClients) != 2 {
		t.Errorf("ApprovedClients = %v", c.ApprovedClients)
	}
	if c.RateLimitBytesPerSec != 1000000 {
		t.Errorf("RateLimitBytesPerSec = %d", c.RateLimitBytesPerSec)
	}
	if c.DiscoveryEnable {
		t.Error("expected discovery disabled")
	}
	if c.DiscoveryName != "myhost" {
		t.Errorf("DiscoveryName = %q", c.DiscoveryName)
	}
}

func TestServerConfigValidateRejectsBurstSmallerThanRate(t *testing.T) {
	c := DefaultServerConfig()
	c.RateLimitBytesPerSec = 2000
	c.RateLimitBurstBytes = 1000
	if err := c.Validate(); err == nil {
		t.Fatal("expected Validate to reject burst < rate")
	}
}

func TestLoadClientConfigParsesServerEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.conf")
	body := `
[client]
key_path = /tmp/client.key
log_level = error

[server "workbench"]
addr = 192.168.1.50:7790
auto_attach = 0483:*
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if c.KeyPath != "/tmp/client.key" {
		t.Errorf("KeyPath = %q", c.KeyPath)
	}
	if len(c.Servers) != 1 {
		t.Fatalf("Servers = %v", c.Servers)
	}
	if c.Servers[0].Name != "workbench" || c.Servers[0].Addr != "192.168.1.50:7790" {
		t.Errorf("unexpected server entry: %+v", c.Servers[0])
	}
}
