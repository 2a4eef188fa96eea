// Package transport implements the endpoint transport (§4.5): a
// cryptographically authenticated, encrypted, multiplexed-stream P2P
// transport built on QUIC. Peer identity is the Ed25519 public key
// embedded in each side's self-signed certificate — there is no CA,
// no other identity, and no plaintext fallback.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"

	"github.com/usbshare/usbshare/internal/wire"
)

// ALPN is the application-layer protocol identifier negotiated during
// the QUIC/TLS handshake (§6). A major protocol version bump rotates
// this string.
const ALPN = "rust-p2p-usb/1"

// AllowFunc decides whether a connecting or dialed peer may proceed,
// independent of TLS validity (policy §4.9 layers on top of the raw
// cryptographic handshake).
type AllowFunc func(peer wire.EndpointId) bool

// AllowAny permits every peer whose certificate verifies; used when
// security.require_approval is false.
func AllowAny(wire.EndpointId) bool { return true }

// Endpoint is a bound, listening transport identity.
type Endpoint struct {
	identity Identity
	listener *quic.Listener
	allow    AllowFunc
}

// Bind generates (or loads) a persistent identity and starts listening
// on addr. It returns once the listener is ready, so the identity it
// reports is the one peers can actually reach (§4.5).
func Bind(ctx context.Context, addr string, keyPath string, allow AllowFunc) (*Endpoint, error) {
	id, err := LoadOrCreateIdentity(keyPath)
	if err != nil {
		return nil, fmt.Errorf("transport: load identity: %w", err)
	}

	cert, err := selfSignedCert(id)
	if err != nil {
		return nil, fmt.Errorf("transport: build certificate: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true, // identity is the raw key, not a CA chain
		ClientAuth:         tls.RequireAnyClientCert,
	}

	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	if allow == nil {
		allow = AllowAny
	}

	return &Endpoint{identity: id, listener: listener, allow: allow}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 0, // heartbeat is a session-layer concern (§4.4), not transport
		MaxIdleTimeout:  0,
	}
}

// EndpointId returns this endpoint's public identity.
func (e *Endpoint) EndpointId() wire.EndpointId { return e.identity.EndpointId() }

// Addr returns the listening network address.
func (e *Endpoint) Addr() string { return e.listener.Addr().String() }

// Close stops accepting new connections.
func (e *Endpoint) Close() error { return e.listener.Close() }

// Accept waits for the next inbound connection whose peer identity
// passes the allow-list. Connections from disallowed peers are closed
// immediately and Accept continues waiting, matching §4.9's "rejected
// before any session state is created".
func (e *Endpoint) Accept(ctx context.Context) (*Connection, error) {
	for {
		qc, err := e.listener.Accept(ctx)
		if err != nil {
			return nil, err
		}

		peer, err := peerEndpointId(qc.ConnectionState().TLS)
		if err != nil {
			qc.CloseWithError(0, "identity required")
			continue
		}

		if !e.allow(peer) {
			qc.CloseWithError(1, "peer not allowed")
			continue
		}

		return &Connection{conn: qc, peer: peer}, nil
	}
}

// Connect dials peer at addr, verifying that the presented certificate
// carries exactly the expected public key before the connection is
// handed back.
func Connect(ctx context.Context, addr string, keyPath string, expectPeer wire.EndpointId) (*Connection, error) {
	id, err := LoadOrCreateIdentity(keyPath)
	if err != nil {
		return nil, fmt.Errorf("transport: load identity: %w", err)
	}

	cert, err := selfSignedCert(id)
	if err != nil {
		return nil, fmt.Errorf("transport: build certificate: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true, // chain trust is irrelevant; identity is checked below
	}

	qc, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	peer, err := peerEndpointId(qc.ConnectionState().TLS)
	if err != nil {
		qc.CloseWithError(0, "identity required")
		return nil, err
	}

	if peer != expectPeer {
		qc.CloseWithError(1, "unexpected peer identity")
		return nil, fmt.Errorf("transport: expected peer %s, got %s", expectPeer, peer)
	}

	return &Connection{conn: qc, peer: peer}, nil
}

// Connection is an authenticated, encrypted P2P connection over which
// multiple independent logical streams may be opened.
type Connection struct {
	conn quic.Connection
	peer wire.EndpointId
}

// PeerIdentity returns the remote peer's public key.
func (c *Connection) PeerIdentity() wire.EndpointId { return c.peer }

// RemoteAddr returns the network address of the remote peer.
func (c *Connection) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Close closes the connection and all of its streams.
func (c *Connection) Close() error { return c.conn.CloseWithError(0, "") }

// OpenStream opens a new bidirectional logical stream. Streams
// multiplex independently: a large transfer on one never blocks
// delivery on another (§4.4's head-of-line-avoidance requirement).
func (c *Connection) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AcceptStream waits for the peer to open a new logical stream.
func (c *Connection) AcceptStream(ctx context.Context) (io.ReadWriteCloser, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}
