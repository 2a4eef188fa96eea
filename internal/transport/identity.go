package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/usbshare/usbshare/internal/wire"
)

// Identity is a peer's persistent cryptographic identity: an Ed25519
// keypair whose public half is the wire.EndpointId other peers see.
type Identity struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// EndpointId returns the identity's public key as a wire.EndpointId.
func (id Identity) EndpointId() wire.EndpointId {
	var e wire.EndpointId
	copy(e[:], id.Public)
	return e
}

// LoadOrCreateIdentity reads the secret key from path, generating and
// persisting a new one if the file does not exist. File permissions
// are restricted to the owner, per spec §6's persisted-state contract.
func LoadOrCreateIdentity(path string) (Identity, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(b) != ed25519.SeedSize {
			return Identity{}, fmt.Errorf("transport: secret key %s has wrong length %d", path, len(b))
		}
		priv := ed25519.NewKeyFromSeed(b)
		return Identity{Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil

	case os.IsNotExist(err):
		pub, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return Identity{}, genErr
		}

		if mkErr := os.MkdirAll(filepath.Dir(path), 0700); mkErr != nil {
			return Identity{}, mkErr
		}
		seed := priv.Seed()
		if writeErr := os.WriteFile(path, seed, 0600); writeErr != nil {
			return Identity{}, writeErr
		}

		return Identity{Private: priv, Public: pub}, nil

	default:
		return Identity{}, err
	}
}

// selfSignedCert builds a self-signed TLS certificate binding id's
// Ed25519 public key, for use as the QUIC handshake certificate. Peers
// never consult a CA: Connect (transport.go) compares the peer
// certificate's public key directly against the expected
// wire.EndpointId (Tailscale/iroh-style raw-key authentication).
func selfSignedCert(id Identity) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id.EndpointId().String()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, id.Public, id.Private)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalPKCS8PrivateKey(id.Private)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return tls.X509KeyPair(certPEM, keyPEM)
}

// peerEndpointId extracts the remote Ed25519 public key from a
// verified TLS connection state's leaf certificate.
func peerEndpointId(state tls.ConnectionState) (wire.EndpointId, error) {
	if len(state.PeerCertificates) == 0 {
		return wire.EndpointId{}, fmt.Errorf("transport: no peer certificate presented")
	}

	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return wire.EndpointId{}, fmt.Errorf("transport: peer certificate key is not Ed25519")
	}

	var id wire.EndpointId
	copy(id[:], pub)
	return id, nil
}
