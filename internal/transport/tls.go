package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/postalsys/freeviewer/internal/certutil"
)

const (
	// ALPNProtocol is the ALPN protocol identifier for QUIC/TLS.
	ALPNProtocol = "freeviewer/1"

	// WSSubprotocol is the WebSocket subprotocol.
	WSSubprotocol = "freeviewer.v1"
)

// ErrFingerprintMismatch is returned when a pinned certificate does not match.
var ErrFingerprintMismatch = errors.New("server certificate fingerprint mismatch")

// ServerTLSConfig builds a listener TLS configuration from cert.
func ServerTLSConfig(cert *certutil.Cert) (*tls.Config, error) {
	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// SelfSignedTLSConfig generates an ephemeral self-signed identity. Hosts use
// it for direct listeners; the session handshake authenticates the peer.
func SelfSignedTLSConfig(commonName string) (*tls.Config, error) {
	cert, err := certutil.GenerateSelfSigned(certutil.DefaultOptions(commonName))
	if err != nil {
		return nil, err
	}
	return ServerTLSConfig(cert)
}

// LoadTLSConfig loads a listener TLS configuration from files.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := certutil.Load(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return ServerTLSConfig(cert)
}

// ClientTLSConfig returns the dialer TLS configuration. PKI verification is
// skipped because peers are authenticated by the session handshake; when
// pin is set the server certificate must match it.
func ClientTLSConfig(pin string) *tls.Config {
	cfg := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPNProtocol},
	}
	if pin != "" {
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || !certutil.VerifyFingerprint(rawCerts[0], pin) {
				return ErrFingerprintMismatch
			}
			return nil
		}
	}
	return cfg
}

func dialTLSConfig(opts DialOptions) *tls.Config {
	if opts.TLSConfig != nil {
		return opts.TLSConfig
	}
	return ClientTLSConfig(opts.PinnedFingerprint)
}
