// Package certutil generates and loads the TLS identities used by relay
// listeners and direct host listeners, and computes certificate
// fingerprints for pinning.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const organization = "FreeViewer"

// Options configures certificate generation.
type Options struct {
	// CommonName is the CN field (required).
	CommonName string

	// ValidFor is the certificate validity duration.
	ValidFor time.Duration

	// DNSNames are additional DNS SANs.
	DNSNames []string

	// IPAddresses are IP SANs.
	IPAddresses []net.IP
}

// DefaultOptions returns options for a self-signed relay or host identity.
func DefaultOptions(commonName string) Options {
	return Options{
		CommonName:  commonName,
		ValidFor:    365 * 24 * time.Hour,
		DNSNames:    []string{commonName, "localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
}

// Cert is a certificate with its ECDSA key.
type Cert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CertPEM     []byte
	KeyPEM      []byte
}

// Fingerprint returns the SHA256 fingerprint of the certificate.
func (c *Cert) Fingerprint() string {
	return Fingerprint(c.Certificate)
}

// TLSCertificate returns a tls.Certificate for use in a tls.Config.
func (c *Cert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(c.CertPEM, c.KeyPEM)
}

// SaveToFiles writes the certificate (0644) and key (0600).
func (c *Cert) SaveToFiles(certPath, keyPath string) error {
	for _, p := range []string{certPath, keyPath} {
		if dir := filepath.Dir(p); dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		}
	}
	if err := os.WriteFile(certPath, c.CertPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, c.KeyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// GenerateSelfSigned creates a self-signed ECDSA P-256 server certificate.
func GenerateSelfSigned(opts Options) (*Cert, error) {
	if opts.CommonName == "" {
		return nil, errors.New("common name is required")
	}
	if opts.ValidFor <= 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{organization},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(opts.ValidFor),
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &Cert{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// LoadOrGenerate loads the certificate pair from disk, generating and saving
// a self-signed one when either file is missing. created reports generation.
func LoadOrGenerate(certPath, keyPath, commonName string) (cert *Cert, created bool, err error) {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		cert, err = Load(certPath, keyPath)
		return cert, false, err
	}

	cert, err = GenerateSelfSigned(DefaultOptions(commonName))
	if err != nil {
		return nil, false, err
	}
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		return nil, false, err
	}
	return cert, true, nil
}

// Load reads a certificate and key from files.
func Load(certPath, keyPath string) (*Cert, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return Parse(certPEM, keyPEM)
}

// Parse parses a PEM-encoded certificate and EC key.
func Parse(certPEM, keyPEM []byte) (*Cert, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	var privateKey *ecdsa.PrivateKey
	switch keyBlock.Type {
	case "EC PRIVATE KEY":
		privateKey, err = x509.ParseECPrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		if privateKey, ok = key.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("private key is not ECDSA")
		}
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", keyBlock.Type)
	}

	return &Cert{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

// Fingerprint calculates the SHA256 fingerprint of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	return FingerprintDER(cert.Raw)
}

// FingerprintDER calculates the SHA256 fingerprint of a DER certificate.
func FingerprintDER(der []byte) string {
	hash := sha256.Sum256(der)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyFingerprint reports whether der matches the expected fingerprint.
func VerifyFingerprint(der []byte, expected string) bool {
	return strings.EqualFold(FingerprintDER(der), strings.TrimSpace(expected))
}
