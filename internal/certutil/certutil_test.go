package certutil

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateSelfSigned(t *testing.T) {
	cert, err := GenerateSelfSigned(DefaultOptions("relay.example.com"))
	if err != nil {
		t.Fatalf("GenerateSelfSigned failed: %v", err)
	}

	if cert.Certificate.Subject.CommonName != "relay.example.com" {
		t.Errorf("CommonName = %q", cert.Certificate.Subject.CommonName)
	}
	if _, err := cert.TLSCertificate(); err != nil {
		t.Errorf("TLSCertificate failed: %v", err)
	}

	fp := cert.Fingerprint()
	if !strings.HasPrefix(fp, "sha256:") || len(fp) != len("sha256:")+64 {
		t.Errorf("unexpected fingerprint format %q", fp)
	}
	if !VerifyFingerprint(cert.Certificate.Raw, fp) {
		t.Error("fingerprint did not verify")
	}
	if !VerifyFingerprint(cert.Certificate.Raw, "sha256:"+strings.ToUpper(fp[7:])) {
		t.Error("fingerprint comparison should ignore case")
	}
	if VerifyFingerprint(cert.Certificate.Raw, "sha256:00") {
		t.Error("wrong fingerprint verified")
	}
}

func TestGenerateSelfSigned_RequiresCommonName(t *testing.T) {
	if _, err := GenerateSelfSigned(Options{}); err == nil {
		t.Error("expected error for empty common name")
	}
}

func TestLoadOrGenerate(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls", "relay.crt")
	keyPath := filepath.Join(dir, "tls", "relay.key")

	first, created, err := LoadOrGenerate(certPath, keyPath, "relay")
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	if !created {
		t.Error("expected certificate to be created")
	}

	second, created, err := LoadOrGenerate(certPath, keyPath, "relay")
	if err != nil {
		t.Fatalf("LoadOrGenerate (reload) failed: %v", err)
	}
	if created {
		t.Error("expected existing certificate to be loaded")
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Error("reloaded certificate differs")
	}
}
