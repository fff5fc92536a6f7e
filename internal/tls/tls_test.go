package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cert == nil {
		t.Fatal("certificate is nil")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}

	foundIP := false
	for _, ip := range leaf.IPAddresses {
		if ip.String() == "127.0.0.1" {
			foundIP = true
			break
		}
	}
	if !foundIP {
		t.Errorf("IP SANs: %v does not contain 127.0.0.1", leaf.IPAddresses)
	}

	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	expectedDuration := 365 * 24 * time.Hour
	if validDuration < expectedDuration-time.Hour || validDuration > expectedDuration+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, expectedDuration)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}
}

func TestSelfSignedPair_Handshake(t *testing.T) {
	t.Parallel()

	serverCfg, clientCfg, err := SelfSignedPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ln, err := standardtls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.(*standardtls.Conn).Handshake()
	}()

	conn, err := standardtls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("handshake with generated pair failed: %v", err)
	}
	conn.Close()
}

func TestClientConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := ClientConfig("", "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", cfg.MinVersion, standardtls.VersionTLS12)
	}
	if cfg.RootCAs != nil {
		t.Error("RootCAs: expected nil (system roots)")
	}
	if cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify: expected false")
	}
}

func TestClientConfig_CAFile(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(caPath, pemData, 0o600); err != nil {
		t.Fatalf("failed to write CA file: %v", err)
	}

	cfg, err := ClientConfig("relay.internal", caPath, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("RootCAs: expected a pool")
	}
	if cfg.ServerName != "relay.internal" {
		t.Errorf("ServerName: got %q, want %q", cfg.ServerName, "relay.internal")
	}

	leaf, _ := x509.ParseCertificate(cert.Certificate[0])
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: cfg.RootCAs, DNSName: "localhost"}); err != nil {
		t.Errorf("generated cert does not verify against configured pool: %v", err)
	}
}

func TestClientConfig_Errors(t *testing.T) {
	t.Parallel()

	if _, err := ClientConfig("", "/nonexistent/ca.pem", false); err == nil {
		t.Error("expected error for nonexistent CA file, got nil")
	}

	badPath := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(badPath, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := ClientConfig("", badPath, false); err == nil {
		t.Error("expected error for CA file without certificates, got nil")
	}
}
