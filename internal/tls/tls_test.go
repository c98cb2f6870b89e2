package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "collector.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		DNSNames:              []string{"collector.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestDisabled(t *testing.T) {
	if c, err := NewClientTLSConfig(ClientConfig{}); c != nil || err != nil {
		t.Errorf("client: %v, %v", c, err)
	}
	if c, err := NewServerTLSConfig(ServerConfig{}); c != nil || err != nil {
		t.Errorf("server: %v, %v", c, err)
	}
}

func TestClientConfig(t *testing.T) {
	cert, key := writeCert(t, t.TempDir())

	c, err := NewClientTLSConfig(ClientConfig{
		Enabled:    true,
		CertFile:   cert,
		KeyFile:    key,
		CAFile:     cert,
		ServerName: "collector.test",
		MinVersion: "1.3",
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.MinVersion != tls.VersionTLS13 || c.ServerName != "collector.test" {
		t.Errorf("config = %+v", c)
	}
	if len(c.Certificates) != 1 || c.RootCAs == nil {
		t.Error("certificate or CA pool missing")
	}
}

func TestClientConfigErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.pem")
	os.WriteFile(bad, []byte("not a cert"), 0o600)

	tests := map[string]ClientConfig{
		"missing cert": {Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
		"missing ca":   {Enabled: true, CAFile: "/nonexistent/ca.pem"},
		"bad ca":       {Enabled: true, CAFile: bad},
		"bad version":  {Enabled: true, MinVersion: "1.0"},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewClientTLSConfig(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestServerConfigMutualTLS(t *testing.T) {
	cert, key := writeCert(t, t.TempDir())

	c, err := NewServerTLSConfig(ServerConfig{Enabled: true, CertFile: cert, KeyFile: key, ClientCAFile: cert})
	if err != nil {
		t.Fatal(err)
	}
	if c.ClientAuth != tls.RequireAndVerifyClientCert || c.ClientCAs == nil {
		t.Error("mutual TLS not configured")
	}
	if c.MinVersion != tls.VersionTLS12 {
		t.Errorf("min version = %x", c.MinVersion)
	}

	if _, err := NewServerTLSConfig(ServerConfig{Enabled: true, CertFile: "/nonexistent", KeyFile: "/nonexistent"}); err == nil {
		t.Error("expected error for missing server certificate")
	}
}
