package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testPKI contém os caminhos dos certificados gerados para teste.
type testPKI struct {
	CACertPath     string
	ServerCertPath string
	ServerKeyPath  string
	ClientCertPath string
	ClientKeyPath  string
}

// generateTestPKI gera uma PKI completa (CA, server cert, client cert) em um diretório temporário.
func generateTestPKI(t *testing.T) *testPKI {
	t.Helper()
	dir := t.TempDir()

	// Gera a CA
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}

	caCertPath := filepath.Join(dir, "ca.pem")
	writePEM(t, caCertPath, "CERTIFICATE", caCertDER)

	// Gera certificado do server
	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating server key: %v", err)
	}

	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Server"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}

	serverCertDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating server certificate: %v", err)
	}

	serverCertPath := filepath.Join(dir, "server.pem")
	writePEM(t, serverCertPath, "CERTIFICATE", serverCertDER)

	serverKeyPath := filepath.Join(dir, "server-key.pem")
	writeKeyPEM(t, serverKeyPath, serverKey)

	// Gera certificado do client
	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating client key: %v", err)
	}

	clientTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "Test Agent"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	clientCertDER, err := x509.CreateCertificate(rand.Reader, clientTemplate, caCert, &clientKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating client certificate: %v", err)
	}

	clientCertPath := filepath.Join(dir, "client.pem")
	writePEM(t, clientCertPath, "CERTIFICATE", clientCertDER)

	clientKeyPath := filepath.Join(dir, "client-key.pem")
	writeKeyPEM(t, clientKeyPath, clientKey)

	return &testPKI{
		CACertPath:     caCertPath,
		ServerCertPath: serverCertPath,
		ServerKeyPath:  serverKeyPath,
		ClientCertPath: clientCertPath,
		ClientKeyPath:  clientKeyPath,
	}
}

func writePEM(t *testing.T, path, blockType string, data []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating file %s: %v", path, err)
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: data}); err != nil {
		t.Fatalf("encoding PEM: %v", err)
	}
}

func writeKeyPEM(t *testing.T, path string, key *ecdsa.PrivateKey) {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling EC key: %v", err)
	}
	writePEM(t, path, "EC PRIVATE KEY", der)
}

// echoOnce aceita uma conexão, completa o handshake e ecoa a primeira leitura.
func echoOnce(ln net.Listener, done chan<- error) {
	conn, err := ln.Accept()
	if err != nil {
		done <- err
		return
	}
	defer conn.Close()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			done <- err
			return
		}
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		done <- err
		return
	}
	_, err = conn.Write(buf[:n])
	done <- err
}

func roundTrip(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("writing: %v", err)
	}
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(buf[:n]) != msg {
		t.Errorf("expected %q, got %q", msg, buf[:n])
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeTLS, "INSECURE": ModeInsecure, "tls": ModeTLS, " mtls ": ModeMTLS}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseMode(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseMode("ssl"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestCredentials_InsecureIsNil(t *testing.T) {
	clientCfg, err := NewClientCredentials(ModeInsecure, "", "", "")
	if err != nil || clientCfg != nil {
		t.Errorf("client insecure: expected nil config, got %v / %v", clientCfg, err)
	}
	serverCfg, err := NewServerCredentials(ModeInsecure, "", "", "")
	if err != nil || serverCfg != nil {
		t.Errorf("server insecure: expected nil config, got %v / %v", serverCfg, err)
	}
}

func TestNewServerTLSConfig(t *testing.T) {
	pki := generateTestPKI(t)

	cfg, err := NewServerCredentials(ModeMTLS, pki.CACertPath, pki.ServerCertPath, pki.ServerKeyPath)
	if err != nil {
		t.Fatalf("NewServerCredentials: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("expected TLS 1.3, got %d", cfg.MinVersion)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("expected RequireAndVerifyClientCert, got %d", cfg.ClientAuth)
	}
	if cfg.ClientCAs == nil {
		t.Error("expected non-nil ClientCAs")
	}
}

func TestTLSModeConnection(t *testing.T) {
	pki := generateTestPKI(t)

	serverCfg, err := NewServerCredentials(ModeTLS, "", pki.ServerCertPath, pki.ServerKeyPath)
	if err != nil {
		t.Fatalf("NewServerCredentials: %v", err)
	}
	if serverCfg.ClientAuth != tls.NoClientCert {
		t.Errorf("tls mode must not require client certificates")
	}

	clientCfg, err := NewClientCredentials(ModeTLS, pki.CACertPath, "", "")
	if err != nil {
		t.Fatalf("NewClientCredentials: %v", err)
	}
	if len(clientCfg.Certificates) != 0 {
		t.Errorf("tls mode must not load a client certificate")
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("TLS listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go echoOnce(ln, done)

	clientCfg.ServerName = "localhost"
	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("TLS dial: %v", err)
	}
	defer conn.Close()

	roundTrip(t, conn, "hello tls")
	if err := <-done; err != nil {
		t.Fatalf("server error: %v", err)
	}
}

func TestMTLSConnection(t *testing.T) {
	pki := generateTestPKI(t)

	serverCfg, err := NewServerCredentials(ModeMTLS, pki.CACertPath, pki.ServerCertPath, pki.ServerKeyPath)
	if err != nil {
		t.Fatalf("NewServerCredentials: %v", err)
	}
	clientCfg, err := NewClientCredentials(ModeMTLS, pki.CACertPath, pki.ClientCertPath, pki.ClientKeyPath)
	if err != nil {
		t.Fatalf("NewClientCredentials: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("TLS listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go echoOnce(ln, done)

	clientCfg.ServerName = "localhost"
	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("TLS dial: %v", err)
	}
	defer conn.Close()

	roundTrip(t, conn, "hello mTLS")
	if err := <-done; err != nil {
		t.Fatalf("server error: %v", err)
	}
}

func TestMTLSConnection_ClientWithoutCertificate(t *testing.T) {
	pki := generateTestPKI(t)

	serverCfg, err := NewServerCredentials(ModeMTLS, pki.CACertPath, pki.ServerCertPath, pki.ServerKeyPath)
	if err != nil {
		t.Fatalf("NewServerCredentials: %v", err)
	}
	// Client em modo tls (sem certificado) contra server mtls
	clientCfg, err := NewClientCredentials(ModeTLS, pki.CACertPath, "", "")
	if err != nil {
		t.Fatalf("NewClientCredentials: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("TLS listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go echoOnce(ln, done)

	clientCfg.ServerName = "localhost"
	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		return // recusado no dial
	}
	defer conn.Close()

	// Em TLS 1.3 a rejeição do certificado chega após o handshake do client
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte("test"))
	buf := make([]byte, 10)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected server to reject client without certificate")
	}
	if err := <-done; err == nil {
		t.Fatal("expected server handshake error")
	}
}

func TestNewClientCredentials_InvalidCACert(t *testing.T) {
	dir := t.TempDir()
	fakeCa := filepath.Join(dir, "fake-ca.pem")
	os.WriteFile(fakeCa, []byte("not a certificate"), 0644)

	pki := generateTestPKI(t)
	if _, err := NewClientCredentials(ModeMTLS, fakeCa, pki.ClientCertPath, pki.ClientKeyPath); err == nil {
		t.Fatal("expected error for invalid CA cert (mtls)")
	}
	if _, err := NewClientCredentials(ModeTLS, fakeCa, "", ""); err == nil {
		t.Fatal("expected error for invalid CA cert (tls)")
	}
}

func TestNewServerCredentials_MissingFile(t *testing.T) {
	pki := generateTestPKI(t)
	_, err := NewServerCredentials(ModeTLS, pki.CACertPath, "/nonexistent/server.pem", "/nonexistent/key.pem")
	if err == nil {
		t.Fatal("expected error for missing cert file")
	}
}
