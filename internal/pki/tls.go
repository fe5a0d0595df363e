// Package pki fornece o provedor de credenciais do canal NUpload:
// TCP puro (insecure), TLS com verificação do server, ou mTLS.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// Mode seleciona o nível de segurança do canal.
type Mode string

const (
	ModeInsecure Mode = "insecure" // TCP sem criptografia (desenvolvimento)
	ModeTLS      Mode = "tls"      // server autenticado pela CA
	ModeMTLS     Mode = "mtls"     // autenticação mútua por certificado
)

// ParseMode converte a string de configuração. Vazio resolve para ModeTLS.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeTLS, nil
	case ModeInsecure, ModeTLS, ModeMTLS:
		return m, nil
	}
	return "", fmt.Errorf("unknown tls mode %q (expected insecure, tls or mtls)", s)
}

// NewClientCredentials retorna a configuração TLS do agent para o modo dado.
// No modo insecure retorna nil: o chamador deve abrir uma conexão TCP pura.
func NewClientCredentials(mode Mode, caCertPath, clientCertPath, clientKeyPath string) (*tls.Config, error) {
	switch mode {
	case ModeInsecure:
		return nil, nil
	case ModeMTLS:
		return NewClientTLSConfig(caCertPath, clientCertPath, clientKeyPath)
	case ModeTLS:
		caPool, err := loadCACertPool(caCertPath)
		if err != nil {
			return nil, err
		}
		return &tls.Config{
			MinVersion: tls.VersionTLS13,
			RootCAs:    caPool,
		}, nil
	}
	return nil, fmt.Errorf("unsupported tls mode %q", mode)
}

// NewServerCredentials retorna a configuração TLS do server para o modo dado.
// No modo insecure retorna nil: o chamador deve escutar em TCP puro.
func NewServerCredentials(mode Mode, caCertPath, serverCertPath, serverKeyPath string) (*tls.Config, error) {
	switch mode {
	case ModeInsecure:
		return nil, nil
	case ModeMTLS:
		return NewServerTLSConfig(caCertPath, serverCertPath, serverKeyPath)
	case ModeTLS:
		cert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading server certificate: %w", err)
		}
		return &tls.Config{
			MinVersion:   tls.VersionTLS13,
			Certificates: []tls.Certificate{cert},
		}, nil
	}
	return nil, fmt.Errorf("unsupported tls mode %q", mode)
}

// NewClientTLSConfig cria uma configuração TLS 1.3 para o agent
// com autenticação mútua (mTLS).
func NewClientTLSConfig(caCertPath, clientCertPath, clientKeyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}

	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
	}, nil
}

// NewServerTLSConfig cria uma configuração TLS 1.3 para o server
// exigindo certificado de client assinado pela CA.
func NewServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
