package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
)

// DefaultPort is the HTTPS port of the provisioning endpoint.
const DefaultPort = 443

// TLSConfig holds the client TLS settings for cloud endpoints.
type TLSConfig struct {
	// RootCAs pins the trusted roots. Nil uses the system pool.
	RootCAs *x509.CertPool

	// ServerName overrides the SNI and verification name. Empty uses the
	// dialed host.
	ServerName string

	// Certificate is an optional client certificate.
	Certificate *tls.Certificate

	// InsecureSkipVerify disables certificate verification.
	// Only for testing - never use in production!
	InsecureSkipVerify bool
}

// NewClientTLSConfig builds a tls.Config for cloud endpoints.
func NewClientTLSConfig(cfg *TLSConfig) *tls.Config {
	if cfg == nil {
		cfg = &TLSConfig{}
	}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		RootCAs:            cfg.RootCAs,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.Certificate != nil {
		tlsConfig.Certificates = []tls.Certificate{*cfg.Certificate}
	}
	return tlsConfig
}

// LoadRootCAs reads a PEM bundle of trusted roots.
func LoadRootCAs(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// NewTLSDialer returns a Dialer that performs the TLS handshake as part of
// dialing. SNI and hostname verification use the dialed host unless the
// config names another.
func NewTLSDialer(cfg *TLSConfig) Dialer {
	return &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    NewClientTLSConfig(cfg),
	}
}
