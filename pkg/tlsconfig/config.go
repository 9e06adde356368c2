// Package tlsconfig builds *tls.Config values from YAML-friendly options.
// Exporters and the Kafka input use the client side; the HTTP ingest input
// uses the server side.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
)

// Config holds TLS options for one endpoint. Certificate material can be
// given as a file path or inline PEM data, never both.
type Config struct {
	Enabled            bool   `yaml:"enabled,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CAData             string `yaml:"ca_data,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	CertData           string `yaml:"cert_data,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	KeyData            string `yaml:"key_data,omitempty"`
	MinVersion         string `yaml:"min_version,omitempty"`
	MaxVersion         string `yaml:"max_version,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
}

// Validate checks option consistency without touching the filesystem.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CAFile != "" && c.CAData != "" {
		return fmt.Errorf("cannot specify both ca_file and ca_data")
	}
	if c.CertFile != "" && c.CertData != "" {
		return fmt.Errorf("cannot specify both cert_file and cert_data")
	}
	if c.KeyFile != "" && c.KeyData != "" {
		return fmt.Errorf("cannot specify both key_file and key_data")
	}
	hasCert := c.CertFile != "" || c.CertData != ""
	hasKey := c.KeyFile != "" || c.KeyData != ""
	if hasCert != hasKey {
		return fmt.Errorf("certificate and key must be provided together")
	}
	if c.MinVersion != "" {
		if _, err := parseTLSVersion(c.MinVersion); err != nil {
			return err
		}
	}
	if c.MaxVersion != "" {
		if _, err := parseTLSVersion(c.MaxVersion); err != nil {
			return err
		}
	}
	return nil
}

// ClientConfig builds the client-side *tls.Config. Returns nil when TLS is
// disabled; with no CA configured the system trust store applies.
func (c *Config) ClientConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.InsecureSkipVerify {
		log.Printf("[TLS] WARNING: certificate verification disabled, use only for testing")
	}

	cfg := &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify, // #nosec G402 - deliberate opt-out
		ServerName:         c.ServerName,
		MinVersion:         tls.VersionTLS12,
	}
	if err := c.applyVersions(cfg); err != nil {
		return nil, err
	}

	if c.CAFile != "" || c.CAData != "" {
		pool, err := c.caPool()
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" || c.CertData != "" {
		cert, err := c.keyPair()
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerConfig builds the server-side *tls.Config; a certificate and key
// are mandatory. Returns nil when TLS is disabled.
func (c *Config) ServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.CertFile == "" && c.CertData == "" {
		return nil, fmt.Errorf("server TLS requires a certificate")
	}
	cert, err := c.keyPair()
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if err := c.applyVersions(cfg); err != nil {
		return nil, err
	}
	if c.CAFile != "" || c.CAData != "" {
		pool, err := c.caPool()
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func (c *Config) applyVersions(cfg *tls.Config) error {
	if c.MinVersion != "" {
		v, err := parseTLSVersion(c.MinVersion)
		if err != nil {
			return fmt.Errorf("invalid min_version: %w", err)
		}
		cfg.MinVersion = v
	}
	if c.MaxVersion != "" {
		v, err := parseTLSVersion(c.MaxVersion)
		if err != nil {
			return fmt.Errorf("invalid max_version: %w", err)
		}
		cfg.MaxVersion = v
	}
	return nil
}

func (c *Config) caPool() (*x509.CertPool, error) {
	pem, err := c.material(c.CAFile, c.CAData)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return pool, nil
}

func (c *Config) keyPair() (tls.Certificate, error) {
	certPEM, err := c.material(c.CertFile, c.CertData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load certificate: %w", err)
	}
	keyPEM, err := c.material(c.KeyFile, c.KeyData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair: %w", err)
	}
	return cert, nil
}

func (c *Config) material(file, data string) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	if data != "" {
		return []byte(data), nil
	}
	return nil, fmt.Errorf("no certificate material provided")
}

func parseTLSVersion(version string) (uint16, error) {
	switch version {
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown TLS version: %s (supported: 1.0, 1.1, 1.2, 1.3)", version)
	}
}
