package tlsconfig

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

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "disabled config is valid",
			config:  Config{Enabled: false, CAFile: "x", CAData: "y"},
			wantErr: false,
		},
		{
			name:    "basic config is valid",
			config:  Config{Enabled: true, InsecureSkipVerify: true},
			wantErr: false,
		},
		{
			name:    "cannot specify both ca_file and ca_data",
			config:  Config{Enabled: true, CAFile: "/ca.pem", CAData: "-----BEGIN CERTIFICATE-----"},
			wantErr: true,
		},
		{
			name:    "cert requires key",
			config:  Config{Enabled: true, CertFile: "/cert.pem"},
			wantErr: true,
		},
		{
			name:    "key requires cert",
			config:  Config{Enabled: true, KeyFile: "/key.pem"},
			wantErr: true,
		},
		{
			name:    "cert and key together are valid",
			config:  Config{Enabled: true, CertFile: "/cert.pem", KeyFile: "/key.pem"},
			wantErr: false,
		},
		{
			name:    "invalid min version",
			config:  Config{Enabled: true, MinVersion: "0.9"},
			wantErr: true,
		},
		{
			name:    "valid version range",
			config:  Config{Enabled: true, MinVersion: "1.2", MaxVersion: "1.3"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientConfig(t *testing.T) {
	t.Run("disabled returns nil", func(t *testing.T) {
		cfg, err := (&Config{}).ClientConfig()
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if cfg != nil {
			t.Errorf("expected nil, got %v", cfg)
		}
	})

	t.Run("basic options", func(t *testing.T) {
		cfg, err := (&Config{
			Enabled:            true,
			InsecureSkipVerify: true,
			ServerName:         "example.com",
		}).ClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !cfg.InsecureSkipVerify {
			t.Error("expected InsecureSkipVerify=true")
		}
		if cfg.ServerName != "example.com" {
			t.Errorf("ServerName = %q", cfg.ServerName)
		}
		if cfg.MinVersion != tls.VersionTLS12 {
			t.Errorf("default MinVersion = %d", cfg.MinVersion)
		}
	})

	t.Run("version range", func(t *testing.T) {
		cfg, err := (&Config{Enabled: true, MinVersion: "1.3", MaxVersion: "1.3"}).ClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.MinVersion != tls.VersionTLS13 || cfg.MaxVersion != tls.VersionTLS13 {
			t.Errorf("version range = [%d, %d]", cfg.MinVersion, cfg.MaxVersion)
		}
	})
}

// selfSignedPEM generates a throwaway CA certificate and key for tests.
func selfSignedPEM(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"logship test"}, CommonName: "localhost"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestCAPool(t *testing.T) {
	certPEM, _ := selfSignedPEM(t)
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Run("from file", func(t *testing.T) {
		cfg, err := (&Config{Enabled: true, CAFile: caFile}).ClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.RootCAs == nil {
			t.Error("expected a root CA pool")
		}
	})

	t.Run("from data", func(t *testing.T) {
		cfg, err := (&Config{Enabled: true, CAData: string(certPEM)}).ClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.RootCAs == nil {
			t.Error("expected a root CA pool")
		}
	})

	t.Run("garbage data", func(t *testing.T) {
		if _, err := (&Config{Enabled: true, CAData: "not a certificate"}).ClientConfig(); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestServerConfig(t *testing.T) {
	certPEM, keyPEM := selfSignedPEM(t)

	t.Run("requires certificate", func(t *testing.T) {
		if _, err := (&Config{Enabled: true}).ServerConfig(); err == nil {
			t.Error("expected an error without a certificate")
		}
	})

	t.Run("inline key pair", func(t *testing.T) {
		cfg, err := (&Config{
			Enabled:  true,
			CertData: string(certPEM),
			KeyData:  string(keyPEM),
		}).ServerConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cfg.Certificates) != 1 {
			t.Errorf("got %d certificates", len(cfg.Certificates))
		}
	})

	t.Run("client CA enables mutual auth", func(t *testing.T) {
		cfg, err := (&Config{
			Enabled:  true,
			CertData: string(certPEM),
			KeyData:  string(keyPEM),
			CAData:   string(certPEM),
		}).ServerConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
			t.Errorf("ClientAuth = %v", cfg.ClientAuth)
		}
	})
}
