// Package tls builds the server TLS configuration of the gateway's HTTP
// front end from files or a self-signed certificate generated on first use.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

// Config selects the certificate source. CertFile/KeyFile win over Dir.
type Config struct {
	Enabled      bool     `mapstructure:"enabled" json:"enabled"`
	CertFile     string   `mapstructure:"cert_file" json:"cert_file,omitempty"`
	KeyFile      string   `mapstructure:"key_file" json:"key_file,omitempty"`
	Dir          string   `mapstructure:"dir" json:"dir,omitempty"`
	AutoGenerate bool     `mapstructure:"auto_generate" json:"auto_generate"`
	DNSNames     []string `mapstructure:"dns_names" json:"dns_names,omitempty"`
	ValidDays    int      `mapstructure:"valid_days" json:"valid_days,omitempty"`
	MinVersion   string   `mapstructure:"min_version" json:"min_version,omitempty"`
}

func parseVersion(ver string) (uint16, error) {
	switch ver {
	case "", "default", "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", ver)
}

// Setup returns nil when TLS is disabled.
func Setup(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
		}
		certPath = filepath.Join(cfg.Dir, certName)
		keyPath = filepath.Join(cfg.Dir, keyName)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(cfg, certPath, keyPath); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}

	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
			return &c, err
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(cfg Config, certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o750); err != nil {
		return err
	}
	names := cfg.DNSNames
	if len(names) == 0 {
		names = []string{"localhost", "127.0.0.1"}
	}
	days := cfg.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSigned(names, time.Now().AddDate(0, 0, days), certPath, keyPath)
}
