package tls

import (
	"crypto/tls"
	"crypto/x509"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupRequiresSource(t *testing.T) {
	_, err := Setup(Config{Enabled: true})
	assert.Error(t, err)
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := t.TempDir()
	c, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, DNSNames: []string{"gw.local", "10.0.0.1"}})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"gw.local"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", leaf.IPAddresses[0].String())

	// a second setup reuses the generated pair
	c2, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	cert2, err := c2.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], cert2.Certificate[0])
}

func TestSetupCertFiles(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
	require.NoError(t, GenerateSelfSigned([]string{"localhost"}, time.Now().Add(time.Hour), certPath, keyPath))

	c, err := Setup(Config{Enabled: true, CertFile: certPath, KeyFile: keyPath, MinVersion: "1.2"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
}

func TestSetupMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Setup(Config{Enabled: true, Dir: dir})
	assert.Error(t, err)
	_, err = Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.1"})
	assert.Error(t, err)
}
