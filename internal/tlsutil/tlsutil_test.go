package tlsutil

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureTLSCert(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	require.False(t, FileExists(certPath))
	require.NoError(t, EnsureTLSCert(certPath, keyPath, "overseer-test"))
	require.True(t, FileExists(certPath))
	require.True(t, FileExists(keyPath))

	// The generated pair must load as a valid keypair.
	_, err := tls.LoadX509KeyPair(certPath, keyPath)
	require.NoError(t, err)

	// Second call is a no-op, not a regeneration.
	info1, err := os.Stat(certPath)
	require.NoError(t, err)
	require.NoError(t, EnsureTLSCert(certPath, keyPath, "overseer-test"))
	info2, err := os.Stat(certPath)
	require.NoError(t, err)
	require.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestClientTLSConfig(t *testing.T) {
	t.Parallel()

	secure := ClientTLSConfig(false)
	require.False(t, secure.InsecureSkipVerify)
	require.Equal(t, uint16(tls.VersionTLS12), secure.MinVersion)

	insecure := ClientTLSConfig(true)
	require.True(t, insecure.InsecureSkipVerify)
}

func TestIsLoopbackHost(t *testing.T) {
	t.Parallel()

	require.True(t, isLoopbackHost("localhost"))
	require.True(t, isLoopbackHost("127.0.0.1"))
	require.True(t, isLoopbackHost("::1"))
	require.False(t, isLoopbackHost("example.com"))
	require.False(t, isLoopbackHost("10.0.0.5"))
}
