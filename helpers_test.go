//go:build linux

package tlschan

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

	"github.com/brickingsoft/tlschan/pkg/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type testPKI struct {
	pool  *x509.CertPool
	caPEM []byte
	leaf  *x509.Certificate
	cert  tls.Certificate
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "tlschan test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &testPKI{
		pool:  pool,
		caPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		leaf:  leaf,
		cert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        leaf,
		},
	}
}

func (pki *testPKI) serverConfig() *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{pki.cert}}
}

func (pki *testPKI) caFile(t *testing.T) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(file, pki.caPEM, 0o600))
	return file
}

// startRawServer accepts one connection and hands it to handle.
// stop is closed when the test ends.
func startRawServer(t *testing.T, handle func(conn net.Conn, stop <-chan struct{}) error) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	stop := make(chan struct{})
	g := new(errgroup.Group)
	g.Go(func() error {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return acceptErr
		}
		defer conn.Close()
		return handle(conn, stop)
	})
	t.Cleanup(func() {
		close(stop)
		_ = ln.Close()
		assert.NoError(t, g.Wait())
	})
	return ln.Addr().String()
}

func startServer(t *testing.T, config *tls.Config, handle func(conn *tls.Conn, stop <-chan struct{}) error) string {
	t.Helper()
	return startRawServer(t, func(conn net.Conn, stop <-chan struct{}) error {
		return handle(tls.Server(conn, config), stop)
	})
}

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	loop, err := NewLoop()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = loop.Close()
	})
	return loop
}

func dialSocket(t *testing.T, loop *Loop, addr string) *Socket {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	s, err := SocketFrom(loop, conn.(*net.TCPConn))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func socketPair(t *testing.T, loop *Loop) (*Socket, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	s, err := NewSocket(loop, fds[0])
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = unix.Close(fds[1])
	})
	return s, fds[1]
}

// readN reads n bytes from ch, waiting on its descriptor between retries.
func readN(t *testing.T, ch FileChannel, n int) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	got := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(got) < n {
		require.True(t, time.Now().Before(deadline), "read timed out after %d bytes", len(got))
		m, err := ch.Read(buf[:n-len(got)])
		if IsRetry(err) {
			require.Zero(t, m)
			if enc, ok := ch.(*EncryptedChannel); ok && enc.Pending() {
				continue
			}
			_, waitErr := sys.WaitFd(ch.Fd(), sys.PollIn, 100*time.Millisecond)
			require.NoError(t, waitErr)
			continue
		}
		require.NoError(t, err)
		got = append(got, buf[:m]...)
	}
	return got
}

// runUntil drives loop until done returns true.
func runUntil(t *testing.T, loop *Loop, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "loop timed out")
		_, err := loop.RunOnce(100 * time.Millisecond)
		require.NoError(t, err)
	}
}
