//go:build linux

package tlschan

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschan/pkg/sys"
)

// session is the live tls state bound to one descriptor.
type session struct {
	conn        *tls.Conn
	transport   *fdConn
	version     uint16
	cipherSuite uint16
	bits        int
}

// establish runs the client handshake over fd and checks that a cipher and a
// peer certificate were negotiated. On failure nothing is left behind.
func (c *Context) establish(ctx context.Context, fd int, serverName string) (*session, error) {
	if !sys.ValidFd(fd) || !sys.IsSocket(fd) {
		log().Warn().Int("fd", fd).Msg("channel has no valid socket descriptor")
		return nil, constructionError(ErrNoDescriptor, nil)
	}

	config := c.config.Clone()
	if serverName = strings.TrimSpace(serverName); serverName != "" {
		config.ServerName = serverName
	}
	if config.ServerName == "" {
		if addr, err := sys.PeerAddr(fd); err == nil {
			config.ServerName = sys.HostOf(addr)
		}
	}
	if config.ServerName == "" {
		log().Warn().Int("fd", fd).Msg("tls session creation failure: no server name")
		return nil, constructionError(ErrSession, errors.New("server name is unknown"))
	}

	transport := newFdConn(fd)
	conn := tls.Client(transport, config)

	if c.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handshakeTimeout)
		defer cancel()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = transport.SetDeadline(deadline)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = transport.Close()
		log().Warn().Err(err).Str("server", config.ServerName).Msg("secure connection could not be established")
		return nil, constructionError(ErrHandshake, err)
	}
	_ = transport.SetDeadline(time.Time{})
	transport.blocking = false

	state := conn.ConnectionState()
	bits, err := checkState(state)
	if err != nil {
		_ = transport.Close()
		log().Warn().Err(err).Str("server", config.ServerName).Msg("tls session rejected")
		return nil, err
	}
	log().Debug().
		Str("server", config.ServerName).
		Str("peer", state.PeerCertificates[0].Subject.String()).
		Str("cipher", tls.CipherSuiteName(state.CipherSuite)).
		Msg("tls session established")
	return &session{
		conn:        conn,
		transport:   transport,
		version:     state.Version,
		cipherSuite: state.CipherSuite,
		bits:        bits,
	}, nil
}

// checkState requires real encryption and a peer certificate.
// The session keeps none of the certificate data, only version and suite.
func checkState(state tls.ConnectionState) (int, error) {
	bits := cipherBits(state.CipherSuite)
	if bits == 0 {
		return 0, constructionError(ErrNoCipher, nil)
	}
	if len(state.PeerCertificates) == 0 || state.PeerCertificates[0] == nil {
		return 0, constructionError(ErrNoPeerCertificate, nil)
	}
	return bits, nil
}

// cipherBits returns the symmetric key strength of a suite, 0 when unknown.
func cipherBits(suite uint16) int {
	name := tls.CipherSuiteName(suite)
	switch {
	case strings.Contains(name, "_NULL_"), strings.HasSuffix(name, "_NULL"):
		return 0
	case strings.Contains(name, "AES_256"), strings.Contains(name, "CHACHA20"):
		return 256
	case strings.Contains(name, "AES_128"), strings.Contains(name, "RC4_128"):
		return 128
	case strings.Contains(name, "3DES"):
		return 112
	default:
		return 0
	}
}
