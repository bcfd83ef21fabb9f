package tlschan

import (
	"crypto/tls"
	"crypto/x509"
	"strings"
	"time"

	"github.com/brickingsoft/errors"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultMinVersion       = tls.VersionTLS12
)

type Options struct {
	RootCAs          *x509.CertPool
	CAFiles          []string
	SystemRoots      bool
	ServerName       string
	MinVersion       uint16
	MaxVersion       uint16
	HandshakeTimeout time.Duration
}

func defaultOptions() Options {
	return Options{
		SystemRoots:      true,
		MinVersion:       DefaultMinVersion,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

type Option func(options *Options) (err error)

// WithRootCAs
// sets the pool used to verify peer certificates.
// The system pool is ignored when a pool is given.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(options *Options) (err error) {
		if pool == nil {
			err = errors.New("root ca pool is nil", errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
			return
		}
		options.RootCAs = pool
		return
	}
}

// WithCAFile
// appends the PEM certificates of file to the trust store.
func WithCAFile(file string) Option {
	return func(options *Options) (err error) {
		file = strings.TrimSpace(file)
		if file == "" {
			err = errors.New("ca file is empty", errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
			return
		}
		options.CAFiles = append(options.CAFiles, file)
		return
	}
}

// WithoutSystemRoots
// starts the trust store empty instead of from the platform pool.
func WithoutSystemRoots() Option {
	return func(options *Options) (err error) {
		options.SystemRoots = false
		return
	}
}

func WithServerName(name string) Option {
	return func(options *Options) (err error) {
		options.ServerName = strings.TrimSpace(name)
		return
	}
}

// WithVersions
// restricts the protocol version range. Zero keeps the library default.
func WithVersions(lo uint16, hi uint16) Option {
	return func(options *Options) (err error) {
		if lo != 0 && hi != 0 && lo > hi {
			err = errors.New("min version is greater than max version", errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
			return
		}
		options.MinVersion = lo
		options.MaxVersion = hi
		return
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(options *Options) (err error) {
		if d < 0 {
			err = errors.New("handshake timeout is negative", errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
			return
		}
		options.HandshakeTimeout = d
		return
	}
}
