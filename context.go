package tlschan

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/errors"
)

// Context is the client side tls configuration shared by sessions:
// trust store, protocol range and handshake policy. It is immutable once built.
type Context struct {
	config           *tls.Config
	handshakeTimeout time.Duration
}

func NewContext(options ...Option) (*Context, error) {
	opt := defaultOptions()
	for _, option := range options {
		if err := option(&opt); err != nil {
			return nil, errors.From(ErrContextInit, errors.WithMeta(errMetaOpKey, errMetaOpInit), errors.WithWrap(err))
		}
	}
	pool, poolErr := trustStore(opt)
	if poolErr != nil {
		return nil, errors.From(ErrContextInit, errors.WithMeta(errMetaOpKey, errMetaOpInit), errors.WithWrap(poolErr))
	}
	return &Context{
		config: &tls.Config{
			RootCAs:    pool,
			ServerName: opt.ServerName,
			MinVersion: opt.MinVersion,
			MaxVersion: opt.MaxVersion,
		},
		handshakeTimeout: opt.HandshakeTimeout,
	}, nil
}

func trustStore(opt Options) (pool *x509.CertPool, err error) {
	switch {
	case opt.RootCAs != nil:
		pool = opt.RootCAs.Clone()
	case opt.SystemRoots:
		if pool, err = x509.SystemCertPool(); err != nil {
			err = errors.New("load system trust store failed", errors.WithWrap(err))
			return
		}
	default:
		pool = x509.NewCertPool()
	}
	for _, file := range opt.CAFiles {
		pem, readErr := os.ReadFile(file)
		if readErr != nil {
			err = errors.New("read ca file failed", errors.WithMeta("file", file), errors.WithWrap(readErr))
			return
		}
		if !pool.AppendCertsFromPEM(pem) {
			err = errors.New("ca file has no certificates", errors.WithMeta("file", file))
			return
		}
	}
	return
}

// Config returns a copy of the tls configuration.
func (c *Context) Config() *tls.Config {
	return c.config.Clone()
}

func (c *Context) HandshakeTimeout() time.Duration {
	return c.handshakeTimeout
}

var (
	defaultMu      sync.Mutex
	defaultContext atomic.Pointer[Context]
)

// Init builds the process wide context. Once it succeeded, later calls are
// no-ops and their options are ignored. A failed Init is not remembered.
func Init(options ...Option) error {
	_, err := initDefault(options)
	return err
}

// Default returns the process wide context, building it on first use.
func Default() (*Context, error) {
	return initDefault(nil)
}

func initDefault(options []Option) (*Context, error) {
	if c := defaultContext.Load(); c != nil {
		return c, nil
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if c := defaultContext.Load(); c != nil {
		return c, nil
	}
	c, err := NewContext(options...)
	if err != nil {
		log().Warn().Err(err).Msg("unable to initialize tls context")
		return nil, err
	}
	defaultContext.Store(c)
	log().Debug().Msg("tls context initialized")
	return c, nil
}
