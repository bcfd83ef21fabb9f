package tlschan

import (
	"io"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrRetry means the operation could not make progress right now.
	// Call it again once the channel's watch fires.
	ErrRetry           = errors.Define("resource temporarily unavailable")
	ErrInvalidArgument = errors.Define("invalid argument")
	// ErrUnknown is any other failure. Callers should close and discard the channel.
	ErrUnknown = errors.Define("unknown failure")
	ErrClosed  = errors.Define("use of closed channel")
)

var (
	ErrContextInit       = errors.Define("tls context initialization failed")
	ErrNoDescriptor      = errors.Define("channel has no valid descriptor")
	ErrSession           = errors.Define("tls session creation failed")
	ErrHandshake         = errors.Define("secure connection could not be established")
	ErrNoCipher          = errors.Define("server offered no usable cipher")
	ErrNoPeerCertificate = errors.Define("server certificate unavailable")
)

func IsRetry(err error) bool {
	return errors.Is(err, ErrRetry)
}

func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

func IsUnknown(err error) bool {
	return errors.Is(err, ErrUnknown)
}

func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsConstruction reports whether err came from a failed Wrap.
func IsConstruction(err error) bool {
	return errors.Is(err, ErrContextInit) ||
		errors.Is(err, ErrNoDescriptor) ||
		errors.Is(err, ErrSession) ||
		errors.Is(err, ErrHandshake) ||
		errors.Is(err, ErrNoCipher) ||
		errors.Is(err, ErrNoPeerCertificate)
}

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "tlschan"
)

const (
	errMetaOpKey   = "op"
	errMetaOpRead  = "read"
	errMetaOpWrite = "write"
	errMetaOpSeek  = "seek"
	errMetaOpClose = "close"
	errMetaOpWatch = "watch"
	errMetaOpWrap  = "wrap"
	errMetaOpInit  = "init"
)

// mapIOError folds an error into the channel result vocabulary.
func mapIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == io.EOF {
		return io.EOF
	}
	var kind error
	switch {
	case errors.Is(err, ErrRetry), errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrUnknown), errors.Is(err, ErrClosed):
		return err
	case errors.Is(err, unix.EINVAL):
		kind = ErrInvalidArgument
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		kind = ErrRetry
	default:
		kind = ErrUnknown
	}
	return errors.From(
		kind,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, op),
		errors.WithWrap(err),
	)
}

func constructionError(kind error, cause error) error {
	if cause == nil {
		return errors.From(
			kind,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpWrap),
		)
	}
	return errors.From(
		kind,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, errMetaOpWrap),
		errors.WithWrap(cause),
	)
}
