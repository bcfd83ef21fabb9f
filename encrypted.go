//go:build linux

package tlschan

import (
	"context"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschan/pkg/reference"
	"golang.org/x/sys/unix"
)

const maxPlaintext = 16 * 1024

// EncryptedChannel is a Channel that runs a tls session over a raw channel.
// It holds one reference on the raw channel for its whole life.
type EncryptedChannel struct {
	fd       int
	raw      FileChannel
	session  *session
	plain    []byte
	buf      []byte
	rerr     error
	flushing bool
	flushID  WatchID
	refs     *reference.Pointer[*EncryptedChannel]
}

// Wrap establishes a tls session over raw with the process wide context.
// The server name is taken from the peer address.
func Wrap(raw FileChannel) (*EncryptedChannel, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Wrap(context.Background(), raw, "")
}

// Wrap establishes a tls session over raw. Either the returned channel is
// fully usable or raw is left exactly as it was.
func (c *Context) Wrap(ctx context.Context, raw FileChannel, serverName string) (*EncryptedChannel, error) {
	if raw == nil {
		return nil, constructionError(ErrNoDescriptor, nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := c.establish(ctx, raw.Fd(), serverName)
	if err != nil {
		return nil, err
	}
	ch := &EncryptedChannel{
		fd:      raw.Fd(),
		raw:     raw,
		session: s,
		buf:     make([]byte, maxPlaintext),
	}
	raw.Ref()
	ch.refs = reference.Make(ch, (*EncryptedChannel).destroy)
	return ch, nil
}

func (ch *EncryptedChannel) Fd() int {
	return ch.fd
}

// Raw returns the wrapped channel.
func (ch *EncryptedChannel) Raw() FileChannel {
	return ch.raw
}

// Version is the negotiated protocol version.
func (ch *EncryptedChannel) Version() uint16 {
	if ch.session == nil {
		return 0
	}
	return ch.session.version
}

func (ch *EncryptedChannel) CipherSuite() uint16 {
	if ch.session == nil {
		return 0
	}
	return ch.session.cipherSuite
}

// CipherBits is the symmetric key strength of the negotiated suite.
func (ch *EncryptedChannel) CipherBits() int {
	if ch.session == nil {
		return 0
	}
	return ch.session.bits
}

// Pending reports whether decrypted bytes or a complete record are buffered,
// in which case a read may succeed although the socket is not readable.
// It is false once a read has failed for good.
func (ch *EncryptedChannel) Pending() bool {
	if ch.session == nil {
		return false
	}
	if len(ch.plain) > 0 {
		return true
	}
	return ch.rerr == nil && ch.session.transport.buffered()
}

func (ch *EncryptedChannel) Read(p []byte) (int, error) {
	if ch.session == nil {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(ch.plain) == 0 {
		if ch.rerr != nil {
			return 0, ch.rerr
		}
		n, err := ch.session.conn.Read(ch.buf)
		// reading may have produced a reply, a key update or an alert
		if ch.session.transport.queued() > 0 {
			ch.armFlush()
		}
		if n == 0 {
			if err == nil {
				err = unix.EAGAIN
			}
			err = mapIOError(errMetaOpRead, err)
			if !IsRetry(err) {
				ch.rerr = err
			}
			return 0, err
		}
		// a trailing close notify is reported by the next read
		ch.plain = ch.buf[:n]
	}
	n := copy(p, ch.plain)
	ch.plain = ch.plain[n:]
	return n, nil
}

// Write sends at most one record of p. While earlier ciphertext is still
// waiting for the socket it reports ErrRetry without taking anything.
func (ch *EncryptedChannel) Write(p []byte) (int, error) {
	if ch.session == nil {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	transport := ch.session.transport
	if err := transport.flush(); err != nil {
		return 0, mapIOError(errMetaOpWrite, err)
	}
	if transport.queued() > 0 {
		ch.armFlush()
		return 0, mapIOError(errMetaOpWrite, unix.EAGAIN)
	}
	if len(p) > maxPlaintext {
		p = p[:maxPlaintext]
	}
	n, err := ch.session.conn.Write(p)
	if err != nil {
		return 0, mapIOError(errMetaOpWrite, err)
	}
	if transport.queued() > 0 {
		ch.armFlush()
	}
	return n, nil
}

// armFlush watches the raw channel for writability until the queued
// ciphertext is gone.
func (ch *EncryptedChannel) armFlush() {
	if ch.flushing || ch.raw == nil {
		return
	}
	id, err := ch.raw.AddWatch(Out, func(_ Channel, _ Condition) bool {
		if ch.session == nil {
			ch.flushing = false
			return false
		}
		transport := ch.session.transport
		if err := transport.flush(); err != nil {
			log().Debug().Err(err).Int("fd", ch.fd).Msg("flush failed")
			ch.flushing = false
			return false
		}
		if transport.queued() == 0 {
			ch.flushing = false
			return false
		}
		return true
	})
	if err != nil {
		log().Debug().Err(err).Int("fd", ch.fd).Msg("flush watch failed")
		return
	}
	ch.flushing = true
	ch.flushID = id
}

// Seek is the raw channel's seek. tls has no stream position of its own.
func (ch *EncryptedChannel) Seek(offset int64, whence SeekType) (int64, error) {
	if ch.raw == nil {
		return 0, ErrClosed
	}
	return ch.raw.Seek(offset, whence)
}

// Close closes the raw channel without sending close notify.
func (ch *EncryptedChannel) Close() error {
	if ch.raw == nil {
		return ErrClosed
	}
	return ch.raw.Close()
}

type ownerWatcher interface {
	watch(owner Channel, cond Condition, fn WatchFunc) (WatchID, error)
}

type looper interface {
	Loop() *Loop
}

type eagerWatch struct {
	id        WatchID
	fn        WatchFunc
	scheduled bool
}

// AddWatch watches the raw channel. Readiness of the decrypted stream follows
// the socket, except that an In watch also fires while Pending is true.
func (ch *EncryptedChannel) AddWatch(cond Condition, fn WatchFunc) (WatchID, error) {
	if ch.session == nil {
		return 0, ErrClosed
	}
	if fn == nil {
		return 0, errors.From(ErrInvalidArgument, errors.WithMeta(errMetaOpKey, errMetaOpWatch))
	}
	handler := fn
	var eager *eagerWatch
	if cond.Has(In) {
		eager = &eagerWatch{fn: fn}
		handler = func(owner Channel, c Condition) bool {
			keep := fn(owner, c)
			if keep {
				ch.schedule(eager)
			}
			return keep
		}
	}

	var id WatchID
	var err error
	if w, ok := ch.raw.(ownerWatcher); ok {
		id, err = w.watch(ch, cond, handler)
	} else {
		id, err = ch.raw.AddWatch(cond, func(_ Channel, c Condition) bool {
			return handler(ch, c)
		})
	}
	if err != nil {
		return 0, err
	}
	if eager != nil {
		eager.id = id
		ch.schedule(eager)
	}
	return id, nil
}

func (ch *EncryptedChannel) schedule(w *eagerWatch) {
	if w.scheduled || !ch.Pending() {
		return
	}
	l, ok := ch.raw.(looper)
	if !ok {
		return
	}
	loop := l.Loop()
	w.scheduled = true
	loop.Invoke(func() {
		w.scheduled = false
		if !loop.has(w.id) || !ch.Pending() {
			return
		}
		if !w.fn(ch, In) {
			loop.Remove(w.id)
			return
		}
		ch.schedule(w)
	})
}

func (ch *EncryptedChannel) RemoveWatch(id WatchID) bool {
	if ch.raw == nil {
		return false
	}
	return ch.raw.RemoveWatch(id)
}

func (ch *EncryptedChannel) Ref() {
	ch.refs.Acquire()
}

func (ch *EncryptedChannel) Unref() {
	ch.refs.Release()
}

func (ch *EncryptedChannel) Refs() int64 {
	return ch.refs.Count()
}

// destroy drops the session and the raw channel reference. It is terminal.
func (ch *EncryptedChannel) destroy() {
	if ch.flushing && ch.raw != nil {
		ch.raw.RemoveWatch(ch.flushID)
		ch.flushing = false
	}
	if ch.session != nil {
		_ = ch.session.transport.Close()
		ch.session = nil
	}
	ch.plain = nil
	ch.buf = nil
	if ch.raw != nil {
		ch.raw.Unref()
		ch.raw = nil
	}
}
