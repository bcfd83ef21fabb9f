//go:build linux

package tlschan

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/tlschan/pkg/sys"
	"golang.org/x/sys/unix"
)

const (
	recordHeaderLen = 5
	readChunkSize   = 16 * 1024
	pollStep        = 50 * time.Millisecond
)

// fdConn is the net.Conn crypto/tls runs over. It borrows the descriptor and
// never closes it.
//
// Ciphertext is handed to tls one record at a time, so anything read from the
// socket past the current record stays here where buffered can see it.
// Outgoing ciphertext is queued whole and flushed as the socket allows, so tls
// never sees a short write once the handshake is done.
type fdConn struct {
	fd       int
	blocking bool
	closed   atomic.Bool
	rdl      time.Time
	wdl      time.Time
	in       []byte
	left     int
	scratch  []byte
	out      bytes.Buffer
	werr     error
	laddr    net.Addr
	raddr    net.Addr
}

func newFdConn(fd int) *fdConn {
	c := &fdConn{
		fd:       fd,
		blocking: true,
		scratch:  make([]byte, readChunkSize),
	}
	if sa, err := unix.Getsockname(fd); err == nil {
		c.laddr = sys.SockaddrToAddr(sa)
	}
	if addr, err := sys.PeerAddr(fd); err == nil {
		c.raddr = addr
	}
	return c
}

// retryError reports that the socket has nothing to read right now.
// crypto/tls keeps the connection usable after temporary net errors.
type retryError struct {
	errno unix.Errno
}

func (e *retryError) Error() string   { return e.errno.Error() }
func (e *retryError) Timeout() bool   { return false }
func (e *retryError) Temporary() bool { return true }
func (e *retryError) Unwrap() error   { return e.errno }

func (c *fdConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(c.in) == 0 || (c.left == 0 && len(c.in) < recordHeaderLen) {
		if err := c.fill(); err != nil {
			if err == io.EOF && len(c.in) > 0 {
				// truncated header, let tls see what there is
				n := copy(p, c.in)
				c.in = c.in[n:]
				return n, nil
			}
			return 0, err
		}
	}
	if c.left == 0 {
		c.left = recordHeaderLen + int(binary.BigEndian.Uint16(c.in[3:recordHeaderLen]))
	}
	n := min(len(p), c.left, len(c.in))
	copy(p, c.in[:n])
	c.in = c.in[n:]
	c.left -= n
	return n, nil
}

func (c *fdConn) fill() error {
	for {
		if c.closed.Load() {
			return net.ErrClosed
		}
		n, err := unix.Read(c.fd, c.scratch)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if !c.blocking {
				return &retryError{errno: unix.EAGAIN}
			}
			if err = c.wait(sys.PollIn, c.rdl); err != nil {
				return err
			}
			continue
		case err != nil:
			return os.NewSyscallError("read", err)
		case n == 0:
			return io.EOF
		}
		c.in = append(c.in, c.scratch[:n]...)
		return nil
	}
}

// buffered reports whether a complete record is waiting to be handed to tls.
func (c *fdConn) buffered() bool {
	if c.left > 0 {
		return len(c.in) >= c.left
	}
	if len(c.in) < recordHeaderLen {
		return false
	}
	return len(c.in) >= recordHeaderLen+int(binary.BigEndian.Uint16(c.in[3:recordHeaderLen]))
}

// Write queues p and flushes what the socket takes. In blocking mode it
// returns once everything is sent.
func (c *fdConn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	if c.werr != nil {
		return 0, c.werr
	}
	c.out.Write(p)
	if err := c.flush(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// flush writes queued ciphertext. Without blocking it stops at EAGAIN.
// A write failure is kept and returned by every later write.
func (c *fdConn) flush() error {
	if c.werr != nil {
		return c.werr
	}
	for c.out.Len() > 0 {
		if c.closed.Load() {
			return net.ErrClosed
		}
		n, err := unix.Write(c.fd, c.out.Bytes())
		if n > 0 {
			c.out.Next(n)
		}
		switch {
		case err == nil, err == unix.EINTR:
		case err == unix.EAGAIN:
			if !c.blocking {
				return nil
			}
			if err = c.wait(sys.PollOut, c.wdl); err != nil {
				return err
			}
		default:
			c.werr = os.NewSyscallError("write", err)
			return c.werr
		}
	}
	return nil
}

// queued is the ciphertext still waiting for the socket.
func (c *fdConn) queued() int {
	return c.out.Len()
}

func (c *fdConn) wait(events int16, deadline time.Time) error {
	for {
		if c.closed.Load() {
			return net.ErrClosed
		}
		step := pollStep
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return os.ErrDeadlineExceeded
			}
			step = min(step, left)
		}
		ready, err := sys.WaitFd(c.fd, events, step)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
	}
}

// Close stops pending waits. The descriptor belongs to the raw channel.
func (c *fdConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fdConn) LocalAddr() net.Addr {
	return c.laddr
}

func (c *fdConn) RemoteAddr() net.Addr {
	return c.raddr
}

func (c *fdConn) SetDeadline(t time.Time) error {
	c.rdl = t
	c.wdl = t
	return nil
}

func (c *fdConn) SetReadDeadline(t time.Time) error {
	c.rdl = t
	return nil
}

func (c *fdConn) SetWriteDeadline(t time.Time) error {
	c.wdl = t
	return nil
}
