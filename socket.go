//go:build linux

package tlschan

import (
	"io"
	"syscall"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschan/pkg/reference"
	"github.com/brickingsoft/tlschan/pkg/sys"
	"golang.org/x/sys/unix"
)

// Socket is the raw channel over a connected socket descriptor.
type Socket struct {
	fd     int
	loop   *Loop
	closed bool
	refs   *reference.Pointer[*Socket]
}

// NewSocket adopts fd, switching it to non-blocking mode. The returned socket
// holds one reference owned by the caller, and closes fd when destroyed.
func NewSocket(loop *Loop, fd int) (*Socket, error) {
	if loop == nil {
		return nil, errors.From(ErrInvalidArgument, errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
	}
	if !sys.ValidFd(fd) {
		return nil, errors.From(ErrNoDescriptor, errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
	}
	if err := sys.SetNonblock(fd); err != nil {
		return nil, errors.From(ErrNoDescriptor, errors.WithWrap(err))
	}
	s := &Socket{fd: fd, loop: loop}
	s.refs = reference.Make(s, (*Socket).destroy)
	return s, nil
}

// SocketFrom adopts a duplicate of conn's descriptor. conn stays owned by the caller.
func SocketFrom(loop *Loop, conn syscall.Conn) (*Socket, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, errors.From(ErrNoDescriptor, errors.WithWrap(err))
	}
	fd := -1
	var dupErr error
	if err = raw.Control(func(sock uintptr) {
		var call string
		fd, call, dupErr = sys.DupCloseOnExec(int(sock))
		if dupErr != nil && call != "" {
			dupErr = errors.New(call+" failed", errors.WithWrap(dupErr))
		}
	}); err != nil {
		return nil, errors.From(ErrNoDescriptor, errors.WithWrap(err))
	}
	if dupErr != nil {
		return nil, errors.From(ErrNoDescriptor, errors.WithWrap(dupErr))
	}
	s, err := NewSocket(loop, fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return s, nil
}

func (s *Socket) Fd() int {
	return s.fd
}

func (s *Socket) Loop() *Loop {
	return s.loop
}

func (s *Socket) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, mapIOError(errMetaOpRead, err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *Socket) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Write(s.fd, p)
	if err != nil {
		return 0, mapIOError(errMetaOpWrite, err)
	}
	return n, nil
}

func (s *Socket) Seek(offset int64, whence SeekType) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	off, err := unix.Seek(s.fd, offset, whence.whence())
	if err != nil {
		return 0, mapIOError(errMetaOpSeek, err)
	}
	return off, nil
}

func (s *Socket) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.loop.forget(s.fd)
	if err := unix.Close(s.fd); err != nil {
		return mapIOError(errMetaOpClose, err)
	}
	return nil
}

func (s *Socket) AddWatch(cond Condition, fn WatchFunc) (WatchID, error) {
	return s.watch(s, cond, fn)
}

// watch registers fn so that it receives owner instead of the socket.
func (s *Socket) watch(owner Channel, cond Condition, fn WatchFunc) (WatchID, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if fn == nil {
		return 0, errors.From(ErrInvalidArgument, errors.WithMeta(errMetaOpKey, errMetaOpWatch))
	}
	return s.loop.AddWatch(s.fd, cond, func(c Condition) bool {
		return fn(owner, c)
	})
}

func (s *Socket) RemoveWatch(id WatchID) bool {
	return s.loop.Remove(id)
}

func (s *Socket) Ref() {
	s.refs.Acquire()
}

func (s *Socket) Unref() {
	s.refs.Release()
}

func (s *Socket) Refs() int64 {
	return s.refs.Count()
}

func (s *Socket) destroy() {
	if s.closed {
		return
	}
	s.closed = true
	s.loop.forget(s.fd)
	_ = unix.Close(s.fd)
}
