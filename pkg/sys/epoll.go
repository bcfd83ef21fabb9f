//go:build linux

package sys

import (
	"os"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	EventIn  = unix.EPOLLIN
	EventOut = unix.EPOLLOUT
	EventPri = unix.EPOLLPRI
	EventErr = unix.EPOLLERR
	EventHup = unix.EPOLLHUP
)

func OpenEPoll() (*EPoll, error) {
	l := new(EPoll)
	p, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	l.fd = p
	w, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(p)
		return nil, os.NewSyscallError("eventfd", err)
	}
	l.wfd = w
	if err = l.Add(l.wfd, EventIn); err != nil {
		_ = unix.Close(w)
		_ = unix.Close(p)
		return nil, err
	}
	l.events = make([]unix.EpollEvent, 64)
	return l, nil
}

type EPoll struct {
	fd     int
	wfd    int
	events []unix.EpollEvent
}

func (p *EPoll) Wakeup() error {
	var x uint64 = 1
	_, err := unix.Write(p.wfd, (*(*[8]byte)(unsafe.Pointer(&x)))[:])
	if err == unix.EAGAIN {
		// counter is already non-zero, the poller will wake anyway
		return nil
	}
	return err
}

// Wait waits once for events and hands each ready descriptor to iter.
// It returns the number of descriptors handed out.
func (p *EPoll) Wait(timeout time.Duration, iter func(fd int, events uint32)) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	n, err := unix.EpollWait(p.fd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	handled := 0
	for i := 0; i < n; i++ {
		if fd := int(p.events[i].Fd); fd != p.wfd {
			iter(fd, p.events[i].Events)
			handled++
		} else {
			var data [8]byte
			_, _ = unix.Read(p.wfd, data[:])
		}
	}
	return handled, nil
}

func (p *EPoll) Close() error {
	return multierr.Append(
		os.NewSyscallError("close", unix.Close(p.wfd)),
		os.NewSyscallError("close", unix.Close(p.fd)),
	)
}

func (p *EPoll) Add(fd int, events uint32) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

func (p *EPoll) Mod(fd int, events uint32) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

func (p *EPoll) Del(fd int) error {
	return p.ctl(unix.EPOLL_CTL_DEL, fd, 0)
}

func (p *EPoll) ctl(op int, fd int, events uint32) error {
	if err := unix.EpollCtl(p.fd, op, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}
