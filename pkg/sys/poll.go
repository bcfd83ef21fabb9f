//go:build linux

package sys

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	PollIn  = unix.POLLIN
	PollOut = unix.POLLOUT
)

// WaitFd blocks until fd reports one of events or timeout elapses.
// A negative timeout waits forever, a zero timeout only probes.
func WaitFd(fd int, events int16, timeout time.Duration) (ready bool, err error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, pollErr := unix.Poll(fds, ms)
		if pollErr == unix.EINTR {
			if !deadline.IsZero() {
				left := time.Until(deadline)
				if left <= 0 {
					return false, nil
				}
				ms = int(left / time.Millisecond)
			}
			continue
		}
		if pollErr != nil {
			err = os.NewSyscallError("poll", pollErr)
			return
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			err = os.NewSyscallError("poll", unix.EBADF)
			return
		}
		// errors and hang ups count as ready, the following read or write reports them
		ready = fds[0].Revents&(events|unix.POLLERR|unix.POLLHUP) != 0
		return
	}
}
