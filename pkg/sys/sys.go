//go:build linux

package sys

import (
	"os"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

var dupCloexecUnsupported atomic.Bool

func DupCloseOnExec(fd int) (int, string, error) {
	if !dupCloexecUnsupported.Load() {
		r0, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err == nil {
			return r0, "", nil
		}
		switch err {
		case unix.EINVAL, unix.ENOSYS:
			// Old kernel. Fall back to the portable way from now on.
			dupCloexecUnsupported.Store(true)
		default:
			return -1, "fcntl", err
		}
	}
	return dupCloseOnExecOld(fd)
}

func dupCloseOnExecOld(fd int) (int, string, error) {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()
	newfd, err := unix.Dup(fd)
	if err != nil {
		return -1, "dup", err
	}
	unix.CloseOnExec(newfd)
	return newfd, "", nil
}

// ValidFd reports whether fd refers to an open descriptor.
func ValidFd(fd int) bool {
	if fd < 0 {
		return false
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func SetNonblock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	return nil
}

func IsSocket(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFSOCK
}
