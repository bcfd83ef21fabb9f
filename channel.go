package tlschan

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Channel is a stream that can be read, written, watched for readiness and
// shared by reference. Raw sockets and TLS-wrapped sockets both satisfy it.
type Channel interface {
	// Read returns the bytes read, or zero and an error. It never returns both.
	Read(p []byte) (n int, err error)
	// Write returns the bytes written, or zero and an error. It never returns both.
	Write(p []byte) (n int, err error)
	Seek(offset int64, whence SeekType) (int64, error)
	// Close closes the underlying descriptor. References stay valid until released.
	Close() error
	AddWatch(cond Condition, fn WatchFunc) (WatchID, error)
	RemoveWatch(id WatchID) bool
	// Ref takes a reference. Unref drops one and destroys the channel with the last.
	Ref()
	Unref()
	Refs() int64
}

// FileChannel is a Channel backed by a file descriptor.
type FileChannel interface {
	Channel
	Fd() int
}

// WatchFunc is called with the watched channel and the conditions that fired.
// Returning false removes the watch.
type WatchFunc func(ch Channel, cond Condition) bool

type WatchID uint64

type SeekType int

const (
	SeekSet SeekType = iota
	SeekCur
	SeekEnd
)

func (t SeekType) whence() int {
	switch t {
	case SeekCur:
		return unix.SEEK_CUR
	case SeekEnd:
		return unix.SEEK_END
	default:
		return unix.SEEK_SET
	}
}

type Condition uint32

const (
	In Condition = 1 << iota
	Out
	Pri
	Err
	Hup
	Nval
)

func (c Condition) Has(other Condition) bool {
	return c&other != 0
}

func (c Condition) String() string {
	if c == 0 {
		return "none"
	}
	names := make([]string, 0, 6)
	for _, item := range []struct {
		cond Condition
		name string
	}{{In, "in"}, {Out, "out"}, {Pri, "pri"}, {Err, "err"}, {Hup, "hup"}, {Nval, "nval"}} {
		if c.Has(item.cond) {
			names = append(names, item.name)
		}
	}
	return strings.Join(names, "|")
}
