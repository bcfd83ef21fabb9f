//go:build linux

package tlschan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlschan/pkg/sys"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Loop is a poll driven event loop dispatching descriptor readiness to watches.
// Callbacks run on the goroutine calling Run or RunOnce.
type Loop struct {
	poll    *sys.EPoll
	mu      sync.Mutex
	seq     WatchID
	watches map[WatchID]*watch
	fds     map[int][]*watch
	masks   map[int]uint32
	tasks   []func()
	closed  bool
}

type watch struct {
	id      WatchID
	fd      int
	cond    Condition
	fn      func(cond Condition) bool
	removed atomic.Bool
}

func NewLoop() (*Loop, error) {
	poll, err := sys.OpenEPoll()
	if err != nil {
		return nil, errors.New(
			"open loop failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithWrap(err),
		)
	}
	return &Loop{
		poll:    poll,
		watches: make(map[WatchID]*watch),
		fds:     make(map[int][]*watch),
		masks:   make(map[int]uint32),
	}, nil
}

// AddWatch calls fn whenever fd satisfies cond. Err and Hup are always delivered.
func (l *Loop) AddWatch(fd int, cond Condition, fn func(cond Condition) bool) (WatchID, error) {
	if fn == nil {
		return 0, errors.From(ErrInvalidArgument, errors.WithMeta(errMetaOpKey, errMetaOpWatch))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, errors.From(ErrClosed, errors.WithMeta(errMetaOpKey, errMetaOpWatch))
	}
	l.seq++
	w := &watch{id: l.seq, fd: fd, cond: cond, fn: fn}
	l.fds[fd] = append(l.fds[fd], w)
	if err := l.updateLocked(fd); err != nil {
		l.fds[fd] = l.fds[fd][:len(l.fds[fd])-1]
		if len(l.fds[fd]) == 0 {
			delete(l.fds, fd)
		}
		return 0, mapIOError(errMetaOpWatch, err)
	}
	l.watches[w.id] = w
	return w.id, nil
}

// Remove drops the watch and reports whether it was still registered.
func (l *Loop) Remove(id WatchID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, has := l.watches[id]
	if !has {
		return false
	}
	l.removeLocked(w)
	return true
}

func (l *Loop) has(id WatchID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, has := l.watches[id]
	return has
}

func (l *Loop) removeLocked(w *watch) {
	w.removed.Store(true)
	delete(l.watches, w.id)
	list := l.fds[w.fd]
	for i, item := range list {
		if item == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(l.fds, w.fd)
	} else {
		l.fds[w.fd] = list
	}
	if err := l.updateLocked(w.fd); err != nil {
		log().Debug().Err(err).Int("fd", w.fd).Msg("update interest failed")
	}
}

// forget drops every watch of fd. It is called before fd is closed.
func (l *Loop) forget(fd int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.fds[fd] {
		w.removed.Store(true)
		delete(l.watches, w.id)
	}
	delete(l.fds, fd)
	if _, has := l.masks[fd]; has {
		delete(l.masks, fd)
		if !l.closed {
			_ = l.poll.Del(fd)
		}
	}
}

func (l *Loop) updateLocked(fd int) error {
	var mask uint32
	for _, w := range l.fds[fd] {
		mask |= condToEvents(w.cond)
	}
	old, registered := l.masks[fd]
	switch {
	case len(l.fds[fd]) == 0:
		if !registered {
			return nil
		}
		delete(l.masks, fd)
		return l.poll.Del(fd)
	case !registered:
		if err := l.poll.Add(fd, mask); err != nil {
			return err
		}
	case old != mask:
		if err := l.poll.Mod(fd, mask); err != nil {
			return err
		}
	}
	l.masks[fd] = mask
	return nil
}

// Invoke queues fn to run on the loop during its next iteration.
func (l *Loop) Invoke(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	_ = l.poll.Wakeup()
}

type readiness struct {
	fd     int
	events uint32
}

// RunOnce runs queued tasks, then waits up to timeout for readiness and
// dispatches it. A negative timeout waits until something happens.
// It returns the number of callbacks and tasks run.
func (l *Loop) RunOnce(timeout time.Duration) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()

	ran := 0
	for _, task := range tasks {
		task()
		ran++
	}
	if ran > 0 {
		timeout = 0
	}

	var ready []readiness
	if _, err := l.poll.Wait(timeout, func(fd int, events uint32) {
		ready = append(ready, readiness{fd: fd, events: events})
	}); err != nil {
		return ran, err
	}
	for _, r := range ready {
		ran += l.dispatch(r.fd, eventsToCond(r.events))
	}
	return ran, nil
}

func (l *Loop) dispatch(fd int, fired Condition) int {
	l.mu.Lock()
	list := append([]*watch(nil), l.fds[fd]...)
	l.mu.Unlock()

	ran := 0
	for _, w := range list {
		cond := fired & (w.cond | Err | Hup | Nval)
		if cond == 0 || w.removed.Load() {
			continue
		}
		ran++
		if !w.fn(cond) {
			l.Remove(w.id)
		}
	}
	return ran
}

// Run iterates until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = l.poll.Wakeup()
	})
	defer stop()
	for ctx.Err() == nil {
		if _, err := l.RunOnce(-1); err != nil {
			if IsClosed(err) {
				return nil
			}
			return err
		}
	}
	return ctx.Err()
}

// Close releases the poller. It must not race with Run.
func (l *Loop) Close() (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for fd := range l.masks {
		err = multierr.Append(err, l.poll.Del(fd))
	}
	l.watches = nil
	l.fds = nil
	l.masks = nil
	l.tasks = nil
	err = multierr.Append(err, l.poll.Close())
	return
}

// Watches returns the number of registered watches.
func (l *Loop) Watches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watches)
}

func condToEvents(cond Condition) (events uint32) {
	if cond.Has(In) {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if cond.Has(Out) {
		events |= unix.EPOLLOUT
	}
	if cond.Has(Pri) {
		events |= unix.EPOLLPRI
	}
	return
}

func eventsToCond(events uint32) (cond Condition) {
	if events&unix.EPOLLIN != 0 {
		cond |= In
	}
	if events&unix.EPOLLOUT != 0 {
		cond |= Out
	}
	if events&unix.EPOLLPRI != 0 {
		cond |= Pri
	}
	if events&unix.EPOLLERR != 0 {
		cond |= Err
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		cond |= Hup
	}
	return
}
