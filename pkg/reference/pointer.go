package reference

import (
	"sync/atomic"
)

// Make returns a handle holding one reference to value.
// release runs once, when the last reference is dropped.
func Make[E any](value E, release func(E)) *Pointer[E] {
	if release == nil {
		panic("reference: release is nil")
	}
	pointer := &Pointer[E]{value: value, release: release}
	pointer.count.Store(1)
	return pointer
}

type Pointer[E any] struct {
	value    E
	release  func(E)
	count    atomic.Int64
	released atomic.Bool
}

func (pointer *Pointer[E]) Value() E {
	return pointer.value
}

// Acquire takes one more reference.
func (pointer *Pointer[E]) Acquire() *Pointer[E] {
	pointer.count.Add(1)
	return pointer
}

func (pointer *Pointer[E]) Count() int64 {
	n := pointer.count.Load()
	if n < 0 {
		return 0
	}
	return n
}

// Release drops one reference and reports whether it was the last one.
func (pointer *Pointer[E]) Release() bool {
	if n := pointer.count.Add(-1); n > 0 {
		return false
	}
	if pointer.released.CompareAndSwap(false, true) {
		pointer.release(pointer.value)
		return true
	}
	return false
}
