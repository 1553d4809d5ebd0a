// Package pool implements the fixed-size block arena of spec.md module
// J. Pool mode is selected by --service-pool, --fd-pool, or
// --controller-pool, and exhaustion becomes an ordinary protocol "limit"
// error instead of an allocation failure. Only --controller-pool is
// backed by an Arena; --service-pool and --fd-pool cap the entry count
// of their tables, which still allocate each entry on demand.
package pool

import "errors"

// ErrExhausted is returned by Alloc when every preallocated block is in
// use. Callers surface this as an error\tlimit\t... protocol event.
var ErrExhausted = errors.New("pool: exhausted")

// Arena preallocates a fixed number of blocks of type T and serves
// Alloc/Free against that fixed set with no further allocation.
type Arena[T any] struct {
	blocks []T
	free   []int // indices of unused blocks, stack-ordered
}

// NewArena preallocates n blocks. The zero value of T is used as the
// initial contents of each block; callers reset fields they care about
// after Alloc returns.
func NewArena[T any](n int) *Arena[T] {
	a := &Arena[T]{
		blocks: make([]T, n),
		free:   make([]int, n),
	}
	for i := 0; i < n; i++ {
		a.free[i] = n - 1 - i // pop from the end == lowest index first
	}
	return a
}

// Cap returns the total number of blocks this arena was built with.
func (a *Arena[T]) Cap() int { return len(a.blocks) }

// InUse returns the number of blocks currently allocated.
func (a *Arena[T]) InUse() int { return len(a.blocks) - len(a.free) }

// Alloc reserves a block and returns its index and a pointer into the
// arena's backing array. It returns ErrExhausted once every block is
// in use; this is routine, not a bug, and must never panic or abort.
func (a *Arena[T]) Alloc() (idx int, ptr *T, err error) {
	if len(a.free) == 0 {
		return -1, nil, ErrExhausted
	}
	idx = a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	var zero T
	a.blocks[idx] = zero
	return idx, &a.blocks[idx], nil
}

// Free releases a block back to the arena for reuse.
func (a *Arena[T]) Free(idx int) {
	if idx < 0 || idx >= len(a.blocks) {
		return
	}
	var zero T
	a.blocks[idx] = zero
	a.free = append(a.free, idx)
}

// At returns a pointer to the block at idx, regardless of whether it is
// currently allocated -- used by callers that track liveness themselves.
func (a *Arena[T]) At(idx int) *T {
	if idx < 0 || idx >= len(a.blocks) {
		return nil
	}
	return &a.blocks[idx]
}
