// Package synctos implements the kernel's synchronization primitives: a
// spin-then-yield lock with recursive-acquire semantics, a counting
// semaphore, and a future/promise-style one-shot lock used to hand a
// result from one task to another.
//
// Grounded on gopheros's kernel/sync.Spinlock (busy-wait acquire, atomic
// swap-based TryToAcquire, store-based Release) generalized with
// recursive-owner tracking and a CPU-0-yields/others-pause backoff
// strategy, since biscuit's own lock lived in its patched runtime rather
// than a standalone package.
package synctos

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"turnstonecore/src/defs"
)

// noOwner is the sentinel CpuId_t/owner token meaning "unlocked".
const noOwner = -1

// SpinLock is a mutual-exclusion lock that busy-waits while contended.
// Re-entrant acquisition by the same owner token is a no-op: one Acquire
// by a given owner pairs with exactly one Release, and interleaved
// acquire/release by the same owner does not recurse the underlying lock.
type SpinLock struct {
	state int32
	owner int64
	depth int32
}

// NewSpinLock returns an unlocked SpinLock.
func NewSpinLock() *SpinLock {
	return &SpinLock{owner: noOwner}
}

// Acquire blocks until the lock is held on behalf of owner. If owner
// already holds the lock, the call is a no-op.
func (l *SpinLock) Acquire(owner int64, cpu defs.CpuId_t) {
	if atomic.LoadInt64(&l.owner) == owner && atomic.LoadInt32(&l.state) == 1 {
		return
	}
	spins := 0
	for !atomic.CompareAndSwapInt32(&l.state, 0, 1) {
		// CPU 0 is the bootstrap processor and has nowhere else useful to
		// go while spinning on early-boot locks, so it yields the
		// scheduler quantum outright; other CPUs use a short pause loop
		// before yielding, matching the backoff biscuit's arch-level
		// spinlocks used.
		if cpu == 0 {
			runtime.Gosched()
			continue
		}
		spins++
		if spins > 64 {
			runtime.Gosched()
			spins = 0
		}
	}
	atomic.StoreInt64(&l.owner, owner)
	atomic.StoreInt32(&l.depth, 1)
}

// TryAcquire attempts a non-blocking acquire, returning true on success.
func (l *SpinLock) TryAcquire(owner int64) bool {
	if atomic.LoadInt64(&l.owner) == owner && atomic.LoadInt32(&l.state) == 1 {
		return true
	}
	if atomic.CompareAndSwapInt32(&l.state, 0, 1) {
		atomic.StoreInt64(&l.owner, owner)
		atomic.StoreInt32(&l.depth, 1)
		return true
	}
	return false
}

// Release frees the lock held by owner. Since re-entry is a no-op, a lock
// that owner acquired more than once is freed by one Release. Releasing a
// lock not owned
// by owner is a defined no-op, not an error: a caller that raced a prior
// Release (or never held the lock) simply has nothing to relinquish.
func (l *SpinLock) Release(owner int64) {
	if atomic.LoadInt64(&l.owner) != owner {
		return
	}
	if atomic.AddInt32(&l.depth, -1) > 0 {
		return
	}
	atomic.StoreInt64(&l.owner, noOwner)
	atomic.StoreInt32(&l.state, 0)
}

// Sema is a counting semaphore, backed by golang.org/x/sync/semaphore's
// Weighted (already present as an indirect import; this is the
// runtime-facing component that gives it a direct one) rather than a
// hand-rolled buffered-channel token bucket.
type Sema struct {
	w   *semaphore.Weighted
	cap int64
	mu  sync.Mutex
	held int64
}

// NewSema returns a semaphore initialized with n available permits.
func NewSema(n int) *Sema {
	return &Sema{w: semaphore.NewWeighted(int64(n)), cap: int64(n)}
}

// Down acquires one permit, blocking until one is available.
func (s *Sema) Down() {
	_ = s.w.Acquire(context.Background(), 1)
	s.mu.Lock()
	s.held++
	s.mu.Unlock()
}

// TryDown attempts to acquire a permit without blocking.
func (s *Sema) TryDown() bool {
	if s.w.TryAcquire(1) {
		s.mu.Lock()
		s.held++
		s.mu.Unlock()
		return true
	}
	return false
}

// Up releases one permit. It panics if no permit is currently held, since
// releasing one would raise the available count above the initial n.
func (s *Sema) Up() {
	s.mu.Lock()
	if s.held == 0 {
		s.mu.Unlock()
		panic("synctos: semaphore overflow")
	}
	s.held--
	s.mu.Unlock()
	s.w.Release(1)
}

// Future is a one-shot value handoff: exactly one producer calls Set,
// after which any number of consumers calling Get receive the same value
// without blocking.
type Future struct {
	done chan struct{}
	val  interface{}
	err  defs.Err_t
	set  int32
}

// NewFuture returns an unset Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Set resolves the future. Calling Set a second time panics.
func (f *Future) Set(val interface{}, err defs.Err_t) {
	if !atomic.CompareAndSwapInt32(&f.set, 0, 1) {
		panic("synctos: future set twice")
	}
	f.val = val
	f.err = err
	close(f.done)
}

// Get blocks until the future is resolved and returns its value.
func (f *Future) Get() (interface{}, defs.Err_t) {
	<-f.done
	return f.val, f.err
}

// Ready reports whether Set has already been called.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
