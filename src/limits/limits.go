// Package limits holds TurnstoneOS's system-wide tunables, expressed with
// the same atomically-updated budget counter the original kernel used for
// POSIX resource limits.
package limits

import "sync/atomic"

// Sysatomic_t is a numeric budget that can be atomically given/taken. A
// budget can never go negative: Taken refuses and rolls back when it would.
type Sysatomic_t struct {
	v int64
}

// Given increases the budget by the provided amount.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(&s.v, int64(n))
}

// Taken tries to decrement the budget by the provided amount. It returns
// true on success and leaves the budget unchanged on failure.
func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64(&s.v, -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64(&s.v, int64(n))
	return false
}

// Take decrements the budget by one and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

// Give increments the budget by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}

// Value returns the current budget, for diagnostics only.
func (s *Sysatomic_t) Value() int64 {
	return atomic.LoadInt64(&s.v)
}

// Syslimit_t collects TurnstoneOS's system-wide tunables.
type Syslimit_t struct {
	// MaxTickCount is the scheduler preemption boundary: a
	// task keeps running until now-last_tick >= MaxTickCount.
	MaxTickCount int64
	// TimeEpochNanos is the granularity of TIME_EPOCH advances (default: 1
	// microsecond).
	TimeEpochNanos int64
	// RtcResyncInterval is how often the wall clock resyncs from RTC when
	// HPET is not running (default: 15 minutes).
	RtcResyncInterval int64
	// MaxFrames bounds the number of outstanding physical frames the
	// allocator will track, a budget rather than a hard physical ceiling.
	MaxFrames Sysatomic_t
	// MaxTasks bounds the number of live tasks.
	MaxTasks Sysatomic_t
	// MaxVms bounds the number of live hypervisor guests.
	MaxVms Sysatomic_t
	// MemtableMaxSize is TOSDB's default memtable flush threshold in bytes.
	MemtableMaxSize int64
	// MaxLevel is TOSDB's highest sstable level.
	MaxLevel int
	// CompactionRatio is the default bloom filter false-positive target
	// used when sizing a sealed sstable's filter.
	CompactionRatio float64
}

// Syslimit holds the configured system-wide limits.
var Syslimit = MkSysLimit()

// MkSysLimit returns a pointer to the default set of limits.
func MkSysLimit() *Syslimit_t {
	s := &Syslimit_t{
		MaxTickCount:      20,
		TimeEpochNanos:    1000,
		RtcResyncInterval: 15 * 60 * 1_000_000_000,
		MemtableMaxSize:   4 << 20,
		MaxLevel:          7,
		CompactionRatio:   0.01,
	}
	s.MaxFrames.Given(1 << 22)
	s.MaxTasks.Given(1 << 16)
	s.MaxVms.Given(256)
	return s
}
