// Package accnt tracks per-task CPU accounting: how much wall-clock time a
// task has spent executing versus blocked in the kernel on its behalf.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"

	"turnstonecore/src/util"
)

// Accnt_t accumulates a task's user and system time. Both fields are
// nanoseconds. The embedded mutex lets callers take a consistent snapshot
// when exporting usage.
type Accnt_t struct {
	// Userns is nanoseconds spent running the task's own code.
	Userns int64
	// Sysns is nanoseconds spent in the kernel on the task's behalf.
	Sysns int64
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Now returns the current time in nanoseconds since the Unix epoch.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

// IoTime removes time spent waiting for TOSDB/backend IO from system time,
// since that time is attributed to the blocking wait, not useful kernel work.
func (a *Accnt_t) IoTime(since int64) {
	a.Systadd(since - a.Now())
}

// SleepTime removes time spent sleeping from system time.
func (a *Accnt_t) SleepTime(since int64) {
	a.Systadd(since - a.Now())
}

// Finish adds the time elapsed since inttime to system time, finalizing an
// accounting window (e.g. a syscall or vmcall handler's duration).
func (a *Accnt_t) Finish(inttime int64) {
	a.Systadd(a.Now() - inttime)
}

// Add merges another accounting record into this one.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	a.Userns += n.Userns
	a.Sysns += n.Sysns
	a.Unlock()
}

// Fetch returns a consistent snapshot of the accounting data, encoded as
// eight-byte little-endian (seconds, microseconds) pairs for user then
// system time, matching the wire discipline TOSDB's block format uses.
func (a *Accnt_t) Fetch() []uint8 {
	a.Lock()
	defer a.Unlock()
	return a.encode()
}

func (a *Accnt_t) encode() []uint8 {
	ret := make([]uint8, 4*8)
	totv := func(nano int64) (int, int) {
		secs := int(nano / 1e9)
		usecs := int((nano % 1e9) / 1000)
		return secs, usecs
	}
	off := 0
	write := func(nano int64) {
		s, us := totv(nano)
		util.Writen(ret, 8, off, s)
		off += 8
		util.Writen(ret, 8, off, us)
		off += 8
	}
	write(a.Userns)
	write(a.Sysns)
	return ret
}
