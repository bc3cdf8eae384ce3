// Package stats provides lightweight, always-on counters and cycle
// accumulators used by the allocator, scheduler, and TOSDB to expose the
// statistics TurnstoneOS tracks: malloc_count, free_count, and friends.
//
// The original kernel gated these behind a Stats/Timing compile-time flag
// and read elapsed cycles with a patched runtime's Rdtsc. This rendering
// runs as a hosted process with the stock Go runtime, so there is no real
// TSC to read; Now provides a monotonic nanosecond tick instead. Counting
// is left unconditional since the cost is negligible next to the channel
// sends and lock acquisitions already on these paths.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Counter_t is a statistical counter.
type Counter_t struct {
	v int64
}

// Cycles_t accumulates elapsed nanoseconds (a software stand-in for the
// cycle counter the original hardware-resident kernel read directly).
type Cycles_t struct {
	v int64
}

// epoch anchors Now to the process's monotonic clock.
var epoch = time.Now()

// Now returns the current software tick (nanoseconds since package
// initialization), used as the "start" value passed to Cycles_t.Add.
func Now() uint64 {
	return uint64(time.Since(epoch))
}

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	atomic.AddInt64(&c.v, 1)
}

// Add increments the counter by n.
func (c *Counter_t) Add(n int64) {
	atomic.AddInt64(&c.v, n)
}

// Load returns the counter's current value.
func (c *Counter_t) Load() int64 {
	return atomic.LoadInt64(&c.v)
}

// Add adds elapsed nanoseconds since the supplied start tick.
func (c *Cycles_t) Add(since uint64) {
	atomic.AddInt64(&c.v, int64(Now()-since))
}

// Load returns the accumulated nanoseconds.
func (c *Cycles_t) Load() int64 {
	return atomic.LoadInt64(&c.v)
}

// Stats2String converts a struct of Counter_t/Cycles_t fields to a
// printable string via reflection, field name followed by value.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		name := v.Type().Field(i).Name
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			f := v.Field(i).Addr().Interface().(*Counter_t)
			s += "\n\t#" + name + ": " + strconv.FormatInt(f.Load(), 10)
		case strings.HasSuffix(t, "Cycles_t"):
			f := v.Field(i).Addr().Interface().(*Cycles_t)
			s += "\n\t#" + name + ": " + strconv.FormatInt(f.Load(), 10)
		}
	}
	return s + "\n"
}
