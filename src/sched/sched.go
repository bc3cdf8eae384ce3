// Package sched implements TurnstoneOS's cooperative-preemptive task
// scheduler: one goroutine per virtual CPU runs a run queue, switching
// between Task values that each carry the state assigned to a task
// (accounting, an FX register save area, and per-task stdio streams). A
// Task has no stack of its own: its body runs on an ordinary goroutine
// stack.
//
// Grounded on tinfo.Tnote_t/Threadinfo_t (biscuit/src/tinfo/tinfo.go) for
// the alive/killed/doomed bookkeeping and on accnt.Accnt_t for per-task
// accounting, and on the original kernel's cpu/task.64.c /
// cpu/task_utils.64.c for the state machine and suspension operations
// (task_current_task_sleep, task_set_interruptible,
// task_set_message_waiting, task_set_interrupt_received,
// task_toggle_wait_for_future) and the tick-gated preemption boundary in
// task_switch_task: a task keeps running until now-last_tick crosses
// MaxTickCount, at which point a Yield actually hands the CPU to the next
// runnable task instead of returning immediately. Biscuit tracked "the
// current thread" with its patched runtime's per-OS-thread Gptr/Setgptr
// slot; since that call does not exist in the stock runtime, this package
// instead pins each virtual CPU to its own goroutine with
// runtime.LockOSThread and hands a task control via a pair of handoff
// channels per task (see DESIGN.md).
package sched

import (
	"runtime"
	"sync"

	"turnstonecore/src/accnt"
	"turnstonecore/src/archbound"
	"turnstonecore/src/circbuf"
	"turnstonecore/src/defs"
	"turnstonecore/src/heap"
	"turnstonecore/src/limits"
)

// FxState is a placeholder for the 512-byte legacy FXSAVE area: this
// rendering has no FPU to save, so it is carried only to give tasks a
// stable byte budget; nothing in this package saves into or restores
// from it.
type FxState [512]byte

// State enumerates a task's lifecycle, exactly the set §3/§4.4 name.
type State int

const (
	Created State = iota
	Runnable
	Running
	Sleeping
	WaitingMessage
	WaitingFuture
	WaitingInterrupt
	Zombie
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case WaitingMessage:
		return "waiting-message"
	case WaitingFuture:
		return "waiting-future"
	case WaitingInterrupt:
		return "waiting-interrupt"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// wakeReason is why a task handed control back to its CPU.
type wakeReason int

const (
	reasonYield wakeReason = iota
	reasonSleep
	reasonWaitMessage
	reasonWaitFuture
	reasonWaitInterrupt
	reasonEnd
)

// Task is one schedulable unit of execution.
type Task struct {
	Tid defs.Tid_t

	Accnt  accnt.Accnt_t
	Stdin  circbuf.Circbuf_t
	Stdout circbuf.Circbuf_t
	Stderr circbuf.Circbuf_t

	Fx FxState

	mu                 sync.Mutex
	state              State
	wakeTick           uint64
	interruptible      bool
	messageWaiting     bool
	interruptReceived  bool
	waitForFuture      bool
	killed             bool
	isdoomed           bool
	killCh             chan struct{}

	fn      func(t *Task)
	cpu     defs.CpuId_t
	home    *CPU
	reg     *Registry
	started bool

	lastTick int64

	// toTask/fromTask are the handoff channels between a task's goroutine
	// and the CPU loop that dispatches it: toTask wakes the task,
	// fromTask reports why the task gave the CPU back.
	toTask   chan struct{}
	fromTask chan wakeReason
}

// State reports the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Doomed reports whether the task has been marked for forced termination.
func (t *Task) Doomed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isdoomed
}

// Kill marks a task doomed and closes its kill channel, waking any
// sleeper that selects on it.
func (t *Task) Kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.killed {
		return
	}
	t.killed = true
	t.isdoomed = true
	close(t.killCh)
}

// KillCh returns the channel that closes when the task is killed, for use
// in a select alongside a blocking wait.
func (t *Task) KillCh() <-chan struct{} {
	return t.killCh
}

// switchOut hands the CPU back to the scheduler with the given reason and
// blocks the calling (task) goroutine until the CPU loop resumes it.
// Called from inside the task's own fn, directly or via one of the
// suspension methods below.
func (t *Task) switchOut(reason wakeReason) {
	t.fromTask <- reason
	<-t.toTask
}

// Yield is the cooperative suspension point every blocking operation in
// this package funnels through (task_yield's int $0x80 in the original).
// It only actually hands the CPU to another runnable task once the
// current time slice is exhausted (now-lastTick >= MaxTickCount); inside
// the slice it is a cheap no-op, exactly task_switch_task's early return.
func (t *Task) Yield() {
	if t.reg == nil {
		runtime.Gosched()
		return
	}
	now := t.reg.Tick()
	if now-uint64(t.lastTick) < uint64(limits.Syslimit.MaxTickCount) {
		return
	}
	t.setState(Runnable)
	t.switchOut(reasonYield)
}

// SleepUntil parks the task until the scheduler's tick counter reaches
// wakeTick, the sleep_until operation. Unlike Yield, sleeping always
// gives up the CPU immediately: a task that is blocked cannot usefully go
// on running.
func (t *Task) SleepUntil(wakeTick uint64) {
	t.mu.Lock()
	t.wakeTick = wakeTick
	t.state = Sleeping
	t.mu.Unlock()
	t.switchOut(reasonSleep)
}

// SetInterruptible marks the task willing to receive SetInterruptReceived
// wake-ups. It does not itself suspend the task.
func (t *Task) SetInterruptible() {
	t.mu.Lock()
	t.interruptible = true
	t.mu.Unlock()
}

// Interruptible reports whether SetInterruptible has been called.
func (t *Task) Interruptible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interruptible
}

// SetMessageWaiting transitions the task to WaitingMessage and blocks
// until another task clears the flag via Registry.ClearMessageWaiting.
func (t *Task) SetMessageWaiting() {
	t.mu.Lock()
	t.messageWaiting = true
	t.state = WaitingMessage
	t.mu.Unlock()
	t.switchOut(reasonWaitMessage)
}

// MessageWaiting reports whether the task is currently waiting on a
// message.
func (t *Task) MessageWaiting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messageWaiting
}

// InterruptReceived reports and clears the interrupt-received latch, the
// flag Registry.SetInterruptReceived sets.
func (t *Task) InterruptReceived() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.interruptReceived
	t.interruptReceived = false
	return v
}

// WaitForFuture reports whether the task is currently flagged to wait for
// a future result.
func (t *Task) WaitForFuture() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitForFuture
}

// WaitInterrupt transitions the task to WaitingInterrupt and blocks until
// Registry.SetInterruptReceived wakes it. Exposed as a method on Task
// (rather than a free function keyed by tid) since only the current task
// can meaningfully wait on itself.
func (t *Task) WaitInterrupt() {
	t.setState(WaitingInterrupt)
	t.switchOut(reasonWaitInterrupt)
}

// waitFuture transitions the task to WaitingFuture and blocks; the
// counterpart to Registry.ToggleWaitForFuture resolving it from the
// outside.
func (t *Task) waitFuture() {
	t.setState(WaitingFuture)
	t.switchOut(reasonWaitFuture)
}

// Registry tracks all live tasks, grounded on biscuit's
// Threadinfo_t map-plus-mutex, extended with a shared tick counter (the
// original's time_timer_get_tick_count) that drives preemption and
// sleep/wake.
type Registry struct {
	mu    sync.Mutex
	tasks map[defs.Tid_t]*Task
	next  defs.Tid_t
	tick  uint64
}

// NewRegistry returns an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[defs.Tid_t]*Task)}
}

// New allocates a task, registers it, and gives it default-sized stdio
// buffers drawn from h.
func (r *Registry) New(h *heap.Heap, fn func(t *Task)) (*Task, defs.Err_t) {
	r.mu.Lock()
	r.next++
	tid := r.next
	r.mu.Unlock()

	t := &Task{
		Tid:      tid,
		state:    Created,
		killCh:   make(chan struct{}),
		fn:       fn,
		reg:      r,
		toTask:   make(chan struct{}),
		fromTask: make(chan wakeReason),
	}
	if err := t.Stdin.Cb_init(4096, h); err != defs.EOK {
		return nil, err
	}
	if err := t.Stdout.Cb_init(4096, h); err != defs.EOK {
		return nil, err
	}
	if err := t.Stderr.Cb_init(4096, h); err != defs.EOK {
		return nil, err
	}

	r.mu.Lock()
	r.tasks[tid] = t
	r.mu.Unlock()
	return t, defs.EOK
}

// Get looks up a task by id.
func (r *Registry) Get(tid defs.Tid_t) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[tid]
	return t, ok
}

// Remove drops a task from the registry once it has reached Zombie.
func (r *Registry) Remove(tid defs.Tid_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, tid)
}

// Len reports the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Tick advances and returns the registry's shared tick counter, the
// software stand-in for time_timer_get_tick_count, and wakes any Sleeping
// task whose wakeTick has arrived.
func (r *Registry) Tick() uint64 {
	r.mu.Lock()
	r.tick++
	now := r.tick
	var woken []*Task
	for _, t := range r.tasks {
		t.mu.Lock()
		if t.state == Sleeping && now >= t.wakeTick {
			woken = append(woken, t)
		}
		t.mu.Unlock()
	}
	r.mu.Unlock()

	for _, t := range woken {
		r.wake(t)
	}
	return now
}

// CurrentTick reads the registry's tick counter without advancing it.
func (r *Registry) CurrentTick() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tick
}

// wake moves a blocked task back to Runnable and re-enqueues it on its
// home CPU. It sends no IPI itself; SetInterruptReceived issues the
// cross-CPU archbound.SendIPI before calling it, following
// task_set_interrupt_received's "if cpu differs, send IPI" rule.
func (r *Registry) wake(t *Task) {
	t.mu.Lock()
	t.state = Runnable
	home := t.home
	t.mu.Unlock()
	if home == nil {
		return
	}
	home.Enqueue(t)
}

// ClearMessageWaiting clears tid's message_waiting flag and wakes it if it
// was blocked in WaitingMessage, the counterpart to SetMessageWaiting.
func (r *Registry) ClearMessageWaiting(tid defs.Tid_t) defs.Err_t {
	t, ok := r.Get(tid)
	if !ok {
		return defs.ENotFound
	}
	t.mu.Lock()
	t.messageWaiting = false
	wasWaiting := t.state == WaitingMessage
	t.mu.Unlock()
	if wasWaiting {
		r.wake(t)
	}
	return defs.EOK
}

// SetInterruptReceived sets tid's interrupt_received latch and, if tid was
// parked in WaitingInterrupt, wakes it; crosses CPUs via archbound.SendIPI
// when the target's home CPU differs from the caller's.
func (r *Registry) SetInterruptReceived(callerCPU defs.CpuId_t, tid defs.Tid_t) defs.Err_t {
	t, ok := r.Get(tid)
	if !ok {
		return defs.ENotFound
	}
	t.mu.Lock()
	t.interruptReceived = true
	wasWaiting := t.state == WaitingInterrupt
	home := t.home
	t.mu.Unlock()
	if !wasWaiting {
		return defs.EOK
	}
	if home != nil && home.ID != callerCPU {
		archbound.SendIPI(int(home.ID), home.wake)
	}
	r.wake(t)
	return defs.EOK
}

// ToggleWaitForFuture flips tid's wait_for_future flag. Flipping it to
// true parks tid in WaitingFuture (the producer side calling this on
// itself to start waiting); flipping it to false wakes tid if it was
// parked there (the resolving side calling this once the future is set).
func (r *Registry) ToggleWaitForFuture(tid defs.Tid_t) defs.Err_t {
	t, ok := r.Get(tid)
	if !ok {
		return defs.ENotFound
	}
	t.mu.Lock()
	t.waitForFuture = !t.waitForFuture
	now := t.waitForFuture
	wasWaiting := t.state == WaitingFuture
	t.mu.Unlock()

	if now && !wasWaiting {
		t.waitFuture()
	} else if !now && wasWaiting {
		r.wake(t)
	}
	return defs.EOK
}

// CPU runs one virtual CPU's run queue: a FIFO of runnable tasks visited
// round-robin, each handed the CPU until it blocks, sleeps, yields past
// its tick budget, or ends.
type CPU struct {
	ID   defs.CpuId_t
	mu   sync.Mutex
	runq []*Task
	wake chan struct{}
	stop chan struct{}
	// current is the CpuId_t-indexed "current task" slot that replaces
	// per-OS-thread Gptr/Setgptr.
	current *Task
}

// NewCPU returns an idle CPU with the given id.
func NewCPU(id defs.CpuId_t) *CPU {
	return &CPU{ID: id, wake: make(chan struct{}, 1), stop: make(chan struct{})}
}

// Enqueue appends t to the CPU's run queue, marks it Runnable (Created ->
// Runnable on first enqueue), and wakes the CPU if idle.
func (c *CPU) Enqueue(t *Task) {
	t.mu.Lock()
	t.state = Runnable
	t.home = c
	t.cpu = c.ID
	t.mu.Unlock()

	c.mu.Lock()
	c.runq = append(c.runq, t)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Current returns the task presently executing on this CPU, or nil.
func (c *CPU) Current() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Run pins the calling goroutine to its OS thread (one goroutine per
// hardware CPU, with runtime.LockOSThread standing in for a patched
// runtime's CPU-pinned scheduling loop) and drains the run queue until
// Stop is called. Each dispatched task runs in its own goroutine, handed
// control and taken back via a pair of channels (toTask/fromTask); this
// CPU goroutine itself only ever executes one task's code at a time,
// giving the Go rendering of a single physical core its usual exclusivity
// without needing a real context switch.
func (c *CPU) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		t := c.dequeue()
		if t == nil {
			select {
			case <-c.wake:
				continue
			case <-c.stop:
				return
			}
		}

		if t.Doomed() {
			t.setState(Zombie)
			continue
		}

		c.mu.Lock()
		c.current = t
		c.mu.Unlock()

		t.mu.Lock()
		t.state = Running
		t.lastTick = int64(t.reg.CurrentTick())
		started := t.started
		t.started = true
		t.mu.Unlock()

		start := t.Accnt.Now()
		if !started {
			go c.launch(t)
		}
		t.toTask <- struct{}{}
		reason := <-t.fromTask
		t.Accnt.Utadd(t.Accnt.Now() - start)

		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()

		switch reason {
		case reasonYield:
			c.Enqueue(t)
		case reasonSleep, reasonWaitMessage, reasonWaitFuture, reasonWaitInterrupt:
			// the task already set its own terminal state before
			// switching out; the waking party (Registry.Tick or one of
			// the SetX/ToggleX methods) re-enqueues it later.
		case reasonEnd:
			t.setState(Zombie)
		}

		select {
		case <-c.stop:
			return
		default:
		}
	}
}

// launch runs a freshly dispatched task's body to completion (or until it
// is killed), reporting reasonEnd when it returns. A task that has never
// run waits on its own toTask channel first, the software analogue of the
// one-time entry stack ([eoi, entry, end_task]) the original's
// task_create_task primed so the first resumption calls entry() and
// implicitly end_task()s on return.
func (c *CPU) launch(t *Task) {
	<-t.toTask
	if t.fn != nil && !t.Doomed() {
		t.fn(t)
	}
	t.fromTask <- reasonEnd
}

// Stop halts the CPU's run loop after its current task returns.
func (c *CPU) Stop() {
	close(c.stop)
}

func (c *CPU) dequeue() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.runq) == 0 {
		return nil
	}
	t := c.runq[0]
	c.runq = c.runq[1:]
	return t
}

// Yield cooperatively relinquishes the current goroutine's OS-thread
// quantum, the software analogue of a task calling into the scheduler's
// resched path mid-quantum. This package-level helper is for callers with
// no *Task in hand (e.g. early boot); code running as a task should call
// (*Task).Yield instead so the tick budget and run queue are honored.
func Yield() {
	runtime.Gosched()
}
