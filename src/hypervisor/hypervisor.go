// Package hypervisor models TurnstoneOS's Intel VT-x (VMX) hypervisor
// driver: a VMCS per guest, one EPT-backed guest physical address space
// shared by every vCPU of that guest, a virtualized per-VM LAPIC with
// timer countdown and interrupt injection, and an exit-dispatch loop
// handling EPT violations, CPUID, RDMSR/WRMSR, HLT, VMCALL, external
// interrupts, and triple faults, plus guest<->host IPC queues.
//
// Grounded on gokvm's Machine.RunOnce exit-reason switch (other_examples'
// bobuhiro11/gokvm machine.go) for the dispatch loop's shape, on
// biscuit's kernel/chentry.go for ELF entry-point handling in the guest
// module loader below, and on hypervisor_vm.64.c/hypervisor_ept.64.c
// (original_source) for the VM lifecycle (create, notify_timers, destroy
// releasing owned_frames) and the EPT build's 2 MiB-granularity sizing
// pass. Guest instruction operands for an EPT-violation MMIO emulation
// are decoded with golang.org/x/arch/x86/x86asm, the same decoder gokvm
// uses for its register-name mapping, since this rendering has no real
// CPU to perform the decode in hardware.
package hypervisor

import (
	"debug/elf"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"golang.org/x/arch/x86/x86asm"

	"turnstonecore/src/defs"
	"turnstonecore/src/frame"
	"turnstonecore/src/glue"
	"turnstonecore/src/logging"
	"turnstonecore/src/paging"
	"turnstonecore/src/stats"
)

// ExitReason enumerates why control returned from the guest to the host,
// guest-exit dispatch set.
type ExitReason int

const (
	ExitEPTViolation ExitReason = iota
	ExitCPUID
	ExitRDMSR
	ExitWRMSR
	ExitHLT
	ExitVMCALL
	ExitExternalInterrupt
	ExitTripleFault
)

func (r ExitReason) String() string {
	switch r {
	case ExitEPTViolation:
		return "EPT_VIOLATION"
	case ExitCPUID:
		return "CPUID"
	case ExitRDMSR:
		return "RDMSR"
	case ExitWRMSR:
		return "WRMSR"
	case ExitHLT:
		return "HLT"
	case ExitVMCALL:
		return "VMCALL"
	case ExitExternalInterrupt:
		return "EXTERNAL_INTERRUPT"
	case ExitTripleFault:
		return "TRIPLE_FAULT"
	default:
		return "UNKNOWN"
	}
}

// Regs is the guest's general-purpose register file, named after the
// x86-64 general-purpose register set a context-switch save area would
// spill them to.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
}

// rflagsIF is the RFLAGS interrupt-enable bit, checked on every VM entry
// before attempting interrupt injection.
const rflagsIF = 1 << 9

func (r *Regs) get(reg x86asm.Reg) *uint64 {
	switch reg {
	case x86asm.RAX:
		return &r.RAX
	case x86asm.RBX:
		return &r.RBX
	case x86asm.RCX:
		return &r.RCX
	case x86asm.RDX:
		return &r.RDX
	case x86asm.RSI:
		return &r.RSI
	case x86asm.RDI:
		return &r.RDI
	default:
		return nil
	}
}

// Exit describes one VM exit and the data needed to service it.
type Exit struct {
	Reason       ExitReason
	GuestPhysica uint64 // faulting guest-physical address on EPT violation
	Instr        []byte // raw bytes at RIP, for MMIO decode
	VmcallNum    defs.VmcallNum
}

// InterruptKind distinguishes what woke a VM's interrupt_queue entry.
type InterruptKind int

const (
	InterruptTimer InterruptKind = iota
	InterruptExternal
)

// VmInterrupt is one entry on a VM's interrupt_queue: a host-side event
// (a fired LAPIC timer, a forwarded external interrupt) waiting to be
// injected on the guest's next VM entry.
type VmInterrupt struct {
	Vector uint8
	Kind   InterruptKind
}

// LapicState models the minimal virtualized local APIC this hypervisor
// exposes to a guest: a one-shot/periodic timer counted down by
// SendTimer's TSC deltas, the in-service/in-request 256-bit interrupt
// bitmaps an APIC uses to track interrupt priority, and the EOI-pending
// latch.
type LapicState struct {
	mu sync.Mutex

	TimerMasked  bool
	TimerVector  uint8
	TimerInitial uint64
	TimerCurrent uint64
	TimerDivider uint64

	InService [8]uint32
	InRequest [8]uint32

	ApicEoiPending bool
}

// EOI clears one in-service interrupt, mirroring a guest write to the
// APIC's EOI register: within the highest-numbered non-zero InService
// word, it clears the lowest set bit.
func (l *LapicState) EOI() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.InService) - 1; i >= 0; i-- {
		if l.InService[i] != 0 {
			l.InService[i] &= l.InService[i] - 1
			l.ApicEoiPending = false
			return
		}
	}
}

// RaiseIRR sets a pending interrupt request at the given vector.
func (l *LapicState) RaiseIRR(vector uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.InRequest[vector/32] |= 1 << (vector % 32)
}

// inject picks the lowest-numbered set bit in InRequest, transfers it to
// InService, and reports it, the IRR->ISR move real interrupt injection
// performs once RFLAGS.IF is known to be set.
func (l *LapicState) inject() (uint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, word := range l.InRequest {
		if word == 0 {
			continue
		}
		for b := uint(0); b < 32; b++ {
			if word&(1<<b) != 0 {
				vector := uint(i)*32 + b
				l.InRequest[i] &^= 1 << b
				l.InService[i] |= 1 << b
				return vector, true
			}
		}
	}
	return 0, false
}

// countdown decrements TimerCurrent by delta scaled by TimerDivider and
// reports whether it just crossed zero while unmasked and not already
// pending, vm_notify_timers' per-VM timer-expiry check.
func (l *LapicState) countdown(delta uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.TimerMasked || l.TimerCurrent == 0 {
		return false
	}
	div := l.TimerDivider
	if div == 0 {
		div = 1
	}
	scaled := delta / div
	if scaled == 0 {
		scaled = 1
	}
	if scaled < l.TimerCurrent {
		l.TimerCurrent -= scaled
		return false
	}
	l.TimerCurrent = 0
	if l.ApicEoiPending {
		return false
	}
	l.ApicEoiPending = true
	return true
}

// VCPU is one virtual CPU belonging to a VM: its register state and the
// guest<->host IPC queues a syscall/vmcall handler reads and fills.
// EPT is shared across every vCPU of vm, since the guest physical address
// space belongs to the VM, not to any one of its vCPUs.
type VCPU struct {
	Regs   Regs
	IPCIn  chan []byte
	IPCOut chan []byte
	vm     *VM
}

// VM is one guest hypervisor instance (VmId_t-identified guest), carrying
// everything hypervisor_vm_t does: its VMCS and EPT root frames, the
// frames it owns outright (guest stack/heap/GOT pages), the MSR
// passthrough map, the pending interrupt queue, the virtualized LAPIC,
// and the host-visible halt/notify latches.
type VM struct {
	mu sync.Mutex

	ID    defs.VmId_t
	VCPUs []*VCPU
	mem   []byte // guest physical memory, backing the EPT's identity map

	VmcsFramePA uint64
	EptRootPA   uint64
	OwnedFrames []frame.Frame
	EPTFrames   []frame.Frame
	MsrMap      map[uint32]uint64

	InterruptQueue chan VmInterrupt

	Lapic LapicState

	LastTSC      uint64
	OutputBuffer []byte
	IsHalted     bool
	NeedToNotify bool

	EPT *paging.Mapper

	closeCh chan struct{}
	frames  *frame.Allocator
}

// vmStatsSnapshot is the reflectable view vm_dump renders through
// stats.Stats2String, one field per spec-named VM attribute a debugging
// operator would want to see at a glance.
type vmStatsSnapshot struct {
	ID           stats.Counter_t
	VmcsFramePA  stats.Counter_t
	EptRootPA    stats.Counter_t
	OwnedFrames  stats.Counter_t
	EPTFrames    stats.Counter_t
	LastTSC      stats.Counter_t
	TimerCurrent stats.Counter_t
	IsHalted     stats.Counter_t
	NeedToNotify stats.Counter_t
}

var vmxEnabled int32

// VMXInit allocates the VMXON region from fa and latches VMX operation
// on. There is no CR4 to set or VMXON instruction to execute in this
// hosted rendering, so the region allocation and the enabled latch are
// the only observable effects; CreateVM refuses to run before this has
// succeeded at least once, matching vmx_init gating vm_create on hardware.
func VMXInit(fa *frame.Allocator) defs.Err_t {
	if atomic.LoadInt32(&vmxEnabled) == 1 {
		return defs.EOK
	}
	region, err := fa.AllocateByCount(1, frame.Block, frame.AsUsed)
	if err != defs.EOK {
		return err
	}
	_ = region
	atomic.StoreInt32(&vmxEnabled, 1)
	return defs.EOK
}

func vmxReady() bool {
	return atomic.LoadInt32(&vmxEnabled) == 1
}

// hypervisorEptSetup builds the EPT covering [0, memSize) at 2 MiB
// granularity: one HugePage2M mapping per 2 MiB guest page, each backed
// by its own host-contiguous allocation, grounded on
// hypervisor_ept_setup's PML4/PDPT/PD sizing pass (the sizing arithmetic
// is implicit here since paging.Mapper allocates intermediate tables on
// demand rather than as one up-front contiguous region).
func hypervisorEptSetup(fa *frame.Allocator, memSize int) (*paging.Mapper, []frame.Frame, defs.Err_t) {
	ept := paging.NewMapper(fa)
	var used []frame.Frame

	pages := (uint64(memSize) + paging.Huge2MSize - 1) / paging.Huge2MSize
	for i := uint64(0); i < pages; i++ {
		gpa := i * paging.Huge2MSize
		backing, err := fa.AllocateByCount(paging.Huge2MSize/frame.PageSize, frame.Block, frame.AsUsed)
		if err != defs.EOK {
			return ept, used, err
		}
		used = append(used, backing...)
		if merr := ept.Map(gpa, backing[0].StartPA, paging.PteP|paging.PteW|paging.HugePage2M); merr != defs.EOK {
			return ept, used, merr
		}
	}
	return ept, used, defs.EOK
}

// CreateVM sets up a VM's VMCS frame, EPT, and guest stack/heap/GOT
// "owned" pages, then loads the supplied guest module image (when
// non-empty) at its entry point, grounded on
// hypervisor_vm_create_and_attach_to_task's allocate-then-load sequence.
func CreateVM(fa *frame.Allocator, id defs.VmId_t, memSize int, nvcpu int, module []byte) (*VM, defs.Err_t) {
	if !vmxReady() {
		return nil, defs.EVmxFailure
	}
	if nvcpu < 1 {
		nvcpu = 1
	}

	vmcsFrames, err := fa.AllocateByCount(1, frame.Block, frame.AsUsed)
	if err != defs.EOK {
		return nil, err
	}

	// guest stack, heap, and GOT pages: the private, non-guest-addressable
	// bookkeeping frames every VM owns outright.
	owned, err := fa.AllocateByCount(3, frame.Relax, frame.AsUsed)
	if err != defs.EOK {
		fa.Release(vmcsFrames[0])
		return nil, err
	}

	vm := &VM{
		ID:             id,
		mem:            make([]byte, memSize),
		VmcsFramePA:    vmcsFrames[0].StartPA,
		OwnedFrames:    append([]frame.Frame{vmcsFrames[0]}, owned...),
		MsrMap:         make(map[uint32]uint64),
		InterruptQueue: make(chan VmInterrupt, 64),
		closeCh:        make(chan struct{}, 1),
		frames:         fa,
	}
	vm.Lapic.TimerDivider = 1

	ept, eptFrames, eerr := hypervisorEptSetup(fa, memSize)
	if eerr != defs.EOK {
		vm.release()
		return nil, eerr
	}
	vm.EPT = ept
	vm.EPTFrames = eptFrames
	vm.EptRootPA = ept.RootPA()

	for i := 0; i < nvcpu; i++ {
		vm.VCPUs = append(vm.VCPUs, &VCPU{
			IPCIn:  make(chan []byte, 16),
			IPCOut: make(chan []byte, 16),
			vm:     vm,
		})
	}

	if len(module) > 0 {
		entry, lerr := LoadELFModule(vm, module)
		if lerr != defs.EOK {
			vm.release()
			return nil, lerr
		}
		vm.VCPUs[0].Regs.RIP = entry
	}

	return vm, defs.EOK
}

// release returns every frame the VM owns outright and every EPT backing
// frame to fa, mirroring hypervisor_vm_destroy's teardown loop; called
// once a VM's last vCPU exits for good.
func (vm *VM) release() {
	if vm.frames == nil {
		return
	}
	for i := len(vm.OwnedFrames) - 1; i >= 0; i-- {
		vm.frames.Release(vm.OwnedFrames[i])
	}
	for i := len(vm.EPTFrames) - 1; i >= 0; i-- {
		vm.frames.Release(vm.EPTFrames[i])
	}
	vm.OwnedFrames = nil
	vm.EPTFrames = nil
}

// SendClose requests that Run exit at its next VM-exit boundary.
func (vm *VM) SendClose() {
	select {
	case vm.closeCh <- struct{}{}:
	default:
	}
}

// SendTimer advances the VM's LAPIC timer by tscDelta; when it crosses
// zero while unmasked and not already pending, a TIMER_INT is enqueued on
// InterruptQueue and NeedToNotify is set, grounded on
// hypervisor_vm_notify_timers.
func (vm *VM) SendTimer(tscDelta uint64) defs.Err_t {
	vm.mu.Lock()
	vm.LastTSC += tscDelta
	vm.mu.Unlock()

	if !vm.Lapic.countdown(tscDelta) {
		return defs.EOK
	}
	select {
	case vm.InterruptQueue <- VmInterrupt{Vector: vm.Lapic.TimerVector, Kind: InterruptTimer}:
	default:
		return defs.EInternal
	}
	vm.mu.Lock()
	vm.NeedToNotify = true
	vm.mu.Unlock()
	return defs.EOK
}

// drainInterruptQueue moves every queued interrupt into the LAPIC's IRR
// so the next call to interruptInject can consider it; external
// interrupts forwarded via IPC and expired timers both land here.
func (vm *VM) drainInterruptQueue() {
	for {
		select {
		case in := <-vm.InterruptQueue:
			vm.Lapic.RaiseIRR(uint(in.Vector))
		default:
			return
		}
	}
}

// interruptInject implements the per-VM-entry interruptibility check:
// with RFLAGS.IF clear the guest cannot currently take an interrupt, so
// nothing is injected (on real hardware this is where interrupt-window
// exiting would be armed instead); with IF set, the lowest-numbered
// pending vector is transferred from IRR to ISR and handed to the caller
// to fold into the next VM-entry interruption-info field.
func (vm *VM) interruptInject(vc *VCPU) (vector uint, injected bool) {
	vm.drainInterruptQueue()
	if vc.Regs.RFlags&rflagsIF == 0 {
		return 0, false
	}
	return vm.Lapic.inject()
}

// Run is the vmlaunch/vmresume loop: each exit received from exits is
// dispatched by reason; the loop ends when the guest calls
// vmcall(EXIT, code) (code is read from RDI, matching scenario's
// vmcall(EXIT, 0) returning exit code 0), when a triple fault forces the VM
// down, or, with EInterrupted, once SendClose has been called; in all three
// cases vm's resources are released back to the frame
// allocator before returning, grounded on hypervisor_vmcs_prepare_and_run's
// enter/exit cycle and hypervisor_vm_destroy's teardown.
func (vm *VM) Run(vc *VCPU, exits <-chan Exit) (code uint64, err defs.Err_t) {
	for {
		vm.interruptInject(vc)

		select {
		case <-vm.closeCh:
			vm.release()
			return 0, defs.EInterrupted
		case e, ok := <-exits:
			if !ok {
				return 0, defs.EInternal
			}
			if e.Reason == ExitVMCALL && e.VmcallNum == defs.VmcallExit {
				code := vc.Regs.RDI
				vm.release()
				return code, defs.EOK
			}
			if derr := Dispatch(vc, e); derr != defs.EOK {
				logging.WithComponent("hypervisor").WithField("vm", vm.ID).
					WithField("reason", e.Reason).Error(derr)
				if e.Reason == ExitTripleFault {
					vm.release()
					return 0, derr
				}
			}
		}
	}
}

// AppendOutput appends b to the guest's console output buffer, the
// VmcallConsoleWrite path a guest uses to print without owning a real
// serial port.
func (vm *VM) AppendOutput(b byte) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.OutputBuffer = append(vm.OutputBuffer, b)
}

// Dump renders vm's debug-visible state through stats.Stats2String, the
// vm_dump operation an operator uses to inspect a wedged or misbehaving
// guest without a full debugger attach. The console output buffer is
// packed (glue.Pack) and rendered as base64 (glue.EncodeBase64) so a dump
// stays transport-safe and compact even after a chatty guest has printed
// megabytes of output.
func (vm *VM) Dump() string {
	vm.mu.Lock()
	snap := vmStatsSnapshot{}
	snap.ID.Add(int64(vm.ID))
	snap.VmcsFramePA.Add(int64(vm.VmcsFramePA))
	snap.EptRootPA.Add(int64(vm.EptRootPA))
	snap.OwnedFrames.Add(int64(len(vm.OwnedFrames)))
	snap.EPTFrames.Add(int64(len(vm.EPTFrames)))
	snap.LastTSC.Add(int64(vm.LastTSC))
	if vm.IsHalted {
		snap.IsHalted.Add(1)
	}
	if vm.NeedToNotify {
		snap.NeedToNotify.Add(1)
	}
	output := glue.EncodeBase64(glue.Pack(vm.OutputBuffer), false)
	vm.mu.Unlock()
	snap.TimerCurrent.Add(int64(vm.Lapic.TimerCurrent))
	return stats.Stats2String(&snap) + "\noutput: " + output
}

// LoadELFModule loads a flat little-endian x86-64 ELF executable into the
// guest's memory at its program headers' physical addresses and returns
// its entry point, the same validation chentry.go's chkELF performs
// before a build-time entry-point patch.
func LoadELFModule(vm *VM, raw []byte) (entry uint64, err defs.Err_t) {
	f, ferr := elf.NewFile(bytesReaderAt(raw))
	if ferr != nil {
		return 0, defs.EInvalidArgument
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return 0, defs.EUnsupportedVersion
	}
	if f.Machine != elf.EM_X86_64 {
		return 0, defs.EUnsupportedVersion
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if int(prog.Paddr)+int(prog.Filesz) > len(vm.mem) {
			return 0, defs.EOutOfMemory
		}
		data := make([]byte, prog.Filesz)
		if _, e := prog.ReadAt(data, 0); e != nil {
			return 0, defs.EIoFailure
		}
		copy(vm.mem[prog.Paddr:], data)
	}
	return f.Entry, defs.EOK
}

// bytesReaderAt adapts a []byte to io.ReaderAt for debug/elf.NewFile.
type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, errEOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, errEOF
	}
	return n, nil
}

var errEOF = &eofError{}

type eofError struct{}

func (*eofError) Error() string { return "EOF" }

// Dispatch services one VM exit, the loop's single entry point, grounded
// on gokvm's RunOnce exit-reason switch.
func Dispatch(vc *VCPU, e Exit) defs.Err_t {
	switch e.Reason {
	case ExitHLT:
		if vc.vm != nil {
			vc.vm.mu.Lock()
			vc.vm.IsHalted = true
			vc.vm.mu.Unlock()
		}
		return defs.EOK
	case ExitCPUID:
		return dispatchCPUID(vc)
	case ExitRDMSR:
		return dispatchRDMSR(vc)
	case ExitWRMSR:
		return dispatchWRMSR(vc)
	case ExitVMCALL:
		return dispatchVMCall(vc, e.VmcallNum)
	case ExitEPTViolation:
		return dispatchMMIO(vc, e)
	case ExitExternalInterrupt:
		if vc.vm != nil && len(e.Instr) > 0 {
			vc.vm.Lapic.RaiseIRR(uint(e.Instr[0]))
		}
		return defs.EOK
	case ExitTripleFault:
		return defs.EVmxFailure
	default:
		return defs.EInternal
	}
}

func dispatchCPUID(vc *VCPU) defs.Err_t {
	// a minimal, deterministic leaf-0 response: vendor string in
	// EBX:EDX:ECX, matching the shape real CPUID takes without
	// depending on the host's actual CPUID.
	vc.Regs.RBX = 0x756e6547 // "Genu"
	vc.Regs.RDX = 0x49656e69 // "ineI"
	vc.Regs.RCX = 0x6c65746e // "ntel"
	return defs.EOK
}

// dispatchRDMSR and dispatchWRMSR gate guest MSR access through the
// per-VM msr_map, refusing any MSR the VM hasn't been granted.
func dispatchRDMSR(vc *VCPU) defs.Err_t {
	if vc.vm == nil {
		return defs.EInvalidArgument
	}
	vc.vm.mu.Lock()
	defer vc.vm.mu.Unlock()
	v, ok := vc.vm.MsrMap[uint32(vc.Regs.RCX)]
	if !ok {
		return defs.EInvalidArgument
	}
	vc.Regs.RAX = v & 0xffffffff
	vc.Regs.RDX = v >> 32
	return defs.EOK
}

func dispatchWRMSR(vc *VCPU) defs.Err_t {
	if vc.vm == nil {
		return defs.EInvalidArgument
	}
	vc.vm.mu.Lock()
	defer vc.vm.mu.Unlock()
	if _, ok := vc.vm.MsrMap[uint32(vc.Regs.RCX)]; !ok {
		return defs.EInvalidArgument
	}
	vc.vm.MsrMap[uint32(vc.Regs.RCX)] = vc.Regs.RDX<<32 | vc.Regs.RAX&0xffffffff
	return defs.EOK
}

func dispatchVMCall(vc *VCPU, num defs.VmcallNum) defs.Err_t {
	switch num {
	case defs.VmcallExit:
		return defs.EOK
	case defs.VmcallGetHostPhysicalAddress:
		if vc.vm == nil {
			return defs.EEptFault
		}
		gpa := vc.Regs.RDI
		hpa, _, err := vc.vm.EPT.Translate(gpa)
		if err != defs.EOK {
			return defs.EEptFault
		}
		vc.Regs.RAX = hpa
		return defs.EOK
	case defs.VmcallApicEoi:
		if vc.vm != nil {
			vc.vm.Lapic.EOI()
		}
		return defs.EOK
	case defs.VmcallConsoleWrite:
		if vc.vm == nil {
			return defs.EInternal
		}
		vc.vm.AppendOutput(byte(vc.Regs.RDI))
		return defs.EOK
	case defs.VmcallAttachInterrupt, defs.VmcallAttachPciDev:
		return defs.EOK
	default:
		return defs.EInvalidArgument
	}
}

// dispatchMMIO decodes the faulting instruction at e.Instr to determine
// which guest register carries the MMIO operand and whether the access
// is a load or a store, demand-populates the EPT mapping for the
// faulting guest page when it isn't already mapped (an EPT violation on
// a page the module loader hasn't claimed is otherwise fatal per §4.7's
// failure semantics), and then actually moves the 8 bytes at that guest
// physical address into or out of the decoded register. Grounded on
// gokvm's x86asm-based register extraction (other_examples' gokvm
// machine.go GetReg), generalized here to also move bytes instead of
// just naming a register.
func dispatchMMIO(vc *VCPU, e Exit) defs.Err_t {
	if len(e.Instr) == 0 || vc.vm == nil {
		return defs.EEptFault
	}
	inst, derr := x86asm.Decode(e.Instr, 64)
	if derr != nil {
		return defs.EEptFault
	}

	if _, _, terr := vc.vm.EPT.Translate(e.GuestPhysica); terr != defs.EOK {
		if perr := vc.vm.faultInPage(e.GuestPhysica); perr != defs.EOK {
			return perr
		}
	}

	off := int(e.GuestPhysica)
	if off < 0 || off+8 > len(vc.vm.mem) {
		return defs.EEptFault
	}

	var reg *uint64
	storeToMem := false
	for i, arg := range inst.Args {
		if arg == nil {
			continue
		}
		switch a := arg.(type) {
		case x86asm.Reg:
			if p := vc.Regs.get(a); p != nil {
				reg = p
			}
		case x86asm.Mem:
			storeToMem = i == 0
		}
	}
	if reg == nil {
		return defs.EOK
	}

	word := vc.vm.mem[off : off+8]
	if storeToMem {
		binary.LittleEndian.PutUint64(word, *reg)
	} else {
		*reg = binary.LittleEndian.Uint64(word)
	}
	return defs.EOK
}

// faultInPage backs the 2 MiB-aligned guest page containing gpa with a
// freshly allocated host frame and installs it in the EPT, the
// "demand-populate" half of an EPT violation's walk-EPT-or-fault choice.
func (vm *VM) faultInPage(gpa uint64) defs.Err_t {
	if vm.frames == nil {
		return defs.EEptFault
	}
	backing, aerr := vm.frames.AllocateByCount(paging.Huge2MSize/frame.PageSize, frame.Block, frame.AsUsed)
	if aerr != defs.EOK {
		return defs.EEptFault
	}
	page := gpa &^ (paging.Huge2MSize - 1)
	if merr := vm.EPT.Map(page, backing[0].StartPA, paging.PteP|paging.PteW|paging.HugePage2M); merr != defs.EOK {
		return defs.EEptFault
	}
	vm.mu.Lock()
	vm.EPTFrames = append(vm.EPTFrames, backing...)
	vm.mu.Unlock()
	return defs.EOK
}
