package hypervisor

import (
	"encoding/binary"
	"strings"
	"testing"

	"turnstonecore/src/defs"
	"turnstonecore/src/frame"
	"turnstonecore/src/paging"
)

func binaryLE(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// This must run before any other test in the package calls VMXInit, since
// vmxEnabled is a process-wide latch exactly like the singletons §2
// describes (once set, it stays set for the life of the process).
func TestCreateVMRequiresVMXInit(t *testing.T) {
	if vmxReady() {
		t.Skip("vmx already initialized by an earlier test in this run")
	}
	fa := frame.New(4096)
	if _, err := CreateVM(fa, defs.VmId_t(1), 4096, 1, nil); err != defs.EVmxFailure {
		t.Fatalf("expected EVmxFailure before VMXInit, got %v", err)
	}
}

func newVM(t *testing.T) (*VM, *frame.Allocator) {
	t.Helper()
	fa := frame.New(4096)
	if err := VMXInit(fa); err != defs.EOK {
		t.Fatalf("VMXInit failed: %v", err)
	}
	vm, err := CreateVM(fa, defs.VmId_t(1), 4096, 1, nil)
	if err != defs.EOK {
		t.Fatalf("CreateVM failed: %v", err)
	}
	return vm, fa
}

func TestCreateVMPopulatesOwnedAndEPTFrames(t *testing.T) {
	vm, _ := newVM(t)
	if vm.VmcsFramePA == 0 {
		t.Fatalf("expected a non-zero VMCS frame address")
	}
	if len(vm.OwnedFrames) == 0 {
		t.Fatalf("expected CreateVM to populate owned_frames")
	}
	if len(vm.EPTFrames) == 0 {
		t.Fatalf("expected CreateVM to populate ept_frames")
	}
	if vm.EptRootPA == 0 {
		t.Fatalf("expected a non-zero EPT root address")
	}
	if len(vm.VCPUs) != 1 {
		t.Fatalf("expected exactly one vCPU, got %d", len(vm.VCPUs))
	}
}

func TestDispatchHLTMarksVMHalted(t *testing.T) {
	vm, _ := newVM(t)
	vc := vm.VCPUs[0]
	if err := Dispatch(vc, Exit{Reason: ExitHLT}); err != defs.EOK {
		t.Fatalf("expected HLT exit to return EOK, got %v", err)
	}
	if !vm.IsHalted {
		t.Fatalf("expected HLT to mark the VM halted")
	}
}

func TestDispatchCPUIDFillsVendorString(t *testing.T) {
	vm, _ := newVM(t)
	vc := vm.VCPUs[0]
	if err := Dispatch(vc, Exit{Reason: ExitCPUID}); err != defs.EOK {
		t.Fatalf("expected CPUID exit to return EOK, got %v", err)
	}
	if vc.Regs.RBX != 0x756e6547 || vc.Regs.RDX != 0x49656e69 || vc.Regs.RCX != 0x6c65746e {
		t.Fatalf("expected GenuineIntel vendor string in RBX:RDX:RCX, got %#x:%#x:%#x",
			vc.Regs.RBX, vc.Regs.RDX, vc.Regs.RCX)
	}
}

func TestDispatchTripleFaultIsFatal(t *testing.T) {
	vm, _ := newVM(t)
	if err := Dispatch(vm.VCPUs[0], Exit{Reason: ExitTripleFault}); err != defs.EVmxFailure {
		t.Fatalf("expected EVmxFailure on triple fault, got %v", err)
	}
}

func TestDispatchUnknownReasonIsInternalError(t *testing.T) {
	vm, _ := newVM(t)
	if err := Dispatch(vm.VCPUs[0], Exit{Reason: ExitReason(99)}); err != defs.EInternal {
		t.Fatalf("expected EInternal for an unrecognized exit reason, got %v", err)
	}
}

func TestDispatchRDMSRGatesThroughMsrMap(t *testing.T) {
	vm, _ := newVM(t)
	vc := vm.VCPUs[0]
	vc.Regs.RCX = 0x10
	if err := Dispatch(vc, Exit{Reason: ExitRDMSR}); err != defs.EInvalidArgument {
		t.Fatalf("expected EInvalidArgument for an ungranted MSR, got %v", err)
	}
	vm.MsrMap[0x10] = 0xdeadbeef
	if err := Dispatch(vc, Exit{Reason: ExitRDMSR}); err != defs.EOK {
		t.Fatalf("expected EOK for a granted MSR, got %v", err)
	}
	if vc.Regs.RAX != 0xdeadbeef {
		t.Fatalf("expected RAX to hold the low 32 bits, got %#x", vc.Regs.RAX)
	}
}

func TestDispatchVMCallGetHostPhysicalAddress(t *testing.T) {
	vm, _ := newVM(t)
	vc := vm.VCPUs[0]
	vm.EPT.Map(0x600000, 0x700000, paging.PteP|paging.PteW)
	vc.Regs.RDI = 0x600000

	err := Dispatch(vc, Exit{Reason: ExitVMCALL, VmcallNum: defs.VmcallGetHostPhysicalAddress})
	if err != defs.EOK {
		t.Fatalf("expected EOK, got %v", err)
	}
	if vc.Regs.RAX != 0x700000 {
		t.Fatalf("expected RAX to hold the translated host address 0x700000, got %#x", vc.Regs.RAX)
	}
}

func TestDispatchVMCallGetHostPhysicalAddressFaultsOnUnmapped(t *testing.T) {
	vm, _ := newVM(t)
	vc := vm.VCPUs[0]
	vc.Regs.RDI = 0xdead000

	err := Dispatch(vc, Exit{Reason: ExitVMCALL, VmcallNum: defs.VmcallGetHostPhysicalAddress})
	if err != defs.EEptFault {
		t.Fatalf("expected EEptFault for an unmapped guest address, got %v", err)
	}
}

func TestDispatchVMCallApicEoiClearsHighestISR(t *testing.T) {
	vm, _ := newVM(t)
	vm.Lapic.InService[0] = 0b101
	err := Dispatch(vm.VCPUs[0], Exit{Reason: ExitVMCALL, VmcallNum: defs.VmcallApicEoi})
	if err != defs.EOK {
		t.Fatalf("expected EOK, got %v", err)
	}
	if vm.Lapic.InService[0] != 0b100 {
		t.Fatalf("expected EOI to clear the lowest set ISR bit, got %#b", vm.Lapic.InService[0])
	}
}

func TestRaiseIRRSetsExpectedBit(t *testing.T) {
	var l LapicState
	l.RaiseIRR(33)
	if l.InRequest[1]&(1<<1) == 0 {
		t.Fatalf("expected vector 33 to set bit 1 of InRequest[1], got %#b", l.InRequest[1])
	}
}

func TestInterruptInjectRequiresRFlagsIF(t *testing.T) {
	vm, _ := newVM(t)
	vc := vm.VCPUs[0]
	vm.Lapic.RaiseIRR(5)

	if _, ok := vm.interruptInject(vc); ok {
		t.Fatalf("expected no injection while RFLAGS.IF is clear")
	}
	vc.Regs.RFlags = rflagsIF
	vector, ok := vm.interruptInject(vc)
	if !ok || vector != 5 {
		t.Fatalf("expected vector 5 injected once IF is set, got %d ok=%v", vector, ok)
	}
	if vm.Lapic.InService[0]&(1<<5) == 0 {
		t.Fatalf("expected injected vector to move into InService")
	}
}

func TestSendTimerEnqueuesInterruptOnExpiry(t *testing.T) {
	vm, _ := newVM(t)
	vm.Lapic.TimerCurrent = 2
	vm.Lapic.TimerVector = 0x20

	if err := vm.SendTimer(1); err != defs.EOK {
		t.Fatalf("SendTimer failed: %v", err)
	}
	if vm.NeedToNotify {
		t.Fatalf("expected NeedToNotify to stay false before the timer crosses zero")
	}
	if err := vm.SendTimer(1); err != defs.EOK {
		t.Fatalf("SendTimer failed: %v", err)
	}
	if !vm.NeedToNotify {
		t.Fatalf("expected NeedToNotify once the timer crosses zero")
	}
	select {
	case in := <-vm.InterruptQueue:
		if in.Kind != InterruptTimer || in.Vector != 0x20 {
			t.Fatalf("unexpected interrupt queue entry: %+v", in)
		}
	default:
		t.Fatalf("expected a TIMER_INT queued on expiry")
	}
}

func TestDispatchMMIOStoreDemandPopulatesAndWritesGuestMemory(t *testing.T) {
	fa := frame.New(8192)
	if err := VMXInit(fa); err != defs.EOK {
		t.Fatalf("VMXInit failed: %v", err)
	}
	vm, err := CreateVM(fa, defs.VmId_t(2), 2*paging.Huge2MSize, 1, nil)
	if err != defs.EOK {
		t.Fatalf("CreateVM failed: %v", err)
	}
	vc := vm.VCPUs[0]

	gpa := uint64(paging.Huge2MSize + 0x10)
	page := gpa &^ (paging.Huge2MSize - 1)

	// Simulate a page the host previously evicted from the EPT (the
	// backing RAM exists in vm.mem, but the mapping doesn't), so the
	// next access to it is a genuine EPT violation dispatchMMIO must
	// demand-populate rather than just re-reading an already-present
	// mapping.
	if err := vm.EPT.Unmap(page); err != defs.EOK {
		t.Fatalf("Unmap failed: %v", err)
	}
	if _, _, terr := vm.EPT.Translate(page); terr == defs.EOK {
		t.Fatalf("expected the page to start out unmapped")
	}

	// "mov [rdi], rax" little-endian encoding: 48 89 07
	instr := []byte{0x48, 0x89, 0x07}
	vc.Regs.RAX = 0x1122334455667788

	if err := Dispatch(vc, Exit{Reason: ExitEPTViolation, GuestPhysica: gpa, Instr: instr}); err != defs.EOK {
		t.Fatalf("expected EOK, got %v", err)
	}
	if got := vm.mem[gpa : gpa+8]; binaryLE(got) != 0x1122334455667788 {
		t.Fatalf("expected guest memory to hold the stored value, got %#x", binaryLE(got))
	}
	if _, _, terr := vm.EPT.Translate(page); terr != defs.EOK {
		t.Fatalf("expected dispatchMMIO to demand-populate the EPT mapping, got %v", terr)
	}
}

func TestDispatchEPTViolationRejectsEmptyInstr(t *testing.T) {
	vm, _ := newVM(t)
	err := Dispatch(vm.VCPUs[0], Exit{Reason: ExitEPTViolation, GuestPhysica: 0x1000})
	if err != defs.EEptFault {
		t.Fatalf("expected EEptFault with no instruction bytes, got %v", err)
	}
}

func TestLoadELFModuleRejectsGarbage(t *testing.T) {
	vm, _ := newVM(t)
	if _, err := LoadELFModule(vm, []byte("not an elf file")); err != defs.EInvalidArgument {
		t.Fatalf("expected EInvalidArgument for a non-ELF blob, got %v", err)
	}
}

func TestExitReasonString(t *testing.T) {
	if ExitHLT.String() != "HLT" {
		t.Fatalf("expected HLT, got %s", ExitHLT.String())
	}
	if ExitReason(99).String() != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN for an unrecognized reason, got %s", ExitReason(99).String())
	}
}

func freeFrameTotal(fa *frame.Allocator) uint64 {
	var total uint64
	for _, f := range fa.FreeList() {
		total += f.Count
	}
	return total
}

func TestRunReturnsExitCodeOnVmcallExitAndReleasesFrames(t *testing.T) {
	vm, fa := newVM(t)
	vc := vm.VCPUs[0]
	before := freeFrameTotal(fa)

	exits := make(chan Exit, 1)
	vc.Regs.RDI = 0
	exits <- Exit{Reason: ExitVMCALL, VmcallNum: defs.VmcallExit}

	code, err := vm.Run(vc, exits)
	if err != defs.EOK {
		t.Fatalf("expected EOK, got %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if len(vm.OwnedFrames) != 0 {
		t.Fatalf("expected owned frames released after Run returns")
	}
	if freeFrameTotal(fa) <= before {
		t.Fatalf("expected released frames to grow the allocator's free total")
	}
}

func TestRunReturnsOnSendClose(t *testing.T) {
	vm, _ := newVM(t)
	vc := vm.VCPUs[0]
	exits := make(chan Exit)
	vm.SendClose()

	_, err := vm.Run(vc, exits)
	if err != defs.EInterrupted {
		t.Fatalf("expected EInterrupted after SendClose, got %v", err)
	}
}

func TestDump(t *testing.T) {
	vm, _ := newVM(t)
	out := vm.Dump()
	if out == "" {
		t.Fatalf("expected a non-empty dump")
	}
}

func TestDispatchVMCallConsoleWriteAppendsOutput(t *testing.T) {
	vm, _ := newVM(t)
	vc := vm.VCPUs[0]
	vc.Regs.RDI = uint64('h')
	if err := dispatchVMCall(vc, defs.VmcallConsoleWrite); err != defs.EOK {
		t.Fatalf("dispatchVMCall(VmcallConsoleWrite) failed: %v", err)
	}
	vc.Regs.RDI = uint64('i')
	if err := dispatchVMCall(vc, defs.VmcallConsoleWrite); err != defs.EOK {
		t.Fatalf("dispatchVMCall(VmcallConsoleWrite) failed: %v", err)
	}
	vm.mu.Lock()
	got := string(vm.OutputBuffer)
	vm.mu.Unlock()
	if got != "hi" {
		t.Fatalf("expected output buffer %q, got %q", "hi", got)
	}
	if !strings.Contains(vm.Dump(), "output: ") {
		t.Fatalf("expected Dump to render the output buffer")
	}
}
