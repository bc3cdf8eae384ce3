// Package defs holds the error taxonomy and small shared identifier types
// used across every TurnstoneOS subsystem. Nothing here allocates or
// blocks; it exists so that kernel packages do not import each other just
// to share an error code.
package defs

// Err_t is the kernel-wide result code. The zero value means success;
// every operation that can fail returns one explicitly instead of
// panicking. Panics are reserved for invariant corruption (see Checksum,
// and the caller package).
type Err_t int

// Error kinds used across every package in this module.
const (
	EOK Err_t = iota
	EOutOfMemory
	EInvalidArgument
	ENotFound
	EAlreadyExists
	EOverlap
	ENotOwned
	EIoFailure
	EChecksum
	EUnsupportedVersion
	EVmxFailure
	EEptFault
	EInterrupted
	EWouldBlock
	EInternal
)

var errNames = [...]string{
	"ok",
	"out of memory",
	"invalid argument",
	"not found",
	"already exists",
	"overlap",
	"not owned",
	"io failure",
	"checksum",
	"unsupported version",
	"vmx failure",
	"ept fault",
	"interrupted",
	"would block",
	"internal",
}

// String renders a human-readable name for the error kind.
func (e Err_t) String() string {
	if int(e) < 0 || int(e) >= len(errNames) {
		return "unknown error"
	}
	return errNames[e]
}

// Error satisfies the standard error interface so Err_t can be returned
// where Go idiom expects one (logging, fmt.Errorf wrapping, etc).
func (e Err_t) Error() string {
	return e.String()
}

// Ok reports whether the error kind represents success.
func (e Err_t) Ok() bool {
	return e == EOK
}

// Tid_t identifies a task. Zero is never a valid task id.
type Tid_t uint64

// VmId_t identifies a hypervisor guest.
type VmId_t uint64

// CpuId_t identifies a logical CPU (a goroutine pinned to an OS thread in
// this rendering, a real LAPIC ID on hardware).
type CpuId_t int

// SyscallNum identifies a guest->host syscall.
type SyscallNum int64

const (
	SysHlt SyscallNum = iota + 1
	SysCliAndHlt
)

// VmcallNum identifies a per-VM vmcall dispatched on a VMCALL exit.
// The guest places the number in RAX.
type VmcallNum int64

const (
	VmcallExit VmcallNum = iota + 1
	VmcallAttachPciDev
	VmcallGetHostPhysicalAddress
	VmcallAttachInterrupt
	VmcallApicEoi
	VmcallConsoleWrite
)
