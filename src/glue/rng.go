package glue

import (
	"crypto/rand"
	"sync"

	"golang.org/x/sys/cpu"

	"turnstonecore/src/logging"
)

// rngLogged ensures the hardware-RNG availability line is only printed
// once per process, matching cpu_check_rdrand's role as a one-time probe
// a caller consults before choosing a fast path.
var rngLogged sync.Once

// HasHardwareRNG reports whether the host CPU exposes RDRAND, the Go
// rendition of cpu_check_rdrand's CPUID-leaf-0x80000001 ECX-bit-30 probe;
// golang.org/x/sys/cpu performs the same probe portably instead of the
// original's inline CPUID.
func HasHardwareRNG() bool {
	return cpu.X86.HasRDRAND
}

// Random fills buf with cryptographically secure random bytes. The host's
// hardware-RNG availability is logged once, the same gate
// cpu_check_rdrand's caller would consult before trusting RDRAND over a
// software fallback; Go's crypto/rand already routes through the OS CSPRNG
// regardless of which path the hardware offers.
func Random(buf []byte) error {
	rngLogged.Do(func() {
		logging.WithComponent("glue").Infof("hardware RNG available: %v", HasHardwareRNG())
	})
	_, err := rand.Read(buf)
	return err
}
