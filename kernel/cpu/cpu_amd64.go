// Package cpu wraps the amd64 primitives that have no portable Go
// expression: port I/O, control register access, TLB maintenance, and CPUID.
// Every function declared here without a body is implemented in cpu_amd64.s; the Go
// declarations exist purely to give the rest of the kernel a typed,
// testable-by-substitution call surface, the same pattern the teacher uses
// throughout this package.
package cpu

var cpuidFn = ID

// EnableInterrupts executes STI.
func EnableInterrupts()

// DisableInterrupts executes CLI.
func DisableInterrupts()

// SaveFlagsAndDisableInterrupts executes PUSHFQ; CLI and returns the saved
// RFLAGS value so the caller can restore the prior interrupt-enable state
// exactly, even if interrupts were already disabled.
func SaveFlagsAndDisableInterrupts() uint64

// RestoreFlags executes POPFQ with the given RFLAGS value, restoring (among
// other bits) IF to whatever it was when flags was captured.
func RestoreFlags(flags uint64)

// Halt executes HLT. It does not return.
func Halt()

// Pause executes the PAUSE instruction, hinting to the CPU that the current
// code is in a spin-wait loop so it can de-pipeline and save power.
func Pause()

// FlushTLBEntry invalidates the TLB entry for virtAddr (INVLPG).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT writes pdtPhysAddr into CR3, flushing the entire TLB (aside from
// global pages).
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address currently loaded in CR3.
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uint64

// ID executes CPUID with EAX=leaf and returns EAX, EBX, ECX, EDX.
func ID(leaf uint32) (eax, ebx, ecx, edx uint32)

// IsIntel reports whether the running CPU identifies itself as GenuineIntel.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && edx == 0x49656e69 && ecx == 0x6c65746e
}

// InByte reads a single byte from the given I/O port.
func InByte(port uint16) uint8

// OutByte writes a single byte to the given I/O port.
func OutByte(port uint16, value uint8)

// RDMSR reads the 64-bit model-specific register msr.
func RDMSR(msr uint32) uint64

// WRMSR writes value to the 64-bit model-specific register msr.
func WRMSR(msr uint32, value uint64)

// LGDT loads the GDT descriptor at gdtPtrAddr (a 10-byte pseudo-descriptor:
// 2-byte limit followed by an 8-byte base).
func LGDT(gdtPtrAddr uintptr)

// LIDT loads the IDT descriptor at idtPtrAddr, same layout as LGDT.
func LIDT(idtPtrAddr uintptr)

// LTR loads the Task Register with the given GDT segment selector.
func LTR(selector uint16)

// ReloadSegments reloads CS via a far return and DS/ES/SS/FS/GS with the
// given selectors; used after rebuilding the GDT.
func ReloadSegments(codeSelector, dataSelector uint16)
