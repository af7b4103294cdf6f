// Package gate builds the protected-mode descriptor tables (GDT, TSS, IDT)
// and dispatches CPU interrupts, exceptions and traps to registered Go
// handlers. As with kernel/cpu, the functions that must execute privileged
// instructions or splice into the interrupt entrypoints are declared here
// and implemented in gate_amd64.s.
package gate

import (
	"fullerene/kernel/kfmt"
	"io"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception error code for exceptions, the syscall
	// number for syscall entries or the IRQ number for HW interrupts.
	Info uint64

	// The return frame used by IRETQ.
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// Breakpoint is raised by the INT3 instruction; debuggers use it to
	// implement software breakpoints.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler. Routed through
	// the IST double-fault stack so a corrupted kernel stack doesn't
	// trigger a triple fault.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit checks
	// fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction
	// while CR0.NE = 1, or an unmasked FP exception is pending.
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligned memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1.
	SIMDFloatingPointException = InterruptNumber(19)

	// TimerInterrupt is the vector the local APIC's LVT timer is
	// programmed to raise on each periodic tick.
	TimerInterrupt = InterruptNumber(0x20)

	// SyscallInterrupt is reserved for kernels that dispatch syscalls via
	// a software interrupt rather than SYSCALL/SYSRET; unused when the
	// fast path is available but kept as a fallback entry point.
	SyscallInterrupt = InterruptNumber(0x80)

	// SpuriousInterrupt is the vector the local APIC's spurious-interrupt
	// register is programmed with.
	SpuriousInterrupt = InterruptNumber(0xFF)
)

// Selector values into the GDT built by Init. Index 0 is the mandatory null
// descriptor; the layout below matches what ReloadSegments and SYSCALL/SYSRET
// (which derive SS/CS from STAR by fixed offsets from these selectors)
// expect.
const (
	nullSelector       = uint16(0x00)
	KernelCodeSelector = uint16(0x08)
	KernelDataSelector = uint16(0x10)
	UserDataSelector   = uint16(0x18 | 3)
	UserCodeSelector   = uint16(0x20 | 3)
	TSSSelector        = uint16(0x28)
)

// Stack sizes for the privilege-level-0 stack embedded in the TSS and for
// each IST slot. Double-fault and timer handlers get their own IST stack so
// a stack-overflow or corrupted-RSP condition in the faulting context can't
// also corrupt the handler's own frame.
const (
	ist0StackSize = 16 * 1024
	ist1StackSize = 16 * 1024
	rsp0StackSize = 16 * 1024
)

// IST slot indices, 1-based per the TSS layout; 0 means "do not use IST".
const (
	ISTDoubleFault uint8 = 1
	ISTTimer       uint8 = 2
)

// Init constructs the GDT, the TSS (with its IST stacks) and the IDT, then
// loads all three into the CPU. It must run once, early in kernel
// initialization, before interrupts are enabled.
func Init() {
	installGDT()
	installIDT()
	handleInterruptFn(TimerInterrupt, ISTTimer, func(*Registers) {})
}

// handleInterruptFn indirects HandleInterrupt so Init's default timer stub
// registration (which exists purely to reserve the IST slot) is mockable in
// tests without linking the real gate entry stubs.
var handleInterruptFn = HandleInterrupt

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the 1-based offset in the interrupt stack table to switch to
// before invoking handler (if 0 then IST is not used and the handler runs on
// the CPU's current privilege-0 stack).
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers))

// installGDT populates the GDT and TSS and loads them via LGDT/LTR.
func installGDT()

// installIDT populates the IDT with gate descriptors pointing at the
// per-vector entry stubs generated by interruptGateEntries, then loads it via
// LIDT. All gate entries are initially marked as non-present and only become
// live once HandleInterrupt registers a Go handler for that vector.
func installIDT()

// dispatchInterrupt is invoked by the interrupt gate entrypoints to route an
// incoming interrupt to the registered Go handler.
func dispatchInterrupt()

// interruptGateEntries contains the generated machine code entries for each
// possible interrupt number; installIDT points every IDT gate at the
// corresponding entry.
func interruptGateEntries()
