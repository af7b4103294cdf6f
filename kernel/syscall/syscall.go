// Package syscall implements the numbered syscall dispatcher and the
// SYSCALL/SYSRET fast entry path. As with kernel/gate, the privileged entry
// trampoline is declared here and implemented in syscall_amd64.s; everything
// reachable once inside Go is ordinary Go code.
package syscall

import (
	"fullerene/kernel"
	"fullerene/kernel/cpu"
	"fullerene/kernel/gate"
	"fullerene/kernel/sched"
)

// Numbers identifies a syscall by its stable ABI number.
type Number uint64

const (
	Exit    Number = 1
	Fork    Number = 2
	Read    Number = 3
	Write   Number = 4
	Open    Number = 5
	Close   Number = 6
	Wait    Number = 7
	GetPID  Number = 20
	GetName Number = 21
	Yield   Number = 22
)

// lowCanonicalLimit is the first address outside the low-canonical half; a
// user pointer range must lie strictly below it.
const lowCanonicalLimit = uintptr(0x0000_8000_0000_0000)

// errInvalidSyscall, errInvalidArgument are the stable sentinel errors this
// package returns; SyscallReturn() on either yields the negated ABI code the
// dispatcher hands back to user space.
var (
	errInvalidSyscall = &kernel.Error{Module: "syscall", Message: "invalid syscall number", Kind: kernel.ErrInvalidSyscall}
	errInvalidArgument = &kernel.Error{Module: "syscall", Message: "invalid argument", Kind: kernel.ErrInvalidArgument}
)

// ValidateUserRange reports whether [ptr, ptr+count) lies entirely within
// the low-canonical half without overflowing.
func ValidateUserRange(ptr uintptr, count uintptr) *kernel.Error {
	end := ptr + count
	if end < ptr { // overflow
		return errInvalidArgument
	}
	if end > lowCanonicalLimit {
		return errInvalidArgument
	}
	return nil
}

// Handler is the signature every syscall implementation has once the
// dispatcher has validated its arguments.
type Handler func(a1, a2, a3, a4, a5, a6 uint64) int64

var table = map[Number]Handler{}

// Register installs handler as the implementation for number. Called once
// per syscall during kernel initialization.
func Register(number Number, handler Handler) {
	table[number] = handler
}

// Dispatch is the Go-level syscall entry point invoked by the architectural
// trampoline in syscall_amd64.s (as handle_syscall). It routes to the
// registered handler for n, returning -ErrInvalidSyscall.Code() if none is
// registered.
func Dispatch(n uint64, a1, a2, a3, a4, a5, a6 uint64) int64 {
	handler, ok := table[Number(n)]
	if !ok {
		return errInvalidSyscall.SyscallReturn()
	}
	return handler(a1, a2, a3, a4, a5, a6)
}

const (
	msrEFER  = 0xC000_0080
	msrSTAR  = 0xC000_0081
	msrLSTAR = 0xC000_0082
	msrSFMASK = 0xC000_0084

	eferSCE = 1 << 0
)

var (
	rdmsrFn = cpu.RDMSR
	wrmsrFn = cpu.WRMSR
)

// Init installs the architectural SYSCALL/SYSRET entry: EFER.SCE is set,
// LSTAR points at the entry trampoline, STAR encodes the code/data selector
// pairs for SYSCALL and SYSRET, and SFMASK clears IF on entry so the kernel
// runs syscalls with interrupts disabled until it explicitly re-enables
// them.
func Init() {
	efer := rdmsrFn(msrEFER)
	wrmsrFn(msrEFER, efer|eferSCE)

	// SYSRET computes CS from STAR[63:48]+16 and SS from STAR[63:48]+8, so
	// the base here is UserDataSelector-8 (which lands SS on
	// UserDataSelector and CS on UserCodeSelector).
	star := uint64(gate.UserDataSelector-8)<<48 | uint64(gate.KernelCodeSelector)<<32
	wrmsrFn(msrSTAR, star)

	wrmsrFn(msrLSTAR, syscallEntryAddr())

	wrmsrFn(msrSFMASK, 0x200) // clear IF (bit 9) on syscall entry
}

// syscallEntryAddr returns the address of the naked SYSCALL entry
// trampoline in syscall_amd64.s, implemented in assembly since Go cannot
// take the address of a Go func as a raw link-time constant portably.
func syscallEntryAddr() uint64

// handleSyscallTrampoline is the C-ABI-compatible bridge the assembly
// trampoline calls (by symbol name) after marshaling the syscall ABI's
// argument registers; it is kept as a thin redirect to Dispatch so the
// assembly side only needs one fixed symbol regardless of how Dispatch's Go
// signature evolves.
func handleSyscallTrampoline(n, a1, a2, a3, a4, a5, a6 uint64) int64 {
	return Dispatch(n, a1, a2, a3, a4, a5, a6)
}

// captureSyscallContextTrampoline is the bridge the assembly entry calls,
// before handleSyscallTrampoline, with the exact user RSP/return RIP/RFLAGS
// it is about to stash on the kernel stack for the eventual SYSRETQ. A
// handler that blocks the caller (sched.Wait) or yields (sched.Schedule)
// needs that resume point recorded in the process table first, since neither
// rebuilds it from anywhere else.
func captureSyscallContextTrampoline(userRSP, userRIP, userRFlags uint64) {
	sched.CaptureSyscallContext(userRSP, userRIP, userRFlags)
}
