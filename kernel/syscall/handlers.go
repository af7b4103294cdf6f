package syscall

import (
	"fullerene/kernel"
	"fullerene/kernel/driver/serial"
	"fullerene/kernel/sched"
	"unsafe"
)

// stdin, stdout, stderr are the only valid file descriptors; every other fd
// is a stub that returns NotSupported, matching the system's scope.
const (
	fdStdin  = 0
	fdStdout = 1
	fdStderr = 2
)

var errNotSupported = &kernel.Error{Module: "syscall", Message: "file descriptor not supported", Kind: kernel.ErrNotSupported}

func init() {
	Register(Exit, sysExit)
	Register(Fork, sysFork)
	Register(Read, sysRead)
	Register(Write, sysWrite)
	Register(Open, sysOpen)
	Register(Close, sysClose)
	Register(Wait, sysWait)
	Register(GetPID, sysGetPID)
	Register(GetName, sysGetName)
	Register(Yield, sysYield)
}

// userBytes reinterprets a validated user-space [ptr, ptr+count) range as a
// Go byte slice. Single-address-space-at-a-time execution means the calling
// process's page tables are already active, so this is a plain reinterpret
// rather than a cross-address-space copy.
func userBytes(ptr uintptr, count uintptr) []byte {
	if count == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(count))
}

func sysExit(a1, _, _, _, _, _ uint64) int64 {
	sched.Terminate(int32(a1))
	return 0 // unreachable: Terminate does not return to the caller
}

func sysFork(a1, _, _, _, _, _ uint64) int64 {
	parent := sched.Current()
	if parent == nil {
		return errInvalidSyscall.SyscallReturn()
	}

	// a1 carries the syscall ABI's entry:u64 argument; a fork() with no
	// entry override resumes the child at the parent's own RIP, so only
	// an explicit non-zero entry replaces it.
	childSpace := parent.AddressSpace
	pid, err := sched.Fork(parent, uintptr(childSpace))
	if err != nil {
		return err.SyscallReturn()
	}
	if a1 != 0 {
		child, lookupErr := sched.Lookup(pid)
		if lookupErr == nil {
			child.Context.RIP = a1
		}
	}
	return int64(pid)
}

func sysRead(a1, a2, a3, _, _, _ uint64) int64 {
	if a1 != fdStdin {
		return errNotSupported.SyscallReturn()
	}
	if err := ValidateUserRange(uintptr(a2), uintptr(a3)); err != nil {
		return err.SyscallReturn()
	}
	// No input device is wired up; stdin always reports EOF.
	return 0
}

func sysWrite(a1, a2, a3, _, _, _ uint64) int64 {
	if a1 != fdStdout && a1 != fdStderr {
		return errNotSupported.SyscallReturn()
	}
	if err := ValidateUserRange(uintptr(a2), uintptr(a3)); err != nil {
		return err.SyscallReturn()
	}

	buf := userBytes(uintptr(a2), uintptr(a3))
	n, _ := serial.COM1.Write(buf)
	return int64(n)
}

func sysOpen(_, _, _, _, _, _ uint64) int64 {
	return errNotSupported.SyscallReturn()
}

func sysClose(a1, _, _, _, _, _ uint64) int64 {
	switch a1 {
	case fdStdin, fdStdout, fdStderr:
		return 0
	default:
		return errNotSupported.SyscallReturn()
	}
}

func sysWait(a1, _, _, _, _, _ uint64) int64 {
	caller := sched.Current()
	if caller == nil {
		return errInvalidSyscall.SyscallReturn()
	}

	exitCode, err := sched.Wait(caller, sched.PID(a1))
	if err != nil {
		return err.SyscallReturn()
	}
	return int64(exitCode)
}

func sysGetPID(_, _, _, _, _, _ uint64) int64 {
	current := sched.Current()
	if current == nil {
		return errInvalidSyscall.SyscallReturn()
	}
	return int64(current.PID)
}

func sysGetName(a1, a2, _, _, _, _ uint64) int64 {
	if err := ValidateUserRange(uintptr(a1), uintptr(a2)); err != nil {
		return err.SyscallReturn()
	}
	current := sched.Current()
	if current == nil {
		return errInvalidSyscall.SyscallReturn()
	}

	name := current.NameString()
	dst := userBytes(uintptr(a1), uintptr(a2))
	n := copy(dst, name)
	return int64(n)
}

func sysYield(_, _, _, _, _, _ uint64) int64 {
	sched.Schedule()
	return 0
}
