package sched

import (
	"fullerene/kernel"
	"fullerene/kernel/apic"
	"fullerene/kernel/cpu"
	"fullerene/kernel/gate"
	"fullerene/kernel/sync"
)

// maxProcesses bounds the static process table: Spawn and Fork refuse any
// PID at or above it.
const maxProcesses = 256

var (
	lock sync.Spinlock

	table    [maxProcesses]*Process
	nextPID  PID = 1
	current  *Process
	runQueue []PID

	// switchContextFn performs the actual register/stack/CR3 swap. It is
	// implemented in context_switch_amd64.s; tests substitute a
	// bookkeeping stub.
	switchContextFn = switchContext

	activePDTFn = cpu.ActivePDT
	eoiFn       = apic.EOI

	// tickCount is a global monotonic counter, incremented once per timer
	// interrupt regardless of whether that tick actually preempts anything.
	tickCount uint64

	startTimerFn = apic.StartPeriodicTimer
)

// apicTimerDivide and apicTimerInitialCount program the LVT timer's divide
// configuration (3 selects the APIC bus clock divided by 16) and initial
// count; the exact tick rate they produce depends on the bus clock of
// whatever hardware or hypervisor this boots under; they only need to be
// small enough to preempt a spin loop in a human-observable time.
const (
	apicTimerDivide       = 0x3
	apicTimerInitialCount = 0x100000
)

// Init installs the timer tick handler, registers the scheduler as the
// kernel's process terminator (so a fatal user-mode fault - see
// kernel/mm/vmm's fault handlers - ends the offending process instead of
// panicking the kernel), and arms the local APIC's LVT timer in periodic
// mode so onTimerTick actually fires instead of sitting dead once installed.
func Init() {
	setProcessTerminatorFn(Terminate)
	gate.HandleInterrupt(gate.TimerInterrupt, gate.ISTTimer, onTimerTick)
	startTimerFn(uint8(gate.TimerInterrupt), apicTimerDivide, apicTimerInitialCount)
}

// TickCount returns the number of timer ticks observed since Init armed the
// timer, incremented on every tick whether or not that tick preempted the
// running process.
func TickCount() uint64 {
	lock.Acquire()
	defer lock.Release()
	return tickCount
}

// Spawn allocates a new process entry in the Ready state with the given
// entry point and address space, returning its PID. The caller is
// responsible for having already built addressSpace with the process's code
// and stack mapped.
func Spawn(name string, entry uint64, userStackTop uint64, addressSpace uintptr) (PID, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	pid := nextPID
	nextPID++

	p := &Process{
		PID:   pid,
		State: Ready,
	}
	p.SetName(name)
	p.Context.RIP = entry
	p.Context.RSP = userStackTop
	p.Context.CS = uint64(gate.UserCodeSelector)
	p.Context.SS = uint64(gate.UserDataSelector)
	p.Context.RFlags = 0x202 // IF=1, reserved bit 1 always set
	p.Context.CR3 = addressSpace

	if int(pid) >= len(table) {
		return 0, &kernel.Error{Module: "sched", Message: "process table exhausted", Kind: kernel.ErrOutOfMemory}
	}
	table[pid] = p
	runQueue = append(runQueue, pid)

	return pid, nil
}

// Fork creates a Ready child of parent that starts from a copy of parent's
// name and saved register context, with its CR3 set to childAddressSpace
// and its saved RAX set to 0, so the child observes 0 as fork's return value
// once it first runs while the parent receives the child's PID. Fork neither
// builds nor copies an address space: the caller supplies childAddressSpace.
func Fork(parent *Process, childAddressSpace uintptr) (PID, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	pid := nextPID
	nextPID++
	if int(pid) >= len(table) {
		return 0, &kernel.Error{Module: "sched", Message: "process table exhausted", Kind: kernel.ErrOutOfMemory}
	}

	child := &Process{
		PID:    pid,
		Parent: parent.PID,
		State:  Ready,
	}
	child.Name = parent.Name
	child.Context = parent.Context
	child.Context.CR3 = childAddressSpace
	child.Context.RAX = 0 // the child observes fork() returning 0

	table[pid] = child
	runQueue = append(runQueue, pid)

	return pid, nil
}

// errWaitForSelf rejects a process trying to wait on its own PID, which can
// never terminate from under it.
var errWaitForSelf = &kernel.Error{Module: "sched", Message: "a process cannot wait on itself", Kind: kernel.ErrInvalidArgument}

// Terminate marks the currently running process as Terminated with the
// given exit code, wakes its parent if one is blocked in Wait on it, and
// forces an immediate reschedule. It is the policy kernel/mm/vmm invokes
// when a user-mode fault cannot be resolved.
func Terminate(exitCode int32) {
	lock.Acquire()
	if current != nil {
		current.State = Terminated
		current.ExitCode = exitCode
		wakeWaitingParentLocked(current)
	}
	lock.Release()

	Schedule()
}

// wakeWaitingParentLocked reaps child and hands its exit code back to its
// parent if the parent is currently blocked in Wait on it. The exit code is
// stashed directly in the parent's saved RAX, which switchContext restores
// on resume, so the parent's Wait call appears to return normally once the
// scheduler picks it again - it never actually returns through this Go call
// stack. Must be called with lock held.
func wakeWaitingParentLocked(child *Process) {
	parent := table[child.Parent]
	if parent == nil || parent.State != Blocked || parent.WaitingOn != child.PID {
		return
	}

	parent.Context.RAX = uint64(int64(child.ExitCode))
	parent.WaitingOn = 0
	parent.State = Ready
	runQueue = append(runQueue, parent.PID)
	table[child.PID] = nil
}

// Wait blocks caller until the process identified by pid - which must be one
// of caller's own children - terminates, then reaps it and returns its exit
// code. A pid that is not (or is no longer) one of caller's children fails
// with NoSuchProcess, so a second Wait call for an already-reaped child
// fails the same way reaping is one-shot.
func Wait(caller *Process, pid PID) (int32, *kernel.Error) {
	if pid == caller.PID {
		return 0, errWaitForSelf
	}

	lock.Acquire()
	var child *Process
	if int(pid) < len(table) {
		child = table[pid]
	}
	if child == nil || child.Parent != caller.PID {
		lock.Release()
		return 0, errProcessNotFound
	}

	if child.State == Terminated {
		exitCode := child.ExitCode
		table[pid] = nil
		lock.Release()
		return exitCode, nil
	}

	caller.State = Blocked
	caller.WaitingOn = pid
	lock.Release()

	Schedule()
	return 0, nil // unreachable: Schedule does not return once caller has blocked
}

// onTimerTick is the APIC timer's registered handler. Every tick first
// advances the global tick counter; only if at least one other process is
// Ready does it then preempt - saving the interrupted register
// frame into the running process's context, picking the next Ready process,
// and switching straight into it rather than returning through the
// interrupt's own epilogue, so a process switch always resumes through the
// same switchContextFn path a voluntary Schedule call uses. If nothing else
// is Ready the handler just EOIs and returns, letting the interrupt's own
// epilogue resume the running process exactly where it was.
func onTimerTick(regs *gate.Registers) {
	lock.Acquire()
	tickCount++
	otherReady := len(runQueue) > 0
	lock.Release()

	if !otherReady {
		eoiFn()
		return
	}

	saveRegistersInto(current, regs)
	scheduleLocked()
	eoiFn()
	switchContextFn(&current.Context)
}

// Schedule picks the next Ready process and switches to it immediately, used
// outside of interrupt context (e.g. after Terminate, a voluntary yield, or a
// blocking Wait). The caller's own resumable context must already be correct
// in current.Context before calling this: the syscall entry trampoline
// stashes it there for every syscall (see CaptureSyscallContext), and a
// terminating or now-blocked caller does not need one.
func Schedule() {
	scheduleLocked()
	switchContextFn(&current.Context)
}

// scheduleLocked advances runQueue to the next Ready process, requeuing the
// previously running one if it is still runnable.
func scheduleLocked() {
	lock.Acquire()
	defer lock.Release()

	if current != nil && current.State == Running {
		current.State = Ready
		runQueue = append(runQueue, current.PID)
	}

	for len(runQueue) > 0 {
		pid := runQueue[0]
		runQueue = runQueue[1:]

		next := table[pid]
		if next == nil || next.State != Ready {
			continue
		}

		next.State = Running
		current = next
		return
	}

	// Nothing runnable: stay on the idle process (current), spinning
	// until the next tick re-evaluates the queue.
}

// CaptureSyscallContext records the point a SYSCALL instruction interrupted -
// the trampoline's own return RIP/RFLAGS and the user stack pointer - into
// the calling process's saved context, before its handler runs. A handler
// that voluntarily blocks (Wait) or yields relies on this being accurate,
// since Schedule does not derive a resume point of its own for a voluntary
// switch; it trusts current.Context is already correct.
func CaptureSyscallContext(userRSP, userRIP, userRFlags uint64) {
	if current == nil {
		return
	}
	current.Context.RSP = userRSP
	current.Context.RIP = userRIP
	current.Context.RFlags = userRFlags
	current.Context.CS = uint64(gate.UserCodeSelector)
	current.Context.SS = uint64(gate.UserDataSelector)
}

func saveRegistersInto(p *Process, regs *gate.Registers) {
	if p == nil {
		return
	}
	p.Context.RAX, p.Context.RBX, p.Context.RCX, p.Context.RDX = regs.RAX, regs.RBX, regs.RCX, regs.RDX
	p.Context.RSI, p.Context.RDI, p.Context.RBP = regs.RSI, regs.RDI, regs.RBP
	p.Context.R8, p.Context.R9, p.Context.R10, p.Context.R11 = regs.R8, regs.R9, regs.R10, regs.R11
	p.Context.R12, p.Context.R13, p.Context.R14, p.Context.R15 = regs.R12, regs.R13, regs.R14, regs.R15
	p.Context.RIP, p.Context.CS, p.Context.RFlags = regs.RIP, regs.CS, regs.RFlags
	p.Context.RSP, p.Context.SS = regs.RSP, regs.SS
}

// Current returns the process currently selected to run, or nil if the
// scheduler has not picked one yet.
func Current() *Process {
	return current
}

// Lookup returns the process registered under pid, or errProcessNotFound.
func Lookup(pid PID) (*Process, *kernel.Error) {
	if int(pid) >= len(table) || table[pid] == nil {
		return nil, errProcessNotFound
	}
	return table[pid], nil
}

// switchContext loads ctx into the CPU and never returns to its caller;
// execution resumes wherever ctx.RIP points, in ctx's address space.
// Implemented in context_switch_amd64.s.
func switchContext(ctx *SavedContext)
