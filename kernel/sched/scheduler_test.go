package sched

import (
	"fullerene/kernel/apic"
	"fullerene/kernel/gate"
	"reflect"
	"testing"
)

func resetSchedulerState() {
	table = [maxProcesses]*Process{}
	nextPID = 1
	current = nil
	runQueue = nil
	tickCount = 0
}

func TestSpawnAssignsIncrementingPIDs(t *testing.T) {
	resetSchedulerState()

	p1, err := Spawn("init", 0x1000, 0x7fff0000, 0x2000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := Spawn("shell", 0x2000, 0x7fff0000, 0x3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p2 != p1+1 {
		t.Fatalf("expected incrementing PIDs, got %d and %d", p1, p2)
	}

	proc, err := Lookup(p1)
	if err != nil {
		t.Fatalf("unexpected error looking up %d: %v", p1, err)
	}
	if proc.NameString() != "init" {
		t.Fatalf("expected name %q; got %q", "init", proc.NameString())
	}
}

func TestLookupUnknownPIDFails(t *testing.T) {
	resetSchedulerState()

	if _, err := Lookup(999); err == nil {
		t.Fatal("expected an error looking up an unregistered PID")
	}
}

func TestForkReturnsZeroInChildContext(t *testing.T) {
	resetSchedulerState()

	parentPID, err := Spawn("parent", 0x1000, 0x7fff0000, 0x2000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parent, _ := Lookup(parentPID)
	parent.Context.RAX = 42 // parent's own return value, must not leak to child

	childPID, err := Fork(parent, 0x9000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	child, err := Lookup(childPID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if child.Context.RAX != 0 {
		t.Fatalf("expected child's saved RAX (fork's return value) to be 0; got %d", child.Context.RAX)
	}
	if child.Context.CR3 != 0x9000 {
		t.Fatalf("expected child to use its own address space; got 0x%x", child.Context.CR3)
	}
	if child.Parent != parentPID {
		t.Fatalf("expected child.Parent to be %d; got %d", parentPID, child.Parent)
	}
}

func TestSchedulerRoundRobinsReadyProcesses(t *testing.T) {
	resetSchedulerState()

	a, _ := Spawn("a", 0x1000, 0x7fff0000, 0x2000)
	b, _ := Spawn("b", 0x1000, 0x7fff0000, 0x3000)

	var switched []uintptr
	defer func(orig func(*SavedContext)) { switchContextFn = orig }(switchContextFn)
	switchContextFn = func(ctx *SavedContext) { switched = append(switched, ctx.CR3) }

	Schedule()
	firstPID := current.PID

	Schedule()
	secondPID := current.PID

	if firstPID == secondPID {
		t.Fatalf("expected scheduler to alternate between ready processes; got %d twice", firstPID)
	}
	if firstPID != a && firstPID != b {
		t.Fatalf("unexpected pid selected: %d", firstPID)
	}
	if len(switched) != 2 {
		t.Fatalf("expected switchContextFn to be invoked twice; got %d", len(switched))
	}
}

func TestTerminateMarksCurrentProcessAndReschedules(t *testing.T) {
	resetSchedulerState()

	Spawn("only", 0x1000, 0x7fff0000, 0x2000)

	defer func(orig func(*SavedContext)) { switchContextFn = orig }(switchContextFn)
	switchContextFn = func(*SavedContext) {}

	Schedule()
	terminated := current

	Terminate(7)

	if terminated.State != Terminated {
		t.Fatalf("expected terminated process to be in Terminated state; got %s", terminated.State)
	}
	if terminated.ExitCode != 7 {
		t.Fatalf("expected exit code 7; got %d", terminated.ExitCode)
	}
}

func TestWaitReapsAlreadyTerminatedChild(t *testing.T) {
	resetSchedulerState()

	parentPID, _ := Spawn("parent", 0x1000, 0x7fff0000, 0x2000)
	parent, _ := Lookup(parentPID)
	childPID, _ := Fork(parent, 0x3000)
	child, _ := Lookup(childPID)
	child.State = Terminated
	child.ExitCode = 9

	exitCode, err := Wait(parent, childPID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exitCode != 9 {
		t.Fatalf("expected exit code 9; got %d", exitCode)
	}
	if _, err := Lookup(childPID); err == nil {
		t.Fatal("expected the reaped child to no longer be in the process table")
	}

	if _, err := Wait(parent, childPID); err == nil {
		t.Fatal("expected a second Wait for the same pid to fail")
	}
}

func TestWaitRejectsNonChildPID(t *testing.T) {
	resetSchedulerState()

	aPID, _ := Spawn("a", 0x1000, 0x7fff0000, 0x2000)
	a, _ := Lookup(aPID)
	bPID, _ := Spawn("b", 0x1000, 0x7fff0000, 0x3000)

	if _, err := Wait(a, bPID); err == nil {
		t.Fatal("expected Wait on a non-child pid to fail")
	}
}

func TestWaitRejectsSelf(t *testing.T) {
	resetSchedulerState()

	pid, _ := Spawn("only", 0x1000, 0x7fff0000, 0x2000)
	p, _ := Lookup(pid)

	if _, err := Wait(p, pid); err == nil {
		t.Fatal("expected Wait on one's own pid to fail")
	}
}

func TestWaitBlocksUntilChildTerminatesThenWakes(t *testing.T) {
	resetSchedulerState()

	defer func(orig func(*SavedContext)) { switchContextFn = orig }(switchContextFn)
	switchContextFn = func(*SavedContext) {}

	parentPID, _ := Spawn("parent", 0x1000, 0x7fff0000, 0x2000)
	parent, _ := Lookup(parentPID)
	childPID, _ := Fork(parent, 0x3000)
	child, _ := Lookup(childPID)

	current = parent
	parent.State = Running

	// switchContextFn is stubbed to a no-op, so Wait's call to Schedule
	// returns normally here instead of never returning as it would on
	// real hardware; this only exercises the blocking bookkeeping.
	Wait(parent, childPID)

	if parent.State != Blocked {
		t.Fatalf("expected parent to be Blocked while waiting; got %s", parent.State)
	}
	if parent.WaitingOn != childPID {
		t.Fatalf("expected parent.WaitingOn to be %d; got %d", childPID, parent.WaitingOn)
	}

	current = child
	child.State = Running
	Terminate(5)

	// Terminate reschedules at once, and the woken parent is the only
	// Ready process left, so it is picked to run.
	if parent.State != Running {
		t.Fatalf("expected the woken parent to be rescheduled as Running; got %s", parent.State)
	}
	if parent.Context.RAX != uint64(5) {
		t.Fatalf("expected parent's saved RAX to carry the exit code 5; got %d", parent.Context.RAX)
	}
	if _, err := Lookup(childPID); err == nil {
		t.Fatal("expected the child to be reaped once its waiting parent was woken")
	}
}

func TestTerminateWithNoWaitingParentLeavesZombie(t *testing.T) {
	resetSchedulerState()

	defer func(orig func(*SavedContext)) { switchContextFn = orig }(switchContextFn)
	switchContextFn = func(*SavedContext) {}

	parentPID, _ := Spawn("parent", 0x1000, 0x7fff0000, 0x2000)
	parent, _ := Lookup(parentPID)
	childPID, _ := Fork(parent, 0x3000)
	child, _ := Lookup(childPID)

	current = child
	child.State = Running
	Terminate(3)

	stillThere, err := Lookup(childPID)
	if err != nil {
		t.Fatalf("expected the unreaped child to remain in the process table: %v", err)
	}
	if stillThere.State != Terminated || stillThere.ExitCode != 3 {
		t.Fatalf("expected a terminated zombie with exit code 3; got state=%s code=%d", stillThere.State, stillThere.ExitCode)
	}
}

func TestOnTimerTickSavesPreemptedRegisters(t *testing.T) {
	resetSchedulerState()

	Spawn("a", 0x1000, 0x7fff0000, 0x2000)
	Spawn("b", 0x1000, 0x7fff0000, 0x3000)

	defer func(orig func(*SavedContext)) { switchContextFn = orig }(switchContextFn)
	switchContextFn = func(*SavedContext) {}
	defer func(orig func()) { eoiFn = orig }(eoiFn)
	eoiFn = func() {}
	Schedule()

	preempted := current
	regs := &gate.Registers{RAX: 0xdead, RIP: 0x4000}
	onTimerTick(regs)

	if preempted.Context.RAX != 0xdead {
		t.Fatalf("expected preempted process's RAX to be saved as 0xdead; got 0x%x", preempted.Context.RAX)
	}
	if current == preempted {
		t.Fatal("expected onTimerTick to advance to the next ready process")
	}
}

func TestOnTimerTickAdvancesTickCountEveryTick(t *testing.T) {
	resetSchedulerState()

	Spawn("a", 0x1000, 0x7fff0000, 0x2000)

	defer func(orig func(*SavedContext)) { switchContextFn = orig }(switchContextFn)
	switchContextFn = func(*SavedContext) {}
	defer func(orig func()) { eoiFn = orig }(eoiFn)
	eoiFn = func() {}
	Schedule()

	regs := &gate.Registers{}
	for i := 1; i <= 3; i++ {
		onTimerTick(regs)
		if got := TickCount(); got != uint64(i) {
			t.Fatalf("expected TickCount() == %d after %d ticks; got %d", i, i, got)
		}
	}
}

func TestOnTimerTickDoesNotSwitchWhenNoOtherProcessIsReady(t *testing.T) {
	resetSchedulerState()

	Spawn("a", 0x1000, 0x7fff0000, 0x2000)

	var switched int
	defer func(orig func(*SavedContext)) { switchContextFn = orig }(switchContextFn)
	switchContextFn = func(*SavedContext) { switched++ }
	defer func(orig func()) { eoiFn = orig }(eoiFn)
	var eoiCalled bool
	eoiFn = func() { eoiCalled = true }
	Schedule()
	switched = 0

	// With only one process in the table, runQueue is empty once it's
	// running: no other process is Ready, so the tick must still advance
	// the counter and signal EOI, but must not invoke switchContextFn.
	solo := current
	onTimerTick(&gate.Registers{RAX: 0x1234})

	if switched != 0 {
		t.Fatalf("expected onTimerTick not to switch when no other process is Ready; switchContextFn called %d times", switched)
	}
	if !eoiCalled {
		t.Fatal("expected onTimerTick to signal EOI even when it does not preempt")
	}
	if current != solo {
		t.Fatal("expected the sole process to remain current")
	}
	if solo.Context.RAX == 0x1234 {
		t.Fatal("expected the sole process's context not to be overwritten when no switch occurs")
	}
	if TickCount() != 1 {
		t.Fatalf("expected TickCount() == 1; got %d", TickCount())
	}
}

func TestStartTimerFnDefaultsToAPICPeriodicTimer(t *testing.T) {
	// Init itself also calls gate.HandleInterrupt, which installs a real
	// IDT gate backed by gate_amd64.s and isn't safe to invoke under the
	// host go test toolchain; this only checks the piece of Init's wiring
	// that can be observed without that call - that startTimerFn still
	// points at the real apic.StartPeriodicTimer, and that Init would pass
	// it the timer vector gate.TimerInterrupt expects.
	got := reflect.ValueOf(startTimerFn).Pointer()
	want := reflect.ValueOf(apic.StartPeriodicTimer).Pointer()
	if got != want {
		t.Fatal("expected startTimerFn to default to apic.StartPeriodicTimer")
	}
	if uint8(gate.TimerInterrupt) != 0x20 {
		t.Fatalf("expected the timer vector to be 0x20; got 0x%x", gate.TimerInterrupt)
	}
}
