package kfmt

import (
	"fullerene/kernel"
	"fullerene/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	// cpuDisableInterruptsFn is mocked by tests.
	cpuDisableInterruptsFn = cpu.DisableInterrupts

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause", Kind: kernel.ErrInternalError}
)

// Panic prints e to the output sink, disables interrupts, and halts the CPU.
// It never returns. Callers that can still reach a live register frame (see
// kernel/mm/vmm's fault handlers) dump it via Registers.DumpTo(kfmt.
// OutputSink()) before panicking, since Panic itself has no register frame of
// its own to report - it only owns the final halt.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuDisableInterruptsFn()
	cpuHaltFn()
}

func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
