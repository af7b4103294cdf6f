package vmm

import (
	"fullerene/kernel"
	"fullerene/kernel/gate"
	"fullerene/kernel/kfmt"
	"fullerene/kernel/mm"
)

var (
	handleInterruptFn = gate.HandleInterrupt

	// terminateProcessFn lets the scheduler register a callback for
	// user-mode faults without vmm importing kernel/sched (which would
	// create an import cycle, since sched needs vmm to build address
	// spaces). It defaults to the fatal policy (panic) so a kernel built
	// without a scheduler still fails safely.
	terminateProcessFn = func(exitCode int32) { panic(errUnrecoverableFault) }
)

// SetProcessTerminator registers the function invoked when a user-mode fault
// must terminate the current process rather than panic the kernel. sched
// calls this during its own Init.
func SetProcessTerminator(fn func(exitCode int32)) {
	terminateProcessFn = fn
}

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// pageFaultHandler implements the policy of §4.5: a CoW write fault is
// resolved by copying the page; a kernel-mode fault panics; a user-mode fault
// (protection violation or not-present, demand paging being a non-goal)
// terminates the current process with exit code 1.
func pageFaultHandler(regs *gate.Registers) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = mm.PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		present := pte.HasFlags(FlagPresent)
		if pteLevel == pageLevels-1 && present {
			pageEntry = pte
		}
		return present
	})

	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		if resolveCopyOnWrite(faultPage, pageEntry) {
			return
		}
	}

	userMode := regs.Info&0x4 != 0
	if userMode {
		logFault("page fault", faultAddress, regs)
		terminateProcessFn(1)
		return
	}

	logFault("page fault", faultAddress, regs)
	panic(errUnrecoverableFault)
}

// resolveCopyOnWrite allocates a private frame, copies the shared page's
// contents into it, and installs it in place of the CoW mapping. It returns
// false (leaving the fault unresolved) if a frame could not be allocated.
func resolveCopyOnWrite(faultPage mm.Page, pageEntry *pageTableEntry) bool {
	copyFrame, err := mm.AllocFrame()
	if err != nil {
		return false
	}

	tmpPage, err := mapTemporaryFn(copyFrame)
	if err != nil {
		return false
	}

	kernel.Memcopy(faultPage.Address(), tmpPage.Address(), mm.PageSize)
	_ = unmapFn(tmpPage)

	pageEntry.ClearFlags(FlagCopyOnWrite)
	pageEntry.SetFlags(FlagPresent | FlagRW)
	pageEntry.SetFrame(copyFrame)
	flushTLBEntryFn(faultPage.Address())
	return true
}

func generalProtectionFaultHandler(regs *gate.Registers) {
	userMode := regs.CS&0x3 != 0
	logFault("general protection fault", uintptr(readCR2Fn()), regs)
	if userMode {
		terminateProcessFn(1)
		return
	}
	panic(errUnrecoverableFault)
}

func logFault(label string, faultAddress uintptr, regs *gate.Registers) {
	kfmt.Printf("\n%s while accessing address 0x%16x\nreason: ", label, faultAddress)
	switch regs.Info {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("fault in user mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown (code %d)", regs.Info)
	}
	kfmt.Printf("\n\nregisters:\n")
	regs.DumpTo(kfmt.OutputSink())
}
