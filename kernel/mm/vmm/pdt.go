package vmm

import (
	"fullerene/kernel"
	"fullerene/kernel/cpu"
	"fullerene/kernel/mm"
	"unsafe"
)

var (
	// activePDTFn and switchPDTFn are mocked by tests; calling the real
	// cpu primitives outside ring-0 would fault.
	activePDTFn = cpu.ActivePDT
	switchPDTFn = cpu.SwitchPDT

	mapFn          = Map
	mapTemporaryFn = MapTemporary
	unmapFn        = Unmap

	// kernelPDT is the granular page directory table built for the
	// kernel's own higher-half mappings.
	kernelPDT PageDirectoryTable
)

// PageDirectoryTable describes the top-level table of a four-level paging
// hierarchy.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// Init prepares pdtFrame to serve as a page directory table: if it isn't
// already active, it establishes a temporary mapping to zero the frame and
// install the recursive self-mapping in its last entry, then tears the
// temporary mapping back down.
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	kernel.Memset(pdtPage.Address(), 0, mm.PageSize)
	lastEntryAddr := pdtPage.Address() + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)
	lastEntry := (*pageTableEntry)(unsafe.Pointer(lastEntryAddr))
	*lastEntry = 0
	lastEntry.SetFlags(FlagPresent | FlagRW)
	lastEntry.SetFrame(pdtFrame)

	_ = unmapFn(pdtPage)
	return nil
}

// Map installs page->frame in this table, temporarily mapping the table's own
// frame into the recursive slot if it is not the currently active table.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	restore := pdt.borrowRecursiveSlot()
	err := mapFn(page, frame, flags)
	restore()
	return err
}

// Unmap removes a mapping previously installed via Map, using the same
// temporary-borrow trick as Map for inactive tables.
func (pdt PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	restore := pdt.borrowRecursiveSlot()
	err := unmapFn(page)
	restore()
	return err
}

// borrowRecursiveSlot temporarily points the active PDT's recursive entry at
// pdt so that walk() can address pdt's entries even though pdt is not the
// active table. The returned function restores the prior mapping.
func (pdt PageDirectoryTable) borrowRecursiveSlot() func() {
	activeFrame := mm.Frame(activePDTFn() >> mm.PageShift)
	if activeFrame == pdt.pdtFrame {
		return func() {}
	}

	lastEntryAddr := activeFrame.Address() + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)
	lastEntry := (*pageTableEntry)(unsafe.Pointer(lastEntryAddr))
	lastEntry.SetFrame(pdt.pdtFrame)
	flushTLBEntryFn(lastEntryAddr)

	return func() {
		lastEntry.SetFrame(activeFrame)
		flushTLBEntryFn(lastEntryAddr)
	}
}

// Activate writes this table's frame into CR3, flushing the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// KernelSection describes one virtual range of the loaded kernel image and
// the permissions to map it with. vmm uses this instead of walking ELF
// section headers (the teacher's multiboot path). The handoff record carries
// no per-section table, so kernel/boot passes a single section covering the
// whole image (see kernelSections there).
type KernelSection struct {
	VirtAddr   uintptr
	Size       uintptr
	Writable   bool
	Executable bool
}

// setupPDTForKernel builds a fresh, granular page directory for the kernel
// image using the given section permissions, then activates it.
// After this call returns, any identity mapping the firmware relied on to
// reach the kernel's physical load address is no longer required.
func setupPDTForKernel(sections []KernelSection) *kernel.Error {
	kernelPDTFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	if err = kernelPDT.Init(kernelPDTFrame); err != nil {
		return err
	}

	for _, sec := range sections {
		flags := FlagPresent
		if !sec.Executable {
			flags |= FlagNoExecute
		}
		if sec.Writable {
			flags |= FlagRW
		}

		curPage := mm.PageFromAddress(sec.VirtAddr)
		lastPage := mm.PageFromAddress(sec.VirtAddr + sec.Size - 1)
		for ; curPage <= lastPage; curPage++ {
			frameAddr, terr := translateFn(curPage.Address())
			if terr != nil {
				return terr
			}
			if err = kernelPDT.Map(curPage, mm.FrameFromAddress(frameAddr), flags); err != nil {
				return err
			}
		}
	}

	// Carry over any pages the early reservation allocator mapped before
	// the granular PDT existed (e.g. the boot memory map bookkeeping).
	for addr := mm.HigherHalfBase; addr < earlyReserveLastUsed; addr += mm.PageSize {
		page := mm.PageFromAddress(addr)
		frameAddr, terr := translateFn(addr)
		if terr != nil {
			continue
		}
		if err = kernelPDT.Map(page, mm.FrameFromAddress(frameAddr), FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	kernelPDT.Activate()
	return nil
}
