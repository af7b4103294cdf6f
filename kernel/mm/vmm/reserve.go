package vmm

import (
	"fullerene/kernel"
	"fullerene/kernel/mm"
)

var (
	// earlyReserveNextAddr is the bump pointer for EarlyReserveRegion. It
	// starts at mm.HigherHalfBase and grows upward; EarlyReserveRegion
	// refuses any reservation that would reach tempMappingAddr, so
	// reservations never collide with the temporary-mapping window.
	earlyReserveNextAddr = mm.HigherHalfBase

	// earlyReserveLastUsed marks the end of the range handed out so far;
	// setupPDTForKernel (pdt.go) walks [mm.HigherHalfBase,
	// earlyReserveLastUsed) to copy any pages the early allocator mapped
	// before the kernel's own granular PDT took over.
	earlyReserveLastUsed = earlyReserveNextAddr

	errOutOfAddressSpace = &kernel.Error{Module: "vmm", Message: "out of reservable address space", Kind: kernel.ErrMappingFailed}
)

// EarlyReserveRegion bumps a virtual address cursor forward by size bytes
// (rounded up to a page boundary) and returns the region's start address. It
// does not establish any mapping; callers map the returned pages themselves.
// This is the boot-time equivalent of a VMA allocator and is retired once the
// kernel heap is initialized.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) &^ (mm.PageSize - 1)

	start := earlyReserveNextAddr
	next := start + size
	if next >= tempMappingAddr || next < start {
		return 0, errOutOfAddressSpace
	}

	earlyReserveNextAddr = next
	earlyReserveLastUsed = next
	return start, nil
}
