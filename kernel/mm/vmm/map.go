package vmm

import (
	"fullerene/kernel"
	"fullerene/kernel/cpu"
	"fullerene/kernel/mm"
	"unsafe"
)

// ReservedZeroedFrame is a dedicated zero-filled frame set up by Init. Mapped
// read-only with FlagCopyOnWrite, it lets callers reserve address space for
// on-demand allocation: the mapping costs no physical memory until the first
// write faults a private copy into place (see the page fault handler in
// fault.go).
var ReservedZeroedFrame mm.Frame

var (
	// protectReservedZeroedPage is flipped on once ReservedZeroedFrame has
	// been carved out, so later attempts to map it RW fail loudly instead
	// of silently sharing writable state across every on-demand mapping.
	protectReservedZeroedPage bool

	flushTLBEntryFn = cpu.FlushTLBEntry

	// nextAddrFn resolves the virtual address of a freshly allocated
	// intermediate table so Map can zero it out. The real implementation
	// is the identity function: the recursive mapping trick means a
	// pte's own address, shifted, already IS that table's virtual
	// address. Tests override this, since that trick only holds when
	// ptePtrFn resolves through the real recursive self-map rather than
	// an in-memory fake table.
	nextAddrFn = func(addr uintptr) uintptr { return addr }

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported", Kind: kernel.ErrMappingFailed}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped RW", Kind: kernel.ErrMappingFailed}
	errAlreadyMapped               = &kernel.Error{Module: "vmm", Message: "page is already mapped to a different frame", Kind: kernel.ErrMappingFailed}

	// ErrInvalidMapping is returned when translating or unmapping a
	// virtual address that has no mapping.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped", Kind: kernel.ErrUnmappingFailed}
)

// Map establishes a mapping between page and frame using the active page
// tables, allocating intermediate table frames as needed. Page tables are
// always written leaf-first: the leaf PTE is installed before any upper
// level's present bit is set, so a concurrent reader (an NMI or a second CPU,
// were this kernel to grow SMP support) never observes a present upper entry
// pointing at an uninitialized lower table.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			// MapTemporary reuses the same fixed virtual address for
			// every frame it ever maps, so only reject a present,
			// differently-backed leaf outside of that slot.
			if pte.HasFlags(FlagPresent) && pte.Frame() != frame && page.Address() != tempMappingAddr {
				err = errAlreadyMapped
				return false
			}
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := mm.AllocFrame()
			if allocErr != nil {
				err = allocErr
				return false
			}

			nextTableAddr := uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1]
			kernel.Memset(nextAddrFn(nextTableAddr), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	return err
}

// MapRegion reserves the next available virtual region of size bytes
// (rounded up to a page boundary) and maps it to the physical frames starting
// at frame, returning the Page at the region's start.
func MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) &^ (mm.PageSize - 1)
	startAddr, err := EarlyReserveRegion(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mm.PageShift
	for page := mm.PageFromAddress(startAddr); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := Map(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return mm.PageFromAddress(startAddr), nil
}

// IdentityMapRegion maps size bytes (rounded up) starting at startFrame to
// the numerically identical virtual page range.
func IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := mm.Page(((size + (mm.PageSize - 1)) &^ (mm.PageSize - 1)) >> mm.PageShift)

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := Map(curPage, mm.Frame(curPage), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// MapRange maps count consecutive pages starting at startPage/startFrame
// using the active page tables, rolling back every mapping it installed if
// any step fails partway through - §8 property 3.
func MapRange(startPage mm.Page, startFrame mm.Frame, count uintptr, flags PageTableEntryFlag) *kernel.Error {
	mapped := make([]mm.Page, 0, count)
	for i := uintptr(0); i < count; i++ {
		page := startPage + mm.Page(i)
		frame := startFrame + mm.Frame(i)
		if err := mapFn(page, frame, flags); err != nil {
			for _, p := range mapped {
				_ = unmapFn(p)
			}
			return err
		}
		mapped = append(mapped, page)
	}
	return nil
}

// MapTemporary maps frame RW at a single fixed virtual address, overwriting
// whatever was mapped there before. It is how the kernel reaches into an
// inactive page table's frame to initialize it.
func MapTemporary(frame mm.Frame) (mm.Page, *kernel.Error) {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame {
		return 0, errAttemptToRWMapReservedFrame
	}

	if err := Map(mm.PageFromAddress(tempMappingAddr), frame, FlagPresent|FlagRW); err != nil {
		return 0, err
	}

	return mm.PageFromAddress(tempMappingAddr), nil
}

// Unmap clears the mapping previously installed by Map, MapRegion, or
// MapTemporary. It does not free the intermediate tables or the backing
// frame; callers that own the frame are responsible for returning it to the
// frame allocator.
func Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}
		return true
	})

	return err
}

// Translate performs a pure page walk, returning the physical address
// virtAddr currently resolves to.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the byte offset of virtAddr within its containing page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}
