package vmm

import (
	"fullerene/kernel"
	"fullerene/kernel/mm"
	"unsafe"
)

// higherHalfStartIndex is the PML4 index corresponding to mm.HigherHalfBase
// (0xFFFF_8000_0000_0000 >> 39 & 0x1FF == 256).
const higherHalfStartIndex = 256

// recursiveSlotIndex is the last PML4 entry, reserved by
// PageDirectoryTable.Init for each table's own recursive self-mapping.
const recursiveSlotIndex = 511

// AddressRange describes a [Start, Start+Size) virtual range tracked against
// an address space, e.g. its heap or user stack.
type AddressRange struct {
	Start uintptr
	Size  uintptr
}

// ownedMapping remembers one leaf mapping an AddressSpace installed, so
// CloneAddressSpace can eagerly duplicate it and Destroy knows which virtual
// pages existed (the underlying frame is freed via ownedFrames instead,
// since intermediate table frames have no corresponding virtual page of
// their own).
type ownedMapping struct {
	page  mm.Page
	frame mm.Frame
	flags PageTableEntryFlag
}

// AddressSpace owns one process's top-level page table and the transitive
// closure of frames its own mappings allocated. Per §3, the higher half is
// identical across every address space: NewAddressSpace copies those entries
// from the kernel mapper once, and nothing below ever touches them again.
type AddressSpace struct {
	pdt PageDirectoryTable

	// ownedFrames lists every physical frame this address space's own
	// Map calls caused to be allocated - both leaf pages and any
	// intermediate page-table frame created along the way. Destroy frees
	// exactly this list: the "per-AS allocation list" §4.4 requires.
	ownedFrames []mm.Frame

	leafMappings []ownedMapping

	// OwnerPID is a back-reference only. kernel/sched's process table is
	// the sole owner of the process<->address-space relationship; this
	// field resolves the cyclic reference without either package
	// importing the other's collection type (see the design notes on
	// destruction ordering: process first, then address space).
	OwnerPID uint64

	HeapRange   AddressRange
	StackRange  AddressRange
	MMIORegions []AddressRange
}

var errAddressSpaceFrameFree = &kernel.Error{Module: "vmm", Message: "failed to free an address space's owned frame", Kind: kernel.ErrInternalError}

// NewAddressSpace allocates a fresh L4 frame, copies the kernel mapper's
// higher-half entries into it so every address space shares kernel
// mappings, and leaves the lower half empty for the caller to populate.
func NewAddressSpace() (*AddressSpace, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{}
	if err := as.pdt.Init(frame); err != nil {
		return nil, err
	}
	if err := copyHigherHalfEntries(frame); err != nil {
		return nil, err
	}
	return as, nil
}

// copyHigherHalfEntries copies the kernel mapper's PML4 entries
// [higherHalfStartIndex, recursiveSlotIndex) into dstFrame, leaving
// dstFrame's own recursive self-mapping (installed by
// PageDirectoryTable.Init) and the unmapped lower half untouched.
func copyHigherHalfEntries(dstFrame mm.Frame) *kernel.Error {
	var buf [recursiveSlotIndex - higherHalfStartIndex]pageTableEntry

	srcPage, err := mapTemporaryFn(kernelPDT.pdtFrame)
	if err != nil {
		return err
	}
	srcTable := (*[512]pageTableEntry)(unsafe.Pointer(srcPage.Address()))
	copy(buf[:], srcTable[higherHalfStartIndex:recursiveSlotIndex])
	_ = unmapFn(srcPage)

	dstPage, err := mapTemporaryFn(dstFrame)
	if err != nil {
		return err
	}
	dstTable := (*[512]pageTableEntry)(unsafe.Pointer(dstPage.Address()))
	copy(dstTable[higherHalfStartIndex:recursiveSlotIndex], buf[:])
	_ = unmapFn(dstPage)

	return nil
}

// Root returns the physical address of this address space's L4 table - the
// value a process's saved context stores as CR3.
func (as *AddressSpace) Root() uintptr { return as.pdt.pdtFrame.Address() }

// Activate writes this address space's L4 frame into CR3.
func (as *AddressSpace) Activate() { as.pdt.Activate() }

// Map installs frame at page within this address space, recording every
// frame the mapping causes to be allocated - the leaf and any intermediate
// page-table frame - so Destroy later frees exactly what this address space
// owns and CloneAddressSpace can find every leaf mapping to duplicate.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	prevAlloc := mm.CurrentFrameAllocator()
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		f, err := prevAlloc()
		if err == nil {
			as.ownedFrames = append(as.ownedFrames, f)
		}
		return f, err
	})
	defer mm.SetFrameAllocator(prevAlloc)

	if err := as.pdt.Map(page, frame, flags); err != nil {
		return err
	}

	as.ownedFrames = append(as.ownedFrames, frame)
	as.leafMappings = append(as.leafMappings, ownedMapping{page: page, frame: frame, flags: flags})
	return nil
}

// Unmap clears a mapping previously installed by Map. The underlying frame
// is not freed; it remains on ownedFrames until Destroy runs.
func (as *AddressSpace) Unmap(page mm.Page) *kernel.Error {
	return as.pdt.Unmap(page)
}

// MapRange maps count consecutive pages starting at startPage/startFrame,
// rolling back every mapping it installed if any step fails - §8 property 3.
func (as *AddressSpace) MapRange(startPage mm.Page, startFrame mm.Frame, count uintptr, flags PageTableEntryFlag) *kernel.Error {
	mapped := make([]mm.Page, 0, count)
	for i := uintptr(0); i < count; i++ {
		page := startPage + mm.Page(i)
		frame := startFrame + mm.Frame(i)
		if err := as.Map(page, frame, flags); err != nil {
			for _, p := range mapped {
				_ = as.Unmap(p)
			}
			return err
		}
		mapped = append(mapped, page)
	}
	return nil
}

// Destroy frees every frame this address space's own mappings allocated
// (leaf pages and intermediate tables alike) and finally the L4 frame
// itself. It must not be called while the address space is active.
func (as *AddressSpace) Destroy() *kernel.Error {
	for _, f := range as.ownedFrames {
		if err := mm.FreeFrame(f); err != nil {
			return err
		}
	}

	l4 := as.pdt.pdtFrame
	as.ownedFrames = nil
	as.leafMappings = nil
	as.pdt = PageDirectoryTable{}

	if err := mm.FreeFrame(l4); err != nil {
		return errAddressSpaceFrameFree
	}
	return nil
}

// cloneScratch is a permanently reserved virtual page CloneAddressSpace uses
// to read a source frame's contents while a second page (tempMappingAddr) is
// used to write the freshly allocated destination frame; MapTemporary alone
// cannot hold two frames live at once.
var (
	cloneScratchAddr     uintptr
	cloneScratchReserved bool
)

func cloneScratchPage() (mm.Page, *kernel.Error) {
	if !cloneScratchReserved {
		addr, err := EarlyReserveRegion(mm.PageSize)
		if err != nil {
			return 0, err
		}
		cloneScratchAddr = addr
		cloneScratchReserved = true
	}
	return mm.PageFromAddress(cloneScratchAddr), nil
}

// CloneAddressSpace performs an eager full copy of src: copy-on-write
// process duplication is a non-goal (§4.4), so every leaf mapping src owns
// is physically duplicated into a freshly allocated frame in the returned
// address space, at the same virtual page and with the same flags.
func CloneAddressSpace(src *AddressSpace) (*AddressSpace, *kernel.Error) {
	dst, err := NewAddressSpace()
	if err != nil {
		return nil, err
	}
	dst.OwnerPID = src.OwnerPID
	dst.HeapRange = src.HeapRange
	dst.StackRange = src.StackRange
	dst.MMIORegions = append([]AddressRange(nil), src.MMIORegions...)

	scratch, err := cloneScratchPage()
	if err != nil {
		dst.Destroy()
		return nil, err
	}

	for _, m := range src.leafMappings {
		newFrame, allocErr := mm.AllocFrame()
		if allocErr != nil {
			dst.Destroy()
			return nil, allocErr
		}

		if err := mapFn(scratch, m.frame, FlagPresent|FlagRW); err != nil {
			dst.Destroy()
			return nil, err
		}
		tmp, err := mapTemporaryFn(newFrame)
		if err != nil {
			_ = unmapFn(scratch)
			dst.Destroy()
			return nil, err
		}
		kernel.Memcopy(scratch.Address(), tmp.Address(), mm.PageSize)
		_ = unmapFn(tmp)
		_ = unmapFn(scratch)

		if err := dst.Map(m.page, newFrame, m.flags); err != nil {
			dst.Destroy()
			return nil, err
		}
	}

	return dst, nil
}
