package vmm

import (
	"fullerene/kernel"
	"fullerene/kernel/mm"
	"testing"
	"unsafe"
)

// alignedPage carves a page-aligned PageSize window out of a larger byte
// buffer, since Page.Address()/PageFromAddress round to page boundaries and
// a plain Go-allocated array is not guaranteed to start on one.
func alignedPage(buf []byte) *[512]pageTableEntry {
	addr := (uintptr(unsafe.Pointer(&buf[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	return (*[512]pageTableEntry)(unsafe.Pointer(addr))
}

func TestCopyHigherHalfEntries(t *testing.T) {
	srcBuf := make([]byte, 2*mm.PageSize)
	dstBuf := make([]byte, 2*mm.PageSize)
	srcTable := alignedPage(srcBuf)
	dstTable := alignedPage(dstBuf)

	srcTable[higherHalfStartIndex] = 0
	srcTable[higherHalfStartIndex].SetFlags(FlagPresent | FlagRW)
	srcTable[higherHalfStartIndex].SetFrame(mm.Frame(42))

	dstTable[recursiveSlotIndex] = 0
	dstTable[recursiveSlotIndex].SetFlags(FlagPresent | FlagRW)
	dstTable[recursiveSlotIndex].SetFrame(mm.Frame(7))
	dstTable[0] = 0
	dstTable[0].SetFlags(FlagPresent)

	origKernelPDT := kernelPDT
	kernelPDT.pdtFrame = mm.Frame(1)
	defer func() { kernelPDT = origKernelPDT }()

	origMapTemp, origUnmap := mapTemporaryFn, unmapFn
	defer func() { mapTemporaryFn, unmapFn = origMapTemp, origUnmap }()

	dstFrame := mm.Frame(2)
	mapTemporaryFn = func(f mm.Frame) (mm.Page, *kernel.Error) {
		switch f {
		case kernelPDT.pdtFrame:
			return mm.PageFromAddress(uintptr(unsafe.Pointer(&srcTable[0]))), nil
		case dstFrame:
			return mm.PageFromAddress(uintptr(unsafe.Pointer(&dstTable[0]))), nil
		default:
			t.Fatalf("unexpected frame %d", f)
			return 0, nil
		}
	}
	unmapFn = func(mm.Page) *kernel.Error { return nil }

	if err := copyHigherHalfEntries(dstFrame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := dstTable[higherHalfStartIndex].Frame(); got != mm.Frame(42) {
		t.Fatalf("expected higher-half entry to be copied from the kernel mapper; got frame %d", got)
	}
	if got := dstTable[recursiveSlotIndex].Frame(); got != mm.Frame(7) {
		t.Fatalf("expected dst's own recursive self-mapping to be left untouched; got frame %d", got)
	}
	if !dstTable[0].HasFlags(FlagPresent) {
		t.Fatal("expected an untouched lower-half entry to retain its prior contents")
	}
}

func withActivePDT(frame mm.Frame) func() {
	orig := activePDTFn
	activePDTFn = func() uintptr { return frame.Address() }
	return func() { activePDTFn = orig }
}

func TestAddressSpaceMapTracksOwnedFrames(t *testing.T) {
	as := &AddressSpace{}
	as.pdt.pdtFrame = mm.Frame(100)
	restoreActive := withActivePDT(as.pdt.pdtFrame)
	defer restoreActive()

	origMap := mapFn
	defer func() { mapFn = origMap }()

	mapFn = func(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
		return nil
	}

	// mapFn is stubbed out entirely, so no intermediate table frame is
	// ever allocated through it; the only owned frame recorded is the leaf.
	if err := as.Map(mm.Page(5), mm.Frame(55), FlagPresent|FlagRW); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(as.ownedFrames) != 1 || as.ownedFrames[0] != mm.Frame(55) {
		t.Fatalf("expected ownedFrames to contain just the leaf frame; got %v", as.ownedFrames)
	}
	if len(as.leafMappings) != 1 || as.leafMappings[0].frame != mm.Frame(55) || as.leafMappings[0].page != mm.Page(5) {
		t.Fatalf("expected leafMappings to record the new mapping; got %v", as.leafMappings)
	}
}

func TestAddressSpaceDestroyFreesOwnedFrames(t *testing.T) {
	as := &AddressSpace{}
	l4 := mm.Frame(200)
	as.pdt.pdtFrame = l4
	as.ownedFrames = []mm.Frame{mm.Frame(1), mm.Frame(2), mm.Frame(3)}

	origFreer := mm.CurrentFrameFreer()
	defer mm.SetFrameFreer(origFreer)

	var freed []mm.Frame
	mm.SetFrameFreer(func(f mm.Frame) *kernel.Error {
		freed = append(freed, f)
		return nil
	})

	if err := as.Destroy(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []mm.Frame{1, 2, 3, 200}
	if len(freed) != len(want) {
		t.Fatalf("expected %d frames freed; got %d (%v)", len(want), len(freed), freed)
	}
	for i, f := range want {
		if freed[i] != f {
			t.Fatalf("freed[%d] = %d; want %d", i, freed[i], f)
		}
	}
	if as.ownedFrames != nil || as.leafMappings != nil {
		t.Fatal("expected Destroy to clear bookkeeping state")
	}
}

func TestAddressSpaceMapRangeRollsBack(t *testing.T) {
	as := &AddressSpace{}
	as.pdt.pdtFrame = mm.Frame(300)
	restoreActive := withActivePDT(as.pdt.pdtFrame)
	defer restoreActive()

	origMap, origUnmap := mapFn, unmapFn
	defer func() { mapFn, unmapFn = origMap, origUnmap }()

	var mapCount int
	var unmapped []mm.Page
	mapFn = func(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
		mapCount++
		if mapCount == 3 {
			return errAlreadyMapped
		}
		return nil
	}
	unmapFn = func(page mm.Page) *kernel.Error {
		unmapped = append(unmapped, page)
		return nil
	}

	origAlloc := mm.CurrentFrameAllocator()
	defer mm.SetFrameAllocator(origAlloc)
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) { return mm.Frame(999), nil })

	err := as.MapRange(mm.Page(10), mm.Frame(10), 5, FlagPresent|FlagRW)
	if err != errAlreadyMapped {
		t.Fatalf("expected errAlreadyMapped; got %v", err)
	}
	if len(unmapped) != 2 {
		t.Fatalf("expected the two successful mappings to be rolled back; got %d", len(unmapped))
	}
}
