package pmm

import (
	"fullerene/kernel"
	"fullerene/kernel/mm"
	"fullerene/kernel/mm/vmm"
	"testing"
	"unsafe"
)

func TestSetupPoolBitmaps(t *testing.T) {
	defer func() {
		mapFn = vmm.Map
		reserveRegionFn = vmm.EarlyReserveRegion
		earlyAllocFrameFn = func() (mm.Frame, *kernel.Error) { return bootAllocator.AllocFrame() }
	}()

	physMem := make([]byte, 4*mm.PageSize)
	for i := range physMem {
		physMem[i] = 0xf0
	}

	mapCalls := 0
	mapFn = func(mm.Page, mm.Frame, vmm.PageTableEntryFlag) *kernel.Error {
		mapCalls++
		return nil
	}
	reserveCalls := 0
	reserveRegionFn = func(uintptr) (uintptr, *kernel.Error) {
		reserveCalls++
		return uintptr(unsafe.Pointer(&physMem[0])), nil
	}
	earlyAllocFrameFn = func() (mm.Frame, *kernel.Error) { return mm.Frame(1), nil }

	var alloc BitmapAllocator
	regions := []region{
		{startFrame: mm.Frame(0x100), endFrame: mm.Frame(0x180)},
		{startFrame: mm.Frame(0x200), endFrame: mm.Frame(0x240)},
	}

	if err := alloc.setupPoolBitmaps(regions); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reserveCalls != 1 {
		t.Fatalf("expected exactly one EarlyReserveRegion call; got %d", reserveCalls)
	}
	if mapCalls == 0 {
		t.Fatal("expected setupPoolBitmaps to map at least one page for its bookkeeping")
	}
	if len(alloc.pools) != 2 {
		t.Fatalf("expected 2 pools; got %d", len(alloc.pools))
	}
	if alloc.pools[0].freeCount != uint32(regions[0].endFrame-regions[0].startFrame) {
		t.Fatalf("unexpected free count for pool 0: %d", alloc.pools[0].freeCount)
	}
}

func TestBitmapAllocatorAllocAndFreeReuse(t *testing.T) {
	var alloc BitmapAllocator
	pageCount := 8
	alloc.pools = []framePool{{
		startFrame: mm.Frame(0x10),
		endFrame:   mm.Frame(0x10) + mm.Frame(pageCount),
		freeCount:  uint32(pageCount),
		freeBitmap: make([]uint64, 1),
	}}
	alloc.totalPages = uint32(pageCount)

	f1, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f1 != mm.Frame(0x10) {
		t.Fatalf("expected first allocation to be the pool's first frame; got 0x%x", f1)
	}

	f2, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f2 == f1 {
		t.Fatal("expected distinct frames across two allocations")
	}

	if err := alloc.FreeFrame(f1); err != nil {
		t.Fatalf("unexpected error freeing frame: %v", err)
	}

	f3, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f3 != f1 {
		t.Fatalf("expected freed frame to be reused before advancing the scan cursor; got 0x%x, want 0x%x", f3, f1)
	}
}

func TestBitmapAllocatorFreeOutOfRangeFails(t *testing.T) {
	var alloc BitmapAllocator
	alloc.pools = []framePool{{startFrame: mm.Frame(0x10), endFrame: mm.Frame(0x18), freeBitmap: make([]uint64, 1)}}

	if err := alloc.FreeFrame(mm.Frame(0xFFFF)); err == nil {
		t.Fatal("expected freeing a frame outside any pool to fail")
	}
}

func TestBitmapAllocatorExhaustion(t *testing.T) {
	var alloc BitmapAllocator
	alloc.pools = []framePool{{startFrame: mm.Frame(0), endFrame: mm.Frame(1), freeCount: 1, freeBitmap: make([]uint64, 1)}}

	if _, err := alloc.AllocFrame(); err != nil {
		t.Fatalf("unexpected error on first allocation: %v", err)
	}
	if _, err := alloc.AllocFrame(); err == nil {
		t.Fatal("expected the second allocation to fail once the pool is exhausted")
	}
}
