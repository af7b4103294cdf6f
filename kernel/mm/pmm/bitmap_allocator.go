package pmm

import (
	"fullerene/handoff"
	"fullerene/kernel"
	"fullerene/kernel/kfmt"
	"fullerene/kernel/mm"
	"fullerene/kernel/mm/vmm"
	"reflect"
	"unsafe"
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// framePool tracks free/reserved state for one contiguous allocatable
// region via a bitmap, one bit per frame.
type framePool struct {
	startFrame mm.Frame
	endFrame   mm.Frame
	freeCount  uint32

	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

var (
	reserveRegionFn   = vmm.EarlyReserveRegion
	mapFn             = vmm.Map
	earlyAllocFrameFn = func() (mm.Frame, *kernel.Error) { return bootAllocator.AllocFrame() }

	errBitmapAllocOutOfMemory = &kernel.Error{Module: "pmm", Message: "bitmap allocator: out of memory", Kind: kernel.ErrFrameAllocationFailed}
	errFreeUnallocatedFrame   = &kernel.Error{Module: "pmm", Message: "free of a frame outside any allocatable region", Kind: kernel.ErrInternalError}
)

// BitmapAllocator is the steady-state frame allocator of §4.3: one free
// bitmap per allocatable region, plus a small free list that FreeFrame
// pushes onto and AllocFrame drains first, so a returned frame is reused
// before the bitmap scan cursor ever advances.
type BitmapAllocator struct {
	totalPages    uint32
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader

	freeList []mm.Frame

	// scanPool/scanBit remember where the last bitmap scan left off so
	// repeated allocations do not rescan already-exhausted regions.
	scanPool int
	scanBit  uint32
}

// init carves out storage for the pool/bitmap bookkeeping via the early
// allocator (the Go heap is not available yet), seeds one pool per region
// the boot allocator identified as allocatable, and marks every frame the
// boot allocator already handed out as reserved.
func (alloc *BitmapAllocator) init(rec *handoff.HandoffRecord, boot *BootMemAllocator) *kernel.Error {
	if err := alloc.setupPoolBitmaps(boot.regions); err != nil {
		return err
	}
	alloc.reserveBootAllocations(boot)
	alloc.printStats()
	return nil
}

func (alloc *BitmapAllocator) setupPoolBitmaps(regions []region) *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		requiredBitmapBytes uintptr
	)

	alloc.poolsHdr.Len = len(regions)
	alloc.poolsHdr.Cap = len(regions)

	for _, r := range regions {
		pageCount := uint32(r.endFrame - r.startFrame)
		alloc.totalPages += pageCount
		words := (pageCount + 63) >> 6
		requiredBitmapBytes += uintptr(words) * 8
	}

	requiredBytes := (uintptr(len(regions))*sizeofPool + requiredBitmapBytes + mm.PageSize - 1) &^ (mm.PageSize - 1)
	requiredPages := requiredBytes >> mm.PageShift

	alloc.poolsHdr.Data, err = reserveRegionFn(requiredBytes)
	if err != nil {
		return err
	}

	for page, i := mm.PageFromAddress(alloc.poolsHdr.Data), uintptr(0); i < requiredPages; page, i = page+1, i+1 {
		frame, allocErr := earlyAllocFrameFn()
		if allocErr != nil {
			return allocErr
		}
		if err = mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}
		kernel.Memset(page.Address(), 0, mm.PageSize)
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	bitmapAddr := alloc.poolsHdr.Data + uintptr(len(regions))*sizeofPool
	for i, r := range regions {
		pageCount := uint32(r.endFrame - r.startFrame)
		words := int((pageCount + 63) >> 6)

		alloc.pools[i].startFrame = r.startFrame
		alloc.pools[i].endFrame = r.endFrame
		alloc.pools[i].freeCount = pageCount
		alloc.pools[i].freeBitmapHdr = reflect.SliceHeader{Data: bitmapAddr, Len: words, Cap: words}
		alloc.pools[i].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[i].freeBitmapHdr))

		bitmapAddr += uintptr(words) * 8
	}

	return nil
}

// reserveBootAllocations replays the boot allocator's allocation count (the
// only bookkeeping it keeps) to recover the exact frames it already handed
// out, marking each one reserved in the bitmap so the bitmap allocator never
// reissues a frame the kernel's own early boot code is still using.
func (alloc *BitmapAllocator) reserveBootAllocations(boot *BootMemAllocator) {
	allocCount := boot.allocCount
	boot.allocCount = 0
	boot.lastAllocIndex = -1

	for i := uint64(0); i < allocCount; i++ {
		frame, err := boot.AllocFrame()
		if err != nil {
			break
		}
		alloc.markFrame(alloc.poolForFrame(frame), frame, markReserved)
	}
}

func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for i := range alloc.pools {
		if frame >= alloc.pools[i].startFrame && frame < alloc.pools[i].endFrame {
			return i
		}
	}
	return -1
}

func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 {
		return
	}
	pool := &alloc.pools[poolIndex]
	rel := uint32(frame - pool.startFrame)
	block := rel >> 6
	mask := uint64(1) << (63 - (rel - block<<6))

	switch flag {
	case markFree:
		pool.freeBitmap[block] &^= mask
		pool.freeCount++
		if alloc.reservedPages > 0 {
			alloc.reservedPages--
		}
	case markReserved:
		pool.freeBitmap[block] |= mask
		if pool.freeCount > 0 {
			pool.freeCount--
		}
		alloc.reservedPages++
	}
}

// AllocFrame returns a frame from the free list if one has been returned via
// FreeFrame, otherwise advances the per-pool bitmap scan cursor to find the
// next unset bit.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if n := len(alloc.freeList); n > 0 {
		f := alloc.freeList[n-1]
		alloc.freeList = alloc.freeList[:n-1]
		return f, nil
	}

	for ; alloc.scanPool < len(alloc.pools); alloc.scanPool++ {
		pool := &alloc.pools[alloc.scanPool]
		if pool.freeCount == 0 {
			alloc.scanBit = 0
			continue
		}

		count := uint32(pool.endFrame - pool.startFrame)
		for ; alloc.scanBit < count; alloc.scanBit++ {
			block := alloc.scanBit >> 6
			mask := uint64(1) << (63 - (alloc.scanBit - block<<6))
			if pool.freeBitmap[block]&mask == 0 {
				frame := pool.startFrame + mm.Frame(alloc.scanBit)
				alloc.markFrame(alloc.scanPool, frame, markReserved)
				alloc.scanBit++
				return frame, nil
			}
		}
		alloc.scanBit = 0
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame returns frame to the allocator's free list, where AllocFrame
// will hand it out again before advancing its bitmap scan cursor. frame must
// have been previously allocated by this allocator; FreeFrame rejects any
// frame that does not fall within one of the pools carved out at init.
func (alloc *BitmapAllocator) FreeFrame(f mm.Frame) *kernel.Error {
	if alloc.poolForFrame(f) < 0 {
		return errFreeUnallocatedFrame
	}
	alloc.freeList = append(alloc.freeList, f)
	return nil
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf("[pmm] bitmap allocator: %d/%d frames free (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages, alloc.totalPages, alloc.reservedPages)
}
