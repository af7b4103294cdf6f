// Package pmm implements the physical frame allocator. It boots in two
// stages: a linear boot-time allocator bootstraps the kernel's own page
// tables and heap, and is then decommissioned in favor of a bitmap allocator
// that supports freeing frames.
package pmm

import (
	"fullerene/handoff"
	"fullerene/kernel"
	"fullerene/kernel/mm"
)

var (
	bootAllocator   BootMemAllocator
	bitmapAllocator BitmapAllocator
)

// Init sets up the physical memory allocation subsystem from the firmware
// memory map carried in the handoff record. kernelStart/kernelEnd mark the
// physical range occupied by the kernel image so neither allocator ever
// reissues a frame the kernel itself lives in.
func Init(rec *handoff.HandoffRecord, kernelStart, kernelEnd uintptr) *kernel.Error {
	bootAllocator.init(rec, kernelStart, kernelEnd)
	bootAllocator.printMemoryMap()
	mm.SetFrameAllocator(earlyAllocFrame)

	if err := bitmapAllocator.init(rec, &bootAllocator); err != nil {
		return err
	}
	mm.SetFrameAllocator(bitmapAllocFrame)
	mm.SetFrameFreer(bitmapAllocator.FreeFrame)

	return nil
}

// AllocFrame allocates a frame using the currently active allocator,
// preferring the bitmap allocator once it has taken over.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return mm.AllocFrame()
}

// FreeFrame returns a previously allocated frame to the bitmap allocator's
// free list. It must not be called before Init has handed control to the
// bitmap allocator.
func FreeFrame(f mm.Frame) *kernel.Error {
	return bitmapAllocator.FreeFrame(f)
}

func earlyAllocFrame() (mm.Frame, *kernel.Error) {
	return bootAllocator.AllocFrame()
}

func bitmapAllocFrame() (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrame()
}
