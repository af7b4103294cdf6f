package pmm

import (
	"fullerene/handoff"
	"fullerene/kernel"
	"fullerene/kernel/kfmt"
	"fullerene/kernel/mm"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "pmm", Message: "boot allocator: out of memory", Kind: kernel.ErrFrameAllocationFailed}

	// belowOneMiB is the lowest frame the boot allocator will ever hand
	// out: the first megabyte of physical memory is reserved for legacy
	// BIOS/real-mode structures and is never treated as usable even when
	// the firmware reports it as conventional.
	belowOneMiB = mm.Frame(0x100000 >> mm.PageShift)
)

// region is a normalized, allocatable physical frame range:
// [startFrame, endFrame).
type region struct {
	startFrame mm.Frame
	endFrame   mm.Frame
}

// BootMemAllocator is a rudimentary linear physical frame allocator used to
// bootstrap the kernel before the bitmap allocator is available. It walks the
// firmware memory map reported in the handoff record, skipping everything
// the frame allocator must never hand out per §4.3: memory below 1 MiB, the
// kernel image, the handoff tables, and the framebuffer.
//
// Allocations are tracked by a monotonically increasing cursor; this
// allocator cannot free frames. Once the bitmap allocator takes over, its
// init() replays this allocator's request count to mark the same frames
// reserved in the bitmap.
type BootMemAllocator struct {
	regions []region

	// allocCount tracks how many frames have been handed out so the
	// bitmap allocator can replay the same sequence of allocations when
	// it decommissions this allocator.
	allocCount uint64

	// lastAllocIndex indexes into the flattened, concatenated frame
	// space formed by regions; -1 means nothing has been allocated yet.
	lastAllocIndex int64

	kernelStartFrame, kernelEndFrame mm.Frame
}

func (a *BootMemAllocator) init(rec *handoff.HandoffRecord, kernelStart, kernelEnd uintptr) {
	a.lastAllocIndex = -1
	a.kernelStartFrame = mm.FrameFromAddress(kernelStart)
	a.kernelEndFrame = mm.FrameFromAddress(kernelEnd)

	reservedRanges := a.reservedRanges(rec)

	for _, desc := range rec.MemoryMap() {
		if !desc.Kind.Allocatable() {
			continue
		}

		start := mm.Frame(desc.PhysicalAddr >> mm.PageShift)
		end := start + mm.Frame(desc.PageCount)
		if start < belowOneMiB {
			start = belowOneMiB
		}
		if start >= end {
			continue
		}

		for _, r := range reservedRanges {
			start, end = splitAroundReserved(start, end, r)
		}
		if start < end {
			a.regions = append(a.regions, region{startFrame: start, endFrame: end})
		}
	}
}

// reservedRanges returns the frame ranges that must never be handed out even
// though they may fall inside an otherwise allocatable descriptor: the
// kernel image, the handoff memory map itself, and the framebuffer.
func (a *BootMemAllocator) reservedRanges(rec *handoff.HandoffRecord) []region {
	ranges := []region{
		{startFrame: a.kernelStartFrame, endFrame: a.kernelEndFrame},
	}

	if rec.MemoryMapAddr != 0 {
		mapBytes := rec.MemoryMapCount * 32 // sizeof(handoff.MemoryDescriptor): a uint32 kind padded to 8 bytes plus three uint64 fields
		start := mm.FrameFromAddress(uintptr(rec.MemoryMapAddr))
		end := mm.FrameFromAddress(uintptr(rec.MemoryMapAddr+mapBytes) + mm.PageSize - 1)
		ranges = append(ranges, region{startFrame: start, endFrame: end})
	}

	if rec.Framebuffer.Valid() {
		fbBytes := uint64(rec.Framebuffer.Stride) * uint64(rec.Framebuffer.Height) * 4
		start := mm.FrameFromAddress(uintptr(rec.Framebuffer.PhysicalAddr))
		end := mm.FrameFromAddress(uintptr(rec.Framebuffer.PhysicalAddr+fbBytes) + mm.PageSize - 1)
		ranges = append(ranges, region{startFrame: start, endFrame: end})
	}

	return ranges
}

// splitAroundReserved removes the part of [start,end) that overlaps
// reserved without ever splitting the range in two: when reserved begins at
// or before start, the portion after reserved is kept; otherwise the portion
// before reserved is kept and anything after reserved is dropped.
func splitAroundReserved(start, end mm.Frame, reserved region) (mm.Frame, mm.Frame) {
	if reserved.endFrame <= start || reserved.startFrame >= end {
		return start, end
	}
	if reserved.startFrame <= start {
		if reserved.endFrame > start {
			start = reserved.endFrame
		}
	} else if reserved.startFrame < end {
		end = reserved.startFrame
	}
	if start > end {
		start = end
	}
	return start, end
}

// AllocFrame returns the next available free frame in ascending physical
// address order.
func (a *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var (
		consumed    int64
		foundFrame  = mm.InvalidFrame
		targetIndex = a.lastAllocIndex + 1
	)

	for _, r := range a.regions {
		count := int64(r.endFrame - r.startFrame)
		if targetIndex < consumed+count {
			foundFrame = r.startFrame + mm.Frame(targetIndex-consumed)
			break
		}
		consumed += count
	}

	if !foundFrame.Valid() {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	a.allocCount++
	a.lastAllocIndex = targetIndex
	return foundFrame, nil
}

// printMemoryMap logs the allocatable regions this allocator will draw from.
func (a *BootMemAllocator) printMemoryMap() {
	kfmt.Printf("[pmm] allocatable regions:\n")
	var totalFrames uint64
	for _, r := range a.regions {
		count := uint64(r.endFrame - r.startFrame)
		totalFrames += count
		kfmt.Printf("\t[0x%16x - 0x%16x] %d frames\n", r.startFrame.Address(), r.endFrame.Address(), count)
	}
	kfmt.Printf("[pmm] total free: %d KiB\n", (totalFrames*uint64(mm.PageSize))/1024)
}
