// Package mm defines the physical Frame and virtual Page index types shared
// by the frame allocator (pmm) and the virtual memory manager (vmm), plus the
// package-level hook vmm uses to request new frames without pmm and vmm
// importing each other.
package mm

import (
	"fullerene/kernel"
	"math"
)

// Frame describes a physical memory page index (physical address >> PageShift).
type Frame uintptr

// InvalidFrame is returned by frame allocators when they cannot satisfy a
// request.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is not the sentinel InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address for this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << PageShift
}

// FrameFromAddress returns the Frame containing the given physical address,
// rounding down if the address is not page aligned.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr &^ (PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index (virtual address >> PageShift).
type Page uintptr

// Address returns the virtual address for this page.
func (p Page) Address() uintptr {
	return uintptr(p) << PageShift
}

// PageFromAddress returns the Page containing the given virtual address,
// rounding down if the address is not page aligned.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ (PageSize - 1)) >> PageShift)
}

// FrameAllocatorFn allocates a single physical frame.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// frameAllocator is the allocator currently registered via
// SetFrameAllocator. The vmm package calls AllocFrame whenever it needs a new
// frame to back a page table or a mapped page; pmm registers itself during
// Init so that vmm never imports pmm directly.
var frameAllocator FrameAllocatorFn

// SetFrameAllocator registers the function vmm will call to obtain new
// physical frames.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// CurrentFrameAllocator returns the allocator currently registered via
// SetFrameAllocator, so a caller (vmm's AddressSpace) can wrap it
// temporarily to observe which frames an operation allocates, then restore
// the original.
func CurrentFrameAllocator() FrameAllocatorFn { return frameAllocator }

// AllocFrame allocates a new physical frame using the currently registered
// allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }

// FrameFreerFn returns a previously allocated physical frame to the
// allocator that owns it.
type FrameFreerFn func(Frame) *kernel.Error

// frameFreer is the function registered via SetFrameFreer. It is nil until
// pmm.Init has handed control to the bitmap allocator, since the boot-time
// linear allocator cannot free frames.
var frameFreer FrameFreerFn

// SetFrameFreer registers the function vmm will call to return a physical
// frame it no longer needs.
func SetFrameFreer(freeFn FrameFreerFn) { frameFreer = freeFn }

// CurrentFrameFreer returns the freer currently registered via
// SetFrameFreer, so a caller can temporarily replace it (e.g. in a test) and
// restore it afterwards.
func CurrentFrameFreer() FrameFreerFn { return frameFreer }

// FreeFrame returns frame to the currently registered frame freer. It is an
// internal error to call this before SetFrameFreer has been called.
func FreeFrame(f Frame) *kernel.Error {
	if frameFreer == nil {
		return &kernel.Error{Module: "mm", Message: "FreeFrame called before a frame freer was registered", Kind: kernel.ErrInternalError}
	}
	return frameFreer(f)
}
