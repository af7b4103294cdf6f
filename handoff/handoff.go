// Package handoff defines the stable ABI boundary between bellows (the
// bootloader) and fullerene (the kernel): the single pointer-sized argument
// bellows passes to the kernel entry point after exiting boot services.
package handoff

import "unsafe"

// MemoryKind classifies a region reported by the firmware memory map. Only
// Conventional, the two reclaimable boot-services kinds and the two loader
// kinds are available to the frame allocator once the kernel owns the
// machine (see Allocatable).
type MemoryKind uint32

const (
	MemoryReserved MemoryKind = iota
	MemoryConventional
	MemoryLoaderData
	MemoryLoaderCode
	MemoryBootServicesCode
	MemoryBootServicesData
	MemoryRuntimeServicesCode
	MemoryRuntimeServicesData
	MemoryACPIReclaim
	MemoryACPINvs
	MemoryMMIO
)

// String returns a short label, used by early boot logging.
func (k MemoryKind) String() string {
	switch k {
	case MemoryConventional:
		return "conventional"
	case MemoryLoaderData:
		return "loader-data"
	case MemoryLoaderCode:
		return "loader-code"
	case MemoryBootServicesCode:
		return "boot-services-code"
	case MemoryBootServicesData:
		return "boot-services-data"
	case MemoryRuntimeServicesCode:
		return "runtime-services-code"
	case MemoryRuntimeServicesData:
		return "runtime-services-data"
	case MemoryACPIReclaim:
		return "acpi-reclaim"
	case MemoryACPINvs:
		return "acpi-nvs"
	case MemoryMMIO:
		return "mmio"
	default:
		return "reserved"
	}
}

// Allocatable reports whether the frame allocator may hand out frames from a
// region of this kind. Conventional memory, the two kinds that are
// reclaimable once boot services have been exited, and the two loader kinds
// are allocatable; kernel/mm/pmm itself keeps the kernel image and the
// memory map array out of the loader regions. Anything the firmware still
// owns, or that backs MMIO, is not.
func (k MemoryKind) Allocatable() bool {
	switch k {
	case MemoryConventional, MemoryBootServicesCode, MemoryBootServicesData, MemoryLoaderCode, MemoryLoaderData:
		return true
	default:
		return false
	}
}

// MemoryDescriptor describes one contiguous, page-aligned physical memory
// region as reported by the firmware.
type MemoryDescriptor struct {
	Kind         MemoryKind
	PhysicalAddr uint64
	PageCount    uint64
	Attributes   uint64
}

// PixelFormat enumerates the five framebuffer pixel layouts a GOP-compliant
// firmware may report.
type PixelFormat uint32

const (
	// PixelFormatRGB8 stores 8 bits each of red, green, blue, reserved.
	PixelFormatRGB8 PixelFormat = iota
	// PixelFormatBGR8 stores 8 bits each of blue, green, red, reserved.
	PixelFormatBGR8
	// PixelFormatBitMask means each color component occupies the bits
	// described by FramebufferDescriptor's channel masks.
	PixelFormatBitMask
	// PixelFormatBltOnly means no linear framebuffer is available; only
	// the firmware's block-transfer protocol can draw.
	PixelFormatBltOnly
	// PixelFormatReversedBitMask is the bit-mask layout with the channel
	// order swapped relative to PixelFormatBitMask, as some GOP
	// implementations report.
	PixelFormatReversedBitMask
)

// FramebufferDescriptor describes the linear framebuffer the firmware set up
// before exiting boot services, if any.
type FramebufferDescriptor struct {
	PhysicalAddr uint64
	Width        uint32
	Height       uint32
	// Stride is the number of pixels (not bytes) per scanline; it may
	// exceed Width when the firmware pads rows.
	Stride uint32
	Format PixelFormat
}

// Valid reports whether the descriptor names a usable framebuffer.
func (f *FramebufferDescriptor) Valid() bool {
	return f.PhysicalAddr != 0 && f.Width > 0 && f.Height > 0 && f.Format != PixelFormatBltOnly
}

// HandoffRecord is the stable ABI passed by value-address from bellows to
// fullerene as the sole argument to the kernel entry point. Every field is a
// fixed-width, pointer-free type (aside from the memory map pointer itself)
// so the layout is unambiguous across the two independently compiled images.
type HandoffRecord struct {
	// KernelPhysBase and KernelSize describe the physical region the
	// loader copied the kernel image into.
	KernelPhysBase uint64
	KernelSize     uint64

	// KernelEntryVirt is the virtual address of the kernel's entry point,
	// already adjusted for any relocation delta applied during loading.
	KernelEntryVirt uint64

	// MemoryMapAddr points to MemoryMapCount contiguous MemoryDescriptor
	// values, finalized after exit-boot-services.
	MemoryMapAddr  uint64
	MemoryMapCount uint64

	Framebuffer FramebufferDescriptor

	// RSDPAddr is the physical address of the ACPI RSDP, or 0 if the
	// firmware did not publish one.
	RSDPAddr uint64
}

// MemoryMap returns the finalized memory map as a slice overlaid on the
// pointer stored in the record. It must only be called after ExitBootServices
// has finalized the map and the kernel has mapped it into its address space.
func (h *HandoffRecord) MemoryMap() []MemoryDescriptor {
	if h.MemoryMapAddr == 0 || h.MemoryMapCount == 0 {
		return nil
	}
	ptr := (*MemoryDescriptor)(unsafe.Pointer(uintptr(h.MemoryMapAddr)))
	return unsafe.Slice(ptr, int(h.MemoryMapCount))
}

// Validate checks the structural invariants §3 requires of a HandoffRecord
// before the kernel trusts it: the memory map is sorted by physical start,
// regions do not overlap, and every descriptor spans at least one page.
func (h *HandoffRecord) Validate() error {
	if h.KernelSize == 0 {
		return errInvalidHandoff
	}
	if h.MemoryMapCount == 0 {
		return errEmptyMemoryMap
	}

	m := h.MemoryMap()
	var prevEnd uint64
	for i, d := range m {
		if d.PageCount < 1 {
			return errZeroPageDescriptor
		}
		if i > 0 && d.PhysicalAddr < prevEnd {
			return errUnsortedMemoryMap
		}
		prevEnd = d.PhysicalAddr + d.PageCount*PageSize
	}
	return nil
}

// PageSize is the architecture's physical frame size, duplicated here (rather
// than imported from kernel/mm) so that handoff has no dependency on the
// kernel's memory subsystem: it describes the wire format of the ABI, not the
// kernel's internal memory model.
const PageSize = 4096
