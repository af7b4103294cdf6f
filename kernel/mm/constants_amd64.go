package mm

const (
	// PointerShift is log2(unsafe.Sizeof(uintptr)) for amd64.
	PointerShift = uintptr(3)

	// PageShift is log2(PageSize); used to convert between physical/
	// virtual addresses and frame/page numbers.
	PageShift = uintptr(12)

	// PageSize is the architecture's physical page size in bytes.
	PageSize = uintptr(1) << PageShift

	// HigherHalfBase is the first virtual address reserved for mappings
	// shared by every address space (the kernel image, the kernel heap,
	// and MMIO windows the kernel itself owns).
	HigherHalfBase = uintptr(0xFFFF_8000_0000_0000)
)
