package firmware

import "unsafe"

// imageHandle and systemTable are the two arguments UEFI passes to a PE
// application's entry point under the Microsoft x64 calling convention
// (RCX, RDX). cmd/bellows's main cannot receive them directly - Go's main
// has a fixed, argument-less signature - so the PE entry trampoline (the
// bare-metal bridge from the firmware's calling convention into a Go-safe
// stack and g0, build-system/linker tooling outside this source tree the
// same way cmd/fullerene's rt0 bridge is) calls SetEntryArgs with them
// before ever reaching main(), exactly as handoff.SetRecordAddr receives
// the kernel's own handoff pointer.
var (
	entryImageHandle uintptr
	entrySystemTable *SystemTable
)

// SetEntryArgs records the two arguments the firmware passed to this
// image's entry point. Must be called exactly once, before ImageHandle or
// System.
func SetEntryArgs(imageHandle uintptr, st *SystemTable) {
	entryImageHandle = imageHandle
	entrySystemTable = st
}

// ImageHandle returns the EFI_HANDLE identifying this loaded image, needed
// by ExitBootServices.
func ImageHandle() uintptr { return entryImageHandle }

// System returns the system table the firmware handed this image.
func System() *SystemTable { return entrySystemTable }

// BootServicesTable resolves System().BootServices into a typed pointer.
func BootServicesTable() *BootServices {
	return (*BootServices)(unsafe.Pointer(entrySystemTable.BootServices))
}
