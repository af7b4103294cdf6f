package main

import (
	"fullerene/bellows/firmware"
	"fullerene/handoff"
	"fullerene/kernel"
	"unsafe"
)

var errMemoryMapFailed = &kernel.Error{Module: "bellows", Message: "failed to obtain the firmware memory map", Kind: kernel.ErrDeviceNotFound}

// memoryMapSlack is the number of extra MemoryDescriptorRaw-sized slots
// requested beyond the probed size, so the fetch still fits if the firmware
// map has grown since MemoryMapSize probed it.
const memoryMapSlack = 8

// fetchMemoryMap probes and retrieves the firmware's current memory map,
// along with the key ExitBootServices needs to confirm it is exiting
// against the same map the kernel is about to receive.
func fetchMemoryMap(bs *firmware.BootServices) ([]firmware.MemoryDescriptorRaw, uintptr, *kernel.Error) {
	probeSize, err := bs.MemoryMapSize()
	if err != nil {
		return nil, 0, errMemoryMapFailed
	}

	descriptorStride := unsafe.Sizeof(firmware.MemoryDescriptorRaw{})
	bufSize := probeSize + memoryMapSlack*descriptorStride
	buf := make([]byte, bufSize)

	mapKey, descriptorSize, count, err := bs.GetMemoryMap(buf)
	if err != nil {
		return nil, 0, errMemoryMapFailed
	}

	descriptors := make([]firmware.MemoryDescriptorRaw, count)
	for i := 0; i < count; i++ {
		off := uintptr(i) * descriptorSize
		descriptors[i] = *(*firmware.MemoryDescriptorRaw)(unsafe.Pointer(&buf[off]))
	}
	return descriptors, mapKey, nil
}

// translateMemoryKind maps a raw EFI_MEMORY_TYPE to the kind the kernel's
// frame allocator recognizes; types outside the range the UEFI spec defines
// are treated as Reserved.
func translateMemoryKind(t uint32) handoff.MemoryKind {
	switch t {
	case 1:
		return handoff.MemoryLoaderCode
	case 2:
		return handoff.MemoryLoaderData
	case 3:
		return handoff.MemoryBootServicesCode
	case 4:
		return handoff.MemoryBootServicesData
	case 5:
		return handoff.MemoryRuntimeServicesCode
	case 6:
		return handoff.MemoryRuntimeServicesData
	case 7:
		return handoff.MemoryConventional
	case 9:
		return handoff.MemoryACPIReclaim
	case 10:
		return handoff.MemoryACPINvs
	case 11, 12:
		return handoff.MemoryMMIO
	default:
		return handoff.MemoryReserved
	}
}

// buildHandoffRecord fetches the firmware memory map, translates it into
// the kernel's own MemoryDescriptor format, and assembles the HandoffRecord
// fullerene will receive. The framebuffer and ACPI RSDP fields are left at
// their zero values: this loader does not yet locate the Graphics Output
// Protocol or the ACPI configuration table entry, a gap recorded rather
// than silently worked around.
func buildHandoffRecord(bs *firmware.BootServices, image kernelImage, loadBase, pageCount uintptr) (*handoff.HandoffRecord, uintptr, *kernel.Error) {
	raw, mapKey, err := fetchMemoryMap(bs)
	if err != nil {
		return nil, 0, err
	}

	descriptorsSize := uintptr(len(raw)) * unsafe.Sizeof(handoff.MemoryDescriptor{})
	descriptorsPtr, err := bs.AllocatePool(firmware.MemoryTypeLoaderData, descriptorsSize)
	if err != nil {
		return nil, 0, err
	}
	descriptors := unsafe.Slice((*handoff.MemoryDescriptor)(unsafe.Pointer(descriptorsPtr)), len(raw))
	for i, d := range raw {
		descriptors[i] = handoff.MemoryDescriptor{
			Kind:         translateMemoryKind(d.Type),
			PhysicalAddr: d.PhysicalStart,
			PageCount:    d.NumberOfPages,
			Attributes:   d.Attribute,
		}
	}

	recPtr, err := bs.AllocatePool(firmware.MemoryTypeLoaderData, unsafe.Sizeof(handoff.HandoffRecord{}))
	if err != nil {
		return nil, 0, err
	}
	rec := (*handoff.HandoffRecord)(unsafe.Pointer(recPtr))
	*rec = handoff.HandoffRecord{
		KernelPhysBase:  uint64(loadBase),
		KernelSize:      uint64(pageCount) * handoff.PageSize,
		KernelEntryVirt: image.EntryPoint(uint64(loadBase)),
		MemoryMapAddr:   uint64(descriptorsPtr),
		MemoryMapCount:  uint64(len(descriptors)),
	}

	return rec, mapKey, nil
}

// kernelImage is the subset of *loader.Image buildHandoffRecord needs;
// declared locally so this file doesn't have to import bellows/loader just
// for the one method it calls.
type kernelImage interface {
	EntryPoint(loadBase uint64) uint64
}
