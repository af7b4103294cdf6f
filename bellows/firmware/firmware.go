// Package firmware wraps the handful of UEFI boot-services calls bellows
// needs (pool/page allocation, protocol lookup, the memory map, and exiting
// boot services) behind typed Go functions. Every service is a function
// pointer living at a fixed field offset inside the UEFI SystemTable /
// BootServices tables the firmware hands the loader at entry; callService
// is the one ABI trampoline that actually invokes one of those pointers,
// the same bodyless-assembly-backed-by-a-typed-Go-surface shape
// kernel/cpu uses for CRn/MSR/port access.
package firmware

import (
	"fullerene/kernel"
	"unsafe"
)

// Status is the EFI_STATUS a boot service returns: 0 is success, anything
// with the high bit set is an error code.
type Status uint64

const (
	StatusSuccess          Status = 0
	StatusBufferTooSmall   Status = 1<<63 | 5
	StatusNotFound         Status = 1<<63 | 14
	StatusInvalidParameter Status = 1<<63 | 2
)

func (s Status) ok() bool { return s == StatusSuccess }

var errEFICall = &kernel.Error{Module: "firmware", Message: "UEFI boot service call failed", Kind: kernel.ErrDeviceNotFound}

// MemoryType is the EFI_MEMORY_TYPE used for pool/page allocations. bellows
// uses LoaderCode for the pages holding the relocated, executable kernel
// image, and LoaderData for everything else it allocates - its own working
// buffers and the descriptors/record it hands off to the kernel.
type MemoryType uint32

const (
	MemoryTypeLoaderCode MemoryType = 1
	MemoryTypeLoaderData MemoryType = 2
)

// AllocateType selects how AllocatePages picks a physical address.
type AllocateType uint32

const AllocateAnyPages AllocateType = 0

// callService invokes a UEFI function pointer using the Microsoft x64
// calling convention boot services require (the first four arguments in
// RCX/RDX/R8/R9, the rest spilled to the stack), which differs from the
// Go-internal ABI the rest of this kernel's assembly trampolines target.
// Implemented in callservice_amd64.s.
func callService(fn uintptr, a1, a2, a3, a4, a5, a6 uintptr) uintptr

// SystemTable overlays the fields of EFI_SYSTEM_TABLE this loader touches;
// everything before BootServices is firmware-owned console/runtime state
// bellows never reads directly.
type SystemTable struct {
	_            [60]byte
	BootServices uintptr
}

// BootServices overlays the subset of EFI_BOOT_SERVICES field offsets this
// loader calls. Every offset is in bytes from the table's base, taken from
// the UEFI spec's table layout; fields bellows never calls are left as
// padding rather than named, so the struct can't be mistaken for a full
// reimplementation of the protocol.
type BootServices struct {
	_                  [24]byte   // table header
	_                  [2]uintptr // RaiseTPL, RestoreTPL
	allocatePages      uintptr
	freePages          uintptr
	getMemoryMap       uintptr
	allocatePool       uintptr
	freePool           uintptr
	_                  [5]uintptr // *Event/Timer services
	_                  [3]uintptr // InstallProtocolInterface family
	_                  [2]uintptr // LoadImage, StartImage
	_                  [1]uintptr
	handleProtocol     uintptr
	_                  uintptr    // Reserved
	_                  [4]uintptr // RegisterProtocolNotify..LocateDevicePath
	_                  uintptr    // InstallConfigurationTable
	_                  [3]uintptr // Image services
	exitBootServices   uintptr
	_                  [2]uintptr // GetNextMonotonicCount, Stall
	_                  uintptr    // SetWatchdogTimer
	_                  [3]uintptr // Driver connect/disconnect family
	_                  [3]uintptr // OpenProtocol family
	_                  uintptr    // CloseProtocol
	_                  [2]uintptr // OpenProtocolInformation, ProtocolsPerHandle
	locateHandleBuffer uintptr
	locateProtocol     uintptr
}

// MemoryDescriptorRaw is the EFI_MEMORY_DESCRIPTOR layout GetMemoryMap
// fills a caller-provided buffer with; it is translated into
// handoff.MemoryDescriptor once the map has been finalized.
type MemoryDescriptorRaw struct {
	Type          uint32
	_             uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// AllocatePool requests size bytes of pool memory of the given type,
// returning the address UEFI allocated.
func (bs *BootServices) AllocatePool(memType MemoryType, size uintptr) (uintptr, *kernel.Error) {
	var ptr uintptr
	status := Status(callService(bs.allocatePool, uintptr(memType), size, uintptr(unsafe.Pointer(&ptr)), 0, 0, 0))
	if !status.ok() {
		return 0, errEFICall
	}
	return ptr, nil
}

// AllocatePages requests pageCount contiguous 4KiB pages of the given type
// using AllocateAnyPages (the firmware picks the physical address).
func (bs *BootServices) AllocatePages(memType MemoryType, pageCount uintptr) (uintptr, *kernel.Error) {
	var phys uintptr
	status := Status(callService(bs.allocatePages, uintptr(AllocateAnyPages), uintptr(memType), pageCount, uintptr(unsafe.Pointer(&phys)), 0, 0))
	if !status.ok() {
		return 0, errEFICall
	}
	return phys, nil
}

// FreePages releases pageCount pages starting at phys.
func (bs *BootServices) FreePages(phys uintptr, pageCount uintptr) *kernel.Error {
	status := Status(callService(bs.freePages, phys, pageCount, 0, 0, 0, 0))
	if !status.ok() {
		return errEFICall
	}
	return nil
}

// LocateProtocol finds the first handle publishing the protocol identified
// by guid, returning its interface pointer.
func (bs *BootServices) LocateProtocol(guid *[16]byte) (uintptr, *kernel.Error) {
	var iface uintptr
	status := Status(callService(bs.locateProtocol, uintptr(unsafe.Pointer(guid)), 0, uintptr(unsafe.Pointer(&iface)), 0, 0, 0))
	if !status.ok() {
		return 0, errEFICall
	}
	return iface, nil
}

// MemoryMapSize probes the current size of the firmware's memory map by
// calling GetMemoryMap with a zero-length buffer, which always reports
// BufferTooSmall along with the size actually required. The two-stage
// probe-then-fetch pattern is the same one EFI_FILE_PROTOCOL.GetInfo uses
// (see bellows/loader's fileProtocol.size), applied here to the memory map
// instead of a file's metadata.
func (bs *BootServices) MemoryMapSize() (uintptr, *kernel.Error) {
	var size uintptr
	var mapKey, descriptorSize uintptr
	var descriptorVersion uint32
	status := Status(callService(bs.getMemoryMap,
		uintptr(unsafe.Pointer(&size)),
		0,
		uintptr(unsafe.Pointer(&mapKey)),
		uintptr(unsafe.Pointer(&descriptorSize)),
		uintptr(unsafe.Pointer(&descriptorVersion)),
		0))
	if status != StatusBufferTooSmall {
		return 0, errEFICall
	}
	return size, nil
}

// GetMemoryMap fills buf with as many MemoryDescriptorRaw entries as fit,
// returning the map's key (required by ExitBootServices) and the size of
// each descriptor as the firmware reports it - not necessarily
// unsafe.Sizeof(MemoryDescriptorRaw{}), since UEFI reserves room to grow the
// struct and callers must stride by the reported size, not the compiled one.
func (bs *BootServices) GetMemoryMap(buf []byte) (mapKey uintptr, descriptorSize uintptr, count int, err *kernel.Error) {
	size := uintptr(len(buf))
	var descriptorVersion uint32
	status := Status(callService(bs.getMemoryMap,
		uintptr(unsafe.Pointer(&size)),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&mapKey)),
		uintptr(unsafe.Pointer(&descriptorSize)),
		uintptr(unsafe.Pointer(&descriptorVersion)),
		0))
	if !status.ok() {
		return 0, 0, 0, errEFICall
	}
	if descriptorSize == 0 {
		return 0, 0, 0, errEFICall
	}
	return mapKey, descriptorSize, int(size / descriptorSize), nil
}

// CallMethod invokes an arbitrary UEFI protocol function pointer (one not
// wrapped by a typed method on BootServices, such as a File or
// SimpleFileSystem protocol member) using the same calling convention as
// every other boot service. Protocol wrappers living outside this package
// (bellows/loader's File/SimpleFileSystem overlays) use this rather than
// duplicating callService's assembly trampoline.
func CallMethod(fn uintptr, a1, a2, a3, a4, a5, a6 uintptr) uintptr {
	return callService(fn, a1, a2, a3, a4, a5, a6)
}

// ExitBootServices tells the firmware to hand ownership of the machine to
// the caller. The UEFI spec documents that a GetMemoryMap taken after any
// allocation the caller makes between its own GetMemoryMap call and this one
// can invalidate mapKey, which ExitBootServices reports as
// InvalidParameter; the original bootloader this kernel's design is based on
// retries exactly once, re-fetching the map, rather than looping
// indefinitely.
func (bs *BootServices) ExitBootServices(imageHandle uintptr, mapKey uintptr) *kernel.Error {
	status := Status(callService(bs.exitBootServices, imageHandle, mapKey, 0, 0, 0, 0))
	if !status.ok() {
		return errEFICall
	}
	return nil
}
