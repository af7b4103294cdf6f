// Command bellows is the UEFI bootloader: it finds the kernel image on the
// ESP, relocates it to wherever the firmware was willing to give it pages,
// builds the handoff record fullerene expects, exits boot services, and
// transfers control. Like cmd/fullerene's main, this main is a thin
// trampoline; the interesting work lives in bellows/firmware and
// bellows/loader.
package main

import (
	"fullerene/bellows/firmware"
	"fullerene/bellows/loader"
	"fullerene/handoff"
	"fullerene/kernel"
	"fullerene/kernel/kfmt"
	"unsafe"
)

// main runs after the PE entry point UEFI calls with (imageHandle,
// systemTable) in RCX/RDX. Like cmd/fullerene's rt0 bridge, the bare-metal
// bridge that captures those two register arguments before any Go code can
// safely run (stack setup, g0) is build-system/linker tooling outside this
// source tree; it is expected to call firmware.SetEntryArgs with them and
// then call main(), the same sequencing multiboot.SetInfoPtr/main follows
// in the kernel image.
func main() {
	bs := firmware.BootServicesTable()

	kernelBytes, err := loadKernelBytes(bs)
	if err != nil {
		kfmt.Panic(err)
	}

	image, err := loader.Parse(kernelBytes)
	if err != nil {
		kfmt.Panic(err)
	}

	loadBase, pageCount, err := allocateAndLoad(bs, image)
	if err != nil {
		kfmt.Panic(err)
	}

	rec, mapKey, err := buildHandoffRecord(bs, image, loadBase, pageCount)
	if err != nil {
		kfmt.Panic(err)
	}

	if err := exitBootServicesWithRetry(bs, mapKey); err != nil {
		kfmt.Panic(err)
	}

	transferControl(image.EntryPoint(uint64(loadBase)), uint64(uintptr(unsafe.Pointer(rec))))
}

func loadKernelBytes(bs *firmware.BootServices) ([]byte, *kernel.Error) {
	fsInterface, err := bs.LocateProtocol(&loader.SimpleFileSystemGUID)
	if err != nil {
		return nil, err
	}
	return loader.ReadKernelImage(bs, fsInterface)
}

func allocateAndLoad(bs *firmware.BootServices, image *loader.Image) (uintptr, uintptr, *kernel.Error) {
	pageCount := (uintptr(image.SizeOfImage()) + handoff.PageSize - 1) / handoff.PageSize
	loadBase, err := bs.AllocatePages(firmware.MemoryTypeLoaderCode, pageCount)
	if err != nil {
		return 0, 0, err
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(loadBase)), int(pageCount*handoff.PageSize))
	for i := range dst {
		dst[i] = 0
	}

	if err := image.Load(dst, uint64(loadBase)); err != nil {
		return 0, 0, err
	}
	return loadBase, pageCount, nil
}

// transferControl jumps to entryPoint with handoffRecordAddr left in the
// register fullerene's own entry bridge reads before calling
// handoff.SetRecordAddr and main; implemented in jump_amd64.s.
func transferControl(entryPoint, handoffRecordAddr uint64)
