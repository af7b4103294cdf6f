package loader

import (
	"fullerene/bellows/firmware"
	"fullerene/kernel"
	"unsafe"
)

var (
	errKernelNotFound = &kernel.Error{Module: "loader", Message: "no kernel image found on the ESP", Kind: kernel.ErrFileNotFound}
	errReadFailed     = &kernel.Error{Module: "loader", Message: "failed to read kernel image", Kind: kernel.ErrLoadFailed}
)

// kernelPaths is the ordered list of ESP-relative paths searched for the
// kernel image. The first, EFI\BOOT\KERNEL.EFI, is where a removable-media
// boot places it; the other two are fallbacks for a kernel dropped directly
// at the ESP root under either case convention, so a hand-assembled disk
// image that didn't bother with the removable-media layout still boots.
var kernelPaths = []string{
	`EFI\BOOT\KERNEL.EFI`,
	`KERNEL.EFI`,
	`kernel.efi`,
}

// simpleFileSystemProtocol overlays EFI_SIMPLE_FILE_SYSTEM_PROTOCOL; only
// OpenVolume is at a fixed, known offset this loader needs.
type simpleFileSystemProtocol struct {
	_          uint64 // Revision
	openVolume uintptr
}

// fileProtocol overlays the EFI_FILE_PROTOCOL function table. Offsets are
// in pointer-widths from the protocol interface pointer. Only Open, Close,
// Read and GetInfo, the members this loader calls, are named; the members
// between them are blank placeholders and those after GetInfo are not
// declared.
type fileProtocol struct {
	_       uint64 // Revision
	openFn  uintptr
	closeFn uintptr
	_       uintptr // Delete
	readFn  uintptr
	_       uintptr // Write
	_       uintptr // GetPosition
	_       uintptr // SetPosition
	getInfoFn uintptr
}

const fileModeRead = 0x1

// genericFileInfoGUID identifies EFI_FILE_INFO (09576E92-6D3F-11D2-8E39-
// 00A0C969723B) in GetInfo's InformationType argument; its layout (FileSize
// at offset 8) is fixed by the UEFI spec regardless of which protocol
// revision is in use.
var genericFileInfoGUID = [16]byte{
	0x92, 0x6e, 0x57, 0x09, 0x3f, 0x6d, 0xd2, 0x11,
	0x8e, 0x39, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b,
}

// SimpleFileSystemGUID identifies EFI_SIMPLE_FILE_SYSTEM_PROTOCOL
// (964E5B22-6459-11D2-8E39-00A0C969723B), located once via
// BootServices.LocateProtocol to reach the ESP's root volume.
var SimpleFileSystemGUID = [16]byte{
	0x22, 0x5b, 0x4e, 0x96, 0x59, 0x64, 0xd2, 0x11,
	0x8e, 0x39, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b,
}

func (p *fileProtocol) open(name []uint16, mode uint64) (*fileProtocol, *kernel.Error) {
	var handle *fileProtocol
	status := firmware.Status(firmware.CallMethod(p.openFn,
		uintptr(unsafe.Pointer(p)),
		uintptr(unsafe.Pointer(&handle)),
		uintptr(unsafe.Pointer(&name[0])),
		uintptr(mode),
		0, 0))
	if status != firmware.StatusSuccess {
		return nil, errKernelNotFound
	}
	return handle, nil
}

func (p *fileProtocol) close() {
	firmware.CallMethod(p.closeFn, uintptr(unsafe.Pointer(p)), 0, 0, 0, 0, 0)
}

// size uses the two-stage probe UEFI GetInfo calls follow throughout this
// firmware interface: call once with a buffer too small to hold the result,
// read back the size the call reports is actually needed, then call again
// with a buffer of exactly that size.
func (p *fileProtocol) size() (uint64, *kernel.Error) {
	var probeSize uintptr
	status := firmware.Status(firmware.CallMethod(p.getInfoFn,
		uintptr(unsafe.Pointer(p)),
		uintptr(unsafe.Pointer(&genericFileInfoGUID)),
		uintptr(unsafe.Pointer(&probeSize)),
		0, 0, 0))
	if status != firmware.StatusBufferTooSmall {
		return 0, errReadFailed
	}

	buf := make([]byte, probeSize)
	bufSize := probeSize
	status = firmware.Status(firmware.CallMethod(p.getInfoFn,
		uintptr(unsafe.Pointer(p)),
		uintptr(unsafe.Pointer(&genericFileInfoGUID)),
		uintptr(unsafe.Pointer(&bufSize)),
		uintptr(unsafe.Pointer(&buf[0])),
		0, 0))
	if status != firmware.StatusSuccess || len(buf) < 16 {
		return 0, errReadFailed
	}

	// EFI_FILE_INFO.FileSize sits at offset 8, after the leading Size field.
	return uint64(buf[8]) | uint64(buf[9])<<8 | uint64(buf[10])<<16 | uint64(buf[11])<<24 |
		uint64(buf[12])<<32 | uint64(buf[13])<<40 | uint64(buf[14])<<48 | uint64(buf[15])<<56, nil
}

func (p *fileProtocol) readAll(bs *firmware.BootServices) ([]byte, *kernel.Error) {
	fileSize, err := p.size()
	if err != nil {
		return nil, err
	}

	pageCount := (uintptr(fileSize) + 0xfff) / 0x1000
	phys, err := bs.AllocatePages(firmware.MemoryTypeLoaderData, pageCount)
	if err != nil {
		return nil, errReadFailed
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(phys)), int(fileSize))
	readSize := uintptr(fileSize)
	status := firmware.Status(firmware.CallMethod(p.readFn,
		uintptr(unsafe.Pointer(p)),
		uintptr(unsafe.Pointer(&readSize)),
		uintptr(unsafe.Pointer(&buf[0])),
		0, 0, 0))
	if status != firmware.StatusSuccess {
		bs.FreePages(phys, pageCount)
		return nil, errReadFailed
	}

	return buf[:readSize], nil
}

func utf16z(s string) []uint16 {
	out := make([]uint16, 0, len(s)+1)
	for _, r := range s {
		out = append(out, uint16(r))
	}
	return append(out, 0)
}

// ReadKernelImage opens the ESP root volume exposed through fsInterface and
// searches kernelPaths in order, returning the raw bytes of the first one
// that opens successfully.
func ReadKernelImage(bs *firmware.BootServices, fsInterface uintptr) ([]byte, *kernel.Error) {
	fs := (*simpleFileSystemProtocol)(unsafe.Pointer(fsInterface))

	var root *fileProtocol
	status := firmware.Status(firmware.CallMethod(fs.openVolume,
		uintptr(unsafe.Pointer(fs)),
		uintptr(unsafe.Pointer(&root)),
		0, 0, 0, 0))
	if status != firmware.StatusSuccess {
		return nil, errKernelNotFound
	}
	defer root.close()

	for _, path := range kernelPaths {
		handle, err := root.open(utf16z(path), fileModeRead)
		if err != nil {
			continue
		}
		data, readErr := handle.readAll(bs)
		handle.close()
		if readErr != nil {
			continue
		}
		return data, nil
	}

	return nil, errKernelNotFound
}
