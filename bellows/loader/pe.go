// Package loader parses the PE32+ image bellows reads off the ESP, applies
// its base relocations, and reports where execution should begin. It does
// its own parsing and relocation rather than asking the firmware to load the
// image via LoadImage/StartImage: this kernel is not a registered UEFI
// driver or application the firmware knows how to hand control back from,
// so bellows owns the whole load-relocate-jump sequence itself.
package loader

import (
	"encoding/binary"
	"fullerene/kernel"
)

var errInvalidFormat = &kernel.Error{Module: "loader", Message: "not a valid PE32+ image", Kind: kernel.ErrInvalidFormat}

const (
	dosMagic       = 0x5A4D // "MZ"
	peMagic        = 0x4550 // "PE\x00\x00"
	optionalMagic64 = 0x20b
)

// Section describes one loaded section of the kernel image: where it ended
// up in memory (relative to the chosen image base) and how it should be
// mapped.
type Section struct {
	VirtualAddress uint32
	Size           uint32
	RawDataOffset  uint32
	RawDataSize    uint32
	Writable       bool
	Executable     bool
}

// relocation base type, from the PE base relocation block format.
const (
	relBasedAbsolute = 0
	relBasedHighLow  = 3
	relBasedDir64    = 10
)

// characteristic bits read out of each IMAGE_SECTION_HEADER.
const (
	sectionCharacteristicsExecute = 1 << 29
	sectionCharacteristicsWrite   = 1 << 31
)

// Image is a parsed, not-yet-relocated view onto a PE32+ executable image
// still sitting in its raw file bytes.
type Image struct {
	raw          []byte
	imageBase    uint64
	entryRVA     uint32
	sizeOfImage  uint32
	relocDirRVA  uint32
	relocDirSize uint32
	Sections     []Section
}

func u16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
func u32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }
func u64(b []byte, off int) uint64 { return binary.LittleEndian.Uint64(b[off:]) }

// Parse reads the DOS stub, PE, COFF, and optional headers out of raw,
// validating the image is a PE32+ (64-bit) executable before returning a
// parsed Image describing its sections, entry point, and relocation table.
func Parse(raw []byte) (*Image, *kernel.Error) {
	if len(raw) < 64 || u16(raw, 0) != dosMagic {
		return nil, errInvalidFormat
	}
	lfanew := int(int32(u32(raw, 0x3c)))
	if lfanew <= 0 || lfanew+24 > len(raw) {
		return nil, errInvalidFormat
	}
	if u32(raw, lfanew) != peMagic {
		return nil, errInvalidFormat
	}

	fileHeader := lfanew + 4
	numberOfSections := int(u16(raw, fileHeader+2))
	sizeOfOptionalHeader := int(u16(raw, fileHeader+16))

	optionalHeader := fileHeader + 20
	if optionalHeader+sizeOfOptionalHeader > len(raw) {
		return nil, errInvalidFormat
	}
	if u16(raw, optionalHeader) != optionalMagic64 {
		return nil, errInvalidFormat
	}

	img := &Image{
		raw:         raw,
		entryRVA:    u32(raw, optionalHeader+16),
		imageBase:   u64(raw, optionalHeader+24),
		sizeOfImage: u32(raw, optionalHeader+56),
	}

	// The data directory array starts at offset 112 of the 64-bit optional
	// header; entry 5 (index*8 = 40) is the base relocation table.
	const baseRelocDirIndex = 5
	dataDirOff := optionalHeader + 112 + baseRelocDirIndex*8
	img.relocDirRVA = u32(raw, dataDirOff)
	img.relocDirSize = u32(raw, dataDirOff+4)

	sectionHeaders := optionalHeader + sizeOfOptionalHeader
	const sectionHeaderSize = 40
	img.Sections = make([]Section, 0, numberOfSections)
	for i := 0; i < numberOfSections; i++ {
		off := sectionHeaders + i*sectionHeaderSize
		if off+sectionHeaderSize > len(raw) {
			return nil, errInvalidFormat
		}
		virtualSize := u32(raw, off+8)
		virtualAddress := u32(raw, off+12)
		rawDataSize := u32(raw, off+16)
		rawDataOffset := u32(raw, off+20)
		characteristics := u32(raw, off+36)
		img.Sections = append(img.Sections, Section{
			VirtualAddress: virtualAddress,
			Size:           virtualSize,
			RawDataOffset:  rawDataOffset,
			RawDataSize:    rawDataSize,
			Writable:       characteristics&sectionCharacteristicsWrite != 0,
			Executable:     characteristics&sectionCharacteristicsExecute != 0,
		})
	}

	return img, nil
}

// EntryPoint returns the absolute virtual address execution should begin at
// once the image has been copied to loadBase and relocated there.
func (img *Image) EntryPoint(loadBase uint64) uint64 {
	return loadBase + uint64(img.entryRVA)
}

// SizeOfImage is the number of bytes the image occupies once loaded,
// spanning every section plus the headers.
func (img *Image) SizeOfImage() uint32 { return img.sizeOfImage }

// Relocate applies every base relocation in the image's .reloc directory to
// image, which must already contain the raw section bytes copied to their
// final virtual addresses relative to loadBase (i.e. image[0] corresponds to
// loadBase). delta is loadBase - the image's preferred ImageBase; entries
// are skipped (not applied) when delta is zero, since the image already sits
// at its preferred address.
func (img *Image) Relocate(image []byte, loadBase uint64) *kernel.Error {
	delta := int64(loadBase) - int64(img.imageBase)
	if delta == 0 || img.relocDirSize == 0 {
		return nil
	}

	pos := uint32(0)
	for pos < img.relocDirSize {
		blockOff := int(img.relocDirRVA + pos)
		if blockOff+8 > len(image) {
			return errInvalidFormat
		}
		pageRVA := u32(image, blockOff)
		blockSize := u32(image, blockOff+4)
		if blockSize < 8 {
			return errInvalidFormat
		}

		entryCount := (blockSize - 8) / 2
		for i := uint32(0); i < entryCount; i++ {
			entryOff := blockOff + 8 + int(i*2)
			entry := u16(image, entryOff)
			relType := entry >> 12
			relOffset := uint32(entry & 0x0fff)

			target := int(pageRVA + relOffset)
			switch relType {
			case relBasedAbsolute:
				// padding entry, nothing to patch
			case relBasedHighLow:
				if target+4 > len(image) {
					return errInvalidFormat
				}
				v := u32(image, target)
				binary.LittleEndian.PutUint32(image[target:], uint32(int64(v)+delta))
			case relBasedDir64:
				if target+8 > len(image) {
					return errInvalidFormat
				}
				v := u64(image, target)
				binary.LittleEndian.PutUint64(image[target:], uint64(int64(v)+delta))
			default:
				return errInvalidFormat
			}
		}

		pos += blockSize
	}

	return nil
}

// Load copies every section's raw file bytes into dst (which must be at
// least SizeOfImage() bytes, already zeroed) at its virtual-address offset,
// then applies relocations for loadBase. dst[0] corresponds to loadBase.
func (img *Image) Load(dst []byte, loadBase uint64) *kernel.Error {
	if uint32(len(dst)) < img.sizeOfImage {
		return errInvalidFormat
	}

	for _, s := range img.Sections {
		if s.RawDataSize == 0 {
			continue
		}
		srcEnd := s.RawDataOffset + s.RawDataSize
		if int(srcEnd) > len(img.raw) {
			return errInvalidFormat
		}
		dstEnd := s.VirtualAddress + s.RawDataSize
		if dstEnd > img.sizeOfImage {
			return errInvalidFormat
		}
		copy(dst[s.VirtualAddress:dstEnd], img.raw[s.RawDataOffset:srcEnd])
	}

	return img.Relocate(dst, loadBase)
}
