package loader

import (
	"encoding/binary"
	"testing"
)

// Layout of the synthetic PE32+ image these tests build:
//
//	0x00            dos stub, "MZ" + e_lfanew at 0x3c
//	lfanew (0x40)   "PE\x00\x00"
//	+4              COFF file header (20 bytes)
//	+20             PE32+ optional header (240 bytes)
//	+240            one IMAGE_SECTION_HEADER (40 bytes), ".text"
//	+40             the section's raw bytes (30 bytes):
//	                  [0:4)   a HIGHLOW relocation target
//	                  [4:12)  a DIR64 relocation target
//	                  [12:16) unused (stand-in for an entry point)
//	                  [16:30) one base relocation block: PageRVA, BlockSize,
//	                          then a HIGHLOW entry, a DIR64 entry, and an
//	                          ABSOLUTE padding entry
const (
	testLfanew               = 0x40
	testSizeOfOptionalHeader = 240
	testSectionVirtualAddr   = 0x1000
	testEntryRVA             = testSectionVirtualAddr + 12
	testRelocBlockRVA        = testSectionVirtualAddr + 16
	testSectionDataLen       = 30
	testSizeOfImage          = testSectionVirtualAddr + testSectionDataLen
	testImageBase            = 0x140000000

	testHighLowTarget uint32 = 0x10000000
	testDir64Target   uint64 = 0x2000000000000000
)

// buildTestImage assembles the synthetic PE32+ byte buffer described above.
// writable/executable set the one section's characteristics bits so tests
// can check Parse carries them through to Section.
func buildTestImage(t *testing.T, writable, executable bool) []byte {
	t.Helper()

	fileHeaderOff := testLfanew + 4
	optionalHeaderOff := fileHeaderOff + 20
	sectionHeaderOff := optionalHeaderOff + testSizeOfOptionalHeader
	rawDataOff := sectionHeaderOff + 40
	total := rawDataOff + testSectionDataLen

	raw := make([]byte, total)

	// DOS header.
	raw[0], raw[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(raw[0x3c:], testLfanew)

	// PE signature.
	copy(raw[testLfanew:], []byte{'P', 'E', 0, 0})

	// COFF file header.
	binary.LittleEndian.PutUint16(raw[fileHeaderOff+2:], 1) // NumberOfSections
	binary.LittleEndian.PutUint16(raw[fileHeaderOff+16:], testSizeOfOptionalHeader)

	// PE32+ optional header.
	binary.LittleEndian.PutUint16(raw[optionalHeaderOff:], optionalMagic64)
	binary.LittleEndian.PutUint32(raw[optionalHeaderOff+16:], testEntryRVA)
	binary.LittleEndian.PutUint64(raw[optionalHeaderOff+24:], testImageBase)
	binary.LittleEndian.PutUint32(raw[optionalHeaderOff+56:], testSizeOfImage)
	const baseRelocDirIndex = 5
	dataDirOff := optionalHeaderOff + 112 + baseRelocDirIndex*8
	binary.LittleEndian.PutUint32(raw[dataDirOff:], testRelocBlockRVA)
	binary.LittleEndian.PutUint32(raw[dataDirOff+4:], 14) // one 14-byte block

	// Section header: ".text".
	copy(raw[sectionHeaderOff:], []byte(".text"))
	binary.LittleEndian.PutUint32(raw[sectionHeaderOff+8:], testSectionDataLen)  // VirtualSize
	binary.LittleEndian.PutUint32(raw[sectionHeaderOff+12:], testSectionVirtualAddr)
	binary.LittleEndian.PutUint32(raw[sectionHeaderOff+16:], testSectionDataLen) // SizeOfRawData
	binary.LittleEndian.PutUint32(raw[sectionHeaderOff+20:], uint32(rawDataOff))
	var characteristics uint32
	if writable {
		characteristics |= sectionCharacteristicsWrite
	}
	if executable {
		characteristics |= sectionCharacteristicsExecute
	}
	binary.LittleEndian.PutUint32(raw[sectionHeaderOff+36:], characteristics)

	// Section raw bytes: the two relocation targets, then the block itself.
	binary.LittleEndian.PutUint32(raw[rawDataOff:], testHighLowTarget)
	binary.LittleEndian.PutUint64(raw[rawDataOff+4:], testDir64Target)

	blockOff := rawDataOff + 16
	binary.LittleEndian.PutUint32(raw[blockOff:], testSectionVirtualAddr) // PageRVA
	binary.LittleEndian.PutUint32(raw[blockOff+4:], 14)                   // BlockSize
	binary.LittleEndian.PutUint16(raw[blockOff+8:], uint16(relBasedHighLow<<12|0))
	binary.LittleEndian.PutUint16(raw[blockOff+10:], uint16(relBasedDir64<<12|4))
	binary.LittleEndian.PutUint16(raw[blockOff+12:], uint16(relBasedAbsolute<<12|0))

	return raw
}

func TestParseValidImage(t *testing.T) {
	raw := buildTestImage(t, false, true)

	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := img.EntryPoint(testImageBase); got != testImageBase+testEntryRVA {
		t.Fatalf("expected entry point 0x%x; got 0x%x", testImageBase+testEntryRVA, got)
	}
	if got := img.SizeOfImage(); got != testSizeOfImage {
		t.Fatalf("expected SizeOfImage() == 0x%x; got 0x%x", testSizeOfImage, got)
	}

	if len(img.Sections) != 1 {
		t.Fatalf("expected exactly one section; got %d", len(img.Sections))
	}
	s := img.Sections[0]
	if s.VirtualAddress != testSectionVirtualAddr || s.Size != testSectionDataLen {
		t.Fatalf("unexpected section geometry: %+v", s)
	}
	if s.Writable {
		t.Fatal("expected the section not to be marked writable")
	}
	if !s.Executable {
		t.Fatal("expected the section to be marked executable")
	}
}

func TestParseRejectsMalformedImages(t *testing.T) {
	valid := buildTestImage(t, false, true)

	tests := map[string][]byte{
		"too short": valid[:32],
		"bad dos magic": func() []byte {
			b := append([]byte(nil), valid...)
			b[0] = 'X'
			return b
		}(),
		"bad pe signature": func() []byte {
			b := append([]byte(nil), valid...)
			b[testLfanew] = 0
			return b
		}(),
		"bad optional header magic": func() []byte {
			b := append([]byte(nil), valid...)
			optionalHeaderOff := testLfanew + 4 + 20
			binary.LittleEndian.PutUint16(b[optionalHeaderOff:], 0x10b) // PE32, not PE32+
			return b
		}(),
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(raw); err == nil {
				t.Fatal("expected an error, got none")
			}
		})
	}
}

func TestLoadCopiesSectionsAndRelocates(t *testing.T) {
	raw := buildTestImage(t, false, true)
	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const delta = 0x1000
	loadBase := uint64(testImageBase + delta)

	dst := make([]byte, img.SizeOfImage())
	if err := img.Load(dst, loadBase); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gotHighLow := binary.LittleEndian.Uint32(dst[testSectionVirtualAddr:])
	if want := testHighLowTarget + delta; gotHighLow != want {
		t.Fatalf("expected HIGHLOW target patched to 0x%x; got 0x%x", want, gotHighLow)
	}

	gotDir64 := binary.LittleEndian.Uint64(dst[testSectionVirtualAddr+4:])
	if want := testDir64Target + delta; gotDir64 != want {
		t.Fatalf("expected DIR64 target patched to 0x%x; got 0x%x", want, gotDir64)
	}
}

func TestRelocateIsNoOpWhenLoadBaseMatchesImageBase(t *testing.T) {
	raw := buildTestImage(t, false, true)
	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dst := make([]byte, img.SizeOfImage())
	if err := img.Load(dst, testImageBase); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := binary.LittleEndian.Uint32(dst[testSectionVirtualAddr:]); got != testHighLowTarget {
		t.Fatalf("expected the HIGHLOW target to be left untouched; got 0x%x", got)
	}
	if got := binary.LittleEndian.Uint64(dst[testSectionVirtualAddr+4:]); got != testDir64Target {
		t.Fatalf("expected the DIR64 target to be left untouched; got 0x%x", got)
	}
}

func TestLoadRejectsUndersizedDestination(t *testing.T) {
	raw := buildTestImage(t, false, true)
	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dst := make([]byte, img.SizeOfImage()-1)
	if err := img.Load(dst, testImageBase); err == nil {
		t.Fatal("expected an error for an undersized destination buffer")
	}
}
