package handoff

import "unsafe"

// recordAddr is the physical address of the HandoffRecord bellows built,
// written by SetRecordAddr before cmd/fullerene's main runs. The hand-off
// into Go code happens the same way the teacher's multiboot package
// receives its info pointer: the pre-Go-runtime bootstrap (GDT, g0, stack -
// build-system/linker tooling outside this source tree, exactly as in the
// teacher's own retrieved tree, which ships no such rt0 assembly either)
// calls SetRecordAddr directly by symbol name before ever reaching main().
var recordAddr uintptr

// SetRecordAddr records ptr as the address of the HandoffRecord to boot
// from. Must be called exactly once, before Record.
func SetRecordAddr(ptr uintptr) {
	recordAddr = ptr
}

// Record returns the HandoffRecord at the address SetRecordAddr recorded.
func Record() *HandoffRecord {
	return (*HandoffRecord)(unsafe.Pointer(recordAddr))
}
