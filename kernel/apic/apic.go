// Package apic drives the local APIC (per-CPU timer and IPI delivery) and
// the IO APIC (external interrupt routing), replacing the legacy 8259 that
// kernel/pic disables. Neither device is present anywhere in the reference
// pack this kernel's ambient style was learned from, so this package follows
// the same bodyless-register-access discipline as kernel/cpu: registers are
// plain memory-mapped uint32s reached through a page mapped once at Init and
// accessed with volatile-style loads/stores instead of a generated
// assembly stub, since MMIO needs no privileged instruction.
package apic

import (
	"fullerene/kernel"
	"fullerene/kernel/cpu"
	"fullerene/kernel/mm"
	"fullerene/kernel/mm/vmm"
	"unsafe"
)

const (
	localAPICPhysBase = uintptr(0xFEE00000)
	ioAPICPhysBase     = uintptr(0xFEC00000)

	msrAPICBase = 0x1B

	regSpuriousInterruptVector = 0x0F0
	regLVTTimer                = 0x320
	regTimerInitialCount       = 0x380
	regTimerDivideConfig       = 0x3E0
	regEOI                     = 0x0B0

	lvtTimerPeriodic = 1 << 17
	apicSoftwareEnable = 1 << 8

	ioRegSel  = 0x00
	ioWin     = 0x10
	ioRedtbl0 = 0x10
)

var (
	localBase uintptr
	ioBase    uintptr
)

// Init maps the local APIC and IO APIC MMIO windows, enables the local APIC
// via its spurious-interrupt register, and masks every IO APIC redirection
// entry so no external IRQ fires until a driver explicitly unmasks it.
func Init() *kernel.Error {
	page, err := vmm.IdentityMapRegion(mm.FrameFromAddress(localAPICPhysBase), mm.PageSize, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute|vmm.FlagDoNotCache)
	if err != nil {
		return err
	}
	localBase = page.Address()

	page, err = vmm.IdentityMapRegion(mm.FrameFromAddress(ioAPICPhysBase), mm.PageSize, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute|vmm.FlagDoNotCache)
	if err != nil {
		return err
	}
	ioBase = page.Address()

	base := cpu.RDMSR(msrAPICBase)
	cpu.WRMSR(msrAPICBase, base|apicSoftwareEnable)

	writeLocal(regSpuriousInterruptVector, uint32(0xFF)|apicSoftwareEnable)

	for entry := 0; entry < ioAPICRedirectionEntries(); entry++ {
		maskIORedirectionEntry(entry)
	}

	return nil
}

// StartPeriodicTimer programs the LVT timer to fire vector on every
// initialCount ticks of the APIC bus clock, in periodic mode.
func StartPeriodicTimer(vector uint8, divide uint8, initialCount uint32) {
	writeLocal(regTimerDivideConfig, uint32(divide))
	writeLocal(regLVTTimer, uint32(vector)|lvtTimerPeriodic)
	writeLocal(regTimerInitialCount, initialCount)
}

// EOI signals end-of-interrupt to the local APIC. Every interrupt handler
// dispatched through an APIC-delivered vector must call this before
// returning.
func EOI() {
	writeLocal(regEOI, 0)
}

// RouteIRQ points the IO APIC's redirection entry for irqLine at vector,
// delivered to the given APIC ID, and unmasks it.
func RouteIRQ(irqLine uint8, vector uint8, apicID uint8) {
	low := uint32(vector)
	high := uint32(apicID) << 24
	writeIOAPIC(ioRedtbl0+uint32(irqLine)*2, low)
	writeIOAPIC(ioRedtbl0+uint32(irqLine)*2+1, high)
}

func maskIORedirectionEntry(entry int) {
	writeIOAPIC(ioRedtbl0+uint32(entry)*2, 1<<16)
}

func ioAPICRedirectionEntries() int {
	ver := readIOAPIC(0x01)
	return int((ver>>16)&0xFF) + 1
}

func writeLocal(reg uint32, value uint32) {
	*(*uint32)(unsafe.Pointer(localBase + uintptr(reg))) = value
}

func readLocal(reg uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(localBase + uintptr(reg)))
}

func writeIOAPIC(reg uint32, value uint32) {
	*(*uint32)(unsafe.Pointer(ioBase + ioRegSel)) = reg
	*(*uint32)(unsafe.Pointer(ioBase + ioWin)) = value
}

func readIOAPIC(reg uint32) uint32 {
	*(*uint32)(unsafe.Pointer(ioBase + ioRegSel)) = reg
	return *(*uint32)(unsafe.Pointer(ioBase + ioWin))
}
