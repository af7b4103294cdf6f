// Package pic disables the legacy 8259 programmable interrupt controller.
// The kernel drives all interrupt routing through the local and IO APICs
// (see kernel/apic); the 8259 pair is remapped off the CPU exception range
// and then fully masked so a stray legacy IRQ can never collide with a
// vector the APIC path owns.
package pic

import "fullerene/kernel/cpu"

const (
	masterCommand = 0x20
	masterData    = 0x21
	slaveCommand  = 0xA0
	slaveData     = 0xA1

	icw1Init       = 0x11 // edge triggered, cascade mode, ICW4 needed
	icw4_8086      = 0x01

	// MasterVectorOffset and SlaveVectorOffset move the 8259's IRQ0-15
	// range off of the CPU's reserved exception vectors (0-31) even
	// though every line ends up masked; a masked-but-misconfigured PIC
	// that later gets unmasked by mistake must not alias a CPU fault.
	MasterVectorOffset = 0x20
	SlaveVectorOffset   = 0x28
)

// Disable remaps both PICs to MasterVectorOffset/SlaveVectorOffset and then
// masks every line, handing interrupt delivery over to the APIC entirely.
func Disable() {
	// ICW1: start initialization sequence.
	cpu.OutByte(masterCommand, icw1Init)
	ioWait()
	cpu.OutByte(slaveCommand, icw1Init)
	ioWait()

	// ICW2: vector offsets.
	cpu.OutByte(masterData, MasterVectorOffset)
	ioWait()
	cpu.OutByte(slaveData, SlaveVectorOffset)
	ioWait()

	// ICW3: master/slave cascade wiring (slave attached to master's IRQ2).
	cpu.OutByte(masterData, 0x04)
	ioWait()
	cpu.OutByte(slaveData, 0x02)
	ioWait()

	// ICW4: 8086 mode.
	cpu.OutByte(masterData, icw4_8086)
	ioWait()
	cpu.OutByte(slaveData, icw4_8086)
	ioWait()

	// Mask every line on both controllers.
	cpu.OutByte(masterData, 0xFF)
	cpu.OutByte(slaveData, 0xFF)
}

// ioWait gives the (possibly very old) PIC hardware time to latch each
// command by writing to an unused diagnostic port.
func ioWait() {
	cpu.OutByte(0x80, 0)
}
