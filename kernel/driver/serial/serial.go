// Package serial drives the COM1 16550 UART, the kernel's mandatory logging
// sink: every boot message reaches the outside world through this driver
// once it has been initialized and handed to kfmt.SetOutputSink.
package serial

import (
	"fullerene/kernel"
	"fullerene/kernel/cpu"
)

const com1Base = uint16(0x3F8)

const (
	regData        = 0
	regIntEnable   = 1
	regDivisorLow  = 0
	regDivisorHigh = 1
	regFIFOControl = 2
	regLineControl = 3
	regModemControl = 4
	regLineStatus  = 5
)

const (
	lineControl8N1     = 0x03
	lineControlDLAB    = 0x80
	fifoEnableClearInt = 0xC7
	modemControlRTSDSR = 0x0B
	lineStatusTHREmpty = 0x20
)

// baudDivisor returns the divisor latch value for the given baud rate,
// derived from the UART's fixed 115200 baud input clock.
func baudDivisor(baud uint32) uint16 {
	return uint16(115200 / baud)
}

// Port drives a single 16550-compatible UART at the given I/O port base.
type Port struct {
	base uint16
	baud uint32
}

// COM1 is the kernel's default serial port, wired up at 115200-8N1.
var COM1 = &Port{base: com1Base, baud: 115200}

// DriverName implements device.Driver.
func (p *Port) DriverName() string { return "serial" }

// DriverVersion implements device.Driver.
func (p *Port) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit programs the UART for 115200 baud, 8 data bits, no parity, one
// stop bit, and enables its FIFOs.
func (p *Port) DriverInit() *kernel.Error {
	cpu.OutByte(p.base+regIntEnable, 0x00) // disable all UART interrupts

	divisor := baudDivisor(p.baud)
	cpu.OutByte(p.base+regLineControl, lineControlDLAB)
	cpu.OutByte(p.base+regDivisorLow, uint8(divisor&0xFF))
	cpu.OutByte(p.base+regDivisorHigh, uint8(divisor>>8))

	cpu.OutByte(p.base+regLineControl, lineControl8N1)
	cpu.OutByte(p.base+regFIFOControl, fifoEnableClearInt)
	cpu.OutByte(p.base+regModemControl, modemControlRTSDSR)

	return nil
}

// Write implements io.Writer, transmitting each byte of p and blocking until
// the transmit holding register is empty between bytes.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		for cpu.InByte(p.base+regLineStatus)&lineStatusTHREmpty == 0 {
		}
		cpu.OutByte(p.base+regData, b)
	}
	return len(data), nil
}
