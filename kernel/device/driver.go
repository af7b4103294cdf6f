// Package device defines the minimal contract every hardware driver in the
// kernel implements, so boot sequencing code can initialize a list of
// drivers uniformly instead of hand-wiring each one.
package device

import "fullerene/kernel"

// Driver is implemented by every device driver in the kernel.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver.
	DriverInit() *kernel.Error
}
