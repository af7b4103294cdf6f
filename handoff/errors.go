package handoff

import "errors"

var (
	errInvalidHandoff     = errors.New("handoff: kernel image size is zero")
	errEmptyMemoryMap     = errors.New("handoff: memory map is empty")
	errZeroPageDescriptor = errors.New("handoff: memory descriptor has zero page count")
	errUnsortedMemoryMap  = errors.New("handoff: memory map is not sorted or regions overlap")
)
