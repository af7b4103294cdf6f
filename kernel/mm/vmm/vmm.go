package vmm

import (
	"fullerene/kernel"
	"fullerene/kernel/cpu"
	"fullerene/kernel/mm"
)

var (
	readCR2Fn   = cpu.ReadCR2
	translateFn = Translate

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page or general protection fault", Kind: kernel.ErrMappingFailed}
)

// Init builds a granular page directory table for the kernel image using the
// section permissions sections describes, installs the page/general
// protection fault handlers, and carves out the reserved zeroed frame used
// for copy-on-write lazy allocation.
func Init(sections []KernelSection) *kernel.Error {
	if err := setupPDTForKernel(sections); err != nil {
		return err
	}

	installFaultHandlers()

	return reserveZeroedFrame()
}

func reserveZeroedFrame() *kernel.Error {
	var err *kernel.Error

	if ReservedZeroedFrame, err = mm.AllocFrame(); err != nil {
		return err
	}

	tempPage, err := mapTemporaryFn(ReservedZeroedFrame)
	if err != nil {
		return err
	}
	kernel.Memset(tempPage.Address(), 0, mm.PageSize)
	_ = unmapFn(tempPage)

	protectReservedZeroedPage = true
	return nil
}
