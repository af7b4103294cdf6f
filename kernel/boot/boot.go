// Package boot is the initialization sequencer: the Go entry point bellows
// jumps into once it has exited boot services and handed off the machine.
// It brings up memory management, interrupts, and the scheduler in a fixed
// order, matching the teacher's own chained allocator->vmm->goruntime Kmain
// sequence (kernel/kmain/kmain.go in the teacher, which is itself a
// subpackage for exactly the reason this one is: the boot sequencer needs
// to import every subsystem it brings up, and those subsystems import the
// root kernel package for its Error type), extended with the additional
// stages this kernel adds on top of that boot path: interrupt/APIC setup,
// syscalls, and the scheduler.
package boot

import (
	"fullerene/handoff"
	"fullerene/kernel"
	"fullerene/kernel/apic"
	"fullerene/kernel/cpu"
	"fullerene/kernel/gate"
	"fullerene/kernel/kfmt"
	"fullerene/kernel/mm/pmm"
	"fullerene/kernel/mm/vmm"
	"fullerene/kernel/pic"
	"fullerene/kernel/sched"
	"fullerene/kernel/syscall"
)

// Boot validates the handoff record bellows built, brings every subsystem
// up in order, and then idles. It is not expected to return: like the
// teacher's Kmain, a fall-through here would be a bug; every failure path
// here ends in kfmt.Panic, which halts the CPU rather than returning.
//
//go:noinline
func Boot(rec *handoff.HandoffRecord) {
	if err := rec.Validate(); err != nil {
		kfmt.Panic(&kernel.Error{Module: "boot", Message: err.Error(), Kind: kernel.ErrInvalidFormat})
	}

	kernelStart := uintptr(rec.KernelPhysBase)
	kernelEnd := uintptr(rec.KernelPhysBase + rec.KernelSize)

	var err *kernel.Error
	if err = pmm.Init(rec, kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	} else if err = vmm.Init(kernelSections(rec)); err != nil {
		kfmt.Panic(err)
	}

	gate.Init()
	pic.Disable()
	if err = apic.Init(); err != nil {
		kfmt.Panic(err)
	}
	syscall.Init()
	sched.Init()

	cpu.EnableInterrupts()

	// No userspace image ships as part of this boot image, so there is no
	// first process to hand off to; the kernel idles, waiting for the
	// timer tick and any future driver-originated work. A platform that
	// embeds a userspace payload would locate and sched.Spawn it here,
	// after this point.
	for {
		cpu.Halt()
	}
}

// kernelSections describes the loaded kernel image to the virtual memory
// manager as a single read-write-execute region spanning the whole image.
// The handoff ABI does not currently carry per-section (text/rodata/data)
// permission metadata from the PE section headers bellows already parsed,
// so splitting W^X boundaries at the section granularity the loader sees
// is future work; one coarse section is a correct, if permissive,
// approximation of the image's actual layout.
func kernelSections(rec *handoff.HandoffRecord) []vmm.KernelSection {
	return []vmm.KernelSection{
		{
			VirtAddr:   uintptr(rec.KernelPhysBase),
			Size:       uintptr(rec.KernelSize),
			Writable:   true,
			Executable: true,
		},
	}
}
