// Package kmain wires together the nine-step boot sequence and is the only
// Go symbol the entry assembly stub calls into.
package kmain

import (
	"nyx/device/tty"
	"nyx/device/video/console"
	"nyx/device/video/console/font"
	"nyx/kernel"
	"nyx/kernel/bootinfo"
	"nyx/kernel/cpu"
	"nyx/kernel/gdt"
	"nyx/kernel/goruntime"
	"nyx/kernel/irq"
	"nyx/kernel/mem/pmm/allocator"
	"nyx/kernel/mem/vmm"
	"nyx/kernel/sched"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// newConsoleFn builds the system console from the captured boot info. It is
// a package variable so tests can substitute a console that doesn't require
// a real framebuffer.
var newConsoleFn = console.NewVesaFbConsoleFromBootInfo

// init spawns are the threads that begin running once the scheduler comes
// up. initFn is a package variable so tests/alternate boot targets can
// override what the kernel actually does once it is alive.
var initFn = func() {}

// Kmain runs the nine-step boot orchestrator in strict order: capture the
// bootloader handoff record, bring up the console, install the IDT, install
// the GDT/TSS, initialize the frame allocator and then the page-table
// mapper, map the kernel heap and wire up the Go runtime's allocator, then
// initialize the scheduler. Interrupts stay disabled during all nine steps;
// Kmain enables them only after the scheduler is initialized, and then
// hands control to initFn.
//
// Kmain never returns: if initFn returns, Kmain panics with
// errKmainReturned.
//
//go:noinline
func Kmain(info bootinfo.Info) {
	if err := bootinfo.Capture(info); err != nil {
		kernel.Panic(err)
	}
	captured := bootinfo.Get()

	cons := newConsoleFn(captured)
	cons.Init()
	cons.SetFont(font.BestFit(captured.FramebufferWidth, captured.FramebufferHeight))
	term := tty.NewVT(tty.DefaultTabWidth, tty.DefaultScrollback)
	term.AttachTo(cons)
	term.SetState(tty.StateActive)

	irq.Init()
	gdt.Init()

	allocator.Init(captured)
	vmm.SetFrameAllocator(allocator.AllocFrame)
	if err := vmm.Init(captured); err != nil {
		kernel.Panic(err)
	}

	if err := vmm.MapHeap(); err != nil {
		kernel.Panic(err)
	}
	if err := goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	sched.Init()
	cpu.EnableInterrupts()

	initFn()

	kernel.Panic(errKmainReturned)
}
