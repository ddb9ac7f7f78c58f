// Package sched implements the kernel's thread factory and preemptive
// round-robin scheduler. It owns the timer and keyboard IRQ handlers and the
// double-fault handler, since switching threads is only ever done from
// inside the preemption trampoline (see kernel/irq).
package sched

import (
	"nyx/kernel"
	"nyx/kernel/bootinfo"
	"nyx/kernel/cpu"
	"nyx/kernel/gdt"
	"nyx/kernel/irq"
	"nyx/kernel/mem"
	"nyx/kernel/mem/pmm"
	"nyx/kernel/mem/vmm"
	"sync/atomic"
	"unsafe"
)

// kernelStackPages is the number of pages (excluding the guard page) backing
// every kernel-mode stack the factory allocates, both for kernel threads and
// for the ring-0 entry stack of user threads.
const kernelStackPages = 10

// nextTID hands out monotonically increasing thread identifiers. TID 0 is
// reserved for the root thread constructed by Init; every other id comes
// from this counter, so ids are never reused within a boot.
var nextTID = uint64(1)

// activePDTFn indirects cpu.ActivePDT so tests can run without a real CR3
// to read.
var activePDTFn = cpu.ActivePDT

// bootInfoFn indirects bootinfo.Get so tests can supply a fake boot info
// record without going through bootinfo's write-once Capture.
var bootInfoFn = bootinfo.Get

// newAddressSpaceFn indirects vmm.NewUserAddressSpace, which is exercised
// directly (and thoroughly) by the vmm package's own tests; sched's tests
// stub it so they only need to assert on how the thread factory uses its
// result.
var newAddressSpaceFn = vmm.NewUserAddressSpace

// TID identifies a thread for the lifetime of the kernel boot.
type TID uint64

// Thread is a kernel scheduling unit. A thread that is currently executing
// carries nil in both Frame and Regs; every other known thread carries a
// saved copy of both, per the kernel's optionality-encodes-state invariant.
type Thread struct {
	TID TID

	// Frame is the saved interrupt-stack-frame (RIP, CS, RFLAGS, RSP, SS).
	// Nil exactly when this thread is the one currently executing.
	Frame *irq.Frame

	// Regs is the saved general-purpose register file, including CR3 (the
	// thread's address-space root). Nil exactly when this thread is the one
	// currently executing.
	Regs *irq.Regs

	// KernelStackTop is the address loaded into TSS RSP0 whenever this
	// thread is resumed. For kernel threads it is the top of their own
	// stack; for user threads it is a dedicated ring-0 entry stack distinct
	// from the low user-mode stack pointed to by Frame.RSP.
	KernelStackTop uintptr
}

// newRootThread builds the TID-0 thread representing the boot path the
// kernel is already executing in. Its saved fields are nil: it is, by
// definition, the currently running thread.
func newRootThread() *Thread {
	return &Thread{TID: 0}
}

// newKernelThread builds a paused thread that begins executing at entry
// when first scheduled in. Per the thread factory's kernel-thread recipe: a
// guard-paged kernel stack, an interrupt frame with IF set and the kernel
// segment selectors, and a register file whose only non-zero field is CR3
// (copied from the currently active address space).
func newKernelThread(entry func()) (*Thread, *kernel.Error) {
	stackTop, err := AllocStack(kernelStackPages)
	if err != nil {
		return nil, err
	}

	entryAddr := entryPointAddr(entry)

	return &Thread{
		TID: TID(atomic.AddUint64(&nextTID, 1) - 1),
		Frame: &irq.Frame{
			RIP:    uint64(entryAddr),
			CS:     uint64(gdt.KernelCodeSelector),
			RFlags: 0x202,
			RSP:    uint64(stackTop),
			SS:     uint64(gdt.KernelDataSelector),
		},
		Regs:           &irq.Regs{CR3: uint64(activePDTFn())},
		KernelStackTop: stackTop,
	}, nil
}

// newUserThread builds a paused thread for a ring-3 entry point. It
// constructs a fresh address space via vmm.NewUserAddressSpace, copies code
// into the first user frame and fabricates an interrupt frame that returns
// to ring 3 with the user code/data selectors (RPL 3).
func newUserThread(code []byte) (*Thread, *kernel.Error) {
	info := bootInfoFn()

	cr3, firstUserFrame, err := newAddressSpaceFn(info, allocFrameFn)
	if err != nil {
		return nil, err
	}

	codeVirt := info.PhysToVirt(firstUserFrame.Address())
	dst := (*[mem.PageSize]byte)(unsafe.Pointer(codeVirt))
	copy(dst[:], code)

	kernelStackTop, err := AllocStack(kernelStackPages)
	if err != nil {
		return nil, err
	}

	userStackTop := uintptr(vmm.UserLowPages) * uintptr(mem.PageSize)

	return &Thread{
		TID: TID(atomic.AddUint64(&nextTID, 1) - 1),
		Frame: &irq.Frame{
			RIP:    uint64(vmm.UserCodeBase),
			CS:     uint64(gdt.UserCodeSelector),
			RFlags: 0x200,
			RSP:    uint64(userStackTop),
			SS:     uint64(gdt.UserDataSelector),
		},
		Regs:           &irq.Regs{CR3: uint64(cr3)},
		KernelStackTop: kernelStackTop,
	}, nil
}

// allocFrameFn indirects the frame allocator used by the thread factory so
// tests can supply a fake; in the running kernel it is rebound by Init to
// the boot-memory allocator's AllocFrame.
var allocFrameFn func() (pmm.Frame, *kernel.Error)

// entryPointAddrFn extracts the code address a kernel-thread entry func
// value points to. Go closures without captured variables are represented
// as a direct code pointer, which is what the trampoline needs in RIP; it
// is a package variable so tests can observe/override it without relying on
// unsafe func-value layout assumptions holding on the test's host arch.
var entryPointAddrFn = func(entry func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&entry))
}

func entryPointAddr(entry func()) uintptr {
	return entryPointAddrFn(entry)
}
