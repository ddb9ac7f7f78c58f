package vmm

import (
	"nyx/kernel"
	"nyx/kernel/bootinfo"
	"nyx/kernel/mem"
	"nyx/kernel/mem/pmm"
	"unsafe"
)

// UserLowPages is the number of frames backing the user-accessible low
// region of a fresh address space: a small, contiguous 64 KiB playground at
// virtual 0 into which a user thread's entry code is copied and where its
// stack lives.
const UserLowPages = 16

// UserCodeBase is the virtual address a freshly built address space maps
// its first user frame at (L1[0]), and therefore the RIP a ring-3 thread
// must start executing from.
const UserCodeBase = uintptr(0)

var (
	errNoKernelHalf = &kernel.Error{Module: "vmm", Message: "kernel L3 half is not present in the active address space"}
)

// tableAt dereferences a physical frame as a 512-entry page table through the
// bootloader's identity-mapped physical memory window. Unlike walk(), this
// works for ANY frame — including the tables of an address space that is
// not currently active — because it never relies on the recursive mapping.
func tableAt(info *bootinfo.Info, frame pmm.Frame) *[512]pageTableEntry {
	return (*[512]pageTableEntry)(unsafe.Pointer(info.PhysToVirt(frame.Address())))
}

// NewUserAddressSpace builds a fresh address space for a user thread,
// per the page-table builder's five-step contract:
//
//  1. allocate L4, L3, L2, L1 frames for the low half
//  2. zero each table and link L4[0]->L3, L3[0]->L2, L2[0]->L1 with
//     PRESENT|WRITABLE|USER_ACCESSIBLE
//  3. copy the kernel's own L3 entries at 510 and 511 into the new L3 with
//     PRESENT|WRITABLE (no user flag)
//  4. back the first UserLowPages L1 entries with fresh, user-accessible
//     frames
//  5. return the new CR3 frame and the physical address of the first user
//     frame
//
// The kernel's own address space is read via the physical-memory-offset
// mapping, so building the new tables never touches the currently active
// hierarchy.
func NewUserAddressSpace(info *bootinfo.Info, allocFn FrameAllocatorFn) (cr3 pmm.Frame, firstUserFrame pmm.Frame, err *kernel.Error) {
	l4Frame, err := allocFn()
	if err != nil {
		return pmm.InvalidFrame, pmm.InvalidFrame, err
	}
	l3Frame, err := allocFn()
	if err != nil {
		return pmm.InvalidFrame, pmm.InvalidFrame, err
	}
	l2Frame, err := allocFn()
	if err != nil {
		return pmm.InvalidFrame, pmm.InvalidFrame, err
	}
	l1Frame, err := allocFn()
	if err != nil {
		return pmm.InvalidFrame, pmm.InvalidFrame, err
	}

	l4 := tableAt(info, l4Frame)
	l3 := tableAt(info, l3Frame)
	l2 := tableAt(info, l2Frame)
	l1 := tableAt(info, l1Frame)
	*l4, *l3, *l2, *l1 = [512]pageTableEntry{}, [512]pageTableEntry{}, [512]pageTableEntry{}, [512]pageTableEntry{}

	userFlags := FlagPresent | FlagRW | FlagUserAccessible
	link(&l4[0], l3Frame, userFlags)
	link(&l3[0], l2Frame, userFlags)
	link(&l2[0], l1Frame, userFlags)

	kernelL4 := tableAt(info, pmm.Frame(info.CR3>>mem.PageShift))
	kernelL3 := tableAt(info, kernelL4[0].Frame())
	if !kernelL4[0].HasFlags(FlagPresent) {
		return pmm.InvalidFrame, pmm.InvalidFrame, errNoKernelHalf
	}
	l3[510] = kernelL3[510]
	l3[511] = kernelL3[511]

	for i := 0; i < UserLowPages; i++ {
		frame, ferr := allocFn()
		if ferr != nil {
			return pmm.InvalidFrame, pmm.InvalidFrame, ferr
		}
		if i == 0 {
			firstUserFrame = frame
		}
		link(&l1[i], frame, userFlags)
	}

	return l4Frame, firstUserFrame, nil
}

func link(pte *pageTableEntry, frame pmm.Frame, flags PageTableEntryFlag) {
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags)
}
