package sched

import (
	"nyx/kernel"
	"nyx/kernel/mem"
	"nyx/kernel/mem/vmm"
	"sync/atomic"
)

// stackAllocNext is the process-wide cursor described in §4.7: kernel
// stacks are carved out of a monotonically-growing virtual window starting
// at 0x0000_5555_5555_0000 and growing upward as more stacks are allocated.
var stackAllocNext = uint64(0x0000_5555_5555_0000)

// mapStackFn indirects vmm.Map so tests can substitute a fake instead of
// building real page tables.
var mapStackFn = vmm.Map

// AllocStack reserves a guard-paged kernel stack of pages pages and returns
// the virtual address of its top (the value to load into RSP). Allocating n
// pages advances the cursor by (n+1)*PageSize: the first page of the block
// is deliberately left unmapped as a guard, and the remaining n pages are
// mapped PRESENT|WRITABLE, backed by freshly allocated frames. The stack
// grows downward from the high end of the block.
func AllocStack(pages int) (uintptr, *kernel.Error) {
	blockSize := uint64(pages+1) * uint64(mem.PageSize)
	guardPageStart := atomic.AddUint64(&stackAllocNext, blockSize) - blockSize

	stackStart := uintptr(guardPageStart) + uintptr(mem.PageSize)
	page := vmm.PageFromAddress(stackStart)

	for i := 0; i < pages; i, page = i+1, page+1 {
		frame, err := allocFrameFn()
		if err != nil {
			return 0, err
		}
		if err := mapStackFn(page, frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return 0, err
		}
	}

	return stackStart + uintptr(pages)*uintptr(mem.PageSize), nil
}
