// Package allocator implements the kernel's physical frame allocator.
package allocator

import (
	"nyx/kernel"
	"nyx/kernel/bootinfo"
	"nyx/kernel/kfmt"
	"nyx/kernel/mem"
	"nyx/kernel/mem/pmm"
	"nyx/kernel/sync"
)

var (
	// boot is the single, process-wide allocator instance. It is guarded by
	// lock so that concurrent AllocFrame callers serialize, per the frame
	// allocator's process-wide lock requirement.
	boot bootMemAllocator
	lock sync.Spinlock

	errOutOfMemory = &kernel.Error{Module: "allocator", Message: "out of memory"}
)

// bootMemAllocator is a stateful cursor over the concatenation of the
// bootloader-reported Usable memory regions, chunked into page-sized frames.
// It never reclaims a frame: once handed out, a frame is never returned
// again.
type bootMemAllocator struct {
	regions        []bootinfo.MemoryRegion
	regionIndex    int
	nextFrame      pmm.Frame
	regionStarted  bool
	allocCount     uint64
}

// Init binds the allocator to the bootloader-reported memory map. It must be
// called once, before the first call to AllocFrame.
func Init(info *bootinfo.Info) {
	lock.Acquire()
	defer lock.Release()

	boot = bootMemAllocator{regions: info.Regions}
	printMemoryMap(info.Regions)
}

// AllocFrame yields the frame at the allocator's current cursor and advances
// it by one. It never fails while the memory map is not exhausted.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	for boot.regionIndex < len(boot.regions) {
		region := boot.regions[boot.regionIndex]
		if region.Kind != bootinfo.Usable {
			boot.regionIndex++
			boot.regionStarted = false
			continue
		}

		pageSizeMinus1 := uintptr(mem.PageSize - 1)
		startFrame := pmm.Frame(((region.Start + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		endFrame := pmm.Frame((region.End &^ pageSizeMinus1) >> mem.PageShift)

		var candidate pmm.Frame
		if !boot.regionStarted {
			candidate = startFrame
		} else {
			candidate = boot.nextFrame + 1
		}

		if candidate >= endFrame {
			boot.regionIndex++
			boot.regionStarted = false
			continue
		}

		boot.nextFrame = candidate
		boot.regionStarted = true
		boot.allocCount++
		return candidate, nil
	}

	return pmm.InvalidFrame, errOutOfMemory
}

func printMemoryMap(regions []bootinfo.MemoryRegion) {
	kfmt.Printf("[allocator] system memory map:\n")
	var totalFree mem.Size
	for _, region := range regions {
		kind := "reserved"
		if region.Kind == bootinfo.Usable {
			kind = "usable"
			totalFree += mem.Size(region.End - region.Start)
		}
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Start, region.End, region.End-region.Start, kind)
	}
	kfmt.Printf("[allocator] available memory: %dKb\n", uint64(totalFree/mem.Kb))
}
