// Package gdt installs the global descriptor table and task state segment
// used to transition between ring 0 and ring 3 and to supply known-good
// stacks to the double-fault, timer and page-fault handlers.
package gdt

import "unsafe"

// Segment indices within the table. The TSS descriptor is 16 bytes wide in
// long mode and therefore occupies two consecutive slots.
const (
	nullIndex = iota
	kernelCodeIndex
	kernelDataIndex
	userCodeIndex
	userDataIndex
	tssIndex
	tableSize = tssIndex + 2
)

// Selectors exported for use by the scheduler when building a thread's
// initial CS/SS register values.
const (
	KernelCodeSelector = uint16(kernelCodeIndex << 3)
	KernelDataSelector = uint16(kernelDataIndex << 3)
	UserCodeSelector   = uint16(userCodeIndex<<3) | 3
	UserDataSelector   = uint16(userDataIndex<<3) | 3
	tssSelector        = uint16(tssIndex << 3)
)

// IST slot assignments within the TSS.
const (
	DoubleFaultIST = 0
	TimerIST       = 1
	PageFaultIST   = 2
)

const (
	privilegeStackSize = 20 * 1024
	istStackSize       = 20 * 1024
)

// Backing storage for the privilege-0 stack and the three IST stacks. All
// four are permanently allocated; none are ever freed or resized.
var (
	privilegeStack0 [privilegeStackSize]byte
	doubleFaultIST  [istStackSize]byte
	timerIST        [istStackSize]byte
	pageFaultIST    [istStackSize]byte
)

// taskStateSegment mirrors the x86-64 TSS layout: three privilege stack
// pointers, seven IST stack pointers and an I/O permission bitmap base that
// we never populate (no port-level ring-3 access is granted).
type taskStateSegment struct {
	reserved0 uint32
	rsp       [3]uint64
	reserved1 uint64
	ist       [7]uint64
	reserved2 uint64
	reserved3 uint16
	ioMapBase uint16
}

var (
	theTSS taskStateSegment
	table  [tableSize]uint64

	loadGDTFn  = loadGDT
	reloadCSFn = reloadCS
	loadTSSFn  = loadTSS
)

// Init builds the TSS and GDT, loads them into the CPU and reloads CS with
// the kernel code selector.
func Init() {
	theTSS = taskStateSegment{
		rsp: [3]uint64{uint64(stackTop(privilegeStack0[:]))},
		ist: [7]uint64{
			DoubleFaultIST: uint64(stackTop(doubleFaultIST[:])),
			TimerIST:       uint64(stackTop(timerIST[:])),
			PageFaultIST:   uint64(stackTop(pageFaultIST[:])),
		},
	}

	table[nullIndex] = 0
	table[kernelCodeIndex] = uint64(codeSegmentDescriptor(0))
	table[kernelDataIndex] = uint64(dataSegmentDescriptor(0))
	table[userCodeIndex] = uint64(codeSegmentDescriptor(3))
	table[userDataIndex] = uint64(dataSegmentDescriptor(3))

	low, high := tssDescriptor(uintptr(unsafe.Pointer(&theTSS)), uint32(unsafe.Sizeof(theTSS))-1)
	table[tssIndex] = low
	table[tssIndex+1] = high

	loadGDTFn(&table)
	reloadCSFn(KernelCodeSelector)
	loadTSSFn(tssSelector)
}

// SetKernelStack updates privilege stack 0, the stack the CPU switches to on
// a ring-3-to-ring-0 transition. The scheduler calls this immediately before
// resuming a user thread.
func SetKernelStack(rsp uintptr) {
	theTSS.rsp[0] = uint64(rsp)
}

func stackTop(stack []byte) uintptr {
	return uintptr(unsafe.Pointer(&stack[len(stack)-1])) + 1
}

// Descriptor flag bits, expressed as positions within the 64-bit code/data
// segment descriptor format (access byte at bit 40, flags at bit 52).
const (
	flagPresent    = 1 << 47
	flagDescType   = 1 << 44 // 1 = code/data, 0 = system
	flagExecutable = 1 << 43
	flagReadWrite  = 1 << 41 // writable (data) / readable (code)
	flagLongMode   = 1 << 53
)

func codeSegmentDescriptor(dpl uint64) uint64 {
	return flagPresent | flagDescType | flagExecutable | flagReadWrite | flagLongMode | (dpl << 45)
}

func dataSegmentDescriptor(dpl uint64) uint64 {
	return flagPresent | flagDescType | flagReadWrite | (dpl << 45)
}

// tssDescriptor builds the two 64-bit halves of a 16-byte system-segment
// descriptor describing the TSS at the given base address. Type 0x9 marks it
// as a 64-bit TSS (available, not busy).
func tssDescriptor(base uintptr, limit uint32) (low, high uint64) {
	b := uint64(base)
	l := uint64(limit)

	low = l&0xffff |
		(b&0xffffff)<<16 |
		0x9<<40 | // type: available 64-bit TSS
		flagPresent |
		((l>>16)&0xf)<<48 |
		((b >> 24) & 0xff) << 56

	high = (b >> 32) & 0xffffffff
	return low, high
}
