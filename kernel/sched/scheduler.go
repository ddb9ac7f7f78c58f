package sched

import (
	"nyx/kernel"
	"nyx/kernel/gdt"
	"nyx/kernel/irq"
	"nyx/kernel/kfmt"
	"nyx/kernel/mem/pmm/allocator"
	"nyx/kernel/mem/vmm"
	"nyx/kernel/sync"
	"sync/atomic"
)

var (
	// lock guards threads and queue. schedule() uses try-lock semantics so
	// a preemption that finds it already held (e.g. the current thread is
	// mid-spawn) simply skips that tick rather than risking a deadlock.
	lock sync.Spinlock

	threads = map[TID]*Thread{}
	queue   []TID

	// current holds the TID of the thread presently executing. Reads and
	// writes use sequentially-consistent atomics, per §5's ordering
	// requirement.
	current uint64

	setKernelStackFn = gdt.SetKernelStack

	errDuplicateThreadID  = &kernel.Error{Module: "sched", Message: "duplicate thread id"}
	errCorruptThreadState = &kernel.Error{Module: "sched", Message: "scheduled thread has no saved state"}
)

// Init constructs the root thread (TID 0), marks it current, seeds an empty
// run queue, wires the frame allocator used by the thread factory and
// claims the DoubleFault, Timer and Keyboard vectors. This is the last of
// the boot orchestrator's nine steps.
func Init() {
	lock.Acquire()
	threads = map[TID]*Thread{0: newRootThread()}
	queue = nil
	atomic.StoreUint64(&current, 0)
	lock.Release()

	allocFrameFn = allocator.AllocFrame
	vmm.SetCurrentThreadIDFn(CurrentThreadID)

	irq.HandleExceptionWithCode(irq.DoubleFault, doubleFaultHandler)
	irq.HandleException(irq.Timer, timerHandler)
	irq.HandleException(irq.Keyboard, keyboardHandler)
}

// CurrentThreadID returns the id of the thread presently executing.
func CurrentThreadID() uint64 {
	return atomic.LoadUint64(&current)
}

// Spawn builds a kernel thread that begins executing at entry the next time
// it is scheduled in and adds it to the run queue. entry must never return;
// a kernel thread running off the end of its entry function returns into
// undefined memory.
func Spawn(entry func()) (TID, *kernel.Error) {
	t, err := newKernelThread(entry)
	if err != nil {
		return 0, err
	}
	register(t)
	return t.TID, nil
}

// SpawnUser builds a ring-3 thread whose entry code is the given machine
// code, copied into a fresh, private address space, and adds it to the run
// queue.
func SpawnUser(code []byte) (TID, *kernel.Error) {
	t, err := newUserThread(code)
	if err != nil {
		return 0, err
	}
	register(t)
	return t.TID, nil
}

func register(t *Thread) {
	lock.Acquire()
	defer lock.Release()

	if _, exists := threads[t.TID]; exists {
		kfmt.Printf("[sched] attempted to register duplicate thread id %d\n", uint64(t.TID))
		panic(errDuplicateThreadID)
	}
	threads[t.TID] = t
	queue = append(queue, t.TID)
}

// timerHandler drives preemption: it is invoked from inside the preemption
// trampoline on every timer tick, with frame/regs pointing at the exact
// stack locations iretq will resume from.
func timerHandler(frame *irq.Frame, regs *irq.Regs) {
	Schedule(frame, regs)
	sendEOIFn(timerPICLine)
}

// Schedule pops the run queue head and swaps it in for the currently
// executing thread, in place, inside the caller's frame/regs. If the
// scheduler lock is contended or the queue is empty, Schedule leaves
// frame/regs untouched and the interrupted thread simply resumes.
//
// This is the entirety of the context-switch mechanism: the trampoline's
// iretq, executed after Schedule returns, resumes execution at whatever
// frame now holds and in whatever address space regs.CR3 now names.
func Schedule(frame *irq.Frame, regs *irq.Regs) {
	if !lock.TryToAcquire() {
		return
	}
	defer lock.Release()

	if len(queue) == 0 {
		return
	}

	nextTID := queue[0]
	queue = queue[1:]

	next, ok := threads[nextTID]
	if !ok || next.Frame == nil || next.Regs == nil {
		kfmt.Printf("[sched] thread %d has no saved state at switch time\n", uint64(nextTID))
		panic(errCorruptThreadState)
	}

	outgoingTID := TID(atomic.SwapUint64(&current, uint64(nextTID)))
	outgoing, ok := threads[outgoingTID]
	if !ok {
		kfmt.Printf("[sched] outgoing thread %d is unknown\n", uint64(outgoingTID))
		panic(errCorruptThreadState)
	}

	outgoing.Frame = &irq.Frame{}
	*outgoing.Frame = *frame
	outgoing.Regs = &irq.Regs{}
	*outgoing.Regs = *regs

	*frame = *next.Frame
	*regs = *next.Regs
	next.Frame, next.Regs = nil, nil

	setKernelStackFn(next.KernelStackTop)

	queue = append(queue, outgoingTID)
}

func doubleFaultHandler(code uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\ndouble fault (code 0x%x) on thread %d\n", code, CurrentThreadID())
	regs.Print()
	frame.Print()
	panic(&kernel.Error{Module: "sched", Message: "double fault"})
}
