package sched

import (
	"nyx/kernel/cpu"
	"nyx/kernel/irq"
	"nyx/kernel/kfmt"
)

// scancodeQueueSize is the capacity of the scancode ring buffer. It is sized
// generously for a PS/2 keyboard's bursts; a full queue drops the newest
// scancode rather than blocking the producer (the IRQ handler cannot block).
const scancodeQueueSize = 256

var (
	scancodeBuf              [scancodeQueueSize]byte
	scancodeHead, scancodeTail int
	scancodeDropped          uint64

	// wakerFn is called after a scancode is enqueued, once a consumer (the
	// async task executor, built outside this core) registers one via
	// SetScancodeWaker. Keyboard decoding itself lives outside the core;
	// this package only owns the IRQ-side enqueue.
	wakerFn func()

	readPortByteFn = cpu.InB
)

// SetScancodeWaker registers the function the keyboard handler calls after
// successfully enqueuing a scancode. It is how the (out-of-core) async task
// executor learns there is scancode data ready to decode.
func SetScancodeWaker(fn func()) {
	wakerFn = fn
}

// PopScancode removes and returns the oldest queued scancode. The second
// return value is false if the queue is empty.
func PopScancode() (byte, bool) {
	if scancodeHead == scancodeTail {
		return 0, false
	}
	b := scancodeBuf[scancodeTail]
	scancodeTail = (scancodeTail + 1) % scancodeQueueSize
	return b, true
}

// pushScancode enqueues a scancode, returning false if the queue was full.
func pushScancode(b byte) bool {
	next := (scancodeHead + 1) % scancodeQueueSize
	if next == scancodeTail {
		scancodeDropped++
		return false
	}
	scancodeBuf[scancodeHead] = b
	scancodeHead = next
	return true
}

// keyboardHandler reads the scancode off port 0x60, enqueues it and wakes
// the registered waker. A full queue drops the scancode with a single
// console warning; this is the only effect of the drop (§7).
func keyboardHandler(_ *irq.Frame, _ *irq.Regs) {
	scancode := readPortByteFn(0x60)
	defer sendEOIFn(keyboardPICLine)

	if !pushScancode(scancode) {
		kfmt.Printf("[sched] scancode queue full; dropping scancode 0x%x\n", scancode)
		return
	}

	if wakerFn != nil {
		wakerFn()
	}
}
