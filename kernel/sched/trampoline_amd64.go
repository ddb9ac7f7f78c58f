package sched

import "nyx/kernel/irq"

// timerPICLine and keyboardPICLine are 8259A PIC line numbers, not the
// remapped IDT vectors Init registers handlers against (irq.Timer,
// irq.Keyboard). sendEOIFn talks to the controller, which only ever knew
// about lines 0-15; vectors 32/33 are a property of the IDT, not the PIC.
const (
	timerPICLine    = 0
	keyboardPICLine = 1
)

// sendEOIFn indirects irq.SendEOI so tests can verify the scheduler's IRQ
// handlers acknowledge the PIC without a real 8259A to talk to.
//
// This is the scheduler's half of the IRQ-vs-exception split: the single
// asm trampoline kernel/irq declares (see handler_amd64.go) dispatches both
// CPU exceptions and the Timer/Keyboard IRQs through the same
// HandleException mechanism, but only the latter ever reached the CPU via
// the PIC. A handler installed on Breakpoint or GPFException must never
// acknowledge a PIC line that didn't fire one, so the EOI send lives here,
// in the handlers that own the Timer and Keyboard vectors, rather than in
// the shared trampoline or the generic default-panic-handler path.
var sendEOIFn = irq.SendEOI
