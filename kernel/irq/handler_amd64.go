package irq

import (
	"nyx/kernel/cpu"
	"nyx/kernel/kfmt"
)

// ExceptionNum defines an exception number that can be
// passed to the HandleException and HandleExceptionWithCode
// functions.
type ExceptionNum uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = ExceptionNum(0)

	// Breakpoint is raised by the INT3 instruction; it is informational.
	Breakpoint = ExceptionNum(3)

	// NMI (non-maskable-interrupt) indicates issues with RAM or other
	// unrecoverable hardware problems.
	NMI = ExceptionNum(2)

	// Overflow occurs when the INTO instruction is executed with the
	// overflow flag set.
	Overflow = ExceptionNum(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = ExceptionNum(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = ExceptionNum(6)

	// DeviceNotAvailable occurs when an FPU instruction is attempted
	// without an available FPU.
	DeviceNotAvailable = ExceptionNum(7)

	// DoubleFault occurs when an exception is unhandled
	// or when an exception occurs while the CPU is
	// trying to call an exception handler.
	DoubleFault = ExceptionNum(8)

	// InvalidTSS is raised when the CPU detects a logical error while
	// switching to a new TSS.
	InvalidTSS = ExceptionNum(10)

	// SegmentNotPresent is raised when loading a segment selector whose
	// present bit is cleared.
	SegmentNotPresent = ExceptionNum(11)

	// StackSegmentFault is raised on SS-related limit violations.
	StackSegmentFault = ExceptionNum(12)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a PDT or
	// PDT-entry is not present or when a privilege
	// and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)

	// FloatingPointException is raised by a floating point instruction
	// when unmasked and the FPU signals an error condition.
	FloatingPointException = ExceptionNum(16)

	// AlignmentCheck is raised for unaligned memory accesses when enabled.
	AlignmentCheck = ExceptionNum(17)

	// MachineCheck indicates a model-specific processor failure.
	MachineCheck = ExceptionNum(18)

	// SIMDFloatingPointException is raised by SSE/SSE2/SSE3 instructions.
	SIMDFloatingPointException = ExceptionNum(19)

	// Timer is PIC line 0, remapped to vector 32 (PIC_1_OFFSET). It drives
	// preemption.
	Timer = ExceptionNum(32)

	// Keyboard is PIC line 1, remapped to vector 33.
	Keyboard = ExceptionNum(33)
)

// archExceptions lists every architectural exception vector that requires a
// handler at boot, so Init can install a default panic handler on each one
// not otherwise claimed.
var archExceptions = []ExceptionNum{
	DivideByZero, NMI, Breakpoint, Overflow, BoundRangeExceeded, InvalidOpcode,
	DeviceNotAvailable, FloatingPointException, AlignmentCheck, MachineCheck,
	SIMDFloatingPointException,
}

// archExceptionsWithCode lists the exception vectors that push an error code,
// other than DoubleFault/GPFException/PageFaultException which get dedicated
// handlers from the vmm and sched packages.
var archExceptionsWithCode = []ExceptionNum{InvalidTSS, SegmentNotPresent, StackSegmentFault}

// ExceptionHandler is a function that handles an exception that does not push
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that pushes
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

// HandleException registers an exception handler (without an error code) for
// the given interrupt number.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler)

// HandleExceptionWithCode registers an exception handler (with an error code)
// for the given interrupt number.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode)

// installIDT populates the IDT descriptor and loads it into the CPU. All
// gate entries are initially marked non-present; HandleException and
// HandleExceptionWithCode fill them in.
func installIDT()

// remapPIC reprograms the master/slave 8259A PICs so that IRQ lines 0-7 and
// 8-15 map to vectors masterOffset..masterOffset+7 and
// slaveOffset..slaveOffset+7, then unmasks the timer (line 0) and keyboard
// (line 1) lines.
func remapPIC(masterOffset, slaveOffset uint8)

// SendEOI acknowledges delivery of the interrupt on the given PIC line,
// letting the controller deliver further interrupts on that line. Unlike
// installIDT and remapPIC, this needs no inline asm of its own: it is just
// two OUT instructions, issued through the same cpu.OutB primitive the rest
// of the kernel uses for port I/O.
//
// It is exported because IRQ lines, unlike CPU exceptions, must be
// acknowledged by whoever handles them; the generic handlers Init installs
// below never call it, since nothing was delivered via the PIC for them to
// acknowledge. kernel/sched calls SendEOI directly from its timer and
// keyboard handlers.
func SendEOI(line uint8) {
	if line >= 8 {
		cpu.OutB(picSlaveCommandPort, picEOICommand)
	}
	cpu.OutB(picMasterCommandPort, picEOICommand)
}

const (
	picMasterOffset = 32
	picSlaveOffset  = 40

	picMasterCommandPort = 0x20
	picSlaveCommandPort  = 0xA0
	picEOICommand        = 0x20
)

// haltFn is called by the default exception handlers once diagnostics have
// been printed. It is mocked by tests so a default-handler test doesn't
// actually crash the test binary.
var haltFn = func(reason string) { panic(reason) }

// installIDTFn, remapPICFn, handleExceptionFn and handleExceptionWithCodeFn
// indirect the asm-backed declarations above so Init can be exercised by
// tests without touching real hardware state.
var (
	installIDTFn              = installIDT
	remapPICFn                = remapPIC
	handleExceptionFn         = HandleException
	handleExceptionWithCodeFn = HandleExceptionWithCode
)

func defaultPanicHandler(name string) ExceptionHandler {
	return func(frame *Frame, regs *Regs) {
		kfmt.Printf("\nunhandled CPU exception: %s\n", name)
		regs.Print()
		frame.Print()
		haltFn(name)
	}
}

var exceptionNames = map[ExceptionNum]string{
	DivideByZero:               "divide by zero",
	NMI:                        "non-maskable interrupt",
	Breakpoint:                 "breakpoint",
	Overflow:                   "overflow",
	BoundRangeExceeded:         "bound range exceeded",
	InvalidOpcode:              "invalid opcode",
	DeviceNotAvailable:         "device not available",
	FloatingPointException:     "x87 floating point exception",
	AlignmentCheck:             "alignment check",
	MachineCheck:               "machine check",
	SIMDFloatingPointException: "SIMD floating point exception",
}

var exceptionNamesWithCode = map[ExceptionNum]string{
	InvalidTSS:        "invalid TSS",
	SegmentNotPresent: "segment not present",
	StackSegmentFault: "stack segment fault",
}

// Init installs the IDT with a default panic handler on every architectural
// exception vector (Breakpoint is informational and merely logs), remaps
// the PIC and enables the timer and keyboard lines. DoubleFault, GPFException
// and PageFaultException are left for their dedicated owners (sched and vmm)
// to claim with HandleExceptionWithCode.
func Init() {
	installIDTFn()

	for _, num := range archExceptions {
		name := exceptionNames[num]
		if num == Breakpoint {
			handleExceptionFn(num, func(frame *Frame, regs *Regs) {
				kfmt.Printf("\nbreakpoint hit\n")
				regs.Print()
				frame.Print()
			})
			continue
		}
		handleExceptionFn(num, defaultPanicHandler(name))
	}

	for _, num := range archExceptionsWithCode {
		name := exceptionNamesWithCode[num]
		handleExceptionWithCodeFn(num, func(code uint64, frame *Frame, regs *Regs) {
			kfmt.Printf("\nunhandled CPU exception: %s (code 0x%x)\n", name, code)
			regs.Print()
			frame.Print()
			haltFn(name)
		})
	}

	remapPICFn(picMasterOffset, picSlaveOffset)
}
