package proc

import (
	"errors"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/mindbg/mindbg/pkg/logflags"
)

// StepKind selects the flavor of a source step.
type StepKind int

const (
	StepInto StepKind = iota
	StepOver
)

// Controller drives the target: continue, step, range step, return to
// caller, frame selection, and the event loop. Everything here runs
// on the command thread.
type Controller struct {
	machine    Machine
	link       TargetLink
	out        Output
	log        *logrus.Entry
	kernelMode bool

	registry    *Registry
	breakpoints *BreakpointSet

	// SourceStepping enables line-granular stepping when source
	// information is available.
	SourceStepping bool

	// ShowSource, when set, is called with the stopped instruction
	// pointer every time a break is handed to the user.
	ShowSource func(pc uint64)

	// ProfilerSink receives profiler events; they are not interpreted
	// here.
	ProfilerSink func(*ProfilerEvent)

	running        bool
	currentBreak   *BreakEvent
	previousProcess uint32

	rangeStep      RangeStep
	rangeStepValid bool

	frameRegisters Registers
	currentFrame   int

	// DisassemblyAddress and DumpAddress are the cursors the dump
	// commands continue from; both reset to the PC on a break.
	DisassemblyAddress uint64
	DumpAddress        uint64

	// nextInstructionLength is the decoded size of the instruction
	// about to execute at the current break.
	nextInstructionLength int
}

// NewController wires a controller to a transport.
func NewController(machine Machine, link TargetLink, registry *Registry, breakpoints *BreakpointSet, kernelMode bool, out Output) *Controller {
	return &Controller{
		machine:        machine,
		link:           link,
		out:            out,
		log:            logflags.DebuggerLogger(),
		kernelMode:     kernelMode,
		registry:       registry,
		breakpoints:    breakpoints,
		SourceStepping: true,
	}
}

// Running reports whether the target is running between events.
func (c *Controller) Running() bool { return c.running }

// CurrentBreak returns the break event the target is stopped on.
func (c *Controller) CurrentBreak() *BreakEvent { return c.currentBreak }

// FrameRegisters returns the registers of the selected frame.
func (c *Controller) FrameRegisters() *Registers { return &c.frameRegisters }

// CurrentFrame returns the selected frame number.
func (c *Controller) CurrentFrame() int { return c.currentFrame }

// Registry returns the module registry.
func (c *Controller) Registry() *Registry { return c.registry }

// Breakpoints returns the breakpoint set.
func (c *Controller) Breakpoints() *BreakpointSet { return c.breakpoints }

// signalToDeliver returns the pending signal to forward to a user
// mode target, 0 in kernel mode.
func (c *Controller) signalToDeliver() uint32 {
	if c.kernelMode || c.currentBreak == nil {
		return 0
	}
	if c.currentBreak.Exception == ExceptionSignal && c.currentBreak.SignalNumber != signalTrap {
		return c.currentBreak.SignalNumber
	}
	return 0
}

// Continue resumes the target.
func (c *Controller) Continue() error {
	return c.resume(false, 0)
}

// ContinueToAddress resumes with a one-time breakpoint at address.
func (c *Controller) ContinueToAddress(address uint64) error {
	return c.resume(true, address)
}

// resume implements continue. When a pending trap restore exists, the
// target is single-stepped off the breakpoint address first, the trap
// is reinserted, and only then does the real continue go out; the
// intermediate single-step event is the one event the controller
// swallows silently.
func (c *Controller) resume(setOneTime bool, address uint64) error {
	if setOneTime {
		if bp, ok := c.breakpoints.FindByAddress(address); ok && bp.Enabled {
			setOneTime = false
		}
	}
	if setOneTime {
		if err := c.breakpoints.SetOneTime(address); err != nil {
			c.out.Printf("Error: Failed to set breakpoint at %x.\n", address)
			return err
		}
	}

	if c.breakpoints.PendingRestore() != nil {
		if err := c.link.SingleStep(c.signalToDeliver()); err != nil {
			c.out.Printf("Error: Failed to single step.\n")
			return err
		}
		ev, err := c.link.WaitForEvent()
		if err != nil {
			c.out.Printf("Error: Failed to wait for a response after single step.\n")
			return err
		}
		breakEv, ok := ev.(*BreakEvent)
		if !ok {
			c.out.Printf("Failed to get a break after a single step.\n")
			return errors.New("no break after single step")
		}
		c.currentBreak = breakEv
		if err := c.breakpoints.RestorePending(); err != nil {
			c.out.Printf("%v\n", err)
			return err
		}
	}

	if err := c.link.Continue(c.signalToDeliver()); err != nil {
		return err
	}
	c.running = true
	return nil
}

// SingleStep executes one instruction.
func (c *Controller) SingleStep() error {
	if err := c.link.SingleStep(c.signalToDeliver()); err != nil {
		return err
	}
	c.running = true
	return nil
}

// Step performs a source-line step if line information is available
// and source stepping is on, an instruction-level step otherwise.
func (c *Controller) Step(kind StepKind) error {
	if c.currentBreak == nil {
		return errors.New("target is not stopped")
	}
	ip := c.currentBreak.InstructionPointer

	var (
		baseDifference uint64
		function       *symFunction
		line           *symLine
	)
	if module, debased, ok := c.registry.FindByAddress(ip); ok && module.Symbols != nil {
		baseDifference = module.BaseDifference
		if _, l, err := module.Symbols.LookupSourceLine(debased); err == nil {
			line = &symLine{start: l.Start, end: l.End}
		}
		if fn, err := module.Symbols.FindFunctionByAddress(debased); err == nil {
			function = &symFunction{start: fn.Start, end: fn.End}
		}
		if file, ok := module.Symbols.SourceFileForAddress(debased); ok && function == nil {
			// Without a function, the file range still bounds a step
			// over.
			function = &symFunction{start: file.Start, end: file.End, fileOnly: true}
		}
	}

	// No line information or source stepping off: step by instruction.
	if line == nil || !c.SourceStepping {
		if kind == StepInto {
			return c.SingleStep()
		}
		step := RangeStep{
			BreakRangeMinimum: 0,
			BreakRangeMaximum: math.MaxUint64,
			RangeHoleMinimum:  ip,
			RangeHoleMaximum:  ip + 1,
		}
		if function != nil &&
			ip+uint64(c.nextInstructionLength) < function.end+baseDifference {
			step.BreakRangeMinimum = function.start + baseDifference
			step.BreakRangeMaximum = function.end + baseDifference
		}
		return c.rangeStepStart(&step)
	}

	step := RangeStep{
		RangeHoleMinimum: line.start + baseDifference,
		RangeHoleMaximum: line.end + baseDifference,
	}
	var functionEnd uint64
	if function != nil && !function.fileOnly {
		functionEnd = function.end + baseDifference
	}

	// Stepping into, or leaving from the last line of the function:
	// break anywhere in the address space.
	if kind == StepInto || functionEnd == 0 || step.RangeHoleMaximum == functionEnd {
		step.BreakRangeMinimum = 0
		step.BreakRangeMaximum = math.MaxUint64
	} else {
		step.BreakRangeMinimum = function.start + baseDifference
		step.BreakRangeMaximum = functionEnd
	}
	return c.rangeStepStart(&step)
}

type symFunction struct {
	start, end uint64
	fileOnly   bool
}

type symLine struct {
	start, end uint64
}

// rangeStepStart uses the transport's range-step primitive when it
// has one; otherwise the range is stored and emulated with single
// steps driven by the event loop.
func (c *Controller) rangeStepStart(step *RangeStep) error {
	c.log.Debugf("range step: hole [%#x, %#x) break [%#x, %#x)",
		step.RangeHoleMinimum, step.RangeHoleMaximum,
		step.BreakRangeMinimum, step.BreakRangeMaximum)
	err := c.link.RangeStepTarget(step, c.signalToDeliver())
	if err == nil {
		c.running = true
		return nil
	}
	if !errors.Is(err, ErrNotImplemented) {
		return err
	}
	c.rangeStep = *step
	c.rangeStepValid = true
	return c.SingleStep()
}

// ReturnToCaller runs to the current function's return address. ARM
// leaf functions keep the return address in LR; they are detected by
// the absence of the "mov ip, sp" prologue at the function entry, or
// by being stopped exactly on that first instruction.
func (c *Controller) ReturnToCaller() error {
	if c.currentBreak == nil {
		return errors.New("target is not stopped")
	}
	ip := c.currentBreak.InstructionPointer

	if c.machine == MachineArm {
		if start, ok := c.functionStart(ip); ok {
			var buf [ArmBreakInstructionLength]byte
			n, err := c.link.ReadMemory(true, c.machine.BreakAddress(start), buf[:])
			if err == nil && n == len(buf) {
				first := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
				if first != ArmFunctionPrologue || ip == start {
					return c.ContinueToAddress(uint64(c.currentBreak.Registers.Arm.R14Lr))
				}
			}
		}
	}

	regs := c.currentBreak.Registers
	frame, err := UnwindFrame(c.link, c.machine, &regs)
	if err != nil {
		c.out.Printf("Error: Unable to get call stack.\n")
		return err
	}
	return c.ContinueToAddress(frame.ReturnAddress)
}

// functionStart returns the loaded start address of the function
// covering the target VA.
func (c *Controller) functionStart(va uint64) (uint64, bool) {
	module, debased, ok := c.registry.FindByAddress(va)
	if !ok || module.Symbols == nil {
		return 0, false
	}
	fn, err := module.Symbols.FindFunctionByAddress(debased)
	if err != nil {
		return 0, false
	}
	return fn.Start + module.BaseDifference, true
}

// SetFrame selects frame n for locals and register display. Frame 0
// is the break frame itself; higher frames come from unwinding a
// scratch register copy. Register writes are only allowed in frame 0.
func (c *Controller) SetFrame(n int) error {
	if c.currentBreak == nil {
		return errors.New("target is not stopped")
	}
	regs := c.currentBreak.Registers
	pc := c.currentBreak.InstructionPointer
	for i := 0; i < n; i++ {
		frame, err := UnwindFrame(c.link, c.machine, &regs)
		if err != nil {
			if errors.Is(err, ErrStackEOF) {
				c.out.Printf("Frame %d is the end of the stack.\n", i)
			}
			return err
		}
		pc = frame.ReturnAddress
	}
	c.frameRegisters = regs
	c.currentFrame = n
	if c.ShowSource != nil {
		c.ShowSource(pc)
	}
	return nil
}

// WaitForEvent blocks for the next target event and handles it.
// It returns true while the target is still running, meaning the
// caller should wait again.
func (c *Controller) WaitForEvent() (bool, error) {
	ev, err := c.link.WaitForEvent()
	if err != nil {
		c.running = false
		return false, err
	}
	return c.HandleEvent(ev)
}

// HandleEvent consumes one event. The return value says whether the
// target kept running (a silently stepped range-step break) or
// control goes back to the user.
func (c *Controller) HandleEvent(ev Event) (bool, error) {
	switch ev := ev.(type) {
	case *BreakEvent:
		if err := c.handleBreak(ev); err != nil {
			return c.running, err
		}
	case *ShutdownEvent:
		c.handleShutdown(ev)
	case *ProfilerEvent:
		if c.ProfilerSink != nil {
			c.ProfilerSink(ev)
		}
	default:
		c.out.Printf("Warning: ignoring unknown debugger event %T.\n", ev)
	}
	return c.running, nil
}

func (c *Controller) handleBreak(ev *BreakEvent) error {
	c.running = false

	forceModuleUpdate := c.previousProcess != ev.Process
	c.previousProcess = ev.Process
	err := c.registry.Sync(c.link, ev.LoadedModuleCount, ev.LoadedModuleSignature, forceModuleUpdate)
	if err != nil {
		c.out.Printf("Failed to validate loaded modules.\n")
	}

	hit := c.breakpoints.HandleBreak(ev)

	switch ev.Exception {
	case ExceptionDebugBreak, ExceptionSingleStep, ExceptionSignal:
		if ev.Exception == ExceptionSignal && ev.SignalNumber != signalTrap {
			c.out.Printf("Caught signal %d.\n", ev.SignalNumber)
		}
		if hit != -1 {
			c.out.Printf("Breakpoint %d hit!\n", hit)
		} else if c.rangeStepValid && !c.rangeStep.Covers(ev.InstructionPointer) {
			// Still inside the step range: keep going silently.
			if err := c.link.SingleStep(c.signalToDeliver()); err != nil {
				c.out.Printf("Failed to single step over %x.\n", ev.InstructionPointer)
				return err
			}
			c.running = true
			return nil
		}

	case ExceptionAssertionFailure:

	case ExceptionAccessViolation:
		c.out.Printf("\n *** Access violation: Error code 0x%08x ***\n", ev.ErrorCode)

	case ExceptionDoubleFault:
		c.out.Printf("\n *** Double Fault ***\n")

	case ExceptionIllegalInstruction:
		c.out.Printf("\n *** Illegal Instruction ***\n")

	case ExceptionInvalid:
		c.out.Printf("Error: Invalid exception received!\n")

	default:
		c.out.Printf("Error: Unknown exception %d received!\n", ev.Exception)
	}

	// This break really goes to the user.
	c.rangeStepValid = false
	c.currentBreak = ev
	c.DisassemblyAddress = ev.InstructionPointer
	c.DumpAddress = ev.InstructionPointer
	c.frameRegisters = ev.Registers
	c.currentFrame = 0

	if c.ShowSource != nil {
		c.ShowSource(ev.InstructionPointer)
	}

	text, size := DisassembleNext(c.machine, ev.InstructionStream[:], ev.Registers.Thumb())
	c.nextInstructionLength = size
	c.out.Printf("%08x: %s\n", ev.InstructionPointer, text)
	return nil
}

func (c *Controller) handleShutdown(ev *ShutdownEvent) {
	c.running = false
	switch ev.Kind {
	case ShutdownProcessExit:
		c.out.Printf("Process %d exited with status %d.\n", ev.Process, ev.ExitStatus)
	case ShutdownThreadExit:
		c.out.Printf("Thread exited with status %d.\n", ev.ExitStatus)
	case ShutdownRestart:
		c.out.Printf("Target restarted.\n")
	}
	if ev.UnloadAllSymbols {
		c.registry.UnloadAll(true)
	}
}

// SwitchProcessor asks the target to move the debugger to another
// processor or thread.
func (c *Controller) SwitchProcessor(n uint32) error {
	if err := c.link.SwitchProcessor(n); err != nil {
		return err
	}
	// The switch comes back as a new break event.
	c.running = true
	return nil
}

// ThreadList returns the identifiers of the target's threads or
// processors.
func (c *Controller) ThreadList() ([]uint32, error) {
	return c.link.GetThreadList()
}

// Reboot forcibly resets the target.
func (c *Controller) Reboot(kind RebootKind) error {
	if err := c.link.Reboot(kind); err != nil {
		return err
	}
	c.running = true
	return nil
}

// RequestBreakIn asks a running target to stop.
func (c *Controller) RequestBreakIn() error {
	if !c.running {
		return nil
	}
	return c.link.RequestBreakIn()
}
