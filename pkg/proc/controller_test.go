package proc

import (
	"math"
	"strings"
	"testing"

	"github.com/mindbg/mindbg/pkg/symbols"
)

func newTestController(machine Machine, link *mockLink) (*Controller, *testOutput) {
	out := &testOutput{}
	registry := NewRegistry(machine, out)
	set := NewBreakpointSet(machine, link, out)
	c := NewController(machine, link, registry, set, false, out)
	return c, out
}

// loadFakeModule registers a module with prebuilt symbols, bypassing
// the on-disk search.
func loadFakeModule(r *Registry, db *symbols.Database, lowest uint64) *Module {
	m := &Module{
		Name:          db.ModuleName,
		BinaryName:    db.ModuleName,
		LowestAddress: lowest,
		Size:          0x10000,
		Timestamp:     1000,
		Symbols:       db,
		loaded:        true,
	}
	m.BaseDifference = lowest - db.PreferredLowest
	r.modules = append(r.modules, m)
	r.signature += m.Timestamp + m.LowestAddress
	return m
}

// steppingDatabase lays out one function main [0x1000, 0x1100) in
// main.c with two lines: [0x1000, 0x1010) and [0x1010, 0x1100).
// The second line is the last one in the function.
func steppingDatabase() *symbols.Database {
	db := symbols.NewDatabase("app")
	db.PreferredLowest = 0x1000
	db.AddSourceFile(symbols.SourceFile{
		Name:  "main.c",
		Start: 0x1000,
		End:   0x1100,
		Lines: []symbols.SourceLine{
			{Start: 0x1000, End: 0x1010, Line: 10},
			{Start: 0x1010, End: 0x1100, Line: 11},
		},
	})
	db.AddFunction(symbols.Function{
		Name:       "main",
		Start:      0x1000,
		End:        0x1100,
		SourceFile: 0,
	})
	return db
}

func TestContinueRestoresPendingTrap(t *testing.T) {
	link := newMockLink()
	link.setBytes(0x401000, 0x55)
	c, _ := newTestController(MachineX86, link)

	if _, err := c.Breakpoints().Create(0x401000, BreakpointExecution, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	c.Breakpoints().HandleBreak(x86Break(0x401001, 0x90))
	if c.Breakpoints().PendingRestore() == nil {
		t.Fatal("no pending restore after hit")
	}

	// The step off the breakpoint address comes back as its own
	// break event before the real continue goes out.
	link.queue(x86Break(0x401001, 0x90))
	if err := c.Continue(); err != nil {
		t.Fatalf("continue: %v", err)
	}
	if link.singleSteps != 1 {
		t.Errorf("single steps = %d", link.singleSteps)
	}
	if got := link.mem[0x401000]; got != X86BreakInstruction {
		t.Errorf("trap not reinserted before continue: %#x", got)
	}
	if len(link.continues) != 1 {
		t.Fatalf("continues = %d", len(link.continues))
	}
	if !c.Running() {
		t.Error("not marked running")
	}
}

func TestContinueWithoutPendingTrap(t *testing.T) {
	link := newMockLink()
	c, _ := newTestController(MachineX86, link)

	if err := c.Continue(); err != nil {
		t.Fatalf("continue: %v", err)
	}
	if link.singleSteps != 0 {
		t.Errorf("spurious single step")
	}
	if len(link.continues) != 1 {
		t.Errorf("continues = %d", len(link.continues))
	}
}

func TestContinueToAddressSkipsCoveredBreakpoint(t *testing.T) {
	link := newMockLink()
	link.setBytes(0x401000, 0x55)
	c, _ := newTestController(MachineX86, link)

	if _, err := c.Breakpoints().Create(0x401000, BreakpointExecution, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.ContinueToAddress(0x401000); err != nil {
		t.Fatalf("continue: %v", err)
	}
	if c.Breakpoints().OneTimeValid() {
		t.Error("one time set over an enabled breakpoint")
	}
}

func TestContinueToAddressSetsOneTime(t *testing.T) {
	link := newMockLink()
	link.setBytes(0x402000, 0xC3)
	c, _ := newTestController(MachineX86, link)

	if err := c.ContinueToAddress(0x402000); err != nil {
		t.Fatalf("continue: %v", err)
	}
	if !c.Breakpoints().OneTimeValid() {
		t.Error("one time not armed")
	}
	if got := link.mem[0x402000]; got != X86BreakInstruction {
		t.Errorf("one time trap not written: %#x", got)
	}
}

func TestBreakpointRoundTrip(t *testing.T) {
	link := newMockLink()
	link.setBytes(0x401000, 0x55, 0x89, 0xE5)
	c, out := newTestController(MachineX86, link)

	bp, err := c.Breakpoints().Create(0x401000, BreakpointExecution, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	running, err := c.HandleEvent(x86Break(0x401001, 0x89, 0xE5))
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if running {
		t.Error("breakpoint hit did not stop")
	}
	if !strings.Contains(out.String(), "Breakpoint 0 hit!") {
		t.Errorf("missing hit banner in %q", out.String())
	}
	if c.CurrentBreak().InstructionPointer != 0x401000 {
		t.Errorf("stopped at %#x", c.CurrentBreak().InstructionPointer)
	}
	if c.DisassemblyAddress != 0x401000 || c.DumpAddress != 0x401000 {
		t.Error("cursors not reset to the break address")
	}

	// Continue: step over, reinsert, run.
	link.queue(x86Break(0x401001, 0x89, 0xE5))
	if err := c.Continue(); err != nil {
		t.Fatalf("continue: %v", err)
	}
	if got := link.mem[0x401000]; got != X86BreakInstruction {
		t.Errorf("trap not live after continue: %#x", got)
	}
	_ = bp
}

func TestRangeStepPrimitive(t *testing.T) {
	link := newMockLink()
	db := steppingDatabase()
	c, _ := newTestController(MachineX86, link)
	loadFakeModule(c.Registry(), db, 0x00401000)

	c.currentBreak = x86Break(0x00401004, 0x90)
	if err := c.Step(StepOver); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(link.rangeSteps) != 1 {
		t.Fatalf("range steps = %d", len(link.rangeSteps))
	}
	step := link.rangeSteps[0]
	// Hole covers the current line, break range the whole function,
	// both rebased by the load bias.
	if step.RangeHoleMinimum != 0x00401000 || step.RangeHoleMaximum != 0x00401010 {
		t.Errorf("hole = [%#x, %#x)", step.RangeHoleMinimum, step.RangeHoleMaximum)
	}
	if step.BreakRangeMinimum != 0x00401000 || step.BreakRangeMaximum != 0x00401100 {
		t.Errorf("break range = [%#x, %#x)", step.BreakRangeMinimum, step.BreakRangeMaximum)
	}
	if !c.Running() {
		t.Error("not running after range step")
	}
}

func TestStepIntoBreaksAnywhere(t *testing.T) {
	link := newMockLink()
	db := steppingDatabase()
	c, _ := newTestController(MachineX86, link)
	loadFakeModule(c.Registry(), db, 0x00401000)

	c.currentBreak = x86Break(0x00401004, 0x90)
	if err := c.Step(StepInto); err != nil {
		t.Fatalf("step: %v", err)
	}
	step := link.rangeSteps[0]
	if step.BreakRangeMinimum != 0 || step.BreakRangeMaximum != math.MaxUint64 {
		t.Errorf("break range = [%#x, %#x)", step.BreakRangeMinimum, step.BreakRangeMaximum)
	}
}

func TestStepOverLastLineBreaksAnywhere(t *testing.T) {
	link := newMockLink()
	db := steppingDatabase()
	c, _ := newTestController(MachineX86, link)
	loadFakeModule(c.Registry(), db, 0x00401000)

	// The second line runs to the end of the function, so stepping
	// over it has to be able to land in the caller.
	c.currentBreak = x86Break(0x00401014, 0x90)
	if err := c.Step(StepOver); err != nil {
		t.Fatalf("step: %v", err)
	}
	step := link.rangeSteps[0]
	if step.RangeHoleMinimum != 0x00401010 || step.RangeHoleMaximum != 0x00401100 {
		t.Errorf("hole = [%#x, %#x)", step.RangeHoleMinimum, step.RangeHoleMaximum)
	}
	if step.BreakRangeMinimum != 0 || step.BreakRangeMaximum != math.MaxUint64 {
		t.Errorf("break range = [%#x, %#x)", step.BreakRangeMinimum, step.BreakRangeMaximum)
	}
}

func TestStepWithoutSymbolsSingleSteps(t *testing.T) {
	link := newMockLink()
	c, _ := newTestController(MachineX86, link)

	c.currentBreak = x86Break(0x00401004, 0x90)
	if err := c.Step(StepInto); err != nil {
		t.Fatalf("step: %v", err)
	}
	if link.singleSteps != 1 || len(link.rangeSteps) != 0 {
		t.Errorf("single steps = %d, range steps = %d", link.singleSteps, len(link.rangeSteps))
	}
}

func TestRangeStepFallbackLoop(t *testing.T) {
	link := newMockLink()
	link.rangeStepErr = ErrNotImplemented
	db := steppingDatabase()
	c, out := newTestController(MachineX86, link)
	loadFakeModule(c.Registry(), db, 0x00401000)

	c.currentBreak = x86Break(0x00401004, 0x90)
	if err := c.Step(StepOver); err != nil {
		t.Fatalf("step: %v", err)
	}
	if link.singleSteps != 1 {
		t.Fatalf("emulation did not single step")
	}

	// Still on the same line: the event loop re-steps without a
	// word to the user.
	stepEv := x86Break(0x00401008, 0x90)
	stepEv.Exception = ExceptionSingleStep
	running, err := c.HandleEvent(stepEv)
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if !running {
		t.Fatal("stopped inside the range hole")
	}
	if link.singleSteps != 2 {
		t.Errorf("single steps = %d", link.singleSteps)
	}
	if out.String() != "" {
		t.Errorf("silent re-step printed %q", out.String())
	}

	// Next line reached: control goes back to the user.
	stepEv = x86Break(0x00401010, 0x90)
	stepEv.Exception = ExceptionSingleStep
	running, err = c.HandleEvent(stepEv)
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if running {
		t.Error("kept running outside the hole")
	}
	if c.CurrentBreak().InstructionPointer != 0x00401010 {
		t.Errorf("stopped at %#x", c.CurrentBreak().InstructionPointer)
	}
}

func TestHandleBreakShowsSource(t *testing.T) {
	link := newMockLink()
	c, _ := newTestController(MachineX86, link)

	var shown []uint64
	c.ShowSource = func(pc uint64) { shown = append(shown, pc) }
	if _, err := c.HandleEvent(x86Break(0x1234, 0x90)); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(shown) != 1 || shown[0] != 0x1234 {
		t.Errorf("source shown for %v", shown)
	}
}

func TestSignalPrinting(t *testing.T) {
	link := newMockLink()
	c, out := newTestController(MachineX86, link)

	ev := x86Break(0x1000, 0x90)
	ev.Exception = ExceptionSignal
	ev.SignalNumber = 11
	if _, err := c.HandleEvent(ev); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if !strings.Contains(out.String(), "Caught signal 11.") {
		t.Errorf("missing signal banner in %q", out.String())
	}

	// The trap signal is the debugger's own and stays quiet.
	out.buf.Reset()
	ev = x86Break(0x1000, 0x90)
	ev.Exception = ExceptionSignal
	ev.SignalNumber = 5
	c.HandleEvent(ev)
	if strings.Contains(out.String(), "Caught signal") {
		t.Errorf("trap signal printed: %q", out.String())
	}
}

func TestSignalToDeliverForwarded(t *testing.T) {
	link := newMockLink()
	c, _ := newTestController(MachineX86, link)

	ev := x86Break(0x1000, 0x90)
	ev.Exception = ExceptionSignal
	ev.SignalNumber = 2
	c.HandleEvent(ev)
	if err := c.Continue(); err != nil {
		t.Fatalf("continue: %v", err)
	}
	if len(link.continues) != 1 || link.continues[0] != 2 {
		t.Errorf("continues = %v", link.continues)
	}
}

func TestAccessViolationBanner(t *testing.T) {
	link := newMockLink()
	c, out := newTestController(MachineX86, link)

	ev := x86Break(0x1000, 0x90)
	ev.Exception = ExceptionAccessViolation
	ev.ErrorCode = 2
	c.HandleEvent(ev)
	if !strings.Contains(out.String(), "Access violation: Error code 0x00000002") {
		t.Errorf("banner = %q", out.String())
	}
}

func TestShutdownEvent(t *testing.T) {
	link := newMockLink()
	c, out := newTestController(MachineX86, link)
	c.running = true

	running, err := c.HandleEvent(&ShutdownEvent{
		Kind:       ShutdownProcessExit,
		Process:    42,
		ExitStatus: 3,
	})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if running {
		t.Error("still running after shutdown")
	}
	if !strings.Contains(out.String(), "Process 42 exited with status 3.") {
		t.Errorf("banner = %q", out.String())
	}
}

func TestReturnToCallerArmLeaf(t *testing.T) {
	link := newMockLink()
	db := symbols.NewDatabase("app")
	db.PreferredLowest = 0x8000
	db.AddFunction(symbols.Function{Name: "leaf", Start: 0x8000, End: 0x8040, SourceFile: -1})

	c, _ := newTestController(MachineArm, link)
	loadFakeModule(c.Registry(), db, 0x8000)

	// No "mov ip, sp" prologue: the return address lives in LR.
	link.setUint32(0x8000, 0xE3A00000) // mov r0, #0
	link.setUint32(0x9000, 0xE12FFF1E) // one-time trap target

	ev := armBreak(0x8004, 0)
	ev.Registers.Arm.R14Lr = 0x9000
	c.currentBreak = ev

	if err := c.ReturnToCaller(); err != nil {
		t.Fatalf("return to caller: %v", err)
	}
	if !c.Breakpoints().OneTimeValid() {
		t.Error("no one time armed at the return address")
	}
	if got := link.bytesAt(0x9000, 4); got[0] != 0xF3 {
		t.Errorf("trap not written at LR target: %x", got)
	}
}

func TestReturnToCallerArmFramed(t *testing.T) {
	link := newMockLink()
	db := symbols.NewDatabase("app")
	db.PreferredLowest = 0x8000
	db.AddFunction(symbols.Function{Name: "framed", Start: 0x8000, End: 0x8040, SourceFile: -1})

	c, _ := newTestController(MachineArm, link)
	loadFakeModule(c.Registry(), db, 0x8000)

	link.setUint32(0x8000, ArmFunctionPrologue)
	// Frame at 0x20000: [fp-4] caller fp, [fp] return address.
	link.setUint32(0x1FFFC, 0x30000)
	link.setUint32(0x20000, 0xA000)
	link.setUint32(0xA000, 0xE12FFF1E)

	ev := armBreak(0x8010, 0)
	ev.Registers.Arm.R11Fp = 0x20000
	ev.Registers.Arm.R14Lr = 0xDEAD
	c.currentBreak = ev

	if err := c.ReturnToCaller(); err != nil {
		t.Fatalf("return to caller: %v", err)
	}
	if !c.Breakpoints().OneTimeValid() {
		t.Error("no one time armed")
	}
	// The unwound return address, not LR, gets the trap.
	if got := link.bytesAt(0xA000, 4); got[0] != 0xF3 {
		t.Errorf("trap bytes at return address = %x", got)
	}
	if got := link.bytesAt(0xDEAD&^uint64(1), 1); got[0] == 0xF3 {
		t.Error("trap written at stale LR")
	}
}

func TestSetFrame(t *testing.T) {
	link := newMockLink()
	c, _ := newTestController(MachineX86, link)

	// frame 0 at bp=0x2000, caller frame at 0x3000.
	link.setUint32(0x2000, 0x3000)     // saved ebp
	link.setUint32(0x2004, 0x00401500) // return address
	link.setUint32(0x3000, 0x0)
	link.setUint32(0x3004, 0x00402000)

	ev := x86Break(0x00401000, 0x90)
	ev.Registers.X86.Ebp = 0x2000
	ev.Registers.X86.Esp = 0x1FF0
	c.currentBreak = ev
	c.frameRegisters = ev.Registers

	var shown []uint64
	c.ShowSource = func(pc uint64) { shown = append(shown, pc) }

	if err := c.SetFrame(1); err != nil {
		t.Fatalf("set frame: %v", err)
	}
	if c.CurrentFrame() != 1 {
		t.Errorf("frame = %d", c.CurrentFrame())
	}
	if got := c.FrameRegisters().PC(); got != 0x00401500 {
		t.Errorf("frame pc = %#x", got)
	}
	if got := c.FrameRegisters().FP(); got != 0x3000 {
		t.Errorf("frame bp = %#x", got)
	}
	if len(shown) != 1 || shown[0] != 0x00401500 {
		t.Errorf("highlight at %v", shown)
	}

	// Back to frame 0 restores the break registers.
	if err := c.SetFrame(0); err != nil {
		t.Fatalf("set frame 0: %v", err)
	}
	if got := c.FrameRegisters().PC(); got != 0x00401000 {
		t.Errorf("frame 0 pc = %#x", got)
	}
}

func TestRequestBreakInOnlyWhileRunning(t *testing.T) {
	link := newMockLink()
	c, _ := newTestController(MachineX86, link)

	if err := c.RequestBreakIn(); err != nil {
		t.Fatalf("break in: %v", err)
	}
	if link.breakIns != 0 {
		t.Error("break in sent to a stopped target")
	}
	c.running = true
	if err := c.RequestBreakIn(); err != nil {
		t.Fatalf("break in: %v", err)
	}
	if link.breakIns != 1 {
		t.Errorf("break ins = %d", link.breakIns)
	}
}
