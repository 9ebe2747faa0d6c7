package debugger

import (
	"fmt"
	"time"

	"github.com/mindbg/mindbg/pkg/proc"
)

// maxCallStack bounds how many frames a stack trace prints.
const maxCallStack = 100

// AddressSymbol renders an address as module!function+offset when
// symbols cover it, falling back to the raw address.
func (d *Debugger) AddressSymbol(address uint64) string {
	m, debased, ok := d.registry.FindByAddress(address)
	if !ok || m.Symbols == nil {
		return fmt.Sprintf("0x%08x", address)
	}
	fn, err := m.Symbols.FindFunctionByAddress(debased)
	if err != nil {
		return fmt.Sprintf("0x%08x", address)
	}
	offset := debased - fn.Start
	file, line, lineErr := m.Symbols.LookupSourceLine(debased)
	switch {
	case offset != 0 && lineErr == nil:
		return fmt.Sprintf("%s!%s+0x%x [%s:%d]", m.Name, fn.Name, offset, file.Path(), line.Line)
	case offset != 0:
		return fmt.Sprintf("%s!%s+0x%x", m.Name, fn.Name, offset)
	case lineErr == nil:
		return fmt.Sprintf("%s!%s [%s:%d]", m.Name, fn.Name, file.Path(), line.Line)
	}
	return fmt.Sprintf("%s!%s", m.Name, fn.Name)
}

// PrintStackTrace walks the stack from the current frame registers
// and prints one line per frame. With numbers, each line carries the
// frame index usable with the frame command.
func (d *Debugger) PrintStackTrace(withNumbers bool) error {
	regs := *d.controller.FrameRegisters()
	callSite := regs.PC()
	frames, err := proc.StackTrace(d.link, d.machine, regs, maxCallStack)
	if err != nil {
		d.Printf("Error: Failed to get call stack: %v.\n", err)
		return err
	}
	if withNumbers {
		d.Printf("No ")
	}
	d.Printf("Frame    RetAddr  Call Site\n")
	for i, frame := range frames {
		if withNumbers {
			d.Printf("%2d ", i)
		}
		d.Printf("%08x %08x %s\n",
			frame.FramePointer, frame.ReturnAddress, d.AddressSymbol(callSite))
		callSite = frame.ReturnAddress
	}
	return nil
}

// CreateBreakpoint places an execution breakpoint and reports its
// index.
func (d *Debugger) CreateBreakpoint(address uint64) error {
	bp, err := d.breakpoints.Create(address, proc.BreakpointExecution, 0)
	if err != nil {
		return err
	}
	d.Printf("Breakpoint %d set: %s\n", bp.Index, d.AddressSymbol(address))
	return nil
}

// ListBreakpoints prints every breakpoint.
func (d *Debugger) ListBreakpoints() {
	d.Printf("Breakpoints: \n")
	bps := d.breakpoints.Breakpoints()
	if len(bps) == 0 {
		d.Printf("(None)\n")
		return
	}
	for _, bp := range bps {
		d.Printf("%d: ", bp.Index)
		if !bp.Enabled {
			d.Printf("(Disabled) ")
		}
		d.Printf("%08x %s", bp.Address, d.AddressSymbol(bp.Address))
		if bp.Kind == proc.BreakpointRead || bp.Kind == proc.BreakpointWrite {
			d.Printf(" %s %d Bytes", bp.Kind, bp.AccessSize)
		}
		d.Printf("\n")
	}
}

// ClearBreakpoint deletes a breakpoint by index.
func (d *Debugger) ClearBreakpoint(index int) error {
	if err := d.breakpoints.Clear(index); err != nil {
		d.Printf("Breakpoint %d not found.\n", index)
		return err
	}
	return nil
}

// DisableBreakpoint lifts a breakpoint's trap but keeps its slot.
func (d *Debugger) DisableBreakpoint(index int) error {
	return d.breakpoints.Disable(index)
}

// EnableBreakpoint rearms a disabled breakpoint. The index never
// changes across disable and enable.
func (d *Debugger) EnableBreakpoint(index int) error {
	return d.breakpoints.Enable(index)
}

// ListModules prints the loaded module registry with its signature.
func (d *Debugger) ListModules() {
	d.Printf("Loaded modules (signature 0x%x):\n", d.registry.Signature())
	for _, m := range d.registry.Modules() {
		status := m.Filename
		if m.Symbols == nil {
			status = "(no symbols)"
		}
		d.Printf("%016x %-16s %s %s\n",
			m.LowestAddress, m.Name,
			time.Unix(int64(m.Timestamp), 0).Format(time.ANSIC),
			status)
	}
	d.Printf("%d modules loaded.\n", d.registry.Count())
}

// Go resumes the target, optionally running to an address first.
func (d *Debugger) Go(address uint64, haveAddress bool) error {
	if haveAddress {
		return d.controller.ContinueToAddress(address)
	}
	return d.controller.Continue()
}

// Step performs a source or instruction step.
func (d *Debugger) Step(into bool) error {
	kind := proc.StepOver
	if into {
		kind = proc.StepInto
	}
	return d.controller.Step(kind)
}

// ReturnToCaller runs until the current function returns.
func (d *Debugger) ReturnToCaller() error {
	return d.controller.ReturnToCaller()
}

// SetFrame switches the register view to stack frame n.
func (d *Debugger) SetFrame(n int) error {
	return d.controller.SetFrame(n)
}

// SwitchProcessor moves the debugger to another processor or thread.
func (d *Debugger) SwitchProcessor(n uint32) error {
	return d.controller.SwitchProcessor(n)
}

// ThreadList prints the target's threads.
func (d *Debugger) ThreadList() error {
	threads, err := d.controller.ThreadList()
	if err != nil {
		return err
	}
	d.Printf("%d threads:\n", len(threads))
	for _, id := range threads {
		d.Printf("%d\n", id)
	}
	return nil
}

// Reboot resets the target.
func (d *Debugger) Reboot(kind proc.RebootKind) error {
	return d.controller.Reboot(kind)
}
