package proc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrAddressUnreadable is returned when the trap site cannot be
	// read.
	ErrAddressUnreadable = errors.New("address unreadable")
	// ErrWriteFailed is returned when the trap could not be written;
	// the original bytes were rolled back best-effort.
	ErrWriteFailed = errors.New("breakpoint write failed")
	// ErrAlreadyPresent is returned when an enabled execution
	// breakpoint already covers the address.
	ErrAlreadyPresent = errors.New("breakpoint already present")
)

// BreakpointKind distinguishes execution breakpoints from the data
// breakpoint kinds.
type BreakpointKind int

const (
	BreakpointExecution BreakpointKind = iota
	BreakpointRead
	BreakpointWrite
	BreakpointReadWrite
)

func (k BreakpointKind) String() string {
	switch k {
	case BreakpointExecution:
		return "execution"
	case BreakpointRead:
		return "read"
	case BreakpointWrite:
		return "write"
	case BreakpointReadWrite:
		return "read/write"
	}
	return "invalid"
}

// Breakpoint is one user breakpoint. Address is a target VA; on ARM
// it may carry the Thumb bit, which is masked off for memory I/O but
// preserved so the trap encoding and size stay correct.
type Breakpoint struct {
	Index      int
	Address    uint64
	Kind       BreakpointKind
	AccessSize int
	Enabled    bool

	original    [MaxTrapSize]byte
	originalLen int
}

// OriginalBytes returns the instruction bytes the trap replaced.
func (bp *Breakpoint) OriginalBytes() []byte {
	return bp.original[:bp.originalLen]
}

// oneTimeBreak is the single-shot breakpoint slot behind "go to
// address" and "return to caller".
type oneTimeBreak struct {
	valid       bool
	address     uint64
	original    [MaxTrapSize]byte
	originalLen int
}

// BreakpointSet is the active breakpoint state: the user list sorted
// by index, the one-time slot, and the pending-restore slot. All of
// it is touched only on the command thread.
type BreakpointSet struct {
	machine Machine
	link    TargetLink
	out     Output

	breakpoints []*Breakpoint
	oneTime     oneTimeBreak

	// pendingRestore names the breakpoint whose trap was removed so
	// the stopped user sees the real instruction. The trap is
	// reinserted exactly once, after the single step that moves off
	// the address.
	pendingRestore *Breakpoint
}

// NewBreakpointSet returns an empty set operating through the link.
func NewBreakpointSet(machine Machine, link TargetLink, out Output) *BreakpointSet {
	return &BreakpointSet{machine: machine, link: link, out: out}
}

// Breakpoints returns the list sorted by index.
func (s *BreakpointSet) Breakpoints() []*Breakpoint { return s.breakpoints }

// PendingRestore returns the breakpoint waiting for trap reinsertion,
// or nil.
func (s *BreakpointSet) PendingRestore() *Breakpoint { return s.pendingRestore }

// setTrapAt writes the trap instruction at address and returns the
// original bytes. A failed write re-writes the original back.
func (s *BreakpointSet) setTrapAt(address uint64) ([MaxTrapSize]byte, int, error) {
	var original [MaxTrapSize]byte
	trap := s.machine.BreakInstruction(address)
	memAddress := s.machine.BreakAddress(address)

	n, err := s.link.ReadMemory(true, memAddress, original[:len(trap)])
	if err != nil || n != len(trap) {
		return original, 0, fmt.Errorf("%w: %#x", ErrAddressUnreadable, address)
	}
	n, err = s.link.WriteMemory(true, memAddress, trap)
	if err != nil || n != len(trap) {
		s.link.WriteMemory(true, memAddress, original[:len(trap)])
		return original, 0, fmt.Errorf("%w: %#x", ErrWriteFailed, address)
	}
	return original, len(trap), nil
}

// clearTrapAt restores the original bytes at address. If memory
// already holds the original it succeeds silently; if it holds
// something that is neither the trap nor the original, the write
// still happens but the user is warned.
func (s *BreakpointSet) clearTrapAt(address uint64, original []byte) error {
	trap := s.machine.BreakInstruction(address)
	memAddress := s.machine.BreakAddress(address)

	current := make([]byte, len(trap))
	n, err := s.link.ReadMemory(true, memAddress, current)
	if err != nil || n != len(trap) {
		return fmt.Errorf("%w: %#x", ErrAddressUnreadable, address)
	}
	if bytes.Equal(current, original) {
		return nil
	}
	if !bytes.Equal(current, trap) {
		s.out.Printf("Warning: Clearing a breakpoint at address %x, but instead of "+
			"finding the breakpoint instruction %x at that address, %x was found instead.\n",
			address, trap, current)
	}
	n, err = s.link.WriteMemory(true, memAddress, original)
	if err != nil || n != len(original) {
		return fmt.Errorf("%w: %#x", ErrWriteFailed, address)
	}
	return nil
}

// allocateIndex returns the smallest free non-negative index.
func (s *BreakpointSet) allocateIndex() int {
	index := 0
	for _, bp := range s.breakpoints {
		if bp.Index != index {
			break
		}
		index++
	}
	return index
}

// FindByAddress returns the execution breakpoint at address, enabled
// or not.
func (s *BreakpointSet) FindByAddress(address uint64) (*Breakpoint, bool) {
	for _, bp := range s.breakpoints {
		if bp.Kind == BreakpointExecution && bp.Address == address {
			return bp, true
		}
	}
	return nil, false
}

// FindByIndex returns the breakpoint with the given index.
func (s *BreakpointSet) FindByIndex(index int) (*Breakpoint, bool) {
	for _, bp := range s.breakpoints {
		if bp.Index == index {
			return bp, true
		}
	}
	return nil, false
}

// validAccessSizes are the permitted data breakpoint widths.
func validAccessSize(n int) bool {
	switch n {
	case 1, 2, 4, 8, 16:
		return true
	}
	return false
}

// Create sets a breakpoint. Creating an execution breakpoint at an
// address that already has an enabled one is a no-op returning the
// existing breakpoint; a disabled one is re-enabled instead of
// duplicated. Data breakpoint arguments are validated but the
// hardware watchpoint path is not implemented.
func (s *BreakpointSet) Create(address uint64, kind BreakpointKind, accessSize int) (*Breakpoint, error) {
	if kind != BreakpointExecution {
		if !validAccessSize(accessSize) {
			return nil, fmt.Errorf("invalid access size %d", accessSize)
		}
		return nil, ErrNotImplemented
	}

	if existing, ok := s.FindByAddress(address); ok {
		if existing.Enabled {
			return existing, nil
		}
		if err := s.enable(existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	bp := &Breakpoint{
		Index:   s.allocateIndex(),
		Address: address,
		Kind:    BreakpointExecution,
	}
	if err := s.enable(bp); err != nil {
		return nil, err
	}
	s.breakpoints = append(s.breakpoints, bp)
	sort.Slice(s.breakpoints, func(i, j int) bool {
		return s.breakpoints[i].Index < s.breakpoints[j].Index
	})
	return bp, nil
}

func (s *BreakpointSet) enable(bp *Breakpoint) error {
	original, n, err := s.setTrapAt(bp.Address)
	if err != nil {
		return err
	}
	bp.original = original
	bp.originalLen = n
	bp.Enabled = true
	return nil
}

// Enable arms a disabled breakpoint.
func (s *BreakpointSet) Enable(index int) error {
	bp, ok := s.FindByIndex(index)
	if !ok {
		return fmt.Errorf("no breakpoint %d", index)
	}
	if bp.Enabled {
		return nil
	}
	return s.enable(bp)
}

// Disable removes a breakpoint's trap but keeps the entry.
func (s *BreakpointSet) Disable(index int) error {
	bp, ok := s.FindByIndex(index)
	if !ok {
		return fmt.Errorf("no breakpoint %d", index)
	}
	if !bp.Enabled {
		return nil
	}
	if err := s.clearBreakpointTrap(bp); err != nil {
		return err
	}
	bp.Enabled = false
	return nil
}

// Clear deletes a breakpoint entirely.
func (s *BreakpointSet) Clear(index int) error {
	bp, ok := s.FindByIndex(index)
	if !ok {
		return fmt.Errorf("no breakpoint %d", index)
	}
	if bp.Enabled {
		if err := s.clearBreakpointTrap(bp); err != nil {
			return err
		}
	}
	for i, candidate := range s.breakpoints {
		if candidate == bp {
			s.breakpoints = append(s.breakpoints[:i], s.breakpoints[i+1:]...)
			break
		}
	}
	return nil
}

// clearBreakpointTrap removes the trap unless the breakpoint is the
// pending restore, whose trap is already out of memory.
func (s *BreakpointSet) clearBreakpointTrap(bp *Breakpoint) error {
	if s.pendingRestore == bp {
		s.pendingRestore = nil
		return nil
	}
	return s.clearTrapAt(bp.Address, bp.OriginalBytes())
}

// SetOneTime arms the single-shot breakpoint slot.
func (s *BreakpointSet) SetOneTime(address uint64) error {
	original, n, err := s.setTrapAt(address)
	if err != nil {
		return err
	}
	s.oneTime = oneTimeBreak{
		valid:       true,
		address:     address,
		original:    original,
		originalLen: n,
	}
	return nil
}

// OneTimeValid reports whether the single-shot slot is armed.
func (s *BreakpointSet) OneTimeValid() bool { return s.oneTime.valid }

// RestorePending reinserts the pending breakpoint's trap. Continue
// calls it after the single step that moves execution off the
// breakpoint address; HandleBreak calls it when a new break arrives
// with the slot still set.
func (s *BreakpointSet) RestorePending() error {
	bp := s.pendingRestore
	if bp == nil {
		return nil
	}
	original, n, err := s.setTrapAt(bp.Address)
	if err != nil {
		return fmt.Errorf("failed to restore breakpoint %d at %x: %w", bp.Index, bp.Address, err)
	}
	bp.original = original
	bp.originalLen = n
	s.pendingRestore = nil
	return nil
}

// trapSizeAt returns the trap size an execution break at address used.
func (s *BreakpointSet) trapSizeAt(address uint64) uint64 {
	return uint64(s.machine.BreakInstructionLength(address))
}

// HandleBreak reconciles a break event with the breakpoint state. If
// the stop was one of our traps, the instruction pointer is rolled
// back, the event's registers and instruction stream are patched, the
// original bytes go back into target memory, and the breakpoint is
// remembered for trap reinsertion. Returns the index of the hit
// breakpoint, or -1.
func (s *BreakpointSet) HandleBreak(ev *BreakEvent) int {
	hit := -1

	// The pending restore is normally handled inside continue; it is
	// still set here when the user single-stepped instead.
	if err := s.RestorePending(); err != nil {
		s.out.Printf("%v\n", err)
		return -1
	}

	for _, bp := range s.breakpoints {
		if !bp.Enabled || bp.Kind != BreakpointExecution {
			continue
		}
		if ev.InstructionPointer != bp.Address+s.trapSizeAt(bp.Address) {
			continue
		}
		hit = bp.Index
		if err := s.adjustIPForBreakpoint(ev, bp.OriginalBytes()); err != nil {
			s.out.Printf("Unable to adjust instruction pointer for breakpoint %d.\n", bp.Index)
			return hit
		}
		if err := s.clearTrapAt(bp.Address, bp.OriginalBytes()); err != nil {
			s.out.Printf("Error: Unable to temporarily clear breakpoint at %08x.\n", bp.Address)
			return hit
		}
		s.pendingRestore = bp
		break
	}

	if s.oneTime.valid {
		size := s.trapSizeAt(s.oneTime.address)
		if ev.InstructionPointer == s.oneTime.address+size {
			if err := s.adjustIPForBreakpoint(ev, s.oneTime.original[:s.oneTime.originalLen]); err != nil {
				s.out.Printf("Error: Failed to adjust instruction pointer for one time break.\n")
				return hit
			}
		}
		if err := s.clearTrapAt(s.oneTime.address, s.oneTime.original[:s.oneTime.originalLen]); err != nil {
			s.out.Printf("Error: Failed to clear one time break point.\n")
			return hit
		}
		s.oneTime.valid = false
	}
	return hit
}

// adjustIPForBreakpoint rolls the event's instruction pointer back
// over the trap and hides the trap from the instruction stream, then
// pushes the fixed registers to the target. Traps report the address
// after the break instruction on every supported machine.
func (s *BreakpointSet) adjustIPForBreakpoint(ev *BreakEvent, original []byte) error {
	stream := ev.InstructionStream[:]
	switch s.machine {
	case MachineX86, MachineX64:
		ev.InstructionPointer -= X86BreakInstructionLength
		if s.machine == MachineX86 {
			ev.Registers.X86.Eip -= X86BreakInstructionLength
		} else {
			ev.Registers.X64.Rip -= X86BreakInstructionLength
		}
		copy(stream[1:], stream[:len(stream)-1])
		stream[0] = original[0]

	case MachineArm:
		size := uint32(ArmBreakInstructionLength)
		if ev.Registers.Arm.Cpsr&PsrFlagThumb != 0 {
			size = ThumbBreakInstructionLength
			binary.LittleEndian.PutUint16(stream[2:], binary.LittleEndian.Uint16(stream))
			copy(stream, original[:2])
		} else {
			copy(stream, original[:4])
		}
		ev.InstructionPointer -= uint64(size)
		ev.Registers.Arm.R15Pc -= size

	default:
		return fmt.Errorf("unknown machine type %d", s.machine)
	}

	if err := s.link.SetRegisters(&ev.Registers); err != nil {
		s.out.Printf("Error adjusting instruction pointer on breakpoint instruction.\n")
		return err
	}
	return nil
}
