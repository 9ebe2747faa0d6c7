package proc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrStackEOF means the stack is exhausted: the frame pointer
	// chain reached zero.
	ErrStackEOF = errors.New("end of stack")
	// ErrCorruptFrame means the frame pointer does not point at
	// readable memory.
	ErrCorruptFrame = errors.New("corrupt stack frame")
)

// StackFrame is one unwound frame.
type StackFrame struct {
	FramePointer  uint64
	ReturnAddress uint64
}

// readPointers reads count pointer-sized values starting at address.
func readPointers(link TargetLink, machine Machine, address uint64, count int) ([]uint64, error) {
	size := machine.PointerSize()
	buf := make([]byte, size*count)
	n, err := link.ReadMemory(true, address, buf)
	if err != nil || n != len(buf) {
		return nil, fmt.Errorf("%w: %#x", ErrCorruptFrame, address)
	}
	out := make([]uint64, count)
	for i := 0; i < count; i++ {
		if size == 8 {
			out[i] = binary.LittleEndian.Uint64(buf[i*8:])
		} else {
			out[i] = uint64(binary.LittleEndian.Uint32(buf[i*4:]))
		}
	}
	return out, nil
}

// UnwindFrame unwinds the stack by one frame, updating regs to the
// caller's view.
func UnwindFrame(link TargetLink, machine Machine, regs *Registers) (StackFrame, error) {
	switch machine {
	case MachineX86, MachineX64:
		return unwindFrameX86(link, machine, regs)
	case MachineArm:
		return unwindFrameArm(link, regs)
	}
	return StackFrame{}, fmt.Errorf("unknown machine type %d", machine)
}

// atX86Prologue reports whether the pc sits on the standard
// "push ebp; mov ebp, esp" prologue, meaning the new frame is not
// established yet.
func atX86Prologue(link TargetLink, pc uint64) bool {
	if pc == 0 {
		return false
	}
	var buf [len(x86FunctionPrologue)]byte
	n, err := link.ReadMemory(true, pc, buf[:])
	if err != nil || n != len(buf) {
		return false
	}
	return buf == x86FunctionPrologue
}

func unwindFrameX86(link TargetLink, machine Machine, regs *Registers) (StackFrame, error) {
	ptrSize := uint64(machine.PointerSize())

	// Stopped at the prologue the frame pointer still belongs to the
	// caller; the return address is the last thing pushed.
	if machine == MachineX86 && atX86Prologue(link, regs.PC()) {
		sp := regs.SP()
		vals, err := readPointers(link, machine, sp, 1)
		if err != nil {
			return StackFrame{}, err
		}
		frame := StackFrame{
			FramePointer:  sp + ptrSize,
			ReturnAddress: vals[0],
		}
		regs.SetPC(frame.ReturnAddress)
		regs.SetSP(sp + ptrSize)
		return frame, nil
	}

	bp := regs.FP()
	if bp == 0 {
		return StackFrame{}, ErrStackEOF
	}

	// [bp] holds the caller's frame pointer, [bp+ptr] the return
	// address.
	vals, err := readPointers(link, machine, bp, 2)
	if err != nil {
		return StackFrame{}, err
	}
	frame := StackFrame{
		FramePointer:  bp,
		ReturnAddress: vals[1],
	}
	regs.SetPC(frame.ReturnAddress)
	regs.SetSP(bp + 2*ptrSize)
	regs.SetFP(vals[0])
	return frame, nil
}

func unwindFrameArm(link TargetLink, regs *Registers) (StackFrame, error) {
	bp := regs.FP()
	if bp == 0 {
		return StackFrame{}, ErrStackEOF
	}

	// AAPCS frames put the caller's frame pointer at [fp-4] and the
	// return address at [fp].
	vals, err := readPointers(link, MachineArm, bp-4, 2)
	if err != nil {
		return StackFrame{}, err
	}
	frame := StackFrame{
		FramePointer:  bp,
		ReturnAddress: vals[1],
	}
	regs.SetSP(bp)
	// SetPC keeps the CPSR Thumb flag in agreement with the return
	// address, which then selects R7 or R11 as the frame pointer.
	regs.SetPC(frame.ReturnAddress)
	regs.SetFP(vals[0])
	return frame, nil
}

// StackTrace unwinds up to max frames starting from a copy of regs.
// Unwinding stops quietly at the end of the stack, at a zero return
// address, and when the frame chain loops back on itself.
func StackTrace(link TargetLink, machine Machine, regs Registers, max int) ([]StackFrame, error) {
	var frames []StackFrame
	for len(frames) < max {
		frame, err := UnwindFrame(link, machine, &regs)
		if err != nil {
			if errors.Is(err, ErrStackEOF) {
				return frames, nil
			}
			return frames, err
		}
		for _, prev := range frames {
			if prev.FramePointer == frame.FramePointer {
				return frames, nil
			}
		}
		frames = append(frames, frame)
		if frame.ReturnAddress == 0 {
			return frames, nil
		}
	}
	return frames, nil
}
