package proc

import "encoding/binary"

// Machine identifies the target instruction-set architecture.
type Machine int

const (
	MachineInvalid Machine = iota
	MachineX86
	MachineX64
	MachineArm
)

func (m Machine) String() string {
	switch m {
	case MachineX86:
		return "x86"
	case MachineX64:
		return "x64"
	case MachineArm:
		return "arm"
	}
	return "invalid"
}

// PointerSize returns the target pointer width in bytes.
func (m Machine) PointerSize() int {
	if m == MachineX64 {
		return 8
	}
	return 4
}

const (
	// X86BreakInstruction is the single-byte int3 trap used on both
	// x86 and x64.
	X86BreakInstruction       = 0xCC
	X86BreakInstructionLength = 1

	// ArmBreakInstruction is the 4-byte A32 BKPT encoding.
	ArmBreakInstruction       uint32 = 0xE7F000F3
	ArmBreakInstructionLength        = 4

	// ThumbBreakInstruction is the 2-byte Thumb BKPT encoding.
	ThumbBreakInstruction       uint16 = 0xDE20
	ThumbBreakInstructionLength        = 2

	// ArmThumbBit is the low bit of an ARM code address; set means the
	// address is Thumb code. Memory I/O must mask it off.
	ArmThumbBit = 0x1

	// PsrFlagThumb is the Thumb state bit in the ARM CPSR.
	PsrFlagThumb = 0x20

	// ArmFunctionPrologue is the A32 "mov ip, sp" encoding that opens
	// a standard non-leaf function prologue.
	ArmFunctionPrologue uint32 = 0xE1A0C00D

	// MaxTrapSize is the largest trap instruction of any supported
	// architecture.
	MaxTrapSize = ArmBreakInstructionLength
)

// x86FunctionPrologue is "push ebp; mov ebp, esp".
var x86FunctionPrologue = [3]byte{0x55, 0x89, 0xE5}

// BreakInstruction returns the trap instruction bytes for an execution
// breakpoint at the given address. On ARM the Thumb bit of the address
// selects between the A32 and Thumb encodings.
func (m Machine) BreakInstruction(address uint64) []byte {
	switch m {
	case MachineX86, MachineX64:
		return []byte{X86BreakInstruction}
	case MachineArm:
		if address&ArmThumbBit != 0 {
			trap := make([]byte, ThumbBreakInstructionLength)
			binary.LittleEndian.PutUint16(trap, ThumbBreakInstruction)
			return trap
		}
		trap := make([]byte, ArmBreakInstructionLength)
		binary.LittleEndian.PutUint32(trap, ArmBreakInstruction)
		return trap
	}
	return nil
}

// BreakInstructionLength returns the trap size for an execution
// breakpoint at the given address.
func (m Machine) BreakInstructionLength(address uint64) int {
	return len(m.BreakInstruction(address))
}

// BreakAddress masks the Thumb bit off an ARM address so it can be
// used for memory reads and writes. The caller keeps the original
// address to preserve the Thumb indication.
func (m Machine) BreakAddress(address uint64) uint64 {
	if m == MachineArm {
		return address &^ ArmThumbBit
	}
	return address
}
