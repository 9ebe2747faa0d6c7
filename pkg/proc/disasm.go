package proc

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/x86/x86asm"
)

// DisassembleNext decodes the instruction at the front of a break
// event's instruction stream. It returns the assembly text and the
// instruction length; undecodable bytes come back as a raw word so
// the break print never fails.
func DisassembleNext(machine Machine, stream []byte, thumb bool) (string, int) {
	switch machine {
	case MachineX86, MachineX64:
		mode := 32
		if machine == MachineX64 {
			mode = 64
		}
		inst, err := x86asm.Decode(stream, mode)
		if err != nil {
			return fmt.Sprintf(".byte 0x%02x", stream[0]), 1
		}
		return x86asm.IntelSyntax(inst, 0, nil), inst.Len

	case MachineArm:
		if thumb {
			// Thumb decoding is not supported; show the halfword.
			if len(stream) >= 2 {
				return fmt.Sprintf(".hword 0x%04x", binary.LittleEndian.Uint16(stream)), 2
			}
			return "??", 2
		}
		inst, err := armasm.Decode(stream, armasm.ModeARM)
		if err != nil {
			if len(stream) >= 4 {
				return fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(stream)), 4
			}
			return "??", 4
		}
		return armasm.GNUSyntax(inst), inst.Len
	}
	return "??", 0
}
