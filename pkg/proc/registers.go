package proc

// X86Registers is the 32-bit x86 register file.
type X86Registers struct {
	Eax, Ebx, Ecx, Edx uint32
	Esi, Edi           uint32
	Ebp, Esp           uint32
	Eip                uint32
	Eflags             uint32
	Cs, Ds, Es, Fs, Gs, Ss uint32
}

// X64Registers is the x86-64 register file.
type X64Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi           uint64
	Rbp, Rsp           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip                uint64
	Rflags             uint64
	Cs, Ds, Es, Fs, Gs, Ss uint64
}

// ArmRegisters is the 32-bit ARM register file. R7 doubles as the
// frame pointer in Thumb mode, R11 in A32 mode.
type ArmRegisters struct {
	R0, R1, R2, R3, R4, R5, R6, R7 uint32
	R8, R9, R10                    uint32
	R11Fp, R12Ip, R13Sp, R14Lr     uint32
	R15Pc                          uint32
	Cpsr                           uint32
}

// Registers is the register union of the current event or frame,
// discriminated by machine type. It is a value type so frame
// selection can work on a scratch copy.
type Registers struct {
	Machine Machine
	X86     X86Registers
	X64     X64Registers
	Arm     ArmRegisters
}

// PC returns the instruction pointer.
func (r *Registers) PC() uint64 {
	switch r.Machine {
	case MachineX86:
		return uint64(r.X86.Eip)
	case MachineX64:
		return r.X64.Rip
	case MachineArm:
		return uint64(r.Arm.R15Pc)
	}
	return 0
}

// SetPC writes the instruction pointer. On ARM the CPSR Thumb flag is
// kept in agreement with the Thumb bit of the new address.
func (r *Registers) SetPC(pc uint64) {
	switch r.Machine {
	case MachineX86:
		r.X86.Eip = uint32(pc)
	case MachineX64:
		r.X64.Rip = pc
	case MachineArm:
		r.Arm.R15Pc = uint32(pc)
		if pc&ArmThumbBit != 0 {
			r.Arm.Cpsr |= PsrFlagThumb
		} else {
			r.Arm.Cpsr &^= PsrFlagThumb
		}
	}
}

// SP returns the stack pointer.
func (r *Registers) SP() uint64 {
	switch r.Machine {
	case MachineX86:
		return uint64(r.X86.Esp)
	case MachineX64:
		return r.X64.Rsp
	case MachineArm:
		return uint64(r.Arm.R13Sp)
	}
	return 0
}

// SetSP writes the stack pointer.
func (r *Registers) SetSP(sp uint64) {
	switch r.Machine {
	case MachineX86:
		r.X86.Esp = uint32(sp)
	case MachineX64:
		r.X64.Rsp = sp
	case MachineArm:
		r.Arm.R13Sp = uint32(sp)
	}
}

// Thumb reports whether the CPSR says the ARM target is executing
// Thumb code.
func (r *Registers) Thumb() bool {
	return r.Machine == MachineArm && r.Arm.Cpsr&PsrFlagThumb != 0
}

// FP returns the frame pointer: EBP/RBP on x86/x64, R7 or R11 on ARM
// depending on the Thumb state.
func (r *Registers) FP() uint64 {
	switch r.Machine {
	case MachineX86:
		return uint64(r.X86.Ebp)
	case MachineX64:
		return r.X64.Rbp
	case MachineArm:
		if r.Thumb() {
			return uint64(r.Arm.R7)
		}
		return uint64(r.Arm.R11Fp)
	}
	return 0
}

// SetFP writes the frame pointer, honoring the ARM Thumb selection.
func (r *Registers) SetFP(fp uint64) {
	switch r.Machine {
	case MachineX86:
		r.X86.Ebp = uint32(fp)
	case MachineX64:
		r.X64.Rbp = fp
	case MachineArm:
		if r.Thumb() {
			r.Arm.R7 = uint32(fp)
		} else {
			r.Arm.R11Fp = uint32(fp)
		}
	}
}

// ReturnRegister returns the link register on ARM and 0 elsewhere.
func (r *Registers) ReturnRegister() uint64 {
	if r.Machine == MachineArm {
		return uint64(r.Arm.R14Lr)
	}
	return 0
}
