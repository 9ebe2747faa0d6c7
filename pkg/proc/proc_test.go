package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type testOutput struct {
	buf bytes.Buffer
}

func (o *testOutput) Printf(format string, args ...interface{}) {
	fmt.Fprintf(&o.buf, format, args...)
}

func (o *testOutput) String() string { return o.buf.String() }

// mockLink is a scripted transport. Memory is a sparse byte map;
// reads of unseeded addresses fail. Events queue up in order and are
// handed out one per WaitForEvent.
type mockLink struct {
	mem             map[uint64]byte
	events          []Event
	continues       []uint32
	singleSteps     int
	rangeSteps      []RangeStep
	rangeStepErr    error
	setRegisters    int
	lastRegisters   Registers
	moduleList      *ModuleList
	moduleListCalls int
	breakIns        int
	switched        []uint32
	threads         []uint32
	reboots         []RebootKind
}

func newMockLink() *mockLink {
	return &mockLink{mem: make(map[uint64]byte)}
}

func (m *mockLink) setBytes(addr uint64, b ...byte) {
	for i, v := range b {
		m.mem[addr+uint64(i)] = v
	}
}

func (m *mockLink) setUint32(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.setBytes(addr, b[:]...)
}

func (m *mockLink) setUint64(addr uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.setBytes(addr, b[:]...)
}

func (m *mockLink) bytesAt(addr uint64, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = m.mem[addr+uint64(i)]
	}
	return out
}

func (m *mockLink) queue(ev Event) { m.events = append(m.events, ev) }

func (m *mockLink) Connect(initialBreak bool) (*ConnectionResponse, error) {
	return &ConnectionResponse{}, nil
}

func (m *mockLink) WaitForEvent() (Event, error) {
	if len(m.events) == 0 {
		return nil, fmt.Errorf("no scripted events left")
	}
	ev := m.events[0]
	m.events = m.events[1:]
	return ev, nil
}

func (m *mockLink) Continue(signal uint32) error {
	m.continues = append(m.continues, signal)
	return nil
}

func (m *mockLink) SingleStep(signal uint32) error {
	m.singleSteps++
	return nil
}

func (m *mockLink) RangeStepTarget(step *RangeStep, signal uint32) error {
	if m.rangeStepErr != nil {
		return m.rangeStepErr
	}
	m.rangeSteps = append(m.rangeSteps, *step)
	return nil
}

func (m *mockLink) ReadMemory(virtual bool, address uint64, buf []byte) (int, error) {
	for i := range buf {
		b, ok := m.mem[address+uint64(i)]
		if !ok {
			return i, fmt.Errorf("address %#x not mapped", address+uint64(i))
		}
		buf[i] = b
	}
	return len(buf), nil
}

func (m *mockLink) WriteMemory(virtual bool, address uint64, data []byte) (int, error) {
	m.setBytes(address, data...)
	return len(data), nil
}

func (m *mockLink) SetRegisters(regs *Registers) error {
	m.setRegisters++
	m.lastRegisters = *regs
	return nil
}

func (m *mockLink) GetSpecialRegisters() (*SpecialRegisters, error) {
	return &SpecialRegisters{}, nil
}

func (m *mockLink) SetSpecialRegistersCmd(cmd *SetSpecialRegisters) error { return nil }

func (m *mockLink) SwitchProcessor(n uint32) error {
	m.switched = append(m.switched, n)
	return nil
}

func (m *mockLink) GetThreadList() ([]uint32, error) { return m.threads, nil }

func (m *mockLink) Reboot(kind RebootKind) error {
	m.reboots = append(m.reboots, kind)
	return nil
}

func (m *mockLink) RequestBreakIn() error {
	m.breakIns++
	return nil
}

func (m *mockLink) GetLoadedModuleList() (*ModuleList, error) {
	m.moduleListCalls++
	if m.moduleList == nil {
		return nil, fmt.Errorf("no module list scripted")
	}
	return m.moduleList, nil
}

// x86Break builds a debug-break event for a 32-bit x86 target stopped
// at pc, with the given bytes about to execute.
func x86Break(pc uint64, stream ...byte) *BreakEvent {
	ev := &BreakEvent{
		InstructionPointer: pc,
		Exception:          ExceptionDebugBreak,
		Registers: Registers{
			Machine: MachineX86,
			X86:     X86Registers{Eip: uint32(pc)},
		},
	}
	copy(ev.InstructionStream[:], stream)
	return ev
}

func armBreak(pc uint64, cpsr uint32, stream ...byte) *BreakEvent {
	ev := &BreakEvent{
		InstructionPointer: pc,
		Exception:          ExceptionDebugBreak,
		Registers: Registers{
			Machine: MachineArm,
			Arm:     ArmRegisters{R15Pc: uint32(pc), Cpsr: cpsr},
		},
	}
	copy(ev.InstructionStream[:], stream)
	return ev
}
