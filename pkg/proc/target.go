package proc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNotImplemented is returned by optional transport primitives
	// and by the hardware watchpoint hook.
	ErrNotImplemented = errors.New("not implemented")
	// ErrTargetDisconnected is returned when the transport is lost.
	ErrTargetDisconnected = errors.New("target disconnected")
)

// RangeStep asks the target to run while the instruction pointer is
// inside the break range but not inside the hole range. The hole keeps
// stepping within the current source line silent.
type RangeStep struct {
	BreakRangeMinimum uint64
	BreakRangeMaximum uint64
	RangeHoleMinimum  uint64
	RangeHoleMaximum  uint64
}

// Covers reports whether a break at ip should be handed to the user.
func (r *RangeStep) Covers(ip uint64) bool {
	if ip < r.BreakRangeMinimum || ip >= r.BreakRangeMaximum {
		return false
	}
	if ip >= r.RangeHoleMinimum && ip < r.RangeHoleMaximum {
		return false
	}
	return true
}

// SpecialRegisters is the opaque block of control registers the
// transport exposes; the core passes it through untouched.
type SpecialRegisters struct {
	Data []byte
}

// SetSpecialRegisters is the write command for special registers.
type SetSpecialRegisters struct {
	Original SpecialRegisters
	New      SpecialRegisters
}

// RebootKind selects how hard a target reset is.
type RebootKind int

const (
	RebootWarm RebootKind = iota
	RebootCold
)

// ConnectionKind says what flavor of target a connection reached.
type ConnectionKind int

const (
	ConnectionInvalid ConnectionKind = iota
	ConnectionKernel
	ConnectionUser
	ConnectionRemote
)

// ConnectionResponse is what a transport reports after connecting.
type ConnectionResponse struct {
	Kind           ConnectionKind
	Machine        Machine
	SystemName     string
	SystemVersion  string
	ProtocolMajor  uint16
	ProtocolMinor  uint16
}

// TargetLink is the transport to the debuggee. The core calls it only
// from the command thread. RangeStepTarget returns ErrNotImplemented
// on transports without the primitive; the controller then emulates
// with single steps.
type TargetLink interface {
	Connect(initialBreak bool) (*ConnectionResponse, error)
	WaitForEvent() (Event, error)
	Continue(signalToDeliver uint32) error
	SingleStep(signalToDeliver uint32) error
	RangeStepTarget(step *RangeStep, signalToDeliver uint32) error
	ReadMemory(virtual bool, address uint64, buf []byte) (int, error)
	WriteMemory(virtual bool, address uint64, data []byte) (int, error)
	SetRegisters(regs *Registers) error
	GetSpecialRegisters() (*SpecialRegisters, error)
	SetSpecialRegistersCmd(cmd *SetSpecialRegisters) error
	SwitchProcessor(n uint32) error
	GetThreadList() ([]uint32, error)
	Reboot(kind RebootKind) error
	RequestBreakIn() error
	GetLoadedModuleList() (*ModuleList, error)
}

// LoadedModuleEntry is one module record, decoded from the wire list.
type LoadedModuleEntry struct {
	Timestamp     uint64
	LowestAddress uint64
	Size          uint64
	Process       uint32
	BinaryName    string
}

// ModuleList is the decoded loaded-module list of the target.
type ModuleList struct {
	Signature uint64
	Modules   []LoadedModuleEntry
}

// moduleListHeaderSize is the fixed prefix of the wire module list:
// signature u64 + count u32.
const moduleListHeaderSize = 12

// loadedModuleEntryFixedSize is the fixed part of one wire entry:
// struct_size u32, timestamp u64, lowest u64, size u64, process u32,
// followed by the NUL-terminated binary name padded to struct_size.
const loadedModuleEntryFixedSize = 32

// DecodeModuleList parses the wire form of the loaded-module list.
// Entries are variable length; struct_size of each entry gives the
// stride to the next one.
func DecodeModuleList(data []byte) (*ModuleList, error) {
	if len(data) < moduleListHeaderSize {
		return nil, fmt.Errorf("module list header truncated: %d bytes", len(data))
	}
	list := &ModuleList{
		Signature: binary.LittleEndian.Uint64(data),
	}
	count := binary.LittleEndian.Uint32(data[8:])
	off := uint64(moduleListHeaderSize)
	for i := uint32(0); i < count; i++ {
		if off+loadedModuleEntryFixedSize > uint64(len(data)) {
			return nil, fmt.Errorf("module list entry %d truncated", i)
		}
		structSize := uint64(binary.LittleEndian.Uint32(data[off:]))
		if structSize < loadedModuleEntryFixedSize || off+structSize > uint64(len(data)) {
			return nil, fmt.Errorf("module list entry %d has bad size %d", i, structSize)
		}
		name := data[off+loadedModuleEntryFixedSize : off+structSize]
		for j, b := range name {
			if b == 0 {
				name = name[:j]
				break
			}
		}
		list.Modules = append(list.Modules, LoadedModuleEntry{
			Timestamp:     binary.LittleEndian.Uint64(data[off+4:]),
			LowestAddress: binary.LittleEndian.Uint64(data[off+12:]),
			Size:          binary.LittleEndian.Uint64(data[off+20:]),
			Process:       binary.LittleEndian.Uint32(data[off+28:]),
			BinaryName:    string(name),
		})
		off += structSize
	}
	return list, nil
}
