package proc

// ExceptionKind classifies the cause of a break event.
type ExceptionKind int

const (
	ExceptionInvalid ExceptionKind = iota
	ExceptionDebugBreak
	ExceptionSingleStep
	ExceptionSignal
	ExceptionAssertionFailure
	ExceptionAccessViolation
	ExceptionDoubleFault
	ExceptionIllegalInstruction
	ExceptionUnknown
)

func (k ExceptionKind) String() string {
	switch k {
	case ExceptionDebugBreak:
		return "debug break"
	case ExceptionSingleStep:
		return "single step"
	case ExceptionSignal:
		return "signal"
	case ExceptionAssertionFailure:
		return "assertion failure"
	case ExceptionAccessViolation:
		return "access violation"
	case ExceptionDoubleFault:
		return "double fault"
	case ExceptionIllegalInstruction:
		return "illegal instruction"
	case ExceptionUnknown:
		return "unknown"
	}
	return "invalid"
}

// signalTrap is the trap signal number; breaks caused by it are not
// reported as caught signals.
const signalTrap = 5

// BreakStreamSize is the number of instruction-stream bytes a break
// event carries, enough to disassemble the next instruction without a
// memory round trip.
const BreakStreamSize = 16

// BreakEvent reports the target stopping.
type BreakEvent struct {
	Registers             Registers
	InstructionPointer    uint64
	Exception             ExceptionKind
	ErrorCode             uint32
	SignalNumber          uint32
	Process               uint32
	ThreadOrCPU           uint32
	LoadedModuleCount     uint32
	LoadedModuleSignature uint64
	InstructionStream     [BreakStreamSize]byte
}

// ShutdownKind says why the target went away.
type ShutdownKind int

const (
	ShutdownProcessExit ShutdownKind = iota
	ShutdownThreadExit
	ShutdownRestart
)

// ShutdownEvent reports the target going away.
type ShutdownEvent struct {
	Kind             ShutdownKind
	Process          uint32
	ExitStatus       int32
	UnloadAllSymbols bool
}

// ProfilerEvent carries raw profiler data for a registered sink; the
// core does not interpret it.
type ProfilerEvent struct {
	Data []byte
}

// Event is the tagged union of target notifications.
type Event interface {
	event()
}

func (*BreakEvent) event()    {}
func (*ShutdownEvent) event() {}
func (*ProfilerEvent) event() {}
