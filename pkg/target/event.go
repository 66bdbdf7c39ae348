package target

import "fmt"

// EventKind is the kind of an event reported by the OS control layer.
type EventKind uint8

const (
	EventNull EventKind = iota
	EventError
	EventHandshakeComplete
	EventCreateProcess
	EventExitProcess
	EventCreateThread
	EventExitThread
	EventLoadModule
	EventUnloadModule
	EventBreakpoint
	EventException
	EventSingleStep
	EventHalt
	EventDebugString
	EventMemReserve
	EventMemCommit
	EventMemDecommit
	EventMemRelease
)

var eventKindNames = [...]string{
	"null", "error", "handshake-complete", "create-process", "exit-process",
	"create-thread", "exit-thread", "load-module", "unload-module",
	"breakpoint", "exception", "single-step", "halt", "debug-string",
	"mem-reserve", "mem-commit", "mem-decommit", "mem-release",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Access is the kind of memory access that caused an exception.
type Access uint8

const (
	AccessNone Access = iota
	AccessRead
	AccessWrite
	AccessExecute
)

// Event is one notification from the OS control layer.
type Event struct {
	Kind    EventKind
	Process ID
	Thread  ID
	Module  ID
	Arch    Arch

	// OSID is the pid or tid of a created process or thread.
	OSID uint64
	// Address is the module base, breakpoint address, exception address or
	// the base of a memory region, depending on Kind.
	Address uint64
	Size    uint64
	// IP is the instruction pointer of Thread when the event was raised.
	IP uint64

	StackBase uint64
	TLSRoot   uint64

	// Code is the exception code or the exit code.
	Code        uint32
	Access      Access
	FirstChance bool
	// Args are the exception parameters.
	Args []uint64

	// String is the module path, debug string, thread name or error text.
	String string
}

// Summary returns a one line description of e for logs.
func (e Event) Summary() string {
	switch e.Kind {
	case EventCreateProcess, EventExitProcess:
		return fmt.Sprintf("%s proc=%#x osid=%d code=%d", e.Kind, uint64(e.Process), e.OSID, e.Code)
	case EventCreateThread, EventExitThread:
		return fmt.Sprintf("%s thread=%#x osid=%d", e.Kind, uint64(e.Thread), e.OSID)
	case EventLoadModule, EventUnloadModule:
		return fmt.Sprintf("%s module=%#x base=%#x size=%#x %s", e.Kind, uint64(e.Module), e.Address, e.Size, e.String)
	case EventException:
		return fmt.Sprintf("%s thread=%#x code=%#x addr=%#x first=%v", e.Kind, uint64(e.Thread), e.Code, e.Address, e.FirstChance)
	}
	return fmt.Sprintf("%s thread=%#x addr=%#x", e.Kind, uint64(e.Thread), e.Address)
}

// Exception codes. Signals delivered by POSIX backends are mapped onto the
// same values.
const (
	ExceptionCodeAccessViolation    uint32 = 0xC0000005
	ExceptionCodeIllegalInstruction uint32 = 0xC000001D
	ExceptionCodeIntDivideByZero    uint32 = 0xC0000094
	ExceptionCodeArrayBounds        uint32 = 0xC000008C
	ExceptionCodeStackOverflow      uint32 = 0xC00000FD
	ExceptionCodeBreakpoint         uint32 = 0x80000003
	ExceptionCodeSingleStep         uint32 = 0x80000004
	ExceptionCodeCppThrow           uint32 = 0xE06D7363

	// ExceptionCodeSetThreadName is raised by a program to name a thread.
	// Args[1] holds the address of a NUL terminated name.
	ExceptionCodeSetThreadName uint32 = 0x406D1388
	// ExceptionCodeSetThreadColor is raised by a program to color a thread.
	// Args[0] holds the 0xRRGGBBAA color.
	ExceptionCodeSetThreadColor uint32 = 0x00524144
	// ExceptionCodeSetBreakpoint and ExceptionCodeUnsetBreakpoint are raised
	// by a program to add or remove a breakpoint at Args[0].
	ExceptionCodeSetBreakpoint   uint32 = 0x00524145
	ExceptionCodeUnsetBreakpoint uint32 = 0x00524146
)
