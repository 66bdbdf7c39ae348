package protocol

import (
	"fmt"
	"strings"

	"github.com/radctl/radctl/pkg/target"
)

// MessageKind is the kind of a command sent to the control goroutine.
type MessageKind uint8

const (
	MsgNull MessageKind = iota
	MsgLaunch
	MsgAttach
	MsgKill
	MsgKillAll
	MsgDetach
	MsgRun
	MsgSingleStep
	MsgSetEntryPoints
	MsgSetModuleDebugPath
	MsgFreezeThread
	MsgThawThread

	msgKindCount
)

var messageKindNames = [msgKindCount]string{
	"null", "launch", "attach", "kill", "kill-all", "detach", "run",
	"single-step", "set-entry-points", "set-module-debug-path",
	"freeze-thread", "thaw-thread",
}

func (k MessageKind) String() string {
	if k < msgKindCount {
		return messageKindNames[k]
	}
	return fmt.Sprintf("message(%d)", uint8(k))
}

// EventKind is the kind of an event emitted by the control goroutine.
type EventKind uint8

const (
	EventNull EventKind = iota
	EventError
	EventStarted
	EventStopped
	EventNewProc
	EventNewThread
	EventNewModule
	EventEndProc
	EventEndThread
	EventEndModule
	EventThreadName
	EventThreadColor
	EventThreadFrozen
	EventThreadThawed
	EventModuleDebugInfoPathChange
	EventDebugString
	EventSetBreakpoint
	EventUnsetBreakpoint
	EventMemReserve
	EventMemCommit
	EventMemDecommit
	EventMemRelease

	eventKindCount
)

var eventKindNames = [eventKindCount]string{
	"null", "error", "started", "stopped", "new-proc", "new-thread",
	"new-module", "end-proc", "end-thread", "end-module", "thread-name",
	"thread-color", "thread-frozen", "thread-thawed",
	"module-debug-info-path-change", "debug-string", "set-breakpoint",
	"unset-breakpoint", "mem-reserve", "mem-commit", "mem-decommit",
	"mem-release",
}

func (k EventKind) String() string {
	if k < eventKindCount {
		return eventKindNames[k]
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Cause explains why a run stopped.
type Cause uint8

const (
	CauseNull Cause = iota
	CauseFinished
	CauseUserBreakpoint
	CauseInterruptedByTrap
	CauseInterruptedByException
	CauseInterruptedByHalt
	CauseError
)

var causeNames = [...]string{"null", "finished", "user-breakpoint", "interrupted-by-trap", "interrupted-by-exception", "interrupted-by-halt", "error"}

func (c Cause) String() string {
	if int(c) < len(causeNames) {
		return causeNames[c]
	}
	return fmt.Sprintf("cause(%d)", uint8(c))
}

// ExceptionKind refines CauseInterruptedByException.
type ExceptionKind uint8

const (
	ExceptionKindNull ExceptionKind = iota
	ExceptionKindMemoryRead
	ExceptionKindMemoryWrite
	ExceptionKindMemoryExecute
	ExceptionKindCppThrow
)

var exceptionKindNames = [...]string{"null", "memory-read", "memory-write", "memory-execute", "cpp-throw"}

func (k ExceptionKind) String() string {
	if int(k) < len(exceptionKindNames) {
		return exceptionKindNames[k]
	}
	return fmt.Sprintf("exception-kind(%d)", uint8(k))
}

// RunFlags modify Run and SingleStep messages.
type RunFlags uint32

const (
	RunFlagStopOnEntryPoint RunFlags = 1 << iota
)

// ExceptionCodeKind enumerates the exception codes a filter can select.
type ExceptionCodeKind uint8

const (
	ExceptionCodeNull ExceptionCodeKind = iota
	ExceptionCodeAccessViolation
	ExceptionCodeIllegalInstruction
	ExceptionCodeDivideByZero
	ExceptionCodeArrayBounds
	ExceptionCodeStackOverflow
	ExceptionCodeCppThrow

	exceptionCodeKindCount
)

var exceptionCodeKinds = [exceptionCodeKindCount]struct {
	name string
	code uint32
}{
	{"null", 0},
	{"access-violation", target.ExceptionCodeAccessViolation},
	{"illegal-instruction", target.ExceptionCodeIllegalInstruction},
	{"divide-by-zero", target.ExceptionCodeIntDivideByZero},
	{"array-bounds", target.ExceptionCodeArrayBounds},
	{"stack-overflow", target.ExceptionCodeStackOverflow},
	{"cpp-throw", target.ExceptionCodeCppThrow},
}

func (k ExceptionCodeKind) String() string {
	if k < exceptionCodeKindCount {
		return exceptionCodeKinds[k].name
	}
	return fmt.Sprintf("exception-code(%d)", uint8(k))
}

// Code returns the exception code of k.
func (k ExceptionCodeKind) Code() uint32 {
	if k < exceptionCodeKindCount {
		return exceptionCodeKinds[k].code
	}
	return 0
}

// ExceptionCodeKindFromCode maps an exception code to its kind.
func ExceptionCodeKindFromCode(code uint32) ExceptionCodeKind {
	for k := ExceptionCodeKind(1); k < exceptionCodeKindCount; k++ {
		if exceptionCodeKinds[k].code == code {
			return k
		}
	}
	return ExceptionCodeNull
}

// ExceptionCodeKindFromName maps a name like "access-violation" to its kind.
func ExceptionCodeKindFromName(name string) (ExceptionCodeKind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k := ExceptionCodeKind(1); k < exceptionCodeKindCount; k++ {
		if exceptionCodeKinds[k].name == name {
			return k, true
		}
	}
	return ExceptionCodeNull, false
}

// ExceptionFilter is the set of exception codes that stop a run on first
// chance.
type ExceptionFilter [(exceptionCodeKindCount + 63) / 64]uint64

// Has reports whether k is in the filter.
func (f *ExceptionFilter) Has(k ExceptionCodeKind) bool {
	return f[k/64]&(1<<(k%64)) != 0
}

// Set adds k to the filter.
func (f *ExceptionFilter) Set(k ExceptionCodeKind) {
	f[k/64] |= 1 << (k % 64)
}

// Clear removes k from the filter.
func (f *ExceptionFilter) Clear(k ExceptionCodeKind) {
	f[k/64] &^= 1 << (k % 64)
}

// ParseExceptionFilter builds a filter from exception code names.
func ParseExceptionFilter(names []string) (ExceptionFilter, error) {
	var f ExceptionFilter
	for _, n := range names {
		k, ok := ExceptionCodeKindFromName(n)
		if !ok {
			return f, fmt.Errorf("unknown exception code %q", n)
		}
		f.Set(k)
	}
	return f, nil
}
