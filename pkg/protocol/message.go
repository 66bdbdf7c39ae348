package protocol

import (
	"github.com/radctl/radctl/pkg/target"
	"github.com/radctl/radctl/pkg/trapnet"
)

// BreakpointKind selects how a user breakpoint names its location.
type BreakpointKind uint8

const (
	BreakpointFileLine BreakpointKind = iota
	BreakpointSymbol
	BreakpointAddress
)

// BreakpointFlags are user breakpoint state bits.
type BreakpointFlags uint32

const (
	BreakpointEnabled BreakpointFlags = 1 << iota
)

// Breakpoint is a user breakpoint carried by Run and SingleStep messages.
type Breakpoint struct {
	Kind  BreakpointKind
	Flags BreakpointFlags
	// File and Line locate BreakpointFileLine breakpoints.
	File string
	Line uint32
	// Symbol plus Offset locate BreakpointSymbol breakpoints.
	Symbol string
	Offset uint64
	// Address locates BreakpointAddress breakpoints.
	Address uint64
	// Condition is carried for the user layer and not evaluated here.
	Condition string
	HitCount  uint64
}

// Enabled reports whether the breakpoint participates in runs.
func (bp *Breakpoint) Enabled() bool { return bp.Flags&BreakpointEnabled != 0 }

// Message is a command sent from the user goroutine to the control
// goroutine.
type Message struct {
	Kind   MessageKind
	ID     uint64
	Target target.Handle
	Parent target.Handle
	// EntityID is the pid for Attach.
	EntityID        uint64
	ExitCode        uint32
	RunFlags        RunFlags
	ExceptionFilter ExceptionFilter

	Path        string
	EntryPoints []string
	CmdLine     []string
	Env         []string
	InheritEnv  bool
	WorkingDir  string
	Stdio       [3]string

	Traps       []trapnet.Trap
	Breakpoints []Breakpoint
}

// Clone returns a deep copy of m.
func (m *Message) Clone() Message {
	c := *m
	c.EntryPoints = cloneStrings(m.EntryPoints)
	c.CmdLine = cloneStrings(m.CmdLine)
	c.Env = cloneStrings(m.Env)
	if m.Traps != nil {
		c.Traps = append([]trapnet.Trap(nil), m.Traps...)
	}
	if m.Breakpoints != nil {
		c.Breakpoints = append([]Breakpoint(nil), m.Breakpoints...)
	}
	return c
}

// CloneMessages deep copies a message list.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// Event is an outcome sent from the control goroutine to the user
// goroutine.
type Event struct {
	Kind          EventKind
	Cause         Cause
	ExceptionKind ExceptionKind
	MsgID         uint64
	Target        target.Handle
	Parent        target.Handle
	Arch          target.Arch
	// U64 is kind specific: the exit code of EndProc and EndThread, the
	// address of SetBreakpoint and UnsetBreakpoint, and for Stopped the
	// index of the user breakpoint, the faulting address of an exception
	// or the exit code of the process whose exit finished the run.
	U64       uint64
	EntityID  uint64
	Range     target.Range
	RIP       uint64
	StackBase uint64
	TLSRoot   uint64
	// Timestamp is in microseconds since the unix epoch.
	Timestamp       uint64
	ExceptionCode   uint32
	Color           uint32
	BreakpointFlags BreakpointFlags
	HitCount        uint64
	String          string
}

// Clone returns a deep copy of e.
func (e *Event) Clone() Event {
	return *e
}

// CloneEvents deep copies an event list.
func CloneEvents(evs []Event) []Event {
	if evs == nil {
		return nil
	}
	return append([]Event(nil), evs...)
}
