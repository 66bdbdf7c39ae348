package terminal

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/radctl/radctl/pkg/cache"
	"github.com/radctl/radctl/pkg/callstack"
	"github.com/radctl/radctl/pkg/protocol"
	"github.com/radctl/radctl/pkg/target"
)

// handleEvents updates the terminal state from evs and prints them. The
// first Error event is returned instead of printed.
func (t *Term) handleEvents(evs []protocol.Event) error {
	var err error
	for i := range evs {
		ev := &evs[i]
		switch ev.Kind {
		case protocol.EventError:
			if err == nil {
				err = errors.New(ev.String)
			}
			continue
		case protocol.EventNewThread:
			if t.thread.IsZero() {
				t.thread = ev.Target
			}
		case protocol.EventEndThread:
			if ev.Target == t.thread {
				t.thread = target.Handle{}
			}
		case protocol.EventStopped:
			if ev.Cause == protocol.CauseUserBreakpoint && ev.U64 < uint64(len(t.bps)) {
				t.bps[ev.U64].HitCount = ev.HitCount
			}
			if !ev.Target.IsZero() {
				if _, ok := t.entity(ev.Target); ok {
					t.thread = ev.Target
				}
			}
		}
		t.printEvent(ev)
	}
	return err
}

func (t *Term) printEvent(ev *protocol.Event) {
	w := t.stdout
	switch ev.Kind {
	case protocol.EventNewProc:
		fmt.Fprintf(w, "Process %d started: %s\n", ev.EntityID, ev.String)
	case protocol.EventEndProc:
		fmt.Fprintf(w, "Process %d has exited with status %d\n", ev.EntityID, int32(ev.U64))
	case protocol.EventNewThread:
		fmt.Fprintf(w, "Thread %d created at %#x\n", ev.EntityID, ev.RIP)
	case protocol.EventEndThread:
		fmt.Fprintf(w, "Thread %d exited with status %d\n", ev.EntityID, int32(ev.U64))
	case protocol.EventNewModule:
		fmt.Fprintf(w, "Loaded %s at %s\n", ev.String, ev.Range)
	case protocol.EventEndModule:
		fmt.Fprintf(w, "Unloaded %s\n", ev.String)
	case protocol.EventThreadName:
		fmt.Fprintf(w, "Thread %s is named %q\n", t.threadName(ev.Target), ev.String)
	case protocol.EventThreadColor:
		fmt.Fprintf(w, "Thread %s has color #%08x\n", t.threadName(ev.Target), ev.Color)
	case protocol.EventThreadFrozen:
		fmt.Fprintf(w, "Thread %s frozen\n", t.threadName(ev.Target))
	case protocol.EventThreadThawed:
		fmt.Fprintf(w, "Thread %s thawed\n", t.threadName(ev.Target))
	case protocol.EventModuleDebugInfoPathChange:
		fmt.Fprintf(w, "Debug info for the module at %s now read from %s\n", ev.Range, ev.String)
	case protocol.EventDebugString:
		fmt.Fprintf(w, "%s %s\n", t.highlight(ansiBrBlack, "[debug]"), ev.String)
	case protocol.EventSetBreakpoint:
		fmt.Fprintf(w, "Program set breakpoint at %#x\n", ev.U64)
	case protocol.EventUnsetBreakpoint:
		fmt.Fprintf(w, "Program removed breakpoint at %#x\n", ev.U64)
	case protocol.EventStopped:
		t.printStop(ev)
	}
}

func (t *Term) printStop(ev *protocol.Event) {
	w := t.stdout
	thread := t.threadName(ev.Target)
	switch ev.Cause {
	case protocol.CauseFinished:
		if ev.Target.IsZero() {
			fmt.Fprintln(w, t.highlight(ansiGreen, "> finished"))
			return
		}
		fmt.Fprintf(w, "%s thread %s\n", t.highlight(ansiGreen, "> finished"), thread)
	case protocol.CauseUserBreakpoint:
		id := 0
		if ev.U64 < uint64(len(t.bps)) {
			id = t.bps[ev.U64].id
		}
		fmt.Fprintf(w, "%s thread %s (hits: %d)\n", t.highlight(ansiYellow, fmt.Sprintf("> Breakpoint %d", id)), thread, ev.HitCount)
	case protocol.CauseInterruptedByTrap:
		fmt.Fprintf(w, "%s thread %s\n", t.highlight(ansiYellow, "> trap"), thread)
	case protocol.CauseInterruptedByException:
		code := protocol.ExceptionCodeKindFromCode(ev.ExceptionCode)
		fmt.Fprintf(w, "%s %#x (%s) in thread %s", t.highlight(ansiRed, "> exception"), ev.ExceptionCode, code, thread)
		if ev.ExceptionKind != protocol.ExceptionKindNull {
			fmt.Fprintf(w, ": %s at %#x", ev.ExceptionKind, ev.U64)
		}
		fmt.Fprintln(w)
	case protocol.CauseInterruptedByHalt:
		fmt.Fprintf(w, "%s thread %s\n", t.highlight(ansiMagenta, "> halted"), thread)
	case protocol.CauseError:
		fmt.Fprintf(w, "%s %s\n", t.highlight(ansiRed, "> run failed:"), ev.String)
		return
	}
	if ev.Target.IsZero() {
		return
	}
	if loc, ok := t.location(ev.Target, 0); ok {
		t.Println("> ", fmt.Sprintf("%s (PC: %#x)", formatLocation(loc), loc.PC))
	} else if ev.RIP != 0 {
		t.Println("> ", fmt.Sprintf("%#x", ev.RIP))
	}
}

// threadName returns the tid of a live thread, followed by its name when
// it has one.
func (t *Term) threadName(h target.Handle) string {
	e, ok := t.entity(h)
	if !ok {
		return h.String()
	}
	if e.Name != "" {
		return fmt.Sprintf("%d %q", e.OSID, e.Name)
	}
	return fmt.Sprintf("%d", e.OSID)
}

// location returns location i of the call stack of thread.
func (t *Term) location(thread target.Handle, i int) (callstack.Location, bool) {
	ctx, cancel := t.readContext()
	defer cancel()
	sc := cache.OpenScope()
	defer sc.Close()
	cs, info := t.c.CallStack(ctx, sc, thread)
	if !info.Found || cs == nil {
		return callstack.Location{}, false
	}
	locs := cs.Locations()
	if i < 0 || i >= len(locs) {
		return callstack.Location{}, false
	}
	return locs[i], true
}

func formatLocation(loc callstack.Location) string {
	fn := loc.Function
	if fn == "" {
		fn = "?"
	}
	if loc.File == "" {
		return fn + "()"
	}
	return fmt.Sprintf("%s() %s:%d", fn, filepath.Base(loc.File), loc.Line)
}
