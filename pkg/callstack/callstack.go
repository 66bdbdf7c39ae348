// Package callstack refines a raw unwind into an inline aware call stack.
package callstack

import (
	"context"
	"fmt"

	"github.com/radctl/radctl/pkg/debuginfo"
	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/unwind"
)

// Modules maps the modules of an unwind to their debug info.
type Modules interface {
	DebugInfoModule(m *unwind.Module) (debuginfo.Module, bool)
}

// Frame is one concrete frame of the call stack with the functions inlined
// at its location layered on top.
type Frame struct {
	// Index is the position of the frame in the raw unwind.
	Index  int
	Regs   *regs.AMD64
	Module *unwind.Module
	// Voff is the module relative address used for lookups. For frames
	// other than the innermost it points into the call instruction.
	Voff uint64

	Symbol    debuginfo.Symbol
	HasSymbol bool
	Line      debuginfo.Line
	HasLine   bool
	// Inline lists the inline sites covering Voff, outermost first.
	Inline []debuginfo.InlineSite
}

// Depth returns the number of inline frames layered on the concrete frame.
func (f *Frame) Depth() int { return len(f.Inline) }

// CallStack is the result of Build.
type CallStack struct {
	Frames []Frame
	Flags  unwind.Flags
}

// Location is one function activation: a concrete frame at inline depth 0,
// or one of its inline frames at depth 1 and above.
type Location struct {
	Index, InlineDepth int
	PC                 uint64
	Function           string
	File               string
	Line               uint32
}

func (l Location) String() string {
	fn := l.Function
	if fn == "" {
		fn = fmt.Sprintf("%#x", l.PC)
	}
	if l.File == "" {
		return fn
	}
	return fmt.Sprintf("%s at %s:%d", fn, l.File, l.Line)
}

// Build attaches debug info and inline chains to each frame of u. A nil
// resolver or mods produces frames without names. Build stops early, marking
// the result stale, when ctx expires.
func Build(ctx context.Context, u unwind.Unwind, resolver debuginfo.Resolver, mods Modules) *CallStack {
	cs := &CallStack{Frames: make([]Frame, 0, len(u.Frames)), Flags: u.Flags}
	for i, uf := range u.Frames {
		f := Frame{Index: i, Regs: uf.Regs, Module: uf.Module}
		cs.Frames = append(cs.Frames, f)
		if ctx.Err() != nil {
			cs.Flags |= unwind.FlagStale
			continue
		}
		if uf.Module == nil || resolver == nil || mods == nil {
			continue
		}
		dm, ok := mods.DebugInfoModule(uf.Module)
		if !ok {
			continue
		}
		pc := uf.Regs.Rip
		if i > 0 && pc > uf.Module.Base {
			pc--
		}
		fp := &cs.Frames[i]
		fp.Voff = pc - uf.Module.Base
		fp.Symbol, fp.HasSymbol = resolver.SymbolFromVoff(dm, fp.Voff)
		fp.Line, fp.HasLine = resolver.LineFromVoff(dm, fp.Voff)
		fp.Inline = resolver.InlineSitesFromVoff(dm, fp.Voff)
	}
	return cs
}

// Frame returns the activation at unwind index i and inline depth depth.
func (cs *CallStack) Frame(i, depth int) (Location, bool) {
	if i < 0 || i >= len(cs.Frames) {
		return Location{}, false
	}
	f := &cs.Frames[i]
	if depth < 0 || depth > f.Depth() {
		return Location{}, false
	}
	loc := Location{Index: i, InlineDepth: depth, PC: f.Regs.Rip}
	if depth == 0 {
		loc.Function = f.Symbol.Name
	} else {
		loc.Function = f.Inline[depth-1].Name
	}
	if depth < f.Depth() {
		// Stopped at the call of the next inline level.
		loc.File, loc.Line = f.Inline[depth].CallFile, f.Inline[depth].CallLine
	} else if f.HasLine {
		loc.File, loc.Line = f.Line.File, f.Line.Line
	}
	return loc, true
}

// Count returns the number of activations, inline frames included.
func (cs *CallStack) Count() int {
	n := 0
	for i := range cs.Frames {
		n += cs.Frames[i].Depth() + 1
	}
	return n
}

// Locations lists every activation, innermost first.
func (cs *CallStack) Locations() []Location {
	out := make([]Location, 0, cs.Count())
	for i := range cs.Frames {
		for d := cs.Frames[i].Depth(); d >= 0; d-- {
			loc, _ := cs.Frame(i, d)
			out = append(out, loc)
		}
	}
	return out
}
