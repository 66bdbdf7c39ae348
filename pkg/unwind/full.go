package unwind

import (
	"context"

	"github.com/radctl/radctl/pkg/regs"
)

// Modules finds the module mapped at an address.
type Modules interface {
	ModuleFromVaddr(vaddr uint64) (*Module, bool)
}

// Frame is one frame of a raw unwind.
type Frame struct {
	Regs *regs.AMD64
	// Module is the module containing Regs.Rip, nil if none.
	Module *Module
}

// Unwind is the sequence of frames of a thread, innermost first.
type Unwind struct {
	Frames []Frame
	Flags  Flags
}

// DefaultMaxFrames bounds a full unwind when the caller gives no budget.
const DefaultMaxFrames = 256

// Full unwinds start until the instruction pointer leaves every known
// module, the stack pointer stops increasing, the stack ends (a zero return
// address) or maxFrames frames were produced. Leaving the known modules and
// a stuck stack pointer set FlagError on the result.
func Full(ctx context.Context, mem Memory, mods Modules, start *regs.AMD64, maxFrames int) Unwind {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	var out Unwind
	r := start.Clone()
	for len(out.Frames) < maxFrames {
		mod, ok := mods.ModuleFromVaddr(r.Rip)
		if !ok {
			mod = nil
		}
		out.Frames = append(out.Frames, Frame{Regs: r.Clone(), Module: mod})
		if mod == nil {
			out.Flags |= FlagError
			break
		}
		if ctx.Err() != nil {
			out.Flags |= FlagStale
			break
		}
		prevSP := r.Rsp
		res := Step(ctx, mem, mod, r)
		out.Flags |= res.Flags
		if res.Flags != 0 {
			break
		}
		if r.Rip == 0 {
			break
		}
		if r.Rsp <= prevSP {
			out.Flags |= FlagError
			break
		}
	}
	return out
}
