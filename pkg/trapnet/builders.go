package trapnet

import (
	"github.com/radctl/radctl/pkg/target"
)

// The builders below assemble the trap list of one stepping algorithm.
// They only read memory and run on the requesting goroutine. The control
// goroutine sets the stack pointer check to the stepping thread's stack
// pointer before the run starts.

// StepOverInst steps over the instruction at ip. Calls are stepped over by
// trapping their return site. Any other instruction is executed once by a
// trap at ip itself.
func StepOverInst(mem target.MemoryReader, ip uint64) ([]Trap, error) {
	inst, err := Decode(mem, ip)
	if err != nil {
		return nil, err
	}
	if inst.Kind == CallInstruction {
		return []Trap{{Flags: FlagEndStepping, Vaddr: inst.Next()}}, nil
	}
	return []Trap{{Flags: FlagSingleStepAfterHit | FlagEndStepping | FlagIgnoreStackPointerCheck, Vaddr: ip}}, nil
}

// StepOverLine steps until the thread leaves line, the address range of the
// current source line, without descending into calls. Calls are executed
// and then their return address is spoofed, so the return is observed at
// the right depth even through recursion.
func StepOverLine(mem target.MemoryReader, ip uint64, line target.Range) ([]Trap, error) {
	return stepLine(mem, ip, line, FlagSingleStepAfterHit|FlagBeginSpoofMode)
}

// StepIntoLine steps until the thread leaves line, stopping inside the
// callee of any call executed on the way.
func StepIntoLine(mem target.MemoryReader, ip uint64, line target.Range) ([]Trap, error) {
	return stepLine(mem, ip, line, FlagSingleStepAfterHit|FlagEndStepping)
}

func stepLine(mem target.MemoryReader, ip uint64, line target.Range, callFlags Flags) ([]Trap, error) {
	if !line.Contains(ip) {
		return StepOverInst(mem, ip)
	}
	var traps []Trap
	for pc := line.Min; pc < line.Max; {
		inst, err := Decode(mem, pc)
		if err != nil {
			if pc == line.Min {
				return nil, err
			}
			// Data or padding inside the line; anything past it is handled by
			// the line end trap.
			break
		}
		switch inst.Kind {
		case CallInstruction:
			traps = append(traps, Trap{Flags: callFlags, Vaddr: pc})
		case RetInstruction:
			traps = append(traps, Trap{Flags: FlagSingleStepAfterHit | FlagEndStepping, Vaddr: pc})
		case JmpInstruction, CondJmpInstruction:
			switch {
			case !inst.HasDest:
				traps = append(traps, Trap{Flags: FlagSingleStepAfterHit | FlagEndStepping, Vaddr: pc})
			case !line.Contains(inst.Dest):
				traps = append(traps, Trap{Flags: FlagEndStepping, Vaddr: inst.Dest})
			}
		}
		pc = inst.Next()
	}
	traps = append(traps, Trap{Flags: FlagEndStepping, Vaddr: line.Max})
	return traps, nil
}

// StepOut runs until the current function returns to retAddr, the return
// address recovered by unwinding the stepping thread.
func StepOut(retAddr uint64) []Trap {
	return []Trap{{Flags: FlagEndStepping, Vaddr: retAddr}}
}
