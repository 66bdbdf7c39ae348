// Package unwind recovers caller register state from callee register state
// on x64, using PE unwind tables where the module has them and the frame
// pointer chain otherwise.
package unwind

import (
	"context"
	"encoding/binary"

	"github.com/radctl/radctl/pkg/image"
	"github.com/radctl/radctl/pkg/logflags"
	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
)

// Flags report the outcome of an unwind step.
type Flags uint8

const (
	// FlagError means the unwind could not continue: missing or malformed
	// unwind data, unreadable stack or a frame outside every module.
	FlagError Flags = 1 << iota
	// FlagStale means some memory could not be read before the deadline,
	// or was read from a previous generation.
	FlagStale
)

func (f Flags) String() string {
	switch f {
	case 0:
		return "ok"
	case FlagError:
		return "error"
	case FlagStale:
		return "stale"
	}
	return "error|stale"
}

// StepResult is the result of one Step.
type StepResult struct {
	Flags Flags
}

// Memory reads target memory within a deadline.
type Memory interface {
	// Read fills buf from addr. stale is set when the data may be out of
	// date; err is set when it could not be read at all.
	Read(ctx context.Context, addr uint64, buf []byte) (stale bool, err error)
}

// Module is a loaded module image.
type Module struct {
	Base uint64
	Info *image.Info
}

// Contains reports whether vaddr lies in the mapped image.
func (m *Module) Contains(vaddr uint64) bool {
	return vaddr >= m.Base && vaddr < m.Base+m.Info.Size
}

// ReaderMemory adapts a MemoryReader that can not go stale.
type ReaderMemory struct {
	R target.MemoryReader
}

func (rm ReaderMemory) Read(ctx context.Context, addr uint64, buf []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, err
	}
	n, err := rm.R.ReadMemory(addr, buf)
	if n == len(buf) {
		return false, nil
	}
	if err == nil {
		err = target.InvalidAddressError{Address: addr + uint64(n)}
	}
	return false, err
}

type stepper struct {
	ctx   context.Context
	mem   Memory
	mod   *Module
	flags Flags
	log   logflags.Logger
}

func (s *stepper) read(addr uint64, buf []byte) bool {
	stale, err := s.mem.Read(s.ctx, addr, buf)
	if stale {
		s.flags |= FlagStale
	}
	if err != nil {
		if s.ctx.Err() != nil {
			s.flags |= FlagStale
		} else {
			s.flags |= FlagError
		}
		return false
	}
	return true
}

func (s *stepper) u64(addr uint64) (uint64, bool) {
	var b [8]byte
	if !s.read(addr, b[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[:]), true
}

// readImage reads from the module image. Reads outside the mapped image
// are malformed unwind data.
func (s *stepper) readImage(voff uint64, buf []byte) bool {
	if voff+uint64(len(buf)) > s.mod.Info.Size || voff+uint64(len(buf)) < voff {
		s.flags |= FlagError
		s.log.Debugf("unwind data at voff %#x outside image of size %#x", voff, s.mod.Info.Size)
		return false
	}
	return s.read(s.mod.Base+voff, buf)
}

// Step unwinds r by one frame, in place: on success r holds the register
// state of the caller. mod is the module containing r's instruction
// pointer; a nil mod fails with FlagError.
func Step(ctx context.Context, mem Memory, mod *Module, r *regs.AMD64) StepResult {
	s := &stepper{ctx: ctx, mem: mem, mod: mod, log: logflags.UnwindLogger()}
	if mod == nil || mod.Info == nil || !mod.Contains(r.Rip) {
		return StepResult{Flags: FlagError}
	}
	if mod.Info.Format == image.FormatPE && mod.Info.PData.Size() > 0 {
		s.stepPE(r)
	} else {
		s.stepFramePointer(r)
	}
	return StepResult{Flags: s.flags}
}

// stepFramePointer applies the frame pointer rule:
// cfa = rbp+16, ret = [rbp+8], rbp = [rbp], rsp = cfa.
func (s *stepper) stepFramePointer(r *regs.AMD64) {
	bp := r.Rbp
	if bp == 0 {
		// Outermost frame.
		r.Rip = 0
		return
	}
	if bp < r.Rsp {
		s.flags |= FlagError
		return
	}
	ret, ok := s.u64(bp + 8)
	if !ok {
		return
	}
	callerBP, ok := s.u64(bp)
	if !ok {
		return
	}
	r.Rip = ret
	r.Rbp = callerBP
	r.Rsp = bp + 16
}

// leaf unwinds a function without unwind data: the return address is at
// the top of the stack.
func (s *stepper) leaf(r *regs.AMD64) {
	ret, ok := s.u64(r.Rsp)
	if !ok {
		return
	}
	r.Rip = ret
	r.Rsp += 8
}
