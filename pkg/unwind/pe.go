package unwind

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/radctl/radctl/pkg/regs"
)

// PE x64 unwind data layout.
const (
	runtimeFunctionSize = 12
	unwindInfoHeader    = 4

	// UNW_FLAG_CHAININFO: a RUNTIME_FUNCTION for the parent function
	// follows the unwind codes.
	unwFlagChainInfo = 0x4

	// Bounds on the walk of chained unwind info and on the size of the
	// function table searched.
	maxChainDepth       = 32
	maxRuntimeFunctions = 1 << 20
)

// Unwind operation codes.
const (
	uwopPushNonvol = iota
	uwopAllocLarge
	uwopAllocSmall
	uwopSetFPReg
	uwopSaveNonvol
	uwopSaveNonvolFar
	uwopEpilog
	uwopSpareCode
	uwopSaveXMM128
	uwopSaveXMM128Far
	uwopPushMachframe
)

type runtimeFunction struct {
	begin, end, unwindData uint32
}

type unwindInfo struct {
	version     uint8
	flags       uint8
	prologSize  uint8
	frameReg    uint8
	frameOffset uint8
	codes       []uint16
	chained     runtimeFunction
}

func (s *stepper) stepPE(r *regs.AMD64) {
	voff := r.Rip - s.mod.Base
	fn, ok := s.lookupFunction(voff)
	if !ok {
		if s.flags == 0 {
			s.leaf(r)
		}
		return
	}
	if s.inEpilogue(r, fn) {
		return
	}
	machframe := false
	prologOffset := voff - uint64(fn.begin)
	for depth := 0; ; depth++ {
		if depth >= maxChainDepth {
			s.flags |= FlagError
			return
		}
		info, ok := s.readUnwindInfo(fn)
		if !ok {
			return
		}
		mf, ok := s.applyCodes(r, info, prologOffset, depth == 0)
		if !ok {
			return
		}
		machframe = machframe || mf
		if info.flags&unwFlagChainInfo == 0 {
			break
		}
		fn = info.chained
		// Every code of a parent function has already executed.
		prologOffset = ^uint64(0)
	}
	if !machframe {
		s.leaf(r)
	}
}

// lookupFunction binary searches the RUNTIME_FUNCTION table for the entry
// covering voff.
func (s *stepper) lookupFunction(voff uint64) (runtimeFunction, bool) {
	pdata := s.mod.Info.PData
	n := pdata.Size() / runtimeFunctionSize
	if n > maxRuntimeFunctions {
		s.flags |= FlagError
		return runtimeFunction{}, false
	}
	lo, hi := uint64(0), n
	for lo < hi {
		mid := (lo + hi) / 2
		fn, ok := s.readRuntimeFunction(pdata.Min + mid*runtimeFunctionSize)
		if !ok {
			return runtimeFunction{}, false
		}
		switch {
		case voff < uint64(fn.begin):
			hi = mid
		case voff >= uint64(fn.end):
			lo = mid + 1
		default:
			return s.resolveIndirect(fn)
		}
	}
	return runtimeFunction{}, false
}

func (s *stepper) readRuntimeFunction(voff uint64) (runtimeFunction, bool) {
	var b [runtimeFunctionSize]byte
	if !s.readImage(voff, b[:]) {
		return runtimeFunction{}, false
	}
	return runtimeFunction{
		begin:      binary.LittleEndian.Uint32(b[0:]),
		end:        binary.LittleEndian.Uint32(b[4:]),
		unwindData: binary.LittleEndian.Uint32(b[8:]),
	}, true
}

// resolveIndirect follows entries whose unwind data field points at another
// RUNTIME_FUNCTION instead of at unwind info.
func (s *stepper) resolveIndirect(fn runtimeFunction) (runtimeFunction, bool) {
	for i := 0; fn.unwindData&1 != 0; i++ {
		if i >= maxChainDepth {
			s.flags |= FlagError
			return runtimeFunction{}, false
		}
		var ok bool
		fn, ok = s.readRuntimeFunction(uint64(fn.unwindData &^ 1))
		if !ok {
			return runtimeFunction{}, false
		}
	}
	return fn, true
}

func (s *stepper) readUnwindInfo(fn runtimeFunction) (unwindInfo, bool) {
	var hdr [unwindInfoHeader]byte
	if !s.readImage(uint64(fn.unwindData), hdr[:]) {
		return unwindInfo{}, false
	}
	info := unwindInfo{
		version:     hdr[0] & 0x7,
		flags:       hdr[0] >> 3,
		prologSize:  hdr[1],
		frameReg:    hdr[3] & 0xf,
		frameOffset: hdr[3] >> 4,
	}
	if info.version != 1 && info.version != 2 {
		s.flags |= FlagError
		return unwindInfo{}, false
	}
	count := int(hdr[2])
	// The code array is padded to an even number of slots.
	slots := (count + 1) &^ 1
	buf := make([]byte, slots*2+runtimeFunctionSize)
	size := count * 2
	if info.flags&unwFlagChainInfo != 0 {
		size = slots*2 + runtimeFunctionSize
	}
	if !s.readImage(uint64(fn.unwindData)+unwindInfoHeader, buf[:size]) {
		return unwindInfo{}, false
	}
	info.codes = make([]uint16, count)
	for i := range info.codes {
		info.codes[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	if info.flags&unwFlagChainInfo != 0 {
		c := buf[slots*2:]
		info.chained = runtimeFunction{
			begin:      binary.LittleEndian.Uint32(c[0:]),
			end:        binary.LittleEndian.Uint32(c[4:]),
			unwindData: binary.LittleEndian.Uint32(c[8:]),
		}
	}
	return info, true
}

// slotsFor returns the number of code slots used by a code.
func slotsFor(op, opInfo uint8) int {
	switch op {
	case uwopAllocLarge:
		if opInfo == 0 {
			return 2
		}
		return 3
	case uwopSaveNonvol, uwopSaveXMM128, uwopEpilog:
		return 2
	case uwopSaveNonvolFar, uwopSaveXMM128Far, uwopSpareCode:
		return 3
	}
	return 1
}

// applyCodes undoes the prologue described by info. Codes are stored in
// reverse order of execution, so applying them front to back undoes the
// latest operation first; codes whose offset lies past prologOffset have
// not executed yet and are skipped. It reports whether a machine frame was
// popped, in which case RIP and RSP are already restored.
func (s *stepper) applyCodes(r *regs.AMD64, info unwindInfo, prologOffset uint64, primary bool) (machframe bool, ok bool) {
	frame := r.Rsp
	if info.frameReg != 0 {
		// The frame register is only established once SET_FPREG executed.
		established := !primary
		for i := 0; i < len(info.codes); {
			c := info.codes[i]
			op, opInfo := uint8(c>>8)&0xf, uint8(c>>12)
			if op == uwopSetFPReg && uint64(c&0xff) <= prologOffset {
				established = true
			}
			i += slotsFor(op, opInfo)
		}
		if established {
			frame = r.GPR(int(info.frameReg)) - uint64(info.frameOffset)*16
		}
	}

	for i := 0; i < len(info.codes); {
		c := info.codes[i]
		codeOffset := uint64(c & 0xff)
		op, opInfo := uint8(c>>8)&0xf, uint8(c>>12)
		n := slotsFor(op, opInfo)
		if i+n > len(info.codes) {
			s.flags |= FlagError
			return false, false
		}
		operand := func(k int) uint64 { return uint64(info.codes[i+k]) }
		if op == uwopEpilog && info.version == 2 {
			i += n
			continue
		}
		if codeOffset > prologOffset {
			i += n
			continue
		}
		switch op {
		case uwopPushNonvol:
			v, ok := s.u64(r.Rsp)
			if !ok {
				return false, false
			}
			r.SetGPR(int(opInfo), v)
			r.Rsp += 8
		case uwopAllocLarge:
			if opInfo == 0 {
				r.Rsp += operand(1) * 8
			} else {
				r.Rsp += operand(1) | operand(2)<<16
			}
		case uwopAllocSmall:
			r.Rsp += uint64(opInfo)*8 + 8
		case uwopSetFPReg:
			r.Rsp = r.GPR(int(info.frameReg)) - uint64(info.frameOffset)*16
		case uwopSaveNonvol, uwopSaveNonvolFar:
			off := operand(1) * 8
			if op == uwopSaveNonvolFar {
				off = operand(1) | operand(2)<<16
			}
			v, ok := s.u64(frame + off)
			if !ok {
				return false, false
			}
			r.SetGPR(int(opInfo), v)
		case uwopSaveXMM128, uwopSaveXMM128Far:
			off := operand(1) * 16
			if op == uwopSaveXMM128Far {
				off = operand(1) | operand(2)<<16
			}
			var b [16]byte
			if !s.read(frame+off, b[:]) {
				return false, false
			}
			r.Xmm[opInfo][0] = binary.LittleEndian.Uint64(b[:8])
			r.Xmm[opInfo][1] = binary.LittleEndian.Uint64(b[8:])
		case uwopPushMachframe:
			sp := r.Rsp
			if opInfo != 0 {
				sp += 8 // error code
			}
			rip, ok := s.u64(sp)
			if !ok {
				return false, false
			}
			rsp, ok := s.u64(sp + 24)
			if !ok {
				return false, false
			}
			r.Rip = rip
			r.Rsp = rsp
			machframe = true
		case uwopEpilog, uwopSpareCode:
			// Version 1 SAVE_XMM and SAVE_XMM_FAR, obsolete and ignored.
		default:
			s.flags |= FlagError
			return false, false
		}
		i += n
	}
	return machframe, true
}

// inEpilogue detects whether rip is inside an epilogue: an optional
// "add rsp, imm" or "lea rsp, [reg+disp]", then a run of "pop reg", then a
// "ret" or a jump out of the function. Prologue codes must not be applied
// there; instead the epilogue is emulated forward.
func (s *stepper) inEpilogue(r *regs.AMD64, fn runtimeFunction) bool {
	tmp := *r
	pc := r.Rip
	first := true
	for i := 0; i < 64; i++ {
		buf := make([]byte, 15)
		voff := pc - s.mod.Base
		avail := s.mod.Info.Size - voff
		if pc < s.mod.Base || voff >= s.mod.Info.Size {
			return false
		}
		if avail < uint64(len(buf)) {
			buf = buf[:avail]
		}
		if stale, err := s.mem.Read(s.ctx, pc, buf); err != nil || stale {
			return false
		}
		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			return false
		}
		switch inst.Op {
		case x86asm.ADD:
			if !first || inst.Args[0] != x86asm.RSP {
				return false
			}
			imm, ok := inst.Args[1].(x86asm.Imm)
			if !ok {
				return false
			}
			tmp.Rsp += uint64(imm)
		case x86asm.LEA:
			if !first || inst.Args[0] != x86asm.RSP {
				return false
			}
			m, ok := inst.Args[1].(x86asm.Mem)
			if !ok || m.Index != 0 || m.Segment != 0 {
				return false
			}
			base, ok := regs.FromX86Asm(m.Base)
			if !ok {
				return false
			}
			tmp.Rsp = uint64(int64(tmp.GPR(base)) + int64(int32(m.Disp)))
		case x86asm.POP:
			reg, isReg := inst.Args[0].(x86asm.Reg)
			n, ok := regs.FromX86Asm(reg)
			if !isReg || !ok {
				return false
			}
			v, ok := s.peek64(tmp.Rsp)
			if !ok {
				return false
			}
			tmp.SetGPR(n, v)
			tmp.Rsp += 8
		case x86asm.RET:
			return s.finishEpilogue(r, &tmp)
		case x86asm.JMP:
			imm, ok := inst.Args[0].(x86asm.Rel)
			if !ok {
				return false
			}
			dest := int64(pc) + int64(inst.Len) + int64(imm)
			begin, end := int64(s.mod.Base)+int64(fn.begin), int64(s.mod.Base)+int64(fn.end)
			if dest >= begin && dest < end {
				return false
			}
			return s.finishEpilogue(r, &tmp)
		default:
			return false
		}
		first = false
		pc += uint64(inst.Len)
	}
	return false
}

// peek64 reads without recording failures; a failed read only means the
// instructions at rip are not treated as an epilogue.
func (s *stepper) peek64(addr uint64) (uint64, bool) {
	var b [8]byte
	if stale, err := s.mem.Read(s.ctx, addr, b[:]); err != nil || stale {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[:]), true
}

func (s *stepper) finishEpilogue(r, tmp *regs.AMD64) bool {
	ret, ok := s.u64(tmp.Rsp)
	if !ok {
		return true
	}
	*r = *tmp
	r.Rip = ret
	r.Rsp += 8
	return true
}
