package trapnet

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/radctl/radctl/pkg/target"
)

// InstKind classifies instructions for stepping.
type InstKind uint8

const (
	OtherInstruction InstKind = iota
	CallInstruction
	JmpInstruction
	CondJmpInstruction
	RetInstruction
	HardBreakInstruction
)

// Inst is a decoded instruction.
type Inst struct {
	PC   uint64
	Len  int
	Kind InstKind
	// Dest is the branch destination of direct calls and jumps.
	Dest    uint64
	HasDest bool
	Inst    x86asm.Inst
}

// maxInstLen is the longest x86 instruction.
const maxInstLen = 15

// Decode decodes the instruction at pc.
func Decode(mem target.MemoryReader, pc uint64) (Inst, error) {
	buf := make([]byte, maxInstLen)
	n, err := mem.ReadMemory(pc, buf)
	if n == 0 {
		if err == nil {
			err = target.InvalidAddressError{Address: pc}
		}
		return Inst{}, err
	}
	return decodeBytes(pc, buf[:n])
}

func decodeBytes(pc uint64, mem []byte) (Inst, error) {
	inst, err := x86asm.Decode(mem, 64)
	if err != nil {
		return Inst{PC: pc, Len: 1}, fmt.Errorf("decoding instruction at %#x: %w", pc, err)
	}
	patchPCRel(pc, &inst)
	out := Inst{PC: pc, Len: inst.Len, Inst: inst}
	switch inst.Op {
	case x86asm.CALL, x86asm.LCALL:
		out.Kind = CallInstruction
	case x86asm.JMP, x86asm.LJMP:
		out.Kind = JmpInstruction
	case x86asm.RET, x86asm.LRET:
		out.Kind = RetInstruction
	case x86asm.INT:
		out.Kind = HardBreakInstruction
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ,
		x86asm.JRCXZ, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		out.Kind = CondJmpInstruction
	}
	if out.Kind == CallInstruction || out.Kind == JmpInstruction || out.Kind == CondJmpInstruction {
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			out.Dest = uint64(imm)
			out.HasDest = true
		}
	}
	return out, nil
}

// patchPCRel converts PC relative arguments to absolute addresses.
func patchPCRel(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isrel := inst.Args[i].(x86asm.Rel)
		if isrel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}

// Next returns the address of the instruction following i.
func (i Inst) Next() uint64 { return i.PC + uint64(i.Len) }

func (i Inst) String() string {
	return x86asm.IntelSyntax(i.Inst, i.PC, nil)
}
