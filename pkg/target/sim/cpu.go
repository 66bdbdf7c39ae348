package sim

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"golang.org/x/arch/x86/x86asm"

	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
)

const (
	flagCF = 1 << 0
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagOF = 1 << 11

	arithFlags = flagCF | flagZF | flagSF | flagOF
)

// trap is the outcome of an instruction that must be reported instead of
// letting the thread continue.
type trap struct {
	kind target.EventKind
	// code, addr and access describe exceptions.
	code   uint32
	addr   uint64
	access target.Access
	args   []uint64
	// sys is set when the thread executed a syscall, handled by the machine.
	sys bool
	// exit is set when the thread returned to address zero.
	exit bool
}

func fault(addr uint64, access target.Access) *trap {
	info := uint64(0)
	switch access {
	case target.AccessWrite:
		info = 1
	case target.AccessExecute:
		info = 8
	}
	return &trap{kind: target.EventException, code: target.ExceptionCodeAccessViolation, addr: addr, access: access, args: []uint64{info, addr}}
}

func exception(code uint32, addr uint64) *trap {
	return &trap{kind: target.EventException, code: code, addr: addr}
}

// cpu executes instructions of one thread against the memory of its
// process.
type cpu struct {
	r   *regs.AMD64
	mem *addressSpace
}

func (c *cpu) load(addr uint64, size int) (uint64, *trap) {
	var b [8]byte
	if n, bad, ok := c.mem.access(addr, b[:size], permRead, false); !ok || n != size {
		return 0, fault(bad, target.AccessRead)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (c *cpu) store(addr uint64, size int, v uint64) *trap {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	if n, bad, ok := c.mem.access(addr, b[:size], permWrite, true); !ok || n != size {
		return fault(bad, target.AccessWrite)
	}
	return nil
}

func (c *cpu) push(v uint64) *trap {
	if t := c.store(c.r.Rsp-8, 8, v); t != nil {
		return t
	}
	c.r.Rsp -= 8
	return nil
}

func (c *cpu) pop() (uint64, *trap) {
	v, t := c.load(c.r.Rsp, 8)
	if t != nil {
		return 0, t
	}
	c.r.Rsp += 8
	return v, nil
}

// reg resolves an x86asm register to its encoding number, operand size in
// bytes and whether it names the high byte of a legacy register.
func reg(r x86asm.Reg) (n, size int, high bool, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 1, false, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return int(r - x86asm.AH), 1, true, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return int(r-x86asm.SPB) + regs.RSP, 1, false, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 2, false, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, false, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, false, true
	}
	return 0, 0, false, false
}

func mask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(size)*8) - 1
}

func signBit(size int) uint64 { return 1 << (uint(size)*8 - 1) }

func (c *cpu) getReg(r x86asm.Reg) (uint64, int, error) {
	n, size, high, ok := reg(r)
	if !ok {
		return 0, 0, fmt.Errorf("unsupported register %v", r)
	}
	v := c.r.GPR(n)
	if high {
		return v >> 8 & 0xff, 1, nil
	}
	return v & mask(size), size, nil
}

func (c *cpu) setReg(r x86asm.Reg, v uint64) error {
	n, size, high, ok := reg(r)
	if !ok {
		return fmt.Errorf("unsupported register %v", r)
	}
	old := c.r.GPR(n)
	switch {
	case high:
		v = old&^0xff00 | (v&0xff)<<8
	case size == 4:
		// 32bit writes zero extend.
		v &= mask(4)
	case size < 4:
		v = old&^mask(size) | v&mask(size)
	}
	c.r.SetGPR(n, v)
	return nil
}

// addr computes the effective address of m. next is the address of the
// following instruction, the base of rip relative operands.
func (c *cpu) addr(m x86asm.Mem, next uint64) (uint64, error) {
	if m.Segment != 0 {
		return 0, fmt.Errorf("segment override %v not supported", m.Segment)
	}
	var a uint64
	switch {
	case m.Base == x86asm.RIP:
		a = next
	case m.Base != 0:
		v, _, err := c.getReg(m.Base)
		if err != nil {
			return 0, err
		}
		a = v
	}
	if m.Index != 0 {
		v, _, err := c.getReg(m.Index)
		if err != nil {
			return 0, err
		}
		a += v * uint64(m.Scale)
	}
	return a + uint64(disp(m)), nil
}

// disp returns the displacement of m sign extended from its 32 bit encoding.
func disp(m x86asm.Mem) int64 {
	return int64(int32(m.Disp))
}

// operand is a decoded instruction argument bound to its location.
type operand struct {
	c    *cpu
	reg  x86asm.Reg
	mem  uint64
	imm  uint64
	kind uint8
	size int
}

const (
	opReg uint8 = iota
	opMem
	opImm
)

func (c *cpu) operand(inst *x86asm.Inst, i int, next uint64) (operand, error) {
	switch a := inst.Args[i].(type) {
	case x86asm.Reg:
		_, size, _, ok := reg(a)
		if !ok {
			return operand{}, fmt.Errorf("unsupported register %v", a)
		}
		return operand{c: c, reg: a, kind: opReg, size: size}, nil
	case x86asm.Mem:
		addr, err := c.addr(a, next)
		if err != nil {
			return operand{}, err
		}
		return operand{c: c, mem: addr, kind: opMem, size: inst.MemBytes}, nil
	case x86asm.Imm:
		return operand{c: c, imm: uint64(a), kind: opImm}, nil
	}
	return operand{}, fmt.Errorf("unsupported operand %v", inst.Args[i])
}

func (o operand) get() (uint64, *trap) {
	switch o.kind {
	case opReg:
		v, _, _ := o.c.getReg(o.reg)
		return v, nil
	case opMem:
		return o.c.load(o.mem, o.size)
	}
	return o.imm, nil
}

func (o operand) set(v uint64) *trap {
	switch o.kind {
	case opReg:
		o.c.setReg(o.reg, v)
		return nil
	case opMem:
		return o.c.store(o.mem, o.size, v&mask(o.size))
	}
	return nil
}

func (c *cpu) setFlags(res uint64, size int, cf, of bool) {
	f := c.r.Rflags &^ arithFlags
	res &= mask(size)
	if res == 0 {
		f |= flagZF
	}
	if res&signBit(size) != 0 {
		f |= flagSF
	}
	if cf {
		f |= flagCF
	}
	if of {
		f |= flagOF
	}
	c.r.Rflags = f
}

func (c *cpu) flag(f uint64) bool { return c.r.Rflags&f != 0 }

func (c *cpu) cond(op x86asm.Op) (bool, bool) {
	zf, sf, cf, of := c.flag(flagZF), c.flag(flagSF), c.flag(flagCF), c.flag(flagOF)
	switch op {
	case x86asm.JE:
		return zf, true
	case x86asm.JNE:
		return !zf, true
	case x86asm.JB:
		return cf, true
	case x86asm.JAE:
		return !cf, true
	case x86asm.JBE:
		return cf || zf, true
	case x86asm.JA:
		return !cf && !zf, true
	case x86asm.JL:
		return sf != of, true
	case x86asm.JGE:
		return sf == of, true
	case x86asm.JLE:
		return zf || sf != of, true
	case x86asm.JG:
		return !zf && sf == of, true
	case x86asm.JS:
		return sf, true
	case x86asm.JNS:
		return !sf, true
	case x86asm.JO:
		return of, true
	case x86asm.JNO:
		return !of, true
	}
	return false, false
}

// step executes one instruction. A non nil trap is reported to the
// debugger; rip is left on the faulting instruction for faults and after
// the instruction otherwise.
func (c *cpu) step() *trap {
	pc := c.r.Rip
	if pc == 0 {
		return &trap{exit: true}
	}
	var buf [15]byte
	n, bad, ok := c.mem.access(pc, buf[:], permExec, false)
	if n == 0 {
		if !ok {
			return fault(bad, target.AccessExecute)
		}
		return fault(pc, target.AccessExecute)
	}
	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return exception(target.ExceptionCodeIllegalInstruction, pc)
	}
	next := pc + uint64(inst.Len)
	t, err := c.exec(&inst, pc, next)
	if err != nil {
		c.r.Rip = pc
		return exception(target.ExceptionCodeIllegalInstruction, pc)
	}
	return t
}

func (c *cpu) exec(inst *x86asm.Inst, pc, next uint64) (*trap, error) {
	c.r.Rip = next
	undo := func(t *trap) (*trap, error) {
		if t != nil && t.kind == target.EventException {
			c.r.Rip = pc
		}
		return t, nil
	}

	switch inst.Op {
	case x86asm.NOP:
		return nil, nil
	case x86asm.INT:
		if imm, ok := inst.Args[0].(x86asm.Imm); ok && imm == 3 {
			return &trap{kind: target.EventBreakpoint, addr: pc}, nil
		}
		c.r.Rip = pc
		return exception(target.ExceptionCodeIllegalInstruction, pc), nil
	case x86asm.UD2:
		c.r.Rip = pc
		return exception(target.ExceptionCodeIllegalInstruction, pc), nil
	case x86asm.HLT:
		// Privileged in user mode.
		c.r.Rip = pc
		return fault(pc, target.AccessExecute), nil
	case x86asm.SYSCALL:
		return &trap{sys: true}, nil

	case x86asm.PUSH:
		src, err := c.operand(inst, 0, next)
		if err != nil {
			return nil, err
		}
		v, t := src.get()
		if t != nil {
			return undo(t)
		}
		return undo(c.push(v))
	case x86asm.POP:
		dst, err := c.operand(inst, 0, next)
		if err != nil {
			return nil, err
		}
		sp := c.r.Rsp
		v, t := c.pop()
		if t != nil {
			return undo(t)
		}
		if t := dst.set(v); t != nil {
			c.r.Rsp = sp
			return undo(t)
		}
		return nil, nil

	case x86asm.CALL:
		dest, t, err := c.branchDest(inst, next)
		if err != nil || t != nil {
			return undoErr(undo, t, err)
		}
		if t := c.push(next); t != nil {
			return undo(t)
		}
		c.r.Rip = dest
		return nil, nil
	case x86asm.RET:
		ret, t := c.pop()
		if t != nil {
			return undo(t)
		}
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			c.r.Rsp += uint64(imm)
		}
		c.r.Rip = ret
		return nil, nil
	case x86asm.JMP:
		dest, t, err := c.branchDest(inst, next)
		if err != nil || t != nil {
			return undoErr(undo, t, err)
		}
		c.r.Rip = dest
		return nil, nil

	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSXD:
		dst, err := c.operand(inst, 0, next)
		if err != nil {
			return nil, err
		}
		src, err := c.operand(inst, 1, next)
		if err != nil {
			return nil, err
		}
		v, t := src.get()
		if t != nil {
			return undo(t)
		}
		if inst.Op == x86asm.MOVSXD {
			v = uint64(int64(int32(v)))
		}
		return undo(dst.set(v))
	case x86asm.LEA:
		dst, err := c.operand(inst, 0, next)
		if err != nil {
			return nil, err
		}
		m, ok := inst.Args[1].(x86asm.Mem)
		if !ok {
			return nil, fmt.Errorf("lea without memory operand")
		}
		a, err := c.addr(m, next)
		if err != nil {
			return nil, err
		}
		return undo(dst.set(a))

	case x86asm.ADD, x86asm.SUB, x86asm.CMP, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		return c.alu(inst, next, undo)
	case x86asm.INC, x86asm.DEC:
		dst, err := c.operand(inst, 0, next)
		if err != nil {
			return nil, err
		}
		v, t := dst.get()
		if t != nil {
			return undo(t)
		}
		var res uint64
		var of bool
		if inst.Op == x86asm.INC {
			res = v + 1
			of = v&mask(dst.size) == signBit(dst.size)-1
		} else {
			res = v - 1
			of = v&mask(dst.size) == signBit(dst.size)
		}
		cf := c.flag(flagCF)
		if t := dst.set(res); t != nil {
			return undo(t)
		}
		c.setFlags(res, dst.size, cf, of)
		return nil, nil
	case x86asm.DIV:
		src, err := c.operand(inst, 0, next)
		if err != nil {
			return nil, err
		}
		d, t := src.get()
		if t != nil {
			return undo(t)
		}
		if d == 0 || src.size != 8 && src.size != 4 {
			c.r.Rip = pc
			return exception(target.ExceptionCodeIntDivideByZero, pc), nil
		}
		if src.size == 4 {
			num := c.r.Rdx&mask(4)<<32 | c.r.Rax&mask(4)
			q := num / d
			if q > mask(4) {
				c.r.Rip = pc
				return exception(target.ExceptionCodeIntDivideByZero, pc), nil
			}
			c.r.Rax, c.r.Rdx = q, num%d
			return nil, nil
		}
		if c.r.Rdx >= d {
			c.r.Rip = pc
			return exception(target.ExceptionCodeIntDivideByZero, pc), nil
		}
		c.r.Rax, c.r.Rdx = bits.Div64(c.r.Rdx, c.r.Rax, d)
		return nil, nil
	}

	if taken, ok := c.cond(inst.Op); ok {
		dest, _, err := c.branchDest(inst, next)
		if err != nil {
			return nil, err
		}
		if taken {
			c.r.Rip = dest
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported instruction %v", inst.Op)
}

func undoErr(undo func(*trap) (*trap, error), t *trap, err error) (*trap, error) {
	if err != nil {
		return nil, err
	}
	return undo(t)
}

func (c *cpu) branchDest(inst *x86asm.Inst, next uint64) (uint64, *trap, error) {
	switch a := inst.Args[0].(type) {
	case x86asm.Rel:
		return next + uint64(int64(a)), nil, nil
	case x86asm.Reg, x86asm.Mem:
		o, err := c.operand(inst, 0, next)
		if err != nil {
			return 0, nil, err
		}
		v, t := o.get()
		return v, t, nil
	}
	return 0, nil, fmt.Errorf("unsupported branch target %v", inst.Args[0])
}

func (c *cpu) alu(inst *x86asm.Inst, next uint64, undo func(*trap) (*trap, error)) (*trap, error) {
	dst, err := c.operand(inst, 0, next)
	if err != nil {
		return nil, err
	}
	src, err := c.operand(inst, 1, next)
	if err != nil {
		return nil, err
	}
	a, t := dst.get()
	if t != nil {
		return undo(t)
	}
	b, t := src.get()
	if t != nil {
		return undo(t)
	}
	size := dst.size
	m := mask(size)
	a, b = a&m, b&m
	var res uint64
	var cf, of bool
	write := true
	switch inst.Op {
	case x86asm.ADD:
		res = (a + b) & m
		cf = res < a
		of = (a^res)&(b^res)&signBit(size) != 0
	case x86asm.SUB, x86asm.CMP:
		res = (a - b) & m
		cf = a < b
		of = (a^b)&(a^res)&signBit(size) != 0
		write = inst.Op == x86asm.SUB
	case x86asm.AND, x86asm.TEST:
		res = a & b
		write = inst.Op == x86asm.AND
	case x86asm.OR:
		res = a | b
	case x86asm.XOR:
		res = a ^ b
	}
	if write {
		if t := dst.set(res); t != nil {
			return undo(t)
		}
	}
	c.setFlags(res, size, cf, of)
	return nil, nil
}
