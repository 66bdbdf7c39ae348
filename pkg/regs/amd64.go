package regs

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// AMD64 is the register block of an x64 thread. The general purpose
// registers follow the order of the linux user_regs_struct so that ptrace
// register sets convert field by field.
type AMD64 struct {
	R15    uint64
	R14    uint64
	R13    uint64
	R12    uint64
	Rbp    uint64
	Rbx    uint64
	R11    uint64
	R10    uint64
	R9     uint64
	R8     uint64
	Rax    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rip    uint64
	Cs     uint64
	Rflags uint64
	Rsp    uint64
	Ss     uint64
	FsBase uint64
	GsBase uint64
	Ds     uint64
	Es     uint64
	Fs     uint64
	Gs     uint64

	// Xmm holds the low and high quadwords of XMM0-XMM15.
	Xmm [16][2]uint64
}

// Encoding numbers of the general purpose registers, as used by the x64
// ModRM byte and by PE unwind codes.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	NumGPR
)

// FlagTrap is the single step bit of RFLAGS.
const FlagTrap = 1 << 8

var gprNames = [NumGPR]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

// PC returns the instruction pointer.
func (r *AMD64) PC() uint64 { return r.Rip }

// SP returns the stack pointer.
func (r *AMD64) SP() uint64 { return r.Rsp }

// BP returns the frame pointer.
func (r *AMD64) BP() uint64 { return r.Rbp }

// SetPC sets the instruction pointer.
func (r *AMD64) SetPC(pc uint64) { r.Rip = pc }

// SetSP sets the stack pointer.
func (r *AMD64) SetSP(sp uint64) { r.Rsp = sp }

// Clone returns a copy of r.
func (r *AMD64) Clone() *AMD64 {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func (r *AMD64) gpr(n int) *uint64 {
	switch n {
	case RAX:
		return &r.Rax
	case RCX:
		return &r.Rcx
	case RDX:
		return &r.Rdx
	case RBX:
		return &r.Rbx
	case RSP:
		return &r.Rsp
	case RBP:
		return &r.Rbp
	case RSI:
		return &r.Rsi
	case RDI:
		return &r.Rdi
	case R8:
		return &r.R8
	case R9:
		return &r.R9
	case R10:
		return &r.R10
	case R11:
		return &r.R11
	case R12:
		return &r.R12
	case R13:
		return &r.R13
	case R14:
		return &r.R14
	case R15:
		return &r.R15
	}
	panic(fmt.Errorf("invalid register number %d", n))
}

// GPR returns the general purpose register with encoding number n.
func (r *AMD64) GPR(n int) uint64 {
	return *r.gpr(n)
}

// SetGPR sets the general purpose register with encoding number n.
func (r *AMD64) SetGPR(n int, v uint64) {
	*r.gpr(n) = v
}

// GPRName returns the name of the general purpose register with encoding
// number n.
func GPRName(n int) string {
	if n < 0 || n >= NumGPR {
		return "?"
	}
	return gprNames[n]
}

// FromX86Asm maps a 64bit x86asm register to its encoding number.
func FromX86Asm(reg x86asm.Reg) (int, bool) {
	if reg >= x86asm.RAX && reg <= x86asm.R15 {
		return int(reg - x86asm.RAX), true
	}
	return 0, false
}

// Register is a named register value, used for display.
type Register struct {
	Name  string
	Value uint64
}

// Slice returns the register block as a list of named values.
func (r *AMD64) Slice() []Register {
	out := make([]Register, 0, NumGPR+8)
	for i := 0; i < NumGPR; i++ {
		out = append(out, Register{gprNames[i], r.GPR(i)})
	}
	out = append(out,
		Register{"rip", r.Rip},
		Register{"rflags", r.Rflags},
		Register{"cs", r.Cs},
		Register{"ss", r.Ss},
		Register{"ds", r.Ds},
		Register{"es", r.Es},
		Register{"fs_base", r.FsBase},
		Register{"gs_base", r.GsBase},
	)
	return out
}
