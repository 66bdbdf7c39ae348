package regs

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestGPRRoundTrip(t *testing.T) {
	var r AMD64
	for i := 0; i < NumGPR; i++ {
		r.SetGPR(i, uint64(i+1)*0x100)
	}
	if r.Rsp != 5*0x100 || r.Rbp != 6*0x100 || r.R15 != 16*0x100 {
		t.Fatalf("wrong register layout: rsp=%#x rbp=%#x r15=%#x", r.Rsp, r.Rbp, r.R15)
	}
	c := r.Clone()
	c.SetPC(0x1234)
	if r.Rip == 0x1234 {
		t.Fatal("Clone shares storage with the original")
	}
}

func TestFromX86Asm(t *testing.T) {
	for _, tc := range []struct {
		reg x86asm.Reg
		n   int
		ok  bool
	}{
		{x86asm.RAX, RAX, true},
		{x86asm.RSP, RSP, true},
		{x86asm.RBP, RBP, true},
		{x86asm.R12, R12, true},
		{x86asm.EAX, 0, false},
		{x86asm.RIP, 0, false},
	} {
		n, ok := FromX86Asm(tc.reg)
		if ok != tc.ok || (ok && n != tc.n) {
			t.Errorf("FromX86Asm(%v) = %d, %v; want %d, %v", tc.reg, n, ok, tc.n, tc.ok)
		}
	}
}
