package trapnet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/radctl/radctl/pkg/target"
)

type fakeMem struct {
	base uint64
	data []byte
}

func (m *fakeMem) ReadMemory(addr uint64, buf []byte) (int, error) {
	if addr < m.base || addr >= m.base+uint64(len(m.data)) {
		return 0, target.InvalidAddressError{Address: addr}
	}
	n := copy(buf, m.data[addr-m.base:])
	if n < len(buf) {
		return n, target.InvalidAddressError{Address: addr + uint64(n)}
	}
	return n, nil
}

func (m *fakeMem) WriteMemory(addr uint64, data []byte) error {
	if addr < m.base || addr+uint64(len(data)) > m.base+uint64(len(m.data)) {
		return target.InvalidAddressError{Address: addr}
	}
	copy(m.data[addr-m.base:], data)
	return nil
}

func assertNoError(err error, t *testing.T, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %v", s, err)
	}
}

// code is a single source line at 0x1000-0x100b:
//
//	0x1000 push rbp
//	0x1001 call 0x1010
//	0x1006 je 0x1009
//	0x1008 ret
//	0x1009 jmp 0x101b
var code = []byte{
	0x55,
	0xe8, 0x0a, 0x00, 0x00, 0x00,
	0x74, 0x01,
	0xc3,
	0xeb, 0x10,
	0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
}

func newCodeMem() *fakeMem {
	return &fakeMem{base: 0x1000, data: append([]byte(nil), code...)}
}

func TestNetRestoresBytes(t *testing.T) {
	mem := newCodeMem()
	n := NewNet(mem, target.ArchX64)
	traps := []Trap{
		{Flags: FlagEndStepping, Vaddr: 0x1000},
		{Flags: FlagSingleStepAfterHit, Vaddr: 0x1001},
		{Flags: FlagSaveStackPointer, Vaddr: 0x1001},
		{Flags: FlagEndStepping, Vaddr: 0x1008},
	}
	assertNoError(n.Install(traps), t, "Install")
	if n.Len() != 3 {
		t.Fatalf("expected 3 unique traps, got %d", n.Len())
	}
	for _, addr := range []uint64{0x1000, 0x1001, 0x1008} {
		if mem.data[addr-0x1000] != 0xCC {
			t.Errorf("no breakpoint at %#x", addr)
		}
	}
	if f, _ := n.Lookup(0x1001); f != FlagSingleStepAfterHit|FlagSaveStackPointer {
		t.Errorf("merged flags = %s", f)
	}

	buf := make([]byte, 4)
	copy(buf, mem.data)
	n.OriginalData(0x1000, buf)
	if !bytes.Equal(buf, code[:4]) {
		t.Errorf("OriginalData = % x, want % x", buf, code[:4])
	}

	assertNoError(n.Remove(0x1001), t, "Remove")
	if mem.data[1] != code[1] {
		t.Error("Remove did not write the original byte")
	}
	assertNoError(n.Reinstall(0x1001), t, "Reinstall")
	if mem.data[1] != 0xCC {
		t.Error("Reinstall did not write the breakpoint")
	}

	assertNoError(n.Restore(), t, "Restore")
	assertNoError(n.Restore(), t, "second Restore")
	if !bytes.Equal(mem.data, code) {
		t.Fatalf("memory not restored:\n% x\n% x", mem.data, code)
	}
}

func TestNetInstallUnmapped(t *testing.T) {
	mem := newCodeMem()
	n := NewNet(mem, target.ArchX64)
	err := n.Install([]Trap{{Vaddr: 0x10}, {Vaddr: 0x1002}})
	if err == nil {
		t.Fatal("expected an error for an unmapped trap")
	}
	if n.Len() != 1 {
		t.Fatalf("mapped trap was not installed")
	}
	assertNoError(n.Restore(), t, "Restore")
	if !bytes.Equal(mem.data, code) {
		t.Fatal("memory not restored")
	}
}

func TestEngineDecisions(t *testing.T) {
	const thread = target.ID(7)
	for _, tc := range []struct {
		name  string
		flags Flags
		sp    uint64
		want  Action
	}{
		{"end", FlagEndStepping, 0x8000, ActionEnd},
		{"end-deeper", FlagEndStepping, 0x7000, ActionContinue},
		{"end-deeper-ignored", FlagEndStepping | FlagIgnoreStackPointerCheck, 0x7000, ActionEnd},
		{"step-end", FlagSingleStepAfterHit | FlagEndStepping, 0x8000, ActionStepThenEnd},
		{"step-continue", FlagSingleStepAfterHit, 0x8000, ActionStepThenContinue},
		{"spoof", FlagSingleStepAfterHit | FlagBeginSpoofMode, 0x8100, ActionStepThenSpoof},
		{"plain", 0, 0x8000, ActionContinue},
	} {
		e := NewEngine(thread)
		e.SetStackPointerCheck(0x8000)
		if got := e.OnTrapHit(thread, tc.flags, tc.sp); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}

	e := NewEngine(thread)
	if got := e.OnTrapHit(thread+1, FlagEndStepping, 0); got != ActionContinue {
		t.Errorf("hit on another thread: %s", got)
	}
	e.SetStackPointerCheck(0x8000)
	e.OnTrapHit(thread, FlagSaveStackPointer|FlagSingleStepAfterHit, 0x7f00)
	if sp, _ := e.StackPointerCheck(); sp != 0x8000 {
		t.Errorf("rejected hit saved its stack pointer: %#x", sp)
	}
	e.OnTrapHit(thread, FlagSaveStackPointer|FlagSingleStepAfterHit, 0x8800)
	if sp, _ := e.StackPointerCheck(); sp != 0x8800 {
		t.Errorf("check value = %#x, want 0x8800", sp)
	}
}

func TestSpoofSingleton(t *testing.T) {
	e := NewEngine(1)
	s, err := e.BeginSpoof(10, 1, 0x7ff0, 0x1006)
	assertNoError(err, t, "BeginSpoof")
	if s.NewIP != DefaultSpoofIP {
		t.Fatalf("NewIP = %#x", s.NewIP)
	}
	if _, err := e.BeginSpoof(10, 1, 0x7fe0, 0x2000); !errors.Is(err, ErrSpoofActive) {
		t.Fatalf("second spoof: %v", err)
	}
	if _, ok := e.ResolveSpoof(1, 0x1234); ok {
		t.Fatal("resolved on the wrong ip")
	}
	got, ok := e.ResolveSpoof(1, DefaultSpoofIP)
	if !ok || got.Original != 0x1006 || got.Vaddr != 0x7ff0 {
		t.Fatalf("ResolveSpoof = %+v, %v", got, ok)
	}
	if _, err := e.BeginSpoof(10, 1, 0x7fe0, 0x2000); err != nil {
		t.Fatalf("spoof after resolution: %v", err)
	}
	if d := e.DrainSpoofs(); len(d) != 1 {
		t.Fatalf("DrainSpoofs = %v", d)
	}
	if _, ok := e.Spoof(1); ok {
		t.Fatal("spoof survived DrainSpoofs")
	}
}

func TestDecode(t *testing.T) {
	mem := newCodeMem()
	for _, tc := range []struct {
		pc   uint64
		kind InstKind
		dest uint64
	}{
		{0x1000, OtherInstruction, 0},
		{0x1001, CallInstruction, 0x1010},
		{0x1006, CondJmpInstruction, 0x1009},
		{0x1008, RetInstruction, 0},
		{0x1009, JmpInstruction, 0x101b},
	} {
		inst, err := Decode(mem, tc.pc)
		assertNoError(err, t, "Decode")
		if inst.Kind != tc.kind || inst.Dest != tc.dest {
			t.Errorf("%#x: kind=%d dest=%#x, want kind=%d dest=%#x", tc.pc, inst.Kind, inst.Dest, tc.kind, tc.dest)
		}
	}
}

func trapSet(traps []Trap) map[uint64]Flags {
	m := make(map[uint64]Flags)
	for _, t := range traps {
		m[t.Vaddr] |= t.Flags
	}
	return m
}

func TestStepOverLine(t *testing.T) {
	mem := newCodeMem()
	line := target.Range{Min: 0x1000, Max: 0x100b}
	traps, err := StepOverLine(mem, 0x1000, line)
	assertNoError(err, t, "StepOverLine")
	got := trapSet(traps)
	want := map[uint64]Flags{
		0x1001: FlagSingleStepAfterHit | FlagBeginSpoofMode,
		0x1008: FlagSingleStepAfterHit | FlagEndStepping,
		0x101b: FlagEndStepping,
		0x100b: FlagEndStepping,
	}
	if len(got) != len(want) {
		t.Fatalf("traps = %v", traps)
	}
	for addr, f := range want {
		if got[addr] != f {
			t.Errorf("trap %#x: %s, want %s", addr, got[addr], f)
		}
	}

	traps, err = StepIntoLine(mem, 0x1000, line)
	assertNoError(err, t, "StepIntoLine")
	if f := trapSet(traps)[0x1001]; f != FlagSingleStepAfterHit|FlagEndStepping {
		t.Errorf("step into call trap = %s", f)
	}
}

func TestStepOverInst(t *testing.T) {
	mem := newCodeMem()
	traps, err := StepOverInst(mem, 0x1001)
	assertNoError(err, t, "StepOverInst(call)")
	if len(traps) != 1 || traps[0].Vaddr != 0x1006 || traps[0].Flags != FlagEndStepping {
		t.Errorf("call: %v", traps)
	}
	traps, err = StepOverInst(mem, 0x1000)
	assertNoError(err, t, "StepOverInst(push)")
	if len(traps) != 1 || traps[0].Vaddr != 0x1000 || traps[0].Flags&FlagSingleStepAfterHit == 0 {
		t.Errorf("push: %v", traps)
	}
	if traps := StepOut(0x4444); traps[0].Vaddr != 0x4444 {
		t.Errorf("StepOut: %v", traps)
	}
}
