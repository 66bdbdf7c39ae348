package unwind

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/radctl/radctl/pkg/image"
	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
)

const (
	imageBase = 0x140000000
	stackBase = 0x7ff000
	stackSize = 0x1000
)

type region struct {
	base uint64
	data []byte
}

type fakeMem []*region

func (m fakeMem) ReadMemory(addr uint64, buf []byte) (int, error) {
	for _, r := range m {
		if addr >= r.base && addr+uint64(len(buf)) <= r.base+uint64(len(r.data)) {
			return copy(buf, r.data[addr-r.base:]), nil
		}
	}
	return 0, target.InvalidAddressError{Address: addr}
}

func (m fakeMem) put64(addr, v uint64) {
	for _, r := range m {
		if addr >= r.base && addr+8 <= r.base+uint64(len(r.data)) {
			binary.LittleEndian.PutUint64(r.data[addr-r.base:], v)
			return
		}
	}
	panic("put64 outside memory")
}

type oneModule struct{ m *Module }

func (o oneModule) ModuleFromVaddr(vaddr uint64) (*Module, bool) {
	if o.m.Contains(vaddr) {
		return o.m, true
	}
	return nil, false
}

func code(op, info uint8, offset uint8) []byte {
	return []byte{offset, op | info<<4}
}

func u16(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }

func rf(begin, end, unwind uint32) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:], begin)
	binary.LittleEndian.PutUint32(b[4:], end)
	binary.LittleEndian.PutUint32(b[8:], unwind)
	return b
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// buildImage lays out:
//
//	F  0x1000-0x100e  push rbp; push rbx; sub rsp,0x28; nop; add rsp,0x28; pop rbx; pop rbp; ret
//	G  0x1020-0x1030  nops, unwind info chained to F
//	H  0x1040-0x1050  push rbp; mov rbp,rsp; sub rsp,0x100; nops (frame register rbp)
//	M  0x1060-0x1070  machine frame
//	E  0x1080-0x108c  push rbp; mov rbp,rsp; push rbx; lea rsp,[rbp-8]; pop rbx; pop rbp; ret
//	leaf code without a function entry at 0x1100
func buildImage(t *testing.T) (*Module, fakeMem) {
	t.Helper()
	text := make([]byte, 0x200)
	for i := range text {
		text[i] = 0x90
	}
	copy(text[0x00:], []byte{0x55, 0x53, 0x48, 0x83, 0xec, 0x28, 0x90, 0x48, 0x83, 0xc4, 0x28, 0x5b, 0x5d, 0xc3})
	copy(text[0x40:], []byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x81, 0xec, 0x00, 0x01, 0x00, 0x00})
	copy(text[0x80:], []byte{0x55, 0x48, 0x89, 0xe5, 0x53, 0x48, 0x8d, 0x65, 0xf8, 0x5b, 0x5d, 0xc3})

	xdata := make([]byte, 0x100)
	// F: version 1, prolog 6, 3 codes padded to 4.
	copy(xdata[0x00:], cat([]byte{0x01, 6, 3, 0x00},
		code(uwopAllocSmall, 4, 6),
		code(uwopPushNonvol, regs.RBX, 2),
		code(uwopPushNonvol, regs.RBP, 1),
		u16(0)))
	// G: chained to F.
	copy(xdata[0x20:], cat([]byte{0x01 | unwFlagChainInfo<<3, 0, 0, 0x00}, rf(0x1000, 0x100e, 0x2000)))
	// H: frame register rbp, offset 0.
	copy(xdata[0x40:], cat([]byte{0x01, 11, 4, regs.RBP},
		code(uwopAllocLarge, 0, 11), u16(0x100/8),
		code(uwopSetFPReg, 0, 4),
		code(uwopPushNonvol, regs.RBP, 1)))
	// M: machine frame without error code.
	copy(xdata[0x60:], cat([]byte{0x01, 0, 1, 0x00}, code(uwopPushMachframe, 0, 0), u16(0)))
	// E: frame register rbp, rbx saved below it.
	copy(xdata[0x80:], cat([]byte{0x01, 5, 3, regs.RBP},
		code(uwopPushNonvol, regs.RBX, 5),
		code(uwopSetFPReg, 0, 4),
		code(uwopPushNonvol, regs.RBP, 1),
		u16(0)))

	pdata := cat(
		rf(0x1000, 0x100e, 0x2000),
		rf(0x1020, 0x1030, 0x2020),
		rf(0x1040, 0x1050, 0x2040),
		rf(0x1060, 0x1070, 0x2060),
		rf(0x1080, 0x108c, 0x2080),
	)
	img, err := image.BuildPE(image.PESpec{
		EntryPoint: 0x1000,
		Sections: []image.SectionSpec{
			{Name: ".text", Voff: 0x1000, Data: text, Exec: true},
			{Name: ".xdata", Voff: 0x2000, Data: xdata},
			{Name: ".pdata", Voff: 0x3000, Data: pdata},
		},
		Exception: [2]uint32{0x3000, 0x3000 + uint32(len(pdata))},
	})
	if err != nil {
		t.Fatal(err)
	}
	mem := fakeMem{{base: imageBase, data: img}, {base: stackBase, data: make([]byte, stackSize)}}
	info, err := image.Read(mem, imageBase)
	if err != nil {
		t.Fatal(err)
	}
	return &Module{Base: imageBase, Info: info}, mem
}

func step(t *testing.T, mod *Module, mem fakeMem, r *regs.AMD64) {
	t.Helper()
	res := Step(context.Background(), ReaderMemory{mem}, mod, r)
	if res.Flags != 0 {
		t.Fatalf("Step flags %s", res.Flags)
	}
}

func TestStepBody(t *testing.T) {
	mod, mem := buildImage(t)
	sp := uint64(stackBase + 0x100)
	mem.put64(sp+0x28, 0xbbbb)
	mem.put64(sp+0x30, 0xcccc)
	mem.put64(sp+0x38, imageBase+0x1100)
	r := &regs.AMD64{Rip: imageBase + 0x1006, Rsp: sp}
	step(t, mod, mem, r)
	if r.Rip != imageBase+0x1100 || r.Rsp != sp+0x40 || r.Rbx != 0xbbbb || r.Rbp != 0xcccc {
		t.Fatalf("after unwind: rip=%#x rsp=%#x rbx=%#x rbp=%#x", r.Rip, r.Rsp, r.Rbx, r.Rbp)
	}
}

func TestStepPartialProlog(t *testing.T) {
	mod, mem := buildImage(t)
	sp := uint64(stackBase + 0x100)
	mem.put64(sp, 0xbbbb)
	mem.put64(sp+8, 0xcccc)
	mem.put64(sp+16, imageBase+0x1100)
	r := &regs.AMD64{Rip: imageBase + 0x1002, Rsp: sp}
	step(t, mod, mem, r)
	if r.Rip != imageBase+0x1100 || r.Rsp != sp+24 || r.Rbx != 0xbbbb || r.Rbp != 0xcccc {
		t.Fatalf("after unwind: rip=%#x rsp=%#x rbx=%#x rbp=%#x", r.Rip, r.Rsp, r.Rbx, r.Rbp)
	}
}

func TestStepEpilogue(t *testing.T) {
	mod, mem := buildImage(t)
	for _, tc := range []struct {
		rip uint64
		sp  uint64
	}{
		{imageBase + 0x1007, stackBase + 0x100}, // add rsp, 0x28
		{imageBase + 0x100b, stackBase + 0x128}, // pop rbx
		{imageBase + 0x100d, stackBase + 0x138}, // ret
	} {
		frame := uint64(stackBase + 0x100)
		mem.put64(frame+0x28, 0xbbbb)
		mem.put64(frame+0x30, 0xcccc)
		mem.put64(frame+0x38, imageBase+0x1100)
		r := &regs.AMD64{Rip: tc.rip, Rsp: tc.sp, Rbx: 0xbbbb, Rbp: 0xcccc}
		step(t, mod, mem, r)
		if r.Rip != imageBase+0x1100 || r.Rsp != frame+0x40 || r.Rbx != 0xbbbb || r.Rbp != 0xcccc {
			t.Errorf("rip %#x: after unwind rip=%#x rsp=%#x rbx=%#x rbp=%#x", tc.rip, r.Rip, r.Rsp, r.Rbx, r.Rbp)
		}
	}
}

func TestStepEpilogueLea(t *testing.T) {
	mod, mem := buildImage(t)
	bp := uint64(stackBase + 0x800)
	mem.put64(bp-8, 0x4444)
	mem.put64(bp, 0x5555)
	mem.put64(bp+8, imageBase+0x1100)
	for _, rip := range []uint64{imageBase + 0x1085, imageBase + 0x1089} {
		sp := bp - 0x40
		if rip == imageBase+0x1089 {
			sp = bp - 8
		}
		r := &regs.AMD64{Rip: rip, Rsp: sp, Rbp: bp, Rbx: 0x4444}
		step(t, mod, mem, r)
		if r.Rip != imageBase+0x1100 || r.Rsp != bp+16 || r.Rbx != 0x4444 || r.Rbp != 0x5555 {
			t.Errorf("rip %#x: after unwind rip=%#x rsp=%#x rbx=%#x rbp=%#x", rip, r.Rip, r.Rsp, r.Rbx, r.Rbp)
		}
	}
}

func TestStepChained(t *testing.T) {
	mod, mem := buildImage(t)
	sp := uint64(stackBase + 0x200)
	mem.put64(sp+0x28, 0x1111)
	mem.put64(sp+0x30, 0x2222)
	mem.put64(sp+0x38, imageBase+0x1100)
	r := &regs.AMD64{Rip: imageBase + 0x1024, Rsp: sp}
	step(t, mod, mem, r)
	if r.Rip != imageBase+0x1100 || r.Rsp != sp+0x40 || r.Rbx != 0x1111 || r.Rbp != 0x2222 {
		t.Fatalf("after unwind: rip=%#x rsp=%#x rbx=%#x rbp=%#x", r.Rip, r.Rsp, r.Rbx, r.Rbp)
	}
}

func TestStepFrameRegister(t *testing.T) {
	mod, mem := buildImage(t)
	bp := uint64(stackBase + 0x400)
	mem.put64(bp, 0x3333)
	mem.put64(bp+8, imageBase+0x1100)
	// An alloca moved rsp well below the fixed allocation.
	r := &regs.AMD64{Rip: imageBase + 0x104b, Rsp: bp - 0x300, Rbp: bp}
	step(t, mod, mem, r)
	if r.Rip != imageBase+0x1100 || r.Rsp != bp+16 || r.Rbp != 0x3333 {
		t.Fatalf("after unwind: rip=%#x rsp=%#x rbp=%#x", r.Rip, r.Rsp, r.Rbp)
	}
}

func TestStepMachineFrame(t *testing.T) {
	mod, mem := buildImage(t)
	sp := uint64(stackBase + 0x500)
	mem.put64(sp, imageBase+0x1006)
	mem.put64(sp+24, stackBase+0x700)
	r := &regs.AMD64{Rip: imageBase + 0x1062, Rsp: sp}
	step(t, mod, mem, r)
	if r.Rip != imageBase+0x1006 || r.Rsp != stackBase+0x700 {
		t.Fatalf("after unwind: rip=%#x rsp=%#x", r.Rip, r.Rsp)
	}
}

func TestStepLeaf(t *testing.T) {
	mod, mem := buildImage(t)
	sp := uint64(stackBase + 0x600)
	mem.put64(sp, imageBase+0x1006)
	r := &regs.AMD64{Rip: imageBase + 0x1100, Rsp: sp}
	step(t, mod, mem, r)
	if r.Rip != imageBase+0x1006 || r.Rsp != sp+8 {
		t.Fatalf("after unwind: rip=%#x rsp=%#x", r.Rip, r.Rsp)
	}
}

func TestStepErrors(t *testing.T) {
	mod, mem := buildImage(t)
	r := &regs.AMD64{Rip: 0xdead0000, Rsp: stackBase}
	if res := Step(context.Background(), ReaderMemory{mem}, mod, r); res.Flags&FlagError == 0 {
		t.Error("step outside the module did not fail")
	}
	r = &regs.AMD64{Rip: imageBase + 0x1100, Rsp: 0x10}
	if res := Step(context.Background(), ReaderMemory{mem}, mod, r); res.Flags&FlagError == 0 {
		t.Error("unreadable stack did not fail")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	r = &regs.AMD64{Rip: imageBase + 0x1100, Rsp: stackBase}
	if res := Step(ctx, ReaderMemory{mem}, mod, r); res.Flags&FlagStale == 0 {
		t.Errorf("expired deadline reported %s", res.Flags)
	}
}

func TestFull(t *testing.T) {
	mod, mem := buildImage(t)
	sp := uint64(stackBase + 0x100)
	mem.put64(sp+0x28, 0xbbbb)
	mem.put64(sp+0x30, 0xcccc)
	mem.put64(sp+0x38, imageBase+0x1100)
	mem.put64(sp+0x40, 0)
	u := Full(context.Background(), ReaderMemory{mem}, oneModule{mod}, &regs.AMD64{Rip: imageBase + 0x1006, Rsp: sp}, 0)
	if u.Flags != 0 || len(u.Frames) != 2 {
		t.Fatalf("Full: flags %s, %d frames", u.Flags, len(u.Frames))
	}
	if u.Frames[1].Regs.Rip != imageBase+0x1100 || u.Frames[1].Module != mod {
		t.Errorf("second frame %#x", u.Frames[1].Regs.Rip)
	}
}

func TestFullOutsideModules(t *testing.T) {
	mod, mem := buildImage(t)
	u := Full(context.Background(), ReaderMemory{mem}, oneModule{mod}, &regs.AMD64{Rip: 0x1234, Rsp: stackBase}, 0)
	if u.Flags&FlagError == 0 || len(u.Frames) != 1 {
		t.Fatalf("Full: flags %s, %d frames", u.Flags, len(u.Frames))
	}
}

func TestFullBounded(t *testing.T) {
	mod, mem := buildImage(t)
	// Every leaf frame returns into the leaf code again with a higher stack
	// pointer, so only the frame budget ends the walk.
	for a := uint64(stackBase); a < stackBase+stackSize; a += 8 {
		mem.put64(a, imageBase+0x1100)
	}
	u := Full(context.Background(), ReaderMemory{mem}, oneModule{mod}, &regs.AMD64{Rip: imageBase + 0x1100, Rsp: stackBase}, 16)
	if len(u.Frames) != 16 {
		t.Fatalf("Full produced %d frames with a budget of 16", len(u.Frames))
	}
}

func TestFramePointerRule(t *testing.T) {
	img, err := image.BuildELF(image.ELFSpec{EntryPoint: 0x1000, Sections: []image.SectionSpec{{Name: ".text", Voff: 0x1000, Data: make([]byte, 0x100), Exec: true}}})
	if err != nil {
		t.Fatal(err)
	}
	const base = 0x400000
	mem := fakeMem{{base: base, data: img}, {base: stackBase, data: make([]byte, stackSize)}}
	info, err := image.Read(mem, base)
	if err != nil {
		t.Fatal(err)
	}
	mod := &Module{Base: base, Info: info}
	bp := uint64(stackBase + 0x100)
	mem.put64(bp, bp+0x40)
	mem.put64(bp+8, base+0x1010)
	mem.put64(bp+0x40, 0)
	mem.put64(bp+0x48, base+0x1020)
	u := Full(context.Background(), ReaderMemory{mem}, oneModule{mod}, &regs.AMD64{Rip: base + 0x1000, Rsp: bp - 0x20, Rbp: bp}, 0)
	if u.Flags != 0 || len(u.Frames) != 3 {
		t.Fatalf("Full: flags %s, %d frames", u.Flags, len(u.Frames))
	}
	if u.Frames[1].Regs.Rip != base+0x1010 || u.Frames[2].Regs.Rip != base+0x1020 || u.Frames[2].Regs.Rsp != bp+0x50 {
		t.Errorf("frames: %#x %#x rsp %#x", u.Frames[1].Regs.Rip, u.Frames[2].Regs.Rip, u.Frames[2].Regs.Rsp)
	}

	// A frame pointer pointing at itself does not loop.
	mem.put64(bp, bp)
	u = Full(context.Background(), ReaderMemory{mem}, oneModule{mod}, &regs.AMD64{Rip: base + 0x1000, Rsp: bp - 0x20, Rbp: bp}, 0)
	if u.Flags&FlagError == 0 || len(u.Frames) > 3 {
		t.Errorf("self referencing frame pointer: flags %s, %d frames", u.Flags, len(u.Frames))
	}
}
