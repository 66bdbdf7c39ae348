package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/radctl/radctl/pkg/debuginfo"
	"github.com/radctl/radctl/pkg/image"
	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
)

// Image is an assembled module image in mapped layout.
type Image struct {
	Path     string
	Format   image.Format
	Data     []byte
	Entry    uint64
	Sections []image.SectionSpec
	Debug    *debuginfo.ModuleTable
}

// Symbol returns the voff of the function called name.
func (img *Image) Symbol(name string) (uint64, bool) {
	for _, s := range img.Debug.Symbols {
		if s.Name == name {
			return s.Range.Min, true
		}
	}
	return 0, false
}

// LineVoff returns the voff of the first instruction of file:line.
func (img *Image) LineVoff(file string, line uint32) (uint64, bool) {
	for _, l := range img.Debug.Lines {
		if l.File == file && l.Line == line {
			return l.Range.Min, true
		}
	}
	return 0, false
}

// Cond is the condition of a conditional jump.
type Cond uint8

const (
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// Syscall numbers understood by the machine, passed in rax.
const (
	SysExit         = 0 // rdi: exit code
	SysThreadCreate = 1 // rdi: entry, rsi: argument; returns the tid
	SysThreadExit   = 2 // rdi: exit code
	SysLoadModule   = 3 // rdi: library index; returns the base
	SysUnloadModule = 4 // rdi: base
	SysDebugString  = 5 // rdi: address of a NUL terminated string
	SysRaise        = 6 // rdi: exception code, rsi and rdx: arguments
	SysCommit       = 7 // rdi: size; returns the base
	SysRelease      = 8 // rdi: base
	SysYield        = 9
)

type fixupKind uint8

const (
	fixText fixupKind = iota
	fixData
)

type fixup struct {
	at    int
	label string
	kind  fixupKind
}

type asmFunc struct {
	name       string
	start, end int
	frame      uint32
	prolog     int
	fpAt       int
	pushAt     int
}

type lineMark struct {
	file string
	line uint32
	at   int
}

type inlineMark struct {
	site  debuginfo.InlineSite
	start int
}

// Asm assembles a small x64 module. Registers are given by their encoding
// number (regs.RAX...). The first error is kept and reported by Build.
type Asm struct {
	text       []byte
	data       []byte
	labels     map[string]int
	dataLabels map[string]int
	fixups     []fixup

	funcs   []asmFunc
	cur     *asmFunc
	lines   []lineMark
	inlines []inlineMark
	open    []inlineMark

	err error
}

// NewAsm returns an empty assembler.
func NewAsm() *Asm {
	return &Asm{labels: make(map[string]int), dataLabels: make(map[string]int)}
}

func (a *Asm) fail(format string, args ...interface{}) {
	if a.err == nil {
		a.err = fmt.Errorf(format, args...)
	}
}

func (a *Asm) emit(b ...byte) { a.text = append(a.text, b...) }

func (a *Asm) emit32(v uint32) {
	a.text = binary.LittleEndian.AppendUint32(a.text, v)
}

// Here returns the current text offset.
func (a *Asm) Here() int { return len(a.text) }

// Label defines name at the current text offset.
func (a *Asm) Label(name string) {
	if _, dup := a.labels[name]; dup {
		a.fail("duplicate label %q", name)
		return
	}
	a.labels[name] = len(a.text)
}

func rex(w bool, reg, index, base int) byte {
	b := byte(0x40)
	if w {
		b |= 8
	}
	b |= byte(reg>>3&1) << 2
	b |= byte(index>>3&1) << 1
	b |= byte(base >> 3 & 1)
	return b
}

func modrm(mod, reg, rm int) byte {
	return byte(mod<<6 | (reg&7)<<3 | rm&7)
}

// regReg emits a REX.W op with a register to register ModRM.
func (a *Asm) regReg(op byte, reg, rm int) {
	a.emit(rex(true, reg, 0, rm), op, modrm(3, reg, rm))
}

// regMem emits a REX.W op with a [base+disp32] ModRM.
func (a *Asm) regMem(op byte, reg, base int, disp int32) {
	a.emit(rex(true, reg, 0, base), op, modrm(2, reg, base))
	if base&7 == regs.RSP {
		a.emit(0x24)
	}
	a.emit32(uint32(disp))
}

// MovImm loads a 64bit immediate.
func (a *Asm) MovImm(r int, imm uint64) {
	a.emit(rex(true, 0, 0, r), 0xB8+byte(r&7))
	a.text = binary.LittleEndian.AppendUint64(a.text, imm)
}

// Mov copies src into dst.
func (a *Asm) Mov(dst, src int) { a.regReg(0x89, src, dst) }

// Load loads the quadword at [base+disp] into dst.
func (a *Asm) Load(dst, base int, disp int32) { a.regMem(0x8B, dst, base, disp) }

// Store stores src at [base+disp].
func (a *Asm) Store(base int, disp int32, src int) { a.regMem(0x89, src, base, disp) }

// LoadByte zero extends the byte at [base+disp] into dst.
func (a *Asm) LoadByte(dst, base int, disp int32) {
	a.emit(rex(true, dst, 0, base), 0x0F, 0xB6, modrm(2, dst, base))
	if base&7 == regs.RSP {
		a.emit(0x24)
	}
	a.emit32(uint32(disp))
}

// Lea loads the address base+disp.
func (a *Asm) Lea(dst, base int, disp int32) { a.regMem(0x8D, dst, base, disp) }

// LeaData loads the address of a data label.
func (a *Asm) LeaData(dst int, label string) {
	a.emit(rex(true, dst, 0, 0), 0x8D, modrm(0, dst, 5))
	a.fixups = append(a.fixups, fixup{at: len(a.text), label: label, kind: fixData})
	a.emit32(0)
}

// LeaText loads the address of a text label.
func (a *Asm) LeaText(dst int, label string) {
	a.emit(rex(true, dst, 0, 0), 0x8D, modrm(0, dst, 5))
	a.fixups = append(a.fixups, fixup{at: len(a.text), label: label, kind: fixText})
	a.emit32(0)
}

func (a *Asm) aluImm(ext int, r int, imm int32) {
	a.emit(rex(true, 0, 0, r), 0x81, modrm(3, ext, r))
	a.emit32(uint32(imm))
}

func (a *Asm) AddImm(r int, imm int32) { a.aluImm(0, r, imm) }
func (a *Asm) SubImm(r int, imm int32) { a.aluImm(5, r, imm) }
func (a *Asm) CmpImm(r int, imm int32) { a.aluImm(7, r, imm) }
func (a *Asm) AndImm(r int, imm int32) { a.aluImm(4, r, imm) }

func (a *Asm) Add(dst, src int)  { a.regReg(0x01, src, dst) }
func (a *Asm) Sub(dst, src int)  { a.regReg(0x29, src, dst) }
func (a *Asm) Cmp(dst, src int)  { a.regReg(0x39, src, dst) }
func (a *Asm) Xor(dst, src int)  { a.regReg(0x31, src, dst) }
func (a *Asm) And(dst, src int)  { a.regReg(0x21, src, dst) }
func (a *Asm) Or(dst, src int)   { a.regReg(0x09, src, dst) }
func (a *Asm) Test(dst, src int) { a.regReg(0x85, src, dst) }

func (a *Asm) Inc(r int) { a.regReg(0xFF, 0, r) }
func (a *Asm) Dec(r int) { a.regReg(0xFF, 1, r) }

// Div divides rdx:rax by r.
func (a *Asm) Div(r int) { a.regReg(0xF7, 6, r) }

func (a *Asm) Push(r int) {
	if r >= 8 {
		a.emit(0x41)
	}
	a.emit(0x50 + byte(r&7))
}

func (a *Asm) Pop(r int) {
	if r >= 8 {
		a.emit(0x41)
	}
	a.emit(0x58 + byte(r&7))
}

func (a *Asm) rel32(op ...byte) func(label string) {
	return func(label string) {
		a.emit(op...)
		a.fixups = append(a.fixups, fixup{at: len(a.text), label: label, kind: fixText})
		a.emit32(0)
	}
}

// Call calls the text label.
func (a *Asm) Call(label string) { a.rel32(0xE8)(label) }

// Jmp jumps to the text label.
func (a *Asm) Jmp(label string) { a.rel32(0xE9)(label) }

// J jumps to the text label if c holds.
func (a *Asm) J(c Cond, label string) { a.rel32(0x0F, 0x80|byte(c))(label) }

// CallReg calls the address in r.
func (a *Asm) CallReg(r int) {
	if r >= 8 {
		a.emit(0x41)
	}
	a.emit(0xFF, modrm(3, 2, r))
}

// JmpReg jumps to the address in r.
func (a *Asm) JmpReg(r int) {
	if r >= 8 {
		a.emit(0x41)
	}
	a.emit(0xFF, modrm(3, 4, r))
}

// RetInst emits a bare ret. Functions opened with Func return with Ret.
func (a *Asm) RetInst() { a.emit(0xC3) }
func (a *Asm) Nop()     { a.emit(0x90) }
func (a *Asm) Int3()    { a.emit(0xCC) }
func (a *Asm) Ud2()     { a.emit(0x0F, 0x0B) }
func (a *Asm) Hlt()     { a.emit(0xF4) }
func (a *Asm) Syscall() { a.emit(0x0F, 0x05) }

// Sys loads rax with the syscall number n and executes syscall.
func (a *Asm) Sys(n uint64) {
	a.MovImm(regs.RAX, n)
	a.Syscall()
}

// String adds a NUL terminated string to the data section.
func (a *Asm) String(label, s string) {
	a.dataLabel(label)
	a.data = append(a.data, s...)
	a.data = append(a.data, 0)
}

// Quad adds a quadword to the data section.
func (a *Asm) Quad(label string, v uint64) {
	for len(a.data)%8 != 0 {
		a.data = append(a.data, 0)
	}
	a.dataLabel(label)
	a.data = binary.LittleEndian.AppendUint64(a.data, v)
}

func (a *Asm) dataLabel(label string) {
	if _, dup := a.dataLabels[label]; dup {
		a.fail("duplicate data label %q", label)
		return
	}
	a.dataLabels[label] = len(a.data)
}

// Func opens a function with a frame pointer prologue reserving frame bytes
// of locals:
//
//	push rbp
//	mov rbp, rsp
//	sub rsp, frame
func (a *Asm) Func(name string, frame uint32) {
	if a.cur != nil {
		a.fail("function %s opened inside %s", name, a.cur.name)
		return
	}
	frame = (frame + 7) &^ 7
	a.Label(name)
	f := asmFunc{name: name, start: len(a.text), frame: frame}
	a.Push(regs.RBP)
	f.pushAt = len(a.text) - f.start
	a.Mov(regs.RBP, regs.RSP)
	f.fpAt = len(a.text) - f.start
	if frame > 0 {
		a.SubImm(regs.RSP, int32(frame))
	}
	f.prolog = len(a.text) - f.start
	a.funcs = append(a.funcs, f)
	a.cur = &a.funcs[len(a.funcs)-1]
}

// Ret emits the epilogue of the current function:
//
//	lea rsp, [rbp]
//	pop rbp
//	ret
func (a *Asm) Ret() {
	a.emit(rex(true, regs.RSP, 0, regs.RBP), 0x8D, modrm(1, regs.RSP, regs.RBP), 0)
	a.Pop(regs.RBP)
	a.RetInst()
}

// EndFunc closes the current function.
func (a *Asm) EndFunc() {
	if a.cur == nil {
		a.fail("EndFunc outside of a function")
		return
	}
	if len(a.open) > 0 {
		a.fail("function %s ends inside an inline site", a.cur.name)
	}
	a.cur.end = len(a.text)
	a.cur = nil
	a.lines = append(a.lines, lineMark{at: len(a.text)})
}

// Line attributes the following instructions to file:line.
func (a *Asm) Line(file string, line uint32) {
	a.lines = append(a.lines, lineMark{file: file, line: line, at: len(a.text)})
}

// Inline opens an inlined call of name made at callFile:callLine.
func (a *Asm) Inline(name, callFile string, callLine uint32) {
	a.open = append(a.open, inlineMark{
		site:  debuginfo.InlineSite{Name: name, CallFile: callFile, CallLine: callLine},
		start: len(a.text),
	})
}

// EndInline closes the innermost open inline site.
func (a *Asm) EndInline() {
	n := len(a.open)
	if n == 0 {
		a.fail("EndInline without Inline")
		return
	}
	m := a.open[n-1]
	a.open = a.open[:n-1]
	m.site.Range = target.Range{Min: uint64(m.start), Max: uint64(len(a.text))}
	a.inlines = append(a.inlines, m)
}

const (
	textVoff = 0x1000

	uwopPushNonvol = 0
	uwopAllocLarge = 1
	uwopAllocSmall = 2
	uwopSetFPReg   = 3
)

// BuildConfig selects the format of an assembled image.
type BuildConfig struct {
	Path   string
	Format image.Format
	// Entry is the name of the entry point function. When empty the first
	// function is used.
	Entry string
}

// Build links the assembled code into a module image.
func (a *Asm) Build(cfg BuildConfig) (*Image, error) {
	if a.err != nil {
		return nil, a.err
	}
	if a.cur != nil {
		return nil, fmt.Errorf("function %s is not closed", a.cur.name)
	}
	if len(a.funcs) == 0 {
		return nil, fmt.Errorf("no functions")
	}
	dataVoff := alignUp(textVoff + uint64(len(a.text)))
	text := append([]byte(nil), a.text...)
	for _, fx := range a.fixups {
		var dest uint64
		switch fx.kind {
		case fixText:
			off, ok := a.labels[fx.label]
			if !ok {
				return nil, fmt.Errorf("undefined label %q", fx.label)
			}
			dest = textVoff + uint64(off)
		case fixData:
			off, ok := a.dataLabels[fx.label]
			if !ok {
				return nil, fmt.Errorf("undefined data label %q", fx.label)
			}
			dest = dataVoff + uint64(off)
		}
		rel := int64(dest) - int64(textVoff+uint64(fx.at)+4)
		binary.LittleEndian.PutUint32(text[fx.at:], uint32(int32(rel)))
	}

	entry := a.funcs[0].start
	if cfg.Entry != "" {
		off, ok := a.labels[cfg.Entry]
		if !ok {
			return nil, fmt.Errorf("undefined entry point %q", cfg.Entry)
		}
		entry = off
	}

	data := a.data
	if len(data) == 0 {
		data = []byte{0}
	}
	sections := []image.SectionSpec{
		{Name: ".text", Voff: textVoff, Data: text, Exec: true},
		{Name: ".data", Voff: uint32(dataVoff), Data: data, Write: true},
	}
	img := &Image{Path: cfg.Path, Format: cfg.Format, Entry: textVoff + uint64(entry), Debug: a.debugInfo()}

	var err error
	switch cfg.Format {
	case image.FormatPE:
		xdataVoff := alignUp(dataVoff + uint64(len(data)))
		xdata, pdata := a.unwindTables(uint32(xdataVoff))
		pdataVoff := alignUp(xdataVoff + uint64(len(xdata)))
		sections = append(sections,
			image.SectionSpec{Name: ".xdata", Voff: uint32(xdataVoff), Data: xdata},
			image.SectionSpec{Name: ".pdata", Voff: uint32(pdataVoff), Data: pdata})
		img.Data, err = image.BuildPE(image.PESpec{
			EntryPoint: uint32(img.Entry),
			Sections:   sections,
			Exception:  [2]uint32{uint32(pdataVoff), uint32(pdataVoff) + uint32(len(pdata))},
		})
	case image.FormatELF:
		img.Data, err = image.BuildELF(image.ELFSpec{EntryPoint: img.Entry, Sections: sections})
	default:
		return nil, fmt.Errorf("unsupported image format %v", cfg.Format)
	}
	if err != nil {
		return nil, err
	}
	img.Sections = sections
	return img, nil
}

// unwindTables returns the UNWIND_INFO records of every function, to be
// placed at xdataVoff, and the sorted RUNTIME_FUNCTION table.
func (a *Asm) unwindTables(xdataVoff uint32) (xdata, pdata []byte) {
	code := func(offset int, op, info uint8) uint16 {
		return uint16(offset) | uint16(op)<<8 | uint16(info)<<12
	}
	for _, f := range a.funcs {
		var codes []uint16
		switch {
		case f.frame == 0:
		case f.frame <= 128:
			codes = append(codes, code(f.prolog, uwopAllocSmall, uint8(f.frame/8-1)))
		default:
			codes = append(codes, code(f.prolog, uwopAllocLarge, 0), uint16(f.frame/8))
		}
		codes = append(codes,
			code(f.fpAt, uwopSetFPReg, 0),
			code(f.pushAt, uwopPushNonvol, regs.RBP))

		at := uint32(len(xdata)) + xdataVoff
		xdata = append(xdata, 1, byte(f.prolog), byte(len(codes)), regs.RBP)
		for _, c := range codes {
			xdata = binary.LittleEndian.AppendUint16(xdata, c)
		}
		if len(codes)%2 != 0 {
			xdata = append(xdata, 0, 0)
		}
		pdata = binary.LittleEndian.AppendUint32(pdata, textVoff+uint32(f.start))
		pdata = binary.LittleEndian.AppendUint32(pdata, textVoff+uint32(f.end))
		pdata = binary.LittleEndian.AppendUint32(pdata, at)
	}
	return xdata, pdata
}

func (a *Asm) debugInfo() *debuginfo.ModuleTable {
	mt := &debuginfo.ModuleTable{}
	for _, f := range a.funcs {
		mt.Symbols = append(mt.Symbols, debuginfo.Symbol{
			Name:  f.name,
			Range: target.Range{Min: textVoff + uint64(f.start), Max: textVoff + uint64(f.end)},
		})
	}
	for i, l := range a.lines {
		if l.file == "" {
			continue
		}
		end := len(a.text)
		if i+1 < len(a.lines) {
			end = a.lines[i+1].at
		}
		if end == l.at {
			continue
		}
		mt.Lines = append(mt.Lines, debuginfo.Line{
			File:  l.file,
			Line:  l.line,
			Range: target.Range{Min: textVoff + uint64(l.at), Max: textVoff + uint64(end)},
		})
	}
	for _, m := range a.inlines {
		s := m.site
		s.Range = target.Range{Min: textVoff + s.Range.Min, Max: textVoff + s.Range.Max}
		mt.Inlines = append(mt.Inlines, s)
	}
	return mt
}
