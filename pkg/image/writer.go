package image

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"fmt"
)

// Writer assembles a module image in its mapped layout: every byte sits at
// its voff. The first write error is kept in Err and later writes are
// dropped.
type Writer struct {
	buf []byte
	off int64
	Err error
}

// Here returns the current offset.
func (w *Writer) Here() int64 { return w.off }

// Seek moves the write offset.
func (w *Writer) Seek(off int64) {
	if off < 0 && w.Err == nil {
		w.Err = fmt.Errorf("negative seek %d", off)
		return
	}
	w.off = off
}

// Align writes as many padding bytes as needed to make the current offset
// a multiple of align.
func (w *Writer) Align(align int64) {
	alignOff := (w.off + (align - 1)) &^ (align - 1)
	if alignOff-w.off > 0 {
		w.Write(make([]byte, alignOff-w.off))
	}
}

func (w *Writer) Write(p []byte) {
	if w.Err != nil {
		return
	}
	end := w.off + int64(len(p))
	if end > int64(len(w.buf)) {
		w.buf = append(w.buf, make([]byte, end-int64(len(w.buf)))...)
	}
	copy(w.buf[w.off:], p)
	w.off = end
}

func (w *Writer) u16(n uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], n)
	w.Write(b[:])
}

func (w *Writer) u32(n uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	w.Write(b[:])
}

func (w *Writer) u64(n uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	w.Write(b[:])
}

func (w *Writer) object(v interface{}) {
	if w.Err != nil {
		return
	}
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		w.Err = err
		return
	}
	w.Write(b.Bytes())
}

// Bytes pads the image to size and returns it.
func (w *Writer) Bytes(size int64) []byte {
	if int64(len(w.buf)) < size {
		w.buf = append(w.buf, make([]byte, size-int64(len(w.buf)))...)
	}
	return w.buf
}

// SectionSpec is a section of an image to build. Voff must be page
// aligned for ELF images.
type SectionSpec struct {
	Name  string
	Voff  uint32
	Data  []byte
	Exec  bool
	Write bool
}

// PESpec describes a PE32+ image.
type PESpec struct {
	EntryPoint uint32
	Sections   []SectionSpec
	// Exception is the voff range of the RUNTIME_FUNCTION table, which must
	// lie inside one of the sections.
	Exception [2]uint32
}

const (
	pageSize      = 0x1000
	peHeaderSize  = 0x400
	peLfanew      = 0x40
	peImageBase   = 0x140000000
	peCharsCode   = 0x60000020
	peCharsData   = 0xC0000040
	peCharsRodata = 0x40000040
)

func imageSize(sections []SectionSpec, headers int64) int64 {
	size := headers
	for _, s := range sections {
		if end := int64(s.Voff) + int64(len(s.Data)); end > size {
			size = end
		}
	}
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// BuildPE returns a x64 PE image in mapped layout.
func BuildPE(spec PESpec) ([]byte, error) {
	w := &Writer{}
	size := imageSize(spec.Sections, peHeaderSize)

	w.Write([]byte{'M', 'Z'})
	w.Seek(peSignatureOffset)
	w.u32(peLfanew)
	w.Seek(peLfanew)
	w.Write([]byte{'P', 'E', 0, 0})

	var oh pe.OptionalHeader64
	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     uint16(len(spec.Sections)),
		SizeOfOptionalHeader: uint16(binary.Size(oh)),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	}
	w.object(&fh)

	oh = pe.OptionalHeader64{
		Magic:                 pe32PlusMagic,
		AddressOfEntryPoint:   spec.EntryPoint,
		ImageBase:             peImageBase,
		SectionAlignment:      pageSize,
		FileAlignment:         0x200,
		MajorSubsystemVersion: 6,
		SizeOfImage:           uint32(size),
		SizeOfHeaders:         peHeaderSize,
		Subsystem:             pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		NumberOfRvaAndSizes:   16,
	}
	oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION] = pe.DataDirectory{
		VirtualAddress: spec.Exception[0],
		Size:           spec.Exception[1] - spec.Exception[0],
	}
	w.object(&oh)

	for _, s := range spec.Sections {
		var sh pe.SectionHeader32
		copy(sh.Name[:], s.Name)
		sh.VirtualSize = uint32(len(s.Data))
		sh.VirtualAddress = s.Voff
		sh.SizeOfRawData = uint32(len(s.Data))
		sh.PointerToRawData = s.Voff
		switch {
		case s.Exec:
			sh.Characteristics = peCharsCode
		case s.Write:
			sh.Characteristics = peCharsData
		default:
			sh.Characteristics = peCharsRodata
		}
		w.object(&sh)
	}
	if w.Here() > peHeaderSize {
		return nil, fmt.Errorf("PE headers overflow %#x bytes", peHeaderSize)
	}
	for _, s := range spec.Sections {
		if s.Voff < peHeaderSize {
			return nil, fmt.Errorf("section %s overlaps the headers", s.Name)
		}
		w.Seek(int64(s.Voff))
		w.Write(s.Data)
	}
	if w.Err != nil {
		return nil, w.Err
	}
	return w.Bytes(size), nil
}

// ELFSpec describes an ELF64 executable.
type ELFSpec struct {
	EntryPoint uint64
	Sections   []SectionSpec
}

const (
	elfHeaderSize = 64
	elfPhentsize  = 56
)

// BuildELF returns a position independent x64 ELF image in mapped layout,
// with one PT_LOAD segment per section.
func BuildELF(spec ELFSpec) ([]byte, error) {
	w := &Writer{}
	size := imageSize(spec.Sections, elfHeaderSize+int64(len(spec.Sections)+1)*elfPhentsize)

	phnum := uint16(len(spec.Sections) + 1)

	// e_ident
	w.Write([]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT), byte(elf.ELFOSABI_NONE), 0, 0, 0, 0, 0, 0, 0, 0})
	w.u16(uint16(elf.ET_DYN))     // e_type
	w.u16(uint16(elf.EM_X86_64))  // e_machine
	w.u32(uint32(elf.EV_CURRENT)) // e_version
	w.u64(spec.EntryPoint)        // e_entry
	w.u64(elfHeaderSize)          // e_phoff
	w.u64(0)                      // e_shoff
	w.u32(0)                      // e_flags
	w.u16(elfHeaderSize)          // e_ehsize
	w.u16(elfPhentsize)           // e_phentsize
	w.u16(phnum)                  // e_phnum
	w.u16(0)                      // e_shentsize
	w.u16(0)                      // e_shnum
	w.u16(0)                      // e_shstrndx

	// The headers themselves are mapped by the first segment.
	progs := []elf.ProgHeader{{Type: elf.PT_LOAD, Flags: elf.PF_R, Memsz: pageSize, Filesz: pageSize, Align: pageSize}}
	for _, s := range spec.Sections {
		if s.Voff%pageSize != 0 || s.Voff == 0 {
			return nil, fmt.Errorf("section %s is not page aligned", s.Name)
		}
		flags := elf.PF_R
		if s.Exec {
			flags |= elf.PF_X
		}
		if s.Write {
			flags |= elf.PF_W
		}
		progs = append(progs, elf.ProgHeader{
			Type:   elf.PT_LOAD,
			Flags:  flags,
			Off:    uint64(s.Voff),
			Vaddr:  uint64(s.Voff),
			Paddr:  uint64(s.Voff),
			Filesz: uint64(len(s.Data)),
			Memsz:  uint64(len(s.Data)),
			Align:  pageSize,
		})
	}
	for _, prog := range progs {
		w.u32(uint32(prog.Type))
		w.u32(uint32(prog.Flags))
		w.u64(prog.Off)
		w.u64(prog.Vaddr)
		w.u64(prog.Paddr)
		w.u64(prog.Filesz)
		w.u64(prog.Memsz)
		w.u64(prog.Align)
	}
	for _, s := range spec.Sections {
		w.Seek(int64(s.Voff))
		w.Write(s.Data)
	}
	if w.Err != nil {
		return nil, w.Err
	}
	return w.Bytes(size), nil
}
