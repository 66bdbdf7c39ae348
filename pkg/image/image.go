// Package image reads the headers of a module image mapped in target
// memory.
package image

import (
	"bytes"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/radctl/radctl/pkg/target"
)

// Format is the container format of a module image.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatPE
	FormatELF
)

func (f Format) String() string {
	switch f {
	case FormatPE:
		return "pe"
	case FormatELF:
		return "elf"
	}
	return "unknown"
}

// Section is a section or loadable segment of the image, in voffs.
type Section struct {
	Name  string
	Range target.Range
}

// Info describes a module image.
type Info struct {
	Format Format
	Arch   target.Arch
	// Size is the size of the mapped image.
	Size       uint64
	EntryPoint uint64
	Sections   []Section
	// PData is the voff range of the PE exception directory, the table of
	// RUNTIME_FUNCTION entries. Empty for images without one.
	PData target.Range
}

// ErrUnknownFormat is returned for images that are neither PE nor ELF.
var ErrUnknownFormat = errors.New("unknown image format")

const maxSections = 96

// Read parses the image headers at base.
func Read(mem target.MemoryReader, base uint64) (*Info, error) {
	var magic [4]byte
	if err := readFull(mem, base, magic[:]); err != nil {
		return nil, err
	}
	switch {
	case magic[0] == 'M' && magic[1] == 'Z':
		return readPE(mem, base)
	case bytes.Equal(magic[:], []byte(elf.ELFMAG)):
		return readELF(mem, base)
	}
	return nil, ErrUnknownFormat
}

func readFull(mem target.MemoryReader, addr uint64, buf []byte) error {
	n, err := mem.ReadMemory(addr, buf)
	if n == len(buf) {
		return nil
	}
	if err == nil {
		err = target.InvalidAddressError{Address: addr + uint64(n)}
	}
	return err
}

func readStruct(mem target.MemoryReader, addr uint64, v interface{}) error {
	buf := make([]byte, binary.Size(v))
	if err := readFull(mem, addr, buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

const (
	peSignatureOffset = 0x3c
	pe32PlusMagic     = 0x20b
	pe32Magic         = 0x10b
)

func readPE(mem target.MemoryReader, base uint64) (*Info, error) {
	var lfanew uint32
	if err := readStruct(mem, base+peSignatureOffset, &lfanew); err != nil {
		return nil, err
	}
	var sig [4]byte
	if err := readFull(mem, base+uint64(lfanew), sig[:]); err != nil {
		return nil, err
	}
	if sig != [4]byte{'P', 'E', 0, 0} {
		return nil, fmt.Errorf("bad PE signature % x", sig)
	}
	var fh pe.FileHeader
	fhAddr := base + uint64(lfanew) + 4
	if err := readStruct(mem, fhAddr, &fh); err != nil {
		return nil, err
	}
	info := &Info{Format: FormatPE}
	switch fh.Machine {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		info.Arch = target.ArchX64
	case pe.IMAGE_FILE_MACHINE_I386:
		info.Arch = target.ArchX86
	case pe.IMAGE_FILE_MACHINE_ARM64:
		info.Arch = target.ArchARM64
	case pe.IMAGE_FILE_MACHINE_ARMNT:
		info.Arch = target.ArchARM32
	}
	ohAddr := fhAddr + uint64(binary.Size(fh))
	var optMagic uint16
	if err := readStruct(mem, ohAddr, &optMagic); err != nil {
		return nil, err
	}
	switch optMagic {
	case pe32PlusMagic:
		var oh pe.OptionalHeader64
		if err := readStruct(mem, ohAddr, &oh); err != nil {
			return nil, err
		}
		info.Size = uint64(oh.SizeOfImage)
		info.EntryPoint = uint64(oh.AddressOfEntryPoint)
		if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION {
			d := oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION]
			info.PData = target.Range{Min: uint64(d.VirtualAddress), Max: uint64(d.VirtualAddress) + uint64(d.Size)}
		}
	case pe32Magic:
		var oh pe.OptionalHeader32
		if err := readStruct(mem, ohAddr, &oh); err != nil {
			return nil, err
		}
		info.Size = uint64(oh.SizeOfImage)
		info.EntryPoint = uint64(oh.AddressOfEntryPoint)
	default:
		return nil, fmt.Errorf("bad PE optional header magic %#x", optMagic)
	}
	if fh.NumberOfSections > maxSections {
		return nil, fmt.Errorf("too many PE sections: %d", fh.NumberOfSections)
	}
	shAddr := ohAddr + uint64(fh.SizeOfOptionalHeader)
	for i := 0; i < int(fh.NumberOfSections); i++ {
		var sh pe.SectionHeader32
		if err := readStruct(mem, shAddr+uint64(i*binary.Size(sh)), &sh); err != nil {
			return nil, err
		}
		info.Sections = append(info.Sections, Section{
			Name:  cstring(sh.Name[:]),
			Range: target.Range{Min: uint64(sh.VirtualAddress), Max: uint64(sh.VirtualAddress) + uint64(sh.VirtualSize)},
		})
	}
	return info, nil
}

func readELF(mem target.MemoryReader, base uint64) (*Info, error) {
	var ident [elf.EI_NIDENT]byte
	if err := readFull(mem, base, ident[:]); err != nil {
		return nil, err
	}
	if elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS64 || elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("unsupported ELF class %v data %v", elf.Class(ident[elf.EI_CLASS]), elf.Data(ident[elf.EI_DATA]))
	}
	var hdr elf.Header64
	if err := readStruct(mem, base, &hdr); err != nil {
		return nil, err
	}
	info := &Info{Format: FormatELF}
	switch elf.Machine(hdr.Machine) {
	case elf.EM_X86_64:
		info.Arch = target.ArchX64
	case elf.EM_386:
		info.Arch = target.ArchX86
	case elf.EM_AARCH64:
		info.Arch = target.ArchARM64
	case elf.EM_ARM:
		info.Arch = target.ArchARM32
	}
	if hdr.Phnum > maxSections {
		return nil, fmt.Errorf("too many ELF program headers: %d", hdr.Phnum)
	}
	var low, high uint64
	first := true
	var loads []elf.Prog64
	for i := 0; i < int(hdr.Phnum); i++ {
		var ph elf.Prog64
		if err := readStruct(mem, base+hdr.Phoff+uint64(i)*uint64(hdr.Phentsize), &ph); err != nil {
			return nil, err
		}
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		loads = append(loads, ph)
		if first || ph.Vaddr < low {
			low = ph.Vaddr
		}
		if first || ph.Vaddr+ph.Memsz > high {
			high = ph.Vaddr + ph.Memsz
		}
		first = false
	}
	low &^= 0xfff
	for _, ph := range loads {
		info.Sections = append(info.Sections, Section{
			Name:  progName(elf.ProgFlag(ph.Flags)),
			Range: target.Range{Min: ph.Vaddr - low, Max: ph.Vaddr - low + ph.Memsz},
		})
	}
	info.Size = high - low
	info.EntryPoint = hdr.Entry - low
	return info, nil
}

func progName(f elf.ProgFlag) string {
	b := []byte("---")
	if f&elf.PF_R != 0 {
		b[0] = 'r'
	}
	if f&elf.PF_W != 0 {
		b[1] = 'w'
	}
	if f&elf.PF_X != 0 {
		b[2] = 'x'
	}
	return "load " + string(b)
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
