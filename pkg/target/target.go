// Package target defines the identifiers shared by every layer of the
// debugger core and the contract of the OS control layer that drives real
// (or simulated) processes.
package target

import (
	"encoding/binary"
	"fmt"
	"hash/maphash"
)

// MachineID identifies a machine. Handles are only meaningful relative to
// the machine they were minted on.
type MachineID uint32

// LocalMachine is the id of the machine the debugger runs on.
const LocalMachine MachineID = 1

// ID is an opaque identifier minted by the OS control layer for a process,
// thread or module.
type ID uint64

// Handle identifies a process, thread or module across machines. The zero
// Handle means "none".
type Handle struct {
	Machine MachineID
	ID      ID
}

// IsZero reports whether h is the "none" handle.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

func (h Handle) String() string {
	if h.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%d:%#x", h.Machine, uint64(h.ID))
}

var handleSeed = maphash.MakeSeed()

// Hash returns a hash of h suitable for bucketing.
func (h Handle) Hash() uint64 {
	var mh maphash.Hash
	mh.SetSeed(handleSeed)
	var b [12]byte
	binary.LittleEndian.PutUint32(b[:4], uint32(h.Machine))
	binary.LittleEndian.PutUint64(b[4:], uint64(h.ID))
	mh.Write(b[:])
	return mh.Sum64()
}

// Arch is the architecture of a process, thread or module.
type Arch uint8

const (
	ArchNull Arch = iota
	ArchX64
	ArchX86
	ArchARM64
	ArchARM32
)

var archNames = [...]string{"null", "x64", "x86", "arm64", "arm32"}

func (a Arch) String() string {
	if int(a) < len(archNames) {
		return archNames[a]
	}
	return fmt.Sprintf("arch(%d)", uint8(a))
}

// PtrSize returns the size of a pointer in bytes.
func (a Arch) PtrSize() int {
	switch a {
	case ArchX64, ArchARM64:
		return 8
	case ArchX86, ArchARM32:
		return 4
	}
	return 0
}

// BreakpointInstruction returns the trap instruction for the architecture.
func (a Arch) BreakpointInstruction() []byte {
	switch a {
	case ArchX64, ArchX86:
		return []byte{0xCC}
	case ArchARM64:
		return []byte{0x00, 0x00, 0x20, 0xd4}
	case ArchARM32:
		return []byte{0xf0, 0x01, 0xf0, 0xe7}
	}
	return nil
}

// Range is a half open address range [Min, Max).
type Range struct {
	Min, Max uint64
}

// Size returns the number of bytes in the range.
func (r Range) Size() uint64 {
	if r.Max < r.Min {
		return 0
	}
	return r.Max - r.Min
}

// Contains reports whether addr lies inside r.
func (r Range) Contains(addr uint64) bool {
	return r.Min <= addr && addr < r.Max
}

// Intersect returns the intersection of r and o, which may be empty.
func (r Range) Intersect(o Range) Range {
	out := Range{Min: r.Min, Max: r.Max}
	if o.Min > out.Min {
		out.Min = o.Min
	}
	if o.Max < out.Max {
		out.Max = o.Max
	}
	if out.Max < out.Min {
		out.Max = out.Min
	}
	return out
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Min, r.Max)
}
