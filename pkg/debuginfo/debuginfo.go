// Package debuginfo defines the debug info lookups consumed by the control
// core and provides two implementations: an in-memory Table and a reader
// for ELF/DWARF files.
package debuginfo

import (
	"github.com/radctl/radctl/pkg/target"
)

// Module identifies the debug info of a loaded module.
type Module struct {
	// Path is the path of the module image.
	Path string
	// DebugPath overrides where debug info is read from.
	DebugPath string
}

// Key returns the path debug info is read from.
func (m Module) Key() string {
	if m.DebugPath != "" {
		return m.DebugPath
	}
	return m.Path
}

// Symbol is a function. Range is in module relative offsets (voffs).
type Symbol struct {
	Name  string
	Range target.Range
}

// Line is the code of one source line. Range is in voffs.
type Line struct {
	File  string
	Line  uint32
	Range target.Range
}

// InlineSite is a function inlined into another. Range is in voffs;
// CallFile and CallLine locate the call in the caller.
type InlineSite struct {
	Name     string
	CallFile string
	CallLine uint32
	Range    target.Range
}

// Resolver answers debug info queries for loaded modules.
type Resolver interface {
	SymbolFromVoff(m Module, voff uint64) (Symbol, bool)
	LineFromVoff(m Module, voff uint64) (Line, bool)
	// InlineSitesFromVoff returns the inline sites covering voff, outermost
	// first.
	InlineSitesFromVoff(m Module, voff uint64) []InlineSite
	VoffsFromSymbol(m Module, name string) []uint64
	VoffsFromFileLine(m Module, file string, line uint32) []uint64
}

// Multi asks each resolver in turn and returns the first answer.
type Multi []Resolver

func (mr Multi) SymbolFromVoff(m Module, voff uint64) (Symbol, bool) {
	for _, r := range mr {
		if s, ok := r.SymbolFromVoff(m, voff); ok {
			return s, true
		}
	}
	return Symbol{}, false
}

func (mr Multi) LineFromVoff(m Module, voff uint64) (Line, bool) {
	for _, r := range mr {
		if l, ok := r.LineFromVoff(m, voff); ok {
			return l, true
		}
	}
	return Line{}, false
}

func (mr Multi) InlineSitesFromVoff(m Module, voff uint64) []InlineSite {
	for _, r := range mr {
		if s := r.InlineSitesFromVoff(m, voff); len(s) > 0 {
			return s
		}
	}
	return nil
}

func (mr Multi) VoffsFromSymbol(m Module, name string) []uint64 {
	for _, r := range mr {
		if v := r.VoffsFromSymbol(m, name); len(v) > 0 {
			return v
		}
	}
	return nil
}

func (mr Multi) VoffsFromFileLine(m Module, file string, line uint32) []uint64 {
	for _, r := range mr {
		if v := r.VoffsFromFileLine(m, file, line); len(v) > 0 {
			return v
		}
	}
	return nil
}
