package debuginfo

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/radctl/radctl/pkg/target"
)

// ModuleTable is the debug info of one module.
type ModuleTable struct {
	Symbols []Symbol
	Lines   []Line
	Inlines []InlineSite
}

// Table is an in-memory Resolver. It is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	modules map[string]*ModuleTable
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{modules: make(map[string]*ModuleTable)}
}

// Add registers the debug info for the module at path.
func (t *Table) Add(path string, mt *ModuleTable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sort.Slice(mt.Lines, func(i, j int) bool { return mt.Lines[i].Range.Min < mt.Lines[j].Range.Min })
	t.modules[path] = mt
}

func (t *Table) module(m Module) *ModuleTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.modules[m.Key()]
}

func (t *Table) SymbolFromVoff(m Module, voff uint64) (Symbol, bool) {
	mt := t.module(m)
	if mt == nil {
		return Symbol{}, false
	}
	for _, s := range mt.Symbols {
		if s.Range.Contains(voff) {
			return s, true
		}
	}
	return Symbol{}, false
}

func (t *Table) LineFromVoff(m Module, voff uint64) (Line, bool) {
	mt := t.module(m)
	if mt == nil {
		return Line{}, false
	}
	i := sort.Search(len(mt.Lines), func(i int) bool { return mt.Lines[i].Range.Max > voff })
	if i < len(mt.Lines) && mt.Lines[i].Range.Contains(voff) {
		return mt.Lines[i], true
	}
	return Line{}, false
}

func (t *Table) InlineSitesFromVoff(m Module, voff uint64) []InlineSite {
	mt := t.module(m)
	if mt == nil {
		return nil
	}
	var out []InlineSite
	for _, s := range mt.Inlines {
		if s.Range.Contains(voff) {
			out = append(out, s)
		}
	}
	sortOutermostFirst(out)
	return out
}

func (t *Table) VoffsFromSymbol(m Module, name string) []uint64 {
	mt := t.module(m)
	if mt == nil {
		return nil
	}
	var out []uint64
	for _, s := range mt.Symbols {
		if s.Name == name {
			out = append(out, s.Range.Min)
		}
	}
	return out
}

func (t *Table) VoffsFromFileLine(m Module, file string, line uint32) []uint64 {
	mt := t.module(m)
	if mt == nil {
		return nil
	}
	var out []uint64
	for _, l := range mt.Lines {
		if l.Line == line && sameFile(l.File, file) {
			out = append(out, l.Range.Min)
		}
	}
	return out
}

// sameFile matches a user supplied file name against a debug info path,
// accepting a suffix match on path element boundaries.
func sameFile(debugPath, user string) bool {
	if debugPath == user {
		return true
	}
	dp := filepath.ToSlash(debugPath)
	u := filepath.ToSlash(user)
	if len(u) >= len(dp) {
		return false
	}
	return dp[len(dp)-len(u)-1] == '/' && dp[len(dp)-len(u):] == u
}

// sortOutermostFirst orders nested inline sites from the widest range to
// the narrowest.
func sortOutermostFirst(s []InlineSite) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Range.Size() > s[j].Range.Size()
	})
}

var _ Resolver = (*Table)(nil)
var _ Resolver = Multi(nil)

func voffRange(lo, hi uint64) target.Range { return target.Range{Min: lo, Max: hi} }
