package debuginfo

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/radctl/radctl/pkg/logflags"
)

// DWARF resolves debug info from ELF files. Files are loaded on first use
// and kept for the lifetime of the resolver; per address lookups are
// memoized in LRU caches.
type DWARF struct {
	searchDirs []string

	mu    sync.Mutex
	files map[string]*dwarfFile

	lines   *lru.Cache
	symbols *lru.Cache
	log     logflags.Logger
}

type voffKey struct {
	path string
	voff uint64
}

type dwarfFile struct {
	err     error
	funcs   []Symbol
	inlines []InlineSite
	lines   []Line
}

const lookupCacheSize = 4096

// NewDWARF returns a resolver that also looks for separate debug files
// named after the module in searchDirs.
func NewDWARF(searchDirs []string) *DWARF {
	lines, err := lru.New(lookupCacheSize)
	if err != nil {
		panic(err)
	}
	symbols, err := lru.New(lookupCacheSize)
	if err != nil {
		panic(err)
	}
	return &DWARF{
		searchDirs: searchDirs,
		files:      make(map[string]*dwarfFile),
		lines:      lines,
		symbols:    symbols,
		log:        logflags.TargetLogger(),
	}
}

func (d *DWARF) file(m Module) *dwarfFile {
	path := m.Key()
	if path == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.files[path]; ok {
		if f.err != nil {
			return nil
		}
		return f
	}
	f := d.load(path)
	d.files[path] = f
	if f.err != nil {
		d.log.Debugf("no debug info for %s: %v", path, f.err)
		return nil
	}
	return f
}

func (d *DWARF) load(path string) *dwarfFile {
	ef, err := elf.Open(path)
	if err != nil {
		return &dwarfFile{err: err}
	}
	defer ef.Close()
	data, err := ef.DWARF()
	if err != nil || !hasDebugInfo(ef) {
		for _, dir := range d.searchDirs {
			alt := filepath.Join(dir, filepath.Base(path)+".debug")
			aef, aerr := elf.Open(alt)
			if aerr != nil {
				continue
			}
			data, err = aef.DWARF()
			aef.Close()
			if err == nil {
				break
			}
		}
	}
	if err != nil {
		return &dwarfFile{err: fmt.Errorf("reading DWARF of %s: %w", path, err)}
	}
	f := &dwarfFile{}
	if err := f.read(data, loadBias(ef)); err != nil {
		return &dwarfFile{err: err}
	}
	return f
}

func hasDebugInfo(ef *elf.File) bool {
	return ef.Section(".debug_info") != nil || ef.Section(".zdebug_info") != nil
}

// loadBias returns the link address of the start of the image, so that
// DWARF addresses convert to voffs for both position independent and
// fixed address executables.
func loadBias(ef *elf.File) uint64 {
	var bias uint64
	found := false
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !found || p.Vaddr < bias {
			bias = p.Vaddr
			found = true
		}
	}
	return bias &^ 0xfff
}

func (f *dwarfFile) read(data *dwarf.Data, bias uint64) error {
	r := data.Reader()
	var cu *dwarf.Entry
	var files []*dwarf.LineFile
	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		switch e.Tag {
		case dwarf.TagCompileUnit:
			cu = e
			files = nil
			if lr, err := data.LineReader(cu); err == nil && lr != nil {
				files = lr.Files()
				f.readLines(lr, bias)
			}
		case dwarf.TagSubprogram:
			name, _ := e.Val(dwarf.AttrName).(string)
			if name == "" {
				break
			}
			ranges, err := data.Ranges(e)
			if err != nil {
				break
			}
			for _, rng := range ranges {
				if rng[1] > rng[0] {
					f.funcs = append(f.funcs, Symbol{Name: name, Range: voffRange(rng[0]-bias, rng[1]-bias)})
				}
			}
		case dwarf.TagInlinedSubroutine:
			site := InlineSite{Name: inlineName(data, e)}
			if line, ok := e.Val(dwarf.AttrCallLine).(int64); ok {
				site.CallLine = uint32(line)
			}
			if idx, ok := e.Val(dwarf.AttrCallFile).(int64); ok && int(idx) < len(files) && files[idx] != nil {
				site.CallFile = files[idx].Name
			}
			ranges, err := data.Ranges(e)
			if err != nil {
				break
			}
			for _, rng := range ranges {
				if rng[1] > rng[0] {
					s := site
					s.Range = voffRange(rng[0]-bias, rng[1]-bias)
					f.inlines = append(f.inlines, s)
				}
			}
		}
	}
	sort.Slice(f.funcs, func(i, j int) bool { return f.funcs[i].Range.Min < f.funcs[j].Range.Min })
	sort.Slice(f.lines, func(i, j int) bool { return f.lines[i].Range.Min < f.lines[j].Range.Min })
	return nil
}

func inlineName(data *dwarf.Data, e *dwarf.Entry) string {
	off, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
	if !ok {
		name, _ := e.Val(dwarf.AttrName).(string)
		return name
	}
	r := data.Reader()
	r.Seek(off)
	origin, err := r.Next()
	if err != nil || origin == nil {
		return ""
	}
	name, _ := origin.Val(dwarf.AttrName).(string)
	return name
}

// readLines converts the line program of one compile unit into address
// ranges, one per row, ending at the next row's address.
func (f *dwarfFile) readLines(lr *dwarf.LineReader, bias uint64) {
	var prev dwarf.LineEntry
	havePrev := false
	for {
		var le dwarf.LineEntry
		if err := lr.Next(&le); err != nil {
			// io.EOF ends the program; anything else truncates it.
			return
		}
		if havePrev && le.Address > prev.Address && prev.File != nil {
			f.lines = append(f.lines, Line{
				File:  prev.File.Name,
				Line:  uint32(prev.Line),
				Range: voffRange(prev.Address-bias, le.Address-bias),
			})
		}
		prev = le
		havePrev = !le.EndSequence
	}
}

func (d *DWARF) SymbolFromVoff(m Module, voff uint64) (Symbol, bool) {
	key := voffKey{m.Key(), voff}
	if v, ok := d.symbols.Get(key); ok {
		s, found := v.(Symbol)
		return s, found
	}
	f := d.file(m)
	if f == nil {
		return Symbol{}, false
	}
	i := sort.Search(len(f.funcs), func(i int) bool { return f.funcs[i].Range.Min > voff }) - 1
	if i >= 0 && f.funcs[i].Range.Contains(voff) {
		d.symbols.Add(key, f.funcs[i])
		return f.funcs[i], true
	}
	d.symbols.Add(key, nil)
	return Symbol{}, false
}

func (d *DWARF) LineFromVoff(m Module, voff uint64) (Line, bool) {
	key := voffKey{m.Key(), voff}
	if v, ok := d.lines.Get(key); ok {
		l, found := v.(Line)
		return l, found
	}
	f := d.file(m)
	if f == nil {
		return Line{}, false
	}
	i := sort.Search(len(f.lines), func(i int) bool { return f.lines[i].Range.Min > voff }) - 1
	if i >= 0 && f.lines[i].Range.Contains(voff) {
		l := f.lines[i]
		// Merge adjacent rows of the same line into one range.
		for j := i + 1; j < len(f.lines) && f.lines[j].Range.Min == l.Range.Max && f.lines[j].Line == l.Line && f.lines[j].File == l.File; j++ {
			l.Range.Max = f.lines[j].Range.Max
		}
		for j := i - 1; j >= 0 && f.lines[j].Range.Max == l.Range.Min && f.lines[j].Line == l.Line && f.lines[j].File == l.File; j-- {
			l.Range.Min = f.lines[j].Range.Min
		}
		d.lines.Add(key, l)
		return l, true
	}
	d.lines.Add(key, nil)
	return Line{}, false
}

func (d *DWARF) InlineSitesFromVoff(m Module, voff uint64) []InlineSite {
	f := d.file(m)
	if f == nil {
		return nil
	}
	var out []InlineSite
	for _, s := range f.inlines {
		if s.Range.Contains(voff) {
			out = append(out, s)
		}
	}
	sortOutermostFirst(out)
	return out
}

func (d *DWARF) VoffsFromSymbol(m Module, name string) []uint64 {
	f := d.file(m)
	if f == nil {
		return nil
	}
	var out []uint64
	for _, s := range f.funcs {
		if s.Name == name {
			out = append(out, s.Range.Min)
		}
	}
	return out
}

func (d *DWARF) VoffsFromFileLine(m Module, file string, line uint32) []uint64 {
	f := d.file(m)
	if f == nil {
		return nil
	}
	var out []uint64
	for i, l := range f.lines {
		if l.Line != line || !sameFile(l.File, file) {
			continue
		}
		// Only the first row of a contiguous block starts the line.
		if i > 0 {
			p := f.lines[i-1]
			if p.Line == l.Line && p.File == l.File && p.Range.Max == l.Range.Min {
				continue
			}
		}
		out = append(out, l.Range.Min)
	}
	return out
}

// ErrNoDebugInfo is reported for modules without readable debug info.
var ErrNoDebugInfo = errors.New("no debug info")

// Check reports whether debug info for m can be loaded.
func (d *DWARF) Check(m Module) error {
	if d.file(m) == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		if f, ok := d.files[m.Key()]; ok && f.err != nil {
			return f.err
		}
		return ErrNoDebugInfo
	}
	return nil
}

var _ Resolver = (*DWARF)(nil)
