package entity

// interner deduplicates display strings. Each Equip takes a reference and
// each release drops one; a string leaves the table with its last
// reference.
type interner struct {
	m map[string]*internEntry
}

type internEntry struct {
	s    string
	refs int
}

func newInterner() *interner {
	return &interner{m: make(map[string]*internEntry)}
}

func (in *interner) acquire(s string) string {
	if s == "" {
		return ""
	}
	if e, ok := in.m[s]; ok {
		e.refs++
		return e.s
	}
	in.m[s] = &internEntry{s: s, refs: 1}
	return s
}

func (in *interner) release(s string) {
	if s == "" {
		return
	}
	e, ok := in.m[s]
	if !ok {
		panic("entity: release of a string that was never interned: " + s)
	}
	e.refs--
	if e.refs == 0 {
		delete(in.m, s)
	}
}

func (in *interner) len() int {
	return len(in.m)
}
