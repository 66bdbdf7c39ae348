package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/radctl/radctl/pkg/config"
	"github.com/radctl/radctl/pkg/entity"
	"github.com/radctl/radctl/pkg/image"
	"github.com/radctl/radctl/pkg/target"
)

type counter struct {
	fills atomic.Int32
}

func (c *counter) fill(ctx context.Context, key int, gen Gen, prev string, hasPrev bool) (string, bool, error) {
	c.fills.Add(1)
	return string(rune('a'+key)) + string(rune('0'+gen[0])), false, nil
}

func intTable(policy Policy, slots, stripes, budget int, fill FillFunc[int, string]) *Table[int, string] {
	return NewTable(Options[int, string]{
		Name:    "test",
		Slots:   slots,
		Stripes: stripes,
		Budget:  budget,
		Policy:  policy,
		Hash:    func(k int) uint64 { return uint64(k) },
		Fill:    fill,
	})
}

func TestTableGenerations(t *testing.T) {
	for _, policy := range []Policy{RefreshInPlace, NodePerGeneration} {
		c := &counter{}
		tbl := intTable(policy, 16, 4, 64, c.fill)
		ctx := context.Background()
		v, info := tbl.Get(ctx, nil, 1, Gen{1})
		if v != "b1" || !info.Found || info.Stale || info.Gen != (Gen{1}) {
			t.Fatalf("policy %d: first get %q %+v", policy, v, info)
		}
		tbl.Get(ctx, nil, 1, Gen{1})
		if n := c.fills.Load(); n != 1 {
			t.Errorf("policy %d: %d fills for one generation", policy, n)
		}
		if v, _ := tbl.Get(ctx, nil, 1, Gen{2}); v != "b2" {
			t.Errorf("policy %d: second generation %q", policy, v)
		}
		want := 1
		if policy == NodePerGeneration {
			want = 2
		}
		if n := tbl.Len(); n != want {
			t.Errorf("policy %d: %d nodes, want %d", policy, n, want)
		}
	}
}

func TestTableConcurrentReadersAgree(t *testing.T) {
	c := &counter{}
	tbl := intTable(RefreshInPlace, 4, 2, 64, func(ctx context.Context, key int, gen Gen, prev string, hasPrev bool) (string, bool, error) {
		time.Sleep(time.Millisecond)
		return c.fill(ctx, key, gen, prev, hasPrev)
	})
	var wg sync.WaitGroup
	gens := make([]Gen, 32)
	for i := range gens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, info := tbl.Get(context.Background(), nil, 3, Gen{7})
			gens[i] = info.Gen
		}(i)
	}
	wg.Wait()
	for i, g := range gens {
		if g != (Gen{7}) {
			t.Fatalf("reader %d saw generation %v", i, g)
		}
	}
	if n := c.fills.Load(); n != 1 {
		t.Errorf("%d fills for one key and generation", n)
	}
}

func TestTableDeadlineReturnsStale(t *testing.T) {
	release := make(chan struct{})
	tbl := intTable(NodePerGeneration, 4, 1, 64, func(ctx context.Context, key int, gen Gen, prev string, hasPrev bool) (string, bool, error) {
		if gen[0] == 2 {
			<-release
		}
		return "v" + string(rune('0'+gen[0])), false, nil
	})
	defer close(release)
	tbl.Get(context.Background(), nil, 0, Gen{1})

	// Fill for generation 2 on a worker that blocks.
	submitted := make(chan uint64, 1)
	tbl.SetSubmitter(func(key int, gen Gen, token uint64) bool {
		submitted <- token
		go tbl.Work(context.Background(), key, gen, token)
		return true
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	v, info := tbl.Get(ctx, nil, 0, Gen{2})
	<-submitted
	if v != "v1" || !info.Stale || !info.Found || info.Gen != (Gen{1}) {
		t.Fatalf("got %q %+v, want stale v1", v, info)
	}
	if !tbl.Working(0, Gen{2}) {
		t.Error("fill for generation 2 not marked working")
	}
	if tbl.Request(context.Background(), 0, Gen{2}) {
		t.Error("duplicate request was not coalesced")
	}
}

func TestTableFillError(t *testing.T) {
	boom := errors.New("boom")
	tbl := intTable(RefreshInPlace, 4, 1, 64, func(context.Context, int, Gen, string, bool) (string, bool, error) {
		return "", false, boom
	})
	_, info := tbl.Get(context.Background(), nil, 0, Gen{1})
	if info.Found || !errors.Is(info.Err, boom) {
		t.Fatalf("got %+v", info)
	}
}

func TestTableEviction(t *testing.T) {
	c := &counter{}
	tbl := intTable(RefreshInPlace, 1, 1, 2, c.fill)
	ctx := context.Background()
	sc := OpenScope()
	tbl.Get(ctx, sc, 0, Gen{1}) // pinned
	tbl.Get(ctx, nil, 1, Gen{1})
	tbl.Get(ctx, nil, 2, Gen{1})
	tbl.Get(ctx, nil, 1, Gen{1})
	tbl.Get(ctx, nil, 3, Gen{1})
	// 0 is pinned, so every insertion past the budget evicts the other node.
	if n := tbl.Len(); n != 2 {
		t.Fatalf("%d nodes with a budget of 2", n)
	}
	before := c.fills.Load()
	tbl.Get(ctx, nil, 0, Gen{1})
	tbl.Get(ctx, nil, 3, Gen{1})
	if c.fills.Load() != before {
		t.Error("pinned or newest node was evicted")
	}
	sc.Close()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("closing a scope twice did not panic")
			}
		}()
		sc.Close()
	}()
}

func TestEvictionOrder(t *testing.T) {
	a := &node[int, string]{id: 1}
	b := &node[int, string]{id: 2}
	if !evictsBefore(a, b) {
		t.Error("ties are not broken by insertion order")
	}
	b.lastRequested.Store(1)
	a.lastRequested.Store(2)
	if !evictsBefore(b, a) {
		t.Error("older request not evicted first")
	}
	b.working = 1
	if !evictsBefore(a, b) {
		t.Error("working node evicted before an idle one")
	}
}

type pageReader struct {
	mu   sync.Mutex
	mem  map[uint64][]byte // page base → page
	page uint64
	hits int
}

func (p *pageReader) ReadMemory(process target.ID, addr uint64, buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits++
	n := 0
	for n < len(buf) {
		a := addr + uint64(n)
		pg, ok := p.mem[AlignDown(a, p.page)]
		if !ok {
			return n, target.InvalidAddressError{Address: a}
		}
		n += copy(buf[n:], pg[a-AlignDown(a, p.page):])
	}
	return n, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MemoryPageSize = 16
	cfg.CacheSlots = 8
	cfg.CacheStripes = 2
	return cfg
}

func newPages() *pageReader {
	p := &pageReader{mem: map[uint64][]byte{}, page: 16}
	p.mem[0x100] = []byte("hello, world\x00xyz")
	p.mem[0x110] = []byte("0123456789abcdef")
	// 0x120 is unmapped
	p.mem[0x130] = []byte("ghijklmnopqrstuv")
	return p
}

var proc = target.Handle{Machine: target.LocalMachine, ID: 1}

func TestMemoryCacheRead(t *testing.T) {
	src := newPages()
	mc := NewMemoryCache(testConfig(), src)
	ctx := context.Background()

	m, info := mc.Read(ctx, nil, MemoryKey{Process: proc, Range: target.Range{Min: 0x108, Max: 0x138}}, 1)
	if !info.Found || info.Stale {
		t.Fatalf("read: %+v", info)
	}
	if string(m.Data[:8]) != "orld\x00xyz" || string(m.Data[8:24]) != "0123456789abcdef" {
		t.Errorf("data %q", m.Data)
	}
	if m.Bad.Get(0x17) || !m.Bad.Get(0x18) || !m.Bad.Get(0x27) || m.Bad.Get(0x28) || m.Bad.Count() != 16 {
		t.Errorf("bad bytes: %d", m.Bad.Count())
	}

	s, _ := mc.Read(ctx, nil, MemoryKey{Process: proc, Range: target.Range{Min: 0x100, Max: 0x140}, ZeroTerminated: true}, 1)
	if string(s.Data) != "hello, world" || s.Range.Max != 0x10c {
		t.Errorf("zero terminated read %q %s", s.Data, s.Range)
	}
}

func TestMemoryCacheChanged(t *testing.T) {
	src := newPages()
	mc := NewMemoryCache(testConfig(), src)
	ctx := context.Background()
	key := MemoryKey{Process: proc, Range: target.Range{Min: 0x110, Max: 0x120}}
	mc.Read(ctx, nil, key, 1)
	hits := src.hits
	mc.Read(ctx, nil, key, 1)
	if src.hits != hits {
		t.Error("fresh read went to the target")
	}
	src.mem[0x110][3] = 'X'
	m, info := mc.Read(ctx, nil, key, 2)
	if info.Gen != (Gen{2}) || m.Changed.Count() != 1 || !m.Changed.Get(3) {
		t.Errorf("changed bytes: %d, gen %v", m.Changed.Count(), info.Gen)
	}
}

func TestMemoryCacheExpired(t *testing.T) {
	src := newPages()
	mc := NewMemoryCache(testConfig(), src)
	key := MemoryKey{Process: proc, Range: target.Range{Min: 0x130, Max: 0x140}}
	mc.Read(context.Background(), nil, key, 1)
	src.mem[0x130][0] = 'Z'
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, info := mc.Read(ctx, nil, key, 2)
	if !info.Found || !info.Stale {
		t.Fatalf("expired read: %+v", info)
	}
	if m.Data[0] != 'g' || m.Stale.Count() != 16 {
		t.Errorf("expired read returned %q with %d stale bytes", m.Data, m.Stale.Count())
	}
}

func TestPagedReader(t *testing.T) {
	src := newPages()
	mc := NewMemoryCache(testConfig(), src)
	sc := OpenScope()
	defer sc.Close()
	r := mc.UnwindMemory(context.Background(), sc, proc, 1)
	buf := make([]byte, 8)
	stale, err := r.Read(context.Background(), 0x10c, buf)
	if err != nil || stale || string(buf) != "\x00xyz0123" {
		t.Fatalf("read %q stale=%v err=%v", buf, stale, err)
	}
	if _, err := r.Read(context.Background(), 0x11c, buf); err == nil {
		t.Error("read across an unmapped page succeeded")
	}
	if n, err := r.ReadMemory(0x130, buf); err != nil || n != 8 || string(buf) != "ghijklmn" {
		t.Errorf("ReadMemory %q %v", buf, err)
	}

	// Reads through a reader whose context is done only return cached pages.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := mc.UnwindMemory(ctx, sc, proc, 1)
	if n, err := done.ReadMemory(0x130, buf); err != nil || n != 8 {
		t.Errorf("cached ReadMemory %d %v", n, err)
	}
	if _, err := done.ReadMemory(0x140, buf); !errors.Is(err, context.Canceled) {
		t.Errorf("uncached ReadMemory after cancel: %v", err)
	}
}

type moduleAt struct {
	id   entity.ID
	base uint64
}

func (m moduleAt) ModuleBase(id entity.ID) (target.ID, uint64, bool) {
	if id != m.id {
		return 0, 0, false
	}
	return proc.ID, m.base, true
}

type flatMem struct {
	base uint64
	data []byte
}

func (f flatMem) ReadMemory(process target.ID, addr uint64, buf []byte) (int, error) {
	if addr < f.base || addr+uint64(len(buf)) > f.base+uint64(len(f.data)) {
		return 0, target.InvalidAddressError{Address: addr}
	}
	return copy(buf, f.data[addr-f.base:]), nil
}

func TestModuleInfoCache(t *testing.T) {
	img, err := image.BuildELF(image.ELFSpec{EntryPoint: 0x1000, Sections: []image.SectionSpec{{Name: ".text", Voff: 0x1000, Data: make([]byte, 0x20), Exec: true}}})
	if err != nil {
		t.Fatal(err)
	}
	mod := entity.ID{Index: 5, Gen: 1}
	c := NewModuleInfoCache(testConfig(), moduleAt{mod, 0x400000}, flatMem{0x400000, img})
	info, ci := c.ImageInfo(context.Background(), nil, mod)
	if !ci.Found || info.Format != image.FormatELF || info.EntryPoint != 0x1000 {
		t.Fatalf("ImageInfo: %+v %+v", info, ci)
	}
	_, ci = c.ImageInfo(context.Background(), nil, entity.ID{Index: 5, Gen: 2})
	var gone ModuleGoneError
	if !errors.As(ci.Err, &gone) {
		t.Errorf("reused slot: %+v", ci)
	}
}

func TestAlign(t *testing.T) {
	if Align(uint64(0x1001), 0x1000) != 0x2000 || AlignDown(0x1fff, 0x1000) != 0x1000 || Align(16, 16) != 16 {
		t.Error("alignment helpers")
	}
}
