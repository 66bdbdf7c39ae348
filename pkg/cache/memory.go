package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/maphash"

	"github.com/radctl/radctl/pkg/config"
	"github.com/radctl/radctl/pkg/target"
)

// maxMemoryRead bounds a single memory cache payload.
const maxMemoryRead = 64 << 20

// ProcessReader reads the memory of a process.
type ProcessReader interface {
	ReadMemory(process target.ID, addr uint64, buf []byte) (int, error)
}

// MemoryKey identifies a memory payload. A zero terminated read and a plain
// read of the same range are cached separately.
type MemoryKey struct {
	Process        target.Handle
	Range          target.Range
	ZeroTerminated bool
}

// Memory is a snapshot of a range of process memory.
type Memory struct {
	// Range is the range actually held: for zero terminated reads it ends
	// before the first NUL byte.
	Range target.Range
	Data  []byte
	// Bad marks bytes that could not be read, Stale bytes that were not
	// read before the deadline and hold data of an older generation if
	// any, Changed bytes that differ from the previous generation.
	Bad, Stale, Changed Bitmap
}

// MemoryCache caches process memory, keyed on the memory generation.
type MemoryCache struct {
	t        *Table[MemoryKey, *Memory]
	src      ProcessReader
	pageSize uint64
}

var memorySeed = maphash.MakeSeed()

func hashMemoryKey(k MemoryKey) uint64 {
	var h maphash.Hash
	h.SetSeed(memorySeed)
	var b [41]byte
	binary.LittleEndian.PutUint64(b[0:], uint64(k.Process.Machine))
	binary.LittleEndian.PutUint64(b[8:], uint64(k.Process.ID))
	binary.LittleEndian.PutUint64(b[16:], k.Range.Min)
	binary.LittleEndian.PutUint64(b[24:], k.Range.Max)
	if k.ZeroTerminated {
		b[40] = 1
	}
	h.Write(b[:])
	return h.Sum64()
}

// NewMemoryCache returns a memory cache reading through src.
func NewMemoryCache(cfg *config.Config, src ProcessReader) *MemoryCache {
	c := &MemoryCache{src: src, pageSize: cfg.MemoryPageSize}
	c.t = NewTable(Options[MemoryKey, *Memory]{
		Name:    "memory",
		Slots:   cfg.CacheSlots,
		Stripes: cfg.CacheStripes,
		Budget:  cfg.CacheNodeBudget,
		Policy:  RefreshInPlace,
		Hash:    hashMemoryKey,
		Fill:    c.fill,
	})
	return c
}

// Table returns the underlying table.
func (c *MemoryCache) Table() *Table[MemoryKey, *Memory] { return c.t }

// Read returns the memory for key at memory generation gen.
func (c *MemoryCache) Read(ctx context.Context, sc *Scope, key MemoryKey, gen uint64) (*Memory, Info) {
	return c.t.Get(ctx, sc, key, Gen{gen})
}

func (c *MemoryCache) fill(ctx context.Context, key MemoryKey, _ Gen, prev *Memory, hasPrev bool) (*Memory, bool, error) {
	rng := key.Range
	if rng.Size() > maxMemoryRead {
		rng.Max = rng.Min + maxMemoryRead
	}
	size := rng.Size()
	m := &Memory{
		Range:   rng,
		Data:    make([]byte, size),
		Bad:     newBitmap(size),
		Stale:   newBitmap(size),
		Changed: newBitmap(size),
	}
	stale := false
	for addr := rng.Min; addr < rng.Max; {
		end := AlignDown(addr, c.pageSize) + c.pageSize
		if end > rng.Max || end < addr {
			end = rng.Max
		}
		off := addr - rng.Min
		chunk := m.Data[off : end-rng.Min]
		if ctx.Err() != nil {
			m.Stale.setRange(off, size)
			if hasPrev {
				copyOverlap(m, prev, target.Range{Min: addr, Max: rng.Max})
			}
			stale = true
			break
		}
		n, _ := c.src.ReadMemory(key.Process.ID, addr, chunk)
		if n < 0 {
			n = 0
		}
		if n < len(chunk) {
			m.Bad.setRange(off+uint64(n), end-rng.Min)
		}
		if key.ZeroTerminated {
			if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
				m.truncate(off + uint64(i))
				break
			}
			if n < len(chunk) {
				m.truncate(off + uint64(n))
				break
			}
		}
		addr = end
	}
	if hasPrev {
		markChanged(m, prev)
	}
	return m, stale, nil
}

func (m *Memory) truncate(n uint64) {
	m.Range.Max = m.Range.Min + n
	m.Data = m.Data[:n]
	m.Bad = m.Bad.truncate(n)
	m.Stale = m.Stale.truncate(n)
	m.Changed = m.Changed.truncate(n)
}

// copyOverlap fills the bytes of m in rng from prev.
func copyOverlap(m, prev *Memory, rng target.Range) {
	ov := rng.Intersect(prev.Range)
	if ov.Size() == 0 {
		return
	}
	copy(m.Data[ov.Min-m.Range.Min:ov.Max-m.Range.Min], prev.Data[ov.Min-prev.Range.Min:])
}

// markChanged flags the bytes of m readable in both snapshots that differ
// from prev.
func markChanged(m, prev *Memory) {
	ov := m.Range.Intersect(prev.Range)
	for a := ov.Min; a < ov.Max; a++ {
		i, j := a-m.Range.Min, a-prev.Range.Min
		if m.Bad.Get(i) || m.Stale.Get(i) || prev.Bad.Get(j) {
			continue
		}
		if m.Data[i] != prev.Data[j] {
			m.Changed.set(i)
		}
	}
}

// UnwindMemory returns a reader of process memory at generation gen that
// goes through the cache a page at a time. It implements unwind.Memory.
// ctx bounds the reads made through ReadMemory.
func (c *MemoryCache) UnwindMemory(ctx context.Context, sc *Scope, process target.Handle, gen uint64) *PagedReader {
	return &PagedReader{ctx: ctx, c: c, sc: sc, process: process, gen: gen}
}

// PagedReader reads process memory through a MemoryCache.
type PagedReader struct {
	ctx     context.Context
	c       *MemoryCache
	sc      *Scope
	process target.Handle
	gen     uint64
}

// Read fills buf with the memory at addr. Bytes that could not be read make
// it fail; bytes of an older generation make it report stale.
func (r *PagedReader) Read(ctx context.Context, addr uint64, buf []byte) (stale bool, err error) {
	ps := r.c.pageSize
	for done := uint64(0); done < uint64(len(buf)); {
		a := addr + done
		page := AlignDown(a, ps)
		m, info := r.c.Read(ctx, r.sc, MemoryKey{Process: r.process, Range: target.Range{Min: page, Max: page + ps}}, r.gen)
		if !info.Found {
			if info.Err != nil {
				return true, info.Err
			}
			return true, context.DeadlineExceeded
		}
		stale = stale || info.Stale
		lo := a - page
		n := ps - lo
		if rem := uint64(len(buf)) - done; n > rem {
			n = rem
		}
		if m.Bad.Any(lo, lo+n) {
			return stale, target.InvalidAddressError{Address: a}
		}
		if m.Stale.Any(lo, lo+n) {
			stale = true
		}
		copy(buf[done:done+n], m.Data[lo:lo+n])
		done += n
	}
	return stale, nil
}

// ReadMemory implements target.MemoryReader, waiting for fills until the
// reader's context is done. A read crossing into an unreadable page returns
// the bytes before it.
func (r *PagedReader) ReadMemory(addr uint64, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		a := addr + uint64(n)
		end := uint64(n) + AlignDown(a, r.c.pageSize) + r.c.pageSize - a
		if end > uint64(len(buf)) {
			end = uint64(len(buf))
		}
		stale, err := r.Read(r.ctx, a, buf[n:end])
		if err != nil {
			return n, err
		}
		if stale && r.ctx.Err() != nil {
			return n, r.ctx.Err()
		}
		n = int(end)
	}
	return n, nil
}
