package cache

import (
	"context"
	"encoding/binary"
	"hash/maphash"

	"github.com/radctl/radctl/pkg/config"
	"github.com/radctl/radctl/pkg/entity"
	"github.com/radctl/radctl/pkg/image"
	"github.com/radctl/radctl/pkg/target"
)

// ModuleLocator finds where a module entity is mapped.
type ModuleLocator interface {
	ModuleBase(module entity.ID) (process target.ID, base uint64, ok bool)
}

// ModuleGoneError is returned for modules no longer in the entity store.
type ModuleGoneError struct{ Module entity.ID }

func (e ModuleGoneError) Error() string { return "module " + e.Module.String() + " is gone" }

// ModuleInfoCache caches the image headers of loaded modules. A module
// entity's generation identifies its load, so a node is refreshed when the
// slot is reused by another module.
type ModuleInfoCache struct {
	t *Table[uint32, *image.Info]
}

var moduleSeed = maphash.MakeSeed()

func hashModuleSlot(idx uint32) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], idx)
	return maphash.Bytes(moduleSeed, b[:])
}

// NewModuleInfoCache returns a module info cache that reads image headers
// through src.
func NewModuleInfoCache(cfg *config.Config, loc ModuleLocator, src ProcessReader) *ModuleInfoCache {
	c := &ModuleInfoCache{}
	c.t = NewTable(Options[uint32, *image.Info]{
		Name:    "modules",
		Slots:   cfg.CacheSlots,
		Stripes: cfg.CacheStripes,
		Budget:  cfg.CacheNodeBudget,
		Policy:  RefreshInPlace,
		Hash:    hashModuleSlot,
		Fill: func(ctx context.Context, idx uint32, gen Gen, _ *image.Info, _ bool) (*image.Info, bool, error) {
			id := entity.ID{Index: idx, Gen: uint32(gen[0])}
			process, base, ok := loc.ModuleBase(id)
			if !ok {
				return nil, false, ModuleGoneError{id}
			}
			info, err := image.Read(processMemory{src, process}, base)
			return info, false, err
		},
	})
	return c
}

// ImageInfo returns the image headers of module.
func (c *ModuleInfoCache) ImageInfo(ctx context.Context, sc *Scope, module entity.ID) (*image.Info, Info) {
	return c.t.Get(ctx, sc, module.Index, Gen{uint64(module.Gen)})
}

type processMemory struct {
	src     ProcessReader
	process target.ID
}

func (pm processMemory) ReadMemory(addr uint64, buf []byte) (int, error) {
	return pm.src.ReadMemory(pm.process, addr, buf)
}
