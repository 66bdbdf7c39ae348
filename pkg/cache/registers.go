package cache

import (
	"context"

	"github.com/radctl/radctl/pkg/config"
	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
)

// RegisterReader reads the registers of a thread.
type RegisterReader interface {
	ReadRegisters(thread target.ID) (*regs.AMD64, error)
}

// RegisterCache caches thread register blocks, one node per thread and
// register generation.
type RegisterCache struct {
	t   *Table[target.Handle, *regs.AMD64]
	src RegisterReader
}

// NewRegisterCache returns a register cache reading through src.
func NewRegisterCache(cfg *config.Config, src RegisterReader) *RegisterCache {
	c := &RegisterCache{src: src}
	c.t = NewTable(Options[target.Handle, *regs.AMD64]{
		Name:    "registers",
		Slots:   cfg.CacheSlots,
		Stripes: cfg.CacheStripes,
		Budget:  cfg.CacheNodeBudget,
		Policy:  NodePerGeneration,
		Hash:    target.Handle.Hash,
		Fill: func(ctx context.Context, thread target.Handle, _ Gen, _ *regs.AMD64, _ bool) (*regs.AMD64, bool, error) {
			r, err := c.src.ReadRegisters(thread.ID)
			return r, false, err
		},
	})
	return c
}

// Registers returns the registers of thread at register generation gen.
// The returned block is shared and must not be modified.
func (c *RegisterCache) Registers(ctx context.Context, sc *Scope, thread target.Handle, gen uint64) (*regs.AMD64, Info) {
	return c.t.Get(ctx, sc, thread, Gen{gen})
}
