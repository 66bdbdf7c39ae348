package cache

import (
	"context"

	"github.com/radctl/radctl/pkg/callstack"
	"github.com/radctl/radctl/pkg/config"
	"github.com/radctl/radctl/pkg/target"
	"github.com/radctl/radctl/pkg/unwind"
)

// BuildFunc computes the call stack of a thread at a register and memory
// generation.
type BuildFunc func(ctx context.Context, thread target.Handle, regGen, memGen uint64) (*callstack.CallStack, error)

// CallStackCache caches call stacks, one node per thread and (register,
// memory) generation pair.
type CallStackCache struct {
	t *Table[target.Handle, *callstack.CallStack]
}

// NewCallStackCache returns a call stack cache filled by build.
func NewCallStackCache(cfg *config.Config, build BuildFunc) *CallStackCache {
	c := &CallStackCache{}
	c.t = NewTable(Options[target.Handle, *callstack.CallStack]{
		Name:    "callstacks",
		Slots:   cfg.CacheSlots,
		Stripes: cfg.CacheStripes,
		Budget:  cfg.CacheNodeBudget,
		Policy:  NodePerGeneration,
		Hash:    target.Handle.Hash,
		Fill: func(ctx context.Context, thread target.Handle, gen Gen, _ *callstack.CallStack, _ bool) (*callstack.CallStack, bool, error) {
			cs, err := build(ctx, thread, gen[0], gen[1])
			if err != nil {
				return nil, false, err
			}
			return cs, cs.Flags&unwind.FlagStale != 0, nil
		},
	})
	return c
}

// Table returns the underlying table.
func (c *CallStackCache) Table() *Table[target.Handle, *callstack.CallStack] { return c.t }

// CallStack returns the call stack of thread at the given generations.
func (c *CallStackCache) CallStack(ctx context.Context, sc *Scope, thread target.Handle, regGen, memGen uint64) (*callstack.CallStack, Info) {
	return c.t.Get(ctx, sc, thread, Gen{regGen, memGen})
}
