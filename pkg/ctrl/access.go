package ctrl

import (
	"context"
	"errors"
	"fmt"

	"github.com/radctl/radctl/pkg/cache"
	"github.com/radctl/radctl/pkg/callstack"
	"github.com/radctl/radctl/pkg/debuginfo"
	"github.com/radctl/radctl/pkg/entity"
	"github.com/radctl/radctl/pkg/image"
	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
	"github.com/radctl/radctl/pkg/trapnet"
	"github.com/radctl/radctl/pkg/unwind"
)

// The accessors below run on the caller's goroutine. Lookups without a
// deadline on ctx get the configured read timeout. Payloads stay valid
// until sc is closed.

func (c *Ctrl) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.ReadTimeout)
}

// ProcessMemory returns the memory of process in rng at the current memory
// generation. A zero terminated read stops at the first NUL byte.
func (c *Ctrl) ProcessMemory(ctx context.Context, sc *cache.Scope, process target.Handle, rng target.Range, zeroTerminated bool) (*cache.Memory, cache.Info) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	key := cache.MemoryKey{Process: process, Range: rng, ZeroTerminated: zeroTerminated}
	return c.mem.Read(ctx, sc, key, c.memGen.Load())
}

// PrefetchMemory asks the memory workers to read rng ahead of use.
func (c *Ctrl) PrefetchMemory(ctx context.Context, process target.Handle, rng target.Range) bool {
	return c.memq.Prefetch(ctx, cache.MemoryKey{Process: process, Range: rng}, c.memGen.Load())
}

// ThreadRegisters returns the registers of thread at the current register
// generation. The block is shared and must not be modified.
func (c *Ctrl) ThreadRegisters(ctx context.Context, sc *cache.Scope, thread target.Handle) (*regs.AMD64, cache.Info) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.regs.Registers(ctx, sc, thread, c.regGen.Load())
}

// CallStack returns the call stack of thread.
func (c *Ctrl) CallStack(ctx context.Context, sc *cache.Scope, thread target.Handle) (*callstack.CallStack, cache.Info) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.stacks.CallStack(ctx, sc, thread, c.regGen.Load(), c.memGen.Load())
}

// PrefetchCallStack asks the call stack workers to build the call stack of
// thread ahead of use.
func (c *Ctrl) PrefetchCallStack(ctx context.Context, thread target.Handle) bool {
	return c.stackq.Prefetch(ctx, thread, c.regGen.Load(), c.memGen.Load())
}

// ModuleImageInfo returns the image headers of module.
func (c *Ctrl) ModuleImageInfo(ctx context.Context, sc *cache.Scope, module target.Handle) (*image.Info, cache.Info) {
	m, ok := c.entity(module)
	if !ok || m.Kind != entity.KindModule {
		return nil, cache.Info{Err: fmt.Errorf("no module %s", module)}
	}
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.modules.ImageInfo(ctx, sc, m.ID)
}

// WriteMemory writes data into process memory and advances the memory
// generation.
func (c *Ctrl) WriteMemory(process target.Handle, addr uint64, data []byte) error {
	if c.running.Load() {
		return ErrRunning
	}
	if err := c.layer.WriteMemory(process.ID, addr, data); err != nil {
		return err
	}
	c.memGen.Add(1)
	return nil
}

// WriteRegisters replaces the registers of thread and advances the
// register generation.
func (c *Ctrl) WriteRegisters(thread target.Handle, r *regs.AMD64) error {
	if c.running.Load() {
		return ErrRunning
	}
	if err := c.layer.WriteRegisters(thread.ID, r); err != nil {
		return err
	}
	c.regGen.Add(1)
	return nil
}

// buildCallStack fills the call stack cache: registers and memory come
// from their caches at the requested generations, module headers from the
// module info cache.
func (c *Ctrl) buildCallStack(ctx context.Context, thread target.Handle, regGen, memGen uint64) (*callstack.CallStack, error) {
	sc := cache.OpenScope()
	defer sc.Close()
	r, info := c.regs.Registers(ctx, sc, thread, regGen)
	if !info.Found {
		if info.Err != nil {
			return nil, info.Err
		}
		return nil, context.DeadlineExceeded
	}
	proc, ok := c.processOf(thread)
	if !ok {
		return nil, fmt.Errorf("no thread %s", thread)
	}
	mods := c.moduleSet(ctx, sc, proc.ID)
	mem := c.mem.UnwindMemory(ctx, sc, proc.Handle, memGen)
	u := unwind.Full(ctx, mem, mods, r, c.cfg.MaxUnwindFrames)
	cs := callstack.Build(ctx, u, c.dbg, mods)
	if info.Stale {
		cs.Flags |= unwind.FlagStale
	}
	return cs, nil
}

// moduleSet maps the modules of a process for the unwinder and the call
// stack builder.
type moduleSet struct {
	mods []*unwind.Module
	dbg  []debuginfo.Module
}

func (c *Ctrl) moduleSet(ctx context.Context, sc *cache.Scope, process entity.ID) *moduleSet {
	es := c.store.OpenScope()
	ents := es.ChildrenOfKind(process, entity.KindModule)
	paths := make([]string, len(ents))
	for i, m := range ents {
		paths[i] = es.DebugInfoPath(m.ID)
	}
	es.Close()

	ms := &moduleSet{}
	for i, m := range ents {
		info, inf := c.modules.ImageInfo(ctx, sc, m.ID)
		if !inf.Found || info == nil {
			// Unwind by frame pointers across the module's range.
			info = &image.Info{Size: m.Range.Size()}
		}
		ms.mods = append(ms.mods, &unwind.Module{Base: m.Range.Min, Info: info})
		ms.dbg = append(ms.dbg, debuginfo.Module{Path: m.Name, DebugPath: paths[i]})
	}
	return ms
}

func (ms *moduleSet) ModuleFromVaddr(vaddr uint64) (*unwind.Module, bool) {
	for _, m := range ms.mods {
		if m.Contains(vaddr) {
			return m, true
		}
	}
	return nil, false
}

func (ms *moduleSet) DebugInfoModule(m *unwind.Module) (debuginfo.Module, bool) {
	for i, mm := range ms.mods {
		if mm == m {
			return ms.dbg[i], true
		}
	}
	return debuginfo.Module{}, false
}

// moduleLocator resolves module entities for the module info cache.
type moduleLocator struct {
	s *entity.Store
}

func (ml moduleLocator) ModuleBase(module entity.ID) (target.ID, uint64, bool) {
	sc := ml.s.OpenScope()
	defer sc.Close()
	m, ok := sc.Get(module)
	if !ok || m.Kind != entity.KindModule {
		return 0, 0, false
	}
	p, ok := sc.AncestorOfKind(module, entity.KindProcess)
	if !ok {
		return 0, 0, false
	}
	return p.Handle.ID, m.Range.Min, true
}

// stepContext returns the instruction pointer of thread and a reader of its
// process memory for the trap builders.
func (c *Ctrl) stepContext(ctx context.Context, sc *cache.Scope, thread target.Handle) (uint64, entity.Entity, *cache.PagedReader, error) {
	r, info := c.ThreadRegisters(ctx, sc, thread)
	if !info.Found {
		if info.Err != nil {
			return 0, entity.Entity{}, nil, info.Err
		}
		return 0, entity.Entity{}, nil, context.DeadlineExceeded
	}
	proc, ok := c.processOf(thread)
	if !ok {
		return 0, entity.Entity{}, nil, fmt.Errorf("no thread %s", thread)
	}
	return r.Rip, proc, c.mem.UnwindMemory(ctx, sc, proc.Handle, c.memGen.Load()), nil
}

// TrapNetStepOverInst returns the traps stepping thread over one
// instruction.
func (c *Ctrl) TrapNetStepOverInst(ctx context.Context, thread target.Handle) ([]trapnet.Trap, error) {
	sc := cache.OpenScope()
	defer sc.Close()
	ip, _, mem, err := c.stepContext(ctx, sc, thread)
	if err != nil {
		return nil, err
	}
	return trapnet.StepOverInst(mem, ip)
}

// TrapNetStepOverLine returns the traps stepping thread over the current
// source line.
func (c *Ctrl) TrapNetStepOverLine(ctx context.Context, thread target.Handle) ([]trapnet.Trap, error) {
	sc := cache.OpenScope()
	defer sc.Close()
	ip, proc, mem, err := c.stepContext(ctx, sc, thread)
	if err != nil {
		return nil, err
	}
	return trapnet.StepOverLine(mem, ip, c.lineRange(proc.ID, ip))
}

// TrapNetStepIntoLine returns the traps stepping thread into the current
// source line.
func (c *Ctrl) TrapNetStepIntoLine(ctx context.Context, thread target.Handle) ([]trapnet.Trap, error) {
	sc := cache.OpenScope()
	defer sc.Close()
	ip, proc, mem, err := c.stepContext(ctx, sc, thread)
	if err != nil {
		return nil, err
	}
	return trapnet.StepIntoLine(mem, ip, c.lineRange(proc.ID, ip))
}

// TrapNetStepOut returns the traps running thread until its current
// function returns.
func (c *Ctrl) TrapNetStepOut(ctx context.Context, thread target.Handle) ([]trapnet.Trap, error) {
	sc := cache.OpenScope()
	defer sc.Close()
	cs, info := c.CallStack(ctx, sc, thread)
	if !info.Found {
		if info.Err != nil {
			return nil, info.Err
		}
		return nil, context.DeadlineExceeded
	}
	if len(cs.Frames) < 2 {
		return nil, errors.New("no caller to step out to")
	}
	return trapnet.StepOut(cs.Frames[1].Regs.Rip), nil
}

// lineRange returns the address range of the source line containing ip,
// or an empty range when there is no line information.
func (c *Ctrl) lineRange(process entity.ID, ip uint64) target.Range {
	if c.dbg == nil {
		return target.Range{}
	}
	sc := c.store.OpenScope()
	m, ok := sc.ModuleFromVaddr(process, ip)
	var dm debuginfo.Module
	if ok {
		dm = debuginfo.Module{Path: m.Name, DebugPath: sc.DebugInfoPath(m.ID)}
	}
	sc.Close()
	if !ok {
		return target.Range{}
	}
	line, ok := c.dbg.LineFromVoff(dm, ip-m.Range.Min)
	if !ok {
		return target.Range{}
	}
	return target.Range{Min: m.Range.Min + line.Range.Min, Max: m.Range.Min + line.Range.Max}
}
