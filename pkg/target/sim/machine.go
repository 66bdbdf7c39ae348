// Package sim implements target.Layer on top of a deterministic simulated
// x64 machine. Programs are assembled with Asm and installed by path; the
// machine interprets them instruction by instruction and reports process,
// thread, module, memory and exception events the way an OS debugging API
// does.
package sim

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/radctl/radctl/pkg/debuginfo"
	"github.com/radctl/radctl/pkg/logflags"
	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
)

// Program is an executable that can be launched on the machine.
type Program struct {
	Main *Image
	// Libs are the modules the program can load at run time with
	// SysLoadModule, by index.
	Libs []*Image
}

// Config tunes the machine.
type Config struct {
	// Quantum is the number of instructions a thread runs before the
	// scheduler moves to the next one.
	Quantum int
	// StepBudget bounds the instructions executed by one Run call. When it
	// is exhausted Run reports EventHalt.
	StepBudget int
	// StackSize is the size of every thread stack.
	StackSize uint64
}

// DefaultConfig returns the default machine configuration.
func DefaultConfig() Config {
	return Config{Quantum: 64, StepBudget: 1 << 22, StackSize: 0x10000}
}

// ErrNoProcesses is returned by Run when no process is tracked.
var ErrNoProcesses = target.ErrNoProcesses

const (
	mainImageBase = 0x400000
	libImageBase  = 0x7f0000000000
	libImageSpan  = 0x100000
	stackTop      = 0x7ff000000000
	heapBase      = 0x10000000
	tlsBase       = 0x7ffe00000000
)

type module struct {
	id   target.ID
	img  *Image
	base uint64
	size uint64
}

type thread struct {
	id        target.ID
	osid      uint64
	proc      *process
	regs      regs.AMD64
	stackBase uint64
	tls       uint64
	exited    bool
	yield     bool
}

type process struct {
	id       target.ID
	pid      uint64
	prog     *Program
	path     string
	mem      addressSpace
	threads  []*thread
	modules  []*module
	tracked  bool
	exited   bool
	nextHeap uint64
	nextLib  int
}

// lastException is the last exception reported to the debugger, kept
// until the next Run decides whether to pass it.
type lastException struct {
	t           *thread
	ev          target.Event
	firstChance bool
}

// Machine is a simulated machine. Run, Launch, Attach, Kill and Detach
// must be called from one goroutine; memory and register access and Halt
// may be called from any goroutine.
type Machine struct {
	cfg Config

	mu       sync.Mutex
	programs map[string]*Program
	debug    *debuginfo.Table
	nextID   target.ID
	nextOSID uint64
	procs    map[target.ID]*process
	threads  map[target.ID]*thread
	modules  map[target.ID]*module
	pending  []target.Event
	lastExc  *lastException
	rr       int

	halt atomic.Bool
	wake chan struct{}
	log  logflags.Logger
}

// New returns an empty machine.
func New(cfg Config) *Machine {
	def := DefaultConfig()
	if cfg.Quantum <= 0 {
		cfg.Quantum = def.Quantum
	}
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = def.StepBudget
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = def.StackSize
	}
	return &Machine{
		cfg:      cfg,
		programs: make(map[string]*Program),
		debug:    debuginfo.NewTable(),
		nextID:   0x100,
		nextOSID: 1000,
		procs:    make(map[target.ID]*process),
		threads:  make(map[target.ID]*thread),
		modules:  make(map[target.ID]*module),
		wake:     make(chan struct{}, 1),
		log:      logflags.TargetLogger(),
	}
}

// Install makes p launchable at the path of its main image and registers
// the debug info of every image.
func (m *Machine) Install(p *Program) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.programs[p.Main.Path] = p
	m.debug.Add(p.Main.Path, p.Main.Debug)
	for _, l := range p.Libs {
		m.debug.Add(l.Path, l.Debug)
	}
}

// DebugInfo returns the debug info of every installed image.
func (m *Machine) DebugInfo() *debuginfo.Table { return m.debug }

func (m *Machine) newID() target.ID {
	m.nextID++
	return m.nextID
}

func (m *Machine) newOSID() uint64 {
	m.nextOSID++
	return m.nextOSID
}

func (m *Machine) queue(ev target.Event) {
	if ev.Arch == target.ArchNull {
		ev.Arch = target.ArchX64
	}
	m.pending = append(m.pending, ev)
}

// spawn creates a process running prog, stopped at its entry point.
func (m *Machine) spawn(path string, args []string) (*process, error) {
	prog, ok := m.programs[path]
	if !ok {
		return nil, fmt.Errorf("%s: no such program", path)
	}
	p := &process{id: m.newID(), pid: m.newOSID(), prog: prog, path: path, nextHeap: heapBase}
	mod, err := m.mapImage(p, prog.Main, mainImageBase)
	if err != nil {
		return nil, err
	}
	t := m.newThread(p, mod.base+prog.Main.Entry, uint64(len(args)))
	m.procs[p.id] = p
	m.log.Debugf("spawned %s pid=%d thread=%d", path, p.pid, t.osid)
	return p, nil
}

func (m *Machine) mapImage(p *process, img *Image, base uint64) (*module, error) {
	size := alignUp(uint64(len(img.Data)))
	if !p.mem.free(base, size) {
		return nil, fmt.Errorf("%s: address %#x is in use", img.Path, base)
	}
	r := p.mem.mapRegion(base, size, permRead)
	copy(r.data, img.Data)
	for _, s := range img.Sections {
		pr := permRead
		if s.Exec {
			pr |= permExec
		}
		if s.Write {
			pr |= permWrite
		}
		for a := uint64(s.Voff); a < uint64(s.Voff)+uint64(len(s.Data)); a += pageSize {
			r.perms[a/pageSize] = pr
		}
	}
	mod := &module{id: m.newID(), img: img, base: base, size: size}
	p.modules = append(p.modules, mod)
	m.modules[mod.id] = mod
	return mod, nil
}

func (m *Machine) newThread(p *process, entry, arg uint64) *thread {
	size := m.cfg.StackSize
	top := stackTop - uint64(m.nextOSID)*(size+pageSize)
	p.mem.mapRegion(top-size, size, permRW)
	tls := tlsBase + uint64(m.nextOSID)*pageSize
	p.mem.mapRegion(tls, pageSize, permRW)
	t := &thread{id: m.newID(), osid: m.newOSID(), proc: p, stackBase: top, tls: tls}
	// The initial return address is zero: returning from the entry
	// function ends the thread.
	t.regs.Rsp = top - 8
	t.regs.Rip = entry
	t.regs.Rdi = arg
	t.regs.FsBase = tls
	t.regs.Rflags = 0x202
	p.threads = append(p.threads, t)
	m.threads[t.id] = t
	return t
}

func (m *Machine) queueAttachEvents(p *process) {
	m.queue(target.Event{Kind: target.EventCreateProcess, Process: p.id, OSID: p.pid, String: p.path})
	for _, t := range p.threads {
		m.queue(threadEvent(target.EventCreateThread, t))
	}
	for _, mod := range p.modules {
		m.queue(moduleEvent(target.EventLoadModule, p, mod))
	}
	m.queue(target.Event{Kind: target.EventHandshakeComplete, Process: p.id})
}

func threadEvent(kind target.EventKind, t *thread) target.Event {
	return target.Event{
		Kind:      kind,
		Arch:      target.ArchX64,
		Process:   t.proc.id,
		Thread:    t.id,
		OSID:      t.osid,
		IP:        t.regs.Rip,
		StackBase: t.stackBase,
		TLSRoot:   t.tls,
	}
}

func moduleEvent(kind target.EventKind, p *process, mod *module) target.Event {
	return target.Event{
		Kind:    kind,
		Process: p.id,
		Module:  mod.id,
		Address: mod.base,
		Size:    mod.size,
		String:  mod.img.Path,
	}
}

// Launch implements target.Layer.
func (m *Machine) Launch(cfg target.LaunchConfig) (target.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.spawn(cfg.Path, cfg.Args)
	if err != nil {
		return 0, err
	}
	p.tracked = true
	m.queueAttachEvents(p)
	return p.id, nil
}

// Spawn starts a program without tracking it, for Attach.
func (m *Machine) Spawn(path string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.spawn(path, nil)
	if err != nil {
		return 0, err
	}
	return p.pid, nil
}

// Attach implements target.Layer.
func (m *Machine) Attach(pid uint64) (target.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.procs {
		if p.pid != pid {
			continue
		}
		if p.tracked {
			return 0, fmt.Errorf("process %d is already attached", pid)
		}
		p.tracked = true
		m.queueAttachEvents(p)
		return p.id, nil
	}
	return 0, fmt.Errorf("no process with pid %d", pid)
}

// Kill implements target.Layer.
func (m *Machine) Kill(id target.ID, exitCode uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok || !p.tracked {
		return target.NoProcessError{ID: id}
	}
	m.exitProcess(p, exitCode)
	return nil
}

// Detach implements target.Layer.
func (m *Machine) Detach(id target.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok || !p.tracked {
		return target.NoProcessError{ID: id}
	}
	p.tracked = false
	kept := m.pending[:0]
	for _, ev := range m.pending {
		if ev.Process != id {
			kept = append(kept, ev)
		}
	}
	m.pending = kept
	if m.lastExc != nil && m.lastExc.t.proc == p {
		m.lastExc = nil
	}
	return nil
}

func (m *Machine) exitThread(t *thread, code uint32) {
	if t.exited {
		return
	}
	t.exited = true
	ev := threadEvent(target.EventExitThread, t)
	ev.Code = code
	if t.proc.tracked {
		m.queue(ev)
	}
	delete(m.threads, t.id)
}

func (m *Machine) exitProcess(p *process, code uint32) {
	if p.exited {
		return
	}
	for _, t := range p.threads {
		m.exitThread(t, code)
	}
	p.exited = true
	for _, mod := range p.modules {
		delete(m.modules, mod.id)
	}
	if p.tracked {
		m.queue(target.Event{Kind: target.EventExitProcess, Process: p.id, OSID: p.pid, Code: code})
	}
	delete(m.procs, p.id)
	if m.lastExc != nil && m.lastExc.t.proc == p {
		m.lastExc = nil
	}
}

// Halt implements target.Layer.
func (m *Machine) Halt() error {
	m.halt.Store(true)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run implements target.Layer.
func (m *Machine) Run(ctl target.RunControl) (target.Event, error) {
	m.mu.Lock()
	if ev, ok := m.popPending(); ok {
		m.mu.Unlock()
		return ev, nil
	}
	if m.lastExc != nil {
		exc := m.lastExc
		m.lastExc = nil
		if ctl.PassException && !exc.t.exited {
			m.passException(exc)
			if ev, ok := m.popPending(); ok {
				m.mu.Unlock()
				return ev, nil
			}
		}
	}
	if !m.anyTracked() {
		m.mu.Unlock()
		return target.Event{}, ErrNoProcesses
	}
	if ctl.SingleStepThread != 0 {
		defer m.mu.Unlock()
		t, ok := m.threads[ctl.SingleStepThread]
		if !ok || !t.proc.tracked {
			return target.Event{}, fmt.Errorf("no such thread %#x", uint64(ctl.SingleStepThread))
		}
		if ev, ok := m.execute(t); ok {
			return ev, nil
		}
		return threadEvent(target.EventSingleStep, t), nil
	}
	m.mu.Unlock()

	budget := m.cfg.StepBudget
	for {
		if m.halt.Swap(false) {
			return m.haltEvent(), nil
		}
		m.mu.Lock()
		runnable := m.runnable(ctl.Frozen)
		if len(runnable) == 0 {
			m.mu.Unlock()
			<-m.wake
			continue
		}
		t := runnable[m.rr%len(runnable)]
		m.rr++
		for i := 0; i < m.cfg.Quantum && !t.exited; i++ {
			budget--
			if ev, ok := m.execute(t); ok {
				m.mu.Unlock()
				return ev, nil
			}
			if ev, ok := m.popPending(); ok {
				m.mu.Unlock()
				return ev, nil
			}
			if t.yield {
				t.yield = false
				break
			}
		}
		m.mu.Unlock()
		if budget <= 0 {
			m.log.Debugf("step budget exhausted")
			return m.haltEvent(), nil
		}
	}
}

func (m *Machine) haltEvent() target.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.sortedThreads() {
		if t.proc.tracked {
			return threadEvent(target.EventHalt, t)
		}
	}
	return target.Event{Kind: target.EventHalt, Arch: target.ArchX64}
}

func (m *Machine) popPending() (target.Event, bool) {
	if len(m.pending) == 0 {
		return target.Event{}, false
	}
	ev := m.pending[0]
	m.pending = m.pending[1:]
	return ev, true
}

func (m *Machine) anyTracked() bool {
	for _, p := range m.procs {
		if p.tracked {
			return true
		}
	}
	return false
}

func (m *Machine) sortedThreads() []*thread {
	out := make([]*thread, 0, len(m.threads))
	for _, t := range m.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Machine) runnable(frozen map[target.ID]bool) []*thread {
	var out []*thread
	for _, t := range m.sortedThreads() {
		if t.proc.tracked && !t.exited && !frozen[t.id] {
			out = append(out, t)
		}
	}
	return out
}

// passException delivers the last exception to the program, which has no
// handlers: a first chance exception comes back as second chance, a
// second chance exception terminates the process.
func (m *Machine) passException(exc *lastException) {
	if exc.firstChance {
		ev := exc.ev
		ev.FirstChance = false
		m.lastExc = &lastException{t: exc.t, ev: ev}
		m.queue(ev)
		return
	}
	m.exitProcess(exc.t.proc, exc.ev.Code)
}

// execute runs one instruction of t and returns the event it raised.
func (m *Machine) execute(t *thread) (target.Event, bool) {
	c := cpu{r: &t.regs, mem: &t.proc.mem}
	tr := c.step()
	if tr == nil {
		return target.Event{}, false
	}
	switch {
	case tr.exit:
		m.threadReturned(t)
		return m.popPending()
	case tr.sys:
		m.syscall(t)
		return m.popPending()
	}
	ev := threadEvent(tr.kind, t)
	ev.Address = tr.addr
	if tr.kind == target.EventException {
		ev.Code = tr.code
		ev.Access = tr.access
		ev.Args = tr.args
		ev.FirstChance = true
		m.lastExc = &lastException{t: t, ev: ev, firstChance: true}
	}
	return ev, true
}

func (m *Machine) threadReturned(t *thread) {
	code := uint32(t.regs.Rax)
	if t == t.proc.threads[0] {
		m.exitProcess(t.proc, code)
		return
	}
	m.exitThread(t, code)
}

func (m *Machine) syscall(t *thread) {
	p := t.proc
	r := &t.regs
	switch r.Rax {
	case SysExit:
		m.exitProcess(p, uint32(r.Rdi))
	case SysThreadCreate:
		nt := m.newThread(p, r.Rdi, r.Rsi)
		r.Rax = nt.osid
		m.queue(threadEvent(target.EventCreateThread, nt))
	case SysThreadExit:
		if t == p.threads[0] {
			m.exitProcess(p, uint32(r.Rdi))
			return
		}
		m.exitThread(t, uint32(r.Rdi))
	case SysLoadModule:
		if r.Rdi >= uint64(len(p.prog.Libs)) {
			r.Rax = 0
			return
		}
		base := libImageBase + uint64(p.nextLib)*libImageSpan
		p.nextLib++
		mod, err := m.mapImage(p, p.prog.Libs[r.Rdi], base)
		if err != nil {
			r.Rax = 0
			return
		}
		r.Rax = mod.base
		m.queue(moduleEvent(target.EventLoadModule, p, mod))
	case SysUnloadModule:
		for i, mod := range p.modules {
			if mod.base == r.Rdi && i > 0 {
				p.mem.unmap(mod.base)
				p.modules = append(p.modules[:i], p.modules[i+1:]...)
				delete(m.modules, mod.id)
				m.queue(moduleEvent(target.EventUnloadModule, p, mod))
				break
			}
		}
	case SysDebugString:
		ev := threadEvent(target.EventDebugString, t)
		ev.String = m.cstring(p, r.Rdi)
		m.queue(ev)
	case SysRaise:
		ev := threadEvent(target.EventException, t)
		ev.Code = uint32(r.Rdi)
		ev.Address = r.Rip
		ev.Args = []uint64{r.Rsi, r.Rdx}
		ev.FirstChance = true
		m.lastExc = &lastException{t: t, ev: ev, firstChance: true}
		m.queue(ev)
	case SysCommit:
		size := alignUp(r.Rdi)
		if size == 0 {
			size = pageSize
		}
		base := p.nextHeap
		p.nextHeap += size + pageSize
		p.mem.mapRegion(base, size, permRW)
		r.Rax = base
		ev := threadEvent(target.EventMemCommit, t)
		ev.Address, ev.Size = base, size
		m.queue(ev)
	case SysRelease:
		reg, ok := p.mem.unmap(r.Rdi)
		if !ok {
			r.Rax = ^uint64(0)
			return
		}
		r.Rax = 0
		ev := threadEvent(target.EventMemRelease, t)
		ev.Address, ev.Size = reg.base, uint64(len(reg.data))
		m.queue(ev)
	case SysYield:
		t.yield = true
	default:
		r.Rax = ^uint64(0)
	}
}

const maxString = 4096

func (m *Machine) cstring(p *process, addr uint64) string {
	buf := make([]byte, 256)
	var out []byte
	for len(out) < maxString {
		n, _ := p.mem.read(addr, buf)
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return string(append(out, buf[:i]...))
		}
		out = append(out, buf[:n]...)
		if n < len(buf) {
			break
		}
		addr += uint64(n)
	}
	return string(out)
}

func (m *Machine) process(id target.ID) (*process, error) {
	p, ok := m.procs[id]
	if !ok {
		return nil, target.NoProcessError{ID: id}
	}
	if p.exited {
		return nil, target.ErrProcessExited
	}
	return p, nil
}

// ReadMemory implements target.Layer.
func (m *Machine) ReadMemory(id target.ID, addr uint64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.process(id)
	if err != nil {
		return 0, err
	}
	return p.mem.read(addr, buf)
}

// WriteMemory implements target.Layer.
func (m *Machine) WriteMemory(id target.ID, addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.process(id)
	if err != nil {
		return err
	}
	return p.mem.write(addr, data)
}

// ReadRegisters implements target.Layer.
func (m *Machine) ReadRegisters(id target.ID) (*regs.AMD64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, fmt.Errorf("no such thread %#x", uint64(id))
	}
	return t.regs.Clone(), nil
}

// WriteRegisters implements target.Layer.
func (m *Machine) WriteRegisters(id target.ID, r *regs.AMD64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return fmt.Errorf("no such thread %#x", uint64(id))
	}
	t.regs = *r
	return nil
}

// Arch implements target.Layer.
func (m *Machine) Arch(id target.ID) target.Arch {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.procs[id]; ok {
		return target.ArchX64
	}
	if _, ok := m.threads[id]; ok {
		return target.ArchX64
	}
	if _, ok := m.modules[id]; ok {
		return target.ArchX64
	}
	return target.ArchNull
}

// Close implements target.Layer.
func (m *Machine) Close() error {
	m.Halt()
	return nil
}

var _ target.Layer = (*Machine)(nil)
