//go:build linux && amd64

package native

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/radctl/radctl/pkg/logflags"
	"github.com/radctl/radctl/pkg/regs"
	"github.com/radctl/radctl/pkg/target"
)

// ErrNoProcesses is returned by Run when no process is tracked.
var ErrNoProcesses = target.ErrNoProcesses

type process struct {
	id       target.ID
	pid      int
	path     string
	launched bool
	threads  map[int]*thread
	modules  map[string]*module
	stackEnd uint64
}

type thread struct {
	id      target.ID
	tid     int
	proc    *process
	running bool
	// stopPending is set while a SIGSTOP sent by stopAll has not been
	// reported yet.
	stopPending bool
}

type module struct {
	id target.ID
	mapping
}

// lastException remembers the signal that caused the last exception event
// so that the next Run can deliver it.
type lastException struct {
	th  *thread
	sig syscall.Signal
}

// Layer is the ptrace backed target.Layer.
type Layer struct {
	log logflags.Logger

	ptraceChan     chan func()
	ptraceDoneChan chan struct{}

	halt atomic.Bool

	mu      sync.Mutex
	nextID  target.ID
	procs   map[target.ID]*process
	threads map[target.ID]*thread
	modules map[target.ID]*module
	byTid   map[int]*thread
	// early holds clone children whose first stop was reported before the
	// clone event of their parent.
	early   map[int]bool
	pending []target.Event
	lastExc *lastException
	closed  bool
}

var _ target.Layer = (*Layer)(nil)

// New starts the ptrace goroutine and returns an empty layer.
func New() (*Layer, error) {
	l := &Layer{
		log:            logflags.TargetLogger(),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
		procs:          make(map[target.ID]*process),
		threads:        make(map[target.ID]*thread),
		modules:        make(map[target.ID]*module),
		byTid:          make(map[int]*thread),
		early:          make(map[int]bool),
	}
	go l.handlePtraceFuncs()
	return l, nil
}

func (l *Layer) newID() target.ID {
	l.nextID++
	return l.nextID
}

func openRedirects(paths [3]string) (files [3]*os.File, closefn func(), err error) {
	files = [3]*os.File{os.Stdin, os.Stdout, os.Stderr}
	var opened []*os.File
	closefn = func() {
		for _, f := range opened {
			f.Close()
		}
	}
	for i, path := range paths {
		if path == "" {
			continue
		}
		var f *os.File
		if i == 0 {
			f, err = os.Open(path)
		} else {
			f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		}
		if err != nil {
			closefn()
			return files, nil, err
		}
		opened = append(opened, f)
		files[i] = f
	}
	return files, closefn, nil
}

// Launch implements target.Layer.
func (l *Layer) Launch(cfg target.LaunchConfig) (target.ID, error) {
	path, err := exec.LookPath(cfg.Path)
	if err != nil {
		return 0, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	stdio, closefn, err := openRedirects(cfg.Stdio)
	if err != nil {
		return 0, err
	}

	var cmd *exec.Cmd
	l.execPtraceFunc(func() {
		cmd = exec.Command(path, cfg.Args...)
		cmd.Env = cfg.Env
		cmd.Dir = cfg.WorkingDir
		cmd.Stdin, cmd.Stdout, cmd.Stderr = stdio[0], stdio[1], stdio[2]
		cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}
		err = cmd.Start()
	})
	closefn()
	if err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	var ws sys.WaitStatus
	if _, err := sys.Wait4(pid, &ws, sys.WALL, nil); err != nil {
		return 0, fmt.Errorf("waiting for target execve failed: %v", err)
	}
	if !ws.Stopped() {
		return 0, fmt.Errorf("%s exited before it could be traced", path)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.newProcess(pid, path, true)
	if err := l.setOptions(pid); err != nil {
		return 0, err
	}
	l.addThread(p, pid)
	l.queueAttachEvents(p)
	l.log.Debugf("launched %s as %d", path, pid)
	return p.id, nil
}

// Attach implements target.Layer.
func (l *Layer) Attach(pid uint64) (target.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.procs {
		if uint64(p.pid) == pid {
			return 0, fmt.Errorf("process %d is already attached", pid)
		}
	}
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return 0, err
	}
	tids, err := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", pid))
	if err != nil {
		return 0, err
	}
	if err := l.attachThread(int(pid)); err != nil {
		return 0, err
	}
	p := l.newProcess(int(pid), path, false)
	l.addThread(p, int(pid))
	for _, tidpath := range tids {
		tid, err := strconv.Atoi(filepath.Base(tidpath))
		if err != nil || tid == int(pid) {
			continue
		}
		if err := l.attachThread(tid); err != nil {
			l.log.Warnf("could not attach to thread %d: %v", tid, err)
			continue
		}
		l.addThread(p, tid)
	}
	l.queueAttachEvents(p)
	return p.id, nil
}

func (l *Layer) attachThread(tid int) error {
	var err error
	l.execPtraceFunc(func() { err = sys.PtraceAttach(tid) })
	if err != nil {
		return fmt.Errorf("could not attach to %d: %v", tid, err)
	}
	var ws sys.WaitStatus
	if _, err := sys.Wait4(tid, &ws, sys.WALL, nil); err != nil {
		return err
	}
	if ws.Exited() {
		return fmt.Errorf("thread %d already exited", tid)
	}
	return l.setOptions(tid)
}

func (l *Layer) setOptions(tid int) error {
	var err error
	l.execPtraceFunc(func() { err = sys.PtraceSetOptions(tid, sys.PTRACE_O_TRACECLONE) })
	return err
}

func (l *Layer) newProcess(pid int, path string, launched bool) *process {
	p := &process{
		id:       l.newID(),
		pid:      pid,
		path:     path,
		launched: launched,
		threads:  make(map[int]*thread),
		modules:  make(map[string]*module),
	}
	l.procs[p.id] = p
	return p
}

func (l *Layer) addThread(p *process, tid int) *thread {
	th := &thread{id: l.newID(), tid: tid, proc: p}
	p.threads[tid] = th
	l.threads[th.id] = th
	l.byTid[tid] = th
	return th
}

func (l *Layer) removeThread(th *thread) {
	delete(th.proc.threads, th.tid)
	delete(l.threads, th.id)
	delete(l.byTid, th.tid)
	if l.lastExc != nil && l.lastExc.th == th {
		l.lastExc = nil
	}
}

func (l *Layer) queueAttachEvents(p *process) {
	l.pending = append(l.pending, target.Event{Kind: target.EventCreateProcess, Arch: target.ArchX64, Process: p.id, OSID: uint64(p.pid), String: p.path})
	mods := l.refreshModules(p)
	for _, th := range p.threads {
		l.pending = append(l.pending, l.threadEvent(target.EventCreateThread, th))
	}
	l.pending = append(l.pending, mods...)
	l.pending = append(l.pending, target.Event{Kind: target.EventHandshakeComplete, Process: p.id})
}

func (l *Layer) threadEvent(kind target.EventKind, th *thread) target.Event {
	ev := target.Event{Kind: kind, Arch: target.ArchX64, Process: th.proc.id, Thread: th.id, OSID: uint64(th.tid)}
	if kind != target.EventExitThread {
		var pr sys.PtraceRegs
		var err error
		l.execPtraceFunc(func() { err = sys.PtraceGetRegs(th.tid, &pr) })
		if err == nil {
			ev.IP = pr.Rip
			ev.TLSRoot = pr.Fs_base
		}
	}
	if th.tid == th.proc.pid {
		ev.StackBase = th.proc.stackEnd
	}
	return ev
}

// refreshModules diffs the mapped images of p against the known modules.
func (l *Layer) refreshModules(p *process) []target.Event {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return nil
	}
	images, stackEnd := parseMaps(f)
	f.Close()
	if stackEnd != 0 {
		p.stackEnd = stackEnd
	}

	var evs []target.Event
	seen := make(map[string]bool, len(images))
	for _, img := range images {
		seen[img.path] = true
		if m := p.modules[img.path]; m != nil {
			if m.base == img.base {
				m.end = img.end
				continue
			}
			evs = append(evs, l.unloadModule(p, m))
		}
		m := &module{id: l.newID(), mapping: img}
		p.modules[img.path] = m
		l.modules[m.id] = m
		evs = append(evs, target.Event{Kind: target.EventLoadModule, Arch: target.ArchX64, Process: p.id, Module: m.id, Address: m.base, Size: m.end - m.base, String: m.path})
	}
	for path, m := range p.modules {
		if !seen[path] {
			evs = append(evs, l.unloadModule(p, m))
		}
	}
	return evs
}

func (l *Layer) unloadModule(p *process, m *module) target.Event {
	delete(p.modules, m.path)
	delete(l.modules, m.id)
	return target.Event{Kind: target.EventUnloadModule, Process: p.id, Module: m.id, Address: m.base, Size: m.end - m.base, String: m.path}
}

// exitProcess forgets p and returns its exit events.
func (l *Layer) exitProcess(p *process, code uint32) []target.Event {
	var evs []target.Event
	for _, th := range p.threads {
		ev := l.threadEvent(target.EventExitThread, th)
		ev.Code = code
		evs = append(evs, ev)
		l.removeThread(th)
	}
	for _, m := range p.modules {
		delete(l.modules, m.id)
	}
	delete(l.procs, p.id)
	kept := l.pending[:0]
	for _, ev := range l.pending {
		if ev.Process != p.id {
			kept = append(kept, ev)
		}
	}
	l.pending = kept
	return append(evs, target.Event{Kind: target.EventExitProcess, Process: p.id, OSID: uint64(p.pid), Code: code})
}

func (l *Layer) process(id target.ID) (*process, error) {
	p, ok := l.procs[id]
	if !ok {
		return nil, target.NoProcessError{ID: id}
	}
	return p, nil
}

// Kill implements target.Layer. Linux does not let the debugger choose the
// exit status, exitCode is reported as is.
func (l *Layer) Kill(id target.ID, exitCode uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.process(id)
	if err != nil {
		return err
	}
	return l.kill(p, exitCode)
}

func (l *Layer) kill(p *process, exitCode uint32) error {
	if err := sys.Kill(p.pid, sys.SIGKILL); err != nil && err != sys.ESRCH {
		return fmt.Errorf("could not deliver signal: %v", err)
	}
	// Wait for other threads first or the thread group leader will never
	// exit.
	var ws sys.WaitStatus
	for tid := range p.threads {
		if tid != p.pid {
			sys.Wait4(tid, &ws, sys.WALL, nil)
		}
	}
	for {
		wpid, err := sys.Wait4(p.pid, &ws, sys.WALL, nil)
		if err != nil || (wpid == p.pid && (ws.Exited() || ws.Signaled())) {
			break
		}
	}
	l.pending = append(l.pending, l.exitProcess(p, exitCode)...)
	return nil
}

// Detach implements target.Layer.
func (l *Layer) Detach(id target.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.process(id)
	if err != nil {
		return err
	}
	return l.detach(p)
}

func (l *Layer) detach(p *process) error {
	for tid := range p.threads {
		var err error
		l.execPtraceFunc(func() { err = ptraceDetach(tid, 0) })
		if err != nil && err != sys.ESRCH {
			return err
		}
	}
	l.exitProcess(p, 0)
	// A SIGSTOP sent by stopAll may still be pending.
	time.Sleep(50 * time.Millisecond)
	if procState(p.pid) == 'T' {
		sys.Kill(p.pid, sys.SIGCONT)
	}
	return nil
}

// procState returns the state letter of /proc/<pid>/stat.
func procState(pid int) byte {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	i := strings.LastIndexByte(string(buf), ')')
	if i < 0 || i+2 >= len(buf) {
		return 0
	}
	return buf[i+2]
}

// Halt implements target.Layer.
func (l *Layer) Halt() error {
	l.halt.Store(true)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.procs {
		if err := sys.Tgkill(p.pid, p.pid, sys.SIGSTOP); err != nil && err != sys.ESRCH {
			return err
		}
	}
	return nil
}

func (l *Layer) popPending() (target.Event, bool) {
	if len(l.pending) == 0 {
		return target.Event{}, false
	}
	ev := l.pending[0]
	l.pending = l.pending[1:]
	return ev, true
}

// resume continues or single steps th, delivering sig.
func (l *Layer) resume(th *thread, sig int, step bool) error {
	var err error
	l.execPtraceFunc(func() {
		if step {
			err = ptraceSingleStep(th.tid, sig)
		} else {
			err = sys.PtraceCont(th.tid, sig)
		}
	})
	if err == sys.ESRCH {
		// The exit of the thread will be reported by wait.
		err = nil
	}
	th.running = err == nil
	return err
}

// takeException returns the thread and signal to deliver on the next
// resume, if the exception is to be passed.
func (l *Layer) takeException(pass bool) (*thread, int) {
	exc := l.lastExc
	l.lastExc = nil
	if exc == nil || !pass {
		return nil, 0
	}
	return exc.th, int(exc.sig)
}

// Run implements target.Layer.
func (l *Layer) Run(ctl target.RunControl) (target.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev, ok := l.popPending(); ok {
		return ev, nil
	}
	if len(l.procs) == 0 {
		return target.Event{}, ErrNoProcesses
	}
	passTh, passSig := l.takeException(ctl.PassException)

	wpid := -1
	step := false
	if ctl.SingleStepThread != 0 {
		th, ok := l.threads[ctl.SingleStepThread]
		if !ok {
			return target.Event{}, fmt.Errorf("no such thread %#x", uint64(ctl.SingleStepThread))
		}
		sig := 0
		if th == passTh {
			sig = passSig
		}
		if err := l.resume(th, sig, true); err != nil {
			return target.Event{}, err
		}
		wpid, step = th.tid, true
	} else {
		for _, th := range l.threads {
			if th.running || ctl.Frozen[th.id] {
				continue
			}
			sig := 0
			if th == passTh {
				sig = passSig
			}
			if err := l.resume(th, sig, false); err != nil {
				return target.Event{}, err
			}
		}
	}

	for {
		var ws sys.WaitStatus
		l.mu.Unlock()
		tid, err := sys.Wait4(wpid, &ws, sys.WALL, nil)
		l.mu.Lock()
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return target.Event{}, fmt.Errorf("wait: %v", err)
		}
		th := l.byTid[tid]
		if th == nil {
			if ws.Stopped() {
				l.early[tid] = true
			}
			continue
		}
		evs, err := l.handleWait(th, ws, step)
		if err != nil {
			return target.Event{}, err
		}
		if len(evs) == 0 {
			continue
		}
		p := th.proc
		if err := l.stopAll(); err != nil {
			return target.Event{}, err
		}
		if _, alive := l.procs[p.id]; alive && !step {
			l.pending = append(l.pending, l.refreshModules(p)...)
		}
		// Events collected by stopAll come after the one that stopped the
		// run.
		l.pending = append(evs, l.pending...)
		ev, _ := l.popPending()
		return ev, nil
	}
}

// handleWait translates a wait status of th. A nil result means the thread
// was resumed and waiting continues.
func (l *Layer) handleWait(th *thread, ws sys.WaitStatus, step bool) ([]target.Event, error) {
	p := th.proc
	switch {
	case ws.Exited(), ws.Signaled():
		code := uint32(ws.ExitStatus())
		if ws.Signaled() {
			code = 128 + uint32(ws.Signal())
		}
		if th.tid == p.pid {
			return l.exitProcess(p, code), nil
		}
		ev := l.threadEvent(target.EventExitThread, th)
		ev.Code = code
		l.removeThread(th)
		return []target.Event{ev}, nil
	case !ws.Stopped():
		return nil, nil
	}
	th.running = false
	sig := ws.StopSignal()

	if sig == sys.SIGTRAP && ws.TrapCause() > 0 {
		if ws.TrapCause() == sys.PTRACE_EVENT_CLONE {
			return l.onClone(th)
		}
		return nil, l.resume(th, 0, step)
	}

	switch sig {
	case sys.SIGTRAP:
		if step {
			return []target.Event{l.threadEvent(target.EventSingleStep, th)}, nil
		}
		ev := l.threadEvent(target.EventBreakpoint, th)
		var b [1]byte
		if n, _ := l.readMemory(p, ev.IP-1, b[:]); n == 1 && b[0] == 0xCC {
			ev.Address = ev.IP - 1
			return []target.Event{ev}, nil
		}
		return []target.Event{l.exception(th, sig)}, nil
	case sys.SIGSTOP:
		th.stopPending = false
		if l.halt.Swap(false) {
			return []target.Event{l.threadEvent(target.EventHalt, th)}, nil
		}
		return nil, l.resume(th, 0, step)
	case sys.SIGSEGV, sys.SIGBUS, sys.SIGILL, sys.SIGFPE:
		return []target.Event{l.exception(th, sig)}, nil
	}
	l.log.Debugf("forwarding %v to thread %d", sig, th.tid)
	return nil, l.resume(th, int(sig), step)
}

func (l *Layer) exception(th *thread, sig syscall.Signal) target.Event {
	ev := l.threadEvent(target.EventException, th)
	ev.FirstChance = true
	ev.Address = ev.IP
	switch sig {
	case sys.SIGSEGV, sys.SIGBUS:
		ev.Code = target.ExceptionCodeAccessViolation
		ev.Access = target.AccessRead
		var addr uint64
		var err error
		l.execPtraceFunc(func() { addr, err = ptraceFaultAddr(th.tid) })
		if err == nil {
			info := uint64(0)
			if addr == ev.IP {
				ev.Access, info = target.AccessExecute, 8
			}
			ev.Address = addr
			ev.Args = []uint64{info, addr}
		}
	case sys.SIGILL:
		ev.Code = target.ExceptionCodeIllegalInstruction
	case sys.SIGFPE:
		ev.Code = target.ExceptionCodeIntDivideByZero
	default:
		ev.Code = target.ExceptionCodeBreakpoint
	}
	l.lastExc = &lastException{th: th, sig: sig}
	return ev
}

func (l *Layer) onClone(parent *thread) ([]target.Event, error) {
	var msg uint
	var err error
	l.execPtraceFunc(func() { msg, err = sys.PtraceGetEventMsg(parent.tid) })
	if err != nil {
		return nil, fmt.Errorf("could not get event message: %v", err)
	}
	tid := int(msg)
	if !l.early[tid] {
		var ws sys.WaitStatus
		if _, err := sys.Wait4(tid, &ws, sys.WALL, nil); err != nil {
			return nil, err
		}
	}
	delete(l.early, tid)
	th := l.addThread(parent.proc, tid)
	return []target.Event{l.threadEvent(target.EventCreateThread, th)}, nil
}

// stopAll stops every running thread. Events raised meanwhile are queued.
func (l *Layer) stopAll() error {
	for _, th := range l.threads {
		if !th.running || th.stopPending {
			continue
		}
		if err := sys.Tgkill(th.proc.pid, th.tid, sys.SIGSTOP); err != nil && err != sys.ESRCH {
			return err
		}
		th.stopPending = true
	}
	for {
		running := false
		for _, th := range l.threads {
			if th.running {
				running = true
				break
			}
		}
		if !running {
			return nil
		}
		var ws sys.WaitStatus
		tid, err := sys.Wait4(-1, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait: %v", err)
		}
		th := l.byTid[tid]
		if th == nil {
			if ws.Stopped() {
				l.early[tid] = true
			}
			continue
		}
		if ws.Stopped() && ws.StopSignal() == sys.SIGSTOP && th.stopPending {
			th.stopPending = false
			th.running = false
			continue
		}
		evs, err := l.handleWait(th, ws, false)
		if err != nil {
			return err
		}
		l.pending = append(l.pending, evs...)
	}
}

// memoryThread returns a stopped thread of p for ptrace memory access.
func memoryThread(p *process) int {
	for tid, th := range p.threads {
		if !th.running {
			return tid
		}
	}
	return p.pid
}

func (l *Layer) readMemory(p *process, addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := processVmRead(p.pid, uintptr(addr), buf)
	if err == nil && n == len(buf) {
		return n, nil
	}
	// process_vm_readv fails on pages the process can not read itself.
	tid := memoryThread(p)
	l.execPtraceFunc(func() { n, err = sys.PtracePeekData(tid, uintptr(addr), buf) })
	if n == 0 {
		return 0, target.InvalidAddressError{Address: addr}
	}
	return n, err
}

// ReadMemory implements target.Layer.
func (l *Layer) ReadMemory(id target.ID, addr uint64, buf []byte) (int, error) {
	l.mu.Lock()
	p, err := l.process(id)
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return l.readMemory(p, addr, buf)
}

// WriteMemory implements target.Layer. PTRACE_POKEDATA writes through page
// protections, which traps in code pages need.
func (l *Layer) WriteMemory(id target.ID, addr uint64, data []byte) error {
	l.mu.Lock()
	p, err := l.process(id)
	var tid int
	if err == nil {
		tid = memoryThread(p)
	}
	l.mu.Unlock()
	if err != nil || len(data) == 0 {
		return err
	}
	var n int
	l.execPtraceFunc(func() { n, err = sys.PtracePokeData(tid, uintptr(addr), data) })
	if err != nil {
		return err
	}
	if n != len(data) {
		return target.InvalidAddressError{Address: addr + uint64(n)}
	}
	return nil
}

func (l *Layer) tid(id target.ID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	th, ok := l.threads[id]
	if !ok {
		return 0, fmt.Errorf("no such thread %#x", uint64(id))
	}
	return th.tid, nil
}

// ReadRegisters implements target.Layer.
func (l *Layer) ReadRegisters(id target.ID) (*regs.AMD64, error) {
	tid, err := l.tid(id)
	if err != nil {
		return nil, err
	}
	var pr sys.PtraceRegs
	var fp [fpregsSize]byte
	var fperr error
	l.execPtraceFunc(func() {
		err = sys.PtraceGetRegs(tid, &pr)
		if err == nil {
			fperr = ptraceGetFpRegs(tid, &fp)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("could not read registers of thread %d: %v", tid, err)
	}
	if fperr != nil {
		return fromPtraceRegs(&pr, nil), nil
	}
	return fromPtraceRegs(&pr, &fp), nil
}

// WriteRegisters implements target.Layer.
func (l *Layer) WriteRegisters(id target.ID, r *regs.AMD64) error {
	tid, err := l.tid(id)
	if err != nil {
		return err
	}
	l.execPtraceFunc(func() {
		var pr sys.PtraceRegs
		var fp [fpregsSize]byte
		if err = sys.PtraceGetRegs(tid, &pr); err != nil {
			return
		}
		if err = ptraceGetFpRegs(tid, &fp); err != nil {
			return
		}
		toPtraceRegs(r, &pr, &fp)
		if err = sys.PtraceSetRegs(tid, &pr); err != nil {
			return
		}
		err = ptraceSetFpRegs(tid, &fp)
	})
	return err
}

// Arch implements target.Layer.
func (l *Layer) Arch(id target.ID) target.Arch {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.procs[id]; ok {
		return target.ArchX64
	}
	if _, ok := l.threads[id]; ok {
		return target.ArchX64
	}
	if _, ok := l.modules[id]; ok {
		return target.ArchX64
	}
	return target.ArchNull
}

// Close kills launched processes, detaches from attached ones and stops
// the ptrace goroutine.
func (l *Layer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	var errs []error
	for _, p := range l.procs {
		var err error
		if p.launched {
			err = l.kill(p, 0)
		} else {
			err = l.detach(p)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	l.pending = nil
	l.closed = true
	close(l.ptraceChan)
	return errors.Join(errs...)
}
