package ctrl

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/radctl/radctl/pkg/entity"
	"github.com/radctl/radctl/pkg/protocol"
	"github.com/radctl/radctl/pkg/target"
)

// errInterrupted is returned when a pump is halted before its events
// arrived.
var errInterrupted = errors.New("interrupted before the target answered")

func (c *Ctrl) dispatch(msg *protocol.Message) {
	c.msgID = msg.ID
	c.log.Debugf("dispatch %s id=%d target=%s", msg.Kind, msg.ID, msg.Target)

	var err error
	switch msg.Kind {
	case protocol.MsgLaunch:
		err = c.launch(msg)
	case protocol.MsgAttach:
		err = c.attach(msg)
	case protocol.MsgKill:
		err = c.kill(msg.Target, msg.ExitCode)
	case protocol.MsgKillAll:
		err = c.killAll(msg.ExitCode)
	case protocol.MsgDetach:
		err = c.detach(msg.Target)
	case protocol.MsgRun, protocol.MsgSingleStep:
		c.run(msg)
	case protocol.MsgSetEntryPoints:
		c.setEntryPoints(msg.EntryPoints)
	case protocol.MsgSetModuleDebugPath:
		err = c.setModuleDebugPath(msg.Target, msg.Path)
	case protocol.MsgFreezeThread:
		err = c.freeze(msg.Target, true)
	case protocol.MsgThawThread:
		err = c.freeze(msg.Target, false)
	default:
		err = fmt.Errorf("unknown message kind %s", msg.Kind)
	}
	if err != nil {
		c.log.Errorf("%s: %v", msg.Kind, err)
		c.emit(protocol.Event{Kind: protocol.EventError, Target: msg.Target, String: err.Error()})
	}
}

// openSession emits Started unless a session is already open.
func (c *Ctrl) openSession() {
	if c.session {
		return
	}
	c.session = true
	c.emit(protocol.Event{Kind: protocol.EventStarted})
}

// abortSession closes a session that a failed launch or attach left
// without any process to run.
func (c *Ctrl) abortSession(err error) {
	if !c.session || len(c.processes()) > 0 {
		return
	}
	c.session = false
	c.emit(protocol.Event{Kind: protocol.EventStopped, Cause: protocol.CauseError, String: err.Error()})
}

func (c *Ctrl) launch(msg *protocol.Message) error {
	if msg.Path == "" {
		return errors.New("no executable path")
	}
	env := msg.Env
	if msg.InheritEnv {
		env = append(os.Environ(), msg.Env...)
	}
	if len(msg.EntryPoints) > 0 {
		c.setEntryPoints(msg.EntryPoints)
	}
	c.openSession()
	pid, err := c.layer.Launch(target.LaunchConfig{
		Path:       msg.Path,
		Args:       msg.CmdLine,
		Env:        env,
		WorkingDir: msg.WorkingDir,
		Stdio:      msg.Stdio,
	})
	if err != nil {
		err = fmt.Errorf("launching %s: %w", msg.Path, err)
		c.abortSession(err)
		return err
	}
	if err := c.handshake(pid); err != nil {
		c.abortSession(err)
		return err
	}
	return nil
}

func (c *Ctrl) attach(msg *protocol.Message) error {
	c.openSession()
	pid, err := c.layer.Attach(msg.EntityID)
	if err != nil {
		err = fmt.Errorf("attaching to %d: %w", msg.EntityID, err)
		c.abortSession(err)
		return err
	}
	if err := c.handshake(pid); err != nil {
		c.abortSession(err)
		return err
	}
	return nil
}

// handshake pumps the layer until process pid is fully described.
func (c *Ctrl) handshake(pid target.ID) error {
	return c.pump(func(ev target.Event) bool {
		return ev.Process == pid && (ev.Kind == target.EventHandshakeComplete || ev.Kind == target.EventExitProcess)
	})
}

// pump runs the layer with every thread frozen, applying lifecycle events,
// until done accepts one. The wait is bounded by the kill timeout.
func (c *Ctrl) pump(done func(target.Event) bool) error {
	c.running.Store(true)
	defer c.running.Store(false)
	timer := time.AfterFunc(c.cfg.KillTimeout, func() {
		c.layer.Halt()
	})
	defer timer.Stop()
	for {
		ev, err := c.layer.Run(target.RunControl{Frozen: c.allThreads()})
		if err != nil {
			return err
		}
		switch ev.Kind {
		case target.EventHalt:
			return errInterrupted
		case target.EventBreakpoint, target.EventException, target.EventSingleStep:
			c.log.Debugf("ignoring %s while waiting for the target", ev.Summary())
		default:
			c.apply(ev)
		}
		if done(ev) {
			return nil
		}
	}
}

func (c *Ctrl) allThreads() map[target.ID]bool {
	sc := c.store.OpenScope()
	defer sc.Close()
	all := make(map[target.ID]bool)
	sc.Walk(c.store.LocalMachine(), func(e entity.Entity, _ int) bool {
		if e.Kind == entity.KindThread {
			all[e.Handle.ID] = true
		}
		return true
	})
	return all
}

func (c *Ctrl) process(h target.Handle) (entity.Entity, error) {
	p, ok := c.entity(h)
	if !ok || p.Kind != entity.KindProcess {
		return entity.Entity{}, fmt.Errorf("no process %s", h)
	}
	return p, nil
}

func (c *Ctrl) kill(h target.Handle, code uint32) error {
	p, err := c.process(h)
	if err != nil {
		return err
	}
	pid := p.Handle.ID
	if err := c.layer.Kill(pid, code); err != nil {
		return fmt.Errorf("killing %d: %w", p.OSID, err)
	}
	return c.pump(func(ev target.Event) bool {
		return ev.Kind == target.EventExitProcess && ev.Process == pid
	})
}

func (c *Ctrl) killAll(code uint32) error {
	left := make(map[target.ID]bool)
	for _, p := range c.processes() {
		if err := c.layer.Kill(p.Handle.ID, code); err != nil {
			c.log.Errorf("killing %d: %v", p.OSID, err)
			continue
		}
		left[p.Handle.ID] = true
	}
	if len(left) == 0 {
		return nil
	}
	return c.pump(func(ev target.Event) bool {
		if ev.Kind == target.EventExitProcess {
			delete(left, ev.Process)
		}
		return len(left) == 0
	})
}

func (c *Ctrl) detach(h target.Handle) error {
	p, err := c.process(h)
	if err != nil {
		return err
	}
	if err := c.layer.Detach(p.Handle.ID); err != nil {
		return fmt.Errorf("detaching from %d: %w", p.OSID, err)
	}
	delete(c.progBps, p.Handle.ID)
	c.end(p.Handle, 0)
	return nil
}

// setEntryPoints replaces the entry point entities under the root.
func (c *Ctrl) setEntryPoints(names []string) {
	sc := c.store.OpenScope()
	old := sc.ChildrenOfKind(c.store.Root(), entity.KindEntryPoint)
	sc.Close()
	for _, e := range old {
		c.store.Release(e.ID)
	}
	for _, n := range names {
		id := c.store.Alloc(c.store.Root(), entity.KindEntryPoint, target.ArchNull, target.Handle{}, 0)
		c.store.EquipString(id, n)
	}
}

// entryPointNames returns the user entry points, or the configured
// defaults when none were set.
func (c *Ctrl) entryPointNames() []string {
	sc := c.store.OpenScope()
	defer sc.Close()
	var names []string
	for _, e := range sc.ChildrenOfKind(c.store.Root(), entity.KindEntryPoint) {
		names = append(names, e.Name)
	}
	if len(names) == 0 {
		names = c.cfg.EntryPoints
	}
	return names
}

func (c *Ctrl) setModuleDebugPath(h target.Handle, path string) error {
	m, ok := c.entity(h)
	if !ok || m.Kind != entity.KindModule {
		return fmt.Errorf("no module %s", h)
	}
	c.store.SetDebugInfoPath(m.ID, path)
	// Call stacks built so far carry names resolved through the old path.
	c.memGen.Add(1)
	var parent target.Handle
	if p, ok := c.processOf(h); ok {
		parent = p.Handle
	}
	c.emit(protocol.Event{Kind: protocol.EventModuleDebugInfoPathChange, Target: h, Parent: parent, Range: m.Range, String: path})
	return nil
}

func (c *Ctrl) freeze(h target.Handle, frozen bool) error {
	t, ok := c.entity(h)
	if !ok || t.Kind != entity.KindThread {
		return fmt.Errorf("no thread %s", h)
	}
	kind := protocol.EventThreadThawed
	if frozen {
		c.store.SetFlags(t.ID, t.Flags|entity.FlagFrozen)
		kind = protocol.EventThreadFrozen
	} else {
		c.store.SetFlags(t.ID, t.Flags&^entity.FlagFrozen)
	}
	var parent target.Handle
	if p, ok := c.processOf(h); ok {
		parent = p.Handle
	}
	c.emit(protocol.Event{Kind: kind, Target: h, Parent: parent})
	return nil
}
