package ctrl

import (
	"github.com/radctl/radctl/pkg/entity"
	"github.com/radctl/radctl/pkg/protocol"
	"github.com/radctl/radctl/pkg/target"
)

// apply mirrors a target event into the entity store and queues the
// protocol events it translates to. It returns the entity created by the
// event, if any.
func (c *Ctrl) apply(ev target.Event) entity.ID {
	switch ev.Kind {
	case target.EventCreateProcess:
		h := handle(ev.Process)
		id := c.store.Alloc(c.store.LocalMachine(), entity.KindProcess, ev.Arch, h, ev.OSID)
		if ev.String != "" {
			c.store.EquipString(id, ev.String)
		}
		c.emit(protocol.Event{Kind: protocol.EventNewProc, Target: h, Parent: machineHandle, Arch: ev.Arch, EntityID: ev.OSID, String: ev.String})
		return id

	case target.EventCreateThread:
		proc, ok := c.entity(handle(ev.Process))
		if !ok {
			c.log.Errorf("thread %#x created in unknown process %#x", uint64(ev.Thread), uint64(ev.Process))
			return entity.ID{}
		}
		h := handle(ev.Thread)
		id := c.store.Alloc(proc.ID, entity.KindThread, ev.Arch, h, ev.OSID)
		c.store.SetThreadInfo(id, ev.StackBase, ev.TLSRoot)
		c.emit(protocol.Event{
			Kind: protocol.EventNewThread, Target: h, Parent: proc.Handle, Arch: ev.Arch,
			EntityID: ev.OSID, RIP: ev.IP, StackBase: ev.StackBase, TLSRoot: ev.TLSRoot,
		})
		return id

	case target.EventLoadModule:
		proc, ok := c.entity(handle(ev.Process))
		if !ok {
			c.log.Errorf("module %s loaded in unknown process %#x", ev.String, uint64(ev.Process))
			return entity.ID{}
		}
		h := handle(ev.Module)
		rng := target.Range{Min: ev.Address, Max: ev.Address + ev.Size}
		id := c.store.Alloc(proc.ID, entity.KindModule, ev.Arch, h, 0)
		c.store.EquipRange(id, rng)
		c.store.EquipString(id, ev.String)
		c.memGen.Add(1)
		c.emit(protocol.Event{Kind: protocol.EventNewModule, Target: h, Parent: proc.Handle, Arch: ev.Arch, Range: rng, String: ev.String})
		return id

	case target.EventUnloadModule:
		c.memGen.Add(1)
		c.end(handle(ev.Module), 0)

	case target.EventExitThread:
		c.end(handle(ev.Thread), uint64(ev.Code))

	case target.EventExitProcess:
		delete(c.progBps, ev.Process)
		c.end(handle(ev.Process), uint64(ev.Code))

	case target.EventDebugString:
		c.emit(protocol.Event{Kind: protocol.EventDebugString, Target: handle(ev.Thread), Parent: handle(ev.Process), String: ev.String})

	case target.EventMemReserve, target.EventMemCommit, target.EventMemDecommit, target.EventMemRelease:
		c.memGen.Add(1)
		c.emit(protocol.Event{Kind: memEventKinds[ev.Kind], Target: handle(ev.Process), Range: target.Range{Min: ev.Address, Max: ev.Address + ev.Size}})
	}
	return entity.ID{}
}

var memEventKinds = map[target.EventKind]protocol.EventKind{
	target.EventMemReserve:  protocol.EventMemReserve,
	target.EventMemCommit:   protocol.EventMemCommit,
	target.EventMemDecommit: protocol.EventMemDecommit,
	target.EventMemRelease:  protocol.EventMemRelease,
}

// end emits the End events of the subtree rooted at the entity of h,
// children first, and releases it. code is reported for the root only.
func (c *Ctrl) end(h target.Handle, code uint64) {
	sc := c.store.OpenScope()
	root, ok := sc.FromHandle(h)
	if !ok {
		sc.Close()
		c.log.Debugf("end of unknown entity %s", h)
		return
	}
	var sub []entity.Entity
	sc.Walk(root.ID, func(e entity.Entity, _ int) bool {
		sub = append(sub, e)
		return true
	})
	parents := make([]target.Handle, len(sub))
	for i, e := range sub {
		if p, ok := sc.Get(e.Parent); ok {
			parents[i] = p.Handle
		}
	}
	sc.Close()

	for i := len(sub) - 1; i >= 0; i-- {
		e := sub[i]
		ev := protocol.Event{Target: e.Handle, Parent: parents[i], Arch: e.Arch, EntityID: e.OSID}
		switch e.Kind {
		case entity.KindProcess:
			ev.Kind = protocol.EventEndProc
		case entity.KindThread:
			ev.Kind = protocol.EventEndThread
		case entity.KindModule:
			ev.Kind = protocol.EventEndModule
			ev.Range = e.Range
			ev.String = e.Name
		default:
			continue
		}
		if e.ID == root.ID {
			ev.U64 = code
		}
		c.emit(ev)
	}
	c.store.Release(root.ID)
}

func (c *Ctrl) entity(h target.Handle) (entity.Entity, bool) {
	sc := c.store.OpenScope()
	defer sc.Close()
	return sc.FromHandle(h)
}

// processOf returns the process entity owning the entity of h.
func (c *Ctrl) processOf(h target.Handle) (entity.Entity, bool) {
	sc := c.store.OpenScope()
	defer sc.Close()
	e, ok := sc.FromHandle(h)
	if !ok {
		return entity.Entity{}, false
	}
	if e.Kind == entity.KindProcess {
		return e, true
	}
	return sc.AncestorOfKind(e.ID, entity.KindProcess)
}

// processes returns every tracked process.
func (c *Ctrl) processes() []entity.Entity {
	sc := c.store.OpenScope()
	defer sc.Close()
	return sc.ChildrenOfKind(c.store.LocalMachine(), entity.KindProcess)
}

// frozenThreads returns the layer ids of the threads with the frozen flag.
func (c *Ctrl) frozenThreads() map[target.ID]bool {
	sc := c.store.OpenScope()
	defer sc.Close()
	var frozen map[target.ID]bool
	sc.Walk(c.store.LocalMachine(), func(e entity.Entity, _ int) bool {
		if e.Kind == entity.KindThread && e.Frozen() {
			if frozen == nil {
				frozen = make(map[target.ID]bool)
			}
			frozen[e.Handle.ID] = true
		}
		return true
	})
	return frozen
}
