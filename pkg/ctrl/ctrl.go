// Package ctrl implements the control goroutine: the single owner of the OS
// control layer and of entity store mutation. The user goroutine talks to
// it through a message ring buffer and reads its events from an event ring
// buffer; target state is read through generation keyed caches.
package ctrl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/radctl/radctl/pkg/cache"
	"github.com/radctl/radctl/pkg/config"
	"github.com/radctl/radctl/pkg/debuginfo"
	"github.com/radctl/radctl/pkg/entity"
	"github.com/radctl/radctl/pkg/logflags"
	"github.com/radctl/radctl/pkg/protocol"
	"github.com/radctl/radctl/pkg/target"
	"github.com/radctl/radctl/pkg/workq"
)

// ErrRunning is returned by target writes attempted while a run is in
// progress.
var ErrRunning = errors.New("target is running")

// Generations is a snapshot of the generation counters. Consumers compare
// it with the snapshot their own views were built at.
type Generations struct {
	Run      uint64
	Memory   uint64
	Register uint64
}

// Ctrl is the control context. Every field below the queues is owned by the
// control goroutine unless noted otherwise.
type Ctrl struct {
	cfg   *config.Config
	layer target.Layer
	dbg   debuginfo.Resolver
	store *entity.Store

	msgs   *protocol.MessageQueue
	events *protocol.EventQueue

	runGen, memGen, regGen atomic.Uint64

	running atomic.Bool
	halted  atomic.Bool

	mem     *cache.MemoryCache
	regs    *cache.RegisterCache
	stacks  *cache.CallStackCache
	modules *cache.ModuleInfoCache
	memq    *workq.MemoryStreamQueue
	stackq  *workq.CallStackQueue

	// session is set between the Started event and the Stopped event that
	// closes it.
	session bool
	// passNext forwards the exception that stopped the last run to the
	// target when the next run starts.
	passNext bool
	// progBps holds the breakpoints the programs asked for, per process.
	progBps map[target.ID]map[uint64]bool
	msgID   uint64
	out     []protocol.Event

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
	log     logflags.Logger
}

// New builds the control context for layer. dbg may be nil, in which case
// only address breakpoints resolve and call stacks carry no names.
func New(cfg *config.Config, layer target.Layer, dbg debuginfo.Resolver) *Ctrl {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Ctrl{
		cfg:     cfg,
		layer:   layer,
		dbg:     dbg,
		store:   entity.New(target.LocalMachine),
		msgs:    protocol.NewMessageQueue(cfg.MessageRingSize),
		events:  protocol.NewEventQueue(cfg.EventRingSize),
		progBps: make(map[target.ID]map[uint64]bool),
		log:     logflags.CtrlLogger(),
	}
	c.mem = cache.NewMemoryCache(cfg, layer)
	c.regs = cache.NewRegisterCache(cfg, layer)
	c.modules = cache.NewModuleInfoCache(cfg, moduleLocator{c.store}, layer)
	c.stacks = cache.NewCallStackCache(cfg, c.buildCallStack)
	c.memq = workq.NewMemoryStreamQueue(cfg, c.mem)
	c.stackq = workq.NewCallStackQueue(cfg, c.stacks)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Start spawns the control goroutine and the async workers.
func (c *Ctrl) Start() {
	c.memq.Start()
	c.stackq.Start()
	c.wg.Add(1)
	go c.loop()
}

// Stop interrupts any run in progress, then joins the control goroutine
// and the workers. Queued events can still be popped afterwards.
func (c *Ctrl) Stop() {
	if c.stopped {
		return
	}
	c.stopped = true
	c.HaltAll()
	c.cancel()
	c.msgs.Close()
	c.wg.Wait()
	c.memq.Stop()
	c.stackq.Stop()
	c.events.Close()
}

func (c *Ctrl) loop() {
	defer c.wg.Done()
	for {
		msgs, err := c.msgs.PopMessages(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, protocol.ErrClosed) {
				return
			}
			c.log.Errorf("popping messages: %v", err)
			continue
		}
		for i := range msgs {
			c.dispatch(&msgs[i])
			c.flush()
		}
	}
}

// PushMessages sends msgs to the control goroutine.
func (c *Ctrl) PushMessages(ctx context.Context, msgs []protocol.Message) error {
	if logflags.Protocol() {
		for i := range msgs {
			c.log.Debugf("-> %s id=%d target=%s", msgs[i].Kind, msgs[i].ID, msgs[i].Target)
		}
	}
	return c.msgs.PushMessages(ctx, msgs)
}

// PopEvents returns the next list of events emitted by the control
// goroutine, blocking until one is available or ctx is done.
func (c *Ctrl) PopEvents(ctx context.Context) ([]protocol.Event, error) {
	return c.events.PopEvents(ctx)
}

// HaltAll interrupts the run in progress, if any. It may be called from any
// goroutine.
func (c *Ctrl) HaltAll() {
	c.halted.Store(true)
	if c.running.Load() {
		if err := c.layer.Halt(); err != nil {
			c.log.Errorf("halt: %v", err)
		}
	}
}

// Generations returns the current generation counters.
func (c *Ctrl) Generations() Generations {
	return Generations{
		Run:      c.runGen.Load(),
		Memory:   c.memGen.Load(),
		Register: c.regGen.Load(),
	}
}

// Entities returns the entity store. Callers read it through
// Store.OpenScope.
func (c *Ctrl) Entities() *entity.Store { return c.store }

// Running reports whether a Run or SingleStep is being dispatched.
func (c *Ctrl) Running() bool { return c.running.Load() }

// emit queues ev for the next flush, stamped with the message being
// dispatched.
func (c *Ctrl) emit(ev protocol.Event) {
	ev.MsgID = c.msgID
	ev.Timestamp = uint64(time.Now().UnixMicro())
	if logflags.Protocol() {
		c.log.Debugf("<- %s cause=%s target=%s", ev.Kind, ev.Cause, ev.Target)
	}
	c.out = append(c.out, ev)
}

// flush pushes the queued events. Lists too large for the ring buffer are
// split.
func (c *Ctrl) flush() {
	if len(c.out) == 0 {
		return
	}
	c.push(c.out)
	c.out = c.out[:0]
}

func (c *Ctrl) push(evs []protocol.Event) {
	err := c.events.PushEvents(c.ctx, evs)
	if errors.Is(err, protocol.ErrRecordTooLarge) && len(evs) > 1 {
		c.push(evs[:len(evs)/2])
		c.push(evs[len(evs)/2:])
		return
	}
	if err != nil {
		c.log.Errorf("dropping %d events: %v", len(evs), err)
	}
}

func handle(id target.ID) target.Handle {
	return target.Handle{Machine: target.LocalMachine, ID: id}
}

var machineHandle = target.Handle{Machine: target.LocalMachine}
