package workq

import (
	"context"
	"encoding/binary"

	"github.com/radctl/radctl/pkg/cache"
	"github.com/radctl/radctl/pkg/config"
	"github.com/radctl/radctl/pkg/target"
)

const callStackRequestSize = 8 * 5

// CallStackQueue builds call stacks into a CallStackCache.
type CallStackQueue struct {
	q   *queue
	csc *cache.CallStackCache
}

// NewCallStackQueue returns a queue feeding csc.
func NewCallStackQueue(cfg *config.Config, csc *cache.CallStackCache) *CallStackQueue {
	csq := &CallStackQueue{csc: csc}
	csq.q = newQueue("callstacks", cfg.WorkQueueSize, cfg.CallStackWorkers, csq.handle)
	csc.Table().SetSubmitter(csq.submit)
	return csq
}

// Start spawns the workers.
func (csq *CallStackQueue) Start() { csq.q.start() }

// Stop drains the queue and joins the workers.
func (csq *CallStackQueue) Stop() { csq.q.stop() }

// Prefetch requests the call stack of thread without waiting for it.
func (csq *CallStackQueue) Prefetch(ctx context.Context, thread target.Handle, regGen, memGen uint64) bool {
	return csq.csc.Table().Request(ctx, thread, cache.Gen{regGen, memGen})
}

func (csq *CallStackQueue) submit(thread target.Handle, gen cache.Gen, token uint64) bool {
	var b [callStackRequestSize]byte
	binary.LittleEndian.PutUint64(b[0:], uint64(thread.Machine))
	binary.LittleEndian.PutUint64(b[8:], uint64(thread.ID))
	binary.LittleEndian.PutUint64(b[16:], gen[0])
	binary.LittleEndian.PutUint64(b[24:], gen[1])
	binary.LittleEndian.PutUint64(b[32:], token)
	return csq.q.tryPush(b[:])
}

func (csq *CallStackQueue) handle(ctx context.Context, rec []byte) {
	if len(rec) != callStackRequestSize {
		csq.q.log.Errorf("malformed call stack request of %d bytes", len(rec))
		return
	}
	thread := target.Handle{
		Machine: target.MachineID(binary.LittleEndian.Uint64(rec[0:])),
		ID:      target.ID(binary.LittleEndian.Uint64(rec[8:])),
	}
	gen := cache.Gen{binary.LittleEndian.Uint64(rec[16:]), binary.LittleEndian.Uint64(rec[24:])}
	csq.csc.Table().Work(ctx, thread, gen, binary.LittleEndian.Uint64(rec[32:]))
}
