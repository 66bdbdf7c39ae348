package workq

import (
	"context"
	"encoding/binary"

	"github.com/radctl/radctl/pkg/cache"
	"github.com/radctl/radctl/pkg/config"
	"github.com/radctl/radctl/pkg/target"
)

const memoryRequestSize = 8 * 7

// MemoryStreamQueue streams process memory into a MemoryCache.
type MemoryStreamQueue struct {
	q  *queue
	mc *cache.MemoryCache
}

// NewMemoryStreamQueue returns a queue feeding mc. Misses of mc are routed
// through the queue from then on.
func NewMemoryStreamQueue(cfg *config.Config, mc *cache.MemoryCache) *MemoryStreamQueue {
	msq := &MemoryStreamQueue{mc: mc}
	msq.q = newQueue("memory", cfg.WorkQueueSize, cfg.MemoryWorkers, msq.handle)
	mc.Table().SetSubmitter(msq.submit)
	return msq
}

// Start spawns the workers.
func (msq *MemoryStreamQueue) Start() { msq.q.start() }

// Stop drains the queue and joins the workers.
func (msq *MemoryStreamQueue) Stop() { msq.q.stop() }

// Prefetch requests key at memory generation gen without waiting for it.
// Requests for a range already being filled are coalesced.
func (msq *MemoryStreamQueue) Prefetch(ctx context.Context, key cache.MemoryKey, gen uint64) bool {
	return msq.mc.Table().Request(ctx, key, cache.Gen{gen})
}

func (msq *MemoryStreamQueue) submit(key cache.MemoryKey, gen cache.Gen, token uint64) bool {
	var b [memoryRequestSize]byte
	binary.LittleEndian.PutUint64(b[0:], uint64(key.Process.Machine))
	binary.LittleEndian.PutUint64(b[8:], uint64(key.Process.ID))
	binary.LittleEndian.PutUint64(b[16:], key.Range.Min)
	binary.LittleEndian.PutUint64(b[24:], key.Range.Max)
	if key.ZeroTerminated {
		b[32] = 1
	}
	binary.LittleEndian.PutUint64(b[40:], gen[0])
	binary.LittleEndian.PutUint64(b[48:], token)
	return msq.q.tryPush(b[:])
}

func (msq *MemoryStreamQueue) handle(ctx context.Context, rec []byte) {
	if len(rec) != memoryRequestSize {
		msq.q.log.Errorf("malformed memory request of %d bytes", len(rec))
		return
	}
	key := cache.MemoryKey{
		Process: target.Handle{
			Machine: target.MachineID(binary.LittleEndian.Uint64(rec[0:])),
			ID:      target.ID(binary.LittleEndian.Uint64(rec[8:])),
		},
		Range: target.Range{
			Min: binary.LittleEndian.Uint64(rec[16:]),
			Max: binary.LittleEndian.Uint64(rec[24:]),
		},
		ZeroTerminated: rec[32] != 0,
	}
	gen := cache.Gen{binary.LittleEndian.Uint64(rec[40:])}
	msq.mc.Table().Work(ctx, key, gen, binary.LittleEndian.Uint64(rec[48:]))
}
