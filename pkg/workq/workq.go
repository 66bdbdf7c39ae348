// Package workq runs the asynchronous workers that populate the memory and
// call stack caches off the control goroutine. Requests travel through a
// protocol.RingBuffer; workers only fill cache nodes.
package workq

import (
	"context"
	"sync"

	"github.com/radctl/radctl/pkg/logflags"
	"github.com/radctl/radctl/pkg/protocol"
)

var expired = func() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}()

type queue struct {
	name    string
	rb      *protocol.RingBuffer
	workers int
	handle  func(ctx context.Context, rec []byte)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    logflags.Logger
}

func newQueue(name string, capacity, workers int, handle func(context.Context, []byte)) *queue {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &queue{
		name:    name,
		rb:      protocol.NewRingBuffer(capacity),
		workers: workers,
		handle:  handle,
		ctx:     ctx,
		cancel:  cancel,
		log:     logflags.CacheLogger().WithField("queue", name),
	}
}

func (q *queue) start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
}

func (q *queue) run() {
	defer q.wg.Done()
	for {
		rec, err := q.rb.Pop(q.ctx)
		if err != nil {
			// Closed and drained.
			return
		}
		q.handle(q.ctx, rec)
	}
}

// tryPush queues rec without blocking.
func (q *queue) tryPush(rec []byte) bool {
	if err := q.rb.Push(expired, rec); err != nil {
		q.log.Debugf("request not queued: %v", err)
		return false
	}
	return true
}

// stop cancels in-flight work, lets the workers drain the queue and waits
// for them.
func (q *queue) stop() {
	q.rb.Close()
	q.cancel()
	q.wg.Wait()
}
