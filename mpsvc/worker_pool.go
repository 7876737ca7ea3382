package mpsvc

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// task is a unit of work dispatched to a worker goroutine: a decoded
// message-passing notification to apply.
type task func()

// workerPool runs a fixed number of worker goroutines draining a
// buffered task queue. Each quality-level receiver in Service owns its
// own pool, so an ASIL-B notification's processing is never delayed by a
// burst of QM traffic on the other queue.
type workerPool struct {
	workers   int
	queue     chan task
	wg        sync.WaitGroup
	dropped   atomic.Int64
	logger    zerolog.Logger
}

func newWorkerPool(workers, queueSize int, logger zerolog.Logger) *workerPool {
	return &workerPool{
		workers: workers,
		queue:   make(chan task, queueSize),
		logger:  logger,
	}
}

// start launches the pool's workers. Workers exit once ctx is cancelled
// or the task queue is closed and drained.
func (p *workerPool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *workerPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.execute(t)
		case <-ctx.Done():
			return
		}
	}
}

func (p *workerPool) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("message-passing worker panic recovered")
		}
	}()
	t()
}

// submit enqueues t for asynchronous execution. If the queue is full the
// task is dropped rather than blocking the notifying caller or spawning
// an unbounded goroutine — a lost notification is recovered by the
// receiver's own ReregisterEventNotification call, not by this pool
// retrying.
func (p *workerPool) submit(t task) {
	select {
	case p.queue <- t:
	default:
		p.dropped.Add(1)
	}
}

func (p *workerPool) droppedCount() int64 { return p.dropped.Load() }

// stop closes the task queue and waits for every worker to drain it.
func (p *workerPool) stop() {
	close(p.queue)
	p.wg.Wait()
}
