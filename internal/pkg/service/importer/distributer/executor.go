package distributer

import (
	"context"
	"sync"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/keboola/channel-distributer/internal/pkg/log"
)

type task struct {
	name string
	fn   func(ctx context.Context)
}

// executor runs tasks one by one, in the submission order, on a single goroutine.
// Watch deliveries and leadership transitions are serialized by the executor.
type executor struct {
	logger log.Logger
	queue  *queue.Queue
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func newExecutor(logger log.Logger) *executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &executor{
		logger: logger.WithComponent("executor"),
		queue:  queue.New(32),
		ctx:    ctx,
		cancel: cancel,
		wg:     &sync.WaitGroup{},
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()

	return e
}

// Submit never blocks, false is returned if the executor has been stopped.
func (e *executor) Submit(name string, fn func(ctx context.Context)) bool {
	if err := e.queue.Put(task{name: name, fn: fn}); err != nil {
		e.logger.Debugf(e.ctx, `task "%s" skipped: executor has been stopped`, name)
		return false
	}
	return true
}

// Stop disposes pending tasks and waits for the running task.
// The context of the running task is cancelled.
func (e *executor) Stop(ctx context.Context) {
	pending := e.queue.Dispose()
	e.cancel()
	e.wg.Wait()
	if len(pending) > 0 {
		e.logger.Infof(ctx, "executor stopped, %d pending tasks dropped", len(pending))
	}
}

func (e *executor) run() {
	for {
		items, err := e.queue.Get(1)
		if err != nil {
			// Disposed
			return
		}
		for _, item := range items {
			if e.ctx.Err() != nil {
				return
			}
			t := item.(task)
			t.fn(e.ctx)
		}
	}
}
