package distribution

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/keboola/channel-distributer/internal/pkg/log"
)

// Listener receives membership changes, see Node.OnChangeListener.
type Listener struct {
	// C channel receives grouped membership events.
	C <-chan Events

	out      chan Events
	notify   chan struct{}
	stopCh   chan struct{}
	stopOnce *sync.Once
	wg       *sync.WaitGroup
	onStop   func()

	lock    *sync.Mutex
	pending Events
}

type listeners struct {
	logger   log.Logger
	clock    clockwork.Clock
	interval time.Duration

	lock      *sync.Mutex
	listeners map[*Listener]bool
	wg        *sync.WaitGroup
}

func newListeners(logger log.Logger, clock clockwork.Clock, interval time.Duration) *listeners {
	return &listeners{
		logger:    logger.WithComponent("listeners"),
		clock:     clock,
		interval:  interval,
		lock:      &sync.Mutex{},
		listeners: make(map[*Listener]bool),
		wg:        &sync.WaitGroup{},
	}
}

func (v *listeners) add() *Listener {
	out := make(chan Events)
	l := &Listener{
		C:        out,
		out:      out,
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		stopOnce: &sync.Once{},
		wg:       v.wg,
		lock:     &sync.Mutex{},
	}
	l.onStop = func() {
		v.lock.Lock()
		delete(v.listeners, l)
		v.lock.Unlock()
	}

	v.lock.Lock()
	v.listeners[l] = true
	v.lock.Unlock()

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		l.run(v.clock, v.interval)
	}()

	return l
}

// dispatch never blocks, events are buffered in each listener.
func (v *listeners) dispatch(events Events) {
	if len(events) == 0 {
		return
	}
	v.lock.Lock()
	defer v.lock.Unlock()
	for l := range v.listeners {
		l.push(events)
	}
}

func (v *listeners) stop(ctx context.Context) {
	v.logger.Info(ctx, "received shutdown request")
	v.lock.Lock()
	all := make([]*Listener, 0, len(v.listeners))
	for l := range v.listeners {
		all = append(all, l)
	}
	v.lock.Unlock()

	for _, l := range all {
		l.Stop()
	}
	v.wg.Wait()
	v.logger.Info(ctx, "shutdown done")
}

// Stop the listener, no more events are delivered.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.onStop()
	})
}

func (l *Listener) push(events Events) {
	l.lock.Lock()
	l.pending = append(l.pending, events...)
	l.lock.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Listener) run(clock clockwork.Clock, interval time.Duration) {
	for {
		select {
		case <-l.stopCh:
			return
		case <-l.notify:
		}

		// Group all events from the interval
		if interval > 0 {
			select {
			case <-l.stopCh:
				return
			case <-clock.After(interval):
			}
		}

		l.lock.Lock()
		events := l.pending
		l.pending = nil
		l.lock.Unlock()

		if len(events) == 0 {
			continue
		}

		select {
		case <-l.stopCh:
			return
		case l.out <- events:
		}
	}
}
