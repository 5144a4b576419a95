// Package servicectx provides unique ID for a service process and support for the graceful shutdown.
package servicectx

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"

	"github.com/keboola/channel-distributer/internal/pkg/idgenerator"
	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

type Process struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   log.Logger
	wg       *sync.WaitGroup
	errCh    chan error
	uniqueID string

	lock        *sync.Mutex
	terminating bool
	onShutdown  []OnShutdownFn
}

type Option func(c *config)

// OnShutdownFn is invoked on the process termination, the ctx is not cancelled yet.
type OnShutdownFn func(ctx context.Context)

type config struct {
	uniqueID     string
	handleSignal bool
}

// WithUniqueID sets unique ID of the service process.
// By default, it is generated from the hostname and PID.
func WithUniqueID(v string) Option {
	return func(c *config) {
		c.uniqueID = v
	}
}

// WithoutSignals disables SIGINT and SIGTERM handling, it is used in tests.
func WithoutSignals() Option {
	return func(c *config) {
		c.handleSignal = false
	}
}

func New(ctx context.Context, logger log.Logger, opts ...Option) (*Process, error) {
	// Apply options
	c := config{handleSignal: true}
	for _, o := range opts {
		o(&c)
	}

	// Generate uniqueID if not set
	if c.uniqueID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		c.uniqueID = fmt.Sprintf(`%s-%05d`, hostname, os.Getpid())
	}

	// Create channel used by both the signal handler and service goroutines
	// to notify the main goroutine when to stop the server.
	errCh := make(chan error, 1)

	// The ctx is cancelled after all OnShutdown callbacks
	ctx, cancel := context.WithCancel(ctx)

	// Setup interrupt handler,
	// so SIGINT and SIGTERM signals cause the services to stop gracefully.
	if c.handleSignal {
		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				select {
				case errCh <- errors.Errorf("%s", sig):
				default:
				}
			case <-ctx.Done():
			}
			signal.Stop(sigCh)
		}()
	}

	proc := &Process{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		wg:       &sync.WaitGroup{},
		errCh:    errCh,
		uniqueID: c.uniqueID,
		lock:     &sync.Mutex{},
	}

	logger.Infof(ctx, `process unique id "%s"`, proc.UniqueID())
	return proc, nil
}

func NewForTest(t *testing.T) *Process {
	t.Helper()

	proc, err := New(context.Background(), log.NewNopLogger(), WithoutSignals(), WithUniqueID("test_"+idgenerator.Random(5)))
	if err != nil {
		t.Fatal(err)
		return nil
	}

	t.Cleanup(func() {
		proc.Shutdown(context.Background(), errors.New("test cleanup"))
		proc.WaitForShutdown()
	})

	return proc
}

// Ctx returns context of the Process, it is cancelled after all OnShutdown callbacks.
func (v *Process) Ctx() context.Context {
	return v.ctx
}

// Shutdown triggers termination of the Process.
func (v *Process) Shutdown(_ context.Context, err error) {
	select {
	case v.errCh <- err:
	default:
		// Shutdown is already in progress
	}
}

// WaitForShutdown blocks until the termination is requested,
// then invokes OnShutdown callbacks in LIFO order and waits for all operations.
func (v *Process) WaitForShutdown() {
	// Wait for signal
	v.logger.Infof(v.ctx, "exiting (%v)", <-v.errCh)

	v.lock.Lock()
	if v.terminating {
		v.lock.Unlock()
		return
	}
	v.terminating = true
	callbacks := v.onShutdown
	v.lock.Unlock()

	// Iterate callbacks in reverse order, LIFO
	for i := len(callbacks) - 1; i >= 0; i-- {
		callbacks[i](v.ctx)
	}

	// Send cancellation signal to the goroutines
	v.cancel()

	// Wait for all operations
	v.wg.Wait()

	v.logger.Info(v.ctx, "exited")
}

// UniqueID returns unique process ID, it consists of hostname and PID.
func (v *Process) UniqueID() string {
	return v.uniqueID
}

// Add an operation.
// The Process is graceful terminated when all operations are completed.
// The ctx parameter can be used to wait for the service termination.
// The errCh parameter can be used to stop the service with an error.
func (v *Process) Add(operation func(ctx context.Context, errCh chan<- error)) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		operation(v.ctx, v.errCh)
	}()
}

// OnShutdown registers a callback that is invoked when the process is terminating.
// Graceful shutdown waits until the callback has finished.
// Callback are invoked sequentially in LIFO order.
func (v *Process) OnShutdown(fn OnShutdownFn) {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.terminating {
		v.logger.Errorf(v.ctx, `cannot register OnShutdown callback: the process is terminating`)
		return
	}
	v.onShutdown = append(v.onShutdown, fn)
}
