package subutils

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrQueueFull        = errors.New("dispatcher queue is full")
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// AsyncDispatcher runs queued callbacks one at a time on a single background
// goroutine. Dispatch never blocks: it returns ErrQueueFull instead of waiting
// for room. DispatchPriority is for calls that must not be lost; they are
// kept in an unbounded list and run ahead of anything in the bounded queue.
//
// Example:
//
//	d := subutils.NewAsyncDispatcher(100, logger).Start()
//	defer d.Close()
//	d.DispatchPriority("on-connect", func() { fmt.Println("connected") })
//	d.Dispatch("message", func() { handle(msg) })
type AsyncDispatcher struct {
	queue     chan queuedCall
	wake      chan struct{}
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	started   atomic.Bool
	inCall    atomic.Bool
	logger    *zap.Logger

	mu       sync.Mutex
	priority []queuedCall
	closed   bool
}

type queuedCall struct {
	name string
	fn   func()
}

// NewAsyncDispatcher creates a dispatcher with room for queueSize pending calls.
// Start must be called before queued calls are run.
func NewAsyncDispatcher(queueSize int, logger *zap.Logger) *AsyncDispatcher {
	if queueSize <= 0 {
		queueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AsyncDispatcher{
		queue:  make(chan queuedCall, queueSize),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		logger: logger,
	}
}

// Start begins processing queued calls. Calling it more than once has no effect.
func (d *AsyncDispatcher) Start() *AsyncDispatcher {
	d.startOnce.Do(func() {
		d.started.Store(true)
		go d.processQueue()
	})
	return d
}

func (d *AsyncDispatcher) processQueue() {
	defer close(d.exited)

	for {
		if call, ok := d.nextPriority(); ok {
			d.run(call)
			continue
		}

		select {
		case <-d.wake:
		case call := <-d.queue:
			d.run(call)
		case <-d.done:
			d.drainQueue()
			return
		}
	}
}

func (d *AsyncDispatcher) nextPriority() (queuedCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.priority) == 0 {
		return queuedCall{}, false
	}
	call := d.priority[0]
	d.priority[0] = queuedCall{}
	d.priority = d.priority[1:]
	return call, true
}

func (d *AsyncDispatcher) drainQueue() {
	for {
		if call, ok := d.nextPriority(); ok {
			d.run(call)
			continue
		}
		select {
		case call := <-d.queue:
			d.run(call)
		default:
			return
		}
	}
}

// run isolates a panicking callback so one bad handler cannot stop delivery
// to the others.
func (d *AsyncDispatcher) run(call queuedCall) {
	d.inCall.Store(true)
	defer func() {
		d.inCall.Store(false)
		if r := recover(); r != nil {
			d.logger.Error("Callback panicked",
				zap.String("callback", call.name),
				zap.Any("panic", r))
		}
	}()

	call.fn()
}

// Dispatch queues fn to run on the dispatcher goroutine, or returns
// ErrQueueFull when the bounded queue has no room. name is only used for
// logging.
func (d *AsyncDispatcher) Dispatch(name string, fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- queuedCall{name: name, fn: fn}:
		return nil
	default:
		return ErrQueueFull
	}
}

// DispatchPriority queues fn ahead of the bounded queue. It never blocks and
// never drops, so it is safe to call from a callback.
func (d *AsyncDispatcher) DispatchPriority(name string, fn func()) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.priority = append(d.priority, queuedCall{name: name, fn: fn})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting calls and waits for the worker to run everything
// already queued and exit. While a callback is running, Close cannot tell
// whether it was called from that callback, so it returns at once instead of
// risking a wait on itself; the worker still drains the queue and Done
// reports when it has.
func (d *AsyncDispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)

		d.startOnce.Do(func() {}) // a never-started dispatcher has no worker to wait for
		if !d.started.Load() || d.inCall.Load() {
			return
		}
		<-d.exited
	})
	return nil
}

// Done is closed once the worker has drained the queue and exited. It is
// never closed for a dispatcher that was not started.
func (d *AsyncDispatcher) Done() <-chan struct{} {
	return d.exited
}

func (d *AsyncDispatcher) QueueSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) + len(d.priority)
}

func (d *AsyncDispatcher) QueueCapacity() int {
	return cap(d.queue)
}

func (d *AsyncDispatcher) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
