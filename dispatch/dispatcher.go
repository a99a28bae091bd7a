package dispatch

import (
	"sync"

	"go.uber.org/zap"
)

// Dispatcher schedules work on the SDK's two thread roles: a single
// delivery goroutine standing in for the platform main thread (all host
// completions and listener callbacks run there, in submission order), and
// anonymous worker goroutines for network and disk I/O.
type Dispatcher struct {
	log *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	d := &Dispatcher{log: log}
	d.cond = sync.NewCond(&d.mu)
	go d.deliverLoop()
	return d
}

// RunOnMainThread enqueues f on the delivery goroutine. Functions run one
// at a time, in the order they were submitted.
func (d *Dispatcher) RunOnMainThread(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.log.Warn("Dropping main thread task submitted after shutdown")
		return
	}

	d.pending = append(d.pending, f)
	d.cond.Signal()
}

// RunOnWorkerThread runs f on its own goroutine.
func (d *Dispatcher) RunOnWorkerThread(f func()) {
	go f()
}

// Shutdown stops the delivery goroutine after draining already-submitted
// work.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.cond.Signal()
}

func (d *Dispatcher) deliverLoop() {
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.pending) == 0 && d.closed {
			d.mu.Unlock()
			return
		}

		next := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()

		next()
	}
}
