package connection

import (
	"sync"

	"github.com/eapache/queue/v2"
)

// deliverer runs callbacks one at a time, in push order, on its own goroutine.
// Its queue is unbounded so that the serve loop never blocks on slow callbacks.
type deliverer struct {
	mu      sync.Mutex
	tasks   *queue.Queue[func()]
	stopped bool

	signal chan struct{}
	done   chan struct{}
}

func newDeliverer() *deliverer {
	d := &deliverer{
		tasks:  queue.New[func()](),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// push queues f. It returns false once the deliverer is stopped.
func (d *deliverer) push(f func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.tasks.Add(f)
	d.mu.Unlock()
	d.notify()
	return true
}

// stop makes run exit once every queued task has run
func (d *deliverer) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.notify()
}

func (d *deliverer) notify() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *deliverer) run() {
	defer close(d.done)
	for range d.signal {
		for {
			d.mu.Lock()
			if d.tasks.Length() == 0 {
				stopped := d.stopped
				d.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			f := d.tasks.Remove()
			d.mu.Unlock()
			f()
		}
	}
}
