package socket

import (
	"sync"

	"github.com/matheus3301/amora/internal/protocol"
)

// dispatcher delivers events to handlers from a single goroutine, in the
// order they were pushed. push never blocks, so it is safe to call while
// holding the manager lock or from inside a handler.
type dispatcher struct {
	mu      sync.Mutex
	queue   []protocol.Event
	wake    chan struct{}
	done    chan struct{}
	stopped sync.Once
	deliver func(protocol.Event)
}

func newDispatcher(deliver func(protocol.Event)) *dispatcher {
	d := &dispatcher{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	go d.run()
	return d
}

func (d *dispatcher) push(evt protocol.Event) {
	d.mu.Lock()
	d.queue = append(d.queue, evt)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) stop() {
	d.stopped.Do(func() { close(d.done) })
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.wake:
		case <-d.done:
			return
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			evt := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()

			select {
			case <-d.done:
				return
			default:
			}
			d.deliver(evt)
		}
	}
}
