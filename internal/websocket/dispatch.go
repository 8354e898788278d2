package websocket

import (
	"fmt"
	"sync"
)

// dispatcher serializes listener delivery onto a single goroutine.
//
// Listeners run in publish order and never under Manager locks, so a listener
// may call back into the Manager (including Connect/Disconnect) safely.
type dispatcher struct {
	mu     sync.RWMutex
	closed bool
	q      chan func()
	done   chan struct{}
}

func newDispatcher(queueSize int) *dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &dispatcher{
		q:    make(chan func(), queueSize),
		done: make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for fn := range d.q {
			if fn != nil {
				fn()
			}
		}
	}()
	return d
}

func (d *dispatcher) do(fn func()) error {
	if d == nil {
		return fmt.Errorf("dispatcher not initialized")
	}
	if fn == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("dispatcher closed")
	}
	d.q <- fn
	return nil
}

// flush blocks until everything queued before the call has run. It must not
// be called from a listener.
func (d *dispatcher) flush() {
	done := make(chan struct{})
	if err := d.do(func() { close(done) }); err != nil {
		return
	}
	<-done
}

func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.q)
	d.mu.Unlock()
	<-d.done
}
