// Package runloop provides a single-goroutine FIFO task queue. Everything
// posted to a Loop runs on one goroutine, in order, never concurrently, so
// state owned by the loop needs no locking.
package runloop

import "sync"

// Loop is a serialized task executor
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// New creates a loop and starts its worker goroutine
func New() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Post enqueues fn to run on the loop goroutine. Tasks run in the order
// they were posted. Posting to a closed loop drops the task.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

// Barrier blocks until every task posted before it has run
func (l *Loop) Barrier() {
	ch := make(chan struct{})
	l.Post(func() { close(ch) })

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	<-ch
}

// Close stops the loop after the pending queue drains and waits for the
// worker goroutine to exit. Tasks posted after Close are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.cond.Signal()
	l.mu.Unlock()
	<-l.done
}

// Closed reports whether the loop has been closed
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}
