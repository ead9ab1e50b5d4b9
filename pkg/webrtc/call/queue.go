package call

import "sync"

// fifo is an unbounded queue. push never blocks, so callbacks fired from
// pion or the transport cannot stall on a busy session.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{wake: make(chan struct{}, 1)}
}

func (f *fifo[T]) push(v T) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.items = append(f.items, v)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return true
}

func (f *fifo[T]) drain() []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items
	f.items = nil
	return items
}

func (f *fifo[T]) close() {
	f.mu.Lock()
	f.closed = true
	f.items = nil
	f.mu.Unlock()
}

// taskQueue runs functions one at a time on a single goroutine. Every piece
// of negotiation state is touched only from inside a task.
type taskQueue struct {
	q    *fifo[func()]
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newTaskQueue() *taskQueue {
	t := &taskQueue{
		q:    newFIFO[func()](),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *taskQueue) push(fn func()) bool {
	return t.q.push(fn)
}

func (t *taskQueue) run() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case <-t.q.wake:
		}
		for _, fn := range t.q.drain() {
			select {
			case <-t.stop:
				return
			default:
			}
			fn()
		}
	}
}

// close drops pending tasks and waits for the running one to return.
func (t *taskQueue) close() {
	t.once.Do(func() {
		t.q.close()
		close(t.stop)
	})
	<-t.done
}

// eventQueue delivers events in order to a channel. The channel is closed
// by close, after which nothing more is sent.
type eventQueue struct {
	q    *fifo[Event]
	out  chan Event
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newEventQueue() *eventQueue {
	e := &eventQueue{
		q:    newFIFO[Event](),
		out:  make(chan Event),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *eventQueue) push(ev Event) bool {
	return e.q.push(ev)
}

func (e *eventQueue) run() {
	defer func() {
		close(e.out)
		close(e.done)
	}()
	for {
		select {
		case <-e.stop:
			return
		case <-e.q.wake:
		}
		for _, ev := range e.q.drain() {
			select {
			case e.out <- ev:
			case <-e.stop:
				return
			}
		}
	}
}

func (e *eventQueue) close() {
	e.once.Do(func() {
		e.q.close()
		close(e.stop)
	})
	<-e.done
}
