package pool

import (
	"errors"
	"sync"

	"github.com/guseggert/scriptmux/rpc"
)

// DefaultQueueSize is the number of requests a worker holds before it turns new ones away.
const DefaultQueueSize = 64

var (
	ErrSystemStopped = errors.New("system stopped")
	ErrQueueFull     = errors.New("worker queue full")
)

type task interface {
	Run()
	Reject(err error)
}

// taskQueue runs tasks one at a time in arrival order. Once stopped, queued and newly submitted
// tasks are rejected with ErrSystemStopped. Submitting never blocks the connection reader.
type taskQueue struct {
	mut     sync.Mutex
	cond    *sync.Cond
	items   []task
	size    int
	stopped bool
	done    chan struct{}
}

func newTaskQueue(size int) *taskQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &taskQueue{size: size, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mut)
	return q
}

// submit queues t, or rejects it with ErrQueueFull when size tasks are already waiting.
func (q *taskQueue) submit(t task) {
	q.mut.Lock()
	if q.stopped {
		q.mut.Unlock()
		t.Reject(ErrSystemStopped)
		return
	}
	if len(q.items) >= q.size {
		q.mut.Unlock()
		t.Reject(ErrQueueFull)
		return
	}
	q.items = append(q.items, t)
	q.cond.Broadcast()
	q.mut.Unlock()
}

func (q *taskQueue) executor() rpc.Executor {
	return func(t rpc.Task) { q.submit(t) }
}

func (q *taskQueue) run() {
	defer close(q.done)
	for {
		q.mut.Lock()
		for len(q.items) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			rest := q.items
			q.items = nil
			q.mut.Unlock()
			for _, t := range rest {
				t.Reject(ErrSystemStopped)
			}
			return
		}
		t := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mut.Unlock()

		t.Run()
	}
}

// stop rejects everything still queued and waits for the running task to finish.
func (q *taskQueue) stop() {
	q.mut.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mut.Unlock()
	<-q.done
}
