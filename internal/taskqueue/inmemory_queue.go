package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue keeps tasks in process memory. Due tasks are handed out in
// enqueue order. It is safe for concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  []Task
	notify chan struct{}
	now    func() time.Time
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		t, wait := q.take()
		if t != nil {
			return t, nil
		}

		var (
			tm    *time.Timer
			timer <-chan time.Time
		)
		if wait > 0 {
			tm = time.NewTimer(wait)
			timer = tm.C
		}
		select {
		case <-q.notify:
		case <-timer:
		case <-ctx.Done():
		}
		if tm != nil {
			tm.Stop()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// take removes the first due task. Otherwise it returns how long until the
// earliest delayed task is due, or 0 if there is none.
func (q *InMemoryQueue) take() (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var wait time.Duration
	for i, t := range q.tasks {
		if t.Due(now) {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			if len(q.tasks) > 0 {
				// Let another waiter look at what is left.
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return &t, 0
		}
		if d := t.NotBefore.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
