package e2ee

import (
	"context"
	"log/slog"
	"sync"
)

// TaskQueue runs background work on one goroutine, in submission order.
// Submitting a key that is already queued replaces its task in place: for
// cascading recomputations only the latest submission matters.
type TaskQueue struct {
	mu    sync.Mutex
	order []string
	tasks map[string]func(context.Context)

	logger *slog.Logger
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTaskQueue(logger *slog.Logger) *TaskQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &TaskQueue{
		tasks:  make(map[string]func(context.Context)),
		logger: logger,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.run(ctx)
	return q
}

// Submit queues fn under key, replacing any pending task with the same key.
func (q *TaskQueue) Submit(key string, fn func(context.Context)) {
	q.mu.Lock()
	if _, pending := q.tasks[key]; !pending {
		q.order = append(q.order, key)
	}
	q.tasks[key] = fn
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *TaskQueue) Close() {
	q.cancel()
	<-q.done
}

func (q *TaskQueue) run(ctx context.Context) {
	defer close(q.done)
	for {
		task, key, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		if ctx.Err() != nil {
			return
		}
		q.logger.Debug("running background task", "key", key)
		task(ctx)
	}
}

func (q *TaskQueue) next() (func(context.Context), string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return nil, "", false
	}
	key := q.order[0]
	q.order = q.order[1:]
	task := q.tasks[key]
	delete(q.tasks, key)
	return task, key, true
}
