package scheduler

import (
	"sync"

	"github.com/rs/zerolog"
)

// Task is one deferred store write.
type Task struct {
	Name string
	Run  func() error
}

// TaskQueue smears write bursts across scheduler ticks. Producers push named
// closures; each tick drains a bounded batch in FIFO order.
type TaskQueue struct {
	mu    sync.Mutex
	tasks []Task
	log   zerolog.Logger
}

func NewTaskQueue(logger zerolog.Logger) *TaskQueue {
	return &TaskQueue{log: logger.With().Str("component", "taskqueue").Logger()}
}

func (q *TaskQueue) Push(name string, run func() error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, Task{Name: name, Run: run})
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drain runs up to n queued tasks. Failures are logged, not retried; the
// return value is the number of tasks executed.
func (q *TaskQueue) Drain(n int) int {
	q.mu.Lock()
	batch := q.tasks
	if len(batch) > n {
		batch = batch[:n]
		q.tasks = q.tasks[n:]
	} else {
		q.tasks = nil
	}
	q.mu.Unlock()

	for _, t := range batch {
		if err := t.Run(); err != nil {
			q.log.Error().Err(err).Str("task", t.Name).Msg("task failed")
		}
	}
	return len(batch)
}
