package scheduler

import (
	"sync"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/metrics"
)

// TaskTable holds the submission tasks started by this replica, keyed by model id and request id.
// It is empty after a restart, so callers must not assume that a request without a task has no job running.
type TaskTable struct {
	mu    sync.Mutex
	tasks map[string]*submissionTask
}

func NewTaskTable() *TaskTable {
	return &TaskTable{tasks: map[string]*submissionTask{}}
}

// Add registers task unless a task with the same key exists. Returns false if one did.
func (t *TaskTable) Add(task *submissionTask) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[task.key]; ok {
		return false
	}
	t.tasks[task.key] = task
	metrics.SetInFlightSubmissions(len(t.tasks))
	return true
}

func (t *TaskTable) Get(key string) (*submissionTask, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[key]
	return task, ok
}

// Remove drops the task and cancels it if it is still running.
func (t *TaskTable) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if task, ok := t.tasks[key]; ok {
		task.cancel()
		delete(t.tasks, key)
	}
	metrics.SetInFlightSubmissions(len(t.tasks))
}

func (t *TaskTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
