package task

import (
	"context"
	"sync"

	"github.com/watertoon/awn/container"
	awnsync "github.com/watertoon/awn/sync"
)

// workerSlot tracks one worker's idle/busy state and which task it
// is currently running, so CancelPriorityLevel can reach into an
// in-flight task instead of only the queue.
type workerSlot struct {
	id      int
	current *Task
	idle    bool
}

// AsyncQueue is a fixed set of priority levels, each a
// container.FixedPriorityQueue of *Task, served by a pool of workers, with
// per-level pause/cancel and worker affinity.
type AsyncQueue struct {
	mu     sync.Mutex
	levels []*container.FixedPriorityQueue
	counts []int
	paused []bool

	levelCleared []*awnsync.Event // manual, initially signaled
	allComplete  *awnsync.Event   // manual, initially cleared
	taskCount    int

	workers []*workerSlot
}

// Initialize allocates the priority-level array, the worker array, one
// "priority-cleared" event per level (manual, initially signaled), and one
// "all-tasks-complete" event (manual, initially cleared).
func Initialize(priorityLevels, workerCount, capacityPerLevel int) *AsyncQueue {
	q := &AsyncQueue{
		levels:       make([]*container.FixedPriorityQueue, priorityLevels),
		counts:       make([]int, priorityLevels),
		paused:       make([]bool, priorityLevels),
		levelCleared: make([]*awnsync.Event, priorityLevels),
		allComplete:  awnsync.NewEvent(false, false),
		workers:      make([]*workerSlot, workerCount),
	}
	for i := 0; i < priorityLevels; i++ {
		q.levels[i] = container.NewFixedPriorityQueue(capacityPerLevel)
		q.levelCleared[i] = awnsync.NewEvent(false, true)
	}
	for i := 0; i < workerCount; i++ {
		q.workers[i] = &workerSlot{id: i, idle: true}
	}
	return q
}

// isExecutorOf reports whether the calling goroutine is itself one of this
// queue's workers — approximated here by an explicit workerID argument
// from the caller, since Go has no native goroutine-local storage. Callers
// that know they are running inside a worker pass their slot index;
// external callers pass -1.
func (q *AsyncQueue) isExecutorOf(workerID int) bool {
	return workerID >= 0 && workerID < len(q.workers)
}

// PushTask queues t at its priority level, or — if t.info.IsSync and the
// caller identifies itself as one of this queue's own workers via
// callerWorkerID — executes it in-thread immediately under the queue
// mutex instead of round-tripping through a worker.
func (q *AsyncQueue) PushTask(ctx context.Context, t *Task, callerWorkerID int) {
	if t.status == StatusQueued || t.status == StatusAcquired || t.status == StatusExecute {
		return // already queued or running
	}

	if t.info.IsSync && q.isExecutorOf(callerWorkerID) {
		q.mu.Lock()
		q.runTaskLocked(ctx, t)
		q.mu.Unlock()
		return
	}

	q.mu.Lock()
	level := t.priority
	if level < 0 {
		level = 0
	}
	if level >= len(q.levels) {
		level = len(q.levels) - 1
	}

	wasEmpty := q.levels[level].Len() == 0
	q.levels[level].Insert(t)
	q.counts[level]++
	t.status = StatusQueued

	if wasEmpty {
		q.levelCleared[level].Clear()
	}

	transitionedToNonEmpty := q.taskCount == 0
	q.taskCount++
	if transitionedToNonEmpty {
		q.allComplete.Clear()
	}
	q.mu.Unlock()

	q.wakeIdleWorkers()

	if t.info.IsSync {
		t.WaitFinish()
	}
}

// wakeIdleWorkers marks every worker slot busy. Workers poll
// AcquireNextTask, so there is nothing to signal; clearing the idle flags
// keeps allComplete from firing until each worker has polled again and
// found the queue empty.
func (q *AsyncQueue) wakeIdleWorkers() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.workers {
		w.idle = false
	}
}

// AcquireNextTask iterates priority levels high-to-low, skipping paused
// ones, and returns the head of the first non-empty level, binding it to
// worker.
func (q *AsyncQueue) AcquireNextTask(workerID int) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for level := len(q.levels) - 1; level >= 0; level-- {
		if q.paused[level] {
			continue
		}
		if q.levels[level].Len() == 0 {
			continue
		}
		t := q.levels[level].RemoveFront().(*Task)
		q.counts[level]--
		if q.levels[level].Len() == 0 {
			q.levelCleared[level].Signal()
		}
		q.taskCount--
		t.status = StatusAcquired
		t.worker = workerID
		if workerID >= 0 && workerID < len(q.workers) {
			q.workers[workerID].current = t
			q.workers[workerID].idle = false
		}
		if q.taskCount == 0 && q.allIdleLocked() {
			q.allComplete.Signal()
		}
		return t
	}

	if workerID >= 0 && workerID < len(q.workers) {
		q.workers[workerID].idle = true
	}
	if q.taskCount == 0 && q.allIdleLocked() {
		q.allComplete.Signal()
	}
	return nil
}

func (q *AsyncQueue) allIdleLocked() bool {
	for _, w := range q.workers {
		if !w.idle {
			return false
		}
	}
	return true
}

// runTaskLocked executes t synchronously while holding q.mu, used by the
// in-thread-sync fast path in PushTask. It runs the full Execute ->
// PostExecute -> OnResult -> FreeExecute chain just as a worker would.
func (q *AsyncQueue) runTaskLocked(ctx context.Context, t *Task) {
	t.status = StatusExecute
	result, err := t.info.Execute(ctx)
	t.status = StatusPostExecute
	if t.info.PostExec != nil {
		t.info.PostExec(ctx, result, err)
	}

	var finalResult interface{}
	if t.info.OnResult != nil {
		finalResult = t.info.OnResult(ctx, result, err)
	}

	if finalResult == ResultRescheduled {
		t.status = StatusQueued
		return
	}

	if t.info.FreeExec != nil {
		t.info.FreeExec()
	}
	t.status = StatusComplete
	t.finish.Signal()
}

// RunAcquired executes a task this worker already holds via AcquireNextTask,
// running it through the Execute -> PostExecute -> OnResult -> FreeExecute
// chain. Reschedule requeues the task instead of freeing it.
func (q *AsyncQueue) RunAcquired(ctx context.Context, t *Task) {
	t.status = StatusExecute
	result, err := t.info.Execute(ctx)
	t.status = StatusPostExecute
	if t.info.PostExec != nil {
		t.info.PostExec(ctx, result, err)
	}

	var finalResult interface{}
	if t.info.OnResult != nil {
		finalResult = t.info.OnResult(ctx, result, err)
	}

	if finalResult == ResultRescheduled {
		q.mu.Lock()
		level := t.priority
		if level < 0 {
			level = 0
		}
		if level >= len(q.levels) {
			level = len(q.levels) - 1
		}
		wasEmpty := q.levels[level].Len() == 0
		q.levels[level].Insert(t)
		q.counts[level]++
		t.status = StatusQueued
		if wasEmpty {
			q.levelCleared[level].Clear()
		}
		q.taskCount++
		q.allComplete.Clear()
		q.mu.Unlock()
		return
	}

	if t.info.FreeExec != nil {
		t.info.FreeExec()
	}
	t.status = StatusComplete
	t.finish.Signal()
}

// CancelTask cancels t. If it is still queued, it is unlinked and
// transitioned directly to Cancelled. If it is executing, it is marked for
// cancel-while-active and the caller blocks on its finish event.
func (q *AsyncQueue) CancelTask(t *Task) {
	q.mu.Lock()
	if t.status == StatusQueued {
		level := t.priority
		if level < 0 {
			level = 0
		}
		if level >= len(q.levels) {
			level = len(q.levels) - 1
		}
		q.levels[level].Remove(t)
		q.counts[level]--
		if q.levels[level].Len() == 0 {
			q.levelCleared[level].Signal()
		}
		q.taskCount--
		t.status = StatusCancelled
		q.mu.Unlock()
		t.finish.Signal()
		return
	}

	if t.status == StatusExecute || t.status == StatusPostExecute || t.status == StatusAcquired {
		t.cancelling = true
		q.mu.Unlock()
		t.WaitFinish()
		return
	}
	q.mu.Unlock()
}

// CancelPriorityLevel unlinks and cancels every queued task at level p,
// then requests cancellation of any worker currently executing a task at
// that level, and blocks until the level's cleared event signals.
func (q *AsyncQueue) CancelPriorityLevel(p int) {
	q.mu.Lock()
	if p < 0 || p >= len(q.levels) {
		q.mu.Unlock()
		return
	}

	var toCancel []*Task
	for q.levels[p].Len() > 0 {
		t := q.levels[p].RemoveFront().(*Task)
		toCancel = append(toCancel, t)
	}
	q.counts[p] = 0
	q.taskCount -= len(toCancel)

	var executing []*Task
	for _, w := range q.workers {
		if w.current != nil && w.current.priority == p &&
			(w.current.status == StatusExecute || w.current.status == StatusPostExecute) {
			w.current.cancelling = true
			executing = append(executing, w.current)
		}
	}
	q.mu.Unlock()

	for _, t := range toCancel {
		t.status = StatusCancelled
		t.finish.Signal()
	}

	q.mu.Lock()
	q.levelCleared[p].Signal()
	q.mu.Unlock()

	for _, t := range executing {
		t.WaitFinish()
	}

	q.levelCleared[p].Wait()
}

// TaskCount returns a snapshot of the number of queued (not yet acquired)
// tasks across all levels.
func (q *AsyncQueue) TaskCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.taskCount
}

// WaitAllComplete blocks until the queue has no queued tasks and every
// worker is idle.
func (q *AsyncQueue) WaitAllComplete() { q.allComplete.Wait() }

// PriorityLevels returns the number of priority levels this queue was
// initialized with.
func (q *AsyncQueue) PriorityLevels() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.levels)
}

// SetPaused pauses or resumes acquisition at priority level p; a paused
// level is skipped by AcquireNextTask but still accepts pushes.
func (q *AsyncQueue) SetPaused(p int, paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p < 0 || p >= len(q.paused) {
		return
	}
	q.paused[p] = paused
}
