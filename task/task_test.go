package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, q *AsyncQueue, workerID int) []*Task {
	t.Helper()
	var ran []*Task
	for {
		tk := q.AcquireNextTask(workerID)
		if tk == nil {
			return ran
		}
		q.RunAcquired(context.Background(), tk)
		ran = append(ran, tk)
	}
}

func TestAsyncQueue_PriorityOrdering(t *testing.T) {
	q := Initialize(4, 2, 16)

	var order []int
	var mu sync.Mutex
	mkTask := func(id, priority int) *Task {
		return NewTask(Info{
			Priority: priority,
			Execute: func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
				return nil, nil
			},
		})
	}

	low := mkTask(1, 0)
	high := mkTask(2, 3)
	q.PushTask(context.Background(), low, -1)
	q.PushTask(context.Background(), high, -1)

	drain(t, q, 0)
	require.Len(t, order, 2)
	assert.Equal(t, 2, order[0], "higher priority task should be acquired first")
	assert.Equal(t, 1, order[1])
}

func TestAsyncQueue_PushAcquireRunCompletesTask(t *testing.T) {
	q := Initialize(2, 1, 8)
	ran := false

	tsk := NewTask(Info{
		Priority: 0,
		IsSync:   false,
		Execute: func(ctx context.Context) (interface{}, error) {
			time.Sleep(5 * time.Millisecond)
			ran = true
			return nil, nil
		},
	})

	q.PushTask(context.Background(), tsk, -1)
	got := q.AcquireNextTask(0)
	require.NotNil(t, got)
	q.RunAcquired(context.Background(), got)

	assert.True(t, ran)
	assert.Equal(t, StatusComplete, tsk.Status())
}

func TestAsyncQueue_CancelQueuedTask(t *testing.T) {
	q := Initialize(4, 1, 8)
	tsk := NewTask(Info{Priority: 1, Execute: func(ctx context.Context) (interface{}, error) { return nil, nil }})
	q.PushTask(context.Background(), tsk, -1)

	q.CancelTask(tsk)
	assert.Equal(t, StatusCancelled, tsk.Status())
	assert.Equal(t, 0, q.TaskCount())
}

func TestAsyncQueue_CancelPriorityLevelBulk(t *testing.T) {
	q := Initialize(4, 2, 256)
	var tasks []*Task
	for i := 0; i < 100; i++ {
		tsk := NewTask(Info{Priority: 3, Execute: func(ctx context.Context) (interface{}, error) { return nil, nil }})
		q.PushTask(context.Background(), tsk, -1)
		tasks = append(tasks, tsk)
	}

	q.CancelPriorityLevel(3)

	for _, tsk := range tasks {
		assert.Equal(t, StatusCancelled, tsk.Status())
	}
	assert.Equal(t, 0, q.TaskCount())
}

func TestAsyncQueue_Reschedule(t *testing.T) {
	q := Initialize(2, 1, 8)
	runs := 0
	tsk := NewTask(Info{
		Priority: 0,
		Execute: func(ctx context.Context) (interface{}, error) {
			runs++
			return runs, nil
		},
		OnResult: func(ctx context.Context, result interface{}, err error) interface{} {
			if result.(int) < 2 {
				return ResultRescheduled
			}
			return nil
		},
	})

	q.PushTask(context.Background(), tsk, -1)
	got := q.AcquireNextTask(0)
	q.RunAcquired(context.Background(), got)
	assert.Equal(t, StatusQueued, tsk.Status())

	got2 := q.AcquireNextTask(0)
	require.NotNil(t, got2)
	q.RunAcquired(context.Background(), got2)
	assert.Equal(t, StatusComplete, tsk.Status())
	assert.Equal(t, 2, runs)
}

func TestAllocator_AcquireFreeHandoff(t *testing.T) {
	const poolSize = 20
	alloc := NewAllocator(poolSize, func() Info { return Info{} })

	var acquired []*Task
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tsk := alloc.AcquireTask()
			mu.Lock()
			acquired = append(acquired, tsk)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, acquired, poolSize)
	seen := make(map[*Task]bool)
	for _, tsk := range acquired {
		require.False(t, seen[tsk], "the same task must never be acquired twice concurrently")
		seen[tsk] = true
	}

	for _, tsk := range acquired {
		alloc.FreeTask(tsk)
	}
	assert.Equal(t, poolSize, alloc.Outstanding())
}
