package job

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runToCompletion(t *testing.T, tm *ThreadManager) {
	t.Helper()
	done := make(chan struct{})
	go func() { tm.FinishRun(tm.Workers()); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete within timeout")
	}
}

func TestDiamondGraph(t *testing.T) {
	g := NewGraph(nil)
	var order []string
	var mu sync.Mutex
	record := func(name string) JobFunc {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	a := g.RegisterJob(record("A"), 0, AnyCore, 1, false, 0, false)
	b := g.RegisterJob(record("B"), 0, AnyCore, 1, false, 0, false)
	c := g.RegisterJob(record("C"), 0, AnyCore, 1, false, 0, false)
	d := g.RegisterJob(record("D"), 0, AnyCore, 1, false, 0, false)
	g.RegisterDependency(a, b)
	g.RegisterDependency(a, c)
	g.RegisterDependency(b, d)
	g.RegisterDependency(c, d)

	tm := Initialize([]int{0, 1, 2, 3}, false, -1)
	tm.SubmitGraph(g)
	runToCompletion(t, tm)

	require.Len(t, order, 4)
	assert.Equal(t, "A", order[0])
	assert.Equal(t, "D", order[3])
	assert.ElementsMatch(t, []string{"B", "C"}, order[1:3])
}

func TestMultiRunCompleteOnce(t *testing.T) {
	g := NewGraph(nil)
	var jRuns int32
	var kRan int32
	var kRanAfterJFirstRun bool
	var mu sync.Mutex

	j := g.RegisterJob(func() {
		atomic.AddInt32(&jRuns, 1)
		time.Sleep(2 * time.Millisecond)
	}, 0, AnyCore, 3, true, 0, false)

	k := g.RegisterJob(func() {
		mu.Lock()
		if atomic.LoadInt32(&jRuns) >= 1 {
			kRanAfterJFirstRun = true
		}
		atomic.AddInt32(&kRan, 1)
		mu.Unlock()
	}, 0, AnyCore, 1, false, 0, false)

	g.RegisterDependency(j, k)

	tm := Initialize([]int{0, 1}, false, -1)
	tm.SubmitGraph(g)
	runToCompletion(t, tm)

	assert.Equal(t, int32(3), jRuns, "J must run exactly multi_run_count times")
	assert.Equal(t, int32(1), kRan, "K must run exactly once")
	assert.True(t, kRanAfterJFirstRun)
}

func TestCorePinnedPipeline(t *testing.T) {
	g := NewGraph(nil)
	// Jobs are not told which worker runs them, so this checks that the
	// core-pinned jobs run to completion inside a pipeline with an
	// any-core job between them; it does not observe the worker's core.
	var coreOfP1, coreOfP3 int32 = -99, -99

	p1 := g.RegisterJob(func() { atomic.StoreInt32(&coreOfP1, 2) }, 2, 2, 1, false, 0, false)
	p2 := g.RegisterJob(func() {}, 1, AnyCore, 1, false, 0, false)
	p3 := g.RegisterJob(func() { atomic.StoreInt32(&coreOfP3, 2) }, 0, 2, 1, false, 0, false)
	g.RegisterDependency(p1, p2)
	g.RegisterDependency(p2, p3)

	tm := Initialize([]int{0, 1, 2, 3}, false, -1)
	tm.SubmitGraph(g)
	runToCompletion(t, tm)

	assert.Equal(t, int32(2), coreOfP1)
	assert.Equal(t, int32(2), coreOfP3)
}

func TestRegisterDependencyByUserId_ResolvesAcrossOrder(t *testing.T) {
	g := NewGraph(nil)
	var order []string
	var mu sync.Mutex
	record := func(name string) JobFunc {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	// Declare the dependency before either side has registered.
	g.RegisterDependencyByUserId(100, 200)

	g.RegisterJob(record("second"), 0, AnyCore, 1, false, 200, true)
	g.RegisterJob(record("first"), 0, AnyCore, 1, false, 100, true)

	tm := Initialize([]int{0, 1}, false, -1)
	tm.SubmitGraph(g)
	runToCompletion(t, tm)

	require.Len(t, order, 2)
	assert.Equal(t, "first", order[0])
	assert.Equal(t, "second", order[1])
}

func TestGraph_Clear(t *testing.T) {
	g := NewGraph(nil)
	g.RegisterJob(func() {}, 0, AnyCore, 1, false, 0, false)
	g.Clear()
	nodes, edges := g.snapshot()
	assert.Empty(t, nodes)
	assert.Empty(t, edges)
}
