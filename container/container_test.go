package container

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPQItem struct {
	priority int
	index    int
}

func (i *testPQItem) Less(other PQItem) bool { return i.priority < other.(*testPQItem).priority }
func (i *testPQItem) SetIndex(idx int)        { i.index = idx }
func (i *testPQItem) Index() int              { return i.index }

func TestFixedPriorityQueue_OrdersByPriority(t *testing.T) {
	q := NewFixedPriorityQueue(8)
	items := []*testPQItem{{priority: 5}, {priority: 1}, {priority: 3}, {priority: 2}, {priority: 4}}
	for _, it := range items {
		q.Insert(it)
	}

	var order []int
	for q.Len() > 0 {
		order = append(order, q.RemoveFront().(*testPQItem).priority)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestFixedPriorityQueue_RemoveMiddle(t *testing.T) {
	q := NewFixedPriorityQueue(8)
	a := &testPQItem{priority: 1}
	b := &testPQItem{priority: 2}
	c := &testPQItem{priority: 3}
	q.Insert(a)
	q.Insert(b)
	q.Insert(c)

	removed := q.Remove(b)
	assert.Same(t, b, removed)
	assert.Equal(t, -1, b.Index())
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, 1, q.RemoveFront().(*testPQItem).priority)
	assert.Equal(t, 3, q.RemoveFront().(*testPQItem).priority)
}

func TestList_PushPopOrder(t *testing.T) {
	l := NewList()
	var na, nb, nc ListNode
	na.Init("a")
	nb.Init("b")
	nc.Init("c")

	l.PushBack(&na)
	l.PushBack(&nb)
	l.PushFront(&nc)

	require.Equal(t, 3, l.Len())
	assert.Equal(t, "c", l.PopFront())
	assert.Equal(t, "a", l.PopFront())
	assert.Equal(t, "b", l.PopFront())
	assert.Equal(t, 0, l.Len())
}

func TestList_UnlinkMidList(t *testing.T) {
	l := NewList()
	var na, nb, nc ListNode
	na.Init("a")
	nb.Init("b")
	nc.Init("c")
	l.PushBack(&na)
	l.PushBack(&nb)
	l.PushBack(&nc)

	l.Remove(&nb)
	assert.False(t, nb.IsLinked())

	var seen []string
	l.Each(func(o interface{}) { seen = append(seen, o.(string)) })
	assert.Equal(t, []string{"a", "c"}, seen)
}

func TestRBTree_InsertFindRemove(t *testing.T) {
	tree := NewRBTree()
	keys := []uint64{50, 20, 70, 10, 30, 60, 80, 5, 15}
	for _, k := range keys {
		tree.Insert(k, k*10)
	}
	require.Equal(t, len(keys), tree.Len())

	for _, k := range keys {
		n := tree.Find(k)
		require.NotNil(t, n)
		assert.Equal(t, k*10, n.Owner())
	}

	var ordered []uint64
	tree.Each(func(k uint64, _ interface{}) { ordered = append(ordered, k) })
	for i := 1; i < len(ordered); i++ {
		assert.Less(t, ordered[i-1], ordered[i])
	}

	tree.Remove(30)
	assert.Nil(t, tree.Find(30))
	assert.Equal(t, len(keys)-1, tree.Len())
}

func TestRBTree_OverwriteDuplicateKey(t *testing.T) {
	tree := NewRBTree()
	tree.Insert(1, "first")
	tree.Insert(1, "second")
	assert.Equal(t, 1, tree.Len())
	assert.Equal(t, "second", tree.Find(1).Owner())
}

func TestHashMap_InsertGetRemove(t *testing.T) {
	m := NewHashMap(16)
	for i := uint64(1); i <= 10; i++ {
		m.Insert(i, i*100)
	}
	require.Equal(t, 10, m.Len())

	for i := uint64(1); i <= 10; i++ {
		v, ok := m.Get(i)
		require.True(t, ok)
		assert.Equal(t, i*100, v)
	}

	assert.True(t, m.Remove(5))
	_, ok := m.Get(5)
	assert.False(t, ok)
	assert.Equal(t, 9, m.Len())

	for i := uint64(1); i <= 10; i++ {
		if i == 5 {
			continue
		}
		v, ok := m.Get(i)
		require.True(t, ok, "key %d should survive removal of an unrelated key", i)
		assert.Equal(t, i*100, v)
	}
}

func TestHashMap_ZeroKeyRejected(t *testing.T) {
	m := NewHashMap(4)
	assert.Panics(t, func() { m.Insert(0, "x") })
	_, ok := m.Get(0)
	assert.False(t, ok)
}

func TestAtomicRing_PushPopOrder(t *testing.T) {
	r := NewAtomicRing(8)
	for i := 0; i < 5; i++ {
		ok := r.Push(i)
		require.True(t, ok)
	}
	assert.Equal(t, 5, r.Len())

	for i := 0; i < 5; i++ {
		v, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := r.Pop()
	assert.False(t, ok)
}

func TestAtomicRing_RejectsPushPastCapacity(t *testing.T) {
	r := NewAtomicRing(4)
	for i := 0; i < 4; i++ {
		require.True(t, r.Push(i))
	}
	assert.False(t, r.Push(99))
}

func TestAtomicRing_ConcurrentProducersConsumersNoLeakOrDup(t *testing.T) {
	const n = 2000
	r := NewAtomicRing(64)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			for !r.Push(i) {
			}
		}
	}()

	seen := make(map[int]bool)
	var mu sync.Mutex
	go func() {
		defer wg.Done()
		count := 0
		for count < n {
			v, ok := r.Pop()
			if !ok {
				continue
			}
			mu.Lock()
			val := v.(int)
			require.False(t, seen[val], "value %d observed twice", val)
			require.NotEqual(t, 0, val, "ring must never yield a zero-value placeholder")
			seen[val] = true
			mu.Unlock()
			count++
		}
	}()

	wg.Wait()
	assert.Equal(t, n, len(seen))
}
