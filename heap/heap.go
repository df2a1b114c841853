// Package heap implements the heap family that every other package in the
// core allocates through: a coalescing general-purpose heap, bump-allocated
// frame heaps, an offset-only heap for memory owned elsewhere, and a
// reserve/commit virtual address heap. They share one contract
// (TryAllocate/AdjustHeap/FindHeapFromAddress) and form a parent/child tree
// of heterogeneous heap kinds rooted at whichever kind a caller creates
// first.
package heap

import (
	"sync"

	"github.com/sony/gobreaker"

	"github.com/watertoon/awn/internal/awnutil"
)

// Handle is an opaque allocation returned by TryAllocate. It carries no
// memory of its own: the byte storage backing every heap in this package is
// a plain Go slice owned by the root heap, and a Handle only names an
// offset range within it.
type Handle struct {
	Offset uint32
	Size   uint32
}

// Heap is the common contract every heap kind in this package satisfies.
type Heap interface {
	Name() string
	TryAllocate(size, alignment uint32) (Handle, bool)
	Free(h Handle)
	AdjustHeap() uint32
	Contains(h Handle) bool
	Parent() Heap
	Children() []Heap
	addChild(c Heap)
	removeChild(c Heap)
}

// baseHeap holds the bookkeeping shared by every concrete heap: its backing
// buffer, its place in the heap tree, and its logger. The OOM retry path
// lives in Manager, not here.
type baseHeap struct {
	name      string
	buf       []byte
	baseOff   uint32
	totalSize uint32

	mu       sync.Mutex
	parent   Heap
	children []Heap

	logger *awnutil.Logger
}

func (b *baseHeap) Name() string     { return b.name }
func (b *baseHeap) Parent() Heap     { return b.parent }
func (b *baseHeap) Children() []Heap { return append([]Heap(nil), b.children...) }

func (b *baseHeap) addChild(c Heap) {
	b.mu.Lock()
	b.children = append(b.children, c)
	b.mu.Unlock()
}

func (b *baseHeap) removeChild(c Heap) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.children {
		if ch == c {
			b.children = append(b.children[:i], b.children[i+1:]...)
			return
		}
	}
}

func align(v, alignment uint32) uint32 {
	if alignment == 0 {
		return v
	}
	return (v + alignment - 1) &^ (alignment - 1)
}

// OOMCallback is invoked once, process-wide, when a TryAllocate fails to
// find space. Returning true means the callback freed something and the
// allocation should be retried; false means the call should fail and
// surface as an allocation-failed handle.
type OOMCallback func(requested uint32) (freed bool)

// Manager is the process-wide heap tree: it holds the registered root
// heaps, the global out-of-memory callback, and the circuit breaker that
// keeps a flapping OOM callback from being retried in a tight, pointless
// loop. It is an explicit value callers hold and pass around rather than
// a package-level global.
type Manager struct {
	mu    sync.Mutex
	roots []Heap

	oomCallback OOMCallback
	oomBreaker  *gobreaker.CircuitBreaker

	lookupMu sync.RWMutex
	lookup   map[int64]Heap // goroutine-local lookup-heap fast path, keyed by a caller-supplied thread token
}

// NewManager creates an empty heap manager. The out-of-memory callback may
// be nil, in which case an allocation failure is reported immediately
// without a retry.
func NewManager(oomCallback OOMCallback, logger *awnutil.Logger) *Manager {
	if logger == nil {
		logger = awnutil.DefaultLogger("heap")
	}
	st := gobreaker.Settings{
		Name:        "heap-oom-callback",
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Manager{
		oomCallback: oomCallback,
		oomBreaker:  gobreaker.NewCircuitBreaker(st),
		lookup:      make(map[int64]Heap),
	}
}

// RegisterRoot adds a root heap to the tree so FindHeapFromAddress can
// discover it.
func (m *Manager) RegisterRoot(h Heap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roots = append(m.roots, h)
}

// TryAllocateWithRetry runs h.TryAllocate and, on failure, invokes the
// manager's OOM callback once and retries exactly once more. The circuit
// breaker prevents a consistently-failing callback (e.g. nothing left to
// evict) from being invoked on every subsequent allocation in the same
// storm.
func (m *Manager) TryAllocateWithRetry(h Heap, size, alignment uint32) (Handle, bool) {
	if handle, ok := h.TryAllocate(size, alignment); ok {
		return handle, true
	}
	if m.oomCallback == nil {
		return Handle{}, false
	}

	_, err := m.oomBreaker.Execute(func() (interface{}, error) {
		if !m.oomCallback(size) {
			return nil, awnutil.NewError("oom callback did not free enough memory")
		}
		return nil, nil
	})
	if err != nil {
		return Handle{}, false
	}
	return h.TryAllocate(size, alignment)
}

// SetLookupHeap caches h as the fast-path heap for the calling thread
// token, consulted first by FindHeapFromAddress.
func (m *Manager) SetLookupHeap(threadToken int64, h Heap) {
	m.lookupMu.Lock()
	m.lookup[threadToken] = h
	m.lookupMu.Unlock()
}

// FindHeapFromAddress resolves the most-specific heap containing h's
// offset range: first the calling thread's cached lookup heap (if it has
// no children and contains the handle), then a tree-wide search under the
// manager's lock, recursing into the most specific matching child.
func (m *Manager) FindHeapFromAddress(threadToken int64, h Handle) Heap {
	m.lookupMu.RLock()
	cached, ok := m.lookup[threadToken]
	m.lookupMu.RUnlock()
	if ok && len(cached.Children()) == 0 && cached.Contains(h) {
		return cached
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, root := range m.roots {
		if found := findIn(root, h); found != nil {
			return found
		}
	}
	return nil
}

func findIn(h Heap, handle Handle) Heap {
	if !h.Contains(handle) {
		return nil
	}
	for _, c := range h.Children() {
		if found := findIn(c, handle); found != nil {
			return found
		}
	}
	return h
}
