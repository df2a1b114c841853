package resource

import (
	"sync"

	"github.com/watertoon/awn/container"
	"github.com/watertoon/awn/heap"
	"github.com/watertoon/awn/internal/awnutil"
)

// Domain names which physical memory pool a resource is carved from.
// System resources come out of host memory; the two GPU domains exist
// because uncached GPU memory is cheap to allocate but slow to read back,
// while cached GPU memory is the opposite trade-off.
type Domain int

const (
	DomainSystem Domain = iota
	DomainGPUUncached
	DomainGPUCached
	domainCount
)

// domainPool is one Domain's root heap plus the free-cache list of
// zero-reference units still resident in it, ordered least-recently-freed
// first so eviction always reclaims the coldest resource.
type domainPool struct {
	root      heap.Heap
	freeCache *container.List
}

// MemoryManager owns the per-domain root heaps resources are allocated
// from and the free-cache eviction policy that lets a DecrementReference
// to zero keep a unit's bytes around for a potential future re-reference
// instead of freeing them immediately. AllocateWithEviction is the
// pressure-relief path ScheduleLoad calls when a domain is full: it walks
// the domain's free cache oldest-first, actually tearing down units (heap
// free, Status -> Freed, untrack) until the request fits or the cache is
// exhausted.
type MemoryManager struct {
	mu      sync.Mutex
	pools   [domainCount]*domainPool
	tracked map[*Unit]Domain

	logger *awnutil.Logger
}

// NewMemoryManager builds a MemoryManager with one ExpHeap per domain
// sized per domainSizes (indexed by Domain).
func NewMemoryManager(domainSizes [domainCount]uint32, logger *awnutil.Logger) *MemoryManager {
	if logger == nil {
		logger = awnutil.DefaultLogger("resource.memory")
	}
	m := &MemoryManager{
		tracked: make(map[*Unit]Domain),
		logger:  logger,
	}
	names := [domainCount]string{"system", "gpu-uncached", "gpu-cached"}
	for d := Domain(0); d < domainCount; d++ {
		m.pools[d] = &domainPool{
			root:      heap.NewExpHeap(names[d], domainSizes[d], logger.With(names[d])),
			freeCache: container.NewList(),
		}
	}
	return m
}

func domainForHeapKind(k HeapKind) Domain {
	switch k {
	case HeapKindFrame:
		return DomainGPUUncached
	default:
		return DomainSystem
	}
}

// AllocateWithEviction tries TryAllocate on the domain's root heap; on
// failure it evicts free-cached units oldest-first, actually tearing each
// one down, retrying the allocation after every eviction until it
// succeeds or the free cache is exhausted.
func (m *MemoryManager) AllocateWithEviction(kind HeapKind, size, alignment uint32) (heap.Heap, heap.Handle, bool) {
	domain := domainForHeapKind(kind)
	pool := m.pools[domain]

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := pool.root.TryAllocate(size, alignment); ok {
		return pool.root, h, true
	}

	for pool.freeCache.Len() > 0 {
		owner := pool.freeCache.PopFront()
		victim, ok := owner.(*Unit)
		if !ok {
			continue
		}
		m.teardownLocked(victim)
		if h, ok := pool.root.TryAllocate(size, alignment); ok {
			return pool.root, h, true
		}
	}

	return nil, heap.Handle{}, false
}

// markFreeable is called by Unit.DecrementReference when a unit's
// reference count reaches zero: rather than tearing it down immediately,
// it joins the free cache so a subsequent reference within the same
// frame or two can resurrect it without a reload.
func (m *MemoryManager) markFreeable(u *Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	domain, ok := m.tracked[u]
	if !ok {
		return
	}
	u.freeCacheMu.Lock()
	u.freeCacheLinked = true
	u.freeCacheMu.Unlock()
	m.pools[domain].freeCache.PushBack(&u.freeCacheNode)
}

// revive removes u from its domain's free cache without tearing it
// down, used when a new reference arrives before eviction claims it.
func (m *MemoryManager) revive(u *Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	domain, ok := m.tracked[u]
	if !ok {
		return
	}
	u.freeCacheMu.Lock()
	if u.freeCacheLinked {
		m.pools[domain].freeCache.Remove(&u.freeCacheNode)
		u.freeCacheLinked = false
	}
	u.freeCacheMu.Unlock()
}

// track registers a newly-loading unit against domain so later eviction
// and untrack calls know which pool it belongs to.
func (m *MemoryManager) track(u *Unit, domain Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[u] = domain
}

// untrack drops u's bookkeeping entirely, called from BuildUnloadTask once
// the unit's heap allocation has already been freed.
func (m *MemoryManager) untrack(u *Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	domain, ok := m.tracked[u]
	if !ok {
		return
	}
	u.freeCacheMu.Lock()
	if u.freeCacheLinked {
		m.pools[domain].freeCache.Remove(&u.freeCacheNode)
		u.freeCacheLinked = false
	}
	u.freeCacheMu.Unlock()
	delete(m.tracked, u)
}

// teardownLocked frees a free-cached unit's heap allocation and clears its
// tracking; callers must hold m.mu.
func (m *MemoryManager) teardownLocked(u *Unit) {
	if u.heap != nil {
		u.heap.Free(u.handle)
	}
	u.object = nil
	u.setStatus(StatusFreed)
	u.freeCacheMu.Lock()
	u.freeCacheLinked = false
	u.freeCacheMu.Unlock()
	delete(m.tracked, u)
}
