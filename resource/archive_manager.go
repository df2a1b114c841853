package resource

import (
	"sync"

	"github.com/watertoon/awn/container"
	"github.com/watertoon/awn/internal/awnutil"
)

// ThreadLocalArchiveManager gives each calling goroutine its own archive
// Binder, so a worker that sets a per-thread archive (for loading
// resources that live inside a level-specific pack rather than the
// default archive) doesn't contend with every other worker's loads. Go
// has no native thread-local storage, so a goroutine identifies itself by
// an explicit token (typically its worker id) the same way the job
// package's ThreadControl does; the manager keeps a red-black tree keyed
// by that token so lookup stays O(log n) as threads come and go.
type ThreadLocalArchiveManager struct {
	mu      sync.Mutex
	byToken *container.RBTree
	free    *container.List

	logger *awnutil.Logger
}

// archiveSlot is one thread's local archive binder, linked into the free
// list when ClearThreadLocalArchive unbinds its token (ReapDeadThreads
// only drops it from the tree).
type archiveSlot struct {
	node    container.ListNode
	token   int64
	binder  *Binder
	archive *SarcArchive
}

// NewThreadLocalArchiveManager creates an empty manager.
func NewThreadLocalArchiveManager(logger *awnutil.Logger) *ThreadLocalArchiveManager {
	if logger == nil {
		logger = awnutil.DefaultLogger("resource.archive")
	}
	return &ThreadLocalArchiveManager{
		byToken: container.NewRBTree(),
		free:    container.NewList(),
		logger:  logger,
	}
}

// SetThreadLocalArchive binds archive as token's local archive, replacing
// any previous binding.
func (m *ThreadLocalArchiveManager) SetThreadLocalArchive(token int64, archive *SarcArchive) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.byToken.Find(uint64(token)); n != nil {
		slot := n.Owner().(*archiveSlot)
		slot.archive = archive
		return
	}
	slot := &archiveSlot{token: token, archive: archive, binder: NewBinder()}
	slot.node.Init(slot)
	m.byToken.Insert(uint64(token), slot)
}

// GetThreadLocalArchive returns token's local archive and binder, or
// (nil, nil, false) if none is set.
func (m *ThreadLocalArchiveManager) GetThreadLocalArchive(token int64) (*SarcArchive, *Binder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.byToken.Find(uint64(token))
	if n == nil {
		return nil, nil, false
	}
	slot := n.Owner().(*archiveSlot)
	return slot.archive, slot.binder, true
}

// ClearThreadLocalArchive unbinds token's archive and moves its slot onto
// the manager's internal free list. SetThreadLocalArchive does not take
// slots back from that list; it always creates a fresh slot.
func (m *ThreadLocalArchiveManager) ClearThreadLocalArchive(token int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.byToken.Find(uint64(token))
	if n == nil {
		return
	}
	slot := n.Owner().(*archiveSlot)
	m.byToken.Remove(uint64(token))
	slot.archive = nil
	m.free.PushBack(&slot.node)
}

// ReapDeadThreads drops every slot whose token is not present in
// liveTokens, called from Calculate once per frame so a worker pool that
// shrinks doesn't leak archive slots forever.
func (m *ThreadLocalArchiveManager) ReapDeadThreads(liveTokens map[int64]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []uint64
	m.byToken.Each(func(key uint64, owner interface{}) {
		if !liveTokens[int64(key)] {
			dead = append(dead, key)
		}
	})
	for _, key := range dead {
		m.byToken.Remove(key)
	}
}

// ScopedThreadLocalArchive saves token's current archive on construction
// and restores it on Close, for temporarily overriding a thread's archive
// within a limited scope (e.g. loading a handful of resources out of a
// one-off archive without disturbing the thread's normal binding).
type ScopedThreadLocalArchive struct {
	mgr      *ThreadLocalArchiveManager
	token    int64
	previous *SarcArchive
	hadPrev  bool
}

// EnterScopedThreadLocalArchive saves token's current archive (if any) and
// installs archive in its place.
func EnterScopedThreadLocalArchive(mgr *ThreadLocalArchiveManager, token int64, archive *SarcArchive) *ScopedThreadLocalArchive {
	prev, _, had := mgr.GetThreadLocalArchive(token)
	mgr.SetThreadLocalArchive(token, archive)
	return &ScopedThreadLocalArchive{mgr: mgr, token: token, previous: prev, hadPrev: had}
}

// Close restores the archive that was bound before Enter was called.
func (s *ScopedThreadLocalArchive) Close() {
	if s.hadPrev {
		s.mgr.SetThreadLocalArchive(s.token, s.previous)
	} else {
		s.mgr.ClearThreadLocalArchive(s.token)
	}
}
