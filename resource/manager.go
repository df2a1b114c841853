package resource

import (
	"context"
	"sync"

	"github.com/watertoon/awn/internal/awnutil"
	"github.com/watertoon/awn/task"
)

// Priority levels the control queue understands directly. memoryPriority
// (2p+1) and loadPriority (p/2) map a caller's requested priority p onto
// the memory and load queues. LoadBinder applies loadPriority; nothing in
// this package calls memoryPriority, and the unload tasks Calculate pushes
// keep their task's own priority.
const controlPriorityLevels = 8

func memoryPriority(p int) int { return 2*p + 1 }
func loadPriority(p int) int   { return p / 2 }

// AsyncResourceManager is the top-level entry point of the resource
// pipeline: three AsyncQueues (control/memory/load) each served by their
// own dedicated workers, a MemoryManager per hardware domain, a
// DecompressorManager, a registry of resource-size tables, a
// ThreadLocalArchiveManager, and a default archive every Binder falls
// back to when no thread-local override is set.
type AsyncResourceManager struct {
	mu sync.Mutex

	control *task.AsyncQueue
	memory  *task.AsyncQueue
	load    *task.AsyncQueue

	memoryMgr       *MemoryManager
	decompressorMgr *DecompressorManager
	archiveMgr      *ThreadLocalArchiveManager

	sizeTables map[string]*SizeTable

	defaultArchive   *SarcArchive
	defaultArchiveMu sync.Mutex

	units map[string]*Unit

	finalizeList []*Unit

	controlPriority int
	memoryPriority  int
	loadPriority    int

	logger *awnutil.Logger
}

// Config bundles AsyncResourceManager's sizing knobs.
type Config struct {
	ControlWorkers  int
	MemoryWorkers   int
	LoadWorkers     int
	QueueCapacity   int
	DomainSizes     [domainCount]uint32
}

// Initialize builds the three queues, the per-domain memory manager, and
// the supporting subsystems, ready for Calculate to be driven once per
// frame and for binders to start issuing loads.
func Initialize(cfg Config, logger *awnutil.Logger) *AsyncResourceManager {
	if logger == nil {
		logger = awnutil.DefaultLogger("resource.manager")
	}
	return &AsyncResourceManager{
		control:         task.Initialize(controlPriorityLevels, cfg.ControlWorkers, cfg.QueueCapacity),
		memory:          task.Initialize(controlPriorityLevels*2+1, cfg.MemoryWorkers, cfg.QueueCapacity),
		load:            task.Initialize(controlPriorityLevels/2+1, cfg.LoadWorkers, cfg.QueueCapacity),
		memoryMgr:       NewMemoryManager(cfg.DomainSizes, logger.With("memory")),
		decompressorMgr: NewDecompressorManager(logger.With("decompressor")),
		archiveMgr:      NewThreadLocalArchiveManager(logger.With("archive")),
		sizeTables:      make(map[string]*SizeTable),
		units:           make(map[string]*Unit),
		logger:          logger,
	}
}

// Calculate is the one-shot per-frame maintenance task: it drains the
// finalize list (actually unloading units marked finalized since the last
// frame), reaps thread-local archive slots for threads no longer present
// in liveTokens, and returns the number of units unloaded this frame.
func (m *AsyncResourceManager) Calculate(ctx context.Context, liveTokens map[int64]bool) int {
	m.mu.Lock()
	pending := m.finalizeList
	m.finalizeList = nil
	m.mu.Unlock()

	for _, u := range pending {
		t := task.NewTask(u.BuildUnloadTask())
		m.memory.PushTask(ctx, t, -1)
	}

	m.archiveMgr.ReapDeadThreads(liveTokens)
	return len(pending)
}

// ForceClearAllCaches evicts every free-cached (zero-reference) unit
// across all domains immediately, rather than waiting for memory pressure
// to trigger eviction lazily.
func (m *AsyncResourceManager) ForceClearAllCaches() {
	for d := Domain(0); d < domainCount; d++ {
		pool := m.memoryMgr.pools[d]
		for {
			m.memoryMgr.mu.Lock()
			if pool.freeCache.Len() == 0 {
				m.memoryMgr.mu.Unlock()
				break
			}
			owner := pool.freeCache.PopFront()
			u, ok := owner.(*Unit)
			m.memoryMgr.mu.Unlock()
			if ok {
				m.memoryMgr.mu.Lock()
				m.memoryMgr.teardownLocked(u)
				m.memoryMgr.mu.Unlock()
			}
		}
	}
}

// SetDefaultArchive installs archive as the manager-wide fallback used by
// binders with no thread-local override.
func (m *AsyncResourceManager) SetDefaultArchive(archive *SarcArchive) {
	m.defaultArchiveMu.Lock()
	defer m.defaultArchiveMu.Unlock()
	m.defaultArchive = archive
}

// AcquireDefaultArchive returns the current default archive.
func (m *AsyncResourceManager) AcquireDefaultArchive() *SarcArchive {
	m.defaultArchiveMu.Lock()
	defer m.defaultArchiveMu.Unlock()
	return m.defaultArchive
}

// ReleaseDefaultArchive clears the manager-wide fallback archive.
func (m *AsyncResourceManager) ReleaseDefaultArchive() {
	m.defaultArchiveMu.Lock()
	defer m.defaultArchiveMu.Unlock()
	m.defaultArchive = nil
}

// RegisterResourceSizeTable parses data with ParseSizeTable and registers
// it under name for later LookupResourceSize calls.
func (m *AsyncResourceManager) RegisterResourceSizeTable(name string, data []byte) error {
	t, err := ParseSizeTable(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sizeTables[name] = t
	m.mu.Unlock()
	return nil
}

// ReleaseResourceSizeTables drops every registered size table.
func (m *AsyncResourceManager) ReleaseResourceSizeTables() {
	m.mu.Lock()
	m.sizeTables = make(map[string]*SizeTable)
	m.mu.Unlock()
}

// LookupResourceSize finds path's decompressed size in the named size
// table.
func (m *AsyncResourceManager) LookupResourceSize(name, path string) (uint32, bool) {
	m.mu.Lock()
	t := m.sizeTables[name]
	m.mu.Unlock()
	if t == nil {
		return 0, false
	}
	return t.Lookup(path)
}

// AllocateDecompressor hands out a Decompressor for kind.
func (m *AsyncResourceManager) AllocateDecompressor(kind CompressionKind) Decompressor {
	return m.decompressorMgr.AllocateDecompressor(kind)
}

// FreeDecompressor releases a Decompressor acquired from
// AllocateDecompressor.
func (m *AsyncResourceManager) FreeDecompressor(d Decompressor) {
	m.decompressorMgr.FreeDecompressor(d)
}

// LoadBinder issues an async load for path at priority through device,
// returning the Binder the caller polls via Complete/WaitForLoad. If a
// Unit for path is already resident, the binder attaches to it instead of
// starting a new load.
func (m *AsyncResourceManager) LoadBinder(ctx context.Context, path string, device FileDevice, priority int, heapKind HeapKind, factory Factory) *Binder {
	m.mu.Lock()
	existing, ok := m.units[path]
	m.mu.Unlock()

	b := NewBinder()
	if ok && (existing.Status() == StatusLoaded || existing.Status() == StatusResourceInitialized) {
		b.ReferenceBinderAsync(existing)
		return b
	}

	u := NewUnit(path, m.memoryMgr, m.logger.With("unit"))
	m.mu.Lock()
	m.units[path] = u
	m.mu.Unlock()

	var decompressor Decompressor
	kind := CompressionFromExtension(path)
	if kind != CompressionNone {
		decompressor = m.decompressorMgr.AllocateDecompressor(kind)
	}

	loadInfo := u.BuildLoadTask(LoadParams{
		Path:         path,
		Device:       device,
		Decompressor: decompressor,
		HeapKind:     heapKind,
		Factory:      factory,
	})
	b.TryLoadAsync(ctx, m.load, path, u, loadInfo, loadPriority(priority))
	return b
}

// ReleaseUnit marks u's Unit finalized so the next Calculate unloads it,
// used once a binder holding the last reference to a resource is torn
// down.
func (m *AsyncResourceManager) ReleaseUnit(u *Unit) {
	u.MarkFinalized()
	m.mu.Lock()
	m.finalizeList = append(m.finalizeList, u)
	m.mu.Unlock()
}

// ControlQueue, MemoryQueue and LoadQueue expose the three underlying
// AsyncQueues for callers that need to push their own control-plane tasks
// (e.g. a resource-post-initialize step that must run on the control
// queue rather than inline inside LoadBinder).
func (m *AsyncResourceManager) ControlQueue() *task.AsyncQueue { return m.control }
func (m *AsyncResourceManager) MemoryQueue() *task.AsyncQueue  { return m.memory }
func (m *AsyncResourceManager) LoadQueue() *task.AsyncQueue    { return m.load }

// SuspendControlThread, SuspendMemoryThread and SuspendLoadThread pause
// every priority level of their respective queue, halting new task
// acquisition without discarding what is already queued.
func (m *AsyncResourceManager) SuspendControlThread() { suspendAll(m.control) }
func (m *AsyncResourceManager) SuspendMemoryThread()  { suspendAll(m.memory) }
func (m *AsyncResourceManager) SuspendLoadThread()    { suspendAll(m.load) }

// ResumeControlThread, ResumeMemoryThread and ResumeLoadThread undo a
// Suspend* call.
func (m *AsyncResourceManager) ResumeControlThread() { resumeAll(m.control) }
func (m *AsyncResourceManager) ResumeMemoryThread()  { resumeAll(m.memory) }
func (m *AsyncResourceManager) ResumeLoadThread()    { resumeAll(m.load) }

// SetControlPriority, SetMemoryPriority and SetLoadPriority store a
// priority for the control, memory and load queues. No push in this
// package reads the stored values, so they do not change the level any
// task is queued at, and tasks already pending are not reordered.
func (m *AsyncResourceManager) SetControlPriority(p int) { m.mu.Lock(); m.controlPriority = p; m.mu.Unlock() }
func (m *AsyncResourceManager) SetMemoryPriority(p int)  { m.mu.Lock(); m.memoryPriority = p; m.mu.Unlock() }
func (m *AsyncResourceManager) SetLoadPriority(p int)    { m.mu.Lock(); m.loadPriority = p; m.mu.Unlock() }

// LoadZstandardDictionaryArchive parses data as a SARC dictionary archive
// and returns it. The pipeline treats the dictionary the same as any other
// archive: it is installed as the default archive if none is set yet, and
// it is not handed to any decompressor.
func (m *AsyncResourceManager) LoadZstandardDictionaryArchive(data []byte) (*SarcArchive, error) {
	archive, err := ParseSarc(data, m.logger.With("dictionary"))
	if err != nil {
		return nil, err
	}
	m.defaultArchiveMu.Lock()
	if m.defaultArchive == nil {
		m.defaultArchive = archive
	}
	m.defaultArchiveMu.Unlock()
	return archive, nil
}

func suspendAll(q *task.AsyncQueue) {
	for level := 0; level < q.PriorityLevels(); level++ {
		q.SetPaused(level, true)
	}
}

func resumeAll(q *task.AsyncQueue) {
	for level := 0; level < q.PriorityLevels(); level++ {
		q.SetPaused(level, false)
	}
}
