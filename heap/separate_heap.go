package heap

import (
	"sort"
	"sync"

	"github.com/watertoon/awn/internal/awnutil"
)

// separateBlock is one entry in a SeparateHeap's used list. Unlike
// ExpHeap, SeparateHeap allocates offsets into memory it does not own (GPU
// virtual address space assigned here, physical backing supplied
// elsewhere), so the bookkeeping list itself has to live in separately
// supplied management memory rather than inside the managed range — here,
// simply a Go slice, since the "separately supplied block" constraint is
// about not touching the GPU allocation, not about avoiding the host heap.
type separateBlock struct {
	offset, size uint32
}

// SeparateHeap hands out offsets, not bytes: it tracks a sorted used list
// and finds the first gap large enough (ordered-insertion first-fit),
// without ever owning or touching the memory those offsets describe.
type SeparateHeap struct {
	name      string
	totalSize uint32
	mu        sync.Mutex
	used      []separateBlock // kept sorted by offset

	parent   Heap
	children []Heap
	logger   *awnutil.Logger
}

// NewSeparateHeap creates a heap managing the offset range [0, size).
func NewSeparateHeap(name string, size uint32, logger *awnutil.Logger) *SeparateHeap {
	return &SeparateHeap{name: name, totalSize: size, logger: logger}
}

func (h *SeparateHeap) Name() string     { return h.name }
func (h *SeparateHeap) Parent() Heap     { return h.parent }
func (h *SeparateHeap) Children() []Heap { return append([]Heap(nil), h.children...) }
func (h *SeparateHeap) addChild(c Heap)  { h.children = append(h.children, c) }
func (h *SeparateHeap) removeChild(c Heap) {
	for i, ch := range h.children {
		if ch == c {
			h.children = append(h.children[:i], h.children[i+1:]...)
			return
		}
	}
}

// TryAllocate walks the sorted used list looking for the first gap at
// least size bytes wide once aligned. This is intentionally O(n) in the
// number of live allocations, not O(log n): a separate heap is expected to
// hold at most a few hundred live GPU resources at once.
func (h *SeparateHeap) TryAllocate(size, alignment uint32) (Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if alignment == 0 {
		alignment = 1
	}

	cursor := uint32(0)
	insertAt := -1
	for i, b := range h.used {
		alignedStart := align(cursor, alignment)
		if b.offset >= alignedStart+size {
			insertAt = i
			cursor = alignedStart
			break
		}
		cursor = b.offset + b.size
	}
	if insertAt < 0 {
		alignedStart := align(cursor, alignment)
		if alignedStart+size > h.totalSize {
			return Handle{}, false
		}
		cursor = alignedStart
		insertAt = len(h.used)
	}

	block := separateBlock{offset: cursor, size: size}
	h.used = append(h.used, separateBlock{})
	copy(h.used[insertAt+1:], h.used[insertAt:])
	h.used[insertAt] = block
	return Handle{Offset: cursor, Size: size}, true
}

// Free removes the block at handle.Offset from the used list, opening a
// gap for future first-fit searches.
func (h *SeparateHeap) Free(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := sort.Search(len(h.used), func(i int) bool { return h.used[i].offset >= handle.Offset })
	if idx < len(h.used) && h.used[idx].offset == handle.Offset {
		h.used = append(h.used[:idx], h.used[idx+1:]...)
	}
}

// AdjustHeap trims the heap's total size to the end of the last allocated
// block and returns the reclaimed tail.
func (h *SeparateHeap) AdjustHeap() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	watermark := uint32(0)
	if len(h.used) > 0 {
		last := h.used[len(h.used)-1]
		watermark = last.offset + last.size
	}
	if watermark >= h.totalSize {
		return 0
	}
	freed := h.totalSize - watermark
	h.totalSize = watermark
	return freed
}

// Contains reports whether handle's offset range lies within this heap's
// managed offset space.
func (h *SeparateHeap) Contains(handle Handle) bool {
	return handle.Offset+handle.Size <= h.totalSize
}
