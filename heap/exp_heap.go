package heap

import "github.com/watertoon/awn/internal/awnutil"

// freeBlockHeaderSize is the size of the header each free block in
// ExpHeap's free list carries. The header is written into the backing
// buffer itself at the block's own offset (see readBlock/writeBlock)
// rather than kept in a side structure, so a coalesced block never needs
// a separate allocation to re-enter the list.
const freeBlockHeaderSize = 8 // {next uint32, size uint32}

// ExpHeap is a general-purpose coalescing heap: free blocks are kept in an
// offset-ordered singly-linked free list threaded through the blocks
// themselves, and first-fit allocation walks the list once. Free also
// walks the list, up to the freed block's offset, and merges the block
// with the free block immediately after it when the two are adjacent; it
// does not merge with the block before it. There is no buddy scheme's
// power-of-two fixed-size halving (this heap serves arbitrary resource
// sizes, not fixed partitions).
type ExpHeap struct {
	baseHeap
	freeHead uint32 // offset of first free block, 0 if none
	used     map[uint32]uint32
}

// NewExpHeap creates a root ExpHeap managing an independent buffer of the
// given size. offset 0 is reserved as the "no block" sentinel, so the
// first byte of the buffer is never handed out.
func NewExpHeap(name string, size uint32, logger *awnutil.Logger) *ExpHeap {
	h := &ExpHeap{
		baseHeap: baseHeap{
			name:      name,
			buf:       make([]byte, size+1),
			baseOff:   1,
			totalSize: size,
			logger:    logger,
		},
		used: make(map[uint32]uint32),
	}
	// A heap too small to hold a free-block header starts with an empty
	// free list.
	if size >= freeBlockHeaderSize {
		h.freeHead = 1
		h.writeBlock(1, 0, size)
	}
	return h
}

// CreateChild carves a same-sized-or-smaller ExpHeap out of a single
// allocation made in the parent, so the child is itself just a managed
// sub-range of the parent's buffer.
func (h *ExpHeap) CreateChild(name string, size uint32) (*ExpHeap, bool) {
	handle, ok := h.TryAllocate(size, 8)
	if !ok {
		return nil, false
	}
	child := &ExpHeap{
		baseHeap: baseHeap{
			name:      name,
			buf:       h.buf,
			baseOff:   handle.Offset,
			totalSize: handle.Size,
			parent:    h,
			logger:    h.logger,
		},
		used: make(map[uint32]uint32),
	}
	child.freeHead = handle.Offset
	child.writeBlock(handle.Offset, 0, handle.Size)
	h.addChild(child)
	return child, true
}

func (h *ExpHeap) readBlock(off uint32) (next, size uint32) {
	b := h.buf
	next = uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
	size = uint32(b[off+4]) | uint32(b[off+5])<<8 | uint32(b[off+6])<<16 | uint32(b[off+7])<<24
	return
}

func (h *ExpHeap) writeBlock(off, next, size uint32) {
	b := h.buf
	b[off] = byte(next)
	b[off+1] = byte(next >> 8)
	b[off+2] = byte(next >> 16)
	b[off+3] = byte(next >> 24)
	b[off+4] = byte(size)
	b[off+5] = byte(size >> 8)
	b[off+6] = byte(size >> 16)
	b[off+7] = byte(size >> 24)
}

// TryAllocate performs first-fit allocation: the free list is walked in
// offset order, and the first block at least size+alignment-slop is taken,
// splitting off and re-linking any remainder.
func (h *ExpHeap) TryAllocate(size, alignment uint32) (Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if alignment == 0 {
		alignment = 1
	}

	var prev uint32
	cur := h.freeHead
	for cur != 0 {
		_, blockSize := h.readBlock(cur)
		alignedStart := align(cur, alignment)
		slop := alignedStart - cur
		need := slop + size

		if blockSize >= need {
			next, _ := h.readBlock(cur)
			remainder := blockSize - need
			if remainder > freeBlockHeaderSize {
				remOff := cur + need
				h.writeBlock(remOff, next, remainder)
				h.relink(prev, cur, remOff)
			} else {
				h.relink(prev, cur, next)
			}
			h.used[alignedStart] = size
			return Handle{Offset: alignedStart, Size: size}, true
		}

		prev = cur
		cur, _ = h.readBlock(cur)
	}
	return Handle{}, false
}

func (h *ExpHeap) relink(prev, old, next uint32) {
	if prev == 0 {
		h.freeHead = next
		return
	}
	prevNext, prevSize := h.readBlock(prev)
	_ = prevNext
	h.writeBlock(prev, next, prevSize)
}

// Free returns the handle's block to the free list, coalescing with the
// next block in offset order when they are adjacent. It does not coalesce
// with the previous block, and AdjustHeap does not compact the heap (it
// only trims a free tail), so fragmentation left by uncoalesced
// neighbours stays until those neighbours are freed in a mergeable order.
func (h *ExpHeap) Free(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	size, ok := h.used[handle.Offset]
	if !ok {
		return
	}
	delete(h.used, handle.Offset)

	off := handle.Offset
	blockEnd := off + size

	var prev uint32
	cur := h.freeHead
	for cur != 0 && cur < off {
		prev = cur
		cur, _ = h.readBlock(cur)
	}

	if cur == blockEnd {
		_, curSize := h.readBlock(cur)
		next, _ := h.readBlock(cur)
		size += curSize
		cur = next
	}

	h.writeBlock(off, cur, size)
	if prev == 0 {
		h.freeHead = off
	} else {
		_, prevSize := h.readBlock(prev)
		h.writeBlock(prev, off, prevSize)
	}
}

// AdjustHeap trims the heap's logical end back to the watermark of its
// highest in-use byte and reports the reclaimed tail size. Unlike
// FrameHeap's ResizeHeapBack, this never shrinks below a still-referenced
// free block in the middle of the heap; it only reclaims a genuinely free
// tail.
func (h *ExpHeap) AdjustHeap() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	watermark := h.baseOff
	for off := range h.used {
		if end := off + h.used[off]; end > watermark {
			watermark = end
		}
	}

	end := h.baseOff + h.totalSize
	if watermark >= end {
		return 0
	}
	freed := end - watermark
	h.totalSize = watermark - h.baseOff
	return freed
}

// Contains reports whether handle's offset range lies within this heap's
// managed region.
func (h *ExpHeap) Contains(handle Handle) bool {
	return handle.Offset >= h.baseOff && handle.Offset+handle.Size <= h.baseOff+h.totalSize
}
