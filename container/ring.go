package container

import "sync/atomic"

// AtomicRing is a fixed-capacity, power-of-two, multi-producer
// multi-consumer ring buffer of pointers: producers CAS-reserve a slot by
// advancing a count and publish the value last, and consumers CAS the
// read offset and null the slot after reading so a value of nil is never
// observed as valid and no slot is ever leaked. It backs the job
// scheduler's per-worker local ring.
type AtomicRing struct {
	mask uint64
	buf  []atomic.Pointer[any]

	writeReserve uint64 // next slot index producers will try to claim
	writeDone    uint64 // highest published index + 1
	readIdx      uint64
}

// NewAtomicRing creates a ring of the given capacity, which must be a
// power of two.
func NewAtomicRing(capacity int) *AtomicRing {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("container: AtomicRing capacity must be a power of two")
	}
	r := &AtomicRing{
		mask: uint64(capacity - 1),
		buf:  make([]atomic.Pointer[any], capacity),
	}
	return r
}

// Push publishes value, returning false if the ring is full.
func (r *AtomicRing) Push(value any) bool {
	for {
		reserve := atomic.LoadUint64(&r.writeReserve)
		read := atomic.LoadUint64(&r.readIdx)
		if reserve-read >= uint64(len(r.buf)) {
			return false // full
		}
		if atomic.CompareAndSwapUint64(&r.writeReserve, reserve, reserve+1) {
			slot := &r.buf[reserve&r.mask]
			v := value
			slot.Store(&v)
			// Publish: advance writeDone past this slot once it is
			// visible. Spin only against other producers that reserved
			// earlier slots and have not yet published.
			for !atomic.CompareAndSwapUint64(&r.writeDone, reserve, reserve+1) {
			}
			return true
		}
	}
}

// Pop consumes the oldest published value, returning (value, true), or
// (nil, false) if the ring has nothing published yet.
func (r *AtomicRing) Pop() (any, bool) {
	for {
		read := atomic.LoadUint64(&r.readIdx)
		done := atomic.LoadUint64(&r.writeDone)
		if read >= done {
			return nil, false // empty
		}
		slot := &r.buf[read&r.mask]
		ptr := slot.Load()
		if ptr == nil {
			// Producer reserved but has not published yet; treat as empty
			// for this attempt rather than spin indefinitely.
			return nil, false
		}
		if atomic.CompareAndSwapUint64(&r.readIdx, read, read+1) {
			// Only clear the slot if it still holds the value just read; a
			// producer that has already wrapped around may have stored a
			// newer value into it.
			slot.CompareAndSwap(ptr, nil)
			return *ptr, true
		}
	}
}

// Len returns a snapshot of the number of published-but-unread entries.
func (r *AtomicRing) Len() int {
	done := atomic.LoadUint64(&r.writeDone)
	read := atomic.LoadUint64(&r.readIdx)
	if done < read {
		return 0
	}
	return int(done - read)
}
