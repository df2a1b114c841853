package resource

import (
	"encoding/binary"
	"hash/crc32"
	"sort"

	bloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/watertoon/awn/internal/awnutil"
)

// sizeEntry is one {crc32(path), size} pair from the table's primary
// array.
type sizeEntry struct {
	crc  uint32
	size uint32
}

// collisionEntry disambiguates two paths that hash to the same crc32 by
// keeping the full path alongside its size, looked up only when the
// primary crc32 search finds a duplicate.
type collisionEntry struct {
	path string
	size uint32
}

// SizeTable answers LookupResourceSize against one of three on-disk
// layouts: a 0x16-byte "REST BL" header, an older "RSTB"-magic variant
// whose header has no version or max-path fields, or a bare array with no
// header at all. All three
// decode into the same in-memory shape — a crc32-sorted primary array
// plus a path-collision array — so lookup logic is shared regardless of
// which header variant was parsed. Negative lookups (paths never in any
// registered table) are the common case during normal play, so a bloom
// filter seeded from every crc32 in the table short-circuits them before
// the binary search runs.
type SizeTable struct {
	entries    []sizeEntry // sorted by crc
	collisions []collisionEntry
	present    *bloom.BloomFilter
}

const restBLHeaderSize = 0x16

// ParseSizeTable decodes data into a SizeTable, detecting which of the
// three header variants is present.
func ParseSizeTable(data []byte) (*SizeTable, error) {
	switch {
	case len(data) >= 4 && string(data[0:4]) == "REST":
		return parseRestBL(data)
	case len(data) >= 4 && string(data[0:4]) == "RSTB":
		return parseRSTBLegacy(data)
	default:
		return parseBareArray(data)
	}
}

func parseRestBL(data []byte) (*SizeTable, error) {
	if len(data) < restBLHeaderSize {
		return nil, awnutil.NewError("REST BL header truncated")
	}
	// The four u32 fields follow the 6-byte magic and end at the 0x16
	// header size.
	version := binary.LittleEndian.Uint32(data[6:10])
	maxPathLength := binary.LittleEndian.Uint32(data[10:14])
	crcCount := binary.LittleEndian.Uint32(data[14:18])
	collisionCount := binary.LittleEndian.Uint32(data[18:22])
	_ = version

	off := restBLHeaderSize
	entries := make([]sizeEntry, 0, crcCount)
	for i := uint32(0); i < crcCount; i++ {
		if off+8 > len(data) {
			return nil, awnutil.NewError("REST BL crc table truncated")
		}
		crc := binary.LittleEndian.Uint32(data[off : off+4])
		size := binary.LittleEndian.Uint32(data[off+4 : off+8])
		entries = append(entries, sizeEntry{crc: crc, size: size})
		off += 8
	}

	recordSize := int(maxPathLength) + 4
	collisions := make([]collisionEntry, 0, collisionCount)
	for i := uint32(0); i < collisionCount; i++ {
		if off+recordSize > len(data) {
			return nil, awnutil.NewError("REST BL path table truncated")
		}
		pathBytes := data[off : off+int(maxPathLength)]
		size := binary.LittleEndian.Uint32(data[off+int(maxPathLength) : off+recordSize])
		collisions = append(collisions, collisionEntry{path: cstring(pathBytes), size: size})
		off += recordSize
	}

	return buildTable(entries, collisions), nil
}

// parseRSTBLegacy decodes the older "RSTB"-magic variant, which omits the
// version and max-path-length fields: just a magic, a crc32 count, and the
// {crc32,size} array (no path-collision table).
func parseRSTBLegacy(data []byte) (*SizeTable, error) {
	if len(data) < 8 {
		return nil, awnutil.NewError("RSTB header truncated")
	}
	crcCount := binary.LittleEndian.Uint32(data[4:8])
	off := 8
	entries := make([]sizeEntry, 0, crcCount)
	for i := uint32(0); i < crcCount; i++ {
		if off+8 > len(data) {
			return nil, awnutil.NewError("RSTB crc table truncated")
		}
		crc := binary.LittleEndian.Uint32(data[off : off+4])
		size := binary.LittleEndian.Uint32(data[off+4 : off+8])
		entries = append(entries, sizeEntry{crc: crc, size: size})
		off += 8
	}
	return buildTable(entries, nil), nil
}

// parseBareArray decodes a header-less table: the entire buffer is just a
// sequence of {crc32,size} pairs.
func parseBareArray(data []byte) (*SizeTable, error) {
	if len(data)%8 != 0 {
		return nil, awnutil.NewError("bare size table length not a multiple of 8")
	}
	entries := make([]sizeEntry, 0, len(data)/8)
	for off := 0; off+8 <= len(data); off += 8 {
		crc := binary.LittleEndian.Uint32(data[off : off+4])
		size := binary.LittleEndian.Uint32(data[off+4 : off+8])
		entries = append(entries, sizeEntry{crc: crc, size: size})
	}
	return buildTable(entries, nil), nil
}

func buildTable(entries []sizeEntry, collisions []collisionEntry) *SizeTable {
	sort.Slice(entries, func(i, j int) bool { return entries[i].crc < entries[j].crc })
	sort.Slice(collisions, func(i, j int) bool { return collisions[i].path < collisions[j].path })

	filter := bloom.NewWithEstimates(uint(len(entries)+len(collisions))+1, 0.01)
	for _, e := range entries {
		filter.Add(crcBytes(e.crc))
	}
	for _, c := range collisions {
		filter.Add([]byte(c.path))
	}

	return &SizeTable{entries: entries, collisions: collisions, present: filter}
}

func crcBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Lookup resolves path's decompressed size: a bloom-filter negative check
// first rejects paths that were never registered, then a binary search on
// the crc32 array finds the candidate, falling back to the sorted
// path-collision array when more than one path hashes to the same crc32.
func (t *SizeTable) Lookup(path string) (uint32, bool) {
	crc := crc32.ChecksumIEEE([]byte(path))
	if !t.present.Test(crcBytes(crc)) && !t.present.Test([]byte(path)) {
		return 0, false
	}

	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].crc >= crc })
	if i < len(t.entries) && t.entries[i].crc == crc {
		// Check whether this crc is ambiguous (multiple paths collide to
		// it); if so the caller needs the path-collision table instead.
		if i+1 < len(t.entries) && t.entries[i+1].crc == crc {
			return t.lookupCollision(path)
		}
		return t.entries[i].size, true
	}
	return t.lookupCollision(path)
}

func (t *SizeTable) lookupCollision(path string) (uint32, bool) {
	i := sort.Search(len(t.collisions), func(i int) bool { return t.collisions[i].path >= path })
	if i < len(t.collisions) && t.collisions[i].path == path {
		return t.collisions[i].size, true
	}
	return 0, false
}
