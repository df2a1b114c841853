package resource

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/watertoon/awn/internal/awnutil"
)

// sarcHeaderSize and sfatHeaderSize match the proprietary archive format's
// fixed-size framing: a top-level SARC header naming the byte order and
// the data region start, followed by an SFAT table of hash-sorted file
// entries and an SFNT string table holding each entry's name.
const (
	sarcHeaderSize = 0x14
	sfatHeaderSize = 0x0c
	sfatEntrySize  = 0x10
)

// sarcEntry is one decoded SFAT record: the file's name hash, the offset
// of its name in the SFNT table (the collision ordinal the format keeps in
// that field's high byte is masked off at parse time), and the byte range
// in the archive's data region holding its (possibly still-compressed)
// contents.
type sarcEntry struct {
	nameHash   uint32
	nameOffset uint32
	dataStart  uint32
	dataEnd    uint32
}

// SarcArchive is a FileDevice backed by one SARC container file already
// read fully into memory: Read/Size look files up by their SFAT hash and,
// when an SFNT table is present, compare the name at each matching entry's
// nameOffset to tell apart names that share a hash.
type SarcArchive struct {
	mu      sync.RWMutex
	data    []byte
	order   binary.ByteOrder
	entries []sarcEntry // sorted by nameHash
	names   []byte      // SFNT string table region, null-terminated entries
	dataOff uint32

	logger *awnutil.Logger
}

// ParseSarc decodes a SARC archive held in data.
func ParseSarc(data []byte, logger *awnutil.Logger) (*SarcArchive, error) {
	if logger == nil {
		logger = awnutil.DefaultLogger("resource.sarc")
	}
	if len(data) < sarcHeaderSize+sfatHeaderSize {
		return nil, awnutil.NewError("SARC archive truncated")
	}
	if string(data[0:4]) != "SARC" {
		return nil, awnutil.NewError("not a SARC archive")
	}

	// Byte 6-7 of the header is the BOM marker: 0xFEFF is native order for
	// this archive, 0xFFFE means every multi-byte field must be read
	// byte-reversed.
	var order binary.ByteOrder = binary.LittleEndian
	bom := binary.LittleEndian.Uint16(data[6:8])
	if bom == 0xFFFE {
		order = binary.BigEndian
	}

	dataOff := order.Uint32(data[0x0c:0x10])

	sfatOff := sarcHeaderSize
	if string(data[sfatOff:sfatOff+4]) != "SFAT" {
		return nil, awnutil.NewError("missing SFAT table")
	}
	entryCount := order.Uint16(data[sfatOff+6 : sfatOff+8])

	entriesOff := sfatOff + sfatHeaderSize
	entries := make([]sarcEntry, 0, entryCount)
	for i := uint16(0); i < entryCount; i++ {
		off := entriesOff + int(i)*sfatEntrySize
		if off+sfatEntrySize > len(data) {
			return nil, awnutil.NewError("SFAT entry table truncated")
		}
		entries = append(entries, sarcEntry{
			nameHash:   order.Uint32(data[off : off+4]),
			nameOffset: order.Uint32(data[off+4 : off+8]) & 0x00FFFFFF,
			dataStart:  order.Uint32(data[off+8 : off+12]),
			dataEnd:    order.Uint32(data[off+12 : off+16]),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].nameHash < entries[j].nameHash })

	sfntOff := entriesOff + int(entryCount)*sfatEntrySize
	var names []byte
	if sfntOff+8 <= len(data) && string(data[sfntOff:sfntOff+4]) == "SFNT" {
		names = data[sfntOff+8:]
	}

	return &SarcArchive{
		data:    data,
		order:   order,
		entries: entries,
		names:   names,
		dataOff: dataOff,
		logger:  logger,
	}, nil
}

func (a *SarcArchive) lookup(path string) (sarcEntry, bool) {
	hash := sarcNameHash(path)
	i := sort.Search(len(a.entries), func(i int) bool { return a.entries[i].nameHash >= hash })
	for ; i < len(a.entries) && a.entries[i].nameHash == hash; i++ {
		if a.names == nil {
			return a.entries[i], true
		}
		if cstring(a.names[a.entries[i].nameOffset:]) == path {
			return a.entries[i], true
		}
	}
	return sarcEntry{}, false
}

// sarcNameHash is the archive format's file-name hash: a simple
// multiply-and-add rolling hash over the path bytes, used to sort and
// binary-search the SFAT table.
func sarcNameHash(path string) uint32 {
	var h uint32
	for i := 0; i < len(path); i++ {
		h = h*0x65 + uint32(path[i])
	}
	return h
}

// Read implements FileDevice by slicing the named entry's byte range out
// of the archive's already-resident data.
func (a *SarcArchive) Read(path string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.lookup(path)
	if !ok {
		return nil, awnutil.NewError("file not found in archive: " + path)
	}
	start := a.dataOff + e.dataStart
	end := a.dataOff + e.dataEnd
	if int(end) > len(a.data) || start > end {
		return nil, awnutil.NewError("archive entry out of range: " + path)
	}
	return a.data[start:end], nil
}

// Size implements FileDevice.
func (a *SarcArchive) Size(path string) (uint32, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.lookup(path)
	if !ok {
		return 0, awnutil.NewError("file not found in archive: " + path)
	}
	return e.dataEnd - e.dataStart, nil
}
