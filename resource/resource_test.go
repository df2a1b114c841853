package resource

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watertoon/awn/task"
)

type memDevice struct {
	files map[string][]byte
}

func (d *memDevice) Read(path string) ([]byte, error) {
	data, ok := d.files[path]
	if !ok {
		// Same not-found error text SarcArchive.Read returns.
		return nil, assertErr("file not found in archive: " + path)
	}
	return data, nil
}

func (d *memDevice) Size(path string) (uint32, error) {
	data, ok := d.files[path]
	if !ok {
		return 0, assertErr("not found")
	}
	return uint32(len(data)), nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
func assertErr(msg string) error  { return simpleErr(msg) }

func identityFactory(raw []byte) (interface{}, error) { return raw, nil }

func runQueueToIdle(q *task.AsyncQueue, workerID int) {
	for {
		t := q.AcquireNextTask(workerID)
		if t == nil {
			return
		}
		q.RunAcquired(context.Background(), t)
	}
}

func TestUnit_ReferenceCountingAndFreeCache(t *testing.T) {
	var domainSizes [domainCount]uint32
	for i := range domainSizes {
		domainSizes[i] = 1 << 20
	}
	mgr := NewMemoryManager(domainSizes, nil)

	u := NewUnit("a/b.bin", mgr, nil)
	assert.EqualValues(t, 0, u.ReferenceCount())

	device := &memDevice{files: map[string][]byte{"a/b.bin": []byte("hello world")}}
	loadInfo := u.BuildLoadTask(LoadParams{
		Path:         "a/b.bin",
		Device:       device,
		RequiredSize: 4096,
		Alignment:    8,
		HeapKind:     HeapKindExp,
		Factory:      identityFactory,
	})

	q := task.Initialize(4, 1, 16)
	q.PushTask(context.Background(), task.NewTask(loadInfo), -1)
	runQueueToIdle(q, 0)

	require.Equal(t, StatusLoaded, u.Status())
	require.NotNil(t, u.Object())

	u.IncrementReference()
	assert.EqualValues(t, 1, u.ReferenceCount())

	n := u.DecrementReference()
	assert.EqualValues(t, 0, n)

	// The unit should now be sitting in its domain's free cache rather
	// than torn down.
	domain := domainForHeapKind(HeapKindExp)
	assert.Equal(t, 1, mgr.pools[domain].freeCache.Len())

	// A fresh reference before eviction claims it should revive it out of
	// the free cache.
	u.IncrementReference()
	assert.Equal(t, 0, mgr.pools[domain].freeCache.Len())
}

func TestMemoryManager_AllocateWithEvictionReclaimsFreeCache(t *testing.T) {
	var domainSizes [domainCount]uint32
	domainSizes[DomainSystem] = 64 // small domain to force eviction quickly

	mgr := NewMemoryManager(domainSizes, nil)

	u1 := NewUnit("one", mgr, nil)
	h1, handle1, ok := mgr.AllocateWithEviction(HeapKindExp, 32, 8)
	require.True(t, ok)
	u1.heap = h1
	u1.handle = handle1
	mgr.track(u1, DomainSystem)
	mgr.markFreeable(u1)

	// The domain is nearly full; a second allocation that doesn't fit
	// without eviction should succeed only by reclaiming u1's free-cached
	// bytes.
	h2, _, ok := mgr.AllocateWithEviction(HeapKindExp, 32, 8)
	require.True(t, ok)
	assert.Equal(t, h1, h2)
	assert.Equal(t, StatusFreed, u1.Status())
}

func TestBinder_CompleteIdempotence(t *testing.T) {
	var domainSizes [domainCount]uint32
	for i := range domainSizes {
		domainSizes[i] = 1 << 20
	}
	mgr := NewMemoryManager(domainSizes, nil)
	device := &memDevice{files: map[string][]byte{"x": []byte("payload")}}

	u := NewUnit("x", mgr, nil)
	loadInfo := u.BuildLoadTask(LoadParams{
		Path:         "x",
		Device:       device,
		RequiredSize: 4096,
		Alignment:    8,
		HeapKind:     HeapKindExp,
		Factory:      identityFactory,
	})

	q := task.Initialize(4, 1, 16)
	b := NewBinder()
	b.TryLoadAsync(context.Background(), q, "x", u, loadInfo, 0)
	runQueueToIdle(q, 0)

	first := b.WaitForLoad(context.Background())
	assert.Equal(t, BinderResourceInitialized, first)

	// Calling Complete again after settling must return the same terminal
	// state rather than re-evaluating the (now-stale) unit status.
	second := b.Complete(context.Background())
	assert.Equal(t, first, second)

	assert.NotNil(t, b.GetResourceDirect())
	b.Finalize()
	assert.Equal(t, BinderUninitialized, b.Status())
	assert.Nil(t, b.GetResourceDirect())
}

func TestBinder_FileNotFound(t *testing.T) {
	var domainSizes [domainCount]uint32
	for i := range domainSizes {
		domainSizes[i] = 1 << 20
	}
	mgr := NewMemoryManager(domainSizes, nil)
	device := &memDevice{files: map[string][]byte{}}

	u := NewUnit("missing", mgr, nil)
	loadInfo := u.BuildLoadTask(LoadParams{
		Path:      "missing",
		Device:    device,
		HeapKind:  HeapKindExp,
		Factory:   identityFactory,
		Alignment: 8,
	})

	q := task.Initialize(4, 1, 16)
	b := NewBinder()
	b.TryLoadAsync(context.Background(), q, "missing", u, loadInfo, 0)
	runQueueToIdle(q, 0)

	status := b.WaitForLoad(context.Background())
	assert.Equal(t, BinderFileNotFound, status)
	assert.True(t, b.IsFailed())
}

func buildBareSizeTable(pairs map[string]uint32) []byte {
	type entry struct {
		crc  uint32
		size uint32
	}
	var entries []entry
	for path, size := range pairs {
		entries = append(entries, entry{crc: crc32.ChecksumIEEE([]byte(path)), size: size})
	}
	buf := make([]byte, 0, len(entries)*8)
	for _, e := range entries {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint32(b[0:4], e.crc)
		binary.LittleEndian.PutUint32(b[4:8], e.size)
		buf = append(buf, b...)
	}
	return buf
}

// buildTestSarc hand-assembles a minimal valid SARC buffer (native-order
// BOM, one SFAT entry per file, an SFNT name table, and the raw data
// region) so the parser can be exercised without a real archive file.
func buildTestSarc(files map[string][]byte) []byte {
	type fileEntry struct {
		name string
		data []byte
	}
	var entries []fileEntry
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, n := range names {
		entries = append(entries, fileEntry{name: n, data: files[n]})
	}

	sfatOff := sarcHeaderSize
	entriesOff := sfatOff + sfatHeaderSize
	sfntOff := entriesOff + len(entries)*sfatEntrySize
	namesOff := sfntOff + 8

	nameTable := make([]byte, 0)
	nameOffsets := make([]uint32, len(entries))
	for i, e := range entries {
		nameOffsets[i] = uint32(len(nameTable))
		nameTable = append(nameTable, []byte(e.name)...)
		nameTable = append(nameTable, 0)
	}
	for len(nameTable)%4 != 0 {
		nameTable = append(nameTable, 0)
	}

	dataOff := uint32(namesOff + len(nameTable))
	dataRegion := make([]byte, 0)
	dataRanges := make([][2]uint32, len(entries))
	for i, e := range entries {
		start := uint32(len(dataRegion))
		dataRegion = append(dataRegion, e.data...)
		dataRanges[i] = [2]uint32{start, uint32(len(dataRegion))}
	}

	buf := make([]byte, dataOff)
	copy(buf[0:4], "SARC")
	binary.LittleEndian.PutUint16(buf[4:6], sarcHeaderSize)
	binary.LittleEndian.PutUint16(buf[6:8], 0xFEFF)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(buf))+uint32(len(dataRegion)))
	binary.LittleEndian.PutUint32(buf[0x0c:0x10], dataOff)

	copy(buf[sfatOff:sfatOff+4], "SFAT")
	binary.LittleEndian.PutUint16(buf[sfatOff+4:sfatOff+6], sfatHeaderSize)
	binary.LittleEndian.PutUint16(buf[sfatOff+6:sfatOff+8], uint16(len(entries)))

	for i, e := range entries {
		off := entriesOff + i*sfatEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], sarcNameHash(e.name))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], nameOffsets[i]&0x00FFFFFF)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], dataRanges[i][0])
		binary.LittleEndian.PutUint32(buf[off+12:off+16], dataRanges[i][1])
	}

	copy(buf[sfntOff:sfntOff+4], "SFNT")
	binary.LittleEndian.PutUint16(buf[sfntOff+4:sfntOff+6], 8)
	copy(buf[namesOff:], nameTable)

	return append(buf, dataRegion...)
}

func TestSizeTable_BareArrayLookup(t *testing.T) {
	data := buildBareSizeTable(map[string]uint32{
		"models/goron.bfres": 12345,
		"textures/link.bflim": 999,
	})

	table, err := ParseSizeTable(data)
	require.NoError(t, err)

	size, ok := table.Lookup("models/goron.bfres")
	require.True(t, ok)
	assert.EqualValues(t, 12345, size)

	_, ok = table.Lookup("never/registered.bin")
	assert.False(t, ok)
}

func TestSarc_ReadRoundTrip(t *testing.T) {
	archive := buildTestSarc(map[string][]byte{
		"a.txt": []byte("hello"),
		"b.txt": []byte("world!!"),
	})

	parsed, err := ParseSarc(archive, nil)
	require.NoError(t, err)

	data, err := parsed.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	size, err := parsed.Size("b.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 7, size)

	_, err = parsed.Read("missing.txt")
	assert.Error(t, err)
}

func TestThreadLocalArchiveManager_SetGetClearReap(t *testing.T) {
	mgr := NewThreadLocalArchiveManager(nil)
	archive := &SarcArchive{}

	mgr.SetThreadLocalArchive(7, archive)
	got, binder, ok := mgr.GetThreadLocalArchive(7)
	require.True(t, ok)
	assert.Same(t, archive, got)
	assert.NotNil(t, binder)

	mgr.ReapDeadThreads(map[int64]bool{})
	_, _, ok = mgr.GetThreadLocalArchive(7)
	assert.False(t, ok)
}

func TestScopedThreadLocalArchive_RestoresPrevious(t *testing.T) {
	mgr := NewThreadLocalArchiveManager(nil)
	original := &SarcArchive{}
	mgr.SetThreadLocalArchive(3, original)

	override := &SarcArchive{}
	scope := EnterScopedThreadLocalArchive(mgr, 3, override)
	got, _, _ := mgr.GetThreadLocalArchive(3)
	assert.Same(t, override, got)

	scope.Close()
	got, _, _ = mgr.GetThreadLocalArchive(3)
	assert.Same(t, original, got)
}

func TestAsyncSaveManager_RejectsDuplicatePending(t *testing.T) {
	q := task.Initialize(1, 1, 16)
	m := NewAsyncSaveManager(q)
	device := &memDevice{files: map[string][]byte{"save.dat": []byte("123")}}

	result := make(chan SaveResult, 1)
	ok := m.Submit(context.Background(), SaveRequest{Kind: SaveRequestRead, Path: "save.dat", Device: device, Result: result})
	require.True(t, ok)

	// A second Read submitted before the first is drained should be
	// rejected by the pending-mask guard.
	ok = m.Submit(context.Background(), SaveRequest{Kind: SaveRequestRead, Path: "save.dat", Device: device})
	assert.False(t, ok)

	runQueueToIdle(q, 0)
	res := <-result
	require.NoError(t, res.Err)
	assert.Equal(t, "123", string(res.Data))
	assert.False(t, m.IsPending(SaveRequestRead))
}
