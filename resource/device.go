package resource

import "strings"

// FileDevice is a capability-set interface: loose-file, archive-binder,
// and app-provided devices all just implement Read/Size. The optional
// write and commit operations the save manager uses are their own small
// interfaces (saveWriter, saveCommitter) a device implements only if it
// supports them; Copy goes through saveWriter.
type FileDevice interface {
	Read(path string) ([]byte, error)
	Size(path string) (uint32, error)
}

// Decompressor turns compressed bytes read off a device into their
// decompressed form. CompressionFromExtension selects which one a given
// path needs, per spec §6's ".zs"/".szs"/uncompressed rule.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

// CompressionKind names the compression scheme implied by a path's
// extension.
type CompressionKind int

const (
	CompressionNone CompressionKind = iota
	CompressionZstandard
	CompressionSzs
)

// CompressionFromExtension derives the compression scheme from path's
// suffix: ".zs" is Zstandard, ".szs" is the proprietary Szs scheme,
// anything else is uncompressed.
func CompressionFromExtension(path string) CompressionKind {
	switch {
	case strings.HasSuffix(path, ".zs"):
		return CompressionZstandard
	case strings.HasSuffix(path, ".szs"):
		return CompressionSzs
	default:
		return CompressionNone
	}
}
