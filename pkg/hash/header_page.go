package hash

import (
	"encoding/binary"

	"github.com/mnohosten/storagecore/pkg/storage"
)

// MaxHeaderDepth bounds max_depth: the directory array a header page
// holds must fit in one page alongside its own 4-byte field.
const MaxHeaderDepth = 9

const headerHeaderSize = 4

// HeaderPage is the top level of the hash table: a fixed array of
// directory page IDs indexed by the top max_depth bits of a hashed
// key. It is a thin view over a page's raw bytes — callers own the
// buffer (typically a storage.WriteGuard or ReadGuard's Data()) and
// its lifetime.
type HeaderPage struct {
	data []byte
}

// InitHeaderPage formats buf as an empty header page with the given
// max depth (every directory slot set to storage.InvalidPageID).
func InitHeaderPage(buf []byte, maxDepth uint32) *HeaderPage {
	h := &HeaderPage{data: buf}
	binary.LittleEndian.PutUint32(buf[0:4], maxDepth)
	n := uint32(1) << maxDepth
	for i := uint32(0); i < n; i++ {
		h.SetDirectoryPageID(i, storage.InvalidPageID)
	}
	return h
}

// WrapHeaderPage views an already-initialized page's bytes as a
// HeaderPage.
func WrapHeaderPage(buf []byte) *HeaderPage {
	return &HeaderPage{data: buf}
}

// MaxDepth returns the header's configured depth.
func (h *HeaderPage) MaxDepth() uint32 {
	return binary.LittleEndian.Uint32(h.data[0:4])
}

// HashToDirectoryIndex returns the top max_depth bits of hash as a
// directory slot index.
func (h *HeaderPage) HashToDirectoryIndex(hash uint32) uint32 {
	md := h.MaxDepth()
	if md == 0 {
		return 0
	}
	return hash >> (32 - md)
}

func (h *HeaderPage) directoryOffset(i uint32) int {
	return headerHeaderSize + int(i)*4
}

// DirectoryPageID returns the directory page ID at slot i.
func (h *HeaderPage) DirectoryPageID(i uint32) storage.PageID {
	off := h.directoryOffset(i)
	return storage.PageID(int32(binary.LittleEndian.Uint32(h.data[off : off+4])))
}

// SetDirectoryPageID installs id at slot i.
func (h *HeaderPage) SetDirectoryPageID(i uint32, id storage.PageID) {
	off := h.directoryOffset(i)
	binary.LittleEndian.PutUint32(h.data[off:off+4], uint32(int32(id)))
}
