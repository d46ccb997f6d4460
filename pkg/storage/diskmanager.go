package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/s2"
)

// DiskManager exposes byte-level read/write of fixed-size pages to a
// backing store. Implementations never allocate page IDs themselves
// for data pages read/written through ReadPage/WritePage; that counter
// (and its optional free-list reuse) is owned by AllocatePage/
// DeallocatePage on the same manager, which the buffer pool calls on
// new_page/delete_page.
type DiskManager interface {
	// ReadPage fills buf (exactly PageSize bytes) with the contents of
	// pageID. A page that was never written reads as all zeros on a
	// file-backed manager; an in-memory manager fails loudly instead.
	ReadPage(pageID PageID, buf []byte) error

	// WritePage persists buf (exactly PageSize bytes) to pageID.
	WritePage(pageID PageID, buf []byte) error

	// AllocatePage returns a fresh page ID, reusing one from the free
	// list first if any are available.
	AllocatePage() (PageID, error)

	// DeallocatePage marks pageID as free for reuse. Implementations
	// may instead no-op and leak the ID; both are spec-conformant.
	DeallocatePage(pageID PageID) error

	// Sync flushes any buffered writes to the backing store.
	Sync() error

	// Close releases the backing store.
	Close() error

	// Stats reports read/write counters for diagnostics.
	Stats() map[string]any
}

// FileDiskManager is a file-backed DiskManager. Page i lives at byte
// offset i*PageSize; the file is sparsely extended as higher page IDs
// are written.
type FileDiskManager struct {
	mu           sync.Mutex
	file         *os.File
	nextPageID   PageID
	freeList     *FreePageList
	totalReads   int64
	totalWrites  int64
	compress     bool
}

// FileDiskManagerOption configures a FileDiskManager at construction.
type FileDiskManagerOption func(*FileDiskManager)

// WithCompression enables s2 (github.com/klauspost/compress/s2)
// compression of page bytes before they hit disk. Reads transparently
// decompress. Off by default so that round-trip byte-equality tests
// (see P6/P2 in the property suite) don't need to reason about a codec.
func WithCompression() FileDiskManagerOption {
	return func(dm *FileDiskManager) { dm.compress = true }
}

// NewFileDiskManager opens (or creates) path as the backing file.
func NewFileDiskManager(path string, opts ...FileDiskManagerOption) (*FileDiskManager, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open data file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("storage: stat data file: %w", err)
	}

	dm := &FileDiskManager{
		file:     file,
		freeList: NewFreePageList(),
	}
	for _, opt := range opts {
		opt(dm)
	}
	dm.nextPageID = PageID(info.Size() / dm.slotSize())
	return dm, nil
}

// ReadPage reads pageID from the file. A page past the current file
// size (i.e. never written) reads as all zeros, matching the file-
// backed contract in the disk manager's external interface.
func (dm *FileDiskManager) ReadPage(pageID PageID, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("storage: read buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.readLocked(pageID, buf)
}

// compressedSlotSize is the on-disk footprint of a page when
// compression is enabled: a one-byte marker (rawMarker or
// compressedMarker) ahead of up to PageSize payload bytes. Reserving
// the marker outside the PageSize payload, rather than stealing a byte
// from it, means the uncompressed fallback below always has room for
// the full page regardless of how the encoder's output compares to
// PageSize.
const compressedSlotSize = PageSize + 1

const (
	rawMarker        = 0
	compressedMarker = 1
)

func (dm *FileDiskManager) slotSize() int64 {
	if dm.compress {
		return compressedSlotSize
	}
	return PageSize
}

func (dm *FileDiskManager) readLocked(pageID PageID, buf []byte) error {
	offset := int64(pageID) * dm.slotSize()
	raw := buf
	if dm.compress {
		raw = make([]byte, compressedSlotSize)
	}

	n, err := dm.file.ReadAt(raw, offset)
	if err != nil && n < len(raw) {
		// Short read (including EOF) past the current file size is a
		// page that was never written: return zeros.
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}

	if dm.compress {
		marker, payload := raw[0], raw[1:]
		if marker == rawMarker {
			// Either the uncompressed fallback for a page that didn't
			// compress, or a page never written (an unwritten marker
			// byte reads as zero, same as rawMarker): either way the
			// payload bytes are exactly what belongs in buf.
			copy(buf, payload)
		} else {
			decoded, derr := s2.Decode(nil, trimZeroTail(payload))
			if derr != nil {
				for i := range buf {
					buf[i] = 0
				}
				return nil
			}
			copy(buf, decoded)
		}
	}

	dm.totalReads++
	return nil
}

// trimZeroTail strips the zero padding a sparse/short read may leave
// after a compressed payload shorter than PageSize.
func trimZeroTail(buf []byte) []byte {
	end := len(buf)
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	return buf[:end]
}

// WritePage writes buf to pageID.
func (dm *FileDiskManager) WritePage(pageID PageID, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("storage: write buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.writeLocked(pageID, buf)
}

func (dm *FileDiskManager) writeLocked(pageID PageID, buf []byte) error {
	offset := int64(pageID) * dm.slotSize()
	out := buf
	if dm.compress {
		scratch := make([]byte, s2.MaxEncodedLen(PageSize))
		encoded := s2.Encode(scratch, buf)

		out = make([]byte, compressedSlotSize)
		if len(encoded) < PageSize {
			out[0] = compressedMarker
			copy(out[1:], encoded)
		} else {
			// Incompressible (or already-dense) input: s2's worst-case
			// expansion can exceed PageSize, so fall back to storing buf
			// verbatim rather than truncating the encoded form.
			out[0] = rawMarker
			copy(out[1:], buf)
		}
	}
	if _, err := dm.file.WriteAt(out, offset); err != nil {
		return fmt.Errorf("storage: write page %d: %w", pageID, err)
	}
	dm.totalWrites++
	return nil
}

// AllocatePage returns a fresh page ID, reusing a freed one if the
// free list is non-empty.
func (dm *FileDiskManager) AllocatePage() (PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.freeList.PageCount > 0 {
		id, ok, err := dm.popFreePage()
		if err != nil {
			return InvalidPageID, err
		}
		if ok {
			return id, nil
		}
	}

	id := dm.nextPageID
	dm.nextPageID++
	return id, nil
}

// DeallocatePage adds pageID to the free list for reuse by a later
// AllocatePage call.
func (dm *FileDiskManager) DeallocatePage(pageID PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.pushFreePage(pageID)
}

// Sync flushes the file to stable storage.
func (dm *FileDiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.file.Sync()
}

// Close syncs and closes the backing file.
func (dm *FileDiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.file.Sync(); err != nil {
		return err
	}
	return dm.file.Close()
}

// Stats reports read/write counters.
func (dm *FileDiskManager) Stats() map[string]any {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return map[string]any{
		"next_page_id": dm.nextPageID,
		"free_pages":   dm.freeList.PageCount,
		"total_reads":  dm.totalReads,
		"total_writes": dm.totalWrites,
		"compression":  dm.compress,
	}
}

// MemoryDiskManager is an unlimited-memory DiskManager: an in-memory
// slice of pages indexed by ID that expands as writes request higher
// IDs. Unlike the file-backed manager, reading a page that was never
// written fails loudly rather than returning zeros — there is no
// sparse file to fall back on.
type MemoryDiskManager struct {
	mu          sync.Mutex
	pages       [][PageSize]byte
	written     []bool
	nextPageID  PageID
	freeList    []PageID
	totalReads  int64
	totalWrites int64
}

// NewMemoryDiskManager returns an empty in-memory disk manager.
func NewMemoryDiskManager() *MemoryDiskManager {
	return &MemoryDiskManager{}
}

func (dm *MemoryDiskManager) ensure(pageID PageID) {
	for PageID(len(dm.pages)) <= pageID {
		dm.pages = append(dm.pages, [PageSize]byte{})
		dm.written = append(dm.written, false)
	}
}

// ReadPage reads pageID. Returns ErrUnwrittenPage if pageID has never
// been written.
func (dm *MemoryDiskManager) ReadPage(pageID PageID, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("storage: read buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if pageID < 0 || int(pageID) >= len(dm.pages) || !dm.written[pageID] {
		return ErrUnwrittenPage
	}
	copy(buf, dm.pages[pageID][:])
	dm.totalReads++
	return nil
}

// WritePage writes buf to pageID, expanding the backing slice as
// needed.
func (dm *MemoryDiskManager) WritePage(pageID PageID, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("storage: write buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	if pageID < 0 {
		return fmt.Errorf("storage: invalid page id %d", pageID)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.ensure(pageID)
	copy(dm.pages[pageID][:], buf)
	dm.written[pageID] = true
	dm.totalWrites++
	return nil
}

// AllocatePage returns a fresh page ID, reusing a freed one if
// available.
func (dm *MemoryDiskManager) AllocatePage() (PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if n := len(dm.freeList); n > 0 {
		id := dm.freeList[n-1]
		dm.freeList = dm.freeList[:n-1]
		return id, nil
	}
	id := dm.nextPageID
	dm.nextPageID++
	dm.ensure(id)
	return id, nil
}

// DeallocatePage adds pageID to the free list.
func (dm *MemoryDiskManager) DeallocatePage(pageID PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.freeList = append(dm.freeList, pageID)
	return nil
}

// Sync is a no-op; there is no backing store to flush.
func (dm *MemoryDiskManager) Sync() error { return nil }

// Close is a no-op.
func (dm *MemoryDiskManager) Close() error { return nil }

// Stats reports read/write counters.
func (dm *MemoryDiskManager) Stats() map[string]any {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return map[string]any{
		"next_page_id": dm.nextPageID,
		"free_pages":   len(dm.freeList),
		"total_reads":  dm.totalReads,
		"total_writes": dm.totalWrites,
		"pages_held":   len(dm.pages),
	}
}
