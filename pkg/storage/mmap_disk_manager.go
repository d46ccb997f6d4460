package storage

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"
)

// MmapDiskManager is a DiskManager backed by a memory-mapped file
// instead of ReadAt/WriteAt syscalls, trading a pread/pwrite per page
// for direct memory access into the kernel's page cache. It suits
// read-heavy workloads where the working set fits comfortably in the
// mapped region; WritePage still needs an exclusive lock to safely
// grow the mapping, so it does not parallelize writes any better than
// FileDiskManager.
type MmapDiskManager struct {
	mu          sync.RWMutex
	dataFile    *os.File
	mmapData    []byte
	mmapSize    int64
	nextPageID  PageID
	freeList    *FreePageList
	totalReads  int64
	totalWrites int64
	mapped      bool
}

// MmapConfig configures the size of the memory-mapped region. Only
// InitialSize is consulted: whenever the mapping must grow, it grows by
// DefaultMmapConfig().GrowthSize, whatever GrowthSize the caller passed.
type MmapConfig struct {
	InitialSize int64 // bytes mapped at open time
	GrowthSize  int64 // not consulted; see above
}

// DefaultMmapConfig returns a 256MB initial mapping grown in 64MB
// increments.
func DefaultMmapConfig() *MmapConfig {
	return &MmapConfig{
		InitialSize: 256 * 1024 * 1024,
		GrowthSize:  64 * 1024 * 1024,
	}
}

// NewMmapDiskManager opens path and maps at least config.InitialSize
// bytes of it into the process address space (DefaultMmapConfig if nil).
func NewMmapDiskManager(path string, config *MmapConfig) (*MmapDiskManager, error) {
	if config == nil {
		config = DefaultMmapConfig()
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open mmap data file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("storage: stat mmap data file: %w", err)
	}

	currentSize := info.Size()
	dm := &MmapDiskManager{
		dataFile:   file,
		nextPageID: PageID(currentSize / PageSize),
		freeList:   NewFreePageList(),
	}

	mmapSize := config.InitialSize
	if currentSize > mmapSize {
		mmapSize = currentSize
	}
	if err := dm.expandMmap(mmapSize, config); err != nil {
		file.Close()
		return nil, fmt.Errorf("storage: initialize mmap: %w", err)
	}

	return dm, nil
}

func (dm *MmapDiskManager) expandMmap(newSize int64, config *MmapConfig) error {
	if dm.mmapData != nil {
		if err := syscall.Munmap(dm.mmapData); err != nil {
			return fmt.Errorf("storage: unmap existing region: %w", err)
		}
		dm.mmapData = nil
		dm.mapped = false
	}

	if err := dm.dataFile.Truncate(newSize); err != nil {
		return fmt.Errorf("storage: truncate mmap file: %w", err)
	}

	data, err := syscall.Mmap(
		int(dm.dataFile.Fd()),
		0,
		int(newSize),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED,
	)
	if err != nil {
		return fmt.Errorf("storage: mmap file: %w", err)
	}

	dm.mmapData = data
	dm.mmapSize = newSize
	dm.mapped = true
	_ = config
	return nil
}

// ReadPage reads pageID out of the mapped region. A page beyond the
// current mapping (never written) reads as all zeros, matching
// FileDiskManager's contract.
func (dm *MmapDiskManager) ReadPage(pageID PageID, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("storage: read buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if !dm.mapped {
		return fmt.Errorf("storage: mmap disk manager is closed")
	}

	offset := int64(pageID) * PageSize
	if offset < 0 || offset+PageSize > dm.mmapSize {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}

	copy(buf, dm.mmapData[offset:offset+PageSize])
	dm.totalReads++
	return nil
}

// WritePage writes buf to pageID, growing the mapping first if needed.
func (dm *MmapDiskManager) WritePage(pageID PageID, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("storage: write buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if !dm.mapped {
		return fmt.Errorf("storage: mmap disk manager is closed")
	}

	offset := int64(pageID) * PageSize
	if offset+PageSize > dm.mmapSize {
		growth := DefaultMmapConfig().GrowthSize
		newSize := dm.mmapSize + growth
		if offset+PageSize > newSize {
			newSize = offset + PageSize + growth
		}
		if err := dm.expandMmap(newSize, nil); err != nil {
			return fmt.Errorf("storage: expand mmap for write: %w", err)
		}
	}

	copy(dm.mmapData[offset:offset+PageSize], buf)
	dm.totalWrites++
	return nil
}

func (dm *MmapDiskManager) readLocked(pageID PageID, buf []byte) error {
	offset := int64(pageID) * PageSize
	if offset < 0 || offset+PageSize > dm.mmapSize {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, dm.mmapData[offset:offset+PageSize])
	return nil
}

func (dm *MmapDiskManager) writeLocked(pageID PageID, buf []byte) error {
	offset := int64(pageID) * PageSize
	if offset+PageSize > dm.mmapSize {
		growth := DefaultMmapConfig().GrowthSize
		newSize := dm.mmapSize + growth
		if offset+PageSize > newSize {
			newSize = offset + PageSize + growth
		}
		if err := dm.expandMmap(newSize, nil); err != nil {
			return err
		}
	}
	copy(dm.mmapData[offset:offset+PageSize], buf)
	return nil
}

// pushFreePage mirrors FileDiskManager's chained free list, reusing the
// same on-disk layout and the mapping's own readLocked/writeLocked in
// place of pread/pwrite. Caller must hold dm.mu.
func (dm *MmapDiskManager) pushFreePage(pageID PageID) error {
	buf := make([]byte, PageSize)

	if dm.freeList.HeadPageID != InvalidPageID {
		if err := dm.readLocked(dm.freeList.HeadPageID, buf); err != nil {
			return err
		}
		next, count := readFreeListHeader(buf)
		if count < MaxFreePageEntries {
			writeFreeListEntry(buf, count, pageID)
			writeFreeListHeader(buf, next, count+1)
			if err := dm.writeLocked(dm.freeList.HeadPageID, buf); err != nil {
				return err
			}
			dm.freeList.PageCount++
			return nil
		}
	}

	newHead := dm.nextPageID
	dm.nextPageID++

	chain := make([]byte, PageSize)
	writeFreeListHeader(chain, dm.freeList.HeadPageID, 1)
	writeFreeListEntry(chain, 0, pageID)
	if err := dm.writeLocked(newHead, chain); err != nil {
		return err
	}

	dm.freeList.HeadPageID = newHead
	dm.freeList.PageCount++
	return nil
}

func (dm *MmapDiskManager) popFreePage() (PageID, bool, error) {
	for dm.freeList.HeadPageID != InvalidPageID {
		buf := make([]byte, PageSize)
		if err := dm.readLocked(dm.freeList.HeadPageID, buf); err != nil {
			return InvalidPageID, false, err
		}
		next, count := readFreeListHeader(buf)
		if count == 0 {
			dm.freeList.HeadPageID = next
			continue
		}

		count--
		id := readFreeListEntry(buf, count)
		writeFreeListHeader(buf, next, count)
		if err := dm.writeLocked(dm.freeList.HeadPageID, buf); err != nil {
			return InvalidPageID, false, err
		}
		dm.freeList.PageCount--
		return id, true, nil
	}
	return InvalidPageID, false, nil
}

// AllocatePage returns a fresh page ID, reusing one from the free list
// first, growing the mapping to cover it if necessary.
func (dm *MmapDiskManager) AllocatePage() (PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.freeList.PageCount > 0 {
		if id, ok, err := dm.popFreePage(); err != nil {
			return InvalidPageID, err
		} else if ok {
			return id, nil
		}
	}

	pageID := dm.nextPageID
	dm.nextPageID++

	offset := int64(pageID) * PageSize
	if offset+PageSize > dm.mmapSize {
		if err := dm.expandMmap(dm.mmapSize+DefaultMmapConfig().GrowthSize, nil); err != nil {
			return InvalidPageID, fmt.Errorf("storage: expand mmap for new page: %w", err)
		}
	}
	return pageID, nil
}

// DeallocatePage adds pageID to the free list.
func (dm *MmapDiskManager) DeallocatePage(pageID PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.pushFreePage(pageID)
}

// Sync flushes the mapped region to disk with msync.
func (dm *MmapDiskManager) Sync() error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if !dm.mapped || len(dm.mmapData) == 0 {
		return nil
	}
	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, uintptr(unsafe.Pointer(&dm.mmapData[0])), uintptr(len(dm.mmapData)), uintptr(syscall.MS_SYNC))
	if errno != 0 {
		return fmt.Errorf("storage: msync: %v", errno)
	}
	return nil
}

// Close syncs, unmaps, and closes the backing file.
func (dm *MmapDiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.mmapData != nil {
		_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, uintptr(unsafe.Pointer(&dm.mmapData[0])), uintptr(len(dm.mmapData)), uintptr(syscall.MS_SYNC))
		if errno != 0 {
			return fmt.Errorf("storage: sync before close: %v", errno)
		}
		if err := syscall.Munmap(dm.mmapData); err != nil {
			return fmt.Errorf("storage: unmap: %w", err)
		}
		dm.mmapData = nil
	}

	dm.mapped = false
	if err := dm.dataFile.Sync(); err != nil {
		return err
	}
	return dm.dataFile.Close()
}

// Stats reports read/write counters plus the current mapping size.
func (dm *MmapDiskManager) Stats() map[string]any {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	return map[string]any{
		"next_page_id": dm.nextPageID,
		"free_pages":   dm.freeList.PageCount,
		"total_reads":  dm.totalReads,
		"total_writes": dm.totalWrites,
		"mmap_size":    dm.mmapSize,
		"mapped":       dm.mapped,
	}
}

// MadviseRandom hints that subsequent access to the mapping is random,
// discouraging kernel readahead. Useful once the hash table directory
// is large enough that bucket access no longer has spatial locality.
func (dm *MmapDiskManager) MadviseRandom() error {
	return dm.madvise(syscall.MADV_RANDOM)
}

// MadviseSequential hints that access will be sequential, e.g. during a
// full-table scan or a buffer pool warm-up sweep.
func (dm *MmapDiskManager) MadviseSequential() error {
	return dm.madvise(syscall.MADV_SEQUENTIAL)
}

func (dm *MmapDiskManager) madvise(advice int) error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if dm.mmapData == nil {
		return fmt.Errorf("storage: mmap not initialized")
	}
	_, _, errno := syscall.Syscall(syscall.SYS_MADVISE, uintptr(unsafe.Pointer(&dm.mmapData[0])), uintptr(len(dm.mmapData)), uintptr(advice))
	if errno != 0 {
		return fmt.Errorf("storage: madvise: %v", errno)
	}
	return nil
}

// MadviseWillNeed hints that pages in [startPage, endPage) will be
// needed soon, prompting the kernel to prefetch them — useful right
// before a directory-doubling pass walks every bucket.
func (dm *MmapDiskManager) MadviseWillNeed(startPage, endPage PageID) error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if dm.mmapData == nil {
		return fmt.Errorf("storage: mmap not initialized")
	}
	startOffset := int64(startPage) * PageSize
	endOffset := int64(endPage) * PageSize
	if startOffset >= dm.mmapSize || endOffset > dm.mmapSize {
		return fmt.Errorf("storage: page range exceeds mmap size")
	}

	length := int(endOffset - startOffset)
	_, _, errno := syscall.Syscall(syscall.SYS_MADVISE, uintptr(unsafe.Pointer(&dm.mmapData[startOffset])), uintptr(length), uintptr(syscall.MADV_WILLNEED))
	if errno != 0 {
		return fmt.Errorf("storage: madvise willneed: %v", errno)
	}
	return nil
}
