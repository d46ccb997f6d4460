package storage

import (
	"fmt"
	"sync"
)

// PoolConfig bundles the buffer pool's construction parameters as a
// flat option struct, the same shape as MmapConfig, rather than a CLI
// flag set or an env-driven config loader: the pool is a library
// component embedded by callers, not a standalone process.
type PoolConfig struct {
	// PoolSize is the fixed number of frames held in memory.
	PoolSize int

	// LRUKWindow is k in the LRU-K replacement policy.
	LRUKWindow int

	// Disk is the backing DiskManager. Required.
	Disk DiskManager

	// Log, if non-nil, receives a record whenever a page is flushed
	// (FlushPage or a dirty eviction); nil means NopLogManager. The core
	// buffer pool never reads log records back; this
	// hook exists purely so a future recovery layer has somewhere to
	// attach without the pool depending on one yet.
	Log LogManager
}

// BufferPoolManager caches a fixed number of disk pages in memory,
// handing out pins and latches through guard types rather than raw
// pointers so that callers cannot outlive a page's residency without
// the type system noticing. Eviction victims come from an LRUKReplacer;
// disk I/O is funneled through a DiskScheduler so concurrent misses on
// distinct pages can be served by a single background worker without
// callers blocking each other's CPU time.
type BufferPoolManager struct {
	mu sync.Mutex

	frames    []*Frame
	pageTable map[PageID]FrameID
	freeList  []FrameID
	replacer  *LRUKReplacer
	scheduler *DiskScheduler
	disk      DiskManager
	log       LogManager

	// pending coalesces concurrent FetchPage misses on the same page ID
	// into a single disk read: the first caller in clears the channel
	// when the page is resident, later callers for the same ID wait on
	// it instead of issuing a redundant read.
	pending map[PageID]chan struct{}
}

// NewBufferPoolManager constructs a pool with cfg.PoolSize frames, all
// initially on the free list.
func NewBufferPoolManager(cfg PoolConfig) *BufferPoolManager {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.LRUKWindow <= 0 {
		cfg.LRUKWindow = 2
	}
	if cfg.Log == nil {
		cfg.Log = NopLogManager{}
	}

	bpm := &BufferPoolManager{
		frames:    make([]*Frame, cfg.PoolSize),
		pageTable: make(map[PageID]FrameID, cfg.PoolSize),
		freeList:  make([]FrameID, cfg.PoolSize),
		replacer:  NewLRUKReplacer(cfg.PoolSize, cfg.LRUKWindow),
		scheduler: NewDiskScheduler(cfg.Disk),
		disk:      cfg.Disk,
		log:       cfg.Log,
		pending:   make(map[PageID]chan struct{}),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		bpm.frames[i] = newFrame(FrameID(i))
		bpm.freeList[i] = FrameID(i)
	}
	return bpm
}

// acquireFrame returns a free or evicted frame ready to receive a page,
// and reports whether the evicted frame's previous contents were dirty
// (so the caller can flush before reuse). Must be called with bpm.mu
// held; it drops and reacquires the lock only around a dirty victim's
// flush, never while another frame's state is being touched.
func (bpm *BufferPoolManager) acquireFrame() (*Frame, bool, error) {
	if n := len(bpm.freeList); n > 0 {
		id := bpm.freeList[n-1]
		bpm.freeList = bpm.freeList[:n-1]
		return bpm.frames[id], false, nil
	}

	victimID, ok := bpm.replacer.Evict()
	if !ok {
		return nil, false, ErrPoolFull
	}
	frame := bpm.frames[victimID]
	wasDirty := frame.IsDirty()
	victimPageID := frame.PageID

	// Remove the victim from the page table before the flush (and the
	// lock drop it requires) below: once a concurrent fetch can no
	// longer find victimPageID resident here, it cannot Pin this frame
	// out from under us while we still own it. A dirty victim also gets
	// a pending entry, so a concurrent fetch of the same page ID blocks
	// until the flush lands instead of racing a stale disk read.
	delete(bpm.pageTable, victimPageID)

	if wasDirty {
		wait := make(chan struct{})
		bpm.pending[victimPageID] = wait

		bpm.mu.Unlock()
		err := bpm.scheduler.Write(victimPageID, frame.Page.Bytes())
		bpm.mu.Lock()

		delete(bpm.pending, victimPageID)
		close(wait)

		if err != nil {
			// Put the victim back so the pool doesn't lose a frame.
			bpm.pageTable[victimPageID] = victimID
			bpm.replacer.SetEvictable(victimID, true)
			return nil, false, fmt.Errorf("storage: flush victim page %d: %w", victimPageID, err)
		}
		if bpm.log != nil {
			bpm.log.RecordFlush(victimPageID)
		}
	}

	frame.ResetDirty()
	frame.PageID = InvalidPageID
	return frame, true, nil
}

// NewPage allocates a fresh page ID from the disk manager, installs it
// in a frame pinned for writing, and returns a WriteGuard over it. The
// page's bytes start zero-filled; nothing is read from disk.
func (bpm *BufferPoolManager) NewPage() (*WriteGuard, error) {
	pageID, err := bpm.disk.AllocatePage()
	if err != nil {
		return nil, fmt.Errorf("storage: allocate page: %w", err)
	}

	bpm.mu.Lock()
	frame, _, err := bpm.acquireFrame()
	if err != nil {
		bpm.mu.Unlock()
		return nil, err
	}

	frame.Page.Reset()
	frame.PageID = pageID
	frame.SetPinCount(1)
	bpm.pageTable[pageID] = frame.ID
	bpm.replacer.RecordAccess(frame.ID, AccessLookup)
	bpm.replacer.SetEvictable(frame.ID, false)
	bpm.mu.Unlock()

	frame.Latch.Lock()
	return newWriteGuard(bpm, frame), nil
}

// fetch is the shared core of FetchPageBasic/Read/Write: it returns a
// pinned frame holding pageID's contents, coalescing concurrent misses
// for the same page into one disk read.
func (bpm *BufferPoolManager) fetch(pageID PageID) (*Frame, error) {
	for {
		bpm.mu.Lock()
		// A pending entry means the page is still being read in (it is
		// already in the page table, but its bytes are not) or flushed out:
		// wait for that first, even if the page table has an entry for it.
		if wait, ok := bpm.pending[pageID]; ok {
			bpm.mu.Unlock()
			<-wait
			continue
		}

		if fid, ok := bpm.pageTable[pageID]; ok {
			frame := bpm.frames[fid]
			frame.Pin()
			bpm.replacer.RecordAccess(fid, AccessLookup)
			bpm.replacer.SetEvictable(fid, false)
			bpm.mu.Unlock()
			return frame, nil
		}

		wait := make(chan struct{})
		bpm.pending[pageID] = wait

		frame, _, err := bpm.acquireFrame()
		if err != nil {
			delete(bpm.pending, pageID)
			close(wait)
			bpm.mu.Unlock()
			return nil, err
		}
		frame.PageID = pageID
		frame.SetPinCount(1)
		bpm.pageTable[pageID] = frame.ID
		bpm.replacer.RecordAccess(frame.ID, AccessLookup)
		bpm.replacer.SetEvictable(frame.ID, false)
		bpm.mu.Unlock()

		err = bpm.scheduler.Read(pageID, frame.Page.Bytes())

		bpm.mu.Lock()
		delete(bpm.pending, pageID)
		close(wait)
		bpm.mu.Unlock()

		if err != nil {
			bpm.UnpinPage(pageID, false)
			return nil, fmt.Errorf("storage: fetch page %d: %w", pageID, err)
		}
		return frame, nil
	}
}

// FetchPageBasic pins pageID and returns an unlatched BasicGuard.
func (bpm *BufferPoolManager) FetchPageBasic(pageID PageID) (*BasicGuard, error) {
	frame, err := bpm.fetch(pageID)
	if err != nil {
		return nil, err
	}
	return newBasicGuard(bpm, frame), nil
}

// FetchPageRead pins pageID and returns a ReadGuard holding its shared
// latch.
func (bpm *BufferPoolManager) FetchPageRead(pageID PageID) (*ReadGuard, error) {
	frame, err := bpm.fetch(pageID)
	if err != nil {
		return nil, err
	}
	frame.Latch.RLock()
	return &ReadGuard{pool: bpm, frame: frame}, nil
}

// FetchPageWrite pins pageID and returns a WriteGuard holding its
// exclusive latch.
func (bpm *BufferPoolManager) FetchPageWrite(pageID PageID) (*WriteGuard, error) {
	frame, err := bpm.fetch(pageID)
	if err != nil {
		return nil, err
	}
	frame.Latch.Lock()
	return newWriteGuard(bpm, frame), nil
}

// unpinFrame is the common tail of every guard's Drop: decrement the
// pin count, OR the dirty flag in, and once the count reaches zero make
// the frame evictable again.
func (bpm *BufferPoolManager) unpinFrame(frame *Frame, dirty bool) {
	if dirty {
		frame.MarkDirty()
	}
	if frame.Unpin() == 0 {
		bpm.mu.Lock()
		bpm.replacer.SetEvictable(frame.ID, true)
		bpm.mu.Unlock()
	}
}

// UnpinPage is the guard-free form used by callers holding only a page
// ID (e.g. after a failed fetch). Returns false if pageID is not
// resident. dirty is OR'd into the frame's existing dirty flag.
func (bpm *BufferPoolManager) UnpinPage(pageID PageID, dirty bool) bool {
	bpm.mu.Lock()
	fid, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.mu.Unlock()
		return false
	}
	frame := bpm.frames[fid]
	bpm.mu.Unlock()

	bpm.unpinFrame(frame, dirty)
	return true
}

// FlushPage writes pageID to disk if resident, regardless of its pin
// count, and clears its dirty flag. Returns false if pageID is not
// resident.
func (bpm *BufferPoolManager) FlushPage(pageID PageID) (bool, error) {
	bpm.mu.Lock()
	fid, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.mu.Unlock()
		return false, nil
	}
	frame := bpm.frames[fid]
	bpm.mu.Unlock()

	frame.Latch.RLock()
	err := bpm.scheduler.Write(pageID, frame.Page.Bytes())
	frame.Latch.RUnlock()
	if err != nil {
		return true, fmt.Errorf("storage: flush page %d: %w", pageID, err)
	}
	frame.ResetDirty()
	if bpm.log != nil {
		bpm.log.RecordFlush(pageID)
	}
	return true, nil
}

// FlushAllPages flushes every resident page, stopping at the first
// error.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	ids := make([]PageID, 0, len(bpm.pageTable))
	for id := range bpm.pageTable {
		ids = append(ids, id)
	}
	bpm.mu.Unlock()

	for _, id := range ids {
		if _, err := bpm.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage evicts pageID from the pool and returns its disk page ID
// to the free list. Fails if the page is resident and currently
// pinned. A page that is not resident is reported as deleted (true)
// without touching the disk manager, so its ID is not freed.
func (bpm *BufferPoolManager) DeletePage(pageID PageID) (bool, error) {
	bpm.mu.Lock()
	fid, ok := bpm.pageTable[pageID]
	if !ok {
		bpm.mu.Unlock()
		return true, nil
	}
	frame := bpm.frames[fid]
	if frame.PinCount() > 0 {
		bpm.mu.Unlock()
		return false, ErrPagePinned
	}

	delete(bpm.pageTable, pageID)
	bpm.replacer.Remove(fid)
	frame.Page.Reset()
	frame.ResetDirty()
	frame.PageID = InvalidPageID
	bpm.freeList = append(bpm.freeList, fid)
	bpm.mu.Unlock()

	if err := bpm.disk.DeallocatePage(pageID); err != nil {
		return true, fmt.Errorf("storage: deallocate page %d: %w", pageID, err)
	}
	return true, nil
}

// GetPinCount reports the current pin count of pageID, if resident.
func (bpm *BufferPoolManager) GetPinCount(pageID PageID) (int32, bool) {
	bpm.mu.Lock()
	fid, ok := bpm.pageTable[pageID]
	bpm.mu.Unlock()
	if !ok {
		return 0, false
	}
	return bpm.frames[fid].PinCount(), true
}

// Stats reports pool occupancy and replacer/disk diagnostics for
// callers that want to log or export them, following the same plain
// map convention as DiskManager.Stats and LRUKReplacer.Stats.
func (bpm *BufferPoolManager) Stats() map[string]any {
	bpm.mu.Lock()
	resident := len(bpm.pageTable)
	free := len(bpm.freeList)
	bpm.mu.Unlock()

	return map[string]any{
		"pool_size":      len(bpm.frames),
		"resident_pages": resident,
		"free_frames":    free,
		"replacer":       bpm.replacer.Stats(),
		"disk":           bpm.disk.Stats(),
	}
}

// Close shuts down the backing disk scheduler and closes the disk
// manager. It does not flush dirty pages first; call FlushAllPages
// explicitly if that's needed.
func (bpm *BufferPoolManager) Close() error {
	bpm.scheduler.Shutdown()
	return bpm.disk.Close()
}
