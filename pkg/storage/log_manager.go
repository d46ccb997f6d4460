package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// LogManager is the narrow seam the buffer pool calls through whenever
// it flushes a page. Crash recovery and transactional WAL replay
// are out of scope for this package; LogManager exists so a recovery
// layer built on top of it has a well-defined point to hook into
// without the pool itself depending on one. Nothing in this package
// ever reads a record back.
type LogManager interface {
	// RecordFlush is called once a page's bytes have been written to
	// the backing DiskManager (WritePage returned; no Sync is implied).
	RecordFlush(pageID PageID) (lsn uint64, err error)

	// Close releases any resources the manager holds.
	Close() error
}

// NopLogManager discards every record. It is the default when a
// BufferPoolManager is constructed without a PoolConfig.Log.
type NopLogManager struct{}

// RecordFlush assigns no LSN and never fails.
func (NopLogManager) RecordFlush(PageID) (uint64, error) { return 0, nil }

// Close is a no-op.
func (NopLogManager) Close() error { return nil }

// FileLogManager appends a fixed-size flush record (LSN, page ID) to an
// append-only file. It exists for callers that want a durable audit
// trail of what the pool wrote to disk and when, without pulling in a
// full write-ahead log's record types, checkpoints, or replay.
type FileLogManager struct {
	mu   sync.Mutex
	file *os.File
	lsn  uint64
}

const logRecordSize = 8 + 4 // LSN + PageID

// NewFileLogManager opens (creating if needed) an append-only log file
// at path.
func NewFileLogManager(path string) (*FileLogManager, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open log file: %w", err)
	}
	return &FileLogManager{file: file}, nil
}

// RecordFlush appends a (lsn, pageID) record and returns the assigned
// LSN.
func (lm *FileLogManager) RecordFlush(pageID PageID) (uint64, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lsn := atomic.AddUint64(&lm.lsn, 1)

	var buf [logRecordSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], lsn)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(int32(pageID)))

	if _, err := lm.file.Write(buf[:]); err != nil {
		return 0, fmt.Errorf("storage: write log record: %w", err)
	}
	return lsn, nil
}

// Close syncs and closes the log file.
func (lm *FileLogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.file.Sync(); err != nil {
		return err
	}
	return lm.file.Close()
}
