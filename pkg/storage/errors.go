package storage

import "errors"

var (
	// ErrPoolFull is returned when the buffer pool has no free frame and
	// the replacer could not find an evictable victim.
	ErrPoolFull = errors.New("storage: buffer pool full, no evictable frame")

	// ErrPageNotResident is returned when an operation addresses a page
	// that is not currently resident in the buffer pool.
	ErrPageNotResident = errors.New("storage: page not resident in buffer pool")

	// ErrPagePinned is returned when an operation requires a page to be
	// unpinned (e.g. DeletePage) but its pin count is positive.
	ErrPagePinned = errors.New("storage: page is pinned")

	// ErrDiskIOFailed wraps any I/O error surfaced by the disk manager
	// or disk scheduler. It is an infrastructure error: the caller is
	// not expected to recover from it.
	ErrDiskIOFailed = errors.New("storage: disk I/O failed")

	// ErrUnwrittenPage is returned by MemoryDiskManager when reading a
	// page ID that has never been written. The file-backed manager
	// instead returns a zero-filled page for the same request.
	ErrUnwrittenPage = errors.New("storage: page has never been written")
)
