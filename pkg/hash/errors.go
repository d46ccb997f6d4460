// Package hash implements a disk-backed extendible hash table on top of
// a storage.BufferPoolManager: a three-level header/directory/bucket
// page hierarchy addressed by the high bits of a hashed key, growing
// its directory and splitting buckets as entries accumulate.
package hash

import "errors"

var (
	// ErrDuplicateKey is returned by Insert when the key is already
	// present in its bucket.
	ErrDuplicateKey = errors.New("hash: duplicate key")

	// ErrKeyNotFound is returned by Remove when the key is absent.
	ErrKeyNotFound = errors.New("hash: key not found")

	// ErrBucketFull is returned by BucketPage.Insert when the bucket
	// already holds its maximum number of entries. DiskHashTable.Insert
	// splits the bucket instead of returning it; when the directory
	// cannot grow to allow that split, it returns ErrDirectoryAtMaxDepth.
	ErrBucketFull = errors.New("hash: bucket full")

	// ErrSplitLimit is returned when a single insert triggers more than
	// three recursive bucket splits without finding room, which can only
	// happen if the hasher is pathologically bad at spreading the keys
	// involved.
	ErrSplitLimit = errors.New("hash: split retry limit exceeded")

	// ErrDirectoryAtMaxDepth is returned when a split requires growing
	// the directory past its configured maximum depth.
	ErrDirectoryAtMaxDepth = errors.New("hash: directory at max depth")
)
