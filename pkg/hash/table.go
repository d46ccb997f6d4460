package hash

import (
	"fmt"

	"github.com/mnohosten/storagecore/pkg/storage"
)

// Config bundles a DiskHashTable's construction parameters: the pool it
// rides on, its depth ceilings, and its injected hashing/equality/
// encoding policies. There is no default hasher or codec — a caller
// always states explicitly how its key and value types turn into bytes
// and into a hash, the same way the bucket page never assumes anything
// about K or V beyond what Codec and KeyComparator tell it.
type Config[K any, V any] struct {
	Pool *storage.BufferPoolManager

	// HeaderMaxDepth bounds the header's directory fan-out; 0 defaults
	// to MaxHeaderDepth.
	HeaderMaxDepth uint32

	// DirectoryMaxDepth bounds global_depth; 0 defaults to
	// MaxDirectoryDepth.
	DirectoryMaxDepth uint32

	// BucketMaxSize caps how many entries a bucket page holds before
	// it must split; 0 defaults to however many the page size and
	// codecs allow. Lowering it is mainly useful for forcing splits and
	// directory growth in tests without inserting thousands of keys.
	BucketMaxSize uint32

	Hasher     KeyHasher[K]
	Comparator KeyComparator[K]
	KeyCodec   Codec[K]
	ValueCodec Codec[V]
}

// DiskHashTable is a disk-backed extendible hash table: a header page
// fans out to directory pages by the high bits of a hashed key, each
// directory page fans out to bucket pages by the low bits, and each
// bucket holds a flat array of entries. Insert and Remove descend
// header → directory → bucket taking write latches (latch crabbing:
// the header is released as soon as the directory is held; the
// directory stays latched until the operation finishes, since a split
// or merge may rewrite it); Lookup descends with read latches,
// releasing each level as soon as the next is held.
type DiskHashTable[K any, V any] struct {
	pool         *storage.BufferPoolManager
	headerPageID storage.PageID

	headerMaxDepth    uint32
	directoryMaxDepth uint32
	bucketMaxSize     uint32

	hasher   KeyHasher[K]
	cmp      KeyComparator[K]
	keyCodec Codec[K]
	valCodec Codec[V]
}

// NewDiskHashTable allocates a header page and returns a table ready
// for use. The header is written once here and never reallocated; its
// page ID is the table's sole durable entry point.
func NewDiskHashTable[K any, V any](cfg Config[K, V]) (*DiskHashTable[K, V], error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("hash: Config.Pool is required")
	}
	if cfg.Hasher == nil || cfg.Comparator == nil || cfg.KeyCodec == nil || cfg.ValueCodec == nil {
		return nil, fmt.Errorf("hash: Config.Hasher, Comparator, KeyCodec, and ValueCodec are required")
	}
	headerMaxDepth := cfg.HeaderMaxDepth
	if headerMaxDepth == 0 {
		headerMaxDepth = MaxHeaderDepth
	}
	directoryMaxDepth := cfg.DirectoryMaxDepth
	if directoryMaxDepth == 0 {
		directoryMaxDepth = MaxDirectoryDepth
	}

	guard, err := cfg.Pool.NewPage()
	if err != nil {
		return nil, fmt.Errorf("hash: allocate header page: %w", err)
	}
	InitHeaderPage(guard.Data(), headerMaxDepth)
	guard.MarkDirty()
	headerPageID := guard.PageID()
	guard.Drop()

	return &DiskHashTable[K, V]{
		pool:              cfg.Pool,
		headerPageID:      headerPageID,
		headerMaxDepth:    headerMaxDepth,
		directoryMaxDepth: directoryMaxDepth,
		bucketMaxSize:     cfg.BucketMaxSize,
		hasher:            cfg.Hasher,
		cmp:               cfg.Comparator,
		keyCodec:          cfg.KeyCodec,
		valCodec:          cfg.ValueCodec,
	}, nil
}

// HeaderPageID returns the table's fixed entry-point page, for tests
// that want to drive header/directory/bucket pages directly.
func (t *DiskHashTable[K, V]) HeaderPageID() storage.PageID {
	return t.headerPageID
}

// Lookup hashes key and descends header → directory → bucket with read
// latches, returning the associated value if present.
func (t *DiskHashTable[K, V]) Lookup(key K) (V, bool, error) {
	var zero V
	h := t.hasher.Hash(key)

	headerGuard, err := t.pool.FetchPageRead(t.headerPageID)
	if err != nil {
		return zero, false, err
	}
	header := WrapHeaderPage(headerGuard.Data())
	dirPageID := header.DirectoryPageID(header.HashToDirectoryIndex(h))
	if dirPageID == storage.InvalidPageID {
		headerGuard.Drop()
		return zero, false, nil
	}

	dirGuard, err := t.pool.FetchPageRead(dirPageID)
	headerGuard.Drop()
	if err != nil {
		return zero, false, err
	}
	dir := WrapDirectoryPage(dirGuard.Data())
	bucketPageID := dir.BucketPageID(dir.HashToBucketIndex(h))
	if bucketPageID == storage.InvalidPageID {
		dirGuard.Drop()
		return zero, false, nil
	}

	bucketGuard, err := t.pool.FetchPageRead(bucketPageID)
	dirGuard.Drop()
	if err != nil {
		return zero, false, err
	}
	bucket := WrapBucketPage(bucketGuard.Data(), t.keyCodec, t.valCodec)
	val, ok := bucket.Lookup(key, t.cmp)
	bucketGuard.Drop()
	return val, ok, nil
}

// Insert hashes key and descends with write latches, allocating a
// directory or bucket page on first use of a slot and splitting a full
// bucket (recursively, up to three times) to make room.
func (t *DiskHashTable[K, V]) Insert(key K, val V) error {
	h := t.hasher.Hash(key)

	headerGuard, err := t.pool.FetchPageWrite(t.headerPageID)
	if err != nil {
		return err
	}
	header := WrapHeaderPage(headerGuard.Data())
	dirIdx := header.HashToDirectoryIndex(h)
	dirPageID := header.DirectoryPageID(dirIdx)

	if dirPageID == storage.InvalidPageID {
		bucketGuard, err := t.pool.NewPage()
		if err != nil {
			headerGuard.Drop()
			return fmt.Errorf("hash: allocate first bucket: %w", err)
		}
		InitBucketPageWithCapacity(bucketGuard.Data(), t.keyCodec, t.valCodec, t.bucketMaxSize)
		bucketGuard.MarkDirty()
		firstBucketID := bucketGuard.PageID()
		bucketGuard.Drop()

		newDirGuard, err := t.pool.NewPage()
		if err != nil {
			headerGuard.Drop()
			return fmt.Errorf("hash: allocate directory: %w", err)
		}
		InitDirectoryPage(newDirGuard.Data(), t.directoryMaxDepth, firstBucketID)
		newDirGuard.MarkDirty()
		dirPageID = newDirGuard.PageID()
		newDirGuard.Drop()

		header.SetDirectoryPageID(dirIdx, dirPageID)
		headerGuard.MarkDirty()
	}

	dirGuard, err := t.pool.FetchPageWrite(dirPageID)
	headerGuard.Drop()
	if err != nil {
		return err
	}
	return t.insertIntoDirectory(dirGuard, h, key, val, 0)
}

// insertIntoDirectory holds dirGuard's write latch and performs the
// bucket-level insert, splitting and recursing (up to maxSplitRetries
// times) when the target bucket is full.
const maxSplitRetries = 3

func (t *DiskHashTable[K, V]) insertIntoDirectory(dirGuard *storage.WriteGuard, h uint32, key K, val V, retries int) error {
	dir := WrapDirectoryPage(dirGuard.Data())
	bucketIdx := dir.HashToBucketIndex(h)
	bucketPageID := dir.BucketPageID(bucketIdx)

	if bucketPageID == storage.InvalidPageID {
		bucketGuard, err := t.pool.NewPage()
		if err != nil {
			dirGuard.Drop()
			return fmt.Errorf("hash: allocate bucket: %w", err)
		}
		InitBucketPageWithCapacity(bucketGuard.Data(), t.keyCodec, t.valCodec, t.bucketMaxSize)
		bucketGuard.MarkDirty()
		bucketPageID = bucketGuard.PageID()
		bucketGuard.Drop()

		dir.SetBucketPageID(bucketIdx, bucketPageID)
		dirGuard.MarkDirty()
	}

	bucketGuard, err := t.pool.FetchPageWrite(bucketPageID)
	if err != nil {
		dirGuard.Drop()
		return err
	}
	bucket := WrapBucketPage(bucketGuard.Data(), t.keyCodec, t.valCodec)

	insertErr := bucket.Insert(key, val, t.cmp)
	switch insertErr {
	case nil:
		bucketGuard.MarkDirty()
		bucketGuard.Drop()
		dirGuard.Drop()
		return nil
	case ErrDuplicateKey:
		bucketGuard.Drop()
		dirGuard.Drop()
		return ErrDuplicateKey
	}
	// insertErr == ErrBucketFull: split and retry.

	if retries >= maxSplitRetries {
		bucketGuard.Drop()
		dirGuard.Drop()
		return ErrSplitLimit
	}

	localDepth := dir.LocalDepth(bucketIdx)
	if uint32(localDepth) == dir.GlobalDepth() {
		if err := dir.IncrGlobalDepth(); err != nil {
			bucketGuard.Drop()
			dirGuard.Drop()
			return err
		}
		dirGuard.MarkDirty()
		bucketIdx = dir.HashToBucketIndex(h)
		localDepth = dir.LocalDepth(bucketIdx)
	}

	newLocalDepth := localDepth + 1
	splitBit := uint32(1) << (newLocalDepth - 1)

	newBucketGuard, err := t.pool.NewPage()
	if err != nil {
		bucketGuard.Drop()
		dirGuard.Drop()
		return fmt.Errorf("hash: allocate split bucket: %w", err)
	}
	newBucket := InitBucketPageWithCapacity(newBucketGuard.Data(), t.keyCodec, t.valCodec, t.bucketMaxSize)
	newBucketPageID := newBucketGuard.PageID()

	entries := bucket.Entries()
	bucket.Clear()
	for _, e := range entries {
		if t.hasher.Hash(e.Key)&splitBit != 0 {
			_ = newBucket.Insert(e.Key, e.Value, t.cmp)
		} else {
			_ = bucket.Insert(e.Key, e.Value, t.cmp)
		}
	}
	bucketGuard.MarkDirty()
	newBucketGuard.MarkDirty()

	size := dir.Size()
	for i := uint32(0); i < size; i++ {
		if dir.BucketPageID(i) != bucketPageID {
			continue
		}
		if i&splitBit != 0 {
			dir.SetBucketPageID(i, newBucketPageID)
		}
		dir.SetLocalDepth(i, newLocalDepth)
	}
	dirGuard.MarkDirty()

	newBucketGuard.Drop()
	bucketGuard.Drop()

	return t.insertIntoDirectory(dirGuard, h, key, val, retries+1)
}

// Remove hashes key and descends with write latches, deleting its
// entry if present. An empty bucket is opportunistically merged with
// its directory image (spec's optional shrink path); this is never
// required for correctness, only to bound directory growth.
func (t *DiskHashTable[K, V]) Remove(key K) error {
	h := t.hasher.Hash(key)

	headerGuard, err := t.pool.FetchPageWrite(t.headerPageID)
	if err != nil {
		return err
	}
	header := WrapHeaderPage(headerGuard.Data())
	dirPageID := header.DirectoryPageID(header.HashToDirectoryIndex(h))
	if dirPageID == storage.InvalidPageID {
		headerGuard.Drop()
		return ErrKeyNotFound
	}

	dirGuard, err := t.pool.FetchPageWrite(dirPageID)
	headerGuard.Drop()
	if err != nil {
		return err
	}
	dir := WrapDirectoryPage(dirGuard.Data())
	bucketIdx := dir.HashToBucketIndex(h)
	bucketPageID := dir.BucketPageID(bucketIdx)
	if bucketPageID == storage.InvalidPageID {
		dirGuard.Drop()
		return ErrKeyNotFound
	}

	bucketGuard, err := t.pool.FetchPageWrite(bucketPageID)
	if err != nil {
		dirGuard.Drop()
		return err
	}
	bucket := WrapBucketPage(bucketGuard.Data(), t.keyCodec, t.valCodec)
	if !bucket.Remove(key, t.cmp) {
		bucketGuard.Drop()
		dirGuard.Drop()
		return ErrKeyNotFound
	}
	bucketGuard.MarkDirty()

	t.tryMerge(dirGuard, bucketGuard, bucketPageID, bucketIdx)
	dirGuard.Drop()
	return nil
}

// tryMerge collapses an empty bucket into its directory image, walking
// upward while the resulting bucket is itself empty, and halves the
// directory after each merge whenever CanShrink allows. It owns
// bucketGuard and drops it (and any replacement guard along the way)
// before returning; dirGuard remains the caller's to drop.
func (t *DiskHashTable[K, V]) tryMerge(dirGuard *storage.WriteGuard, bucketGuard *storage.WriteGuard, bucketPageID storage.PageID, bucketIdx uint32) {
	dir := WrapDirectoryPage(dirGuard.Data())
	for {
		bucket := WrapBucketPage(bucketGuard.Data(), t.keyCodec, t.valCodec)
		if !bucket.IsEmpty() {
			bucketGuard.Drop()
			return
		}
		localDepth := dir.LocalDepth(bucketIdx)
		if localDepth == 0 {
			bucketGuard.Drop()
			return
		}

		imageIdx := bucketIdx ^ (uint32(1) << (localDepth - 1))
		if dir.LocalDepth(imageIdx) != localDepth {
			bucketGuard.Drop()
			return
		}
		imageBucketID := dir.BucketPageID(imageIdx)
		if imageBucketID == bucketPageID || imageBucketID == storage.InvalidPageID {
			bucketGuard.Drop()
			return
		}

		newLocalDepth := localDepth - 1
		size := dir.Size()
		for i := uint32(0); i < size; i++ {
			if dir.BucketPageID(i) == bucketPageID || dir.BucketPageID(i) == imageBucketID {
				dir.SetBucketPageID(i, imageBucketID)
				dir.SetLocalDepth(i, newLocalDepth)
			}
		}
		dirGuard.MarkDirty()

		bucketGuard.Drop()
		if _, err := t.pool.DeletePage(bucketPageID); err != nil {
			return
		}

		if dir.CanShrink() {
			if err := dir.DecrGlobalDepth(); err == nil {
				dirGuard.MarkDirty()
			}
		}

		bucketPageID = imageBucketID
		bucketIdx = imageIdx
		next, err := t.pool.FetchPageWrite(bucketPageID)
		if err != nil {
			return
		}
		bucketGuard = next
	}
}

// CheckDirectoryIntegrity verifies I5 on every directory page the
// header references. It is intended for tests and diagnostics, not the
// hot path.
func (t *DiskHashTable[K, V]) CheckDirectoryIntegrity() error {
	headerGuard, err := t.pool.FetchPageRead(t.headerPageID)
	if err != nil {
		return err
	}
	header := WrapHeaderPage(headerGuard.Data())
	var dirPageIDs []storage.PageID
	for i := uint32(0); i < uint32(1)<<header.MaxDepth(); i++ {
		if id := header.DirectoryPageID(i); id != storage.InvalidPageID {
			dirPageIDs = append(dirPageIDs, id)
		}
	}
	headerGuard.Drop()

	for _, dirPageID := range dirPageIDs {
		dirGuard, err := t.pool.FetchPageRead(dirPageID)
		if err != nil {
			return err
		}
		err = WrapDirectoryPage(dirGuard.Data()).CheckIntegrity()
		dirGuard.Drop()
		if err != nil {
			return err
		}
	}
	return nil
}
