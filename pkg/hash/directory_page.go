package hash

import (
	"encoding/binary"
	"fmt"

	"github.com/mnohosten/storagecore/pkg/storage"
)

// MaxDirectoryDepth bounds global_depth: 2^9 bucket pointers (each 4
// bytes) plus 2^9 one-byte local depths comfortably fits one page
// alongside the directory's own two 4-byte fields.
const MaxDirectoryDepth = 9

const directoryHeaderSize = 8 // max_depth, global_depth

// DirectoryPage fans out a header slot to up to 2^global_depth bucket
// pages, each carrying its own local depth. Its slot arrays are sized
// to max_depth's capacity at init time regardless of the current
// global depth, so growing the directory never needs to move bytes
// beyond the slots being doubled.
type DirectoryPage struct {
	data []byte
}

// InitDirectoryPage formats buf as an empty directory at global depth
// 0 with its single slot pointing at firstBucket.
func InitDirectoryPage(buf []byte, maxDepth uint32, firstBucket storage.PageID) *DirectoryPage {
	d := &DirectoryPage{data: buf}
	binary.LittleEndian.PutUint32(buf[0:4], maxDepth)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	capacity := uint32(1) << maxDepth
	for i := uint32(0); i < capacity; i++ {
		d.SetBucketPageID(i, storage.InvalidPageID)
		d.setLocalDepthRaw(i, 0)
	}
	d.SetBucketPageID(0, firstBucket)
	return d
}

// WrapDirectoryPage views an already-initialized page's bytes as a
// DirectoryPage.
func WrapDirectoryPage(buf []byte) *DirectoryPage {
	return &DirectoryPage{data: buf}
}

// MaxDepth returns the directory's configured depth ceiling.
func (d *DirectoryPage) MaxDepth() uint32 {
	return binary.LittleEndian.Uint32(d.data[0:4])
}

// GlobalDepth returns the number of hash bits currently addressed.
func (d *DirectoryPage) GlobalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.data[4:8])
}

func (d *DirectoryPage) setGlobalDepth(g uint32) {
	binary.LittleEndian.PutUint32(d.data[4:8], g)
}

// Size returns 2^global_depth, the number of live slots.
func (d *DirectoryPage) Size() uint32 {
	return uint32(1) << d.GlobalDepth()
}

// HashToBucketIndex masks hash down to the low global_depth bits.
func (d *DirectoryPage) HashToBucketIndex(hash uint32) uint32 {
	return hash & (d.Size() - 1)
}

func (d *DirectoryPage) capacity() uint32 {
	return uint32(1) << d.MaxDepth()
}

func (d *DirectoryPage) localDepthOffset(i uint32) int {
	return directoryHeaderSize + int(i)
}

func (d *DirectoryPage) bucketIDOffset(i uint32) int {
	return directoryHeaderSize + int(d.capacity()) + int(i)*4
}

// LocalDepth returns slot i's local depth.
func (d *DirectoryPage) LocalDepth(i uint32) uint8 {
	return d.data[d.localDepthOffset(i)]
}

func (d *DirectoryPage) setLocalDepthRaw(i uint32, depth uint8) {
	d.data[d.localDepthOffset(i)] = depth
}

// SetLocalDepth sets slot i's local depth.
func (d *DirectoryPage) SetLocalDepth(i uint32, depth uint8) {
	d.setLocalDepthRaw(i, depth)
}

// BucketPageID returns the bucket page ID at slot i.
func (d *DirectoryPage) BucketPageID(i uint32) storage.PageID {
	off := d.bucketIDOffset(i)
	return storage.PageID(int32(binary.LittleEndian.Uint32(d.data[off : off+4])))
}

// SetBucketPageID installs id at slot i.
func (d *DirectoryPage) SetBucketPageID(i uint32, id storage.PageID) {
	off := d.bucketIDOffset(i)
	binary.LittleEndian.PutUint32(d.data[off:off+4], uint32(int32(id)))
}

// IncrGlobalDepth doubles the directory: slot i+2^G inherits slot i's
// bucket pointer and local depth for every i < 2^G. Fails with
// ErrDirectoryAtMaxDepth if global_depth already equals max_depth.
func (d *DirectoryPage) IncrGlobalDepth() error {
	g := d.GlobalDepth()
	if g >= d.MaxDepth() {
		return ErrDirectoryAtMaxDepth
	}
	size := uint32(1) << g
	for i := uint32(0); i < size; i++ {
		d.SetBucketPageID(i+size, d.BucketPageID(i))
		d.SetLocalDepth(i+size, d.LocalDepth(i))
	}
	d.setGlobalDepth(g + 1)
	return nil
}

// DecrGlobalDepth halves the directory. It returns an error and leaves
// the directory unchanged when the global depth is already 0 or
// CanShrink is false.
func (d *DirectoryPage) DecrGlobalDepth() error {
	g := d.GlobalDepth()
	if g == 0 {
		return fmt.Errorf("hash: cannot shrink directory below global depth 0")
	}
	if !d.CanShrink() {
		return fmt.Errorf("hash: directory has a slot at global depth, cannot shrink")
	}
	d.setGlobalDepth(g - 1)
	return nil
}

// CanShrink reports whether every live slot's local depth is strictly
// less than the global depth.
func (d *DirectoryPage) CanShrink() bool {
	g := d.GlobalDepth()
	for i := uint32(0); i < d.Size(); i++ {
		if uint32(d.LocalDepth(i)) >= g {
			return false
		}
	}
	return true
}

// CheckIntegrity verifies invariant I5: local depths never exceed
// global depth, and every distinct bucket page ID appears in exactly
// 2^(global_depth - local_depth) slots, all sharing that local depth.
func (d *DirectoryPage) CheckIntegrity() error {
	g := d.GlobalDepth()
	counts := make(map[storage.PageID]uint32)
	depths := make(map[storage.PageID]uint8)

	for i := uint32(0); i < d.Size(); i++ {
		local := d.LocalDepth(i)
		if uint32(local) > g {
			return fmt.Errorf("hash: slot %d local depth %d exceeds global depth %d", i, local, g)
		}
		bucket := d.BucketPageID(i)
		if bucket == storage.InvalidPageID {
			continue
		}
		if seen, ok := depths[bucket]; ok && seen != local {
			return fmt.Errorf("hash: bucket %d has inconsistent local depth across slots", bucket)
		}
		depths[bucket] = local
		counts[bucket]++
	}

	for bucket, count := range counts {
		want := uint32(1) << (g - uint32(depths[bucket]))
		if count != want {
			return fmt.Errorf("hash: bucket %d appears in %d slots, want %d", bucket, count, want)
		}
	}
	return nil
}
