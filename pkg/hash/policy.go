package hash

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// KeyHasher computes a 32-bit hash of a key. The extendible hash table
// consults only the high bits (via the header) and low bits (via the
// directory) of this value, so its quality in the middle bits does not
// matter as much as its quality at the extremes.
type KeyHasher[K any] interface {
	Hash(key K) uint32
}

// KeyComparator decides key equality for bucket scans. Kept distinct
// from Go's == so callers can inject case-insensitive, collated, or
// structural comparisons without wrapping their key type.
type KeyComparator[K any] interface {
	Equal(a, b K) bool
}

// Codec encodes a fixed-size value to and from bytes for on-disk
// bucket storage. Size must be constant for a given Codec instance;
// DiskHashTable uses it once at construction to compute how many
// entries fit in a bucket page.
type Codec[V any] interface {
	Size() int
	Encode(dst []byte, v V)
	Decode(src []byte) V
}

// Blake2bHasher hashes a key by converting it to bytes via ToBytes and
// folding a blake2b-256 digest down to 32 bits. A cryptographic hash
// spreads adversarially chosen keys uniformly across the directory,
// where a cheap multiplicative hash could be driven into pathological
// repeated splitting by a hostile or merely unlucky key sequence.
type Blake2bHasher[K any] struct {
	ToBytes func(K) []byte
}

// Hash implements KeyHasher.
func (h Blake2bHasher[K]) Hash(key K) uint32 {
	sum := blake2b.Sum256(h.ToBytes(key))
	return binary.LittleEndian.Uint32(sum[:4])
}

// funcComparator adapts a plain equality function to KeyComparator.
type funcComparator[K any] struct {
	eq func(a, b K) bool
}

// EqualFunc builds a KeyComparator from a plain function, for callers
// who don't want to declare a named type just to inject one.
func EqualFunc[K any](eq func(a, b K) bool) KeyComparator[K] {
	return funcComparator[K]{eq: eq}
}

func (c funcComparator[K]) Equal(a, b K) bool { return c.eq(a, b) }

// Uint64Codec stores a uint64 key or value in 8 little-endian bytes.
type Uint64Codec struct{}

func (Uint64Codec) Size() int                  { return 8 }
func (Uint64Codec) Encode(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }
func (Uint64Codec) Decode(src []byte) uint64    { return binary.LittleEndian.Uint64(src) }

// Int64Codec stores an int64 key or value in 8 little-endian bytes.
type Int64Codec struct{}

func (Int64Codec) Size() int                  { return 8 }
func (Int64Codec) Encode(dst []byte, v int64) { binary.LittleEndian.PutUint64(dst, uint64(v)) }
func (Int64Codec) Decode(src []byte) int64    { return int64(binary.LittleEndian.Uint64(src)) }

// FixedStringCodec stores a string left-justified and zero-padded into
// Width bytes. Strings longer than Width are truncated on encode; the
// caller is responsible for choosing a Width that fits its key domain.
type FixedStringCodec struct {
	Width int
}

func (c FixedStringCodec) Size() int { return c.Width }

func (c FixedStringCodec) Encode(dst []byte, v string) {
	n := copy(dst, v)
	for i := n; i < c.Width; i++ {
		dst[i] = 0
	}
}

func (c FixedStringCodec) Decode(src []byte) string {
	end := 0
	for end < len(src) && src[end] != 0 {
		end++
	}
	return string(src[:end])
}
