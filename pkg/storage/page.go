package storage

// PageSize is the fixed size of every page moved between the buffer pool
// and the disk manager, in bytes. Header, directory, bucket, and plain
// data pages all share this size.
const PageSize = 4096

// PageID identifies a page. InvalidPageID marks "no page" in a frame or
// directory/header slot that has not been allocated yet.
type PageID int32

// InvalidPageID is the sentinel for "no page".
const InvalidPageID PageID = -1

// Page is the fixed-size byte array cached inside a Frame and persisted
// by the DiskManager. It carries no metadata of its own — page_id,
// pin_count, is_dirty, and the latch all live on the owning Frame, per
// the buffer pool's data model.
type Page struct {
	data [PageSize]byte
}

// NewZeroPage returns a zero-filled page.
func NewZeroPage() *Page {
	return &Page{}
}

// Bytes returns the page's backing array as a slice. Callers holding a
// WriteGuard may mutate it in place; callers holding a ReadGuard must
// treat it as read-only.
func (p *Page) Bytes() []byte {
	return p.data[:]
}

// Reset zero-fills the page in place.
func (p *Page) Reset() {
	for i := range p.data {
		p.data[i] = 0
	}
}

// CopyFrom overwrites the page with src, which must be exactly PageSize
// bytes.
func (p *Page) CopyFrom(src []byte) {
	copy(p.data[:], src)
}
