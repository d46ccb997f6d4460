package storage

import "sync"

// BasicGuard owns a pin on a frame but no latch. It cannot read or
// mutate page bytes directly; call UpgradeRead or UpgradeWrite to
// obtain a guard that can. Guards are move-only: Drop (or an upgrade)
// consumes the guard, and a second call is a silent no-op.
type BasicGuard struct {
	pool     *BufferPoolManager
	frame    *Frame
	once     sync.Once
	upgraded bool
}

func newBasicGuard(pool *BufferPoolManager, frame *Frame) *BasicGuard {
	return &BasicGuard{pool: pool, frame: frame}
}

// PageID returns the ID of the pinned page.
func (g *BasicGuard) PageID() PageID {
	return g.frame.PageID
}

// UpgradeRead acquires the frame's shared latch and returns a ReadGuard
// that owns the same pin — no transient unpin occurs.
func (g *BasicGuard) UpgradeRead() *ReadGuard {
	g.upgraded = true
	g.frame.Latch.RLock()
	return &ReadGuard{pool: g.pool, frame: g.frame}
}

// UpgradeWrite acquires the frame's exclusive latch and returns a
// WriteGuard that owns the same pin.
func (g *BasicGuard) UpgradeWrite() *WriteGuard {
	g.upgraded = true
	g.frame.Latch.Lock()
	return &WriteGuard{pool: g.pool, frame: g.frame}
}

// Drop releases the pin without ever having taken a latch. A no-op if
// the guard was already upgraded (the resulting Read/WriteGuard owns
// the pin from then on) or already dropped.
func (g *BasicGuard) Drop() {
	g.once.Do(func() {
		if !g.upgraded {
			g.pool.unpinFrame(g.frame, false)
		}
	})
}

// ReadGuard owns a pin and the frame's shared latch.
type ReadGuard struct {
	pool  *BufferPoolManager
	frame *Frame
	once  sync.Once
}

// PageID returns the ID of the pinned page.
func (g *ReadGuard) PageID() PageID { return g.frame.PageID }

// Data returns the page bytes. Callers must not mutate the returned
// slice; it is only valid until Drop is called.
func (g *ReadGuard) Data() []byte { return g.frame.Page.Bytes() }

// Drop releases the shared latch, decrements the pin count, and
// signals the replacer if the pin count reached zero. Safe to call at
// most meaningfully once; subsequent calls are no-ops.
func (g *ReadGuard) Drop() {
	g.once.Do(func() {
		g.frame.Latch.RUnlock()
		g.pool.unpinFrame(g.frame, false)
	})
}

// WriteGuard owns a pin and the frame's exclusive latch.
type WriteGuard struct {
	pool  *BufferPoolManager
	frame *Frame
	dirty bool
	once  sync.Once
}

func newWriteGuard(pool *BufferPoolManager, frame *Frame) *WriteGuard {
	return &WriteGuard{pool: pool, frame: frame}
}

// PageID returns the ID of the pinned page.
func (g *WriteGuard) PageID() PageID { return g.frame.PageID }

// Data returns the mutable page bytes.
func (g *WriteGuard) Data() []byte { return g.frame.Page.Bytes() }

// MarkDirty records that this guard's holder modified the page. The
// flag is propagated to the frame when the guard drops.
func (g *WriteGuard) MarkDirty() { g.dirty = true }

// Downgrade releases the exclusive latch and acquires the shared latch
// in its place, preserving the pin count (no transient unpin). Any
// local dirty flag is propagated to the frame first.
func (g *WriteGuard) Downgrade() *ReadGuard {
	g.once.Do(func() {
		if g.dirty {
			g.frame.MarkDirty()
		}
		g.frame.Latch.Unlock()
	})
	g.frame.Latch.RLock()
	return &ReadGuard{pool: g.pool, frame: g.frame}
}

// Drop releases the exclusive latch, propagates the dirty flag,
// decrements the pin count, and signals the replacer if the pin count
// reached zero.
func (g *WriteGuard) Drop() {
	g.once.Do(func() {
		if g.dirty {
			g.frame.MarkDirty()
		}
		g.frame.Latch.Unlock()
		g.pool.unpinFrame(g.frame, g.dirty)
	})
}
