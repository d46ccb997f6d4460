package storage

import "testing"

// TestLRUKReplacerSmoke follows the literal seed scenario: pool/replacer
// N=7, k=2. Frames 1..6 get one access each, 1..5 become evictable.
// Frame 1 then gets a second access, becoming full-history and moving
// behind the still-partial 2,3,4,5. Evicting three times must yield
// 2, 3, 4 in that order, leaving 5 and 1 evictable.
func TestLRUKReplacerSmoke(t *testing.T) {
	r := NewLRUKReplacer(7, 2)

	for i := FrameID(1); i <= 6; i++ {
		r.RecordAccess(i, AccessLookup)
	}
	for i := FrameID(1); i <= 5; i++ {
		r.SetEvictable(i, true)
	}

	r.RecordAccess(1, AccessLookup)

	want := []FrameID{2, 3, 4}
	for _, w := range want {
		got, ok := r.Evict()
		if !ok {
			t.Fatalf("Evict() returned no victim, want frame %d", w)
		}
		if got != w {
			t.Fatalf("Evict() = %d, want %d", got, w)
		}
	}

	if got := r.Size(); got != 2 {
		t.Fatalf("Size() after three evictions = %d, want 2", got)
	}
}

func TestLRUKReplacerOutOfRangeIsNoop(t *testing.T) {
	r := NewLRUKReplacer(3, 2)
	r.RecordAccess(99, AccessLookup) // must not panic
	r.SetEvictable(99, true)         // must not panic

	if got := r.Size(); got != 0 {
		t.Fatalf("Size() = %d, want 0 after touching an out-of-range frame", got)
	}
}

func TestLRUKReplacerEvictEmpty(t *testing.T) {
	r := NewLRUKReplacer(3, 2)
	if _, ok := r.Evict(); ok {
		t.Fatalf("Evict() on an empty replacer should report false")
	}
}

func TestLRUKReplacerRemoveOnlyEvictable(t *testing.T) {
	r := NewLRUKReplacer(3, 2)
	r.RecordAccess(0, AccessLookup)
	r.Remove(0) // not evictable yet: no-op

	r.SetEvictable(0, true)
	r.Remove(0)
	if got := r.Size(); got != 0 {
		t.Fatalf("Size() after Remove = %d, want 0", got)
	}
	if _, ok := r.Evict(); ok {
		t.Fatalf("Evict() after Remove should find no victim")
	}
}
