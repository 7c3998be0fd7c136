package epochgc

import "testing"

func TestGarbageSetBagging(t *testing.T) {
	g := newGarbageSet()
	destroyed := 0
	rec := func() RetiredRecord {
		return newRetired(nil, func(interface{}) { destroyed++ })
	}

	g.add(rec(), 5)
	g.add(rec(), 5)
	g.add(rec(), 6)

	if got := len(g.bags); got != 2 {
		t.Fatalf("len(bags) = %d, want 2 (same-epoch records share a bag)", got)
	}
	if got := g.len(); got != 3 {
		t.Fatalf("len() = %d, want 3", got)
	}

	g.collect(6, 7) // a reader pinned at 6: reclaim everything retired at epoch <= 5
	if got := g.len(); got != 1 {
		t.Fatalf("len() after partial collect = %d, want 1", got)
	}
	if destroyed != 2 {
		t.Fatalf("destroyed = %d, want 2", destroyed)
	}

	g.collect(6, 6) // currentEpoch == minActive: full drain regardless
	if got := g.len(); got != 0 {
		t.Fatalf("len() after full drain = %d, want 0", got)
	}
	if destroyed != 3 {
		t.Fatalf("destroyed = %d, want 3", destroyed)
	}
}

func TestGarbageSetFreeListRecycling(t *testing.T) {
	g := newGarbageSet()
	g.add(newRetired(nil, func(interface{}) {}), 1)
	g.collect(1, 1)

	if got := len(g.freeList); got != 1 {
		t.Fatalf("len(freeList) = %d, want 1 bag recycled", got)
	}

	g.add(newRetired(nil, func(interface{}) {}), 2)
	if got := len(g.freeList); got != 0 {
		t.Fatalf("len(freeList) = %d, want bag reused from free-list", got)
	}
}

func TestGarbageSetNoReclaimAtEpochZero(t *testing.T) {
	g := newGarbageSet()
	g.add(newRetired(nil, func(interface{}) { t.Fatal("must not be destroyed") }), 0)

	g.collect(0, 1)
	if got := g.len(); got != 1 {
		t.Fatalf("len() = %d, want 1 (min_active == 0 must not reclaim)", got)
	}
}
