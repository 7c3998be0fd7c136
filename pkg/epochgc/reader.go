package epochgc

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// slot is a cache-line-aligned, per-reader atomic cell holding either
// Inactive or the reader's currently pinned epoch. It is jointly held by
// the registry (one reference) and by the LocalEpoch that registered it
// (one reference); owners tracks how many of those two still hold it, so
// the writer's cleanup sweep can tell a discarded endpoint from a live one.
type slot struct {
	epoch  atomic.Uint64
	_      cpu.CacheLinePad
	owners atomic.Int32
}

func newSlot() *slot {
	s := &slot{}
	s.epoch.Store(uint64(Inactive))
	s.owners.Store(2) // registry + reader endpoint
	return s
}

func (s *slot) load() Epoch  { return Epoch(s.epoch.Load()) }
func (s *slot) store(e Epoch) { s.epoch.Store(uint64(e)) }

// hasExternalOwner reports whether anything besides the registry itself
// still holds this slot.
func (s *slot) hasExternalOwner() bool { return s.owners.Load() > 1 }

// LocalEpoch is a reader endpoint: it owns a slot reference, a reference
// to the domain's shared state, and a non-atomic reentrancy counter. It is
// not safe to use from more than one goroutine — the counter is
// deliberately non-atomic so the common pinned path costs no atomic
// read-modify-write (spec §4.E "Reentrancy and thread affinity").
type LocalEpoch struct {
	state   *sharedState
	slot    *slot
	pins    int
	released bool
}

// Pin announces, via the endpoint's slot, that this reader may observe
// objects live as of the current global epoch. It is reentrant: nested
// calls increment a counter and each returned guard must be dropped
// independently; the slot only returns to Inactive once the last guard is
// dropped.
func (l *LocalEpoch) Pin() *PinGuard {
	if l.pins == 0 {
		l.publish()
	}
	l.pins++
	return &PinGuard{local: l}
}

// publish realizes the first-pin protocol from spec §4.E: the slot's
// published epoch must be guaranteed to be >= the global epoch observed by
// any subsequent read on this thread, even if a collect() races between
// the writer's registry scan and this store. Loop until the writer's
// published minimum-active-epoch proves it cannot have stepped over us.
func (l *LocalEpoch) publish() {
	for {
		e := l.state.globalEpoch.Load()
		l.slot.store(Epoch(e))
		min := l.state.minActiveEpoch.Load()
		if Epoch(min) <= Epoch(e) {
			return
		}
		runtime.Gosched()
	}
}

// unpin is called when the reentrancy counter drops back to zero.
func (l *LocalEpoch) unpin() {
	l.slot.store(Inactive)
}

// Close releases this reader endpoint's reference to its slot. Once both
// the endpoint and the registry have released it (registry release
// happens during a later collect() cleanup sweep), the slot becomes
// eligible for garbage collection by the Go runtime. Close is idempotent.
func (l *LocalEpoch) Close() {
	if l.released {
		return
	}
	l.released = true
	l.slot.owners.Add(-1)
}

// PinGuard is a borrow-like token tied to one LocalEpoch. Its existence is
// the safety witness that the reader is pinned and the writer cannot have
// reclaimed anything retired at or after the reader's observed epoch.
type PinGuard struct {
	local   *LocalEpoch
	dropped bool
}

// Epoch reports the global epoch this guard's reader published when it was
// pinned. Callers that need a monotonically-increasing watermark tied to a
// live pin — not just the protected pointer's value — read this instead of
// tracking a parallel counter of their own.
func (g *PinGuard) Epoch() Epoch {
	return g.local.slot.load()
}

// Clone makes another owning reference to the same pin, incrementing the
// endpoint's reentrancy counter. Cloning a guard whose endpoint is not
// currently pinned is a contract violation.
func (g *PinGuard) Clone() *PinGuard {
	if g.dropped {
		panic("epochgc: Clone called on an already-dropped PinGuard")
	}
	if g.local.pins == 0 {
		panic("epochgc: Clone called while reader is not pinned")
	}
	g.local.pins++
	return &PinGuard{local: g.local}
}

// Drop releases this guard. When the reentrancy counter reaches zero the
// slot is published back to Inactive. Dropping a guard twice, or a guard
// whose counter is already zero, is a contract violation and aborts the
// process: it indicates memory-safety corruption has already occurred.
func (g *PinGuard) Drop() {
	if g.dropped {
		panic("epochgc: PinGuard dropped twice")
	}
	if g.local.pins == 0 {
		panic("epochgc: PinGuard counter underflow")
	}
	g.dropped = true
	g.local.pins--
	if g.local.pins == 0 {
		g.local.unpin()
	}
}
