package epochgc

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// sharedState holds the global epoch, the cached minimum-active-epoch, and
// the registry of reader slots. A domain has exactly one sharedState,
// shared through pointers across every LocalEpoch and the one GcHandle.
// The registry mutex is taken only on registration and during collect; it
// is never held across a payload dereference and never held by a reader
// during Pin.
type sharedState struct {
	globalEpoch atomic.Uint64
	_           cpu.CacheLinePad
	minActiveEpoch atomic.Uint64
	_              cpu.CacheLinePad

	mu    sync.Mutex
	slots []*slot
}

func newSharedState() *sharedState {
	return &sharedState{}
}

// ReaderDomain is the handle through which reader threads join a domain.
// It is safe to call Register from any number of goroutines; each caller
// must confine the returned LocalEpoch to the goroutine that requested it.
type ReaderDomain struct {
	state *sharedState
}

// Register allocates a fresh reader slot at Inactive and appends it to the
// registry. The returned LocalEpoch carries the slot, a reference to the
// shared state, and a zero reentrancy counter.
func (d *ReaderDomain) Register() *LocalEpoch {
	s := newSlot()

	d.state.mu.Lock()
	d.state.slots = append(d.state.slots, s)
	d.state.mu.Unlock()

	return &LocalEpoch{state: d.state, slot: s}
}

// Readers reports the number of slots currently held in the registry,
// including slots belonging to endpoints that have been Close()d but not
// yet swept by a cleanup-eligible collect().
func (d *ReaderDomain) Readers() int {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return len(d.state.slots)
}

// MinActiveEpoch scans the registry and returns the minimum epoch any
// currently pinned reader has published, without advancing the global
// epoch or touching the garbage set — unlike GcHandle.Collect, this is
// safe to call from any number of goroutines at any time. Returns Inactive
// (the maximum Epoch value) when no reader is pinned, so a caller using it
// as a watermark naturally treats "nobody is reading" as "nothing is
// held back".
func (d *ReaderDomain) MinActiveEpoch() Epoch {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()

	min := Inactive
	for _, s := range d.state.slots {
		if e := s.load(); e != Inactive && e < min {
			min = e
		}
	}
	return min
}

// NewDomain builds a fresh engine instance and returns its writer endpoint
// and reader domain. A nil cfg selects DefaultConfig.
func NewDomain(cfg *Config) (*GcHandle, *ReaderDomain) {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	c.validate()

	state := newSharedState()
	h := &GcHandle{
		garbage: newGarbageSet(),
		state:   state,
		config:  c,
	}
	return h, &ReaderDomain{state: state}
}
