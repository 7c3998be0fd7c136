package epochgc

// Config holds the writer endpoint's tunables. The zero value is not
// meaningful on its own — use DefaultConfig or NewDomain(nil).
type Config struct {
	// AutoReclaimThreshold triggers an automatic Collect from Retire once
	// the garbage set's length exceeds it. -1 disables automatic
	// reclamation; any other negative value is rejected by NewDomain.
	AutoReclaimThreshold int

	// CleanupInterval is the number of Collect cycles between sweeps of
	// orphaned reader slots from the registry. 0 disables cleanup sweeps.
	CleanupInterval int
}

// DefaultConfig returns the engine's default tunables: auto-reclaim at 64
// retired records, registry cleanup every 16 collection cycles.
func DefaultConfig() Config {
	return Config{AutoReclaimThreshold: 64, CleanupInterval: 16}
}

func (c Config) validate() {
	if c.AutoReclaimThreshold < -1 {
		panic("epochgc: AutoReclaimThreshold must be >= -1 (-1 disables auto-reclaim)")
	}
	if c.CleanupInterval < 0 {
		panic("epochgc: CleanupInterval must be >= 0 (0 disables cleanup)")
	}
}

// GcHandle is the writer endpoint. It owns the garbage set, a reference to
// the domain's shared state, and the cleanup cadence counter. It is
// single-owner: exactly one goroutine may hold and call it at a time, and
// it is never cloned.
type GcHandle struct {
	garbage *garbageSet
	state   *sharedState
	config  Config

	cleanupCounter uint64
}

// RetireFunc hands payload to the writer for deferred destruction, paired
// with the function that releases it. release is invoked exactly once,
// during a later Collect, once no pinned reader can still reach payload.
func (h *GcHandle) RetireFunc(payload interface{}, release func(interface{})) {
	currentEpoch := Epoch(h.state.globalEpoch.Load())
	h.garbage.add(newRetired(payload, release), currentEpoch)

	if h.config.AutoReclaimThreshold >= 0 && h.garbage.len() > h.config.AutoReclaimThreshold {
		h.Collect()
	}
}

// Len reports the garbage set's current running count of not-yet-reclaimed
// retired records.
func (h *GcHandle) Len() int {
	return h.garbage.len()
}

// CurrentEpoch reports the most recently published global epoch. It does
// not advance anything; callers that need a fresh tick call Collect, which
// both advances the epoch and reclaims what it proves unreachable.
func (h *GcHandle) CurrentEpoch() Epoch {
	return Epoch(h.state.globalEpoch.Load())
}

// Collect runs one reclamation cycle:
//  1. Bump the global epoch.
//  2. Scan the reader registry for the minimum pinned epoch, evicting
//     orphaned slots every CleanupInterval cycles.
//  3. Publish the resulting minimum-active-epoch.
//  4. Ask the garbage set to free everything that minimum proves
//     unreachable.
func (h *GcHandle) Collect() {
	newEpoch := Epoch(h.state.globalEpoch.Add(1))
	minActive := newEpoch

	h.cleanupCounter++
	shouldCleanup := h.config.CleanupInterval > 0 && h.cleanupCounter%uint64(h.config.CleanupInterval) == 0

	h.state.mu.Lock()
	if shouldCleanup {
		live := h.state.slots[:0]
		for _, s := range h.state.slots {
			e := s.load()
			if e != Inactive {
				if e < minActive {
					minActive = e
				}
				live = append(live, s)
				continue
			}
			if s.hasExternalOwner() {
				live = append(live, s)
			}
			// else: registry was the sole owner and the slot is inactive —
			// drop it from the registry.
		}
		h.state.slots = live
	} else {
		for _, s := range h.state.slots {
			if e := s.load(); e != Inactive && e < minActive {
				minActive = e
			}
		}
	}
	h.state.mu.Unlock()

	h.state.minActiveEpoch.Store(uint64(minActive))

	h.garbage.collect(minActive, newEpoch)
}
