package epochgc

import "sync/atomic"

// EpochPtr is an atomic pointer to a heap-allocated payload of type T. It
// is never nil during the lifetime of an EpochPtr that has not yet been
// destroyed, and it is freely shared by reference across goroutines.
//
// Transitions: Store atomically swaps LIVE for a new LIVE value and routes
// the displaced payload to the writer's retirement queue (RETIRED). A
// later Collect, once no pinned reader can still observe it, frees it
// (FREED). Destroy releases the current payload immediately and
// unconditionally — safe only when the caller has already ensured no
// reader holds a guard into this pointer.
type EpochPtr[T any] struct {
	addr atomic.Pointer[T]
}

// NewEpochPtr stores the address of the caller-allocated payload atomically.
// A nil payload panics.
func NewEpochPtr[T any](payload *T) *EpochPtr[T] {
	if payload == nil {
		panic("epochgc: EpochPtr payload must not be nil")
	}
	p := &EpochPtr[T]{}
	p.addr.Store(payload)
	return p
}

// Load reads the current payload with acquire ordering and returns a
// borrow whose lifetime is bound to guard: so long as guard lives, the
// reader is pinned and the writer cannot have reclaimed the payload.
func (p *EpochPtr[T]) Load(guard *PinGuard) *T {
	if guard == nil || guard.dropped {
		panic("epochgc: Load requires a live PinGuard")
	}
	return p.addr.Load()
}

// Store atomically swaps the caller-allocated payload in for the current
// one with release ordering, and hands the displaced payload to Retire on
// writer so it is destroyed once safe.
func (p *EpochPtr[T]) Store(payload *T, writer *GcHandle) {
	if payload == nil {
		panic("epochgc: EpochPtr payload must not be nil")
	}
	old := p.addr.Swap(payload)
	if old != nil {
		Retire(writer, old)
	}
}

// Destroy releases the current payload immediately and unconditionally.
// This is safe only if no concurrent reader holds a guard into this
// pointer — typically called during teardown once no reader goroutines
// remain active.
func (p *EpochPtr[T]) Destroy() {
	p.addr.Store(nil)
}
