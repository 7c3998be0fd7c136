package epochgc

// RetiredRecord is a type-erased, single-owner handle to a displaced
// payload plus the function that releases it. It is created once, by
// GcHandle.RetireFunc, and destroyed exactly once, by the garbage set's
// collect().
//
// Destruction of the record invokes release exactly once. If release
// panics, that panic propagates out of Collect unchanged: a user payload's
// destructor failing is a bug in the user's type, not something the engine
// attempts to isolate (spec §4.A failure mode).
type RetiredRecord struct {
	payload interface{}
	release func(interface{})
}

// newRetired wraps payload with the erased destructor release.
func newRetired(payload interface{}, release func(interface{})) RetiredRecord {
	return RetiredRecord{payload: payload, release: release}
}

// destroy runs the erased destructor exactly once.
func (r RetiredRecord) destroy() {
	r.release(r.payload)
}

// Retire is a typed convenience wrapper around GcHandle.RetireFunc: it hands
// payload to the writer for deferred destruction, freeing payload's heap
// storage by letting Go's garbage collector reclaim it once the last
// reference drops. Callers that need a custom release action (e.g. closing
// a file descriptor held by the payload) should call GcHandle.RetireFunc
// instead.
func Retire[T any](h *GcHandle, payload *T) {
	h.RetireFunc(payload, func(v interface{}) {
		_ = v.(*T)
		// Releasing the last reference is sufficient for Go-managed memory;
		// the payload becomes collectible by the runtime GC from this point.
	})
}
