// Package epochgc implements a single-writer / multi-reader epoch-based
// safe memory reclamation engine. One writer (GcHandle) replaces the
// payload of shared EpochPtr values while any number of readers dereference
// them concurrently; the engine defers destruction of displaced payloads
// until it can prove no reader can still reach them.
package epochgc

// Epoch is a monotonically increasing logical timestamp advanced by the
// writer. It never wraps under realistic workloads; wraparound is a
// documented non-goal.
type Epoch uint64

// Inactive is the sentinel epoch meaning "this reader slot holds no pin".
const Inactive Epoch = ^Epoch(0)
