package epochgc

import (
	"sync"
	"testing"
)

// TestConcurrentReentrantPinning exercises reentrant Pin from several
// goroutines simultaneously, each goroutine pinning its own independent
// LocalEpoch three times over. TestNestedPins only reenters within a single
// goroutine; this adds the concurrent dimension.
func TestConcurrentReentrantPinning(t *testing.T) {
	writer, domain := NewDomain(nil)
	_ = writer

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reader := domain.Register()
			defer reader.Close()

			g1 := reader.Pin()
			g2 := reader.Pin()
			g3 := reader.Pin()
			g1.Drop()
			g2.Drop()
			g3.Drop()
		}()
	}
	wg.Wait()

	// Closed endpoints stay in the registry until a cleanup-eligible
	// Collect sweeps them; none has run here.
	if got := domain.Readers(); got != 8 {
		t.Fatalf("Readers() after all goroutines closed, before any sweep = %d, want 8", got)
	}
}

// TestGuardCloneAcrossGoroutines hands a cloned PinGuard to a second
// goroutine, mirroring a producer that pins once and fans the guard out to
// helpers that each drop their own clone independently.
func TestGuardCloneAcrossGoroutines(t *testing.T) {
	writer, domain := NewDomain(&Config{AutoReclaimThreshold: -1, CleanupInterval: 16})

	n := 7
	ptr := NewEpochPtr(&n)

	reader := domain.Register()
	defer reader.Close()

	g := reader.Pin()
	clone := g.Clone()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if got := *ptr.Load(clone); got != 7 {
			t.Errorf("clone observed %d, want 7", got)
		}
		clone.Drop()
	}()
	<-done

	updated := 9
	ptr.Store(&updated, writer)

	// A pin keeps the displaced payload alive; it does not freeze what Load
	// returns, so the still-pinned original guard sees the new value.
	if got := *ptr.Load(g); got != 9 {
		t.Fatalf("original guard observed %d after store, want 9", got)
	}
	if got := writer.Len(); got != 1 {
		t.Fatalf("Len() with the old payload retired under a live pin = %d, want 1", got)
	}
	g.Drop()
}

// TestMultipleEpochPtrsSharedDomain checks that two independent EpochPtr
// values, retiring through the same GcHandle and observed by the same
// reader domain, don't cross-contaminate each other's garbage accounting.
func TestMultipleEpochPtrsSharedDomain(t *testing.T) {
	writer, domain := NewDomain(&Config{AutoReclaimThreshold: -1, CleanupInterval: 16})

	a, b := 1, 100
	ptrA := NewEpochPtr(&a)
	ptrB := NewEpochPtr(&b)

	reader := domain.Register()
	defer reader.Close()
	guard := reader.Pin()

	for i := 1; i <= 40; i++ {
		va, vb := i, i+1000
		ptrA.Store(&va, writer)
		ptrB.Store(&vb, writer)
	}

	if got := writer.Len(); got == 0 {
		t.Fatalf("expected retired garbage from both pointers to be withheld")
	}

	if gotA := *ptrA.Load(guard); gotA != 40 {
		t.Fatalf("ptrA observed %d through held guard, want 40", gotA)
	}
	if gotB := *ptrB.Load(guard); gotB != 1040 {
		t.Fatalf("ptrB observed %d through held guard, want 1040", gotB)
	}

	guard.Drop()
	writer.Collect()

	if got := writer.Len(); got != 0 {
		t.Fatalf("Len() after collect with no pinned readers = %d, want 0", got)
	}

	reader2 := domain.Register()
	defer reader2.Close()
	g2 := reader2.Pin()
	defer g2.Drop()

	if got := *ptrA.Load(g2); got != 40 {
		t.Fatalf("ptrA final value = %d, want 40", got)
	}
	if got := *ptrB.Load(g2); got != 1040 {
		t.Fatalf("ptrB final value = %d, want 1040", got)
	}
}

// TestReaderPinnedAcrossMultipleEpochAdvances holds a single pin across
// several writer Collect cycles, confirming garbage retired in every one of
// those epochs stays withheld until the pin drops, not just garbage from
// the epoch the pin started in.
func TestReaderPinnedAcrossMultipleEpochAdvances(t *testing.T) {
	writer, domain := NewDomain(&Config{AutoReclaimThreshold: -1, CleanupInterval: 16})

	n := 0
	ptr := NewEpochPtr(&n)

	reader := domain.Register()
	defer reader.Close()
	guard := reader.Pin()

	for round := 0; round < 5; round++ {
		for i := 0; i < 10; i++ {
			v := round*10 + i + 1
			ptr.Store(&v, writer)
		}
		writer.Collect()
	}

	if got := writer.Len(); got == 0 {
		t.Fatalf("expected garbage from every round to still be withheld by the long-lived pin")
	}

	guard.Drop()
	writer.Collect()

	if got := writer.Len(); got != 0 {
		t.Fatalf("Len() after dropping the long-lived pin and collecting = %d, want 0", got)
	}
}
