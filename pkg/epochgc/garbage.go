package epochgc

// bagCapacityHint is the initial capacity given to a freshly allocated bag.
const bagCapacityHint = 16

// bag is a pair of (retirement epoch, contiguous sequence of retired
// records). Insertion order within a bag does not matter.
type bag struct {
	epoch   Epoch
	records []RetiredRecord
}

func (b *bag) reset(epoch Epoch) {
	b.epoch = epoch
	b.records = b.records[:0]
}

// garbageSet is an epoch-ascending deque of bags, a free-list of reusable
// bag storages, and a running count. It is exclusively owned by a
// GcHandle; nothing else ever touches it, so it needs no synchronization
// of its own.
type garbageSet struct {
	bags     []*bag // ascending by epoch; bags[0] is oldest
	freeList []*bag
	count    int
}

func newGarbageSet() *garbageSet {
	return &garbageSet{}
}

// add appends record to the tail bag if it matches currentEpoch, otherwise
// opens a fresh bag (recycled from the free-list when possible).
func (g *garbageSet) add(record RetiredRecord, currentEpoch Epoch) {
	if n := len(g.bags); n > 0 && g.bags[n-1].epoch == currentEpoch {
		g.bags[n-1].records = append(g.bags[n-1].records, record)
		g.count++
		return
	}

	b := g.acquireBag(currentEpoch)
	b.records = append(b.records, record)
	g.bags = append(g.bags, b)
	g.count++
}

func (g *garbageSet) acquireBag(epoch Epoch) *bag {
	if n := len(g.freeList); n > 0 {
		b := g.freeList[n-1]
		g.freeList = g.freeList[:n-1]
		b.reset(epoch)
		return b
	}
	return &bag{epoch: epoch, records: make([]RetiredRecord, 0, bagCapacityHint)}
}

// len returns the running count of not-yet-reclaimed records, O(1).
func (g *garbageSet) len() int {
	return g.count
}

// collect reclaims records that can no longer be observed by any pinned
// reader. If minActive equals currentEpoch, no reader is pinned and every
// bag is drained. Otherwise, minActive-1 is the last epoch potentially
// still observed by some reader: bags retired at or before that epoch are
// popped from the head and destroyed; the first bag retired strictly after
// it, and everything behind it, survives.
func (g *garbageSet) collect(minActive, currentEpoch Epoch) {
	if minActive == currentEpoch {
		for _, b := range g.bags {
			g.destroyBag(b)
		}
		g.bags = g.bags[:0]
		g.count = 0
		return
	}

	if minActive == 0 {
		// A reader pinned before the epoch was ever advanced; minActive-1
		// would underflow. Nothing retired can be proven unreachable yet.
		return
	}
	lastReclaimable := minActive - 1

	i := 0
	for i < len(g.bags) && g.bags[i].epoch <= lastReclaimable {
		g.destroyBag(g.bags[i])
		i++
	}

	if i > 0 {
		remaining := copy(g.bags, g.bags[i:])
		g.bags = g.bags[:remaining]
	}

	g.count = 0
	for _, b := range g.bags {
		g.count += len(b.records)
	}
}

func (g *garbageSet) destroyBag(b *bag) {
	for _, r := range b.records {
		r.destroy()
	}
	b.records = b.records[:0]
	g.freeList = append(g.freeList, b)
}
