// pkg/cowbtree/cowbtree.go
package cowbtree

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"

	"epochgc/pkg/epochgc"
)

var (
	ErrKeyNotFound  = errors.New("key not found")
	ErrTreeClosed   = errors.New("tree is closed")
	ErrCASFailed    = errors.New("compare-and-swap failed, concurrent modification")
	ErrInvalidKey   = errors.New("key cannot be nil")
	ErrInvalidValue = errors.New("value cannot be nil")
)

// CowBTree is a Copy-on-Write B+ tree that provides lock-free reads.
//
// Design principles:
// - Reads are completely lock-free using epoch-based reclamation
// - Writes are serialized with a mutex but use path copying (CoW)
// - The root pointer is an epochgc.EpochPtr, swapped after each write
// - Old tree versions are retired and reclaimed through epochgc
//
// This design is inspired by:
// - LMDB's copy-on-write B+ tree
// - Bw-tree's lock-free architecture
// - Epoch-based reclamation from concurrent data structures research
//
// The tree is both a user of epochgc (its own writeMu-serialized mutators
// are *the* writer) and a reader-domain host: every Get/Range/Cursor call
// registers a transient reader endpoint, pins it for the duration of the
// operation, and releases it — the same per-call registration pattern this
// tree used before it was rebuilt on top of epochgc.
type CowBTree struct {
	// root is the current root, reachable by any pinned reader.
	root *epochgc.EpochPtr[CowNode]

	// writeRoot mirrors root but is touched only by the single writer
	// under writeMu; reading it needs no pin because the writer never
	// races with itself.
	writeRoot *CowNode

	// writeMu serializes write operations.
	// Reads don't acquire this lock - they're lock-free.
	writeMu sync.Mutex

	// writer and readers are epochgc's writer endpoint and reader domain
	// for this tree's single reclamation domain.
	writer  *epochgc.GcHandle
	readers *epochgc.ReaderDomain

	// config holds tree configuration
	config NodeConfig

	// stats tracks tree statistics atomically
	stats CowBTreeStats

	// closed indicates the tree has been shut down
	closed int32 // atomic
}

// CowBTreeStats holds tree statistics
type CowBTreeStats struct {
	KeyCount     int64 // Total number of keys
	NodeCount    int64 // Total number of nodes
	Height       int64 // Tree height
	InsertCount  int64 // Total insert operations
	DeleteCount  int64 // Total delete operations
	GetCount     int64 // Total get operations
	SplitCount   int64 // Total node splits
	MergeCount   int64 // Total node merges
	CowCopyCount int64 // Total CoW node copies
}

// NewCowBTree creates a new CoW B+ tree with default configuration
func NewCowBTree() *CowBTree {
	return NewCowBTreeWithConfig(DefaultNodeConfig())
}

// NewCowBTreeWithConfig creates a new CoW B+ tree with custom configuration
func NewCowBTreeWithConfig(config NodeConfig) *CowBTree {
	writer, readers := epochgc.NewDomain(nil)

	root := NewLeafNode()
	tree := &CowBTree{
		root:      epochgc.NewEpochPtr(root),
		writeRoot: root,
		writer:    writer,
		readers:   readers,
		config:    config,
	}
	atomic.AddInt64(&tree.stats.NodeCount, 1)
	atomic.StoreInt64(&tree.stats.Height, 1)

	return tree
}

// withReader registers a transient reader endpoint, pins it, runs fn with
// the resulting guard, then unpins and releases the endpoint. This is the
// lock-free read path's only interaction with epochgc.
func (t *CowBTree) withReader(fn func(guard *epochgc.PinGuard)) {
	reader := t.readers.Register()
	defer reader.Close()
	guard := reader.Pin()
	defer guard.Drop()
	fn(guard)
}

// Get retrieves the value for a key (lock-free read)
func (t *CowBTree) Get(key []byte) ([]byte, error) {
	if atomic.LoadInt32(&t.closed) == 1 {
		return nil, ErrTreeClosed
	}

	if key == nil {
		return nil, ErrInvalidKey
	}

	atomic.AddInt64(&t.stats.GetCount, 1)

	var value []byte
	var err error
	t.withReader(func(guard *epochgc.PinGuard) {
		root := t.root.Load(guard)
		if root == nil {
			err = ErrKeyNotFound
			return
		}

		node := root
		for !node.IsLeaf() {
			childIdx := node.findChildIndex(key)
			child := node.GetChild(childIdx)
			if child == nil {
				err = ErrKeyNotFound
				return
			}
			node = child
		}

		pos := node.findKeyPosition(key)
		if pos < node.KeyCount() && bytes.Equal(node.GetKey(pos), key) {
			value = copyBytes(node.GetValue(pos))
			return
		}
		err = ErrKeyNotFound
	})

	return value, err
}

// Insert inserts or updates a key-value pair
func (t *CowBTree) Insert(key, value []byte) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTreeClosed
	}

	if key == nil {
		return ErrInvalidKey
	}

	if value == nil {
		return ErrInvalidValue
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	atomic.AddInt64(&t.stats.InsertCount, 1)

	oldRoot := t.writeRoot

	newRoot, split, increased, err := t.insertRecursive(oldRoot, key, value, true)
	if err != nil {
		return err
	}

	if split != nil {
		newRootNode := NewInteriorNode()
		newRootNode.keys = [][]byte{copyBytes(split.splitKey)}
		leftCell := &atomic.Pointer[CowNode]{}
		leftCell.Store(split.left)
		rightCell := &atomic.Pointer[CowNode]{}
		rightCell.Store(split.right)
		newRootNode.children = []*atomic.Pointer[CowNode]{leftCell, rightCell}
		atomic.AddInt64(&t.stats.NodeCount, 1)
		atomic.AddInt64(&t.stats.Height, 1)
		newRoot = newRootNode
	}

	t.swapRoot(newRoot)

	if increased {
		atomic.AddInt64(&t.stats.KeyCount, 1)
	}

	t.writer.Collect()

	return nil
}

// splitInfo holds information about a node split
type splitInfo struct {
	left     *CowNode // Left child (modified original)
	right    *CowNode // Right child (new node)
	splitKey []byte   // Key to promote to parent
}

// insertRecursive performs recursive insertion with path copying
// Returns (newNode, splitInfo, keyCountIncreased, error)
// If split occurred, newNode is the left half and splitInfo contains split details
func (t *CowBTree) insertRecursive(node *CowNode, key, value []byte, isRoot bool) (*CowNode, *splitInfo, bool, error) {
	if node.IsLeaf() {
		return t.insertIntoLeaf(node, key, value)
	}
	return t.insertIntoInterior(node, key, value, isRoot)
}

// insertIntoLeaf inserts into a leaf node, handling splits
func (t *CowBTree) insertIntoLeaf(node *CowNode, key, value []byte) (*CowNode, *splitInfo, bool, error) {
	clone := node.Clone()
	atomic.AddInt64(&t.stats.CowCopyCount, 1)

	pos := clone.findKeyPosition(key)
	keyExists := pos < clone.KeyCount() && bytes.Equal(clone.GetKey(pos), key)

	clone.insertKeyValue(key, value)

	if clone.IsFull(t.config.MaxKeys) {
		medianKey, right := clone.split()
		atomic.AddInt64(&t.stats.SplitCount, 1)
		atomic.AddInt64(&t.stats.NodeCount, 1)

		return clone, &splitInfo{
			left:     clone,
			right:    right,
			splitKey: medianKey,
		}, !keyExists, nil
	}

	return clone, nil, !keyExists, nil
}

// insertIntoInterior inserts into an interior node
func (t *CowBTree) insertIntoInterior(node *CowNode, key, value []byte, isRoot bool) (*CowNode, *splitInfo, bool, error) {
	childIdx := node.findChildIndex(key)
	child := node.GetChild(childIdx)
	if child == nil {
		return nil, nil, false, errors.New("invalid tree structure: nil child")
	}

	newChild, childSplit, increased, err := t.insertRecursive(child, key, value, false)
	if err != nil {
		return nil, nil, false, err
	}

	clone := node.Clone()
	atomic.AddInt64(&t.stats.CowCopyCount, 1)

	clone.setChild(childIdx, newChild)

	if childSplit != nil {
		clone.insertChild(childSplit.splitKey, childSplit.right)

		if clone.IsFull(t.config.MaxKeys) {
			medianKey, right := clone.split()
			atomic.AddInt64(&t.stats.SplitCount, 1)
			atomic.AddInt64(&t.stats.NodeCount, 1)

			return clone, &splitInfo{
				left:     clone,
				right:    right,
				splitKey: medianKey,
			}, increased, nil
		}
	}

	return clone, nil, increased, nil
}

// Delete removes a key from the tree
func (t *CowBTree) Delete(key []byte) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTreeClosed
	}

	if key == nil {
		return ErrInvalidKey
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	atomic.AddInt64(&t.stats.DeleteCount, 1)

	oldRoot := t.writeRoot

	newRoot, found, err := t.deleteRecursive(oldRoot, key, true)
	if err != nil {
		return err
	}

	if !found {
		return ErrKeyNotFound
	}

	if newRoot != nil && !newRoot.IsLeaf() && newRoot.KeyCount() == 0 {
		if len(newRoot.children) > 0 {
			newRoot = newRoot.GetChild(0)
			atomic.AddInt64(&t.stats.Height, -1)
		}
	}

	t.swapRoot(newRoot)

	atomic.AddInt64(&t.stats.KeyCount, -1)

	t.writer.Collect()

	return nil
}

// deleteRecursive performs recursive deletion with path copying
// Returns (newNode, keyFound, error)
func (t *CowBTree) deleteRecursive(node *CowNode, key []byte, isRoot bool) (*CowNode, bool, error) {
	if node.IsLeaf() {
		return t.deleteFromLeaf(node, key)
	}
	return t.deleteFromInterior(node, key, isRoot)
}

// deleteFromLeaf deletes from a leaf node
func (t *CowBTree) deleteFromLeaf(node *CowNode, key []byte) (*CowNode, bool, error) {
	pos := node.findKeyPosition(key)
	if pos >= node.KeyCount() || !bytes.Equal(node.GetKey(pos), key) {
		return node, false, nil
	}

	clone := node.Clone()
	atomic.AddInt64(&t.stats.CowCopyCount, 1)
	clone.deleteKeyValue(key)

	return clone, true, nil
}

// deleteFromInterior handles deletion in interior nodes
func (t *CowBTree) deleteFromInterior(node *CowNode, key []byte, isRoot bool) (*CowNode, bool, error) {
	childIdx := node.findChildIndex(key)
	child := node.GetChild(childIdx)
	if child == nil {
		return node, false, nil
	}

	newChild, found, err := t.deleteRecursive(child, key, false)
	if err != nil {
		return nil, false, err
	}

	if !found {
		return node, false, nil
	}

	clone := node.Clone()
	atomic.AddInt64(&t.stats.CowCopyCount, 1)

	clone.setChild(childIdx, newChild)

	// In a full implementation, we'd handle underflow and rebalancing here.
	// For simplicity, we use lazy delete (like SQLite) and tolerate underflow.

	return clone, true, nil
}

// swapRoot publishes newRoot to every pinned reader and hands the
// displaced root to the writer endpoint for deferred reclamation. Only the
// tree's own root is retired this way; in a fuller implementation every
// node replaced along the write path would be retired individually instead
// of relying on the old root keeping them reachable until it is freed.
func (t *CowBTree) swapRoot(newRoot *CowNode) {
	t.writeRoot = newRoot
	t.root.Store(newRoot, t.writer)
}

// Range performs a range scan from startKey to endKey (inclusive)
// This is a lock-free read operation
func (t *CowBTree) Range(startKey, endKey []byte, fn func(key, value []byte) bool) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTreeClosed
	}

	t.withReader(func(guard *epochgc.PinGuard) {
		root := t.root.Load(guard)
		scanRange(root, startKey, endKey, fn)
	})

	return nil
}

func scanRange(root *CowNode, startKey, endKey []byte, fn func(key, value []byte) bool) {
	if root == nil {
		return
	}

	node := root
	for !node.IsLeaf() {
		childIdx := node.findChildIndex(startKey)
		child := node.GetChild(childIdx)
		if child == nil {
			return
		}
		node = child
	}

	for node != nil {
		for i := 0; i < node.KeyCount(); i++ {
			key := node.GetKey(i)

			if startKey != nil && bytes.Compare(key, startKey) < 0 {
				continue
			}
			if endKey != nil && bytes.Compare(key, endKey) > 0 {
				return
			}
			if !fn(key, node.GetValue(i)) {
				return
			}
		}
		node = node.GetNextLeaf()
	}
}

// RangeScan is an alias for Range with a more descriptive name
func (t *CowBTree) RangeScan(startKey, endKey []byte, fn func(key, value []byte) bool) error {
	return t.Range(startKey, endKey, fn)
}

// ForEach iterates over all key-value pairs in order
func (t *CowBTree) ForEach(fn func(key, value []byte) bool) error {
	return t.Range(nil, nil, fn)
}

// Stats returns a snapshot of the tree statistics
func (t *CowBTree) Stats() CowBTreeStats {
	return CowBTreeStats{
		KeyCount:     atomic.LoadInt64(&t.stats.KeyCount),
		NodeCount:    atomic.LoadInt64(&t.stats.NodeCount),
		Height:       atomic.LoadInt64(&t.stats.Height),
		InsertCount:  atomic.LoadInt64(&t.stats.InsertCount),
		DeleteCount:  atomic.LoadInt64(&t.stats.DeleteCount),
		GetCount:     atomic.LoadInt64(&t.stats.GetCount),
		SplitCount:   atomic.LoadInt64(&t.stats.SplitCount),
		MergeCount:   atomic.LoadInt64(&t.stats.MergeCount),
		CowCopyCount: atomic.LoadInt64(&t.stats.CowCopyCount),
	}
}

// KeyCount returns the current number of keys in the tree
func (t *CowBTree) KeyCount() int64 {
	return atomic.LoadInt64(&t.stats.KeyCount)
}

// Close shuts down the tree and reclaims all memory.
func (t *CowBTree) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return ErrTreeClosed
	}

	// A well-behaved caller has no readers in flight by the time Close is
	// called, so one collection cycle is normally enough to drain
	// whatever the last writes retired; retry a bounded number of times
	// in case a straggling reader is still mid-operation.
	for i := 0; i < 64 && t.writer.Len() > 0; i++ {
		t.writer.Collect()
	}

	return nil
}

// Snapshot creates a read-only snapshot of the current tree state
// The snapshot provides a consistent view even as the tree is modified
func (t *CowBTree) Snapshot() *CowBTreeSnapshot {
	reader := t.readers.Register()
	guard := reader.Pin()
	root := t.root.Load(guard)

	return &CowBTreeSnapshot{
		root:   root,
		guard:  guard,
		reader: reader,
		config: t.config,
	}
}

// CowBTreeSnapshot represents a consistent read-only view of the tree
type CowBTreeSnapshot struct {
	root   *CowNode
	guard  *epochgc.PinGuard
	reader *epochgc.LocalEpoch
	config NodeConfig
}

// Get retrieves a value from the snapshot
func (s *CowBTreeSnapshot) Get(key []byte) ([]byte, error) {
	if s.root == nil {
		return nil, ErrKeyNotFound
	}

	node := s.root
	for !node.IsLeaf() {
		childIdx := node.findChildIndex(key)
		child := node.GetChild(childIdx)
		if child == nil {
			return nil, ErrKeyNotFound
		}
		node = child
	}

	pos := node.findKeyPosition(key)
	if pos < node.KeyCount() && bytes.Equal(node.GetKey(pos), key) {
		return copyBytes(node.GetValue(pos)), nil
	}

	return nil, ErrKeyNotFound
}

// Range performs a range scan on the snapshot
func (s *CowBTreeSnapshot) Range(startKey, endKey []byte, fn func(key, value []byte) bool) error {
	scanRange(s.root, startKey, endKey, fn)
	return nil
}

// Release releases the snapshot, allowing old nodes to be reclaimed
func (s *CowBTreeSnapshot) Release() {
	if s.guard != nil {
		s.guard.Drop()
		s.guard = nil
	}
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
}
