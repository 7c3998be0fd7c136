// pkg/mvcc/manager.go
package mvcc

import (
	"sync"
	"sync/atomic"

	"epochgc/pkg/epochgc"
)

// TransactionManager manages all transactions in the database.
//
// Tracking "which transactions are still active, and what is the oldest
// snapshot any of them might still read" is the same shape of problem
// epochgc solves for pointer reclamation: join every observer to a
// domain, pin it for the observer's lifetime, and ask the domain for the
// minimum anyone still holds. Rather than keep a second, hand-rolled
// version of that bookkeeping, the manager joins each transaction to its
// own epochgc domain as a reader: Begin pins a reader whose published
// epoch becomes the transaction's start timestamp, Commit/Rollback drop
// that pin, and MinActiveTimestamp is answered by the domain's registry
// instead of a scan over this manager's own transaction map.
type TransactionManager struct {
	mu           sync.RWMutex
	transactions map[uint64]*Transaction // All transactions by ID, including finished ones
	nextTxID     uint64                  // Next transaction ID (atomic)

	writer  *epochgc.GcHandle     // single writer: advances/collects at commit boundaries
	readers *epochgc.ReaderDomain // one reader slot per active transaction
}

// NewTransactionManager creates a new transaction manager with its own
// epochgc domain, independent of any domain a storage layer above it
// might run (see DESIGN.md — this is a standalone second reference
// workload, not wired to share a domain with pkg/cowbtree).
func NewTransactionManager() *TransactionManager {
	writer, readers := epochgc.NewDomain(nil)
	// A fresh domain's epoch starts at 0; tick it once so the first
	// transaction's start timestamp is non-zero, matching the logical
	// timestamp's traditional "epoch 0 is reserved" convention.
	writer.Collect()
	return &TransactionManager{
		transactions: make(map[uint64]*Transaction),
		nextTxID:     1,
		writer:       writer,
		readers:      readers,
	}
}

// Begin starts a new transaction and returns it. The transaction's start
// timestamp is the epoch its reader pin publishes: any transaction begun
// from this point on cannot be reported as the domain's minimum-active
// epoch below this one, exactly as MVCC snapshot isolation requires.
func (m *TransactionManager) Begin() *Transaction {
	txID := atomic.AddUint64(&m.nextTxID, 1) - 1

	reader := m.readers.Register()
	guard := reader.Pin()
	startTS := uint64(guard.Epoch())

	tx := newPinnedTransaction(txID, startTS, reader, guard)

	m.mu.Lock()
	m.transactions[txID] = tx
	m.mu.Unlock()

	return tx
}

// Commit commits a transaction
func (m *TransactionManager) Commit(tx *Transaction) error {
	if !tx.IsActive() {
		return ErrTxNotActive
	}

	// Advance the epoch once to stamp this commit (strictly after every
	// start timestamp already pinned), then once more so that every
	// transaction begun afterwards pins a start timestamp strictly greater
	// than commitTS. m.mu keeps concurrent commits from calling the
	// single-caller GcHandle at the same time.
	m.mu.Lock()
	m.writer.Collect()
	commitTS := uint64(m.writer.CurrentEpoch())
	m.writer.Collect()
	m.mu.Unlock()

	return tx.Commit(commitTS)
}

// Rollback aborts a transaction
func (m *TransactionManager) Rollback(tx *Transaction) error {
	if !tx.IsActive() {
		return ErrTxNotActive
	}

	tx.Abort()
	return nil
}

// GetTransaction returns a transaction by ID
func (m *TransactionManager) GetTransaction(txID uint64) *Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactions[txID]
}

// ActiveTransactions returns all currently active transactions
func (m *TransactionManager) ActiveTransactions() []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*Transaction
	for _, tx := range m.transactions {
		if tx.IsActive() {
			active = append(active, tx)
		}
	}
	return active
}

// CurrentTimestamp returns the current logical timestamp: the epoch last
// published by this manager's domain.
func (m *TransactionManager) CurrentTimestamp() uint64 {
	return uint64(m.writer.CurrentEpoch())
}

// MinActiveTimestamp returns the minimum start timestamp of all active
// transactions, used to decide how far VersionChain.PruneOldVersions can
// safely prune. Answered directly by the epochgc domain's reader registry
// rather than by scanning this manager's own transaction map.
func (m *TransactionManager) MinActiveTimestamp() uint64 {
	return uint64(m.readers.MinActiveEpoch())
}

// CleanupOldTransactions removes transactions that are no longer needed
// This should be called periodically to free memory
func (m *TransactionManager) CleanupOldTransactions(minTS uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for txID, tx := range m.transactions {
		// Only cleanup committed/aborted transactions older than minTS
		if !tx.IsActive() && tx.CommitTS() < minTS {
			delete(m.transactions, txID)
			count++
		}
	}
	return count
}
