package backend

import (
	"cmp"
	"slices"
	"sync"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/pkg/statetransfer"
)

// MemoryTxTable tracks the transactions of a transactional cache in memory. Local
// transactions are begun and ended by the node; remote ones are registered by state
// transfer and hold backup locks on their keys.
type MemoryTxTable struct {
	mu     sync.Mutex
	local  map[string]*statetransfer.TransactionInfo
	remote map[string]*statetransfer.TransactionInfo
	// backupLocks maps a key to the transaction holding its backup lock.
	backupLocks map[string]string
}

// NewMemoryTxTable returns an empty table.
func NewMemoryTxTable() *MemoryTxTable {
	return &MemoryTxTable{
		local:       map[string]*statetransfer.TransactionInfo{},
		remote:      map[string]*statetransfer.TransactionInfo{},
		backupLocks: map[string]string{},
	}
}

// Begin records a local transaction.
func (t *MemoryTxTable) Begin(info statetransfer.TransactionInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := info
	t.local[info.GlobalTxID] = &cp
}

// End forgets a transaction, local or remote, and releases its backup locks.
func (t *MemoryTxTable) End(gtx string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.local, gtx)
	delete(t.remote, gtx)

	for key, owner := range t.backupLocks {
		if owner == gtx {
			delete(t.backupLocks, key)
		}
	}
}

// InFlight implements statetransfer.TransactionTable.
func (t *MemoryTxTable) InFlight(segments cluster.SegmentSet, segmentFor func(key string) int) []statetransfer.TransactionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []statetransfer.TransactionInfo

	for _, tables := range []map[string]*statetransfer.TransactionInfo{t.local, t.remote} {
		for _, tx := range tables {
			if touches(tx, segments, segmentFor) {
				out = append(out, *tx)
			}
		}
	}

	slices.SortFunc(out, func(a, b statetransfer.TransactionInfo) int {
		return cmp.Compare(a.GlobalTxID, b.GlobalTxID)
	})

	return out
}

// RegisterRemote implements statetransfer.TransactionTable.
func (t *MemoryTxTable) RegisterRemote(info statetransfer.TransactionInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.local[info.GlobalTxID]; ok {
		return
	}

	tx, ok := t.remote[info.GlobalTxID]
	if !ok {
		cp := info
		cp.LockedKeys = nil
		cp.Modifications = slices.Clone(info.Modifications)
		tx = &cp
		t.remote[info.GlobalTxID] = tx
	}

	for _, key := range info.LockedKeys {
		if !slices.Contains(tx.LockedKeys, key) {
			tx.LockedKeys = append(tx.LockedKeys, key)
		}

		t.backupLocks[key] = info.GlobalTxID
	}
}

// BackupLockOwner returns the remote transaction holding the backup lock of key.
func (t *MemoryTxTable) BackupLockOwner(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gtx, ok := t.backupLocks[key]

	return gtx, ok
}

// Len returns the number of known transactions.
func (t *MemoryTxTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.local) + len(t.remote)
}

func touches(tx *statetransfer.TransactionInfo, segments cluster.SegmentSet, segmentFor func(string) int) bool {
	for _, key := range tx.LockedKeys {
		if segments.Has(segmentFor(key)) {
			return true
		}
	}

	for _, m := range tx.Modifications {
		if segments.Has(segmentFor(m.Key)) {
			return true
		}
	}

	return false
}
