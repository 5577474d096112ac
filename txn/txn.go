// Package txn implements the transaction manager: begin/commit/abort state
// machine, write-set staging for read-your-writes, and the single
// commit-writer latch that serializes the commit sequence. Grounded on the
// teacher's storage/pager.go BeginTx/CommitTx/RollbackTx, but split out of
// the page file into its own component, since this spec treats transaction
// lifecycle as a first-class piece with its own state machine rather than a
// handful of fields folded into the pager.
package txn

import (
	"sync"
	"time"

	"github.com/foliadb/foliadb/errs"
	"github.com/foliadb/foliadb/storage"
)

// State is a transaction's position in its begin -> committed/aborted
// lifecycle. Both terminal states are irreversible.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// CommitEvent carries what the change-stream dispatcher needs once a
// transaction's WAL write lands durably: its LSN and the set of page ids it
// touched, in write-set iteration order.
type CommitEvent struct {
	TxnID     uint64
	LSN       uint64
	PageIDs   []uint64
	Timestamp time.Time
}

// Manager owns the single commit-writer latch shared by every transaction
// against one storage.PageFile/WAL pair. Grounded on the teacher's "single
// transaction at a time" comment on Pager.BeginTx, generalized from
// one-active-transaction to many-active/one-committing: readers and
// in-progress writers proceed concurrently, only the commit sequence itself
// is serialized (§5 concurrency rule).
type Manager struct {
	pf *storage.PageFile

	commitMu sync.Mutex // the single commit-writer latch

	idMu   sync.Mutex
	nextID uint64

	memLSNMu sync.Mutex
	memLSN   uint64 // synthetic LSN source for WAL-less (in-memory) page files

	onCommit func(CommitEvent) // change-stream dispatcher hook, nil if unset
}

// NewManager creates a transaction manager over pf. txnID 0 is reserved for
// the page file's own system bookkeeping writes (storage.systemTxnID), so
// user transaction ids start at 1. On reopen, nextID is bootstrapped past the
// highest txn_id already present in the WAL (of any record kind, committed or
// not): reusing a prior session's id would let checkpoint.Manager.Run's
// committed-txn_id lookup (keyed only by txn_id over the whole log) mistake a
// new, still-uncommitted transaction's data records for the old one's
// already-durable commit, and apply them early.
func NewManager(pf *storage.PageFile) (*Manager, error) {
	m := &Manager{pf: pf, nextID: 1}
	if wal := pf.WAL(); wal != nil {
		records, err := wal.Scan()
		if err != nil {
			return nil, errs.Wrap(errs.KindIO, "txn: scan wal for id recovery", err)
		}
		for _, r := range records {
			if r.TxnID >= m.nextID {
				m.nextID = r.TxnID + 1
			}
		}
	}
	return m, nil
}

// OnCommit registers the callback invoked synchronously, after the commit
// record is durable, with the set of pages and the commit LSN — the hook the
// change-stream dispatcher attaches itself to (§4.7, step 5 of the commit
// protocol "publish change events with lsn").
func (m *Manager) OnCommit(fn func(CommitEvent)) { m.onCommit = fn }

func (m *Manager) nextTxnID() uint64 {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

func (m *Manager) nextMemoryLSN() uint64 {
	m.memLSNMu.Lock()
	defer m.memLSNMu.Unlock()
	m.memLSN++
	return m.memLSN
}

// Begin assigns a fresh monotonic txn_id and returns an active transaction.
// Multiple transactions may be active concurrently; only commit is
// serialized.
func (m *Manager) Begin() (*Tx, error) {
	if m.pf.IsReadOnly() {
		return nil, errs.ErrReadOnly
	}
	return &Tx{
		mgr:      m,
		id:       m.nextTxnID(),
		state:    StateActive,
		writeSet: make(map[uint64]*storage.Page),
	}, nil
}

// Tx is one transaction's write-set and lifecycle state. It implements
// index.PageSource (duck-typed — ReadPage/WritePage/AllocatePage/FreePage/
// PageSize) so a B-Tree or document store can be handed either a *Tx or a
// bare *storage.PageFile interchangeably.
type Tx struct {
	mgr   *Manager
	id    uint64
	state State

	mu       sync.Mutex
	writeSet map[uint64]*storage.Page
	writeOrd []uint64 // insertion order, for deterministic WAL record order
	frees    []uint64

	commitLSN uint64
}

// ID returns the transaction's monotonic identifier.
func (tx *Tx) ID() uint64 { return tx.id }

// State returns the transaction's current lifecycle state.
func (tx *Tx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

func (tx *Tx) requireActive() error {
	if tx.state != StateActive {
		return errs.New(errs.KindConflict, "transaction is not active")
	}
	return nil
}

// PageSize delegates to the underlying page file; the write-set stores pages
// at the same fixed size.
func (tx *Tx) PageSize() int { return tx.mgr.pf.PageSize() }

// ReadPage returns the staged image from this transaction's write-set if
// present (read-your-writes), otherwise a private copy of the current
// durable page. The copy is deliberate: the page file may hand back a
// zero-copy view straight into the mmap, and a caller mutating that in place
// before calling WritePage would leak an uncommitted change into durable
// storage outside the WAL.
func (tx *Tx) ReadPage(id uint64) (*storage.Page, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if p, ok := tx.writeSet[id]; ok {
		return p, nil
	}
	durable, err := tx.mgr.pf.ReadPage(id)
	if err != nil {
		return nil, err
	}
	cp := &storage.Page{Data: append([]byte(nil), durable.Data...)}
	return cp, nil
}

// WritePage stages p into the write-set, keyed by its page id. Durability
// happens only at Commit.
func (tx *Tx) WritePage(p *storage.Page) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.requireActive(); err != nil {
		return err
	}
	id := p.PageID()
	if _, exists := tx.writeSet[id]; !exists {
		tx.writeOrd = append(tx.writeOrd, id)
	}
	tx.writeSet[id] = p
	return nil
}

// AllocatePage reserves a fresh page id immediately through the page file.
// Allocation is page-file bookkeeping (free-list/meta-page maintenance, a
// system transaction of its own, see storage.PageFile.AllocatePage) rather
// than transactional data content: the returned page is a zero-initialized
// placeholder the caller must still populate and stage via WritePage before
// commit to make its content durable under this transaction's WAL records.
func (tx *Tx) AllocatePage(pageType storage.PageType) (uint64, error) {
	if err := tx.requireActive(); err != nil {
		return 0, err
	}
	return tx.mgr.pf.AllocatePage(pageType)
}

// FreePage stages a page to be returned to the free list at commit time. An
// aborted transaction never frees anything it queued here, so a page that
// was live before the transaction began stays live if the transaction never
// commits.
func (tx *Tx) FreePage(id uint64) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.requireActive(); err != nil {
		return err
	}
	tx.frees = append(tx.frees, id)
	delete(tx.writeSet, id)
	return nil
}

// Commit runs the commit protocol: append one WAL data record per staged
// page, append the commit record and fsync (the sole synchronous I/O), mark
// the transaction committed, then publish a change event. Page-file
// application of the staged images is deferred to the checkpoint manager —
// Commit itself never touches the durable page file for data pages, only
// the WAL, except in WAL-less in-memory mode where there is no checkpoint
// manager to defer to.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	if tx.state != StateActive {
		tx.mu.Unlock()
		return errs.New(errs.KindConflict, "transaction is not active")
	}
	writeOrd := append([]uint64(nil), tx.writeOrd...)
	writeSet := tx.writeSet
	frees := append([]uint64(nil), tx.frees...)
	tx.mu.Unlock()

	tx.mgr.commitMu.Lock()
	defer tx.mgr.commitMu.Unlock()

	var lsn uint64
	wal := tx.mgr.pf.WAL()
	if wal != nil {
		for _, id := range writeOrd {
			if _, err := wal.AppendData(tx.id, id, writeSet[id].Data); err != nil {
				return errs.Wrap(errs.KindIO, "commit: wal data record", err)
			}
		}
		committedLSN, err := wal.AppendCommit(tx.id, time.Now())
		if err != nil {
			return errs.Wrap(errs.KindIO, "commit: wal commit record", err)
		}
		lsn = committedLSN
	} else {
		// In-memory page files carry no WAL: there is nothing to crash-recover,
		// so the commit-writer latch alone is enough to make "all staged pages
		// become visible together" true. Apply directly to the page file.
		for _, id := range writeOrd {
			if err := tx.mgr.pf.WritePage(writeSet[id]); err != nil {
				return errs.Wrap(errs.KindIO, "commit: apply staged page", err)
			}
		}
		lsn = tx.mgr.nextMemoryLSN()
	}

	tx.mu.Lock()
	tx.state = StateCommitted
	tx.commitLSN = lsn
	tx.mu.Unlock()

	for _, id := range frees {
		if err := tx.mgr.pf.FreePage(id); err != nil {
			return err
		}
	}

	if tx.mgr.onCommit != nil {
		tx.mgr.onCommit(CommitEvent{TxnID: tx.id, LSN: lsn, PageIDs: writeOrd, Timestamp: time.Now()})
	}
	return nil
}

// CommitLSN returns the LSN the transaction's commit record was assigned.
// Valid only after a successful Commit.
func (tx *Tx) CommitLSN() uint64 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.commitLSN
}

// Abort discards the write-set without touching the page file. An absent
// commit record already means "discard on recovery", so abort needs no
// durable trace to be correct, but it appends an abort record to the WAL
// anyway for tooling/debugging visibility (storage.WAL.AppendAbort's own
// rationale).
func (tx *Tx) Abort() error {
	tx.mu.Lock()
	if tx.state != StateActive {
		tx.mu.Unlock()
		return errs.New(errs.KindConflict, "transaction is not active")
	}
	tx.state = StateAborted
	tx.writeSet = nil
	tx.frees = nil
	tx.mu.Unlock()

	if wal := tx.mgr.pf.WAL(); wal != nil {
		return wal.AppendAbort(tx.id)
	}
	return nil
}
