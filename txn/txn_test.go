package txn

import (
	"testing"

	"github.com/foliadb/foliadb/storage"
)

func newTestPageFile(t *testing.T) *storage.PageFile {
	t.Helper()
	pf, err := storage.OpenMemory(storage.OpenOptions{PageSize: storage.PageSize4K, GrowthBlock: 4})
	if err != nil {
		t.Fatalf("open memory page file: %v", err)
	}
	t.Cleanup(func() { pf.Close() })
	return pf
}

func newTestManager(t *testing.T, pf *storage.PageFile) *Manager {
	t.Helper()
	mgr, err := NewManager(pf)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr
}

func TestBeginAssignsMonotonicIDs(t *testing.T) {
	pf := newTestPageFile(t)
	mgr := newTestManager(t, pf)

	tx1, err := mgr.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	tx2, err := mgr.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if tx2.ID() <= tx1.ID() {
		t.Errorf("expected monotonic ids, got %d then %d", tx1.ID(), tx2.ID())
	}
}

func TestWritePageStagesUntilCommit(t *testing.T) {
	pf := newTestPageFile(t)
	mgr := newTestManager(t, pf)

	tx, err := mgr.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	id, err := tx.AllocatePage(storage.PageTypeData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	page, err := tx.ReadPage(id)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	page.AppendSlot([]byte("staged"), storage.SlotFlagActive)
	if err := tx.WritePage(page); err != nil {
		t.Fatalf("write page: %v", err)
	}

	// Read-your-writes: the same transaction sees the staged content.
	got, err := tx.ReadPage(id)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	data, _, err := got.ReadSlot(0)
	if err != nil {
		t.Fatalf("read slot: %v", err)
	}
	if string(data) != "staged" {
		t.Errorf("expected staged, got %q", data)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if tx.State() != StateCommitted {
		t.Errorf("expected committed state, got %v", tx.State())
	}
	if tx.CommitLSN() == 0 {
		t.Error("expected a non-zero commit LSN")
	}
}

func TestAbortDiscardsWriteSet(t *testing.T) {
	pf := newTestPageFile(t)
	mgr := newTestManager(t, pf)

	tx, err := mgr.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id, err := tx.AllocatePage(storage.PageTypeData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	page, err := tx.ReadPage(id)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	page.AppendSlot([]byte("abandoned"), storage.SlotFlagActive)
	if err := tx.WritePage(page); err != nil {
		t.Fatalf("write page: %v", err)
	}

	if err := tx.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if tx.State() != StateAborted {
		t.Errorf("expected aborted state, got %v", tx.State())
	}

	if err := tx.WritePage(page); err == nil {
		t.Error("expected write after abort to fail")
	}
}

func TestCommitAfterCommitFails(t *testing.T) {
	pf := newTestPageFile(t)
	mgr := newTestManager(t, pf)

	tx, err := mgr.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Error("expected second commit to fail")
	}
}

func TestOnCommitFiresWithTouchedPages(t *testing.T) {
	pf := newTestPageFile(t)
	mgr := newTestManager(t, pf)

	var got CommitEvent
	fired := false
	mgr.OnCommit(func(ev CommitEvent) {
		fired = true
		got = ev
	})

	tx, err := mgr.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id, err := tx.AllocatePage(storage.PageTypeData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	page, err := tx.ReadPage(id)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	page.AppendSlot([]byte("x"), storage.SlotFlagActive)
	if err := tx.WritePage(page); err != nil {
		t.Fatalf("write page: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if !fired {
		t.Fatal("expected OnCommit to fire")
	}
	if got.TxnID != tx.ID() {
		t.Errorf("expected txn id %d, got %d", tx.ID(), got.TxnID)
	}
	if len(got.PageIDs) != 1 || got.PageIDs[0] != id {
		t.Errorf("expected page ids [%d], got %v", id, got.PageIDs)
	}
}

func TestReadOnlyPageFileRejectsBegin(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.db"
	pf, err := storage.Open(path, storage.OpenOptions{PageSize: storage.PageSize4K})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pf.Close()

	ro, err := storage.Open(path, storage.OpenOptions{PageSize: storage.PageSize4K, ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	defer ro.Close()

	mgr := newTestManager(t, ro)
	if _, err := mgr.Begin(); err == nil {
		t.Fatal("expected Begin to fail on a read-only page file")
	}
}

// TestReopenSkipsPastStaleTxnIDs guards against a reopened manager reissuing a
// txn_id an earlier, crashed session left stranded in the WAL. Reusing it
// would let checkpoint.Manager.Run's txn_id-keyed committed-lookup mistake
// the new transaction's own (not-yet-committed) data records for the old
// transaction's durable commit.
func TestReopenSkipsPastStaleTxnIDs(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.db"

	pf, err := storage.Open(path, storage.OpenOptions{PageSize: storage.PageSize4K, GrowthBlock: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Simulate a prior session that crashed mid-commit: its data records
	// reached the WAL (AppendData already ran) but the process died before
	// AppendCommit, so txn_id 77 never got a commit record.
	const staleTxnID = 77
	image := make([]byte, storage.PageSize4K)
	if _, err := pf.WAL().AppendData(staleTxnID, 1, image); err != nil {
		t.Fatalf("append stale data: %v", err)
	}
	pf.Close()

	reopened, err := storage.Open(path, storage.OpenOptions{PageSize: storage.PageSize4K, GrowthBlock: 4})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	mgr := newTestManager(t, reopened)
	tx, err := mgr.Begin()
	if err != nil {
		t.Fatalf("begin after reopen: %v", err)
	}
	if tx.ID() <= staleTxnID {
		t.Fatalf("expected a fresh txn id above the stale id %d, got %d", staleTxnID, tx.ID())
	}
}
