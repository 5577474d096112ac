package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/foliadb/foliadb/storage"
	"github.com/foliadb/foliadb/txn"
)

func newTestPageFile(t *testing.T) *storage.PageFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	pf, err := storage.Open(path, storage.OpenOptions{PageSize: storage.PageSize4K, GrowthBlock: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { pf.Close() })
	return pf
}

func newTestManager(t *testing.T, pf *storage.PageFile) *txn.Manager {
	t.Helper()
	mgr, err := txn.NewManager(pf)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr
}

func commitOnePage(t *testing.T, mgr *txn.Manager, content string) uint64 {
	t.Helper()
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
	page.AppendSlot([]byte(content), storage.SlotFlagActive)
	if err := tx.WritePage(page); err != nil {
		t.Fatalf("write page: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return id
}

func TestRunFullAppliesCommittedPages(t *testing.T) {
	pf := newTestPageFile(t)
	txMgr := newTestManager(t, pf)
	ckpt := NewManager(pf, Config{})

	id := commitOnePage(t, txMgr, "hello")

	if err := ckpt.Run(ModeFull); err != nil {
		t.Fatalf("checkpoint run: %v", err)
	}

	got, err := pf.ReadPage(id)
	if err != nil {
		t.Fatalf("read page after checkpoint: %v", err)
	}
	data, _, err := got.ReadSlot(0)
	if err != nil {
		t.Fatalf("read slot: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}
	if pf.CheckpointLSN() == 0 {
		t.Error("expected checkpoint lsn to advance")
	}
}

func TestRunTruncateShrinksWAL(t *testing.T) {
	pf := newTestPageFile(t)
	txMgr := newTestManager(t, pf)
	ckpt := NewManager(pf, Config{})

	commitOnePage(t, txMgr, "a")
	commitOnePage(t, txMgr, "b")

	sizeBefore, err := pf.WAL().CurrentSize()
	if err != nil {
		t.Fatalf("wal size: %v", err)
	}

	if err := ckpt.Run(ModeTruncate); err != nil {
		t.Fatalf("checkpoint run: %v", err)
	}

	sizeAfter, err := pf.WAL().CurrentSize()
	if err != nil {
		t.Fatalf("wal size after: %v", err)
	}
	if sizeAfter >= sizeBefore {
		t.Errorf("expected wal to shrink, before=%d after=%d", sizeBefore, sizeAfter)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	pf := newTestPageFile(t)
	txMgr := newTestManager(t, pf)
	ckpt := NewManager(pf, Config{})

	commitOnePage(t, txMgr, "once")

	if err := ckpt.Run(ModeFull); err != nil {
		t.Fatalf("first run: %v", err)
	}
	lsnAfterFirst := pf.CheckpointLSN()

	if err := ckpt.Run(ModeFull); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if pf.CheckpointLSN() != lsnAfterFirst {
		t.Errorf("expected checkpoint lsn unchanged by a no-op run, got %d then %d", lsnAfterFirst, pf.CheckpointLSN())
	}
}

func TestRunRestartResetsWAL(t *testing.T) {
	pf := newTestPageFile(t)
	txMgr := newTestManager(t, pf)
	ckpt := NewManager(pf, Config{})

	commitOnePage(t, txMgr, "x")

	if err := ckpt.Run(ModeRestart); err != nil {
		t.Fatalf("restart run: %v", err)
	}

	size, err := pf.WAL().CurrentSize()
	if err != nil {
		t.Fatalf("wal size: %v", err)
	}
	if size > 16 {
		t.Errorf("expected a fresh, near-empty wal after restart, got %d bytes", size)
	}
	if pf.CheckpointLSN() != 0 {
		t.Errorf("expected checkpoint lsn reset to 0 for the new log epoch, got %d", pf.CheckpointLSN())
	}
}

func TestStartAndStopBackgroundLoop(t *testing.T) {
	pf := newTestPageFile(t)
	ckpt := NewManager(pf, Config{Interval: 20 * time.Millisecond})
	ckpt.Start()
	time.Sleep(30 * time.Millisecond)
	ckpt.Stop()
}

func TestIgnoresUncommittedTransactions(t *testing.T) {
	pf := newTestPageFile(t)
	txMgr := newTestManager(t, pf)
	ckpt := NewManager(pf, Config{})

	tx, err := txMgr.Begin()
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
	page.AppendSlot([]byte("uncommitted"), storage.SlotFlagActive)
	if err := tx.WritePage(page); err != nil {
		t.Fatalf("write page: %v", err)
	}
	// Never committed.

	if err := ckpt.Run(ModeFull); err != nil {
		t.Fatalf("checkpoint run: %v", err)
	}

	got, err := pf.ReadPage(id)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if got.NumSlots() != 0 {
		t.Errorf("expected uncommitted page to remain unapplied, got %d slots", got.NumSlots())
	}
}
