package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempWALPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func TestWALCreateAndClose(t *testing.T) {
	dbPath := tempWALPath(t)
	walPath := dbPath + ".wal"

	wal, err := OpenWAL(walPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(walPath); os.IsNotExist(err) {
		t.Error("WAL file should exist")
	}
}

func TestWALAppendAndReload(t *testing.T) {
	walPath := tempWALPath(t) + ".wal"

	wal, err := OpenWAL(walPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	image := make([]byte, PageSize4K)
	copy(image, []byte("HELLO"))

	if _, err := wal.AppendData(1, 10, image); err != nil {
		t.Fatalf("append data: %v", err)
	}
	if _, err := wal.AppendData(1, 11, image); err != nil {
		t.Fatalf("append data 2: %v", err)
	}
	if _, err := wal.AppendCommit(1, time.Now()); err != nil {
		t.Fatalf("append commit: %v", err)
	}
	wal.Close()

	wal2, err := OpenWAL(walPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer wal2.Close()

	records, err := wal2.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Kind != RecordData || records[0].PageID != 10 {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if records[2].Kind != RecordCommit || records[2].TxnID != 1 {
		t.Errorf("unexpected commit record: %+v", records[2])
	}
}

func TestWALTornTailIsIgnored(t *testing.T) {
	walPath := tempWALPath(t) + ".wal"

	ff, err := NewFaultFile(walPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open fault file: %v", err)
	}
	wal, err := openWALWithFile(walPath, ff)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}

	image := make([]byte, PageSize4K)
	if _, err := wal.AppendData(1, 1, image); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if _, err := wal.AppendCommit(1, time.Now()); err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	// Every write of the second transaction is torn: only half of each
	// record reaches disk. Scan must stop cleanly at the last well-formed
	// record.
	ff.FailAfterWrites(0, true)
	if _, err := wal.AppendData(2, 2, image); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	wal.AppendCommit(2, time.Now())
	wal.Close()

	reopened, err := OpenWAL(walPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	records, err := reopened.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	for _, r := range records {
		if r.TxnID == 2 {
			t.Fatalf("expected torn txn 2 to be invisible, found record %+v", r)
		}
	}
}

func TestWALReopenBootstrapsNextLSN(t *testing.T) {
	walPath := tempWALPath(t) + ".wal"

	wal, err := OpenWAL(walPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	image := make([]byte, PageSize4K)
	if _, err := wal.AppendData(1, 1, image); err != nil {
		t.Fatalf("append data: %v", err)
	}
	lastLSN, err := wal.AppendCommit(1, time.Now())
	if err != nil {
		t.Fatalf("append commit: %v", err)
	}
	wal.Close()

	reopened, err := OpenWAL(walPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	nextLSN, err := reopened.AppendData(2, 2, image)
	if err != nil {
		t.Fatalf("append data after reopen: %v", err)
	}
	if nextLSN <= lastLSN {
		t.Fatalf("expected a fresh LSN above %d after reopen, got %d", lastLSN, nextLSN)
	}
}

func TestWALTruncateUpTo(t *testing.T) {
	walPath := tempWALPath(t) + ".wal"
	wal, err := OpenWAL(walPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer wal.Close()

	image := make([]byte, PageSize4K)
	wal.AppendData(1, 1, image)
	lsn, _ := wal.AppendCommit(1, time.Now())

	if err := wal.TruncateUpTo(lsn); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	records, err := wal.Scan()
	if err != nil {
		t.Fatalf("scan after truncate: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected empty WAL after truncate, got %d records", len(records))
	}
}
