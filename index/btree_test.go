package index

import (
	"fmt"
	"testing"

	"github.com/foliadb/foliadb/storage"
)

func newTestSource(t *testing.T) *storage.PageFile {
	t.Helper()
	pf, err := storage.OpenMemory(storage.OpenOptions{PageSize: storage.PageSize4K, GrowthBlock: 4})
	if err != nil {
		t.Fatalf("open memory page file: %v", err)
	}
	t.Cleanup(func() { pf.Close() })
	return pf
}

func TestBTreeInsertAndLookup(t *testing.T) {
	src := newTestSource(t)
	bt, err := NewBTree(src, true)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	if err := bt.Insert([]byte("apple"), []byte("1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := bt.Insert([]byte("banana"), []byte("2")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	vals, err := bt.Lookup([]byte("apple"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(vals) != 1 || string(vals[0]) != "1" {
		t.Errorf("expected [1], got %v", vals)
	}

	vals, err = bt.Lookup([]byte("missing"))
	if err != nil {
		t.Fatalf("lookup missing: %v", err)
	}
	if len(vals) != 0 {
		t.Errorf("expected no values for missing key, got %v", vals)
	}
}

func TestBTreeNonUniqueMultipleValues(t *testing.T) {
	src := newTestSource(t)
	bt, err := NewBTree(src, false)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	if err := bt.Insert([]byte("dup"), []byte("a")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := bt.Insert([]byte("dup"), []byte("b")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	vals, err := bt.Lookup([]byte("dup"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(vals) != 2 {
		t.Fatalf("expected 2 values, got %d", len(vals))
	}
}

func TestBTreeSplitsAcrossManyInserts(t *testing.T) {
	src := newTestSource(t)
	bt, err := NewBTree(src, true)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("val-%04d", i))
		if err := bt.Insert(key, val); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		vals, err := bt.Lookup(key)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if len(vals) != 1 || string(vals[0]) != fmt.Sprintf("val-%04d", i) {
			t.Fatalf("lookup %d: expected val-%04d, got %v", i, i, vals)
		}
	}
}

func TestBTreeRangeScan(t *testing.T) {
	src := newTestSource(t)
	bt, err := NewBTree(src, true)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		if err := bt.Insert([]byte(k), []byte(k)); err != nil {
			t.Fatalf("insert %s: %v", k, err)
		}
	}

	entries, err := bt.RangeScan([]byte("b"), []byte("d"))
	if err != nil {
		t.Fatalf("range scan: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"b", "c", "d"} {
		if string(entries[i].Key) != want {
			t.Errorf("entry %d: expected %s, got %s", i, want, entries[i].Key)
		}
	}

	all, err := bt.RangeScan(nil, nil)
	if err != nil {
		t.Fatalf("unbounded range scan: %v", err)
	}
	if len(all) != len(keys) {
		t.Fatalf("expected %d entries, got %d", len(keys), len(all))
	}
}

func TestBTreeRemove(t *testing.T) {
	src := newTestSource(t)
	bt, err := NewBTree(src, true)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}

	if err := bt.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := bt.Remove([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	vals, err := bt.Lookup([]byte("k"))
	if err != nil {
		t.Fatalf("lookup after remove: %v", err)
	}
	if len(vals) != 0 {
		t.Errorf("expected key to be gone, got %v", vals)
	}
}

func TestBTreeOpenAttachesToExistingRoot(t *testing.T) {
	src := newTestSource(t)
	bt, err := NewBTree(src, true)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}
	if err := bt.Insert([]byte("x"), []byte("y")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	reattached := Open(src, bt.RootPageID, true)
	vals, err := reattached.Lookup([]byte("x"))
	if err != nil {
		t.Fatalf("lookup on reattached tree: %v", err)
	}
	if len(vals) != 1 || string(vals[0]) != "y" {
		t.Errorf("expected [y], got %v", vals)
	}
}
