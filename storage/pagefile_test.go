package storage

import (
	"path/filepath"
	"testing"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func TestPageFileCreateAllocateReopen(t *testing.T) {
	path := tempDBPath(t)

	pf, err := Open(path, OpenOptions{PageSize: PageSize4K, GrowthBlock: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pf.PageSize() != PageSize4K {
		t.Errorf("expected page size %d, got %d", PageSize4K, pf.PageSize())
	}

	id, err := pf.AllocatePage(PageTypeData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if id != 1 {
		t.Errorf("expected first allocated page to be id 1, got %d", id)
	}

	page, err := pf.ReadPage(id)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	page.AppendSlot([]byte("hello"), SlotFlagActive)
	if err := pf.WritePage(page); err != nil {
		t.Fatalf("write page: %v", err)
	}

	if err := pf.SetCatalogRoot(id); err != nil {
		t.Fatalf("set catalog root: %v", err)
	}
	if err := pf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, OpenOptions{PageSize: PageSize4K, GrowthBlock: 4})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.CatalogRoot() != id {
		t.Errorf("expected catalog root %d, got %d", id, reopened.CatalogRoot())
	}
	got, err := reopened.ReadPage(id)
	if err != nil {
		t.Fatalf("read page after reopen: %v", err)
	}
	data, _, err := got.ReadSlot(0)
	if err != nil {
		t.Fatalf("read slot after reopen: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}
}

func TestPageFileGrowsBeyondInitialBlock(t *testing.T) {
	path := tempDBPath(t)
	pf, err := Open(path, OpenOptions{PageSize: PageSize4K, GrowthBlock: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer pf.Close()

	var last uint64
	for i := 0; i < 10; i++ {
		id, err := pf.AllocatePage(PageTypeData)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		last = id
	}
	if last != 10 {
		t.Errorf("expected 10 allocations to reach page id 10, got %d", last)
	}
}

func TestPageFileFreeListReuse(t *testing.T) {
	path := tempDBPath(t)
	pf, err := Open(path, OpenOptions{PageSize: PageSize4K, GrowthBlock: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer pf.Close()

	id, err := pf.AllocatePage(PageTypeData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := pf.FreePage(id); err != nil {
		t.Fatalf("free: %v", err)
	}
	reused, err := pf.AllocatePage(PageTypeOverflow)
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if reused != id {
		t.Errorf("expected freed page %d to be reused, got %d", id, reused)
	}
}

func TestPageFileReadOnlyRejectsWrites(t *testing.T) {
	path := tempDBPath(t)
	pf, err := Open(path, OpenOptions{PageSize: PageSize4K})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pf.Close()

	ro, err := Open(path, OpenOptions{PageSize: PageSize4K, ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	defer ro.Close()

	if _, err := ro.AllocatePage(PageTypeData); err == nil {
		t.Fatal("expected allocate to fail on a read-only page file")
	}
}

func TestOpenMemoryPageFile(t *testing.T) {
	pf, err := OpenMemory(OpenOptions{PageSize: PageSize4K, GrowthBlock: 4})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer pf.Close()

	id, err := pf.AllocatePage(PageTypeData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	page, err := pf.ReadPage(id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	page.AppendSlot([]byte("in-memory"), SlotFlagActive)
	if err := pf.WritePage(page); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, _ := pf.ReadPage(id)
	data, _, _ := got.ReadSlot(0)
	if string(data) != "in-memory" {
		t.Errorf("expected in-memory, got %q", data)
	}
}
