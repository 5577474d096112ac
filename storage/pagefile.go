package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/foliadb/foliadb/errs"
)

// Valid page sizes, matching the teacher pager's fixed choices.
const (
	PageSize4K  = 4096
	PageSize8K  = 8192
	PageSize16K = 16384
)

// metaMagic identifies a foliadb page file.
var metaMagic = [8]byte{'F', 'O', 'L', 'I', 'A', 'D', 'B', '1'}

const metaPageSize = 52

// metaPage is page 0's private layout, distinct from the generic 32-byte
// page header used by every other page: it is the file's superblock.
//
//	magic(8) | version(u32) | page_size(u32) | free_list_head(u64) |
//	catalog_root(u64) | checkpoint_lsn(u64) | next_page_id(u64) | checksum(u32)
//
// totalPages below is the next never-before-used page id (a high-water
// mark), not the file's physical capacity — mapped capacity is tracked
// separately in PageFile.mappedPages and is always >= this value.
type metaPage struct {
	version        uint32
	pageSize       uint32
	freeListHead   uint64
	catalogRoot    uint64
	checkpointLSN  uint64
	totalPages     uint64
}

func (m metaPage) encode() []byte {
	b := make([]byte, metaPageSize)
	copy(b[0:8], metaMagic[:])
	binary.LittleEndian.PutUint32(b[8:12], m.version)
	binary.LittleEndian.PutUint32(b[12:16], m.pageSize)
	binary.LittleEndian.PutUint64(b[16:24], m.freeListHead)
	binary.LittleEndian.PutUint64(b[24:32], m.catalogRoot)
	binary.LittleEndian.PutUint64(b[32:40], m.checkpointLSN)
	binary.LittleEndian.PutUint64(b[40:48], m.totalPages)
	crc := crc32.ChecksumIEEE(b[:metaPageSize-4])
	binary.LittleEndian.PutUint32(b[metaPageSize-4:], crc)
	return b
}

func decodeMetaPage(b []byte) (metaPage, error) {
	if len(b) < metaPageSize {
		return metaPage{}, errs.Wrap(errs.KindCorruption, "meta page too short", nil)
	}
	for i := range metaMagic {
		if b[i] != metaMagic[i] {
			return metaPage{}, errs.New(errs.KindCorruption, "bad meta page magic")
		}
	}
	crc := crc32.ChecksumIEEE(b[:metaPageSize-4])
	if crc != binary.LittleEndian.Uint32(b[metaPageSize-4:]) {
		return metaPage{}, errs.New(errs.KindCorruption, "meta page checksum mismatch")
	}
	return metaPage{
		version:       binary.LittleEndian.Uint32(b[8:12]),
		pageSize:      binary.LittleEndian.Uint32(b[12:16]),
		freeListHead:  binary.LittleEndian.Uint64(b[16:24]),
		catalogRoot:   binary.LittleEndian.Uint64(b[24:32]),
		checkpointLSN: binary.LittleEndian.Uint64(b[32:40]),
		totalPages:    binary.LittleEndian.Uint64(b[40:48]),
	}, nil
}

// systemTxnID is reserved for page-file bookkeeping writes (allocation,
// free-list, meta-page updates) that commit immediately rather than waiting
// on a caller's transaction, matching the teacher pager's habit of writing
// its own metadata straight through.
const systemTxnID = 0

// PageFile is the mmap-backed paged store: the durable home for every page
// except the portion of a still-open transaction's write-set that has not
// committed yet. Grounded on the teacher's storage/pager.go (file open/grow/
// meta-page/free-list bookkeeping), with the I/O strategy replaced: instead
// of Pager's ReadAt/WriteAt plus a decoded-page LRU, PageFile maps the whole
// file with github.com/edsrzf/mmap-go and hands out zero-copy slices,
// growing in GrowthBlock-page steps and remapping on growth, the same
// "extend totalPages, write page 0" bookkeeping shape as the teacher.
type PageFile struct {
	mu sync.RWMutex

	file   *os.File // nil in memory mode
	mapped mmap.MMap
	memBuf []byte // used instead of mapped when file == nil

	wal *WAL

	lock *fileLock // nil in memory mode or read-only mode

	pageSize    int
	growthBlock int
	readOnly    bool
	inMemory    bool

	meta metaPage

	// mappedPages is how many pages of capacity the mmap/memBuf currently
	// covers. It is purely local bookkeeping, re-derived from the file's
	// actual size on reopen, and is always >= meta.totalPages.
	mappedPages uint64

	cache *pageCache
}

// OpenOptions configures PageFile.Open.
type OpenOptions struct {
	PageSize    int
	GrowthBlock int // pages to grow by when the file runs out of room
	ReadOnly    bool
	CacheSize   int
}

func (o OpenOptions) normalized() OpenOptions {
	if o.PageSize == 0 {
		o.PageSize = PageSize4K
	}
	if o.GrowthBlock == 0 {
		o.GrowthBlock = 256
	}
	return o
}

// Open opens (or creates) a durable page file and its WAL sibling
// ("<path>.wal") on disk.
func Open(path string, opts OpenOptions) (*PageFile, error) {
	opts = opts.normalized()

	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "open page file", err)
	}

	var lock *fileLock
	if !opts.ReadOnly {
		lock, err = lockFile(path)
		if err != nil {
			f.Close()
			return nil, errs.Wrap(errs.KindIO, "lock page file", err)
		}
	}

	var wal *WAL
	if !opts.ReadOnly {
		wal, err = OpenWAL(path + ".wal")
		if err != nil {
			f.Close()
			if lock != nil {
				lock.unlock()
			}
			return nil, err
		}
	}

	pf := &PageFile{
		file:        f,
		wal:         wal,
		lock:        lock,
		pageSize:    opts.PageSize,
		growthBlock: opts.GrowthBlock,
		readOnly:    opts.ReadOnly,
		cache:       newPageCache(opts.CacheSize),
	}

	info, err := f.Stat()
	if err != nil {
		pf.closeHandles()
		return nil, errs.Wrap(errs.KindIO, "stat page file", err)
	}

	if info.Size() == 0 {
		if opts.ReadOnly {
			pf.closeHandles()
			return nil, errs.New(errs.KindIO, "cannot create a new page file read-only")
		}
		if err := pf.bootstrap(); err != nil {
			pf.closeHandles()
			return nil, err
		}
	} else {
		if err := pf.mapExisting(info.Size()); err != nil {
			pf.closeHandles()
			return nil, err
		}
	}
	return pf, nil
}

// OpenMemory creates an in-memory page file with no backing file and no WAL
// persistence. Used for the engine's ":memory:" mode: mmap.Map requires a
// real *os.File, so in-memory mode stands in with a plain heap buffer behind
// the same Page.Data slice-based API, bypassing mmap entirely.
func OpenMemory(opts OpenOptions) (*PageFile, error) {
	opts = opts.normalized()
	pf := &PageFile{
		pageSize:    opts.PageSize,
		growthBlock: opts.GrowthBlock,
		inMemory:    true,
		cache:       newPageCache(opts.CacheSize),
	}
	if err := pf.bootstrap(); err != nil {
		return nil, err
	}
	return pf, nil
}

func (pf *PageFile) closeHandles() {
	if pf.mapped != nil {
		pf.mapped.Unmap()
	}
	if pf.wal != nil {
		pf.wal.Close()
	}
	if pf.lock != nil {
		pf.lock.unlock()
	}
	if pf.file != nil {
		pf.file.Close()
	}
}

func (pf *PageFile) bootstrap() error {
	pf.meta = metaPage{version: 1, pageSize: uint32(pf.pageSize), totalPages: 1}
	if err := pf.growCapacity(uint64(pf.growthBlock)); err != nil {
		return err
	}
	return pf.writeMetaPage()
}

func (pf *PageFile) mapExisting(size int64) error {
	if err := pf.remap(size); err != nil {
		return err
	}
	pf.mappedPages = uint64(size) / uint64(pf.pageSize)
	m, err := decodeMetaPage(pf.rawPage(0))
	if err != nil {
		return err
	}
	pf.meta = m
	pf.pageSize = int(m.pageSize)
	return nil
}

func (pf *PageFile) remap(size int64) error {
	if pf.inMemory {
		if int64(len(pf.memBuf)) < size {
			grown := make([]byte, size)
			copy(grown, pf.memBuf)
			pf.memBuf = grown
		}
		return nil
	}
	if pf.mapped != nil {
		if err := pf.mapped.Unmap(); err != nil {
			return errs.Wrap(errs.KindIO, "unmap page file", err)
		}
		pf.mapped = nil
	}
	prot := mmap.RDWR
	if pf.readOnly {
		prot = mmap.RDONLY
	}
	m, err := mmap.MapRegion(pf.file, int(size), prot, 0, 0)
	if err != nil {
		return errs.Wrap(errs.KindIO, "mmap page file", err)
	}
	pf.mapped = m
	return nil
}

// growCapacity ensures the mapping covers at least minPages pages, extending
// the file (and remapping) in growthBlock-page steps. It never shrinks the
// logical page-id counter (meta.totalPages) — that is bumped separately by
// whoever hands out a new page id.
func (pf *PageFile) growCapacity(minPages uint64) error {
	if pf.readOnly {
		return errs.ErrReadOnly
	}
	if minPages <= pf.mappedPages && (pf.mapped != nil || pf.memBuf != nil) {
		return nil
	}
	target := pf.mappedPages
	for target < minPages {
		target += uint64(pf.growthBlock)
	}
	newSize := int64(target) * int64(pf.pageSize)

	if pf.inMemory {
		if err := pf.remap(newSize); err != nil {
			return err
		}
	} else {
		if err := pf.file.Truncate(newSize); err != nil {
			return errs.Wrap(errs.KindIO, "grow page file", err)
		}
		if err := pf.remap(newSize); err != nil {
			return err
		}
	}
	pf.mappedPages = target
	return nil
}

func (pf *PageFile) rawPage(id uint64) []byte {
	start := int64(id) * int64(pf.pageSize)
	if pf.inMemory {
		return pf.memBuf[start : start+int64(pf.pageSize)]
	}
	return pf.mapped[start : start+int64(pf.pageSize)]
}

func (pf *PageFile) writeMetaPage() error {
	if pf.wal != nil {
		if _, err := pf.wal.AppendData(systemTxnID, 0, pf.meta.encode()); err != nil {
			return errs.Wrap(errs.KindIO, "wal meta record", err)
		}
		if _, err := pf.wal.AppendCommit(systemTxnID, time.Now()); err != nil {
			return errs.Wrap(errs.KindIO, "wal meta commit", err)
		}
	}
	copy(pf.rawPage(0), pf.meta.encode())
	return pf.syncMapping()
}

func (pf *PageFile) syncMapping() error {
	if pf.inMemory || pf.mapped == nil {
		return nil
	}
	if err := pf.mapped.Flush(); err != nil {
		return errs.Wrap(errs.KindIO, "flush page file mapping", err)
	}
	return nil
}

// PageSize returns the configured page size in bytes.
func (pf *PageFile) PageSize() int { return pf.pageSize }

// TotalPages returns the next never-before-used page id — the logical count
// of pages ever handed out by AllocatePage, not the file's mapped capacity.
func (pf *PageFile) TotalPages() uint64 {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.meta.totalPages
}

func (pf *PageFile) IsReadOnly() bool { return pf.readOnly }

func (pf *PageFile) CatalogRoot() uint64 {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.meta.catalogRoot
}

// SetCatalogRoot persists the catalog's root page id into the meta page.
func (pf *PageFile) SetCatalogRoot(id uint64) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.meta.catalogRoot = id
	return pf.writeMetaPage()
}

func (pf *PageFile) CheckpointLSN() uint64 {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.meta.checkpointLSN
}

// SetCheckpointLSN persists the checkpoint manager's watermark.
func (pf *PageFile) SetCheckpointLSN(lsn uint64) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.meta.checkpointLSN = lsn
	return pf.writeMetaPage()
}

// WAL returns the page file's write-ahead log so the transaction manager and
// the checkpoint manager can share the same durable stream.
func (pf *PageFile) WAL() *WAL { return pf.wal }

// ReadPage returns the page's current durable image. In mmap mode this is a
// zero-copy slice of the mapping; mutating it without going through the
// write path is a bug. The checksum is verified once per write (cached in
// pageCache) rather than on every read.
func (pf *PageFile) ReadPage(id uint64) (*Page, error) {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	if id >= pf.meta.totalPages {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("page %d does not exist", id))
	}
	raw := pf.rawPage(id)
	p := &Page{Data: raw}
	if !pf.cache.verified(id, p.Checksum()) {
		if !p.VerifyChecksum() {
			return nil, errs.Wrap(errs.KindCorruption, fmt.Sprintf("page %d checksum mismatch", id), nil)
		}
		pf.cache.remember(id, p.Checksum())
	}
	return p, nil
}

// WritePage durably applies a page image directly into the store (used by
// the checkpoint manager when materializing committed WAL records, and by
// recovery). It is not itself WAL-logged: the caller already holds WAL
// durability for this image.
func (pf *PageFile) WritePage(p *Page) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.readOnly {
		return errs.ErrReadOnly
	}
	id := p.PageID()
	if id >= pf.mappedPages {
		if err := pf.growCapacity(id + 1); err != nil {
			return err
		}
	}
	if id >= pf.meta.totalPages {
		pf.meta.totalPages = id + 1
	}
	p.Seal()
	copy(pf.rawPage(id), p.Data)
	pf.cache.remember(id, p.Checksum())
	return pf.syncMapping()
}

// AllocatePage reserves a fresh page id, preferring the free list over
// growing the file, zero-initializes it as pageType, and durably records the
// free-list-head update through the WAL before returning — so a crash right
// after allocation still leaves the free list consistent on replay.
func (pf *PageFile) AllocatePage(pageType PageType) (uint64, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.readOnly {
		return 0, errs.ErrReadOnly
	}

	var id uint64
	if pf.meta.freeListHead != 0 {
		id = pf.meta.freeListHead
		freed := &Page{Data: pf.rawPage(id)}
		pf.meta.freeListHead = freed.NextPageID()
	} else {
		id = pf.meta.totalPages
		if err := pf.growCapacity(id + 1); err != nil {
			return 0, err
		}
		pf.meta.totalPages = id + 1
	}

	page := NewPage(pf.rawPage(id), pageType, id)
	page.Seal()
	if pf.wal != nil {
		if _, err := pf.wal.AppendData(systemTxnID, id, page.Data); err != nil {
			return 0, errs.Wrap(errs.KindIO, "wal allocate record", err)
		}
	}
	pf.cache.remember(id, page.Checksum())
	if err := pf.writeMetaPage(); err != nil {
		return 0, err
	}
	if pf.wal != nil {
		if _, err := pf.wal.AppendCommit(systemTxnID, time.Now()); err != nil {
			return 0, errs.Wrap(errs.KindIO, "wal allocate commit", err)
		}
	}
	return id, nil
}

// FreePage pushes pageID onto the head of the free list.
func (pf *PageFile) FreePage(pageID uint64) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.readOnly {
		return errs.ErrReadOnly
	}
	if pageID == 0 || pageID >= pf.meta.totalPages {
		return errs.New(errs.KindCorruption, fmt.Sprintf("cannot free page %d", pageID))
	}
	page := &Page{Data: pf.rawPage(pageID)}
	page.SetType(PageTypeFreeList)
	page.SetNextPageID(pf.meta.freeListHead)
	page.Seal()
	if pf.wal != nil {
		if _, err := pf.wal.AppendData(systemTxnID, pageID, page.Data); err != nil {
			return errs.Wrap(errs.KindIO, "wal free record", err)
		}
	}
	pf.cache.remember(pageID, page.Checksum())
	pf.meta.freeListHead = pageID
	if err := pf.writeMetaPage(); err != nil {
		return err
	}
	if pf.wal != nil {
		if _, err := pf.wal.AppendCommit(systemTxnID, time.Now()); err != nil {
			return errs.Wrap(errs.KindIO, "wal free commit", err)
		}
	}
	return nil
}

// Flush forces the mapping to durable storage (msync equivalent).
func (pf *PageFile) Flush() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.syncMapping()
}

// CacheStats exposes the checksum cache's hit/miss counters for metrics.
func (pf *PageFile) CacheStats() (hits, misses uint64, size, capacity int) {
	return pf.cache.stats()
}

// Close flushes and releases every resource the page file holds.
func (pf *PageFile) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	var firstErr error
	if err := pf.syncMapping(); err != nil && firstErr == nil {
		firstErr = err
	}
	if pf.mapped != nil {
		if err := pf.mapped.Unmap(); err != nil && firstErr == nil {
			firstErr = errs.Wrap(errs.KindIO, "unmap page file", err)
		}
	}
	if pf.wal != nil {
		if err := pf.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if pf.lock != nil {
		if err := pf.lock.unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if pf.file != nil {
		if err := pf.file.Close(); err != nil && firstErr == nil {
			firstErr = errs.Wrap(errs.KindIO, "close page file", err)
		}
	}
	return firstErr
}
