// Package docstore implements the per-collection document store: CRUD,
// overflow chains for oversized payloads, id assignment, and the collection
// catalog. Grounded on the teacher's storage/pager.go CollectionMeta/
// CreateCollection/flushMeta (§4.5), generalized from SQL rows with a fixed
// schema to opaque self-describing byte payloads keyed by a pluggable id
// kind.
package docstore

import (
	"encoding/binary"
	"sync"

	"github.com/foliadb/foliadb/errs"
	"github.com/foliadb/foliadb/index"
	"github.com/foliadb/foliadb/keys"
	"github.com/foliadb/foliadb/storage"
)

// IndexMeta is one secondary index's catalog entry.
type IndexMeta struct {
	Field      string
	Kind       index.Kind
	Unique     bool
	RootPageID uint64
}

// CollectionMeta is one collection's catalog entry: its id-map root, id-kind
// tag, and the secondary indexes built over it. Mirrors the teacher's
// CollectionMeta (Name/FirstPageID/NextRecordID), generalized to an id-map
// B-Tree root instead of a bare first data page, plus a key-kind tag and an
// index list the teacher keeps in a parallel indexDefs slice.
type CollectionMeta struct {
	Name        string
	KeyKind     keys.Kind
	IDMapRoot   uint64
	FirstDataID uint64 // first page of the collection's inline data-page chain
	NextSeq     uint64 // persisted hint for KindInteger; exact gaps on crash are acceptable, matching the teacher's lazily-flushed NextRecordID
	Indexes     []IndexMeta
}

func (c *CollectionMeta) clone() *CollectionMeta {
	cp := *c
	cp.Indexes = append([]IndexMeta(nil), c.Indexes...)
	return &cp
}

// Catalog is the collection registry for one page file, rooted at
// storage.PageFile.CatalogRoot(). It is loaded whole into memory at Open and
// rewritten whole on every structural change (create/drop collection,
// create/drop index, or an id-map/secondary-index root changing after a
// B-Tree split) — the same "keep it all in memory, flush the whole table on
// change" shape as the teacher's Pager.collections/flushMeta, just carrying
// richer per-collection metadata.
//
// Catalog writes go straight to the PageFile, not through a caller's
// transaction: structural metadata changes are comparatively rare
// (administrative DDL, or a B-Tree root changing on split) and this repo
// already treats page-file bookkeeping of this kind — the meta page's
// free-list head and checkpoint LSN — as an immediate, non-WAL-staged write
// (storage.PageFile.SetCatalogRoot, SetCheckpointLSN).
type Catalog struct {
	pf *storage.PageFile

	mu          sync.RWMutex
	collections map[string]*CollectionMeta
}

// OpenCatalog loads the catalog from pf, creating an empty one if the page
// file has never had one (CatalogRoot() == 0).
func OpenCatalog(pf *storage.PageFile) (*Catalog, error) {
	c := &Catalog{pf: pf, collections: make(map[string]*CollectionMeta)}
	root := pf.CatalogRoot()
	if root == 0 {
		return c, nil
	}
	if err := c.load(root); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) load(root uint64) error {
	var buf []byte
	pageID := root
	for pageID != 0 {
		page, err := c.pf.ReadPage(pageID)
		if err != nil {
			return errs.Wrap(errs.KindCorruption, "catalog: read page", err)
		}
		chunkLen := binary.LittleEndian.Uint16(page.Data[storage.PageHeaderSize:])
		buf = append(buf, page.Data[storage.PageHeaderSize+2:storage.PageHeaderSize+2+int(chunkLen)]...)
		pageID = page.NextPageID()
	}
	metas, err := decodeCatalog(buf)
	if err != nil {
		return err
	}
	for _, m := range metas {
		c.collections[m.Name] = m
	}
	return nil
}

// flush serializes the whole catalog and rewrites the page chain rooted at
// CatalogRoot, allocating or freeing pages as the encoded size changes.
// Caller must hold c.mu.
func (c *Catalog) flush() error {
	buf := encodeCatalog(c.collections)

	capacity := c.pf.PageSize() - storage.PageHeaderSize - 2
	var pageIDs []uint64
	root := c.pf.CatalogRoot()
	for pageID := root; pageID != 0; {
		page, err := c.pf.ReadPage(pageID)
		if err != nil {
			return errs.Wrap(errs.KindCorruption, "catalog: read page", err)
		}
		pageIDs = append(pageIDs, pageID)
		pageID = page.NextPageID()
	}

	needed := (len(buf) + capacity - 1) / capacity
	if needed == 0 {
		needed = 1
	}

	for len(pageIDs) < needed {
		id, err := c.pf.AllocatePage(storage.PageTypeOverflow)
		if err != nil {
			return err
		}
		pageIDs = append(pageIDs, id)
	}

	offset := 0
	for i, id := range pageIDs {
		page, err := c.pf.ReadPage(id)
		if err != nil {
			return errs.Wrap(errs.KindCorruption, "catalog: read page", err)
		}
		page.SetType(storage.PageTypeOverflow)
		n := len(buf) - offset
		if n > capacity {
			n = capacity
		}
		if n < 0 {
			n = 0
		}
		binary.LittleEndian.PutUint16(page.Data[storage.PageHeaderSize:], uint16(n))
		copy(page.Data[storage.PageHeaderSize+2:], buf[offset:offset+n])
		offset += n
		if i < len(pageIDs)-1 && i+1 < needed {
			page.SetNextPageID(pageIDs[i+1])
		} else {
			page.SetNextPageID(0)
		}
		if err := c.pf.WritePage(page); err != nil {
			return err
		}
	}

	for i := needed; i < len(pageIDs); i++ {
		if err := c.pf.FreePage(pageIDs[i]); err != nil {
			return err
		}
	}

	if root == 0 {
		return c.pf.SetCatalogRoot(pageIDs[0])
	}
	return nil
}

func encodeCatalog(collections map[string]*CollectionMeta) []byte {
	buf := make([]byte, 0, 256)
	var tmp [8]byte

	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(collections)))
	buf = append(buf, tmp[:2]...)

	for _, m := range collections {
		buf = appendString(buf, m.Name)
		buf = append(buf, byte(m.KeyKind))
		buf = appendUint64(buf, m.IDMapRoot)
		buf = appendUint64(buf, m.FirstDataID)
		buf = appendUint64(buf, m.NextSeq)

		binary.LittleEndian.PutUint16(tmp[:2], uint16(len(m.Indexes)))
		buf = append(buf, tmp[:2]...)
		for _, idx := range m.Indexes {
			buf = appendString(buf, idx.Field)
			buf = appendString(buf, string(idx.Kind))
			if idx.Unique {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
			buf = appendUint64(buf, idx.RootPageID)
		}
	}
	return buf
}

func decodeCatalog(buf []byte) ([]*CollectionMeta, error) {
	if len(buf) < 2 {
		return nil, nil
	}
	r := &reader{buf: buf}
	n, err := r.uint16()
	if err != nil {
		return nil, err
	}
	out := make([]*CollectionMeta, 0, n)
	for i := uint16(0); i < n; i++ {
		m := &CollectionMeta{}
		if m.Name, err = r.string(); err != nil {
			return nil, err
		}
		kb, err := r.byte()
		if err != nil {
			return nil, err
		}
		m.KeyKind = keys.Kind(kb)
		if m.IDMapRoot, err = r.uint64(); err != nil {
			return nil, err
		}
		if m.FirstDataID, err = r.uint64(); err != nil {
			return nil, err
		}
		if m.NextSeq, err = r.uint64(); err != nil {
			return nil, err
		}
		numIdx, err := r.uint16()
		if err != nil {
			return nil, err
		}
		for j := uint16(0); j < numIdx; j++ {
			var idx IndexMeta
			if idx.Field, err = r.string(); err != nil {
				return nil, err
			}
			kindStr, err := r.string()
			if err != nil {
				return nil, err
			}
			idx.Kind = index.Kind(kindStr)
			ub, err := r.byte()
			if err != nil {
				return nil, err
			}
			idx.Unique = ub == 1
			if idx.RootPageID, err = r.uint64(); err != nil {
				return nil, err
			}
			m.Indexes = append(m.Indexes, idx)
		}
		out = append(out, m)
	}
	return out, nil
}

func appendString(buf []byte, s string) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(len(s)))
	buf = append(buf, tmp[:]...)
	return append(buf, s...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// reader walks a catalog byte buffer sequentially, erroring on truncation
// instead of panicking on a corrupted catalog page chain.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return errs.New(errs.KindCorruption, "catalog: truncated record")
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// Get returns a copy of the named collection's metadata, or nil.
func (c *Catalog) Get(name string) *CollectionMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.collections[name]
	if !ok {
		return nil
	}
	return m.clone()
}

// Names returns every registered collection name.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.collections))
	for name := range c.collections {
		out = append(out, name)
	}
	return out
}

// Create registers a brand-new collection with its own id-map and a first
// data page, failing if the name is already taken.
func (c *Catalog) Create(name string, kind keys.Kind) (*CollectionMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.collections[name]; exists {
		return nil, errs.New(errs.KindSchemaMismatch, "collection already exists: "+name)
	}

	idMap, err := index.New(c.pf, index.Def{Collection: name, Field: "_id", Kind: index.KindBTree, Unique: true})
	if err != nil {
		return nil, err
	}
	firstData, err := c.pf.AllocatePage(storage.PageTypeData)
	if err != nil {
		return nil, err
	}

	meta := &CollectionMeta{Name: name, KeyKind: kind, IDMapRoot: idMap.RootPageID(), FirstDataID: firstData, NextSeq: 1}
	c.collections[name] = meta
	if err := c.flush(); err != nil {
		delete(c.collections, name)
		return nil, err
	}
	return meta.clone(), nil
}

// Drop removes a collection's catalog entry. It does not itself free the
// collection's pages — Store.DropCollection walks and frees them before
// calling this.
func (c *Catalog) Drop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.collections[name]; !exists {
		return errs.New(errs.KindNotFound, "collection not found: "+name)
	}
	delete(c.collections, name)
	return c.flush()
}

// Update replaces a collection's catalog entry (used after an id-map or
// secondary-index root changes on split, or NextSeq advances) and persists
// the whole catalog.
func (c *Catalog) Update(meta *CollectionMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.collections[meta.Name]; !exists {
		return errs.New(errs.KindNotFound, "collection not found: "+meta.Name)
	}
	c.collections[meta.Name] = meta.clone()
	return c.flush()
}

// UpdateSeq persists a new NextSeq hint without the full flush cost of
// Update being on every caller's critical path — callers batch this with
// whatever other catalog change they already need, or call it directly for
// a bare sequence advance.
func (c *Catalog) UpdateSeq(name string, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, exists := c.collections[name]
	if !exists {
		return errs.New(errs.KindNotFound, "collection not found: "+name)
	}
	m.NextSeq = seq
	return c.flush()
}
