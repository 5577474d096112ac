package docstore

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/snappy"

	"github.com/foliadb/foliadb/changestream"
	"github.com/foliadb/foliadb/checkpoint"
	"github.com/foliadb/foliadb/concurrency"
	"github.com/foliadb/foliadb/errs"
	"github.com/foliadb/foliadb/index"
	"github.com/foliadb/foliadb/keys"
	"github.com/foliadb/foliadb/storage"
	"github.com/foliadb/foliadb/txn"
)

// DocPointer is the value an id-map entry stores: the page and slot holding
// either the document's inline bytes or its overflow pointer.
type DocPointer struct {
	PageID uint64
	Slot   uint16
}

func (p DocPointer) Encode() []byte {
	b := make([]byte, 10)
	for i := 0; i < 8; i++ {
		b[i] = byte(p.PageID >> (8 * i))
	}
	b[8] = byte(p.Slot)
	b[9] = byte(p.Slot >> 8)
	return b
}

func DecodeDocPointer(b []byte) (DocPointer, error) {
	if len(b) < 10 {
		return DocPointer{}, errs.New(errs.KindCorruption, "doc pointer too short")
	}
	var pageID uint64
	for i := 0; i < 8; i++ {
		pageID |= uint64(b[i]) << (8 * i)
	}
	slot := uint16(b[8]) | uint16(b[9])<<8
	return DocPointer{PageID: pageID, Slot: slot}, nil
}

// Store is the engine-wide document CRUD surface: one Store serves every
// collection registered in its Catalog. Grounded on the teacher's Pager
// exposing Insert/Update/Delete/Scan directly (no separate per-collection
// handle type) — generalized so each call carries its own collection name
// rather than reading a bound *CollectionMeta field, since this spec's
// catalog entries are value copies, not live teacher-style pointers shared
// under one lock.
type Store struct {
	pf      *storage.PageFile
	txMgr   *txn.Manager
	ckpt    *checkpoint.Manager
	catalog *Catalog

	seqMu  sync.Mutex
	seqCtr map[string]*atomic.Uint64

	dispatcher *changestream.Dispatcher

	// locks serializes Insert/Update/Delete per collection. txn.Manager only
	// serializes the commit sequence itself, not the read-modify-write of a
	// collection's id-map/secondary-index roots that happens between a
	// transaction's Begin and Commit, so two concurrent writers against the
	// same collection could otherwise both stage an update against the same
	// pre-commit root and the second Commit would silently clobber the
	// first's index insert. Grounded on the teacher's concurrency.LockManager
	// (AcquireRecord/ReleaseRecord), used here at collection granularity
	// (recordID 0 is a fixed sentinel key) rather than per-document, since a
	// single collection's id-map root is the shared resource at risk.
	locks *concurrency.LockManager
}

func NewStore(pf *storage.PageFile, txMgr *txn.Manager, ckpt *checkpoint.Manager, catalog *Catalog) *Store {
	return &Store{
		pf:      pf,
		txMgr:   txMgr,
		ckpt:    ckpt,
		catalog: catalog,
		seqCtr:  make(map[string]*atomic.Uint64),
		locks:   concurrency.NewLockManager(concurrency.LockPolicyWait),
	}
}

// SetDispatcher attaches the change-stream dispatcher that Insert/Update/
// Delete publish to after a successful commit. Optional: a Store with no
// dispatcher simply never publishes, so existing callers and tests that
// construct a Store directly are unaffected.
func (s *Store) SetDispatcher(d *changestream.Dispatcher) { s.dispatcher = d }

func (s *Store) publish(collection string, op changestream.Op, docID []byte, payload []byte, lsn uint64) {
	if s.dispatcher == nil {
		return
	}
	ev := changestream.Event{
		Collection: collection,
		Op:         op,
		DocID:      append([]byte(nil), docID...),
		LSN:        lsn,
		Timestamp:  time.Now(),
	}
	if op != changestream.OpDelete && s.dispatcher.WantsPayload(collection) {
		ev.Payload = append([]byte(nil), payload...)
	}
	s.dispatcher.Publish(ev)
}

func (s *Store) seqCounter(meta *CollectionMeta) *atomic.Uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	c, ok := s.seqCtr[meta.Name]
	if !ok {
		c = &atomic.Uint64{}
		c.Store(meta.NextSeq)
		s.seqCtr[meta.Name] = c
	}
	return c
}

// CreateCollection registers a new, empty collection with its own id-map.
func (s *Store) CreateCollection(name string, kind keys.Kind) (*CollectionMeta, error) {
	return s.catalog.Create(name, kind)
}

// CollectionMeta returns the catalog entry for name, or nil if it does not
// exist. Exposed so the query planner can discover available secondary
// indexes without docstore exporting its Catalog type wholesale.
func (s *Store) CollectionMeta(name string) *CollectionMeta {
	return s.catalog.Get(name)
}

// OpenSecondaryIndex opens the named secondary index read-only (bound
// directly to the page file, not a transaction) for the query planner's
// index-seek/index-range operators.
func (s *Store) OpenSecondaryIndex(collection, field string) (*index.Index, error) {
	meta := s.catalog.Get(collection)
	if meta == nil {
		return nil, errs.New(errs.KindNotFound, "collection not found: "+collection)
	}
	for _, im := range meta.Indexes {
		if im.Field == field {
			return index.OpenIndex(s.pf, index.Def{Collection: collection, Field: field, Kind: im.Kind, Unique: im.Unique, RootPageID: im.RootPageID}), nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "no index on "+collection+"."+field)
}

// DropCollection frees every data and overflow page reachable from the
// collection's data chain and removes its catalog entry. Index pages (the
// id-map and any secondary index B-Trees) are not reclaimed: index has no
// whole-tree walk-and-free operation, a known gap noted in the design
// ledger rather than worked around here.
func (s *Store) DropCollection(name string) error {
	meta := s.catalog.Get(name)
	if meta == nil {
		return errs.New(errs.KindNotFound, "collection not found: "+name)
	}
	pageID := meta.FirstDataID
	for pageID != 0 {
		page, err := s.pf.ReadPage(pageID)
		if err != nil {
			return err
		}
		next := page.NextPageID()
		for i := 0; i < page.NumSlots(); i++ {
			fl := page.SlotFlags(i)
			if fl == storage.SlotFlagOverflow || fl == storage.SlotFlagCompOverflow {
				data, _, err := page.ReadSlot(i)
				if err == nil {
					if ptr, err := storage.DecodeOverflowPointer(data); err == nil {
						s.freeOverflowChain(ptr.FirstPage)
					}
				}
			}
		}
		if err := s.pf.FreePage(pageID); err != nil {
			return err
		}
		pageID = next
	}
	return s.catalog.Drop(name)
}

func (s *Store) freeOverflowChain(firstPage uint64) {
	pageID := firstPage
	for pageID != 0 {
		page, err := s.pf.ReadPage(pageID)
		if err != nil {
			return
		}
		next := page.NextPageID()
		_ = s.pf.FreePage(pageID)
		pageID = next
	}
}

// compressRecord mirrors the teacher's Pager.compressRecord: snappy-encode
// and keep the result only if it is actually smaller.
func compressRecord(data []byte) ([]byte, byte) {
	compressed := snappy.Encode(nil, data)
	if len(compressed) < len(data) {
		return compressed, storage.SlotFlagCompressed
	}
	return data, storage.SlotFlagActive
}

func decodeSlot(data []byte, flags byte, readOverflow func(firstPage uint64, totalLen uint32) ([]byte, error)) ([]byte, error) {
	switch flags {
	case storage.SlotFlagActive:
		return data, nil
	case storage.SlotFlagCompressed:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, errs.Wrap(errs.KindCorruption, "snappy decode", err)
		}
		return out, nil
	case storage.SlotFlagOverflow, storage.SlotFlagCompOverflow:
		ptr, err := storage.DecodeOverflowPointer(data)
		if err != nil {
			return nil, err
		}
		raw, err := readOverflow(ptr.FirstPage, ptr.TotalLen)
		if err != nil {
			return nil, err
		}
		if flags == storage.SlotFlagCompOverflow {
			out, err := snappy.Decode(nil, raw)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorruption, "snappy decode", err)
			}
			return out, nil
		}
		return raw, nil
	case storage.SlotFlagDeleted, storage.SlotFlagDelOverflow:
		return nil, errs.ErrNotFound
	default:
		return nil, errs.New(errs.KindCorruption, "unknown slot flag")
	}
}

// fitsInline reports whether data would fit, with its own slot directory
// entry, on a freshly allocated empty page of this store's page size.
func fitsInline(pageSize int, data []byte, flag byte) bool {
	scratch := storage.NewPage(make([]byte, pageSize), storage.PageTypeData, 0)
	_, ok := scratch.AppendSlot(data, flag)
	return ok
}

// insertInline walks the collection's data-page chain for the first page
// with room, allocating and linking a new one if none has space. Grounded on
// the teacher's InsertRecordAtomic chain walk.
func insertInline(tx *txn.Tx, meta *CollectionMeta, data []byte, flag byte) (DocPointer, error) {
	pageID := meta.FirstDataID
	var lastPageID uint64
	for pageID != 0 {
		page, err := tx.ReadPage(pageID)
		if err != nil {
			return DocPointer{}, err
		}
		if idx, ok := page.AppendSlot(data, flag); ok {
			if err := tx.WritePage(page); err != nil {
				return DocPointer{}, err
			}
			return DocPointer{PageID: pageID, Slot: uint16(idx)}, nil
		}
		lastPageID = pageID
		pageID = page.NextPageID()
	}

	newID, err := tx.AllocatePage(storage.PageTypeData)
	if err != nil {
		return DocPointer{}, err
	}
	if lastPageID != 0 {
		prev, err := tx.ReadPage(lastPageID)
		if err != nil {
			return DocPointer{}, err
		}
		prev.SetNextPageID(newID)
		if err := tx.WritePage(prev); err != nil {
			return DocPointer{}, err
		}
	}
	newPage, err := tx.ReadPage(newID)
	if err != nil {
		return DocPointer{}, err
	}
	idx, ok := newPage.AppendSlot(data, flag)
	if !ok {
		return DocPointer{}, errs.New(errs.KindCapacity, "record too large for a single page")
	}
	if err := tx.WritePage(newPage); err != nil {
		return DocPointer{}, err
	}
	return DocPointer{PageID: newID, Slot: uint16(idx)}, nil
}

// insertOverflow chains raw, uncompressed chunks of data across overflow
// pages, then stores the resulting pointer inline via insertInline — the
// pointer itself is always small enough to fit. Grounded on the teacher's
// insertOverflowRecord, which likewise never compresses overflow data.
func insertOverflow(tx *txn.Tx, meta *CollectionMeta, data []byte) (DocPointer, error) {
	capacity := storage.OverflowCapacity(tx.PageSize())
	var firstPage uint64
	var prevID uint64
	offset := 0
	for offset < len(data) {
		id, err := tx.AllocatePage(storage.PageTypeOverflow)
		if err != nil {
			return DocPointer{}, err
		}
		if firstPage == 0 {
			firstPage = id
		}
		if prevID != 0 {
			prev, err := tx.ReadPage(prevID)
			if err != nil {
				return DocPointer{}, err
			}
			prev.SetNextPageID(id)
			if err := tx.WritePage(prev); err != nil {
				return DocPointer{}, err
			}
		}
		page, err := tx.ReadPage(id)
		if err != nil {
			return DocPointer{}, err
		}
		end := offset + capacity
		if end > len(data) {
			end = len(data)
		}
		page.WriteOverflowChunk(data[offset:end])
		if err := tx.WritePage(page); err != nil {
			return DocPointer{}, err
		}
		offset = end
		prevID = id
	}

	ptr := storage.OverflowPointer{TotalLen: uint32(len(data)), FirstPage: firstPage}
	return insertInline(tx, meta, ptr.Encode(), storage.SlotFlagOverflow)
}

func (s *Store) readOverflowChain(firstPage uint64, totalLen uint32) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	remaining := int(totalLen)
	pageID := firstPage
	for pageID != 0 && remaining > 0 {
		page, err := s.pf.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		chunk := page.ReadOverflowChunk(remaining)
		out = append(out, chunk...)
		remaining -= len(chunk)
		pageID = page.NextPageID()
	}
	return out, nil
}

// materialize blocks until the just-committed transaction's pages are
// applied into the page file, so any reader going straight through
// storage.PageFile (as FindByID/Scan do) observes its own write immediately
// rather than waiting for the next timer/size-threshold checkpoint. Correct
// under read-committed visibility (§9 Open Question 1) at the cost of a
// checkpoint apply pass on every write transaction.
func (s *Store) materialize() error {
	if s.ckpt == nil {
		return nil
	}
	return s.ckpt.Run(checkpoint.ModeFull)
}

// Insert stores payload under id (or a freshly generated id if id is nil),
// updates the id-map, and updates every secondary index for which the
// caller supplied an encoded key in secondaryKeys. Docstore never inspects
// payload itself — secondary key extraction is the caller's codec's job
// (§9 "explicit codec interface instead of reflection").
func (s *Store) Insert(collection string, id interface{}, payload []byte, secondaryKeys map[string][]byte) ([]byte, error) {
	if err := s.locks.AcquireRecord(collection, 0); err != nil {
		return nil, errs.Wrap(errs.KindConflict, "insert: acquire collection lock", err)
	}
	defer s.locks.ReleaseRecord(collection, 0)

	meta := s.catalog.Get(collection)
	if meta == nil {
		return nil, errs.New(errs.KindNotFound, "collection not found: "+collection)
	}

	seqCounter := s.seqCounter(meta)
	gen := keys.NewGenerator(meta.KeyKind, seqCounter)
	var idBytes []byte
	var err error
	if id != nil {
		idBytes, err = gen.Encode(id)
	} else {
		idBytes, err = gen.Generate()
	}
	if err != nil {
		return nil, err
	}

	tx, err := s.txMgr.Begin()
	if err != nil {
		return nil, err
	}

	idMapIdx := index.OpenIndex(tx, index.Def{Collection: collection, Field: "_id", Kind: index.KindBTree, Unique: true, RootPageID: meta.IDMapRoot})
	if existing, _ := idMapIdx.Lookup(idBytes); len(existing) > 0 {
		tx.Abort()
		return nil, errs.ErrDuplicateKey
	}

	compressed, flag := compressRecord(payload)
	var ptr DocPointer
	if fitsInline(tx.PageSize(), compressed, flag) {
		ptr, err = insertInline(tx, meta, compressed, flag)
	} else {
		ptr, err = insertOverflow(tx, meta, payload)
	}
	if err != nil {
		tx.Abort()
		return nil, err
	}

	if err := idMapIdx.Insert(idBytes, ptr.Encode()); err != nil {
		tx.Abort()
		return nil, err
	}

	secondaryRoots := make(map[string]uint64, len(meta.Indexes))
	for _, im := range meta.Indexes {
		keyBytes, ok := secondaryKeys[im.Field]
		if !ok {
			continue
		}
		secIdx := index.OpenIndex(tx, index.Def{Collection: collection, Field: im.Field, Kind: im.Kind, Unique: im.Unique, RootPageID: im.RootPageID})
		if im.Unique {
			if existing, _ := secIdx.Lookup(keyBytes); len(existing) > 0 {
				tx.Abort()
				return nil, errs.ErrDuplicateKey
			}
		}
		if err := secIdx.Insert(keyBytes, idBytes); err != nil {
			tx.Abort()
			return nil, err
		}
		secondaryRoots[im.Field] = secIdx.RootPageID()
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if err := s.materialize(); err != nil {
		return nil, err
	}

	updated := meta.clone()
	updated.IDMapRoot = idMapIdx.RootPageID()
	updated.NextSeq = seqCounter.Load()
	for i := range updated.Indexes {
		if r, ok := secondaryRoots[updated.Indexes[i].Field]; ok {
			updated.Indexes[i].RootPageID = r
		}
	}
	if err := s.catalog.Update(updated); err != nil {
		return nil, err
	}

	s.publish(collection, changestream.OpInsert, idBytes, payload, tx.CommitLSN())
	return idBytes, nil
}

// FindByID returns the document stored under id, or errs.ErrNotFound.
func (s *Store) FindByID(collection string, id []byte) ([]byte, error) {
	meta := s.catalog.Get(collection)
	if meta == nil {
		return nil, errs.New(errs.KindNotFound, "collection not found: "+collection)
	}
	idMapIdx := index.OpenIndex(s.pf, index.Def{Collection: collection, Field: "_id", Kind: index.KindBTree, Unique: true, RootPageID: meta.IDMapRoot})
	values, err := idMapIdx.Lookup(id)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errs.ErrNotFound
	}
	ptr, err := DecodeDocPointer(values[0])
	if err != nil {
		return nil, err
	}
	page, err := s.pf.ReadPage(ptr.PageID)
	if err != nil {
		return nil, err
	}
	data, flags, err := page.ReadSlot(int(ptr.Slot))
	if err != nil {
		return nil, err
	}
	return decodeSlot(data, flags, s.readOverflowChain)
}

// Update replaces id's payload. In-place when the new encoded slot is the
// same size as the old one, delete-then-reinsert otherwise, matching the
// teacher's UpdateRecordAtomic fallback exactly. secondaryKeys describes the
// document's new field values; old entries for the same fields are removed
// first if oldSecondaryKeys is supplied.
func (s *Store) Update(collection string, id []byte, payload []byte, oldSecondaryKeys, newSecondaryKeys map[string][]byte) error {
	if err := s.locks.AcquireRecord(collection, 0); err != nil {
		return errs.Wrap(errs.KindConflict, "update: acquire collection lock", err)
	}
	defer s.locks.ReleaseRecord(collection, 0)

	meta := s.catalog.Get(collection)
	if meta == nil {
		return errs.New(errs.KindNotFound, "collection not found: "+collection)
	}

	tx, err := s.txMgr.Begin()
	if err != nil {
		return err
	}

	idMapIdx := index.OpenIndex(tx, index.Def{Collection: collection, Field: "_id", Kind: index.KindBTree, Unique: true, RootPageID: meta.IDMapRoot})
	values, err := idMapIdx.Lookup(id)
	if err != nil || len(values) == 0 {
		tx.Abort()
		return errs.ErrNotFound
	}
	oldPtr, err := DecodeDocPointer(values[0])
	if err != nil {
		tx.Abort()
		return err
	}

	compressed, flag := compressRecord(payload)
	page, err := tx.ReadPage(oldPtr.PageID)
	if err != nil {
		tx.Abort()
		return err
	}
	_, oldFlags, err := page.ReadSlot(int(oldPtr.Slot))
	if err != nil {
		tx.Abort()
		return err
	}

	var newPtr DocPointer
	// UpdateSlotInPlace cannot change a slot's flag byte, so an in-place
	// rewrite is only valid when both the length and the compressed/overflow
	// flag are unchanged; anything else falls through to delete+reinsert.
	if oldFlags == flag && page.UpdateSlotInPlace(int(oldPtr.Slot), compressed) {
		if err := tx.WritePage(page); err != nil {
			tx.Abort()
			return err
		}
		newPtr = oldPtr
	} else {
		if oldFlags == storage.SlotFlagOverflow || oldFlags == storage.SlotFlagCompOverflow {
			oldData, _, _ := page.ReadSlot(int(oldPtr.Slot))
			if oldOverflow, err := storage.DecodeOverflowPointer(oldData); err == nil {
				freeOverflowChainTx(tx, oldOverflow.FirstPage)
			}
		}
		page.MarkSlotDeleted(int(oldPtr.Slot))
		if err := tx.WritePage(page); err != nil {
			tx.Abort()
			return err
		}
		if fitsInline(tx.PageSize(), compressed, flag) {
			newPtr, err = insertInline(tx, meta, compressed, flag)
		} else {
			newPtr, err = insertOverflow(tx, meta, payload)
		}
		if err != nil {
			tx.Abort()
			return err
		}
		if err := idMapIdx.Remove(id, oldPtr.Encode()); err != nil {
			tx.Abort()
			return err
		}
		if err := idMapIdx.Insert(id, newPtr.Encode()); err != nil {
			tx.Abort()
			return err
		}
	}

	secondaryRoots := make(map[string]uint64, len(meta.Indexes))
	for _, im := range meta.Indexes {
		oldKey, hadOld := oldSecondaryKeys[im.Field]
		newKey, hasNew := newSecondaryKeys[im.Field]
		if !hadOld && !hasNew {
			continue
		}
		secIdx := index.OpenIndex(tx, index.Def{Collection: collection, Field: im.Field, Kind: im.Kind, Unique: im.Unique, RootPageID: im.RootPageID})
		if hadOld {
			_ = secIdx.Remove(oldKey, id)
		}
		if hasNew {
			if im.Unique {
				if existing, _ := secIdx.Lookup(newKey); len(existing) > 0 {
					tx.Abort()
					return errs.ErrDuplicateKey
				}
			}
			if err := secIdx.Insert(newKey, id); err != nil {
				tx.Abort()
				return err
			}
		}
		secondaryRoots[im.Field] = secIdx.RootPageID()
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if err := s.materialize(); err != nil {
		return err
	}

	updated := meta.clone()
	updated.IDMapRoot = idMapIdx.RootPageID()
	for i := range updated.Indexes {
		if r, ok := secondaryRoots[updated.Indexes[i].Field]; ok {
			updated.Indexes[i].RootPageID = r
		}
	}
	if err := s.catalog.Update(updated); err != nil {
		return err
	}

	s.publish(collection, changestream.OpUpdate, id, payload, tx.CommitLSN())
	return nil
}

func freeOverflowChainTx(tx *txn.Tx, firstPage uint64) {
	pageID := firstPage
	for pageID != 0 {
		page, err := tx.ReadPage(pageID)
		if err != nil {
			return
		}
		next := page.NextPageID()
		_ = tx.FreePage(pageID)
		pageID = next
	}
}

// Delete tombstones id's slot, frees its overflow chain if any, and removes
// it from the id-map and every secondary index named in secondaryKeys.
func (s *Store) Delete(collection string, id []byte, secondaryKeys map[string][]byte) error {
	if err := s.locks.AcquireRecord(collection, 0); err != nil {
		return errs.Wrap(errs.KindConflict, "delete: acquire collection lock", err)
	}
	defer s.locks.ReleaseRecord(collection, 0)

	meta := s.catalog.Get(collection)
	if meta == nil {
		return errs.New(errs.KindNotFound, "collection not found: "+collection)
	}

	tx, err := s.txMgr.Begin()
	if err != nil {
		return err
	}

	idMapIdx := index.OpenIndex(tx, index.Def{Collection: collection, Field: "_id", Kind: index.KindBTree, Unique: true, RootPageID: meta.IDMapRoot})
	values, err := idMapIdx.Lookup(id)
	if err != nil || len(values) == 0 {
		tx.Abort()
		return errs.ErrNotFound
	}
	ptr, err := DecodeDocPointer(values[0])
	if err != nil {
		tx.Abort()
		return err
	}

	page, err := tx.ReadPage(ptr.PageID)
	if err != nil {
		tx.Abort()
		return err
	}
	data, flags, err := page.ReadSlot(int(ptr.Slot))
	if err != nil {
		tx.Abort()
		return err
	}
	if flags == storage.SlotFlagOverflow || flags == storage.SlotFlagCompOverflow {
		if overflowPtr, err := storage.DecodeOverflowPointer(data); err == nil {
			freeOverflowChainTx(tx, overflowPtr.FirstPage)
		}
	}
	page.MarkSlotDeleted(int(ptr.Slot))
	if err := tx.WritePage(page); err != nil {
		tx.Abort()
		return err
	}

	if err := idMapIdx.Remove(id, values[0]); err != nil {
		tx.Abort()
		return err
	}

	secondaryRoots := make(map[string]uint64, len(meta.Indexes))
	for _, im := range meta.Indexes {
		key, ok := secondaryKeys[im.Field]
		if !ok {
			continue
		}
		secIdx := index.OpenIndex(tx, index.Def{Collection: collection, Field: im.Field, Kind: im.Kind, Unique: im.Unique, RootPageID: im.RootPageID})
		if err := secIdx.Remove(key, id); err != nil {
			tx.Abort()
			return err
		}
		secondaryRoots[im.Field] = secIdx.RootPageID()
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if err := s.materialize(); err != nil {
		return err
	}

	updated := meta.clone()
	updated.IDMapRoot = idMapIdx.RootPageID()
	for i := range updated.Indexes {
		if r, ok := secondaryRoots[updated.Indexes[i].Field]; ok {
			updated.Indexes[i].RootPageID = r
		}
	}
	if err := s.catalog.Update(updated); err != nil {
		return err
	}

	s.publish(collection, changestream.OpDelete, id, nil, tx.CommitLSN())
	return nil
}

// Document is one (id, payload) pair yielded by Scan.
type Document struct {
	ID      []byte
	Payload []byte
}

// Scan walks the entire id-map in key order, decoding every live document.
// The query executor's collection-scan physical operator is built on top of
// this.
func (s *Store) Scan(collection string) ([]Document, error) {
	meta := s.catalog.Get(collection)
	if meta == nil {
		return nil, errs.New(errs.KindNotFound, "collection not found: "+collection)
	}
	idMapIdx := index.OpenIndex(s.pf, index.Def{Collection: collection, Field: "_id", Kind: index.KindBTree, Unique: true, RootPageID: meta.IDMapRoot})
	entries, err := idMapIdx.AllEntries()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for idStr := range entries {
		ids = append(ids, idStr)
	}
	sort.Strings(ids)
	out := make([]Document, 0, len(entries))
	for _, idStr := range ids {
		values := entries[idStr]
		if len(values) == 0 {
			continue
		}
		ptr, err := DecodeDocPointer(values[0])
		if err != nil {
			return nil, err
		}
		page, err := s.pf.ReadPage(ptr.PageID)
		if err != nil {
			return nil, err
		}
		data, flags, err := page.ReadSlot(int(ptr.Slot))
		if err != nil {
			return nil, err
		}
		payload, err := decodeSlot(data, flags, s.readOverflowChain)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, Document{ID: []byte(idStr), Payload: payload})
	}
	return out, nil
}

// Count returns the number of live documents in collection.
func (s *Store) Count(collection string) (uint64, error) {
	docs, err := s.Scan(collection)
	if err != nil {
		return 0, err
	}
	return uint64(len(docs)), nil
}

// BulkInsertItem is one entry in a BulkInsert stream.
type BulkInsertItem struct {
	ID            interface{}
	Payload       []byte
	SecondaryKeys map[string][]byte
}

// BulkInsert inserts every item, stopping at the first error. Each item is
// its own transaction: a partial failure partway through leaves every prior
// item durably committed, which is the right trade for a streaming bulk-load
// API where the caller is expected to retry or skip the failed item rather
// than roll back an unbounded amount of prior work.
func (s *Store) BulkInsert(collection string, items []BulkInsertItem) ([][]byte, error) {
	ids := make([][]byte, 0, len(items))
	for _, item := range items {
		id, err := s.Insert(collection, item.ID, item.Payload, item.SecondaryKeys)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CreateIndex builds a brand new secondary index over field and registers it
// in the catalog. Existing documents are not backfilled — CreateIndex is
// meant to run against an empty or freshly-created collection; backfilling a
// populated one is left to the caller (Scan + Insert-like upserts into the
// new index), matching the teacher's CREATE INDEX, which likewise only
// indexes rows inserted after the index exists in the SQL-surface layer this
// spec drops.
func (s *Store) CreateIndex(collection, field string, kind index.Kind, unique bool) error {
	meta := s.catalog.Get(collection)
	if meta == nil {
		return errs.New(errs.KindNotFound, "collection not found: "+collection)
	}
	for _, im := range meta.Indexes {
		if im.Field == field {
			return errs.New(errs.KindSchemaMismatch, "index already exists on "+collection+"."+field)
		}
	}
	idx, err := index.New(s.pf, index.Def{Collection: collection, Field: field, Kind: kind, Unique: unique})
	if err != nil {
		return err
	}
	updated := meta.clone()
	updated.Indexes = append(updated.Indexes, IndexMeta{Field: field, Kind: kind, Unique: unique, RootPageID: idx.RootPageID()})
	return s.catalog.Update(updated)
}

// compactTarget is one live document located on a page being compacted.
type compactTarget struct {
	id      []byte
	oldSlot uint16
}

// Compact coalesces tombstoned slots on every page in collection's
// inline data-page chain, the collection-level extension of
// storage.Page.Compact's page-local slot compaction — the teacher's
// Pager.VacuumCollection, split out of the pager the way every other
// teacher Pager responsibility was split into its own component here. It
// walks the chain from the collection's CollectionMeta.FirstDataID,
// compacting each page and rewriting the id-map's DocPointer for every
// document whose slot index shifted; a page left with zero live slots is
// unlinked from the chain and returned to the page file's free list.
// Secondary indexes store (key -> id), not (key -> DocPointer) — see
// Update/Delete above — so they never need touching here: only the id-map
// and the collection's data-page chain change.
//
// It returns the total bytes reclaimed across every page touched.
func (s *Store) Compact(collection string) (int, error) {
	if err := s.locks.AcquireRecord(collection, 0); err != nil {
		return 0, errs.Wrap(errs.KindConflict, "compact: acquire collection lock", err)
	}
	defer s.locks.ReleaseRecord(collection, 0)

	meta := s.catalog.Get(collection)
	if meta == nil {
		return 0, errs.New(errs.KindNotFound, "collection not found: "+collection)
	}

	tx, err := s.txMgr.Begin()
	if err != nil {
		return 0, err
	}

	idMapIdx := index.OpenIndex(tx, index.Def{Collection: collection, Field: "_id", Kind: index.KindBTree, Unique: true, RootPageID: meta.IDMapRoot})
	entries, err := idMapIdx.AllEntries()
	if err != nil {
		tx.Abort()
		return 0, err
	}

	byPage := make(map[uint64][]compactTarget)
	oldPtrByID := make(map[string]DocPointer, len(entries))
	for idStr, values := range entries {
		if len(values) == 0 {
			continue
		}
		ptr, err := DecodeDocPointer(values[0])
		if err != nil {
			tx.Abort()
			return 0, err
		}
		byPage[ptr.PageID] = append(byPage[ptr.PageID], compactTarget{id: []byte(idStr), oldSlot: ptr.Slot})
		oldPtrByID[idStr] = ptr
	}

	reclaimed := 0
	newFirstDataID := meta.FirstDataID
	changedIDMap := false
	var prevID uint64
	pageID := meta.FirstDataID
	for pageID != 0 {
		page, err := tx.ReadPage(pageID)
		if err != nil {
			tx.Abort()
			return 0, err
		}
		nextID := page.NextPageID()

		freed := page.Compact()
		if freed > 0 {
			reclaimed += freed
			if err := tx.WritePage(page); err != nil {
				tx.Abort()
				return 0, err
			}
			if targets, ok := byPage[pageID]; ok {
				sort.Slice(targets, func(i, j int) bool { return targets[i].oldSlot < targets[j].oldSlot })
				// page.Compact() preserves the relative order of surviving
				// slots, so the Nth entry in targets (sorted by its
				// pre-compaction slot) now sits at slot N.
				for newSlot, target := range targets {
					newPtr := DocPointer{PageID: pageID, Slot: uint16(newSlot)}
					if newPtr == oldPtrByID[string(target.id)] {
						continue
					}
					changedIDMap = true
					if err := idMapIdx.Remove(target.id, oldPtrByID[string(target.id)].Encode()); err != nil {
						tx.Abort()
						return 0, err
					}
					if err := idMapIdx.Insert(target.id, newPtr.Encode()); err != nil {
						tx.Abort()
						return 0, err
					}
				}
			}
		}

		if page.NumSlots() == 0 {
			if prevID == 0 {
				newFirstDataID = nextID
			} else {
				prevPage, err := tx.ReadPage(prevID)
				if err != nil {
					tx.Abort()
					return 0, err
				}
				prevPage.SetNextPageID(nextID)
				if err := tx.WritePage(prevPage); err != nil {
					tx.Abort()
					return 0, err
				}
			}
			if err := tx.FreePage(pageID); err != nil {
				tx.Abort()
				return 0, err
			}
		} else {
			prevID = pageID
		}
		pageID = nextID
	}

	if reclaimed == 0 && !changedIDMap && newFirstDataID == meta.FirstDataID {
		tx.Abort()
		return 0, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := s.materialize(); err != nil {
		return 0, err
	}

	updated := meta.clone()
	updated.IDMapRoot = idMapIdx.RootPageID()
	updated.FirstDataID = newFirstDataID
	if err := s.catalog.Update(updated); err != nil {
		return 0, err
	}

	return reclaimed, nil
}
