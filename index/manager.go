package index

import (
	"fmt"
	"sync"

	"github.com/foliadb/foliadb/errs"
)

// Kind identifies how an index's keys should be compared and what physical
// structure backs it. KindBTree is the only kind with a real implementation
// in this engine; the others are named here so the catalog format and the
// query planner already have a stable home for them, the same pluggability
// shape the teacher's engine/optimizer.go leaves for future access paths.
type Kind string

const (
	KindBTree  Kind = "btree"
	KindSpatial Kind = "spatial" // not implemented: no R-tree page format yet
	KindVector  Kind = "vector"  // not implemented: no ANN page format yet
)

// Def describes one index as recorded in the collection catalog.
type Def struct {
	Collection string
	Field      string // "_id" for the id-map
	Kind       Kind
	Unique     bool
	RootPageID uint64
}

// Index wraps one B-Tree with its collection/field identity and a lock
// guarding concurrent tree mutation (tree structure changes — splits — are
// not safe for concurrent writers without it).
type Index struct {
	Def Def
	bt  *BTree
	mu  sync.RWMutex
}

// New creates a brand new, empty index.
func New(src PageSource, def Def) (*Index, error) {
	if def.Kind != KindBTree {
		return nil, errs.New(errs.KindSchemaMismatch, fmt.Sprintf("index kind %q not implemented", def.Kind))
	}
	bt, err := NewBTree(src, def.Unique)
	if err != nil {
		return nil, err
	}
	def.RootPageID = bt.RootPageID
	return &Index{Def: def, bt: bt}, nil
}

// Open attaches an Index wrapper to an existing B-Tree root.
func OpenIndex(src PageSource, def Def) *Index {
	return &Index{Def: def, bt: Open(src, def.RootPageID, def.Unique)}
}

func (idx *Index) RootPageID() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.bt.RootPageID
}

// Insert adds key -> value. For a unique index, callers must Lookup first
// under the same latch and reject a pre-existing key themselves — the tree
// has no opinion on uniqueness.
func (idx *Index) Insert(key, value []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.bt.Insert(key, value)
}

func (idx *Index) Remove(key, value []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.bt.Remove(key, value)
}

func (idx *Index) Lookup(key []byte) ([][]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.bt.Lookup(key)
}

func (idx *Index) RangeScan(min, max []byte) ([]Entry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.bt.RangeScan(min, max)
}

func (idx *Index) AllEntries() (map[string][][]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.bt.AllEntries()
}

// Manager owns every index (id-map and secondary) for every collection in
// the engine, grounded on the teacher's index.Manager shape.
type Manager struct {
	mu      sync.RWMutex
	indexes map[defKey]*Index
	src     PageSource
}

type defKey struct {
	collection string
	field      string
}

func NewManager(src PageSource) *Manager {
	return &Manager{indexes: make(map[defKey]*Index), src: src}
}

func (m *Manager) key(collection, field string) defKey { return defKey{collection, field} }

// Create allocates and registers a brand new index.
func (m *Manager) Create(def Def) (*Index, error) {
	k := m.key(def.Collection, def.Field)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.indexes[k]; exists {
		return nil, errs.New(errs.KindSchemaMismatch, fmt.Sprintf("index on %s.%s already exists", def.Collection, def.Field))
	}
	idx, err := New(m.src, def)
	if err != nil {
		return nil, err
	}
	m.indexes[k] = idx
	return idx, nil
}

// Attach registers an index whose root page id is already known (startup
// recovery path, reading the catalog).
func (m *Manager) Attach(def Def) *Index {
	k := m.key(def.Collection, def.Field)
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := OpenIndex(m.src, def)
	m.indexes[k] = idx
	return idx
}

func (m *Manager) Drop(collection, field string) error {
	k := m.key(collection, field)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.indexes[k]; !exists {
		return errs.New(errs.KindNotFound, fmt.Sprintf("index on %s.%s not found", collection, field))
	}
	delete(m.indexes, k)
	return nil
}

func (m *Manager) Get(collection, field string) *Index {
	k := m.key(collection, field)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexes[k]
}

func (m *Manager) DropAllForCollection(collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.indexes {
		if k.collection == collection {
			delete(m.indexes, k)
		}
	}
}

func (m *Manager) ForCollection(collection string) []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Index
	for k, idx := range m.indexes {
		if k.collection == collection {
			out = append(out, idx)
		}
	}
	return out
}
