// Package index implements the on-disk B-Tree used for both the per-collection
// id-map and secondary indexes. Grounded on the teacher's index/btree.go: one
// node per page, leaves chained for range scans, whole-node decode/mutate/
// re-encode on every write. Generalized from string keys and a single uint64
// record id per Entry to arbitrary []byte keys and []byte values, so the same
// tree serves an id-map (key -> overflow/slot pointer) and a secondary index
// (encoded field value -> document id, possibly several ids per key).
package index

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/foliadb/foliadb/storage"
)

// PageSource is the subset of storage.PageFile (or a staged transaction) a
// BTree needs. storage.PageFile satisfies this directly; txn.Tx satisfies it
// by staging page images in its write-set instead of touching the durable
// file immediately.
type PageSource interface {
	ReadPage(id uint64) (*storage.Page, error)
	WritePage(p *storage.Page) error
	AllocatePage(t storage.PageType) (uint64, error)
	FreePage(id uint64) error
	PageSize() int
}

const (
	nodeHeaderOff  = storage.PageHeaderSize // byte offset: uint16 numEntries
	nodeDataOffset = nodeHeaderOff + 2
)

// Entry is one (key, value) pair stored in a leaf.
type Entry struct {
	Key   []byte
	Value []byte
}

// internalNode is an internal node decoded into memory: len(children) ==
// len(keys)+1.
type internalNode struct {
	keys     [][]byte
	children []uint64
}

// BTree is a B+ tree rooted at RootPageID, backed by a PageSource.
type BTree struct {
	RootPageID uint64
	src        PageSource
	unique     bool
}

// NewBTree allocates a fresh, empty B-Tree (a single empty leaf as root).
func NewBTree(src PageSource, unique bool) (*BTree, error) {
	rootID, err := src.AllocatePage(storage.PageTypeIndexLeaf)
	if err != nil {
		return nil, err
	}
	page, err := src.ReadPage(rootID)
	if err != nil {
		return nil, err
	}
	writeLeafNode(page, nil, 0)
	if err := src.WritePage(page); err != nil {
		return nil, err
	}
	return &BTree{RootPageID: rootID, src: src, unique: unique}, nil
}

// Open attaches to an existing B-Tree given its root page id.
func Open(src PageSource, rootPageID uint64, unique bool) *BTree {
	return &BTree{RootPageID: rootPageID, src: src, unique: unique}
}

func (bt *BTree) maxLeafPayload() int     { return bt.src.PageSize() - int(nodeDataOffset) }
func (bt *BTree) maxInternalPayload() int { return bt.src.PageSize() - int(nodeDataOffset) }

// ---------- node encode/decode ----------

func numEntries(page *storage.Page) int {
	return int(binary.LittleEndian.Uint16(page.Data[nodeHeaderOff:]))
}

func setNumEntries(page *storage.Page, n int) {
	binary.LittleEndian.PutUint16(page.Data[nodeHeaderOff:], uint16(n))
}

func readLeafEntries(page *storage.Page) []Entry {
	n := numEntries(page)
	out := make([]Entry, 0, n)
	off := nodeDataOffset
	for i := 0; i < n; i++ {
		kl := binary.LittleEndian.Uint32(page.Data[off:])
		off += 4
		key := append([]byte(nil), page.Data[off:off+int(kl)]...)
		off += int(kl)
		vl := binary.LittleEndian.Uint32(page.Data[off:])
		off += 4
		val := append([]byte(nil), page.Data[off:off+int(vl)]...)
		off += int(vl)
		out = append(out, Entry{Key: key, Value: val})
	}
	return out
}

func writeLeafNode(page *storage.Page, entries []Entry, nextLeaf uint64) {
	page.SetType(storage.PageTypeIndexLeaf)
	page.SetNextPageID(nextLeaf)
	setNumEntries(page, len(entries))
	off := nodeDataOffset
	for _, e := range entries {
		binary.LittleEndian.PutUint32(page.Data[off:], uint32(len(e.Key)))
		off += 4
		copy(page.Data[off:], e.Key)
		off += len(e.Key)
		binary.LittleEndian.PutUint32(page.Data[off:], uint32(len(e.Value)))
		off += 4
		copy(page.Data[off:], e.Value)
		off += len(e.Value)
	}
}

func leafEntriesSize(entries []Entry) int {
	s := 0
	for _, e := range entries {
		s += 8 + len(e.Key) + len(e.Value)
	}
	return s
}

func readInternalNode(page *storage.Page) internalNode {
	n := numEntries(page)
	node := internalNode{keys: make([][]byte, 0, n), children: make([]uint64, 0, n+1)}
	off := nodeDataOffset
	child0 := binary.LittleEndian.Uint64(page.Data[off:])
	off += 8
	node.children = append(node.children, child0)
	for i := 0; i < n; i++ {
		kl := binary.LittleEndian.Uint32(page.Data[off:])
		off += 4
		key := append([]byte(nil), page.Data[off:off+int(kl)]...)
		off += int(kl)
		child := binary.LittleEndian.Uint64(page.Data[off:])
		off += 8
		node.keys = append(node.keys, key)
		node.children = append(node.children, child)
	}
	return node
}

func writeInternalNode(page *storage.Page, node internalNode) {
	page.SetType(storage.PageTypeIndexInternal)
	setNumEntries(page, len(node.keys))
	off := nodeDataOffset
	binary.LittleEndian.PutUint64(page.Data[off:], node.children[0])
	off += 8
	for i, key := range node.keys {
		binary.LittleEndian.PutUint32(page.Data[off:], uint32(len(key)))
		off += 4
		copy(page.Data[off:], key)
		off += len(key)
		binary.LittleEndian.PutUint64(page.Data[off:], node.children[i+1])
		off += 8
	}
}

func internalNodeSize(node internalNode) int {
	s := 8
	for _, k := range node.keys {
		s += 4 + len(k) + 8
	}
	return s
}

// ---------- search ----------

func (bt *BTree) isLeaf(page *storage.Page) bool { return page.Type() == storage.PageTypeIndexLeaf }

func (bt *BTree) findLeaf(key []byte) (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.src.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		if bt.isLeaf(page) {
			return page, nil
		}
		node := readInternalNode(page)
		idx := sort.Search(len(node.keys), func(i int) bool {
			return bytes.Compare(node.keys[i], key) > 0
		})
		pageID = node.children[idx]
	}
}

func (bt *BTree) findLeftmostLeaf() (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.src.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		if bt.isLeaf(page) {
			return page, nil
		}
		node := readInternalNode(page)
		pageID = node.children[0]
	}
}

// Lookup returns every value stored under key.
func (bt *BTree) Lookup(key []byte) ([][]byte, error) {
	page, err := bt.findLeaf(key)
	if err != nil {
		return nil, err
	}
	var result [][]byte
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			c := bytes.Compare(e.Key, key)
			if c == 0 {
				result = append(result, e.Value)
			} else if c > 0 {
				return result, nil
			}
		}
		next := page.NextPageID()
		if next == 0 {
			break
		}
		if page, err = bt.src.ReadPage(next); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// RangeScan returns every (key, value) pair with minKey <= key <= maxKey. A
// nil bound is unbounded on that side.
func (bt *BTree) RangeScan(minKey, maxKey []byte) ([]Entry, error) {
	var page *storage.Page
	var err error
	if minKey != nil {
		page, err = bt.findLeaf(minKey)
	} else {
		page, err = bt.findLeftmostLeaf()
	}
	if err != nil {
		return nil, err
	}
	var result []Entry
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			if minKey != nil && bytes.Compare(e.Key, minKey) < 0 {
				continue
			}
			if maxKey != nil && bytes.Compare(e.Key, maxKey) > 0 {
				return result, nil
			}
			result = append(result, e)
		}
		next := page.NextPageID()
		if next == 0 {
			break
		}
		if page, err = bt.src.ReadPage(next); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ---------- insert ----------

type splitResult struct {
	key       []byte
	newPageID uint64
}

// ErrDuplicateUniqueKey-style conflicts are reported by callers inspecting
// Lookup before Insert; the tree itself never rejects a duplicate key, so a
// unique secondary index enforces uniqueness at the docstore layer, which
// looks the key up before inserting while it holds the collection's lock.

// Insert adds (key, value) to the tree. Non-unique trees may hold several
// values under the same key.
func (bt *BTree) Insert(key, value []byte) error {
	split, err := bt.insertRecursive(bt.RootPageID, key, value)
	if err != nil {
		return err
	}
	if split != nil {
		newRootID, err := bt.src.AllocatePage(storage.PageTypeIndexInternal)
		if err != nil {
			return err
		}
		newRoot, err := bt.src.ReadPage(newRootID)
		if err != nil {
			return err
		}
		writeInternalNode(newRoot, internalNode{
			keys:     [][]byte{split.key},
			children: []uint64{bt.RootPageID, split.newPageID},
		})
		if err := bt.src.WritePage(newRoot); err != nil {
			return err
		}
		bt.RootPageID = newRootID
	}
	return nil
}

func (bt *BTree) insertRecursive(pageID uint64, key, value []byte) (*splitResult, error) {
	page, err := bt.src.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	if bt.isLeaf(page) {
		return bt.insertIntoLeaf(page, key, value)
	}
	node := readInternalNode(page)
	idx := sort.Search(len(node.keys), func(i int) bool {
		return bytes.Compare(node.keys[i], key) > 0
	})
	childSplit, err := bt.insertRecursive(node.children[idx], key, value)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return bt.insertIntoInternal(page, node, idx, childSplit)
}

func (bt *BTree) insertIntoLeaf(page *storage.Page, key, value []byte) (*splitResult, error) {
	entries := readLeafEntries(page)
	nextLeaf := page.NextPageID()

	pos := sort.Search(len(entries), func(i int) bool {
		c := bytes.Compare(entries[i].Key, key)
		if c == 0 {
			return bytes.Compare(entries[i].Value, value) >= 0
		}
		return c >= 0
	})
	entries = append(entries, Entry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = Entry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}

	if leafEntriesSize(entries) <= bt.maxLeafPayload() {
		writeLeafNode(page, entries, nextLeaf)
		return nil, bt.src.WritePage(page)
	}

	mid := len(entries) / 2
	left := entries[:mid]
	right := make([]Entry, len(entries)-mid)
	copy(right, entries[mid:])

	newPageID, err := bt.src.AllocatePage(storage.PageTypeIndexLeaf)
	if err != nil {
		return nil, err
	}
	newPage, err := bt.src.ReadPage(newPageID)
	if err != nil {
		return nil, err
	}
	writeLeafNode(newPage, right, nextLeaf)
	if err := bt.src.WritePage(newPage); err != nil {
		return nil, err
	}

	leftCopy := make([]Entry, len(left))
	copy(leftCopy, left)
	writeLeafNode(page, leftCopy, newPageID)
	if err := bt.src.WritePage(page); err != nil {
		return nil, err
	}

	return &splitResult{key: right[0].Key, newPageID: newPageID}, nil
}

func (bt *BTree) insertIntoInternal(page *storage.Page, node internalNode, childIdx int, split *splitResult) (*splitResult, error) {
	node.keys = append(node.keys, nil)
	copy(node.keys[childIdx+1:], node.keys[childIdx:])
	node.keys[childIdx] = split.key

	node.children = append(node.children, 0)
	copy(node.children[childIdx+2:], node.children[childIdx+1:])
	node.children[childIdx+1] = split.newPageID

	if internalNodeSize(node) <= bt.maxInternalPayload() {
		writeInternalNode(page, node)
		return nil, bt.src.WritePage(page)
	}

	mid := len(node.keys) / 2
	pushUpKey := node.keys[mid]

	left := internalNode{keys: append([][]byte(nil), node.keys[:mid]...), children: append([]uint64(nil), node.children[:mid+1]...)}
	right := internalNode{keys: append([][]byte(nil), node.keys[mid+1:]...), children: append([]uint64(nil), node.children[mid+1:]...)}

	newPageID, err := bt.src.AllocatePage(storage.PageTypeIndexInternal)
	if err != nil {
		return nil, err
	}
	newPage, err := bt.src.ReadPage(newPageID)
	if err != nil {
		return nil, err
	}
	writeInternalNode(newPage, right)
	if err := bt.src.WritePage(newPage); err != nil {
		return nil, err
	}
	writeInternalNode(page, left)
	if err := bt.src.WritePage(page); err != nil {
		return nil, err
	}

	return &splitResult{key: pushUpKey, newPageID: newPageID}, nil
}

// ---------- remove ----------

// Remove deletes the (key, value) pair. No rebalancing is performed, and a
// leaf left empty stays in the tree: docstore compaction frees data pages
// only, never index pages.
func (bt *BTree) Remove(key, value []byte) error {
	page, err := bt.findLeaf(key)
	if err != nil {
		return err
	}
	entries := readLeafEntries(page)
	nextLeaf := page.NextPageID()
	for i, e := range entries {
		if bytes.Equal(e.Key, key) && bytes.Equal(e.Value, value) {
			entries = append(entries[:i], entries[i+1:]...)
			writeLeafNode(page, entries, nextLeaf)
			return bt.src.WritePage(page)
		}
	}
	return nil
}

// AllEntries walks every leaf and returns the full key -> values map. Used
// by tests and by docstore's Scan and Compact.
func (bt *BTree) AllEntries() (map[string][][]byte, error) {
	page, err := bt.findLeftmostLeaf()
	if err != nil {
		return nil, err
	}
	result := make(map[string][][]byte)
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			k := string(e.Key)
			result[k] = append(result[k], e.Value)
		}
		next := page.NextPageID()
		if next == 0 {
			break
		}
		if page, err = bt.src.ReadPage(next); err != nil {
			return nil, err
		}
	}
	return result, nil
}
