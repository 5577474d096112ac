// Package storage implements the paged file, the slot directory, and the
// write-ahead log: the durable substrate everything else in this module is
// built on.
package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// PageHeaderSize is the fixed 32-byte header every page carries, laid out
// exactly as specified on the wire:
//
//	page_id (u64) | page_type (u16) | free_bytes (u16) | next_page_id (u64) | txn_id (u64) | checksum (u32)
const PageHeaderSize = 32

// PageType identifies the logical contents of a page.
type PageType uint16

const (
	PageTypeMeta PageType = iota
	PageTypeData
	PageTypeIndexInternal
	PageTypeIndexLeaf
	PageTypeFreeList
	PageTypeOverflow
	PageTypeIDMap
)

func (t PageType) String() string {
	switch t {
	case PageTypeMeta:
		return "meta"
	case PageTypeData:
		return "data"
	case PageTypeIndexInternal:
		return "index-internal"
	case PageTypeIndexLeaf:
		return "index-leaf"
	case PageTypeFreeList:
		return "free-list"
	case PageTypeOverflow:
		return "overflow"
	case PageTypeIDMap:
		return "id-map"
	default:
		return "unknown"
	}
}

const (
	hdrOffPageID     = 0
	hdrOffPageType   = 8
	hdrOffFreeBytes  = 10
	hdrOffNextPageID = 12
	hdrOffTxnID      = 20
	hdrOffChecksum   = 28
)

// Page is a thin view over one fixed-size page. Data may be a zero-copy slice
// into the page file's memory mapping, or an owned buffer for pages staged in
// a transaction's write-set — both share the same accessors.
type Page struct {
	Data []byte
}

// NewPage initializes a fresh page of len(data) bytes in place.
func NewPage(data []byte, pageType PageType, pageID uint64) *Page {
	p := &Page{Data: data}
	p.SetPageID(pageID)
	p.SetType(pageType)
	p.SetNextPageID(0)
	p.SetTxnID(0)
	if pageType == PageTypeData || pageType == PageTypeIndexInternal || pageType == PageTypeIndexLeaf || pageType == PageTypeIDMap {
		setNumSlots(p.Data, 0)
		setDataEnd(p.Data, PageHeaderSize+miniHeaderSize)
	}
	p.SetFreeBytes(uint16(clampFreeBytes(p.freeSpace())))
	return p
}

func (p *Page) PageID() uint64 {
	return binary.LittleEndian.Uint64(p.Data[hdrOffPageID:])
}

func (p *Page) SetPageID(id uint64) {
	binary.LittleEndian.PutUint64(p.Data[hdrOffPageID:], id)
}

func (p *Page) Type() PageType {
	return PageType(binary.LittleEndian.Uint16(p.Data[hdrOffPageType:]))
}

func (p *Page) SetType(t PageType) {
	binary.LittleEndian.PutUint16(p.Data[hdrOffPageType:], uint16(t))
}

func (p *Page) FreeBytes() uint16 {
	return binary.LittleEndian.Uint16(p.Data[hdrOffFreeBytes:])
}

func (p *Page) SetFreeBytes(n uint16) {
	binary.LittleEndian.PutUint16(p.Data[hdrOffFreeBytes:], n)
}

func (p *Page) NextPageID() uint64 {
	return binary.LittleEndian.Uint64(p.Data[hdrOffNextPageID:])
}

func (p *Page) SetNextPageID(id uint64) {
	binary.LittleEndian.PutUint64(p.Data[hdrOffNextPageID:], id)
}

func (p *Page) TxnID() uint64 {
	return binary.LittleEndian.Uint64(p.Data[hdrOffTxnID:])
}

func (p *Page) SetTxnID(id uint64) {
	binary.LittleEndian.PutUint64(p.Data[hdrOffTxnID:], id)
}

func (p *Page) Checksum() uint32 {
	return binary.LittleEndian.Uint32(p.Data[hdrOffChecksum:])
}

func (p *Page) SetChecksum(c uint32) {
	binary.LittleEndian.PutUint32(p.Data[hdrOffChecksum:], c)
}

// ComputeChecksum hashes the page payload (everything after the header).
func (p *Page) ComputeChecksum() uint32 {
	return crc32.ChecksumIEEE(p.Data[PageHeaderSize:])
}

// Seal recomputes and stores the checksum; call after any mutation and
// before the page is handed to the WAL or the page file.
func (p *Page) Seal() {
	p.SetChecksum(p.ComputeChecksum())
}

// VerifyChecksum reports whether the stored checksum matches the payload.
func (p *Page) VerifyChecksum() bool {
	return p.Checksum() == p.ComputeChecksum()
}

func clampFreeBytes(n int) int {
	if n < 0 {
		return 0
	}
	if n > 0xFFFF {
		return 0xFFFF
	}
	return n
}

// ---------- slot directory (data / index / id-map pages) ----------
//
// Layout after the 32-byte page header:
//
//	[numSlots:uint16][dataEnd:uint32]   — 6-byte mini-header, internal only
//	[record bytes ...]                 — grows upward from dataEnd
//	[... free space ...]
//	[slot directory entries]           — grows downward from the page end
//
// Each slot directory entry is 9 bytes: offset(uint32) | length(uint32) | flags(byte).

const miniHeaderSize = 6
const slotEntrySize = 9

const (
	SlotFlagActive       byte = 0x00
	SlotFlagDeleted      byte = 0x01
	SlotFlagOverflow     byte = 0x02
	SlotFlagDelOverflow  byte = 0x03
	SlotFlagCompressed   byte = 0x04
	SlotFlagCompOverflow byte = 0x06
)

func numSlots(data []byte) int {
	return int(binary.LittleEndian.Uint16(data[PageHeaderSize:]))
}

func setNumSlots(data []byte, n int) {
	binary.LittleEndian.PutUint16(data[PageHeaderSize:], uint16(n))
}

func dataEnd(data []byte) int {
	return int(binary.LittleEndian.Uint32(data[PageHeaderSize+2:]))
}

func setDataEnd(data []byte, off int) {
	binary.LittleEndian.PutUint32(data[PageHeaderSize+2:], uint32(off))
}

func (p *Page) slotOffset(idx int) int {
	return len(p.Data) - (idx+1)*slotEntrySize
}

func (p *Page) readSlotEntry(idx int) (offset, length uint32, flags byte) {
	off := p.slotOffset(idx)
	offset = binary.LittleEndian.Uint32(p.Data[off:])
	length = binary.LittleEndian.Uint32(p.Data[off+4:])
	flags = p.Data[off+8]
	return
}

func (p *Page) writeSlotEntry(idx int, offset, length uint32, flags byte) {
	off := p.slotOffset(idx)
	binary.LittleEndian.PutUint32(p.Data[off:], offset)
	binary.LittleEndian.PutUint32(p.Data[off+4:], length)
	p.Data[off+8] = flags
}

// NumSlots returns the number of slot directory entries (including
// tombstoned ones).
func (p *Page) NumSlots() int { return numSlots(p.Data) }

// freeSpace returns the number of unused bytes between the record area and
// the slot directory.
func (p *Page) freeSpace() int {
	slotDirStart := len(p.Data) - numSlots(p.Data)*slotEntrySize
	return slotDirStart - dataEnd(p.Data)
}

// FreeSpace is the public, header-synced accessor.
func (p *Page) FreeSpace() int { return p.freeSpace() }

// AppendSlot appends a new record to the page and returns its slot index.
// Returns ok=false if there isn't enough free space for data plus one new
// slot directory entry.
func (p *Page) AppendSlot(data []byte, flags byte) (int, bool) {
	needed := len(data) + slotEntrySize
	if p.freeSpace() < needed {
		return 0, false
	}
	off := dataEnd(p.Data)
	copy(p.Data[off:], data)
	setDataEnd(p.Data, off+len(data))

	idx := numSlots(p.Data)
	p.writeSlotEntry(idx, uint32(off), uint32(len(data)), flags)
	setNumSlots(p.Data, idx+1)
	p.SetFreeBytes(uint16(clampFreeBytes(p.freeSpace())))
	return idx, true
}

// ReadSlot returns the bytes and flags stored at idx.
func (p *Page) ReadSlot(idx int) (data []byte, flags byte, err error) {
	if idx < 0 || idx >= numSlots(p.Data) {
		return nil, 0, fmt.Errorf("storage: slot %d out of range", idx)
	}
	off, length, fl := p.readSlotEntry(idx)
	out := make([]byte, length)
	copy(out, p.Data[off:off+length])
	return out, fl, nil
}

// SlotFlags returns only the flag byte for idx, without copying the payload.
func (p *Page) SlotFlags(idx int) byte {
	_, _, fl := p.readSlotEntry(idx)
	return fl
}

// MarkSlotDeleted tombstones a slot in place, preserving the overflow bit so
// the caller can still free the overflow chain it pointed to.
func (p *Page) MarkSlotDeleted(idx int) {
	off, length, fl := p.readSlotEntry(idx)
	if fl == SlotFlagOverflow || fl == SlotFlagCompOverflow {
		fl = SlotFlagDelOverflow
	} else {
		fl = SlotFlagDeleted
	}
	p.writeSlotEntry(idx, off, length, fl)
}

// UpdateSlotInPlace overwrites a slot's bytes without changing its length.
// Returns false if newData's length differs from the existing slot.
func (p *Page) UpdateSlotInPlace(idx int, newData []byte) bool {
	off, length, fl := p.readSlotEntry(idx)
	if int(length) != len(newData) {
		return false
	}
	copy(p.Data[off:off+length], newData)
	p.writeSlotEntry(idx, off, length, fl)
	return true
}

// Compact coalesces tombstoned slots, rewriting the record area in place and
// recomputing live slot offsets. Returns the number of bytes reclaimed.
func (p *Page) Compact() int {
	n := numSlots(p.Data)
	type live struct {
		idx    int
		data   []byte
		flags  byte
	}
	kept := make([]live, 0, n)
	for i := 0; i < n; i++ {
		_, fl := mustReadSlotRaw(p, i)
		if fl == SlotFlagDeleted || fl == SlotFlagDelOverflow {
			continue
		}
		d, flags, _ := p.ReadSlot(i)
		kept = append(kept, live{idx: i, data: d, flags: flags})
	}
	before := p.freeSpace()

	off := PageHeaderSize + miniHeaderSize
	setNumSlots(p.Data, 0)
	for _, l := range kept {
		copy(p.Data[off:], l.data)
		idx := numSlots(p.Data)
		p.writeSlotEntry(idx, uint32(off), uint32(len(l.data)), l.flags)
		setNumSlots(p.Data, idx+1)
		off += len(l.data)
	}
	setDataEnd(p.Data, off)
	after := p.freeSpace()
	p.SetFreeBytes(uint16(clampFreeBytes(after)))
	return after - before
}

func mustReadSlotRaw(p *Page, idx int) (uint32, byte) {
	_, length, fl := p.readSlotEntry(idx)
	return length, fl
}

// ---------- overflow pages ----------
//
// An overflow page carries no slot directory: its entire payload region
// (everything after the header) is raw chunk bytes, chained via NextPageID.

// OverflowCapacity is the number of raw data bytes one overflow page holds.
func OverflowCapacity(pageSize int) int { return pageSize - PageHeaderSize }

// WriteOverflowChunk writes a chunk into an overflow page's payload region.
func (p *Page) WriteOverflowChunk(chunk []byte) {
	copy(p.Data[PageHeaderSize:], chunk)
}

// ReadOverflowChunk reads up to length bytes from an overflow page's payload.
func (p *Page) ReadOverflowChunk(length int) []byte {
	cap := OverflowCapacity(len(p.Data))
	if length > cap {
		length = cap
	}
	out := make([]byte, length)
	copy(out, p.Data[PageHeaderSize:PageHeaderSize+length])
	return out
}

// OverflowPointer is the 12-byte value stored as a slot's payload when a
// document's body was too large to fit inline.
type OverflowPointer struct {
	TotalLen  uint32
	FirstPage uint64
}

func (o OverflowPointer) Encode() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:4], o.TotalLen)
	binary.LittleEndian.PutUint64(b[4:12], o.FirstPage)
	return b
}

func DecodeOverflowPointer(b []byte) (OverflowPointer, error) {
	if len(b) < 12 {
		return OverflowPointer{}, fmt.Errorf("storage: overflow pointer too short")
	}
	return OverflowPointer{
		TotalLen:  binary.LittleEndian.Uint32(b[0:4]),
		FirstPage: binary.LittleEndian.Uint64(b[4:12]),
	}, nil
}
