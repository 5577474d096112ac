package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"
)

// RecordKind identifies the type of one WAL record.
type RecordKind byte

const (
	RecordData RecordKind = iota + 1
	RecordCommit
	RecordAbort
)

// Record is one entry in the write-ahead log.
//
// Wire format: kind(1) | length(u32 LE) | body | crc32(u32 LE)
//
//	data:   txn_id(u64) | page_id(u64) | lsn(u64) | image(page_size bytes)
//	commit: txn_id(u64) | lsn(u64) | unix_millis(i64)
//	abort:  txn_id(u64)
type Record struct {
	Kind    RecordKind
	TxnID   uint64
	PageID  uint64 // data records only
	Image   []byte // data records only
	LSN     uint64 // data and commit records
	AtMilli int64  // commit records only
}

const recordHeaderSize = 1 + 4 // kind + length
const recordCRCSize = 4

// walFile is the subset of *os.File the WAL needs. Tests substitute a
// fault-injecting implementation (see faultfile.go) to exercise torn-write
// and fsync-failure recovery paths without needing real disk failures.
type walFile interface {
	WriteAt(b []byte, off int64) (int, error)
	ReadAt(b []byte, off int64) (int, error)
	Write(b []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

// WAL is the append-only durability log, grounded on the teacher's
// storage/wal.go: sequential append with a trailing CRC32 so a crash mid
// write leaves a detectable torn tail, and Commit is the sole fsync point.
type WAL struct {
	mu      sync.Mutex
	file    walFile
	path    string
	nextLSN uint64
}

var walMagic = [4]byte{'F', 'W', 'A', 'L'}

const walFileHeaderSize = 16

// OpenWAL opens or creates the WAL file at path, replaying nothing itself —
// callers (recovery / checkpoint) decide how to use Scan.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	w, err := openWALWithFile(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) writeFileHeader() error {
	var hdr [walFileHeaderSize]byte
	copy(hdr[0:4], walMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], 1)
	_, err := w.file.WriteAt(hdr[:], 0)
	return err
}

func (w *WAL) readFileHeader() error {
	var hdr [walFileHeaderSize]byte
	if _, err := w.file.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if hdr[0] != walMagic[0] || hdr[1] != walMagic[1] || hdr[2] != walMagic[2] || hdr[3] != walMagic[3] {
		return fmt.Errorf("wal: bad magic")
	}
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func (w *WAL) Path() string { return w.path }

// AppendData appends a data record for one staged page image. It does not
// fsync — durability is established only by the following Commit.
func (w *WAL) AppendData(txnID, pageID uint64, image []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn := w.nextLSN
	w.nextLSN++
	rec := Record{Kind: RecordData, TxnID: txnID, PageID: pageID, Image: image, LSN: lsn}
	return lsn, w.appendLocked(rec)
}

// AppendCommit appends a commit marker and fsyncs the WAL. Returns the
// commit's LSN, the value that becomes the transaction's commit_lsn.
func (w *WAL) AppendCommit(txnID uint64, now time.Time) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn := w.nextLSN
	w.nextLSN++
	rec := Record{Kind: RecordCommit, TxnID: txnID, LSN: lsn, AtMilli: now.UnixMilli()}
	if err := w.appendLocked(rec); err != nil {
		return 0, err
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("wal: fsync commit: %w", err)
	}
	return lsn, nil
}

// AppendAbort appends an abort marker. Not required for correctness (an
// absent commit already means discard-on-recovery) but makes the intent
// explicit in the log for tooling/debugging.
func (w *WAL) AppendAbort(txnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec := Record{Kind: RecordAbort, TxnID: txnID}
	return w.appendLocked(rec)
}

// FlushToDurable forces an fsync without appending a commit marker.
func (w *WAL) FlushToDurable() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

func (w *WAL) CurrentSize() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (w *WAL) appendLocked(rec Record) error {
	body := encodeBody(rec)
	buf := make([]byte, recordHeaderSize+len(body)+recordCRCSize)
	buf[0] = byte(rec.Kind)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(body)))
	copy(buf[5:], body)
	crc := crc32.ChecksumIEEE(buf[:5+len(body)])
	binary.LittleEndian.PutUint32(buf[5+len(body):], crc)

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek end: %w", err)
	}
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("wal: write record: %w", err)
	}
	return nil
}

func encodeBody(rec Record) []byte {
	switch rec.Kind {
	case RecordData:
		b := make([]byte, 24+len(rec.Image))
		binary.LittleEndian.PutUint64(b[0:8], rec.TxnID)
		binary.LittleEndian.PutUint64(b[8:16], rec.PageID)
		binary.LittleEndian.PutUint64(b[16:24], rec.LSN)
		copy(b[24:], rec.Image)
		return b
	case RecordCommit:
		b := make([]byte, 24)
		binary.LittleEndian.PutUint64(b[0:8], rec.TxnID)
		binary.LittleEndian.PutUint64(b[8:16], rec.LSN)
		binary.LittleEndian.PutUint64(b[16:24], uint64(rec.AtMilli))
		return b
	case RecordAbort:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, rec.TxnID)
		return b
	default:
		return nil
	}
}

func decodeBody(kind RecordKind, body []byte) (Record, error) {
	switch kind {
	case RecordData:
		if len(body) < 24 {
			return Record{}, fmt.Errorf("wal: short data body")
		}
		img := make([]byte, len(body)-24)
		copy(img, body[24:])
		return Record{
			Kind:   RecordData,
			TxnID:  binary.LittleEndian.Uint64(body[0:8]),
			PageID: binary.LittleEndian.Uint64(body[8:16]),
			LSN:    binary.LittleEndian.Uint64(body[16:24]),
			Image:  img,
		}, nil
	case RecordCommit:
		if len(body) < 24 {
			return Record{}, fmt.Errorf("wal: short commit body")
		}
		return Record{
			Kind:    RecordCommit,
			TxnID:   binary.LittleEndian.Uint64(body[0:8]),
			LSN:     binary.LittleEndian.Uint64(body[8:16]),
			AtMilli: int64(binary.LittleEndian.Uint64(body[16:24])),
		}, nil
	case RecordAbort:
		if len(body) < 8 {
			return Record{}, fmt.Errorf("wal: short abort body")
		}
		return Record{Kind: RecordAbort, TxnID: binary.LittleEndian.Uint64(body[0:8])}, nil
	default:
		return Record{}, fmt.Errorf("wal: unknown record kind %d", kind)
	}
}

// Scan reads every well-formed record from the WAL in file order, starting
// right after the file header. It stops (without error) at the first short
// read or CRC mismatch — a torn tail is recovery-time truncation, not a
// reported error, per the error handling design.
func (w *WAL) Scan() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var records []Record
	offset := int64(walFileHeaderSize)
	hdrBuf := make([]byte, recordHeaderSize)

	for {
		n, err := w.file.ReadAt(hdrBuf, offset)
		if err == io.EOF || n < recordHeaderSize {
			break
		}
		if err != nil {
			return records, fmt.Errorf("wal: read header at %d: %w", offset, err)
		}
		kind := RecordKind(hdrBuf[0])
		bodyLen := int(binary.LittleEndian.Uint32(hdrBuf[1:5]))

		rest := make([]byte, bodyLen+recordCRCSize)
		n, err = w.file.ReadAt(rest, offset+recordHeaderSize)
		if err == io.EOF || n < len(rest) {
			break
		}
		if err != nil {
			return records, fmt.Errorf("wal: read body at %d: %w", offset, err)
		}
		body := rest[:bodyLen]
		storedCRC := binary.LittleEndian.Uint32(rest[bodyLen:])

		full := make([]byte, recordHeaderSize+bodyLen)
		copy(full, hdrBuf)
		copy(full[recordHeaderSize:], body)
		if crc32.ChecksumIEEE(full) != storedCRC {
			break
		}

		rec, err := decodeBody(kind, body)
		if err != nil {
			break
		}
		records = append(records, rec)

		// Both commit and data records consume an LSN off the same counter
		// (AppendData/AppendCommit); abort records don't. Bootstrapping off
		// either kind keeps a reopen from ever handing out an LSN already
		// used by a record still sitting in the log, including one an
		// aborted transaction wrote before it died.
		if (rec.Kind == RecordCommit || rec.Kind == RecordData) && rec.LSN >= w.nextLSN {
			w.nextLSN = rec.LSN + 1
		}
		offset += int64(recordHeaderSize + len(rest))
	}
	return records, nil
}

// TruncateUpTo truncates the WAL back to just its file header, forgetting
// every record. Safe only once the checkpoint manager has durably applied
// everything up to the given LSN (the caller's responsibility).
func (w *WAL) TruncateUpTo(_ uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(walFileHeaderSize); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(walFileHeaderSize, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek after truncate: %w", err)
	}
	return w.file.Sync()
}

// Reset closes and recreates the WAL file empty (mode "restart").
func (w *WAL) Reset() error {
	w.mu.Lock()
	path := w.path
	w.file.Close()
	w.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wal: remove for restart: %w", err)
	}
	fresh, err := OpenWAL(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.file = fresh.file
	w.nextLSN = fresh.nextLSN
	w.mu.Unlock()
	return nil
}
