package storage

import (
	"errors"
	"os"
)

// ErrInjectedFault is returned by FaultFile operations once the configured
// trigger has fired.
var ErrInjectedFault = errors.New("storage: injected fault")

// FaultFile wraps a real *os.File and can be told to start failing (or to
// silently drop bytes, simulating a torn write) after N successful calls.
// It exists purely for crash-consistency tests: "does recovery tolerate a
// WAL write that never reached disk, or an fsync that failed partway."
type FaultFile struct {
	inner *os.File

	failAfterWrites int // -1 means disabled; counts writes since FailAfterWrites was called
	writesSeen      int
	tornWrite       bool // if true, the triggering write is truncated instead of erroring

	failAfterSyncs int // -1 means disabled; counts syncs since FailAfterSyncs was called
	syncsSeen      int
}

// NewFaultFile opens path like os.OpenFile and wraps it for fault injection.
func NewFaultFile(path string, flag int, perm os.FileMode) (*FaultFile, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &FaultFile{inner: f, failAfterWrites: -1, failAfterSyncs: -1}, nil
}

// FailAfterWrites arms the fault: n subsequent Write/WriteAt calls succeed,
// then every call after that fails (or, if torn is true, a Write succeeds but
// only commits half its bytes to disk; WriteAt always fails). n=0 fails on
// the very next write.
func (f *FaultFile) FailAfterWrites(n int, torn bool) {
	f.failAfterWrites = n
	f.writesSeen = 0
	f.tornWrite = torn
}

// FailAfterSyncs arms the fault the same way FailAfterWrites does, but for
// Sync calls — simulating an fsync that never completed before the process
// died.
func (f *FaultFile) FailAfterSyncs(n int) {
	f.failAfterSyncs = n
	f.syncsSeen = 0
}

func (f *FaultFile) Write(b []byte) (int, error) {
	if f.failAfterWrites >= 0 {
		if f.writesSeen >= f.failAfterWrites {
			if f.tornWrite {
				half := len(b) / 2
				if _, err := f.inner.Write(b[:half]); err != nil {
					return 0, err
				}
				return len(b), nil
			}
			return 0, ErrInjectedFault
		}
		f.writesSeen++
	}
	return f.inner.Write(b)
}

func (f *FaultFile) WriteAt(b []byte, off int64) (int, error) {
	if f.failAfterWrites >= 0 {
		if f.writesSeen >= f.failAfterWrites {
			return 0, ErrInjectedFault
		}
		f.writesSeen++
	}
	return f.inner.WriteAt(b, off)
}

func (f *FaultFile) ReadAt(b []byte, off int64) (int, error) { return f.inner.ReadAt(b, off) }
func (f *FaultFile) Seek(offset int64, whence int) (int64, error) {
	return f.inner.Seek(offset, whence)
}
func (f *FaultFile) Truncate(size int64) error  { return f.inner.Truncate(size) }
func (f *FaultFile) Stat() (os.FileInfo, error) { return f.inner.Stat() }
func (f *FaultFile) Close() error               { return f.inner.Close() }

func (f *FaultFile) Sync() error {
	if f.failAfterSyncs >= 0 {
		if f.syncsSeen >= f.failAfterSyncs {
			return ErrInjectedFault
		}
		f.syncsSeen++
	}
	return f.inner.Sync()
}

// openWALWithFile builds a WAL on top of an arbitrary walFile implementation
// (used by tests to inject a *FaultFile in place of a real *os.File).
func openWALWithFile(path string, f walFile) (*WAL, error) {
	w := &WAL{file: f, path: path, nextLSN: 1}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		if err := w.writeFileHeader(); err != nil {
			return nil, err
		}
	} else {
		if err := w.readFileHeader(); err != nil {
			return nil, err
		}
		// Bootstrap nextLSN from whatever is already on disk. Without this a
		// reopened WAL hands out LSN 1 again, which a prior checkpoint's
		// watermark already considers applied, so every record from the new
		// session would silently never get checkpointed.
		if _, err := w.Scan(); err != nil {
			return nil, err
		}
	}
	return w, nil
}
