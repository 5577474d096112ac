// Package checkpoint implements the background component that applies
// durable WAL records to the page file and truncates the log behind them.
// Grounded on the teacher's storage/pager.go Checkpoint/recoverFromWAL
// (apply committed page images in order, then truncate), split into its own
// component with explicit modes and triggers per the spec's checkpoint
// manager design, which the teacher's single synchronous Checkpoint call
// doesn't distinguish.
package checkpoint

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliadb/foliadb/errs"
	"github.com/foliadb/foliadb/storage"
)

// Mode selects how much work one checkpoint run does.
type Mode int

const (
	// ModePassive applies committed records without flushing the page file;
	// it yields immediately if another checkpoint run is already in
	// progress.
	ModePassive Mode = iota
	// ModeFull applies every committed record through the current end of
	// the WAL and flushes the page file.
	ModeFull
	// ModeTruncate runs ModeFull, then truncates the WAL behind the new
	// checkpoint LSN.
	ModeTruncate
	// ModeRestart runs ModeTruncate, then resets the WAL to a fresh,
	// empty file.
	ModeRestart
)

func (m Mode) String() string {
	switch m {
	case ModePassive:
		return "passive"
	case ModeFull:
		return "full"
	case ModeTruncate:
		return "truncate"
	case ModeRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// Config configures a Manager's background trigger behavior. Zero values
// fall back to the spec's defaults.
type Config struct {
	// Interval is how often the background timer fires a ModeTruncate run.
	// Defaults to 30s.
	Interval time.Duration
	// SizeThreshold is the WAL byte size above which the background loop
	// runs a checkpoint ahead of the timer. Defaults to 10 MiB.
	SizeThreshold int64
	Logger        zerolog.Logger
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.SizeThreshold <= 0 {
		c.SizeThreshold = 10 * 1024 * 1024
	}
	return c
}

// Manager periodically (or on demand) replays durable WAL records into the
// page file and advances the checkpoint watermark.
type Manager struct {
	pf  *storage.PageFile
	cfg Config

	runMu sync.Mutex // held for the duration of one checkpoint run

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager creates a checkpoint manager over pf. Call Start to begin the
// background timer/size-threshold loop, or call Run directly for an
// explicit on-demand checkpoint.
func NewManager(pf *storage.PageFile, cfg Config) *Manager {
	return &Manager{pf: pf, cfg: cfg.normalized(), stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Start launches the background goroutine driving the timer and
// size-threshold triggers. Safe to call at most once per Manager.
func (m *Manager) Start() {
	go m.loop()
}

// Stop signals the background loop to exit and waits for it to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Manager) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.Interval / 10)
	defer ticker.Stop()

	lastTimerRun := time.Now()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			if now.Sub(lastTimerRun) >= m.cfg.Interval {
				lastTimerRun = now
				if err := m.Run(ModeTruncate); err != nil {
					m.cfg.Logger.Error().Err(err).Msg("timer checkpoint failed")
				}
				continue
			}
			wal := m.pf.WAL()
			if wal == nil {
				continue
			}
			size, err := wal.CurrentSize()
			if err != nil {
				continue
			}
			if size >= m.cfg.SizeThreshold {
				if err := m.Run(ModeTruncate); err != nil {
					m.cfg.Logger.Error().Err(err).Msg("size-threshold checkpoint failed")
				}
			}
		}
	}
}

// Run executes one checkpoint of the given mode. Safe to call concurrently
// with the background loop and with other explicit callers; ModePassive
// yields instead of blocking when a run is already in progress, every other
// mode waits for the latch.
func (m *Manager) Run(mode Mode) error {
	if mode == ModePassive {
		if !m.runMu.TryLock() {
			return nil
		}
	} else {
		m.runMu.Lock()
	}
	defer m.runMu.Unlock()

	start := time.Now()
	wal := m.pf.WAL()
	if wal == nil {
		// In-memory page files have no WAL and therefore nothing to
		// checkpoint: every commit already applied directly to the page
		// file (see txn.Tx.Commit).
		return nil
	}

	records, err := wal.Scan()
	if err != nil {
		return errs.Wrap(errs.KindIO, "checkpoint: scan wal", err)
	}

	committedLSN := make(map[uint64]uint64) // txn_id -> commit lsn
	for _, r := range records {
		if r.Kind == storage.RecordCommit {
			committedLSN[r.TxnID] = r.LSN
		}
	}

	watermark := m.pf.CheckpointLSN()
	applied := 0
	maxApplied := watermark
	for _, r := range records {
		if r.Kind != storage.RecordData {
			continue
		}
		if r.LSN <= watermark {
			continue
		}
		if _, ok := committedLSN[r.TxnID]; !ok {
			// No durable commit record for this transaction: never apply,
			// per the checkpoint safety invariant.
			continue
		}
		page := &storage.Page{Data: append([]byte(nil), r.Image...)}
		if err := m.pf.WritePage(page); err != nil {
			return errs.Wrap(errs.KindIO, "checkpoint: apply page", err)
		}
		applied++
		if r.LSN > maxApplied {
			maxApplied = r.LSN
		}
	}

	if maxApplied > watermark {
		if err := m.pf.SetCheckpointLSN(maxApplied); err != nil {
			return errs.Wrap(errs.KindIO, "checkpoint: advance watermark", err)
		}
	}

	if mode == ModeFull || mode == ModeTruncate || mode == ModeRestart {
		if err := m.pf.Flush(); err != nil {
			return errs.Wrap(errs.KindIO, "checkpoint: flush page file", err)
		}
	}

	truncatedBytes := int64(0)
	if mode == ModeTruncate || mode == ModeRestart {
		sizeBefore, _ := wal.CurrentSize()
		if mode == ModeRestart {
			if err := wal.Reset(); err != nil {
				return errs.Wrap(errs.KindIO, "checkpoint: reset wal", err)
			}
			// The fresh WAL starts a new LSN sequence at 1: every committed
			// page up to maxApplied is already durable in the page file, so
			// the watermark resets to 0 rather than staying stuck above the
			// new log's own LSNs, which would otherwise never exceed it.
			if err := m.pf.SetCheckpointLSN(0); err != nil {
				return errs.Wrap(errs.KindIO, "checkpoint: reset watermark", err)
			}
		} else {
			if err := wal.TruncateUpTo(maxApplied); err != nil {
				return errs.Wrap(errs.KindIO, "checkpoint: truncate wal", err)
			}
		}
		truncatedBytes = sizeBefore
	}

	m.cfg.Logger.Info().
		Str("mode", mode.String()).
		Int("pages_applied", applied).
		Uint64("checkpoint_lsn", maxApplied).
		Int64("wal_bytes_truncated", truncatedBytes).
		Dur("duration", time.Since(start)).
		Msg("checkpoint run complete")

	return nil
}
