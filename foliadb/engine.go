// Package foliadb is the top-level, public API surface: Engine, Collection[T]
// and Tx. Grounded on the teacher's api/db.go (DB/Tx wrapper over
// storage.Pager/engine.Executor), with Exec(sql) replaced by typed
// Collection[T] CRUD and Find/Query, per SPEC_FULL.md §6's public API
// surface and the Non-goal on a SQL surface.
package foliadb

import (
	"github.com/foliadb/foliadb/changestream"
	"github.com/foliadb/foliadb/checkpoint"
	"github.com/foliadb/foliadb/docstore"
	"github.com/foliadb/foliadb/errs"
	"github.com/foliadb/foliadb/index"
	"github.com/foliadb/foliadb/keys"
	"github.com/foliadb/foliadb/metrics"
	"github.com/foliadb/foliadb/storage"
	"github.com/foliadb/foliadb/txn"
)

// Engine is one open database: a page file, its transaction manager,
// checkpoint manager, document store, and change-stream dispatcher, wired
// together the way the teacher's api.Open wires Pager/LockManager/
// IndexManager/Executor.
type Engine struct {
	cfg Config
	pf  *storage.PageFile
	txn *txn.Manager
	cat *docstore.Catalog
	ckp *checkpoint.Manager
	str *docstore.Store
	dsp *changestream.Dispatcher
	mx  *metrics.Set
}

// Open opens or creates a database at path, starting its background
// checkpoint loop. Mirrors the teacher's api.Open, generalized for the new
// Config knobs.
func Open(path string, cfg Config) (*Engine, error) {
	cfg = cfg.normalized()
	opts := storage.OpenOptions{
		PageSize:    cfg.PageSize.bytes(),
		GrowthBlock: cfg.GrowthBlock.pages(cfg.PageSize.bytes()),
		ReadOnly:    cfg.Access == AccessReadOnly,
	}
	pf, err := storage.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return newEngine(pf, cfg)
}

// OpenMemory opens a database with no backing file or WAL, for tests and
// ephemeral use, mirroring the teacher's api.OpenMemory.
func OpenMemory(cfg Config) (*Engine, error) {
	cfg = cfg.normalized()
	pf, err := storage.OpenMemory(storage.OpenOptions{
		PageSize:    cfg.PageSize.bytes(),
		GrowthBlock: cfg.GrowthBlock.pages(cfg.PageSize.bytes()),
	})
	if err != nil {
		return nil, err
	}
	return newEngine(pf, cfg)
}

func newEngine(pf *storage.PageFile, cfg Config) (*Engine, error) {
	txMgr, err := txn.NewManager(pf)
	if err != nil {
		pf.Close()
		return nil, err
	}
	ckptCfg := cfg.checkpointConfig()
	ckpt := checkpoint.NewManager(pf, ckptCfg)

	// Recovery (§4.2): replay every durably committed WAL record that never
	// made it into the page file, e.g. a crash between the commit fsync in
	// txn.Tx.Commit and the following checkpoint apply. Must run before
	// anything reads page content off pf, including the catalog below. A
	// no-op for in-memory or read-only opens, which carry no WAL.
	if err := ckpt.Run(checkpoint.ModeFull); err != nil {
		pf.Close()
		return nil, err
	}

	cat, err := docstore.OpenCatalog(pf)
	if err != nil {
		pf.Close()
		return nil, err
	}
	store := docstore.NewStore(pf, txMgr, ckpt, cat)

	dsp := changestream.New(cfg.Logger)
	dsp.Start()
	store.SetDispatcher(dsp)

	if !pf.IsReadOnly() {
		ckpt.Start()
	}

	return &Engine{
		cfg: cfg,
		pf:  pf,
		txn: txMgr,
		cat: cat,
		ckp: ckpt,
		str: store,
		dsp: dsp,
		mx:  metrics.New(cfg.MetricsRegisterer),
	}, nil
}

// Close stops the background checkpoint loop and dispatcher, then closes the
// underlying page file. Mirrors the teacher's DB.Close, extended for the two
// new background goroutines this engine has and the teacher's didn't.
func (e *Engine) Close() error {
	if !e.pf.IsReadOnly() {
		e.ckp.Stop()
	}
	e.dsp.Stop()
	return e.pf.Close()
}

// Collections returns the names of every collection in the catalog, mirroring
// teacher DB.Collections.
func (e *Engine) Collections() []string { return e.cat.Names() }

// CreateCollection registers a new collection with the given id-kind.
func (e *Engine) CreateCollection(name string, kind keys.Kind) error {
	_, err := e.str.CreateCollection(name, kind)
	return err
}

// DropCollection removes a collection and its documents.
func (e *Engine) DropCollection(name string) error { return e.str.DropCollection(name) }

// CreateIndex builds a secondary index on collection.field.
func (e *Engine) CreateIndex(collection, field string, kind index.Kind, unique bool) error {
	return e.str.CreateIndex(collection, field, kind, unique)
}

// Checkpoint runs one checkpoint cycle in the given mode, mirroring the
// public API surface's "checkpoint manager with checkpoint(mode)".
func (e *Engine) Checkpoint(mode checkpoint.Mode) error { return e.ckp.Run(mode) }

// Compact coalesces tombstoned slots across collection's data pages and
// returns emptied pages to the free list, returning the number of bytes
// reclaimed. See docstore.Store.Compact.
func (e *Engine) Compact(collection string) (int, error) { return e.str.Compact(collection) }

// CacheStats exposes the page cache's hit/miss counters, mirroring teacher
// DB.CacheStats, and feeds them into the metrics set's gauges.
func (e *Engine) CacheStats() (hits, misses uint64, size, capacity int) {
	hits, misses, size, capacity = e.pf.CacheStats()
	e.mx.RecordCacheStats(hits, misses)
	return
}

// Metrics exposes the engine's prometheus collector set for callers that
// want to read it directly instead of scraping the registerer passed to
// Config.
func (e *Engine) Metrics() *metrics.Set { return e.mx }

// Watch subscribes to collection's raw change stream without a typed Codec,
// for callers (such as the inspection CLI) that only want to print events
// rather than decode them into a document type.
func (e *Engine) Watch(collection string, capturePayload bool) *changestream.Subscription {
	return e.dsp.Subscribe(collection, capturePayload)
}

// Begin starts an explicit transaction grouping, mirroring teacher DB.Begin.
func (e *Engine) Begin() (*Tx, error) {
	if e.pf.IsReadOnly() {
		return nil, errs.New(errs.KindReadOnly, "begin: engine is read-only")
	}
	return &Tx{engine: e, active: true}, nil
}
