package query

import (
	"sort"

	"github.com/foliadb/foliadb/docstore"
	"github.com/foliadb/foliadb/errs"
	"github.com/foliadb/foliadb/index"
)

// Row is one document flowing through an operator pipeline.
type Row struct {
	ID      []byte
	Payload []byte
}

// Operator is a physical operator producing a lazy sequence of rows, per
// §4.8 "Each operator exposes: produce lazy sequence, and
// estimate_cardinality()". Grounded on the teacher's iterator-shaped
// Executor methods (scanCollection/readByLocs returning []*ResultDoc),
// turned into a pull interface so operators compose without materializing
// every intermediate stage. Collection-scan, index-seek and index-range load
// their rows when constructed (docstore.Store.Scan and the index lookups are
// eager) and sort buffers its whole source; filter, skip and take pull one
// row at a time.
type Operator interface {
	// Next returns the next row, or ok=false when the sequence is exhausted.
	Next() (Row, bool, error)
	// EstimateCardinality returns a non-negative estimate, or -1 if unknown.
	EstimateCardinality() int64
}

// ScanOperator is a full collection scan with an optional pushed-down
// predicate, grounded on the teacher's scanCollectionRaw.
type ScanOperator struct {
	rows []Row
	pos  int
	card int64
}

// NewScanOperator loads every live document in collection and keeps the ones
// matching predicate (True{} to keep everything).
func NewScanOperator(store *docstore.Store, collection string, predicate Expr, ev Evaluator) (*ScanOperator, error) {
	docs, err := store.Scan(collection)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(docs))
	for _, d := range docs {
		if Eval(predicate, d.Payload, ev) {
			rows = append(rows, Row{ID: d.ID, Payload: d.Payload})
		}
	}
	return &ScanOperator{rows: rows, card: int64(len(rows))}, nil
}

func (s *ScanOperator) Next() (Row, bool, error) {
	if s.pos >= len(s.rows) {
		return Row{}, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}

func (s *ScanOperator) EstimateCardinality() int64 { return s.card }

// SeekOperator is a point lookup against a secondary index, grounded on the
// teacher's indexLookupJoin's single-key B-Tree Lookup call.
type SeekOperator struct {
	rows []Row
	pos  int
}

// NewSeekOperator looks up key in the named secondary index and resolves
// each matching document id against the document store.
func NewSeekOperator(store *docstore.Store, collection string, idx *index.Index, key []byte) (*SeekOperator, error) {
	ids, err := idx.Lookup(key)
	if err != nil {
		return nil, err
	}
	rows, err := resolveIDs(store, collection, ids)
	if err != nil {
		return nil, err
	}
	return &SeekOperator{rows: rows}, nil
}

func (s *SeekOperator) Next() (Row, bool, error) {
	if s.pos >= len(s.rows) {
		return Row{}, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}

func (s *SeekOperator) EstimateCardinality() int64 { return int64(len(s.rows)) }

// RangeOperator is an ordered range scan against a secondary index, grounded
// on index.Index.RangeScan, generalized from the teacher's equality-only
// index path to the inclusive/exclusive bounds an ordered index supports per
// §4.8's index-range operator kind.
type RangeOperator struct {
	rows []Row
	pos  int
}

// NewRangeOperator scans idx between min and max (either may be nil for an
// open bound) and drops the boundary entry when the corresponding comparison
// is exclusive.
func NewRangeOperator(store *docstore.Store, collection string, idx *index.Index, min, max []byte, minExclusive, maxExclusive bool) (*RangeOperator, error) {
	entries, err := idx.RangeScan(min, max)
	if err != nil {
		return nil, err
	}
	ids := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if minExclusive && min != nil && compareBytes(e.Key, min) == 0 {
			continue
		}
		if maxExclusive && max != nil && compareBytes(e.Key, max) == 0 {
			continue
		}
		ids = append(ids, e.Value)
	}
	rows, err := resolveIDs(store, collection, ids)
	if err != nil {
		return nil, err
	}
	return &RangeOperator{rows: rows}, nil
}

func (r *RangeOperator) Next() (Row, bool, error) {
	if r.pos >= len(r.rows) {
		return Row{}, false, nil
	}
	row := r.rows[r.pos]
	r.pos++
	return row, true, nil
}

func (r *RangeOperator) EstimateCardinality() int64 { return int64(len(r.rows)) }

func resolveIDs(store *docstore.Store, collection string, ids [][]byte) ([]Row, error) {
	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		payload, err := store.FindByID(collection, id)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				continue
			}
			return nil, err
		}
		rows = append(rows, Row{ID: id, Payload: payload})
	}
	return rows, nil
}

// FilterOperator re-applies a predicate against rows already produced by
// Source — used when the chosen access path (an index seek/range on one
// field) can't fully satisfy a compound And/Or expression on its own.
type FilterOperator struct {
	source    Operator
	predicate Expr
	ev        Evaluator
}

func NewFilterOperator(source Operator, predicate Expr, ev Evaluator) *FilterOperator {
	return &FilterOperator{source: source, predicate: predicate, ev: ev}
}

func (f *FilterOperator) Next() (Row, bool, error) {
	for {
		row, ok, err := f.source.Next()
		if err != nil || !ok {
			return Row{}, ok, err
		}
		if Eval(f.predicate, row.Payload, f.ev) {
			return row, true, nil
		}
	}
}

func (f *FilterOperator) EstimateCardinality() int64 { return -1 }

// ProjectOperator maps each row through project, e.g. to trim a payload down
// to a caller-chosen field subset (projection itself is the external
// codec's job; this operator only calls back into it per row).
type ProjectOperator struct {
	source  Operator
	project func(Row) Row
}

func NewProjectOperator(source Operator, project func(Row) Row) *ProjectOperator {
	return &ProjectOperator{source: source, project: project}
}

func (p *ProjectOperator) Next() (Row, bool, error) {
	row, ok, err := p.source.Next()
	if err != nil || !ok {
		return Row{}, ok, err
	}
	return p.project(row), true, nil
}

func (p *ProjectOperator) EstimateCardinality() int64 { return p.source.EstimateCardinality() }

// SortOperator buffers its entire source and sorts by an extracted key,
// per §4.8 "Compose sort ... from an in-memory sort operator" when the chosen
// access path isn't already ordered by the requested key.
type SortOperator struct {
	rows []Row
	pos  int
}

func NewSortOperator(source Operator, keyFn func(Row) []byte, desc bool) (*SortOperator, error) {
	var rows []Row
	for {
		row, ok, err := source.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := compareBytes(keyFn(rows[i]), keyFn(rows[j]))
		if desc {
			return c > 0
		}
		return c < 0
	})
	return &SortOperator{rows: rows}, nil
}

func (s *SortOperator) Next() (Row, bool, error) {
	if s.pos >= len(s.rows) {
		return Row{}, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}

func (s *SortOperator) EstimateCardinality() int64 { return int64(len(s.rows)) }

// SkipOperator drops the first n rows.
type SkipOperator struct {
	source    Operator
	remaining int
}

func NewSkipOperator(source Operator, n int) *SkipOperator {
	return &SkipOperator{source: source, remaining: n}
}

func (s *SkipOperator) Next() (Row, bool, error) {
	for s.remaining > 0 {
		_, ok, err := s.source.Next()
		if err != nil || !ok {
			return Row{}, ok, err
		}
		s.remaining--
	}
	return s.source.Next()
}

func (s *SkipOperator) EstimateCardinality() int64 {
	card := s.source.EstimateCardinality()
	if card < 0 {
		return -1
	}
	if card -= int64(s.remaining); card < 0 {
		return 0
	}
	return card
}

// TakeOperator yields at most n rows.
type TakeOperator struct {
	source    Operator
	remaining int
}

func NewTakeOperator(source Operator, n int) *TakeOperator {
	return &TakeOperator{source: source, remaining: n}
}

func (t *TakeOperator) Next() (Row, bool, error) {
	if t.remaining <= 0 {
		return Row{}, false, nil
	}
	row, ok, err := t.source.Next()
	if err != nil || !ok {
		return Row{}, ok, err
	}
	t.remaining--
	return row, true, nil
}

func (t *TakeOperator) EstimateCardinality() int64 {
	card := t.source.EstimateCardinality()
	if card < 0 || card > int64(t.remaining) {
		return int64(t.remaining)
	}
	return card
}

// Collect drains op into a slice. Convenience for callers that want the
// whole result set rather than pulling row by row.
func Collect(op Operator) ([]Row, error) {
	var rows []Row
	for {
		row, ok, err := op.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}
