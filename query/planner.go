package query

import (
	"github.com/foliadb/foliadb/docstore"
	"github.com/foliadb/foliadb/errs"
	"github.com/foliadb/foliadb/index"
)

func collectionNotFound(name string) error {
	return errs.New(errs.KindNotFound, "collection not found: "+name)
}

// Cost model constants, kept numerically identical to the teacher's
// engine/optimizer.go shouldUseIndex: a random page read costs 4x a
// sequential one, CPU-per-row is small relative to I/O, and an index whose
// match set is under 30% of the collection is always worth using without
// even comparing costs.
const (
	costSeqPage          = 1.0
	costRandPage         = 4.0
	costCPUPerRow        = 0.01
	selectivityThreshold = 0.30
)

// Request describes one query to plan.
type Request struct {
	Collection string
	Filter     Expr // nil or True{} means no filter
	OrderBy    string
	Desc       bool
	Skip       int
	Take       int // <= 0 means unlimited
}

// Planner turns a Request into a composed Operator tree, choosing between a
// collection-scan and an index-seek/index-range access path the way the
// teacher's Executor.execSelect does: try an index, then ask the cost model
// whether it actually beats a full scan.
type Planner struct {
	store *docstore.Store
	ev    Evaluator
}

func NewPlanner(store *docstore.Store, ev Evaluator) *Planner {
	return &Planner{store: store, ev: ev}
}

// Plan builds the operator pipeline for req.
func (p *Planner) Plan(req Request) (Operator, error) {
	meta := p.store.CollectionMeta(req.Collection)
	if meta == nil {
		return nil, collectionNotFound(req.Collection)
	}

	filter := req.Filter
	if filter == nil {
		filter = True{}
	}

	leaf, rest := splitLeadingCompare(filter)

	op, orderedByField, err := p.planAccessPath(req.Collection, meta, leaf, rest)
	if err != nil {
		return nil, err
	}
	if op == nil {
		// No usable index path: full scan with the whole predicate pushed down.
		scan, err := NewScanOperator(p.store, req.Collection, filter, p.ev)
		if err != nil {
			return nil, err
		}
		op = scan
	} else if rest != nil {
		op = NewFilterOperator(op, rest, p.ev)
	}

	if req.OrderBy != "" && !(orderedByField == req.OrderBy && !req.Desc) {
		sorted, err := NewSortOperator(op, fieldKeyFn(req.OrderBy, p.ev), req.Desc)
		if err != nil {
			return nil, err
		}
		op = sorted
	}

	if req.Skip > 0 {
		op = NewSkipOperator(op, req.Skip)
	}
	if req.Take > 0 {
		op = NewTakeOperator(op, req.Take)
	}
	return op, nil
}

func fieldKeyFn(field string, ev Evaluator) func(Row) []byte {
	return func(r Row) []byte {
		v, _ := ev.ExtractField(r.Payload, field)
		return v
	}
}

// splitLeadingCompare pulls the first Compare clause out of an And (or a
// bare Compare) so the planner can consider it for an index access path,
// returning the remaining clauses (nil if none) to push down as a filter
// over whatever the access path produces.
func splitLeadingCompare(expr Expr) (leaf *Compare, rest Expr) {
	switch e := expr.(type) {
	case Compare:
		return &e, nil
	case *Compare:
		return e, nil
	case And:
		return splitAnd(e.Clauses)
	case *And:
		return splitAnd(e.Clauses)
	default:
		return nil, expr
	}
}

func splitAnd(clauses []Expr) (*Compare, Expr) {
	for i, c := range clauses {
		var cmp *Compare
		switch v := c.(type) {
		case Compare:
			cmp = &v
		case *Compare:
			cmp = v
		}
		if cmp == nil {
			continue
		}
		remaining := make([]Expr, 0, len(clauses)-1)
		remaining = append(remaining, clauses[:i]...)
		remaining = append(remaining, clauses[i+1:]...)
		if len(remaining) == 0 {
			return cmp, nil
		}
		return cmp, &And{Clauses: remaining}
	}
	return nil, &And{Clauses: clauses}
}

// planAccessPath attempts an index-seek/index-range/index-prefix plan for
// leaf, falling back to nil (meaning: caller should full-scan) when there is
// no matching index or the cost model prefers a scan. orderedByField is set
// when the returned operator already yields rows in ascending key order, so
// Plan can skip a redundant in-memory sort.
func (p *Planner) planAccessPath(collection string, meta *docstore.CollectionMeta, leaf *Compare, rest Expr) (Operator, string, error) {
	if leaf == nil {
		return nil, "", nil
	}
	var im *docstore.IndexMeta
	for i := range meta.Indexes {
		if meta.Indexes[i].Field == leaf.Field && meta.Indexes[i].Kind == index.KindBTree {
			im = &meta.Indexes[i]
			break
		}
	}
	if im == nil {
		return nil, "", nil
	}

	idx, err := p.store.OpenSecondaryIndex(collection, leaf.Field)
	if err != nil {
		return nil, "", err
	}

	switch leaf.Op {
	case OpEq:
		op, err := NewSeekOperator(p.store, collection, idx, leaf.Value)
		if err != nil {
			return nil, "", err
		}
		if !p.worthIt(collection, op.EstimateCardinality()) {
			return nil, "", nil
		}
		return op, "", nil // a point lookup carries no useful order
	case OpLt:
		op, err := NewRangeOperator(p.store, collection, idx, nil, leaf.Value, false, true)
		return finishRange(op, err, leaf.Field, p, collection)
	case OpLte:
		op, err := NewRangeOperator(p.store, collection, idx, nil, leaf.Value, false, false)
		return finishRange(op, err, leaf.Field, p, collection)
	case OpGt:
		op, err := NewRangeOperator(p.store, collection, idx, leaf.Value, nil, true, false)
		return finishRange(op, err, leaf.Field, p, collection)
	case OpGte:
		op, err := NewRangeOperator(p.store, collection, idx, leaf.Value, nil, false, false)
		return finishRange(op, err, leaf.Field, p, collection)
	case OpStartsWith:
		upper := prefixUpperBound(leaf.Value)
		op, err := NewRangeOperator(p.store, collection, idx, leaf.Value, upper, false, upper != nil)
		return finishRange(op, err, leaf.Field, p, collection)
	default:
		return nil, "", nil
	}
}

func finishRange(op *RangeOperator, err error, field string, p *Planner, collection string) (Operator, string, error) {
	if err != nil {
		return nil, "", err
	}
	if !p.worthIt(collection, op.EstimateCardinality()) {
		return nil, "", nil
	}
	return op, field, nil
}

// prefixUpperBound returns the smallest byte string that sorts after every
// string with the given prefix, or nil if the prefix is all 0xFF bytes (an
// unbounded scan from prefix onward is then the only option).
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// worthIt applies the teacher's shouldUseIndex heuristic: always use the
// index below the selectivity threshold or when the collection is small
// relative to the random-page cost penalty; otherwise compare modeled costs.
// Page counts aren't tracked per collection here, so this substitutes
// document count as the cost-model's page-count proxy — a deliberate
// simplification over the teacher's real per-collection page stats, noted in
// the design ledger.
func (p *Planner) worthIt(collection string, matchCount int64) bool {
	if matchCount <= 0 {
		return true
	}
	total, err := p.store.Count(collection)
	if err != nil || total == 0 {
		return true
	}
	rows := int64(total)
	if rows <= 2 {
		return true
	}
	if float64(matchCount)/float64(rows) <= selectivityThreshold {
		return true
	}
	fullScanCost := float64(rows)*costSeqPage + float64(rows)*costCPUPerRow
	indexCost := float64(matchCount)*costRandPage + float64(matchCount)*costCPUPerRow
	return indexCost < fullScanCost
}
