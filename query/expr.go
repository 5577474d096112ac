// Package query implements the physical operators and planner described in
// spec §4.8: collection-scan, index-seek, index-range, filter, project, sort,
// skip, take, composed by a cost-aware planner that prefers an index when it
// is cheaper than a full scan. Grounded on the teacher's engine/executor.go
// (iterator-producing operator methods on *Executor) and engine/optimizer.go
// (shouldUseIndex's cost constants and selectivity threshold), adapted from
// "plan a parsed SQL AST" to "plan a caller-built Expr tree" per §9's
// "expression predicate translation is out of scope for this core" and the
// spec's Non-goal on a SQL surface.
package query

// CompareOp is a single field-vs-constant comparison operator.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpLt
	OpLte
	OpGt
	OpGte
	OpStartsWith
)

func (o CompareOp) String() string {
	switch o {
	case OpEq:
		return "="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpStartsWith:
		return "starts-with"
	default:
		return "?"
	}
}

// Expr is a node in a filter expression tree. Value is pre-encoded by the
// caller (the same explicit-codec convention docstore's secondaryKeys
// parameter uses) so this package never has to know a document's field
// encoding — it only ever compares already-encoded bytes.
type Expr interface {
	isExpr()
}

// Compare is a leaf predicate: Field Op Value.
type Compare struct {
	Field string
	Op    CompareOp
	Value []byte
}

// And requires every clause to match.
type And struct{ Clauses []Expr }

// Or requires at least one clause to match.
type Or struct{ Clauses []Expr }

// Not inverts a clause.
type Not struct{ Clause Expr }

// True always matches (no filter).
type True struct{}

// False never matches.
type False struct{}

func (Compare) isExpr() {}
func (And) isExpr()     {}
func (Or) isExpr()      {}
func (Not) isExpr()     {}
func (True) isExpr()    {}
func (False) isExpr()   {}

// Evaluator extracts a field's encoded value from a document payload. It is
// the query package's side of the same "explicit codec interface instead of
// reflection" boundary docstore draws around secondary-index keys (§9 Open
// Question) — this package never decodes a payload itself, it only asks the
// caller-supplied Evaluator to.
type Evaluator interface {
	// ExtractField returns field's encoded value from payload, or found=false
	// if the document has no such field.
	ExtractField(payload []byte, field string) (value []byte, found bool)
}

// Eval walks expr against payload using ev to extract encoded field bytes,
// short-circuiting And/Or as soon as the result is determined. Mirrors the
// teacher's EvalExpr in shape (a single recursive switch over expression
// node types) though the node set here is the smaller And/Or/Not/Compare/
// True/False tree §9 calls for instead of a full SQL expression AST.
func Eval(expr Expr, payload []byte, ev Evaluator) bool {
	switch e := expr.(type) {
	case True:
		return true
	case False:
		return false
	case *Compare:
		return evalCompare(e, payload, ev)
	case Compare:
		return evalCompare(&e, payload, ev)
	case *And:
		for _, c := range e.Clauses {
			if !Eval(c, payload, ev) {
				return false
			}
		}
		return true
	case And:
		return Eval(&e, payload, ev)
	case *Or:
		for _, c := range e.Clauses {
			if Eval(c, payload, ev) {
				return true
			}
		}
		return false
	case Or:
		return Eval(&e, payload, ev)
	case *Not:
		return !Eval(e.Clause, payload, ev)
	case Not:
		return !Eval(e.Clause, payload, ev)
	default:
		return false
	}
}

func evalCompare(c *Compare, payload []byte, ev Evaluator) bool {
	actual, found := ev.ExtractField(payload, c.Field)
	if !found {
		return false
	}
	switch c.Op {
	case OpEq:
		return compareBytes(actual, c.Value) == 0
	case OpLt:
		return compareBytes(actual, c.Value) < 0
	case OpLte:
		return compareBytes(actual, c.Value) <= 0
	case OpGt:
		return compareBytes(actual, c.Value) > 0
	case OpGte:
		return compareBytes(actual, c.Value) >= 0
	case OpStartsWith:
		return len(actual) >= len(c.Value) && compareBytes(actual[:len(c.Value)], c.Value) == 0
	default:
		return false
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
