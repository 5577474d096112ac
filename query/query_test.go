package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foliadb/foliadb/checkpoint"
	"github.com/foliadb/foliadb/docstore"
	"github.com/foliadb/foliadb/index"
	"github.com/foliadb/foliadb/keys"
	"github.com/foliadb/foliadb/storage"
	"github.com/foliadb/foliadb/txn"
)

// encodeFakeDoc builds the tiny in-test "document": two fields, name and
// age, each encoded with keys.EncodeFieldValue and packed with
// keys.EncodeComposite. fieldEvaluator
// knows this toy layout so it can stand in for the external codec §9
// describes without this package depending on one.
type fieldEvaluator struct{}

func encodeFakeDoc(name string, age int64) []byte {
	n := keys.EncodeFieldValue(name)
	a := keys.EncodeFieldValue(age)
	return keys.EncodeComposite(n, a)
}

func (fieldEvaluator) ExtractField(payload []byte, field string) ([]byte, bool) {
	parts := decodeComposite(payload)
	if len(parts) != 2 {
		return nil, false
	}
	switch field {
	case "name":
		return parts[0], true
	case "age":
		return parts[1], true
	default:
		return nil, false
	}
}

func decodeComposite(b []byte) [][]byte {
	var out [][]byte
	for len(b) >= 4 {
		n := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
		b = b[4:]
		if n > len(b) {
			return nil
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}

func newTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	pf, err := storage.OpenMemory(storage.OpenOptions{PageSize: storage.PageSize4K, GrowthBlock: 4})
	require.NoError(t, err)
	t.Cleanup(func() { pf.Close() })
	cat, err := docstore.OpenCatalog(pf)
	require.NoError(t, err)
	txMgr, err := txn.NewManager(pf)
	require.NoError(t, err)
	ckpt := checkpoint.NewManager(pf, checkpoint.Config{})
	return docstore.NewStore(pf, txMgr, ckpt, cat)
}

func seedUsers(t *testing.T, s *docstore.Store, withIndex bool) {
	t.Helper()
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)
	if withIndex {
		require.NoError(t, s.CreateIndex("users", "age", index.KindBTree, false))
	}
	people := []struct {
		name string
		age  int64
	}{
		{"alice", 30},
		{"bob", 25},
		{"carol", 40},
		{"dave", 25},
	}
	for i, p := range people {
		payload := encodeFakeDoc(p.name, p.age)
		keysMap := map[string][]byte{}
		if withIndex {
			keysMap["age"] = keys.EncodeFieldValue(p.age)
		}
		_, err := s.Insert("users", uint64(i+1), payload, keysMap)
		require.NoError(t, err)
	}
}

func TestScanOperatorAppliesPredicate(t *testing.T) {
	s := newTestStore(t)
	seedUsers(t, s, false)

	op, err := NewScanOperator(s, "users", &Compare{Field: "age", Op: OpEq, Value: keys.EncodeFieldValue(int64(25))}, fieldEvaluator{})
	require.NoError(t, err)
	rows, err := Collect(op)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestPlannerEqualityOnIndexedField(t *testing.T) {
	s := newTestStore(t)
	seedUsers(t, s, true)

	p := NewPlanner(s, fieldEvaluator{})
	op, err := p.Plan(Request{
		Collection: "users",
		Filter:     &Compare{Field: "age", Op: OpEq, Value: keys.EncodeFieldValue(int64(25))},
	})
	require.NoError(t, err)
	rows, err := Collect(op)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestPlannerInequalityOnIndexedField(t *testing.T) {
	s := newTestStore(t)
	seedUsers(t, s, true)

	p := NewPlanner(s, fieldEvaluator{})
	op, err := p.Plan(Request{
		Collection: "users",
		Filter:     &Compare{Field: "age", Op: OpGte, Value: keys.EncodeFieldValue(int64(30))},
	})
	require.NoError(t, err)
	rows, err := Collect(op)
	require.NoError(t, err)
	require.Len(t, rows, 2) // alice(30), carol(40)
}

func TestPlannerFallsBackToScanWithoutIndex(t *testing.T) {
	s := newTestStore(t)
	seedUsers(t, s, false)

	p := NewPlanner(s, fieldEvaluator{})
	op, err := p.Plan(Request{
		Collection: "users",
		Filter:     &Compare{Field: "age", Op: OpEq, Value: keys.EncodeFieldValue(int64(40))},
	})
	require.NoError(t, err)
	rows, err := Collect(op)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestPlannerSortSkipTake(t *testing.T) {
	s := newTestStore(t)
	seedUsers(t, s, false)

	p := NewPlanner(s, fieldEvaluator{})
	op, err := p.Plan(Request{
		Collection: "users",
		OrderBy:    "age",
		Skip:       1,
		Take:       2,
	})
	require.NoError(t, err)
	rows, err := Collect(op)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	_, firstAge := fieldEvaluator{}.ExtractField(rows[0].Payload, "age")
	require.Equal(t, keys.EncodeFieldValue(int64(25)), firstAge)
}

func TestAndExprShortCircuits(t *testing.T) {
	ev := fieldEvaluator{}
	payload := encodeFakeDoc("alice", 30)
	expr := &And{Clauses: []Expr{
		&Compare{Field: "name", Op: OpEq, Value: keys.EncodeFieldValue("alice")},
		&Compare{Field: "age", Op: OpGt, Value: keys.EncodeFieldValue(int64(18))},
	}}
	require.True(t, Eval(expr, payload, ev))

	expr2 := &And{Clauses: []Expr{
		&Compare{Field: "name", Op: OpEq, Value: keys.EncodeFieldValue("bob")},
		&Compare{Field: "age", Op: OpGt, Value: keys.EncodeFieldValue(int64(18))},
	}}
	require.False(t, Eval(expr2, payload, ev))
}

func TestTakeOperatorLimitsResults(t *testing.T) {
	s := newTestStore(t)
	seedUsers(t, s, false)

	op, err := NewScanOperator(s, "users", True{}, fieldEvaluator{})
	require.NoError(t, err)
	limited := NewTakeOperator(op, 2)
	rows, err := Collect(limited)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}
