package foliadb

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foliadb/foliadb/index"
	"github.com/foliadb/foliadb/keys"
	"github.com/foliadb/foliadb/query"
)

// person is the toy document type used across these tests, paired with
// personCodec below.
type person struct {
	Name string
	Age  int64
}

type personCodec struct{}

func (personCodec) Encode(p person) ([]byte, error) {
	name := []byte(p.Name)
	var age [8]byte
	binary.BigEndian.PutUint64(age[:], uint64(p.Age))
	var nameLen [4]byte
	binary.BigEndian.PutUint32(nameLen[:], uint32(len(name)))
	out := append([]byte{}, nameLen[:]...)
	out = append(out, name...)
	out = append(out, age[:]...)
	return out, nil
}

func (personCodec) Decode(payload []byte) (person, error) {
	n := binary.BigEndian.Uint32(payload[:4])
	name := string(payload[4 : 4+n])
	age := int64(binary.BigEndian.Uint64(payload[4+n:]))
	return person{Name: name, Age: age}, nil
}

func (personCodec) SecondaryKeys(p person) map[string][]byte {
	return map[string][]byte{"age": keys.EncodeFieldValue(p.Age)}
}

func (personCodec) ExtractField(payload []byte, field string) ([]byte, bool) {
	if field != "age" {
		return nil, false
	}
	n := binary.BigEndian.Uint32(payload[:4])
	age := int64(binary.BigEndian.Uint64(payload[4+n:]))
	return keys.EncodeFieldValue(age), true
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := OpenMemory(Config{})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineInsertAndFindByID(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.CreateCollection("people", keys.KindInteger))

	people, err := Collections[person](e, "people", personCodec{})
	require.NoError(t, err)

	id, err := people.Insert(uint64(1), person{Name: "alice", Age: 30})
	require.NoError(t, err)

	got, err := people.FindByID(id)
	require.NoError(t, err)
	require.Equal(t, person{Name: "alice", Age: 30}, got)
}

func TestEngineUpdateAndDelete(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.CreateCollection("people", keys.KindInteger))
	people, err := Collections[person](e, "people", personCodec{})
	require.NoError(t, err)

	id, err := people.Insert(uint64(1), person{Name: "bob", Age: 25})
	require.NoError(t, err)

	require.NoError(t, people.Update(id, person{Name: "bob", Age: 25}, person{Name: "bob", Age: 26}))
	got, err := people.FindByID(id)
	require.NoError(t, err)
	require.Equal(t, int64(26), got.Age)

	require.NoError(t, people.Delete(id, got))
	_, err = people.FindByID(id)
	require.Error(t, err)
}

func TestEngineQueryUsesIndex(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.CreateCollection("people", keys.KindInteger))
	require.NoError(t, e.CreateIndex("people", "age", index.KindBTree, false))
	people, err := Collections[person](e, "people", personCodec{})
	require.NoError(t, err)

	_, err = people.Insert(uint64(1), person{Name: "alice", Age: 30})
	require.NoError(t, err)
	_, err = people.Insert(uint64(2), person{Name: "bob", Age: 25})
	require.NoError(t, err)

	got, err := people.Query(query.Request{
		Filter: &query.Compare{Field: "age", Op: query.OpEq, Value: keys.EncodeFieldValue(int64(25))},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "bob", got[0].Name)
}

func TestEngineWatchReceivesInsertEvent(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.CreateCollection("people", keys.KindInteger))
	people, err := Collections[person](e, "people", personCodec{})
	require.NoError(t, err)

	sub := people.Watch(true)
	defer sub.Close()

	_, err = people.Insert(uint64(1), person{Name: "carol", Age: 40})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "people", ev.Collection)
}

func TestCollectionCompactReclaimsSpace(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.CreateCollection("people", keys.KindInteger))
	people, err := Collections[person](e, "people", personCodec{})
	require.NoError(t, err)

	var ids [][]byte
	for i := uint64(1); i <= 4; i++ {
		id, err := people.Insert(i, person{Name: "x", Age: int64(i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 0; i < len(ids); i += 2 {
		require.NoError(t, people.Delete(ids[i], person{Name: "x", Age: int64(i + 1)}))
	}

	reclaimed, err := people.Compact()
	require.NoError(t, err)
	require.GreaterOrEqual(t, reclaimed, 0)

	count, err := people.Count()
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestTxCommitAndRollbackGuardReuse(t *testing.T) {
	e := newTestEngine(t)
	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Error(t, tx.Commit())

	tx2, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
	require.Error(t, tx2.Rollback())
}
