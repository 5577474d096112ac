package docstore

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/foliadb/foliadb/changestream"
	"github.com/foliadb/foliadb/checkpoint"
	"github.com/foliadb/foliadb/errs"
	"github.com/foliadb/foliadb/index"
	"github.com/foliadb/foliadb/keys"
	"github.com/foliadb/foliadb/storage"
	"github.com/foliadb/foliadb/txn"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pf := newTestPageFile(t)
	cat, err := OpenCatalog(pf)
	require.NoError(t, err)
	txMgr, err := txn.NewManager(pf)
	require.NoError(t, err)
	ckpt := checkpoint.NewManager(pf, checkpoint.Config{})
	return NewStore(pf, txMgr, ckpt, cat)
}

func TestInsertAndFindByID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindObjectID)
	require.NoError(t, err)

	id, err := s.Insert("users", nil, []byte("hello world"), nil)
	require.NoError(t, err)
	require.Len(t, id, 12)

	got, err := s.FindByID("users", id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)
}

func TestInsertWithExplicitIntegerID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("jobs", keys.KindInteger)
	require.NoError(t, err)

	id, err := s.Insert("jobs", uint64(42), []byte("payload"), nil)
	require.NoError(t, err)

	got, err := s.FindByID("jobs", id)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestInsertGeneratesIncreasingIntegerIDs(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("jobs", keys.KindInteger)
	require.NoError(t, err)

	id1, err := s.Insert("jobs", nil, []byte("a"), nil)
	require.NoError(t, err)
	id2, err := s.Insert("jobs", nil, []byte("b"), nil)
	require.NoError(t, err)
	require.True(t, bytes.Compare(id1, id2) < 0)
}

func TestInsertDuplicateIDFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("jobs", keys.KindInteger)
	require.NoError(t, err)

	_, err = s.Insert("jobs", uint64(1), []byte("a"), nil)
	require.NoError(t, err)
	_, err = s.Insert("jobs", uint64(1), []byte("b"), nil)
	require.ErrorIs(t, err, errs.ErrDuplicateKey)
}

func TestInsertOversizedPayloadUsesOverflow(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("blobs", keys.KindInteger)
	require.NoError(t, err)

	big := []byte(strings.Repeat("x", storage.PageSize4K*3))
	id, err := s.Insert("blobs", uint64(1), big, nil)
	require.NoError(t, err)

	got, err := s.FindByID("blobs", id)
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestFindByIDMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindObjectID)
	require.NoError(t, err)

	_, err = s.FindByID("users", []byte("does-not-exist"))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateSameSizeInPlace(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)

	id, err := s.Insert("users", uint64(1), []byte("aaaa"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Update("users", id, []byte("bbbb"), nil, nil))

	got, err := s.FindByID("users", id)
	require.NoError(t, err)
	require.Equal(t, []byte("bbbb"), got)
}

func TestUpdateDifferentSizeReinserts(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)

	id, err := s.Insert("users", uint64(1), []byte("short"), nil)
	require.NoError(t, err)

	longer := strings.Repeat("y", 500)
	require.NoError(t, s.Update("users", id, []byte(longer), nil, nil))

	got, err := s.FindByID("users", id)
	require.NoError(t, err)
	require.Equal(t, longer, string(got))
}

func TestDeleteRemovesDocument(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)

	id, err := s.Insert("users", uint64(1), []byte("gone soon"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete("users", id, nil))

	_, err = s.FindByID("users", id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestScanReturnsAllLiveDocuments(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		_, err := s.Insert("users", i, []byte("doc"), nil)
		require.NoError(t, err)
	}
	deadID, err := s.Insert("users", uint64(99), []byte("dead"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete("users", deadID, nil))

	docs, err := s.Scan("users")
	require.NoError(t, err)
	require.Len(t, docs, 5)

	count, err := s.Count("users")
	require.NoError(t, err)
	require.EqualValues(t, 5, count)
}

func TestSecondaryIndexInsertAndUnique(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)
	require.NoError(t, s.CreateIndex("users", "email", index.KindBTree, true))

	emailKey := keys.EncodeFieldValue("alice@example.com")
	_, err = s.Insert("users", uint64(1), []byte("alice"), map[string][]byte{"email": emailKey})
	require.NoError(t, err)

	_, err = s.Insert("users", uint64(2), []byte("alice2"), map[string][]byte{"email": emailKey})
	require.ErrorIs(t, err, errs.ErrDuplicateKey)
}

func TestBulkInsert(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)

	items := []BulkInsertItem{
		{ID: uint64(1), Payload: []byte("a")},
		{ID: uint64(2), Payload: []byte("b")},
		{ID: uint64(3), Payload: []byte("c")},
	}
	ids, err := s.BulkInsert("users", items)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	count, err := s.Count("users")
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

func TestInsertPublishesChangeStreamEvent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)

	disp := changestream.New(zerolog.Nop())
	disp.Start()
	t.Cleanup(disp.Stop)
	s.SetDispatcher(disp)

	sub := disp.Subscribe("users", true)
	defer sub.Close()

	id, err := s.Insert("users", uint64(1), []byte("payload"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, changestream.OpInsert, ev.Op)
	require.Equal(t, id, ev.DocID)
	require.Equal(t, []byte("payload"), ev.Payload)
}

func TestNoSubscriberSkipsPayloadCapture(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)

	disp := changestream.New(zerolog.Nop())
	disp.Start()
	t.Cleanup(disp.Stop)
	s.SetDispatcher(disp)

	sub := disp.Subscribe("users", false)
	defer sub.Close()

	_, err = s.Insert("users", uint64(1), []byte("payload"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Nil(t, ev.Payload)
}

func TestDropCollectionRemovesCatalogEntry(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)
	_, err = s.Insert("users", uint64(1), []byte("a"), nil)
	require.NoError(t, err)

	require.NoError(t, s.DropCollection("users"))

	_, err = s.FindByID("users", []byte{0})
	require.Error(t, err)
}

func TestCompactReclaimsTombstonedSpace(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)

	var ids [][]byte
	for i := uint64(1); i <= 6; i++ {
		id, err := s.Insert("users", i, []byte("some payload"), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// Delete every other document so the surviving slots have gaps.
	for i := 0; i < len(ids); i += 2 {
		require.NoError(t, s.Delete("users", ids[i], nil))
	}

	reclaimed, err := s.Compact("users")
	require.NoError(t, err)
	require.Greater(t, reclaimed, 0)

	// Every surviving document must still resolve after its slot moved.
	for i := 1; i < len(ids); i += 2 {
		got, err := s.FindByID("users", ids[i])
		require.NoError(t, err)
		require.Equal(t, []byte("some payload"), got)
	}
	for i := 0; i < len(ids); i += 2 {
		_, err := s.FindByID("users", ids[i])
		require.ErrorIs(t, err, errs.ErrNotFound)
	}

	docs, err := s.Scan("users")
	require.NoError(t, err)
	require.Len(t, docs, 3)
}

func TestCompactFreesFullyTombstonedPage(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)

	id, err := s.Insert("users", uint64(1), []byte("solo"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete("users", id, nil))

	meta := s.CollectionMeta("users")
	require.NotZero(t, meta.FirstDataID)

	reclaimed, err := s.Compact("users")
	require.NoError(t, err)
	require.GreaterOrEqual(t, reclaimed, 0)

	meta = s.CollectionMeta("users")
	require.Zero(t, meta.FirstDataID)
}

func TestCompactOnCleanCollectionIsNoop(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateCollection("users", keys.KindInteger)
	require.NoError(t, err)
	_, err = s.Insert("users", uint64(1), []byte("a"), nil)
	require.NoError(t, err)

	reclaimed, err := s.Compact("users")
	require.NoError(t, err)
	require.Zero(t, reclaimed)
}
