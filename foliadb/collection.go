package foliadb

import (
	"context"

	"github.com/foliadb/foliadb/changestream"
	"github.com/foliadb/foliadb/keys"
	"github.com/foliadb/foliadb/query"
)

// Codec is the external, per-document-type collaborator SPEC_FULL.md's
// "out of scope" list calls for: it knows how to turn a T into the opaque
// binary payload docstore.Store stores, how to read one back, which fields
// get secondary-indexed, and how to pull an indexed field's encoded bytes
// back out of a raw payload for the query planner. Nothing in this package
// inspects a payload's bytes itself — Collection only ever calls back into
// the caller-supplied Codec, the same "explicit codec interface instead of
// reflection" boundary docstore draws around secondaryKeys (§9 Open
// Question).
type Codec[T any] interface {
	query.Evaluator
	Encode(doc T) ([]byte, error)
	Decode(payload []byte) (T, error)
	// SecondaryKeys returns the encoded value for every field doc has a
	// secondary index on, keyed by field name.
	SecondaryKeys(doc T) map[string][]byte
}

// Collection is a typed handle onto one collection, mirroring SPEC_FULL.md
// §6's "Collections with: insert, insert_bulk, find_by_id, update, delete,
// find(predicate), query(...), count, watch(capture_payload?)".
type Collection[T any] struct {
	engine *Engine
	name   string
	codec  Codec[T]
	plan   *query.Planner
}

// Collections opens a typed handle onto collection name, first creating it
// with the KindObjectID id-kind if the catalog has no such collection. Go methods
// cannot introduce their own type parameters, so this is a package-level
// generic function rather than an Engine method, the same shape the
// language forces on any generic "open a typed view of an untyped store"
// helper.
func Collections[T any](e *Engine, name string, codec Codec[T]) (*Collection[T], error) {
	if meta := e.str.CollectionMeta(name); meta == nil {
		// No existing catalog entry: create one with the default id-kind.
		// Callers that need a specific id-kind should call
		// Engine.CreateCollection explicitly before opening the typed handle.
		if err := e.CreateCollection(name, keys.KindObjectID); err != nil {
			return nil, err
		}
	}
	return &Collection[T]{engine: e, name: name, codec: codec, plan: query.NewPlanner(e.str, codec)}, nil
}

// Insert stores doc under id (nil to auto-generate) and returns the assigned
// document id.
func (c *Collection[T]) Insert(id interface{}, doc T) ([]byte, error) {
	payload, err := c.codec.Encode(doc)
	if err != nil {
		return nil, err
	}
	return c.engine.str.Insert(c.name, id, payload, c.codec.SecondaryKeys(doc))
}

// FindByID returns the document stored under id.
func (c *Collection[T]) FindByID(id []byte) (T, error) {
	var zero T
	payload, err := c.engine.str.FindByID(c.name, id)
	if err != nil {
		return zero, err
	}
	return c.codec.Decode(payload)
}

// Update replaces the document stored under id with doc.
func (c *Collection[T]) Update(id []byte, oldDoc, doc T) error {
	payload, err := c.codec.Encode(doc)
	if err != nil {
		return err
	}
	return c.engine.str.Update(c.name, id, payload, c.codec.SecondaryKeys(oldDoc), c.codec.SecondaryKeys(doc))
}

// Delete removes the document stored under id. oldDoc is needed to clean up
// any secondary index entries, the same oldSecondaryKeys docstore.Store.Delete
// requires.
func (c *Collection[T]) Delete(id []byte, oldDoc T) error {
	return c.engine.str.Delete(c.name, id, c.codec.SecondaryKeys(oldDoc))
}

// Count returns the number of live documents in the collection.
func (c *Collection[T]) Count() (uint64, error) { return c.engine.str.Count(c.name) }

// Compact reclaims tombstoned space in the collection's data pages. See
// docstore.Store.Compact.
func (c *Collection[T]) Compact() (int, error) { return c.engine.str.Compact(c.name) }

// Find returns every document matching predicate, via a full collection scan
// with the predicate evaluated per document.
func (c *Collection[T]) Find(predicate query.Expr) ([]T, error) {
	op, err := query.NewScanOperator(c.engine.str, c.name, predicate, c.codec)
	if err != nil {
		return nil, err
	}
	return c.collect(op)
}

// Query plans and runs req, choosing an index access path when the planner's
// cost model says it is worth it (§4.8).
func (c *Collection[T]) Query(req query.Request) ([]T, error) {
	req.Collection = c.name
	op, err := c.plan.Plan(req)
	if err != nil {
		return nil, err
	}
	return c.collect(op)
}

func (c *Collection[T]) collect(op query.Operator) ([]T, error) {
	rows, err := query.Collect(op)
	if err != nil {
		return nil, err
	}
	docs := make([]T, 0, len(rows))
	for _, r := range rows {
		doc, err := c.codec.Decode(r.Payload)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Watch subscribes to this collection's change stream, mirroring §6's
// "watch(capture_payload?)".
func (c *Collection[T]) Watch(capturePayload bool) *changestream.Subscription {
	return c.engine.dsp.Subscribe(c.name, capturePayload)
}

// WatchDecoded wraps Watch, decoding each event's captured payload (if any)
// through the collection's codec for callers that want typed change events
// rather than raw bytes.
func (c *Collection[T]) WatchDecoded(ctx context.Context, capturePayload bool, fn func(changestream.Event, *T) error) error {
	sub := c.Watch(capturePayload)
	defer sub.Close()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		var decoded *T
		if len(ev.Payload) > 0 {
			doc, err := c.codec.Decode(ev.Payload)
			if err != nil {
				return err
			}
			decoded = &doc
		}
		if err := fn(ev, decoded); err != nil {
			return err
		}
	}
}
