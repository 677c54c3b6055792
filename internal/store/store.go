// Package store implements the Record Store: a generic, collection-
// oriented CRUD abstraction over dictionary-shaped records, backed by an
// embedded on-disk (or in-memory) engine.
//
// A Collection[T] is type-safe at the call site; internally every record
// is converted to and from a Doc (the dictionary form actually
// persisted) by an Adapter. The default Adapter uses struct field
// introspection and strips the engine-assigned id on read, rebuilding
// records by name-keyed construction.
package store

import "context"

// Doc is the dictionary form persisted by the underlying engine: an
// arbitrary set of named fields. Collection adapters translate between a
// concrete record type T and Doc.
type Doc map[string]interface{}

// Stored wraps a record with the internal id the engine assigned it.
// The id is never part of T itself; it is carried alongside T only where
// a caller needs to address the record later (queue removal, updates and
// deletes by id).
type Stored[T any] struct {
	ID    int64
	Value T
}

// Adapter converts between a concrete record type T and the dictionary
// form the engine persists.
type Adapter[T any] interface {
	ToDoc(v T) Doc
	FromDoc(d Doc) (T, error)
}

// Collection is the generic Record Store contract for a record type T.
// Every method is a suspension point: calls go through a bounded worker
// pool that limits concurrent engine I/O, and block the calling
// goroutine until they complete.
type Collection[T any] interface {
	// Store assigns a fresh internal id, persists v, and returns the
	// stored value together with that id.
	Store(ctx context.Context, v T) (Stored[T], error)

	// Find yields every record matching query: for each key in query,
	// the record's corresponding field must be equal (equality match
	// only; a query key absent from a record's fields never matches).
	// The returned channel is closed when iteration completes; if the
	// caller stops receiving before exhausting it and cancels ctx, the
	// producing goroutine is released.
	Find(ctx context.Context, query Doc) (<-chan Stored[T], error)

	// FindOne returns the first record matching query, if any.
	FindOne(ctx context.Context, query Doc) (Stored[T], bool, error)

	// Get fetches a record by its internal id.
	Get(ctx context.Context, id int64) (Stored[T], bool, error)

	// UpdateOne replaces the first record matching query with
	// replacement, preserving its internal id. Returns ok=false if no
	// record matched.
	UpdateOne(ctx context.Context, query Doc, replacement T) (Stored[T], bool, error)

	// Upsert is UpdateOne, but inserts replacement as a new record (via
	// Store) when no record matches query.
	Upsert(ctx context.Context, query Doc, replacement T) (Stored[T], error)

	// Remove deletes every record matching query and reports how many
	// were removed.
	Remove(ctx context.Context, query Doc) (int, error)

	// RemoveOne deletes the first record matching query. Calling it
	// again with a query that no longer matches anything is a no-op
	// returning ok=false.
	RemoveOne(ctx context.Context, query Doc) (bool, error)

	// DeleteID removes the record with the given internal id. It is
	// idempotent: deleting an id twice returns ok=false the second time
	// without error.
	DeleteID(ctx context.Context, id int64) (bool, error)
}

// match reports whether doc satisfies query: every key in query must be
// present in doc with an equal value, after normalizing both sides
// through the same JSON-shaped representation (so e.g. an int field and
// a query value of int compare equal even though the engine round-trips
// everything through JSON internally).
func match(doc Doc, query Doc) bool {
	for k, want := range query {
		got, ok := doc[k]
		if !ok {
			return false
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}
