package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mailboat/mailboat/internal/exterrors"
	"github.com/mailboat/mailboat/internal/log"
	"github.com/mailboat/mailboat/internal/workerpool"
)

// MemSentinel is the database path value that selects an in-memory-only
// store instead of an on-disk file.
const MemSentinel = ":mem:"

// Hub owns the single embedded database file (or in-memory database)
// backing every named collection (users, profiles, mailboxs,
// mail_records, mails, tokens, and the outbound queue). It is an owned
// singleton, with collections handed out as non-owning references.
//
// The underlying engine (SQLite via mattn/go-sqlite3) is synchronous;
// Hub forces a single connection (SetMaxOpenConns(1)) so all access is
// naturally serialized the way a single-writer embedded engine would be,
// and routes every call through a bounded worker pool that limits how
// many engine calls run at once. Each call still runs on, and blocks,
// the caller's goroutine.
type Hub struct {
	db   *sql.DB
	pool *workerpool.Pool
	log  log.Logger

	mu    sync.Mutex
	known map[string]bool
}

// OpenHub opens (creating if necessary) the embedded store at path, or
// an in-memory-only store if path is MemSentinel.
func OpenHub(path string, l log.Logger) (*Hub, error) {
	dsn := path
	if path == MemSentinel {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, exterrors.New(exterrors.Storage, "opening record store", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, exterrors.New(exterrors.Storage, "pinging record store", err)
	}
	return &Hub{
		db:    db,
		pool:  workerpool.New(8),
		log:   l,
		known: make(map[string]bool),
	}, nil
}

// Close releases the underlying database handle.
func (h *Hub) Close() error {
	return h.db.Close()
}

func (h *Hub) ensureTable(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.known[name] {
		return nil
	}
	return h.pool.Do(ctx, func() error {
		_, err := h.db.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %q (id INTEGER PRIMARY KEY AUTOINCREMENT, doc TEXT NOT NULL)`, name))
		if err != nil {
			return exterrors.New(exterrors.Storage, "creating collection "+name, err)
		}
		h.known[name] = true
		return nil
	})
}

// OpenCollection returns (creating the backing table if needed) the
// named collection for record type T, using adapter to translate
// between T and the persisted Doc form.
func OpenCollection[T any](ctx context.Context, h *Hub, name string, adapter Adapter[T]) (Collection[T], error) {
	if err := h.ensureTable(ctx, name); err != nil {
		return nil, err
	}
	return &sqliteCollection[T]{hub: h, table: name, adapter: adapter}, nil
}

type sqliteCollection[T any] struct {
	hub     *Hub
	table   string
	adapter Adapter[T]
}

func (c *sqliteCollection[T]) encode(v T) (string, error) {
	doc := c.adapter.ToDoc(v)
	b, err := json.Marshal(doc)
	if err != nil {
		return "", exterrors.New(exterrors.Storage, "encoding record", err)
	}
	return string(b), nil
}

func (c *sqliteCollection[T]) decode(id int64, raw string) (Stored[T], error) {
	var doc Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Stored[T]{}, exterrors.New(exterrors.Storage, "decoding record", err)
	}
	v, err := c.adapter.FromDoc(doc)
	if err != nil {
		return Stored[T]{}, exterrors.New(exterrors.Storage, "decoding record", err)
	}
	return Stored[T]{ID: id, Value: v}, nil
}

func (c *sqliteCollection[T]) Store(ctx context.Context, v T) (Stored[T], error) {
	raw, err := c.encode(v)
	if err != nil {
		return Stored[T]{}, err
	}
	return workerpool.DoValue(ctx, c.hub.pool, func() (Stored[T], error) {
		res, err := c.hub.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %q (doc) VALUES (?)`, c.table), raw)
		if err != nil {
			return Stored[T]{}, exterrors.New(exterrors.Storage, "storing record", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return Stored[T]{}, exterrors.New(exterrors.Storage, "storing record", err)
		}
		return Stored[T]{ID: id, Value: v}, nil
	})
}

func (c *sqliteCollection[T]) scanAll(ctx context.Context) ([]Stored[T], error) {
	return workerpool.DoValue(ctx, c.hub.pool, func() ([]Stored[T], error) {
		rows, err := c.hub.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, doc FROM %q ORDER BY id`, c.table))
		if err != nil {
			return nil, exterrors.New(exterrors.Storage, "scanning collection", err)
		}
		defer rows.Close()

		var out []Stored[T]
		for rows.Next() {
			var id int64
			var raw string
			if err := rows.Scan(&id, &raw); err != nil {
				return nil, exterrors.New(exterrors.Storage, "scanning collection", err)
			}
			sv, err := c.decode(id, raw)
			if err != nil {
				return nil, err
			}
			out = append(out, sv)
		}
		return out, rows.Err()
	})
}

// Find streams matches over a bounded channel. Each call acquires its
// own logical "cursor" (a fresh snapshot of the table at call time) so
// concurrent Find calls never interfere with each other's iteration
// state.
func (c *sqliteCollection[T]) Find(ctx context.Context, query Doc) (<-chan Stored[T], error) {
	all, err := c.scanAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan Stored[T], 16)
	go func() {
		defer close(out)
		for _, sv := range all {
			if !match(c.adapter.ToDoc(sv.Value), query) {
				continue
			}
			select {
			case out <- sv:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *sqliteCollection[T]) FindOne(ctx context.Context, query Doc) (Stored[T], bool, error) {
	all, err := c.scanAll(ctx)
	if err != nil {
		return Stored[T]{}, false, err
	}
	for _, sv := range all {
		if match(c.adapter.ToDoc(sv.Value), query) {
			return sv, true, nil
		}
	}
	return Stored[T]{}, false, nil
}

func (c *sqliteCollection[T]) Get(ctx context.Context, id int64) (Stored[T], bool, error) {
	var raw string
	err := c.hub.pool.Do(ctx, func() error {
		row := c.hub.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %q WHERE id = ?`, c.table), id)
		return row.Scan(&raw)
	})
	if err == sql.ErrNoRows {
		return Stored[T]{}, false, nil
	}
	if err != nil {
		return Stored[T]{}, false, exterrors.New(exterrors.Storage, "fetching record", err)
	}
	sv, err := c.decode(id, raw)
	if err != nil {
		return Stored[T]{}, false, err
	}
	return sv, true, nil
}

func (c *sqliteCollection[T]) replace(ctx context.Context, id int64, v T) (Stored[T], error) {
	raw, err := c.encode(v)
	if err != nil {
		return Stored[T]{}, err
	}
	return workerpool.DoValue(ctx, c.hub.pool, func() (Stored[T], error) {
		_, err := c.hub.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %q SET doc = ? WHERE id = ?`, c.table), raw, id)
		if err != nil {
			return Stored[T]{}, exterrors.New(exterrors.Storage, "updating record", err)
		}
		return Stored[T]{ID: id, Value: v}, nil
	})
}

func (c *sqliteCollection[T]) UpdateOne(ctx context.Context, query Doc, replacement T) (Stored[T], bool, error) {
	existing, ok, err := c.FindOne(ctx, query)
	if err != nil || !ok {
		return Stored[T]{}, false, err
	}
	sv, err := c.replace(ctx, existing.ID, replacement)
	if err != nil {
		return Stored[T]{}, false, err
	}
	return sv, true, nil
}

func (c *sqliteCollection[T]) Upsert(ctx context.Context, query Doc, replacement T) (Stored[T], error) {
	sv, ok, err := c.UpdateOne(ctx, query, replacement)
	if err != nil {
		return Stored[T]{}, err
	}
	if ok {
		return sv, nil
	}
	return c.Store(ctx, replacement)
}

func (c *sqliteCollection[T]) Remove(ctx context.Context, query Doc) (int, error) {
	all, err := c.scanAll(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sv := range all {
		if !match(c.adapter.ToDoc(sv.Value), query) {
			continue
		}
		ok, err := c.DeleteID(ctx, sv.ID)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (c *sqliteCollection[T]) RemoveOne(ctx context.Context, query Doc) (bool, error) {
	sv, ok, err := c.FindOne(ctx, query)
	if err != nil || !ok {
		return false, err
	}
	return c.DeleteID(ctx, sv.ID)
}

func (c *sqliteCollection[T]) DeleteID(ctx context.Context, id int64) (bool, error) {
	return workerpool.DoValue(ctx, c.hub.pool, func() (bool, error) {
		res, err := c.hub.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, c.table), id)
		if err != nil {
			return false, exterrors.New(exterrors.Storage, "removing record", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, exterrors.New(exterrors.Storage, "removing record", err)
		}
		return n > 0, nil
	})
}

var _ Collection[struct{}] = (*sqliteCollection[struct{}])(nil)
