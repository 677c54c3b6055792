// Package queue implements the Email Queue: a FIFO durable queue
// of pending messages with put/get/remove(id), in two conforming
// flavors — an in-process MemoryQueue and a Record-Store-backed
// DurableQueue that recovers its FIFO order from disk on start.
package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/mailboat/mailboat/internal/store"
)

// Queue is the contract both implementations satisfy.
type Queue[T any] interface {
	// Put appends message, returning once it is durably enqueued.
	Put(ctx context.Context, message T) error

	// Get blocks (cooperatively) until a message is available and
	// returns one in FIFO order along with a stable id. The message is
	// not considered handed off until Remove(id) is called.
	Get(ctx context.Context) (T, int64, error)

	// Remove deletes the entry with the given id. It is idempotent:
	// removing the same id twice is safe.
	Remove(ctx context.Context, id int64) error

	// Len reports the number of entries currently awaiting Get.
	Len() int
}

// idOrder is the shared FIFO-of-ids bookkeeping used by both
// implementations: a mutex-guarded slice plus a condition variable that
// Get blocks on, serialising concurrent consumers.
type idOrder struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []int64
	closed  bool
}

func newIDOrder() *idOrder {
	o := &idOrder{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *idOrder) push(id int64) {
	o.mu.Lock()
	o.pending = append(o.pending, id)
	o.mu.Unlock()
	o.cond.Signal()
}

// pop blocks until an id is available or ctx is cancelled.
func (o *idOrder) pop(ctx context.Context) (int64, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Taking the lock orders this wakeup after pop's ctx check
			// or after it has entered Wait, so it cannot be missed.
			o.mu.Lock()
			o.cond.Broadcast()
			o.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.pending) == 0 {
		if ctx.Err() != nil {
			return 0, false
		}
		o.cond.Wait()
	}
	id := o.pending[0]
	o.pending = o.pending[1:]
	return id, true
}

func (o *idOrder) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// MemoryQueue is the in-process implementation: a map from
// monotonically-assigned id to message, strict FIFO of insertion order.
type MemoryQueue[T any] struct {
	order    *idOrder
	mu       sync.Mutex
	messages map[int64]T
	nextID   int64
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue[T any]() *MemoryQueue[T] {
	return &MemoryQueue[T]{
		order:    newIDOrder(),
		messages: make(map[int64]T),
	}
}

func (q *MemoryQueue[T]) Put(_ context.Context, message T) error {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.messages[id] = message
	q.mu.Unlock()
	q.order.push(id)
	return nil
}

func (q *MemoryQueue[T]) Get(ctx context.Context) (T, int64, error) {
	id, ok := q.order.pop(ctx)
	if !ok {
		var zero T
		return zero, 0, ctx.Err()
	}
	q.mu.Lock()
	msg := q.messages[id]
	q.mu.Unlock()
	return msg, id, nil
}

func (q *MemoryQueue[T]) Remove(_ context.Context, id int64) error {
	q.mu.Lock()
	delete(q.messages, id)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue[T]) Len() int { return q.order.len() }

// Entry is the dictionary shape persisted for each durable queue entry:
// just the raw message text. Callers building a DurableQueue open their
// backing collection over this type.
type Entry struct {
	Message string `mailboat:"message"`
}

// DurableQueue is backed by a Record Store collection. On construction
// it scans the collection and loads existing ids into the in-memory
// FIFO order, recovering queue state after a restart.
type DurableQueue[T any] struct {
	col   store.Collection[Entry]
	order *idOrder

	encode func(T) string
	decode func(string) (T, error)
}

// NewDurableQueue opens a durable queue over col, recovering any
// previously-enqueued entries into FIFO order (lowest id first — ids are
// monotonically assigned by the Record Store, so this matches insertion
// order). encode/decode convert between T and the raw text stored
// alongside each entry (RFC 5322 text, in mailboat's case).
func NewDurableQueue[T any](ctx context.Context, col store.Collection[Entry], encode func(T) string, decode func(string) (T, error)) (*DurableQueue[T], error) {
	q := &DurableQueue[T]{
		col:    col,
		order:  newIDOrder(),
		encode: encode,
		decode: decode,
	}

	existing, err := col.Find(ctx, store.Doc{})
	if err != nil {
		return nil, err
	}
	var recovered []int64
	for sv := range existing {
		recovered = append(recovered, sv.ID)
	}
	// Find does not guarantee id order across engines in general; sort
	// so recovery is always FIFO regardless of engine.
	sort.Slice(recovered, func(i, j int) bool { return recovered[i] < recovered[j] })
	for _, id := range recovered {
		q.order.push(id)
	}
	return q, nil
}

func (q *DurableQueue[T]) Put(ctx context.Context, message T) error {
	sv, err := q.col.Store(ctx, Entry{Message: q.encode(message)})
	if err != nil {
		return err
	}
	q.order.push(sv.ID)
	return nil
}

func (q *DurableQueue[T]) Get(ctx context.Context) (T, int64, error) {
	var zero T
	id, ok := q.order.pop(ctx)
	if !ok {
		return zero, 0, ctx.Err()
	}
	sv, found, err := q.col.Get(ctx, id)
	if err != nil {
		return zero, 0, err
	}
	if !found {
		// Entry vanished (already removed out-of-band); nothing to
		// hand back for this id.
		return zero, id, nil
	}
	msg, err := q.decode(sv.Value.Message)
	if err != nil {
		return zero, id, err
	}
	return msg, id, nil
}

func (q *DurableQueue[T]) Remove(ctx context.Context, id int64) error {
	_, err := q.col.DeleteID(ctx, id)
	return err
}

func (q *DurableQueue[T]) Len() int { return q.order.len() }

var (
	_ Queue[int] = (*MemoryQueue[int])(nil)
	_ Queue[int] = (*DurableQueue[int])(nil)
)
