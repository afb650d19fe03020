// Package queue provides the durable, ordered queue of pending mutations.
// Operations live in the "operations" collection from enqueue until exactly
// one terminal outcome: marked synced, or removed by dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chefia/possync/internal/model"
	"github.com/chefia/possync/internal/store"
	"github.com/google/uuid"
)

const seqKey = "operation_seq"

// Queue is the durable operation queue for one terminal.
type Queue struct {
	store store.DurableStore

	mu   sync.Mutex
	seq  int64
	// nudge is invoked after a successful enqueue so the coordinator can
	// start an immediate drain when online. Optional.
	nudge func()
}

// Open loads the queue, recovering the enqueue sequence counter.
func Open(ctx context.Context, s store.DurableStore) (*Queue, error) {
	q := &Queue{store: s}

	data, err := s.Get(ctx, store.CollectionConfig, seqKey)
	if err != nil {
		return nil, fmt.Errorf("load sequence: %w", err)
	}
	if data != nil {
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad sequence %q", store.ErrStorage, data)
		}
		q.seq = n
	}
	return q, nil
}

// OnEnqueue registers a callback fired after every successful enqueue.
func (q *Queue) OnEnqueue(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nudge = fn
}

// Enqueue appends a fresh Operation and returns it immediately. The
// operation id and idempotency key are minted here; the idempotency key is
// what restore preserves so a replayed operation is deduplicated remotely.
func (q *Queue) Enqueue(ctx context.Context, entityType string, action model.Action, payload json.RawMessage) (*model.Operation, error) {
	op := &model.Operation{
		ID:             uuid.New().String(),
		IdempotencyKey: uuid.New().String(),
		EntityType:     entityType,
		Action:         action,
		Payload:        payload,
		EnqueuedAt:     time.Now().UTC(),
		Attempts:       0,
		MaxAttempts:    model.DefaultMaxAttempts,
		Synced:         false,
	}
	return q.append(ctx, op)
}

// Reenqueue appends a restored Operation, minting a fresh id and sequence
// but preserving the original idempotency key and payload.
func (q *Queue) Reenqueue(ctx context.Context, op model.Operation) (*model.Operation, error) {
	op.ID = uuid.New().String()
	op.EnqueuedAt = time.Now().UTC()
	op.Attempts = 0
	op.LastError = ""
	op.Synced = false
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = model.DefaultMaxAttempts
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.New().String()
	}
	return q.append(ctx, &op)
}

func (q *Queue) append(ctx context.Context, op *model.Operation) (*model.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op.Seq = q.seq + 1
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal operation: %w", err)
	}
	// Counter first. A failure after this point skips a sequence number;
	// counter-last would leave an orphaned record that a later enqueue
	// silently overwrites after restart.
	if err := q.store.Put(ctx, store.CollectionConfig, seqKey, []byte(strconv.FormatInt(op.Seq, 10))); err != nil {
		return nil, err
	}
	q.seq = op.Seq
	if err := q.store.Put(ctx, store.CollectionOperations, opKey(op.Seq), data); err != nil {
		return nil, err
	}

	slog.Debug("queue: enqueued", "id", op.ID, "entity", op.EntityType, "action", op.Action, "seq", op.Seq)

	if q.nudge != nil {
		q.nudge()
	}
	return op, nil
}

// ListPending returns unsynced operations in enqueue order.
func (q *Queue) ListPending(ctx context.Context) ([]model.Operation, error) {
	records, err := q.store.ListByIndex(ctx, store.CollectionOperations, "synced", "false")
	if err != nil {
		return nil, err
	}
	ops := make([]model.Operation, 0, len(records))
	for _, r := range records {
		var op model.Operation
		if err := json.Unmarshal(r.Value, &op); err != nil {
			return nil, fmt.Errorf("%w: parse operation %s: %v", store.ErrStorage, r.Key, err)
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
	return ops, nil
}

// MarkSynced flags an operation as synced. Idempotent: marking an already
// synced or absent operation is a no-op.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	op, err := q.find(ctx, id)
	if err != nil || op == nil || op.Synced {
		return err
	}
	op.Synced = true
	op.LastError = ""
	return q.update(ctx, op)
}

// Update persists retry metadata (attempts, lastError) for a pending
// operation.
func (q *Queue) Update(ctx context.Context, op *model.Operation) error {
	return q.update(ctx, op)
}

// Remove deletes an operation outright. Used for dead-lettering; removal
// and failure emission form one logical step owned by the coordinator.
func (q *Queue) Remove(ctx context.Context, id string) error {
	op, err := q.find(ctx, id)
	if err != nil || op == nil {
		return err
	}
	return q.store.Delete(ctx, store.CollectionOperations, opKey(op.Seq))
}

// Get returns an operation by id, or nil when absent.
func (q *Queue) Get(ctx context.Context, id string) (*model.Operation, error) {
	return q.find(ctx, id)
}

func (q *Queue) update(ctx context.Context, op *model.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	return q.store.Put(ctx, store.CollectionOperations, opKey(op.Seq), data)
}

func (q *Queue) find(ctx context.Context, id string) (*model.Operation, error) {
	records, err := q.store.List(ctx, store.CollectionOperations)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		var op model.Operation
		if err := json.Unmarshal(r.Value, &op); err != nil {
			return nil, fmt.Errorf("%w: parse operation %s: %v", store.ErrStorage, r.Key, err)
		}
		if op.ID == id {
			return &op, nil
		}
	}
	return nil, nil
}

// opKey zero-pads the sequence so lexicographic key order equals enqueue
// order in every DurableStore implementation.
func opKey(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}
