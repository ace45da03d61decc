// Package offline is the resilience layer: it tracks connectivity, keeps
// a bounded, prioritized, durable queue of operations while disconnected,
// and drives reconnection with exponential backoff.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoresync/internal/config"
	"github.com/courtside/scoresync/internal/events"
	"github.com/courtside/scoresync/internal/storage"
)

// Kind classifies a queued operation.
type Kind string

const (
	KindSync       Kind = "sync"
	KindConnection Kind = "connection"
	KindManual     Kind = "manual"
)

// queueKind is the storage kind under which queue entries persist.
const queueKind = "offline-queue"

// Operation is one deferred unit of work awaiting connectivity.
type Operation struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Op             string          `json:"operation"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	Priority       int             `json:"priority"`
	TargetDeviceID string          `json:"target_device_id,omitempty"`
}

// Queue is the bounded, prioritized offline operation queue. An operation
// leaves the queue only through processing, explicit expiry, exhausted
// retries, or the overflow eviction policy; every exit is an observable
// event.
type Queue struct {
	cfg   config.Config
	clock clockwork.Clock
	bus   *events.Bus
	store storage.Store // nil when persistence is disabled

	mu  sync.Mutex
	ops []*Operation
}

// NewQueue creates a queue. store may be nil to keep the queue in memory
// only.
func NewQueue(cfg config.Config, store storage.Store, bus *events.Bus, clock clockwork.Clock) *Queue {
	if !cfg.PersistQueue {
		store = nil
	}
	return &Queue{cfg: cfg, clock: clock, bus: bus, store: store}
}

// Load restores persisted operations after a restart.
func (q *Queue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	rows, err := q.store.List(ctx, queueKind)
	if err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for id, raw := range rows {
		var op Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			log.Error().Err(err).Str("operation_id", id).Msg("dropping unreadable queued operation")
			continue
		}
		q.ops = append(q.ops, &op)
	}
	q.sortLocked()
	log.Info().Int("operations", len(q.ops)).Msg("offline queue restored")
	return nil
}

// Enqueue appends an operation, evicting low-priority entries when full.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, operation string, payload json.RawMessage, priority, maxRetries int, targetDeviceID string) (*Operation, error) {
	op := &Operation{
		ID:             uuid.New().String(),
		Kind:           kind,
		Op:             operation,
		Payload:        payload,
		EnqueuedAt:     q.clock.Now(),
		MaxRetries:     maxRetries,
		Priority:       priority,
		TargetDeviceID: targetDeviceID,
	}

	q.mu.Lock()
	var evicted []*Operation
	if len(q.ops) >= q.cfg.MaxQueueSize {
		evicted = q.evictLocked()
	}
	q.ops = append(q.ops, op)
	q.sortLocked()
	size := len(q.ops)
	q.mu.Unlock()

	for _, e := range evicted {
		q.forget(ctx, e)
		q.bus.Publish(events.Event{Type: events.OperationEvicted, OperationID: e.ID, QueueLen: size})
	}

	q.persist(ctx, op)
	q.bus.Publish(events.Event{Type: events.OperationQueued, OperationID: op.ID, QueueLen: size})
	return op, nil
}

// evictLocked removes the lowest-priority 10% of operations under the
// priority threshold, oldest first. When nothing sits under the threshold
// the oldest entries of the lowest present priority go instead, so the
// queue stays bounded.
func (q *Queue) evictLocked() []*Operation {
	count := q.cfg.MaxQueueSize / 10
	if count < 1 {
		count = 1
	}

	candidates := make([]*Operation, 0, len(q.ops))
	for _, op := range q.ops {
		if op.Priority < q.cfg.PriorityThreshold {
			candidates = append(candidates, op)
		}
	}
	if len(candidates) == 0 {
		candidates = append(candidates, q.ops...)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
	})
	if count > len(candidates) {
		count = len(candidates)
	}
	victims := candidates[:count]

	drop := make(map[string]struct{}, len(victims))
	for _, v := range victims {
		drop[v.ID] = struct{}{}
	}
	kept := q.ops[:0]
	for _, op := range q.ops {
		if _, gone := drop[op.ID]; !gone {
			kept = append(kept, op)
		}
	}
	q.ops = kept
	return victims
}

// sortLocked orders the queue: priority descending, then enqueue time
// ascending within equal priority.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.ops, func(i, j int) bool {
		if q.ops[i].Priority != q.ops[j].Priority {
			return q.ops[i].Priority > q.ops[j].Priority
		}
		return q.ops[i].EnqueuedAt.Before(q.ops[j].EnqueuedAt)
	})
}

// Len returns the pending operation count, for the UI's queue indicator.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Ordered returns a processing-order snapshot of the queue.
func (q *Queue) Ordered() []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Remove drops an operation after it reached a terminal state.
func (q *Queue) Remove(ctx context.Context, id string) {
	q.mu.Lock()
	kept := q.ops[:0]
	var removed *Operation
	for _, op := range q.ops {
		if op.ID == id {
			removed = op
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	q.mu.Unlock()

	if removed != nil {
		q.forget(ctx, removed)
	}
}

// MarkRetry bumps the retry counter, persisting the new count. It reports
// whether the operation has exhausted its retries.
func (q *Queue) MarkRetry(ctx context.Context, op *Operation) bool {
	q.mu.Lock()
	op.RetryCount++
	exhausted := op.RetryCount >= op.MaxRetries
	q.mu.Unlock()

	if !exhausted {
		q.persist(ctx, op)
	}
	return exhausted
}

// Cleanup expires operations older than the operation timeout, emitting an
// expiry event per removed entry. Expiry is a soft cancellation.
func (q *Queue) Cleanup(ctx context.Context) int {
	cutoff := q.clock.Now().Add(-q.cfg.OperationTimeout)

	q.mu.Lock()
	kept := q.ops[:0]
	var expired []*Operation
	for _, op := range q.ops {
		if op.EnqueuedAt.Before(cutoff) {
			expired = append(expired, op)
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	size := len(q.ops)
	q.mu.Unlock()

	for _, op := range expired {
		q.forget(ctx, op)
		q.bus.Publish(events.Event{Type: events.OperationExpired, OperationID: op.ID, QueueLen: size})
		log.Info().
			Str("operation_id", op.ID).
			Time("enqueued_at", op.EnqueuedAt).
			Msg("queued operation expired")
	}
	return len(expired)
}

// persist writes an operation through the durable store. A persistence
// failure is logged and the operation stays in memory for the next flush.
func (q *Queue) persist(ctx context.Context, op *Operation) {
	if q.store == nil {
		return
	}
	raw, err := json.Marshal(op)
	if err != nil {
		log.Error().Err(err).Str("operation_id", op.ID).Msg("failed to encode queued operation")
		return
	}
	if err := q.store.Put(ctx, queueKind, op.ID, raw); err != nil {
		log.Error().Err(err).Str("operation_id", op.ID).Msg("failed to persist queued operation")
	}
}

func (q *Queue) forget(ctx context.Context, op *Operation) {
	if q.store == nil {
		return
	}
	if err := q.store.Delete(ctx, queueKind, op.ID); err != nil {
		log.Error().Err(err).Str("operation_id", op.ID).Msg("failed to remove persisted operation")
	}
}
