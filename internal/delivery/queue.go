// Package delivery buffers outbound chat operations that could not be
// confirmed, so they can be replayed in order once the connection is back.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/amora/internal/protocol"
	"go.uber.org/zap"
)

// DefaultMaxRetries is how many replays an envelope gets before it is
// reported as failed.
const DefaultMaxRetries = 5

// Envelope is a queued outbound operation.
type Envelope struct {
	LocalID    protocol.CorrelationID
	Event      protocol.Kind
	Payload    json.RawMessage
	EnqueuedAt time.Time
	RetryCount int
}

// NewEnvelope marshals payload into an envelope for the given event.
func NewEnvelope(id protocol.CorrelationID, kind protocol.Kind, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{
		LocalID:    id,
		Event:      kind,
		Payload:    data,
		EnqueuedAt: time.Now(),
	}, nil
}

// Persister mirrors the queue into durable storage.
type Persister interface {
	SaveEnvelope(ctx context.Context, env Envelope) error
	DeleteEnvelope(ctx context.Context, id protocol.CorrelationID) error
	LoadEnvelopes(ctx context.Context) ([]Envelope, error)
}

// Queue is a FIFO of envelopes deduplicated by correlation id.
type Queue struct {
	mu         sync.Mutex
	items      []Envelope
	maxRetries int
	persist    Persister
	logger     *zap.Logger
}

// New creates an empty queue. persist may be nil for a memory-only queue.
func New(maxRetries int, persist Persister, logger *zap.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{maxRetries: maxRetries, persist: persist, logger: logger}
}

// Restore loads persisted envelopes, keeping their original order. It is a
// no-op for memory-only queues.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.persist == nil {
		return 0, nil
	}
	envs, err := q.persist.LoadEnvelopes(ctx)
	if err != nil {
		return 0, fmt.Errorf("load envelopes: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, env := range envs {
		if q.indexLocked(env.LocalID) >= 0 {
			continue
		}
		q.items = append(q.items, env)
		n++
	}
	return n, nil
}

// Enqueue appends env. It returns false when an envelope with the same
// correlation id is already queued.
func (q *Queue) Enqueue(env Envelope) bool {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	if q.indexLocked(env.LocalID) >= 0 {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, env)
	n := len(q.items)
	q.mu.Unlock()

	q.logger.Debug("envelope queued",
		zap.String("local_id", string(env.LocalID)),
		zap.String("event", string(env.Event)),
		zap.Int("queued", n))
	q.save(env)
	return true
}

// Remove drops the envelope with the given id.
func (q *Queue) Remove(id protocol.CorrelationID) bool {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	q.mu.Unlock()

	q.delete(id)
	return true
}

// MarkRetry records a failed replay. Once the envelope has used up its
// retries it is removed and exhausted is true.
func (q *Queue) MarkRetry(id protocol.CorrelationID) (env Envelope, exhausted bool, ok bool) {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return Envelope{}, false, false
	}
	q.items[i].RetryCount++
	env = q.items[i]
	if env.RetryCount >= q.maxRetries {
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.mu.Unlock()
		q.logger.Warn("envelope exceeded max retries",
			zap.String("local_id", string(id)),
			zap.Int("retries", env.RetryCount))
		q.delete(id)
		return env, true, true
	}
	q.mu.Unlock()
	q.save(env)
	return env, false, true
}

// Has reports whether id is queued.
func (q *Queue) Has(id protocol.CorrelationID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexLocked(id) >= 0
}

// Snapshot returns the queued envelopes in FIFO order.
func (q *Queue) Snapshot() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Envelope(nil), q.items...)
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MaxRetries returns the retry budget per envelope.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

func (q *Queue) indexLocked(id protocol.CorrelationID) int {
	for i := range q.items {
		if q.items[i].LocalID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) save(env Envelope) {
	if q.persist == nil {
		return
	}
	if err := q.persist.SaveEnvelope(context.Background(), env); err != nil {
		q.logger.Error("persist envelope", zap.String("local_id", string(env.LocalID)), zap.Error(err))
	}
}

func (q *Queue) delete(id protocol.CorrelationID) {
	if q.persist == nil {
		return
	}
	if err := q.persist.DeleteEnvelope(context.Background(), id); err != nil {
		q.logger.Error("delete persisted envelope", zap.String("local_id", string(id)), zap.Error(err))
	}
}
