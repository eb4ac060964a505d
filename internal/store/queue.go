package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/pkg/natsutil"
)

// Work queue names.
const (
	QueueToEmbed    = "queue:to-embed"
	QueueToClassify = "queue:to-classify"
	QueueTriage     = "queue:triage"
)

// DeadLetterSuffix is appended to a queue name for its dead-letter list.
const DeadLetterSuffix = ":dead"

// Event subjects published for the lifecycle-notification fan-out. Losing
// a subscriber here loses only the live notification; Redis remains the
// durable queue of record.
const (
	EventSignalQueued  = "darwin.signal.queued"
	EventTopicAttached = "darwin.topic.attached"
	EventTopicCreated  = "darwin.topic.created"
	EventTaskCreated   = "darwin.task.classified"
	EventFixCompleted  = "darwin.fix.completed"
)

// Envelope wraps a queue payload with its retry counter; Redis lists
// carry no header channel, so the counter travels with the value.
type Envelope struct {
	Value   string `json:"value"` // a signal hash or topic id, per queue
	Retries int    `json:"retries"`
}

// DeadLetter is the shape pushed to a `...:dead` list once retries are
// exhausted.
type DeadLetter struct {
	Value   string    `json:"value"`
	Error   string    `json:"error"`
	Retries int       `json:"retries"`
	At      time.Time `json:"at"`
}

// Queue is Darwin's FIFO queue backend: Redis lists for the work itself,
// NATS for lifecycle event notifications.
type Queue struct {
	rdb *redis.Client
	nc  *nats.Conn
}

// NewQueue builds a Queue over an existing Redis client and NATS
// connection.
func NewQueue(nc *nats.Conn, rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, nc: nc}
}

// Enqueue appends value to queue as a fresh envelope (retries=0).
func (q *Queue) Enqueue(ctx context.Context, queue, value string) error {
	data, err := json.Marshal(Envelope{Value: value})
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, queue, data).Err()
}

// Requeue re-appends an envelope with an incremented retry counter.
func (q *Queue) Requeue(ctx context.Context, queue string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, queue, data).Err()
}

// DeadLetter pushes a failed envelope to queue's dead-letter list.
func (q *Queue) DeadLetter(ctx context.Context, queue string, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, queue+DeadLetterSuffix, data).Err()
}

// ErrQueueEmpty is returned by Pop when the poll timeout elapses with no
// item available.
var ErrQueueEmpty = domain.ErrNotFound

// Pop blocks for up to timeout waiting for an item on queue (Redis
// BLPOP). Returns ErrQueueEmpty on timeout.
func (q *Queue) Pop(ctx context.Context, queue string, timeout time.Duration) (Envelope, error) {
	res, err := q.rdb.BLPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return Envelope{}, ErrQueueEmpty
	}
	if err != nil {
		return Envelope{}, err
	}
	// BLPOP returns [key, value].
	var env Envelope
	if len(res) < 2 {
		return Envelope{}, ErrQueueEmpty
	}
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Len reports the current backlog length, for the ingest backpressure
// hint.
func (q *Queue) Len(ctx context.Context, queue string) (int64, error) {
	return q.rdb.LLen(ctx, queue).Result()
}

// PublishEvent emits a pipeline lifecycle notification on subject,
// propagating the caller's trace context into NATS headers.
func (q *Queue) PublishEvent(ctx context.Context, subject string, v any) error {
	if q.nc == nil {
		return nil
	}
	return natsutil.Publish(ctx, q.nc, subject, v)
}
