package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/darwin-ai/darwin/internal/domain"
)

// KV is the structured-record half of the Store: every Signal, Topic,
// Task, SuccessfulFix, and Rule is a Redis hash under its record key
// (`signal:{hash}`, `topic:{uuid}`, ...).
type KV struct {
	rdb *redis.Client
}

// NewKV wraps an existing Redis client.
func NewKV(rdb *redis.Client) *KV { return &KV{rdb: rdb} }

// Ping checks the underlying Redis connection, backing GET /health's
// store_ok field.
func (k *KV) Ping(ctx context.Context) error {
	return k.rdb.Ping(ctx).Err()
}

// createIfAbsent is a Lua script so the "does the hash already exist,
// and if not create it" check-then-write is a single atomic Redis
// operation; concurrent ingests of the same text see exactly one
// winner.
const createIfAbsent = `
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
for i = 1, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`

// compareAndSwapField is a Lua script implementing the optimistic-
// concurrency guard centroid and fix_status updates rely on: update a
// hash only if one field still holds the expected value, applying the
// rest of the fields in the same atomic step.
const compareAndSwapField = `
if redis.call("HGET", KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
for i = 4, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i-1], ARGV[i])
end
return 1
`

func recordToArgs(rec domain.Record) []any {
	args := make([]any, 0, len(rec)*2)
	for k, v := range rec {
		args = append(args, k, v)
	}
	return args
}

// GetRecord loads a flat record by key. ok is false if the key does not
// exist.
func (k *KV) GetRecord(ctx context.Context, key string) (domain.Record, bool, error) {
	m, err := k.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, err
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	return domain.Record(m), true, nil
}

// PutRecord unconditionally writes every field of rec.
func (k *KV) PutRecord(ctx context.Context, key string, rec domain.Record) error {
	if len(rec) == 0 {
		return nil
	}
	return k.rdb.HSet(ctx, key, recordToArgs(rec)).Err()
}

// UpdateFields merges the given fields into an existing record without
// touching the rest, used for the Signal `last_seen` bump on duplicate
// ingestion, which must not overwrite other fields.
func (k *KV) UpdateFields(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for field, v := range fields {
		args = append(args, field, v)
	}
	return k.rdb.HSet(ctx, key, args).Err()
}

// PutRecordIfAbsent writes rec only if key does not already exist.
// Returns created=true if this call won the race.
func (k *KV) PutRecordIfAbsent(ctx context.Context, key string, rec domain.Record) (bool, error) {
	res, err := k.rdb.Eval(ctx, createIfAbsent, []string{key}, recordToArgs(rec)...).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// CompareAndSwapField applies fields only if key's current value for
// guardField equals expected, atomically. Used for Topic `signal_count`
// optimistic concurrency and Task `fix_status` transitions.
func (k *KV) CompareAndSwapField(ctx context.Context, key, guardField, expected string, fields map[string]string) (bool, error) {
	args := make([]any, 0, 2+len(fields)*2)
	args = append(args, guardField, expected)
	for field, v := range fields {
		args = append(args, field, v)
	}
	res, err := k.rdb.Eval(ctx, compareAndSwapField, []string{key}, args...).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Delete removes a record entirely.
func (k *KV) Delete(ctx context.Context, key string) error {
	return k.rdb.Del(ctx, key).Err()
}

// Exists reports whether key is present.
func (k *KV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := k.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Keys returns all keys matching the given prefix glob
// (`signal:*`-style), used by the list endpoints, which have no
// stronger index need.
func (k *KV) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := k.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

// IncrRuleUsage atomically increments a Rule's times_applied and stamps
// last_applied_at, used when a rule is included in a fix prompt.
func (k *KV) IncrRuleUsage(ctx context.Context, key, lastAppliedAt string) error {
	pipe := k.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "times_applied", 1)
	pipe.HSet(ctx, key, "last_applied_at", lastAppliedAt)
	_, err := pipe.Exec(ctx)
	return err
}

// ruleSetKey is the Redis sorted set backing learning.Store.TopRules'
// O(log n) retrieval.
func ruleSetKey(product string) string { return "rules:sorted:" + product }

// ruleDedupKey is the Redis string key used for rule upsert dedup by
// normalized content.
func ruleDedupKey(dedupKey string) string { return "rule:dedup:" + dedupKey }

// AddToRuleSet inserts or rescores a rule in its product's sorted set.
func (k *KV) AddToRuleSet(ctx context.Context, product, ruleID string, score float64) error {
	return k.rdb.ZAdd(ctx, ruleSetKey(product), redis.Z{Score: score, Member: ruleID}).Err()
}

// TopRuleIDs returns up to limit rule ids for product, highest score
// first, per the sorted set's composite (times_applied, last_applied_at)
// score.
func (k *KV) TopRuleIDs(ctx context.Context, product string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1
	}
	return k.rdb.ZRevRange(ctx, ruleSetKey(product), 0, int64(limit-1)).Result()
}

// RemoveFromRuleSet removes a rule from its product's sorted set, used on
// rule deletion.
func (k *KV) RemoveFromRuleSet(ctx context.Context, product, ruleID string) error {
	return k.rdb.ZRem(ctx, ruleSetKey(product), ruleID).Err()
}

// DeleteDedupRuleID removes the normalized-content dedup key -> rule id
// mapping, used on rule deletion so a future identical rule can be
// recreated rather than silently resurrected.
func (k *KV) DeleteDedupRuleID(ctx context.Context, dedupKey string) error {
	return k.rdb.Del(ctx, ruleDedupKey(dedupKey)).Err()
}

// SetDedupRuleID records the normalized-content dedup key -> rule id
// mapping used by upsert to detect an existing equivalent rule.
func (k *KV) SetDedupRuleID(ctx context.Context, dedupKey, ruleID string) error {
	return k.rdb.Set(ctx, ruleDedupKey(dedupKey), ruleID, 0).Err()
}

// GetDedupRuleID looks up an existing rule id for a normalized-content
// dedup key. ok is false if no rule has been stored under it yet.
func (k *KV) GetDedupRuleID(ctx context.Context, dedupKey string) (string, bool, error) {
	id, err := k.rdb.Get(ctx, ruleDedupKey(dedupKey)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// topicSignalsMaxTracked bounds the per-topic recent-signals list so it
// never grows unbounded for a long-lived, heavily-attached topic.
const topicSignalsMaxTracked = 200

func topicSignalsKey(topicID string) string { return "topic:" + topicID + ":signals" }

// AppendTopicSignal records hash as the most-recent signal attached to
// topicID, feeding the classify worker's recent-signals window. The
// list is capped so it never grows past topicSignalsMaxTracked entries.
func (k *KV) AppendTopicSignal(ctx context.Context, topicID, hash string) error {
	pipe := k.rdb.TxPipeline()
	pipe.LPush(ctx, topicSignalsKey(topicID), hash)
	pipe.LTrim(ctx, topicSignalsKey(topicID), 0, topicSignalsMaxTracked-1)
	_, err := pipe.Exec(ctx)
	return err
}

// RecentTopicSignals returns up to limit of the most-recently attached
// signal hashes for topicID, newest first.
func (k *KV) RecentTopicSignals(ctx context.Context, topicID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1
	}
	return k.rdb.LRange(ctx, topicSignalsKey(topicID), 0, int64(limit-1)).Result()
}

func topicTaskKey(topicID string) string { return "topic:" + topicID + ":task" }

// SetTopicTask records the (at most one, non-done) Task id materialized
// for a topic, backing the classify worker's idempotent-per-topic task
// creation.
func (k *KV) SetTopicTask(ctx context.Context, topicID, taskID string) error {
	return k.rdb.Set(ctx, topicTaskKey(topicID), taskID, 0).Err()
}

// GetTopicTask returns the task id previously recorded for topicID, if
// any.
func (k *KV) GetTopicTask(ctx context.Context, topicID string) (string, bool, error) {
	id, err := k.rdb.Get(ctx, topicTaskKey(topicID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// ClearTopicTask removes the topic->task pointer, used once a Task
// reaches its terminal `done` state so a future classification pass can
// materialize a fresh Task for the same topic.
func (k *KV) ClearTopicTask(ctx context.Context, topicID string) error {
	return k.rdb.Del(ctx, topicTaskKey(topicID)).Err()
}

func iterationCountKey(taskKey string) string { return taskKey + ":iterations" }

// IncrIterationCount atomically increments and returns the auto-iterate
// re-entry counter for a task, backing the review handler's
// FixAutoIterMax budget.
func (k *KV) IncrIterationCount(ctx context.Context, taskKey string) (int, error) {
	n, err := k.rdb.Incr(ctx, iterationCountKey(taskKey)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ErrNotFound mirrors domain.ErrNotFound for callers that only import
// store.
var ErrNotFound = domain.ErrNotFound

// IsRedisNil reports whether err is redis.Nil, the sentinel for a missing
// single-value key (as opposed to a missing hash, which HGetAll reports
// as an empty, not erroring, map).
func IsRedisNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
