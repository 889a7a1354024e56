package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crucible/internal/models"
)

const (
	pendingKeyPrefix = "crucible:pending:"
	inflightKey      = "crucible:inflight"
	deadlinesKey     = "crucible:deadlines"
	sequenceKey      = "crucible:seq"
)

// priorityBand spaces priority levels far enough apart that the FIFO sequence
// within a band never overflows into the next one.
const priorityBand = 1e12

// claimMeta is what the broker remembers about an in-flight task so it can be
// requeued into its original position.
type claimMeta struct {
	Worker string  `json:"worker"`
	Kind   string  `json:"kind"`
	Score  float64 `json:"score"`
}

// Claims survive in Redis across broker restarts; every mutation touching two
// keys runs as a Lua script so active-active schedulers cannot interleave.
var (
	// KEYS[1]=pending KEYS[2]=inflight KEYS[3]=deadlines
	// ARGV[1]=worker ARGV[2]=kind ARGV[3]=deadline(unix)
	dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local score = popped[2]
redis.call('HSET', KEYS[2], id, cjson.encode({worker=ARGV[1], kind=ARGV[2], score=tonumber(score)}))
redis.call('ZADD', KEYS[3], ARGV[3], id)
return id
`)

	// KEYS[1]=pending KEYS[2]=inflight KEYS[3]=seq
	// ARGV[1]=taskID ARGV[2]=priority band base
	ensurePendingScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
  return 0
end
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[1], tonumber(ARGV[2]) + seq, ARGV[1])
return 1
`)

	// KEYS[1]=inflight KEYS[2]=deadlines
	// ARGV[1]=taskID ARGV[2]=pending key prefix
	requeueScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return 0
end
local meta = cjson.decode(raw)
redis.call('ZADD', ARGV[2] .. meta.kind, meta.score, ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

	// KEYS[1]=inflight KEYS[2]=deadlines
	// ARGV[1]=now(unix) ARGV[2]=pending key prefix
	sweepScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  local raw = redis.call('HGET', KEYS[1], id)
  if raw then
    local meta = cjson.decode(raw)
    redis.call('ZADD', ARGV[2] .. meta.kind, meta.score, id)
    redis.call('HDEL', KEYS[1], id)
  end
  redis.call('ZREM', KEYS[2], id)
end
return expired
`)
)

type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) pendingKey(kind models.TaskKind) string {
	return pendingKeyPrefix + kind.String()
}

// Score computes the dispatch order for a task: higher priority drains first,
// FIFO by sequence within a priority band.
func Score(priority int, seq int64) float64 {
	if priority < models.MinPriority {
		priority = models.MinPriority
	}
	if priority > models.MaxPriority {
		priority = models.MaxPriority
	}
	return float64(models.MaxPriority-priority)*priorityBand + float64(seq)
}

func (b *RedisBroker) Enqueue(ctx context.Context, task models.Task) error {
	seq, err := b.client.Incr(ctx, sequenceKey).Result()
	if err != nil {
		return fmt.Errorf("broker: next sequence: %w", err)
	}

	err = b.client.ZAdd(ctx, b.pendingKey(task.Kind), redis.Z{
		Score:  Score(task.Priority, seq),
		Member: task.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: enqueue task %s: %w", task.ID, err)
	}
	return nil
}

func (b *RedisBroker) EnsurePending(ctx context.Context, task models.Task) (bool, error) {
	base := Score(task.Priority, 0)
	res, err := ensurePendingScript.Run(ctx, b.client,
		[]string{b.pendingKey(task.Kind), inflightKey, sequenceKey},
		task.ID, base,
	).Int()
	if err != nil {
		return false, fmt.Errorf("broker: ensure pending %s: %w", task.ID, err)
	}
	return res == 1, nil
}

func (b *RedisBroker) Dequeue(ctx context.Context, kind models.TaskKind, workerID string, lease time.Duration) (*Claim, error) {
	deadline := time.Now().Add(lease)
	res, err := dequeueScript.Run(ctx, b.client,
		[]string{b.pendingKey(kind), inflightKey, deadlinesKey},
		workerID, kind.String(), deadline.Unix(),
	).Result()
	if err == redis.Nil {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("broker: dequeue %s: %w", kind, err)
	}

	taskID, ok := res.(string)
	if !ok || taskID == "" {
		return nil, ErrNoTask
	}

	return &Claim{TaskID: taskID, WorkerID: workerID, Deadline: deadline}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, taskID string) error {
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, inflightKey, taskID)
	pipe.ZRem(ctx, deadlinesKey, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: ack task %s: %w", taskID, err)
	}
	return nil
}

func (b *RedisBroker) Requeue(ctx context.Context, taskID string) error {
	res, err := requeueScript.Run(ctx, b.client,
		[]string{inflightKey, deadlinesKey},
		taskID, pendingKeyPrefix,
	).Int()
	if err != nil {
		return fmt.Errorf("broker: requeue task %s: %w", taskID, err)
	}
	if res == 0 {
		return fmt.Errorf("broker: requeue task %s: not in flight", taskID)
	}
	return nil
}

func (b *RedisBroker) ExtendLease(ctx context.Context, taskID string, lease time.Duration) error {
	added, err := b.client.ZAddXX(ctx, deadlinesKey, redis.Z{
		Score:  float64(time.Now().Add(lease).Unix()),
		Member: taskID,
	}).Result()
	if err != nil {
		return fmt.Errorf("broker: extend lease for %s: %w", taskID, err)
	}
	_ = added // XX mode returns 0 for updated members
	return nil
}

func (b *RedisBroker) SweepExpired(ctx context.Context) ([]string, error) {
	res, err := sweepScript.Run(ctx, b.client,
		[]string{inflightKey, deadlinesKey},
		time.Now().Unix(), pendingKeyPrefix,
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("broker: sweep expired claims: %w", err)
	}
	return res, nil
}

func (b *RedisBroker) PendingCounts(ctx context.Context) (map[models.TaskKind]int64, int64, error) {
	counts := make(map[models.TaskKind]int64, len(models.AllKinds))
	for _, kind := range models.AllKinds {
		n, err := b.client.ZCard(ctx, b.pendingKey(kind)).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("broker: count pending %s: %w", kind, err)
		}
		counts[kind] = n
	}

	inflight, err := b.client.HLen(ctx, inflightKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("broker: count in-flight: %w", err)
	}
	return counts, inflight, nil
}

// PeekPending returns up to n pending task IDs of the given kind in dispatch
// order, without claiming them. Used by the admin CLI.
func (b *RedisBroker) PeekPending(ctx context.Context, kind models.TaskKind, n int64) ([]string, error) {
	ids, err := b.client.ZRange(ctx, b.pendingKey(kind), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: peek pending %s: %w", kind, err)
	}
	return ids, nil
}

// RemovePending drops the task from the queue and any in-flight tracking.
// Used by the admin CLI; the store record is untouched.
func (b *RedisBroker) RemovePending(ctx context.Context, kind models.TaskKind, taskID string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.pendingKey(kind), taskID)
	pipe.HDel(ctx, inflightKey, taskID)
	pipe.ZRem(ctx, deadlinesKey, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: remove task %s: %w", taskID, err)
	}
	return nil
}

// InFlightWorker reports which worker currently holds the task, if any.
func (b *RedisBroker) InFlightWorker(ctx context.Context, taskID string) (string, bool, error) {
	raw, err := b.client.HGet(ctx, inflightKey, taskID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("broker: inspect claim %s: %w", taskID, err)
	}

	var meta claimMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return "", false, fmt.Errorf("broker: decode claim %s: %w", taskID, err)
	}
	return meta.Worker, true, nil
}
