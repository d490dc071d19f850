package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/domain"
)

// RedisBroker keeps jobs in Redis so they survive restarts and are shared
// by every engine instance.
//
// Layout under the key prefix:
//
//	<p>:job:<id>              hash with the job body and delivery count
//	<p>:<cat>:ready:<prio>    list per priority tier (LPUSH / RPOP)
//	<p>:<cat>:delayed         zset of ids scored by ready-at (ms)
//	<p>:<cat>:active          zset of ids scored by visibility deadline (ms)
//	<p>:dead-letters          capped list of archived DeadLetterRecords
//
// Every state transition is a Lua script so a job is always in exactly one
// of ready, delayed or active. The reserve script derives job hash keys from
// ids it pops, so the prefix is wrapped in a hash tag ({p}) to keep every key
// in one Redis Cluster slot.
type RedisBroker struct {
	client *redis.Client
	prefix string
	dlqCap int64
	now    func() time.Time
	logger *zap.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// DeadLetterCap bounds the archive list; zero keeps everything.
	DeadLetterCap int64
}

// NewRedisBroker connects to Redis. A failed ping is logged, not fatal, so
// the engine can start while Redis is still coming up; readiness reports it.
func NewRedisBroker(opts RedisOptions, logger *zap.Logger) *RedisBroker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable yet", zap.String("addr", opts.Addr), zap.Error(err))
	}
	return NewRedisBrokerFromClient(rdb, opts.Prefix, opts.DeadLetterCap, logger)
}

func NewRedisBrokerFromClient(client *redis.Client, prefix string, dlqCap int64, logger *zap.Logger) *RedisBroker {
	if prefix == "" {
		prefix = "reminders"
	}
	if !strings.HasPrefix(prefix, "{") {
		prefix = "{" + prefix + "}"
	}
	return &RedisBroker{
		client: client,
		prefix: prefix,
		dlqCap: dlqCap,
		now:    time.Now,
		logger: logger,
	}
}

func (b *RedisBroker) jobKey(id string) string { return b.prefix + ":job:" + id }
func (b *RedisBroker) jobKeyPrefix() string    { return b.prefix + ":job:" }

func (b *RedisBroker) readyKey(cat domain.Category, p domain.Priority) string {
	return fmt.Sprintf("%s:%s:ready:%s", b.prefix, cat, p)
}
func (b *RedisBroker) delayedKey(cat domain.Category) string {
	return fmt.Sprintf("%s:%s:delayed", b.prefix, cat)
}
func (b *RedisBroker) activeKey(cat domain.Category) string {
	return fmt.Sprintf("%s:%s:active", b.prefix, cat)
}
func (b *RedisBroker) deadLetterKey() string { return b.prefix + ":dead-letters" }

func (b *RedisBroker) readyKeys(cat domain.Category) []string {
	prios := domain.Priorities()
	keys := make([]string, 0, len(prios))
	for _, p := range prios {
		keys = append(keys, b.readyKey(cat, p))
	}
	return keys
}

func ms(t time.Time) int64 { return t.UnixMilli() }

// KEYS: job hash, ready list, delayed zset
// ARGV: id, category, payload, priority, max attempts, now ms, ready-at ms
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'category', ARGV[2], 'payload', ARGV[3], 'priority', ARGV[4],
  'attempt', '0', 'max_attempts', ARGV[5], 'created_at', ARGV[6])
if tonumber(ARGV[7]) > tonumber(ARGV[6]) then
  redis.call('ZADD', KEYS[3], ARGV[7], ARGV[1])
else
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// KEYS: delayed zset, active zset, ready high, ready normal, ready low
// ARGV: now ms, visibility deadline ms, job key prefix
var reserveScript = redis.NewScript(`
local tiers = {high = 3, normal = 4, low = 5}
local function requeue(set)
  local ids = redis.call('ZRANGEBYSCORE', set, '-inf', ARGV[1], 'LIMIT', '0', '100')
  for _, id in ipairs(ids) do
    redis.call('ZREM', set, id)
    local prio = redis.call('HGET', ARGV[3] .. id, 'priority')
    if prio then
      redis.call('LPUSH', KEYS[tiers[prio] or 4], id)
    end
  end
end
requeue(KEYS[1])
requeue(KEYS[2])
for i = 3, 5 do
  while true do
    local id = redis.call('RPOP', KEYS[i])
    if not id then break end
    local key = ARGV[3] .. id
    if redis.call('EXISTS', key) == 1 then
      redis.call('HINCRBY', key, 'attempt', '1')
      redis.call('ZADD', KEYS[2], ARGV[2], id)
      local fields = redis.call('HGETALL', key)
      table.insert(fields, 1, id)
      return fields
    end
  end
end
return false
`)

// KEYS: job hash, active zset
// ARGV: id, attempt, deadline ms
var touchScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[2] then
  return 0
end
return redis.call('ZADD', KEYS[2], 'XX', 'CH', ARGV[3], ARGV[1])
`)

// KEYS: job hash, active zset
// ARGV: id, attempt
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[2] then
  return 0
end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// KEYS: job hash, active zset, delayed zset
// ARGV: id, attempt, ready-at ms, last error
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[2] then
  return 0
end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_error', ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: job hash, active zset, ready list
// ARGV: id, attempt
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[2] then
  return 0
end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  redis.call('HINCRBY', KEYS[1], 'attempt', '-1')
end
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// KEYS: job hash, active zset, archive list, dead-letter job hash, dead-letter ready list
// ARGV: id, attempt, record json, archive cap, dl job id, dl payload, dl max attempts, now ms
var deadLetterScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[2] then
  return 0
end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('LPUSH', KEYS[3], ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('LTRIM', KEYS[3], '0', tostring(tonumber(ARGV[4]) - 1))
end
if redis.call('EXISTS', KEYS[4]) == 0 then
  redis.call('HSET', KEYS[4], 'category', 'dead-letter', 'payload', ARGV[6], 'priority', 'normal',
    'attempt', '0', 'max_attempts', ARGV[7], 'created_at', ARGV[8])
  redis.call('LPUSH', KEYS[5], ARGV[5])
end
return 1
`)

func (b *RedisBroker) Enqueue(ctx context.Context, cat domain.Category, jobID string, payload []byte, opts EnqueueOptions) (bool, error) {
	if !cat.IsValid() {
		return false, domain.Invalid("enqueue", fmt.Errorf("%w: %q", domain.ErrUnknownCategory, cat))
	}
	prio := opts.Priority
	if !prio.IsValid() {
		prio = domain.PriorityNormal
	}
	now := b.now()
	readyAt := now.Add(opts.Delay)

	n, err := enqueueScript.Run(ctx, b.client,
		[]string{b.jobKey(jobID), b.readyKey(cat, prio), b.delayedKey(cat)},
		jobID, string(cat), payload, string(prio), opts.MaxAttempts, ms(now), ms(readyAt),
	).Int()
	if err != nil {
		return false, domain.Transient("redis enqueue", err)
	}
	return n == 1, nil
}

func (b *RedisBroker) Reserve(ctx context.Context, cat domain.Category, visibility time.Duration) (*Job, error) {
	now := b.now()
	keys := append([]string{b.delayedKey(cat), b.activeKey(cat)}, b.readyKeys(cat)...)
	res, err := reserveScript.Run(ctx, b.client, keys, ms(now), ms(now.Add(visibility)), b.jobKeyPrefix()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient("redis reserve", err)
	}
	return parseJob(res)
}

// parseJob decodes the reserve script reply: the id followed by HGETALL pairs.
func parseJob(res []string) (*Job, error) {
	if len(res) < 1 || len(res)%2 != 1 {
		return nil, domain.Permanent("redis reserve", fmt.Errorf("malformed job reply of %d fields", len(res)))
	}
	job := &Job{ID: res[0]}
	for i := 1; i+1 < len(res); i += 2 {
		v := res[i+1]
		switch res[i] {
		case "category":
			job.Category = domain.Category(v)
		case "payload":
			job.Payload = []byte(v)
		case "priority":
			job.Priority = domain.Priority(v)
		case "attempt":
			job.Attempt, _ = strconv.Atoi(v)
		case "max_attempts":
			job.MaxAttempts, _ = strconv.Atoi(v)
		case "created_at":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				job.CreatedAt = time.UnixMilli(n)
			}
		case "last_error":
			job.LastError = v
		}
	}
	return job, nil
}

func (b *RedisBroker) Touch(ctx context.Context, job *Job, visibility time.Duration) error {
	err := touchScript.Run(ctx, b.client,
		[]string{b.jobKey(job.ID), b.activeKey(job.Category)},
		job.ID, job.Attempt, ms(b.now().Add(visibility)),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Transient("redis touch", err)
	}
	return nil
}

func (b *RedisBroker) Complete(ctx context.Context, job *Job) error {
	ok, err := completeScript.Run(ctx, b.client,
		[]string{b.jobKey(job.ID), b.activeKey(job.Category)},
		job.ID, job.Attempt,
	).Int()
	if err != nil {
		return domain.Transient("redis complete", err)
	}
	if ok == 0 {
		b.logger.Warn("complete ignored, lease lost", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	}
	return nil
}

func (b *RedisBroker) Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ok, err := retryScript.Run(ctx, b.client,
		[]string{b.jobKey(job.ID), b.activeKey(job.Category), b.delayedKey(job.Category)},
		job.ID, job.Attempt, ms(b.now().Add(delay)), msg,
	).Int()
	if err != nil {
		return domain.Transient("redis retry", err)
	}
	if ok == 0 {
		b.logger.Warn("retry ignored, lease lost", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	}
	return nil
}

func (b *RedisBroker) Release(ctx context.Context, job *Job) error {
	prio := job.Priority
	if !prio.IsValid() {
		prio = domain.PriorityNormal
	}
	ok, err := releaseScript.Run(ctx, b.client,
		[]string{b.jobKey(job.ID), b.activeKey(job.Category), b.readyKey(job.Category, prio)},
		job.ID, job.Attempt,
	).Int()
	if err != nil {
		return domain.Transient("redis release", err)
	}
	if ok == 0 {
		b.logger.Warn("release ignored, lease lost", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	}
	return nil
}

func (b *RedisBroker) MoveToDeadLetter(ctx context.Context, job *Job, rec domain.DeadLetterRecord) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return domain.Permanent("redis dead-letter", err)
	}
	payload, err := deadLetterPayload(rec)
	if err != nil {
		return err
	}
	dlID := domain.DeadLetterJobID(rec.OriginalJobID, rec.FailedAt)

	ok, err := deadLetterScript.Run(ctx, b.client,
		[]string{
			b.jobKey(job.ID),
			b.activeKey(job.Category),
			b.deadLetterKey(),
			b.jobKey(dlID),
			b.readyKey(domain.CategoryDeadLetter, domain.PriorityNormal),
		},
		job.ID, job.Attempt, recJSON, b.dlqCap, dlID, payload, DeadLetterMaxAttempts, ms(b.now()),
	).Int()
	if err != nil {
		return domain.Transient("redis dead-letter", err)
	}
	if ok == 0 {
		b.logger.Warn("dead-letter ignored, lease lost", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	}
	return nil
}

// DeadLetters returns archived records, newest first.
func (b *RedisBroker) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := b.client.LRange(ctx, b.deadLetterKey(), 0, stop).Result()
	if err != nil {
		return nil, domain.Transient("redis dead-letters", err)
	}
	out := make([]domain.DeadLetterRecord, 0, len(raw))
	for _, r := range raw {
		var rec domain.DeadLetterRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			b.logger.Warn("skipping unreadable dead-letter record", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *RedisBroker) Depth(ctx context.Context, cat domain.Category) (Depth, error) {
	pipe := b.client.Pipeline()
	var lens []*redis.IntCmd
	for _, key := range b.readyKeys(cat) {
		lens = append(lens, pipe.LLen(ctx, key))
	}
	delayed := pipe.ZCard(ctx, b.delayedKey(cat))
	active := pipe.ZCard(ctx, b.activeKey(cat))
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, domain.Transient("redis depth", err)
	}
	var d Depth
	for _, l := range lens {
		d.Ready += l.Val()
	}
	d.Delayed = delayed.Val()
	d.Active = active.Val()
	return d, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return domain.Transient("redis ping", err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
