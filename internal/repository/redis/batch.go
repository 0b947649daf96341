package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/redis/go-redis/v9"
)

// Window layout, per window id:
//
//	<prefix>batch:<id>            hash of window fields plus per-entity event counts
//	<prefix>batch:<id>:events     list of JSON encoded events
//	<prefix>batch:<id>:cancelled  hash of entity -> list length when it was cancelled
//	<prefix>batch:due             sorted set of window ids scored by flush time (ms)
//	<prefix>batch:entity:<t>:<id> set of window ids holding events for an entity

var appendScript = redis.NewScript(`
local now = tonumber(ARGV[5])
local window = tonumber(ARGV[6])
local created = 0
local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at'))
local flush
if not opened then
	created = 1
	opened = now
	flush = now + window
	redis.call('HSET', KEYS[1], 'user_id', ARGV[2], 'batch_key', ARGV[3], 'type', ARGV[4], 'opened_at', now)
else
	flush = tonumber(redis.call('HGET', KEYS[1], 'flush_at'))
	if ARGV[7] == '1' then
		local nxt = now + window
		local maxw = tonumber(ARGV[8])
		if maxw > 0 and nxt > opened + maxw then nxt = opened + maxw end
		if nxt > flush then flush = nxt end
	end
end
redis.call('HSET', KEYS[1], 'flush_at', flush)
local size = redis.call('RPUSH', KEYS[2], ARGV[9])
redis.call('ZADD', KEYS[3], flush, ARGV[1])
if ARGV[10] ~= '' then
	redis.call('HINCRBY', KEYS[1], ARGV[10], 1)
	redis.call('SADD', KEYS[4], ARGV[1])
	redis.call('EXPIRE', KEYS[4], ARGV[11])
end
redis.call('EXPIRE', KEYS[1], ARGV[11])
redis.call('EXPIRE', KEYS[2], ARGV[11])
return {created, flush, size}
`)

var takeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[3], ARGV[1]) == 0 then
	return false
end
local meta = redis.call('HGETALL', KEYS[1])
local events = redis.call('LRANGE', KEYS[2], 0, -1)
local cancelled = redis.call('HGETALL', KEYS[4])
redis.call('DEL', KEYS[1], KEYS[2], KEYS[4])
return {meta, events, cancelled}
`)

// restoreScript prepends events to a window. Cancellation marks already on
// the window are list positions, so they shift by the number restored.
var restoreScript = redis.NewScript(`
local n = tonumber(ARGV[8])
local flush = tonumber(ARGV[6])
local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at'))
if not opened then
	redis.call('HSET', KEYS[1], 'user_id', ARGV[2], 'batch_key', ARGV[3], 'type', ARGV[4], 'opened_at', ARGV[5])
else
	if tonumber(ARGV[5]) < opened then
		redis.call('HSET', KEYS[1], 'opened_at', ARGV[5])
	end
	local cur = tonumber(redis.call('HGET', KEYS[1], 'flush_at'))
	if cur and cur < flush then flush = cur end
	local marks = redis.call('HGETALL', KEYS[4])
	for i = 1, #marks, 2 do
		redis.call('HINCRBY', KEYS[4], marks[i], n)
	end
end
redis.call('HSET', KEYS[1], 'flush_at', flush)
for i = n, 1, -1 do
	redis.call('LPUSH', KEYS[2], ARGV[7 + 2 * i])
end
for i = 1, n do
	local field = ARGV[8 + 2 * i]
	if field ~= '' then
		redis.call('HINCRBY', KEYS[1], field, 1)
		redis.call('SADD', KEYS[4 + i], ARGV[1])
		redis.call('EXPIRE', KEYS[4 + i], ARGV[7])
	end
end
redis.call('ZADD', KEYS[3], flush, ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[7])
redis.call('EXPIRE', KEYS[2], ARGV[7])
return flush
`)

var cancelScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local n = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if n > 0 then
	redis.call('HSET', KEYS[3], ARGV[1], redis.call('LLEN', KEYS[2]))
	redis.call('HDEL', KEYS[1], ARGV[1])
	redis.call('EXPIRE', KEYS[3], ARGV[2])
end
return n
`)

type Config struct {
	Prefix string
	// TTL bounds how long an unflushed window survives if no sweeper runs.
	TTL time.Duration
}

type batchRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewBatchRepository stores batch windows in Redis so every API and worker
// process shares them.
func NewBatchRepository(client *redis.Client, cfg Config) repository.BatchRepository {
	if cfg.Prefix == "" {
		cfg.Prefix = "notify:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &batchRepository{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}
}

func (r *batchRepository) windowKey(id string) string    { return r.prefix + "batch:" + id }
func (r *batchRepository) eventsKey(id string) string    { return r.windowKey(id) + ":events" }
func (r *batchRepository) cancelledKey(id string) string { return r.windowKey(id) + ":cancelled" }
func (r *batchRepository) dueKey() string                { return r.prefix + "batch:due" }

func (r *batchRepository) entityKey(entityType, entityID string) string {
	return r.prefix + "batch:entity:" + entityType + ":" + entityID
}

func entityField(entityType, entityID string) string {
	if entityType == "" && entityID == "" {
		return ""
	}
	return "entity:" + entityType + ":" + entityID
}

func (r *batchRepository) Append(ctx context.Context, req repository.BatchAppend) (repository.BatchAppendResult, error) {
	payload, err := json.Marshal(req.Event)
	if err != nil {
		return repository.BatchAppendResult{}, fmt.Errorf("encode event: %w", err)
	}

	id := model.WindowID(req.UserID, req.BatchKey)
	sliding := "0"
	if req.Sliding {
		sliding = "1"
	}
	keys := []string{
		r.windowKey(id),
		r.eventsKey(id),
		r.dueKey(),
		r.entityKey(req.Event.EntityType, req.Event.EntityID),
	}
	res, err := appendScript.Run(ctx, r.client, keys,
		id, req.UserID, req.BatchKey, string(req.Type),
		req.Now.UnixMilli(), req.Window.Milliseconds(), sliding, req.MaxWindow.Milliseconds(),
		payload, entityField(req.Event.EntityType, req.Event.EntityID), int(r.ttl.Seconds()),
	).Int64Slice()
	if err != nil {
		return repository.BatchAppendResult{}, fmt.Errorf("append to batch window: %w", err)
	}
	if len(res) != 3 {
		return repository.BatchAppendResult{}, fmt.Errorf("unexpected append reply %v", res)
	}
	return repository.BatchAppendResult{
		Created: res[0] == 1,
		FlushAt: time.UnixMilli(res[1]).UTC(),
		Size:    int(res[2]),
	}, nil
}

func (r *batchRepository) Take(ctx context.Context, userID, batchKey string) (*model.BatchWindow, error) {
	return r.take(ctx, model.WindowID(userID, batchKey))
}

func (r *batchRepository) take(ctx context.Context, id string) (*model.BatchWindow, error) {
	keys := []string{r.windowKey(id), r.eventsKey(id), r.dueKey(), r.cancelledKey(id)}
	res, err := takeScript.Run(ctx, r.client, keys, id).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take batch window: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected take reply for %s", id)
	}
	return decodeWindow(pairs(res[0]), stringList(res[1]), pairs(res[2]))
}

func (r *batchRepository) TakeDue(ctx context.Context, now time.Time, limit int) ([]*model.BatchWindow, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, r.dueKey(), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("list due windows: %w", err)
	}

	out := make([]*model.BatchWindow, 0, len(ids))
	for _, id := range ids {
		w, err := r.take(ctx, id)
		if err != nil {
			// The windows already taken are gone from Redis; hand them back.
			return out, err
		}
		if w != nil {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *batchRepository) Restore(ctx context.Context, w *model.BatchWindow, flushAt time.Time) error {
	if len(w.Events) == 0 {
		return nil
	}
	id := model.WindowID(w.UserID, w.BatchKey)
	keys := []string{r.windowKey(id), r.eventsKey(id), r.dueKey(), r.cancelledKey(id)}
	args := []any{
		id, w.UserID, w.BatchKey, string(w.Type),
		w.OpenedAt.UnixMilli(), flushAt.UnixMilli(), int(r.ttl.Seconds()), len(w.Events),
	}
	for _, ev := range w.Events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		field := entityField(ev.EntityType, ev.EntityID)
		entityKey := keys[0]
		if field != "" {
			entityKey = r.entityKey(ev.EntityType, ev.EntityID)
		}
		keys = append(keys, entityKey)
		args = append(args, payload, field)
	}
	if err := restoreScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("restore batch window: %w", err)
	}
	return nil
}

func (r *batchRepository) CancelEntity(ctx context.Context, entityType, entityID string) (int, error) {
	field := entityField(entityType, entityID)
	if field == "" {
		return 0, nil
	}
	setKey := r.entityKey(entityType, entityID)
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list entity windows: %w", err)
	}

	total := 0
	for _, id := range ids {
		keys := []string{r.windowKey(id), r.eventsKey(id), r.cancelledKey(id)}
		n, err := cancelScript.Run(ctx, r.client, keys, field, int(r.ttl.Seconds())).Int()
		if err != nil {
			return total, fmt.Errorf("cancel entity in window %s: %w", id, err)
		}
		total += n
	}
	if err := r.client.Del(ctx, setKey).Err(); err != nil {
		return total, fmt.Errorf("clear entity index: %w", err)
	}
	return total, nil
}

// decodeWindow rebuilds a window, dropping events whose entity was cancelled
// while they were in the list.
func decodeWindow(meta map[string]string, events []string, cancelled map[string]string) (*model.BatchWindow, error) {
	opened, _ := strconv.ParseInt(meta["opened_at"], 10, 64)
	flush, _ := strconv.ParseInt(meta["flush_at"], 10, 64)
	w := &model.BatchWindow{
		UserID:   meta["user_id"],
		BatchKey: meta["batch_key"],
		Type:     model.EventType(meta["type"]),
		OpenedAt: time.UnixMilli(opened).UTC(),
		FlushAt:  time.UnixMilli(flush).UTC(),
		Events:   make([]model.NotificationEvent, 0, len(events)),
	}
	for i, raw := range events {
		var ev model.NotificationEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode batched event: %w", err)
		}
		if mark, ok := cancelled[entityField(ev.EntityType, ev.EntityID)]; ok {
			if limit, _ := strconv.Atoi(mark); i < limit {
				continue
			}
		}
		w.Events = append(w.Events, ev)
	}
	return w, nil
}

func stringList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func pairs(v any) map[string]string {
	flat := stringList(v)
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out[flat[i]] = flat[i+1]
	}
	return out
}
