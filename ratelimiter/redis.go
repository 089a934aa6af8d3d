package ratelimiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

// hitScript is the fixed-window increment-and-compare. Everything happens
// inside one script call, so Redis serialises concurrent hits on a key.
// Times are unix milliseconds supplied by the caller's clock.
const hitScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local block = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "start", "count", "blocked_until")
local start = tonumber(state[1])
local count = tonumber(state[2]) or 0
local blocked = tonumber(state[3]) or 0

if start ~= nil and blocked > now then
    return {start, count, blocked, 0, 1, -1, 0}
end

local archived_start = -1
local archived_count = 0
if start == nil or now >= start + window then
    if start ~= nil then
        archived_start = start
        archived_count = count
    end
    start = now
    count = 0
end

count = count + 1
local allowed = 1
if count > limit then
    allowed = 0
    if block > 0 then
        blocked = now + block
    end
end

redis.call("HSET", key, "start", start, "count", count, "blocked_until", blocked, "limit", limit)
local horizon = math.max(start + window, blocked) - now
redis.call("PEXPIRE", key, horizon + window)
return {start, count, blocked, allowed, 0, archived_start, archived_count}
`

// RedisBackend shares rate-limit windows across engine replicas.
type RedisBackend struct {
	client redis.UniversalClient
	script *redis.Script
	prefix string
}

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{
		client: client,
		script: redis.NewScript(hitScript),
		prefix: "rl:",
	}
}

func (b *RedisBackend) Hit(ctx context.Context, key string, now time.Time, p Params) (HitResult, error) {
	vals, err := b.script.Run(ctx, b.client, []string{b.prefix + key},
		now.UnixMilli(), p.Window.Milliseconds(), p.Limit, p.BlockDuration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return HitResult{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 7 {
		return HitResult{}, fmt.Errorf("rate limit script: unexpected reply length %d", len(vals))
	}

	res := HitResult{
		WindowStart:  time.UnixMilli(vals[0]).UTC(),
		Count:        int(vals[1]),
		BlockedUntil: msTime(vals[2]),
		Allowed:      vals[3] == 1,
		CoolingDown:  vals[4] == 1,
	}
	if vals[5] >= 0 {
		res.Archived = &ArchivedWindow{Start: time.UnixMilli(vals[5]).UTC(), Count: int(vals[6])}
	}
	return res, nil
}

func (b *RedisBackend) Peek(ctx context.Context, key string) (models.RateLimitWindow, bool, error) {
	fields, err := b.client.HGetAll(ctx, b.prefix+key).Result()
	if err != nil {
		return models.RateLimitWindow{}, false, fmt.Errorf("read window: %w", err)
	}
	if len(fields) == 0 {
		return models.RateLimitWindow{}, false, nil
	}
	w, err := parseWindow(fields)
	if err != nil {
		return models.RateLimitWindow{}, false, fmt.Errorf("read window %s: %w", key, err)
	}
	return w, true, nil
}

// parseWindow decodes the hash written by hitScript. A missing
// blocked_until means no cool-down; any other missing or malformed field
// is an error.
func parseWindow(fields map[string]string) (models.RateLimitWindow, error) {
	start, err := strconv.ParseInt(fields["start"], 10, 64)
	if err != nil {
		return models.RateLimitWindow{}, fmt.Errorf("field start: %w", err)
	}
	count, err := strconv.Atoi(fields["count"])
	if err != nil {
		return models.RateLimitWindow{}, fmt.Errorf("field count: %w", err)
	}
	limit, err := strconv.Atoi(fields["limit"])
	if err != nil {
		return models.RateLimitWindow{}, fmt.Errorf("field limit: %w", err)
	}
	var blocked int64
	if raw, ok := fields["blocked_until"]; ok {
		if blocked, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return models.RateLimitWindow{}, fmt.Errorf("field blocked_until: %w", err)
		}
	}
	return models.RateLimitWindow{
		WindowStart:  time.UnixMilli(start).UTC(),
		Count:        count,
		Limit:        limit,
		BlockedUntil: msTime(blocked),
	}, nil
}

func (b *RedisBackend) Reset(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.prefix+key).Err()
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
