package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/berserk3142-max/fraud-risk-engine/models"
)

const (
	keyPrefix = "events:"
	indexKey  = "events:index"
)

// appendScript adds one event to the identifier's sorted set. The score is
// clamped to the newest stored score so per-identifier history never goes
// backwards, then the set is trimmed by age and length.
//
// KEYS[1] series key, KEYS[2] index key
// ARGV: score_ms, member, retention_ms, maxlen, identifier
var appendScript = redis.NewScript(`
local score = tonumber(ARGV[1])
local retention = tonumber(ARGV[3])
local maxlen = tonumber(ARGV[4])

local last = redis.call('ZRANGE', KEYS[1], -1, -1, 'WITHSCORES')
if last[2] and tonumber(last[2]) > score then
  score = tonumber(last[2])
end

redis.call('ZADD', KEYS[1], score, ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. string.format('%d', score - retention))
redis.call('ZREMRANGEBYRANK', KEYS[1], 0, -(maxlen + 1))
redis.call('PEXPIRE', KEYS[1], retention)
redis.call('ZADD', KEYS[2], score, ARGV[5])
return score
`)

// evictScript trims one series and drops it from the index once empty.
var evictScript = redis.NewScript(`
local n = redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('ZREM', KEYS[2], ARGV[2])
end
return n
`)

// RedisStore keeps each identifier's history in a sorted set scored by
// unix milliseconds, so several engine replicas share one view of recent
// activity.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

func NewRedisStore(client redis.UniversalClient, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, retention: retention}
}

func (s *RedisStore) Append(ctx context.Context, ev models.ActionEvent) (models.ActionEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	member, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("encode event: %w", err)
	}

	score, err := appendScript.Run(ctx, s.client,
		[]string{keyPrefix + ev.Identifier, indexKey},
		ev.Timestamp.UnixMilli(), string(member), s.retention.Milliseconds(), maxEventsPerIdentifier, ev.Identifier,
	).Int64()
	if err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}
	ev.Timestamp = time.UnixMilli(score).UTC()
	return ev, nil
}

func (s *RedisStore) Recent(ctx context.Context, identifier string, since time.Time) ([]models.ActionEvent, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, keyPrefix+identifier, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	out := make([]models.ActionEvent, 0, len(zs))
	for _, z := range zs {
		raw, _ := z.Member.(string)
		var ev models.ActionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		// The score is authoritative; it may have been clamped on append.
		ev.Timestamp = time.UnixMilli(int64(z.Score)).UTC()
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) Since(ctx context.Context, since time.Time) ([]models.ActionEvent, error) {
	ids, err := s.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read event index: %w", err)
	}

	var out []models.ActionEvent
	for _, id := range ids {
		evs, err := s.Recent(ctx, id, since)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *RedisStore) Evict(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("read event index: %w", err)
	}

	cutoff := strconv.FormatInt(before.UnixMilli(), 10)
	removed := 0
	for _, id := range ids {
		n, err := evictScript.Run(ctx, s.client, []string{keyPrefix + id, indexKey}, cutoff, id).Int()
		if err != nil {
			return removed, fmt.Errorf("evict %s: %w", id, err)
		}
		removed += n
	}
	return removed, nil
}
