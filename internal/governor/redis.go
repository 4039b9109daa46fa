package governor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "ytgate:gov:"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps governor state in Redis so several server processes share
// one view of each client. Admission runs as a single Lua script.
//
// Layout, relative to the prefix:
//
//	win:<key>   hash {count, start}   start is unix ms
//	blk:<key>   string unblockAt      unix ms, with a matching PX ttl
//	windows     zset member=key score=start
//	blocks      zset member=key score=unblockAt
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Prefix), nil
}

// NewRedisStoreWithClient wraps an existing client. The store owns it from
// then on and closes it in Close.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

var admitScript = redis.NewScript(`
local win_key = KEYS[1]
local blk_key = KEYS[2]
local windows = KEYS[3]
local blocks = KEYS[4]
local member = ARGV[1]
local now = tonumber(ARGV[2])
local window_ms = tonumber(ARGV[3])
local max_clicks = tonumber(ARGV[4])
local block_ms = tonumber(ARGV[5])

local expired = 0
local until_ms = tonumber(redis.call('GET', blk_key) or '0')
if until_ms > 0 then
  if now < until_ms then
    return {0, 1, 0, until_ms, 0}
  end
  redis.call('DEL', blk_key)
  redis.call('ZREM', blocks, member)
  expired = 1
elseif redis.call('ZREM', blocks, member) == 1 then
  -- the PX ttl dropped the data key before any sweep saw the index entry
  expired = 1
end

local start = tonumber(redis.call('HGET', win_key, 'start') or '-1')
if start < 0 or now - start > window_ms then
  redis.call('HSET', win_key, 'count', 1, 'start', now)
  redis.call('PEXPIRE', win_key, window_ms * 2)
  redis.call('ZADD', windows, now, member)
  return {1, 0, 1, 0, expired}
end

local count = redis.call('HINCRBY', win_key, 'count', 1)
if count > max_clicks then
  local unblock_at = now + block_ms
  redis.call('DEL', win_key)
  redis.call('ZREM', windows, member)
  redis.call('SET', blk_key, unblock_at, 'PX', block_ms)
  redis.call('ZADD', blocks, unblock_at, member)
  return {0, 2, count, unblock_at, expired}
end
return {1, 0, count, 0, expired}
`)

// unblockScript deletes an unexpired block. An expired one is left for the
// sweep so that its expiry is still reported.
var unblockScript = redis.NewScript(`
local until_ms = tonumber(redis.call('GET', KEYS[1]) or '0')
if until_ms <= tonumber(ARGV[2]) then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// sweepScript removes every member of KEYS[1] scored at or below ARGV[1]
// along with its data key ARGV[2]..member, and returns the removed members.
var sweepScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, m in ipairs(members) do
  redis.call('DEL', ARGV[2] .. m)
  redis.call('ZREM', KEYS[1], m)
end
return members
`)

func (s *RedisStore) winKey(key string) string { return s.prefix + "win:" + key }
func (s *RedisStore) blkKey(key string) string { return s.prefix + "blk:" + key }
func (s *RedisStore) windowsKey() string       { return s.prefix + "windows" }
func (s *RedisStore) blocksKey() string        { return s.prefix + "blocks" }

func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time, rule Rule) (Outcome, error) {
	keys := []string{s.winKey(key), s.blkKey(key), s.windowsKey(), s.blocksKey()}
	res, err := admitScript.Run(ctx, s.client, keys,
		key,
		now.UnixMilli(),
		rule.Window.Milliseconds(),
		rule.MaxClicks,
		rule.BlockDuration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Outcome{}, fmt.Errorf("redis admit: %w", err)
	}
	if len(res) != 5 {
		return Outcome{}, fmt.Errorf("unexpected admit result: %v", res)
	}

	out := Outcome{Allowed: res[0] == 1, Count: int(res[2]), ExpiredBlock: res[4] == 1}
	switch res[1] {
	case 1:
		out.Reason = ReasonBlocked
	case 2:
		out.Reason = ReasonRateExceeded
		out.Escalated = true
	}
	if res[3] > 0 {
		out.UnblockAt = time.UnixMilli(res[3])
	}
	return out, nil
}

func (s *RedisStore) Block(ctx context.Context, key string, now, until time.Time) error {
	ttl := until.Sub(now)
	if ttl <= 0 {
		return ErrInvalidDuration
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.winKey(key))
	pipe.ZRem(ctx, s.windowsKey(), key)
	pipe.Set(ctx, s.blkKey(key), until.UnixMilli(), ttl)
	pipe.ZAdd(ctx, s.blocksKey(), redis.Z{Score: float64(until.UnixMilli()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis block: %w", err)
	}
	return nil
}

func (s *RedisStore) Unblock(ctx context.Context, key string, now time.Time) (bool, error) {
	n, err := unblockScript.Run(ctx, s.client, []string{s.blkKey(key), s.blocksKey()}, key, now.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis unblock: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) ClearBlocks(ctx context.Context) (int, error) {
	members, err := s.client.ZRange(ctx, s.blocksKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis clear: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	for _, m := range members {
		pipe.Del(ctx, s.blkKey(m))
	}
	pipe.Del(ctx, s.blocksKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis clear: %w", err)
	}
	return len(members), nil
}

func (s *RedisStore) Blocks(ctx context.Context) ([]BlockEntry, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.blocksKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis blocks: %w", err)
	}
	out := make([]BlockEntry, 0, len(zs))
	for _, z := range zs {
		key, _ := z.Member.(string)
		out = append(out, BlockEntry{Key: key, UnblockAt: time.UnixMilli(int64(z.Score))})
	}
	return out, nil
}

func (s *RedisStore) Windows(ctx context.Context) ([]WindowEntry, error) {
	members, err := s.client.ZRange(ctx, s.windowsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis windows: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, s.winKey(m))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis windows: %w", err)
	}

	out := make([]WindowEntry, 0, len(members))
	for i, m := range members {
		fields := cmds[i].Val()
		count, errCount := strconv.Atoi(fields["count"])
		start, errStart := strconv.ParseInt(fields["start"], 10, 64)
		if errCount != nil || errStart != nil {
			// Hash expired by ttl ahead of the index; the next sweep drops it.
			continue
		}
		out = append(out, WindowEntry{Key: m, Count: count, WindowStart: time.UnixMilli(start)})
	}
	return out, nil
}

func (s *RedisStore) Sweep(ctx context.Context, now time.Time, window time.Duration) (SweepResult, error) {
	var res SweepResult

	// Stale means now-start > window, so the bound is exclusive.
	staleBefore := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	windows, err := sweepScript.Run(ctx, s.client, []string{s.windowsKey()}, staleBefore, s.prefix+"win:").StringSlice()
	if err != nil {
		return res, fmt.Errorf("redis sweep windows: %w", err)
	}
	res.Windows = len(windows)

	blocks, err := sweepScript.Run(ctx, s.client, []string{s.blocksKey()}, strconv.FormatInt(now.UnixMilli(), 10), s.prefix+"blk:").StringSlice()
	if err != nil {
		return res, fmt.Errorf("redis sweep blocks: %w", err)
	}
	res.Blocks = len(blocks)
	res.ExpiredBlocks = blocks
	return res, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
