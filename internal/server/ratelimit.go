package server

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"go-imsdk/internal/logx"
)

// RedisSendLimiter 基于 Redis 的令牌桶发送限流：
// - 两个键：<key>:t（令牌数）、<key>:ts（上次补充时间）
// - Lua 原子脚本完成补充、扣减与过期
// - Redis 出错时放行，限流不能成为发送链路的单点
type RedisSendLimiter struct {
	client     *redis.Client
	ratePerSec int
	burst      int
}

func NewRedisSendLimiter(client *redis.Client, ratePerSec, burst int) *RedisSendLimiter {
	return &RedisSendLimiter{client: client, ratePerSec: ratePerSec, burst: burst}
}

var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local tokens = tonumber(redis.call('GET', tokens_key))
if tokens == nil then tokens = burst end
local ts = tonumber(redis.call('GET', ts_key))
if ts == nil then ts = now_ms end

local delta = math.max(0, now_ms - ts) / 1000.0
local new_tokens = math.min(burst, tokens + delta * rate)

local allowed = 0
if new_tokens >= 1 then
  allowed = 1
  new_tokens = new_tokens - 1
end

redis.call('SET', tokens_key, new_tokens)
redis.call('SET', ts_key, now_ms)
redis.call('PEXPIRE', tokens_key, 2000)
redis.call('PEXPIRE', ts_key, 2000)

return allowed
`)

// Allow 尝试消耗一个令牌。key 建议取 userId:send。
func (l *RedisSendLimiter) Allow(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	nowMs := time.Now().UnixMilli()
	v, err := tokenBucketScript.Run(ctx, l.client,
		[]string{key + ":t", key + ":ts"}, l.ratePerSec, l.burst, nowMs).Result()
	if err != nil {
		logx.Warnf("ratelimit: %v", err)
		return true
	}
	allowed, _ := v.(int64)
	return allowed == 1
}
