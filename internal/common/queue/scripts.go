package queue

import "github.com/redis/go-redis/v9"

// KEYS: wait, delayed, active. ARGV: now, lockUntil, jobKeyPrefix, token.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LPUSH', KEYS[1], id)
end
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('HINCRBY', ARGV[3] .. id, 'attempts', 1)
redis.call('HSET', ARGV[3] .. id, 'token', ARGV[4])
return id
`)

// Only the holder of the current claim token may ack, extend or fail a job.
// KEYS: active, jobKey. ARGV: id, token.
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] or not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: active, jobKey. ARGV: id, lockUntil, token.
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[3] or not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS: active, delayed, failed, jobKey. ARGV: id, retryable, now, backoff, error, token.
// Returns -1 when the job is not held with token, 0 when scheduled for retry, 1 when dead-lettered.
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], 'token') ~= ARGV[6] or redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call('HDEL', KEYS[4], 'token')
redis.call('HSET', KEYS[4], 'last_error', ARGV[5])
local attempts = tonumber(redis.call('HGET', KEYS[4], 'attempts') or '0')
local max = tonumber(redis.call('HGET', KEYS[4], 'max_attempts') or '1')
if ARGV[2] == '1' and attempts < max then
  local delay = tonumber(ARGV[4]) * (2 ^ (attempts - 1))
  redis.call('ZADD', KEYS[2], math.floor(tonumber(ARGV[3]) + delay), ARGV[1])
  return 0
end
redis.call('HSET', KEYS[4], 'failed_at', ARGV[3])
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)

// KEYS: active, wait, failed. ARGV: now, maxStalled, jobKeyPrefix, stalledError.
// Returns {requeued, {deadLetteredIds...}}.
var stalledScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued = 0
local dead = {}
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  redis.call('HDEL', key, 'token')
  local stalled = redis.call('HINCRBY', key, 'stalled', 1)
  if stalled > tonumber(ARGV[2]) then
    redis.call('HSET', key, 'last_error', ARGV[4])
    redis.call('HSET', key, 'failed_at', ARGV[1])
    redis.call('LPUSH', KEYS[3], id)
    table.insert(dead, id)
  else
    redis.call('HINCRBY', key, 'attempts', -1)
    redis.call('RPUSH', KEYS[2], id)
    requeued = requeued + 1
  end
end
return {requeued, dead}
`)

// KEYS: failed, wait, jobKey. ARGV: id.
var retryScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'attempts', 0)
redis.call('HSET', KEYS[3], 'stalled', 0)
redis.call('HDEL', KEYS[3], 'failed_at')
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)
