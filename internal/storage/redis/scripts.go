package redis

const (
	// putLedgerScript stores a ledger unless a newer one is already present.
	// A daemon restarted from an older snapshot must not rewind counters
	// written by a newer instance.
	putLedgerScript = `
local ledger_key = KEYS[1]     -- kquota:ledger:{user}
local users_set = KEYS[2]      -- kquota:ledgers

local user = ARGV[1]
local last_checked_unix = tonumber(ARGV[7])

local stored = redis.call('HGET', ledger_key, 'last_checked_unix')
if stored and tonumber(stored) and tonumber(stored) > last_checked_unix then
  return 'STALE'
end

redis.call('HSET', ledger_key,
  'user', user,
  'spent_day', ARGV[2],
  'spent_week', ARGV[3],
  'spent_month', ARGV[4],
  'balance_day', ARGV[5],
  'last_checked', ARGV[6],
  'last_checked_unix', ARGV[7],
  'saved_at', ARGV[8]
)

redis.call('SADD', users_set, user)

return 'OK'
`
)
