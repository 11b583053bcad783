package circuitbreaker

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/sammy995/Local-LLM-Arena/internal/domain"
)

// Every script returns {previous_state, new_state}. Timestamps come from the
// Redis server clock in milliseconds so replicas agree on when Timeout expires.

// KEYS: state, last_failure, successes. ARGV: timeout_ms.
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state ~= 'open' then
    return {state, state}
end

local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local last = tonumber(redis.call('GET', KEYS[2]) or '0')
if now - last > tonumber(ARGV[1]) then
    redis.call('SET', KEYS[1], 'half-open')
    redis.call('SET', KEYS[3], '0')
    return {state, 'half-open'}
end
return {state, state}
`)

// KEYS: state, failures, successes. ARGV: success_threshold.
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
    return {state, state}
end
if state == 'half-open' then
    local successes = redis.call('INCR', KEYS[3])
    if successes >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        return {state, 'closed'}
    end
end
return {state, state}
`)

// KEYS: state, failures, last_failure, successes. ARGV: failure_threshold.
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local t = redis.call('TIME')
redis.call('SET', KEYS[3], tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000))

if state == 'closed' then
    local failures = redis.call('INCR', KEYS[2])
    if failures >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'open')
        return {state, 'open'}
    end
elseif state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[4], '0')
    return {state, 'open'}
end
return {state, state}
`)

// RedisBreaker keeps breaker state in Redis so every replica fails fast on
// the same provider. Redis errors fail open.
type RedisBreaker struct {
	client *redis.Client
	name   string
	config Config
	prefix string
}

func NewRedisBreaker(client *redis.Client, name string, cfg Config) *RedisBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	return &RedisBreaker{
		client: client,
		name:   name,
		config: cfg,
		prefix: "arena:cb:" + name + ":",
	}
}

// WithRedis makes the Manager hand out RedisBreakers sharing client.
func WithRedis(client *redis.Client) ManagerOption {
	return WithFactory(func(providerID string, cfg Config) CircuitBreaker {
		return NewRedisBreaker(client, providerID, cfg)
	})
}

func (b *RedisBreaker) Name() string {
	return b.name
}

func (b *RedisBreaker) Allow(ctx context.Context) error {
	keys := []string{b.key("state"), b.key("last_failure"), b.key("successes")}
	to, ok := b.run(ctx, allowScript, keys, b.config.Timeout.Milliseconds())
	if ok && to == StateOpen {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context) {
	keys := []string{b.key("state"), b.key("failures"), b.key("successes")}
	b.run(ctx, recordSuccessScript, keys, b.config.SuccessThreshold)
}

func (b *RedisBreaker) RecordFailure(ctx context.Context) {
	keys := []string{b.key("state"), b.key("failures"), b.key("last_failure"), b.key("successes")}
	b.run(ctx, recordFailureScript, keys, b.config.FailureThreshold)
}

func (b *RedisBreaker) State(ctx context.Context) State {
	v, err := b.client.Get(ctx, b.key("state")).Result()
	if err != nil {
		return StateClosed
	}
	return parseState(v)
}

func (b *RedisBreaker) Failures(ctx context.Context) int {
	v, err := b.client.Get(ctx, b.key("failures")).Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}

// Reset clears the shared state for this provider.
func (b *RedisBreaker) Reset(ctx context.Context) error {
	return b.client.Del(ctx, b.key("state"), b.key("failures"), b.key("successes"), b.key("last_failure")).Err()
}

// run executes script and reports the resulting state. ok is false when
// Redis could not be reached.
func (b *RedisBreaker) run(ctx context.Context, script *redis.Script, keys []string, arg any) (State, bool) {
	res, err := script.Run(ctx, b.client, keys, arg).StringSlice()
	if err != nil || len(res) != 2 {
		return StateClosed, false
	}
	from, to := parseState(res[0]), parseState(res[1])
	if from != to && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, from, to)
	}
	return to, true
}

func (b *RedisBreaker) key(field string) string {
	return b.prefix + field
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
