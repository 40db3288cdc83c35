package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/healthmon/pkg/types"
)

// Throttle bounds how many alerts a rule may fire within its rolling window.
//
// Allow is an atomic check-and-record: it returns true and records the fire
// only when fewer than MaxAlerts fires fall inside the window ending at now.
// Fires exactly one window old no longer count.
type Throttle interface {
	Allow(ctx context.Context, rule *types.AlertRule, alertID string, now time.Time) (bool, error)

	// Sweep discards entries older than maxAge and returns how many it removed.
	Sweep(ctx context.Context, maxAge time.Duration, now time.Time) (int, error)
}

// =============================================================================
// MEMORY
// =============================================================================

type fire struct {
	at      time.Time
	alertID string
}

type ruleWindow struct {
	mu    sync.Mutex
	fires []fire

	// swept is set once Sweep has dropped the window from the rule map.
	swept bool
}

// prune drops fires at or before cutoff. Caller holds w.mu.
func (w *ruleWindow) prune(cutoff time.Time) int {
	kept := w.fires[:0]
	for _, f := range w.fires {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	removed := len(w.fires) - len(kept)
	w.fires = kept
	return removed
}

// MemoryThrottle keeps fire history in process. Each rule has its own lock.
type MemoryThrottle struct {
	mu    sync.Mutex
	rules map[string]*ruleWindow
}

// NewMemoryThrottle creates an empty in-process throttle.
func NewMemoryThrottle() *MemoryThrottle {
	return &MemoryThrottle{rules: make(map[string]*ruleWindow)}
}

func (t *MemoryThrottle) window(ruleID string) *ruleWindow {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.rules[ruleID]
	if !ok {
		w = &ruleWindow{}
		t.rules[ruleID] = w
	}
	return w
}

func (t *MemoryThrottle) Allow(ctx context.Context, rule *types.AlertRule, alertID string, now time.Time) (bool, error) {
	for {
		if allowed, ok := t.record(t.window(rule.ID), rule, alertID, now); ok {
			return allowed, nil
		}
	}
}

// record checks and records a fire in w. It returns ok=false when w was swept
// after the caller looked it up; the caller must fetch the window again.
func (t *MemoryThrottle) record(w *ruleWindow, rule *types.AlertRule, alertID string, now time.Time) (allowed, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.swept {
		return false, false
	}

	w.prune(now.Add(-rule.Throttling.Window()))
	if len(w.fires) >= rule.Throttling.MaxAlerts {
		return false, true
	}
	w.fires = append(w.fires, fire{at: now, alertID: alertID})
	return true, true
}

func (t *MemoryThrottle) Sweep(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	cutoff := now.Add(-maxAge)
	for id, w := range t.rules {
		w.mu.Lock()
		removed += w.prune(cutoff)
		if len(w.fires) == 0 {
			w.swept = true
			delete(t.rules, id)
		}
		w.mu.Unlock()
	}
	return removed, nil
}

// Count returns the fires currently recorded for a rule.
func (t *MemoryThrottle) Count(ruleID string) int {
	t.mu.Lock()
	w, ok := t.rules[ruleID]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.fires)
}

// =============================================================================
// REDIS
// =============================================================================

const throttleKeyPrefix = "healthmon:throttle:"

// allowScript trims the window, counts, and records in one round trip so
// concurrent evaluators on any number of instances see a consistent count.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= max then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisThrottle keeps fire history in a sorted set per rule, scored by fire
// time in milliseconds. It lets several instances share one budget.
type RedisThrottle struct {
	client *redis.Client
}

// NewRedisThrottle creates a throttle over an existing client.
func NewRedisThrottle(client *redis.Client) *RedisThrottle {
	return &RedisThrottle{client: client}
}

func (t *RedisThrottle) Allow(ctx context.Context, rule *types.AlertRule, alertID string, now time.Time) (bool, error) {
	res, err := allowScript.Run(ctx, t.client,
		[]string{throttleKeyPrefix + rule.ID},
		now.UnixMilli(),
		rule.Throttling.Window().Milliseconds(),
		rule.Throttling.MaxAlerts,
		alertID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("throttle script: %w", err)
	}
	return res == 1, nil
}

// Sweep trims every rule key. Keys also expire on their own after a quiet
// window, so this only bounds sets of rules that keep firing.
func (t *RedisThrottle) Sweep(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	cutoff := fmt.Sprintf("%d", now.Add(-maxAge).UnixMilli())
	removed := 0

	iter := t.client.Scan(ctx, 0, throttleKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := t.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("trimming %s: %w", iter.Val(), err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scanning throttle keys: %w", err)
	}
	return removed, nil
}
