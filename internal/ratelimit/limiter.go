// Package ratelimit enforces the per-user request-rate, concurrency, and
// platform-key daily token budget gates in front of a send. All state lives
// in Redis. A Limiter constructed with a nil client skips the RPM,
// concurrency, and liveness gates, but its token-budget checks treat it as
// Redis being down and fail closed, rejecting platform-key sends.
//
// Redis keys:
//   - rate:rpm:{user_id}        sorted-set sliding window, one member per request
//   - rate:inflight:{user_id}   concurrent in-flight counter
//   - budget:{user_id}:{date}   tokens spent today against the platform key
//   - reserved:{user_id}:{date} tokens reserved but not yet committed today
//   - reservation:{id}          the estimate backing one open reservation
//   - budget_charged:{message_id} marks a blocking-send charge applied once
//   - stream_active:{assistant_id} liveness marker renewed per chunk; tells
//     the sweeper a pending row still has a live stream behind it
//
// Fail modes: RPM and concurrency checks fail open (Redis down means limits
// are not enforced rather than requests being rejected). Token budget checks
// fail closed (Redis down means the platform key is treated as exhausted),
// since an unenforced budget risks real provider spend.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nexus/internal/nexuserr"
)

const (
	DefaultRPMLimit        = 20
	DefaultConcurrentLimit = 3
	DefaultTokenBudget     = 100_000

	rpmWindow   = 60 * time.Second
	inflightTTL = 5 * time.Minute
	budgetTTL   = 24 * time.Hour
	reserveTTL  = 5 * time.Minute
	dateLayout  = "2006-01-02"
)

// Limiter gates sends against Redis-backed counters. With a nil client only
// the fail-closed token-budget checks still reject.
type Limiter struct {
	client          *redis.Client
	rpmLimit        int
	concurrentLimit int
	tokenBudget     int
}

func New(client *redis.Client) *Limiter {
	return &Limiter{
		client:          client,
		rpmLimit:        DefaultRPMLimit,
		concurrentLimit: DefaultConcurrentLimit,
		tokenBudget:     DefaultTokenBudget,
	}
}

// Ping reports whether the backing Redis client is reachable, for the
// /readyz probe. A nil client (tests, local runs without a broker) is
// always considered ready.
func (l *Limiter) Ping(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	return l.client.Ping(ctx).Err()
}

// WithLimits overrides the default thresholds, used to wire config values.
func (l *Limiter) WithLimits(rpm, concurrent, tokenBudget int) *Limiter {
	l.rpmLimit = rpm
	l.concurrentLimit = concurrent
	l.tokenBudget = tokenBudget
	return l
}

func (l *Limiter) available(ctx context.Context) bool {
	if l.client == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return l.client.Ping(pingCtx).Err() == nil
}

// CheckRPM increments and evaluates the sliding-window requests-per-minute
// counter for userID. Fails open: any Redis error returns nil.
func (l *Limiter) CheckRPM(ctx context.Context, userID string) error {
	if !l.available(ctx) {
		return nil
	}
	key := fmt.Sprintf("rate:rpm:%s", userID)
	now := time.Now()
	windowStart := now.Add(-rpmWindow)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	count := pipe.ZCount(ctx, key, fmt.Sprintf("%d", windowStart.UnixNano()), fmt.Sprintf("%d", now.UnixNano()))
	pipe.Expire(ctx, key, rpmWindow*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil
	}

	if int(count.Val()) > l.rpmLimit {
		return nexuserr.New(nexuserr.CodeRateLimited, fmt.Sprintf("rate limit exceeded: %d requests per minute", l.rpmLimit))
	}
	return nil
}

// CheckConcurrent evaluates the in-flight counter for userID. Fails open.
func (l *Limiter) CheckConcurrent(ctx context.Context, userID string) error {
	if !l.available(ctx) {
		return nil
	}
	key := fmt.Sprintf("rate:inflight:%s", userID)
	count, err := l.client.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return nil
	}
	if count >= l.concurrentLimit {
		return nexuserr.New(nexuserr.CodeRateLimited, fmt.Sprintf("too many concurrent requests: %d maximum", l.concurrentLimit))
	}
	return nil
}

// IncrInflight increments the in-flight counter, called once a send has
// passed its checks and begins executing.
func (l *Limiter) IncrInflight(ctx context.Context, userID string) {
	if l.client == nil {
		return
	}
	key := fmt.Sprintf("rate:inflight:%s", userID)
	pipe := l.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, inflightTTL)
	_, _ = pipe.Exec(ctx)
}

// DecrInflight decrements the in-flight counter, called when a send finishes
// (success, error, or abandonment). Clamps at zero rather than going negative.
func (l *Limiter) DecrInflight(ctx context.Context, userID string) {
	if l.client == nil {
		return
	}
	key := fmt.Sprintf("rate:inflight:%s", userID)
	result, err := l.client.Decr(ctx, key).Result()
	if err == nil && result < 0 {
		l.client.Set(ctx, key, 0, inflightTTL)
	}
}

// CheckTokenBudget reports whether userID has remaining daily platform-key
// budget. Fails closed: Redis unavailable or any error is treated as budget
// exhausted.
func (l *Limiter) CheckTokenBudget(ctx context.Context, userID string) error {
	if !l.available(ctx) {
		return nexuserr.New(nexuserr.CodeTokenBudgetExceeded, "rate limiting service unavailable")
	}
	key := fmt.Sprintf("budget:%s:%s", userID, time.Now().UTC().Format(dateLayout))
	current, err := l.client.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return nexuserr.New(nexuserr.CodeTokenBudgetExceeded, "rate limiting service unavailable")
	}
	if current >= l.tokenBudget {
		return nexuserr.New(nexuserr.CodeTokenBudgetExceeded, fmt.Sprintf("daily token budget exceeded: %d tokens", l.tokenBudget))
	}
	return nil
}

// ChargeTokenBudget debits tokens from userID's daily budget for messageID,
// idempotently: a retried charge for the same messageID is a no-op.
func (l *Limiter) ChargeTokenBudget(ctx context.Context, userID, messageID string, tokens int) {
	if l.client == nil || tokens <= 0 {
		return
	}
	chargeKey := fmt.Sprintf("budget_charged:%s", messageID)
	if n, err := l.client.Exists(ctx, chargeKey).Result(); err == nil && n > 0 {
		return
	}
	budgetKey := fmt.Sprintf("budget:%s:%s", userID, time.Now().UTC().Format(dateLayout))
	pipe := l.client.Pipeline()
	pipe.IncrBy(ctx, budgetKey, int64(tokens))
	pipe.Expire(ctx, budgetKey, budgetTTL)
	pipe.Set(ctx, chargeKey, "1", budgetTTL)
	_, _ = pipe.Exec(ctx)
}

// ReserveTokenBudget reserves est tokens against userID's daily budget ahead
// of a streaming call, keyed by reservationID (the assistant message id), so
// a slow provider call cannot blow through the budget before it reports its
// real usage. Fails closed.
func (l *Limiter) ReserveTokenBudget(ctx context.Context, userID, reservationID string, est int) error {
	if est <= 0 {
		return nil
	}
	if !l.available(ctx) {
		return nexuserr.New(nexuserr.CodeTokenBudgetExceeded, "rate limiting service unavailable")
	}

	date := time.Now().UTC().Format(dateLayout)
	spentKey := fmt.Sprintf("budget:%s:%s", userID, date)
	reservedKey := fmt.Sprintf("reserved:%s:%s", userID, date)
	detailKey := fmt.Sprintf("reservation:%s", reservationID)

	spent, err1 := l.client.Get(ctx, spentKey).Int()
	if err1 != nil && err1 != redis.Nil {
		return nexuserr.New(nexuserr.CodeTokenBudgetExceeded, "rate limiting service unavailable")
	}
	reserved, err2 := l.client.Get(ctx, reservedKey).Int()
	if err2 != nil && err2 != redis.Nil {
		return nexuserr.New(nexuserr.CodeTokenBudgetExceeded, "rate limiting service unavailable")
	}

	if spent+reserved+est > l.tokenBudget {
		return nexuserr.New(nexuserr.CodeTokenBudgetExceeded, fmt.Sprintf(
			"daily token budget would be exceeded (spent=%d, reserved=%d, requested=%d, budget=%d)",
			spent, reserved, est, l.tokenBudget))
	}

	pipe := l.client.Pipeline()
	pipe.IncrBy(ctx, reservedKey, int64(est))
	pipe.Expire(ctx, reservedKey, budgetTTL)
	pipe.Set(ctx, detailKey, est, reserveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nexuserr.New(nexuserr.CodeTokenBudgetExceeded, "rate limiting service unavailable")
	}
	return nil
}

// CommitTokenBudget converts a reservation into a real charge: the reserved
// estimate is released and actual tokens are added to spent. Called at
// stream finalize once the provider has reported real usage.
func (l *Limiter) CommitTokenBudget(ctx context.Context, userID, reservationID string, actual int) {
	if l.client == nil {
		return
	}
	date := time.Now().UTC().Format(dateLayout)
	spentKey := fmt.Sprintf("budget:%s:%s", userID, date)
	reservedKey := fmt.Sprintf("reserved:%s:%s", userID, date)
	detailKey := fmt.Sprintf("reservation:%s", reservationID)

	est, err := l.client.Get(ctx, detailKey).Int()
	if err != nil {
		est = 0
	}

	pipe := l.client.Pipeline()
	if est > 0 {
		pipe.DecrBy(ctx, reservedKey, int64(est))
	}
	if actual > 0 {
		pipe.IncrBy(ctx, spentKey, int64(actual))
		pipe.Expire(ctx, spentKey, budgetTTL)
	}
	pipe.Del(ctx, detailKey)
	_, _ = pipe.Exec(ctx)

	l.clampNonNegative(ctx, reservedKey)
}

// ReleaseTokenBudget releases a reservation without charging anything,
// called when a stream fails before the provider reports usage.
func (l *Limiter) ReleaseTokenBudget(ctx context.Context, userID, reservationID string) {
	if l.client == nil {
		return
	}
	date := time.Now().UTC().Format(dateLayout)
	reservedKey := fmt.Sprintf("reserved:%s:%s", userID, date)
	detailKey := fmt.Sprintf("reservation:%s", reservationID)

	est, err := l.client.Get(ctx, detailKey).Int()
	if err != nil || est <= 0 {
		l.client.Del(ctx, detailKey)
		return
	}

	pipe := l.client.Pipeline()
	pipe.DecrBy(ctx, reservedKey, int64(est))
	pipe.Del(ctx, detailKey)
	_, _ = pipe.Exec(ctx)

	l.clampNonNegative(ctx, reservedKey)
}

func (l *Limiter) clampNonNegative(ctx context.Context, key string) {
	v, err := l.client.Get(ctx, key).Int()
	if err == nil && v < 0 {
		l.client.Set(ctx, key, 0, budgetTTL)
	}
}

// BudgetRemaining returns userID's remaining daily token budget, or -1 if
// Redis is unavailable.
func (l *Limiter) BudgetRemaining(ctx context.Context, userID string) int {
	if !l.available(ctx) {
		return -1
	}
	key := fmt.Sprintf("budget:%s:%s", userID, time.Now().UTC().Format(dateLayout))
	current, err := l.client.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return -1
	}
	remaining := l.tokenBudget - current
	if remaining < 0 {
		return 0
	}
	return remaining
}

// streamActiveTTL is the liveness marker's renewal window: long enough to
// survive the gap between two provider chunks (bounded by the pump's own
// 45s inactivity timeout) but short enough that a crashed process's marker
// expires before the sweeper's 5-minute stale threshold elapses.
const streamActiveTTL = 90 * time.Second

// SetStreamActive marks assistantID's stream as alive, called once the
// streaming pump starts reading from the provider.
func (l *Limiter) SetStreamActive(ctx context.Context, assistantID string) {
	if l.client == nil {
		return
	}
	l.client.Set(ctx, fmt.Sprintf("stream_active:%s", assistantID), "1", streamActiveTTL)
}

// RenewStreamActive refreshes the liveness marker's TTL, called after every
// chunk the pump forwards so a slow-but-alive stream is never mistaken for
// an orphan by the sweeper.
func (l *Limiter) RenewStreamActive(ctx context.Context, assistantID string) {
	if l.client == nil {
		return
	}
	l.client.Expire(ctx, fmt.Sprintf("stream_active:%s", assistantID), streamActiveTTL)
}

// ClearStreamActive removes the liveness marker once a stream finalizes by
// any path (success, error, or disconnect-drain).
func (l *Limiter) ClearStreamActive(ctx context.Context, assistantID string) {
	if l.client == nil {
		return
	}
	l.client.Del(ctx, fmt.Sprintf("stream_active:%s", assistantID))
}

// IsStreamActive reports whether assistantID's liveness marker is present.
// Fails open toward "not active" (sweeper proceeds) when Redis is down,
// since a wedged stream with no way to renew its marker should still be
// swept eventually rather than orphaned forever.
func (l *Limiter) IsStreamActive(ctx context.Context, assistantID string) bool {
	if !l.available(ctx) {
		return false
	}
	n, err := l.client.Exists(ctx, fmt.Sprintf("stream_active:%s", assistantID)).Result()
	return err == nil && n > 0
}
