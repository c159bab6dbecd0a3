// Package ratelimit is a generic store-backed request limiter. Counters live
// in the coordination store so every server process sees the same window, and
// records expire on their own; no sweeper is needed.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Nerimity/nerimity-server-sub001/internal/store"
)

// escalationWindow bounds how long repeat violations accumulate before the
// counter resets on its own.
const escalationWindow = 3 * time.Minute

// violationsBeforeAction is how many lockouts within the escalation window
// trigger the caller's callback.
const violationsBeforeAction = 3

// Escalation converts repeated lockouts into a stronger corrective action,
// e.g. force-disconnecting the offender's session.
type Escalation struct {
	// SubKey scopes the violation counter under the identifier, so one
	// identifier can carry independent escalation tracks.
	SubKey string
	// OnThirdViolation fires once when the counter reaches the threshold;
	// the counter resets after firing.
	OnThirdViolation func()
}

// Options describes one limiter check. Window governs how long the request
// counter lives; Lockout governs how long the "reached" state lasts. They are
// independent: hammering during a lockout never extends it.
type Options struct {
	ID         string
	Requests   int
	Window     time.Duration
	Lockout    time.Duration
	Escalation *Escalation
}

type Limiter struct {
	store  *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:  st,
		logger: logger.With(slog.String("component", "rate_limiter")),
	}
}

// Check records one request against the identifier. limited=false means the
// request may proceed. When limited, retryAfter is the remaining lockout.
// Store errors propagate to the caller; whether to fail open or closed is
// caller policy.
func (l *Limiter) Check(ctx context.Context, opts Options) (retryAfter time.Duration, limited bool, err error) {
	client := l.store.Client()
	key := store.RateLimitKey(opts.ID)

	fields, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read rate limit record '%s': %w", opts.ID, err)
	}

	// 1. No record: open a fresh window.
	if len(fields) == 0 {
		pipe := client.TxPipeline()
		pipe.HSet(ctx, key, "count", 1, "reached", 0)
		pipe.PExpire(ctx, key, opts.Window)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, false, fmt.Errorf("failed to create rate limit record '%s': %w", opts.ID, err)
		}
		return 0, false, nil
	}

	// 2. Already locked out: report the remaining lockout without refreshing
	// it, so abuse during the lockout cannot stretch it.
	if fields["reached"] == "1" {
		ttl, err := client.PTTL(ctx, key).Result()
		if err != nil {
			return 0, false, fmt.Errorf("failed to read rate limit ttl '%s': %w", opts.ID, err)
		}
		return ttl, true, nil
	}

	count, _ := strconv.Atoi(fields["count"])

	// 3. Limit reached: escalate if configured, then flip to locked out.
	if count >= opts.Requests {
		if opts.Escalation != nil {
			if err := l.escalate(ctx, opts); err != nil {
				return 0, false, err
			}
		}
		pipe := client.TxPipeline()
		pipe.HSet(ctx, key, "reached", 1)
		pipe.PExpire(ctx, key, opts.Lockout)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, false, fmt.Errorf("failed to lock out rate limit record '%s': %w", opts.ID, err)
		}
		l.logger.Debug("Rate limit reached", slog.String("id", opts.ID))
		return opts.Lockout, true, nil
	}

	// 4. Within the window: count the request, leave the ttl alone.
	if err := client.HIncrBy(ctx, key, "count", 1).Err(); err != nil {
		return 0, false, fmt.Errorf("failed to increment rate limit record '%s': %w", opts.ID, err)
	}
	return 0, false, nil
}

// escalate bumps the repeat-offender counter and fires the callback on the
// third lockout within the escalation window. The read-increment-reset
// sequence is not atomic across processes; a concurrent double-fire is an
// accepted race (see DESIGN.md).
func (l *Limiter) escalate(ctx context.Context, opts Options) error {
	client := l.store.Client()
	key := store.RateLimitEscalationKey(opts.ID, opts.Escalation.SubKey)

	n, err := client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to increment escalation counter '%s': %w", opts.ID, err)
	}
	if n == 1 {
		if err := client.Expire(ctx, key, escalationWindow).Err(); err != nil {
			return fmt.Errorf("failed to expire escalation counter '%s': %w", opts.ID, err)
		}
	}
	if n >= violationsBeforeAction {
		if err := client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to reset escalation counter '%s': %w", opts.ID, err)
		}
		l.logger.Warn("Repeated rate limit violations, taking corrective action",
			slog.String("id", opts.ID),
			slog.String("subKey", opts.Escalation.SubKey),
		)
		if opts.Escalation.OnThirdViolation != nil {
			opts.Escalation.OnThirdViolation()
		}
	}
	return nil
}

// Reset clears the primary record for an identifier, e.g. after a successful
// login wipes prior failed attempts.
func (l *Limiter) Reset(ctx context.Context, id string) error {
	if err := l.store.Client().Del(ctx, store.RateLimitKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit record '%s': %w", id, err)
	}
	return nil
}
