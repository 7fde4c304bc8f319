// Package limiter implements the store-backed rate limits: a generic
// fixed-window limiter for sensitive actions and the chat burst limiter
// (short window + long window + minimum inter-message interval). Both fail
// open when the store is unreachable; they are a secondary defense and
// availability wins over strict enforcement.
package limiter

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/afar1/ryos/internal/apperr"
	"github.com/afar1/ryos/internal/metrics"
	"github.com/afar1/ryos/internal/store"
)

const (
	actionPrefix  = "ratelimit:" // ratelimit:<action>:<identifier> -> counter
	shortPrefix   = "burst:s:"   // burst:s:<roomID>:<username> -> counter
	longPrefix    = "burst:l:"   // burst:l:<roomID>:<username> -> counter
	lastMsgPrefix = "lastmsg:"   // lastmsg:<roomID>:<username> -> unix ms

	actionWindow = time.Minute
	actionCap    = 10

	shortWindow = 10 * time.Second
	shortCap    = 3
	longWindow  = time.Minute
	longCap     = 20
	minInterval = 2 * time.Second
)

// Action is the generic per-(action, identifier) limiter used on sensitive
// operations like token generation and login.
type Action struct {
	store store.Store
}

func NewAction(s store.Store) *Action { return &Action{store: s} }

// Allow counts one attempt and reports whether it is within the cap. Store
// failures allow the request.
func (a *Action) Allow(ctx context.Context, action, identifier string) bool {
	if identifier == "" {
		return true
	}
	key := actionPrefix + action + ":" + identifier
	n, err := a.store.Incr(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("action limiter unavailable, failing open")
		return true
	}
	if n == 1 {
		if err := a.store.Expire(ctx, key, actionWindow); err != nil {
			// a counter with no window would throttle this caller forever
			if _, derr := a.store.Del(ctx, key); derr != nil {
				log.Warn().Err(derr).Str("action", action).Msg("drop unexpirable action counter")
			}
			log.Warn().Err(err).Str("action", action).Msg("action limiter expire failed, failing open")
			return true
		}
	}
	if n > actionCap {
		metrics.RateLimitRejections.WithLabelValues("action").Inc()
		return false
	}
	return true
}

// Burst is the per-(room, user) chat limiter for public rooms.
type Burst struct {
	store store.Store
	now   func() time.Time
}

func NewBurst(s store.Store) *Burst { return &Burst{store: s, now: time.Now} }

// WithClock overrides the clock; tests only.
func (b *Burst) WithClock(now func() time.Time) *Burst {
	b.now = now
	return b
}

// Allow checks the short window, then the long window, then the minimum
// interval, and records the send only when all pass. Returns a
// RateLimited error on violation; store failures allow the message.
func (b *Burst) Allow(ctx context.Context, roomID, username string) error {
	suffix := roomID + ":" + username

	n, err := b.counter(ctx, shortPrefix+suffix)
	if err != nil {
		return b.failOpen(err)
	}
	if n >= shortCap {
		metrics.RateLimitRejections.WithLabelValues("burst-short").Inc()
		return apperr.New(apperr.RateLimited, "too many messages, slow down")
	}

	n, err = b.counter(ctx, longPrefix+suffix)
	if err != nil {
		return b.failOpen(err)
	}
	if n >= longCap {
		metrics.RateLimitRejections.WithLabelValues("burst-long").Inc()
		return apperr.New(apperr.RateLimited, "message rate exceeded, try later")
	}

	nowMs := b.now().UnixMilli()
	lastRaw, err := b.store.Get(ctx, lastMsgPrefix+suffix)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return b.failOpen(err)
	}
	if err == nil {
		last, perr := strconv.ParseInt(lastRaw, 10, 64)
		if perr == nil && nowMs-last < minInterval.Milliseconds() {
			metrics.RateLimitRejections.WithLabelValues("burst-interval").Inc()
			return apperr.New(apperr.RateLimited, "sending too fast")
		}
	}

	return b.record(ctx, suffix, nowMs)
}

// counter reads the current window count without incrementing.
func (b *Burst) counter(ctx context.Context, key string) (int64, error) {
	raw, err := b.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (b *Burst) record(ctx context.Context, suffix string, nowMs int64) error {
	if n, err := b.store.Incr(ctx, shortPrefix+suffix); err != nil {
		return b.failOpen(err)
	} else if n == 1 {
		if err := b.store.Expire(ctx, shortPrefix+suffix, shortWindow); err != nil {
			_, _ = b.store.Del(ctx, shortPrefix+suffix)
			return b.failOpen(err)
		}
	}
	if n, err := b.store.Incr(ctx, longPrefix+suffix); err != nil {
		return b.failOpen(err)
	} else if n == 1 {
		if err := b.store.Expire(ctx, longPrefix+suffix, longWindow); err != nil {
			_, _ = b.store.Del(ctx, longPrefix+suffix)
			return b.failOpen(err)
		}
	}
	if err := b.store.Set(ctx, lastMsgPrefix+suffix, strconv.FormatInt(nowMs, 10), longWindow); err != nil {
		return b.failOpen(err)
	}
	return nil
}

func (b *Burst) failOpen(err error) error {
	log.Warn().Err(err).Msg("burst limiter unavailable, failing open")
	return nil
}
