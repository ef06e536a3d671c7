// Package ratelimit throttles portal PIN verification per token and per
// client address.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/bidportal/internal/bid/kvstore"
)

// ErrLocked means the caller must not attempt verification right now.
var ErrLocked = errors.New("too many attempts")

// Config bounds verification attempts. A token that accumulates MaxAttempts
// failures inside Window is locked for Lockout. IPMaxAttempts caps failures
// from one address inside Window across all tokens; zero disables it.
type Config struct {
	MaxAttempts   int
	Window        time.Duration
	Lockout       time.Duration
	IPMaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   10,
		Window:        15 * time.Minute,
		Lockout:       30 * time.Minute,
		IPMaxAttempts: 50,
	}
}

// PINLimiter keeps its counters in a kvstore so every replica shares them.
// Token keys are always token hashes, never raw tokens.
type PINLimiter struct {
	store kvstore.Store
	cfg   Config
	now   func() time.Time
}

func NewPINLimiter(store kvstore.Store, cfg Config) *PINLimiter {
	d := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = d.Lockout
	}
	return &PINLimiter{store: store, cfg: cfg, now: time.Now}
}

func failKey(tokenHash string) string { return "pin:fail:" + tokenHash }
func lockKey(tokenHash string) string { return "pin:lock:" + tokenHash }
func ipKey(ip string) string          { return "pin:ip:" + ip }

// Check returns ErrLocked when the token is locked out or the address has
// exhausted its budget. It must run before any digest comparison.
func (l *PINLimiter) Check(ctx context.Context, tokenHash, ip string) error {
	ttl, err := l.store.TTL(ctx, lockKey(tokenHash))
	if err != nil {
		return fmt.Errorf("check pin lock: %w", err)
	}
	if ttl > 0 {
		return ErrLocked
	}

	if l.cfg.IPMaxAttempts > 0 && ip != "" {
		raw, err := l.store.Get(ctx, ipKey(ip))
		if err != nil && !errors.Is(err, kvstore.ErrNil) {
			return fmt.Errorf("check ip budget: %w", err)
		}
		if err == nil && parseCount(raw) >= int64(l.cfg.IPMaxAttempts) {
			return ErrLocked
		}
	}
	return nil
}

// Fail records one failed verification. When the token reaches MaxAttempts
// it is locked and the returned time is when the lock lifts.
func (l *PINLimiter) Fail(ctx context.Context, tokenHash, ip string) (bool, time.Time, error) {
	if l.cfg.IPMaxAttempts > 0 && ip != "" {
		if _, err := l.store.Incr(ctx, ipKey(ip), l.cfg.Window); err != nil {
			return false, time.Time{}, fmt.Errorf("count ip failure: %w", err)
		}
	}

	n, err := l.store.Incr(ctx, failKey(tokenHash), l.cfg.Window)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("count pin failure: %w", err)
	}
	if n < int64(l.cfg.MaxAttempts) {
		return false, time.Time{}, nil
	}

	until := l.now().Add(l.cfg.Lockout)
	if err := l.store.Set(ctx, lockKey(tokenHash), []byte(until.UTC().Format(time.RFC3339)), l.cfg.Lockout); err != nil {
		return false, time.Time{}, fmt.Errorf("set pin lock: %w", err)
	}
	if err := l.store.Del(ctx, failKey(tokenHash)); err != nil {
		return true, until, fmt.Errorf("clear pin failures: %w", err)
	}
	return true, until, nil
}

// Succeed clears the failure counter. An active lock is left in place.
func (l *PINLimiter) Succeed(ctx context.Context, tokenHash string) error {
	return l.store.Del(ctx, failKey(tokenHash))
}

// Reset clears both the counter and any lock, used when credentials are reissued.
func (l *PINLimiter) Reset(ctx context.Context, tokenHash string) error {
	return l.store.Del(ctx, failKey(tokenHash), lockKey(tokenHash))
}

// Limit returns the configured per-token attempt cap.
func (l *PINLimiter) Limit() int {
	return l.cfg.MaxAttempts
}

func parseCount(raw []byte) int64 {
	var n int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
