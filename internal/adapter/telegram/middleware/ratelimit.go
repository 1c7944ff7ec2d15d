package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"

	"descfetch/internal/adapter/telegram"
)

// RateLimiter ограничивает частоту запросов одного пользователя.
type RateLimiter struct {
	mu    sync.Mutex
	last  map[int64]time.Time
	rate  time.Duration
	clock clock.Clock
}

// NewRateLimiter создаёт лимитер: не чаще одного запроса за rate.
func NewRateLimiter(rate time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &RateLimiter{last: make(map[int64]time.Time), rate: rate, clock: clk}
}

// Allow возвращает false, если пользователь превысил лимит.
func (r *RateLimiter) Allow(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if t, ok := r.last[userID]; ok && now.Sub(t) < r.rate {
		return false
	}
	r.last[userID] = now
	r.evictLocked(now)
	return true
}

// evictLocked удаляет записи старше rate, чтобы карта не росла бесконечно.
func (r *RateLimiter) evictLocked(now time.Time) {
	if len(r.last) < 1024 {
		return
	}
	for id, t := range r.last {
		if now.Sub(t) >= r.rate {
			delete(r.last, id)
		}
	}
}

// Middleware проверяет лимит перед вызовом следующего хендлера.
func (r *RateLimiter) Middleware(next telegram.HandlerFunc) telegram.HandlerFunc {
	return func(ctx context.Context, s telegram.Sender, upd *telegram.Update) {
		chat, uid := telegram.Origin(upd)
		if uid != 0 && !r.Allow(uid) {
			if chat != 0 {
				_ = telegram.Reply(ctx, s, chat, "Too many requests, slow down.")
			}
			return
		}
		next(ctx, s, upd)
	}
}
