// Package middleware содержит телеграм-middleware: ACL, ограничение частоты и
// перехват паник.
package middleware

import (
	"context"
	"log/slog"

	"descfetch/internal/adapter/telegram"
)

// Middleware оборачивает telegram.HandlerFunc.
type Middleware func(telegram.HandlerFunc) telegram.HandlerFunc

// Chain применяет middleware по порядку: первая в списке выполняется первой.
func Chain(h telegram.HandlerFunc, mws ...Middleware) telegram.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Logging пишет в лог каждое входящее обновление.
func Logging(log *slog.Logger) Middleware {
	return func(next telegram.HandlerFunc) telegram.HandlerFunc {
		return func(ctx context.Context, s telegram.Sender, upd *telegram.Update) {
			chat, user := telegram.Origin(upd)
			log.Debug("update", slog.Int64("update_id", upd.ID), slog.Int64("chat_id", chat), slog.Int64("user_id", user))
			next(ctx, s, upd)
		}
	}
}
