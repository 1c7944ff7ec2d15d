package middleware

import (
	"context"

	"descfetch/internal/adapter/telegram"
)

// ACL проверяет доступ по списку разрешённых Telegram user IDs.
// Пустой список запрещает доступ всем.
type ACL struct{ allowed map[int64]struct{} }

// NewACL создаёт ACL по списку ID.
func NewACL(ids []int64) *ACL {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return &ACL{allowed: m}
}

// IsAllowed сообщает, имеет ли пользователь доступ.
func (a *ACL) IsAllowed(id int64) bool { _, ok := a.allowed[id]; return ok }

// Middleware пропускает к хендлеру только разрешённых пользователей.
// Обновления без отправителя (например, посты каналов) отбрасываются.
func (a *ACL) Middleware(next telegram.HandlerFunc) telegram.HandlerFunc {
	return func(ctx context.Context, s telegram.Sender, upd *telegram.Update) {
		chat, uid := telegram.Origin(upd)
		if uid != 0 && a.IsAllowed(uid) {
			next(ctx, s, upd)
			return
		}
		if uid != 0 && chat != 0 {
			_ = telegram.Reply(ctx, s, chat, "Access denied.")
		}
	}
}
