// Package telegram serves campaigns through a Telegram bot.
package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Update aliases models.Update for brevity.
type Update = models.Update

// Sender sends messages. *bot.Bot implements it.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

var _ Sender = (*bot.Bot)(nil)

// HandlerFunc processes a single update.
type HandlerFunc func(ctx context.Context, s Sender, upd *Update)

// Origin returns the chat and user an update came from. Zero means unknown.
func Origin(u *Update) (chatID, userID int64) {
	switch {
	case u.Message != nil:
		chatID = u.Message.Chat.ID
		if u.Message.From != nil {
			userID = u.Message.From.ID
		}
	case u.CallbackQuery != nil:
		userID = u.CallbackQuery.From.ID
		if m := u.CallbackQuery.Message.Message; m != nil {
			chatID = m.Chat.ID
		}
	}
	return chatID, userID
}

// Reply sends text to chatID as plain text.
func Reply(ctx context.Context, s Sender, chatID int64, text string) error {
	_, err := s.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	return err
}
