package telegram

import (
	"context"
	"fmt"

	"descfetch/internal/store"
)

// Notifier posts failed campaigns to a chat.
type Notifier struct {
	sender Sender
	chatID int64
}

// NewNotifier returns a Notifier writing to chatID.
func NewNotifier(s Sender, chatID int64) *Notifier {
	return &Notifier{sender: s, chatID: chatID}
}

// NotifyFailure reports rec.
func (n *Notifier) NotifyFailure(ctx context.Context, rec store.Record) error {
	text := fmt.Sprintf("Campaign %s failed after %d attempt(s)\nURL: %s\nError: %s",
		rec.ID, rec.Attempts, rec.URL, rec.Error)
	if err := Reply(ctx, n.sender, n.chatID, text); err != nil {
		return fmt.Errorf("telegram: notify chat %d: %w", n.chatID, err)
	}
	return nil
}
