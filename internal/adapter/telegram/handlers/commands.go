// Package handlers implements the bot commands.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"descfetch/internal/adapter/telegram"
	"descfetch/internal/shared"
	"descfetch/internal/store"
)

// Campaigns is the subset of *campaign.Manager the bot uses.
type Campaigns interface {
	Start(url string) (store.Record, error)
	Abort(ctx context.Context, id, reason string) error
	Get(ctx context.Context, id string) (store.Record, error)
	List(ctx context.Context, limit int) ([]store.Record, error)
}

const listLimit = 10

const help = `Device description fetcher.

/fetch <url> - start fetching a device description
/status <id> - show a campaign
/abort <id> - stop a running campaign
/list - recent campaigns
/ping - check the bot is alive`

// Commands routes bot commands to campaigns.
type Commands struct {
	campaigns Campaigns
	log       *slog.Logger
}

// New creates the command router.
func New(c Campaigns, log *slog.Logger) *Commands {
	return &Commands{campaigns: c, log: log.With("component", "telegram")}
}

// Handle is a telegram.HandlerFunc. Messages that are not commands are ignored.
func (h *Commands) Handle(ctx context.Context, s telegram.Sender, upd *telegram.Update) {
	msg := upd.Message
	if msg == nil || !strings.HasPrefix(msg.Text, "/") {
		return
	}
	cmd, arg := parseCommand(msg.Text)

	var text string
	switch cmd {
	case "start", "help":
		text = help
	case "ping":
		text = "pong"
	case "fetch":
		text = h.fetch(arg)
	case "status":
		text = h.status(ctx, arg)
	case "abort":
		text = h.abort(ctx, arg)
	case "list":
		text = h.list(ctx)
	default:
		text = "Unknown command. Try /help"
	}

	if err := telegram.Reply(ctx, s, msg.Chat.ID, text); err != nil {
		h.log.Error("send reply", slog.String("command", cmd), slog.Int64("chat_id", msg.Chat.ID), slog.Any("error", err))
	}
}

// parseCommand splits "/cmd@bot arg" into "cmd" and "arg".
func parseCommand(text string) (cmd, arg string) {
	head, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	cmd = strings.TrimPrefix(head, "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

func (h *Commands) fetch(url string) string {
	if url == "" {
		return "Usage: /fetch <url>"
	}
	rec, err := h.campaigns.Start(url)
	if err != nil {
		return failure(err)
	}
	return fmt.Sprintf("Started campaign %s\nUse /status %s to follow it.", rec.ID, rec.ID)
}

func (h *Commands) status(ctx context.Context, id string) string {
	if id == "" {
		return "Usage: /status <id>"
	}
	rec, err := h.campaigns.Get(ctx, id)
	if err != nil {
		return failure(err)
	}
	return FormatRecord(rec)
}

func (h *Commands) abort(ctx context.Context, id string) string {
	if id == "" {
		return "Usage: /abort <id>"
	}
	if err := h.campaigns.Abort(ctx, id, "aborted from telegram"); err != nil {
		return failure(err)
	}
	return "Abort requested for " + id
}

func (h *Commands) list(ctx context.Context) string {
	recs, err := h.campaigns.List(ctx, listLimit)
	if err != nil {
		return failure(err)
	}
	if len(recs) == 0 {
		return "No campaigns yet."
	}
	var b strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&b, "%s %s %s\n", r.ID, r.State, r.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatRecord renders rec for a chat message.
func FormatRecord(rec store.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Campaign %s\nURL: %s\nState: %s (%d attempt(s))", rec.ID, rec.URL, rec.State, rec.Attempts)
	if d := rec.Description; d != nil {
		fmt.Fprintf(&b, "\nDevice: %s", d.FriendlyName)
		if d.Manufacturer != "" || d.ModelName != "" {
			fmt.Fprintf(&b, " (%s)", strings.TrimSpace(d.Manufacturer+" "+d.ModelName))
		}
		fmt.Fprintf(&b, "\nUDN: %s\nApplication-URL: %s", d.UniqueID, d.ApplicationURL)
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", rec.Error)
	}
	return b.String()
}

func failure(err error) string {
	switch shared.KindOf(err) {
	case shared.KindValidation:
		return "Invalid request: " + err.Error()
	case shared.KindNotFound:
		return "No such campaign."
	case shared.KindConflict:
		return "Already running: " + err.Error()
	default:
		return "Something went wrong, try again later."
	}
}
