package adapter

import (
	"context"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "bulkdm/internal/transport"
)

const captionLimit = 1024

func sendOptions(opt *kit.SendOptions, threadID int, withMarkup bool) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              threadID,
	}
	if withMarkup {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			so.ReplyMarkup = rm
		}
	}
	return so
}

// SendText sends text, splitting it into several messages when it exceeds
// Telegram's limit. The markup goes on the first chunk; the first ref is returned.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOptions(opt, to.ThreadID, i == 0))
		if err != nil {
			return first, mapError(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendPhoto sends a photo fetched by Telegram from photoURL.
func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, photoURL, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	if len([]rune(caption)) > captionLimit {
		caption = splitTelegramText(caption, captionLimit, opt.ParseMode)[0]
	}
	photo := &tele.Photo{File: tele.FromURL(photoURL), Caption: caption}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, photo, sendOptions(opt, to.ThreadID, true))
	if err != nil {
		return kit.MessageRef{}, mapError(err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// EditText edits the message at ref. Text beyond the limit is sent as new messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)

	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(m, chunks[0], sendOptions(opt, 0, true)); err != nil {
		return mapError(err)
	}

	chat := &tele.Chat{ID: ref.ChatID}
	for _, chunk := range chunks[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, sendOptions(opt, ref.ThreadID, false)); err != nil {
			return mapError(err)
		}
	}
	return nil
}

// AdminsOf lists the administrators of a group chat.
func (a *Adapter) AdminsOf(ctx context.Context, chatID int64) ([]kit.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	members, err := a.bot.AdminsOf(&tele.Chat{ID: chatID})
	if err != nil {
		return nil, err
	}
	out := make([]kit.User, 0, len(members))
	for _, m := range members {
		if m.User == nil {
			continue
		}
		out = append(out, convertUser(m.User))
	}
	return out, nil
}

var unavailableMarkers = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"bot can't initiate conversation",
	"chat not found",
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	low := strings.ToLower(err.Error())
	if strings.Contains(low, "message is not modified") {
		return kit.ErrNotModified
	}
	for _, m := range unavailableMarkers {
		if strings.Contains(low, m) {
			return fmt.Errorf("%w: %v", kit.ErrRecipientUnavailable, err)
		}
	}
	return err
}
