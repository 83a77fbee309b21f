package app

import (
	"context"
	"errors"

	"queuebell/internal/ack"
	"queuebell/internal/channel"
	"queuebell/internal/channel/telegram"
	"queuebell/internal/queue"
	logx "queuebell/pkg/logx"
)

// Replies shown after a Telegram button press.
const (
	replyOnWay        = "Thanks! We'll see you shortly."
	replyArrived      = "Thanks! Please show your code at the counter."
	replyCancelled    = "Your spot has been released."
	replyExpired      = "Sorry, this call has expired."
	replyNotCalled    = "You haven't been called yet."
	replyUnknownEntry = "This ticket no longer exists."
	replyNotYours     = "This button isn't for your ticket."
	replyStale        = "This button is no longer valid."
)

// handlePress applies an inline button press. Errors are only returned for
// failures worth retrying; anything else becomes a reply.
func (a *App) handlePress(ctx context.Context, p telegram.Press) (string, error) {
	e, err := a.store.Get(ctx, p.EntryID)
	if errors.Is(err, queue.ErrNotFound) {
		return replyUnknownEntry, nil
	}
	if err != nil {
		return "", err
	}
	if e.TelegramChatID != p.ChatID {
		a.log.Warn("button press from foreign chat",
			logx.String("entry_id", e.ID),
			logx.Int64("chat_id", p.ChatID),
		)
		return replyNotYours, nil
	}

	var out ack.Outcome
	switch p.Kind {
	case channel.ActionAcknowledge:
		out, err = a.acks.Acknowledge(ctx, e.ID, p.Arg, nil)
	case channel.ActionCancel:
		out, err = a.acks.Cancel(ctx, e.ID)
	default:
		return replyStale, nil
	}
	switch {
	case errors.Is(err, ack.ErrValidation):
		return replyStale, nil
	case errors.Is(err, ack.ErrInvalidState):
		return replyNotCalled, nil
	case err != nil:
		return "", err
	}
	return replyFor(out), nil
}

func replyFor(out ack.Outcome) string {
	switch out.Status {
	case queue.StatusAcknowledged:
		if out.AcknowledgmentType == ack.TypeArrived {
			return replyArrived
		}
		return replyOnWay
	case queue.StatusCancelled:
		return replyCancelled
	case queue.StatusExpired:
		return replyExpired
	default:
		return replyStale
	}
}
