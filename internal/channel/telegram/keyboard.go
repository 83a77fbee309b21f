package telegram

import (
	tele "gopkg.in/telebot.v4"

	"queuebell/internal/channel"
)

// keyboard renders actions as one row of inline buttons. Callback data is
// passed through unencoded.
func keyboard(actions []channel.Action) *tele.ReplyMarkup {
	if len(actions) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	btns := make([]tele.Btn, 0, len(actions))
	for _, a := range actions {
		if len(a.Data) > callbackDataLimit {
			continue
		}
		btns = append(btns, tele.Btn{Text: a.Label, Data: a.Data})
	}
	if len(btns) == 0 {
		return nil
	}
	rm.Inline(rm.Row(btns...))
	return rm
}
