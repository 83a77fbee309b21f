// Package telegram delivers notifications through a Telegram bot and turns
// inline button presses back into acknowledge/cancel calls.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"queuebell/internal/channel"
	rtsup "queuebell/internal/runtime/supervisor"
	logx "queuebell/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	ParseMode   string
	// OperatorChatID receives forwarded warn+ log lines when non-zero.
	OperatorChatID int64
}

// Press is an inline button press decoded from callback data.
type Press struct {
	Kind    string
	Arg     string
	EntryID string
	ChatID  int64
}

// PressFunc handles a button press and returns the text shown to the
// customer.
type PressFunc func(ctx context.Context, p Press) (string, error)

// bot is the part of *tele.Bot the sender uses.
type bot interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Respond(c *tele.Callback, resp ...*tele.CallbackResponse) error
	EditReplyMarkup(msg tele.Editable, markup *tele.ReplyMarkup) (*tele.Message, error)
	Handle(endpoint interface{}, h tele.HandlerFunc, m ...tele.MiddlewareFunc)
	Start()
	Stop()
}

type Sender struct {
	cfg Config
	log logx.Logger
	bot bot

	mu      sync.Mutex
	onPress PressFunc
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return newSender(cfg, b, log), nil
}

func newSender(cfg Config, b bot, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	b.Handle(tele.OnCallback, s.handleCallback)
	return s
}

func (s *Sender) Name() string    { return channel.Telegram }
func (s *Sender) Available() bool { return true }

// OnPress sets the handler for inline button presses.
func (s *Sender) OnPress(fn PressFunc) {
	s.mu.Lock()
	s.onPress = fn
	s.mu.Unlock()
}

func (s *Sender) Send(ctx context.Context, recipient string, msg channel.Message) (channel.Receipt, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return channel.Receipt{}, fmt.Errorf("telegram chat id %q: %w", recipient, err)
	}
	ref, err := s.sendText(ctx, chatID, msg.Text, keyboard(msg.Actions))
	if err != nil {
		return channel.Receipt{}, fmt.Errorf("telegram send: %w", err)
	}
	return channel.Receipt{ProviderMessageID: strconv.Itoa(ref)}, nil
}

// NotifyOperator forwards a log line to the operator chat.
func (s *Sender) NotifyOperator(ctx context.Context, text string) error {
	if s.cfg.OperatorChatID == 0 {
		return nil
	}
	_, err := s.sendText(ctx, s.cfg.OperatorChatID, text, nil)
	return err
}

// sendText splits long text into several messages. Markup goes on the first
// one; the returned id is the first message's.
func (s *Sender) sendText(ctx context.Context, chatID int64, text string, rm *tele.ReplyMarkup) (int, error) {
	chunks := splitText(text, textLimit, s.cfg.ParseMode)
	chat := &tele.Chat{ID: chatID}
	first := 0
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		opt := &tele.SendOptions{ParseMode: tele.ParseMode(s.cfg.ParseMode), DisableWebPagePreview: true}
		if i == 0 && rm != nil {
			opt.ReplyMarkup = rm
		}
		m, err := s.bot.Send(chat, chunk, opt)
		if err != nil {
			return first, err
		}
		if i == 0 && m != nil {
			first = m.ID
		}
	}
	return first, nil
}

func (s *Sender) handleCallback(c tele.Context) error {
	cb := c.Callback()
	m := c.Message()
	if cb == nil || m == nil || m.Chat == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	answer, done := s.press(ctx, cb.Data, m.Chat.ID)
	if done {
		// The keyboard goes away only after the press was applied, so a
		// failed press can be retried with the same buttons.
		if _, err := s.bot.EditReplyMarkup(m, nil); err != nil {
			s.log.Debug("remove keyboard failed", logx.Err(err))
		}
	}
	return s.bot.Respond(cb, &tele.CallbackResponse{Text: answer})
}

// press applies a button press. done reports whether the buttons should be
// removed.
func (s *Sender) press(ctx context.Context, data string, chatID int64) (answer string, done bool) {
	kind, arg, entryID, ok := channel.DecodeAction(strings.TrimSpace(data))
	if !ok {
		return "This button is no longer valid.", true
	}
	s.mu.Lock()
	fn := s.onPress
	s.mu.Unlock()
	if fn == nil {
		return "Please try again in a moment.", false
	}
	reply, err := fn(ctx, Press{Kind: kind, Arg: arg, EntryID: entryID, ChatID: chatID})
	if err != nil {
		s.log.Warn("button press failed", logx.String("entry_id", entryID), logx.String("kind", kind), logx.Err(err))
		return "Something went wrong. Please tap the button again.", false
	}
	return reply, true
}

// Start runs the long-poll loop for inline callbacks.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		s.bot.Stop()
	})
	// Telebot's Start can return on its own in some failure modes.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("polling started")
		s.bot.Start()
		s.log.Info("polling stopped")
		return c.Err()
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithStopOnCleanExit(false))
}

func (s *Sender) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}
