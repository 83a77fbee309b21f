// Package router picks channels for a queue entry and drives the dedup guard
// and the per-channel send queues.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"queuebell/internal/channel"
	"queuebell/internal/clock"
	"queuebell/internal/dedup"
	"queuebell/internal/eventbus"
	"queuebell/internal/metrics"
	"queuebell/internal/queue"
	"queuebell/internal/recipient"
	"queuebell/internal/sendqueue"
	logx "queuebell/pkg/logx"
)

// Dispatcher is a channel's send queue.
type Dispatcher interface {
	Channel() string
	Available() bool
	Enqueue(ctx context.Context, it sendqueue.Item) (sendqueue.Receipt, error)
}

// CallObserver is told when a provider accepted a "called" notification.
type CallObserver interface {
	OnCalled(ctx context.Context, e queue.Entry) error
}

type Options struct {
	// SendToAll continues through every candidate instead of stopping at the
	// first delivered one.
	SendToAll bool
	// Deadline is shown in messages that announce one.
	Deadline time.Time
	// Wait blocks until every candidate reached a final outcome or ctx ends.
	Wait bool
}

type Failure struct {
	Channel string `json:"channel"`
	Error   string `json:"error"`
	Err     error  `json:"-"`
}

type Result struct {
	// Sent lists channels whose provider accepted the message.
	Sent []string `json:"sent"`
	// Queued lists channels that took the message into their send queue.
	Queued     []string  `json:"queued,omitempty"`
	Failed     []Failure `json:"failed"`
	Suppressed []string  `json:"suppressed,omitempty"`
	// Pending is set while a queued channel has no final outcome yet.
	Pending bool `json:"pending,omitempty"`
}

type Config struct {
	// SMSTypes are the notification types allowed to fall back to SMS.
	SMSTypes  []string
	Templates map[string]string
}

type Deps struct {
	Clock   clock.Clock
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Collector
}

type Router struct {
	store  queue.Store
	guard  *dedup.Guard
	queues map[string]Dispatcher
	clk    clock.Clock
	log    logx.Logger
	bus    eventbus.Bus
	met    *metrics.Collector

	mu       sync.RWMutex
	tpl      *Templates
	smsTypes map[string]bool
	obs      CallObserver
}

func New(store queue.Store, guard *dedup.Guard, dispatchers []Dispatcher, cfg Config, deps Deps) (*Router, error) {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	r := &Router{
		store:  store,
		guard:  guard,
		queues: map[string]Dispatcher{},
		clk:    deps.Clock,
		log:    deps.Log.With(logx.String("comp", "router")),
		bus:    deps.Bus,
		met:    deps.Metrics,
	}
	for _, d := range dispatchers {
		r.queues[d.Channel()] = d
	}
	if err := r.Apply(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply swaps templates and SMS gating. On error the old values stay.
func (r *Router) Apply(cfg Config) error {
	tpl, err := NewTemplates(cfg.Templates)
	if err != nil {
		return err
	}
	types := cfg.SMSTypes
	if len(types) == 0 {
		types = []string{TypeReady, TypeAlmostReady}
	}
	sms := map[string]bool{}
	for _, t := range types {
		sms[t] = true
	}
	r.mu.Lock()
	r.tpl = tpl
	r.smsTypes = sms
	r.mu.Unlock()
	return nil
}

func (r *Router) SetCallObserver(o CallObserver) {
	r.mu.Lock()
	r.obs = o
	r.mu.Unlock()
}

func (r *Router) available(ch string) bool {
	d, ok := r.queues[ch]
	return ok && d.Available()
}

// Candidates returns the ordered channels to try for e. Channels that are not
// configured, or for which e has no identifier, are left out.
func (r *Router) Candidates(e queue.Entry, notifType string) []string {
	r.mu.RLock()
	smsOK := r.smsTypes[notifType]
	r.mu.RUnlock()

	var out []string
	add := func(ch string) {
		if !r.available(ch) {
			return
		}
		if _, err := recipient.Resolve(e, ch); err != nil {
			return
		}
		for _, c := range out {
			if c == ch {
				return
			}
		}
		out = append(out, ch)
	}

	if e.NotificationChannelPreference != "" && (e.NotificationChannelPreference != channel.SMS || smsOK) {
		add(e.NotificationChannelPreference)
	}
	add(channel.Telegram)
	if r.available(channel.WhatsAppAPI) {
		add(channel.WhatsAppAPI)
	} else {
		add(channel.WhatsAppWeb)
	}
	if smsOK {
		add(channel.SMS)
	}
	return out
}

// SendNotification delivers notifType to e through the first candidate whose
// provider accepts it. A candidate that fails for good releases its dedup
// claim and the next one is tried. Delivery is asynchronous unless
// opts.Wait is set; bookkeeping and acknowledgment arming happen only once a
// provider accepted the message. The returned error is non-nil only for bad
// input, or with Wait when arming acknowledgment timers failed.
func (r *Router) SendNotification(ctx context.Context, e queue.Entry, notifType string, opts Options) (Result, error) {
	if e.ID == "" {
		return Result{}, errors.New("router: entry id is required")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	r.mu.RLock()
	tpl := r.tpl
	obs := r.obs
	r.mu.RUnlock()

	msg, err := tpl.Render(TemplateData{
		Type:             notifType,
		EntryID:          e.ID,
		CustomerID:       e.CustomerID,
		DisplayName:      e.DisplayName,
		VerificationCode: e.VerificationCode,
		Position:         e.Position,
		Deadline:         opts.Deadline,
	})
	if err != nil {
		return Result{}, err
	}

	d := &delivery{
		r:       r,
		ctx:     context.WithoutCancel(ctx),
		entry:   e,
		typ:     notifType,
		msg:     msg,
		payload: dedup.Payload{Text: msg.Text, VerificationCode: e.VerificationCode, Position: e.Position},
		all:     opts.SendToAll,
		cands:   r.Candidates(e, notifType),
		obs:     obs,
		log:     r.log.With(logx.String("entry_id", e.ID), logx.String("type", notifType)),
		done:    make(chan struct{}),
	}
	d.mu.Lock()
	d.advanceLocked()
	d.mu.Unlock()

	if !opts.Wait {
		return d.snapshot(), nil
	}
	select {
	case <-d.done:
	case <-ctx.Done():
	}
	res := d.snapshot()
	d.mu.Lock()
	obsErr := d.obsErr
	d.mu.Unlock()
	if obsErr != nil {
		return res, fmt.Errorf("arm acknowledgment: %w", obsErr)
	}
	return res, nil
}

// delivery walks the candidate list for one SendNotification call.
type delivery struct {
	r       *Router
	ctx     context.Context
	entry   queue.Entry
	typ     string
	msg     channel.Message
	payload dedup.Payload
	all     bool
	cands   []string
	obs     CallObserver
	log     logx.Logger

	mu       sync.Mutex
	res      Result
	next     int
	inflight int
	called   bool
	obsErr   error
	finished bool
	done     chan struct{}
}

// advanceLocked hands the message to the next candidates: one at a time, or
// all of them with SendToAll.
func (d *delivery) advanceLocked() {
	r := d.r
	for d.next < len(d.cands) {
		if !d.all && (d.inflight > 0 || len(d.res.Sent) > 0) {
			break
		}
		ch := d.cands[d.next]
		d.next++

		if !r.guard.ShouldSend(d.entry.ID, ch, d.typ, d.payload) {
			d.log.Debug("duplicate notification suppressed", logx.String("channel", ch))
			d.res.Suppressed = append(d.res.Suppressed, ch)
			r.met.Notification(ch, metrics.OutcomeDeduped)
			now := r.clk.Now()
			r.bus.Publish(eventbus.Event{Type: eventbus.NotificationDeduped, Time: now, Data: sendqueue.NotificationEvent{
				EntryID: d.entry.ID, CustomerID: d.entry.CustomerID, Channel: ch, Type: d.typ, At: now,
			}})
			continue
		}

		raw, _ := recipient.Resolve(d.entry, ch)
		_, err := r.queues[ch].Enqueue(d.ctx, sendqueue.Item{
			EntryID:       d.entry.ID,
			CustomerID:    d.entry.CustomerID,
			Recipient:     raw,
			Message:       d.msg,
			RequireActive: requiresActive(d.typ),
			Done:          func(err error) { d.complete(ch, err) },
		})
		if err != nil {
			d.failLocked(ch, err)
			continue
		}
		d.res.Queued = append(d.res.Queued, ch)
		d.inflight++
	}
	if d.inflight == 0 {
		d.finishLocked()
	}
}

func (d *delivery) failLocked(ch string, err error) {
	d.r.guard.Release(d.entry.ID, d.typ, ch)
	d.log.Debug("channel delivery failed", logx.String("channel", ch), logx.Err(err))
	d.res.Failed = append(d.res.Failed, Failure{Channel: ch, Error: err.Error(), Err: err})
	if errors.Is(err, sendqueue.ErrInactive) || errors.Is(err, sendqueue.ErrStopped) {
		// The entry left the queue or the daemon is stopping.
		d.next = len(d.cands)
	}
}

// complete receives a send queue's final outcome for ch.
func (d *delivery) complete(ch string, err error) {
	if err != nil {
		d.mu.Lock()
		d.inflight--
		d.failLocked(ch, err)
		d.advanceLocked()
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	d.res.Sent = append(d.res.Sent, ch)
	arm := d.typ == TypeCalled && !d.called && d.obs != nil
	if arm {
		d.called = true
	}
	d.mu.Unlock()

	d.r.record(d.ctx, d.entry.ID, ch)
	var obsErr error
	if arm {
		if obsErr = d.obs.OnCalled(d.ctx, d.entry); obsErr != nil {
			d.log.Warn("arm acknowledgment failed", logx.String("channel", ch), logx.Err(obsErr))
		}
	}

	d.mu.Lock()
	if obsErr != nil {
		d.obsErr = obsErr
	}
	d.inflight--
	d.advanceLocked()
	d.mu.Unlock()
}

func (d *delivery) finishLocked() {
	if d.finished {
		return
	}
	d.finished = true
	switch {
	case len(d.res.Sent) > 0:
	case len(d.res.Failed) > 0:
		d.log.Warn("notification not delivered on any channel", logx.Int("failed", len(d.res.Failed)))
	case len(d.res.Suppressed) == 0:
		d.log.Info("no channel available for entry")
	}
	close(d.done)
}

func (d *delivery) snapshot() Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Result{
		Sent:       append([]string(nil), d.res.Sent...),
		Queued:     append([]string(nil), d.res.Queued...),
		Failed:     append([]Failure(nil), d.res.Failed...),
		Suppressed: append([]string(nil), d.res.Suppressed...),
		Pending:    !d.finished,
	}
}

func (r *Router) record(ctx context.Context, entryID, ch string) {
	now := r.clk.Now()
	_, err := r.store.Update(ctx, entryID, func(e *queue.Entry) error {
		e.LastNotificationChannel = ch
		e.LastNotificationAt = queue.TimePtr(now)
		e.NotificationCount++
		return nil
	})
	if err != nil {
		r.log.Warn("record notification failed", logx.String("entry_id", entryID), logx.String("channel", ch), logx.Err(err))
	}
}

// Messages for an entry that left the queue are pointless; terminal notices
// must still reach the customer.
func requiresActive(notifType string) bool {
	switch notifType {
	case TypeCalled, TypeReady, TypeAlmostReady, TypeWarning, TypeFinalWarning:
		return true
	}
	return false
}
