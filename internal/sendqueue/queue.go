// Package sendqueue implements the bounded, retrying, rate-limited dispatcher
// that sits in front of one channel sender.
//
// Items are processed on a fixed tick. A recipient over its rate window is
// deferred (never dropped); a provider failure is retried with linear backoff
// until MaxRetries is reached. Tick is exported so callers with a fake clock
// can drive the queue deterministically.
package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"queuebell/internal/cache"
	"queuebell/internal/channel"
	"queuebell/internal/clock"
	"queuebell/internal/eventbus"
	"queuebell/internal/metrics"
	"queuebell/internal/ratelimit"
	rtsup "queuebell/internal/runtime/supervisor"
	logx "queuebell/pkg/logx"
)

// Deps are the collaborators of a Queue. Sender and Limiter are required.
type Deps struct {
	Limiter    ratelimit.Limiter
	Normalizer Normalizer
	Activity   ActivityFunc
	Clock      clock.Clock
	Log        logx.Logger
	Bus        eventbus.Bus
	Metrics    *metrics.Collector
}

type pending struct {
	Item
	seq        uint64
	retries    int
	enqueuedAt time.Time
	notBefore  time.Time
}

// Queue is safe for concurrent use.
type Queue struct {
	sender  channel.Sender
	limiter ratelimit.Limiter
	norm    Normalizer
	active  ActivityFunc
	clk     clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	met     *metrics.Collector

	activeCache *cache.TTL[string, bool]

	mu       sync.Mutex
	cfg      Config
	throttle *rate.Limiter
	items    []*pending
	inflight int
	seq      uint64
	stopped  bool
	sup      *rtsup.Supervisor
	wake     chan struct{}
}

func New(sender channel.Sender, deps Deps, cfg Config) *Queue {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewWindow(ratelimit.Config{}, deps.Clock)
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		sender:      sender,
		limiter:     deps.Limiter,
		norm:        deps.Normalizer,
		active:      deps.Activity,
		clk:         deps.Clock,
		log:         deps.Log.With(logx.String("comp", "sendqueue"), logx.String("channel", sender.Name())),
		bus:         deps.Bus,
		met:         deps.Metrics,
		activeCache: cache.NewTTL[string, bool](deps.Clock, cfg.ActiveCacheTTL),
		wake:        make(chan struct{}, 1),
	}
	q.applyLocked(cfg)
	return q
}

func (q *Queue) Channel() string { return q.sender.Name() }

func (q *Queue) Available() bool { return q.sender.Available() }

// Apply swaps the configuration. Items already queued keep their schedule.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.applyLocked(cfg.withDefaults())
	q.mu.Unlock()
	q.activeCache.SetTTL(cfg.withDefaults().ActiveCacheTTL)
}

func (q *Queue) applyLocked(cfg Config) {
	q.cfg = cfg
	lim := rate.Inf
	if cfg.ProviderRate > 0 {
		lim = rate.Limit(cfg.ProviderRate)
	}
	q.throttle = rate.NewLimiter(lim, cfg.ProviderBurst)
}

// Len returns queued plus in-flight items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inflight
}

// Enqueue accepts it for delivery or fails fast when the queue is full.
func (q *Queue) Enqueue(ctx context.Context, it Item) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	now := q.clk.Now()

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return Receipt{}, ErrStopped
	}
	if len(q.items)+q.inflight >= q.cfg.Capacity {
		q.mu.Unlock()
		q.publish(eventbus.NotificationDropped, it, 0, "", ErrQueueFull.Error(), "")
		q.met.Notification(q.Channel(), metrics.OutcomeDropped)
		return Receipt{}, ErrQueueFull
	}
	q.seq++
	q.items = append(q.items, &pending{Item: it, seq: q.seq, enqueuedAt: now, notBefore: now})
	pos := len(q.items) + q.inflight
	q.mu.Unlock()

	q.met.Notification(q.Channel(), metrics.OutcomeQueued)
	q.met.QueueDepth(q.Channel(), pos)
	q.publish(eventbus.NotificationQueued, it, 0, "", "", "")
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return Receipt{Queued: true, Position: pos}, nil
}

// Tick processes up to BatchSize items whose time has come and returns how
// many were taken.
func (q *Queue) Tick(ctx context.Context) int {
	now := q.clk.Now()

	q.mu.Lock()
	cfg := q.cfg
	var batch []*pending
	rest := q.items[:0]
	for _, p := range q.items {
		if len(batch) < cfg.BatchSize && !p.notBefore.After(now) {
			batch = append(batch, p)
			continue
		}
		rest = append(rest, p)
	}
	for i := len(rest); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = rest
	q.inflight += len(batch)
	q.mu.Unlock()

	for _, p := range batch {
		if ctx.Err() != nil {
			q.requeue(p)
			continue
		}
		finished, outcome := q.process(ctx, cfg, p)
		if !finished {
			q.requeue(p)
			continue
		}
		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
		p.finish(outcome)
	}
	q.met.QueueDepth(q.Channel(), q.Len())
	return len(batch)
}

func (q *Queue) requeue(p *pending) {
	q.mu.Lock()
	q.inflight--
	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].seq > p.seq })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = p
	q.mu.Unlock()
}

func (p *pending) finish(err error) {
	if p.Done != nil {
		p.Done(err)
	}
}

// process handles one item. finished is false while the item must stay
// queued; otherwise outcome is nil on delivery or the reason it was dropped.
func (q *Queue) process(ctx context.Context, cfg Config, p *pending) (finished bool, outcome error) {
	ch := q.Channel()

	if p.RequireActive && q.active != nil {
		active, err := q.activeCache.GetOrLoad(p.EntryID, func() (bool, error) { return q.active(ctx, p.EntryID) })
		if err != nil {
			q.log.Debug("activity lookup failed; sending anyway", logx.String("entry_id", p.EntryID), logx.Err(err))
		} else if !active {
			q.log.Debug("entry left the queue; dropping notification", logx.String("entry_id", p.EntryID), logx.String("type", p.Message.Type))
			q.met.Notification(ch, metrics.OutcomeDropped)
			q.publish(eventbus.NotificationDropped, p.Item, p.retries, "", "", "inactive")
			return true, ErrInactive
		}
	}

	to := p.Recipient
	if q.norm != nil {
		n, err := q.norm.Normalize(ch, p.Recipient)
		if err != nil {
			q.log.Warn("recipient rejected", logx.String("entry_id", p.EntryID), logx.Err(err))
			q.met.Notification(ch, metrics.OutcomeFailed)
			q.publish(eventbus.NotificationFailed, p.Item, p.retries, "", err.Error(), "recipient")
			return true, fmt.Errorf("recipient: %w", err)
		}
		to = n
	}

	token, ok, err := q.limiter.Acquire(ctx, to)
	if err != nil {
		q.log.Warn("rate limiter unavailable; deferring", logx.String("entry_id", p.EntryID), logx.Err(err))
		p.notBefore = q.clk.Now().Add(cfg.RetryDelay)
		return false, nil
	}
	if !ok {
		q.log.Debug("recipient rate limited; deferring", logx.String("entry_id", p.EntryID), logx.Duration("delay", cfg.RateLimitDelay))
		q.met.Notification(ch, metrics.OutcomeDeferred)
		p.notBefore = q.clk.Now().Add(cfg.RateLimitDelay)
		return false, nil
	}

	q.mu.Lock()
	throttle := q.throttle
	q.mu.Unlock()
	if err := throttle.Wait(ctx); err != nil {
		_ = q.limiter.Release(ctx, to, token)
		return false, nil
	}

	started := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	rcpt, err := q.sender.Send(sendCtx, to, p.Message)
	cancel()
	q.met.ObserveSend(ch, time.Since(started), err)

	if err == nil {
		q.met.Notification(ch, metrics.OutcomeSent)
		q.publish(eventbus.NotificationSent, p.Item, p.retries+1, rcpt.ProviderMessageID, "", "")
		return true, nil
	}

	if rerr := q.limiter.Release(ctx, to, token); rerr != nil {
		q.log.Debug("rate limiter release failed", logx.Err(rerr))
	}
	p.retries++
	if p.retries < cfg.MaxRetries && !errors.Is(err, channel.ErrUnavailable) {
		delay := cfg.RetryDelay * time.Duration(p.retries)
		q.log.Debug("send failed; retrying", logx.String("entry_id", p.EntryID), logx.Int("attempt", p.retries), logx.Duration("delay", delay), logx.Err(err))
		q.met.Notification(ch, metrics.OutcomeRetried)
		p.notBefore = q.clk.Now().Add(delay)
		return false, nil
	}

	q.log.Warn("notification permanently failed",
		logx.String("entry_id", p.EntryID),
		logx.String("type", p.Message.Type),
		logx.Int("attempts", p.retries),
		logx.Err(err),
	)
	q.met.Notification(ch, metrics.OutcomeFailed)
	q.publish(eventbus.NotificationFailed, p.Item, p.retries, "", err.Error(), "retries_exhausted")
	return true, fmt.Errorf("%s: %w", ch, err)
}

// Cleanup drops items older than MaxItemAge and expired activity lookups.
// It returns the number of dropped items.
func (q *Queue) Cleanup(context.Context) int {
	now := q.clk.Now()
	q.mu.Lock()
	maxAge := q.cfg.MaxItemAge
	var expired []*pending
	rest := q.items[:0]
	for _, p := range q.items {
		if now.Sub(p.enqueuedAt) > maxAge {
			expired = append(expired, p)
			continue
		}
		rest = append(rest, p)
	}
	for i := len(rest); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = rest
	q.mu.Unlock()

	for _, p := range expired {
		q.log.Warn("notification undeliverable; dropping", logx.String("entry_id", p.EntryID), logx.Duration("age", now.Sub(p.enqueuedAt)))
		q.met.Notification(q.Channel(), metrics.OutcomeDropped)
		q.publish(eventbus.NotificationDropped, p.Item, p.retries, "", "", "expired")
		p.finish(ErrExpired)
	}
	q.activeCache.Purge()
	return len(expired)
}

// Start runs the processing loop until Stop or ctx cancellation.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.sup != nil {
		q.mu.Unlock()
		return
	}
	q.stopped = false
	q.sup = rtsup.New(ctx, rtsup.WithLogger(q.log), rtsup.WithCancelOnError(false))
	sup := q.sup
	q.mu.Unlock()

	sup.GoRestart("sendqueue."+q.Channel(), func(c context.Context) error {
		q.loop(c)
		if c.Err() != nil {
			return c.Err()
		}
		return fmt.Errorf("sendqueue %s loop exited unexpectedly", q.Channel())
	})
}

func (q *Queue) loop(ctx context.Context) {
	q.mu.Lock()
	every := q.cfg.TickInterval
	q.mu.Unlock()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-q.wake:
		}
		q.Tick(ctx)

		q.mu.Lock()
		next := q.cfg.TickInterval
		q.mu.Unlock()
		if next != every {
			every = next
			t.Reset(every)
		}
	}
}

// Stop halts intake and the loop. Items still queued are discarded.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	sup := q.sup
	q.sup = nil
	left := q.items
	q.items = nil
	q.mu.Unlock()

	if len(left) > 0 {
		q.log.Warn("send queue stopped with undelivered items", logx.Int("items", len(left)))
	}
	for _, p := range left {
		p.finish(ErrStopped)
	}
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func (q *Queue) publish(typ string, it Item, attempt int, providerID, errText, reason string) {
	now := q.clk.Now()
	q.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: NotificationEvent{
		EntryID:           it.EntryID,
		CustomerID:        it.CustomerID,
		Channel:           q.Channel(),
		Type:              it.Message.Type,
		Attempt:           attempt,
		ProviderMessageID: providerID,
		Reason:            reason,
		Error:             errText,
		At:                now,
	}})
}
