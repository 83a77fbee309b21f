// Package ack owns the called -> {acknowledged, cancelled, expired} state
// machine and the escalation timers of each called episode.
//
// Timers are anchored to the entry's calledAt, so a restarted process can
// re-arm them with Resume. Every transition is serialized per entry; a timer
// or request that finds the entry no longer called is ignored silently.
package ack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"queuebell/internal/clock"
	"queuebell/internal/eventbus"
	"queuebell/internal/metrics"
	"queuebell/internal/queue"
	"queuebell/internal/router"
	logx "queuebell/pkg/logx"
)

type step int

const (
	stepWarning step = iota
	stepFinalWarning
	stepAutoCancel
)

func (s step) String() string {
	switch s {
	case stepWarning:
		return "warning"
	case stepFinalWarning:
		return "final_warning"
	default:
		return "auto_cancel"
	}
}

type timerSet struct {
	gen    uint64
	timers []clock.Timer
}

// errStale aborts an update whose precondition no longer holds.
var errStale = errors.New("entry changed")

type Deps struct {
	Clock   clock.Clock
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Collector
}

type Controller struct {
	store queue.Store
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	met   *metrics.Collector

	entries keyLock

	bg     context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cfg      Config
	sets     map[string]*timerSet
	gen      uint64
	reminder Reminder
	closed   bool
}

func New(store queue.Store, cfg Config, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:  store,
		clk:    deps.Clock,
		log:    deps.Log.With(logx.String("comp", "ack")),
		bus:    deps.Bus,
		met:    deps.Metrics,
		bg:     bg,
		cancel: cancel,
		cfg:    cfg.withDefaults(),
		sets:   map[string]*timerSet{},
	}
}

// SetReminder wires the notification path used by escalation timers.
func (c *Controller) SetReminder(r Reminder) {
	c.mu.Lock()
	c.reminder = r
	c.mu.Unlock()
}

// Apply changes timings for episodes armed from now on.
func (c *Controller) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Controller) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Armed reports whether entryID has an active timer set.
func (c *Controller) Armed(entryID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sets[entryID]
	return ok
}

// OnCalled starts a called episode: the entry moves waiting -> called and its
// escalation timers are armed relative to calledAt. An entry that is already
// called keeps its original calledAt.
func (c *Controller) OnCalled(ctx context.Context, e queue.Entry) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: entryId is required", ErrValidation)
	}
	unlock := c.entries.lock(e.ID)
	defer unlock()

	if c.isClosed() {
		return errors.New("ack controller is shut down")
	}
	now := c.clk.Now()
	var from queue.Status
	updated, err := c.store.Update(ctx, e.ID, func(cur *queue.Entry) error {
		from = cur.Status
		switch cur.Status {
		case queue.StatusCalled:
			if cur.CalledAt == nil {
				cur.CalledAt = queue.TimePtr(now)
			}
			return nil
		case queue.StatusWaiting:
			cur.Status = queue.StatusCalled
			cur.CalledAt = queue.TimePtr(now)
			cur.AcknowledgedAt = nil
			cur.AcknowledgmentType = ""
			cur.EstimatedArrival = nil
			return nil
		}
		return fmt.Errorf("%w: cannot call entry in status %s", ErrInvalidState, cur.Status)
	})
	if err != nil {
		return err
	}

	if from == queue.StatusCalled && c.Armed(e.ID) {
		return nil
	}
	if from == queue.StatusWaiting {
		c.appendTransition(ctx, e.ID, from, queue.StatusCalled, ReasonCalled, now)
		c.met.Transition(string(queue.StatusCalled), ReasonCalled)
	}
	// Re-arming an episode already in progress skips reminders whose time
	// has passed.
	deadline := c.armLocked(updated, from == queue.StatusCalled)
	c.publish(eventbus.CustomerCalled, updated, func(ev *EntryEvent) { ev.Deadline = &deadline })
	c.log.Info("customer called", logx.String("entry_id", e.ID), logx.Time("deadline", deadline))
	return nil
}

// Resume re-arms timers for entries that were called before a restart.
// Escalation steps already in the past are skipped; an overdue auto-cancel
// fires immediately.
func (c *Controller) Resume(ctx context.Context, entries []queue.Entry) int {
	n := 0
	for _, e := range entries {
		if e.Status != queue.StatusCalled || e.CalledAt == nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		unlock := c.entries.lock(e.ID)
		if !c.isClosed() {
			c.armLocked(e, true)
			n++
		}
		unlock()
	}
	if n > 0 {
		c.log.Info("acknowledgment timers resumed", logx.Int("entries", n))
	}
	return n
}

// armLocked replaces any timer set of e with a fresh one and returns the
// auto-cancel deadline. The caller holds the entry lock.
func (c *Controller) armLocked(e queue.Entry, resume bool) time.Time {
	cfg := c.config()
	calledAt := *e.CalledAt
	now := c.clk.Now()

	c.mu.Lock()
	c.clearSetLocked(e.ID)
	c.gen++
	set := &timerSet{gen: c.gen}
	c.sets[e.ID] = set
	offsets := []struct {
		s step
		d time.Duration
	}{
		{stepWarning, cfg.WarningAfter},
		{stepFinalWarning, cfg.FinalWarningAfter},
		{stepAutoCancel, cfg.AutoCancelAfter},
	}
	for _, o := range offsets {
		wait := calledAt.Add(o.d).Sub(now)
		if wait < 0 {
			if resume && o.s != stepAutoCancel {
				continue
			}
			wait = 0
		}
		id, gen, s := e.ID, set.gen, o.s
		set.timers = append(set.timers, c.clk.AfterFunc(wait, func() { c.fire(id, gen, s) }))
	}
	c.met.TimerSets(len(c.sets))
	c.mu.Unlock()

	return calledAt.Add(cfg.AutoCancelAfter)
}

// clearSetLocked stops and forgets the timer set of id. Idempotent. The
// caller holds c.mu.
func (c *Controller) clearSetLocked(id string) {
	set, ok := c.sets[id]
	if !ok {
		return
	}
	for _, t := range set.timers {
		t.Stop()
	}
	delete(c.sets, id)
	c.met.TimerSets(len(c.sets))
}

func (c *Controller) clear(id string) {
	c.mu.Lock()
	c.clearSetLocked(id)
	c.mu.Unlock()
}

func (c *Controller) current(id string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	set, ok := c.sets[id]
	return ok && set.gen == gen
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) fire(id string, gen uint64, s step) {
	unlock := c.entries.lock(id)
	if !c.current(id, gen) {
		unlock()
		return
	}
	ctx, cancel := context.WithTimeout(c.bg, 10*time.Second)
	defer cancel()
	log := c.log.With(logx.String("entry_id", id), logx.String("step", s.String()))

	e, err := c.store.Get(ctx, id)
	if err != nil {
		unlock()
		if errors.Is(err, queue.ErrNotFound) {
			c.clear(id)
			return
		}
		log.Warn("load entry for timer failed", logx.Err(err))
		if s == stepAutoCancel {
			c.retryAutoCancel(id, gen)
		}
		return
	}
	if e.Status != queue.StatusCalled || e.CalledAt == nil {
		c.clear(id)
		unlock()
		return
	}
	deadline := e.CalledAt.Add(c.config().AutoCancelAfter)

	switch s {
	case stepWarning:
		unlock()
		c.publish(eventbus.AckWarning, e, func(ev *EntryEvent) { ev.Deadline = &deadline })
		log.Info("acknowledgment warning")
		c.remind(ctx, e, router.TypeWarning, deadline)

	case stepFinalWarning:
		unlock()
		c.publish(eventbus.AckFinalWarning, e, func(ev *EntryEvent) {
			ev.Deadline = &deadline
			ev.Actions = []string{TypeOnWay, "cancel"}
		})
		log.Info("acknowledgment final warning")
		c.remind(ctx, e, router.TypeFinalWarning, deadline)

	case stepAutoCancel:
		now := c.clk.Now()
		updated, err := c.store.Update(ctx, id, func(cur *queue.Entry) error {
			if cur.Status != queue.StatusCalled {
				return errStale
			}
			cur.Status = queue.StatusExpired
			return nil
		})
		if errors.Is(err, errStale) {
			c.clear(id)
			unlock()
			return
		}
		if err != nil {
			unlock()
			log.Error("auto-cancel write failed; will retry", logx.Err(err))
			c.retryAutoCancel(id, gen)
			return
		}
		c.clear(id)
		c.appendTransition(ctx, id, queue.StatusCalled, queue.StatusExpired, ReasonNoResponseTimeout, now)
		unlock()

		c.met.Transition(string(queue.StatusExpired), ReasonNoResponseTimeout)
		c.publish(eventbus.NoResponseTimeout, updated, nil)
		log.Info("no response; entry expired")
		c.remind(ctx, updated, router.TypeNoResponseTimeout, time.Time{})
	}
}

func (c *Controller) retryAutoCancel(id string, gen uint64) {
	delay := c.config().PersistRetryDelay
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[id]
	if c.closed || !ok || set.gen != gen {
		return
	}
	set.timers = append(set.timers, c.clk.AfterFunc(delay, func() { c.fire(id, gen, stepAutoCancel) }))
}

func (c *Controller) remind(ctx context.Context, e queue.Entry, notifType string, deadline time.Time) {
	c.mu.Lock()
	r := c.reminder
	c.mu.Unlock()
	if r == nil {
		return
	}
	res, err := r.SendNotification(ctx, e, notifType, router.Options{Deadline: deadline})
	if err != nil {
		c.log.Warn("reminder failed", logx.String("entry_id", e.ID), logx.String("type", notifType), logx.Err(err))
		return
	}
	if len(res.Queued) == 0 && len(res.Suppressed) == 0 {
		c.log.Debug("reminder not queued on any channel", logx.String("entry_id", e.ID), logx.String("type", notifType))
	}
}

// Acknowledge records the customer's response to a call. Repeating it, or
// calling it after the episode ended, returns the recorded outcome unchanged.
// eta is only meaningful for on_way.
func (c *Controller) Acknowledge(ctx context.Context, entryID, ackType string, eta *time.Duration) (Outcome, error) {
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return Outcome{}, fmt.Errorf("%w: entryId is required", ErrValidation)
	}
	switch ackType {
	case TypeOnWay, TypeArrived:
	case "":
		return Outcome{}, fmt.Errorf("%w: type is required", ErrValidation)
	default:
		return Outcome{}, fmt.Errorf("%w: unknown acknowledgment type %q", ErrValidation, ackType)
	}
	if eta != nil && (*eta < 0 || *eta > c.config().MaxETA) {
		return Outcome{}, fmt.Errorf("%w: eta out of range", ErrValidation)
	}

	unlock := c.entries.lock(entryID)
	defer unlock()

	cur, err := c.store.Get(ctx, entryID)
	if err != nil {
		return Outcome{}, err
	}
	switch {
	case cur.Status == queue.StatusWaiting:
		return outcomeOf(cur), fmt.Errorf("%w: entry has not been called", ErrInvalidState)
	case cur.Status != queue.StatusCalled:
		return outcomeOf(cur), nil
	}

	now := c.clk.Now()
	updated, err := c.store.Update(ctx, entryID, func(e *queue.Entry) error {
		if e.Status != queue.StatusCalled {
			return errStale
		}
		e.Status = queue.StatusAcknowledged
		e.AcknowledgedAt = queue.TimePtr(now)
		e.AcknowledgmentType = ackType
		e.EstimatedArrival = nil
		if ackType == TypeOnWay && eta != nil {
			e.EstimatedArrival = queue.TimePtr(now.Add(*eta))
		}
		return nil
	})
	if errors.Is(err, errStale) {
		cur, err = c.store.Get(ctx, entryID)
		if err != nil {
			return Outcome{}, err
		}
		return outcomeOf(cur), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("persist acknowledgment: %w", err)
	}

	c.clear(entryID)
	c.appendTransition(ctx, entryID, queue.StatusCalled, queue.StatusAcknowledged, ReasonAcknowledged+":"+ackType, now)
	c.met.Transition(string(queue.StatusAcknowledged), ReasonAcknowledged)
	c.publish(eventbus.CustomerAcknowledged, updated, nil)
	c.log.Info("customer acknowledged", logx.String("entry_id", entryID), logx.String("type", ackType))
	return outcomeOf(updated), nil
}

// Cancel ends a waiting or called entry. Other states return the recorded
// outcome.
func (c *Controller) Cancel(ctx context.Context, entryID string) (Outcome, error) {
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return Outcome{}, fmt.Errorf("%w: entryId is required", ErrValidation)
	}
	unlock := c.entries.lock(entryID)

	cur, err := c.store.Get(ctx, entryID)
	if err != nil {
		unlock()
		return Outcome{}, err
	}
	if cur.Status != queue.StatusWaiting && cur.Status != queue.StatusCalled {
		unlock()
		return outcomeOf(cur), nil
	}

	now := c.clk.Now()
	updated, err := c.store.Update(ctx, entryID, func(e *queue.Entry) error {
		if e.Status != queue.StatusWaiting && e.Status != queue.StatusCalled {
			return errStale
		}
		e.Status = queue.StatusCancelled
		return nil
	})
	if errors.Is(err, errStale) {
		unlock()
		cur, err = c.store.Get(ctx, entryID)
		if err != nil {
			return Outcome{}, err
		}
		return outcomeOf(cur), nil
	}
	if err != nil {
		unlock()
		return Outcome{}, fmt.Errorf("persist cancellation: %w", err)
	}
	c.clear(entryID)
	c.appendTransition(ctx, entryID, cur.Status, queue.StatusCancelled, ReasonCancelled, now)
	unlock()

	c.met.Transition(string(queue.StatusCancelled), ReasonCancelled)
	c.publish(eventbus.QueueCancelled, updated, nil)
	c.log.Info("entry cancelled", logx.String("entry_id", entryID))
	c.remind(ctx, updated, router.TypeCancelled, time.Time{})
	return outcomeOf(updated), nil
}

// Revoke returns a called or acknowledged entry to waiting and clears its
// verification code and acknowledgment fields. A waiting entry is left as is.
func (c *Controller) Revoke(ctx context.Context, entryID string) (Outcome, error) {
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return Outcome{}, fmt.Errorf("%w: entryId is required", ErrValidation)
	}
	unlock := c.entries.lock(entryID)

	cur, err := c.store.Get(ctx, entryID)
	if err != nil {
		unlock()
		return Outcome{}, err
	}
	switch cur.Status {
	case queue.StatusWaiting:
		unlock()
		return outcomeOf(cur), nil
	case queue.StatusCalled, queue.StatusAcknowledged:
	default:
		unlock()
		return outcomeOf(cur), fmt.Errorf("%w: cannot revoke entry in status %s", ErrInvalidState, cur.Status)
	}

	now := c.clk.Now()
	updated, err := c.store.Update(ctx, entryID, func(e *queue.Entry) error {
		if e.Status != queue.StatusCalled && e.Status != queue.StatusAcknowledged {
			return errStale
		}
		e.Status = queue.StatusWaiting
		e.VerificationCode = ""
		e.CalledAt = nil
		e.AcknowledgedAt = nil
		e.AcknowledgmentType = ""
		e.EstimatedArrival = nil
		return nil
	})
	if errors.Is(err, errStale) {
		unlock()
		cur, err = c.store.Get(ctx, entryID)
		if err != nil {
			return Outcome{}, err
		}
		return outcomeOf(cur), fmt.Errorf("%w: entry changed concurrently", ErrInvalidState)
	}
	if err != nil {
		unlock()
		return Outcome{}, fmt.Errorf("persist revocation: %w", err)
	}
	c.clear(entryID)
	c.appendTransition(ctx, entryID, cur.Status, queue.StatusWaiting, ReasonRevoked, now)
	unlock()

	c.met.Transition(string(queue.StatusWaiting), ReasonRevoked)
	// The UI matches the revoked call by the code it displayed.
	c.publish(eventbus.NotificationRevoked, updated, func(ev *EntryEvent) { ev.VerificationCode = cur.VerificationCode })
	c.log.Info("notification revoked", logx.String("entry_id", entryID))
	c.remind(ctx, updated, router.TypeRevoked, time.Time{})
	return outcomeOf(updated), nil
}

// Shutdown stops every timer without firing it. The controller rejects new
// episodes afterwards.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.closed = true
	n := len(c.sets)
	for id := range c.sets {
		c.clearSetLocked(id)
	}
	c.mu.Unlock()
	c.cancel()
	if n > 0 {
		c.log.Info("acknowledgment timers stopped", logx.Int("entries", n))
	}
}

func (c *Controller) appendTransition(ctx context.Context, id string, from, to queue.Status, reason string, at time.Time) {
	err := c.store.AppendTransition(ctx, queue.Transition{EntryID: id, From: from, To: to, Reason: reason, At: at})
	if err != nil {
		c.log.Warn("append transition failed", logx.String("entry_id", id), logx.Err(err))
	}
}

func (c *Controller) publish(typ string, e queue.Entry, mut func(ev *EntryEvent)) {
	ev := EntryEvent{
		EntryID:            e.ID,
		CustomerID:         e.CustomerID,
		VerificationCode:   e.VerificationCode,
		DisplayName:        e.DisplayName,
		Position:           e.Position,
		Status:             e.Status,
		CalledAt:           e.CalledAt,
		AcknowledgmentType: e.AcknowledgmentType,
		AcknowledgedAt:     e.AcknowledgedAt,
		EstimatedArrival:   e.EstimatedArrival,
	}
	if mut != nil {
		mut(&ev)
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.clk.Now(), Data: ev})
}
