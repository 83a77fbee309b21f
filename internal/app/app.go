// Package app wires the dispatch engine together: storage, channel senders,
// send queues, router, acknowledgment controller, maintenance and the HTTP
// API, plus config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"queuebell/internal/ack"
	"queuebell/internal/channel"
	"queuebell/internal/channel/httpgw"
	"queuebell/internal/channel/telegram"
	"queuebell/internal/clock"
	"queuebell/internal/config"
	"queuebell/internal/dedup"
	"queuebell/internal/eventbus"
	"queuebell/internal/httpapi"
	"queuebell/internal/maintenance"
	"queuebell/internal/metrics"
	"queuebell/internal/queue"
	"queuebell/internal/ratelimit"
	"queuebell/internal/recipient"
	"queuebell/internal/router"
	rtsup "queuebell/internal/runtime/supervisor"
	"queuebell/internal/sendqueue"
	"queuebell/internal/storage"
	logx "queuebell/pkg/logx"
)

const redisKeyPrefix = "queuebell:ratelimit:"

// channelOrder fixes the order send queues are built and stopped in.
var channelOrder = []string{channel.Telegram, channel.WhatsAppAPI, channel.WhatsAppWeb, channel.SMS}

type Option func(*App)

// WithClock replaces the wall clock used by every component.
func WithClock(c clock.Clock) Option { return func(a *App) { a.clk = c } }

type App struct {
	cfgm     *config.Manager
	settings Settings
	clk      clock.Clock

	sup   *rtsup.Supervisor
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	reg   *prometheus.Registry
	met   *metrics.Collector
	store queue.Store

	rdb        redis.UniversalClient
	limiter    ratelimit.Limiter
	normalizer *recipient.Normalizer
	guard      *dedup.Guard
	tg         *telegram.Sender
	queues     []*sendqueue.Queue
	router     *router.Router
	acks       *ack.Controller
	maint      *maintenance.Service
	api        *httpapi.Server

	ready atomic.Bool
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	settings, err := Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	a := &App{cfgm: cfgm, settings: settings, clk: clock.Real()}
	for _, o := range opts {
		o(a)
	}

	a.logs, a.log = logx.New(settings.Log, nil)
	a.log = a.log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.met = metrics.NewCollector(a.reg)

	a.store, err = storage.Open(settings.Storage, a.component("storage"))
	if err != nil {
		_ = a.logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	if err := a.build(); err != nil {
		_ = a.store.Close()
		if a.rdb != nil {
			_ = a.rdb.Close()
		}
		_ = a.logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) component(name string) logx.Logger {
	return a.logs.Logger().With(logx.String("comp", name))
}

func (a *App) build() error {
	s := a.settings

	switch s.RateLimit.Backend {
	case "redis":
		a.rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    s.RateLimit.Redis.Addrs,
			Password: s.RateLimit.Redis.Password,
			DB:       s.RateLimit.Redis.DB,
		})
		prefix := s.RateLimit.Redis.Prefix
		if prefix == "" {
			prefix = redisKeyPrefix
		}
		a.limiter = ratelimit.NewRedisWindow(a.rdb, prefix, s.RateLimit.Limit, a.clk)
	default:
		a.limiter = ratelimit.NewWindow(s.RateLimit.Limit, a.clk)
	}

	a.normalizer = recipient.NewNormalizer(s.Recipient, a.clk)
	a.guard = dedup.New(s.Dedup, a.clk)

	senders, err := a.buildSenders()
	if err != nil {
		return err
	}

	deps := sendqueue.Deps{
		Limiter:    a.limiter,
		Normalizer: a.normalizer,
		Activity:   a.isActive,
		Clock:      a.clk,
		Log:        a.component("sendqueue"),
		Bus:        a.bus,
		Metrics:    a.met,
	}
	dispatchers := make([]router.Dispatcher, 0, len(channelOrder))
	for _, name := range channelOrder {
		q := sendqueue.New(senders[name], deps, s.SendQueue)
		a.queues = append(a.queues, q)
		dispatchers = append(dispatchers, q)
	}

	a.router, err = router.New(a.store, a.guard, dispatchers, s.Router, router.Deps{
		Clock: a.clk, Log: a.component("router"), Bus: a.bus, Metrics: a.met,
	})
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}
	a.acks = ack.New(a.store, s.Ack, ack.Deps{
		Clock: a.clk, Log: a.component("ack"), Bus: a.bus, Metrics: a.met,
	})
	a.acks.SetReminder(a.router)
	a.router.SetCallObserver(a.acks)

	if a.tg != nil {
		a.tg.OnPress(a.handlePress)
		if s.Telegram.OperatorChatID != 0 {
			a.logs.SetOperatorSink(a.tg)
		}
	}

	a.maint = maintenance.New(s.Maintenance, a.component("maintenance"), a.met)
	a.maint.Register(maintenance.Task{Name: "dedup", Run: func(context.Context) int { return a.guard.Sweep() }})
	for _, q := range a.queues {
		a.maint.Register(maintenance.Task{Name: "send_queue." + q.Channel(), Run: q.Cleanup})
	}
	a.maint.Register(maintenance.Task{Name: "rate_limit", Run: a.limiter.Cleanup})
	a.maint.Register(maintenance.Task{Name: "recipient_cache", Run: func(context.Context) int { return a.normalizer.Purge() }})

	a.api = httpapi.New(s.HTTP, httpapi.Deps{
		Acks:     a.acks,
		Notifier: a.router,
		Entries:  a.store,
		Bus:      a.bus,
		Gatherer: a.reg,
		Ready:    a.readyCheck,
		Log:      a.component("http"),
	})
	return nil
}

// buildSenders returns a sender per channel. Unconfigured channels get a
// placeholder that reports itself unavailable.
func (a *App) buildSenders() (map[string]channel.Sender, error) {
	s := a.settings
	out := make(map[string]channel.Sender, len(channelOrder))
	for _, name := range channelOrder {
		out[name] = channel.Unavailable(name)
	}
	if s.Telegram != nil {
		tg, err := telegram.New(*s.Telegram, a.component("telegram"))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.tg = tg
		out[channel.Telegram] = tg
	}
	for name, gc := range s.Gateways {
		g, err := httpgw.New(name, gc)
		if err != nil {
			return nil, fmt.Errorf("channels.%s: %w", name, err)
		}
		out[name] = g
	}
	configured := make([]string, 0, len(out))
	for _, name := range channelOrder {
		if out[name].Available() {
			configured = append(configured, name)
		}
	}
	a.log.Info("channels configured", logx.String("channels", strings.Join(configured, ",")))
	return out, nil
}

// isActive backs the send queues' recipient activity check.
func (a *App) isActive(ctx context.Context, entryID string) (bool, error) {
	e, err := a.store.Get(ctx, entryID)
	if errors.Is(err, queue.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Status.Active(), nil
}

func (a *App) readyCheck(ctx context.Context) error {
	if !a.ready.Load() {
		return errors.New("starting")
	}
	if a.rdb != nil {
		return a.rdb.Ping(ctx).Err()
	}
	return nil
}

// Handler exposes the HTTP API handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

func (a *App) Store() queue.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Ready reports whether Start completed and Stop has not begun.
func (a *App) Ready() bool { return a.ready.Load() }

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()

	a.cfgm.SetLogger(a.component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := Resolve(cfg)
		return err
	})

	if a.rdb != nil {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	called, err := a.store.ListByStatus(ctx, queue.StatusCalled)
	if err != nil {
		return fmt.Errorf("load called entries: %w", err)
	}
	if n := a.acks.Resume(sctx, called); n > 0 {
		a.log.Info("acknowledgment timers resumed", logx.Int("entries", n))
	}

	for _, q := range a.queues {
		q.Start(sctx)
	}
	if a.tg != nil {
		a.tg.Start(sctx)
	}
	if err := a.maint.Start(sctx); err != nil {
		return err
	}

	a.sup.Go("http.api", a.api.Serve)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("eventbus.log", a.logEvents)

	a.ready.Store(true)
	a.log.Info("app started")
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.String("id", e.ID))
		}
	}
}

// reloadLoop applies published configs. Only the newest pending config is
// applied when several arrive together.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, cfg)
			last = cfg
		}
	}
}

// applyConfig pushes hot-reloadable settings into running components.
// Sections that need a restart are only reported.
func (a *App) applyConfig(prev, cfg *config.Config) {
	s, err := Resolve(cfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	changed := config.ChangedSections(prev, cfg)

	a.logs.Apply(s.Log)
	for _, q := range a.queues {
		q.Apply(s.SendQueue)
	}
	a.limiter.SetConfig(s.RateLimit.Limit)
	a.guard.Apply(s.Dedup)
	a.acks.Apply(s.Ack)
	a.normalizer.SetTTL(s.Recipient.CacheTTL)
	if err := a.router.Apply(s.Router); err != nil {
		a.log.Warn("router config rejected; keeping previous", logx.Err(err))
	}
	if err := a.maint.Apply(s.Maintenance); err != nil {
		a.log.Warn("maintenance schedule rejected; keeping previous", logx.Err(err))
	}

	for _, sec := range []string{"http", "storage", "telegram", "channels"} {
		if slices.Contains(changed, sec) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", sec))
		}
	}
	if slices.Contains(changed, "rate_limit") && s.RateLimit.Backend != a.settings.RateLimit.Backend {
		a.log.Warn("rate_limit.backend changed; restart required for it to take effect")
	}
	a.settings = s
	a.log.Info("config applied", logx.String("changed", strings.Join(changed, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.ready.Store(false)
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := a.stopStep(ctx)
	step("maintenance", time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("acks", time.Second, func(context.Context) error { a.acks.Shutdown(); return nil })
	for _, q := range a.queues {
		step("send_queue."+q.Channel(), 2*time.Second, q.Stop)
	}
	if a.tg != nil {
		step("telegram", 2*time.Second, a.tg.Stop)
	}
	step("supervisor", 3*time.Second, a.sup.Wait)
	if a.rdb != nil {
		step("redis", time.Second, func(context.Context) error { return a.rdb.Close() })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// stopStep returns a runner that bounds each shutdown step by its own budget
// and the overall ctx deadline. A step that overruns is left running in the
// background and shutdown continues.
func (a *App) stopStep(ctx context.Context) func(name string, budget time.Duration, fn func(context.Context) error) {
	return func(name string, budget time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			budget = min(budget, time.Until(dl))
		}
		if budget <= 0 {
			a.log.Warn("stop step skipped: no time left", logx.String("name", name))
			return
		}
		sctx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}
}
