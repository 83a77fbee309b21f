// Package maintenance runs periodic housekeeping (dedup sweeps, queue and
// rate-window cleanup, cache purges) on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "queuebell/pkg/logx"

	"github.com/robfig/cron/v3"
	"queuebell/internal/metrics"
)

const DefaultSchedule = "@every 5m"

// Task removes stale state and reports how many items it dropped.
type Task struct {
	Name string
	Run  func(ctx context.Context) int
}

type Service struct {
	mu       sync.Mutex
	schedule string
	tasks    []Task
	parser   cron.Parser
	c        *cron.Cron
	ctx      context.Context

	log     logx.Logger
	metrics *metrics.Collector
}

func New(schedule string, log logx.Logger, m *metrics.Collector) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultSchedule
	}
	return &Service{
		schedule: schedule,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		log:      log,
		metrics:  m,
	}
}

// ValidateSchedule reports whether spec parses as a cron schedule.
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(spec); err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", spec, err)
	}
	return nil
}

// Register adds a task. Tasks run in registration order.
func (s *Service) Register(t Task) {
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(s.ctx) }); err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.String("schedule", s.schedule), logx.Int("tasks", len(s.tasks)))
	return nil
}

// Apply swaps the schedule, restarting the cron runner when it is running.
func (s *Service) Apply(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultSchedule
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if schedule == s.schedule {
		return nil
	}
	if _, err := s.parser.Parse(schedule); err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", schedule, err)
	}
	s.schedule = schedule
	if s.c == nil {
		return nil
	}
	s.c.Stop()
	s.c = nil
	return s.startLocked()
}

// RunOnce runs every task now and returns the total removed.
func (s *Service) RunOnce(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	start := time.Now()
	total := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		n := t.Run(ctx)
		total += n
		s.metrics.Removed(t.Name, n)
		if n > 0 {
			s.log.Debug("maintenance task removed items", logx.String("task", t.Name), logx.Int("removed", n))
		}
	}
	s.log.Debug("maintenance pass done", logx.Int("removed", total), logx.Duration("took", time.Since(start)))
	return total
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
