package backup

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nholden/storekeeper/internal/catalog"
	"github.com/nholden/storekeeper/internal/config"
)

var timeFormatRegexp = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// runner is the slice of Creator the scheduler needs.
type runner interface {
	Create(ctx context.Context, kind catalog.Kind) (*Result, error)
}

// CronSpec compiles a schedule config into a standard cron expression.
func CronSpec(cfg config.ScheduleConfig) (string, error) {
	m := timeFormatRegexp.FindStringSubmatch(cfg.Time)
	if m == nil {
		return "", fmt.Errorf("invalid schedule time %q, want HH:MM", cfg.Time)
	}
	hour, minute := m[1], m[2]

	switch cfg.Frequency {
	case "daily":
		return fmt.Sprintf("%s %s * * *", minute, hour), nil
	case "weekly":
		if cfg.Weekday < 0 || cfg.Weekday > 6 {
			return "", fmt.Errorf("invalid schedule weekday %d", cfg.Weekday)
		}
		return fmt.Sprintf("%s %s * * %d", minute, hour, cfg.Weekday), nil
	default:
		return "", fmt.Errorf("invalid schedule frequency %q", cfg.Frequency)
	}
}

// ParseSchedule compiles and parses a schedule config, returning nil when
// automatic backups are disabled.
func ParseSchedule(cfg config.ScheduleConfig) (cron.Schedule, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	spec, err := CronSpec(cfg)
	if err != nil {
		return nil, err
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Scheduler fires automatic backups at the configured instants. Each fire
// reschedules unconditionally, whether or not the backup succeeded, so one
// failure never silently stops the schedule.
type Scheduler struct {
	mu       sync.Mutex
	runner   runner
	schedule cron.Schedule // nil when disabled
	reload   chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler creates a scheduler for the given config.
func NewScheduler(r runner, cfg config.ScheduleConfig, logger *slog.Logger) (*Scheduler, error) {
	sched, err := ParseSchedule(cfg)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		runner:   r,
		schedule: sched,
		reload:   make(chan struct{}, 1),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// NextFire returns the next automatic-backup instant strictly after now.
// ok is false when automatic backups are disabled.
func (s *Scheduler) NextFire(now time.Time) (next time.Time, ok bool) {
	s.mu.Lock()
	sched := s.schedule
	s.mu.Unlock()
	if sched == nil {
		return time.Time{}, false
	}
	return sched.Next(now), true
}

// Reload replaces the schedule after a settings mutation and re-arms the loop.
func (s *Scheduler) Reload(cfg config.ScheduleConfig) error {
	sched, err := ParseSchedule(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.schedule = sched
	s.mu.Unlock()

	select {
	case s.reload <- struct{}{}:
	default:
	}
	return nil
}

// Start begins the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		next, ok := s.NextFire(s.now())
		if !ok {
			// Disabled: sleep until a reload or shutdown.
			select {
			case <-ctx.Done():
				return
			case <-s.reload:
				continue
			}
		}

		timer := time.NewTimer(next.Sub(s.now()))
		s.logger.Debug("next automatic backup", "at", next)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.reload:
			timer.Stop()
			continue
		case <-timer.C:
			if _, err := s.runner.Create(ctx, catalog.KindAutomatic); err != nil {
				s.logger.Error("automatic backup failed", "error", err)
			}
			// Loop reschedules regardless of the outcome.
		}
	}
}
