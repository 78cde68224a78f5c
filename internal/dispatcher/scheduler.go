package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs dispatch cycles: once at start, then every interval and
// whenever triggered.
type Scheduler struct {
	d        *Dispatcher
	interval time.Duration
	trigger  chan struct{}
	log      zerolog.Logger
}

func NewScheduler(d *Dispatcher, interval time.Duration, logger *zerolog.Logger) *Scheduler {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "scheduler").Logger()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{d: d, interval: interval, trigger: make(chan struct{}, 1), log: l}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		case <-s.trigger:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.d.RunCycle(ctx); err != nil {
		if errors.Is(err, ErrCycleBusy) {
			s.log.Debug().Msg("cycle skipped, lock held elsewhere")
			return
		}
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("scheduled cycle failed")
		}
	}
}

// Trigger runs a cycle now and returns its report. It joins a cycle that is
// already running.
func (s *Scheduler) Trigger(ctx context.Context) (CycleReport, error) {
	return s.d.RunCycle(ctx)
}

// TriggerAsync asks the running scheduler for a cycle without waiting.
// It reports false when a request is already pending.
func (s *Scheduler) TriggerAsync() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}
