package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"chatlog/internal/compaction"
)

// Compactor is the job the scheduler runs.
type Compactor interface {
	Run(ctx context.Context, req compaction.Request) (compaction.Result, error)
}

// Scheduler runs compaction for the previous UTC day on a cron schedule.
type Scheduler struct {
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	compactor Compactor
	spec      string
}

func New(compactor Compactor, spec string) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		ctx:       ctx,
		cancel:    cancel,
		compactor: compactor,
		spec:      spec,
	}
}

// Start registers the job and starts the cron loop. An empty schedule
// disables scheduled compaction.
func (s *Scheduler) Start() error {
	if s.spec == "" {
		log.Warn().Str("component", "scheduler").Msg("compaction schedule empty, scheduled compaction disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, s.runOnce); err != nil {
		return errors.Wrapf(err, "invalid compaction schedule %q", s.spec)
	}
	s.cron.Start()
	log.Info().Str("component", "scheduler").Str("schedule", s.spec).Msg("scheduler started, compaction runs in UTC")
	return nil
}

func (s *Scheduler) runOnce() {
	res, err := s.compactor.Run(s.ctx, compaction.Request{})
	if err != nil {
		log.Error().Err(err).Str("component", "scheduler").Msg("scheduled compaction failed")
		return
	}
	log.Info().Str("component", "scheduler").
		Str("day", res.Day).
		Bool("written", res.Written).
		Int("events", res.Events).
		Int("deleted", res.Deleted).
		Str("skipped", res.Skipped).
		Msg("scheduled compaction finished")
}

// Stop waits for a running job and cancels its context.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	log.Info().Str("component", "scheduler").Msg("scheduler stopped")
}

// IsRunning reports whether a job is registered.
func (s *Scheduler) IsRunning() bool {
	return s.cron != nil && len(s.cron.Entries()) > 0
}
