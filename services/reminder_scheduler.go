package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"coursehub-backend/utils"
)

type SchedulerConfig struct {
	Timezone     string // IANA name, e.g. "America/Sao_Paulo"
	TargetHour   int
	TargetMinute int
	PollInterval time.Duration
}

type SchedulerStatus struct {
	Armed          bool      `json:"armed"`
	Timezone       string    `json:"timezone"`
	Target         string    `json:"target"`
	LastRunDateKey string    `json:"lastRunDateKey,omitempty"`
	NextTargetAt   time.Time `json:"nextTargetAt"`
}

// ReminderScheduler fires the reminder batch at most once per local
// calendar day, during the single target minute. A missed minute is not
// caught up; the next chance is the following day.
//
// The state lives in memory only, so a restart after the day's run allows a
// second run that day. Every process instance runs its own scheduler.
type ReminderScheduler struct {
	cfg     SchedulerConfig
	loc     *time.Location
	runner  ReminderBatchRunner
	log     zerolog.Logger
	metrics *Metrics

	now func() time.Time

	mu             sync.Mutex
	cron           *cron.Cron
	lastRunDateKey string
}

func NewReminderScheduler(cfg SchedulerConfig, runner ReminderBatchRunner, log zerolog.Logger, metrics *Metrics) (*ReminderScheduler, error) {
	if runner == nil {
		return nil, errors.New("reminder scheduler needs a batch runner")
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", cfg.Timezone)
	}
	if cfg.TargetHour < 0 || cfg.TargetHour > 23 || cfg.TargetMinute < 0 || cfg.TargetMinute > 59 {
		return nil, errors.Errorf("invalid target time %02d:%02d", cfg.TargetHour, cfg.TargetMinute)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	// The target window is one minute wide; a slower poll could step over it.
	if cfg.PollInterval > time.Minute || cfg.PollInterval < time.Second {
		return nil, errors.Errorf("poll interval %s must be between 1s and 1m", cfg.PollInterval)
	}

	return &ReminderScheduler{
		cfg:     cfg,
		loc:     loc,
		runner:  runner,
		log:     log.With().Str("component", "reminder_scheduler").Logger(),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// Start arms the repeating poll timer. Calling it while armed does nothing.
func (s *ReminderScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}

	cl := s.log
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cron.PrintfLogger(&cl)),
	)
	c.Schedule(cron.Every(s.cfg.PollInterval), cron.FuncJob(func() { s.tick() }))
	c.Start()
	s.cron = c

	s.log.Info().
		Str("timezone", s.cfg.Timezone).
		Str("target", s.target()).
		Dur("poll", s.cfg.PollInterval).
		Msg("reminder scheduler started")
}

// Stop disarms the timer and waits for a running batch, bounded by ctx.
func (s *ReminderScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		s.log.Info().Msg("reminder scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick reports whether it triggered the batch.
func (s *ReminderScheduler) tick() bool {
	now := s.now().In(s.loc)
	if now.Hour() != s.cfg.TargetHour || now.Minute() != s.cfg.TargetMinute {
		return false
	}
	key := utils.DateKey(now, s.loc)

	// Claim the day before running so overlapping ticks in the same minute
	// see it as spent. A failed run is not rolled back.
	s.mu.Lock()
	if key == s.lastRunDateKey {
		s.mu.Unlock()
		return false
	}
	s.lastRunDateKey = key
	s.mu.Unlock()

	s.run(key)
	return true
}

func (s *ReminderScheduler) run(key string) {
	start := s.now()
	s.metrics.observeRunStart(float64(start.Unix()))
	log := s.log.With().Str("date_key", key).Logger()
	log.Info().Msg("running daily reminders")

	var (
		res ReminderResult
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("reminder batch panic: %v", r)
			}
		}()
		res, err = s.runner.SendReminders(context.Background())
	}()

	s.metrics.ObserveRun(TriggerScheduled, err)
	if err != nil {
		log.Error().Err(err).Msg("daily reminders failed, next attempt tomorrow")
		return
	}
	log.Info().
		Int("remarketing_sent", res.RemarketingSent).
		Int("expiry_sent", res.ExpirySent).
		Dur("took", s.now().Sub(start)).
		Msg("daily reminders done")
}

func (s *ReminderScheduler) Status() SchedulerStatus {
	s.mu.Lock()
	armed := s.cron != nil
	last := s.lastRunDateKey
	s.mu.Unlock()

	return SchedulerStatus{
		Armed:          armed,
		Timezone:       s.cfg.Timezone,
		Target:         s.target(),
		LastRunDateKey: last,
		NextTargetAt:   s.nextTarget(s.now(), last),
	}
}

func (s *ReminderScheduler) target() string {
	return fmt.Sprintf("%02d:%02d", s.cfg.TargetHour, s.cfg.TargetMinute)
}

// nextTarget is the start of the next minute that could still trigger.
func (s *ReminderScheduler) nextTarget(now time.Time, lastKey string) time.Time {
	now = now.In(s.loc)
	y, m, d := now.Date()
	today := time.Date(y, m, d, s.cfg.TargetHour, s.cfg.TargetMinute, 0, 0, s.loc)
	if now.Before(today.Add(time.Minute)) && today.Format(utils.DateKeyLayout) != lastKey {
		return today
	}
	y, m, d = today.AddDate(0, 0, 1).Date()
	return time.Date(y, m, d, s.cfg.TargetHour, s.cfg.TargetMinute, 0, 0, s.loc)
}
