package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RunStep runs one named step
func (e *Engine) RunStep(ctx context.Context, step string) error {
	switch step {
	case StepNight:
		_, err := e.Night(ctx)
		return err
	case StepMorning:
		_, err := e.Morning(ctx)
		return err
	}
	return fmt.Errorf("unknown step %q (want night or morning)", step)
}

// StepRunner runs a named cycle step
type StepRunner interface {
	RunStep(ctx context.Context, step string) error
}

// Scheduler fires the night and morning steps daily at fixed local times,
// Monday to Friday
type Scheduler struct {
	runner  StepRunner
	night   time.Duration // Offset from local midnight
	morning time.Duration
	loc     *time.Location
	now     func() time.Time
}

// NewScheduler creates a scheduler in loc
func NewScheduler(runner StepRunner, night, morning time.Duration, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{runner: runner, night: night, morning: morning, loc: loc, now: time.Now}
}

// Next returns the first step strictly after now
func (s *Scheduler) Next(now time.Time) (string, time.Time) {
	local := now.In(s.loc)
	slots := []struct {
		step   string
		offset time.Duration
	}{
		{StepMorning, s.morning},
		{StepNight, s.night},
	}
	if s.night < s.morning {
		slots[0], slots[1] = slots[1], slots[0]
	}

	for day := 0; day <= 7; day++ {
		d := time.Date(local.Year(), local.Month(), local.Day()+day, 0, 0, 0, 0, s.loc)
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, slot := range slots {
			h := int(slot.offset / time.Hour)
			m := int((slot.offset % time.Hour) / time.Minute)
			at := time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, s.loc)
			if at.After(local) {
				return slot.step, at
			}
		}
	}
	// Unreachable with a five-day week
	return StepMorning, local.Add(24 * time.Hour)
}

// Run blocks, firing steps until ctx is cancelled. Step errors are logged by
// the engine and do not stop the schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		step, at := s.Next(s.now())
		log.Info().
			Str("step", step).
			Str("at", at.Format("Mon 2006-01-02 15:04 MST")).
			Msg("⏰ Next cycle scheduled")

		timer := time.NewTimer(at.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.runner.RunStep(ctx, step); err != nil {
			log.Debug().Err(err).Str("step", step).Msg("scheduled step returned error")
		}
	}
}
