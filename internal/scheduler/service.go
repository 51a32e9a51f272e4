package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"jobfeed/internal/domain"
	"jobfeed/internal/queue"
)

// Service drives schedule timing: a single goroutine ticks over the
// persisted schedule rows and enqueues one task per due occurrence.
// Execution happens elsewhere; the service never waits on a worker.
type Service struct {
	repo     queue.Repository
	stop     chan struct{}
	interval time.Duration
	catchUp  bool
}

func NewService(repo queue.Repository, checkInterval time.Duration, catchUp bool) *Service {
	return &Service{
		repo:     repo,
		stop:     make(chan struct{}),
		interval: checkInterval,
		catchUp:  catchUp,
	}
}

// Register creates or updates a schedule by name. A malformed cron
// expression fails with domain.ErrInvalidSchedule before anything is
// written. visibilityTimeout is the per-run lease in seconds; zero takes
// the queue default.
func (s *Service) Register(ctx context.Context, name, cronExpr, taskType string, payload []byte, maxAttempts, visibilityTimeout int) error {
	if name == "" || taskType == "" {
		return fmt.Errorf("%w: name and task type are required", domain.ErrInvalidSchedule)
	}
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", domain.ErrInvalidSchedule, cronExpr, err)
	}

	existing, err := s.repo.GetScheduleByName(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.repo.CreateSchedule(ctx, domain.Schedule{
			Name:              name,
			CronExpr:          cronExpr,
			TaskType:          taskType,
			Payload:           payload,
			MaxAttempts:       maxAttempts,
			VisibilityTimeout: visibilityTimeout,
			Enabled:           true,
			NextRun:           sched.Next(time.Now()),
		})
		return err
	}
	if err != nil {
		return err
	}

	existing.TaskType = taskType
	existing.Payload = payload
	if maxAttempts > 0 {
		existing.MaxAttempts = maxAttempts
	}
	if visibilityTimeout > 0 {
		existing.VisibilityTimeout = visibilityTimeout
	}
	if existing.CronExpr != cronExpr {
		// expression changed: recompute from now, keeping last_run intact
		existing.CronExpr = cronExpr
		existing.NextRun = sched.Next(time.Now())
	}
	return s.repo.UpdateSchedule(ctx, existing)
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Tick enqueues a task for every due schedule and advances next_run.
// Calling it twice with the same now is harmless: the first call moves
// next_run past now, and the occurrence idempotency key catches the
// crash-between-enqueue-and-advance window.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	schedules, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.fire(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule", schedule.Name).Msg("failed to process schedule")
		}
	}
}

func (s *Service) fire(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	// Overdue beyond one occurrence (downtime): fire at most once for the
	// whole gap, or skip straight ahead when catch-up is off. Either way
	// next_run lands strictly after now, so missed occurrences are never
	// replayed.
	occurrence := schedule.NextRun
	nextRun := cronSchedule.Next(occurrence)
	if !nextRun.After(now) {
		nextRun = cronSchedule.Next(now)
		if !s.catchUp {
			log.Warn().
				Str("schedule", schedule.Name).
				Time("missed", occurrence).
				Time("next_run", nextRun).
				Msg("skipping missed occurrences")
			schedule.NextRun = nextRun
			return s.repo.UpdateSchedule(ctx, schedule)
		}
	}

	idem := OccurrenceKey(schedule.Name, occurrence)
	taskID, err := s.repo.Enqueue(ctx, domain.Task{
		Type:              schedule.TaskType,
		Payload:           schedule.Payload,
		Priority:          schedule.Priority,
		MaxAttempts:       schedule.MaxAttempts,
		VisibilityTimeout: schedule.VisibilityTimeout,
		IdempotencyKey:    &idem,
	})
	if err != nil {
		log.Error().Err(err).Str("schedule", schedule.Name).Msg("failed to enqueue scheduled task")
		return err
	}

	if err := s.repo.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule", schedule.Name).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule", schedule.Name).
		Str("task_id", taskID).
		Time("occurrence", occurrence).
		Time("next_run", nextRun).
		Msg("scheduled task enqueued")

	return nil
}

// OccurrenceKey is the idempotency key for one firing of a schedule.
func OccurrenceKey(name string, occurrence time.Time) string {
	return name + "@" + occurrence.UTC().Format(time.RFC3339)
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
