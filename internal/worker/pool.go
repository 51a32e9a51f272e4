package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"jobfeed/internal/domain"
	"jobfeed/internal/locker"
	"jobfeed/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// Backoff bounds the retry delay curve: base doubling per attempt up to
// cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func (b Backoff) Delay(attempts int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	cap := b.Cap
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	if attempts <= 0 {
		return base
	}
	d := base << uint(attempts)
	if d > cap || d <= 0 {
		d = cap
	}
	return d
}

// Pool leases tasks and runs them on a bounded set of goroutines. Workers
// hold no state between runs; everything durable lives in the queue and
// the posting store.
type Pool struct {
	repo      queue.Repository
	handlers  map[string]Handler
	locks     locker.TaskLocker
	backoff   Backoff
	sem       chan struct{}
	stop      chan struct{}
	pollEvery time.Duration
}

func NewPool(repo queue.Repository, handlers map[string]Handler, locks locker.TaskLocker, backoff Backoff, size int, pollEvery time.Duration) *Pool {
	if locks == nil {
		locks = locker.NewLocal()
	}
	return &Pool{
		repo:      repo,
		handlers:  handlers,
		locks:     locks,
		backoff:   backoff,
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
	}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			p.drain(ctx, now)
		}
	}
}

func (p *Pool) Stop() { close(p.stop) }

func (p *Pool) drain(ctx context.Context, now time.Time) {
	for {
		task, lease, err := p.repo.LeaseNext(ctx, now)
		if errors.Is(err, queue.ErrEmpty) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("lease failed")
			return
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			// leased but shutting down; the lease expires and RecoverStale
			// requeues it on the next start
			return
		}

		go func(tk domain.Task, leaseUntil time.Time) {
			defer func() { <-p.sem }()
			p.execute(ctx, tk, leaseUntil)
		}(task, lease.Until)
	}
}

func (p *Pool) execute(ctx context.Context, tk domain.Task, leaseUntil time.Time) {
	h, ok := p.handlers[tk.Type]
	if !ok {
		_ = p.repo.Fail(ctx, tk.ID, "no handler for task type")
		return
	}

	release, err := p.locks.Acquire(ctx, tk.Type)
	if errors.Is(err, domain.ErrLockHeld) {
		// another process is running this task name; back off quietly
		// without consuming an attempt
		_ = p.repo.Requeue(ctx, tk.ID, "task lock held", p.backoff.Delay(0))
		return
	}
	if err != nil {
		_ = p.repo.Retry(ctx, tk.ID, err.Error(), p.backoff.Delay(tk.Attempts))
		return
	}
	defer release()

	c, cancel := context.WithDeadline(ctx, leaseUntil)
	defer cancel()

	start := time.Now()
	err = h.Handle(c, tk.Payload)
	if err == nil {
		_ = p.repo.Succeed(ctx, tk.ID)
		log.Info().Str("task_id", tk.ID).Str("type", tk.Type).Dur("took", time.Since(start)).Msg("task succeeded")
		return
	}

	if !domain.Retryable(err) {
		var fe *domain.FormatError
		if errors.As(err, &fe) {
			log.Error().Str("task_id", tk.ID).Str("source", fe.Source).Str("sample", fe.Sample).Err(fe.Err).Msg("malformed source payload")
		}
		_ = p.repo.Fail(ctx, tk.ID, err.Error())
		return
	}

	delay := p.backoff.Delay(tk.Attempts)
	log.Warn().Str("task_id", tk.ID).Str("type", tk.Type).Int("attempts", tk.Attempts+1).Dur("retry_in", delay).Err(err).Msg("task failed, will retry")
	_ = p.repo.Retry(ctx, tk.ID, err.Error(), delay)
}
