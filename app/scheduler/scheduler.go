package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-account-notifications/app/retry"
)

const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeBuried    = "buried"

	maxLastErrorLen = 512
)

// Hooks lets callers observe the scheduler. Every field is optional.
type Hooks struct {
	OnScheduled func(jobType string)
	OnResult    func(jobType string, outcome string, elapsed time.Duration)
}

type Config struct {
	// Interval between polls of the store.
	Interval time.Duration
	// Batch caps the jobs claimed per poll.
	Batch int
	// Lease is how long a claimed job is owned before another worker may
	// reclaim it. It also bounds handler execution.
	Lease time.Duration
	Retry retry.Policy
	Hooks Hooks
}

// Scheduler runs registered jobs no earlier than their scheduled time and
// at least once.
type Scheduler struct {
	store Store
	cfg   Config
	log   logrus.FieldLogger

	now   func() time.Time
	newID func() string

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New constructs a scheduler backed by store.
func New(store Store, cfg Config, logger logrus.FieldLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	return &Scheduler{
		store:    store,
		cfg:      cfg,
		log:      logger.WithField("component", "scheduler"),
		now:      time.Now,
		newID:    uuid.NewString,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type, replacing any previous one.
func (s *Scheduler) Register(jobType string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

func (s *Scheduler) handler(jobType string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[jobType]
	return h, ok
}

// Schedule persists a job that becomes runnable once delay has elapsed.
// A negative delay is treated as zero.
func (s *Scheduler) Schedule(ctx context.Context, jobType string, payload interface{}, delay time.Duration) (JobHandle, error) {
	if delay < 0 {
		delay = 0
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return JobHandle{}, fmt.Errorf("encode %s payload: %w", jobType, err)
	}

	now := s.now()
	job := Job{
		ID:        s.newID(),
		Type:      jobType,
		Payload:   body,
		RunAt:     now.Add(delay),
		CreatedAt: now,
	}
	if err := s.store.Add(ctx, job); err != nil {
		return JobHandle{}, fmt.Errorf("store %s job: %w", jobType, err)
	}

	if s.cfg.Hooks.OnScheduled != nil {
		s.cfg.Hooks.OnScheduled(jobType)
	}
	s.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": jobType,
		"run_at":   job.RunAt.Format(time.RFC3339Nano),
	}).Debug("job scheduled")
	return JobHandle{ID: job.ID, RunAt: job.RunAt}, nil
}

// Run polls the store until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithField("interval", s.cfg.Interval.String()).Info("scheduler started")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Error("scheduler poll failed")
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll claims the jobs that are due and executes them sequentially. It
// returns the number of jobs executed.
func (s *Scheduler) Poll(ctx context.Context) (int, error) {
	jobs, err := s.store.Claim(ctx, s.now(), s.cfg.Lease, s.cfg.Batch)
	for _, job := range jobs {
		s.execute(ctx, job)
	}
	return len(jobs), err
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	started := s.now()
	log := s.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempt":  job.Attempts + 1,
	})

	var err error
	if h, ok := s.handler(job.Type); ok {
		err = s.invoke(ctx, h, job)
	} else {
		err = Permanent(fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
	}

	// Bookkeeping must land even when shutdown cancelled ctx mid-job.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	outcome := OutcomeCompleted
	switch {
	case err == nil:
		if storeErr := s.store.Complete(storeCtx, job); storeErr != nil {
			log.WithError(storeErr).Error("mark job complete")
		}
		log.Info("job completed")
	default:
		job.Attempts++
		job.LastError = truncate(err.Error(), maxLastErrorLen)
		log = log.WithError(err)

		if IsPermanent(err) || s.cfg.Retry.Exhausted(job.Attempts) {
			outcome = OutcomeBuried
			if storeErr := s.store.Bury(storeCtx, job); storeErr != nil {
				log.WithField("store_error", storeErr.Error()).Error("bury job")
			}
			log.Error("job failed, buried")
			break
		}

		outcome = OutcomeRetried
		delay := s.cfg.Retry.Backoff(job.Attempts)
		job.RunAt = s.now().Add(delay)
		if storeErr := s.store.Reschedule(storeCtx, job); storeErr != nil {
			log.WithField("store_error", storeErr.Error()).Error("reschedule job")
		}
		log.WithField("retry_in", delay.String()).Warn("job failed, rescheduled")
	}

	if s.cfg.Hooks.OnResult != nil {
		s.cfg.Hooks.OnResult(job.Type, outcome, s.now().Sub(started))
	}
}

func (s *Scheduler) invoke(ctx context.Context, h Handler, job Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Lease)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
