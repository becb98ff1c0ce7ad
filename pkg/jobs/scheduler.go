// Package jobs runs the daemon's periodic work on cron schedules: the
// assignment expiry sweep, audit archival and database pool statistics.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Job is one unit of scheduled work
type Job func(ctx context.Context) error

// Sweeper is implemented by the permission engine
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Archiver uploads a window of the audit trail
type Archiver interface {
	Archive(ctx context.Context, from, to time.Time) (int, error)
}

// Scheduler runs named jobs on cron schedules. A job never overlaps with
// itself; a run that is still going when the next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  *observability.Logger
	metrics *observability.Metrics
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]Job
	running map[string]bool
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		metrics: metrics,
		ctx:     observability.WithLogger(ctx, logger),
		cancel:  cancel,
		jobs:    make(map[string]Job),
		running: make(map[string]bool),
	}
}

// Add registers job under name on a cron spec such as "@every 1m" or
// "0 3 * * *".
func (s *Scheduler) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Run(name) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	s.jobs[name] = job
	return nil
}

// Run executes a registered job now, recovering panics. It returns false
// when the job is unknown or already running.
func (s *Scheduler) Run(name string) bool {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok || s.running[name] {
		s.mu.Unlock()
		if ok {
			s.logger.WithField("job", name).Warn("previous run still in progress, skipping")
		}
		return false
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	ctx := observability.WithJob(s.ctx, name)
	logger := observability.FromContext(ctx)
	start := time.Now()
	err := observability.Guard(logger, name, func() error { return job(ctx) })
	s.metrics.RecordJob(name, err)
	if err != nil {
		logger.WithError(err).Error("job failed")
	} else {
		logger.WithField("duration", time.Since(start).String()).Debug("job finished")
	}
	return true
}

// Start begins firing schedules
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to return
// or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepJob stamps expired assignments
func SweepJob(sweeper Sweeper) Job {
	return func(ctx context.Context) error {
		n, err := sweeper.SweepExpired(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			observability.FromContext(ctx).WithField("expired", n).Info("expired assignments swept")
		}
		return nil
	}
}

// ArchiveJob uploads the last complete window. Windows are aligned to
// multiples of window so consecutive runs never overlap or leave gaps.
func ArchiveJob(archiver Archiver, window time.Duration, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		to := now().UTC().Truncate(window)
		from := to.Add(-window)
		n, err := archiver.Archive(ctx, from, to)
		if err != nil {
			return err
		}
		observability.FromContext(ctx).WithFields(map[string]interface{}{
			"records": n,
			"from":    from.Format(time.RFC3339),
			"to":      to.Format(time.RFC3339),
		}).Info("audit window archived")
		return nil
	}
}

// DBStatsJob copies connection pool statistics into the metrics
func DBStatsJob(db *sql.DB, metrics *observability.Metrics) Job {
	return func(ctx context.Context) error {
		metrics.UpdateDBStats(db.Stats())
		return nil
	}
}
