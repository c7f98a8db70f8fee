// Package scheduler runs the periodic maintenance jobs.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"blog-auth-service/internal/config"
)

// AuditFlusher is satisfied by audit.Recorder.
type AuditFlusher interface {
	Flush(ctx context.Context) error
}

// KeyCounter is satisfied by the ephemeral stores.
type KeyCounter interface {
	CountPrefix(ctx context.Context, prefix string) (int, error)
}

// KeyCachePruner is satisfied by encryption.EncryptionManager.
type KeyCachePruner interface {
	PruneCache(maxAge time.Duration) int
}

// Jobs are the units of work the scheduler runs. Every dependency is
// optional.
type Jobs struct {
	Audit     AuditFlusher
	Ephemeral KeyCounter
	KeyCache  KeyCachePruner
	KeyMaxAge time.Duration
	Logger    *zap.Logger
	Timeout   time.Duration
}

func (j *Jobs) context() (context.Context, context.CancelFunc) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// FlushAudit drains buffered audit events.
func (j *Jobs) FlushAudit() {
	if j.Audit == nil {
		return
	}
	ctx, cancel := j.context()
	defer cancel()
	if err := j.Audit.Flush(ctx); err != nil {
		j.Logger.Warn("Scheduled audit flush failed", zap.Error(err))
	}
}

// ReportEphemeralStats logs the number of pending challenges and live
// revocation markers.
func (j *Jobs) ReportEphemeralStats() {
	if j.Ephemeral == nil {
		return
	}
	ctx, cancel := j.context()
	defer cancel()

	otps, err := j.Ephemeral.CountPrefix(ctx, "otp:")
	if err != nil {
		j.Logger.Warn("Failed to count pending OTPs", zap.Error(err))
		return
	}
	revoked, err := j.Ephemeral.CountPrefix(ctx, "revoked:")
	if err != nil {
		j.Logger.Warn("Failed to count revocation markers", zap.Error(err))
		return
	}
	j.Logger.Info("Ephemeral store stats",
		zap.Int("pending_otps", otps),
		zap.Int("revocation_markers", revoked))
}

// PruneKeyCache drops unwrapped data keys older than KeyMaxAge.
func (j *Jobs) PruneKeyCache() {
	if j.KeyCache == nil {
		return
	}
	maxAge := j.KeyMaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if n := j.KeyCache.PruneCache(maxAge); n > 0 {
		j.Logger.Debug("Pruned data key cache", zap.Int("removed", n))
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	cfg    config.AuditConfig
	logger *zap.Logger
}

func NewScheduler(jobs *Jobs, cfg config.AuditConfig, logger *zap.Logger) *Scheduler {
	cronLogger := zapCronLogger{logger: logger.Named("cron")}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	if jobs.Logger == nil {
		jobs.Logger = logger
	}
	return &Scheduler{cron: c, jobs: jobs, cfg: cfg, logger: logger}
}

// Start registers the jobs and starts the cron scheduler. An invalid
// schedule is an error so misconfiguration fails startup.
func (s *Scheduler) Start() error {
	entries := []struct {
		name     string
		schedule string
		fn       func()
	}{
		{"audit flush", s.cfg.FlushSchedule, s.jobs.FlushAudit},
		{"ephemeral stats", s.cfg.StatsSchedule, s.jobs.ReportEphemeralStats},
		{"key cache prune", s.cfg.StatsSchedule, s.jobs.PruneKeyCache},
	}
	for _, e := range entries {
		if e.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(e.schedule, e.fn); err != nil {
			s.logger.Error("failed to schedule job", zap.String("job", e.name), zap.Error(err))
			return err
		}
		s.logger.Info("scheduled job", zap.String("job", e.name), zap.String("schedule", e.schedule))
	}
	s.cron.Start()
	return nil
}

// Stop waits for running jobs, then flushes audit events one last time.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out")
	}
	s.jobs.FlushAudit()
}

// Entries is the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

type zapCronLogger struct {
	logger *zap.Logger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
