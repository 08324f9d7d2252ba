package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/agentbridge/internal/observability"
)

// DefaultPruneSchedule runs the cleanup at the top of every hour.
const DefaultPruneSchedule = "@hourly"

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule reports whether expr is an accepted cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", expr, err)
	}
	return nil
}

// CleanupService periodically removes artifacts older than a retention age.
type CleanupService struct {
	pruner   Pruner
	schedule string
	maxAge   time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewCleanupService creates a cleanup service.
func NewCleanupService(pruner Pruner, schedule string, maxAge time.Duration, logger *slog.Logger) *CleanupService {
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupService{
		pruner:   pruner,
		schedule: schedule,
		maxAge:   maxAge,
		logger:   logger.With("component", "artifact-cleanup"),
		now:      time.Now,
	}
}

// SetMetrics counts pruned versions in m.
func (s *CleanupService) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// RunOnce prunes everything older than the retention age.
func (s *CleanupService) RunOnce(ctx context.Context) (int, error) {
	count, err := s.pruner.PruneOlderThan(ctx, s.now().Add(-s.maxAge))
	s.metrics.RecordPruned(count)
	if err != nil {
		s.logger.Error("artifact cleanup failed", "error", err)
		return count, err
	}
	if count > 0 {
		s.logger.Info("artifact cleanup completed", "pruned", count)
	}
	return count, nil
}

// Run schedules the cleanup and blocks until ctx is done.
func (s *CleanupService) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(s.schedule, func() {
		s.RunOnce(ctx) //nolint:errcheck
	}); err != nil {
		return fmt.Errorf("schedule artifact cleanup: %w", err)
	}

	s.logger.Info("artifact cleanup service started", "schedule", s.schedule, "max_age", s.maxAge)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("artifact cleanup service stopped")
	return nil
}
