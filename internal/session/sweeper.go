package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs Registry.Cleanup on a cron schedule.
type Sweeper struct {
	reg        *Registry
	keepLatest int
	schedule   string
	logger     *slog.Logger
	cron       *cron.Cron

	// InUse, when set, protects sessions with running work from deletion.
	InUse func(id string) bool
}

// NewSweeper validates schedule (standard five-field cron or a descriptor
// such as "@hourly") and returns a stopped sweeper.
func NewSweeper(reg *Registry, schedule string, keepLatest int, logger *slog.Logger) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		reg:        reg,
		keepLatest: keepLatest,
		schedule:   schedule,
		logger:     logger,
		cron:       cron.New(),
	}, nil
}

func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	s.cron.Start()
	s.logger.Info("session sweeper started", "schedule", s.schedule, "keep_latest", s.keepLatest)
	return nil
}

// Stop waits up to 30s for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		s.logger.Warn("session sweeper stop timed out")
	}
}

// RunOnce performs a single cleanup pass and returns the deleted IDs.
func (s *Sweeper) RunOnce(ctx context.Context) []string {
	deleted, err := s.reg.Cleanup(ctx, s.keepLatest, s.InUse)
	if err != nil {
		s.logger.Error("session cleanup failed", "error", err)
	}
	if len(deleted) > 0 {
		s.logger.Info("session cleanup", "deleted", len(deleted), "keep_latest", s.keepLatest)
	}
	return deleted
}
