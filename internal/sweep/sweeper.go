package sweep

import (
	"context"
	"fmt"
	"time"

	"med-dispatch/internal/dispatch"
	"med-dispatch/internal/general/contracts"
	"med-dispatch/internal/general/logger"
	"med-dispatch/internal/ports"
)

// Config holds sweep intervals and thresholds.
type Config struct {
	CleanupInterval  time.Duration // stale-position cleanup cadence
	RetentionDays    int           // position retention for terminal trips
	TimeoutInterval  time.Duration // timeout detection cadence
	TimeoutThreshold time.Duration // max in-progress duration before flagging
}

// Sweeper runs the two timer-driven background jobs: stale-position cleanup
// and timeout detection. The jobs are independent of live connections and run
// until the context is cancelled.
type Sweeper struct {
	logger     *logger.Logger
	store      ports.TripStore
	dispatcher *dispatch.Dispatcher
	cfg        Config
}

// New constructs a sweeper.
func New(log *logger.Logger, store ports.TripStore, d *dispatch.Dispatcher, cfg Config) *Sweeper {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.TimeoutInterval <= 0 {
		cfg.TimeoutInterval = 5 * time.Minute
	}
	if cfg.TimeoutThreshold <= 0 {
		cfg.TimeoutThreshold = 6 * time.Hour
	}
	return &Sweeper{logger: log, store: store, dispatcher: d, cfg: cfg}
}

// Run drives both timers until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()
	timeout := time.NewTicker(s.cfg.TimeoutInterval)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cleanup.C:
			s.CleanupStalePositions(ctx)
		case <-timeout.C:
			s.DetectTimeouts(ctx)
		}
	}
}

// CleanupStalePositions clears stored position fields for terminal trips idle
// longer than the retention threshold. Direct store mutation, bulk and
// idempotent; no tasks are submitted.
func (s *Sweeper) CleanupStalePositions(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	cleared, err := s.store.ClearStalePositions(ctx, cutoff)
	if err != nil {
		s.logger.Error(ctx, "gps_cleanup_failed", "Stale-position cleanup failed", err, nil)
		return
	}
	if cleared > 0 {
		s.logger.Info(ctx, "gps_cleanup_done", "Cleared stored positions of old terminal trips", map[string]any{
			"trips":  cleared,
			"cutoff": cutoff,
		})
	}
}

// DetectTimeouts submits a flag_timeout task for every in-progress trip whose
// start exceeds the threshold. The idempotency key binds the trip to its
// deadline (start + threshold), so re-running the sweep before the task
// executes cannot produce duplicates; after execution the handler skips trips
// whose notes already carry the alert for that deadline.
func (s *Sweeper) DetectTimeouts(ctx context.Context) {
	startedBefore := time.Now().UTC().Add(-s.cfg.TimeoutThreshold)
	trips, err := s.store.ListTimedOut(ctx, startedBefore)
	if err != nil {
		s.logger.Error(ctx, "timeout_scan_failed", "Timeout detection scan failed", err, nil)
		return
	}

	for _, t := range trips {
		if t.StartTime == nil {
			continue
		}
		deadline := t.StartTime.Add(s.cfg.TimeoutThreshold).UTC()
		_, err := s.dispatcher.Submit(dispatch.Task{
			Kind: contracts.TaskFlagTimeout,
			Lane: dispatch.LaneNormal,
			Payload: map[string]any{
				"trip_id":         t.ID,
				"threshold_hours": s.cfg.TimeoutThreshold.Hours(),
				"deadline":        deadline.Format(time.RFC3339),
			},
			IdempotencyKey: fmt.Sprintf("timeout:%s:%d", t.ID, deadline.Unix()),
		})
		if err != nil {
			s.logger.Error(ctx, "timeout_flag_submit_failed", "Failed to queue timeout flag", err, map[string]any{
				"trip_id": t.ID,
			})
		}
	}

	if len(trips) > 0 {
		s.logger.Info(ctx, "timeout_scan_done", "Timeout detection flagged slow trips", map[string]any{
			"flagged": len(trips),
		})
	}
}
