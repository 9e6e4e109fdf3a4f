// Package scheduler runs the periodic maintenance jobs.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 5 * time.Minute

// MaintenanceStore is the index slice the jobs write through.
type MaintenanceStore interface {
	PruneNotificationsBefore(ctx context.Context, horizon time.Time) (int64, error)
	PruneLabelsBefore(ctx context.Context, horizon time.Time) (int64, error)
}

// CounterSource reads the cluster counters for the hourly snapshot.
type CounterSource interface {
	Snapshot(ctx context.Context) (map[string]int64, error)
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron          *cron.Cron
	store         MaintenanceStore
	counters      CounterSource
	retentionDays int
	log           *zap.Logger
}

// New builds the scheduler. retentionDays bounds how long notifications and
// negated label history are kept.
func New(store MaintenanceStore, counters CounterSource, retentionDays int, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:          cron.New(),
		store:         store,
		counters:      counters,
		retentionDays: retentionDays,
		log:           logger,
	}
}

// Start registers the jobs and launches the runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("@daily", s.pruneRetention); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@hourly", s.snapshotCounters); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("maintenance scheduler started", zap.Int("retention_days", s.retentionDays))
	return nil
}

// Stop halts the runner and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// pruneRetention removes notifications and label rows older than the
// retention horizon.
func (s *Scheduler) pruneRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	horizon := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	notifs, err := s.store.PruneNotificationsBefore(ctx, horizon)
	if err != nil {
		s.log.Error("notification prune failed", zap.Error(err))
	}
	labels, err := s.store.PruneLabelsBefore(ctx, horizon)
	if err != nil {
		s.log.Error("label prune failed", zap.Error(err))
	}
	s.log.Info("retention prune complete",
		zap.Time("horizon", horizon),
		zap.Int64("notifications", notifs),
		zap.Int64("labels", labels),
	)
}

// snapshotCounters logs the cluster counters once an hour so operators have
// a rate baseline in the logs even without a metrics stack.
func (s *Scheduler) snapshotCounters() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	counters, err := s.counters.Snapshot(ctx)
	if err != nil {
		s.log.Warn("counter snapshot failed", zap.Error(err))
		return
	}
	s.log.Info("hourly counter snapshot", zap.Any("counters", counters))
}
