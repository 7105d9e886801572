// Package trigger scans subscriptions for due executions and hands them to
// the subscription runner. One scheduler runs the scan at a time across the
// whole deployment, guarded by a distributed lock.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/botmesh/botmesh/internal/common/config"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/kv"
	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/subscription"
	"github.com/botmesh/botmesh/internal/task/models"
	"github.com/botmesh/botmesh/internal/task/repository"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom,
// month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler owns the periodic due-subscription scan.
type Scheduler struct {
	resources *resource.Store
	repo      *repository.Repository
	runner    *subscription.Runner
	locker    kv.Locker
	cfg       config.FlowConfig
	logger    *logger.Logger
	now       func() time.Time
}

// NewScheduler wires the scheduler.
func NewScheduler(resources *resource.Store, repo *repository.Repository,
	runner *subscription.Runner, locker kv.Locker, cfg config.FlowConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		resources: resources,
		repo:      repo,
		runner:    runner,
		locker:    locker,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "trigger-scheduler")),
		now:       time.Now,
	}
}

// Run scans on the configured interval until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.ScanIntervalDuration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("trigger scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("trigger scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				s.logger.WithError(err).Error("subscription scan failed")
			}
		}
	}
}

// Scan runs one pass under the check_due_subscriptions lock: orphan
// recovery, stuck-run cleanup, then the due scan. A held lock means another
// scheduler instance is already scanning and the pass is skipped.
func (s *Scheduler) Scan(ctx context.Context) error {
	ttl := time.Duration(s.cfg.LockTTL) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	token, ok, err := s.locker.Acquire(ctx, kv.LockCheckDueSubscriptions, ttl)
	if err != nil {
		return fmt.Errorf("acquire scan lock: %w", err)
	}
	if !ok {
		s.logger.Debug("scan lock held elsewhere, skipping pass")
		return nil
	}
	defer func() {
		if err := s.locker.Release(ctx, kv.LockCheckDueSubscriptions, token); err != nil {
			s.logger.WithError(err).Warn("failed to release scan lock")
		}
	}()
	stopWatchdog := s.startWatchdog(ctx, token, ttl)
	defer stopWatchdog()

	s.recoverOrphans(ctx)
	s.cleanupStuck(ctx)
	s.scanDue(ctx, token, ttl)
	return nil
}

// startWatchdog keeps the lock alive while long executions run inside the
// critical section.
func (s *Scheduler) startWatchdog(ctx context.Context, token string, ttl time.Duration) func() {
	interval := time.Duration(s.cfg.WatchdogInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.locker.Extend(ctx, kv.LockCheckDueSubscriptions, token, ttl); err != nil {
					s.logger.WithError(err).Warn("failed to extend scan lock")
				}
			}
		}
	}()
	return func() { close(done) }
}

// recoverOrphans re-dispatches PENDING executions that never got a task.
// Executions of deleted subscriptions are cancelled instead.
func (s *Scheduler) recoverOrphans(ctx context.Context) {
	hours := s.cfg.StalePendingHours
	if hours <= 0 {
		hours = 1
	}
	execs, err := s.repo.ListStalePending(ctx, hours)
	if err != nil {
		s.logger.WithError(err).Error("failed to list orphaned executions")
		return
	}
	for _, exec := range execs {
		subRes, err := s.resources.GetByID(ctx, exec.SubscriptionID)
		if err != nil || !subRes.IsActive {
			if serr := s.repo.SetExecutionStatus(ctx, exec.ID, models.ExecutionCancelled,
				"subscription was deleted"); serr != nil {
				s.logger.WithError(serr).Warn("failed to cancel orphaned execution",
					zap.Int64("execution_id", exec.ID))
			}
			continue
		}
		s.logger.Info("recovering orphaned execution",
			zap.Int64("execution_id", exec.ID), zap.Int64("subscription_id", exec.SubscriptionID))
		if err := s.repo.SetExecutionStatus(ctx, exec.ID, models.ExecutionRunning, ""); err != nil {
			s.logger.WithError(err).Warn("failed to mark orphan running", zap.Int64("execution_id", exec.ID))
			continue
		}
		if err := s.runner.Execute(ctx, exec.SubscriptionID, exec.ID); err != nil {
			s.logger.WithError(err).Error("orphan re-dispatch failed", zap.Int64("execution_id", exec.ID))
		}
	}
}

// cleanupStuck fails RUNNING executions that exceeded the run-time bound.
func (s *Scheduler) cleanupStuck(ctx context.Context) {
	hours := s.cfg.StaleRunningHours
	if hours <= 0 {
		hours = 3
	}
	execs, err := s.repo.ListStuckRunning(ctx, hours)
	if err != nil {
		s.logger.WithError(err).Error("failed to list stuck executions")
		return
	}
	for _, exec := range execs {
		msg := fmt.Sprintf("execution timed out after %d hours", hours)
		if err := s.repo.SetExecutionStatus(ctx, exec.ID, models.ExecutionFailed, msg); err != nil {
			s.logger.WithError(err).Warn("failed to fail stuck execution",
				zap.Int64("execution_id", exec.ID))
		}
	}
}

// scanDue fires every enabled subscription whose next execution time has
// passed, in batches, refreshing the lock between batches.
func (s *Scheduler) scanDue(ctx context.Context, token string, ttl time.Duration) {
	subs, err := s.resources.ListSubscriptions(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to list subscriptions")
		return
	}

	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	now := s.now().UTC()
	fired := 0
	for _, subRes := range subs {
		var doc resource.SubscriptionDoc
		if err := subRes.DecodeSpec(&doc); err != nil {
			s.logger.WithError(err).Warn("skipping undecodable subscription",
				zap.Int64("subscription_id", subRes.ID))
			continue
		}
		if !s.due(&doc, now) {
			continue
		}
		if err := s.fire(ctx, subRes, &doc, now); err != nil {
			s.logger.WithError(err).Error("subscription firing failed",
				zap.Int64("subscription_id", subRes.ID))
		}
		fired++
		if fired%batch == 0 {
			if err := s.locker.Extend(ctx, kv.LockCheckDueSubscriptions, token, ttl); err != nil {
				s.logger.WithError(err).Warn("failed to refresh scan lock between batches")
			}
		}
	}
}

func (s *Scheduler) due(doc *resource.SubscriptionDoc, now time.Time) bool {
	if !doc.Internal.Enabled {
		return false
	}
	switch doc.Trigger {
	case resource.TriggerCron, resource.TriggerInterval, resource.TriggerOneTime:
	default:
		return false
	}
	next := doc.Internal.NextExecutionTime
	return next != nil && !next.After(now)
}

// fire creates the execution row, advances the schedule, then runs it. The
// schedule advances before the run so a crash mid-execution can't refire
// the same occurrence.
func (s *Scheduler) fire(ctx context.Context, subRes *resource.Resource,
	doc *resource.SubscriptionDoc, now time.Time) error {

	exec := &models.BackgroundExecution{
		SubscriptionID: subRes.ID,
		UserID:         subRes.OwnerID,
		TriggerType:    doc.Trigger,
		TriggerReason:  "scheduled",
		Prompt:         doc.PromptTemplate,
	}
	if err := s.repo.CreateExecution(ctx, exec); err != nil {
		return err
	}
	if err := s.advance(ctx, subRes.ID, doc, now); err != nil {
		return err
	}
	return s.runner.Execute(ctx, subRes.ID, exec.ID)
}

// advance computes and persists the next execution time; one_time
// subscriptions are disabled after their single firing.
func (s *Scheduler) advance(ctx context.Context, subscriptionID int64,
	doc *resource.SubscriptionDoc, now time.Time) error {

	var next *time.Time
	enabled := true
	switch doc.Trigger {
	case resource.TriggerCron:
		sched, err := cronParser.Parse(doc.CronExpression)
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", doc.CronExpression, err)
		}
		t := sched.Next(now)
		next = &t
	case resource.TriggerInterval:
		if doc.IntervalSeconds <= 0 {
			return fmt.Errorf("interval subscription %d has no interval", subscriptionID)
		}
		t := now.Add(time.Duration(doc.IntervalSeconds) * time.Second)
		next = &t
	case resource.TriggerOneTime:
		enabled = false
	}

	return s.resources.UpdateJSON(ctx, subscriptionID, func(data []byte) ([]byte, error) {
		var stored resource.SubscriptionDoc
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, err
		}
		stored.Internal.NextExecutionTime = next
		stored.Internal.Enabled = enabled
		return json.Marshal(stored)
	})
}
