package worker

import (
	"context"
	"time"

	"settlement-service/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Locker guards a tick so only one instance runs it at a time
type Locker interface {
	LockContext(ctx context.Context) error
	UnlockContext(ctx context.Context) (bool, error)
}

type escrowJobs interface {
	RecoverStaleClaims(ctx context.Context, now time.Time) (int64, error)
	ProcessDueReleases(ctx context.Context, now time.Time) (int, error)
}

type refundJobs interface {
	RetryApprovedRefunds(ctx context.Context) (int, error)
}

type paymentJobs interface {
	SweepPendingPayments(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// SchedulerConfig controls the periodic settlement tick
type SchedulerConfig struct {
	Schedule        string
	TickTimeout     time.Duration
	PendingMaxAge   time.Duration
	PendingSweepMax int
}

// EscrowScheduler periodically releases due escrow and retries stuck work
type EscrowScheduler struct {
	cfg      SchedulerConfig
	lock     Locker
	escrow   escrowJobs
	refunds  refundJobs
	payments paymentJobs
	cron     *cron.Cron
	logger   *zap.Logger
	now      func() time.Time
}

// NewEscrowScheduler creates a new scheduler
func NewEscrowScheduler(
	cfg SchedulerConfig,
	lock Locker,
	escrow escrowJobs,
	refunds refundJobs,
	payments paymentJobs,
) *EscrowScheduler {
	return &EscrowScheduler{
		cfg:      cfg,
		lock:     lock,
		escrow:   escrow,
		refunds:  refunds,
		payments: payments,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// Start registers the tick and starts the cron runner
func (s *EscrowScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.Tick(context.Background()) }); err != nil {
		return err
	}
	s.logger.Info("Starting escrow scheduler", zap.String("schedule", s.cfg.Schedule))
	s.cron.Start()
	return nil
}

// Stop waits for a running tick to finish
func (s *EscrowScheduler) Stop() {
	s.logger.Info("Stopping escrow scheduler")
	<-s.cron.Stop().Done()
}

// Tick runs one pass. It returns false when another instance holds the lock.
func (s *EscrowScheduler) Tick(ctx context.Context) bool {
	if s.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TickTimeout)
		defer cancel()
	}

	if err := s.lock.LockContext(ctx); err != nil {
		s.logger.Debug("Escrow tick skipped, lock held elsewhere", zap.Error(err))
		return false
	}
	defer func() {
		if _, err := s.lock.UnlockContext(context.Background()); err != nil {
			s.logger.Warn("Failed to release escrow tick lock", zap.Error(err))
		}
	}()

	start := s.now()
	defer func() {
		util.EscrowTickDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, span := util.StartSpan(ctx, "EscrowScheduler.Tick")
	defer span.End()

	if n, err := s.escrow.RecoverStaleClaims(ctx, start); err != nil {
		s.logger.Error("Failed to recover stale release claims", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("Recovered stale release claims", zap.Int64("count", n))
	}

	released, err := s.escrow.ProcessDueReleases(ctx, start)
	if err != nil {
		s.logger.Error("Failed to process due releases", zap.Error(err))
	}

	refunded, err := s.refunds.RetryApprovedRefunds(ctx)
	if err != nil {
		s.logger.Error("Failed to retry approved refunds", zap.Error(err))
	}

	swept, err := s.payments.SweepPendingPayments(ctx, s.cfg.PendingMaxAge, s.cfg.PendingSweepMax)
	if err != nil {
		s.logger.Error("Failed to sweep pending payments", zap.Error(err))
	}

	s.logger.Info("Escrow tick finished",
		zap.Int("released", released),
		zap.Int("refunds_paid", refunded),
		zap.Int("payments_resolved", swept),
		zap.Duration("took", time.Since(start)))
	return true
}
