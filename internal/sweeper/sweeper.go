// Package sweeper runs the periodic background maintenance: expiring
// abandoned deposit requests and flagging overdue schedule rows.
package sweeper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/logger"
	"github.com/punchamoorthee/ledgercore/internal/service"
)

const leaseName = "maintenance"

var sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_sweeper_runs_total",
	Help: "Sweeper ticks, labeled by result",
}, []string{"result"})

type expirySweeper interface {
	SweepExpired(ctx context.Context, limit int) (service.SweepResult, error)
}

type overdueMarker interface {
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
}

type Config struct {
	Interval  time.Duration
	LeaseTTL  time.Duration
	BatchSize int
}

type Sweeper struct {
	deposits expirySweeper
	loans    overdueMarker
	lease    Lease
	cfg      Config
	Now      func() time.Time
}

func New(deposits expirySweeper, loans overdueMarker, lease Lease, cfg Config) *Sweeper {
	if lease == nil {
		lease = LocalLease{}
	}
	return &Sweeper{deposits: deposits, loans: loans, lease: lease, cfg: cfg, Now: time.Now}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info("sweeper started", zap.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.CtxError(ctx, "sweep failed", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep if this instance holds the lease.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	held, err := s.lease.Acquire(ctx, leaseName, s.cfg.LeaseTTL)
	if err != nil {
		// lease store unreachable: sweeping anyway is safe
		logger.CtxWarn(ctx, "sweeper lease unavailable, running without it", zap.Error(err))
		held = true
	}
	if !held {
		sweepRunsTotal.WithLabelValues("skipped").Inc()
		logger.CtxDebug(ctx, "sweeper lease held elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := s.lease.Release(context.WithoutCancel(ctx), leaseName); err != nil {
			logger.CtxWarn(ctx, "sweeper lease release failed", zap.Error(err))
		}
	}()

	res, err := s.deposits.SweepExpired(ctx, s.cfg.BatchSize)
	if err != nil {
		sweepRunsTotal.WithLabelValues("error").Inc()
		return err
	}
	overdue, err := s.loans.MarkOverdue(ctx, s.Now())
	if err != nil {
		sweepRunsTotal.WithLabelValues("error").Inc()
		return err
	}

	sweepRunsTotal.WithLabelValues("ok").Inc()
	if res.Examined > 0 || overdue > 0 {
		logger.CtxInfo(ctx, "sweep finished",
			zap.Int("examined", res.Examined),
			zap.Int("completed", res.Completed),
			zap.Int("expired", res.Expired),
			zap.Int("cancelled", res.Cancelled),
			zap.Int("failed", res.Failed),
			zap.Int64("rows_overdue", overdue),
		)
	}
	return nil
}
