package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/mnemo/internal/storage"
)

// Sweeper periodically removes ledger rows nobody will read again:
// completed rows past the replay window and reserved rows whose owner
// died long ago.
type Sweeper struct {
	store  *storage.Store
	logger *slog.Logger
	cron   *cron.Cron

	RetainCompleted time.Duration
	RetainReserved  time.Duration

	// OnSwept, when set, observes how many rows each sweep removed.
	OnSwept func(n int64)
}

func NewSweeper(store *storage.Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:           store,
		logger:          logger,
		RetainCompleted: 24 * time.Hour,
		RetainReserved:  5 * time.Minute,
	}
}

// Start schedules a sweep every minute. Call Stop to shut it down.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every 1m", func() {
		s.Sweep(context.Background())
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep runs one pass. Errors are logged, not raised: the next tick
// tries again.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()
	swept, err := s.store.SweepLedger(ctx, now.Add(-s.RetainCompleted), now.Add(-s.RetainReserved))
	if err != nil {
		s.logger.Error("ledger sweep failed", "error", err)
		return
	}
	if swept > 0 {
		s.logger.Info("swept idempotency ledger", "rows", swept)
	}
	if s.OnSwept != nil {
		s.OnSwept(swept)
	}
}
