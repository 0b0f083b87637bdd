/*
scheduler.go - Background sync and verification

PURPOSE:
  Keeps a long-running server honest when it shares its database with
  other writers (a second server, the seed command):
  - Sync folds events other processes appended, so reads stay fresh
    even when this process writes nothing
  - Verify replays the whole log on a slower cadence and reports any
    broken ledger invariant

DESIGN:
  - One goroutine, two tickers
  - Runs a sync and a verification immediately on start
  - Stop cancels the in-flight pass and waits for the goroutine

CONFIGURATION:
  - SyncInterval:   How often to fold foreign events (0 disables)
  - VerifyInterval: How often to replay and verify (0 disables)

USAGE:
  scheduler := NewScheduler(svc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/verify.go: What verification checks
  - metrics.go: Where the last report is exported
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/asset-ledger/ledger"
)

type Scheduler struct {
	Service        *ledger.Service
	Logger         zerolog.Logger
	Metrics        *Metrics
	SyncInterval   time.Duration
	VerifyInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	last    ledger.VerifyReport
	hasLast bool
}

func NewScheduler(svc *ledger.Service, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		Service:        svc,
		Logger:         logger,
		SyncInterval:   5 * time.Second,
		VerifyInterval: time.Hour,
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.Logger.Info().
		Dur("sync_interval", s.SyncInterval).
		Dur("verify_interval", s.VerifyInterval).
		Msg("scheduler started")
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.Logger.Info().Msg("scheduler stopped")
}

// LastReport returns the most recent verification, false before the first.
func (s *Scheduler) LastReport() (ledger.VerifyReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	syncC := tick(s.SyncInterval)
	verifyC := tick(s.VerifyInterval)
	defer syncC.stop()
	defer verifyC.stop()

	if s.SyncInterval > 0 {
		s.SyncOnce(ctx)
	}
	if s.VerifyInterval > 0 {
		s.VerifyOnce(ctx)
	}

	for {
		select {
		case <-syncC.c:
			s.SyncOnce(ctx)
		case <-verifyC.c:
			s.VerifyOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// SyncOnce folds events appended by other processes.
func (s *Scheduler) SyncOnce(ctx context.Context) {
	before := s.Service.Head()
	if err := s.Service.Sync(ctx); err != nil {
		if ctx.Err() == nil {
			s.Logger.Error().Err(err).Msg("sync failed")
		}
		return
	}
	if after := s.Service.Head(); after != before {
		s.Logger.Debug().Int64("from", int64(before)).Int64("to", int64(after)).Msg("synced foreign events")
	}
	if s.Metrics != nil {
		s.Metrics.SetHead(s.Service.Head())
	}
}

// VerifyOnce replays the log and records the report.
func (s *Scheduler) VerifyOnce(ctx context.Context) {
	report, err := s.Service.Verify(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.Logger.Error().Err(err).Msg("verification failed")
		}
		return
	}

	s.mu.Lock()
	s.last, s.hasLast = report, true
	s.mu.Unlock()

	if s.Metrics != nil {
		s.Metrics.SetVerifyReport(report)
	}
	for _, v := range report.Violations {
		s.Logger.Error().
			Str("key", v.Key.String()).
			Str("rule", v.Rule).
			Str("detail", v.Detail).
			Msg("ledger invariant violated")
	}
}

type ticker struct {
	c    <-chan time.Time
	stop func()
}

// tick returns a ticker, or a channel that never fires for d <= 0.
func tick(d time.Duration) ticker {
	if d <= 0 {
		return ticker{c: nil, stop: func() {}}
	}
	t := time.NewTicker(d)
	return ticker{c: t.C, stop: t.Stop}
}
