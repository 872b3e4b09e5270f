/*
scheduler.go - Automated dues sweeps

PURPOSE:
  Periodically runs the two engine sweeps so charges exist for every open
  period and members above the debt threshold get reminded.

DESIGN:
  - One background goroutine per sweep, each with its own ticker
  - Both sweeps run once immediately on start
  - Sweeps are idempotent, so an overlapping manual run is harmless
  - Sweeps run as dues.SystemActor
  - Each run gets a context bounded by the next tick

CONFIGURATION:
  - MaterializationInterval: default 1 hour
  - ReminderInterval:        default 24 hours
  - Enabled:                 default true

USAGE:
  scheduler := NewSweepScheduler(engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunMaterializationSweep / RunReminderSweep (manual runs)
  - dues/engine.go: The sweeps themselves
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/dues-engine/dues"
)

// SweepScheduler runs the materialization and reminder sweeps on tickers.
type SweepScheduler struct {
	Engine                  *dues.Engine
	MaterializationInterval time.Duration
	ReminderInterval        time.Duration
	Enabled                 bool

	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweepScheduler(engine *dues.Engine, log *zap.Logger) *SweepScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SweepScheduler{
		Engine:                  engine,
		MaterializationInterval: time.Hour,
		ReminderInterval:        24 * time.Hour,
		Enabled:                 true,
		log:                     log.Named("scheduler"),
	}
}

// Start begins both sweep loops. Calling Start twice is a no-op.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.loop(s.MaterializationInterval, s.RunMaterialization)
	go s.loop(s.ReminderInterval, s.RunReminders)

	s.log.Info("started",
		zap.Duration("materialization_interval", s.MaterializationInterval),
		zap.Duration("reminder_interval", s.ReminderInterval))
}

// Stop cancels in-flight sweeps and waits for both loops to exit.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.log.Info("stopped")
}

func (s *SweepScheduler) loop(interval time.Duration, run func(context.Context)) {
	defer s.wg.Done()

	tick := func() {
		ctx, cancel := context.WithTimeout(s.ctx, interval)
		defer cancel()
		run(ctx)
	}

	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tick()
		case <-s.ctx.Done():
			return
		}
	}
}

// RunMaterialization runs one materialization sweep now.
func (s *SweepScheduler) RunMaterialization(ctx context.Context) {
	summary, err := s.Engine.RunMaterializationSweep(dues.WithActor(ctx, dues.SystemActor))
	if err != nil {
		s.log.Error("materialization sweep failed", zap.Error(err))
		return
	}
	s.log.Info("materialization sweep done",
		zap.Int("plans_materialized", summary.PlansMaterialized),
		zap.Int("charges_created", summary.ChargesCreated),
		zap.Int("failures", len(summary.Failures)))
}

// RunReminders runs one reminder sweep now.
func (s *SweepScheduler) RunReminders(ctx context.Context) {
	summary, err := s.Engine.RunReminderSweep(dues.WithActor(ctx, dues.SystemActor))
	if err != nil {
		s.log.Error("reminder sweep failed", zap.Error(err))
		return
	}
	s.log.Info("reminder sweep done",
		zap.Int("reminders_sent", summary.RemindersSent),
		zap.Int("skipped_cooldown", summary.RemindersSkippedCooldown),
		zap.Int("overdue_marked", summary.ChargesMarkedOverdue),
		zap.Int("failures", len(summary.Failures)))
}
