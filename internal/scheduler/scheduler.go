// Package scheduler runs ingestion cycles on a cron expression.
package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/internal/orchestrator"
)

// CycleRunner runs one ingestion cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (orchestrator.CycleStats, error)
}

// Scheduler triggers cycles. A trigger that fires while the previous cycle is
// still running is skipped.
type Scheduler struct {
	spec   string
	runner CycleRunner
	logger *zap.Logger
	cron   *cron.Cron

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds a scheduler for spec, e.g. "@every 15m" or "0 */2 * * *".
func New(spec string, runner CycleRunner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{s: logger.Sugar()}
	return &Scheduler{
		spec:   spec,
		runner: runner,
		logger: logger,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
	}
}

// Start registers the cycle job and starts the cron loop. Cycles run with a
// context derived from ctx, cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunNow(runCtx) }); err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler.started", zap.String("spec", s.spec))
	return nil
}

// RunNow runs one cycle synchronously.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.logger.Info("scheduler.cycle_starting")
	stats, err := s.runner.RunCycle(ctx)
	if err != nil {
		s.logger.Warn("scheduler.cycle_interrupted", zap.Error(err), zap.Int64("fetched", stats.Fetched))
		return
	}
	s.logger.Info("scheduler.cycle_finished", zap.Duration("duration", stats.Duration))
}

// Stop cancels the running cycle and returns a context that is done once it
// has returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := s.cron.Stop()
	s.logger.Info("scheduler.stopped")
	return done
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw("cron."+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw("cron."+msg, append(keysAndValues, "error", err)...)
}
