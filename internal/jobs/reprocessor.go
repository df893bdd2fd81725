package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/internal/orchestrator"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// ReprocessedSubject announces a finished unmatched-pool pass.
const ReprocessedSubject = "evt.pricewatch.unmatched.reprocessed.v1"

// Runner is the part of the orchestrator the job drives.
type Runner interface {
	Reprocess(ctx context.Context) (orchestrator.CycleStats, error)
}

// EventPublisher publishes bus envelopes.
type EventPublisher interface {
	PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error
}

// Reprocessor periodically retries the unmatched pool and emits a NATS event
// summarising each pass.
type Reprocessor struct {
	logger    *zap.Logger
	runner    Runner
	publisher EventPublisher
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewReprocessor constructs the background job. publisher may be nil.
func NewReprocessor(logger *zap.Logger, runner Runner, pub EventPublisher, interval time.Duration) *Reprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reprocessor{
		logger:    logger,
		runner:    runner,
		publisher: pub,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the reprocess loop until Stop or ctx cancellation.
func (r *Reprocessor) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reprocessor.started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("reprocessor.stopped (manual stop)")
			return
		case <-ctx.Done():
			r.logger.Info("reprocessor.stopped (context canceled)")
			return
		}
	}
}

// Stop halts the loop. Safe to call more than once.
func (r *Reprocessor) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// RunOnce executes one pass.
func (r *Reprocessor) RunOnce(ctx context.Context) {
	start := time.Now()
	r.logger.Info("reprocessor.running")

	stats, err := r.runner.Reprocess(ctx)
	if err != nil {
		r.logger.Error("reprocessor.failed", zap.Error(err))
		return
	}

	if r.publisher != nil {
		payload, _ := json.Marshal(map[string]any{
			"pending":         stats.Fetched,
			"created":         stats.Created,
			"attached":        stats.Attached,
			"still_unmatched": stats.Unattributed + stats.Deferred,
			"duration_ms":     time.Since(start).Milliseconds(),
		})
		env := &model.Envelope{
			ID:            uuid.New(),
			CorrelationID: uuid.New(),
			Topic:         ReprocessedSubject,
			EventType:     "pricewatch.unmatched.reprocessed",
			Version:       "1.0.0",
			Source:        "pricewatch",
			Timestamp:     time.Now().UTC(),
			Payload:       payload,
		}
		if err := r.publisher.PublishEnvelope(ctx, ReprocessedSubject, env); err != nil {
			r.logger.Warn("reprocessor.nats_publish_failed", zap.Error(err))
		}
	}

	r.logger.Info("reprocessor.success",
		zap.Int64("resolved", stats.Created+stats.Attached),
		zap.Duration("duration", time.Since(start)))
}
