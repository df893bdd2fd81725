package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// Dispatcher delivers one alert.
type Dispatcher interface {
	Dispatch(ctx context.Context, a model.Alert) error
}

// Multi fans an alert out to every dispatcher; one failing channel does not stop the others.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, a model.Alert) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async decouples the alert engine from delivery latency. Alerts are queued to a
// bounded buffer and delivered by background workers; a full buffer drops the alert.
type Async struct {
	next    Dispatcher
	queue   chan model.Alert
	workers int
	logger  *zap.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

func NewAsync(next Dispatcher, buffer, workers int, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Async{next: next, queue: make(chan model.Alert, buffer), workers: workers, logger: logger}
}

// Start launches the workers. They exit after Stop once the queue is drained.
func (a *Async) Start(ctx context.Context) {
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for al := range a.queue {
				if err := a.next.Dispatch(ctx, al); err != nil {
					a.logger.Warn("notify.dispatch_failed",
						zap.String("alert_id", al.ID),
						zap.String("product_id", al.ProductID),
						zap.String("type", string(al.Type)),
						zap.Error(err),
					)
				}
			}
		}()
	}
}

func (a *Async) Dispatch(_ context.Context, al model.Alert) error {
	select {
	case a.queue <- al:
		return nil
	default:
		return errors.New("notify: dispatch queue full")
	}
}

// Stop closes the queue and waits for in-flight deliveries.
func (a *Async) Stop() {
	a.once.Do(func() { close(a.queue) })
	a.wg.Wait()
}
