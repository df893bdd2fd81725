// Package queue carries listings whose catalog write kept failing to a durable
// RabbitMQ queue so they are reprocessed later instead of dropped.
//
// Retries wait in a companion "<queue>.retry" queue under a per-message TTL and
// dead-letter back into the work queue once it expires. A listing that runs out
// of attempts is parked, typically in the catalog's unmatched pool.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/pricewatch/internal/metrics"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

const DefaultQueue = "pricewatch.listings.deferred"

const (
	defaultMaxAttempts = 5
	defaultRetryDelay  = 30 * time.Second
	defaultMaxDelay    = 30 * time.Minute
)

// Deferred is the message body.
type Deferred struct {
	Listing    model.Listing `json:"listing"`
	Reason     string        `json:"reason"`
	Attempts   int           `json:"attempts"`
	DeferredAt time.Time     `json:"deferred_at"`
}

// Handler reprocesses one deferred listing.
type Handler func(ctx context.Context, l model.Listing) error

// Parker takes listings the queue gives up on. catalog.Catalog satisfies it.
type Parker interface {
	PutUnmatched(ctx context.Context, l model.Listing, reason model.UnmatchedReason) error
}

// Option configures a Rabbit.
type Option func(*Rabbit)

// WithParker sets where exhausted listings go. Without one they are rejected.
func WithParker(p Parker) Option {
	return func(r *Rabbit) { r.parker = p }
}

// WithRetryDelay sets the wait before the first redelivery; it doubles per
// attempt up to max.
func WithRetryDelay(base, max time.Duration) Option {
	return func(r *Rabbit) {
		if base > 0 {
			r.retryDelay = base
		}
		if max > 0 {
			r.maxDelay = max
		}
	}
}

type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Rabbit publishes and consumes deferred listings on one durable queue.
type Rabbit struct {
	conn        *amqp.Connection
	channel     channel
	queue       string
	retryQueue  string
	maxAttempts int
	retryDelay  time.Duration
	maxDelay    time.Duration
	parker      Parker
	logger      *zap.Logger
	done        chan struct{}
	closeOnce   sync.Once
}

// Dial connects, opens a channel and declares the work and retry queues.
func Dial(url, queue string, maxAttempts int, logger *zap.Logger, opts ...Option) (*Rabbit, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	r, err := newRabbit(ch, queue, maxAttempts, logger, opts...)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	r.conn = conn
	return r, nil
}

func newRabbit(ch channel, queue string, maxAttempts int, logger *zap.Logger, opts ...Option) (*Rabbit, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Rabbit{
		channel:     ch,
		queue:       queue,
		retryQueue:  queue + ".retry",
		maxAttempts: maxAttempts,
		retryDelay:  defaultRetryDelay,
		maxDelay:    defaultMaxDelay,
		logger:      logger,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	// expired retries dead-letter through the default exchange into the work queue
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}
	if _, err := ch.QueueDeclare(r.retryQueue, true, false, false, false, retryArgs); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", r.retryQueue, err)
	}
	return r, nil
}

// backoff is the wait before delivery number attempts+1.
func (r *Rabbit) backoff(attempts int) time.Duration {
	d := r.retryDelay
	for i := 0; i < attempts && d < r.maxDelay; i++ {
		d *= 2
	}
	if d > r.maxDelay {
		d = r.maxDelay
	}
	return d
}

// Defer enqueues l for later reprocessing, after the first retry delay.
func (r *Rabbit) Defer(ctx context.Context, l model.Listing, reason error) error {
	msg := Deferred{Listing: l, DeferredAt: time.Now().UTC()}
	if reason != nil {
		msg.Reason = reason.Error()
	}
	return r.publish(ctx, msg)
}

// publish parks d in the retry queue; the broker moves it to the work queue
// once its TTL expires.
func (r *Rabbit) publish(ctx context.Context, d Deferred) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	delay := r.backoff(d.Attempts)
	err = r.channel.PublishWithContext(ctx, "", r.retryQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    d.Listing.ID,
		Timestamp:    d.DeferredAt,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Body:         body,
	})
	if err != nil {
		metrics.IncError("queue", "publish_failed")
		r.logger.Error("queue.publish_failed",
			zap.String("listing_id", d.Listing.ID),
			zap.String("vendor", d.Listing.Vendor),
			zap.Error(err),
		)
		return fmt.Errorf("queue: publish %s: %w", d.Listing.ID, err)
	}
	r.logger.Info("queue.listing_deferred",
		zap.String("listing_id", d.Listing.ID),
		zap.String("vendor", d.Listing.Vendor),
		zap.Int("attempts", d.Attempts),
		zap.Duration("delay", delay),
		zap.String("reason", d.Reason),
	)
	return nil
}

// Start consumes the queue in the background until ctx is done or Close is called.
func (r *Rabbit) Start(ctx context.Context, handle Handler) error {
	msgs, err := r.channel.Consume(r.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", r.queue, err)
	}
	r.logger.Info("queue.consumer_started", zap.String("queue", r.queue))
	go r.consume(ctx, msgs, handle)
	return nil
}

func (r *Rabbit) consume(ctx context.Context, msgs <-chan amqp.Delivery, handle Handler) {
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				r.logger.Warn("queue.channel_closed", zap.String("queue", r.queue))
				return
			}
			r.handle(ctx, msg, handle)
		}
	}
}

// handle acks on success. A failed listing goes back through the retry queue
// with one more attempt until maxAttempts, after which it is parked. It is only
// requeued when neither step succeeds.
func (r *Rabbit) handle(ctx context.Context, msg amqp.Delivery, handle Handler) {
	var d Deferred
	if err := json.Unmarshal(msg.Body, &d); err != nil {
		metrics.DeferredDeliveries.WithLabelValues("error").Inc()
		r.logger.Error("queue.decode_failed", zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}

	err := handle(ctx, d.Listing)
	if err == nil {
		metrics.DeferredDeliveries.WithLabelValues("ok").Inc()
		_ = msg.Ack(false)
		return
	}

	d.Attempts++
	d.Reason = err.Error()
	d.DeferredAt = time.Now().UTC()
	log := r.logger.With(
		zap.String("listing_id", d.Listing.ID),
		zap.String("vendor", d.Listing.Vendor),
		zap.Int("attempts", d.Attempts),
		zap.Error(err),
	)

	if d.Attempts >= r.maxAttempts {
		if r.parker == nil {
			metrics.DeferredDeliveries.WithLabelValues("error").Inc()
			log.Error("queue.listing_abandoned")
			_ = msg.Nack(false, false)
			return
		}
		if perr := r.parker.PutUnmatched(ctx, d.Listing, model.ReasonDeferred); perr != nil {
			metrics.DeferredDeliveries.WithLabelValues("error").Inc()
			log.Error("queue.park_failed", zap.NamedError("park_error", perr))
			_ = msg.Nack(false, true)
			return
		}
		metrics.DeferredDeliveries.WithLabelValues("parked").Inc()
		log.Warn("queue.listing_parked")
		_ = msg.Ack(false)
		return
	}

	if perr := r.publish(ctx, d); perr != nil {
		metrics.DeferredDeliveries.WithLabelValues("error").Inc()
		log.Warn("queue.republish_failed", zap.NamedError("publish_error", perr))
		_ = msg.Nack(false, true)
		return
	}
	metrics.DeferredDeliveries.WithLabelValues("retried").Inc()
	_ = msg.Ack(false)
}

func (r *Rabbit) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
