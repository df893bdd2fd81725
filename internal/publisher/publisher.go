package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/pricewatch/internal/metrics"
	"github.com/Checker-Finance/pricewatch/pkg/logger"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

const (
	// AlertSubject carries every emitted alert.
	AlertSubject   = "evt.pricewatch.alert.v1"
	alertEventType = "pricewatch.alert"
)

// jetStream is the part of nats.JetStreamContext the publisher needs.
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher wraps a NATS connection and publishes canonical event envelopes.
type Publisher struct {
	nc      *nats.Conn
	js      jetStream
	subject string
	service string
}

// New creates a Publisher on the connection's JetStream context.
func New(nc *nats.Conn, subject, service string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if subject == "" {
		subject = AlertSubject
	}
	return &Publisher{
		nc:      nc,
		js:      js,
		subject: subject,
		service: service,
	}, nil
}

// PublishEnvelope serializes and publishes env. An empty subject uses the default.
func (p *Publisher) PublishEnvelope(_ context.Context, subject string, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		logger.S().Errorw("publisher.marshal_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	if subject == "" {
		subject = p.subject
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
			// lets JetStream drop redeliveries of the same alert
			nats.MsgIdHdr: []string{env.ID.String()},
		},
	}

	_, err = p.js.PublishMsg(msg)
	if err != nil {
		logger.S().Errorw("publisher.publish_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.Dispatches.WithLabelValues("nats", "error").Inc()
		return err
	}

	logger.S().Debugw("publisher.publish_success",
		"subject", subject,
		"event_type", env.EventType,
	)
	metrics.Dispatches.WithLabelValues("nats", "ok").Inc()
	return nil
}

// Dispatch publishes an alert envelope. The envelope id is derived from the alert
// id so a replayed alert is deduplicated by the stream.
func (p *Publisher) Dispatch(ctx context.Context, a model.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	id, err := uuid.Parse(a.ID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(a.ID))
	}
	env := &model.Envelope{
		ID:            id,
		CorrelationID: uuid.New(),
		Topic:         p.subject,
		EventType:     alertEventType,
		Version:       "1.0.0",
		Source:        p.service,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
	return p.PublishEnvelope(ctx, p.subject, env)
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
