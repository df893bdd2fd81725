package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/pricewatch/pkg/model"
)

// mockJetStream records published messages.
type mockJetStream struct {
	published []*nats.Msg
	fail      bool
}

func (m *mockJetStream) PublishMsg(msg *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if m.fail {
		return nil, errors.New("mock publish error")
	}
	m.published = append(m.published, msg)
	return &nats.PubAck{Stream: "mock-stream"}, nil
}

func newTestPublisher(js *mockJetStream) *Publisher {
	return &Publisher{js: js, subject: AlertSubject, service: "pricewatch"}
}

func testAlert() model.Alert {
	return model.Alert{
		ID:        uuid.NewString(),
		ProductID: "p1",
		Type:      model.AlertPriceDrop,
		Severity:  model.SeverityHigh,
		Payload:   map[string]any{"delta": -4000000, "delta_pct": "-20"},
		CreatedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestDispatch_PublishesEnvelope(t *testing.T) {
	js := &mockJetStream{}
	p := newTestPublisher(js)
	a := testAlert()

	require.NoError(t, p.Dispatch(context.Background(), a))
	require.Len(t, js.published, 1)

	msg := js.published[0]
	assert.Equal(t, AlertSubject, msg.Subject)
	assert.Equal(t, "pricewatch.alert", msg.Header.Get("event_type"))
	assert.Equal(t, "pricewatch", msg.Header.Get("service"))
	assert.Equal(t, a.ID, msg.Header.Get(nats.MsgIdHdr))

	var env model.Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, a.ID, env.ID.String())
	assert.Equal(t, "pricewatch", env.Source)

	var got model.Alert
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	assert.Equal(t, "p1", got.ProductID)
	assert.Equal(t, model.AlertPriceDrop, got.Type)
	assert.Equal(t, "-20", got.Payload["delta_pct"])
}

func TestDispatch_NonUUIDAlertIDIsStable(t *testing.T) {
	js := &mockJetStream{}
	p := newTestPublisher(js)
	a := testAlert()
	a.ID = "legacy-alert-1"

	require.NoError(t, p.Dispatch(context.Background(), a))
	require.NoError(t, p.Dispatch(context.Background(), a))
	require.Len(t, js.published, 2)
	assert.Equal(t, js.published[0].Header.Get(nats.MsgIdHdr), js.published[1].Header.Get(nats.MsgIdHdr))
}

func TestDispatch_PublishError(t *testing.T) {
	p := newTestPublisher(&mockJetStream{fail: true})
	err := p.Dispatch(context.Background(), testAlert())
	assert.Error(t, err)
}

func TestPublishEnvelope_DefaultSubject(t *testing.T) {
	js := &mockJetStream{}
	p := newTestPublisher(js)

	env := &model.Envelope{ID: uuid.New(), CorrelationID: uuid.New(), EventType: "pricewatch.test"}
	require.NoError(t, p.PublishEnvelope(context.Background(), "", env))
	require.Len(t, js.published, 1)
	assert.Equal(t, AlertSubject, js.published[0].Subject)
	assert.Equal(t, env.CorrelationID.String(), js.published[0].Header.Get("correlation_id"))
}

func TestClose_NilConn(t *testing.T) {
	p := newTestPublisher(&mockJetStream{})
	assert.NotPanics(t, p.Close)
}
