package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/pricewatch/pkg/model"
)

type mockChannel struct {
	mu         sync.Mutex
	declared   []string
	args       map[string]amqp.Table
	routes     []string
	published  []amqp.Publishing
	publishErr error
	deliveries chan amqp.Delivery
	closed     bool
}

func newMockChannel() *mockChannel {
	return &mockChannel{deliveries: make(chan amqp.Delivery, 8), args: map[string]amqp.Table{}}
}

func (m *mockChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	m.declared = append(m.declared, name)
	m.args[name] = args
	return amqp.Queue{Name: name}, nil
}

func (m *mockChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.routes = append(m.routes, key)
	m.published = append(m.published, msg)
	return nil
}

func (m *mockChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return m.deliveries, nil
}

func (m *mockChannel) Close() error {
	m.closed = true
	return nil
}

func (m *mockChannel) publishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

type mockAck struct {
	mu      sync.Mutex
	acked   int
	nacked  int
	requeue bool
}

func (a *mockAck) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *mockAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	a.requeue = requeue
	return nil
}

func (a *mockAck) Reject(uint64, bool) error { return nil }

type mockParker struct {
	err     error
	parked  []model.Listing
	reasons []model.UnmatchedReason
}

func (p *mockParker) PutUnmatched(_ context.Context, l model.Listing, reason model.UnmatchedReason) error {
	if p.err != nil {
		return p.err
	}
	p.parked = append(p.parked, l)
	p.reasons = append(p.reasons, reason)
	return nil
}

func failing(context.Context, model.Listing) error { return errors.New("still down") }

func delivery(t *testing.T, ack *mockAck, d Deferred) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(d)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}
}

func testListing() model.Listing {
	return model.Listing{ID: "l1", Vendor: "v1", RawTitle: "Galaxy A54", URL: "https://v1/p/1"}
}

func TestDefer_PublishesPersistentMessage(t *testing.T) {
	ch := newMockChannel()
	r, err := newRabbit(ch, "", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultQueue, DefaultQueue + ".retry"}, ch.declared)

	require.NoError(t, r.Defer(context.Background(), testListing(), errors.New("catalog unavailable")))
	require.Len(t, ch.published, 1)

	msg := ch.published[0]
	assert.Equal(t, DefaultQueue+".retry", ch.routes[0])
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "l1", msg.MessageId)
	assert.Equal(t, "30000", msg.Expiration)

	var d Deferred
	require.NoError(t, json.Unmarshal(msg.Body, &d))
	assert.Equal(t, "catalog unavailable", d.Reason)
	assert.Equal(t, "v1", d.Listing.Vendor)
	assert.Zero(t, d.Attempts)
}

func TestNewRabbit_RetryQueueDeadLettersToWorkQueue(t *testing.T) {
	ch := newMockChannel()
	_, err := newRabbit(ch, "q", 3, nil)
	require.NoError(t, err)

	assert.Nil(t, ch.args["q"])
	retry := ch.args["q.retry"]
	require.NotNil(t, retry)
	assert.Equal(t, "", retry["x-dead-letter-exchange"])
	assert.Equal(t, "q", retry["x-dead-letter-routing-key"])
}

func TestBackoff(t *testing.T) {
	ch := newMockChannel()
	r, err := newRabbit(ch, "q", 3, nil, WithRetryDelay(time.Second, 5*time.Second))
	require.NoError(t, err)

	assert.Equal(t, time.Second, r.backoff(0))
	assert.Equal(t, 2*time.Second, r.backoff(1))
	assert.Equal(t, 4*time.Second, r.backoff(2))
	assert.Equal(t, 5*time.Second, r.backoff(3))
	assert.Equal(t, 5*time.Second, r.backoff(40))
}

func TestDefer_PublishError(t *testing.T) {
	ch := newMockChannel()
	ch.publishErr = errors.New("channel closed")
	r, err := newRabbit(ch, "q", 3, nil)
	require.NoError(t, err)

	assert.Error(t, r.Defer(context.Background(), testListing(), nil))
}

func TestHandle_SuccessAcks(t *testing.T) {
	ch := newMockChannel()
	r, _ := newRabbit(ch, "q", 3, nil)
	ack := &mockAck{}

	var got model.Listing
	r.handle(context.Background(), delivery(t, ack, Deferred{Listing: testListing()}), func(_ context.Context, l model.Listing) error {
		got = l
		return nil
	})
	assert.Equal(t, "l1", got.ID)
	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ch.publishedCount())
}

func TestHandle_FailureRepublishesWithAttempt(t *testing.T) {
	ch := newMockChannel()
	r, _ := newRabbit(ch, "q", 3, nil, WithRetryDelay(time.Second, time.Minute))
	ack := &mockAck{}

	r.handle(context.Background(), delivery(t, ack, Deferred{Listing: testListing(), Attempts: 1}), failing)
	assert.Equal(t, 1, ack.acked)
	require.Equal(t, 1, ch.publishedCount())

	// the retry waits out its delay before returning to the work queue
	assert.Equal(t, "q.retry", ch.routes[0])
	assert.Equal(t, "4000", ch.published[0].Expiration)

	var d Deferred
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &d))
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, "still down", d.Reason)
}

func TestHandle_ParksAfterMaxAttempts(t *testing.T) {
	ch := newMockChannel()
	parker := &mockParker{}
	r, _ := newRabbit(ch, "q", 3, nil, WithParker(parker))
	ack := &mockAck{}

	// every delivery fails until attempts run out
	d := Deferred{Listing: testListing()}
	for i := 0; i < 3; i++ {
		r.handle(context.Background(), delivery(t, ack, d), failing)
		d.Attempts++
	}

	assert.Equal(t, 3, ack.acked)
	assert.Zero(t, ack.nacked)
	assert.Equal(t, 2, ch.publishedCount())
	require.Len(t, parker.parked, 1)
	assert.Equal(t, "l1", parker.parked[0].ID)
	assert.Equal(t, model.ReasonDeferred, parker.reasons[0])
}

func TestHandle_ParkFailureRequeues(t *testing.T) {
	ch := newMockChannel()
	r, _ := newRabbit(ch, "q", 3, nil, WithParker(&mockParker{err: errors.New("db down")}))
	ack := &mockAck{}

	r.handle(context.Background(), delivery(t, ack, Deferred{Listing: testListing(), Attempts: 2}), failing)
	assert.Zero(t, ack.acked)
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestHandle_RejectsAfterMaxAttemptsWithoutParker(t *testing.T) {
	ch := newMockChannel()
	r, _ := newRabbit(ch, "q", 3, nil)
	ack := &mockAck{}

	r.handle(context.Background(), delivery(t, ack, Deferred{Listing: testListing(), Attempts: 2}), failing)
	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeue)
	assert.Zero(t, ch.publishedCount())
}

func TestHandle_BadBodyRejected(t *testing.T) {
	ch := newMockChannel()
	r, _ := newRabbit(ch, "q", 3, nil)
	ack := &mockAck{}

	r.handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("nope")}, func(context.Context, model.Listing) error {
		t.Fatal("handler must not run")
		return nil
	})
	assert.Equal(t, 1, ack.nacked)
}

func TestStart_ConsumesUntilClosed(t *testing.T) {
	ch := newMockChannel()
	r, _ := newRabbit(ch, "q", 3, nil)
	ack := &mockAck{}

	handled := make(chan string, 1)
	require.NoError(t, r.Start(context.Background(), func(_ context.Context, l model.Listing) error {
		handled <- l.ID
		return nil
	}))

	ch.deliveries <- delivery(t, ack, Deferred{Listing: testListing()})
	select {
	case id := <-handled:
		assert.Equal(t, "l1", id)
	case <-time.After(time.Second):
		t.Fatal("delivery not handled")
	}

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, ch.closed)
}
