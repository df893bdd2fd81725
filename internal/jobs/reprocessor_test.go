package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/pricewatch/internal/orchestrator"
	"github.com/Checker-Finance/pricewatch/pkg/model"
)

type fakeRunner struct {
	calls atomic.Int64
	stats orchestrator.CycleStats
	err   error
}

func (f *fakeRunner) Reprocess(context.Context) (orchestrator.CycleStats, error) {
	f.calls.Add(1)
	return f.stats, f.err
}

type fakePublisher struct {
	mu   sync.Mutex
	envs []*model.Envelope
	subj []string
}

func (f *fakePublisher) PublishEnvelope(_ context.Context, subject string, env *model.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subj = append(f.subj, subject)
	f.envs = append(f.envs, env)
	return nil
}

func TestReprocessor_RunOncePublishesSummary(t *testing.T) {
	runner := &fakeRunner{stats: orchestrator.CycleStats{Fetched: 5, Created: 1, Attached: 2, Unattributed: 2}}
	pub := &fakePublisher{}
	r := NewReprocessor(nil, runner, pub, time.Minute)

	r.RunOnce(context.Background())

	require.Len(t, pub.envs, 1)
	assert.Equal(t, ReprocessedSubject, pub.subj[0])
	var payload map[string]any
	require.NoError(t, json.Unmarshal(pub.envs[0].Payload, &payload))
	assert.EqualValues(t, 5, payload["pending"])
	assert.EqualValues(t, 2, payload["still_unmatched"])
}

func TestReprocessor_FailureSkipsEvent(t *testing.T) {
	runner := &fakeRunner{err: errors.New("db down")}
	pub := &fakePublisher{}
	r := NewReprocessor(nil, runner, pub, time.Minute)

	r.RunOnce(context.Background())
	assert.Empty(t, pub.envs)
}

func TestReprocessor_StartStop(t *testing.T) {
	runner := &fakeRunner{}
	r := NewReprocessor(nil, runner, nil, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool { return runner.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reprocessor did not stop")
	}
}

func TestReprocessor_StopsOnContextCancel(t *testing.T) {
	r := NewReprocessor(nil, &fakeRunner{}, nil, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reprocessor did not stop")
	}
}
