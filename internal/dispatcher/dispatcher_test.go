package dispatcher

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/domain"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/queue"
)

type fakeBroker struct {
	mu        sync.Mutex
	published map[string]int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: make(map[string]int)}
}

func (b *fakeBroker) Publish(_ context.Context, q string, _ queue.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[q]++
	return nil
}

func (b *fakeBroker) Subscribe(context.Context, string, queue.Handler) error { return nil }
func (b *fakeBroker) Close() error                                          { return nil }

func frameEnvelope(t *testing.T, clientName string) queue.Envelope {
	t.Helper()
	env, err := queue.NewEnvelope("com.gateway.frame", "gateway", clientName, domain.FrameEnvelope{ClientName: clientName})
	require.NoError(t, err)
	return env
}

func TestDispatcher_RoundRobinsEvenlyAcrossPipelines(t *testing.T) {
	broker := newFakeBroker()
	d := New(broker, 3)

	const k = 5
	for i := 0; i < 3*k; i++ {
		require.NoError(t, d.handle(context.Background(), frameEnvelope(t, "obama")))
	}

	for pipelineID := 0; pipelineID < 3; pipelineID++ {
		for _, branch := range []string{"face", "phone"} {
			q := queue.PipelineQueue(pipelineID, branch)
			assert.Equal(t, k, broker.published[q], "pipeline %d branch %s should receive exactly k envelopes", pipelineID, branch)
		}
	}
}

func TestDispatcher_EveryFramePublishesToBothBranches(t *testing.T) {
	broker := newFakeBroker()
	d := New(broker, 1)

	require.NoError(t, d.handle(context.Background(), frameEnvelope(t, "obama")))

	assert.Equal(t, 1, broker.published[queue.PipelineQueue(0, "face")])
	assert.Equal(t, 1, broker.published[queue.PipelineQueue(0, "phone")])
}

func TestDispatcher_DropsEnvelopeMissingClientName(t *testing.T) {
	broker := newFakeBroker()
	d := New(broker, 2)

	env := frameEnvelope(t, "")
	require.NoError(t, d.handle(context.Background(), env))

	assert.Empty(t, broker.published, "a frame with no client_name must be dropped, not routed")
}

func TestDispatcher_DropsMalformedEnvelope(t *testing.T) {
	broker := newFakeBroker()
	d := New(broker, 2)

	env := queue.Envelope{Data: []byte("not json")}
	assert.NoError(t, d.handle(context.Background(), env), "a malformed envelope must be dropped, not returned as an error")
	assert.Empty(t, broker.published)
}

func TestNew_NonPositivePipelineCountDefaultsToOne(t *testing.T) {
	broker := newFakeBroker()
	d := New(broker, 0)

	require.NoError(t, d.handle(context.Background(), frameEnvelope(t, "obama")))
	assert.Equal(t, 1, broker.published[queue.PipelineQueue(0, "face")])
}
