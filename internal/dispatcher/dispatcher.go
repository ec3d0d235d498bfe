// Package dispatcher implements the Dispatcher component: it consumes
// every admitted frame from clients_data and fans it out, unmodified,
// to both branch queues of exactly one pipeline, chosen round-robin
// over the configured pipeline count. It holds no per-client state —
// routing is purely a function of a monotonically increasing counter.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/domain"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/metrics"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/queue"
)

// Dispatcher round-robins frames across NumPipelines pipelines.
type Dispatcher struct {
	broker       queue.Broker
	numPipelines int
	next         atomic.Uint64
}

// New builds a Dispatcher targeting numPipelines downstream pipelines.
func New(broker queue.Broker, numPipelines int) *Dispatcher {
	if numPipelines <= 0 {
		numPipelines = 1
	}
	return &Dispatcher{broker: broker, numPipelines: numPipelines}
}

// Run subscribes to clients_data and dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.broker.Subscribe(ctx, queue.QueueClientsData, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, env queue.Envelope) error {
	var frame domain.FrameEnvelope
	if err := env.Unmarshal(&frame); err != nil {
		slog.Warn("dispatcher: malformed frame envelope, dropping", "error", err)
		return nil
	}
	if frame.ClientName == "" {
		slog.Warn("dispatcher: frame missing client_name, dropping")
		return nil
	}

	pipelineID := int(d.next.Add(1)-1) % d.numPipelines

	for _, branch := range []string{"face", "phone"} {
		qname := queue.PipelineQueue(pipelineID, branch)
		out, err := queue.NewEnvelope("com.pipeline.frame", "dispatcher", frame.ClientName, frame)
		if err != nil {
			return fmt.Errorf("dispatcher: build envelope for %s: %w", branch, err)
		}
		if err := d.broker.Publish(ctx, qname, out); err != nil {
			metrics.QueuePublishTotal.WithLabelValues(qname, "error").Inc()
			slog.Error("dispatcher: publish failed", "queue", qname, "client", frame.ClientName, "error", err)
			return err
		}
		metrics.QueuePublishTotal.WithLabelValues(qname, "ok").Inc()
	}
	return nil
}
