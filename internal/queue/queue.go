// Package queue provides the durable message broker abstraction every
// stage of the pipeline uses to hand work to the next stage: the
// Gateway publishes frames, PipelineWorkers publish branch verdicts,
// the DecisionFuser publishes actions and saved actions, and the
// ServerManager consumes the saved actions. The Pub/Sub-backed
// implementation creates
// topics and subscriptions on demand, so a fresh deployment needs no
// provisioning step.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/circuitbreaker"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/metrics"
)

// Queue names. Pipeline-scoped queues are formatted with PipelineQueue.
const (
	QueueClientsData = "clients_data"
	QueueActions     = "actions"
	QueueSavedActions = "saved_actions"
	QueueFaceResults = "face_pipeline_results"
	QueuePhoneResults = "phone_pipeline_results"
)

// PipelineQueue names a per-pipeline branch queue, e.g.
// PipelineQueue(3, "face") == "pipeline_3_face_data".
func PipelineQueue(pipelineID int, branch string) string {
	return fmt.Sprintf("pipeline_%d_%s_data", pipelineID, branch)
}

// Envelope is the CloudEvents-shaped wrapper around every queue
// message. Data carries the stage-specific JSON payload (FrameEnvelope,
// FaceVerdict, PhoneVerdict, Action, SavedAction).
type Envelope struct {
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Source      string          `json:"source"`
	ID          string          `json:"id"`
	Time        time.Time       `json:"time"`
	Subject     string          `json:"subject"`
	Data        json.RawMessage `json:"data"`
}

// NewEnvelope builds an Envelope for payload, marshaling it to Data.
// subject is typically the client name, used as the ordering key.
func NewEnvelope(eventType, source, subject string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("queue: marshal payload: %w", err)
	}
	return Envelope{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}, nil
}

// Unmarshal decodes Data into dst.
func (e Envelope) Unmarshal(dst any) error {
	return json.Unmarshal(e.Data, dst)
}

// Handler processes one delivered envelope. Returning an error leaves
// the message unacked so the broker redelivers it.
type Handler func(ctx context.Context, env Envelope) error

// Broker is the capability every producing/consuming stage depends on.
type Broker interface {
	Publish(ctx context.Context, queue string, env Envelope) error
	Subscribe(ctx context.Context, queue string, handler Handler) error
	Close() error
}

// PubSubBroker implements Broker on top of Google Cloud Pub/Sub. Every
// queue name maps to a topic of the same name and a single subscription
// "<queue>-sub", both created lazily on first use.
type PubSubBroker struct {
	client  *pubsub.Client
	breaker *circuitbreaker.CircuitBreaker

	// MaxRetries and RetryBackoff bound the fixed-backoff retry loop
	// around each Publish attempt. Composition roots overwrite them
	// from the queue profile section.
	MaxRetries   int
	RetryBackoff time.Duration

	topics map[string]*pubsub.Topic
}

// NewPubSubBroker dials Pub/Sub for projectID. breaker guards every
// Publish call; pass nil to run unprotected (tests only).
func NewPubSubBroker(ctx context.Context, projectID string, breaker *circuitbreaker.CircuitBreaker) (*PubSubBroker, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("queue: pubsub.NewClient: %w", err)
	}
	return &PubSubBroker{
		client:       client,
		breaker:      breaker,
		MaxRetries:   3,
		RetryBackoff: 250 * time.Millisecond,
		topics:       make(map[string]*pubsub.Topic),
	}, nil
}

func (b *PubSubBroker) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t := b.client.Topic(name)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: topic exists check %q: %w", name, err)
	}
	if !exists {
		t, err = b.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("queue: create topic %q: %w", name, err)
		}
	}
	t.EnableMessageOrdering = true
	b.topics[name] = t
	return t, nil
}

// Publish sends env to queue, ordering messages by env.Subject so that
// per-client frame order is preserved within a single branch.
func (b *PubSubBroker) Publish(ctx context.Context, queue string, env Envelope) error {
	do := func() (any, error) {
		t, err := b.topic(ctx, queue)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal envelope: %w", err)
		}
		result := t.Publish(ctx, &pubsub.Message{
			Data:        payload,
			OrderingKey: env.Subject,
		})
		go func() {
			if _, err := result.Get(ctx); err != nil {
				slog.Error("queue: publish failed", "queue", queue, "id", env.ID, "error", err)
			}
		}()
		return nil, nil
	}

	var err error
	for attempt := 0; ; attempt++ {
		if b.breaker == nil {
			_, err = do()
		} else {
			_, err = b.breaker.Execute(do)
		}
		if err == nil {
			return nil
		}
		if attempt >= b.MaxRetries || ctx.Err() != nil {
			return err
		}
		slog.Warn("queue: publish attempt failed, retrying", "queue", queue, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(b.RetryBackoff):
		}
	}
}

// Subscribe creates "<queue>-sub" if missing and runs handler for every
// delivered message until ctx is cancelled. Subscribe blocks; call it
// from its own goroutine.
func (b *PubSubBroker) Subscribe(ctx context.Context, queue string, handler Handler) error {
	t, err := b.topic(ctx, queue)
	if err != nil {
		return err
	}
	subID := queue + "-sub"
	sub := b.client.Subscription(subID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("queue: subscription exists check %q: %w", subID, err)
	}
	if !exists {
		sub, err = b.client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
			Topic:                 t,
			EnableMessageOrdering: true,
			AckDeadline:           30 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("queue: create subscription %q: %w", subID, err)
		}
	}

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("queue: handler panicked, nacking", "queue", queue, "panic", r)
				metrics.QueueConsumeTotal.WithLabelValues(queue, "panic").Inc()
				m.Nack()
			}
		}()
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			slog.Error("queue: malformed envelope, dropping", "queue", queue, "error", err)
			metrics.QueueConsumeTotal.WithLabelValues(queue, "malformed").Inc()
			m.Ack()
			return
		}
		if err := handler(ctx, env); err != nil {
			slog.Warn("queue: handler failed, nacking", "queue", queue, "id", env.ID, "error", err)
			metrics.QueueConsumeTotal.WithLabelValues(queue, "nack").Inc()
			m.Nack()
			return
		}
		metrics.QueueConsumeTotal.WithLabelValues(queue, "ok").Inc()
		m.Ack()
	})
}

// Close releases the underlying Pub/Sub client.
func (b *PubSubBroker) Close() error {
	return b.client.Close()
}
