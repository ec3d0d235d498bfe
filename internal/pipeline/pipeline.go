// Package pipeline implements the PipelineWorker component: one
// instance owns a pipeline id and runs two independent single-worker
// branch executors, one for face frames and one for phone frames. Each
// executor hydrates the frame bytes from the object store, runs its
// model, and publishes a branch verdict — never crashing the branch on
// a model error, instead emitting a verdict carrying the error so the
// fuser can decide how to degrade.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/domain"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/embeddingcache"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/metrics"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/models"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/objectstore"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/queue"
)

// branchExecutor serializes one branch's model calls on a dedicated
// goroutine draining a depth-1 job channel: at most one model call
// runs at a time per branch, so the face and phone models never
// contend on the GPU within one worker. Consumer callbacks may hold
// many frames in flight; they all queue here for their turn.
type branchExecutor struct {
	jobs chan branchJob
}

type branchJob struct {
	run  func()
	done chan struct{}
}

func newBranchExecutor() *branchExecutor {
	e := &branchExecutor{jobs: make(chan branchJob, 1)}
	go e.loop()
	return e
}

func (e *branchExecutor) loop() {
	for job := range e.jobs {
		job.run()
		close(job.done)
	}
}

// do runs fn on the executor goroutine and waits for it to finish.
// It returns early only when ctx is cancelled before fn was accepted.
func (e *branchExecutor) do(ctx context.Context, fn func()) error {
	job := branchJob{run: fn, done: make(chan struct{})}
	select {
	case e.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-job.done
	return nil
}

// Worker runs the face and phone branch executors for one pipeline id.
type Worker struct {
	ID      int
	broker  queue.Broker
	store   objectstore.Store
	runners *models.Runners
	refs    *embeddingcache.Cache

	faceExec  *branchExecutor
	phoneExec *branchExecutor

	faceQueueDepth  chan struct{}
	phoneQueueDepth chan struct{}
}

// New builds a Worker for pipelineID. queueCapacity bounds each
// branch's in-flight frame count, giving backpressure to the broker
// instead of unbounded goroutine growth; the branch executors then
// serialize the model calls themselves one frame at a time.
func New(pipelineID int, broker queue.Broker, store objectstore.Store, runners *models.Runners, refs *embeddingcache.Cache, queueCapacity int) *Worker {
	if queueCapacity <= 0 {
		queueCapacity = 1
	}
	return &Worker{
		ID:              pipelineID,
		broker:          broker,
		store:           store,
		runners:         runners,
		refs:            refs,
		faceExec:        newBranchExecutor(),
		phoneExec:       newBranchExecutor(),
		faceQueueDepth:  make(chan struct{}, queueCapacity),
		phoneQueueDepth: make(chan struct{}, queueCapacity),
	}
}

// Run subscribes both branch queues and blocks until ctx is cancelled.
// Each branch's Subscribe call runs in its own goroutine so a slow face
// model never stalls phone processing. Within a branch up to
// queueCapacity messages are handled at once and only their model calls
// are serialized, by the branch executor; per-client order comes from
// the subscription's ordering key (the client name).
func (w *Worker) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		errCh <- w.broker.Subscribe(ctx, queue.PipelineQueue(w.ID, "face"), w.handleFace)
	}()
	go func() {
		errCh <- w.broker.Subscribe(ctx, queue.PipelineQueue(w.ID, "phone"), w.handlePhone)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *Worker) handleFace(ctx context.Context, env queue.Envelope) error {
	w.faceQueueDepth <- struct{}{}
	defer func() { <-w.faceQueueDepth }()
	metrics.PipelineQueueDepth.WithLabelValues(fmt.Sprint(w.ID), "face").Set(float64(len(w.faceQueueDepth)))

	var frame domain.FrameEnvelope
	if err := env.Unmarshal(&frame); err != nil {
		slog.Warn("pipeline: malformed face frame, dropping", "pipeline", w.ID, "error", err)
		return nil
	}

	verdict := w.runFace(ctx, frame)

	out, err := queue.NewEnvelope("com.pipeline.face_verdict", fmt.Sprintf("pipeline-%d", w.ID), frame.ClientName, verdict)
	if err != nil {
		return fmt.Errorf("pipeline: build face verdict envelope: %w", err)
	}
	return w.broker.Publish(ctx, queue.QueueFaceResults, out)
}

func (w *Worker) runFace(ctx context.Context, frame domain.FrameEnvelope) domain.FaceVerdict {
	data, err := w.store.Get(ctx, frame.Bucket, frame.ObjectKey)
	if err != nil {
		return domain.FaceVerdict{
			ClientName:      frame.ClientName,
			SendTime:        frame.SendTime,
			ObjectKey:       frame.ObjectKey,
			Bucket:          frame.Bucket,
			ProcessingError: fmt.Sprintf("hydrate frame: %v", err),
		}
	}

	var reference []float32
	if w.refs != nil {
		reference, _ = w.refs.Get(ctx, frame.ClientName)
	}

	var verdict domain.FaceVerdict
	if err := w.faceExec.do(ctx, func() {
		verdict = w.runners.RunFaceBranch(ctx, frame.ClientName, data, reference)
	}); err != nil {
		verdict = domain.FaceVerdict{
			ClientName:      frame.ClientName,
			ProcessingError: fmt.Sprintf("branch executor: %v", err),
		}
	}
	verdict.SendTime = frame.SendTime
	verdict.ObjectKey = frame.ObjectKey
	verdict.Bucket = frame.Bucket
	return verdict
}

func (w *Worker) handlePhone(ctx context.Context, env queue.Envelope) error {
	w.phoneQueueDepth <- struct{}{}
	defer func() { <-w.phoneQueueDepth }()
	metrics.PipelineQueueDepth.WithLabelValues(fmt.Sprint(w.ID), "phone").Set(float64(len(w.phoneQueueDepth)))

	var frame domain.FrameEnvelope
	if err := env.Unmarshal(&frame); err != nil {
		slog.Warn("pipeline: malformed phone frame, dropping", "pipeline", w.ID, "error", err)
		return nil
	}

	verdict := w.runPhone(ctx, frame)

	out, err := queue.NewEnvelope("com.pipeline.phone_verdict", fmt.Sprintf("pipeline-%d", w.ID), frame.ClientName, verdict)
	if err != nil {
		return fmt.Errorf("pipeline: build phone verdict envelope: %w", err)
	}
	return w.broker.Publish(ctx, queue.QueuePhoneResults, out)
}

func (w *Worker) runPhone(ctx context.Context, frame domain.FrameEnvelope) domain.PhoneVerdict {
	data, err := w.store.Get(ctx, frame.Bucket, frame.ObjectKey)
	if err != nil {
		return domain.PhoneVerdict{
			ClientName:      frame.ClientName,
			SendTime:        frame.SendTime,
			ObjectKey:       frame.ObjectKey,
			Bucket:          frame.Bucket,
			ProcessingError: fmt.Sprintf("hydrate frame: %v", err),
		}
	}

	var verdict domain.PhoneVerdict
	if err := w.phoneExec.do(ctx, func() {
		verdict = w.runners.RunPhoneBranch(ctx, frame.ClientName, data)
	}); err != nil {
		verdict = domain.PhoneVerdict{
			ClientName:      frame.ClientName,
			ProcessingError: fmt.Sprintf("branch executor: %v", err),
		}
	}
	verdict.SendTime = frame.SendTime
	verdict.ObjectKey = frame.ObjectKey
	verdict.Bucket = frame.Bucket
	return verdict
}
