// Package fuser implements the DecisionFuser component: it consumes
// face and phone branch verdicts independently (there is no
// correlation table pairing them by frame) and derives an enforcement
// Action per verdict. Any action other than NO_ACTION also produces a
// SavedAction: the source frame re-encoded with the triggering
// bounding box drawn on it, published to saved_actions for the
// ServerManager to persist.
package fuser

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"time"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/domain"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/metrics"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/objectstore"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/queue"
)

// Fuser derives actions from branch verdicts and publishes both the
// action and, when warranted, a saved-action record.
type Fuser struct {
	broker queue.Broker
	store  objectstore.Store
}

// New builds a Fuser.
func New(broker queue.Broker, store objectstore.Store) *Fuser {
	return &Fuser{broker: broker, store: store}
}

// Run subscribes to both branch result queues and blocks until ctx is
// cancelled.
func (f *Fuser) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- f.broker.Subscribe(ctx, queue.QueueFaceResults, f.handleFace) }()
	go func() { errCh <- f.broker.Subscribe(ctx, queue.QueuePhoneResults, f.handlePhone) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Fuser) handleFace(ctx context.Context, env queue.Envelope) error {
	var v domain.FaceVerdict
	if err := env.Unmarshal(&v); err != nil {
		slog.Warn("fuser: malformed face verdict, dropping", "error", err)
		return nil
	}

	action, reason := deriveFaceAction(v)
	return f.emit(ctx, "face", v.ClientName, v.SendTime, v.ObjectKey, v.Bucket, v.FaceBBox, action, reason, color.RGBA{0, 200, 0, 255})
}

func (f *Fuser) handlePhone(ctx context.Context, env queue.Envelope) error {
	var v domain.PhoneVerdict
	if err := env.Unmarshal(&v); err != nil {
		slog.Warn("fuser: malformed phone verdict, dropping", "error", err)
		return nil
	}

	action, reason := derivePhoneAction(v)
	if action == domain.ActionNoAction {
		// Phone branch suppresses NO_ACTION entirely: an absent phone is
		// not newsworthy the way an absent face is.
		return nil
	}
	return f.emit(ctx, "phone", v.ClientName, v.SendTime, v.ObjectKey, v.Bucket, v.PhoneBBox, action, reason, color.RGBA{220, 0, 0, 255})
}

// deriveFaceAction maps a face verdict to its enforcement action. The face
// branch always emits a verdict, including NO_ACTION, because a
// missing face is itself the condition an operator needs signaled.
func deriveFaceAction(v domain.FaceVerdict) (int, int) {
	if v.ProcessingError != "" {
		return domain.ActionError, domain.ReasonEmpty
	}
	if !v.DetectionSuccess {
		return domain.ActionLockScreen, domain.ReasonNoFace
	}
	if v.CheckSpoof != nil && *v.CheckSpoof {
		return domain.ActionSignOut, domain.ReasonSpoofImage
	}
	if v.CheckClient != nil && !*v.CheckClient {
		return domain.ActionLockScreen, domain.ReasonWrongUser
	}
	return domain.ActionNoAction, domain.ReasonEmpty
}

// derivePhoneAction maps a phone verdict to its enforcement action.
func derivePhoneAction(v domain.PhoneVerdict) (int, int) {
	if v.ProcessingError != "" {
		return domain.ActionNoAction, domain.ReasonEmpty
	}
	if v.PhoneBBox != nil {
		return domain.ActionSignOut, domain.ReasonPhoneDetection
	}
	return domain.ActionNoAction, domain.ReasonEmpty
}

func (f *Fuser) emit(ctx context.Context, branch, clientName string, sendTime time.Time, objectKey, bucket string, bbox *domain.BBox, action, reason int, boxColor color.RGBA) error {
	finish := time.Now().UTC()
	a := domain.Action{
		ClientName: clientName,
		Action:     action,
		Reason:     reason,
		SendTime:   sendTime,
		FinishTime: finish,
	}

	out, err := queue.NewEnvelope("com.pipeline.action", "decisionfuser", clientName, a)
	if err != nil {
		return fmt.Errorf("fuser: build action envelope: %w", err)
	}
	if err := f.broker.Publish(ctx, queue.QueueActions, out); err != nil {
		return fmt.Errorf("fuser: publish action: %w", err)
	}
	metrics.ActionsEmittedTotal.WithLabelValues(domain.ActionName(action)).Inc()

	if action == domain.ActionNoAction {
		return nil
	}

	saved, err := f.buildSavedAction(ctx, branch, a, objectKey, bucket, bbox, boxColor)
	if err != nil {
		slog.Warn("fuser: could not build saved action, action still delivered", "client", clientName, "error", err)
		return nil
	}

	savedEnv, err := queue.NewEnvelope("com.pipeline.saved_action", "decisionfuser", clientName, saved)
	if err != nil {
		return fmt.Errorf("fuser: build saved action envelope: %w", err)
	}
	return f.broker.Publish(ctx, queue.QueueSavedActions, savedEnv)
}

// buildSavedAction hydrates the source frame, draws the triggering
// bbox, and packages the annotated JPEG with its deterministic
// destination key. The actual object-store write is the ServerManager's
// saved-action writer's job — the fuser only publishes.
func (f *Fuser) buildSavedAction(ctx context.Context, branch string, a domain.Action, objectKey, bucket string, bbox *domain.BBox, boxColor color.RGBA) (domain.SavedAction, error) {
	raw, err := f.store.Get(ctx, bucket, objectKey)
	if err != nil {
		return domain.SavedAction{}, fmt.Errorf("hydrate source frame: %w", err)
	}

	annotated, err := annotate(raw, bbox, boxColor)
	if err != nil {
		return domain.SavedAction{}, fmt.Errorf("annotate frame: %w", err)
	}

	return domain.SavedAction{
		Action:          a,
		SourceObjectKey: objectKey,
		SourceBucket:    bucket,
		SavedObjectKey:  domain.SavedActionKey(a.ClientName, a.Action, a.Reason, a.FinishTime),
		AnnotatedBucket: bucket,
		AnnotatedImage:  annotated,
		Branch:          branch,
	}, nil
}

// annotate decodes raw as a JPEG, draws a 3px outline of bbox in
// boxColor if bbox is non-nil, and re-encodes as JPEG. A nil bbox
// (e.g. NO_FACE) returns the source frame unmodified.
func annotate(raw []byte, bbox *domain.BBox, boxColor color.RGBA) ([]byte, error) {
	if bbox == nil {
		return raw, nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	drawBox(rgba, *bbox, boxColor, 3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

func drawBox(img *image.RGBA, b domain.BBox, c color.RGBA, thickness int) {
	for t := 0; t < thickness; t++ {
		hLine(img, b.X1, b.X2, b.Y1+t, c)
		hLine(img, b.X1, b.X2, b.Y2-t, c)
		vLine(img, b.Y1, b.Y2, b.X1+t, c)
		vLine(img, b.Y1, b.Y2, b.X2-t, c)
	}
}

func hLine(img *image.RGBA, x1, x2, y int, c color.RGBA) {
	bounds := img.Bounds()
	if y < bounds.Min.Y || y >= bounds.Max.Y {
		return
	}
	for x := x1; x <= x2; x++ {
		if x < bounds.Min.X || x >= bounds.Max.X {
			continue
		}
		img.SetRGBA(x, y, c)
	}
}

func vLine(img *image.RGBA, y1, y2, x int, c color.RGBA) {
	bounds := img.Bounds()
	if x < bounds.Min.X || x >= bounds.Max.X {
		return
	}
	for y := y1; y <= y2; y++ {
		if y < bounds.Min.Y || y >= bounds.Max.Y {
			continue
		}
		img.SetRGBA(x, y, c)
	}
}
