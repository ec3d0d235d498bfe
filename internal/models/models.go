// Package models is the stateless façade over the four inference
// primitives the pipeline calls: face detection, face identification
// against a reference embedding, anti-spoof classification, and phone
// detection. Each is a function type so a concrete backend (native
// library binding, RPC to a model server, or a test double) can be
// swapped in without touching pipeline logic. Warmup failures are
// fatal: a process that cannot exercise its model once at startup is
// misconfigured, not degraded.
package models

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/domain"
)

// FaceDetector locates the single most prominent face in frame, if any.
type FaceDetector func(ctx context.Context, frame []byte) (*domain.BBox, bool, error)

// FaceIdentifier compares a detected face crop's embedding against a
// reference embedding and returns the similarity/distance metric value.
type FaceIdentifier func(ctx context.Context, faceCrop []byte, reference []float32, metric string) (float64, error)

// SpoofClassifier reports whether a face crop depicts a live subject
// and a confidence score for that classification. A patch counts as
// spoofed iff isReal is false and score is at or above the configured
// threshold — a low-confidence "not real" is not enough on its own.
type SpoofClassifier func(ctx context.Context, faceCrop []byte) (isReal bool, score float64, err error)

// PhoneDetector locates a phone-like object in frame, if any, returning
// its bounding box and confidence.
type PhoneDetector func(ctx context.Context, frame []byte) (*domain.BBox, float64, bool, error)

// Runners bundles the four model façades plus the thresholds the face
// branch needs to turn raw scores into booleans.
type Runners struct {
	Detect   FaceDetector
	Identify FaceIdentifier
	Spoof    SpoofClassifier
	Phone    PhoneDetector

	FaceThreshold  float64
	SpoofThreshold float64
	PhoneThreshold float64
	DistanceMetric string
}

// Warmup runs the configured face detector, spoof classifier and phone
// detector once against probeFrame to surface missing weights or broken
// bindings before the process starts accepting real traffic; the
// identifier is not warmed up. A warmup failure is fatal.
func (r *Runners) Warmup(ctx context.Context, probeFrame []byte) {
	if r.Detect != nil {
		if _, _, err := r.Detect(ctx, probeFrame); err != nil {
			fatal("face detector warmup failed", err)
		}
	}
	if r.Spoof != nil {
		if _, _, err := r.Spoof(ctx, probeFrame); err != nil {
			fatal("spoof classifier warmup failed", err)
		}
	}
	if r.Phone != nil {
		if _, _, _, err := r.Phone(ctx, probeFrame); err != nil {
			fatal("phone detector warmup failed", err)
		}
	}
	slog.Info("models: warmup complete")
}

func fatal(msg string, err error) {
	slog.Error("models: "+msg, "error", err)
	os.Exit(1)
}

// RunFaceBranch executes the full face pipeline for one frame against
// one client's reference embedding: detect, then (if detected)
// classify liveness and identify, yielding a populated FaceVerdict.
func (r *Runners) RunFaceBranch(ctx context.Context, clientName string, frame []byte, reference []float32) domain.FaceVerdict {
	verdict := domain.FaceVerdict{ClientName: clientName}

	bbox, found, err := r.Detect(ctx, frame)
	if err != nil {
		verdict.ProcessingError = fmt.Sprintf("detect: %v", err)
		return verdict
	}
	if !found {
		verdict.DetectionSuccess = false
		return verdict
	}
	verdict.DetectionSuccess = true
	verdict.FaceBBox = bbox

	crop := cropFrame(frame, bbox)

	isReal, spoofScore, err := r.Spoof(ctx, crop)
	if err != nil {
		verdict.ProcessingError = fmt.Sprintf("spoof: %v", err)
		return verdict
	}
	isSpoofed := !isReal && spoofScore >= r.SpoofThreshold
	verdict.CheckSpoof = &isSpoofed
	if isSpoofed {
		return verdict
	}

	if reference == nil {
		checkClient := false
		verdict.CheckClient = &checkClient
		return verdict
	}

	metricValue, err := r.Identify(ctx, crop, reference, r.DistanceMetric)
	if err != nil {
		verdict.ProcessingError = fmt.Sprintf("identify: %v", err)
		return verdict
	}
	verdict.RecognitionMetricValue = &metricValue
	verdict.Threshold = &r.FaceThreshold

	var checkClient bool
	if r.DistanceMetric == "euclidean" {
		checkClient = metricValue <= r.FaceThreshold
	} else {
		checkClient = metricValue >= r.FaceThreshold
	}
	verdict.CheckClient = &checkClient
	return verdict
}

// RunPhoneBranch executes the phone-detection pipeline for one frame.
func (r *Runners) RunPhoneBranch(ctx context.Context, clientName string, frame []byte) domain.PhoneVerdict {
	verdict := domain.PhoneVerdict{ClientName: clientName}

	bbox, confidence, found, err := r.Phone(ctx, frame)
	if err != nil {
		verdict.ProcessingError = fmt.Sprintf("phone detect: %v", err)
		return verdict
	}
	if !found || confidence < r.PhoneThreshold {
		return verdict
	}
	verdict.PhoneBBox = bbox
	verdict.PhoneConfidence = &confidence
	return verdict
}

// cropFrame is a placeholder crop used when the detector does not
// already return cropped pixels; real backends typically hand back a
// crop directly and this is a no-op pass-through of the full frame.
func cropFrame(frame []byte, _ *domain.BBox) []byte {
	return frame
}
