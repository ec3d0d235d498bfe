package models

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/domain"
)

func detectorReturning(bbox *domain.BBox, found bool, err error) FaceDetector {
	return func(context.Context, []byte) (*domain.BBox, bool, error) { return bbox, found, err }
}

func spoofReturning(isReal bool, score float64, err error) SpoofClassifier {
	return func(context.Context, []byte) (bool, float64, error) { return isReal, score, err }
}

func identifyReturning(value float64, err error) FaceIdentifier {
	return func(context.Context, []byte, []float32, string) (float64, error) { return value, err }
}

func TestRunFaceBranch_NoFaceDetected(t *testing.T) {
	r := &Runners{Detect: detectorReturning(nil, false, nil)}
	v := r.RunFaceBranch(context.Background(), "obama", nil, nil)

	assert.False(t, v.DetectionSuccess)
	assert.Nil(t, v.FaceBBox)
	assert.Empty(t, v.ProcessingError)
}

func TestRunFaceBranch_DetectErrorSurfacesAsProcessingError(t *testing.T) {
	r := &Runners{Detect: detectorReturning(nil, false, errors.New("model down"))}
	v := r.RunFaceBranch(context.Background(), "obama", nil, nil)

	assert.NotEmpty(t, v.ProcessingError)
}

func TestRunFaceBranch_SpoofedFaceStopsBeforeIdentify(t *testing.T) {
	identifyCalled := false
	r := &Runners{
		Detect:         detectorReturning(&domain.BBox{X2: 10, Y2: 10}, true, nil),
		Spoof:          spoofReturning(false, 0.9, nil),
		SpoofThreshold: 0.6,
		Identify: func(context.Context, []byte, []float32, string) (float64, error) {
			identifyCalled = true
			return 0, nil
		},
	}
	v := r.RunFaceBranch(context.Background(), "obama", nil, []float32{1, 2, 3})

	a := assert.New(t)
	a.True(v.DetectionSuccess)
	a.NotNil(v.CheckSpoof)
	a.True(*v.CheckSpoof)
	a.False(identifyCalled, "identify must not run once spoof check fails")
}

func TestRunFaceBranch_NilReferenceMarksWrongUserWithoutIdentify(t *testing.T) {
	r := &Runners{
		Detect:         detectorReturning(&domain.BBox{X2: 10, Y2: 10}, true, nil),
		Spoof:          spoofReturning(true, 0.1, nil),
		SpoofThreshold: 0.6,
	}
	v := r.RunFaceBranch(context.Background(), "obama", nil, nil)

	assert.NotNil(t, v.CheckClient)
	assert.False(t, *v.CheckClient)
}

func TestRunFaceBranch_CosineMetricAboveThresholdPasses(t *testing.T) {
	r := &Runners{
		Detect:         detectorReturning(&domain.BBox{X2: 10, Y2: 10}, true, nil),
		Spoof:          spoofReturning(true, 0.1, nil),
		SpoofThreshold: 0.6,
		Identify:       identifyReturning(0.8, nil),
		FaceThreshold:  0.5,
		DistanceMetric: "cosine",
	}
	v := r.RunFaceBranch(context.Background(), "obama", nil, []float32{1, 2, 3})

	assert.NotNil(t, v.CheckClient)
	assert.True(t, *v.CheckClient)
}

func TestRunFaceBranch_EuclideanMetricBelowThresholdPasses(t *testing.T) {
	r := &Runners{
		Detect:         detectorReturning(&domain.BBox{X2: 10, Y2: 10}, true, nil),
		Spoof:          spoofReturning(true, 0.1, nil),
		SpoofThreshold: 0.6,
		Identify:       identifyReturning(0.2, nil),
		FaceThreshold:  0.5,
		DistanceMetric: "euclidean",
	}
	v := r.RunFaceBranch(context.Background(), "obama", nil, []float32{1, 2, 3})

	assert.True(t, *v.CheckClient, "a euclidean distance under the threshold must count as a match")
}

func TestRunPhoneBranch_BelowConfidenceThresholdIsEmpty(t *testing.T) {
	r := &Runners{
		Phone: func(context.Context, []byte) (*domain.BBox, float64, bool, error) {
			return &domain.BBox{X2: 5, Y2: 5}, 0.2, true, nil
		},
		PhoneThreshold: 0.5,
	}
	v := r.RunPhoneBranch(context.Background(), "obama", nil)

	assert.Nil(t, v.PhoneBBox)
}

func TestRunPhoneBranch_AboveThresholdPopulatesBBox(t *testing.T) {
	r := &Runners{
		Phone: func(context.Context, []byte) (*domain.BBox, float64, bool, error) {
			return &domain.BBox{X2: 5, Y2: 5}, 0.9, true, nil
		},
		PhoneThreshold: 0.5,
	}
	v := r.RunPhoneBranch(context.Background(), "obama", nil)

	a := assert.New(t)
	a.NotNil(v.PhoneBBox)
	a.NotNil(v.PhoneConfidence)
	a.InDelta(0.9, *v.PhoneConfidence, 1e-9)
}

func TestRunPhoneBranch_DetectErrorSurfacesAsProcessingError(t *testing.T) {
	r := &Runners{
		Phone: func(context.Context, []byte) (*domain.BBox, float64, bool, error) {
			return nil, 0, false, errors.New("boom")
		},
	}
	v := r.RunPhoneBranch(context.Background(), "obama", nil)
	assert.NotEmpty(t, v.ProcessingError)
}
