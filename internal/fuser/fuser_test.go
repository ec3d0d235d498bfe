package fuser

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/domain"
)

func boolPtr(b bool) *bool { return &b }

func TestDeriveFaceAction(t *testing.T) {
	cases := []struct {
		name       string
		verdict    domain.FaceVerdict
		wantAction int
		wantReason int
	}{
		{
			name:       "no face detected",
			verdict:    domain.FaceVerdict{DetectionSuccess: false},
			wantAction: domain.ActionLockScreen,
			wantReason: domain.ReasonNoFace,
		},
		{
			name: "spoofed face signs out",
			verdict: domain.FaceVerdict{
				DetectionSuccess: true,
				FaceBBox:         &domain.BBox{X2: 10, Y2: 10},
				CheckSpoof:       boolPtr(true),
			},
			wantAction: domain.ActionSignOut,
			wantReason: domain.ReasonSpoofImage,
		},
		{
			name: "wrong user locks screen",
			verdict: domain.FaceVerdict{
				DetectionSuccess: true,
				FaceBBox:         &domain.BBox{X2: 10, Y2: 10},
				CheckSpoof:       boolPtr(false),
				CheckClient:      boolPtr(false),
			},
			wantAction: domain.ActionLockScreen,
			wantReason: domain.ReasonWrongUser,
		},
		{
			name: "genuine user takes no action",
			verdict: domain.FaceVerdict{
				DetectionSuccess: true,
				FaceBBox:         &domain.BBox{X2: 10, Y2: 10},
				CheckSpoof:       boolPtr(false),
				CheckClient:      boolPtr(true),
			},
			wantAction: domain.ActionNoAction,
			wantReason: domain.ReasonEmpty,
		},
		{
			name:       "processing error surfaces as an error action",
			verdict:    domain.FaceVerdict{ProcessingError: "model crashed"},
			wantAction: domain.ActionError,
			wantReason: domain.ReasonEmpty,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action, reason := deriveFaceAction(tc.verdict)
			assert.Equal(t, tc.wantAction, action)
			assert.Equal(t, tc.wantReason, reason)
		})
	}
}

func TestDerivePhoneAction(t *testing.T) {
	t.Run("phone present signs out", func(t *testing.T) {
		conf := 0.9
		action, reason := derivePhoneAction(domain.PhoneVerdict{
			PhoneBBox:       &domain.BBox{X2: 5, Y2: 5},
			PhoneConfidence: &conf,
		})
		assert.Equal(t, domain.ActionSignOut, action)
		assert.Equal(t, domain.ReasonPhoneDetection, reason)
	})

	t.Run("no phone takes no action", func(t *testing.T) {
		action, reason := derivePhoneAction(domain.PhoneVerdict{})
		assert.Equal(t, domain.ActionNoAction, action)
		assert.Equal(t, domain.ReasonEmpty, reason)
	})

	t.Run("processing error suppresses to no action", func(t *testing.T) {
		action, _ := derivePhoneAction(domain.PhoneVerdict{ProcessingError: "boom"})
		assert.Equal(t, domain.ActionNoAction, action)
	})
}
