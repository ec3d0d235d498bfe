package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActionName_KnownAndUnknownCodes(t *testing.T) {
	assert.Equal(t, "No_action", ActionName(ActionNoAction))
	assert.Equal(t, "Lock_screen", ActionName(ActionLockScreen))
	assert.Equal(t, "Sign_out", ActionName(ActionSignOut))
	assert.Equal(t, "Warning", ActionName(ActionWarning))
	assert.Equal(t, "Error", ActionName(ActionError))
	assert.Equal(t, "Unknown", ActionName(99))
}

func TestReasonName_KnownAndUnknownCodes(t *testing.T) {
	assert.Equal(t, "Phone_detection", ReasonName(ReasonPhoneDetection))
	assert.Equal(t, "Spoof_image", ReasonName(ReasonSpoofImage))
	assert.Equal(t, "Rate_limit_exceeded", ReasonName(ReasonRateLimitExceeded))
	assert.Equal(t, "Unknown", ReasonName(-1))
}

func TestSavedActionKey_IsDeterministicForFixedInputs(t *testing.T) {
	ts := time.Date(2026, 3, 5, 12, 30, 0, 0, time.UTC)

	k1 := SavedActionKey("obama", ActionLockScreen, ReasonWrongUser, ts)
	k2 := SavedActionKey("obama", ActionLockScreen, ReasonWrongUser, ts)
	assert.Equal(t, k1, k2)

	assert.Equal(t, "actions/Lock_screen/obama/20260305T123000.000000000Z__Lock_screen__Wrong_user.jpg", k1)
}

func TestSavedActionKey_VariesWithEveryInput(t *testing.T) {
	ts := time.Now().UTC()

	base := SavedActionKey("obama", ActionSignOut, ReasonSpoofImage, ts)
	assert.NotEqual(t, base, SavedActionKey("trump", ActionSignOut, ReasonSpoofImage, ts))
	assert.NotEqual(t, base, SavedActionKey("obama", ActionWarning, ReasonSpoofImage, ts))
	assert.NotEqual(t, base, SavedActionKey("obama", ActionSignOut, ReasonWrongUser, ts))
	assert.NotEqual(t, base, SavedActionKey("obama", ActionSignOut, ReasonSpoofImage, ts.Add(time.Second)))
}

func TestAllStatusBuckets_CoversSixNamedBuckets(t *testing.T) {
	assert.Len(t, AllStatusBuckets, 6)
	assert.Contains(t, AllStatusBuckets, StatusActive)
	assert.Contains(t, AllStatusBuckets, StatusBlocked)
}
