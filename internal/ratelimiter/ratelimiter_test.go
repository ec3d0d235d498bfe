package ratelimiter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_AdmitsUpToMaxClients(t *testing.T) {
	rl := New(2, time.Minute, time.Minute)

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"))
	assert.False(t, rl.Allow("carol"), "a third distinct id must be denied at capacity")
}

func TestAllow_AlreadyActiveIDAlwaysAdmitted(t *testing.T) {
	rl := New(1, time.Minute, time.Minute)

	require.True(t, rl.Allow("alice"))
	// alice is already active; repeated calls must not count against
	// capacity even though maxActive is 1.
	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("bob"))
}

func TestAllow_ExpiredWindowFreesCapacity(t *testing.T) {
	rl := New(1, 20*time.Millisecond, time.Minute)

	require.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("bob"))

	time.Sleep(40 * time.Millisecond)

	// alice's window has elapsed with no further activity: she is no
	// longer "active", so bob must now be admitted in her place.
	assert.True(t, rl.Allow("bob"))
}

func TestAllow_ReleaseFreesCapacityImmediately(t *testing.T) {
	rl := New(1, time.Minute, time.Minute)

	require.True(t, rl.Allow("alice"))
	require.False(t, rl.Allow("bob"))

	rl.Release("alice")
	assert.True(t, rl.Allow("bob"))
}

func TestAllow_ConcurrentSameID(t *testing.T) {
	rl := New(5, time.Minute, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl.Allow("shared")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rl.ActiveCount(), "concurrent Allow calls for the same id must never create duplicate records")
}

func TestCleanup_RemovesStaleRecords(t *testing.T) {
	rl := New(10, 10*time.Millisecond, 10*time.Millisecond)
	require.True(t, rl.Allow("alice"))
	require.Equal(t, 1, rl.ActiveCount())

	time.Sleep(50 * time.Millisecond)
	rl.cleanup()

	assert.Equal(t, 0, rl.ActiveCount())
}

func TestManager_IsolatesLimitersByProfile(t *testing.T) {
	m := NewManager(1, time.Minute, time.Minute)
	defer m.StopAll()

	a := m.Get("tenant-a")
	b := m.Get("tenant-b")

	require.True(t, a.Allow("alice"))
	assert.False(t, a.Allow("bob"), "tenant-a's limiter is at capacity")
	assert.True(t, b.Allow("bob"), "tenant-b has its own independent capacity")
	assert.Same(t, a, m.Get("tenant-a"), "Get must return the same limiter on repeat lookups")
}

func TestAllow_DeniesEverythingAfterStop(t *testing.T) {
	rl := New(10, time.Minute, time.Minute)
	require.True(t, rl.Allow("obama"))

	rl.Stop()

	assert.False(t, rl.Allow("obama"), "an already-active client is denied once shutdown begins")
	assert.False(t, rl.Allow("biden"), "a new client is denied once shutdown begins")
}
