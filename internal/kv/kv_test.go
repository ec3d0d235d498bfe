package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory Client double backed by Go sets, enough to
// exercise StatusStore without a real Redis instance.
type fakeClient struct {
	sets map[string]map[string]struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{sets: make(map[string]map[string]struct{})}
}

func (f *fakeClient) Set(context.Context, string, string, time.Duration) error { return nil }
func (f *fakeClient) Get(context.Context, string) (string, error)              { return "", nil }
func (f *fakeClient) Del(context.Context, string) error                        { return nil }

func (f *fakeClient) SAdd(_ context.Context, key string, members ...string) error {
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]struct{})
		f.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (f *fakeClient) SRem(_ context.Context, key string, members ...string) error {
	set, ok := f.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (f *fakeClient) SMembers(_ context.Context, key string) ([]string, error) {
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeClient) SIsMember(_ context.Context, key, member string) (bool, error) {
	_, ok := f.sets[key][member]
	return ok, nil
}

func (f *fakeClient) Publish(context.Context, string, string) error { return nil }
func (f *fakeClient) Subscribe(context.Context, string) (<-chan string, func() error) {
	ch := make(chan string)
	close(ch)
	return ch, func() error { return nil }
}
func (f *fakeClient) Ping(context.Context) error { return nil }

func TestStatusStore_MoveToIsSingleBucketMembership(t *testing.T) {
	cli := newFakeClient()
	store := NewStatusStore(cli)
	buckets := []string{"active_clients", "paused_clients", "blocked_clients"}
	ctx := context.Background()

	require.NoError(t, store.MoveTo(ctx, "obama", "active_clients", buckets))
	active, err := store.Members(ctx, "active_clients")
	require.NoError(t, err)
	assert.Equal(t, []string{"obama"}, active)

	require.NoError(t, store.MoveTo(ctx, "obama", "blocked_clients", buckets))

	active, err = store.Members(ctx, "active_clients")
	require.NoError(t, err)
	assert.Empty(t, active, "moving to a new bucket must remove membership from every other bucket")

	blocked, err := store.Members(ctx, "blocked_clients")
	require.NoError(t, err)
	assert.Equal(t, []string{"obama"}, blocked)
}

func TestStatusStore_IsMember(t *testing.T) {
	cli := newFakeClient()
	store := NewStatusStore(cli)
	buckets := []string{"active_clients", "paused_clients"}
	ctx := context.Background()

	ok, err := store.IsMember(ctx, "obama", "active_clients")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.MoveTo(ctx, "obama", "active_clients", buckets))

	ok, err = store.IsMember(ctx, "obama", "active_clients")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStatusStore_RemoveClearsEveryBucket(t *testing.T) {
	cli := newFakeClient()
	store := NewStatusStore(cli)
	buckets := []string{"active_clients", "paused_clients"}
	ctx := context.Background()

	require.NoError(t, store.MoveTo(ctx, "obama", "active_clients", buckets))
	require.NoError(t, store.Remove(ctx, "obama", buckets))

	for _, b := range buckets {
		members, err := store.Members(ctx, b)
		require.NoError(t, err)
		assert.Empty(t, members)
	}
}
