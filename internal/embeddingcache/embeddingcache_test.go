package embeddingcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory objectstore.Store double.
type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Put(_ context.Context, bucket, key, _ string, data []byte) error {
	m.data[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	v, ok := m.data[bucket+"/"+key]
	if !ok {
		return nil, errors.New("not found")
	}
	return v, nil
}

func (m *memStore) Delete(_ context.Context, bucket, key string) error {
	delete(m.data, bucket+"/"+key)
	return nil
}

func (m *memStore) List(context.Context, string, string) ([]string, error) { return nil, nil }

// fakeSource is a Source double with a controllable mtime and image
// bytes, and a counter tracking how many times the image was loaded.
type fakeSource struct {
	mtime     time.Time
	image     []byte
	loadCalls int
}

func (f *fakeSource) StatSourceMtime(context.Context, string) (time.Time, error) {
	return f.mtime, nil
}

func (f *fakeSource) Load(context.Context, string) ([]byte, error) {
	f.loadCalls++
	return f.image, nil
}

func countingEmbedder(calls *int) Embedder {
	return func(_ context.Context, imageBytes []byte, _ bool) ([]float32, error) {
		*calls++
		return []float32{float32(len(imageBytes)), 1, 2}, nil
	}
}

func TestGet_ComputesOnFullMissAndMemoizes(t *testing.T) {
	store := newMemStore()
	src := &fakeSource{mtime: time.Now(), image: []byte("enrolment-bytes")}
	var embedCalls int
	cache := New(store, src, "bucket", "ns", "sig", countingEmbedder(&embedCalls), true)

	v1, err := cache.Get(context.Background(), "obama")
	require.NoError(t, err)
	assert.Equal(t, 1, embedCalls)
	assert.Equal(t, 1, src.loadCalls)

	v2, err := cache.Get(context.Background(), "obama")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, embedCalls, "a second Get with an unchanged mtime must hit the in-process map, not recompute")
}

func TestGet_MissingInProcessEntryFallsThroughToObjectStore(t *testing.T) {
	store := newMemStore()
	src := &fakeSource{mtime: time.Now(), image: []byte("v1")}
	var embedCalls int
	cache := New(store, src, "bucket", "ns", "sig", countingEmbedder(&embedCalls), false)

	_, err := cache.Get(context.Background(), "obama")
	require.NoError(t, err)
	require.Equal(t, 1, embedCalls)

	// Drop the in-process entry but leave the object-store record with
	// the same mtime: the second layer should still serve a hit without
	// recomputing.
	cache.mu.Lock()
	delete(cache.memory, "obama")
	cache.mu.Unlock()

	_, err = cache.Get(context.Background(), "obama")
	require.NoError(t, err)
	assert.Equal(t, 1, embedCalls, "object-store hit at the same mtime must not recompute")
}

func TestGet_SourceMtimeBumpForcesRecompute(t *testing.T) {
	store := newMemStore()
	src := &fakeSource{mtime: time.Now(), image: []byte("v1")}
	var embedCalls int
	cache := New(store, src, "bucket", "ns", "sig", countingEmbedder(&embedCalls), false)

	_, err := cache.Get(context.Background(), "obama")
	require.NoError(t, err)
	require.Equal(t, 1, embedCalls)

	src.mtime = src.mtime.Add(time.Hour)
	src.image = []byte("v2-longer-bytes")

	_, err = cache.Get(context.Background(), "obama")
	require.NoError(t, err)
	assert.Equal(t, 2, embedCalls, "a newer source mtime must invalidate both cache layers")
}

func TestGet_MissingSourceReturnsError(t *testing.T) {
	store := newMemStore()
	cache := New(store, missingSource{}, "bucket", "ns", "sig", nil, false)

	_, err := cache.Get(context.Background(), "ghost")
	assert.Error(t, err)
}

type missingSource struct{}

func (missingSource) StatSourceMtime(context.Context, string) (time.Time, error) {
	return time.Time{}, errors.New("no enrolment image")
}
func (missingSource) Load(context.Context, string) ([]byte, error) {
	return nil, errors.New("no enrolment image")
}

func TestModelSignature_ChangesWithInputs(t *testing.T) {
	a := ModelSignature("arcface", "r100", "cosine")
	b := ModelSignature("arcface", "r100", "euclidean")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ModelSignature("arcface", "r100", "cosine"))
}

func TestCosineSimilarityAndEuclideanDistance(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-9)
	assert.InDelta(t, 0.0, EuclideanDistance(a, b), 1e-9)

	c := []float32{0, 1, 0}
	assert.InDelta(t, 0.0, CosineSimilarity(a, c), 1e-9)
}

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	rec := record{SourceMtime: 123456789, Vector: []float32{1.5, -2.25, 3}}
	decoded, err := decodeRecord(encodeRecord(rec))
	require.NoError(t, err)
	assert.Equal(t, rec.SourceMtime, decoded.SourceMtime)
	assert.Equal(t, rec.Vector, decoded.Vector)
}
