// Package embeddingcache memoizes the reference face embedding for
// each enrolled client so the face branch never recomputes it on every
// frame. An in-process map is checked first, then the object store's
// durable record, and only on a full miss is the embedding computed
// from the enrolment image and written through to both layers. Both
// cache layers are gated on the enrolment source's modification time:
// a cached entry is only a hit if it was produced no earlier than the
// source image's current mtime.
package embeddingcache

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/objectstore"
)

// Source resolves a client's enrolment image and its modification time.
// StatSourceMtime is cheap (a filesystem stat or a storage HEAD) and is
// called on every Get; Load is only called on a full cache miss.
type Source interface {
	StatSourceMtime(ctx context.Context, clientName string) (time.Time, error)
	Load(ctx context.Context, clientName string) ([]byte, error)
}

// Embedder computes a reference embedding from a raw enrolment image,
// using detectThenCrop to locate the face first when true, or a
// centered crop as the fallback.
type Embedder func(ctx context.Context, imageBytes []byte, detectThenCrop bool) ([]float32, error)

// ModelSignature identifies the embedding-producing model config, so a
// model/weights/metric change invalidates every cached vector.
func ModelSignature(modelName, weightsID, metricName string) string {
	h := sha1.New()
	h.Write([]byte(modelName))
	h.Write([]byte("\x00"))
	h.Write([]byte(weightsID))
	h.Write([]byte("\x00"))
	h.Write([]byte(metricName))
	return hex.EncodeToString(h.Sum(nil))
}

// entry is the in-process cache record: the vector plus the source
// mtime it was computed against.
type entry struct {
	vector []float32
	mtime  time.Time
}

// Cache is the embedding cache over a namespace/model signature.
type Cache struct {
	store          objectstore.Store
	source         Source
	bucket         string
	namespace      string
	modelSig       string
	embed          Embedder
	detectThenCrop bool

	mu     sync.RWMutex
	memory map[string]entry
}

// New builds a Cache. namespace partitions enrolment sets (e.g. by
// deployment or tenant); modelSig comes from ModelSignature. source may
// be nil, in which case Get only ever serves from the two caches and
// returns MissingReference-shaped errors on a full miss.
func New(store objectstore.Store, source Source, bucket, namespace, modelSig string, embed Embedder, detectThenCrop bool) *Cache {
	return &Cache{
		store:          store,
		source:         source,
		bucket:         bucket,
		namespace:      namespace,
		modelSig:       modelSig,
		embed:          embed,
		detectThenCrop: detectThenCrop,
		memory:         make(map[string]entry),
	}
}

func (c *Cache) key(clientName string) string {
	return fmt.Sprintf("embeddings/%s/%s/%s.bin", c.namespace, c.modelSig, clientName)
}

// record is the object-store-persisted shape: the vector plus the
// source mtime it was valid against, so a reader can tell a stale
// write-through apart from a fresh one without re-running the model.
type record struct {
	SourceMtime int64     // unix nanos
	Vector      []float32
}

// Get returns clientName's reference embedding, trying three layers in
// order: in-process map (valid iff cached mtime >= source
// mtime), then the object store record (valid iff its stored mtime
// equals the current source mtime), then a full recompute from the
// enrolment image. If source is nil, mtime checks are skipped and
// whatever is cached is always served (tests only).
func (c *Cache) Get(ctx context.Context, clientName string) ([]float32, error) {
	var sourceMtime time.Time
	haveMtime := false
	if c.source != nil {
		mt, err := c.source.StatSourceMtime(ctx, clientName)
		if err != nil {
			return nil, fmt.Errorf("embeddingcache: missing reference for %q: %w", clientName, err)
		}
		sourceMtime = mt
		haveMtime = true
	}

	c.mu.RLock()
	e, ok := c.memory[clientName]
	c.mu.RUnlock()
	if ok && (!haveMtime || !e.mtime.Before(sourceMtime)) {
		return e.vector, nil
	}

	raw, err := c.store.Get(ctx, c.bucket, c.key(clientName))
	if err == nil {
		rec, decodeErr := decodeRecord(raw)
		if decodeErr == nil && (!haveMtime || rec.SourceMtime == sourceMtime.UnixNano()) {
			c.memorize(clientName, rec.Vector, time.Unix(0, rec.SourceMtime))
			return rec.Vector, nil
		}
	}

	if c.source == nil || c.embed == nil {
		return nil, fmt.Errorf("embeddingcache: no valid cached embedding for %q", clientName)
	}

	imageBytes, err := c.source.Load(ctx, clientName)
	if err != nil {
		return nil, fmt.Errorf("embeddingcache: missing reference for %q: %w", clientName, err)
	}
	vec, err := c.embed(ctx, imageBytes, c.detectThenCrop)
	if err != nil {
		return nil, fmt.Errorf("embeddingcache: compute embedding for %q: %w", clientName, err)
	}

	payload := encodeRecord(record{SourceMtime: sourceMtime.UnixNano(), Vector: vec})
	if err := c.store.Put(ctx, c.bucket, c.key(clientName), "application/octet-stream", payload); err != nil {
		// Write-through failure is logged and is not fatal: the
		// in-process entry below still satisfies this and subsequent
		// requests until the process restarts.
		slog.Warn("embeddingcache: write-through failed, serving from memory", "client", clientName, "error", err)
		c.memorize(clientName, vec, sourceMtime)
		return vec, nil
	}

	c.memorize(clientName, vec, sourceMtime)
	return vec, nil
}

func (c *Cache) memorize(clientName string, vec []float32, mtime time.Time) {
	c.mu.Lock()
	c.memory[clientName] = entry{vector: vec, mtime: mtime}
	c.mu.Unlock()
}

// Invalidate drops clientName from the in-process map and the object
// store, forcing recomputation on next Get.
func (c *Cache) Invalidate(ctx context.Context, clientName string) error {
	c.mu.Lock()
	delete(c.memory, clientName)
	c.mu.Unlock()
	return c.store.Delete(ctx, c.bucket, c.key(clientName))
}

func encodeRecord(r record) []byte {
	buf := make([]byte, 8+4*len(r.Vector))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.SourceMtime))
	for i, f := range r.Vector {
		binary.LittleEndian.PutUint32(buf[8+i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeRecord(buf []byte) (record, error) {
	if len(buf) < 8 {
		return record{}, fmt.Errorf("embeddingcache: truncated record (%d bytes)", len(buf))
	}
	mtime := int64(binary.LittleEndian.Uint64(buf[0:8]))
	n := (len(buf) - 8) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[8+i*4:]))
	}
	return record{SourceMtime: mtime, Vector: vec}, nil
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors. Used by the face identifier model façade.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EuclideanDistance computes the Euclidean distance between two
// equal-length vectors.
func EuclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// FilesystemSource resolves enrolment images from a flat directory,
// one file per client named "<client_name>.jpg", matching the source
// material's enrolment layout.
type FilesystemSource struct {
	Dir string
}

func (s FilesystemSource) path(clientName string) string {
	return s.Dir + "/" + clientName + ".jpg"
}

// StatSourceMtime returns the enrolment image's modification time.
func (s FilesystemSource) StatSourceMtime(_ context.Context, clientName string) (time.Time, error) {
	info, err := os.Stat(s.path(clientName))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Load reads the enrolment image's bytes.
func (s FilesystemSource) Load(_ context.Context, clientName string) ([]byte, error) {
	return os.ReadFile(s.path(clientName))
}
