// Package objectstore is the binary blob capability behind every frame
// and saved action: the Gateway PUTs raw frame bytes, PipelineWorkers
// GET them back for model inference, and the ServerManager PUTs
// annotated saved-action JPEGs. Supabase Storage is the primary
// provider; a local-filesystem provider backs local development and
// serves as the automatic fallback when Supabase is unreachable.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	storage_go "github.com/supabase-community/storage-go"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/circuitbreaker"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/metrics"
)

// Store is the capability every stage that persists or retrieves a
// blob depends on.
type Store interface {
	Put(ctx context.Context, bucket, key string, contentType string, data []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// SupabaseStore implements Store on top of Supabase Storage, falling
// back to a FilesystemStore for every operation when the breaker is
// open or the call itself fails.
type SupabaseStore struct {
	client   *storage_go.Client
	breaker  *circuitbreaker.CircuitBreaker
	fallback *FilesystemStore
}

// NewSupabaseStore builds a store against projectURL/serviceKey, with
// fallbackDir as the local directory used when Supabase is down.
func NewSupabaseStore(projectURL, serviceKey string, breaker *circuitbreaker.CircuitBreaker, fallbackDir string) *SupabaseStore {
	client := storage_go.NewClient(projectURL, serviceKey, nil)
	return &SupabaseStore{
		client:   client,
		breaker:  breaker,
		fallback: NewFilesystemStore(fallbackDir),
	}
}

func (s *SupabaseStore) Put(ctx context.Context, bucket, key, contentType string, data []byte) error {
	start := time.Now()
	do := func() (any, error) {
		_, err := s.client.UploadFile(bucket, key, newReadSeeker(data), storage_go.FileOptions{
			ContentType: &contentType,
			Upsert:      boolPtr(true),
		})
		return nil, err
	}

	var err error
	if s.breaker == nil {
		_, err = do()
	} else {
		_, err = s.breaker.Execute(do)
	}
	if err != nil {
		metrics.ObjectStoreLatencySeconds.WithLabelValues("put", "fallback").Observe(time.Since(start).Seconds())
		if fbErr := s.fallback.Put(ctx, bucket, key, contentType, data); fbErr != nil {
			return fmt.Errorf("objectstore: supabase put failed (%v) and fallback failed: %w", err, fbErr)
		}
		return nil
	}
	metrics.ObjectStoreLatencySeconds.WithLabelValues("put", "ok").Observe(time.Since(start).Seconds())
	return nil
}

func (s *SupabaseStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	start := time.Now()
	do := func() (any, error) {
		return s.client.DownloadFile(bucket, key)
	}

	var res any
	var err error
	if s.breaker == nil {
		res, err = do()
	} else {
		res, err = s.breaker.Execute(do)
	}
	if err != nil {
		metrics.ObjectStoreLatencySeconds.WithLabelValues("get", "fallback").Observe(time.Since(start).Seconds())
		return s.fallback.Get(ctx, bucket, key)
	}
	data, ok := res.([]byte)
	if !ok {
		metrics.ObjectStoreLatencySeconds.WithLabelValues("get", "fallback").Observe(time.Since(start).Seconds())
		return s.fallback.Get(ctx, bucket, key)
	}
	metrics.ObjectStoreLatencySeconds.WithLabelValues("get", "ok").Observe(time.Since(start).Seconds())
	return data, nil
}

func (s *SupabaseStore) Delete(ctx context.Context, bucket, key string) error {
	do := func() (any, error) {
		_, err := s.client.RemoveFile(bucket, []string{key})
		return nil, err
	}
	var err error
	if s.breaker == nil {
		_, err = do()
	} else {
		_, err = s.breaker.Execute(do)
	}
	if err != nil {
		return s.fallback.Delete(ctx, bucket, key)
	}
	return nil
}

func (s *SupabaseStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	do := func() (any, error) {
		entries, err := s.client.ListFiles(bucket, prefix, storage_go.FileSearchOptions{})
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name)
		}
		return names, nil
	}

	var res any
	var err error
	if s.breaker == nil {
		res, err = do()
	} else {
		res, err = s.breaker.Execute(do)
	}
	if err != nil {
		return s.fallback.List(ctx, bucket, prefix)
	}
	names, _ := res.([]string)
	return names, nil
}

func boolPtr(b bool) *bool { return &b }

// FilesystemStore implements Store under a root directory, laying out
// objects as <root>/<bucket>/<key>. Writes go to a temp file in the
// same directory followed by an atomic rename, so a reader never
// observes a partially written object.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore builds a store rooted at root.
func NewFilesystemStore(root string) *FilesystemStore {
	return &FilesystemStore{root: root}
}

func (f *FilesystemStore) path(bucket, key string) string {
	return filepath.Join(f.root, bucket, filepath.FromSlash(key))
}

func (f *FilesystemStore) Put(_ context.Context, bucket, key, _ string, data []byte) error {
	dst := f.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("objectstore: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("objectstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("objectstore: rename: %w", err)
	}
	return nil
}

func (f *FilesystemStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(bucket, key))
	if err != nil {
		return nil, fmt.Errorf("objectstore: read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (f *FilesystemStore) Delete(_ context.Context, bucket, key string) error {
	if err := os.Remove(f.path(bucket, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objectstore: delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (f *FilesystemStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	root := filepath.Join(f.root, bucket)
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || hasPrefix(key, prefix) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: list %s: %w", bucket, err)
	}
	return out, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func newReadSeeker(data []byte) io.Reader {
	return &bytesReaderCloser{data: data}
}

type bytesReaderCloser struct {
	data []byte
	pos  int
}

func (b *bytesReaderCloser) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
