// Package servermanager implements the ServerManager component: the
// saved-action consumer that persists annotated frames and audit rows,
// a file-ops worker that mirrors the six client-status buckets to disk
// as JSON, and an admin HTTP surface (status introspection, metrics,
// health) built on gorilla/mux.
package servermanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/audit"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/domain"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/kv"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/metrics"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/objectstore"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/queue"
)

// Manager owns the saved-action writer, the status file mirror, and
// the admin HTTP router.
type Manager struct {
	broker      queue.Broker
	store       objectstore.Store
	status      *kv.StatusStore
	auditSink   audit.Sink
	statusDir   string
	fallbackDir string
}

// New builds a Manager. statusDir is where the JSON status mirror is
// written; fallbackDir is where annotated saved-action images land
// when the object store rejects the write.
func New(broker queue.Broker, store objectstore.Store, status *kv.StatusStore, auditSink audit.Sink, statusDir, fallbackDir string) *Manager {
	return &Manager{
		broker:      broker,
		store:       store,
		status:      status,
		auditSink:   auditSink,
		statusDir:   statusDir,
		fallbackDir: fallbackDir,
	}
}

// RunSavedActionConsumer subscribes to saved_actions and persists each
// one: the annotated image to its deterministic object-store key (the
// local fallback directory if storage rejects it), then a relational
// audit row. The deterministic key makes redelivered messages
// overwrite rather than duplicate.
func (m *Manager) RunSavedActionConsumer(ctx context.Context) error {
	return m.broker.Subscribe(ctx, queue.QueueSavedActions, m.handleSavedAction)
}

func (m *Manager) handleSavedAction(ctx context.Context, env queue.Envelope) error {
	var saved domain.SavedAction
	if err := env.Unmarshal(&saved); err != nil {
		slog.Warn("servermanager: malformed saved action, dropping", "error", err)
		return nil
	}
	if len(saved.AnnotatedImage) > 0 {
		m.writeSavedImage(ctx, saved)
	}
	m.auditSink.Record(ctx, saved)
	return nil
}

func (m *Manager) writeSavedImage(ctx context.Context, saved domain.SavedAction) {
	if m.store != nil {
		err := m.store.Put(ctx, saved.AnnotatedBucket, saved.SavedObjectKey, "image/jpeg", saved.AnnotatedImage)
		if err == nil {
			return
		}
		slog.Warn("servermanager: object store rejected saved action, writing local fallback",
			"key", saved.SavedObjectKey, "error", err)
	}
	dst := filepath.Join(m.fallbackDir, filepath.FromSlash(saved.SavedObjectKey))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		slog.Error("servermanager: mkdir for saved action fallback failed", "error", err)
		return
	}
	if err := os.WriteFile(dst, saved.AnnotatedImage, 0o644); err != nil {
		slog.Error("servermanager: saved action fallback write failed", "path", dst, "error", err)
	}
}

// RunStatusMirror periodically snapshots every status bucket from the
// KV store to a JSON file under statusDir, one file per bucket. Each
// write goes to a temp file followed by an atomic rename so a reader
// never observes a partial write.
func (m *Manager) RunStatusMirror(ctx context.Context, interval time.Duration) {
	if m.status == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.snapshotStatus(ctx)
		}
	}
}

func (m *Manager) snapshotStatus(ctx context.Context) {
	if err := os.MkdirAll(m.statusDir, 0o755); err != nil {
		slog.Error("servermanager: mkdir status dir failed", "error", err)
		return
	}
	for _, bucket := range domain.AllStatusBuckets {
		members, err := m.status.Members(ctx, string(bucket))
		if err != nil {
			slog.Error("servermanager: list status bucket failed", "bucket", bucket, "error", err)
			continue
		}
		if err := writeJSONAtomic(filepath.Join(m.statusDir, string(bucket)+".json"), members); err != nil {
			slog.Error("servermanager: write status snapshot failed", "bucket", bucket, "error", err)
		}
	}
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Router builds the admin HTTP surface: client status lookups/updates,
// Prometheus metrics, and a liveness probe.
func (m *Manager) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", m.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/client/status", m.handleClientStatus).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/client/status/update", m.handleClientStatusUpdate).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/redis/get", m.handleRedisGet).Methods(http.MethodPost, http.MethodOptions)
	return r
}

type redisGetRequest struct {
	Keys []string `json:"keys"`
}

type redisGetResponse struct {
	Server string              `json:"server"`
	Data   []map[string]any    `json:"data"`
}

// handleRedisGet serves `POST /redis/get {keys:[…]}`: each requested
// key is resolved against the status bucket sets so admin tooling
// without direct broker/Redis access can inspect Clients_status
// without knowing it's backed by Redis sets.
func (m *Manager) handleRedisGet(w http.ResponseWriter, r *http.Request) {
	if m.status == nil {
		http.Error(w, "status store unavailable", http.StatusServiceUnavailable)
		return
	}

	var req redisGetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	data := make([]map[string]any, 0, len(req.Keys))
	for _, key := range req.Keys {
		members, err := m.status.Members(r.Context(), key)
		if err != nil {
			slog.Warn("servermanager: redis/get failed for key", "key", key, "error", err)
			members = nil
		}
		data = append(data, map[string]any{key: members})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(redisGetResponse{Server: "clients_status", Data: data})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (m *Manager) handleClientStatus(w http.ResponseWriter, r *http.Request) {
	clientName := r.URL.Query().Get("client_name")
	if clientName == "" || m.status == nil {
		http.Error(w, "missing client_name", http.StatusBadRequest)
		return
	}

	snapshot := domain.ClientStatusSnapshot{ClientName: clientName}
	for _, bucket := range domain.AllStatusBuckets {
		member, err := m.status.IsMember(r.Context(), clientName, string(bucket))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if member {
			snapshot.Bucket = string(bucket)
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

type statusUpdateRequest struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

type statusUpdateResponse struct {
	Username string              `json:"username"`
	Previous string              `json:"previous_status"`
	New      string              `json:"new_status"`
	Lists    map[string][]string `json:"lists"`
}

// statusWords maps the admin surface's public vocabulary
// (normal/pause/block) to the bucket names the KV layer mirrors.
var statusWords = map[string]domain.ClientStatusBucket{
	"normal": domain.StatusActive,
	"pause":  domain.StatusPaused,
	"block":  domain.StatusBlocked,
}

func (m *Manager) handleClientStatusUpdate(w http.ResponseWriter, r *http.Request) {
	if m.status == nil {
		http.Error(w, "status store unavailable", http.StatusServiceUnavailable)
		return
	}

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bucket, ok := statusWords[req.Status]
	if req.Username == "" || !ok {
		http.Error(w, "username required and status must be one of normal, pause, block", http.StatusBadRequest)
		return
	}

	allBuckets := make([]string, len(domain.AllStatusBuckets))
	for i, b := range domain.AllStatusBuckets {
		allBuckets[i] = string(b)
	}

	previous := "normal"
	for _, b := range domain.AllStatusBuckets {
		if b == domain.StatusActive {
			continue
		}
		member, err := m.status.IsMember(r.Context(), req.Username, string(b))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if member {
			previous = string(b)
			break
		}
	}

	if err := m.status.MoveTo(r.Context(), req.Username, string(bucket), allBuckets); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	lists := make(map[string][]string, len(domain.AllStatusBuckets))
	for _, b := range domain.AllStatusBuckets {
		members, err := m.status.Members(r.Context(), string(b))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		lists[string(b)] = members
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusUpdateResponse{
		Username: req.Username,
		Previous: previous,
		New:      string(bucket),
		Lists:    lists,
	})
}
