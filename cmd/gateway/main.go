// Command gateway runs the WebSocket front door: it accepts client
// connections at /ws, admits them against the paused/blocked/
// availability/rate-limit checks, persists frames to the object store,
// publishes them to clients_data, and delivers actions back to the
// session that triggered them.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/circuitbreaker"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/config"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/embeddingcache"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/gateway"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/kv"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/objectstore"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/queue"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/ratelimiter"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("gateway: no .env file loaded")
	}
	cfg := config.Instance()
	slog.Info("gateway: starting", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	breakers := circuitbreaker.NewPipelineCircuitBreakers()

	broker, err := queue.NewPubSubBroker(ctx, cfg.Queue.ProjectID, breakers.Queue)
	if err != nil {
		slog.Error("gateway: connect queue broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()
	broker.MaxRetries = cfg.Queue.MaxRetries
	broker.RetryBackoff = time.Duration(cfg.Queue.RetryBackoffMs) * time.Millisecond

	var store objectstore.Store
	if cfg.Storage.Provider == "supabase" && cfg.Supabase.Enabled {
		store = objectstore.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.ServiceKey, breakers.ObjectStore, cfg.Storage.FallbackDir)
	} else {
		store = objectstore.NewFilesystemStore(cfg.Storage.FallbackDir)
	}

	var statusStore *kv.StatusStore
	if cfg.KV.Enabled {
		redisClient := kv.NewRedisClient(cfg.KV.Addr, cfg.KV.Password, cfg.KV.DB, breakers.KV)
		if err := redisClient.Ping(ctx); err != nil {
			slog.Warn("gateway: redis unreachable, running without status gating", "error", err)
		} else {
			statusStore = kv.NewStatusStore(redisClient)
		}
	}

	windowMs := time.Duration(cfg.RateLimiter.WindowMs) * time.Millisecond
	cleanupMs := time.Duration(cfg.RateLimiter.CleanupMs) * time.Millisecond
	limiters := ratelimiter.NewManager(cfg.RateLimiter.MaxClients, windowMs, cleanupMs)
	defer limiters.StopAll()
	limiter := limiters.Get("gateway")

	enrolment := embeddingcache.FilesystemSource{Dir: cfg.Embedding.EnrolmentDir}

	gw := gateway.New(broker, store, statusStore, limiter, gateway.Config{
		Bucket:         cfg.Storage.FramesBucket,
		MaxClients:     cfg.RateLimiter.MaxClients,
		AllowedOrigins: cfg.Server.AllowedOriginsList(),
		Available: func(ctx context.Context, clientName string) bool {
			_, err := enrolment.StatSourceMtime(ctx, clientName)
			return err == nil
		},
	})

	go func() {
		if err := gw.RunActionsConsumer(ctx); err != nil && ctx.Err() == nil {
			slog.Error("gateway: actions consumer stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		slog.Info("gateway: shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("gateway: shutdown error", "error", err)
		}
	}()

	slog.Info("gateway: listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("gateway: serve failed", "error", err)
		os.Exit(1)
	}
}
