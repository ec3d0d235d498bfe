// Command servermanager runs the ServerManager: the saved-action audit
// consumer, the periodic client-status file mirror, and the admin HTTP
// surface (client status lookup/update, Prometheus metrics, health).
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

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/audit"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/circuitbreaker"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/config"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/kv"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/objectstore"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/queue"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/servermanager"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("servermanager: no .env file loaded")
	}
	cfg := config.Instance()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	breakers := circuitbreaker.NewPipelineCircuitBreakers()

	broker, err := queue.NewPubSubBroker(ctx, cfg.Queue.ProjectID, breakers.Queue)
	if err != nil {
		slog.Error("servermanager: connect queue broker", "error", err)
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
			slog.Warn("servermanager: redis unreachable, admin status surface degraded", "error", err)
		} else {
			statusStore = kv.NewStatusStore(redisClient)
		}
	}

	var auditSink audit.Sink = audit.NoopSink{}
	if cfg.Supabase.Enabled {
		sink, err := audit.NewSupabaseSink(cfg.Supabase.URL, cfg.Supabase.ServiceKey, "saved_actions")
		if err != nil {
			slog.Warn("servermanager: supabase audit sink unavailable, falling back to noop", "error", err)
		} else {
			auditSink = sink
		}
	}

	mgr := servermanager.New(broker, store, statusStore, auditSink, cfg.Server.StatusDir, cfg.Storage.FallbackDir)

	go func() {
		if err := mgr.RunSavedActionConsumer(ctx); err != nil && ctx.Err() == nil {
			slog.Error("servermanager: saved-action consumer stopped", "error", err)
		}
	}()
	go mgr.RunStatusMirror(ctx, time.Duration(cfg.RateLimiter.CleanupMs)*time.Millisecond)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mgr.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		slog.Info("servermanager: shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("servermanager: shutdown error", "error", err)
		}
	}()

	slog.Info("servermanager: listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("servermanager: serve failed", "error", err)
		os.Exit(1)
	}
}
