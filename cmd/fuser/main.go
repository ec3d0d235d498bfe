// Command fuser runs the DecisionFuser: it consumes face and phone
// branch verdicts independently, derives an enforcement Action per
// verdict, and publishes a SavedAction for every action other than
// NO_ACTION.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/circuitbreaker"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/config"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/fuser"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/objectstore"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/queue"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("fuser: no .env file loaded")
	}
	cfg := config.Instance()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	breakers := circuitbreaker.NewPipelineCircuitBreakers()

	broker, err := queue.NewPubSubBroker(ctx, cfg.Queue.ProjectID, breakers.Queue)
	if err != nil {
		slog.Error("fuser: connect queue broker", "error", err)
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

	f := fuser.New(broker, store)

	slog.Info("fuser: starting")
	if err := f.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("fuser: stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("fuser: shut down")
}
