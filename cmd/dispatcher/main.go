// Command dispatcher consumes admitted frames from clients_data and
// round-robins each one across the configured pipeline count.
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
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/dispatcher"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/queue"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("dispatcher: no .env file loaded")
	}
	cfg := config.Instance()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	breakers := circuitbreaker.NewPipelineCircuitBreakers()

	broker, err := queue.NewPubSubBroker(ctx, cfg.Queue.ProjectID, breakers.Queue)
	if err != nil {
		slog.Error("dispatcher: connect queue broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()
	broker.MaxRetries = cfg.Queue.MaxRetries
	broker.RetryBackoff = time.Duration(cfg.Queue.RetryBackoffMs) * time.Millisecond

	numPipelines := cfg.Pipeline.NumPipelines(cfg.Hardware.Servers)
	d := dispatcher.New(broker, numPipelines)

	slog.Info("dispatcher: starting", "num_pipelines", numPipelines)
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("dispatcher: stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("dispatcher: shut down")
}
