// Command pipeline runs one PipelineWorker: the face and phone branch
// executors for a single pipeline id, selected via the PIPELINE_ID
// environment variable (or the --id flag). A deployment runs one of
// these per configured pipeline slot.
package main

import (
	"bytes"
	"context"
	"flag"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/circuitbreaker"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/config"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/embeddingcache"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/models"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/objectstore"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/pipeline"
	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/queue"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("pipeline: no .env file loaded")
	}
	cfg := config.Instance()

	pipelineID := flag.Int("id", envInt("PIPELINE_ID", 0), "pipeline id this process owns")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	breakers := circuitbreaker.NewPipelineCircuitBreakers()

	broker, err := queue.NewPubSubBroker(ctx, cfg.Queue.ProjectID, breakers.Queue)
	if err != nil {
		slog.Error("pipeline: connect queue broker", "error", err)
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

	modelSig := embeddingcache.ModelSignature(cfg.Embedding.ModelName, cfg.Embedding.WeightsID, cfg.Embedding.MetricName)
	refs := embeddingcache.New(
		store,
		embeddingcache.FilesystemSource{Dir: cfg.Embedding.EnrolmentDir},
		cfg.Storage.FramesBucket,
		cfg.Embedding.Namespace,
		modelSig,
		models.NaiveEmbedder,
		cfg.Embedding.DetectThenCrop,
	)

	runners := &models.Runners{
		Detect:         models.NaiveFaceDetector,
		Identify:       models.NaiveIdentifier,
		Spoof:          models.NaiveSpoofClassifier,
		Phone:          models.NaivePhoneDetector,
		FaceThreshold:  cfg.Models.FaceThreshold,
		SpoofThreshold: cfg.Models.SpoofThreshold,
		PhoneThreshold: cfg.Models.PhoneThreshold,
		DistanceMetric: cfg.Models.DistanceMetric,
	}
	runners.Warmup(ctx, probeFrame())

	worker := pipeline.New(*pipelineID, broker, store, runners, refs, cfg.Pipeline.MaxClientsPerPipeline)

	slog.Info("pipeline: starting", "pipeline_id", *pipelineID)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("pipeline: stopped", "pipeline_id", *pipelineID, "error", err)
		os.Exit(1)
	}
	slog.Info("pipeline: shut down", "pipeline_id", *pipelineID)
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// probeFrame renders a tiny solid-gray JPEG used to warm every model
// once at startup; a backend that can't run against even this trivial
// input is misconfigured and should fail fast.
func probeFrame() []byte {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetGray(x, y, color.Gray{Y: 128})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		slog.Error("pipeline: build probe frame", "error", err)
		os.Exit(1)
	}
	return buf.Bytes()
}
