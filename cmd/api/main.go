package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/your-org/facerecog/internal/api"
	"github.com/your-org/facerecog/internal/api/handlers"
	"github.com/your-org/facerecog/internal/api/ws"
	"github.com/your-org/facerecog/internal/config"
	"github.com/your-org/facerecog/internal/crowd"
	"github.com/your-org/facerecog/internal/matching"
	"github.com/your-org/facerecog/internal/models"
	"github.com/your-org/facerecog/internal/observability"
	"github.com/your-org/facerecog/internal/queue"
	"github.com/your-org/facerecog/internal/recognition"
	"github.com/your-org/facerecog/internal/storage"
	"github.com/your-org/facerecog/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting face recognition API", "port", cfg.Server.Port, "backend", cfg.Storage.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		slog.Error("open store", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	matcher, err := matching.New(cfg.Vision.RecognitionThreshold, cfg.Vision.Distance)
	if err != nil {
		slog.Error("configure matcher", "error", err)
		os.Exit(1)
	}
	policy, err := matching.ParseConfidencePolicy(cfg.Vision.ConfidencePolicy)
	if err != nil {
		slog.Error("configure confidence policy", "error", err)
		os.Exit(1)
	}

	// Models are optional: without them the registry is still readable.
	var analyzer recognition.FaceAnalyzer
	var people crowd.PersonDetector
	if err := vision.InitRuntime(cfg.Vision.ONNXLibrary); err != nil {
		slog.Warn("onnx runtime unavailable, face analysis and crowd counting disabled", "error", err)
	} else {
		defer vision.ReleaseRuntime()

		if fa, err := vision.NewFaceAnalyzer(cfg.Vision); err != nil {
			slog.Warn("face models unavailable, recognition disabled", "error", err)
		} else {
			analyzer = fa
		}
		if pd, err := vision.NewPersonDetector(cfg.Vision); err != nil {
			slog.Warn("person model unavailable, crowd counting disabled", "error", err)
		} else {
			people = pd
		}
	}

	hub := ws.NewHub()
	go hub.Run(ctx)

	pingers := map[string]handlers.Pinger{"store": store}

	// Events go through NATS when configured so every replica's websocket
	// clients see them; otherwise straight to the local hub.
	var publisher recognition.Publisher = hub
	if cfg.NATS.URL != "" {
		producer, err := queue.NewProducer(cfg.NATS.URL)
		if err != nil {
			slog.Error("connect to nats", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		if err := producer.EnsureStream(ctx); err != nil {
			slog.Warn("ensure nats stream", "error", err)
		}

		consumer, err := queue.NewConsumer(cfg.NATS.URL)
		if err != nil {
			slog.Error("create event consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		name := "api-" + uuid.NewString()[:8]
		err = consumer.ConsumeEvents(ctx, name, func(ctx context.Context, evt models.Event) error {
			return hub.Publish(ctx, evt)
		})
		if err != nil {
			slog.Warn("start event consumer", "error", err)
		}

		publisher = producer
		pingers["nats"] = producer
	}

	svc := recognition.NewService(analyzer, store, matcher, policy, publisher)
	defer svc.Close()
	svc.RefreshRegistrySize(ctx)

	var counter handlers.CrowdCounter
	if people != nil {
		c := crowd.NewCounter(people, cfg.Crowd, publisher)
		defer c.Close()
		counter = c
	}

	router := api.NewRouter(api.RouterConfig{
		APIKey:       cfg.Server.APIKey,
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Service:      svc,
		Counter:      counter,
		Hub:          hub,
		Pingers:      pingers,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	cancel()

	slog.Info("API server stopped")
}
