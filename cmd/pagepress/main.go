// Package main wires together the page publishing service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/pagepress/pagepress/internal/api"
	"github.com/pagepress/pagepress/internal/capture"
	"github.com/pagepress/pagepress/internal/clock/system"
	"github.com/pagepress/pagepress/internal/config"
	"github.com/pagepress/pagepress/internal/edge"
	"github.com/pagepress/pagepress/internal/icon"
	"github.com/pagepress/pagepress/internal/id/uuid"
	"github.com/pagepress/pagepress/internal/logging"
	"github.com/pagepress/pagepress/internal/orchestrator"
	"github.com/pagepress/pagepress/internal/pipeline"
	pubsubpublisher "github.com/pagepress/pagepress/internal/publisher/pubsub"
	queuememory "github.com/pagepress/pagepress/internal/queue/memory"
	"github.com/pagepress/pagepress/internal/render"
	"github.com/pagepress/pagepress/internal/storage/gcs"
	storagememory "github.com/pagepress/pagepress/internal/storage/memory"
	storememory "github.com/pagepress/pagepress/internal/store/memory"
	"github.com/pagepress/pagepress/internal/store/postgres"
	"github.com/pagepress/pagepress/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("pagepress", cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *zap.Logger) error {
	pageStore, closeStore, err := buildPageStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	blobStore, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	events, closeEvents, err := buildEventPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	capturer, err := capture.New(capture.Config{
		MaxParallel:    cfg.Capture.MaxParallel,
		Ceiling:        cfg.CaptureCeiling(),
		NavTimeout:     cfg.NavTimeout(),
		SettleDelay:    cfg.SettleDelay(),
		UserAgent:      cfg.Capture.UserAgent,
		AcceptLanguage: cfg.Capture.AcceptLanguage,
		DomainQPS:      cfg.Capture.DomainQPS,
		Wide:           capture.Viewport{Width: int64(cfg.Capture.WideWidth), Height: int64(cfg.Capture.WideHeight)},
		Narrow:         capture.Viewport{Width: int64(cfg.Capture.NarrowWidth), Height: int64(cfg.Capture.NarrowHeight)},
	}, logger.Named("capture"))
	if err != nil {
		return fmt.Errorf("init capture service: %w", err)
	}
	defer capturer.Close()

	renderer, err := render.New(render.Config{
		DefaultLocale: cfg.Render.DefaultLocale,
		RedirectDelay: time.Duration(cfg.Render.RedirectDelayS) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}

	icons := icon.New(icon.Config{
		UserAgent: cfg.Icon.UserAgent,
		Timeout:   time.Duration(cfg.Icon.TimeoutSec) * time.Second,
	}, logger.Named("icon"))

	queue := queuememory.NewQueue(cfg.Workers.QueueDepth)
	registrar := edge.NewRegistrar(blobStore, logger.Named("edge"))

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:    pageStore,
		Blobs:    blobStore,
		Capturer: capturer,
		Icons:    icons,
		Renderer: renderer,
		Routes:   registrar,
		Events:   events,
		Queue:    queue,
		Retry:    pipeline.NewExponentialRetryPolicy(),
		Clock:    system.New(),
	}, orchestrator.Config{
		StageTimeout:        cfg.StageTimeout(),
		IconFetchTimeout:    time.Duration(cfg.Icon.TimeoutSec) * time.Second,
		EdgeOpTimeout:       cfg.EdgeOpTimeout(),
		ArtifactContentType: cfg.Storage.ContentType,
		EventTopic:          cfg.PubSub.TopicName,
	}, logger.Named("orchestrator"))
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	pool := worker.New(queue, orch, worker.Config{Workers: cfg.Workers.Count}, logger.Named("worker"))
	pool.Start(ctx)

	verifier := edge.NewVerifier(edge.NewNetResolver(), cfg.Edge.ExpectedCNAME)
	apiServer := api.NewServer(pageStore, orch, verifier, uuid.New(), system.New(), cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	pool.Wait()
	logger.Info("shutdown complete")
	return nil
}

// buildPageStore selects Postgres when a DSN is configured and falls back to
// the in-memory store for local development.
func buildPageStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.PageStore, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory page store")
		return storememory.NewPageStore(), func() {}, nil
	}
	store, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxOpenConns),
		MinConns: int32(cfg.DB.MaxIdleConns),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init postgres store: %w", err)
	}
	logger.Info("using postgres page store")
	return store, store.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.BlobStore, error) {
	if cfg.Storage.GCSBucket == "" {
		logger.Info("using in-memory blob store")
		return storagememory.NewBlobStore(), nil
	}
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("init gcs client: %w", err)
	}
	store, err := gcs.New(client, gcs.Config{
		Bucket:     cfg.Storage.GCSBucket,
		CDNBaseURL: cfg.Storage.CDNBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init gcs blob store: %w", err)
	}
	logger.Info("using gcs blob store", zap.String("bucket", cfg.Storage.GCSBucket))
	return store, nil
}

func buildEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.EventPublisher, func(), error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		logger.Info("event publishing disabled")
		return nil, func() {}, nil
	}
	client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	logger.Info("event publishing enabled", zap.String("topic", cfg.PubSub.TopicName))
	return pub, pub.Stop, nil
}
